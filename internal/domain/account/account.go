// Package account defines per-user trading settings and their persistence contract.
package account

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when the user has no stored settings.
var ErrNotFound = errors.New("account: not found")

// Credentials are the user's exchange API key pair.
type Credentials struct {
	APIKey    string `json:"-"`
	APISecret string `json:"-"`
}

// Valid reports whether both halves of the key pair are present.
func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.APISecret) != ""
}

// Settings holds everything the trading engine reads for a user.
type Settings struct {
	UserID                int64           `json:"userId"`
	Credentials           Credentials     `json:"-"`
	Symbol                string          `json:"symbol"`
	BuyAmount             decimal.Decimal `json:"buyAmount"`
	ProfitPercent         decimal.Decimal `json:"profitPercent"`
	LossPercent           decimal.Decimal `json:"lossPercent"`
	Pause                 time.Duration   `json:"pause"`
	RiseTrigger           bool            `json:"riseTrigger"`
	AutobuyEnabled        bool            `json:"autobuyEnabled"`
	SubscriptionExpiresAt *time.Time      `json:"subscriptionExpiresAt,omitempty"`
}

// Entitled reports whether the user's subscription is valid at now. A nil
// expiry means the subscription does not expire.
func (s Settings) Entitled(now time.Time) bool {
	if s.SubscriptionExpiresAt == nil {
		return true
	}
	return now.Before(*s.SubscriptionExpiresAt)
}

// Tradeable reports whether the settings carry enough to run a trading loop.
func (s Settings) Tradeable() bool {
	return s.Credentials.Valid() && strings.TrimSpace(s.Symbol) != "" && s.BuyAmount.IsPositive()
}

// Store is the persistence contract for user settings.
type Store interface {
	Get(ctx context.Context, userID int64) (Settings, error)
	// ListWithCredentials returns every user with a configured key pair.
	ListWithCredentials(ctx context.Context) ([]Settings, error)
	SetAutobuy(ctx context.Context, userID int64, enabled bool) error
}
