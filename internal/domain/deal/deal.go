// Package deal defines the persisted order (deal) model and its persistence contract.
package deal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the canonical lifecycle state of a deal.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusRejected        Status = "REJECTED"
	StatusSkipped         Status = "SKIPPED"
	StatusUnknown         Status = "UNKNOWN"
)

var (
	// ErrNotFound is returned when no deal matches the lookup.
	ErrNotFound = errors.New("deal: not found")
	// ErrTerminal is returned when an update would rewrite a terminal status.
	ErrTerminal = errors.New("deal: status is terminal")
)

var pushStatusCodes = map[int32]Status{
	1: StatusNew,
	2: StatusFilled,
	3: StatusPartiallyFilled,
	4: StatusCanceled,
	5: StatusRejected,
}

// StatusFromCode maps the numeric status carried by private order pushes.
func StatusFromCode(code int32) Status {
	if s, ok := pushStatusCodes[code]; ok {
		return s
	}
	return StatusUnknown
}

// ParseStatus maps REST order status strings. PARTIALLY_CANCELED is a
// canceled order that had some fills and is treated as CANCELED.
func ParseStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NEW":
		return StatusNew
	case "PARTIALLY_FILLED":
		return StatusPartiallyFilled
	case "FILLED":
		return StatusFilled
	case "CANCELED", "CANCELLED", "PARTIALLY_CANCELED":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	case "SKIPPED":
		return StatusSkipped
	default:
		return StatusUnknown
	}
}

// Terminal reports whether no further transition is valid.
func (s Status) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusSkipped:
		return true
	default:
		return false
	}
}

// Active reports whether the deal still has an open order on the exchange.
func (s Status) Active() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// CanTransition reports whether a deal in status s may move to next.
func (s Status) CanTransition(next Status) bool {
	if next == StatusUnknown || next == "" || next == s {
		return false
	}
	return !s.Terminal()
}

// TerminalStatuses lists every terminal status.
func TerminalStatuses() []Status {
	return []Status{StatusFilled, StatusCanceled, StatusRejected, StatusSkipped}
}

// ActiveStatuses lists the statuses the reconciler sweeps.
func ActiveStatuses() []Status {
	return []Status{StatusNew, StatusPartiallyFilled}
}

// Deal is a persisted buy/sell pair keyed by the sell order's exchange id.
type Deal struct {
	OrderID   string              `json:"orderId"`
	UserID    int64               `json:"userId"`
	Seq       int64               `json:"seq"`
	Symbol    string              `json:"symbol"`
	BuyPrice  decimal.Decimal     `json:"buyPrice"`
	SellPrice decimal.NullDecimal `json:"sellPrice"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Status    Status              `json:"status"`
	Autobuy   bool                `json:"autobuy"`
	CreatedAt time.Time           `json:"createdAt"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

// Profit returns (sell - buy) * quantity, or zero while no sell price is known.
func (d Deal) Profit() decimal.Decimal {
	if !d.SellPrice.Valid {
		return decimal.Zero
	}
	return d.SellPrice.Decimal.Sub(d.BuyPrice).Mul(d.Quantity)
}

// BuyCost returns the quote amount spent on the buy leg.
func (d Deal) BuyCost() decimal.Decimal {
	return d.BuyPrice.Mul(d.Quantity)
}

// Lookup scopes a deal lookup. UserID is an optional hint that disambiguates
// ids across exchange accounts.
type Lookup struct {
	OrderID string
	UserID  *int64
}

// ByID builds an unscoped lookup.
func ByID(orderID string) Lookup { return Lookup{OrderID: orderID} }

// ByUser builds a lookup scoped to a user.
func ByUser(orderID string, userID int64) Lookup {
	return Lookup{OrderID: orderID, UserID: &userID}
}

// Store is the persistence contract for deals.
type Store interface {
	// Create persists a new deal, assigning the next per-user sequence number.
	Create(ctx context.Context, d Deal) (Deal, error)
	// Get returns ErrNotFound when no deal matches.
	Get(ctx context.Context, lookup Lookup) (Deal, error)
	// UpdateStatus moves a deal to status. It returns ErrTerminal without
	// writing when the stored status is already terminal.
	UpdateStatus(ctx context.Context, lookup Lookup, status Status) (Deal, error)
	// ListActive returns the user's NEW and PARTIALLY_FILLED deals.
	ListActive(ctx context.Context, userID int64) ([]Deal, error)
}
