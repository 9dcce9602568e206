package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradepilot/internal/domain/account"
)

// AccountStore persists per-user trading settings.
type AccountStore struct {
	pool *pgxpool.Pool
}

var _ account.Store = (*AccountStore)(nil)

// NewAccountStore constructs an AccountStore backed by the provided pool.
func NewAccountStore(pool *pgxpool.Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

const (
	accountColumns = `
    user_id,
    api_key,
    api_secret,
    symbol,
    buy_amount::text,
    profit_percent::text,
    loss_percent::text,
    pause_seconds,
    rise_trigger,
    autobuy_enabled,
    subscription_expires_at`

	accountSelectSQL = `
SELECT` + accountColumns + `
FROM accounts
WHERE user_id = $1;`

	accountListCredentialedSQL = `
SELECT` + accountColumns + `
FROM accounts
WHERE btrim(api_key) <> ''
  AND btrim(api_secret) <> ''
ORDER BY user_id;`

	accountSetAutobuySQL = `
UPDATE accounts
SET autobuy_enabled = $2,
    updated_at = NOW()
WHERE user_id = $1;`

	accountUpsertSQL = `
INSERT INTO accounts (
    user_id,
    api_key,
    api_secret,
    symbol,
    buy_amount,
    profit_percent,
    loss_percent,
    pause_seconds,
    rise_trigger,
    autobuy_enabled,
    subscription_expires_at,
    created_at,
    updated_at
)
VALUES (
    @user_id,
    @api_key,
    @api_secret,
    @symbol,
    @buy_amount,
    @profit_percent,
    @loss_percent,
    @pause_seconds,
    @rise_trigger,
    @autobuy_enabled,
    @subscription_expires_at,
    NOW(),
    NOW()
)
ON CONFLICT (user_id) DO UPDATE SET
    api_key = EXCLUDED.api_key,
    api_secret = EXCLUDED.api_secret,
    symbol = EXCLUDED.symbol,
    buy_amount = EXCLUDED.buy_amount,
    profit_percent = EXCLUDED.profit_percent,
    loss_percent = EXCLUDED.loss_percent,
    pause_seconds = EXCLUDED.pause_seconds,
    rise_trigger = EXCLUDED.rise_trigger,
    autobuy_enabled = EXCLUDED.autobuy_enabled,
    subscription_expires_at = EXCLUDED.subscription_expires_at,
    updated_at = NOW();`
)

func (s *AccountStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("account store: nil pool")
	}
	return s.pool, nil
}

// Get implements account.Store.
func (s *AccountStore) Get(ctx context.Context, userID int64) (account.Settings, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return account.Settings{}, err
	}
	settings, err := scanAccount(pool.QueryRow(ctx, accountSelectSQL, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return account.Settings{}, account.ErrNotFound
	}
	if err != nil {
		return account.Settings{}, fmt.Errorf("account store: get %d: %w", userID, err)
	}
	return settings, nil
}

// ListWithCredentials implements account.Store.
func (s *AccountStore) ListWithCredentials(ctx context.Context) ([]account.Settings, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, accountListCredentialedSQL)
	if err != nil {
		return nil, fmt.Errorf("account store: list: %w", err)
	}
	defer rows.Close()

	var out []account.Settings
	for rows.Next() {
		settings, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("account store: scan: %w", err)
		}
		out = append(out, settings)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account store: iterate: %w", err)
	}
	return out, nil
}

// SetAutobuy implements account.Store.
func (s *AccountStore) SetAutobuy(ctx context.Context, userID int64, enabled bool) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, accountSetAutobuySQL, userID, enabled)
	if err != nil {
		return fmt.Errorf("account store: set autobuy %d: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrNotFound
	}
	return nil
}

// Upsert inserts or replaces a user's settings.
func (s *AccountStore) Upsert(ctx context.Context, settings account.Settings) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if settings.UserID == 0 {
		return fmt.Errorf("account store: user id required")
	}
	buyAmount, err := numericFromDecimal(settings.BuyAmount)
	if err != nil {
		return fmt.Errorf("account store: buy amount: %w", err)
	}
	profit, err := numericFromDecimal(settings.ProfitPercent)
	if err != nil {
		return fmt.Errorf("account store: profit percent: %w", err)
	}
	loss, err := numericFromDecimal(settings.LossPercent)
	if err != nil {
		return fmt.Errorf("account store: loss percent: %w", err)
	}
	args := pgx.NamedArgs{
		"user_id":                 settings.UserID,
		"api_key":                 settings.Credentials.APIKey,
		"api_secret":              settings.Credentials.APISecret,
		"symbol":                  settings.Symbol,
		"buy_amount":              buyAmount,
		"profit_percent":          profit,
		"loss_percent":            loss,
		"pause_seconds":           int32(settings.Pause / time.Second),
		"rise_trigger":            settings.RiseTrigger,
		"autobuy_enabled":         settings.AutobuyEnabled,
		"subscription_expires_at": settings.SubscriptionExpiresAt,
	}
	if _, err := pool.Exec(ctx, accountUpsertSQL, args); err != nil {
		return fmt.Errorf("account store: upsert %d: %w", settings.UserID, err)
	}
	return nil
}

func scanAccount(row pgx.Row) (account.Settings, error) {
	var (
		s                   account.Settings
		buy, profit, loss   string
		pauseSeconds        int32
		subscriptionExpires *time.Time
	)
	if err := row.Scan(
		&s.UserID,
		&s.Credentials.APIKey,
		&s.Credentials.APISecret,
		&s.Symbol,
		&buy,
		&profit,
		&loss,
		&pauseSeconds,
		&s.RiseTrigger,
		&s.AutobuyEnabled,
		&subscriptionExpires,
	); err != nil {
		return account.Settings{}, err
	}
	var err error
	if s.BuyAmount, err = decimalFromText(buy); err != nil {
		return account.Settings{}, err
	}
	if s.ProfitPercent, err = decimalFromText(profit); err != nil {
		return account.Settings{}, err
	}
	if s.LossPercent, err = decimalFromText(loss); err != nil {
		return account.Settings{}, err
	}
	s.Pause = time.Duration(pauseSeconds) * time.Second
	if subscriptionExpires != nil {
		expires := subscriptionExpires.UTC()
		s.SubscriptionExpiresAt = &expires
	}
	return s, nil
}
