package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradepilot/internal/domain/deal"
)

const uniqueViolation = "23505"

// DealStore persists deals.
type DealStore struct {
	pool *pgxpool.Pool
}

var _ deal.Store = (*DealStore)(nil)

// NewDealStore constructs a DealStore backed by the provided pool.
func NewDealStore(pool *pgxpool.Pool) *DealStore {
	return &DealStore{pool: pool}
}

const (
	dealColumns = `
    order_id,
    user_id,
    seq,
    symbol,
    buy_price::text,
    sell_price::text,
    quantity::text,
    status,
    autobuy,
    created_at,
    updated_at`

	// The account row lock serializes sequence assignment per user.
	dealLockAccountSQL = `SELECT user_id FROM accounts WHERE user_id = $1 FOR UPDATE;`

	dealInsertSQL = `
INSERT INTO deals (
    order_id,
    user_id,
    seq,
    symbol,
    buy_price,
    sell_price,
    quantity,
    status,
    autobuy,
    created_at,
    updated_at
)
VALUES (
    @order_id,
    @user_id,
    (SELECT COALESCE(MAX(seq), 0) + 1 FROM deals WHERE user_id = @user_id),
    @symbol,
    @buy_price,
    @sell_price,
    @quantity,
    @status,
    @autobuy,
    NOW(),
    NOW()
)
RETURNING` + dealColumns + `;`

	dealSelectSQL = `
SELECT` + dealColumns + `
FROM deals
WHERE order_id = @order_id
  AND (@user_id::bigint IS NULL OR user_id = @user_id);`

	// Terminal rows are never rewritten, whatever the caller checked.
	dealUpdateStatusSQL = `
UPDATE deals
SET status = @status,
    updated_at = NOW()
WHERE order_id = @order_id
  AND (@user_id::bigint IS NULL OR user_id = @user_id)
  AND status <> ALL(@terminal::text[])
RETURNING` + dealColumns + `;`

	dealListActiveSQL = `
SELECT` + dealColumns + `
FROM deals
WHERE user_id = $1
  AND status = ANY($2::text[])
ORDER BY seq;`
)

func (s *DealStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("deal store: nil pool")
	}
	return s.pool, nil
}

// Create implements deal.Store.
func (s *DealStore) Create(ctx context.Context, d deal.Deal) (deal.Deal, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return deal.Deal{}, err
	}
	if strings.TrimSpace(d.OrderID) == "" {
		return deal.Deal{}, fmt.Errorf("deal store: order id required")
	}
	if d.Status == "" {
		d.Status = deal.StatusNew
	}
	buyPrice, err := numericFromDecimal(d.BuyPrice)
	if err != nil {
		return deal.Deal{}, fmt.Errorf("deal store: buy price: %w", err)
	}
	sellPrice, err := numericFromNull(d.SellPrice)
	if err != nil {
		return deal.Deal{}, fmt.Errorf("deal store: sell price: %w", err)
	}
	quantity, err := numericFromDecimal(d.Quantity)
	if err != nil {
		return deal.Deal{}, fmt.Errorf("deal store: quantity: %w", err)
	}

	var created deal.Deal
	err = pgx.BeginTxFunc(ctx, pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		var owner int64
		if err := tx.QueryRow(ctx, dealLockAccountSQL, d.UserID).Scan(&owner); err != nil {
			return fmt.Errorf("lock account %d: %w", d.UserID, err)
		}
		args := pgx.NamedArgs{
			"order_id":   d.OrderID,
			"user_id":    d.UserID,
			"symbol":     d.Symbol,
			"buy_price":  buyPrice,
			"sell_price": sellPrice,
			"quantity":   quantity,
			"status":     string(d.Status),
			"autobuy":    d.Autobuy,
		}
		row, err := scanDeal(tx.QueryRow(ctx, dealInsertSQL, args))
		if err != nil {
			return err
		}
		created = row
		return nil
	})
	var pgErr *pgconn.PgError
	switch {
	case err == nil:
	case errors.Is(err, pgx.ErrNoRows):
		return deal.Deal{}, fmt.Errorf("deal store: user %d has no account", d.UserID)
	case errors.As(err, &pgErr) && pgErr.Code == uniqueViolation:
		return deal.Deal{}, fmt.Errorf("deal store: deal %s already exists", d.OrderID)
	default:
		return deal.Deal{}, fmt.Errorf("deal store: insert deal: %w", err)
	}
	return created, nil
}

// Get implements deal.Store.
func (s *DealStore) Get(ctx context.Context, lookup deal.Lookup) (deal.Deal, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return deal.Deal{}, err
	}
	d, err := scanDeal(pool.QueryRow(ctx, dealSelectSQL, lookupArgs(lookup)))
	if errors.Is(err, pgx.ErrNoRows) {
		return deal.Deal{}, deal.ErrNotFound
	}
	if err != nil {
		return deal.Deal{}, fmt.Errorf("deal store: get deal: %w", err)
	}
	return d, nil
}

// UpdateStatus implements deal.Store. When the guarded update touches no row
// the stored deal is returned with ErrTerminal, or ErrNotFound if absent.
func (s *DealStore) UpdateStatus(ctx context.Context, lookup deal.Lookup, status deal.Status) (deal.Deal, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return deal.Deal{}, err
	}
	args := lookupArgs(lookup)
	args["status"] = string(status)
	args["terminal"] = statusStrings(deal.TerminalStatuses())

	updated, err := scanDeal(pool.QueryRow(ctx, dealUpdateStatusSQL, args))
	if err == nil {
		return updated, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return deal.Deal{}, fmt.Errorf("deal store: update status: %w", err)
	}

	current, err := s.Get(ctx, lookup)
	if err != nil {
		return deal.Deal{}, err
	}
	if current.Status.Terminal() {
		return current, deal.ErrTerminal
	}
	return current, fmt.Errorf("deal store: deal %s changed concurrently", lookup.OrderID)
}

// ListActive implements deal.Store.
func (s *DealStore) ListActive(ctx context.Context, userID int64) ([]deal.Deal, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, dealListActiveSQL, userID, statusStrings(deal.ActiveStatuses()))
	if err != nil {
		return nil, fmt.Errorf("deal store: list active: %w", err)
	}
	defer rows.Close()

	var out []deal.Deal
	for rows.Next() {
		d, err := scanDeal(rows)
		if err != nil {
			return nil, fmt.Errorf("deal store: scan deal: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deal store: iterate deals: %w", err)
	}
	return out, nil
}

func lookupArgs(lookup deal.Lookup) pgx.NamedArgs {
	return pgx.NamedArgs{
		"order_id": strings.TrimSpace(lookup.OrderID),
		"user_id":  lookup.UserID,
	}
}

func statusStrings(statuses []deal.Status) []string {
	out := make([]string, len(statuses))
	for i, st := range statuses {
		out[i] = string(st)
	}
	return out
}

func scanDeal(row pgx.Row) (deal.Deal, error) {
	var (
		d                   deal.Deal
		buy, qty, status    string
		sell                *string
		createdAt, updateAt time.Time
	)
	if err := row.Scan(&d.OrderID, &d.UserID, &d.Seq, &d.Symbol, &buy, &sell, &qty, &status, &d.Autobuy, &createdAt, &updateAt); err != nil {
		return deal.Deal{}, err
	}
	var err error
	if d.BuyPrice, err = decimalFromText(buy); err != nil {
		return deal.Deal{}, err
	}
	if d.SellPrice, err = nullDecimalFromText(sell); err != nil {
		return deal.Deal{}, err
	}
	if d.Quantity, err = decimalFromText(qty); err != nil {
		return deal.Deal{}, err
	}
	d.Status = deal.Status(status)
	d.CreatedAt = createdAt.UTC()
	d.UpdatedAt = updateAt.UTC()
	return d, nil
}
