// Package postgres implements the deal and account stores on PostgreSQL.
package postgres

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradepilot/internal/infra/persistence"
)

// Store exposes the PostgreSQL-backed repositories over one pool.
type Store struct {
	*persistence.Store
	deals    *DealStore
	accounts *AccountStore
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:    persistence.NewStore(pool),
		deals:    NewDealStore(pool),
		accounts: NewAccountStore(pool),
	}
}

// Deals returns the deal repository.
func (s *Store) Deals() *DealStore { return s.deals }

// Accounts returns the account repository.
func (s *Store) Accounts() *AccountStore { return s.accounts }
