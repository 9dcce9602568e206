// Package memory provides in-process stores for tests and single-node runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/tradepilot/internal/domain/deal"
)

// DealStore is a mutex-guarded deal.Store.
type DealStore struct {
	mu    sync.RWMutex
	deals map[string]deal.Deal
	seq   map[int64]int64
	now   func() time.Time
}

var _ deal.Store = (*DealStore)(nil)

// NewDealStore creates an empty store.
func NewDealStore() *DealStore {
	return &DealStore{
		deals: make(map[string]deal.Deal),
		seq:   make(map[int64]int64),
		now:   time.Now,
	}
}

// Create implements deal.Store.
func (s *DealStore) Create(_ context.Context, d deal.Deal) (deal.Deal, error) {
	if strings.TrimSpace(d.OrderID) == "" {
		return deal.Deal{}, errInvalid("order id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.deals[d.OrderID]; exists {
		return deal.Deal{}, errInvalid("deal " + d.OrderID + " already exists")
	}
	s.seq[d.UserID]++
	d.Seq = s.seq[d.UserID]
	if d.Status == "" {
		d.Status = deal.StatusNew
	}
	now := s.now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now
	s.deals[d.OrderID] = d
	return d, nil
}

// Get implements deal.Store.
func (s *DealStore) Get(_ context.Context, lookup deal.Lookup) (deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(lookup)
}

func (s *DealStore) getLocked(lookup deal.Lookup) (deal.Deal, error) {
	d, ok := s.deals[lookup.OrderID]
	if !ok || (lookup.UserID != nil && d.UserID != *lookup.UserID) {
		return deal.Deal{}, deal.ErrNotFound
	}
	return d, nil
}

// UpdateStatus implements deal.Store.
func (s *DealStore) UpdateStatus(_ context.Context, lookup deal.Lookup, status deal.Status) (deal.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, err := s.getLocked(lookup)
	if err != nil {
		return deal.Deal{}, err
	}
	if d.Status.Terminal() {
		return d, deal.ErrTerminal
	}
	d.Status = status
	d.UpdatedAt = s.now().UTC()
	s.deals[d.OrderID] = d
	return d, nil
}

// ListActive implements deal.Store.
func (s *DealStore) ListActive(_ context.Context, userID int64) ([]deal.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []deal.Deal
	for _, d := range s.deals {
		if d.UserID == userID && d.Status.Active() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
