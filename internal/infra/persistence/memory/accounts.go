package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/coachpo/tradepilot/internal/domain/account"
)

type invalidError string

func (e invalidError) Error() string { return "memory: " + string(e) }

func errInvalid(msg string) error { return invalidError(msg) }

// AccountStore is a mutex-guarded account.Store.
type AccountStore struct {
	mu    sync.RWMutex
	users map[int64]account.Settings
}

var _ account.Store = (*AccountStore)(nil)

// NewAccountStore creates a store seeded with settings.
func NewAccountStore(settings ...account.Settings) *AccountStore {
	s := &AccountStore{users: make(map[int64]account.Settings, len(settings))}
	for _, st := range settings {
		s.users[st.UserID] = st
	}
	return s
}

// Put inserts or replaces a user's settings.
func (s *AccountStore) Put(settings account.Settings) error {
	if settings.UserID == 0 {
		return errors.New("memory: user id required")
	}
	s.mu.Lock()
	s.users[settings.UserID] = settings
	s.mu.Unlock()
	return nil
}

// Get implements account.Store.
func (s *AccountStore) Get(_ context.Context, userID int64) (account.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.users[userID]
	if !ok {
		return account.Settings{}, account.ErrNotFound
	}
	return st, nil
}

// ListWithCredentials implements account.Store.
func (s *AccountStore) ListWithCredentials(context.Context) ([]account.Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]account.Settings, 0, len(s.users))
	for _, st := range s.users {
		if st.Credentials.Valid() {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// SetAutobuy implements account.Store.
func (s *AccountStore) SetAutobuy(_ context.Context, userID int64, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.users[userID]
	if !ok {
		return account.ErrNotFound
	}
	st.AutobuyEnabled = enabled
	s.users[userID] = st
	return nil
}
