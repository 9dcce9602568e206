package orders

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Balance is one asset balance reported by the private account stream.
type Balance struct {
	Asset     string          `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Locked    decimal.Decimal `json:"locked"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Balances caches the latest pushed balance per user and asset.
type Balances struct {
	mu    sync.RWMutex
	users map[int64]map[string]Balance
}

// NewBalances creates an empty cache.
func NewBalances() *Balances {
	return &Balances{users: make(map[int64]map[string]Balance)}
}

// Put records b for userID. Older updates never overwrite newer ones.
func (c *Balances) Put(userID int64, b Balance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	assets, ok := c.users[userID]
	if !ok {
		assets = make(map[string]Balance)
		c.users[userID] = assets
	}
	if prev, ok := assets[b.Asset]; ok && prev.UpdatedAt.After(b.UpdatedAt) {
		return
	}
	assets[b.Asset] = b
}

// Get returns userID's balances ordered by asset.
func (c *Balances) Get(userID int64) []Balance {
	c.mu.RLock()
	assets := c.users[userID]
	out := make([]Balance, 0, len(assets))
	for _, b := range assets {
		out = append(out, b)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out
}

// Forget drops every balance held for userID.
func (c *Balances) Forget(userID int64) {
	c.mu.Lock()
	delete(c.users, userID)
	c.mu.Unlock()
}
