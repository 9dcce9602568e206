package market

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the best bid/ask for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	BidQty    decimal.Decimal `json:"bidQty"`
	Ask       decimal.Decimal `json:"ask"`
	AskQty    decimal.Decimal `json:"askQty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Trade is the last traded price seen for a symbol.
type Trade struct {
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// QuoteCache holds the latest quote and trade per symbol. Writes are
// last-write-wins.
type QuoteCache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	trades map[string]Trade
}

// NewQuoteCache creates an empty cache.
func NewQuoteCache() *QuoteCache {
	return &QuoteCache{quotes: make(map[string]Quote), trades: make(map[string]Trade)}
}

// Put stores q.
func (c *QuoteCache) Put(q Quote) {
	c.mu.Lock()
	c.quotes[q.Symbol] = q
	c.mu.Unlock()
}

// Get returns the latest quote for symbol.
func (c *QuoteCache) Get(symbol string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol]
	return q, ok
}

// PutTrade stores the last trade price.
func (c *QuoteCache) PutTrade(symbol string, price decimal.Decimal, at time.Time) {
	c.mu.Lock()
	c.trades[symbol] = Trade{Price: price, UpdatedAt: at}
	c.mu.Unlock()
}

// LastTrade returns the last trade price for symbol.
func (c *QuoteCache) LastTrade(symbol string) (Trade, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.trades[symbol]
	return t, ok
}

// FreshPrice returns the most recent of the last trade and the quote mid,
// provided it is younger than maxAge.
func (c *QuoteCache) FreshPrice(symbol string, maxAge time.Duration, now time.Time) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		price decimal.Decimal
		at    time.Time
	)
	if t, ok := c.trades[symbol]; ok {
		price, at = t.Price, t.UpdatedAt
	}
	if q, ok := c.quotes[symbol]; ok && q.UpdatedAt.After(at) && q.Bid.IsPositive() && q.Ask.IsPositive() {
		price, at = q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2)), q.UpdatedAt
	}
	if at.IsZero() || now.Sub(at) > maxAge || !price.IsPositive() {
		return decimal.Zero, false
	}
	return price, true
}

// Quotes returns every cached quote ordered by symbol.
func (c *QuoteCache) Quotes() []Quote {
	c.mu.RLock()
	out := make([]Quote, 0, len(c.quotes))
	for _, q := range c.quotes {
		out = append(out, q)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
