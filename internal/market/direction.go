package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHistoryCapacity bounds the mid-price history kept per symbol.
const DefaultHistoryCapacity = 100

// Direction is a point-in-time view of a symbol's price direction.
type Direction struct {
	Symbol     string            `json:"symbol"`
	IsRising   bool              `json:"isRising"`
	LastFlip   time.Time         `json:"lastFlip"`
	CurrentMid decimal.Decimal   `json:"currentMid"`
	History    []decimal.Decimal `json:"history"`
}

type series struct {
	history   []decimal.Decimal
	rising    bool
	flippedAt time.Time
}

// DirectionTracker keeps a bounded mid-price history per symbol and a flag
// that flips whenever the sign of the latest move changes.
type DirectionTracker struct {
	mu       sync.RWMutex
	capacity int
	now      func() time.Time
	symbols  map[string]*series
}

// NewDirectionTracker creates a tracker. A non-positive capacity uses
// DefaultHistoryCapacity.
func NewDirectionTracker(capacity int, now func() time.Time) *DirectionTracker {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &DirectionTracker{capacity: capacity, now: now, symbols: make(map[string]*series)}
}

// Update feeds a best bid/ask and reports whether the direction flag flipped.
func (t *DirectionTracker) Update(symbol string, bid, ask decimal.Decimal) bool {
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))

	t.mu.Lock()
	defer t.mu.Unlock()

	s, ok := t.symbols[symbol]
	if !ok {
		s = &series{history: make([]decimal.Decimal, 0, t.capacity)}
		t.symbols[symbol] = s
	}

	flipped := false
	if n := len(s.history); n > 0 {
		rising := mid.GreaterThan(s.history[n-1])
		if rising != s.rising {
			s.rising = rising
			s.flippedAt = t.now()
			flipped = true
		}
	}

	if len(s.history) == t.capacity {
		copy(s.history, s.history[1:])
		s.history = s.history[:t.capacity-1]
	}
	s.history = append(s.history, mid)
	return flipped
}

// Snapshot returns a copy of the symbol's state.
func (t *DirectionTracker) Snapshot(symbol string) (Direction, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.symbols[symbol]
	if !ok || len(s.history) == 0 {
		return Direction{Symbol: symbol}, false
	}
	history := make([]decimal.Decimal, len(s.history))
	copy(history, s.history)
	return Direction{
		Symbol:     symbol,
		IsRising:   s.rising,
		LastFlip:   s.flippedAt,
		CurrentMid: history[len(history)-1],
		History:    history,
	}, true
}
