package market

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradepilot/internal/observability"
)

// BookTickerFunc receives best bid/ask updates for a symbol.
type BookTickerFunc func(ctx context.Context, quote Quote) error

// PriceFunc receives last-trade prices for a symbol.
type PriceFunc func(ctx context.Context, symbol string, price decimal.Decimal) error

// Family distinguishes the two listener families.
type Family int

const (
	FamilyBookTicker Family = iota + 1
	FamilyPrice
)

func (f Family) String() string {
	switch f {
	case FamilyBookTicker:
		return "book_ticker"
	case FamilyPrice:
		return "price"
	default:
		return "unknown"
	}
}

// Handle identifies a registration for Unregister.
type Handle struct {
	family Family
	symbol string
	id     uint64
}

type bookEntry struct {
	id uint64
	fn BookTickerFunc
}

type priceEntry struct {
	id uint64
	fn PriceFunc
}

// Hub keeps per-symbol listener lists. A failing or panicking listener is
// logged and never prevents the others from running.
type Hub struct {
	mu     sync.RWMutex
	nextID uint64
	book   map[string][]bookEntry
	price  map[string][]priceEntry
	logger observability.Logger
}

// NewHub creates an empty hub.
func NewHub(logger observability.Logger) *Hub {
	return &Hub{
		book:   make(map[string][]bookEntry),
		price:  make(map[string][]priceEntry),
		logger: observability.OrNop(logger),
	}
}

// OnBookTicker registers fn for symbol's best bid/ask updates.
func (h *Hub) OnBookTicker(symbol string, fn BookTickerFunc) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.book[symbol] = append(h.book[symbol], bookEntry{id: h.nextID, fn: fn})
	return Handle{family: FamilyBookTicker, symbol: symbol, id: h.nextID}
}

// OnPrice registers fn for symbol's last-trade prices.
func (h *Hub) OnPrice(symbol string, fn PriceFunc) Handle {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	h.price[symbol] = append(h.price[symbol], priceEntry{id: h.nextID, fn: fn})
	return Handle{family: FamilyPrice, symbol: symbol, id: h.nextID}
}

// Unregister removes a listener. Unknown handles are ignored.
func (h *Hub) Unregister(handle Handle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch handle.family {
	case FamilyBookTicker:
		entries := h.book[handle.symbol]
		for i, e := range entries {
			if e.id == handle.id {
				h.book[handle.symbol] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(h.book[handle.symbol]) == 0 {
			delete(h.book, handle.symbol)
		}
	case FamilyPrice:
		entries := h.price[handle.symbol]
		for i, e := range entries {
			if e.id == handle.id {
				h.price[handle.symbol] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
		if len(h.price[handle.symbol]) == 0 {
			delete(h.price, handle.symbol)
		}
	}
}

// Count returns the number of listeners registered for symbol in family.
func (h *Hub) Count(family Family, symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch family {
	case FamilyBookTicker:
		return len(h.book[symbol])
	case FamilyPrice:
		return len(h.price[symbol])
	default:
		return 0
	}
}

func (h *Hub) emitBookTicker(ctx context.Context, q Quote) {
	h.mu.RLock()
	entries := h.book[q.Symbol]
	h.mu.RUnlock()
	for _, e := range entries {
		h.invoke(FamilyBookTicker, q.Symbol, func() error { return e.fn(ctx, q) })
	}
}

func (h *Hub) emitPrice(ctx context.Context, symbol string, price decimal.Decimal) {
	h.mu.RLock()
	entries := h.price[symbol]
	h.mu.RUnlock()
	for _, e := range entries {
		h.invoke(FamilyPrice, symbol, func() error { return e.fn(ctx, symbol, price) })
	}
}

func (h *Hub) invoke(family Family, symbol string, call func() error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("market: listener panicked",
				observability.F("family", family.String()),
				observability.F("symbol", symbol),
				observability.F("panic", fmt.Sprint(r)))
		}
	}()
	if err := call(); err != nil {
		h.logger.Warn("market: listener failed",
			observability.F("family", family.String()),
			observability.F("symbol", symbol),
			observability.Err(err))
	}
}
