package market

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradepilot/internal/exchange/wire"
	"github.com/coachpo/tradepilot/internal/notify"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev notify.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func newTestDispatcher(pub notify.Publisher) *Dispatcher {
	now := func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return NewDispatcher(NewQuoteCache(), NewDirectionTracker(0, now), NewHub(nil), pub, nil, WithClock(now))
}

func bookTicker(symbol, bid, ask string) wire.Message {
	return wire.Message{
		Symbol: symbol,
		Payload: wire.BookTicker{
			BidPrice: decimal.RequireFromString(bid),
			BidQty:   decimal.NewFromInt(1),
			AskPrice: decimal.RequireFromString(ask),
			AskQty:   decimal.NewFromInt(1),
		},
	}
}

func TestBookTickerUpdatesCacheTrackerAndListeners(t *testing.T) {
	d := newTestDispatcher(nil)
	var got []Quote
	d.Hub().OnBookTicker("KASUSDT", func(_ context.Context, q Quote) error {
		got = append(got, q)
		return nil
	})

	d.Handle(context.Background(), bookTicker("KASUSDT", "1", "3"))
	d.Handle(context.Background(), bookTicker("KASUSDT", "2", "4"))

	q, ok := d.Quotes().Get("KASUSDT")
	require.True(t, ok)
	require.True(t, q.Bid.Equal(decimal.NewFromInt(2)))
	require.Len(t, got, 2)

	snap, _ := d.Direction().Snapshot("KASUSDT")
	require.True(t, snap.IsRising)
	require.Len(t, snap.History, 2)
}

func TestDealsUseFirstTradePrice(t *testing.T) {
	d := newTestDispatcher(nil)
	var prices []decimal.Decimal
	d.Hub().OnPrice("KASUSDT", func(_ context.Context, _ string, p decimal.Decimal) error {
		prices = append(prices, p)
		return nil
	})

	d.Handle(context.Background(), wire.Message{Symbol: "KASUSDT", Payload: wire.Deals{Trades: []wire.Trade{
		{Price: decimal.RequireFromString("0.11")},
		{Price: decimal.RequireFromString("0.12")},
	}}})
	d.Handle(context.Background(), wire.Message{Symbol: "KASUSDT", Payload: wire.Deals{}})

	require.Len(t, prices, 1)
	require.True(t, prices[0].Equal(decimal.RequireFromString("0.11")))
	trade, ok := d.Quotes().LastTrade("KASUSDT")
	require.True(t, ok)
	require.True(t, trade.Price.Equal(decimal.RequireFromString("0.11")))
}

func TestFailingListenerDoesNotBlockOthers(t *testing.T) {
	d := newTestDispatcher(nil)
	calls := 0
	d.Hub().OnPrice("X", func(context.Context, string, decimal.Decimal) error { panic("boom") })
	d.Hub().OnPrice("X", func(context.Context, string, decimal.Decimal) error { return errors.New("nope") })
	d.Hub().OnPrice("X", func(context.Context, string, decimal.Decimal) error {
		calls++
		return nil
	})

	d.Handle(context.Background(), wire.Message{Symbol: "X", Payload: wire.Deals{Trades: []wire.Trade{{Price: decimal.NewFromInt(1)}}}})
	require.Equal(t, 1, calls)
}

func TestUnregister(t *testing.T) {
	hub := NewHub(nil)
	h1 := hub.OnBookTicker("X", func(context.Context, Quote) error { return nil })
	hub.OnBookTicker("X", func(context.Context, Quote) error { return nil })
	require.Equal(t, 2, hub.Count(FamilyBookTicker, "X"))

	hub.Unregister(h1)
	hub.Unregister(h1)
	require.Equal(t, 1, hub.Count(FamilyBookTicker, "X"))
	require.Zero(t, hub.Count(FamilyPrice, "X"))
}

func TestControlErrorIsSurfaced(t *testing.T) {
	pub := &capturePublisher{}
	d := newTestDispatcher(pub)

	d.Handle(context.Background(), wire.Message{Payload: wire.Control{Kind: wire.ControlAck, Msg: "ok"}})
	d.Handle(context.Background(), wire.Message{Payload: wire.Control{Kind: wire.ControlError, Code: 400, Msg: "Not Subscribed"}})

	require.Len(t, pub.events, 1)
	require.Equal(t, notify.KindComponentError, pub.events[0].Kind)
	require.Contains(t, pub.events[0].Message, "Not Subscribed")
}

func TestFreshPrice(t *testing.T) {
	cache := NewQuoteCache()
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	_, ok := cache.FreshPrice("X", time.Second, now)
	require.False(t, ok)

	cache.PutTrade("X", decimal.NewFromInt(5), now.Add(-2*time.Second))
	_, ok = cache.FreshPrice("X", time.Second, now)
	require.False(t, ok, "stale trade")

	cache.Put(Quote{Symbol: "X", Bid: decimal.NewFromInt(4), Ask: decimal.NewFromInt(6), UpdatedAt: now})
	price, ok := cache.FreshPrice("X", time.Second, now)
	require.True(t, ok)
	require.True(t, price.Equal(decimal.NewFromInt(5)))
}
