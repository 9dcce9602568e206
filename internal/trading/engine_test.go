package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradepilot/internal/domain/account"
	"github.com/coachpo/tradepilot/internal/domain/deal"
	"github.com/coachpo/tradepilot/internal/exchange/rest"
	"github.com/coachpo/tradepilot/internal/exchange/wire"
	"github.com/coachpo/tradepilot/internal/infra/persistence/memory"
	"github.com/coachpo/tradepilot/internal/market"
	"github.com/coachpo/tradepilot/internal/notify"
	"github.com/coachpo/tradepilot/internal/orders"
)

const testUser int64 = 7

type fakeExchange struct {
	mu        sync.Mutex
	price     decimal.Decimal
	tickerErr error
	tickers   int
	rules     rest.SymbolRules
	fill      rest.Order
	placed    []rest.OrderRequest
	queryErrs []error
	sellErrs  []error
}

func newFakeExchange(price decimal.Decimal) *fakeExchange {
	return &fakeExchange{
		price: price,
		rules: rest.SymbolRules{Symbol: "KASUSDT", PricePrecision: 4, QuantityPrecision: 2, Tradable: true},
		fill: rest.Order{
			Status:              "FILLED",
			ExecutedQty:         decimal.NewFromInt(2),
			CummulativeQuoteQty: decimal.NewFromInt(100),
		},
	}
}

func (f *fakeExchange) TickerPrice(context.Context, string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tickers++
	if f.tickerErr != nil {
		return decimal.Zero, f.tickerErr
	}
	return f.price, nil
}

func (f *fakeExchange) SymbolRules(context.Context, string) (rest.SymbolRules, error) {
	return f.rules, nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req rest.OrderRequest) (rest.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Side == rest.SideSell && len(f.sellErrs) > 0 {
		err := f.sellErrs[0]
		f.sellErrs = f.sellErrs[1:]
		return rest.Order{}, err
	}
	f.placed = append(f.placed, req)
	prefix := "B"
	if req.Side == rest.SideSell {
		prefix = "S"
	}
	return rest.Order{Symbol: req.Symbol, OrderID: fmt.Sprintf("%s%d", prefix, len(f.placed)), Status: "NEW"}, nil
}

func (f *fakeExchange) QueryOrder(_ context.Context, symbol, orderID string) (rest.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queryErrs) > 0 {
		err := f.queryErrs[0]
		f.queryErrs = f.queryErrs[1:]
		return rest.Order{}, err
	}
	order := f.fill
	order.Symbol, order.OrderID = symbol, orderID
	return order, nil
}

func (f *fakeExchange) setPrice(price decimal.Decimal) {
	f.mu.Lock()
	f.price = price
	f.mu.Unlock()
}

func (f *fakeExchange) requests() []rest.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rest.OrderRequest(nil), f.placed...)
}

func (f *fakeExchange) sides() (buys, sells int) {
	for _, req := range f.requests() {
		if req.Side == rest.SideBuy {
			buys++
		} else {
			sells++
		}
	}
	return buys, sells
}

func (f *fakeExchange) tickerCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers
}

type eventLog struct {
	mu     sync.Mutex
	events []notify.Event
}

func (l *eventLog) Publish(_ context.Context, ev notify.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) of(kind notify.Kind) []notify.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []notify.Event
	for _, ev := range l.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func testSettings(pause time.Duration) account.Settings {
	return account.Settings{
		UserID:         testUser,
		Credentials:    account.Credentials{APIKey: "key", APISecret: "secret"},
		Symbol:         "KASUSDT",
		BuyAmount:      decimal.NewFromInt(100),
		ProfitPercent:  decimal.NewFromInt(5),
		LossPercent:    decimal.NewFromInt(10),
		Pause:          pause,
		AutobuyEnabled: true,
	}
}

func fastConfig() Config {
	return Config{FastPoll: 5 * time.Millisecond, DefaultPause: time.Hour, FillPoll: time.Millisecond}
}

type harness struct {
	accounts *memory.AccountStore
	deals    *memory.DealStore
	events   *eventLog
	exchange *fakeExchange
	engine   *Engine
}

func newHarness(t *testing.T, settings account.Settings, price decimal.Decimal, direction *market.DirectionTracker) *harness {
	t.Helper()
	h := &harness{
		accounts: memory.NewAccountStore(settings),
		deals:    memory.NewDealStore(),
		events:   &eventLog{},
		exchange: newFakeExchange(price),
	}
	h.engine = NewEngine(settings, h.exchange, Deps{
		Accounts:  h.accounts,
		Deals:     h.deals,
		Direction: direction,
		Publisher: h.events,
	}, fastConfig())
	return h
}

func (h *harness) start(t *testing.T) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestEngineBuySellAndFill(t *testing.T) {
	h := newHarness(t, testSettings(time.Hour), decimal.NewFromInt(50), nil)
	cancel, done := h.start(t)

	require.Eventually(t, func() bool { return len(h.engine.Status().Tracked) == 1 }, 2*time.Second, 5*time.Millisecond)
	orderID := h.engine.Status().Tracked[0]

	reqs := h.exchange.requests()
	require.Len(t, reqs, 2)
	require.Equal(t, rest.SideBuy, reqs[0].Side)
	require.Equal(t, rest.OrderTypeMarket, reqs[0].Type)
	require.True(t, reqs[0].QuoteQty.Equal(decimal.NewFromInt(100)))
	require.Equal(t, rest.SideSell, reqs[1].Side)
	require.Equal(t, rest.OrderTypeLimit, reqs[1].Type)
	require.True(t, reqs[1].Quantity.Equal(decimal.NewFromInt(2)))
	require.True(t, reqs[1].Price.Equal(decimal.RequireFromString("52.5")))

	stored, err := h.deals.Get(context.Background(), deal.ByUser(orderID, testUser))
	require.NoError(t, err)
	require.Equal(t, deal.StatusNew, stored.Status)
	require.True(t, stored.BuyPrice.Equal(decimal.NewFromInt(50)))
	require.True(t, stored.SellPrice.Decimal.Equal(decimal.RequireFromString("52.5")))
	require.Len(t, h.events.of(notify.KindDealOpened), 1)

	lifecycle := orders.NewLifecycle(h.deals, h.events, nil)
	lifecycle.SetEngineSink(h.engine)
	dispatcher := orders.NewDispatcher(lifecycle, orders.NewBalances(), h.events, nil)
	dispatcher.Handle(context.Background(), testUser, wire.Message{
		Channel: wire.PrivateOrdersChannel,
		Symbol:  "KASUSDT",
		Payload: wire.PrivateOrder{ID: orderID, StatusCode: 2},
	})

	filled := h.events.of(notify.KindDealFilled)
	require.Len(t, filled, 1)
	require.True(t, filled[0].Profit.Equal(decimal.NewFromInt(5)))

	require.Eventually(t, func() bool {
		st := h.engine.Status()
		return len(st.Tracked) == 0 && st.Anchor == nil
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, h.exchange.requests(), 2, "pause holds the next buy")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestEngineDisablesAfterConsecutiveFailures(t *testing.T) {
	h := newHarness(t, testSettings(time.Millisecond), decimal.Zero, nil)
	h.exchange.tickerErr = errors.New("connection reset by peer")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := h.engine.Run(ctx)

	require.ErrorIs(t, err, ErrTooManyFailures)
	require.Equal(t, 5, h.exchange.tickerCalls(), "no sixth iteration")
	require.Len(t, h.events.of(notify.KindAutobuyDisabled), 1)
	require.Empty(t, h.exchange.requests())

	settings, err := h.accounts.Get(context.Background(), testUser)
	require.NoError(t, err)
	require.False(t, settings.AutobuyEnabled)
}

func TestEngineStrategyErrorsDoNotCount(t *testing.T) {
	h := newHarness(t, testSettings(time.Millisecond), decimal.NewFromInt(50), nil)
	h.exchange.fill = rest.Order{Status: "CANCELED"}
	cancel, done := h.start(t)

	require.Eventually(t, func() bool {
		return len(h.events.of(notify.KindComponentError)) >= 7
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	require.Empty(t, h.events.of(notify.KindAutobuyDisabled))
	require.Zero(t, h.engine.Status().Failures)
	for _, req := range h.exchange.requests() {
		require.Equal(t, rest.SideBuy, req.Side, "no sell without an executed buy")
	}
}

func TestEngineStopsWhenNotEntitled(t *testing.T) {
	settings := testSettings(time.Millisecond)
	expired := time.Now().Add(-time.Hour)
	settings.SubscriptionExpiresAt = &expired
	h := newHarness(t, settings, decimal.NewFromInt(50), nil)

	err := h.engine.Run(context.Background())
	require.ErrorIs(t, err, ErrNotEntitled)
	require.Zero(t, h.exchange.tickerCalls())
	require.Len(t, h.events.of(notify.KindAutobuyDisabled), 1)

	stored, err := h.accounts.Get(context.Background(), testUser)
	require.NoError(t, err)
	require.False(t, stored.AutobuyEnabled)
}

func TestEngineEndsQuietlyWhenAutobuySwitchedOff(t *testing.T) {
	h := newHarness(t, testSettings(time.Millisecond), decimal.NewFromInt(50), nil)
	require.NoError(t, h.accounts.SetAutobuy(context.Background(), testUser, false))

	require.NoError(t, h.engine.Run(context.Background()))
	require.Empty(t, h.events.of(notify.KindAutobuyDisabled))
}

func TestEngineCancelDuringPause(t *testing.T) {
	h := newHarness(t, testSettings(time.Hour), decimal.NewFromInt(50), nil)
	h.exchange.fill = rest.Order{Status: "CANCELED"}
	cancel, done := h.start(t)

	require.Eventually(t, func() bool { return h.engine.Status().Iterations == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("loop ignored cancellation")
	}
	require.Empty(t, h.events.of(notify.KindAutobuyDisabled))
}

func TestEngineRiseTrigger(t *testing.T) {
	settings := testSettings(time.Millisecond)
	settings.RiseTrigger = true
	direction := market.NewDirectionTracker(0, nil)
	h := newHarness(t, settings, decimal.NewFromInt(50), direction)
	h.start(t)

	require.Eventually(t, func() bool { return h.engine.Status().Iterations >= 3 }, time.Second, time.Millisecond)
	require.Empty(t, h.exchange.requests())
	trigger := h.engine.Status().TriggerPrice
	require.NotNil(t, trigger)
	require.True(t, trigger.Equal(decimal.NewFromInt(50)))

	direction.Update("KASUSDT", decimal.NewFromInt(49), decimal.NewFromInt(49))
	direction.Update("KASUSDT", decimal.NewFromInt(50), decimal.NewFromInt(50))

	require.Eventually(t, func() bool { return len(h.exchange.requests()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st := h.engine.Status()
		return st.TriggerPrice == nil && len(st.Tracked) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestEngineWarnsOncePerOpenDeal(t *testing.T) {
	settings := testSettings(time.Hour)
	h := newHarness(t, settings, decimal.NewFromInt(44), nil)
	_, err := h.deals.Create(context.Background(), deal.Deal{
		OrderID:   "S-OLD",
		UserID:    testUser,
		Symbol:    "KASUSDT",
		BuyPrice:  decimal.NewFromInt(50),
		SellPrice: decimal.NewNullDecimal(decimal.RequireFromString("52.5")),
		Quantity:  decimal.NewFromInt(2),
		Status:    deal.StatusNew,
		Autobuy:   true,
	})
	require.NoError(t, err)
	// The second buy lands at 44, so only the restored deal is under water.
	h.exchange.fill.CummulativeQuoteQty = decimal.NewFromInt(88)
	h.start(t)

	require.Eventually(t, func() bool { return h.engine.Status().Iterations >= 5 }, 2*time.Second, 5*time.Millisecond)
	warnings := h.events.of(notify.KindPriceWarning)
	require.Len(t, warnings, 1)
	require.Equal(t, "S-OLD", warnings[0].OrderID)
	require.True(t, warnings[0].CurrentPrice.Equal(decimal.NewFromInt(44)))
	require.Len(t, h.engine.Status().Tracked, 2)
	require.Len(t, h.exchange.requests(), 2, "one averaging-down buy")
}

func TestEnginePrefersStreamedPrice(t *testing.T) {
	h := newHarness(t, testSettings(time.Hour), decimal.NewFromInt(50), nil)
	h.engine.ObservePrice(decimal.NewFromInt(49))

	price, err := h.engine.price(context.Background(), "KASUSDT")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(49)))
	require.Zero(t, h.exchange.tickerCalls())

	h.exchange.setPrice(decimal.NewFromInt(51))
	h.engine.live.Store(&livePrice{price: decimal.NewFromInt(49), at: time.Now().Add(-time.Minute)})
	price, err = h.engine.price(context.Background(), "KASUSDT")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(51)))
}

func TestEngineHedgesUnconfirmedBuyBeforeBuyingAgain(t *testing.T) {
	h := newHarness(t, testSettings(time.Hour), decimal.NewFromInt(50), nil)
	h.exchange.queryErrs = []error{errors.New("read tcp: connection reset by peer")}
	h.start(t)

	require.Eventually(t, func() bool { return len(h.engine.Status().Tracked) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	buys, sells := h.exchange.sides()
	require.Equal(t, 1, buys, "the unconfirmed buy is resolved, not repeated")
	require.Equal(t, 1, sells)
	active, err := h.deals.ListActive(context.Background(), testUser)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.True(t, active[0].BuyPrice.Equal(decimal.NewFromInt(50)))
	require.Empty(t, h.engine.Status().PendingBuy)
	require.Len(t, h.events.of(notify.KindDealOpened), 1)
}

func TestEngineRetriesRejectedSellWithoutNewBuy(t *testing.T) {
	h := newHarness(t, testSettings(time.Hour), decimal.NewFromInt(50), nil)
	h.exchange.sellErrs = []error{errors.New("limit sell timed out")}
	h.start(t)

	require.Eventually(t, func() bool { return len(h.engine.Status().Tracked) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	buys, sells := h.exchange.sides()
	require.Equal(t, 1, buys)
	require.Equal(t, 1, sells)
	require.Zero(t, h.engine.Status().Failures)
}

func TestEngineWaitsForMarketBuyToSettle(t *testing.T) {
	h := newHarness(t, testSettings(time.Hour), decimal.NewFromInt(50), nil)
	h.engine.cfg.FillWait = time.Millisecond
	h.engine.cfg.FailureThreshold = 1000
	h.exchange.mu.Lock()
	h.exchange.fill.Status = "PARTIALLY_FILLED"
	h.exchange.mu.Unlock()
	h.start(t)

	require.Eventually(t, func() bool { return h.engine.Status().PendingBuy != "" }, 2*time.Second, 5*time.Millisecond)
	buys, sells := h.exchange.sides()
	require.Equal(t, 1, buys)
	require.Zero(t, sells)

	h.exchange.mu.Lock()
	h.exchange.fill.Status = "FILLED"
	h.exchange.mu.Unlock()
	require.Eventually(t, func() bool { return len(h.engine.Status().Tracked) == 1 }, 2*time.Second, 5*time.Millisecond)
	buys, sells = h.exchange.sides()
	require.Equal(t, 1, buys)
	require.Equal(t, 1, sells)
}
