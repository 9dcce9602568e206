// Package trading runs one buy-low/sell-high loop per user. Each loop buys at
// market, parks a limit sell at the configured profit and watches its open
// sells until they leave the book.
package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradepilot/errs"
	"github.com/coachpo/tradepilot/internal/domain/account"
	"github.com/coachpo/tradepilot/internal/domain/deal"
	"github.com/coachpo/tradepilot/internal/exchange/rest"
	"github.com/coachpo/tradepilot/internal/infra/telemetry"
	"github.com/coachpo/tradepilot/internal/market"
	"github.com/coachpo/tradepilot/internal/notify"
	"github.com/coachpo/tradepilot/internal/observability"
)

const (
	component = "trading"

	defaultFastPoll         = 5 * time.Second
	defaultPause            = 60 * time.Second
	defaultFailureThreshold = 5
	defaultQuoteFreshness   = 10 * time.Second
	defaultFillWait         = 5 * time.Second
	defaultFillPoll         = 250 * time.Millisecond
	updateBuffer            = 64
)

var hundred = decimal.NewFromInt(100)

// Exchange is the part of the signed REST client a loop trades through.
type Exchange interface {
	TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	SymbolRules(ctx context.Context, symbol string) (rest.SymbolRules, error)
	PlaceOrder(ctx context.Context, req rest.OrderRequest) (rest.Order, error)
	QueryOrder(ctx context.Context, symbol, orderID string) (rest.Order, error)
}

var _ Exchange = (*rest.Client)(nil)

// Config tunes the loop. Zero values fall back to defaults.
type Config struct {
	// FastPoll is the sleep while any sell order is tracked.
	FastPoll time.Duration
	// DefaultPause applies when the user has no pause configured.
	DefaultPause     time.Duration
	FailureThreshold int
	// QuoteFreshness bounds how old a streamed price may be before the
	// loop falls back to the REST ticker.
	QuoteFreshness time.Duration
	FillWait       time.Duration
	FillPoll       time.Duration
}

func (c Config) withDefaults() Config {
	if c.FastPoll <= 0 {
		c.FastPoll = defaultFastPoll
	}
	if c.DefaultPause <= 0 {
		c.DefaultPause = defaultPause
	}
	if c.FailureThreshold < 1 {
		c.FailureThreshold = defaultFailureThreshold
	}
	if c.QuoteFreshness <= 0 {
		c.QuoteFreshness = defaultQuoteFreshness
	}
	if c.FillWait <= 0 {
		c.FillWait = defaultFillWait
	}
	if c.FillPoll <= 0 {
		c.FillPoll = defaultFillPoll
	}
	return c
}

// Deps are the collaborators shared by every loop.
type Deps struct {
	Accounts  account.Store
	Deals     deal.Store
	Quotes    *market.QuoteCache
	Direction *market.DirectionTracker
	Publisher notify.Publisher
	Logger    observability.Logger
	Clock     func() time.Time
}

// Status is a point-in-time view of a loop.
type Status struct {
	UserID        int64            `json:"userId"`
	Symbol        string           `json:"symbol"`
	Tracked       []string         `json:"tracked"`
	Anchor        *decimal.Decimal `json:"anchor,omitempty"`
	TriggerPrice  *decimal.Decimal `json:"triggerPrice,omitempty"`
	PendingBuy    string           `json:"pendingBuy,omitempty"`
	Failures      int              `json:"failures"`
	Iterations    int64            `json:"iterations"`
	LastIteration time.Time        `json:"lastIteration,omitempty"`
	LastError     string           `json:"lastError,omitempty"`
}

type trackedDeal struct {
	deal   deal.Deal
	warned bool
}

// pendingBuy is a market buy whose limit sell is not yet on record. It
// blocks new buys until resolved.
type pendingBuy struct {
	orderID string
	symbol  string

	// Set once the limit sell is on the book.
	sell      *rest.Order
	buyPrice  decimal.Decimal
	quantity  decimal.Decimal
	sellPrice decimal.Decimal
}

type livePrice struct {
	price decimal.Decimal
	at    time.Time
}

// Engine is one user's trading loop. Run owns the loop state; Deliver,
// ObservePrice and Status are safe to call from other goroutines.
type Engine struct {
	userID    int64
	exchange  Exchange
	accounts  account.Store
	deals     deal.Store
	quotes    *market.QuoteCache
	direction *market.DirectionTracker
	publisher notify.Publisher
	logger    observability.Logger
	now       func() time.Time
	cfg       Config
	metrics   *engineMetrics

	updates chan deal.Deal
	live    atomic.Pointer[livePrice]

	settings   account.Settings
	rules      *rest.SymbolRules
	tracked    map[string]*trackedDeal
	pending    *pendingBuy
	anchor     decimal.NullDecimal
	trigger    decimal.NullDecimal
	resumeAt   time.Time
	failures   int
	iterations int64

	statusMu sync.RWMutex
	status   Status
}

// NewEngine builds a loop for the user described by settings.
func NewEngine(settings account.Settings, exchange Exchange, deps Deps, cfg Config) *Engine {
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = notify.New(nil)
	}
	e := &Engine{
		userID:    settings.UserID,
		exchange:  exchange,
		accounts:  deps.Accounts,
		deals:     deps.Deals,
		quotes:    deps.Quotes,
		direction: deps.Direction,
		publisher: publisher,
		logger: observability.OrNop(deps.Logger).With(
			observability.F("component", component),
			observability.F("user_id", settings.UserID),
			observability.F("symbol", settings.Symbol)),
		now:      now,
		cfg:      cfg.withDefaults(),
		metrics:  newEngineMetrics(),
		updates:  make(chan deal.Deal, updateBuffer),
		settings: settings,
		tracked:  make(map[string]*trackedDeal),
	}
	e.status = Status{UserID: settings.UserID, Symbol: settings.Symbol, Tracked: []string{}}
	return e
}

// UserID returns the loop's user.
func (e *Engine) UserID() int64 { return e.userID }

// Status returns the last published snapshot.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	st := e.status
	st.Tracked = append([]string(nil), e.status.Tracked...)
	return st
}

// Deliver hands a deal update from the order lifecycle to the loop. It never
// blocks; the store stays authoritative when the buffer is full.
func (e *Engine) Deliver(_ context.Context, d deal.Deal) {
	select {
	case e.updates <- d:
	default:
		e.logger.Debug("trading: update buffer full, relying on store",
			observability.F("order_id", d.OrderID))
	}
}

// ObservePrice records a streamed last-trade price.
func (e *Engine) ObservePrice(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	e.live.Store(&livePrice{price: price, at: e.now()})
}

// Run drives the loop until ctx is canceled, the user is no longer entitled,
// autobuy is switched off or FailureThreshold iterations fail in a row.
func (e *Engine) Run(ctx context.Context) error {
	e.metrics.engineStarted(ctx)
	defer e.metrics.engineStopped(context.WithoutCancel(ctx))

	if err := e.restore(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.logger.Warn("trading: restore open deals failed", observability.Err(err))
	}
	e.logger.Info("trading: loop started", observability.F("tracked", len(e.tracked)))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := e.iterate(ctx)
		e.iterations++
		switch {
		case err == nil:
			e.failures = 0
			e.metrics.recordIteration(ctx, telemetry.ResultSuccess, "")
		case errors.Is(err, errAutobuyOff):
			e.publishStatus(nil)
			e.logger.Info("trading: autobuy switched off, loop stopping")
			return nil
		case errors.Is(err, ErrNotEntitled):
			e.publishStatus(err)
			return e.disable(ctx, err, "subscription expired")
		case ctx.Err() != nil:
			e.publishStatus(nil)
			return ctx.Err()
		case IsStrategy(err):
			e.metrics.recordIteration(ctx, telemetry.ResultRejected, "strategy")
			e.logger.Warn("trading: strategy rejected iteration", observability.Err(err))
			e.publisher.Publish(ctx, notify.ComponentError(e.userID, component, err))
		default:
			e.failures++
			e.metrics.recordIteration(ctx, telemetry.ResultError, string(errs.CategoryOf(err)))
			e.logger.Warn("trading: iteration failed",
				observability.F("failures", e.failures), observability.Err(err))
			if e.failures >= e.cfg.FailureThreshold {
				e.publishStatus(err)
				reason := fmt.Sprintf("%d consecutive failures, last: %v", e.failures, err)
				return e.disable(ctx, fmt.Errorf("%w: %w", ErrTooManyFailures, err), reason)
			}
		}
		e.publishStatus(err)

		if err := e.wait(ctx, e.interval()); err != nil {
			return err
		}
	}
}

func (e *Engine) restore(ctx context.Context) error {
	active, err := e.deals.ListActive(ctx, e.userID)
	if err != nil {
		return fmt.Errorf("list active deals: %w", err)
	}
	for _, d := range active {
		e.tracked[d.OrderID] = &trackedDeal{deal: d}
		// ListActive is ordered by sequence, so the last one is the newest buy.
		e.anchor = decimal.NewNullDecimal(d.BuyPrice)
	}
	return nil
}

func (e *Engine) iterate(ctx context.Context) error {
	settings, err := e.accounts.Get(ctx, e.userID)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	e.settings = settings
	if e.pending != nil {
		// The position from an unconfirmed buy is hedged before anything else.
		return e.hedge(context.WithoutCancel(ctx), settings)
	}
	if !settings.Entitled(e.now()) {
		return ErrNotEntitled
	}
	if !settings.AutobuyEnabled {
		return errAutobuyOff
	}
	e.drain()

	price, err := e.price(ctx, settings.Symbol)
	if err != nil {
		return err
	}
	if err := e.checkTracked(ctx, price); err != nil {
		return err
	}
	if e.now().Before(e.resumeAt) {
		return nil
	}
	if !e.shouldBuy(price) {
		e.trigger = decimal.NullDecimal{}
		return nil
	}
	if settings.RiseTrigger && !e.triggerFired(price) {
		return nil
	}
	return e.buy(ctx, settings)
}

func (e *Engine) price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	now := e.now()
	if lp := e.live.Load(); lp != nil && now.Sub(lp.at) <= e.cfg.QuoteFreshness {
		return lp.price, nil
	}
	if e.quotes != nil {
		if price, ok := e.quotes.FreshPrice(symbol, e.cfg.QuoteFreshness, now); ok {
			return price, nil
		}
	}
	price, err := e.exchange.TickerPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("ticker %s: %w", symbol, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("ticker %s: non-positive price %s", symbol, price)
	}
	return price, nil
}

func (e *Engine) checkTracked(ctx context.Context, price decimal.Decimal) error {
	for id, t := range e.tracked {
		current, err := e.deals.Get(ctx, deal.ByUser(id, e.userID))
		if errors.Is(err, deal.ErrNotFound) {
			e.logger.Warn("trading: tracked deal vanished from store", observability.F("order_id", id))
			e.untrack(id, deal.StatusUnknown)
			continue
		}
		if err != nil {
			return fmt.Errorf("load deal %s: %w", id, err)
		}
		t.deal = current
		if current.Status.Terminal() {
			e.untrack(id, current.Status)
			continue
		}
		if !t.warned && e.belowLoss(current.BuyPrice, price) {
			t.warned = true
			e.logger.Info("trading: price fell below open deal",
				observability.F("order_id", id), observability.F("price", price.String()))
			e.publisher.Publish(ctx, notify.PriceWarning(current, price))
		}
	}
	return nil
}

func (e *Engine) drain() {
	for {
		select {
		case d := <-e.updates:
			e.observe(d)
		default:
			return
		}
	}
}

func (e *Engine) observe(d deal.Deal) {
	t, ok := e.tracked[d.OrderID]
	if !ok {
		return
	}
	t.deal = d
	if d.Status.Terminal() {
		e.untrack(d.OrderID, d.Status)
	}
}

func (e *Engine) untrack(orderID string, status deal.Status) {
	delete(e.tracked, orderID)
	e.logger.Info("trading: deal closed",
		observability.F("order_id", orderID), observability.F("status", string(status)))
	if len(e.tracked) == 0 {
		// Give the market the user's pause before buying again.
		e.anchor = decimal.NullDecimal{}
		e.resumeAt = e.now().Add(e.pause())
	}
}

// belowLoss reports whether price sits LossPercent or more under reference.
func (e *Engine) belowLoss(reference, price decimal.Decimal) bool {
	loss := e.settings.LossPercent
	if !loss.IsPositive() || !reference.IsPositive() {
		return false
	}
	threshold := reference.Mul(hundred.Sub(loss)).Div(hundred)
	return price.LessThanOrEqual(threshold)
}

func (e *Engine) shouldBuy(price decimal.Decimal) bool {
	if !e.anchor.Valid {
		return true
	}
	return e.belowLoss(e.anchor.Decimal, price)
}

// triggerFired arms the rise trigger on first use and follows the price down.
// It fires once the tracker reports rising and price is back at the trigger.
func (e *Engine) triggerFired(price decimal.Decimal) bool {
	if !e.trigger.Valid || price.LessThan(e.trigger.Decimal) {
		if !e.trigger.Valid {
			e.logger.Info("trading: rise trigger armed", observability.F("price", price.String()))
		}
		e.trigger = decimal.NewNullDecimal(price)
		return false
	}
	if e.direction == nil {
		return false
	}
	dir, ok := e.direction.Snapshot(e.settings.Symbol)
	if !ok || !dir.IsRising {
		return false
	}
	e.trigger = decimal.NullDecimal{}
	return true
}

func (e *Engine) symbolRules(ctx context.Context, symbol string) (rest.SymbolRules, error) {
	if e.rules != nil && e.rules.Symbol == symbol {
		return *e.rules, nil
	}
	rules, err := e.exchange.SymbolRules(ctx, symbol)
	if err != nil {
		if errs.CategoryOf(err) == errs.CategoryInvalidSymbol {
			return rest.SymbolRules{}, strategyError("symbol "+symbol+" is not listed", err)
		}
		return rest.SymbolRules{}, err
	}
	if !rules.Tradable {
		return rest.SymbolRules{}, strategyError("symbol "+symbol+" is not open for spot trading", nil)
	}
	e.rules = &rules
	return rules, nil
}

func (e *Engine) buy(ctx context.Context, settings account.Settings) error {
	symbol := settings.Symbol
	if _, err := e.symbolRules(ctx, symbol); err != nil {
		return err
	}

	// Once the market buy is sent the sell must follow, even if the loop is
	// being stopped.
	legCtx := context.WithoutCancel(ctx)
	placed, err := e.exchange.PlaceOrder(legCtx, rest.OrderRequest{
		Symbol:   symbol,
		Side:     rest.SideBuy,
		Type:     rest.OrderTypeMarket,
		QuoteQty: settings.BuyAmount,
	})
	if err != nil {
		if errs.CategoryOf(err) == errs.CategoryInsufficientBalance {
			return strategyError("insufficient balance for a "+settings.BuyAmount.String()+" buy", err)
		}
		return fmt.Errorf("market buy: %w", err)
	}
	e.pending = &pendingBuy{orderID: placed.OrderID, symbol: symbol}
	return e.hedge(legCtx, settings)
}

// hedge carries the pending buy forward: confirm the fill, park the limit
// sell, record the deal. Each step that succeeded is kept, so a retry resumes
// where the last attempt stopped and never places a second sell.
func (e *Engine) hedge(ctx context.Context, settings account.Settings) error {
	p := e.pending
	if p.sell == nil {
		rules, err := e.symbolRules(ctx, p.symbol)
		if err != nil {
			return err
		}
		filled, err := e.awaitFill(ctx, p.symbol, p.orderID)
		if err != nil {
			e.logger.Error("trading: market buy sent but not confirmed",
				observability.F("order_id", p.orderID), observability.Err(err))
			return fmt.Errorf("query market buy %s: %w", p.orderID, err)
		}
		if !filled.CanonicalStatus().Terminal() {
			return fmt.Errorf("market buy %s still %s", p.orderID, filled.Status)
		}
		if !filled.ExecutedQty.IsPositive() {
			e.pending = nil
			return strategyError("market buy "+p.orderID+" executed nothing", nil)
		}

		buyPrice := filled.AveragePrice()
		quantity := rules.RoundQuantity(filled.ExecutedQty)
		sellPrice := rules.RoundPrice(buyPrice.Mul(hundred.Add(settings.ProfitPercent)).Div(hundred))
		if !quantity.IsPositive() || !sellPrice.IsPositive() {
			e.pending = nil
			return strategyError("bought "+filled.ExecutedQty.String()+" is below the symbol precision", nil)
		}

		sell, err := e.exchange.PlaceOrder(ctx, rest.OrderRequest{
			Symbol:   p.symbol,
			Side:     rest.SideSell,
			Type:     rest.OrderTypeLimit,
			Quantity: quantity,
			Price:    sellPrice,
		})
		if err != nil {
			e.logger.Error("trading: limit sell failed after market buy",
				observability.F("buy_order_id", p.orderID),
				observability.F("quantity", quantity.String()),
				observability.F("price", sellPrice.String()),
				observability.Err(err))
			return fmt.Errorf("limit sell: %w", err)
		}
		p.sell = &sell
		p.buyPrice, p.quantity, p.sellPrice = buyPrice, quantity, sellPrice
	}

	created, err := e.deals.Create(ctx, deal.Deal{
		OrderID:   p.sell.OrderID,
		UserID:    e.userID,
		Symbol:    p.symbol,
		BuyPrice:  p.buyPrice,
		SellPrice: decimal.NewNullDecimal(p.sellPrice),
		Quantity:  p.quantity,
		Status:    deal.StatusNew,
		Autobuy:   true,
	})
	if err != nil {
		return fmt.Errorf("persist deal %s: %w", p.sell.OrderID, err)
	}
	e.pending = nil
	e.tracked[created.OrderID] = &trackedDeal{deal: created}
	e.anchor = decimal.NewNullDecimal(p.buyPrice)
	e.metrics.recordBuy(ctx, p.symbol)
	e.logger.Info("trading: deal opened",
		observability.F("order_id", created.OrderID),
		observability.F("buy_order_id", p.orderID),
		observability.F("buy_price", p.buyPrice.String()),
		observability.F("sell_price", p.sellPrice.String()),
		observability.F("quantity", p.quantity.String()))
	e.publisher.Publish(ctx, notify.DealOpened(created))
	return nil
}

// awaitFill queries a market order until it is terminal or FillWait passes.
func (e *Engine) awaitFill(ctx context.Context, symbol, orderID string) (rest.Order, error) {
	deadline := e.now().Add(e.cfg.FillWait)
	for {
		order, err := e.exchange.QueryOrder(ctx, symbol, orderID)
		if err != nil {
			return rest.Order{}, err
		}
		if order.CanonicalStatus().Terminal() || !e.now().Before(deadline) {
			return order, nil
		}
		time.Sleep(e.cfg.FillPoll)
	}
}

func (e *Engine) disable(ctx context.Context, cause error, reason string) error {
	persistCtx := context.WithoutCancel(ctx)
	if err := e.accounts.SetAutobuy(persistCtx, e.userID, false); err != nil {
		e.logger.Error("trading: persist autobuy off failed", observability.Err(err))
	}
	e.logger.Warn("trading: autobuy disabled", observability.F("reason", reason))
	e.publisher.Publish(persistCtx, notify.AutobuyDisabled(e.userID, e.settings.Symbol, reason))
	return cause
}

func (e *Engine) interval() time.Duration {
	if len(e.tracked) > 0 || e.pending != nil {
		return e.cfg.FastPoll
	}
	if wait := e.resumeAt.Sub(e.now()); wait > 0 {
		return wait
	}
	return e.pause()
}

func (e *Engine) pause() time.Duration {
	if e.settings.Pause > 0 {
		return e.settings.Pause
	}
	return e.cfg.DefaultPause
}

// wait sleeps for d while folding in lifecycle updates.
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		case update := <-e.updates:
			e.observe(update)
		}
	}
}

func (e *Engine) publishStatus(err error) {
	ids := make([]string, 0, len(e.tracked))
	for id := range e.tracked {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	st := Status{
		UserID:        e.userID,
		Symbol:        e.settings.Symbol,
		Tracked:       ids,
		Failures:      e.failures,
		Iterations:    e.iterations,
		LastIteration: e.now(),
	}
	if e.pending != nil {
		st.PendingBuy = e.pending.orderID
	}
	if e.anchor.Valid {
		anchor := e.anchor.Decimal
		st.Anchor = &anchor
	}
	if e.trigger.Valid {
		trigger := e.trigger.Decimal
		st.TriggerPrice = &trigger
	}
	if err != nil {
		st.LastError = err.Error()
	}
	e.statusMu.Lock()
	e.status = st
	e.statusMu.Unlock()
}
