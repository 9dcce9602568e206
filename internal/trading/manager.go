package trading

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradepilot/internal/domain/account"
	"github.com/coachpo/tradepilot/internal/domain/deal"
	"github.com/coachpo/tradepilot/internal/exchange/wire"
	"github.com/coachpo/tradepilot/internal/market"
	"github.com/coachpo/tradepilot/internal/observability"
)

// MarketSubscriber adds symbols to the shared market session.
type MarketSubscriber interface {
	SubscribeMarket(ctx context.Context, kind wire.ChannelKind, symbols ...string) error
}

// ExchangeFactory returns the signed client for a user's credentials.
type ExchangeFactory func(creds account.Credentials) Exchange

type runningEngine struct {
	engine   *Engine
	cancel   context.CancelFunc
	done     chan struct{}
	listener *market.Handle
}

// Manager owns at most one Engine per user.
type Manager struct {
	deps       Deps
	cfg        Config
	exchanges  ExchangeFactory
	subscriber MarketSubscriber
	hub        *market.Hub
	logger     observability.Logger

	lifetime context.Context
	stop     context.CancelFunc

	mu      sync.Mutex
	engines map[int64]*runningEngine
	closed  bool
	wg      conc.WaitGroup
}

// NewManager builds a Manager. subscriber and hub may be nil, in which case
// loops price off the REST ticker.
func NewManager(deps Deps, cfg Config, exchanges ExchangeFactory, subscriber MarketSubscriber, hub *market.Hub) *Manager {
	lifetime, stop := context.WithCancel(context.Background())
	return &Manager{
		deps:       deps,
		cfg:        cfg,
		exchanges:  exchanges,
		subscriber: subscriber,
		hub:        hub,
		logger:     observability.OrNop(deps.Logger).With(observability.F("component", component)),
		lifetime:   lifetime,
		stop:       stop,
		engines:    make(map[int64]*runningEngine),
	}
}

// Start enables autobuy for userID and launches its loop. Starting a running
// user is a no-op.
func (m *Manager) Start(ctx context.Context, userID int64) error {
	settings, err := m.deps.Accounts.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("start user %d: %w", userID, err)
	}
	if !settings.Tradeable() {
		return fmt.Errorf("start user %d: %w", userID, ErrNotTradeable)
	}
	if !settings.Entitled(m.clock()) {
		return fmt.Errorf("start user %d: %w", userID, ErrNotEntitled)
	}
	if !settings.AutobuyEnabled {
		if err := m.deps.Accounts.SetAutobuy(ctx, userID, true); err != nil {
			return fmt.Errorf("start user %d: enable autobuy: %w", userID, err)
		}
		settings.AutobuyEnabled = true
	}
	settings.Symbol = strings.ToUpper(strings.TrimSpace(settings.Symbol))

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, ok := m.engines[userID]; ok {
		m.mu.Unlock()
		return nil
	}
	engine := NewEngine(settings, m.exchanges(settings.Credentials), m.deps, m.cfg)
	runCtx, cancel := context.WithCancel(m.lifetime)
	r := &runningEngine{engine: engine, cancel: cancel, done: make(chan struct{})}
	if m.hub != nil {
		handle := m.hub.OnPrice(settings.Symbol, func(_ context.Context, _ string, price decimal.Decimal) error {
			engine.ObservePrice(price)
			return nil
		})
		r.listener = &handle
	}
	m.engines[userID] = r
	m.wg.Go(func() { m.run(runCtx, r) })
	m.mu.Unlock()

	m.subscribe(ctx, settings.Symbol)
	return nil
}

func (m *Manager) subscribe(ctx context.Context, symbol string) {
	if m.subscriber == nil {
		return
	}
	for _, kind := range []wire.ChannelKind{wire.KindBookTicker, wire.KindDeals} {
		if err := m.subscriber.SubscribeMarket(ctx, kind, symbol); err != nil {
			m.logger.Warn("trading: market subscription failed, using REST prices",
				observability.F("symbol", symbol),
				observability.F("channel", string(kind)),
				observability.Err(err))
		}
	}
}

func (m *Manager) run(ctx context.Context, r *runningEngine) {
	defer close(r.done)
	err := r.engine.Run(ctx)

	userID := r.engine.UserID()
	m.mu.Lock()
	if m.engines[userID] == r {
		delete(m.engines, userID)
	}
	m.mu.Unlock()
	r.cancel()
	if r.listener != nil {
		m.hub.Unregister(*r.listener)
	}

	if err == nil || errors.Is(err, context.Canceled) {
		m.logger.Info("trading: loop stopped", observability.F("user_id", userID))
		return
	}
	m.logger.Warn("trading: loop ended", observability.F("user_id", userID), observability.Err(err))
}

// Stop disables autobuy for userID and waits for its loop to exit. A loop in
// the middle of a buy finishes placing its sell first.
func (m *Manager) Stop(ctx context.Context, userID int64) error {
	if err := m.deps.Accounts.SetAutobuy(ctx, userID, false); err != nil {
		return fmt.Errorf("stop user %d: %w", userID, err)
	}
	m.mu.Lock()
	r, ok := m.engines[userID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	r.cancel()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StopAll cancels every loop without touching the persisted autobuy flags,
// so they resume on the next start.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restore starts a loop for every user whose autobuy was left enabled.
func (m *Manager) Restore(ctx context.Context, users []account.Settings) error {
	var failures []error
	started := 0
	for _, u := range users {
		if !u.AutobuyEnabled {
			continue
		}
		if err := m.Start(ctx, u.UserID); err != nil {
			failures = append(failures, err)
			continue
		}
		started++
	}
	m.logger.Info("trading: loops restored", observability.F("started", started))
	return observability.AggregateErrors("trading.restore", failures)
}

// Running reports whether userID has a live loop.
func (m *Manager) Running(userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.engines[userID]
	return ok
}

// Engines returns the status of every live loop ordered by user id.
func (m *Manager) Engines() []Status {
	m.mu.Lock()
	out := make([]Status, 0, len(m.engines))
	for _, r := range m.engines {
		out = append(out, r.engine.Status())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Deliver routes a deal update to its owner's loop.
func (m *Manager) Deliver(ctx context.Context, d deal.Deal) {
	m.mu.Lock()
	r, ok := m.engines[d.UserID]
	m.mu.Unlock()
	if ok {
		r.engine.Deliver(ctx, d)
	}
}

func (m *Manager) clock() time.Time {
	if m.deps.Clock != nil {
		return m.deps.Clock()
	}
	return time.Now()
}
