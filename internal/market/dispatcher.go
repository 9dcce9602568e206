// Package market maintains best quotes, price direction and listener fan-out
// for public market data.
package market

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/tradepilot/internal/exchange/wire"
	"github.com/coachpo/tradepilot/internal/notify"
	"github.com/coachpo/tradepilot/internal/observability"
)

const componentName = "market-stream"

// Dispatcher applies decoded public messages to the quote cache and the
// direction tracker, then fans them out to registered listeners.
type Dispatcher struct {
	quotes    *QuoteCache
	direction *DirectionTracker
	hub       *Hub
	publisher notify.Publisher
	logger    observability.Logger
	now       func() time.Time
	metrics   *dispatchMetrics
}

// DispatcherOption customises a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithClock overrides the dispatcher clock.
func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDispatcher wires a dispatcher over shared state.
func NewDispatcher(quotes *QuoteCache, direction *DirectionTracker, hub *Hub, publisher notify.Publisher, logger observability.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		quotes:    quotes,
		direction: direction,
		hub:       hub,
		publisher: publisher,
		logger:    observability.OrNop(logger),
		now:       time.Now,
		metrics:   newDispatchMetrics(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle processes one decoded market message.
func (d *Dispatcher) Handle(ctx context.Context, msg wire.Message) {
	switch payload := msg.Payload.(type) {
	case wire.BookTicker:
		d.handleBookTicker(ctx, msg, payload)
	case wire.Deals:
		d.handleDeals(ctx, msg, payload)
	case wire.Control:
		d.handleControl(ctx, payload)
	case nil:
	default:
		d.logger.Debug("market: ignoring message",
			observability.F("channel", msg.Channel),
			observability.F("type", fmt.Sprintf("%T", payload)))
	}
}

func (d *Dispatcher) handleBookTicker(ctx context.Context, msg wire.Message, bt wire.BookTicker) {
	if msg.Symbol == "" {
		return
	}
	at := msg.SendTime
	if at.IsZero() {
		at = d.now()
	}
	q := Quote{
		Symbol:    msg.Symbol,
		Bid:       bt.BidPrice,
		BidQty:    bt.BidQty,
		Ask:       bt.AskPrice,
		AskQty:    bt.AskQty,
		UpdatedAt: at,
	}
	d.quotes.Put(q)
	if d.direction.Update(msg.Symbol, bt.BidPrice, bt.AskPrice) {
		d.metrics.recordFlip(ctx, msg.Symbol)
	}
	d.hub.emitBookTicker(ctx, q)
}

func (d *Dispatcher) handleDeals(ctx context.Context, msg wire.Message, deals wire.Deals) {
	if msg.Symbol == "" || len(deals.Trades) == 0 {
		return
	}
	first := deals.Trades[0]
	at := first.Time
	if at.IsZero() {
		at = d.now()
	}
	d.quotes.PutTrade(msg.Symbol, first.Price, at)
	d.hub.emitPrice(ctx, msg.Symbol, first.Price)
}

func (d *Dispatcher) handleControl(ctx context.Context, ctrl wire.Control) {
	switch ctrl.Kind {
	case wire.ControlError:
		d.logger.Warn("market: exchange reported an error",
			observability.F("code", ctrl.Code),
			observability.F("msg", ctrl.Msg))
		if d.publisher != nil {
			d.publisher.Publish(ctx, notify.ComponentError(0, componentName,
				fmt.Errorf("exchange error %d: %s", ctrl.Code, ctrl.Msg)))
		}
	case wire.ControlAck:
		d.logger.Debug("market: subscription acknowledged", observability.F("msg", ctrl.Msg))
	default:
		d.logger.Debug("market: control frame", observability.F("kind", ctrl.Kind.String()))
	}
}

// Quotes exposes the cache the dispatcher writes.
func (d *Dispatcher) Quotes() *QuoteCache { return d.quotes }

// Direction exposes the direction tracker the dispatcher writes.
func (d *Dispatcher) Direction() *DirectionTracker { return d.direction }

// Hub exposes the listener registry.
func (d *Dispatcher) Hub() *Hub { return d.hub }
