package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/coachpo/tradepilot/internal/domain/deal"
	"github.com/coachpo/tradepilot/internal/exchange/wire"
	"github.com/coachpo/tradepilot/internal/notify"
	"github.com/coachpo/tradepilot/internal/observability"
)

const privateComponent = "private-stream"

// Dispatcher routes decoded private stream messages for one process. Every
// call names the user whose session produced the message.
type Dispatcher struct {
	lifecycle *Lifecycle
	balances  *Balances
	publisher notify.Publisher
	logger    observability.Logger
	now       func() time.Time
}

// NewDispatcher builds a private stream dispatcher.
func NewDispatcher(lifecycle *Lifecycle, balances *Balances, publisher notify.Publisher, logger observability.Logger) *Dispatcher {
	if balances == nil {
		balances = NewBalances()
	}
	return &Dispatcher{
		lifecycle: lifecycle,
		balances:  balances,
		publisher: publisher,
		logger:    observability.OrNop(logger),
		now:       time.Now,
	}
}

// Handle processes one message received on userID's private session.
func (d *Dispatcher) Handle(ctx context.Context, userID int64, msg wire.Message) {
	switch payload := msg.Payload.(type) {
	case wire.PrivateOrder:
		d.handleOrder(ctx, userID, msg, payload)
	case wire.PrivateAccount:
		at := payload.Time
		if at.IsZero() {
			at = d.now()
		}
		d.balances.Put(userID, Balance{
			Asset:     payload.Asset,
			Free:      payload.Free,
			Locked:    payload.Locked,
			UpdatedAt: at,
		})
	case wire.Control:
		if payload.Kind == wire.ControlError {
			d.logger.Warn("orders: private stream error",
				observability.F("user_id", userID),
				observability.F("code", payload.Code),
				observability.F("msg", payload.Msg))
			if d.publisher != nil {
				d.publisher.Publish(ctx, notify.ComponentError(userID, privateComponent,
					fmt.Errorf("exchange error %d: %s", payload.Code, payload.Msg)))
			}
		}
	case nil:
	default:
		d.logger.Debug("orders: ignoring private message",
			observability.F("user_id", userID),
			observability.F("channel", msg.Channel))
	}
}

func (d *Dispatcher) handleOrder(ctx context.Context, userID int64, msg wire.Message, order wire.PrivateOrder) {
	status := deal.StatusFromCode(order.StatusCode)
	if status == deal.StatusUnknown {
		d.logger.Warn("orders: unknown order status code",
			observability.F("user_id", userID),
			observability.F("order_id", order.ID),
			observability.F("code", order.StatusCode))
		return
	}
	uid := userID
	_, _, err := d.lifecycle.Apply(ctx, Update{
		OrderID: order.ID,
		UserID:  &uid,
		Symbol:  msg.Symbol,
		Status:  status,
		Source:  SourcePush,
	})
	if err != nil {
		d.logger.Error("orders: push update failed",
			observability.F("user_id", userID),
			observability.F("order_id", order.ID),
			observability.Err(err))
	}
}

// Balances exposes the balance cache.
func (d *Dispatcher) Balances() *Balances { return d.balances }
