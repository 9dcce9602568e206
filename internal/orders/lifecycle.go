// Package orders keeps persisted deals converged with the exchange. Private
// stream pushes and reconciliation sweeps share one update path.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/coachpo/tradepilot/internal/domain/deal"
	"github.com/coachpo/tradepilot/internal/notify"
	"github.com/coachpo/tradepilot/internal/observability"
)

// Source identifies where a status update came from.
type Source string

const (
	SourcePush      Source = "push"
	SourceReconcile Source = "reconcile"
)

// Update is a reported status for an exchange order.
type Update struct {
	OrderID string
	// UserID scopes the lookup when the reporting user is known.
	UserID *int64
	Symbol string
	Status deal.Status
	Source Source
}

// Outcome describes what Apply did with an update.
type Outcome int

const (
	// OutcomeIgnored means the order is not tracked here or the status is unusable.
	OutcomeIgnored Outcome = iota
	// OutcomeUnchanged means the stored status already matched.
	OutcomeUnchanged
	// OutcomeApplied means the new status was persisted.
	OutcomeApplied
	// OutcomeRejected means the stored status is terminal and was kept.
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIgnored:
		return "ignored"
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeApplied:
		return "applied"
	case OutcomeRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// EngineSink receives every update for a tracked deal, changed or not.
type EngineSink interface {
	Deliver(ctx context.Context, d deal.Deal)
}

type engineHolder struct{ sink EngineSink }

// Lifecycle applies status updates to persisted deals.
type Lifecycle struct {
	store     deal.Store
	publisher notify.Publisher
	engine    atomic.Pointer[engineHolder]
	logger    observability.Logger
	metrics   *orderMetrics
}

// NewLifecycle builds a Lifecycle. publisher may be nil.
func NewLifecycle(store deal.Store, publisher notify.Publisher, logger observability.Logger) *Lifecycle {
	return &Lifecycle{
		store:     store,
		publisher: publisher,
		logger:    observability.OrNop(logger),
		metrics:   newOrderMetrics(),
	}
}

// SetEngineSink installs the trading engine forwarder. It may be called after
// the stream is running.
func (l *Lifecycle) SetEngineSink(sink EngineSink) {
	if sink == nil {
		l.engine.Store(nil)
		return
	}
	l.engine.Store(&engineHolder{sink: sink})
}

// Apply runs one update through lookup, the monotonic guard, persistence,
// notification and engine forwarding. Only store failures are returned.
func (l *Lifecycle) Apply(ctx context.Context, u Update) (deal.Deal, Outcome, error) {
	fields := []observability.Field{
		observability.F("order_id", u.OrderID),
		observability.F("status", string(u.Status)),
		observability.F("source", string(u.Source)),
	}
	if u.UserID != nil {
		fields = append(fields, observability.F("user_id", *u.UserID))
	}
	if u.Status == deal.StatusUnknown || u.Status == "" {
		l.logger.Warn("orders: unknown status, update not applied", fields...)
		l.metrics.recordTransition(ctx, u, OutcomeIgnored)
		return deal.Deal{}, OutcomeIgnored, nil
	}

	lookup := deal.Lookup{OrderID: u.OrderID, UserID: u.UserID}
	current, err := l.store.Get(ctx, lookup)
	if errors.Is(err, deal.ErrNotFound) {
		l.logger.Debug("orders: update for untracked order", fields...)
		l.metrics.recordTransition(ctx, u, OutcomeIgnored)
		return deal.Deal{}, OutcomeIgnored, nil
	}
	if err != nil {
		return deal.Deal{}, OutcomeIgnored, fmt.Errorf("load deal %s: %w", u.OrderID, err)
	}

	if current.Status == u.Status {
		l.metrics.recordTransition(ctx, u, OutcomeUnchanged)
		l.forward(ctx, current)
		return current, OutcomeUnchanged, nil
	}
	if !current.Status.CanTransition(u.Status) {
		l.rejectTerminal(ctx, u, current, fields)
		return current, OutcomeRejected, nil
	}

	updated, err := l.store.UpdateStatus(ctx, lookup, u.Status)
	if errors.Is(err, deal.ErrTerminal) {
		// Another writer reached a terminal status between the read and the write.
		if updated.OrderID == "" {
			updated = current
		}
		l.rejectTerminal(ctx, u, updated, fields)
		return updated, OutcomeRejected, nil
	}
	if err != nil {
		return current, OutcomeIgnored, fmt.Errorf("update deal %s: %w", u.OrderID, err)
	}

	l.logger.Info("orders: status updated",
		append(fields, observability.F("previous", string(current.Status)))...)
	l.metrics.recordTransition(ctx, u, OutcomeApplied)
	l.notify(ctx, updated)
	l.forward(ctx, updated)
	return updated, OutcomeApplied, nil
}

func (l *Lifecycle) rejectTerminal(ctx context.Context, u Update, current deal.Deal, fields []observability.Field) {
	l.logger.Warn("orders: refusing to rewrite terminal status",
		append(fields, observability.F("stored", string(current.Status)))...)
	l.metrics.recordTransition(ctx, u, OutcomeRejected)
}

func (l *Lifecycle) notify(ctx context.Context, d deal.Deal) {
	if l.publisher == nil {
		return
	}
	switch d.Status {
	case deal.StatusFilled:
		l.publisher.Publish(ctx, notify.DealFilled(d))
	case deal.StatusCanceled:
		l.publisher.Publish(ctx, notify.DealCanceled(d))
	}
}

func (l *Lifecycle) forward(ctx context.Context, d deal.Deal) {
	holder := l.engine.Load()
	if holder == nil || holder.sink == nil {
		return
	}
	holder.sink.Deliver(ctx, d)
}
