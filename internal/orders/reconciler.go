package orders

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tradepilot/errs"
	"github.com/coachpo/tradepilot/internal/domain/account"
	"github.com/coachpo/tradepilot/internal/domain/deal"
	"github.com/coachpo/tradepilot/internal/exchange/rest"
	"github.com/coachpo/tradepilot/internal/observability"
)

const (
	defaultReconcileInterval    = 60 * time.Second
	defaultReconcileConcurrency = 4
)

// ReconcilerOptions tunes a Reconciler.
type ReconcilerOptions struct {
	Interval    time.Duration
	Concurrency int
	Logger      observability.Logger
	Clock       func() time.Time
}

// SweepReport summarises one reconciliation sweep.
type SweepReport struct {
	Users        int
	Skipped      int
	Checked      int
	Applied      int
	SoftFailures int
}

func (r *SweepReport) add(o SweepReport) {
	r.Users += o.Users
	r.Skipped += o.Skipped
	r.Checked += o.Checked
	r.Applied += o.Applied
	r.SoftFailures += o.SoftFailures
}

// Reconciler periodically checks locally active deals against the exchange.
type Reconciler struct {
	accounts    account.Store
	deals       deal.Store
	transport   *rest.Transport
	lifecycle   *Lifecycle
	interval    time.Duration
	concurrency int
	logger      observability.Logger
	now         func() time.Time
	metrics     *reconcileMetrics
}

// NewReconciler builds a Reconciler.
func NewReconciler(accounts account.Store, deals deal.Store, transport *rest.Transport, lifecycle *Lifecycle, opts ReconcilerOptions) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = defaultReconcileInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultReconcileConcurrency
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Reconciler{
		accounts:    accounts,
		deals:       deals,
		transport:   transport,
		lifecycle:   lifecycle,
		interval:    opts.Interval,
		concurrency: opts.Concurrency,
		logger:      observability.OrNop(opts.Logger),
		now:         opts.Clock,
		metrics:     newReconcileMetrics(),
	}
}

// Run sweeps immediately and then once per interval until ctx is done. The
// period is measured start to start, so a slow sweep shortens the next wait.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sweep reconciles every user with credentials once.
func (r *Reconciler) Sweep(ctx context.Context) SweepReport {
	started := r.now()
	users, err := r.accounts.ListWithCredentials(ctx)
	if err != nil {
		r.logger.Error("reconcile: list users failed", observability.Err(err))
		r.metrics.recordSoftFailure(ctx, "list_users")
		return SweepReport{SoftFailures: 1}
	}

	var (
		mu     sync.Mutex
		report SweepReport
	)
	p := pool.New().WithMaxGoroutines(r.concurrency)
	for _, settings := range users {
		p.Go(func() {
			if ctx.Err() != nil {
				return
			}
			userReport := r.ReconcileUser(ctx, settings)
			mu.Lock()
			report.add(userReport)
			mu.Unlock()
		})
	}
	p.Wait()

	took := r.now().Sub(started)
	r.metrics.recordSweep(ctx, took)
	r.logger.Debug("reconcile: sweep finished",
		observability.F("users", report.Users),
		observability.F("checked", report.Checked),
		observability.F("applied", report.Applied),
		observability.F("soft_failures", report.SoftFailures),
		observability.F("took", took.String()))
	return report
}

// ReconcileUser reconciles one user's active deals. It never mutates state
// when the exchange answer is ambiguous.
func (r *Reconciler) ReconcileUser(ctx context.Context, settings account.Settings) SweepReport {
	report := SweepReport{Users: 1}
	logger := r.logger.With(observability.F("user_id", settings.UserID))
	if settings.Symbol == "" || !settings.Credentials.Valid() {
		report.Skipped = 1
		return report
	}
	active, err := r.deals.ListActive(ctx, settings.UserID)
	if err != nil {
		logger.Warn("reconcile: list active deals failed", observability.Err(err))
		r.metrics.recordSoftFailure(ctx, "list_active")
		report.SoftFailures++
		return report
	}
	if len(active) == 0 {
		report.Skipped = 1
		return report
	}

	client := r.transport.Client(settings.Credentials)
	open, err := withFallback(ctx, client, func(c *rest.Client) ([]rest.Order, error) {
		return c.OpenOrders(ctx, settings.Symbol)
	})
	if err != nil {
		logger.Warn("reconcile: open orders unavailable, skipping user this cycle",
			observability.F("symbol", settings.Symbol), observability.Err(err))
		r.metrics.recordSoftFailure(ctx, "open_orders")
		report.SoftFailures++
		return report
	}
	byID := make(map[string]rest.Order, len(open))
	for _, o := range open {
		byID[o.OrderID] = o
	}

	for _, d := range active {
		if ctx.Err() != nil {
			return report
		}
		report.Checked++
		status, ok := r.resolve(ctx, client, settings, d, byID, logger)
		if !ok {
			report.SoftFailures++
			continue
		}
		_, outcome, err := r.lifecycle.Apply(ctx, Update{
			OrderID: d.OrderID,
			UserID:  &d.UserID,
			Symbol:  d.Symbol,
			Status:  status,
			Source:  SourceReconcile,
		})
		if err != nil {
			logger.Warn("reconcile: apply failed",
				observability.F("order_id", d.OrderID), observability.Err(err))
			report.SoftFailures++
			continue
		}
		if outcome == OutcomeApplied {
			report.Applied++
		}
	}
	return report
}

func (r *Reconciler) resolve(ctx context.Context, client *rest.Client, settings account.Settings, d deal.Deal, open map[string]rest.Order, logger observability.Logger) (deal.Status, bool) {
	if o, ok := open[d.OrderID]; ok {
		return o.CanonicalStatus(), true
	}
	symbol := d.Symbol
	if symbol == "" {
		symbol = settings.Symbol
	}
	o, err := withFallback(ctx, client, func(c *rest.Client) (rest.Order, error) {
		return c.QueryOrder(ctx, symbol, d.OrderID)
	})
	switch {
	case err == nil:
		return o.CanonicalStatus(), true
	case errs.IsNotFound(err):
		// Gone from the open set and unknown to the exchange. It may have filled
		// just before disappearing; it is resolved to CANCELED regardless.
		logger.Info("reconcile: order no longer exists on the exchange, marking canceled",
			observability.F("order_id", d.OrderID), observability.F("symbol", symbol))
		return deal.StatusCanceled, true
	default:
		logger.Warn("reconcile: order query failed, leaving deal untouched",
			observability.F("order_id", d.OrderID), observability.Err(err))
		r.metrics.recordSoftFailure(ctx, "query_order")
		return "", false
	}
}

// withFallback runs call once with the synced clock and, on any failure other
// than not-found or cancellation, once more stamped with the local clock.
func withFallback[T any](ctx context.Context, client *rest.Client, call func(*rest.Client) (T, error)) (T, error) {
	v, err := call(client)
	if err == nil || errs.IsNotFound(err) || ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return v, err
	}
	return call(client.WithoutClockOffset())
}
