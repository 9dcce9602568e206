package orders

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradepilot/internal/infra/telemetry"
)

type orderMetrics struct {
	transitions metric.Int64Counter
}

func newOrderMetrics() *orderMetrics {
	m := &orderMetrics{}
	m.transitions, _ = otel.Meter("orders").Int64Counter("tradepilot_order_transitions",
		metric.WithDescription("Deal status updates by resulting state, source and outcome"),
		metric.WithUnit("{update}"))
	return m
}

func (m *orderMetrics) recordTransition(ctx context.Context, u Update, outcome Outcome) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(telemetry.TransitionAttributes(
		telemetry.Environment(), string(u.Status), string(u.Source), outcome.String())...))
}

type reconcileMetrics struct {
	sweeps        metric.Int64Counter
	softFailures  metric.Int64Counter
	sweepDuration metric.Float64Histogram
}

func newReconcileMetrics() *reconcileMetrics {
	meter := otel.Meter("orders")
	m := &reconcileMetrics{}
	m.sweeps, _ = meter.Int64Counter("tradepilot_reconcile_sweeps",
		metric.WithDescription("Reconciliation sweeps completed"),
		metric.WithUnit("{sweep}"))
	m.softFailures, _ = meter.Int64Counter("tradepilot_reconcile_soft_failures",
		metric.WithDescription("Per-user reconciliation steps skipped after REST failures"),
		metric.WithUnit("{failure}"))
	m.sweepDuration, _ = meter.Float64Histogram("tradepilot_reconcile_sweep_duration",
		metric.WithDescription("Wall time of one reconciliation sweep"),
		metric.WithUnit("ms"))
	return m
}

func (m *reconcileMetrics) recordSweep(ctx context.Context, took time.Duration) {
	if m == nil {
		return
	}
	env := telemetry.Environment()
	if m.sweeps != nil {
		m.sweeps.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(env)))
	}
	if m.sweepDuration != nil {
		m.sweepDuration.Record(ctx, float64(took.Microseconds())/1000, metric.WithAttributes(
			telemetry.AttrEnvironment.String(env)))
	}
}

func (m *reconcileMetrics) recordSoftFailure(ctx context.Context, reason string) {
	if m == nil || m.softFailures == nil {
		return
	}
	m.softFailures.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(
		telemetry.Environment(), telemetry.ResultSkipped, reason)...))
}
