package trading

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradepilot/internal/infra/telemetry"
)

type engineMetrics struct {
	iterations metric.Int64Counter
	buys       metric.Int64Counter
	running    metric.Int64UpDownCounter
}

func newEngineMetrics() *engineMetrics {
	meter := otel.Meter("trading")
	m := &engineMetrics{}
	m.iterations, _ = meter.Int64Counter("tradepilot_engine_iterations",
		metric.WithDescription("Trading loop iterations by result"),
		metric.WithUnit("{iteration}"))
	m.buys, _ = meter.Int64Counter("tradepilot_engine_deals_opened",
		metric.WithDescription("Buy/sell pairs placed by trading loops"),
		metric.WithUnit("{deal}"))
	m.running, _ = meter.Int64UpDownCounter("tradepilot_engines_running",
		metric.WithDescription("Trading loops currently running"),
		metric.WithUnit("{engine}"))
	return m
}

func (m *engineMetrics) recordIteration(ctx context.Context, result, reason string) {
	if m == nil || m.iterations == nil {
		return
	}
	m.iterations.Add(ctx, 1, metric.WithAttributes(
		telemetry.OperationResultAttributes(telemetry.Environment(), result, reason)...))
}

func (m *engineMetrics) recordBuy(ctx context.Context, symbol string) {
	if m == nil || m.buys == nil {
		return
	}
	m.buys.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrSymbol.String(symbol)))
}

func (m *engineMetrics) engineStarted(ctx context.Context) {
	if m == nil || m.running == nil {
		return
	}
	m.running.Add(ctx, 1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}

func (m *engineMetrics) engineStopped(ctx context.Context) {
	if m == nil || m.running == nil {
		return
	}
	m.running.Add(ctx, -1, metric.WithAttributes(telemetry.AttrEnvironment.String(telemetry.Environment())))
}
