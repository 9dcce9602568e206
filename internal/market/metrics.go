package market

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradepilot/internal/infra/telemetry"
)

type dispatchMetrics struct {
	flips metric.Int64Counter
}

func newDispatchMetrics() *dispatchMetrics {
	m := &dispatchMetrics{}
	m.flips, _ = otel.Meter("market").Int64Counter("tradepilot_market_direction_flips",
		metric.WithDescription("Price direction flips observed per symbol"),
		metric.WithUnit("{flip}"))
	return m
}

func (m *dispatchMetrics) recordFlip(ctx context.Context, symbol string) {
	if m == nil || m.flips == nil {
		return
	}
	m.flips.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrSymbol.String(symbol)))
}
