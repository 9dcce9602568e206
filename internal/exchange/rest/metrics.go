package rest

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradepilot/internal/infra/telemetry"
)

type restMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newRestMetrics() *restMetrics {
	meter := otel.Meter("exchange.rest")
	m := &restMetrics{}
	m.requests, _ = meter.Int64Counter("tradepilot_rest_requests",
		metric.WithDescription("Exchange REST requests by endpoint and outcome"),
		metric.WithUnit("{request}"))
	m.duration, _ = meter.Float64Histogram("tradepilot_rest_request_duration",
		metric.WithDescription("Exchange REST round-trip latency"),
		metric.WithUnit("ms"))
	return m
}

func (m *restMetrics) recordRequest(ctx context.Context, endpoint string, status int, category string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := telemetry.RequestAttributes(telemetry.Environment(), endpoint, status, category)
	if m.requests != nil {
		m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if m.duration != nil {
		m.duration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(attrs...))
	}
}
