package stream

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradepilot/internal/exchange/wire"
	"github.com/coachpo/tradepilot/internal/infra/telemetry"
)

type streamMetrics struct {
	opened     metric.Int64Counter
	closed     metric.Int64Counter
	active     metric.Int64UpDownCounter
	reconnects metric.Int64Counter
	recycled   metric.Int64Counter
	frames     metric.Int64Counter
	malformed  metric.Int64Counter
}

func newStreamMetrics() *streamMetrics {
	meter := otel.Meter("stream")
	m := &streamMetrics{}
	m.opened, _ = meter.Int64Counter("tradepilot_stream_sessions_opened",
		metric.WithDescription("Websocket sessions opened"),
		metric.WithUnit("{session}"))
	m.closed, _ = meter.Int64Counter("tradepilot_stream_sessions_closed",
		metric.WithDescription("Websocket sessions closed by reason"),
		metric.WithUnit("{session}"))
	m.active, _ = meter.Int64UpDownCounter("tradepilot_stream_sessions_active",
		metric.WithDescription("Websocket sessions currently open"),
		metric.WithUnit("{session}"))
	m.reconnects, _ = meter.Int64Counter("tradepilot_stream_reconnect_attempts",
		metric.WithDescription("Reconnect attempts by result"),
		metric.WithUnit("{attempt}"))
	m.recycled, _ = meter.Int64Counter("tradepilot_stream_sessions_recycled",
		metric.WithDescription("Sessions recycled by the health scan"),
		metric.WithUnit("{session}"))
	m.frames, _ = meter.Int64Counter("tradepilot_stream_frames_decoded",
		metric.WithDescription("Decoded data frames by payload type"),
		metric.WithUnit("{frame}"))
	m.malformed, _ = meter.Int64Counter("tradepilot_stream_frames_malformed",
		metric.WithDescription("Frames dropped because they could not be decoded"),
		metric.WithUnit("{frame}"))
	return m
}

func scopeLabel(scope Scope) string { return string(scope.Kind) }

func (m *streamMetrics) sessionOpened(ctx context.Context, scope Scope) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(telemetry.SessionAttributes(telemetry.Environment(), scopeLabel(scope), "")...)
	if m.opened != nil {
		m.opened.Add(ctx, 1, attrs)
	}
	if m.active != nil {
		m.active.Add(ctx, 1, attrs)
	}
}

func (m *streamMetrics) sessionClosed(ctx context.Context, scope Scope, reason error) {
	if m == nil {
		return
	}
	env := telemetry.Environment()
	if m.active != nil {
		m.active.Add(ctx, -1, metric.WithAttributes(telemetry.SessionAttributes(env, scopeLabel(scope), "")...))
	}
	if m.closed != nil {
		attrs := telemetry.SessionAttributes(env, scopeLabel(scope), "")
		attrs = append(attrs, telemetry.AttrReason.String(closeReason(reason)))
		m.closed.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func closeReason(err error) string {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return "closed"
	case errors.Is(err, ErrIdleTimeout):
		return "idle"
	case errors.Is(err, ErrStale):
		return "stale"
	default:
		return "error"
	}
}

func (m *streamMetrics) reconnectAttempt(ctx context.Context, scope Scope, err error) {
	if m == nil || m.reconnects == nil {
		return
	}
	result := telemetry.ResultSuccess
	if err != nil {
		result = telemetry.ResultError
	}
	m.reconnects.Add(ctx, 1, metric.WithAttributes(telemetry.SessionAttributes(telemetry.Environment(), scopeLabel(scope), result)...))
}

func (m *streamMetrics) sessionRecycled(ctx context.Context, scope Scope, reason string) {
	if m == nil || m.recycled == nil {
		return
	}
	attrs := telemetry.SessionAttributes(telemetry.Environment(), scopeLabel(scope), "")
	attrs = append(attrs, telemetry.AttrReason.String(reason))
	m.recycled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *streamMetrics) frameDecoded(ctx context.Context, scope Scope, payload wire.Payload) {
	if m == nil || m.frames == nil {
		return
	}
	m.frames.Add(ctx, 1, metric.WithAttributes(telemetry.FrameAttributes(
		telemetry.Environment(), scopeLabel(scope), payloadType(payload))...))
}

func (m *streamMetrics) frameMalformed(ctx context.Context, scope Scope) {
	if m == nil || m.malformed == nil {
		return
	}
	m.malformed.Add(ctx, 1, metric.WithAttributes(telemetry.FrameAttributes(
		telemetry.Environment(), scopeLabel(scope), "malformed")...))
}

func payloadType(p wire.Payload) string {
	switch v := p.(type) {
	case wire.BookTicker:
		return "book_ticker"
	case wire.Deals:
		return "deals"
	case wire.PrivateOrder:
		return "private_order"
	case wire.PrivateAccount:
		return "private_account"
	case wire.Control:
		return "control_" + v.Kind.String()
	default:
		return fmt.Sprintf("%T", p)
	}
}
