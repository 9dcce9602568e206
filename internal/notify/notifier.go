package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradepilot/internal/infra/telemetry"
	"github.com/coachpo/tradepilot/internal/observability"
)

// Sink delivers events to one destination.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Publisher is what components depend on to emit events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// Notifier stamps events and fans them out to every sink in the caller's
// goroutine, so sinks must not block: LogSink writes a line and KafkaSink
// only enqueues. Delivery is best effort: sink failures are logged and never
// reach the caller.
type Notifier struct {
	sinks       []Sink
	logger      observability.Logger
	now         func() time.Time
	sent        metric.Int64Counter
	deadLetters *DeadLetters
}

// New builds a Notifier over sinks.
func New(logger observability.Logger, sinks ...Sink) *Notifier {
	n := &Notifier{
		sinks:  sinks,
		logger: observability.OrNop(logger),
		now:    time.Now,
	}
	n.sent, _ = otel.Meter("notify").Int64Counter("tradepilot_notifications",
		metric.WithDescription("Notification events published by kind and result"),
		metric.WithUnit("{event}"))
	return n
}

// WithDeadLetters records every failed sink delivery in q, including
// failures reported later by asynchronous sinks.
func (n *Notifier) WithDeadLetters(q *DeadLetters) *Notifier {
	n.deadLetters = q
	for _, sink := range n.sinks {
		if async, ok := sink.(interface{ setDeadLetters(*DeadLetters) }); ok {
			async.setDeadLetters(q)
		}
	}
	return n
}

// Publish implements Publisher.
func (n *Notifier) Publish(ctx context.Context, ev Event) {
	if n == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = n.now().UTC()
	}
	result := telemetry.ResultSuccess
	for _, sink := range n.sinks {
		if err := sink.Send(ctx, ev); err != nil {
			result = telemetry.ResultError
			n.logger.Warn("notify: sink delivery failed",
				observability.F("kind", string(ev.Kind)),
				observability.F("user_id", ev.UserID),
				observability.Err(err))
			if n.deadLetters != nil {
				n.deadLetters.Offer(Undelivered{Event: ev, Sink: sinkName(sink), Error: err.Error()})
			}
		}
	}
	if n.sent != nil {
		n.sent.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment()),
			attribute.String("kind", string(ev.Kind)),
			telemetry.AttrResult.String(result)))
	}
}

func sinkName(s Sink) string {
	switch s.(type) {
	case *KafkaSink:
		return kafkaSinkName
	case *LogSink:
		return "log"
	default:
		return fmt.Sprintf("%T", s)
	}
}

// Close closes every sink that holds resources.
func (n *Notifier) Close() error {
	var errs []error
	for _, sink := range n.sinks {
		if c, ok := sink.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every event as a structured log line.
type LogSink struct {
	logger observability.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger observability.Logger) *LogSink {
	return &LogSink{logger: observability.OrNop(logger)}
}

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, ev Event) error {
	fields := []observability.Field{
		observability.F("event_id", ev.ID),
		observability.F("kind", string(ev.Kind)),
		observability.F("user_id", ev.UserID),
	}
	if ev.Symbol != "" {
		fields = append(fields, observability.F("symbol", ev.Symbol))
	}
	if ev.OrderID != "" {
		fields = append(fields, observability.F("order_id", ev.OrderID))
	}
	if ev.Profit != nil {
		fields = append(fields, observability.F("profit", ev.Profit.String()))
	}
	if ev.Message != "" {
		fields = append(fields, observability.F("detail", ev.Message))
	}
	if ev.Kind == KindComponentError || ev.Kind == KindAutobuyDisabled {
		s.logger.Warn("notification", fields...)
		return nil
	}
	s.logger.Info("notification", fields...)
	return nil
}
