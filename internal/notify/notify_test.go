package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradepilot/errs"
	"github.com/coachpo/tradepilot/internal/domain/deal"
)

func filledDeal() deal.Deal {
	return deal.Deal{
		OrderID:   "S1",
		UserID:    42,
		Symbol:    "KASUSDT",
		BuyPrice:  decimal.NewFromInt(50),
		SellPrice: decimal.NewNullDecimal(decimal.RequireFromString("52.5")),
		Quantity:  decimal.NewFromInt(2),
		Status:    deal.StatusFilled,
	}
}

func TestDealFilledCarriesProfit(t *testing.T) {
	ev := DealFilled(filledDeal())
	require.Equal(t, KindDealFilled, ev.Kind)
	require.Equal(t, int64(42), ev.UserID)
	require.True(t, ev.Profit.Equal(decimal.NewFromInt(5)))
	require.True(t, ev.SellPrice.Equal(decimal.RequireFromString("52.5")))
}

func TestComponentErrorUsesExchangeCategory(t *testing.T) {
	err := errs.FromExchange("mexc", 400, errs.ExchangeCodeIPNotAllowed, "ip not allowed")
	ev := ComponentError(7, "private-stream", err)
	require.Equal(t, "auth", ev.Category)
	require.NotEmpty(t, ev.Remediation)
	require.Equal(t, "ip not allowed", ev.Message)
}

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Send(_ context.Context, ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

func TestNotifierStampsAndFansOut(t *testing.T) {
	first := &recordingSink{}
	second := &recordingSink{}
	n := New(nil, first, SinkFunc(func(context.Context, Event) error { return errors.New("down") }), second)

	n.Publish(context.Background(), DealCanceled(filledDeal()))

	require.Len(t, first.events, 1)
	got := first.events[0]
	require.NotEmpty(t, got.ID)
	require.False(t, got.At.IsZero())
	require.Equal(t, []Event{got}, second.events, "a failing sink does not stop the others")
}

type recordingWriter struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	err     error
	closed  bool
	entered chan struct{}
	gate    chan struct{}
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.entered != nil {
		w.entered <- struct{}{}
	}
	if w.gate != nil {
		<-w.gate
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *recordingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func startKafkaSink(w *recordingWriter, queueSize int) *KafkaSink {
	sink := newKafkaSink(KafkaConfig{WriteTimeout: time.Second, QueueSize: queueSize})
	sink.writer = w
	sink.start()
	return sink
}

func TestKafkaSinkKeysByUser(t *testing.T) {
	w := &recordingWriter{}
	n := New(nil, startKafkaSink(w, 8))

	n.Publish(context.Background(), DealFilled(filledDeal()))
	require.NoError(t, n.Close(), "close drains the queue")
	require.True(t, w.closed)
	require.Len(t, w.msgs, 1)
	require.Equal(t, "42", string(w.msgs[0].Key))
	require.Equal(t, "kind", w.msgs[0].Headers[0].Key)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	require.Equal(t, "deal_filled", decoded["kind"])
	require.Equal(t, "5", decoded["profit"])
}

func TestNotifierRecordsDeadLetters(t *testing.T) {
	letters := NewDeadLetters(2)
	n := New(nil, SinkFunc(func(context.Context, Event) error { return errors.New("broker down") })).
		WithDeadLetters(letters)

	n.Publish(context.Background(), DealOpened(filledDeal()))
	n.Publish(context.Background(), DealCanceled(filledDeal()))
	n.Publish(context.Background(), DealFilled(filledDeal()))

	require.Equal(t, 2, letters.Len(), "oldest entry is dropped at capacity")
	drained := letters.Drain()
	require.Len(t, drained, 2)
	require.Equal(t, KindDealCanceled, drained[0].Event.Kind)
	require.Equal(t, KindDealFilled, drained[1].Event.Kind)
	require.Equal(t, "broker down", drained[1].Error)
	require.Contains(t, drained[1].Sink, "SinkFunc")
	require.Zero(t, letters.Len())
}

func TestKafkaSinkEnqueuesWithoutWaitingForBrokers(t *testing.T) {
	sink := NewKafkaSink(KafkaConfig{Brokers: []string{"127.0.0.1:1"}, Topic: "events", WriteTimeout: 500 * time.Millisecond})
	t.Cleanup(func() { _ = sink.Close() })
	writer, ok := sink.writer.(*kafka.Writer)
	require.True(t, ok)
	require.True(t, writer.Async)
	require.NotNil(t, writer.Completion)

	started := time.Now()
	for range 10 {
		require.NoError(t, sink.Send(context.Background(), DealFilled(filledDeal())))
	}
	require.Less(t, time.Since(started), 50*time.Millisecond, "send only enqueues")
}

func TestKafkaSinkFullQueueIsDeadLettered(t *testing.T) {
	letters := NewDeadLetters(4)
	w := &recordingWriter{entered: make(chan struct{}, 4), gate: make(chan struct{})}
	n := New(nil, startKafkaSink(w, 1)).WithDeadLetters(letters)

	n.Publish(context.Background(), DealOpened(filledDeal()))
	<-w.entered
	n.Publish(context.Background(), DealFilled(filledDeal()))
	n.Publish(context.Background(), DealCanceled(filledDeal()))

	drained := letters.Drain()
	require.Len(t, drained, 1)
	require.Equal(t, KindDealCanceled, drained[0].Event.Kind)
	require.Contains(t, drained[0].Error, ErrQueueFull.Error())

	close(w.gate)
	require.NoError(t, n.Close())
	require.Len(t, w.msgs, 2)
	require.ErrorIs(t, n.sinks[0].Send(context.Background(), Event{}), ErrSinkClosed)
}

func TestKafkaDeliveryFailuresAreDeadLettered(t *testing.T) {
	letters := NewDeadLetters(4)
	w := &recordingWriter{err: errors.New("kafka: leader not available")}
	sink := startKafkaSink(w, 8)
	n := New(nil, sink).WithDeadLetters(letters)

	n.Publish(context.Background(), DealFilled(filledDeal()))
	require.NoError(t, n.Close())
	drained := letters.Drain()
	require.Len(t, drained, 1)
	require.Equal(t, "kafka", drained[0].Sink)
	require.Equal(t, KindDealFilled, drained[0].Event.Kind)
	require.Equal(t, int64(42), drained[0].Event.UserID)
	require.Equal(t, "kafka: leader not available", drained[0].Error)

	// Batch results reported by the async writer.
	sink.fail(w.msgs, nil)
	require.Zero(t, letters.Len())
	sink.fail(w.msgs, errors.New("kafka: request timed out"))
	require.Equal(t, 1, letters.Len())
}
