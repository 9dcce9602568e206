package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/coachpo/tradepilot/internal/observability"
)

const (
	kafkaSinkName         = "kafka"
	defaultKafkaQueueSize = 1024
)

var (
	// ErrQueueFull reports an event dropped because the sink's queue is full.
	ErrQueueFull = errors.New("notify: kafka queue full")
	// ErrSinkClosed reports an event sent after Close.
	ErrSinkClosed = errors.New("notify: kafka sink closed")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes events as JSON to a topic, keyed by user id so a
// user's events stay ordered within a partition. Send only enqueues; one
// goroutine hands messages to an async kafka-go Writer, so a slow or
// unreachable broker never stalls the publishing goroutine. Failed
// deliveries go to the dead-letter queue.
type KafkaSink struct {
	writer       messageWriter
	writeTimeout time.Duration
	logger       observability.Logger
	deadLetters  atomic.Pointer[DeadLetters]

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

// KafkaConfig configures a KafkaSink.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	QueueSize    int
	Logger       observability.Logger
}

// NewKafkaSink builds a sink backed by an async kafka-go Writer and starts
// its drain goroutine. Close stops it.
func NewKafkaSink(cfg KafkaConfig) *KafkaSink {
	sink := newKafkaSink(cfg)
	sink.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
		WriteTimeout: sink.writeTimeout,
		Async:        true,
		Completion:   sink.fail,
	}
	sink.start()
	return sink
}

func newKafkaSink(cfg KafkaConfig) *KafkaSink {
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = defaultKafkaQueueSize
	}
	return &KafkaSink{
		writeTimeout: timeout,
		logger:       observability.OrNop(cfg.Logger),
		queue:        make(chan kafka.Message, size),
		done:         make(chan struct{}),
	}
}

func (s *KafkaSink) start() {
	go s.drain()
}

func (s *KafkaSink) setDeadLetters(q *DeadLetters) {
	s.deadLetters.Store(q)
}

// Send implements Sink. It never blocks.
func (s *KafkaSink) Send(_ context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	msg := kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.UserID, 10)),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
		Time:       ev.At,
		WriterData: ev,
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	select {
	case s.queue <- msg:
		return nil
	default:
		return fmt.Errorf("publish %s event: %w", ev.Kind, ErrQueueFull)
	}
}

func (s *KafkaSink) drain() {
	defer close(s.done)
	for msg := range s.queue {
		ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
		err := s.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			s.fail([]kafka.Message{msg}, err)
		}
	}
}

// fail records undelivered messages. The async writer calls it from its
// own goroutine once a batch has failed.
func (s *KafkaSink) fail(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	q := s.deadLetters.Load()
	for _, msg := range msgs {
		ev, _ := msg.WriterData.(Event)
		s.logger.Warn("notify: kafka delivery failed",
			observability.F("kind", string(ev.Kind)),
			observability.F("user_id", ev.UserID),
			observability.Err(err))
		if q != nil {
			q.Offer(Undelivered{Event: ev, Sink: kafkaSinkName, Error: err.Error()})
		}
	}
}

// Close stops accepting events, hands the queued ones to the writer and
// closes it, which flushes pending batches.
func (s *KafkaSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	return s.writer.Close()
}
