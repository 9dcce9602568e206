package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tradepilot/internal/exchange/wire"
	"github.com/coachpo/tradepilot/internal/observability"
)

// State is the lifecycle state of a Session. Reconnecting is not a session
// state: the supervisor replaces closed sessions with new ones.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler receives every decoded data message of a session.
type Handler func(ctx context.Context, msg wire.Message)

type task func(ctx context.Context) error

type sessionConfig struct {
	url             string
	scope           Scope
	keepalive       time.Duration
	idlePing        time.Duration
	idleTimeout     time.Duration
	watchInterval   time.Duration
	writeTimeout    time.Duration
	maxPerRequest   int
	controlInterval time.Duration
	readLimit       int64
	logger          observability.Logger
	now             func() time.Time
	metrics         *streamMetrics
}

// Session is one live websocket plus its background tasks. A session never
// reconnects itself.
type Session struct {
	cfg       sessionConfig
	conn      *websocket.Conn
	handler   Handler
	logger    observability.Logger
	createdAt time.Time

	lastActivity atomic.Int64
	idlePinged   atomic.Bool
	state        atomic.Int32

	listenKey string
	keys      ListenKeys
	renewedAt atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	errMu sync.Mutex
	err   error

	msgID           atomic.Uint64
	controlMu       sync.Mutex
	lastControlSend time.Time

	subsMu     sync.Mutex
	subscribed map[string]struct{}
}

// dialSession opens the socket. dialCtx bounds the handshake; parent bounds
// the session's lifetime.
func dialSession(dialCtx, parent context.Context, cfg sessionConfig, handler Handler) (*Session, error) {
	conn, _, err := websocket.Dial(dialCtx, cfg.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.scope, err)
	}
	if cfg.readLimit > 0 {
		conn.SetReadLimit(cfg.readLimit)
	}
	ctx, cancel := context.WithCancel(parent)
	now := cfg.now()
	s := &Session{
		cfg:        cfg,
		conn:       conn,
		handler:    handler,
		logger:     cfg.logger.With(observability.F("scope", cfg.scope.String())),
		createdAt:  now,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		subscribed: make(map[string]struct{}),
	}
	s.lastActivity.Store(now.UnixNano())
	s.state.Store(int32(StateConnecting))
	return s, nil
}

// start launches the receive loop, keepalive, idle watchdog and any extra
// tasks. The first task to fail ends the session.
func (s *Session) start(extra ...task) {
	s.state.Store(int32(StateOpen))
	s.cfg.metrics.sessionOpened(s.ctx, s.cfg.scope)

	p := pool.New().WithContext(s.ctx).WithCancelOnError().WithFirstError()
	p.Go(s.readLoop)
	p.Go(s.keepaliveLoop)
	p.Go(s.watchdog)
	for _, t := range extra {
		p.Go(t)
	}
	go func() {
		s.finish(p.Wait())
	}()
}

func (s *Session) finish(err error) {
	s.setErr(err)
	s.state.Store(int32(StateClosing))
	s.cancel()
	_ = s.conn.CloseNow()
	s.state.Store(int32(StateClosed))
	s.cfg.metrics.sessionClosed(context.Background(), s.cfg.scope, s.Err())
	s.logger.Info("stream: session closed", observability.Err(s.Err()))
	close(s.done)
}

func (s *Session) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close ends the session with reason. It does not wait for the background
// tasks; use Done for that.
func (s *Session) Close(reason error) {
	if reason == nil {
		reason = context.Canceled
	}
	s.setErr(reason)
	s.state.CompareAndSwap(int32(StateOpen), int32(StateClosing))
	s.cancel()
}

// Done is closed once every background task has exited and the socket is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Scope returns the session owner.
func (s *Session) Scope() Scope { return s.cfg.scope }

// State returns the current lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// CreatedAt returns when the socket was opened.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns when the last frame was received.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActivity.Load()) }

// ListenKey returns the private session credential, if any.
func (s *Session) ListenKey() string { return s.listenKey }

// RenewedAt returns when the listen key was last issued or renewed.
func (s *Session) RenewedAt() time.Time {
	if v := s.renewedAt.Load(); v != 0 {
		return time.Unix(0, v)
	}
	return time.Time{}
}

// Subscriptions returns the channels requested on this socket, sorted.
func (s *Session) Subscriptions() []string {
	s.subsMu.Lock()
	out := make([]string, 0, len(s.subscribed))
	for ch := range s.subscribed {
		out = append(out, ch)
	}
	s.subsMu.Unlock()
	sort.Strings(out)
	return out
}

func (s *Session) touch() {
	s.lastActivity.Store(s.cfg.now().UnixNano())
	s.idlePinged.Store(false)
}

func (s *Session) readLoop(ctx context.Context) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		s.touch()

		frame := wire.FrameBinary
		if typ == websocket.MessageText {
			frame = wire.FrameText
		}
		msg, err := wire.Decode(frame, data)
		if err != nil {
			s.cfg.metrics.frameMalformed(ctx, s.cfg.scope)
			s.logger.Warn("stream: dropping malformed frame",
				observability.F("bytes", len(data)), observability.Err(err))
			continue
		}
		if msg.Empty() {
			continue
		}
		if ctrl, ok := msg.Payload.(wire.Control); ok {
			switch ctrl.Kind {
			case wire.ControlPing:
				// Answered inline, on the frame type the ping arrived on.
				if err := s.write(ctx, ctrl.Frame, wire.PongReply()); err != nil {
					return fmt.Errorf("pong: %w", err)
				}
				continue
			case wire.ControlPong:
				continue
			}
		}
		s.cfg.metrics.frameDecoded(ctx, s.cfg.scope, msg.Payload)
		s.deliver(ctx, msg)
	}
}

func (s *Session) deliver(ctx context.Context, msg wire.Message) {
	if s.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stream: handler panicked",
				observability.F("channel", msg.Channel),
				observability.F("panic", fmt.Sprint(r)))
		}
	}()
	s.handler(ctx, msg)
}

func (s *Session) keepaliveLoop(ctx context.Context) error {
	if s.cfg.keepalive <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.keepalive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.write(ctx, wire.FrameText, wire.PingRequest()); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("keepalive ping: %w", err)
			}
		}
	}
}

func (s *Session) watchdog(ctx context.Context) error {
	if s.cfg.idleTimeout <= 0 && s.cfg.idlePing <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.cfg.watchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			idle := s.cfg.now().Sub(s.LastActivity())
			if s.cfg.idleTimeout > 0 && idle >= s.cfg.idleTimeout {
				return fmt.Errorf("%w after %s", ErrIdleTimeout, idle.Truncate(time.Second))
			}
			if s.cfg.idlePing > 0 && idle >= s.cfg.idlePing && s.idlePinged.CompareAndSwap(false, true) {
				s.logger.Debug("stream: idle, sending liveness ping", observability.F("idle", idle.String()))
				if err := s.write(ctx, wire.FrameText, wire.PingRequest()); err != nil && ctx.Err() == nil {
					return fmt.Errorf("liveness ping: %w", err)
				}
			}
		}
	}
}

func (s *Session) write(ctx context.Context, frame wire.FrameType, data []byte) error {
	typ := websocket.MessageText
	if frame == wire.FrameBinary {
		typ = websocket.MessageBinary
	}
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.writeTimeout)
	defer cancel()
	return s.conn.Write(writeCtx, typ, data)
}

// Subscribe requests channels on this socket in paced chunks. Channels
// already requested on this socket are skipped.
func (s *Session) Subscribe(ctx context.Context, channels []string) error {
	if s.State() != StateOpen {
		return ErrNotConnected
	}

	s.controlMu.Lock()
	defer s.controlMu.Unlock()

	pending := make([]string, 0, len(channels))
	s.subsMu.Lock()
	for _, ch := range channels {
		if _, ok := s.subscribed[ch]; !ok {
			pending = append(pending, ch)
		}
	}
	s.subsMu.Unlock()

	for _, chunk := range chunkChannels(pending, s.cfg.maxPerRequest) {
		if err := s.waitForControlWindowLocked(ctx); err != nil {
			return err
		}
		payload, err := wire.SubscriptionRequest(s.msgID.Add(1), chunk)
		if err != nil {
			return fmt.Errorf("marshal subscription: %w", err)
		}
		if err := s.write(s.ctx, wire.FrameText, payload); err != nil {
			return fmt.Errorf("write subscription: %w", err)
		}
		s.lastControlSend = s.cfg.now()

		s.subsMu.Lock()
		for _, ch := range chunk {
			s.subscribed[ch] = struct{}{}
		}
		s.subsMu.Unlock()
	}
	return nil
}

func (s *Session) waitForControlWindowLocked(ctx context.Context) error {
	if s.lastControlSend.IsZero() || s.cfg.controlInterval <= 0 {
		return nil
	}
	wait := s.lastControlSend.Add(s.cfg.controlInterval).Sub(s.cfg.now())
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pacing subscription requests: %w", ctx.Err())
	case <-s.ctx.Done():
		return errors.Join(ErrNotConnected, s.ctx.Err())
	}
}
