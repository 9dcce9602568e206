package stream

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/tradepilot/errs"
	"github.com/coachpo/tradepilot/internal/domain/account"
	"github.com/coachpo/tradepilot/internal/exchange/wire"
	"github.com/coachpo/tradepilot/internal/notify"
	"github.com/coachpo/tradepilot/internal/observability"
)

const (
	defaultStreamURL       = "wss://wbs-api.mexc.com/ws"
	privateComponentName   = "private-stream"
	defaultRestoreParallel = 4
)

// Config tunes sessions and the supervisor. Zero values fall back to defaults.
type Config struct {
	MarketURL             string
	PrivateURL            string
	Keepalive             time.Duration
	ListenKeyRenewal      time.Duration
	PrivateIdleTimeout    time.Duration
	MarketIdlePing        time.Duration
	MarketIdleTimeout     time.Duration
	WatchInterval         time.Duration
	HealthScanInterval    time.Duration
	StaleAfter            time.Duration
	BackoffInitial        time.Duration
	BackoffMax            time.Duration
	DialTimeout           time.Duration
	WriteTimeout          time.Duration
	ControlInterval       time.Duration
	MaxChannelsPerRequest int
	ReadLimit             int64
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.MarketURL) == "" {
		c.MarketURL = defaultStreamURL
	}
	if strings.TrimSpace(c.PrivateURL) == "" {
		c.PrivateURL = c.MarketURL
	}
	setDuration(&c.Keepalive, 30*time.Second)
	setDuration(&c.ListenKeyRenewal, 45*time.Minute)
	setDuration(&c.PrivateIdleTimeout, 120*time.Second)
	setDuration(&c.MarketIdlePing, 60*time.Second)
	setDuration(&c.MarketIdleTimeout, 180*time.Second)
	setDuration(&c.WatchInterval, 5*time.Second)
	setDuration(&c.HealthScanInterval, 30*time.Second)
	setDuration(&c.StaleAfter, 2*time.Hour)
	setDuration(&c.BackoffInitial, time.Second)
	setDuration(&c.BackoffMax, 60*time.Second)
	setDuration(&c.DialTimeout, 15*time.Second)
	setDuration(&c.WriteTimeout, 5*time.Second)
	setDuration(&c.ControlInterval, 250*time.Millisecond)
	if c.MaxChannelsPerRequest <= 0 {
		c.MaxChannelsPerRequest = 30
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 1 << 20
	}
	return c
}

func setDuration(d *time.Duration, fallback time.Duration) {
	if *d <= 0 {
		*d = fallback
	}
}

// MarketHandler consumes public market messages.
type MarketHandler interface {
	Handle(ctx context.Context, msg wire.Message)
}

// PrivateHandler consumes one user's private messages.
type PrivateHandler interface {
	Handle(ctx context.Context, userID int64, msg wire.Message)
}

// ListenKeys issues, renews and revokes private session credentials.
type ListenKeys interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepaliveListenKey(ctx context.Context, listenKey string) error
	DeleteListenKey(ctx context.Context, listenKey string) error
}

// ListenKeyFactory returns the credential client for a user's key pair.
type ListenKeyFactory func(creds account.Credentials) ListenKeys

// SessionInfo is a read-only view of a live session.
type SessionInfo struct {
	Scope         string     `json:"scope"`
	UserID        int64      `json:"userId,omitempty"`
	State         string     `json:"state"`
	CreatedAt     time.Time  `json:"createdAt"`
	LastActivity  time.Time  `json:"lastActivity"`
	Subscriptions []string   `json:"subscriptions"`
	RenewedAt     *time.Time `json:"listenKeyRenewedAt,omitempty"`
}

// Supervisor owns every session. It opens the market singleton and one
// private session per user, replays subscriptions onto new sockets, and
// replaces sessions that end while still wanted.
type Supervisor struct {
	cfg        Config
	market     MarketHandler
	private    PrivateHandler
	listenKeys ListenKeyFactory
	publisher  notify.Publisher
	logger     observability.Logger
	metrics    *streamMetrics
	registry   *Registry
	now        func() time.Time

	lifetime context.Context
	stop     context.CancelFunc

	// marketMu serialises market connects and market subscription writes.
	marketMu sync.Mutex

	mu                 sync.Mutex
	marketWanted       bool
	marketReconnecting bool
	marketSess         *Session
	users              map[int64]*Session
	desired            map[int64]account.Credentials
	reconnecting       map[int64]bool
	live               map[*Session]struct{}
	closed             bool

	watchers conc.WaitGroup
}

// NewSupervisor builds a Supervisor. publisher may be nil.
func NewSupervisor(cfg Config, market MarketHandler, private PrivateHandler, listenKeys ListenKeyFactory, publisher notify.Publisher, logger observability.Logger) *Supervisor {
	lifetime, stop := context.WithCancel(context.Background())
	return &Supervisor{
		cfg:          cfg.withDefaults(),
		market:       market,
		private:      private,
		listenKeys:   listenKeys,
		publisher:    publisher,
		logger:       observability.OrNop(logger),
		metrics:      newStreamMetrics(),
		registry:     NewRegistry(),
		now:          time.Now,
		lifetime:     lifetime,
		stop:         stop,
		users:        make(map[int64]*Session),
		desired:      make(map[int64]account.Credentials),
		reconnecting: make(map[int64]bool),
		live:         make(map[*Session]struct{}),
	}
}

// Registry exposes the desired subscription sets.
func (s *Supervisor) Registry() *Registry { return s.registry }

func (s *Supervisor) sessionConfig(scope Scope, endpoint string) sessionConfig {
	return sessionConfig{
		url:             endpoint,
		scope:           scope,
		keepalive:       s.cfg.Keepalive,
		watchInterval:   s.cfg.WatchInterval,
		writeTimeout:    s.cfg.WriteTimeout,
		maxPerRequest:   s.cfg.MaxChannelsPerRequest,
		controlInterval: s.cfg.ControlInterval,
		readLimit:       s.cfg.ReadLimit,
		logger:          s.logger,
		now:             s.now,
		metrics:         s.metrics,
	}
}

func (s *Supervisor) dial(ctx context.Context, cfg sessionConfig, handler Handler) (*Session, error) {
	if s.lifetime.Err() != nil {
		return nil, ErrClosed
	}
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	sess, err := dialSession(dialCtx, s.lifetime, cfg, handler)
	if err != nil {
		return nil, errs.New("mexc", errs.CodeNetwork, errs.WithMessage("websocket dial"), errs.WithCause(err))
	}
	return sess, nil
}

// ConnectMarket opens the market session unless one is already open. The
// recorded market subscriptions are replayed before it returns. A failed
// attempt schedules a background reconnect.
func (s *Supervisor) ConnectMarket(ctx context.Context) error {
	s.marketMu.Lock()
	defer s.marketMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.marketWanted = true
	s.mu.Unlock()
	return s.retryMarketOnFailure(ctx, s.ensureMarketLocked(ctx))
}

func (s *Supervisor) retryMarketOnFailure(ctx context.Context, err error) error {
	if err != nil && !errors.Is(err, ErrClosed) && ctx.Err() == nil {
		s.spawn(func() { s.reconnect(MarketScope()) })
	}
	return err
}

func (s *Supervisor) ensureMarketLocked(ctx context.Context) error {
	if sess := s.currentMarket(); sess != nil {
		return nil
	}
	cfg := s.sessionConfig(MarketScope(), s.cfg.MarketURL)
	cfg.idlePing = s.cfg.MarketIdlePing
	cfg.idleTimeout = s.cfg.MarketIdleTimeout

	sess, err := s.dial(ctx, cfg, func(ctx context.Context, msg wire.Message) {
		if s.market != nil {
			s.market.Handle(ctx, msg)
		}
	})
	if err != nil {
		return err
	}
	sess.start()
	if err := sess.Subscribe(ctx, s.registry.Channels(MarketScope())); err != nil {
		sess.Close(err)
		return fmt.Errorf("replay market subscriptions: %w", err)
	}
	if err := s.install(sess); err != nil {
		return err
	}
	s.logger.Info("stream: market session connected",
		observability.F("subscriptions", s.registry.Len(MarketScope())))
	return nil
}

func (s *Supervisor) currentMarket() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.marketSess != nil && s.marketSess.State() == StateOpen {
		return s.marketSess
	}
	return nil
}

// SubscribeMarket records channels of kind for symbols and requests the new
// ones on the live market session, connecting it first if needed.
func (s *Supervisor) SubscribeMarket(ctx context.Context, kind wire.ChannelKind, symbols ...string) error {
	channels := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		ch, err := wire.Channel(kind, symbol)
		if err != nil {
			return err
		}
		channels = append(channels, ch)
	}

	s.marketMu.Lock()
	defer s.marketMu.Unlock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.marketWanted = true
	s.mu.Unlock()

	added := s.registry.Add(MarketScope(), channels...)
	sess := s.currentMarket()
	if sess == nil {
		return s.retryMarketOnFailure(ctx, s.ensureMarketLocked(ctx))
	}
	if len(added) == 0 {
		return nil
	}
	return sess.Subscribe(ctx, added)
}

// ConnectUser opens userID's private session. Concurrent calls for the same
// user collapse into one attempt. Authorization failures are surfaced to
// the user and not retried; other failures schedule a background reconnect.
func (s *Supervisor) ConnectUser(ctx context.Context, userID int64, creds account.Credentials) error {
	if !creds.Valid() {
		return errs.New("mexc", errs.CodeAuth, errs.WithCategory(errs.CategoryAuth),
			errs.WithMessage("api credentials not configured"))
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.desired[userID] = creds
	if sess := s.users[userID]; sess != nil && sess.State() == StateOpen {
		s.mu.Unlock()
		return nil
	}
	if s.reconnecting[userID] {
		s.mu.Unlock()
		return nil
	}
	s.reconnecting[userID] = true
	s.mu.Unlock()

	err := s.openUser(ctx, userID, creds)
	s.clearReconnecting(userID)
	switch {
	case err == nil:
		return nil
	case errs.IsAuth(err):
		s.surfaceAuth(ctx, userID, err)
	case !errors.Is(err, ErrClosed) && ctx.Err() == nil:
		s.spawn(func() { s.reconnect(UserScope(userID)) })
	}
	return err
}

func (s *Supervisor) clearReconnecting(userID int64) {
	s.mu.Lock()
	delete(s.reconnecting, userID)
	s.mu.Unlock()
}

func (s *Supervisor) openUser(ctx context.Context, userID int64, creds account.Credentials) error {
	scope := UserScope(userID)
	keys := s.listenKeys(creds)
	listenKey, err := keys.CreateListenKey(ctx)
	if err != nil {
		return fmt.Errorf("issue listen key: %w", err)
	}

	endpoint := s.cfg.PrivateURL + "?listenKey=" + url.QueryEscape(listenKey)
	cfg := s.sessionConfig(scope, endpoint)
	cfg.idleTimeout = s.cfg.PrivateIdleTimeout
	sess, err := s.dial(ctx, cfg, func(ctx context.Context, msg wire.Message) {
		if s.private != nil {
			s.private.Handle(ctx, userID, msg)
		}
	})
	if err != nil {
		s.revoke(ctx, keys, listenKey, userID)
		return err
	}
	sess.listenKey = listenKey
	sess.keys = keys
	sess.renewedAt.Store(s.now().UnixNano())
	sess.start(s.renewTask(sess))

	s.registry.Add(scope, wire.PrivateOrdersChannel, wire.PrivateAccountChannel)
	if err := sess.Subscribe(ctx, s.registry.Channels(scope)); err != nil {
		sess.Close(err)
		<-sess.Done()
		s.revoke(ctx, keys, listenKey, userID)
		return fmt.Errorf("replay private subscriptions: %w", err)
	}
	if err := s.install(sess); err != nil {
		s.revoke(ctx, keys, listenKey, userID)
		return err
	}
	s.logger.Info("stream: private session connected", observability.F("user_id", userID))
	return nil
}

// renewTask keeps the listen key alive. A failed renewal ends the session so
// the supervisor reconnects with a fresh key.
func (s *Supervisor) renewTask(sess *Session) task {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(s.cfg.ListenKeyRenewal)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := sess.keys.KeepaliveListenKey(ctx, sess.listenKey); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("renew listen key: %w", err)
				}
				sess.renewedAt.Store(s.now().UnixNano())
			}
		}
	}
}

func (s *Supervisor) revoke(ctx context.Context, keys ListenKeys, listenKey string, userID int64) {
	if keys == nil || listenKey == "" {
		return
	}
	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
	defer cancel()
	if err := keys.DeleteListenKey(revokeCtx, listenKey); err != nil {
		s.logger.Debug("stream: listen key revoke failed",
			observability.F("user_id", userID), observability.Err(err))
	}
}

func (s *Supervisor) surfaceAuth(ctx context.Context, userID int64, err error) {
	s.mu.Lock()
	delete(s.desired, userID)
	s.mu.Unlock()
	s.logger.Error("stream: private connect rejected, not retrying",
		observability.F("user_id", userID), observability.Err(err))
	if s.publisher != nil {
		s.publisher.Publish(ctx, notify.ComponentError(userID, privateComponentName, err))
	}
}

// install makes sess the current session for its scope and starts watching it.
func (s *Supervisor) install(sess *Session) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.Close(ErrClosed)
		return ErrClosed
	}
	scope := sess.Scope()
	var previous *Session
	switch scope.Kind {
	case ScopeMarket:
		previous, s.marketSess = s.marketSess, sess
	case ScopeUser:
		previous, s.users[scope.UserID] = s.users[scope.UserID], sess
	}
	s.live[sess] = struct{}{}
	s.watchers.Go(func() { s.watch(sess) })
	s.mu.Unlock()

	if previous != nil && previous != sess {
		previous.Close(ErrStale)
	}
	return nil
}

// spawn runs fn as a tracked watcher unless the supervisor is closed.
func (s *Supervisor) spawn(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.watchers.Go(fn)
}

func (s *Supervisor) watch(sess *Session) {
	<-sess.Done()
	scope := sess.Scope()

	s.mu.Lock()
	delete(s.live, sess)
	current := false
	wanted := false
	switch scope.Kind {
	case ScopeMarket:
		if s.marketSess == sess {
			s.marketSess = nil
			current = true
		}
		wanted = s.marketWanted
	case ScopeUser:
		if s.users[scope.UserID] == sess {
			delete(s.users, scope.UserID)
			current = true
		}
		_, wanted = s.desired[scope.UserID]
	}
	closed := s.closed
	s.mu.Unlock()

	if closed || !wanted {
		return
	}
	if scope.Kind == ScopeUser {
		// A replacement session always carries a fresh key.
		s.revoke(s.lifetime, sess.keys, sess.listenKey, scope.UserID)
	}
	if !current {
		return
	}
	s.logger.Warn("stream: session ended, reconnecting",
		observability.F("scope", scope.String()), observability.Err(sess.Err()))
	s.reconnect(scope)
}

type flooredBackOff struct {
	backoff.BackOff
	floor time.Duration
}

func (b flooredBackOff) NextBackOff() time.Duration {
	next := b.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	return max(next, b.floor)
}

// reconnect retries scope with capped exponential backoff until it connects,
// stops being wanted, fails authorization, or the supervisor closes.
func (s *Supervisor) reconnect(scope Scope) {
	if scope.Kind == ScopeMarket {
		s.mu.Lock()
		if s.marketReconnecting {
			s.mu.Unlock()
			return
		}
		s.marketReconnecting = true
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			s.marketReconnecting = false
			again := s.marketWanted && !s.closed && s.marketSess == nil && s.lifetime.Err() == nil
			s.mu.Unlock()
			// A session installed by this loop may already have ended while
			// the flag was still held.
			if again {
				s.spawn(func() { s.reconnect(MarketScope()) })
			}
		}()
	}
	if scope.Kind == ScopeUser {
		s.mu.Lock()
		if s.reconnecting[scope.UserID] {
			s.mu.Unlock()
			return
		}
		s.reconnecting[scope.UserID] = true
		s.mu.Unlock()
		defer s.clearReconnecting(scope.UserID)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.BackoffInitial
	policy.MaxInterval = s.cfg.BackoffMax

	operation := func() (struct{}, error) {
		err := s.connectScope(s.lifetime, scope)
		if errors.Is(err, errNotWanted) {
			return struct{}{}, nil
		}
		s.metrics.reconnectAttempt(s.lifetime, scope, err)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, ErrClosed), errs.IsAuth(err):
			return struct{}{}, backoff.Permanent(err)
		default:
			s.logger.Warn("stream: reconnect attempt failed",
				observability.F("scope", scope.String()), observability.Err(err))
			return struct{}{}, err
		}
	}

	_, err := backoff.Retry(s.lifetime, operation,
		backoff.WithBackOff(flooredBackOff{BackOff: policy, floor: s.cfg.BackoffInitial}),
		backoff.WithMaxElapsedTime(0),
	)
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Err
	}
	if err != nil && scope.Kind == ScopeUser && errs.IsAuth(err) {
		s.surfaceAuth(s.lifetime, scope.UserID, err)
	}
}

var errNotWanted = errors.New("stream: scope no longer wanted")

func (s *Supervisor) connectScope(ctx context.Context, scope Scope) error {
	if scope.Kind == ScopeMarket {
		s.marketMu.Lock()
		defer s.marketMu.Unlock()
		s.mu.Lock()
		wanted, closed := s.marketWanted, s.closed
		s.mu.Unlock()
		if closed {
			return ErrClosed
		}
		if !wanted {
			return errNotWanted
		}
		return s.ensureMarketLocked(ctx)
	}

	s.mu.Lock()
	creds, wanted := s.desired[scope.UserID]
	closed := s.closed
	live := s.users[scope.UserID] != nil && s.users[scope.UserID].State() == StateOpen
	s.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case !wanted:
		return errNotWanted
	case live:
		return nil
	}
	return s.openUser(ctx, scope.UserID, creds)
}

// DisconnectUser closes userID's session, forgets its subscriptions and
// revokes its listen key.
func (s *Supervisor) DisconnectUser(ctx context.Context, userID int64) {
	s.mu.Lock()
	delete(s.desired, userID)
	sess := s.users[userID]
	delete(s.users, userID)
	s.mu.Unlock()
	s.registry.Forget(UserScope(userID))
	if sess == nil {
		return
	}
	sess.Close(context.Canceled)
	select {
	case <-sess.Done():
	case <-ctx.Done():
	}
	s.revoke(ctx, sess.keys, sess.listenKey, userID)
}

// RestoreUsers connects every user concurrently and returns the joined
// connect errors.
func (s *Supervisor) RestoreUsers(ctx context.Context, users []account.Settings) error {
	p := pool.New().WithErrors().WithMaxGoroutines(defaultRestoreParallel)
	for _, u := range users {
		if !u.Credentials.Valid() {
			continue
		}
		p.Go(func() error {
			if err := s.ConnectUser(ctx, u.UserID, u.Credentials); err != nil {
				return fmt.Errorf("user %d: %w", u.UserID, err)
			}
			return nil
		})
	}
	return p.Wait()
}

// Run performs the periodic health scan until ctx is done.
func (s *Supervisor) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HealthScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.lifetime.Done():
			return nil
		case <-ticker.C:
			s.Scan(ctx)
		}
	}
}

// Scan recycles sessions that report closed or have been silent for longer
// than the stale ceiling. When the session count exceeds twice the number
// of users plus one, every session is dropped instead. It returns the
// number of sessions closed.
func (s *Supervisor) Scan(ctx context.Context) int {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.live))
	for sess := range s.live {
		sessions = append(sessions, sess)
	}
	bound := 2*len(s.desired) + 1
	s.mu.Unlock()

	if len(sessions) > bound {
		s.logger.Error("stream: session count above bound, dropping every session",
			observability.F("sessions", len(sessions)), observability.F("bound", bound))
		return s.EmergencyCleanup(ctx)
	}

	now := s.now()
	recycled := 0
	for _, sess := range sessions {
		reason := ""
		switch {
		case sess.State() != StateOpen:
			reason = "closed"
		case now.Sub(sess.LastActivity()) > s.cfg.StaleAfter:
			reason = "stale"
		}
		if reason == "" {
			continue
		}
		s.logger.Warn("stream: recycling session",
			observability.F("scope", sess.Scope().String()),
			observability.F("reason", reason),
			observability.F("age", now.Sub(sess.CreatedAt()).String()))
		s.metrics.sessionRecycled(ctx, sess.Scope(), reason)
		sess.Close(ErrStale)
		recycled++
	}
	return recycled
}

// EmergencyCleanup unconditionally closes every session. Wanted scopes are
// reconnected by their watchers.
func (s *Supervisor) EmergencyCleanup(ctx context.Context) int {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.live))
	for sess := range s.live {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		s.metrics.sessionRecycled(ctx, sess.Scope(), "emergency")
		sess.Close(ErrStale)
	}
	return len(sessions)
}

// DisconnectAll closes every session and revokes private listen keys. Calls
// after the first return nil.
func (s *Supervisor) DisconnectAll(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*Session, 0, len(s.live))
	for sess := range s.live {
		sessions = append(sessions, sess)
	}
	s.marketSess = nil
	s.users = make(map[int64]*Session)
	s.mu.Unlock()

	s.stop()
	for _, sess := range sessions {
		sess.Close(ErrClosed)
	}

	var failures []error
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			failures = append(failures, fmt.Errorf("%s: %w", sess.Scope(), ctx.Err()))
			continue
		}
		if sess.keys == nil || sess.listenKey == "" {
			continue
		}
		revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.WriteTimeout)
		if err := sess.keys.DeleteListenKey(revokeCtx, sess.listenKey); err != nil {
			failures = append(failures, fmt.Errorf("revoke listen key for %s: %w", sess.Scope(), err))
		}
		cancel()
	}
	s.watchers.Wait()
	return observability.AggregateErrors("stream.disconnect_all", failures,
		observability.F("sessions", len(sessions)))
}

// Connected reports whether scope has an open session.
func (s *Supervisor) Connected(scope Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sess *Session
	switch scope.Kind {
	case ScopeMarket:
		sess = s.marketSess
	case ScopeUser:
		sess = s.users[scope.UserID]
	}
	return sess != nil && sess.State() == StateOpen
}

// Sessions describes every live session.
func (s *Supervisor) Sessions() []SessionInfo {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.live))
	for sess := range s.live {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	out := make([]SessionInfo, 0, len(sessions))
	for _, sess := range sessions {
		info := SessionInfo{
			Scope:         string(sess.Scope().Kind),
			UserID:        sess.Scope().UserID,
			State:         sess.State().String(),
			CreatedAt:     sess.CreatedAt(),
			LastActivity:  sess.LastActivity(),
			Subscriptions: sess.Subscriptions(),
		}
		if at := sess.RenewedAt(); !at.IsZero() {
			info.RenewedAt = &at
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope == string(ScopeMarket)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}
