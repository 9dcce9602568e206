package stream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradepilot/errs"
	"github.com/coachpo/tradepilot/internal/domain/account"
	"github.com/coachpo/tradepilot/internal/exchange/wire"
	"github.com/coachpo/tradepilot/internal/notify"
)

var testCreds = account.Credentials{APIKey: "k", APISecret: "s"}

type controlFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type fakeConn struct {
	conn  *websocket.Conn
	query url.Values

	mu       sync.Mutex
	requests []controlFrame
	frames   chan string
}

func (c *fakeConn) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, req := range c.requests {
		if req.Method == "SUBSCRIPTION" {
			out = append(out, req.Params...)
		}
	}
	sort.Strings(out)
	return out
}

func (c *fakeConn) subscriptionRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, req := range c.requests {
		if req.Method == "SUBSCRIPTION" {
			n++
		}
	}
	return n
}

func (c *fakeConn) send(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, c.conn.Write(context.Background(), websocket.MessageText, []byte(payload)))
}

type fakeExchangeWS struct {
	*httptest.Server
	conns chan *fakeConn
	count atomic.Int32
}

func newFakeExchangeWS(t *testing.T) *fakeExchangeWS {
	t.Helper()
	return newFakeExchangeWSAt(t, "")
}

// newFakeExchangeWSAt serves on addr, or on a random port when addr is empty.
func newFakeExchangeWSAt(t *testing.T, addr string) *fakeExchangeWS {
	t.Helper()
	fx := &fakeExchangeWS{conns: make(chan *fakeConn, 16)}
	fx.Server = httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		fc := &fakeConn{conn: conn, query: r.URL.Query(), frames: make(chan string, 64)}
		fx.count.Add(1)
		fx.conns <- fc
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			var frame controlFrame
			if json.Unmarshal(data, &frame) == nil {
				fc.mu.Lock()
				fc.requests = append(fc.requests, frame)
				fc.mu.Unlock()
				if frame.Method == "SUBSCRIPTION" {
					ack, _ := json.Marshal(map[string]any{"id": frame.ID, "code": 0, "msg": strings.Join(frame.Params, ",")})
					_ = conn.Write(r.Context(), websocket.MessageText, ack)
				}
			}
			select {
			case fc.frames <- string(data):
			default:
			}
		}
	}))
	if addr != "" {
		listener, err := net.Listen("tcp", addr)
		require.NoError(t, err)
		_ = fx.Server.Listener.Close()
		fx.Server.Listener = listener
	}
	fx.Start()
	t.Cleanup(fx.Close)
	return fx
}

func (fc *fakeConn) awaitFrame(t *testing.T, want string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case frame := <-fc.frames:
			if frame == want {
				return
			}
		case <-deadline:
			t.Fatalf("frame %s not received", want)
		}
	}
}

func (fx *fakeExchangeWS) wsURL() string {
	return "ws" + strings.TrimPrefix(fx.URL, "http")
}

func (fx *fakeExchangeWS) next(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case fc := <-fx.conns:
		return fc
	case <-time.After(3 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

type captureMarket struct {
	mu   sync.Mutex
	msgs []wire.Message
}

func (c *captureMarket) Handle(_ context.Context, msg wire.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
}

func (c *captureMarket) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

type capturePrivate struct {
	mu    sync.Mutex
	users []int64
}

func (c *capturePrivate) Handle(_ context.Context, userID int64, _ wire.Message) {
	c.mu.Lock()
	c.users = append(c.users, userID)
	c.mu.Unlock()
}

type fakeKeys struct {
	mu        sync.Mutex
	created   int
	renewed   []string
	deleted   []string
	createErr error
	renewErr  error
	gate      chan struct{}
}

func (k *fakeKeys) CreateListenKey(ctx context.Context) (string, error) {
	if k.gate != nil {
		select {
		case <-k.gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.createErr != nil {
		k.created++
		return "", k.createErr
	}
	k.created++
	return "lk-" + string(rune('0'+k.created)), nil
}

func (k *fakeKeys) KeepaliveListenKey(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.renewed = append(k.renewed, key)
	return k.renewErr
}

func (k *fakeKeys) renewedKeys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.renewed...)
}

func (k *fakeKeys) DeleteListenKey(_ context.Context, key string) error {
	k.mu.Lock()
	k.deleted = append(k.deleted, key)
	k.mu.Unlock()
	return nil
}

func (k *fakeKeys) createdCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.created
}

func (k *fakeKeys) deletedKeys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.deleted...)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *capturePublisher) Publish(_ context.Context, ev notify.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func testConfig(url string) Config {
	return Config{
		MarketURL:       url,
		PrivateURL:      url,
		Keepalive:       time.Hour,
		WatchInterval:   10 * time.Millisecond,
		BackoffInitial:  10 * time.Millisecond,
		BackoffMax:      50 * time.Millisecond,
		ControlInterval: time.Millisecond,
		DialTimeout:     2 * time.Second,
	}
}

func newTestSupervisor(t *testing.T, cfg Config, keys *fakeKeys, pub notify.Publisher) (*Supervisor, *captureMarket, *capturePrivate) {
	t.Helper()
	market := &captureMarket{}
	private := &capturePrivate{}
	if keys == nil {
		keys = &fakeKeys{}
	}
	sup := NewSupervisor(cfg, market, private, func(account.Credentials) ListenKeys { return keys }, pub, nil)
	t.Cleanup(func() { _ = sup.DisconnectAll(context.Background()) })
	return sup, market, private
}

func TestSubscribeIsIdempotent(t *testing.T) {
	fx := newFakeExchangeWS(t)
	sup, _, _ := newTestSupervisor(t, testConfig(fx.wsURL()), nil, nil)
	ctx := context.Background()

	require.NoError(t, sup.SubscribeMarket(ctx, wire.KindBookTicker, "KASUSDT"))
	conn := fx.next(t)
	require.Eventually(t, func() bool { return conn.subscriptionRequests() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, sup.SubscribeMarket(ctx, wire.KindBookTicker, "KASUSDT"))
	require.NoError(t, sup.SubscribeMarket(ctx, wire.KindDeals, "KASUSDT"))
	require.Eventually(t, func() bool { return conn.subscriptionRequests() == 2 }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 2, conn.subscriptionRequests())
	require.Equal(t, 2, sup.Registry().Len(MarketScope()))
	require.Equal(t, int32(1), fx.count.Load())
}

func TestReconnectReplaysSubscriptions(t *testing.T) {
	fx := newFakeExchangeWS(t)
	sup, _, _ := newTestSupervisor(t, testConfig(fx.wsURL()), nil, nil)
	ctx := context.Background()

	require.NoError(t, sup.SubscribeMarket(ctx, wire.KindBookTicker, "KASUSDT", "BTCUSDT"))
	require.NoError(t, sup.SubscribeMarket(ctx, wire.KindDeals, "KASUSDT"))
	first := fx.next(t)
	want := sup.Registry().Channels(MarketScope())
	require.Eventually(t, func() bool { return len(first.subscribed()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, want, first.subscribed())

	require.NoError(t, first.conn.Close(websocket.StatusGoingAway, "maintenance"))

	second := fx.next(t)
	require.Eventually(t, func() bool { return len(second.subscribed()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, want, second.subscribed())
	require.Eventually(t, func() bool { return sup.Connected(MarketScope()) }, 2*time.Second, 5*time.Millisecond)
}

func TestServerPingIsAnsweredWithPong(t *testing.T) {
	fx := newFakeExchangeWS(t)
	sup, _, _ := newTestSupervisor(t, testConfig(fx.wsURL()), nil, nil)
	require.NoError(t, sup.ConnectMarket(context.Background()))
	conn := fx.next(t)

	conn.send(t, `{"method":"PING"}`)
	conn.awaitFrame(t, `{"method":"PONG"}`)
}

func TestKeepalivePingsOnInterval(t *testing.T) {
	fx := newFakeExchangeWS(t)
	cfg := testConfig(fx.wsURL())
	cfg.Keepalive = 20 * time.Millisecond
	sup, _, _ := newTestSupervisor(t, cfg, nil, nil)
	require.NoError(t, sup.ConnectMarket(context.Background()))
	conn := fx.next(t)

	conn.awaitFrame(t, `{"method":"PING"}`)
	conn.awaitFrame(t, `{"method":"PING"}`)
	require.True(t, sup.Connected(MarketScope()))
}

func TestFailedMarketDialIsRetried(t *testing.T) {
	reserved, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := reserved.Addr().String()
	require.NoError(t, reserved.Close())

	sup, _, _ := newTestSupervisor(t, testConfig("ws://"+addr), nil, nil)
	ctx := context.Background()
	require.Error(t, sup.SubscribeMarket(ctx, wire.KindBookTicker, "KASUSDT"))
	require.Error(t, sup.ConnectMarket(ctx))
	require.False(t, sup.Connected(MarketScope()))

	fx := newFakeExchangeWSAt(t, addr)
	conn := fx.next(t)
	require.Eventually(t, func() bool {
		return len(conn.subscribed()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return sup.Connected(MarketScope()) }, 2*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, int32(1), fx.count.Load(), "one reconnect loop at a time")
}

func TestMalformedFramesDoNotCloseSession(t *testing.T) {
	fx := newFakeExchangeWS(t)
	sup, market, _ := newTestSupervisor(t, testConfig(fx.wsURL()), nil, nil)
	require.NoError(t, sup.ConnectMarket(context.Background()))
	conn := fx.next(t)

	conn.send(t, `{"method":`)
	conn.send(t, `{"id":3,"code":400,"msg":"Not Subscribed successfully"}`)

	require.Eventually(t, func() bool { return market.len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, sup.Connected(MarketScope()))
	require.Equal(t, int32(1), fx.count.Load())
}

func TestPrivateSessionLifecycle(t *testing.T) {
	fx := newFakeExchangeWS(t)
	keys := &fakeKeys{}
	sup, _, _ := newTestSupervisor(t, testConfig(fx.wsURL()), keys, nil)
	ctx := context.Background()

	require.NoError(t, sup.ConnectUser(ctx, 7, testCreds))
	conn := fx.next(t)
	require.Equal(t, "lk-1", conn.query.Get("listenKey"))
	require.Eventually(t, func() bool {
		return len(conn.subscribed()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{wire.PrivateAccountChannel, wire.PrivateOrdersChannel}, conn.subscribed())
	require.True(t, sup.Connected(UserScope(7)))

	require.NoError(t, sup.ConnectUser(ctx, 7, testCreds))
	require.Equal(t, 1, keys.createdCount(), "an open session is reused")

	sessions := sup.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, int64(7), sessions[0].UserID)
	require.NotNil(t, sessions[0].RenewedAt)

	require.NoError(t, sup.DisconnectAll(ctx))
	require.NoError(t, sup.DisconnectAll(ctx))
	require.Equal(t, []string{"lk-1"}, keys.deletedKeys())
	require.False(t, sup.Connected(UserScope(7)))
	require.ErrorIs(t, sup.ConnectUser(ctx, 7, testCreds), ErrClosed)
}

func TestAuthFailureIsSurfacedAndNotRetried(t *testing.T) {
	fx := newFakeExchangeWS(t)
	keys := &fakeKeys{createErr: errs.FromExchange("mexc", http.StatusBadRequest, errs.ExchangeCodeIPNotAllowed, "IP not allowed")}
	pub := &capturePublisher{}
	sup, _, _ := newTestSupervisor(t, testConfig(fx.wsURL()), keys, pub)

	err := sup.ConnectUser(context.Background(), 7, testCreds)
	require.Error(t, err)
	require.True(t, errs.IsAuth(err))

	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, keys.createdCount())
	require.Zero(t, fx.count.Load())

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 1)
	require.Equal(t, notify.KindComponentError, pub.events[0].Kind)
	require.Equal(t, string(errs.CategoryAuth), pub.events[0].Category)
}

func TestConcurrentConnectsCollapse(t *testing.T) {
	fx := newFakeExchangeWS(t)
	keys := &fakeKeys{gate: make(chan struct{})}
	sup, _, _ := newTestSupervisor(t, testConfig(fx.wsURL()), keys, nil)
	ctx := context.Background()

	firstDone := make(chan error, 1)
	go func() { firstDone <- sup.ConnectUser(ctx, 7, testCreds) }()
	require.Eventually(t, func() bool {
		sup.mu.Lock()
		defer sup.mu.Unlock()
		return sup.reconnecting[7]
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, sup.ConnectUser(ctx, 7, testCreds))
	close(keys.gate)
	require.NoError(t, <-firstDone)
	require.Equal(t, 1, keys.createdCount())
	require.Equal(t, int32(1), fx.count.Load())
}

func TestIdleSessionIsReplacedWithFreshListenKey(t *testing.T) {
	fx := newFakeExchangeWS(t)
	keys := &fakeKeys{}
	cfg := testConfig(fx.wsURL())
	cfg.PrivateIdleTimeout = 150 * time.Millisecond
	sup, _, _ := newTestSupervisor(t, cfg, keys, nil)

	require.NoError(t, sup.ConnectUser(context.Background(), 7, testCreds))
	first := fx.next(t)
	require.Equal(t, "lk-1", first.query.Get("listenKey"))

	second := fx.next(t)
	require.Equal(t, "lk-2", second.query.Get("listenKey"))
	require.Eventually(t, func() bool {
		deleted := keys.deletedKeys()
		return len(deleted) > 0 && deleted[0] == "lk-1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFailedRenewalReconnectsWithFreshListenKey(t *testing.T) {
	fx := newFakeExchangeWS(t)
	keys := &fakeKeys{renewErr: errors.New("listen key expired")}
	cfg := testConfig(fx.wsURL())
	cfg.ListenKeyRenewal = 50 * time.Millisecond
	sup, _, _ := newTestSupervisor(t, cfg, keys, nil)

	require.NoError(t, sup.ConnectUser(context.Background(), 7, testCreds))
	first := fx.next(t)
	require.Equal(t, "lk-1", first.query.Get("listenKey"))

	second := fx.next(t)
	require.Equal(t, "lk-2", second.query.Get("listenKey"))
	require.Contains(t, keys.renewedKeys(), "lk-1")
	require.Eventually(t, func() bool {
		deleted := keys.deletedKeys()
		return len(deleted) > 0 && deleted[0] == "lk-1"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHealthScanRecyclesStaleSessions(t *testing.T) {
	fx := newFakeExchangeWS(t)
	cfg := testConfig(fx.wsURL())
	cfg.StaleAfter = 20 * time.Millisecond
	sup, _, _ := newTestSupervisor(t, cfg, nil, nil)
	ctx := context.Background()

	require.NoError(t, sup.SubscribeMarket(ctx, wire.KindBookTicker, "KASUSDT"))
	fx.next(t)
	time.Sleep(60 * time.Millisecond)

	require.Equal(t, 1, sup.Scan(ctx))
	replacement := fx.next(t)
	require.Eventually(t, func() bool {
		return len(replacement.subscribed()) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestEmergencyCleanupDropsEverySession(t *testing.T) {
	fx := newFakeExchangeWS(t)
	sup, _, _ := newTestSupervisor(t, testConfig(fx.wsURL()), nil, nil)
	ctx := context.Background()

	require.NoError(t, sup.ConnectMarket(ctx))
	require.NoError(t, sup.ConnectUser(ctx, 7, testCreds))
	fx.next(t)
	fx.next(t)

	require.Equal(t, 2, sup.EmergencyCleanup(ctx))
	fx.next(t)
	fx.next(t)
	require.Eventually(t, func() bool {
		return sup.Connected(MarketScope()) && sup.Connected(UserScope(7))
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDisconnectUserStopsReconnects(t *testing.T) {
	fx := newFakeExchangeWS(t)
	keys := &fakeKeys{}
	sup, _, _ := newTestSupervisor(t, testConfig(fx.wsURL()), keys, nil)
	ctx := context.Background()

	require.NoError(t, sup.ConnectUser(ctx, 7, testCreds))
	fx.next(t)
	sup.DisconnectUser(ctx, 7)

	time.Sleep(100 * time.Millisecond)
	require.False(t, sup.Connected(UserScope(7)))
	require.Equal(t, int32(1), fx.count.Load())
	require.Equal(t, []string{"lk-1"}, keys.deletedKeys())
	require.Zero(t, sup.Registry().Len(UserScope(7)))
}

func TestRegistryAddReturnsOnlyNewChannels(t *testing.T) {
	r := NewRegistry()
	require.Equal(t, []string{"a", "b"}, r.Add(MarketScope(), "a", "b", "a"))
	require.Equal(t, []string{"c"}, r.Add(MarketScope(), "b", "c", ""))
	require.Empty(t, r.Add(MarketScope(), "a"))
	require.Equal(t, []string{"a", "b", "c"}, r.Channels(MarketScope()))
	require.Zero(t, r.Len(UserScope(1)))
}

func TestChunkChannels(t *testing.T) {
	channels := make([]string, 65)
	for i := range channels {
		channels[i] = string(rune('A' + i%26))
	}
	chunks := chunkChannels(channels, 30)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 30)
	require.Len(t, chunks[2], 5)
	require.Nil(t, chunkChannels(nil, 30))
}

func TestCloseReason(t *testing.T) {
	require.Equal(t, "idle", closeReason(ErrIdleTimeout))
	require.Equal(t, "stale", closeReason(ErrStale))
	require.Equal(t, "closed", closeReason(context.Canceled))
	require.Equal(t, "error", closeReason(errors.New("boom")))
}
