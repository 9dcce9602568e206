package trading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradepilot/internal/domain/account"
	"github.com/coachpo/tradepilot/internal/domain/deal"
	"github.com/coachpo/tradepilot/internal/exchange/rest"
	"github.com/coachpo/tradepilot/internal/exchange/wire"
	"github.com/coachpo/tradepilot/internal/infra/persistence/memory"
	"github.com/coachpo/tradepilot/internal/market"
)

type subscriptionLog struct {
	mu    sync.Mutex
	calls []string
}

func (s *subscriptionLog) SubscribeMarket(_ context.Context, kind wire.ChannelKind, symbols ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sym := range symbols {
		s.calls = append(s.calls, string(kind)+"@"+sym)
	}
	return nil
}

func (s *subscriptionLog) list() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type managerHarness struct {
	accounts *memory.AccountStore
	deals    *memory.DealStore
	exchange *fakeExchange
	subs     *subscriptionLog
	hub      *market.Hub
	manager  *Manager
}

func newManagerHarness(t *testing.T, settings ...account.Settings) *managerHarness {
	t.Helper()
	h := &managerHarness{
		accounts: memory.NewAccountStore(settings...),
		deals:    memory.NewDealStore(),
		exchange: newFakeExchange(decimal.NewFromInt(50)),
		subs:     &subscriptionLog{},
		hub:      market.NewHub(nil),
	}
	// A canceled fill keeps loops idle without placing sells.
	h.exchange.fill = rest.Order{Status: "CANCELED"}
	h.manager = NewManager(Deps{
		Accounts:  h.accounts,
		Deals:     h.deals,
		Publisher: &eventLog{},
	}, fastConfig(), func(account.Credentials) Exchange { return h.exchange }, h.subs, h.hub)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.manager.StopAll(ctx)
	})
	return h
}

func TestManagerStartStop(t *testing.T) {
	settings := testSettings(time.Hour)
	settings.Symbol = "kasusdt"
	settings.AutobuyEnabled = false
	h := newManagerHarness(t, settings)
	ctx := context.Background()

	require.NoError(t, h.manager.Start(ctx, testUser))
	require.NoError(t, h.manager.Start(ctx, testUser), "second start is a no-op")
	require.True(t, h.manager.Running(testUser))
	require.Len(t, h.manager.Engines(), 1)
	require.Equal(t, 1, h.hub.Count(market.FamilyPrice, "KASUSDT"))
	require.Contains(t, h.subs.list(), "bookTicker@KASUSDT")
	require.Contains(t, h.subs.list(), "deals@KASUSDT")

	stored, err := h.accounts.Get(ctx, testUser)
	require.NoError(t, err)
	require.True(t, stored.AutobuyEnabled, "start enables autobuy")

	require.NoError(t, h.manager.Stop(ctx, testUser))
	require.False(t, h.manager.Running(testUser))
	require.Zero(t, h.hub.Count(market.FamilyPrice, "KASUSDT"))

	stored, err = h.accounts.Get(ctx, testUser)
	require.NoError(t, err)
	require.False(t, stored.AutobuyEnabled)
}

func TestManagerRejectsUnconfiguredUser(t *testing.T) {
	settings := testSettings(time.Hour)
	settings.Credentials = account.Credentials{}
	h := newManagerHarness(t, settings)

	err := h.manager.Start(context.Background(), testUser)
	require.ErrorIs(t, err, ErrNotTradeable)
	require.False(t, h.manager.Running(testUser))
}

func TestManagerStopAllKeepsFlags(t *testing.T) {
	first := testSettings(time.Hour)
	second := testSettings(time.Hour)
	second.UserID = 8
	third := testSettings(time.Hour)
	third.UserID = 9
	third.AutobuyEnabled = false
	h := newManagerHarness(t, first, second, third)
	ctx := context.Background()

	require.NoError(t, h.manager.Restore(ctx, []account.Settings{first, second, third}))
	require.True(t, h.manager.Running(7))
	require.True(t, h.manager.Running(8))
	require.False(t, h.manager.Running(9))

	engines := h.manager.Engines()
	require.Len(t, engines, 2)
	require.Equal(t, int64(7), engines[0].UserID)

	require.NoError(t, h.manager.StopAll(ctx))
	require.False(t, h.manager.Running(7))
	stored, err := h.accounts.Get(ctx, 7)
	require.NoError(t, err)
	require.True(t, stored.AutobuyEnabled)

	require.ErrorIs(t, h.manager.Start(ctx, 7), ErrManagerClosed)
}

func TestManagerDeliverRoutesByUser(t *testing.T) {
	h := newManagerHarness(t, testSettings(time.Hour))
	ctx := context.Background()
	require.NoError(t, h.manager.Start(ctx, testUser))

	h.manager.Deliver(ctx, deal.Deal{OrderID: "S1", UserID: 99})
	h.manager.Deliver(ctx, deal.Deal{OrderID: "S1", UserID: testUser, Status: deal.StatusFilled})

	h.manager.mu.Lock()
	engine := h.manager.engines[testUser].engine
	h.manager.mu.Unlock()
	require.Eventually(t, func() bool { return len(engine.updates) == 0 }, time.Second, 5*time.Millisecond)
}
