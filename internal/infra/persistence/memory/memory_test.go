package memory

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradepilot/internal/domain/account"
	"github.com/coachpo/tradepilot/internal/domain/deal"
)

func TestDealStoreAssignsSequencePerUser(t *testing.T) {
	ctx := context.Background()
	store := NewDealStore()

	a, err := store.Create(ctx, deal.Deal{OrderID: "a", UserID: 1, Quantity: decimal.NewFromInt(1)})
	require.NoError(t, err)
	b, err := store.Create(ctx, deal.Deal{OrderID: "b", UserID: 1})
	require.NoError(t, err)
	c, err := store.Create(ctx, deal.Deal{OrderID: "c", UserID: 2})
	require.NoError(t, err)

	require.Equal(t, int64(1), a.Seq)
	require.Equal(t, int64(2), b.Seq)
	require.Equal(t, int64(1), c.Seq)
	require.Equal(t, deal.StatusNew, a.Status)

	_, err = store.Create(ctx, deal.Deal{OrderID: "a", UserID: 1})
	require.Error(t, err)
}

func TestDealStoreTerminalGuard(t *testing.T) {
	ctx := context.Background()
	store := NewDealStore()
	_, err := store.Create(ctx, deal.Deal{OrderID: "a", UserID: 1})
	require.NoError(t, err)

	d, err := store.UpdateStatus(ctx, deal.ByID("a"), deal.StatusFilled)
	require.NoError(t, err)
	require.Equal(t, deal.StatusFilled, d.Status)

	d, err = store.UpdateStatus(ctx, deal.ByID("a"), deal.StatusNew)
	require.ErrorIs(t, err, deal.ErrTerminal)
	require.Equal(t, deal.StatusFilled, d.Status)

	active, err := store.ListActive(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestDealStoreUserScope(t *testing.T) {
	ctx := context.Background()
	store := NewDealStore()
	_, err := store.Create(ctx, deal.Deal{OrderID: "a", UserID: 1})
	require.NoError(t, err)

	_, err = store.Get(ctx, deal.ByUser("a", 2))
	require.ErrorIs(t, err, deal.ErrNotFound)
	_, err = store.Get(ctx, deal.ByUser("a", 1))
	require.NoError(t, err)
}

func TestAccountStore(t *testing.T) {
	ctx := context.Background()
	store := NewAccountStore(
		account.Settings{UserID: 2, Credentials: account.Credentials{APIKey: "k", APISecret: "s"}},
		account.Settings{UserID: 1},
	)

	users, err := store.ListWithCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, int64(2), users[0].UserID)

	require.NoError(t, store.SetAutobuy(ctx, 2, true))
	got, err := store.Get(ctx, 2)
	require.NoError(t, err)
	require.True(t, got.AutobuyEnabled)

	require.ErrorIs(t, store.SetAutobuy(ctx, 9, true), account.ErrNotFound)
}
