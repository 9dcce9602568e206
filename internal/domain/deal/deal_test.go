package deal

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestStatusFromCode(t *testing.T) {
	cases := map[int32]Status{
		1:  StatusNew,
		2:  StatusFilled,
		3:  StatusPartiallyFilled,
		4:  StatusCanceled,
		5:  StatusRejected,
		0:  StatusUnknown,
		99: StatusUnknown,
	}
	for code, want := range cases {
		require.Equal(t, want, StatusFromCode(code), "code %d", code)
	}
}

func TestParseStatus(t *testing.T) {
	require.Equal(t, StatusCanceled, ParseStatus("partially_canceled"))
	require.Equal(t, StatusPartiallyFilled, ParseStatus(" PARTIALLY_FILLED "))
	require.Equal(t, StatusUnknown, ParseStatus("EXPIRED"))
}

func TestTerminalStatusesNeverTransition(t *testing.T) {
	for _, from := range TerminalStatuses() {
		require.True(t, from.Terminal())
		for _, to := range []Status{StatusNew, StatusPartiallyFilled, StatusFilled, StatusCanceled} {
			require.False(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}

func TestActiveTransitions(t *testing.T) {
	require.True(t, StatusNew.CanTransition(StatusPartiallyFilled))
	require.True(t, StatusPartiallyFilled.CanTransition(StatusFilled))
	require.False(t, StatusNew.CanTransition(StatusNew))
	require.False(t, StatusNew.CanTransition(StatusUnknown))
}

func TestProfit(t *testing.T) {
	d := Deal{
		BuyPrice:  decimal.RequireFromString("50"),
		SellPrice: decimal.NewNullDecimal(decimal.RequireFromString("52.5")),
		Quantity:  decimal.RequireFromString("2"),
	}
	require.True(t, d.Profit().Equal(decimal.RequireFromString("5")))
	require.True(t, d.BuyCost().Equal(decimal.RequireFromString("100")))

	d.SellPrice = decimal.NullDecimal{}
	require.True(t, d.Profit().IsZero())
}
