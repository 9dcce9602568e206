package wire

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestChannelNames(t *testing.T) {
	ch, err := Channel(KindBookTicker, "kas/usdt")
	require.NoError(t, err)
	require.Equal(t, "spot@public.aggre.bookTicker.v3.api.pb@100ms@KASUSDT", ch)
	require.Equal(t, KindBookTicker, KindOf(ch))
	require.Equal(t, "KASUSDT", SymbolFromChannel(ch))

	ch, err = Channel(KindDeals, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, KindDeals, KindOf(ch))

	ch, err = Channel(KindPrivateOrders, "ignored")
	require.NoError(t, err)
	require.Equal(t, PrivateOrdersChannel, ch)
	require.Empty(t, SymbolFromChannel(ch))

	_, err = Channel(KindDeals, "")
	require.Error(t, err)
	_, err = Channel("depth", "BTCUSDT")
	require.Error(t, err)
}

func TestSubscriptionRequest(t *testing.T) {
	data, err := SubscriptionRequest(7, []string{"a", "b"})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "SUBSCRIPTION", decoded["method"])
	require.Equal(t, float64(7), decoded["id"])
	require.Equal(t, []any{"a", "b"}, decoded["params"])
}
