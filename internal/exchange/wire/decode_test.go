package wire

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func wrapper(channel, symbol string, sendTime uint64, num protowire.Number, body []byte) []byte {
	var b []byte
	b = appendString(b, fieldChannel, channel)
	if symbol != "" {
		b = appendString(b, fieldSymbol, symbol)
	}
	b = appendVarint(b, fieldSendTime, sendTime)
	return appendMessage(b, num, body)
}

func bookTickerBody(bid, bidQty, ask, askQty string) []byte {
	var b []byte
	b = appendString(b, 1, bid)
	b = appendString(b, 2, bidQty)
	b = appendString(b, 3, ask)
	return appendString(b, 4, askQty)
}

func TestDecodeBookTicker(t *testing.T) {
	frame := wrapper("spot@public.aggre.bookTicker.v3.api.pb@100ms@KASUSDT", "KASUSDT", 1700000000123,
		fieldPublicAggreBookTicker, bookTickerBody("0.101", "50", "0.103", "75"))

	msg, err := Decode(FrameBinary, frame)
	require.NoError(t, err)
	require.Equal(t, "KASUSDT", msg.Symbol)
	require.Equal(t, int64(1700000000123), msg.SendTime.UnixMilli())

	bt, ok := msg.Payload.(BookTicker)
	require.True(t, ok)
	require.True(t, bt.BidPrice.Equal(decimal.RequireFromString("0.101")))
	require.True(t, bt.AskQty.Equal(decimal.NewFromInt(75)))
	require.True(t, bt.Mid().Equal(decimal.RequireFromString("0.102")))
}

func TestDecodeSymbolFallsBackToChannel(t *testing.T) {
	frame := wrapper("spot@public.aggre.bookTicker.v3.api.pb@100ms@BTCUSDT", "", 1,
		fieldPublicBookTicker, bookTickerBody("1", "1", "2", "1"))
	msg, err := Decode(FrameBinary, frame)
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", msg.Symbol)
}

func TestDecodeDeals(t *testing.T) {
	var trade1, trade2 []byte
	trade1 = appendString(trade1, 1, "0.105")
	trade1 = appendString(trade1, 2, "10")
	trade1 = appendVarint(trade1, 3, 1)
	trade1 = appendVarint(trade1, 4, 1700000000000)
	trade2 = appendString(trade2, 1, "0.106")

	var body []byte
	body = appendMessage(body, 1, trade1)
	body = appendMessage(body, 1, trade2)
	body = appendString(body, 2, "spot@public.aggre.deals.v3.api.pb@100ms")

	msg, err := Decode(FrameBinary, wrapper("spot@public.aggre.deals.v3.api.pb@100ms@KASUSDT", "KASUSDT", 1, fieldPublicAggreDeals, body))
	require.NoError(t, err)

	deals, ok := msg.Payload.(Deals)
	require.True(t, ok)
	require.Len(t, deals.Trades, 2)
	require.True(t, deals.Trades[0].Price.Equal(decimal.RequireFromString("0.105")))
	require.Equal(t, int32(1), deals.Trades[0].TradeType)
	require.True(t, deals.Trades[1].Quantity.IsZero(), "missing fields default to zero")
}

func TestDecodePrivateOrder(t *testing.T) {
	var body []byte
	body = appendString(body, 1, "C02__123")
	body = appendString(body, 3, "52.5")
	body = appendString(body, 4, "2")
	body = appendString(body, 6, "52.5")
	body = appendVarint(body, 7, 1)
	body = appendVarint(body, 8, 2)
	body = appendVarint(body, 9, 1)
	body = appendString(body, 11, "0")
	body = appendVarint(body, 15, 2)
	body = appendVarint(body, 16, 1700000000000)
	body = appendVarint(body, 99, 7) // unknown field

	msg, err := Decode(FrameBinary, wrapper(PrivateOrdersChannel, "KASUSDT", 1, fieldPrivateOrders, body))
	require.NoError(t, err)

	order, ok := msg.Payload.(PrivateOrder)
	require.True(t, ok)
	require.Equal(t, "C02__123", order.ID)
	require.Equal(t, int32(2), order.StatusCode)
	require.True(t, order.IsMaker)
	require.True(t, order.Price.Equal(decimal.RequireFromString("52.5")))
	require.Equal(t, int64(1700000000000), order.CreateTime.UnixMilli())
}

func TestDecodePrivateAccount(t *testing.T) {
	var body []byte
	body = appendString(body, 1, "USDT")
	body = appendString(body, 3, "120.5")
	body = appendString(body, 5, "10")
	body = appendString(body, 7, "ENTRUST")

	msg, err := Decode(FrameBinary, wrapper(PrivateAccountChannel, "", 1, fieldPrivateAccount, body))
	require.NoError(t, err)
	require.Empty(t, msg.Symbol)

	acct, ok := msg.Payload.(PrivateAccount)
	require.True(t, ok)
	require.Equal(t, "USDT", acct.Asset)
	require.True(t, acct.Free.Equal(decimal.RequireFromString("120.5")))
	require.True(t, acct.Locked.Equal(decimal.NewFromInt(10)))
	require.Equal(t, "ENTRUST", acct.ChangeType)
}

func TestDecodeUnknownPayloadIsUnrecognized(t *testing.T) {
	msg, err := Decode(FrameBinary, wrapper("spot@public.limit.depth.v3.api.pb@KASUSDT", "KASUSDT", 1, 313, []byte{}))
	require.NoError(t, err)
	ctrl, ok := msg.Payload.(Control)
	require.True(t, ok)
	require.Equal(t, ControlUnrecognized, ctrl.Kind)
}

func TestDecodeEmptyIsNotAnError(t *testing.T) {
	msg, err := Decode(FrameBinary, nil)
	require.NoError(t, err)
	require.True(t, msg.Empty())

	msg, err = Decode(FrameText, []byte("  "))
	require.NoError(t, err)
	require.True(t, msg.Empty())
}

func TestDecodeTruncatedFrameIsMalformed(t *testing.T) {
	frame := wrapper("spot@public.aggre.bookTicker.v3.api.pb@100ms@KASUSDT", "KASUSDT", 1,
		fieldPublicAggreBookTicker, bookTickerBody("1", "1", "2", "1"))
	_, err := Decode(FrameBinary, frame[:len(frame)-3])
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMalformed))
}

func TestDecodeBadDecimalIsMalformed(t *testing.T) {
	frame := wrapper("c", "KASUSDT", 1, fieldPublicBookTicker, bookTickerBody("abc", "1", "2", "1"))
	_, err := Decode(FrameBinary, frame)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeControlFrames(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want ControlKind
	}{
		{"server ping method", `{"method":"PING"}`, ControlPing},
		{"server ping field", `{"ping":1700000000}`, ControlPing},
		{"plain ping", `ping`, ControlPing},
		{"pong reply", `{"id":0,"code":0,"msg":"PONG"}`, ControlPong},
		{"subscription ack", `{"id":1,"code":0,"msg":"spot@public.aggre.deals.v3.api.pb@100ms@KASUSDT"}`, ControlAck},
		{"subscription error", `{"id":2,"code":400,"msg":"Not Subscribed successfully! [spot@x]"}`, ControlError},
		{"empty object", `{}`, ControlUnrecognized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode(FrameText, []byte(tc.in))
			require.NoError(t, err)
			ctrl, ok := msg.Payload.(Control)
			require.True(t, ok)
			require.Equal(t, tc.want, ctrl.Kind)
			require.Equal(t, FrameText, ctrl.Frame)
		})
	}
}

func TestDecodeJSONOnBinaryFrameKeepsFrameType(t *testing.T) {
	msg, err := Decode(FrameBinary, []byte(`{"method":"PING"}`))
	require.NoError(t, err)
	ctrl := msg.Payload.(Control)
	require.Equal(t, ControlPing, ctrl.Kind)
	require.Equal(t, FrameBinary, ctrl.Frame)
}

func TestDecodeInvalidJSONIsMalformed(t *testing.T) {
	_, err := Decode(FrameText, []byte(`{"method":`))
	require.ErrorIs(t, err, ErrMalformed)
}
