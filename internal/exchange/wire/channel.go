package wire

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// ChannelKind identifies a subscribable stream family.
type ChannelKind string

const (
	KindBookTicker     ChannelKind = "bookTicker"
	KindDeals          ChannelKind = "deals"
	KindPrivateOrders  ChannelKind = "privateOrders"
	KindPrivateAccount ChannelKind = "privateAccount"
)

const (
	bookTickerTemplate = "spot@public.aggre.bookTicker.v3.api.pb@100ms@%s"
	dealsTemplate      = "spot@public.aggre.deals.v3.api.pb@100ms@%s"

	// PrivateOrdersChannel streams the user's order updates.
	PrivateOrdersChannel = "spot@private.orders.v3.api.pb"
	// PrivateAccountChannel streams the user's balance changes.
	PrivateAccountChannel = "spot@private.account.v3.api.pb"
)

// Channel renders the channel name for kind and symbol. Private kinds ignore
// the symbol.
func Channel(kind ChannelKind, symbol string) (string, error) {
	symbol = NormalizeSymbol(symbol)
	switch kind {
	case KindBookTicker:
		if symbol == "" {
			return "", fmt.Errorf("wire: %s channel requires a symbol", kind)
		}
		return fmt.Sprintf(bookTickerTemplate, symbol), nil
	case KindDeals:
		if symbol == "" {
			return "", fmt.Errorf("wire: %s channel requires a symbol", kind)
		}
		return fmt.Sprintf(dealsTemplate, symbol), nil
	case KindPrivateOrders:
		return PrivateOrdersChannel, nil
	case KindPrivateAccount:
		return PrivateAccountChannel, nil
	default:
		return "", fmt.Errorf("wire: unknown channel kind %q", kind)
	}
}

// KindOf classifies a channel name.
func KindOf(channel string) ChannelKind {
	switch {
	case strings.Contains(channel, ".bookTicker"):
		return KindBookTicker
	case strings.Contains(channel, ".deals"):
		return KindDeals
	case strings.HasPrefix(channel, "spot@private.orders"):
		return KindPrivateOrders
	case strings.HasPrefix(channel, "spot@private.account"):
		return KindPrivateAccount
	default:
		return ""
	}
}

// SymbolFromChannel returns the trailing @-separated segment of a public channel.
func SymbolFromChannel(channel string) string {
	if strings.HasPrefix(channel, "spot@private.") {
		return ""
	}
	idx := strings.LastIndexByte(channel, '@')
	if idx < 0 || idx == len(channel)-1 {
		return ""
	}
	return channel[idx+1:]
}

// NormalizeSymbol upper-cases and strips separators, so "kas/usdt" becomes "KASUSDT".
func NormalizeSymbol(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(symbol)
}

type controlRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     uint64   `json:"id,omitempty"`
}

// SubscriptionRequest encodes a SUBSCRIPTION control message.
func SubscriptionRequest(id uint64, channels []string) ([]byte, error) {
	return json.Marshal(controlRequest{Method: "SUBSCRIPTION", Params: channels, ID: id})
}

// PingRequest encodes a client-initiated ping.
func PingRequest() []byte {
	return []byte(`{"method":"PING"}`)
}

// PongReply encodes the reply to a server ping.
func PongReply() []byte {
	return []byte(`{"method":"PONG"}`)
}
