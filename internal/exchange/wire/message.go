// Package wire decodes exchange WebSocket frames into canonical messages and
// encodes the JSON control requests sent back to the exchange.
package wire

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// FrameType mirrors the WebSocket data frame kind a payload arrived on.
type FrameType int

const (
	FrameText FrameType = iota + 1
	FrameBinary
)

// ErrMalformed marks frames that could not be decoded. It is distinct from a
// valid frame that carries no payload.
var ErrMalformed = errors.New("wire: malformed frame")

// Message is a decoded push frame.
type Message struct {
	Channel  string
	Symbol   string
	SendTime time.Time
	Payload  Payload
}

// Empty reports a well-formed frame without any recognised body.
func (m Message) Empty() bool { return m.Payload == nil }

// Payload is implemented by every decoded message body.
type Payload interface {
	payload()
}

// BookTicker is the best bid/ask for a symbol.
type BookTicker struct {
	BidPrice decimal.Decimal
	BidQty   decimal.Decimal
	AskPrice decimal.Decimal
	AskQty   decimal.Decimal
}

// Mid returns the arithmetic mean of bid and ask.
func (b BookTicker) Mid() decimal.Decimal {
	return b.BidPrice.Add(b.AskPrice).Div(decimal.NewFromInt(2))
}

// Trade is a single public trade.
type Trade struct {
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	TradeType int32
	Time      time.Time
}

// Deals is a batch of public trades.
type Deals struct {
	Trades    []Trade
	EventType string
}

// PrivateOrder is an order update pushed on the private stream.
type PrivateOrder struct {
	ID             string
	ClientID       string
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	Amount         decimal.Decimal
	AvgPrice       decimal.Decimal
	OrderType      int32
	TradeType      int32
	IsMaker        bool
	RemainAmount   decimal.Decimal
	RemainQuantity decimal.Decimal
	LastDealQty    decimal.Decimal
	CumQuantity    decimal.Decimal
	CumAmount      decimal.Decimal
	StatusCode     int32
	CreateTime     time.Time
}

// PrivateAccount is a balance change pushed on the private stream.
type PrivateAccount struct {
	Asset        string
	Free         decimal.Decimal
	FreeChange   decimal.Decimal
	Locked       decimal.Decimal
	LockedChange decimal.Decimal
	ChangeType   string
	Time         time.Time
}

// ControlKind classifies JSON control frames and unhandled push bodies.
type ControlKind int

const (
	ControlUnrecognized ControlKind = iota
	ControlPing
	ControlPong
	ControlAck
	ControlError
)

func (k ControlKind) String() string {
	switch k {
	case ControlPing:
		return "ping"
	case ControlPong:
		return "pong"
	case ControlAck:
		return "ack"
	case ControlError:
		return "error"
	default:
		return "unrecognized"
	}
}

// Control is a non-data frame. Frame records the frame type it arrived on so a
// ping can be answered in kind.
type Control struct {
	Kind  ControlKind
	Frame FrameType
	ID    int64
	Code  int
	Msg   string
}

func (BookTicker) payload()     {}
func (Deals) payload()          {}
func (PrivateOrder) payload()   {}
func (PrivateAccount) payload() {}
func (Control) payload()        {}
