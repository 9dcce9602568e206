package wire

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wrapper field numbers.
const (
	fieldChannel  protowire.Number = 1
	fieldSymbol   protowire.Number = 3
	fieldSendTime protowire.Number = 6

	fieldPublicDeals           protowire.Number = 301
	fieldPrivateOrders         protowire.Number = 304
	fieldPublicBookTicker      protowire.Number = 305
	fieldPrivateAccount        protowire.Number = 307
	fieldPublicBookTickerBatch protowire.Number = 311
	fieldPublicAggreDeals      protowire.Number = 314
	fieldPublicAggreBookTicker protowire.Number = 315
)

// Decode turns one frame into a Message. Unknown fields are skipped and
// missing fields default to zero values.
func Decode(frame FrameType, data []byte) (Message, error) {
	if frame == FrameText {
		data = bytes.TrimSpace(data)
	}
	if len(data) == 0 {
		return Message{}, nil
	}
	if frame == FrameText || data[0] == '{' {
		ctrl, err := decodeControl(data)
		if err != nil {
			return Message{}, err
		}
		ctrl.Frame = frame
		return Message{Payload: ctrl}, nil
	}
	return decodeWrapper(data)
}

type controlFrame struct {
	Method string          `json:"method"`
	ID     int64           `json:"id"`
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Ping   json.RawMessage `json:"ping"`
}

func decodeControl(data []byte) (Control, error) {
	switch strings.ToLower(string(data)) {
	case "ping":
		return Control{Kind: ControlPing}, nil
	case "pong":
		return Control{Kind: ControlPong}, nil
	}

	var frame controlFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Control{}, fmt.Errorf("%w: control frame: %v", ErrMalformed, err)
	}
	ctrl := Control{ID: frame.ID, Code: frame.Code, Msg: frame.Msg}
	method := strings.ToUpper(frame.Method)
	switch {
	case method == "PING" || len(frame.Ping) > 0:
		ctrl.Kind = ControlPing
	case method == "PONG" || strings.EqualFold(frame.Msg, "PONG"):
		ctrl.Kind = ControlPong
	case frame.Code != 0:
		ctrl.Kind = ControlError
	case frame.Msg != "":
		ctrl.Kind = ControlAck
	default:
		ctrl.Kind = ControlUnrecognized
	}
	return ctrl, nil
}

func decodeWrapper(data []byte) (Message, error) {
	var msg Message
	err := walk(data, func(f field) error {
		switch f.num {
		case fieldChannel:
			msg.Channel = string(f.raw)
		case fieldSymbol:
			msg.Symbol = string(f.raw)
		case fieldSendTime:
			msg.SendTime = millis(f.varint)
		case fieldPublicBookTicker, fieldPublicAggreBookTicker:
			bt, err := decodeBookTicker(f.raw)
			if err != nil {
				return err
			}
			msg.Payload = bt
		case fieldPublicBookTickerBatch:
			bt, err := decodeBookTickerBatch(f.raw)
			if err != nil {
				return err
			}
			if bt != nil {
				msg.Payload = *bt
			}
		case fieldPublicDeals, fieldPublicAggreDeals:
			deals, err := decodeDeals(f.raw)
			if err != nil {
				return err
			}
			msg.Payload = deals
		case fieldPrivateOrders:
			order, err := decodePrivateOrder(f.raw)
			if err != nil {
				return err
			}
			msg.Payload = order
		case fieldPrivateAccount:
			acct, err := decodePrivateAccount(f.raw)
			if err != nil {
				return err
			}
			msg.Payload = acct
		default:
			if f.num > 300 && msg.Payload == nil {
				msg.Payload = Control{Kind: ControlUnrecognized, Frame: FrameBinary}
			}
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	if msg.Symbol == "" && msg.Channel != "" {
		msg.Symbol = SymbolFromChannel(msg.Channel)
	}
	return msg, nil
}

func decodeBookTicker(b []byte) (BookTicker, error) {
	var bt BookTicker
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			bt.BidPrice, err = parseDecimal(f)
		case 2:
			bt.BidQty, err = parseDecimal(f)
		case 3:
			bt.AskPrice, err = parseDecimal(f)
		case 4:
			bt.AskQty, err = parseDecimal(f)
		}
		return err
	})
	return bt, err
}

// decodeBookTickerBatch keeps the last item of the batch; earlier items are
// superseded by it.
func decodeBookTickerBatch(b []byte) (*BookTicker, error) {
	var last *BookTicker
	err := walk(b, func(f field) error {
		if f.num != 1 {
			return nil
		}
		bt, err := decodeBookTicker(f.raw)
		if err != nil {
			return err
		}
		last = &bt
		return nil
	})
	return last, err
}

func decodeDeals(b []byte) (Deals, error) {
	var deals Deals
	err := walk(b, func(f field) error {
		switch f.num {
		case 1:
			trade, err := decodeTrade(f.raw)
			if err != nil {
				return err
			}
			deals.Trades = append(deals.Trades, trade)
		case 2:
			deals.EventType = string(f.raw)
		}
		return nil
	})
	return deals, err
}

func decodeTrade(b []byte) (Trade, error) {
	var t Trade
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			t.Price, err = parseDecimal(f)
		case 2:
			t.Quantity, err = parseDecimal(f)
		case 3:
			t.TradeType = int32(f.varint)
		case 4:
			t.Time = millis(f.varint)
		}
		return err
	})
	return t, err
}

func decodePrivateOrder(b []byte) (PrivateOrder, error) {
	var o PrivateOrder
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			o.ID = string(f.raw)
		case 2:
			o.ClientID = string(f.raw)
		case 3:
			o.Price, err = parseDecimal(f)
		case 4:
			o.Quantity, err = parseDecimal(f)
		case 5:
			o.Amount, err = parseDecimal(f)
		case 6:
			o.AvgPrice, err = parseDecimal(f)
		case 7:
			o.OrderType = int32(f.varint)
		case 8:
			o.TradeType = int32(f.varint)
		case 9:
			o.IsMaker = f.varint != 0
		case 10:
			o.RemainAmount, err = parseDecimal(f)
		case 11:
			o.RemainQuantity, err = parseDecimal(f)
		case 12:
			o.LastDealQty, err = parseDecimal(f)
		case 13:
			o.CumQuantity, err = parseDecimal(f)
		case 14:
			o.CumAmount, err = parseDecimal(f)
		case 15:
			o.StatusCode = int32(f.varint)
		case 16:
			o.CreateTime = millis(f.varint)
		}
		return err
	})
	return o, err
}

func decodePrivateAccount(b []byte) (PrivateAccount, error) {
	var a PrivateAccount
	err := walk(b, func(f field) error {
		var err error
		switch f.num {
		case 1:
			a.Asset = string(f.raw)
		case 3:
			a.Free, err = parseDecimal(f)
		case 4:
			a.FreeChange, err = parseDecimal(f)
		case 5:
			a.Locked, err = parseDecimal(f)
		case 6:
			a.LockedChange, err = parseDecimal(f)
		case 7:
			a.ChangeType = string(f.raw)
		case 8:
			a.Time = millis(f.varint)
		}
		return err
	})
	return a, err
}

type field struct {
	num    protowire.Number
	typ    protowire.Type
	raw    []byte
	varint uint64
}

// walk visits every top-level field of b. Fields of types other than varint
// and length-delimited are skipped.
func walk(b []byte, visit func(field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: tag: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := field{num: num, typ: typ}
		switch typ {
		case protowire.BytesType:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.raw = raw
			n = m
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			f.varint = v
			n = m
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		b = b[n:]
		if err := visit(f); err != nil {
			return err
		}
	}
	return nil
}

func parseDecimal(f field) (decimal.Decimal, error) {
	s := strings.TrimSpace(string(f.raw))
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: field %d: %v", ErrMalformed, f.num, err)
	}
	return d, nil
}

func millis(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(v))
}
