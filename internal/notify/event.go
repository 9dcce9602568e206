// Package notify carries structured trading and component events to the
// presentation layer. Rendering is the consumer's concern.
package notify

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradepilot/errs"
	"github.com/coachpo/tradepilot/internal/domain/deal"
)

// Kind classifies an event.
type Kind string

const (
	KindDealOpened      Kind = "deal_opened"
	KindDealFilled      Kind = "deal_filled"
	KindDealCanceled    Kind = "deal_canceled"
	KindPriceWarning    Kind = "price_warning"
	KindComponentError  Kind = "component_error"
	KindAutobuyDisabled Kind = "autobuy_disabled"
)

// Event is the structured payload emitted to sinks. UserID is zero for
// process-wide component errors.
type Event struct {
	ID           string           `json:"id"`
	Kind         Kind             `json:"kind"`
	At           time.Time        `json:"at"`
	UserID       int64            `json:"userId,omitempty"`
	Symbol       string           `json:"symbol,omitempty"`
	OrderID      string           `json:"orderId,omitempty"`
	Quantity     *decimal.Decimal `json:"quantity,omitempty"`
	BuyPrice     *decimal.Decimal `json:"buyPrice,omitempty"`
	SellPrice    *decimal.Decimal `json:"sellPrice,omitempty"`
	CurrentPrice *decimal.Decimal `json:"currentPrice,omitempty"`
	Profit       *decimal.Decimal `json:"profit,omitempty"`
	Component    string           `json:"component,omitempty"`
	Category     string           `json:"category,omitempty"`
	Message      string           `json:"message,omitempty"`
	Remediation  string           `json:"remediation,omitempty"`
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

func dealEvent(kind Kind, d deal.Deal) Event {
	ev := Event{
		Kind:     kind,
		UserID:   d.UserID,
		Symbol:   d.Symbol,
		OrderID:  d.OrderID,
		Quantity: ptr(d.Quantity),
		BuyPrice: ptr(d.BuyPrice),
	}
	if d.SellPrice.Valid {
		ev.SellPrice = ptr(d.SellPrice.Decimal)
	}
	return ev
}

// DealOpened reports a new buy/sell pair.
func DealOpened(d deal.Deal) Event { return dealEvent(KindDealOpened, d) }

// DealFilled reports a completed sell with its profit.
func DealFilled(d deal.Deal) Event {
	ev := dealEvent(KindDealFilled, d)
	ev.Profit = ptr(d.Profit())
	return ev
}

// DealCanceled reports a sell order that left the book unfilled.
func DealCanceled(d deal.Deal) Event { return dealEvent(KindDealCanceled, d) }

// PriceWarning reports the market falling further below an open deal.
func PriceWarning(d deal.Deal, current decimal.Decimal) Event {
	ev := dealEvent(KindPriceWarning, d)
	ev.CurrentPrice = ptr(current)
	return ev
}

// ComponentError reports a failure in a named component. Exchange errors
// contribute their category and remediation.
func ComponentError(userID int64, component string, err error) Event {
	ev := Event{Kind: KindComponentError, UserID: userID, Component: component}
	if err != nil {
		ev.Message = err.Error()
	}
	if e, ok := errs.As(err); ok {
		ev.Category = string(e.Category)
		ev.Remediation = e.Remediation
		if e.RawMsg != "" {
			ev.Message = e.RawMsg
		}
	}
	return ev
}

// AutobuyDisabled reports that a user's trading loop switched itself off.
func AutobuyDisabled(userID int64, symbol, reason string) Event {
	return Event{Kind: KindAutobuyDisabled, UserID: userID, Symbol: symbol, Message: reason}
}
