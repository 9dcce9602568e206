package rest

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradepilot/errs"
	"github.com/coachpo/tradepilot/internal/domain/deal"
)

const (
	pathTickerPrice  = "/api/v3/ticker/price"
	pathServerTime   = "/api/v3/time"
	pathExchangeInfo = "/api/v3/exchangeInfo"
	pathOpenOrders   = "/api/v3/openOrders"
	pathOrder        = "/api/v3/order"
	pathAccount      = "/api/v3/account"
	pathListenKey    = "/api/v3/userDataStream"
)

// Side is an order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType is an order type.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// Order is the exchange's view of an order.
type Order struct {
	Symbol              string
	OrderID             string
	ClientOrderID       string
	Price               decimal.Decimal
	OrigQty             decimal.Decimal
	ExecutedQty         decimal.Decimal
	CummulativeQuoteQty decimal.Decimal
	Status              string
	Type                string
	Side                string
	Time                time.Time
	UpdateTime          time.Time
}

// orderPayload is the wire shape. Numeric fields arrive as strings that may be
// empty, which decimal.Decimal refuses to unmarshal.
type orderPayload struct {
	Symbol              string `json:"symbol"`
	OrderID             string `json:"orderId"`
	ClientOrderID       string `json:"clientOrderId"`
	Price               string `json:"price"`
	OrigQty             string `json:"origQty"`
	ExecutedQty         string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status              string `json:"status"`
	Type                string `json:"type"`
	Side                string `json:"side"`
	Time                int64  `json:"time"`
	TransactTime        int64  `json:"transactTime"`
	UpdateTime          int64  `json:"updateTime"`
}

func (p orderPayload) order() Order {
	created := p.Time
	if created == 0 {
		created = p.TransactTime
	}
	return Order{
		Symbol:              p.Symbol,
		OrderID:             p.OrderID,
		ClientOrderID:       p.ClientOrderID,
		Price:               parseDecimal(p.Price),
		OrigQty:             parseDecimal(p.OrigQty),
		ExecutedQty:         parseDecimal(p.ExecutedQty),
		CummulativeQuoteQty: parseDecimal(p.CummulativeQuoteQty),
		Status:              p.Status,
		Type:                p.Type,
		Side:                p.Side,
		Time:                millis(created),
		UpdateTime:          millis(p.UpdateTime),
	}
}

func parseDecimal(value string) decimal.Decimal {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func millis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// CanonicalStatus maps the REST status string onto a deal status.
func (o Order) CanonicalStatus() deal.Status {
	return deal.ParseStatus(o.Status)
}

// AveragePrice returns cumulative quote / executed quantity, or zero when
// nothing has executed.
func (o Order) AveragePrice() decimal.Decimal {
	if o.ExecutedQty.IsZero() {
		return decimal.Zero
	}
	return o.CummulativeQuoteQty.Div(o.ExecutedQty)
}

// OrderRequest describes a new order. Market buys spend QuoteQty; limit
// orders need Quantity and Price.
type OrderRequest struct {
	Symbol        string
	Side          Side
	Type          OrderType
	Quantity      decimal.Decimal
	QuoteQty      decimal.Decimal
	Price         decimal.Decimal
	ClientOrderID string
}

// Balance is one asset line of the account.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Account is the signed account snapshot.
type Account struct {
	CanTrade bool
	Balances []Balance
}

type accountPayload struct {
	CanTrade bool `json:"canTrade"`
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

// Free returns the free balance of asset.
func (a Account) Free(asset string) decimal.Decimal {
	for _, b := range a.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return b.Free
		}
	}
	return decimal.Zero
}

// SymbolRules carries the precision constraints for a symbol.
type SymbolRules struct {
	Symbol            string
	BaseAsset         string
	QuoteAsset        string
	PricePrecision    int32
	QuantityPrecision int32
	Tradable          bool
}

// RoundPrice truncates price to the symbol's price precision.
func (r SymbolRules) RoundPrice(price decimal.Decimal) decimal.Decimal {
	return price.Truncate(r.PricePrecision)
}

// RoundQuantity truncates qty to the symbol's quantity precision.
func (r SymbolRules) RoundQuantity(qty decimal.Decimal) decimal.Decimal {
	return qty.Truncate(r.QuantityPrecision)
}

// TickerPrice returns the last price for symbol. The call is unsigned.
func (t *Transport) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var payload struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	params := url.Values{"symbol": {symbol}}
	if err := t.execute(ctx, request{method: http.MethodGet, path: pathTickerPrice, params: params}, nil, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("ticker price %s: %w", symbol, err)
	}
	price := parseDecimal(payload.Price)
	if !price.IsPositive() {
		return decimal.Zero, errs.New(exchangeName, errs.CodeExchange,
			errs.WithMessage("ticker price "+symbol+" missing"),
			errs.WithRawMessage(payload.Price))
	}
	return price, nil
}

// ServerTime returns the exchange clock.
func (t *Transport) ServerTime(ctx context.Context) (time.Time, error) {
	var payload struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := t.execute(ctx, request{method: http.MethodGet, path: pathServerTime}, nil, &payload); err != nil {
		return time.Time{}, fmt.Errorf("server time: %w", err)
	}
	return time.UnixMilli(payload.ServerTime), nil
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol               string `json:"symbol"`
		Status               string `json:"status"`
		BaseAsset            string `json:"baseAsset"`
		QuoteAsset           string `json:"quoteAsset"`
		BaseAssetPrecision   int32  `json:"baseAssetPrecision"`
		QuotePrecision       int32  `json:"quotePrecision"`
		IsSpotTradingAllowed bool   `json:"isSpotTradingAllowed"`
	} `json:"symbols"`
}

// SymbolRules fetches the precision rules for symbol.
func (t *Transport) SymbolRules(ctx context.Context, symbol string) (SymbolRules, error) {
	var info exchangeInfo
	params := url.Values{"symbol": {symbol}}
	if err := t.execute(ctx, request{method: http.MethodGet, path: pathExchangeInfo, params: params}, nil, &info); err != nil {
		return SymbolRules{}, fmt.Errorf("exchange info %s: %w", symbol, err)
	}
	for _, s := range info.Symbols {
		if !strings.EqualFold(s.Symbol, symbol) {
			continue
		}
		return SymbolRules{
			Symbol:            s.Symbol,
			BaseAsset:         s.BaseAsset,
			QuoteAsset:        s.QuoteAsset,
			PricePrecision:    s.QuotePrecision,
			QuantityPrecision: s.BaseAssetPrecision,
			Tradable:          s.IsSpotTradingAllowed && (s.Status == "1" || strings.EqualFold(s.Status, "ENABLED")),
		}, nil
	}
	return SymbolRules{}, errs.New(exchangeName, errs.CodeInvalid,
		errs.WithCategory(errs.CategoryInvalidSymbol),
		errs.WithMessage("symbol "+symbol+" not listed"))
}

// TickerPrice is a convenience passthrough to the shared transport.
func (c *Client) TickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return c.t.TickerPrice(ctx, symbol)
}

// SymbolRules is a convenience passthrough to the shared transport.
func (c *Client) SymbolRules(ctx context.Context, symbol string) (SymbolRules, error) {
	return c.t.SymbolRules(ctx, symbol)
}

// OpenOrders lists the user's open orders for symbol.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	var payload []orderPayload
	params := url.Values{"symbol": {symbol}}
	req := request{method: http.MethodGet, path: pathOpenOrders, params: params, signed: true, timeout: c.t.opts.OrderTimeout}
	if err := c.do(ctx, req, &payload); err != nil {
		return nil, fmt.Errorf("open orders %s: %w", symbol, err)
	}
	orders := make([]Order, 0, len(payload))
	for _, p := range payload {
		orders = append(orders, p.order())
	}
	return orders, nil
}

// QueryOrder fetches one order. A missing order yields an error for which
// errs.IsNotFound is true.
func (c *Client) QueryOrder(ctx context.Context, symbol, orderID string) (Order, error) {
	var payload orderPayload
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	req := request{method: http.MethodGet, path: pathOrder, params: params, signed: true, timeout: c.t.opts.OrderTimeout}
	if err := c.do(ctx, req, &payload); err != nil {
		return Order{}, fmt.Errorf("query order %s: %w", orderID, err)
	}
	return payload.order(), nil
}

// PlaceOrder submits a new order. A client order id is generated when the
// request has none so a retried submission is not executed twice.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	params := url.Values{
		"symbol": {req.Symbol},
		"side":   {string(req.Side)},
		"type":   {string(req.Type)},
	}
	switch req.Type {
	case OrderTypeMarket:
		switch {
		case req.QuoteQty.IsPositive():
			params.Set("quoteOrderQty", req.QuoteQty.String())
		case req.Quantity.IsPositive():
			params.Set("quantity", req.Quantity.String())
		default:
			return Order{}, fmt.Errorf("place order: market order needs quantity or quote quantity")
		}
	case OrderTypeLimit:
		if !req.Quantity.IsPositive() || !req.Price.IsPositive() {
			return Order{}, fmt.Errorf("place order: limit order needs positive quantity and price")
		}
		params.Set("quantity", req.Quantity.String())
		params.Set("price", req.Price.String())
	default:
		return Order{}, fmt.Errorf("place order: unsupported type %q", req.Type)
	}
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	params.Set("newClientOrderId", clientID)

	var payload orderPayload
	call := request{method: http.MethodPost, path: pathOrder, params: params, signed: true, timeout: c.t.opts.OrderTimeout}
	if err := c.do(ctx, call, &payload); err != nil {
		return Order{}, fmt.Errorf("place %s %s order: %w", req.Side, req.Type, err)
	}
	ack := payload.order()
	if ack.ClientOrderID == "" {
		ack.ClientOrderID = clientID
	}
	return ack, nil
}

// Account fetches the user's balances.
func (c *Client) Account(ctx context.Context) (Account, error) {
	var payload accountPayload
	req := request{method: http.MethodGet, path: pathAccount, signed: true, timeout: c.t.opts.OrderTimeout}
	if err := c.do(ctx, req, &payload); err != nil {
		return Account{}, fmt.Errorf("account: %w", err)
	}
	acct := Account{CanTrade: payload.CanTrade, Balances: make([]Balance, 0, len(payload.Balances))}
	for _, b := range payload.Balances {
		acct.Balances = append(acct.Balances, Balance{Asset: b.Asset, Free: parseDecimal(b.Free), Locked: parseDecimal(b.Locked)})
	}
	return acct, nil
}

// CreateListenKey issues a private stream credential.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	var payload struct {
		ListenKey string `json:"listenKey"`
	}
	if err := c.do(ctx, request{method: http.MethodPost, path: pathListenKey, signed: true}, &payload); err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	if payload.ListenKey == "" {
		return "", errs.New(exchangeName, errs.CodeExchange, errs.WithMessage("empty listen key"))
	}
	return payload.ListenKey, nil
}

// KeepaliveListenKey extends the validity of listenKey.
func (c *Client) KeepaliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{"listenKey": {listenKey}}
	if err := c.do(ctx, request{method: http.MethodPut, path: pathListenKey, params: params, signed: true}, nil); err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}

// DeleteListenKey revokes listenKey.
func (c *Client) DeleteListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{"listenKey": {listenKey}}
	if err := c.do(ctx, request{method: http.MethodDelete, path: pathListenKey, params: params, signed: true}, nil); err != nil {
		return fmt.Errorf("delete listen key: %w", err)
	}
	return nil
}
