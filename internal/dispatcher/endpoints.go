package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"okxgate/internal/okx"
)

type Instrument struct {
	InstID   string `json:"instId"`
	InstType string `json:"instType"`
	BaseCcy  string `json:"baseCcy"`
	QuoteCcy string `json:"quoteCcy"`
	TickSz   string `json:"tickSz"`
	LotSz    string `json:"lotSz"`
	MinSz    string `json:"minSz"`
	State    string `json:"state"`
}

type Ticker struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	BidPx   string `json:"bidPx"`
	AskPx   string `json:"askPx"`
	High24h string `json:"high24h"`
	Low24h  string `json:"low24h"`
	Vol24h  string `json:"vol24h"`
	Ts      string `json:"ts"`
}

// OrderBook levels are [price, size, deprecated, order count].
type OrderBook struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
	Ts   string     `json:"ts"`
}

// OrderRequest places one order. ClientOrderID is generated when empty.
type OrderRequest struct {
	InstID        string
	TdMode        string
	Side          string
	Type          okx.OrderType
	Size          string
	Price         string
	ClientOrderID string
}

// OrderAck is the per-order result of place and cancel calls.
type OrderAck struct {
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	SCode   string `json:"sCode"`
	SMsg    string `json:"sMsg"`
}

func (a OrderAck) err() error {
	if a.SCode == "" || a.SCode == "0" {
		return nil
	}
	return &APIError{Code: a.SCode, Msg: a.SMsg}
}

type Order struct {
	InstID    string `json:"instId"`
	OrdID     string `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	Side      string `json:"side"`
	OrdType   string `json:"ordType"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	AccFillSz string `json:"accFillSz"`
	AvgPx     string `json:"avgPx"`
	State     string `json:"state"`
	CTime     string `json:"cTime"`
	UTime     string `json:"uTime"`
}

// Status maps the exchange state onto okx.OrderState.
func (o Order) Status() (okx.OrderState, error) {
	return okx.ParseOrderState(o.State)
}

// OrderRef identifies an order by exchange id or client id.
type OrderRef struct {
	InstID  string `json:"instId"`
	OrdID   string `json:"ordId,omitempty"`
	ClOrdID string `json:"clOrdId,omitempty"`
}

type Balance struct {
	Ccy       string `json:"ccy"`
	Eq        string `json:"eq"`
	CashBal   string `json:"cashBal"`
	AvailBal  string `json:"availBal"`
	FrozenBal string `json:"frozenBal"`
}

type Fill struct {
	InstID  string `json:"instId"`
	TradeID string `json:"tradeId"`
	OrdID   string `json:"ordId"`
	ClOrdID string `json:"clOrdId"`
	Side    string `json:"side"`
	FillPx  string `json:"fillPx"`
	FillSz  string `json:"fillSz"`
	Fee     string `json:"fee"`
	FeeCcy  string `json:"feeCcy"`
	Ts      string `json:"ts"`
}

var errEmptyData = errors.New("okx returned no data")

func (d *Dispatcher) call(ctx context.Context, req Request, target any) error {
	resp, err := d.Do(ctx, req)
	if err != nil {
		return err
	}
	if err := resp.Decode(target); err != nil {
		return fmt.Errorf("decode %s: %w", req.Path, err)
	}
	return nil
}

// ServerTime returns the exchange clock.
func (d *Dispatcher) ServerTime(ctx context.Context) (time.Time, error) {
	var data []struct {
		Ts string `json:"ts"`
	}
	if err := d.call(ctx, Request{Method: http.MethodGet, Path: okx.ServerTimePath}, &data); err != nil {
		return time.Time{}, err
	}
	if len(data) == 0 {
		return time.Time{}, errEmptyData
	}
	ms, err := strconv.ParseInt(data[0].Ts, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse server time %q: %w", data[0].Ts, err)
	}
	return time.UnixMilli(ms), nil
}

func (d *Dispatcher) Instruments(ctx context.Context, instType string) ([]Instrument, error) {
	var out []Instrument
	q := url.Values{"instType": {instType}}
	err := d.call(ctx, Request{Method: http.MethodGet, Path: okx.InstrumentsPath, Query: q}, &out)
	return out, err
}

func (d *Dispatcher) Ticker(ctx context.Context, instID string) (Ticker, error) {
	var out []Ticker
	q := url.Values{"instId": {instID}}
	if err := d.call(ctx, Request{Method: http.MethodGet, Path: okx.TickerPath, Query: q}, &out); err != nil {
		return Ticker{}, err
	}
	if len(out) == 0 {
		return Ticker{}, errEmptyData
	}
	return out[0], nil
}

func (d *Dispatcher) Tickers(ctx context.Context, instType string) ([]Ticker, error) {
	var out []Ticker
	q := url.Values{"instType": {instType}}
	err := d.call(ctx, Request{Method: http.MethodGet, Path: okx.TickersPath, Query: q}, &out)
	return out, err
}

// OrderBook fetches depth levels per side; depth <= 0 uses the exchange
// default.
func (d *Dispatcher) OrderBook(ctx context.Context, instID string, depth int) (OrderBook, error) {
	var out []OrderBook
	q := url.Values{"instId": {instID}}
	if depth > 0 {
		q.Set("sz", strconv.Itoa(depth))
	}
	if err := d.call(ctx, Request{Method: http.MethodGet, Path: okx.OrderBookPath, Query: q}, &out); err != nil {
		return OrderBook{}, err
	}
	if len(out) == 0 {
		return OrderBook{}, errEmptyData
	}
	return out[0], nil
}

func (d *Dispatcher) PlaceOrder(ctx context.Context, o OrderRequest) (OrderAck, error) {
	ordType, err := o.Type.ExchangeType()
	if err != nil {
		return OrderAck{}, err
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = okx.NewClientOrderID()
	}
	tdMode := o.TdMode
	if tdMode == "" {
		tdMode = "cash"
	}
	body := map[string]string{
		"instId":  o.InstID,
		"tdMode":  tdMode,
		"side":    o.Side,
		"ordType": ordType,
		"sz":      o.Size,
		"clOrdId": o.ClientOrderID,
	}
	if o.Price != "" {
		body["px"] = o.Price
	}

	var out []OrderAck
	req := Request{Method: http.MethodPost, Path: okx.PlaceOrderPath, Body: body, Private: true}
	if err := d.call(ctx, req, &out); err != nil {
		return OrderAck{}, err
	}
	if len(out) == 0 {
		return OrderAck{}, errEmptyData
	}
	return out[0], out[0].err()
}

func (d *Dispatcher) OrderDetails(ctx context.Context, c OrderRef) (Order, error) {
	q := url.Values{"instId": {c.InstID}}
	if c.OrdID != "" {
		q.Set("ordId", c.OrdID)
	}
	if c.ClOrdID != "" {
		q.Set("clOrdId", c.ClOrdID)
	}
	var out []Order
	req := Request{Method: http.MethodGet, Path: okx.OrderDetailsPath, Query: q, Private: true}
	if err := d.call(ctx, req, &out); err != nil {
		return Order{}, err
	}
	if len(out) == 0 {
		return Order{}, errEmptyData
	}
	return out[0], nil
}

func (d *Dispatcher) CancelOrder(ctx context.Context, c OrderRef) (OrderAck, error) {
	var out []OrderAck
	req := Request{Method: http.MethodPost, Path: okx.CancelOrderPath, Body: c, Private: true}
	if err := d.call(ctx, req, &out); err != nil {
		return OrderAck{}, err
	}
	if len(out) == 0 {
		return OrderAck{}, errEmptyData
	}
	return out[0], out[0].err()
}

// CancelBatchOrders cancels up to 20 orders in one call. Per-order failures
// are reported in each ack's SCode.
func (d *Dispatcher) CancelBatchOrders(ctx context.Context, cs []OrderRef) ([]OrderAck, error) {
	var out []OrderAck
	req := Request{Method: http.MethodPost, Path: okx.BatchCancelOrdersPath, Body: cs, Private: true}
	err := d.call(ctx, req, &out)
	return out, err
}

// Balance returns per-currency details, optionally filtered by ccys.
func (d *Dispatcher) Balance(ctx context.Context, ccys ...string) ([]Balance, error) {
	var q url.Values
	if len(ccys) > 0 {
		q = url.Values{"ccy": {strings.Join(ccys, ",")}}
	}
	var out []struct {
		Details []Balance `json:"details"`
	}
	req := Request{Method: http.MethodGet, Path: okx.BalancePath, Query: q, Private: true}
	if err := d.call(ctx, req, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0].Details, nil
}

func (d *Dispatcher) Fills(ctx context.Context, instType, instID string) ([]Fill, error) {
	q := url.Values{}
	if instType != "" {
		q.Set("instType", instType)
	}
	if instID != "" {
		q.Set("instId", instID)
	}
	var out []Fill
	req := Request{Method: http.MethodGet, Path: okx.TradeFillsPath, Query: q, Private: true}
	err := d.call(ctx, req, &out)
	return out, err
}
