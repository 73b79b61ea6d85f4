package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"spot-trading-engine/internal/fault"
)

const (
	bybitAPIURL     = "https://api.bybit.com"
	bybitRecvWindow = "5000"
)

// Bybit adapts the v5 unified REST API for spot. Private calls carry the
// X-BAPI HMAC headers; market data goes unsigned. Symbols are native
// ("BTCUSDT"). Order IDs resolve to symbols through the same cache scheme as
// the Binance adapter because cancel requires the symbol.
type Bybit struct {
	http      *resty.Client
	apiKey    string
	apiSecret string
	limiter   *rate.Limiter
	log       zerolog.Logger

	mu           sync.Mutex
	orderSymbols map[string]string
}

// NewBybit builds a spot adapter against the production API.
func NewBybit(creds Credentials, log zerolog.Logger) *Bybit {
	return newBybit(bybitAPIURL, creds, log)
}

func newBybit(baseURL string, creds Credentials, log zerolog.Logger) *Bybit {
	return &Bybit{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second),
		apiKey:       creds.APIKey,
		apiSecret:    creds.APISecret,
		limiter:      rate.NewLimiter(rate.Limit(10), 20),
		log:          log.With().Str("component", "bybit").Logger(),
		orderSymbols: make(map[string]string),
	}
}

func (c *Bybit) Name() string { return "bybit" }

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Bybit) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// get performs an unsigned GET for public market endpoints.
func (c *Bybit) get(ctx context.Context, op, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fault.Wrap(fault.Transient, op, err)
	}
	var env bybitEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryString(query.Encode()).
		SetResult(&env).
		Get(path)
	if err != nil {
		return fault.Wrap(fault.Transient, op, err)
	}
	return c.decode(op, resp, &env, out)
}

// signedGet performs a private GET. The signature covers the encoded query
// exactly as sent, so the query string is built once and reused.
func (c *Bybit) signedGet(ctx context.Context, op, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fault.Wrap(fault.Transient, op, err)
	}
	qs := query.Encode()
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var env bybitEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", c.apiKey).
		SetHeader("X-BAPI-TIMESTAMP", ts).
		SetHeader("X-BAPI-RECV-WINDOW", bybitRecvWindow).
		SetHeader("X-BAPI-SIGN", c.sign(ts+c.apiKey+bybitRecvWindow+qs)).
		SetQueryString(qs).
		SetResult(&env).
		Get(path)
	if err != nil {
		return fault.Wrap(fault.Transient, op, err)
	}
	return c.decode(op, resp, &env, out)
}

// signedPost performs a private POST; the signature covers the JSON body.
func (c *Bybit) signedPost(ctx context.Context, op, path string, body interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fault.Wrap(fault.Transient, op, err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fault.Wrap(fault.Fatal, op, err)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	var env bybitEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("X-BAPI-API-KEY", c.apiKey).
		SetHeader("X-BAPI-TIMESTAMP", ts).
		SetHeader("X-BAPI-RECV-WINDOW", bybitRecvWindow).
		SetHeader("X-BAPI-SIGN", c.sign(ts+c.apiKey+bybitRecvWindow+string(payload))).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		SetResult(&env).
		Post(path)
	if err != nil {
		return fault.Wrap(fault.Transient, op, err)
	}
	return c.decode(op, resp, &env, out)
}

func (c *Bybit) decode(op string, resp *resty.Response, env *bybitEnvelope, out interface{}) error {
	code := resp.StatusCode()
	if code == http.StatusTooManyRequests || code >= 500 {
		return fault.Newf(fault.Transient, op, "http %d: %s", code, strings.TrimSpace(resp.String()))
	}
	if code != http.StatusOK {
		return fault.Newf(fault.Fatal, op, "http %d: %s", code, strings.TrimSpace(resp.String()))
	}
	if env.RetCode != 0 {
		switch env.RetCode {
		case 10002, 10006, 10016: // timestamp drift, rate limit, service restart
			return fault.Newf(fault.Transient, op, "retCode %d: %s", env.RetCode, env.RetMsg)
		}
		return fault.Newf(fault.Fatal, op, "retCode %d: %s", env.RetCode, env.RetMsg)
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fault.Wrap(fault.Fatal, op, err)
	}
	return nil
}

func (c *Bybit) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	const op = "bybit.get_ticker"

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
			LastPrice string `json:"lastPrice"`
			Volume24h string `json:"volume24h"`
		} `json:"list"`
	}
	q := url.Values{"category": {"spot"}, "symbol": {symbol}}
	if err := c.get(ctx, op, "/v5/market/tickers", q, &result); err != nil {
		return Ticker{}, err
	}
	if len(result.List) == 0 {
		return Ticker{}, fault.Newf(fault.Fatal, op, "no ticker for %s", symbol)
	}
	t := result.List[0]
	return Ticker{
		Symbol:    symbol,
		Bid:       f64(t.Bid1Price),
		Ask:       f64(t.Ask1Price),
		Last:      f64(t.LastPrice),
		Volume24h: f64(t.Volume24h),
		Time:      time.Now(),
	}, nil
}

func (c *Bybit) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	const op = "bybit.get_candles"

	iv, err := bybitInterval(interval)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, op, err)
	}
	q := url.Values{"category": {"spot"}, "symbol": {symbol}, "interval": {iv}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	var result struct {
		List [][]string `json:"list"`
	}
	if err := c.get(ctx, op, "/v5/market/kline", q, &result); err != nil {
		return nil, err
	}

	// Rows arrive newest first as [start, open, high, low, close, volume, turnover].
	out := make([]Candle, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			return nil, fault.Newf(fault.Fatal, op, "kline row has %d fields", len(row))
		}
		ms, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, fault.Newf(fault.Fatal, op, "bad kline start %q", row[0])
		}
		out = append(out, Candle{
			OpenTime: time.UnixMilli(ms).UTC(),
			Open:     f64(row[1]),
			High:     f64(row[2]),
			Low:      f64(row[3]),
			Close:    f64(row[4]),
			Volume:   f64(row[5]),
		})
	}
	return out, nil
}

type bybitCreateOrder struct {
	Category     string `json:"category"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Qty          string `json:"qty"`
	MarketUnit   string `json:"marketUnit,omitempty"`
	Price        string `json:"price,omitempty"`
	TimeInForce  string `json:"timeInForce,omitempty"`
	TriggerPrice string `json:"triggerPrice,omitempty"`
	OrderFilter  string `json:"orderFilter,omitempty"`
	OrderLinkID  string `json:"orderLinkId,omitempty"`
}

func (c *Bybit) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	const op = "bybit.place_order"

	body := bybitCreateOrder{
		Category:    "spot",
		Symbol:      req.Symbol,
		Side:        bybitSide(req.Side),
		Qty:         formatQty(req.Quantity),
		OrderLinkID: req.ClientOrderID,
	}
	switch req.Type {
	case OrderMarket:
		body.OrderType = "Market"
		// Market buys default to quote-denominated qty; the engine sizes in base.
		body.MarketUnit = "baseCoin"
	case OrderLimit:
		if req.Price <= 0 {
			return Order{}, fault.New(fault.Fatal, op, "limit order without price")
		}
		body.OrderType = "Limit"
		body.Price = formatQty(req.Price)
		body.TimeInForce = "GTC"
	case OrderStop:
		if req.StopPrice <= 0 {
			return Order{}, fault.New(fault.Fatal, op, "stop order without stop price")
		}
		body.OrderType = "Market"
		body.MarketUnit = "baseCoin"
		body.TriggerPrice = formatQty(req.StopPrice)
		body.OrderFilter = "StopOrder"
	case OrderStopLimit:
		if req.StopPrice <= 0 || req.Price <= 0 {
			return Order{}, fault.New(fault.Fatal, op, "stop-limit order needs stop and limit prices")
		}
		body.OrderType = "Limit"
		body.Price = formatQty(req.Price)
		body.TimeInForce = "GTC"
		body.TriggerPrice = formatQty(req.StopPrice)
		body.OrderFilter = "StopOrder"
	default:
		return Order{}, fault.Newf(fault.Fatal, op, "unsupported order type %q", req.Type)
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := c.signedPost(ctx, op, "/v5/order/create", body, &result); err != nil {
		return Order{}, err
	}
	c.rememberSymbol(result.OrderID, req.Symbol)

	placed, err := c.GetOrder(ctx, result.OrderID)
	if err != nil {
		c.log.Warn().Err(err).Str("order_id", result.OrderID).Msg("order placed but status fetch failed")
		now := time.Now()
		return Order{
			OrderID:        result.OrderID,
			ClientOrderID:  req.ClientOrderID,
			Symbol:         req.Symbol,
			Side:           req.Side,
			Type:           req.Type,
			RequestedQty:   req.Quantity,
			RequestedPrice: req.Price,
			StopPrice:      req.StopPrice,
			Status:         StatusPending,
			SubmittedAt:    now,
			UpdatedAt:      now,
		}, nil
	}
	return placed, nil
}

func (c *Bybit) CancelOrder(ctx context.Context, orderID string) error {
	const op = "bybit.cancel_order"

	symbol, err := c.resolveSymbol(ctx, orderID)
	if err != nil {
		return err
	}
	body := struct {
		Category string `json:"category"`
		Symbol   string `json:"symbol"`
		OrderID  string `json:"orderId"`
	}{"spot", symbol, orderID}
	return c.signedPost(ctx, op, "/v5/order/cancel", body, nil)
}

type bybitOrder struct {
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderType    string `json:"orderType"`
	Qty          string `json:"qty"`
	Price        string `json:"price"`
	TriggerPrice string `json:"triggerPrice"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	CumExecFee   string `json:"cumExecFee"`
	OrderStatus  string `json:"orderStatus"`
	CreatedTime  string `json:"createdTime"`
	UpdatedTime  string `json:"updatedTime"`
}

func (c *Bybit) GetOrder(ctx context.Context, orderID string) (Order, error) {
	const op = "bybit.get_order"

	// Realtime covers open and recently settled orders; history backstops it.
	for _, path := range []string{"/v5/order/realtime", "/v5/order/history"} {
		var result struct {
			List []bybitOrder `json:"list"`
		}
		q := url.Values{"category": {"spot"}, "orderId": {orderID}}
		if err := c.signedGet(ctx, op, path, q, &result); err != nil {
			return Order{}, err
		}
		if len(result.List) > 0 {
			o := c.mapOrder(result.List[0])
			c.rememberSymbol(o.OrderID, o.Symbol)
			return o, nil
		}
	}
	return Order{}, fault.Newf(fault.Fatal, op, "unknown order %s", orderID)
}

func (c *Bybit) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	const op = "bybit.list_open_orders"

	q := url.Values{"category": {"spot"}}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	var result struct {
		List []bybitOrder `json:"list"`
	}
	if err := c.signedGet(ctx, op, "/v5/order/realtime", q, &result); err != nil {
		return nil, err
	}

	var out []Order
	for _, row := range result.List {
		o := c.mapOrder(row)
		if o.Status.Terminal() {
			continue
		}
		c.rememberSymbol(o.OrderID, o.Symbol)
		out = append(out, o)
	}
	return out, nil
}

func (c *Bybit) GetBalances(ctx context.Context) ([]Balance, error) {
	const op = "bybit.get_balances"

	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	q := url.Values{"accountType": {"UNIFIED"}}
	if err := c.signedGet(ctx, op, "/v5/account/wallet-balance", q, &result); err != nil {
		return nil, err
	}

	var out []Balance
	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			total := f64(coin.WalletBalance)
			locked := f64(coin.Locked)
			if total == 0 && locked == 0 {
				continue
			}
			out = append(out, Balance{Asset: coin.Coin, Free: total - locked, Locked: locked})
		}
	}
	return out, nil
}

func (c *Bybit) ListFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error) {
	const op = "bybit.list_fills"

	q := url.Values{"category": {"spot"}}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	if !since.IsZero() {
		q.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	var result struct {
		List []struct {
			ExecID      string `json:"execId"`
			OrderID     string `json:"orderId"`
			Symbol      string `json:"symbol"`
			Side        string `json:"side"`
			ExecQty     string `json:"execQty"`
			ExecPrice   string `json:"execPrice"`
			ExecFee     string `json:"execFee"`
			FeeCurrency string `json:"feeCurrency"`
			ExecTime    string `json:"execTime"`
		} `json:"list"`
	}
	if err := c.signedGet(ctx, op, "/v5/execution/list", q, &result); err != nil {
		return nil, err
	}

	out := make([]Fill, 0, len(result.List))
	for _, row := range result.List {
		side := Side(strings.ToLower(row.Side))
		price := f64(row.ExecPrice)
		ms, _ := strconv.ParseInt(row.ExecTime, 10, 64)
		out = append(out, Fill{
			TradeID:  row.ExecID,
			OrderID:  row.OrderID,
			Symbol:   row.Symbol,
			Side:     side,
			Quantity: f64(row.ExecQty),
			Price:    price,
			FeeUsd:   bybitFeeUsd(row.Symbol, row.FeeCurrency, side, f64(row.ExecFee), price),
			Time:     time.UnixMilli(ms).UTC(),
		})
	}
	return out, nil
}

func (c *Bybit) rememberSymbol(orderID, symbol string) {
	if orderID == "" || symbol == "" {
		return
	}
	c.mu.Lock()
	c.orderSymbols[orderID] = symbol
	c.mu.Unlock()
}

// resolveSymbol finds the symbol behind an order ID, fetching the order when
// the cache misses (restart case).
func (c *Bybit) resolveSymbol(ctx context.Context, orderID string) (string, error) {
	c.mu.Lock()
	symbol, ok := c.orderSymbols[orderID]
	c.mu.Unlock()
	if ok {
		return symbol, nil
	}
	o, err := c.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return o.Symbol, nil
}

// bybitFeeUsd normalizes a spot commission into quote currency. When the API
// omits the fee currency, spot convention applies: buys pay in base, sells in
// quote.
func bybitFeeUsd(symbol, feeCurrency string, side Side, fee, price float64) float64 {
	if fee == 0 {
		return 0
	}
	cur := strings.ToUpper(feeCurrency)
	if cur == "" {
		if side == SideBuy {
			cur = strings.ToUpper(BaseAsset(symbol))
		} else {
			cur = strings.ToUpper(QuoteAsset(symbol))
		}
	}
	switch cur {
	case strings.ToUpper(QuoteAsset(symbol)):
		return fee
	case strings.ToUpper(BaseAsset(symbol)):
		return fee * price
	}
	return 0
}

func (c *Bybit) mapOrder(o bybitOrder) Order {
	created, _ := strconv.ParseInt(o.CreatedTime, 10, 64)
	updated, _ := strconv.ParseInt(o.UpdatedTime, 10, 64)
	return Order{
		OrderID:        o.OrderID,
		ClientOrderID:  o.OrderLinkID,
		Symbol:         o.Symbol,
		Side:           Side(strings.ToLower(o.Side)),
		Type:           bybitOrderType(o.OrderType, o.TriggerPrice),
		RequestedQty:   f64(o.Qty),
		RequestedPrice: f64(o.Price),
		StopPrice:      f64(o.TriggerPrice),
		FilledQty:      f64(o.CumExecQty),
		AvgFillPrice:   f64(o.AvgPrice),
		FeesUsd:        f64(o.CumExecFee),
		Status:         bybitStatus(o.OrderStatus),
		SubmittedAt:    time.UnixMilli(created),
		UpdatedAt:      time.UnixMilli(updated),
	}
}

func bybitSide(s Side) string {
	if s == SideBuy {
		return "Buy"
	}
	return "Sell"
}

func bybitOrderType(orderType, triggerPrice string) OrderType {
	hasTrigger := triggerPrice != "" && f64(triggerPrice) > 0
	switch orderType {
	case "Market":
		if hasTrigger {
			return OrderStop
		}
		return OrderMarket
	case "Limit":
		if hasTrigger {
			return OrderStopLimit
		}
		return OrderLimit
	}
	return OrderType(strings.ToLower(orderType))
}

func bybitStatus(s string) OrderStatus {
	switch s {
	case "New", "PartiallyFilled", "Untriggered", "Triggered":
		return StatusOpen
	case "Filled":
		return StatusFilled
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return StatusCanceled
	case "Rejected":
		return StatusRejected
	}
	return StatusPending
}

// bybitInterval maps engine intervals to the v5 kline enum.
func bybitInterval(interval string) (string, error) {
	switch interval {
	case "1m":
		return "1", nil
	case "3m":
		return "3", nil
	case "5m":
		return "5", nil
	case "15m":
		return "15", nil
	case "30m":
		return "30", nil
	case "1h":
		return "60", nil
	case "2h":
		return "120", nil
	case "4h":
		return "240", nil
	case "6h":
		return "360", nil
	case "12h":
		return "720", nil
	case "1d":
		return "D", nil
	case "1w":
		return "W", nil
	}
	return "", fmt.Errorf("unsupported interval %q", interval)
}
