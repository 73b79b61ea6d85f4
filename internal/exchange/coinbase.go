package exchange

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"spot-trading-engine/internal/fault"
)

const coinbaseAPIURL = "https://api.coinbase.com"

// coinbaseMaxCandles is the API's per-request candle cap.
const coinbaseMaxCandles = 350

// Coinbase talks to the Coinbase Advanced Trade REST API. Requests carry a
// short-lived ES256 JWT; the key name and EC private key come from the CDP
// API key file. Retries are the caller's job.
type Coinbase struct {
	http    *resty.Client
	host    string
	keyName string
	privKey *ecdsa.PrivateKey
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewCoinbase builds an adapter for the production API. APIKey is the CDP key
// name (organizations/{org}/apiKeys/{key}); APISecret is the EC private key PEM.
func NewCoinbase(creds Credentials, log zerolog.Logger) (*Coinbase, error) {
	return newCoinbase(coinbaseAPIURL, creds, log)
}

func newCoinbase(baseURL string, creds Credentials, log zerolog.Logger) (*Coinbase, error) {
	if creds.APIKey == "" || creds.APISecret == "" {
		return nil, fault.New(fault.Fatal, "coinbase.new", "missing api key or secret")
	}
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(creds.APISecret))
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "coinbase.new", fmt.Errorf("parse EC private key: %w", err))
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "coinbase.new", err)
	}
	return &Coinbase{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(10 * time.Second),
		host:    u.Host,
		keyName: creds.APIKey,
		privKey: key,
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		log:     log.With().Str("component", "coinbase").Logger(),
	}, nil
}

func (c *Coinbase) Name() string { return "coinbase" }

// bearer signs a single-use JWT scoped to one method+path. Coinbase rejects
// tokens older than two minutes, so one is minted per request.
func (c *Coinbase) bearer(method, path string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	now := time.Now()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"sub": c.keyName,
		"iss": "cdp",
		"nbf": now.Unix(),
		"exp": now.Add(2 * time.Minute).Unix(),
		"uri": method + " " + c.host + path,
	})
	tok.Header["kid"] = c.keyName
	tok.Header["nonce"] = hex.EncodeToString(nonce)
	return tok.SignedString(c.privKey)
}

// request waits out the rate limiter and returns an authenticated request.
// path is the URL path without query string; the signature covers it.
func (c *Coinbase) request(ctx context.Context, method, path string) (*resty.Request, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fault.Wrap(fault.Transient, "coinbase.rate_limit", err)
	}
	token, err := c.bearer(method, path)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, "coinbase.auth", err)
	}
	return c.http.R().SetContext(ctx).SetAuthToken(token), nil
}

func (c *Coinbase) apiError(op string, resp *resty.Response) error {
	code := resp.StatusCode()
	body := strings.TrimSpace(resp.String())
	if code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500 {
		return fault.Newf(fault.Transient, op, "http %d: %s", code, body)
	}
	return fault.Newf(fault.Fatal, op, "http %d: %s", code, body)
}

type cbPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

func (c *Coinbase) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	const op = "coinbase.get_ticker"

	var book struct {
		Pricebooks []struct {
			ProductID string         `json:"product_id"`
			Bids      []cbPriceLevel `json:"bids"`
			Asks      []cbPriceLevel `json:"asks"`
			Time      time.Time      `json:"time"`
		} `json:"pricebooks"`
	}
	req, err := c.request(ctx, http.MethodGet, "/api/v3/brokerage/best_bid_ask")
	if err != nil {
		return Ticker{}, err
	}
	resp, err := req.
		SetQueryParam("product_ids", symbol).
		SetResult(&book).
		Get("/api/v3/brokerage/best_bid_ask")
	if err != nil {
		return Ticker{}, fault.Wrap(fault.Transient, op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Ticker{}, c.apiError(op, resp)
	}
	if len(book.Pricebooks) == 0 {
		return Ticker{}, fault.Newf(fault.Fatal, op, "no pricebook for %s", symbol)
	}

	t := Ticker{Symbol: symbol, Time: book.Pricebooks[0].Time}
	if len(book.Pricebooks[0].Bids) > 0 {
		t.Bid = f64(book.Pricebooks[0].Bids[0].Price)
	}
	if len(book.Pricebooks[0].Asks) > 0 {
		t.Ask = f64(book.Pricebooks[0].Asks[0].Price)
	}

	var product struct {
		Price     string `json:"price"`
		Volume24h string `json:"volume_24h"`
	}
	path := "/api/v3/brokerage/products/" + symbol
	req, err = c.request(ctx, http.MethodGet, path)
	if err != nil {
		return Ticker{}, err
	}
	resp, err = req.SetResult(&product).Get(path)
	if err != nil {
		return Ticker{}, fault.Wrap(fault.Transient, op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Ticker{}, c.apiError(op, resp)
	}
	t.Last = f64(product.Price)
	t.Volume24h = f64(product.Volume24h)
	if t.Time.IsZero() {
		t.Time = time.Now()
	}
	return t, nil
}

func (c *Coinbase) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	const op = "coinbase.get_candles"
	gran, secs, err := coinbaseGranularity(interval)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, op, err)
	}
	if limit <= 0 || limit > coinbaseMaxCandles {
		limit = coinbaseMaxCandles
	}

	end := time.Now()
	start := end.Add(-time.Duration(limit) * time.Duration(secs) * time.Second)

	var result struct {
		Candles []struct {
			Start  string `json:"start"`
			Low    string `json:"low"`
			High   string `json:"high"`
			Open   string `json:"open"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
		} `json:"candles"`
	}
	path := "/api/v3/brokerage/products/" + symbol + "/candles"
	req, err := c.request(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	resp, err := req.
		SetQueryParams(map[string]string{
			"start":       strconv.FormatInt(start.Unix(), 10),
			"end":         strconv.FormatInt(end.Unix(), 10),
			"granularity": gran,
		}).
		SetResult(&result).
		Get(path)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.apiError(op, resp)
	}

	// The API returns newest first; the engine wants oldest first.
	out := make([]Candle, 0, len(result.Candles))
	for i := len(result.Candles) - 1; i >= 0; i-- {
		rc := result.Candles[i]
		ts, err := strconv.ParseInt(rc.Start, 10, 64)
		if err != nil {
			return nil, fault.Newf(fault.Fatal, op, "bad candle start %q", rc.Start)
		}
		out = append(out, Candle{
			OpenTime: time.Unix(ts, 0).UTC(),
			Open:     f64(rc.Open),
			High:     f64(rc.High),
			Low:      f64(rc.Low),
			Close:    f64(rc.Close),
			Volume:   f64(rc.Volume),
		})
	}
	return out, nil
}

type cbMarketIOC struct {
	BaseSize string `json:"base_size"`
}

type cbLimitGTC struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
}

type cbStopLimitGTC struct {
	BaseSize      string `json:"base_size"`
	LimitPrice    string `json:"limit_price"`
	StopPrice     string `json:"stop_price"`
	StopDirection string `json:"stop_direction"`
}

type cbOrderConfiguration struct {
	MarketIOC    *cbMarketIOC    `json:"market_market_ioc,omitempty"`
	LimitGTC     *cbLimitGTC     `json:"limit_limit_gtc,omitempty"`
	StopLimitGTC *cbStopLimitGTC `json:"stop_limit_stop_limit_gtc,omitempty"`
}

func (c *Coinbase) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	const op = "coinbase.place_order"

	cfg, err := coinbaseOrderConfig(req)
	if err != nil {
		return Order{}, err
	}
	body := struct {
		ClientOrderID string               `json:"client_order_id"`
		ProductID     string               `json:"product_id"`
		Side          string               `json:"side"`
		Config        cbOrderConfiguration `json:"order_configuration"`
	}{
		ClientOrderID: req.ClientOrderID,
		ProductID:     req.Symbol,
		Side:          strings.ToUpper(string(req.Side)),
		Config:        cfg,
	}

	var result struct {
		Success         bool `json:"success"`
		SuccessResponse struct {
			OrderID string `json:"order_id"`
		} `json:"success_response"`
		ErrorResponse struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		} `json:"error_response"`
	}
	const path = "/api/v3/brokerage/orders"
	r, err := c.request(ctx, http.MethodPost, path)
	if err != nil {
		return Order{}, err
	}
	resp, err := r.SetBody(body).SetResult(&result).Post(path)
	if err != nil {
		return Order{}, fault.Wrap(fault.Transient, op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return Order{}, c.apiError(op, resp)
	}
	if !result.Success {
		return Order{}, fault.Newf(fault.Fatal, op, "order rejected: %s %s",
			result.ErrorResponse.Error, result.ErrorResponse.Message)
	}

	// Fetch the authoritative state; market IOC orders usually fill before
	// this call returns. Creation already succeeded, so a fetch failure
	// degrades to a pending order rather than an error.
	placed, err := c.GetOrder(ctx, result.SuccessResponse.OrderID)
	if err != nil {
		c.log.Warn().Err(err).
			Str("order_id", result.SuccessResponse.OrderID).
			Msg("order placed but status fetch failed")
		now := time.Now()
		return Order{
			OrderID:        result.SuccessResponse.OrderID,
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

func coinbaseOrderConfig(req OrderRequest) (cbOrderConfiguration, error) {
	const op = "coinbase.place_order"
	size := formatQty(req.Quantity)
	switch req.Type {
	case OrderMarket:
		return cbOrderConfiguration{MarketIOC: &cbMarketIOC{BaseSize: size}}, nil
	case OrderLimit:
		if req.Price <= 0 {
			return cbOrderConfiguration{}, fault.New(fault.Fatal, op, "limit order without price")
		}
		return cbOrderConfiguration{LimitGTC: &cbLimitGTC{
			BaseSize:   size,
			LimitPrice: formatQty(req.Price),
		}}, nil
	case OrderStop, OrderStopLimit:
		if req.StopPrice <= 0 {
			return cbOrderConfiguration{}, fault.New(fault.Fatal, op, "stop order without stop price")
		}
		limit := req.Price
		if limit <= 0 {
			limit = req.StopPrice
		}
		direction := "STOP_DIRECTION_STOP_DOWN"
		if req.Side == SideBuy {
			direction = "STOP_DIRECTION_STOP_UP"
		}
		return cbOrderConfiguration{StopLimitGTC: &cbStopLimitGTC{
			BaseSize:      size,
			LimitPrice:    formatQty(limit),
			StopPrice:     formatQty(req.StopPrice),
			StopDirection: direction,
		}}, nil
	default:
		return cbOrderConfiguration{}, fault.Newf(fault.Fatal, op, "unsupported order type %q", req.Type)
	}
}

func (c *Coinbase) CancelOrder(ctx context.Context, orderID string) error {
	const op = "coinbase.cancel_order"

	var result struct {
		Results []struct {
			Success       bool   `json:"success"`
			FailureReason string `json:"failure_reason"`
			OrderID       string `json:"order_id"`
		} `json:"results"`
	}
	const path = "/api/v3/brokerage/orders/batch_cancel"
	r, err := c.request(ctx, http.MethodPost, path)
	if err != nil {
		return err
	}
	resp, err := r.
		SetBody(map[string][]string{"order_ids": {orderID}}).
		SetResult(&result).
		Post(path)
	if err != nil {
		return fault.Wrap(fault.Transient, op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return c.apiError(op, resp)
	}
	if len(result.Results) == 0 {
		return fault.Newf(fault.Fatal, op, "empty cancel result for %s", orderID)
	}
	if !result.Results[0].Success {
		return fault.Newf(fault.Fatal, op, "cancel %s failed: %s", orderID, result.Results[0].FailureReason)
	}
	return nil
}

type cbOrder struct {
	OrderID            string               `json:"order_id"`
	ClientOrderID      string               `json:"client_order_id"`
	ProductID          string               `json:"product_id"`
	Side               string               `json:"side"`
	Status             string               `json:"status"`
	Config             cbOrderConfiguration `json:"order_configuration"`
	FilledSize         string               `json:"filled_size"`
	AverageFilledPrice string               `json:"average_filled_price"`
	TotalFees          string               `json:"total_fees"`
	CreatedTime        time.Time            `json:"created_time"`
	LastFillTime       time.Time            `json:"last_fill_time"`
}

func (c *Coinbase) GetOrder(ctx context.Context, orderID string) (Order, error) {
	const op = "coinbase.get_order"

	var result struct {
		Order cbOrder `json:"order"`
	}
	path := "/api/v3/brokerage/orders/historical/" + orderID
	r, err := c.request(ctx, http.MethodGet, path)
	if err != nil {
		return Order{}, err
	}
	resp, err := r.SetResult(&result).Get(path)
	if err != nil {
		return Order{}, fault.Wrap(fault.Transient, op, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Order{}, fault.Newf(fault.Fatal, op, "unknown order %s", orderID)
	}
	if resp.StatusCode() != http.StatusOK {
		return Order{}, c.apiError(op, resp)
	}
	return mapCoinbaseOrder(result.Order), nil
}

func (c *Coinbase) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	const op = "coinbase.list_open_orders"
	const path = "/api/v3/brokerage/orders/historical/batch"

	var out []Order
	cursor := ""
	for page := 0; page < 10; page++ {
		var result struct {
			Orders  []cbOrder `json:"orders"`
			HasNext bool      `json:"has_next"`
			Cursor  string    `json:"cursor"`
		}
		r, err := c.request(ctx, http.MethodGet, path)
		if err != nil {
			return nil, err
		}
		r.SetQueryParam("order_status", "OPEN")
		if symbol != "" {
			r.SetQueryParam("product_id", symbol)
		}
		if cursor != "" {
			r.SetQueryParam("cursor", cursor)
		}
		resp, err := r.SetResult(&result).Get(path)
		if err != nil {
			return nil, fault.Wrap(fault.Transient, op, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, c.apiError(op, resp)
		}
		for _, o := range result.Orders {
			out = append(out, mapCoinbaseOrder(o))
		}
		if !result.HasNext || result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}
	return out, nil
}

func (c *Coinbase) GetBalances(ctx context.Context) ([]Balance, error) {
	const op = "coinbase.get_balances"
	const path = "/api/v3/brokerage/accounts"

	var out []Balance
	cursor := ""
	for page := 0; page < 10; page++ {
		var result struct {
			Accounts []struct {
				Currency         string `json:"currency"`
				AvailableBalance struct {
					Value string `json:"value"`
				} `json:"available_balance"`
				Hold struct {
					Value string `json:"value"`
				} `json:"hold"`
			} `json:"accounts"`
			HasNext bool   `json:"has_next"`
			Cursor  string `json:"cursor"`
		}
		r, err := c.request(ctx, http.MethodGet, path)
		if err != nil {
			return nil, err
		}
		r.SetQueryParam("limit", "250")
		if cursor != "" {
			r.SetQueryParam("cursor", cursor)
		}
		resp, err := r.SetResult(&result).Get(path)
		if err != nil {
			return nil, fault.Wrap(fault.Transient, op, err)
		}
		if resp.StatusCode() != http.StatusOK {
			return nil, c.apiError(op, resp)
		}
		for _, a := range result.Accounts {
			free := f64(a.AvailableBalance.Value)
			locked := f64(a.Hold.Value)
			if free == 0 && locked == 0 {
				continue
			}
			out = append(out, Balance{Asset: a.Currency, Free: free, Locked: locked})
		}
		if !result.HasNext || result.Cursor == "" {
			break
		}
		cursor = result.Cursor
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (c *Coinbase) ListFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error) {
	const op = "coinbase.list_fills"
	const path = "/api/v3/brokerage/orders/historical/fills"

	var result struct {
		Fills []struct {
			TradeID    string    `json:"trade_id"`
			OrderID    string    `json:"order_id"`
			ProductID  string    `json:"product_id"`
			Price      string    `json:"price"`
			Size       string    `json:"size"`
			Commission string    `json:"commission"`
			TradeTime  time.Time `json:"trade_time"`
			Side       string    `json:"side"`
		} `json:"fills"`
	}
	r, err := c.request(ctx, http.MethodGet, path)
	if err != nil {
		return nil, err
	}
	if symbol != "" {
		r.SetQueryParam("product_id", symbol)
	}
	if !since.IsZero() {
		r.SetQueryParam("start_sequence_timestamp", since.UTC().Format(time.RFC3339))
	}
	resp, err := r.SetResult(&result).Get(path)
	if err != nil {
		return nil, fault.Wrap(fault.Transient, op, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, c.apiError(op, resp)
	}

	out := make([]Fill, 0, len(result.Fills))
	for _, f := range result.Fills {
		out = append(out, Fill{
			TradeID:  f.TradeID,
			OrderID:  f.OrderID,
			Symbol:   f.ProductID,
			Side:     Side(strings.ToLower(f.Side)),
			Quantity: f64(f.Size),
			Price:    f64(f.Price),
			FeeUsd:   f64(f.Commission),
			Time:     f.TradeTime,
		})
	}
	return out, nil
}

func mapCoinbaseOrder(o cbOrder) Order {
	out := Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.ProductID,
		Side:          Side(strings.ToLower(o.Side)),
		Status:        coinbaseStatus(o.Status),
		FilledQty:     f64(o.FilledSize),
		AvgFillPrice:  f64(o.AverageFilledPrice),
		FeesUsd:       f64(o.TotalFees),
		SubmittedAt:   o.CreatedTime,
		UpdatedAt:     o.CreatedTime,
	}
	if !o.LastFillTime.IsZero() {
		out.UpdatedAt = o.LastFillTime
	}
	switch {
	case o.Config.MarketIOC != nil:
		out.Type = OrderMarket
		out.RequestedQty = f64(o.Config.MarketIOC.BaseSize)
	case o.Config.LimitGTC != nil:
		out.Type = OrderLimit
		out.RequestedQty = f64(o.Config.LimitGTC.BaseSize)
		out.RequestedPrice = f64(o.Config.LimitGTC.LimitPrice)
	case o.Config.StopLimitGTC != nil:
		out.Type = OrderStopLimit
		out.RequestedQty = f64(o.Config.StopLimitGTC.BaseSize)
		out.RequestedPrice = f64(o.Config.StopLimitGTC.LimitPrice)
		out.StopPrice = f64(o.Config.StopLimitGTC.StopPrice)
	}
	return out
}

func coinbaseStatus(s string) OrderStatus {
	switch s {
	case "OPEN":
		return StatusOpen
	case "FILLED":
		return StatusFilled
	case "CANCELLED", "EXPIRED":
		return StatusCanceled
	case "FAILED":
		return StatusRejected
	default:
		return StatusPending
	}
}

// coinbaseGranularity maps an engine interval to the API's granularity enum
// and its length in seconds.
func coinbaseGranularity(interval string) (string, int64, error) {
	switch interval {
	case "1m":
		return "ONE_MINUTE", 60, nil
	case "5m":
		return "FIVE_MINUTE", 300, nil
	case "15m":
		return "FIFTEEN_MINUTE", 900, nil
	case "30m":
		return "THIRTY_MINUTE", 1800, nil
	case "1h":
		return "ONE_HOUR", 3600, nil
	case "2h":
		return "TWO_HOUR", 7200, nil
	case "6h":
		return "SIX_HOUR", 21600, nil
	case "1d":
		return "ONE_DAY", 86400, nil
	default:
		return "", 0, fmt.Errorf("unsupported interval %q", interval)
	}
}

// f64 parses the API's stringly-typed numbers; empty or malformed fields
// read as zero.
func f64(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// formatQty renders a quantity or price without exponent notation.
func formatQty(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
