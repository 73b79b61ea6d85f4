package exchange

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/rs/zerolog"

	"spot-trading-engine/internal/fault"
)

// Binance adapts the spot REST API via the adshao SDK. Symbols are used
// verbatim, so Binance deployments configure native pairs ("BTCUSDT").
//
// The engine addresses orders by ID alone while the API requires the symbol
// on every order call, so the adapter keeps an orderID -> symbol cache and
// falls back to probing the configured symbols on a miss (restart case).
type Binance struct {
	client  *binance.Client
	symbols []string
	log     zerolog.Logger

	mu           sync.Mutex
	orderSymbols map[string]string
}

// NewBinance builds a spot adapter. symbols is the configured trading set,
// used to resolve order IDs that predate this process.
func NewBinance(creds Credentials, symbols []string, log zerolog.Logger) *Binance {
	return &Binance{
		client:       binance.NewClient(creds.APIKey, creds.APISecret),
		symbols:      symbols,
		log:          log.With().Str("component", "binance").Logger(),
		orderSymbols: make(map[string]string),
	}
}

func (b *Binance) Name() string { return "binance" }

// classify sorts SDK errors into retryable and not. Rate limits, unknown
// upstream states and timestamp drift retry; order rejections do not.
func classifyBinance(op string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case -1000, -1001, -1003, -1007, -1021:
			return fault.Wrap(fault.Transient, op, err)
		}
		return fault.Wrap(fault.Fatal, op, err)
	}
	return fault.Wrap(fault.Transient, op, err)
}

func (b *Binance) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	const op = "binance.get_ticker"

	books, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return Ticker{}, classifyBinance(op, err)
	}
	if len(books) == 0 {
		return Ticker{}, fault.Newf(fault.Fatal, op, "no book ticker for %s", symbol)
	}

	stats, err := b.client.NewListPriceChangeStatsService().Symbol(symbol).Do(ctx)
	if err != nil {
		return Ticker{}, classifyBinance(op, err)
	}

	t := Ticker{
		Symbol: symbol,
		Bid:    f64(books[0].BidPrice),
		Ask:    f64(books[0].AskPrice),
		Time:   time.Now(),
	}
	if len(stats) > 0 {
		t.Last = f64(stats[0].LastPrice)
		t.Volume24h = f64(stats[0].Volume)
	}
	return t, nil
}

func (b *Binance) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	const op = "binance.get_candles"

	svc := b.client.NewKlinesService().Symbol(symbol).Interval(interval)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinance(op, err)
	}

	out := make([]Candle, 0, len(klines))
	for _, k := range klines {
		out = append(out, Candle{
			OpenTime: time.UnixMilli(k.OpenTime).UTC(),
			Open:     f64(k.Open),
			High:     f64(k.High),
			Low:      f64(k.Low),
			Close:    f64(k.Close),
			Volume:   f64(k.Volume),
		})
	}
	return out, nil
}

func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	const op = "binance.place_order"

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(binanceSide(req.Side)).
		Quantity(formatQty(req.Quantity))

	switch req.Type {
	case OrderMarket:
		svc = svc.Type(binance.OrderTypeMarket)
	case OrderLimit:
		if req.Price <= 0 {
			return Order{}, fault.New(fault.Fatal, op, "limit order without price")
		}
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatQty(req.Price))
	case OrderStop:
		if req.StopPrice <= 0 {
			return Order{}, fault.New(fault.Fatal, op, "stop order without stop price")
		}
		svc = svc.Type(binance.OrderTypeStopLoss).
			StopPrice(formatQty(req.StopPrice))
	case OrderStopLimit:
		if req.StopPrice <= 0 || req.Price <= 0 {
			return Order{}, fault.New(fault.Fatal, op, "stop-limit order needs stop and limit prices")
		}
		svc = svc.Type(binance.OrderTypeStopLossLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(formatQty(req.Price)).
			StopPrice(formatQty(req.StopPrice))
	default:
		return Order{}, fault.Newf(fault.Fatal, op, "unsupported order type %q", req.Type)
	}
	if req.ClientOrderID != "" {
		svc = svc.NewClientOrderID(req.ClientOrderID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return Order{}, classifyBinance(op, err)
	}

	orderID := strconv.FormatInt(res.OrderID, 10)
	b.rememberSymbol(orderID, res.Symbol)

	filled := f64(res.ExecutedQuantity)
	avg := 0.0
	if filled > 0 {
		avg = f64(res.CummulativeQuoteQuantity) / filled
	}
	fees := 0.0
	for _, fl := range res.Fills {
		fees += b.feeUsd(res.Symbol, fl.CommissionAsset, f64(fl.Commission), f64(fl.Price))
	}

	submitted := time.UnixMilli(res.TransactTime)
	return Order{
		OrderID:        orderID,
		ClientOrderID:  res.ClientOrderID,
		Symbol:         res.Symbol,
		Side:           req.Side,
		Type:           req.Type,
		RequestedQty:   req.Quantity,
		RequestedPrice: req.Price,
		StopPrice:      req.StopPrice,
		FilledQty:      filled,
		AvgFillPrice:   avg,
		FeesUsd:        fees,
		Status:         binanceStatus(res.Status),
		SubmittedAt:    submitted,
		UpdatedAt:      submitted,
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, orderID string) error {
	const op = "binance.cancel_order"

	symbol, id, err := b.resolveOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if _, err := b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx); err != nil {
		return classifyBinance(op, err)
	}
	return nil
}

func (b *Binance) GetOrder(ctx context.Context, orderID string) (Order, error) {
	const op = "binance.get_order"

	symbol, id, err := b.resolveOrder(ctx, orderID)
	if err != nil {
		return Order{}, err
	}
	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return Order{}, classifyBinance(op, err)
	}
	return b.mapOrder(o), nil
}

func (b *Binance) ListOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	const op = "binance.list_open_orders"

	svc := b.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinance(op, err)
	}

	out := make([]Order, 0, len(orders))
	for _, o := range orders {
		mapped := b.mapOrder(o)
		b.rememberSymbol(mapped.OrderID, mapped.Symbol)
		out = append(out, mapped)
	}
	return out, nil
}

func (b *Binance) GetBalances(ctx context.Context) ([]Balance, error) {
	const op = "binance.get_balances"

	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classifyBinance(op, err)
	}

	var out []Balance
	for _, bal := range acct.Balances {
		free, locked := f64(bal.Free), f64(bal.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, Balance{Asset: bal.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

func (b *Binance) ListFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error) {
	const op = "binance.list_fills"

	svc := b.client.NewListTradesService().Symbol(symbol)
	if !since.IsZero() {
		svc = svc.StartTime(since.UnixMilli())
	}
	trades, err := svc.Do(ctx)
	if err != nil {
		return nil, classifyBinance(op, err)
	}

	out := make([]Fill, 0, len(trades))
	for _, tr := range trades {
		side := SideSell
		if tr.IsBuyer {
			side = SideBuy
		}
		price := f64(tr.Price)
		out = append(out, Fill{
			TradeID:  strconv.FormatInt(tr.ID, 10),
			OrderID:  strconv.FormatInt(tr.OrderID, 10),
			Symbol:   tr.Symbol,
			Side:     side,
			Quantity: f64(tr.Quantity),
			Price:    price,
			FeeUsd:   b.feeUsd(tr.Symbol, tr.CommissionAsset, f64(tr.Commission), price),
			Time:     time.UnixMilli(tr.Time).UTC(),
		})
	}
	return out, nil
}

func (b *Binance) rememberSymbol(orderID, symbol string) {
	b.mu.Lock()
	b.orderSymbols[orderID] = symbol
	b.mu.Unlock()
}

// resolveOrder finds the symbol an order ID belongs to. Cache miss probes
// every configured symbol; NO_SUCH_ORDER (-2013) means keep looking.
func (b *Binance) resolveOrder(ctx context.Context, orderID string) (string, int64, error) {
	const op = "binance.resolve_order"

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return "", 0, fault.Newf(fault.Fatal, op, "malformed order id %q", orderID)
	}

	b.mu.Lock()
	symbol, ok := b.orderSymbols[orderID]
	b.mu.Unlock()
	if ok {
		return symbol, id, nil
	}

	for _, s := range b.symbols {
		_, err := b.client.NewGetOrderService().Symbol(s).OrderID(id).Do(ctx)
		if err != nil {
			var apiErr *common.APIError
			if errors.As(err, &apiErr) && apiErr.Code == -2013 {
				continue
			}
			return "", 0, classifyBinance(op, err)
		}
		b.rememberSymbol(orderID, s)
		return s, id, nil
	}
	return "", 0, fault.Newf(fault.Fatal, op, "order %s not found on any configured symbol", orderID)
}

// feeUsd normalizes a commission into quote currency. Base-asset commissions
// convert at the fill price; commissions in a third asset (BNB discounts)
// cannot be valued here and count as zero.
func (b *Binance) feeUsd(symbol, commissionAsset string, commission, price float64) float64 {
	if commission == 0 {
		return 0
	}
	switch strings.ToUpper(commissionAsset) {
	case strings.ToUpper(QuoteAsset(symbol)):
		return commission
	case strings.ToUpper(BaseAsset(symbol)):
		return commission * price
	}
	b.log.Debug().
		Str("symbol", symbol).
		Str("asset", commissionAsset).
		Float64("commission", commission).
		Msg("commission in unpriced asset, counting zero")
	return 0
}

func (b *Binance) mapOrder(o *binance.Order) Order {
	filled := f64(o.ExecutedQuantity)
	avg := 0.0
	if filled > 0 {
		avg = f64(o.CummulativeQuoteQuantity) / filled
	}
	return Order{
		OrderID:        strconv.FormatInt(o.OrderID, 10),
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           Side(strings.ToLower(string(o.Side))),
		Type:           binanceOrderType(o.Type),
		RequestedQty:   f64(o.OrigQuantity),
		RequestedPrice: f64(o.Price),
		StopPrice:      f64(o.StopPrice),
		FilledQty:      filled,
		AvgFillPrice:   avg,
		Status:         binanceStatus(o.Status),
		SubmittedAt:    time.UnixMilli(o.Time),
		UpdatedAt:      time.UnixMilli(o.UpdateTime),
	}
}

func binanceSide(s Side) binance.SideType {
	if s == SideBuy {
		return binance.SideTypeBuy
	}
	return binance.SideTypeSell
}

func binanceOrderType(t binance.OrderType) OrderType {
	switch t {
	case binance.OrderTypeMarket:
		return OrderMarket
	case binance.OrderTypeLimit:
		return OrderLimit
	case binance.OrderTypeStopLoss:
		return OrderStop
	case binance.OrderTypeStopLossLimit:
		return OrderStopLimit
	}
	return OrderType(strings.ToLower(string(t)))
}

func binanceStatus(s binance.OrderStatusType) OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew, binance.OrderStatusTypePartiallyFilled:
		return StatusOpen
	case binance.OrderStatusTypeFilled:
		return StatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypeExpired, binance.OrderStatusTypePendingCancel:
		return StatusCanceled
	case binance.OrderStatusTypeRejected:
		return StatusRejected
	}
	return StatusPending
}
