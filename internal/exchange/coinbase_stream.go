package exchange

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"spot-trading-engine/internal/events"
)

const coinbaseWSURL = "wss://advanced-trade-ws.coinbase.com"

// TickerStream maintains a websocket subscription to the Coinbase Advanced
// Trade ticker channel and publishes each observation on the price channel.
// The strategy loops still poll REST; the stream fills the gaps between polls
// for dashboards and alerting. Reconnects forever until Stop.
type TickerStream struct {
	url      string
	products []string
	bus      *events.Bus
	log      zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
	latest    map[string]Ticker
}

// NewTickerStream prepares a stream for the given product IDs. Start must be
// called to connect.
func NewTickerStream(products []string, bus *events.Bus, log zerolog.Logger) *TickerStream {
	return &TickerStream{
		url:      coinbaseWSURL,
		products: products,
		bus:      bus,
		log:      log.With().Str("component", "coinbase_stream").Logger(),
		latest:   make(map[string]Ticker),
	}
}

// Start launches the connect loop. Safe to call once per Stop.
func (s *TickerStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return nil
	}
	if len(s.products) == 0 {
		s.log.Warn().Msg("ticker stream started with no products; not connecting")
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	go s.connect()
	s.log.Info().Strs("products", s.products).Msg("ticker stream starting")
	return nil
}

// Stop closes the connection and halts reconnects.
func (s *TickerStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)
	if s.conn != nil {
		s.conn.Close()
	}
	s.log.Info().Msg("ticker stream stopped")
}

// IsRunning reports whether the connect loop is active.
func (s *TickerStream) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// Snapshot returns the last ticker seen for symbol over the stream.
func (s *TickerStream) Snapshot(symbol string) (Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.latest[symbol]
	return t, ok
}

func (s *TickerStream) connect() {
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}
		if !s.IsRunning() {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
		if err != nil {
			s.log.Error().Err(err).Msg("ticker stream dial failed, retrying in 5s")
			time.Sleep(5 * time.Second)
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		if err := s.subscribe(conn); err != nil {
			s.log.Error().Err(err).Msg("ticker stream subscribe failed")
			conn.Close()
			time.Sleep(5 * time.Second)
			continue
		}

		s.log.Info().Msg("ticker stream connected")
		s.readLoop(conn)

		if s.IsRunning() {
			s.log.Warn().Msg("ticker stream disconnected, reconnecting in 3s")
			time.Sleep(3 * time.Second)
		}
	}
}

func (s *TickerStream) subscribe(conn *websocket.Conn) error {
	// Heartbeats keep the connection alive through quiet markets.
	for _, channel := range []string{"ticker", "heartbeats"} {
		msg := map[string]interface{}{
			"type":        "subscribe",
			"channel":     channel,
			"product_ids": s.products,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

func (s *TickerStream) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.IsRunning() {
				s.log.Error().Err(err).Msg("ticker stream read failed")
			}
			return
		}
		s.handleMessage(data)
	}
}

type wsTickerEvent struct {
	Channel string `json:"channel"`
	Events  []struct {
		Type    string `json:"type"`
		Tickers []struct {
			ProductID string `json:"product_id"`
			Price     string `json:"price"`
			BestBid   string `json:"best_bid"`
			BestAsk   string `json:"best_ask"`
			Volume24h string `json:"volume_24_h"`
		} `json:"tickers"`
	} `json:"events"`
}

func (s *TickerStream) handleMessage(data []byte) {
	var msg wsTickerEvent
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug().Err(err).Msg("ticker stream: unparseable message")
		return
	}
	if msg.Channel != "ticker" {
		// subscriptions acks and heartbeats arrive on their own channels
		return
	}

	now := time.Now()
	for _, ev := range msg.Events {
		for _, tk := range ev.Tickers {
			t := Ticker{
				Symbol:    tk.ProductID,
				Bid:       f64(tk.BestBid),
				Ask:       f64(tk.BestAsk),
				Last:      f64(tk.Price),
				Volume24h: f64(tk.Volume24h),
				Time:      now,
			}
			s.mu.Lock()
			s.latest[t.Symbol] = t
			s.mu.Unlock()

			s.bus.Price.Publish(events.PricePayload{
				Symbol:    t.Symbol,
				Bid:       t.Bid,
				Ask:       t.Ask,
				Last:      t.Last,
				Volume24h: t.Volume24h,
				Time:      t.Time,
			})
		}
	}
}
