package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/avolkov/exitpilot/internal/domain"
)

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// PriceFeed streams live tickers for a set of symbols over the exchange
// websocket. Ticks are delivered on a buffered channel; when the consumer
// falls behind the oldest tick is dropped so the feed never blocks on a
// slow reader.
type PriceFeed struct {
	url     string
	symbols []string
	logger  *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn

	ticks chan domain.Ticker
	done  chan struct{}
}

// NewPriceFeed creates a feed for the given symbols. Run must be called to
// start streaming.
func NewPriceFeed(wsURL string, symbols []string, logger *slog.Logger) *PriceFeed {
	return &PriceFeed{
		url:     wsURL,
		symbols: symbols,
		logger:  logger.With(slog.String("component", "price_feed")),
		ticks:   make(chan domain.Ticker, 64),
		done:    make(chan struct{}),
	}
}

// Ticks returns the channel ticker updates are delivered on. The channel is
// closed when Run returns.
func (f *PriceFeed) Ticks() <-chan domain.Ticker {
	return f.ticks
}

// Run connects to the websocket and streams ticks until ctx is cancelled.
// Connection failures are retried with exponential backoff and the symbol
// subscriptions are restored on every reconnect.
func (f *PriceFeed) Run(ctx context.Context) error {
	defer close(f.ticks)

	delay := reconnectDelay
	for {
		if err := f.connect(ctx); err != nil {
			f.logger.Warn("connect failed, retrying",
				slog.String("error", err.Error()),
				slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxReconnectDelay {
				delay = maxReconnectDelay
			}
			continue
		}
		delay = reconnectDelay

		err := f.serve(ctx)
		f.closeConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("connection lost, reconnecting", slog.String("error", err.Error()))
	}
}

func (f *PriceFeed) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("exchange: dial %s: %w", f.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	sub := map[string]any{
		"method": "SUBSCRIBE",
		"params": tickerStreams(f.symbols),
		"id":     1,
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return fmt.Errorf("exchange: subscribe: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	f.logger.Info("connected", slog.Int("symbols", len(f.symbols)))
	return nil
}

// serve reads ticks and keeps the connection alive until it fails or ctx is
// cancelled.
func (f *PriceFeed) serve(ctx context.Context) error {
	errCh := make(chan error, 2)
	go f.readLoop(errCh)
	go f.pingLoop(ctx, errCh)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (f *PriceFeed) readLoop(errCh chan<- error) {
	conn := f.current()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- fmt.Errorf("exchange: read: %w", err)
			return
		}

		tick, ok := parseTick(data)
		if !ok {
			continue
		}

		select {
		case f.ticks <- tick:
		default:
			// Drop the oldest tick to make room for the newest.
			select {
			case <-f.ticks:
			default:
			}
			select {
			case f.ticks <- tick:
			default:
			}
		}
	}
}

func (f *PriceFeed) pingLoop(ctx context.Context, errCh chan<- error) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn := f.current()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				errCh <- fmt.Errorf("exchange: ping: %w", err)
				return
			}
		}
	}
}

func (f *PriceFeed) current() *websocket.Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

func (f *PriceFeed) closeConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

func tickerStreams(symbols []string) []string {
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, s+"@ticker")
	}
	return streams
}

// parseTick decodes a stream message. Non-ticker payloads, including the
// subscription acknowledgement, are skipped.
func parseTick(data []byte) (domain.Ticker, bool) {
	var msg struct {
		Symbol string `json:"s"`
		Price  string `json:"c"`
		Bid    string `json:"b"`
		Ask    string `json:"a"`
		EventT int64  `json:"E"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Symbol == "" || msg.Price == "" {
		return domain.Ticker{}, false
	}

	price, err := strconv.ParseFloat(msg.Price, 64)
	if err != nil {
		return domain.Ticker{}, false
	}
	bid, _ := strconv.ParseFloat(msg.Bid, 64)
	ask, _ := strconv.ParseFloat(msg.Ask, 64)

	ts := time.Now().UTC()
	if msg.EventT > 0 {
		ts = time.UnixMilli(msg.EventT).UTC()
	}
	return domain.Ticker{Symbol: msg.Symbol, Price: price, Bid: bid, Ask: ask, Ts: ts}, true
}
