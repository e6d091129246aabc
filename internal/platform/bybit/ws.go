package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	wsWriteWait = 10 * time.Second
	// Bybit drops idle connections after 30s without an application ping.
	wsReadWait          = 45 * time.Second
	wsPingPeriod        = 20 * time.Second
	wsReconnectDelay    = 2 * time.Second
	wsMaxReconnectDelay = 60 * time.Second
)

// TickerHandler receives every last-price update.
type TickerHandler func(symbol string, price float64, ts time.Time)

// TickerStream subscribes to the public tickers.{symbol} topics and keeps
// the latest last price per symbol.
type TickerStream struct {
	wsURL  string
	logger *slog.Logger

	mu     sync.RWMutex
	conn   *websocket.Conn
	closed bool
	topics []string
	reqID  int64

	handlerMu sync.RWMutex
	handlers  []TickerHandler

	done chan struct{}
}

// NewTickerStream creates a stream against the public linear endpoint,
// e.g. "wss://stream.bybit.com/v5/public/linear".
func NewTickerStream(wsURL string, logger *slog.Logger) *TickerStream {
	return &TickerStream{
		wsURL:  wsURL,
		logger: logger.With(slog.String("component", "bybit_ws")),
		done:   make(chan struct{}),
	}
}

// OnTicker registers a handler for price updates.
func (w *TickerStream) OnTicker(h TickerHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, h)
}

// PipeTo writes every update into cache.
func (w *TickerStream) PipeTo(cache domain.PriceCache) {
	w.OnTicker(func(symbol string, price float64, ts time.Time) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := cache.SetPrice(ctx, symbol, price, ts); err != nil {
			w.logger.Debug("price cache write failed", slog.String("symbol", symbol), slog.String("error", err.Error()))
		}
	})
}

// Connect dials the endpoint and restores tracked subscriptions.
func (w *TickerStream) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("bybit/ws: stream is closed: %w", domain.ErrWSDisconnect)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bybit/ws: connect: %w", err)
	}
	w.conn = conn
	w.conn.SetReadDeadline(time.Now().Add(wsReadWait))

	go w.readLoop(conn)
	go w.pingLoop(conn)

	if len(w.topics) > 0 {
		if err := w.send(wsCommand{Op: "subscribe", Args: w.topics}); err != nil {
			return fmt.Errorf("bybit/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

// Subscribe adds ticker topics for symbols.
func (w *TickerStream) Subscribe(symbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var fresh []string
	existing := make(map[string]struct{}, len(w.topics))
	for _, t := range w.topics {
		existing[t] = struct{}{}
	}
	for _, s := range symbols {
		topic := "tickers." + s
		if _, ok := existing[topic]; !ok {
			fresh = append(fresh, topic)
			existing[topic] = struct{}{}
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	w.topics = append(w.topics, fresh...)

	if w.conn == nil {
		return nil
	}
	if err := w.send(wsCommand{Op: "subscribe", Args: fresh}); err != nil {
		return fmt.Errorf("bybit/ws: subscribe: %w", err)
	}
	return nil
}

// Run connects and blocks until ctx is cancelled.
func (w *TickerStream) Run(ctx context.Context) error {
	if err := w.Connect(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Close()
}

// Close shuts the connection down.
func (w *TickerStream) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// send writes a command. Caller must hold w.mu.
func (w *TickerStream) send(cmd wsCommand) error {
	w.reqID++
	cmd.ReqID = strconv.FormatInt(w.reqID, 10)
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", cmd.Op, err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *TickerStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.logger.Warn("stream read failed, reconnecting", slog.String("error", err.Error()))
			w.reconnect()
			return
		}
		conn.SetReadDeadline(time.Now().Add(wsReadWait))
		w.handleMessage(message)
	}
}

// pingLoop sends the application-level ping Bybit expects.
func (w *TickerStream) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.conn != conn {
				w.mu.Unlock()
				return
			}
			err := w.send(wsCommand{Op: "ping"})
			w.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (w *TickerStream) handleMessage(raw []byte) {
	var frame wsFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return
	}
	if frame.Op != "" {
		if frame.Success != nil && !*frame.Success {
			w.logger.Warn("stream command rejected", slog.String("op", frame.Op), slog.String("msg", frame.RetMsg))
		}
		return
	}
	if !strings.HasPrefix(frame.Topic, "tickers.") {
		return
	}

	var t wsTicker
	if err := json.Unmarshal(frame.Data, &t); err != nil {
		return
	}
	price := parseFloat(t.LastPrice)
	if price <= 0 {
		// Deltas without a last trade carry nothing for us.
		return
	}
	symbol := t.Symbol
	if symbol == "" {
		symbol = strings.TrimPrefix(frame.Topic, "tickers.")
	}
	ts := time.Now().UTC()
	if frame.TS > 0 {
		ts = time.UnixMilli(frame.TS).UTC()
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(symbol, price, ts)
	}
}

// reconnect re-dials with exponential backoff.
func (w *TickerStream) reconnect() {
	delay := wsReconnectDelay
	for {
		select {
		case <-w.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		delay *= 2
		if delay > wsMaxReconnectDelay {
			delay = wsMaxReconnectDelay
		}
	}
}
