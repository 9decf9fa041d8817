package binance

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
)

// DefaultStreamURL is the production combined-stream endpoint.
const DefaultStreamURL = "wss://stream.binance.com:9443"

const (
	writeWait         = 10 * time.Second
	pongWait          = 60 * time.Second
	pingPeriod        = (pongWait * 9) / 10
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// Tick is one mini-ticker update.
type Tick struct {
	Symbol string
	Price  float64
	Time   time.Time
}

// TickHandler receives ticks from the stream's read goroutine.
type TickHandler func(Tick)

// miniTicker is the data payload of a <symbol>@miniTicker event.
type miniTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
}

type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// TickerStream follows the mini-ticker of a fixed symbol set over one
// combined websocket stream, reconnecting with exponential backoff.
type TickerStream struct {
	baseURL string
	symbols []string
	logger  *slog.Logger

	handlerMu sync.RWMutex
	handlers  []TickHandler
}

// NewTickerStream creates a stream for symbols.
func NewTickerStream(baseURL string, symbols []string, logger *slog.Logger) *TickerStream {
	if baseURL == "" {
		baseURL = DefaultStreamURL
	}
	return &TickerStream{
		baseURL: strings.TrimRight(baseURL, "/"),
		symbols: symbols,
		logger:  logger.With(slog.String("component", "binance_ws")),
	}
}

// OnTick registers a handler.
func (s *TickerStream) OnTick(h TickHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handlers = append(s.handlers, h)
}

// StreamURL builds the combined-stream URL for the configured symbols.
func (s *TickerStream) StreamURL() string {
	names := make([]string, 0, len(s.symbols))
	for _, sym := range s.symbols {
		names = append(names, strings.ToLower(sym)+"@miniTicker")
	}
	return s.baseURL + "/stream?streams=" + strings.Join(names, "/")
}

// Run connects and reads until ctx is done. Disconnects are retried with
// backoff; Run only returns ctx.Err().
func (s *TickerStream) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		start := time.Now()
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(start) > maxReconnectDelay {
			delay = reconnectDelay
		}
		s.logger.WarnContext(ctx, "binance_ws: disconnected, reconnecting",
			slog.String("error", fmt.Sprint(err)),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// session runs one connection until it fails or ctx ends.
func (s *TickerStream) session(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.StreamURL(), nil)
	if err != nil {
		return fmt.Errorf("binance_ws: connect: %w", err)
	}
	defer conn.Close()

	var writeMu sync.Mutex
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// The venue pings every few minutes; answering extends our deadline too.
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				writeMu.Unlock()
				_ = conn.Close()
				return
			case <-ticker.C:
				writeMu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()

	s.logger.InfoContext(ctx, "binance_ws: connected", slog.Int("symbols", len(s.symbols)))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("binance_ws: read: %w", err)
		}
		if tick, ok := parseTick(msg); ok {
			s.dispatch(tick)
		}
	}
}

func (s *TickerStream) dispatch(t Tick) {
	s.handlerMu.RLock()
	handlers := s.handlers
	s.handlerMu.RUnlock()
	for _, h := range handlers {
		h(t)
	}
}

// parseTick accepts both combined ({"stream":..,"data":..}) and raw
// mini-ticker payloads.
func parseTick(raw []byte) (Tick, bool) {
	var env combinedEnvelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		raw = env.Data
	}
	var mt miniTicker
	if err := json.Unmarshal(raw, &mt); err != nil || mt.Event != "24hrMiniTicker" {
		return Tick{}, false
	}
	price, err := strconv.ParseFloat(mt.Close, 64)
	if err != nil || price <= 0 {
		return Tick{}, false
	}
	return Tick{Symbol: mt.Symbol, Price: price, Time: time.UnixMilli(mt.EventTime).UTC()}, true
}
