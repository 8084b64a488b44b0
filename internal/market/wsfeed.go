package market

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"nfo-seller-bot/internal/config"
	"nfo-seller-bot/internal/strategy"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// SymbolFunc renders an instrument into the feed's symbol convention.
type SymbolFunc func(strategy.Instrument) string

// WSFeed consumes a touchline stream over a websocket and caches the
// last traded price per symbol. Reconnects with subscription replay.
type WSFeed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	symbolFor      SymbolFunc
	log            *zap.Logger

	mu    sync.Mutex
	conn  *websocket.Conn
	subs  map[string]struct{}
	marks map[string]float64
}

func NewWSFeed(cfg config.FeedConfig, symbolFor SymbolFunc, log *zap.Logger) *WSFeed {
	return &WSFeed{
		url:            cfg.URL,
		reconnectDelay: cfg.ReconnectDelay,
		pingInterval:   cfg.PingInterval,
		symbolFor:      symbolFor,
		log:            log,
		subs:           make(map[string]struct{}),
		marks:          make(map[string]float64),
	}
}

type tick struct {
	Type   string `json:"t"`
	Symbol string `json:"tsym"`
	LTP    string `json:"lp"`
}

// Mark returns the cached price for the instrument, subscribing on
// first use and waiting briefly for the initial tick.
func (f *WSFeed) Mark(ctx context.Context, inst strategy.Instrument) (float64, error) {
	symbol := f.symbolFor(inst)
	if price, ok := f.cached(symbol); ok {
		return price, nil
	}
	if err := f.subscribe(ctx, symbol); err != nil {
		return 0, err
	}
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline.C:
			return 0, ErrNoMark
		case <-poll.C:
			if price, ok := f.cached(symbol); ok {
				return price, nil
			}
		}
	}
}

func (f *WSFeed) cached(symbol string) (float64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.marks[symbol]
	return price, ok
}

func (f *WSFeed) subscribe(ctx context.Context, symbol string) error {
	f.mu.Lock()
	_, already := f.subs[symbol]
	f.subs[symbol] = struct{}{}
	conn := f.conn
	f.mu.Unlock()
	if already {
		return nil
	}
	if conn == nil {
		return errors.New("feed not connected")
	}
	return writeJSON(ctx, conn, subMessage(symbol))
}

// Run drives the connect/read/reconnect cycle until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	for {
		if err := f.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("feed connect failed", zap.Error(err))
		} else {
			pingCtx, cancel := context.WithCancel(ctx)
			pingDone := make(chan struct{})
			go func() {
				defer close(pingDone)
				f.pingLoop(pingCtx)
			}()
			err := f.readLoop(ctx)
			cancel()
			<-pingDone
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("feed read loop ended", zap.Error(err))
		}
		f.resetConn()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *WSFeed) ensureConnected(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		dialed, _, err := websocket.Dial(ctx, f.url, nil)
		if err != nil {
			return err
		}
		f.mu.Lock()
		f.conn = dialed
		conn = dialed
		f.mu.Unlock()
	}
	f.mu.Lock()
	symbols := make([]string, 0, len(f.subs))
	for symbol := range f.subs {
		symbols = append(symbols, symbol)
	}
	f.mu.Unlock()
	for _, symbol := range symbols {
		if err := writeJSON(ctx, conn, subMessage(symbol)); err != nil {
			return err
		}
	}
	return nil
}

func (f *WSFeed) readLoop(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("feed not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.handle(data)
	}
}

func (f *WSFeed) handle(data []byte) {
	var msg tick
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Symbol == "" || msg.LTP == "" {
		return
	}
	var price float64
	if err := json.Unmarshal([]byte(msg.LTP), &price); err != nil {
		return
	}
	f.mu.Lock()
	f.marks[msg.Symbol] = price
	f.mu.Unlock()
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	interval := f.pingInterval
	f.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, heartbeat); err != nil {
				return
			}
		}
	}
}

func (f *WSFeed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func subMessage(symbol string) map[string]any {
	return map[string]any{"t": "t", "k": "NFO|" + symbol}
}

var heartbeat = map[string]any{"t": "h"}
