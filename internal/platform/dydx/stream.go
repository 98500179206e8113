package dydx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 30 * time.Second
	// streamPingPeriod must be less than streamPongWait.
	streamPingPeriod        = (streamPongWait * 9) / 10
	streamReconnectDelay    = 2 * time.Second
	streamMaxReconnectDelay = 60 * time.Second

	marketsChannel = "v4_markets"
)

// PriceFallback answers when the stream has no fresh mark, usually the REST
// Client.
type PriceFallback interface {
	MarketPrice(ctx context.Context, symbol string) (float64, error)
}

type mark struct {
	price float64
	at    time.Time
}

// PriceStream keeps oracle prices for every market current from the indexer
// WebSocket v4_markets channel.
type PriceStream struct {
	wsURL    string
	fallback PriceFallback
	maxAge   time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.RWMutex
	marks map[string]mark
}

// NewPriceStream creates a stream for wsURL. fallback may be nil; maxAge <= 0
// accepts any age.
func NewPriceStream(wsURL string, fallback PriceFallback, maxAge time.Duration, logger *slog.Logger) *PriceStream {
	return &PriceStream{
		wsURL:    wsURL,
		fallback: fallback,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "dydx_price_stream")),
		now:      time.Now,
		marks:    make(map[string]mark),
	}
}

// MarketPrice returns the streamed oracle price of symbol, or asks the
// fallback when the mark is missing or stale.
func (s *PriceStream) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	s.mu.RLock()
	m, ok := s.marks[symbol]
	s.mu.RUnlock()
	if ok && (s.maxAge <= 0 || s.now().Sub(m.at) <= s.maxAge) {
		return m.price, nil
	}
	if s.fallback == nil {
		return 0, fmt.Errorf("dydx/stream: no price for %s", symbol)
	}
	return s.fallback.MarketPrice(ctx, symbol)
}

// Run connects and keeps reconnecting with exponential backoff until ctx is
// cancelled.
func (s *PriceStream) Run(ctx context.Context) error {
	delay := streamReconnectDelay
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			delay = streamReconnectDelay
		}
		s.logger.WarnContext(ctx, "price stream disconnected",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay *= 2
		if delay > streamMaxReconnectDelay {
			delay = streamMaxReconnectDelay
		}
	}
}

// session runs one connection. connected reports whether the dial and
// subscribe succeeded.
func (s *PriceStream) session(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return false, fmt.Errorf("dydx/stream: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	// gorilla allows one concurrent writer.
	var writeMu sync.Mutex
	write := func(messageType int, data []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteMessage(messageType, data)
	}

	sub, _ := json.Marshal(wsSubscribe{Type: "subscribe", Channel: marketsChannel})
	if err := write(websocket.TextMessage, sub); err != nil {
		return false, fmt.Errorf("dydx/stream: subscribe: %w", err)
	}
	s.logger.InfoContext(ctx, "price stream subscribed", slog.String("url", s.wsURL))

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ticker := time.NewTicker(streamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-sessionCtx.Done():
				_ = write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				conn.Close()
				return
			case <-ticker.C:
				if err := write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("dydx/stream: read: %w", err)
		}
		if err := s.handleMessage(raw); err != nil {
			s.logger.DebugContext(ctx, "price stream message skipped", slog.String("error", err.Error()))
		}
	}
}

// handleMessage applies a subscribed snapshot or a channel_data update.
func (s *PriceStream) handleMessage(raw []byte) error {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Channel != marketsChannel {
		return nil
	}

	var updates map[string]decimal.Decimal
	switch env.Type {
	case "subscribed":
		var snap wsMarketsSnapshot
		if err := json.Unmarshal(env.Contents, &snap); err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		updates = make(map[string]decimal.Decimal, len(snap.Markets))
		for symbol, m := range snap.Markets {
			updates[symbol] = m.OraclePrice
		}
	case "channel_data", "channel_batch_data":
		batch, err := decodeContents(env.Contents)
		if err != nil {
			return err
		}
		updates = make(map[string]decimal.Decimal)
		for _, c := range batch {
			for symbol, p := range c.OraclePrices {
				updates[symbol] = p.OraclePrice
			}
		}
	case "error":
		return errors.New("indexer error: " + string(env.Contents))
	default:
		return nil
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for symbol, p := range updates {
		if p.IsPositive() {
			s.marks[symbol] = mark{price: p.InexactFloat64(), at: now}
		}
	}
	return nil
}

// decodeContents accepts a single update object or a batched array of them.
func decodeContents(raw json.RawMessage) ([]wsMarketsUpdate, error) {
	var batch []wsMarketsUpdate
	if err := json.Unmarshal(raw, &batch); err == nil {
		return batch, nil
	}
	var one wsMarketsUpdate
	if err := json.Unmarshal(raw, &one); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return []wsMarketsUpdate{one}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
