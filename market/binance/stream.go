package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeport/tradeport-client/market"
)

const (
	pingInterval = 3 * time.Minute
	writeWait    = 10 * time.Second
)

// Feed dials Binance kline streams.
type Feed struct {
	wsURL  string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewFeed creates a live feed rooted at wsURL.
func NewFeed(wsURL string, logger *slog.Logger) *Feed {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		wsURL:  strings.TrimRight(wsURL, "/"),
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: websocket.DefaultDialer.Proxy},
		logger: logger,
	}
}

// StreamURL returns the stream address for symbol and interval.
func (f *Feed) StreamURL(symbol string, interval market.Interval) string {
	return fmt.Sprintf("%s/%s@kline_%s", f.wsURL, strings.ToLower(symbol), interval)
}

// Dial implements market.Feed. The stream closes when ctx is done.
func (f *Feed) Dial(ctx context.Context, symbol string, interval market.Interval) (market.Stream, error) {
	u := f.StreamURL(symbol, interval)
	conn, _, err := f.dialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	f.logger.Debug("Kline stream connected", "url", u)

	s := &stream{conn: conn, stop: make(chan struct{})}
	s.wg.Add(1)
	go s.keepalive(ctx)
	return s, nil
}

type klineEvent struct {
	Event string `json:"e"`
	Kline struct {
		Start  int64  `json:"t"`
		Open   string `json:"o"`
		High   string `json:"h"`
		Low    string `json:"l"`
		Close  string `json:"c"`
		Volume string `json:"v"`
		Closed bool   `json:"x"`
	} `json:"k"`
}

type stream struct {
	conn *websocket.Conn
	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Next returns the next kline update, skipping frames that are not klines.
// The ctx given to Dial governs the connection's lifetime; ctx here only
// short-circuits an already cancelled call.
func (s *stream) Next(ctx context.Context) (market.Candle, error) {
	for {
		if err := ctx.Err(); err != nil {
			return market.Candle{}, err
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return market.Candle{}, fmt.Errorf("read kline: %w", err)
		}
		var ev klineEvent
		if err := json.Unmarshal(data, &ev); err != nil || ev.Event != "kline" {
			continue
		}
		k := ev.Kline
		c, err := market.ParseCandle(market.BucketSeconds(k.Start), k.Open, k.High, k.Low, k.Close, k.Volume)
		if err != nil {
			continue
		}
		return c, nil
	}
}

// Close stops the keepalive and closes the connection. Safe to call twice.
func (s *stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
		s.wg.Wait()
	})
	return err
}

// keepalive pings periodically and closes the socket when ctx ends, which
// unblocks a pending ReadMessage.
func (s *stream) keepalive(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			_ = s.conn.Close()
			return
		case <-t.C:
			_ = s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
	}
}
