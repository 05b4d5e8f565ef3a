// Package binance adapts Binance's public spot kline endpoints to the market
// package's HistoryFetcher and Feed.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tradeport/tradeport-client/market"
)

const (
	// DefaultRESTURL is the public spot REST root.
	DefaultRESTURL = "https://api.binance.com"
	// DefaultWSURL is the public spot stream root.
	DefaultWSURL = "wss://stream.binance.com:9443/ws"
)

// APIError is a non-2xx REST response.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("binance: status %d code %d: %s", e.Status, e.Code, e.Msg)
	}
	return fmt.Sprintf("binance: status %d", e.Status)
}

// History fetches historical klines over REST.
type History struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewHistory creates a REST history fetcher. A nil client gets a 15s timeout.
func NewHistory(baseURL string, client *http.Client, logger *slog.Logger) *History {
	if baseURL == "" {
		baseURL = DefaultRESTURL
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &History{baseURL: strings.TrimRight(baseURL, "/"), client: client, logger: logger}
}

// FetchCandles implements market.HistoryFetcher.
func (h *History) FetchCandles(ctx context.Context, symbol string, interval market.Interval, limit int) ([]market.Candle, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(interval))
	q.Set("limit", strconv.Itoa(limit))
	u := h.baseURL + "/api/v3/klines?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build klines request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read klines: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return nil, apiErr
	}

	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}
	out := make([]market.Candle, 0, len(rows))
	for i, row := range rows {
		c, err := parseRow(row)
		if err != nil {
			return nil, fmt.Errorf("kline row %d: %w", i, err)
		}
		out = append(out, c)
	}
	h.logger.Debug("Fetched klines", "symbol", symbol, "interval", interval, "count", len(out))
	return out, nil
}

// parseRow decodes [openTimeMs, "open", "high", "low", "close", "volume", ...].
func parseRow(row []json.RawMessage) (market.Candle, error) {
	if len(row) < 6 {
		return market.Candle{}, fmt.Errorf("expected at least 6 fields, got %d", len(row))
	}
	var openMs int64
	if err := json.Unmarshal(row[0], &openMs); err != nil {
		return market.Candle{}, fmt.Errorf("open time: %w", err)
	}
	var fields [5]string
	for i := range fields {
		if err := json.Unmarshal(row[i+1], &fields[i]); err != nil {
			return market.Candle{}, fmt.Errorf("field %d: %w", i+1, err)
		}
	}
	return market.ParseCandle(market.BucketSeconds(openMs), fields[0], fields[1], fields[2], fields[3], fields[4])
}
