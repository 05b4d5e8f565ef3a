// Package market keeps a candlestick series for one instrument consistent
// with an exchange: a historical batch first, then live updates merged in.
package market

import (
	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bucket. Time is the bucket open in whole seconds
// since the Unix epoch and uniquely identifies the bucket within a series.
type Candle struct {
	Time   int64           `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Rising reports whether the bucket closed at or above its open.
func (c Candle) Rising() bool {
	return c.Close.GreaterThanOrEqual(c.Open)
}

// BucketSeconds converts an exchange millisecond timestamp to a bucket time.
func BucketSeconds(ms int64) int64 {
	return ms / 1000
}

// ParseCandle builds a candle from the decimal strings exchanges send.
func ParseCandle(timeSec int64, open, high, low, close, volume string) (Candle, error) {
	c := Candle{Time: timeSec}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&c.Open, open}, {&c.High, high}, {&c.Low, low}, {&c.Close, close}, {&c.Volume, volume},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return Candle{}, err
		}
		*f.dst = d
	}
	return c, nil
}
