package market

import (
	"fmt"
	"time"
)

// Interval is a candle bucket width in exchange notation.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"

	DefaultInterval = Interval1m
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval1h:  time.Hour,
	Interval4h:  4 * time.Hour,
	Interval1d:  24 * time.Hour,
}

// Intervals lists the supported intervals, shortest first.
func Intervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}
}

// Valid reports whether i is supported.
func (i Interval) Valid() bool {
	_, ok := intervalDurations[i]
	return ok
}

// Duration returns the bucket width, or 0 for an unsupported interval.
func (i Interval) Duration() time.Duration {
	return intervalDurations[i]
}

// ParseInterval validates s. An empty string yields the default interval.
func ParseInterval(s string) (Interval, error) {
	if s == "" {
		return DefaultInterval, nil
	}
	i := Interval(s)
	if !i.Valid() {
		return "", fmt.Errorf("unsupported interval %q", s)
	}
	return i, nil
}
