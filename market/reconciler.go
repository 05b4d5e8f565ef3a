package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeport/tradeport-client/metrics"
)

var (
	// ErrFeedUnavailable is reported once reconnect attempts are exhausted.
	ErrFeedUnavailable = errors.New("live feed unavailable")

	// ErrClosed is returned by operations on a closed Reconciler.
	ErrClosed = errors.New("reconciler closed")
)

// DefaultHistoryLimit is the number of candles requested for the initial batch.
const DefaultHistoryLimit = 1000

// HistoryFetcher loads the most recent candles for a symbol, oldest first.
type HistoryFetcher interface {
	FetchCandles(ctx context.Context, symbol string, interval Interval, limit int) ([]Candle, error)
}

// Feed opens live candle streams.
type Feed interface {
	Dial(ctx context.Context, symbol string, interval Interval) (Stream, error)
}

// Stream yields live updates until it fails or ctx is done.
type Stream interface {
	Next(ctx context.Context) (Candle, error)
	Close() error
}

// Status is the live feed state of a Reconciler.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusLoading      Status = "loading"
	StatusLive         Status = "live"
	StatusReconnecting Status = "reconnecting"
	StatusUnavailable  Status = "unavailable"
	StatusClosed       Status = "closed"
)

// UpdateKind tells listeners which fields of an Update are set.
type UpdateKind int

const (
	// UpdateSnapshot carries the full series. An empty one means the series
	// was reset.
	UpdateSnapshot UpdateKind = iota
	// UpdateCandle carries one merged candle and its outcome.
	UpdateCandle
	// UpdateStatus carries a status change.
	UpdateStatus
)

// Update is delivered to listeners.
type Update struct {
	Kind     UpdateKind
	Interval Interval
	Candles  []Candle
	Candle   Candle
	Outcome  Outcome
	Status   Status
}

// Listener receives updates on the goroutine that produced them. Listeners
// must not block and must not call SetInterval or Close.
type Listener func(Update)

// Config configures a Reconciler.
type Config struct {
	Symbol    string
	Interval  Interval
	History   HistoryFetcher
	Feed      Feed
	Limit     int
	Reconnect ReconnectPolicy
	Logger    *slog.Logger
	Metrics   *metrics.Metrics

	// Sleep waits between reconnect attempts. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Snapshot is a point-in-time copy of a Reconciler.
type Snapshot struct {
	Symbol   string   `json:"symbol"`
	Interval Interval `json:"interval"`
	Status   Status   `json:"status"`
	Candles  []Candle `json:"candles"`
	Error    string   `json:"error,omitempty"`
}

// Reconciler keeps one series consistent with an exchange. Every interval
// switch starts a new generation; results from older generations are
// discarded.
type Reconciler struct {
	symbol  string
	history HistoryFetcher
	feed    Feed
	limit   int
	policy  ReconnectPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
	metrics *metrics.Metrics

	// switchMu serializes Start, SetInterval and Close.
	switchMu sync.Mutex

	mu         sync.Mutex
	interval   Interval
	series     Series
	status     Status
	lastErr    error
	gen        uint64
	started    bool
	closed     bool
	base       context.Context
	cancelBase context.CancelFunc
	cancel     context.CancelFunc
	done       chan struct{}
	listeners  map[string]Listener

	deliverMu sync.Mutex
}

// NewReconciler validates cfg and returns an idle Reconciler.
func NewReconciler(cfg Config) (*Reconciler, error) {
	if cfg.Symbol == "" {
		return nil, errors.New("market: symbol is required")
	}
	if cfg.History == nil || cfg.Feed == nil {
		return nil, errors.New("market: history and feed are required")
	}
	if cfg.Interval == "" {
		cfg.Interval = DefaultInterval
	}
	if !cfg.Interval.Valid() {
		return nil, fmt.Errorf("market: unsupported interval %q", cfg.Interval)
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultHistoryLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	cfg.Metrics.FeedStatusChanged("", string(StatusIdle))
	return &Reconciler{
		symbol:    cfg.Symbol,
		history:   cfg.History,
		feed:      cfg.Feed,
		limit:     cfg.Limit,
		policy:    cfg.Reconnect.withDefaults(),
		sleep:     cfg.Sleep,
		logger:    cfg.Logger.With("symbol", cfg.Symbol),
		metrics:   cfg.Metrics,
		interval:  cfg.Interval,
		status:    StatusIdle,
		listeners: make(map[string]Listener),
	}, nil
}

// Symbol returns the exchange symbol.
func (r *Reconciler) Symbol() string {
	return r.symbol
}

// Start fetches history for the current interval and then attaches the live
// feed, in the background. Cancelling ctx stops the work like Close does,
// except that the Reconciler can still be inspected. Calling Start again is
// a no-op.
func (r *Reconciler) Start(ctx context.Context) error {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.started {
		return nil
	}
	r.started = true
	r.base, r.cancelBase = context.WithCancel(ctx)
	r.launchLocked()
	return nil
}

func (r *Reconciler) launchLocked() {
	r.gen++
	gen, iv := r.gen, r.interval
	ctx, cancel := context.WithCancel(r.base)
	done := make(chan struct{})
	r.cancel, r.done = cancel, done
	r.series.Reset()
	r.lastErr = nil
	go r.run(ctx, gen, iv, done)
}

// SetInterval switches the series to a new interval: the current generation
// is cancelled and waited for, the series is emptied, and history for the new
// interval is loaded. Switching to the current interval does nothing.
func (r *Reconciler) SetInterval(iv Interval) error {
	if !iv.Valid() {
		return fmt.Errorf("unsupported interval %q", iv)
	}
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if iv == r.interval {
		r.mu.Unlock()
		return nil
	}
	r.interval = iv
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	// Invalidate the running generation before it is even cancelled.
	r.gen++
	r.series.Reset()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.logger.Info("Interval switched", "interval", iv)
	r.deliver(Update{Kind: UpdateSnapshot, Interval: iv})

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.launchLocked()
	return nil
}

// Close cancels all outstanding work and waits for it to stop. It is safe to
// call more than once.
func (r *Reconciler) Close() {
	r.switchMu.Lock()
	defer r.switchMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.gen++
	prev := r.status
	r.status = StatusClosed
	cancel, done, cancelBase := r.cancel, r.done, r.cancelBase
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if cancelBase != nil {
		cancelBase()
	}
	r.metrics.FeedStatusChanged(string(prev), "")
	r.deliver(Update{Kind: UpdateStatus, Status: StatusClosed})
}

// Apply merges one update into the series directly. Live feed updates go
// through the same rule.
func (r *Reconciler) Apply(c Candle) Outcome {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Dropped
	}
	outcome := r.series.Apply(c)
	iv := r.interval
	r.mu.Unlock()
	r.afterMerge(iv, c, outcome)
	return outcome
}

// Snapshot returns a copy of the current state.
func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Snapshot{
		Symbol:   r.symbol,
		Interval: r.interval,
		Status:   r.status,
		Candles:  r.series.Candles(),
	}
	if r.lastErr != nil {
		s.Error = r.lastErr.Error()
	}
	return s
}

// Status returns the current feed status.
func (r *Reconciler) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Subscribe registers a listener and returns a function that removes it.
func (r *Reconciler) Subscribe(l Listener) func() {
	id := uuid.NewString()
	r.mu.Lock()
	r.listeners[id] = l
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Reconciler) run(ctx context.Context, gen uint64, iv Interval, done chan struct{}) {
	defer close(done)

	r.setStatus(gen, StatusLoading)
	start := time.Now()
	batch, err := r.history.FetchCandles(ctx, r.symbol, iv, r.limit)
	r.metrics.HistoryFetched(time.Since(start), err)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		// The chart stays empty; live updates still build it up.
		r.logger.Warn("Failed to load candle history", "interval", iv, "error", err)
		r.setErr(gen, fmt.Errorf("load history: %w", err))
	} else {
		r.loadHistory(gen, iv, batch)
	}

	r.stream(ctx, gen, iv)
}

func (r *Reconciler) loadHistory(gen uint64, iv Interval, batch []Candle) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	r.series.Replace(batch)
	candles := r.series.Candles()
	r.mu.Unlock()

	r.logger.Debug("Candle history loaded", "interval", iv, "count", len(candles))
	r.deliver(Update{Kind: UpdateSnapshot, Interval: iv, Candles: candles})
}

// stream keeps the live feed attached. A connection that delivered at least
// one update resets the attempt counter; otherwise each failed dial or
// closed stream counts as one attempt.
func (r *Reconciler) stream(ctx context.Context, gen uint64, iv Interval) {
	bo := r.policy.newBackOff()
	attempts := 0
	for {
		s, err := r.feed.Dial(ctx, r.symbol, iv)
		if err == nil {
			r.setStatus(gen, StatusLive)
			if r.consume(ctx, gen, iv, s) {
				attempts = 0
				bo.Reset()
			}
			s.Close()
		} else if ctx.Err() == nil {
			r.logger.Warn("Live feed dial failed", "interval", iv, "error", err)
		}
		if ctx.Err() != nil {
			return
		}

		if attempts >= r.policy.MaxAttempts {
			r.logger.Warn("Live feed unavailable, giving up", "interval", iv, "attempts", attempts)
			r.setErr(gen, ErrFeedUnavailable)
			r.setStatus(gen, StatusUnavailable)
			return
		}
		attempts++
		delay := bo.NextBackOff()
		r.metrics.Reconnect(r.symbol)
		r.setStatus(gen, StatusReconnecting)
		r.logger.Info("Reconnecting live feed", "interval", iv, "attempt", attempts, "delay", delay)
		if err := r.sleep(ctx, delay); err != nil {
			return
		}
	}
}

func (r *Reconciler) consume(ctx context.Context, gen uint64, iv Interval, s Stream) bool {
	healthy := false
	for {
		c, err := s.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Info("Live feed closed", "interval", iv, "error", err)
			}
			return healthy
		}
		healthy = true
		r.merge(gen, iv, c)
	}
}

func (r *Reconciler) merge(gen uint64, iv Interval, c Candle) {
	r.mu.Lock()
	if gen != r.gen {
		r.mu.Unlock()
		return
	}
	outcome := r.series.Apply(c)
	r.mu.Unlock()
	r.afterMerge(iv, c, outcome)
}

func (r *Reconciler) afterMerge(iv Interval, c Candle, outcome Outcome) {
	r.metrics.CandleMerged(r.symbol, outcome.String())
	if outcome == Dropped {
		return
	}
	r.deliver(Update{Kind: UpdateCandle, Interval: iv, Candle: c, Outcome: outcome})
}

func (r *Reconciler) setStatus(gen uint64, st Status) {
	r.mu.Lock()
	if gen != r.gen || r.status == st {
		r.mu.Unlock()
		return
	}
	prev := r.status
	r.status = st
	iv := r.interval
	r.mu.Unlock()

	r.metrics.FeedStatusChanged(string(prev), string(st))
	r.deliver(Update{Kind: UpdateStatus, Interval: iv, Status: st})
}

func (r *Reconciler) setErr(gen uint64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen {
		r.lastErr = err
	}
}

// deliver fans u out to listeners one update at a time.
func (r *Reconciler) deliver(u Update) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	r.mu.Lock()
	ls := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		ls = append(ls, l)
	}
	r.mu.Unlock()

	for _, l := range ls {
		l(u)
	}
}
