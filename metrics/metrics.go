// Package metrics exposes Prometheus instruments for the session and market
// data layers. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	authAttempts   *prometheus.CounterVec
	sessionState   *prometheus.GaugeVec
	refreshPending prometheus.Gauge
	merges         *prometheus.CounterVec
	reconnects     *prometheus.CounterVec
	feedStatus     *prometheus.GaugeVec
	historyLatency *prometheus.HistogramVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
}

// New creates and registers all instruments.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		reg: reg,
		authAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeport_auth_attempts_total",
			Help: "Login, refresh and logout attempts by outcome.",
		}, []string{"op", "result"}),
		sessionState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeport_session_state",
			Help: "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		refreshPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "tradeport_refresh_timer_pending",
			Help: "1 while a proactive refresh is scheduled.",
		}),
		merges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeport_candle_merges_total",
			Help: "Live candle updates by merge outcome.",
		}, []string{"symbol", "outcome"}),
		reconnects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeport_feed_reconnects_total",
			Help: "Live feed reconnect attempts.",
		}, []string{"symbol"}),
		feedStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tradeport_feed_status",
			Help: "Number of open views per feed status.",
		}, []string{"status"}),
		historyLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradeport_history_fetch_seconds",
			Help:    "Historical candle fetch latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeport_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"route", "method", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tradeport_http_request_duration_seconds",
			Help:    "HTTP request duration.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"route", "method"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// AuthAttempt records the outcome of a login, refresh or logout.
func (m *Metrics) AuthAttempt(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.authAttempts.WithLabelValues(op, result).Inc()
}

// SessionState marks state as the current session state.
func (m *Metrics) SessionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionState.WithLabelValues(s).Set(v)
	}
}

// RefreshScheduled records whether a refresh timer is pending.
func (m *Metrics) RefreshScheduled(pending bool) {
	if m == nil {
		return
	}
	if pending {
		m.refreshPending.Set(1)
	} else {
		m.refreshPending.Set(0)
	}
}

// CandleMerged counts a live update merge outcome.
func (m *Metrics) CandleMerged(symbol, outcome string) {
	if m == nil {
		return
	}
	m.merges.WithLabelValues(symbol, outcome).Inc()
}

// Reconnect counts a reconnect attempt.
func (m *Metrics) Reconnect(symbol string) {
	if m == nil {
		return
	}
	m.reconnects.WithLabelValues(symbol).Inc()
}

// FeedStatusChanged moves one view from one status bucket to another.
// Either side may be empty.
func (m *Metrics) FeedStatusChanged(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.feedStatus.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.feedStatus.WithLabelValues(to).Inc()
	}
}

// HistoryFetched observes a historical fetch.
func (m *Metrics) HistoryFetched(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.historyLatency.WithLabelValues(result).Observe(d.Seconds())
}

// Middleware records request counts and latency labelled by the mux pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(rw.status)).Inc()
		m.httpDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE handlers working behind the middleware.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
