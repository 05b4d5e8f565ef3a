// Package dashboard serves session state and live candle series to the UI
// over JSON and Server-Sent Events.
package dashboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tradeport/tradeport-client/auth"
	"github.com/tradeport/tradeport-client/market"
	"github.com/tradeport/tradeport-client/session"
	"github.com/tradeport/tradeport-client/web"
)

// Config wires a Handler.
type Config struct {
	Session  *session.Manager
	Registry *market.Registry
	Routes   session.Routes

	// Backend is an authenticated client for the trading API rooted at
	// BackendURL. Proxy routes are disabled when nil.
	Backend    *http.Client
	BackendURL string

	// BaseContext bounds pinned views. Defaults to context.Background.
	BaseContext context.Context
	// SettleWait caps how long a candle snapshot request waits for history.
	SettleWait time.Duration
	Logger     *slog.Logger
}

// Handler serves the dashboard API.
type Handler struct {
	session    *session.Manager
	registry   *market.Registry
	routes     session.Routes
	backend    *http.Client
	backendURL string
	base       context.Context
	settleWait time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	pinned map[pinKey]*market.View
}

type pinKey struct {
	symbol   string
	interval market.Interval
}

// New creates a Handler.
func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	if cfg.SettleWait <= 0 {
		cfg.SettleWait = 5 * time.Second
	}
	if cfg.Routes.LoginPath == "" {
		cfg.Routes = session.DefaultRoutes()
	}
	return &Handler{
		session:    cfg.Session,
		registry:   cfg.Registry,
		routes:     cfg.Routes,
		backend:    cfg.Backend,
		backendURL: strings.TrimRight(cfg.BackendURL, "/"),
		base:       cfg.BaseContext,
		settleWait: cfg.SettleWait,
		logger:     cfg.Logger,
		pinned:     make(map[pinKey]*market.View),
	}
}

// RegisterRoutes mounts the dashboard API on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	signedIn := web.RequireRole(h.session, h.routes.UserHome, auth.RoleUser, auth.RoleAdmin)
	admin := web.RequireRole(h.session, h.routes.UserHome, auth.RoleAdmin)
	wrap := func(guard func(http.Handler) http.Handler, f http.HandlerFunc) http.Handler { return guard(f) }

	mux.HandleFunc("GET /healthz", h.healthz)

	mux.HandleFunc("GET /api/session", h.sessionStatus)
	mux.HandleFunc("POST /api/session/login", h.login)
	mux.HandleFunc("POST /api/session/signup", h.signup)
	mux.HandleFunc("POST /api/session/logout", h.logout)
	mux.HandleFunc("POST /api/session/refresh", h.refresh)
	mux.HandleFunc("GET /api/session/stream", h.sessionStream)
	mux.HandleFunc("GET /api/session/route", h.routeDecision)

	mux.HandleFunc("GET /api/instruments", h.instruments)
	mux.Handle("GET /api/candles", wrap(signedIn, h.candles))
	mux.Handle("GET /api/candles/stream", wrap(signedIn, h.candleStream))

	mux.Handle("GET /api/views", wrap(admin, h.listViews))
	mux.Handle("GET /api/views/{id}", wrap(signedIn, h.getView))
	mux.Handle("POST /api/views/{id}/interval", wrap(signedIn, h.setViewInterval))
	mux.Handle("DELETE /api/views/{id}", wrap(signedIn, h.closeView))

	if h.backend != nil {
		mux.Handle("/api/backend/user/{path...}", wrap(signedIn, h.proxy))
		mux.Handle("/api/backend/admin/{path...}", wrap(admin, h.proxy))
	} else {
		h.logger.Info("Backend proxy disabled")
	}
}

func (h *Handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"session": h.session.Snapshot().State,
	})
}

type errorBody struct {
	Message  string            `json:"message"`
	Errors   map[string]string `json:"errors,omitempty"`
	Redirect string            `json:"redirect,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Message: msg})
}

// decodeBody reads a small JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	return dec.Decode(v)
}
