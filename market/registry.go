package market

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeport/tradeport-client/metrics"
)

// ErrRegistryClosed is returned by Open after Shutdown.
var ErrRegistryClosed = errors.New("registry shut down")

// RegistryConfig holds what every view's Reconciler shares.
type RegistryConfig struct {
	History   HistoryFetcher
	Feed      Feed
	Limit     int
	Reconnect ReconnectPolicy
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// View is one open chart: an instrument and its Reconciler.
type View struct {
	ID           string
	InstrumentID string
	OpenedAt     time.Time
	*Reconciler
}

// ViewInfo summarizes a view for listings.
type ViewInfo struct {
	ID           string    `json:"id"`
	InstrumentID string    `json:"instrument_id"`
	Symbol       string    `json:"symbol"`
	Interval     Interval  `json:"interval"`
	Status       Status    `json:"status"`
	Candles      int       `json:"candles"`
	OpenedAt     time.Time `json:"opened_at"`
}

// Registry tracks open views so they can be addressed by id and all closed
// on shutdown.
type Registry struct {
	cfg RegistryConfig

	mu     sync.RWMutex
	views  map[string]*View
	closed bool
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{cfg: cfg, views: make(map[string]*View)}
}

// Open creates and starts a view for the instrument. Unknown instrument ids
// fall back to FallbackSymbol. The view stops when ctx is done, but stays
// registered until CloseView.
func (g *Registry) Open(ctx context.Context, instrumentID string, iv Interval) (*View, error) {
	r, err := NewReconciler(Config{
		Symbol:    SymbolFor(instrumentID),
		Interval:  iv,
		History:   g.cfg.History,
		Feed:      g.cfg.Feed,
		Limit:     g.cfg.Limit,
		Reconnect: g.cfg.Reconnect,
		Logger:    g.cfg.Logger,
		Metrics:   g.cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	v := &View{ID: uuid.NewString(), InstrumentID: instrumentID, OpenedAt: time.Now(), Reconciler: r}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		r.Close()
		return nil, ErrRegistryClosed
	}
	g.views[v.ID] = v
	g.mu.Unlock()

	if err := r.Start(ctx); err != nil {
		g.CloseView(v.ID)
		return nil, err
	}
	g.cfg.Logger.Debug("View opened", "view", v.ID, "instrument", instrumentID, "symbol", r.Symbol(), "interval", iv)
	return v, nil
}

// Get returns the view with id.
func (g *Registry) Get(id string) (*View, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.views[id]
	return v, ok
}

// CloseView closes and forgets a view. It reports whether the view existed.
func (g *Registry) CloseView(id string) bool {
	g.mu.Lock()
	v, ok := g.views[id]
	delete(g.views, id)
	g.mu.Unlock()
	if !ok {
		return false
	}
	v.Close()
	g.cfg.Logger.Debug("View closed", "view", id)
	return true
}

// List returns all open views, oldest first.
func (g *Registry) List() []ViewInfo {
	g.mu.RLock()
	views := make([]*View, 0, len(g.views))
	for _, v := range g.views {
		views = append(views, v)
	}
	g.mu.RUnlock()

	out := make([]ViewInfo, 0, len(views))
	for _, v := range views {
		snap := v.Snapshot()
		out = append(out, ViewInfo{
			ID:           v.ID,
			InstrumentID: v.InstrumentID,
			Symbol:       snap.Symbol,
			Interval:     snap.Interval,
			Status:       snap.Status,
			Candles:      len(snap.Candles),
			OpenedAt:     v.OpenedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// Shutdown closes every view and rejects further Opens.
func (g *Registry) Shutdown() {
	g.mu.Lock()
	g.closed = true
	views := g.views
	g.views = make(map[string]*View)
	g.mu.Unlock()

	for _, v := range views {
		v.Close()
	}
}
