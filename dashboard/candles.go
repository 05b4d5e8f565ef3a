package dashboard

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tradeport/tradeport-client/market"
)

func (h *Handler) instruments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"instruments": market.Instruments(),
		"intervals":   market.Intervals(),
		"default":     market.DefaultInterval,
	})
}

// Pin opens a long-lived view for an instrument and interval, or returns the
// one already pinned. Candle snapshot requests are served from pinned views.
// A pinned view that was closed or switched to another interval is closed and
// replaced, so at most one view is held per key.
func (h *Handler) Pin(instrumentID string, iv market.Interval) (*market.View, error) {
	key := pinKey{symbol: market.SymbolFor(instrumentID), interval: iv}
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.pinned[key]; ok {
		if old.Status() != market.StatusClosed && old.Snapshot().Interval == iv {
			return old, nil
		}
		delete(h.pinned, key)
		h.registry.CloseView(old.ID)
		h.logger.Info("Released stale pinned view", "view", old.ID, "symbol", key.symbol, "interval", iv)
	}
	v, err := h.registry.Open(h.base, instrumentID, iv)
	if err != nil {
		return nil, err
	}
	h.pinned[key] = v
	h.logger.Info("Pinned candle view", "instrument", instrumentID, "symbol", key.symbol, "interval", iv, "view", v.ID)
	return v, nil
}

func parseViewQuery(r *http.Request) (string, market.Interval, error) {
	id := r.URL.Query().Get("id")
	if id == "" {
		id = market.Instruments()[0].ID
	}
	iv, err := market.ParseInterval(r.URL.Query().Get("interval"))
	return id, iv, err
}

// candles returns the series for ?id=&interval=, waiting briefly for the
// historical batch of a freshly pinned view.
func (h *Handler) candles(w http.ResponseWriter, r *http.Request) {
	id, iv, err := parseViewQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.Pin(id, iv)
	if err != nil {
		h.writeViewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, awaitSettled(r.Context(), v, h.settleWait))
}

func settled(s market.Status) bool {
	return s != market.StatusIdle && s != market.StatusLoading
}

func awaitSettled(ctx context.Context, v *market.View, wait time.Duration) market.Snapshot {
	changed := make(chan struct{}, 1)
	unsubscribe := v.Subscribe(func(market.Update) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		s := v.Snapshot()
		if settled(s.Status) {
			return s
		}
		select {
		case <-changed:
		case <-timer.C:
			return v.Snapshot()
		case <-ctx.Done():
			return v.Snapshot()
		}
	}
}

type viewEvent struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Symbol     string          `json:"symbol"`
	Interval   market.Interval `json:"interval"`
}

type candleEvent struct {
	Interval market.Interval `json:"interval"`
	Candle   market.Candle   `json:"candle"`
	Outcome  string          `json:"outcome"`
}

type statusEvent struct {
	Interval market.Interval `json:"interval"`
	Status   market.Status   `json:"status"`
	Error    string          `json:"error,omitempty"`
}

// candleStream opens a view owned by this connection and streams it: a
// "view" event with the id used for interval switches, then "snapshot",
// "candle" and "status" events. The view closes when the client leaves.
func (h *Handler) candleStream(w http.ResponseWriter, r *http.Request) {
	id, iv, err := parseViewQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	v, err := h.registry.Open(r.Context(), id, iv)
	if err != nil {
		h.writeViewError(w, err)
		return
	}
	defer h.registry.CloseView(v.ID)

	updates := make(chan market.Update, 256)
	kick := make(chan struct{}, 1)
	var overflow atomic.Bool
	unsubscribe := v.Subscribe(func(u market.Update) {
		select {
		case updates <- u:
		default:
			overflow.Store(true)
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	stream, err := startSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Debug("Candle stream opened", "view", v.ID, "symbol", v.Symbol(), "interval", iv)

	if stream.event("view", viewEvent{ID: v.ID, Instrument: v.InstrumentID, Symbol: v.Symbol(), Interval: iv}) != nil {
		return
	}
	if stream.event("snapshot", v.Snapshot()) != nil {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		var err error
		select {
		case <-r.Context().Done():
			h.logger.Debug("Candle stream closed", "view", v.ID)
			return
		case u := <-updates:
			err = h.writeUpdate(stream, v, u)
		case <-kick:
			// A slow client missed updates; replace its series wholesale.
			if overflow.Swap(false) {
				for len(updates) > 0 {
					<-updates
				}
				err = stream.event("snapshot", v.Snapshot())
			}
		case <-keepalive.C:
			err = stream.keepalive()
		}
		if err != nil {
			return
		}
	}
}

func (h *Handler) writeUpdate(stream *sse, v *market.View, u market.Update) error {
	switch u.Kind {
	case market.UpdateSnapshot:
		snap := v.Snapshot()
		snap.Interval = u.Interval
		snap.Candles = u.Candles
		if snap.Candles == nil {
			snap.Candles = []market.Candle{}
		}
		return stream.event("snapshot", snap)
	case market.UpdateCandle:
		return stream.event("candle", candleEvent{Interval: u.Interval, Candle: u.Candle, Outcome: u.Outcome.String()})
	case market.UpdateStatus:
		return stream.event("status", statusEvent{Interval: u.Interval, Status: u.Status, Error: v.Snapshot().Error})
	}
	return nil
}

func (h *Handler) listViews(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"views": h.registry.List()})
}

func (h *Handler) getView(w http.ResponseWriter, r *http.Request) {
	v, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "view not found")
		return
	}
	writeJSON(w, http.StatusOK, v.Snapshot())
}

func (h *Handler) setViewInterval(w http.ResponseWriter, r *http.Request) {
	v, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "view not found")
		return
	}
	var body struct {
		Interval string `json:"interval"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	iv, err := market.ParseInterval(body.Interval)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := v.SetInterval(iv); err != nil {
		h.writeViewError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewEvent{ID: v.ID, Instrument: v.InstrumentID, Symbol: v.Symbol(), Interval: iv})
}

func (h *Handler) closeView(w http.ResponseWriter, r *http.Request) {
	if !h.registry.CloseView(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "view not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) writeViewError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, market.ErrClosed), errors.Is(err, market.ErrRegistryClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}
