package ops

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultTail  = 100
	maxTail      = 1000
	keepaliveGap = 15 * time.Second
)

// Handler serves the journal. It does no authorization of its own; mount it
// behind an admin gate.
type Handler struct {
	journal *Journal
	logger  *slog.Logger
	version string
	started time.Time
}

// NewHandler creates a log handler.
func NewHandler(j *Journal, logger *slog.Logger, version string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{journal: j, logger: logger, version: version, started: time.Now()}
}

// RegisterRoutes mounts the ops endpoints, each wrapped by guard.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, guard func(http.Handler) http.Handler) {
	mux.Handle("GET /ops/logs", guard(http.HandlerFunc(h.logs)))
	mux.Handle("GET /ops/status", guard(http.HandlerFunc(h.status)))
}

type logsResponse struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

// logs returns the tail of the journal, or streams it as SSE when the client
// asks for text/event-stream.
func (h *Handler) logs(w http.ResponseWriter, r *http.Request) {
	n, floor, err := parseTailQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		h.stream(w, r, n, floor)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(logsResponse{Entries: h.journal.Recent(n, floor), Total: h.journal.Len()}); err != nil {
		h.logger.Debug("Failed to write logs response", "error", err)
	}
}

func (h *Handler) status(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"version": h.version,
		"uptime":  time.Since(h.started).Round(time.Second).String(),
		"entries": h.journal.Len(),
	})
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, n int, floor slog.Level) {
	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cancel := h.journal.Subscribe(0)
	defer cancel()

	for _, e := range h.journal.Recent(n, floor) {
		writeEntry(w, e)
	}
	if err := rc.Flush(); err != nil {
		h.logger.Debug("Log stream flush unsupported", "error", err)
		return
	}

	keepalive := time.NewTicker(keepaliveGap)
	defer keepalive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.level < floor {
				continue
			}
			writeEntry(w, e)
			if rc.Flush() != nil {
				return
			}
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			if rc.Flush() != nil {
				return
			}
		}
	}
}

func writeEntry(w http.ResponseWriter, e Entry) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func parseTailQuery(r *http.Request) (int, slog.Level, error) {
	n := defaultTail
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			return 0, 0, fmt.Errorf("invalid n %q", v)
		}
		n = min(parsed, maxTail)
	}
	var floor slog.Level = slog.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		if err := floor.UnmarshalText([]byte(v)); err != nil {
			return 0, 0, fmt.Errorf("invalid level %q", v)
		}
	}
	return n, floor, nil
}
