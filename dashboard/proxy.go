package dashboard

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/tradeport/tradeport-client/session"
)

const maxProxyBody = 1 << 20

// proxy forwards /api/backend/{user|admin}/... to the trading API with the
// session's bearer token. The body is buffered so a 401 can be retried
// after a refresh. Auth endpoints are not reachable this way.
func (h *Handler) proxy(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/backend/")
	if strings.HasPrefix(rest, "user/auth/") || strings.Contains(rest, "..") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	target := h.backendURL + "/" + rest
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var reqBody io.Reader = http.NoBody
	if len(body) > 0 {
		reqBody = bytes.NewReader(body)
	}
	out, err := http.NewRequestWithContext(r.Context(), r.Method, target, reqBody)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request")
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		out.Header.Set("Content-Type", ct)
	}
	out.Header.Set("Accept", "application/json")

	resp, err := h.backend.Do(out)
	if err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Message: "not authenticated", Redirect: h.routes.LoginPath})
			return
		}
		h.logger.Warn("Backend request failed", "method", r.Method, "path", rest, "error", err)
		writeError(w, http.StatusBadGateway, "backend unavailable")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		// The one refresh-and-retry already failed and the session is gone.
		writeJSON(w, http.StatusUnauthorized, errorBody{Message: "session expired", Redirect: h.routes.LoginPath})
		return
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Debug("Backend response copy interrupted", "path", rest, "error", err)
	}
}
