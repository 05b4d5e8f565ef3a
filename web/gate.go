package web

import (
	"encoding/json"
	"net/http"

	"github.com/tradeport/tradeport-client/auth"
	"github.com/tradeport/tradeport-client/session"
)

// SessionSource exposes the current session snapshot.
type SessionSource interface {
	Snapshot() session.Snapshot
}

type gateError struct {
	Error    string `json:"error"`
	Redirect string `json:"redirect,omitempty"`
}

// RequirePolicy admits requests only when p allows the current session.
// A pending session gets 503 so the caller retries once it settles, an
// unauthenticated one 401 and a wrong role 403. The redirect target is
// included so a UI can navigate.
func RequirePolicy(src SessionSource, p session.Policy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			s := src.Snapshot()
			d := p.Evaluate(s)
			switch {
			case d.Allow:
				next.ServeHTTP(w, r)
			case d.Pending:
				w.Header().Set("Retry-After", "1")
				writeGateError(w, http.StatusServiceUnavailable, gateError{Error: "session pending"})
			case !s.Authenticated:
				writeGateError(w, http.StatusUnauthorized, gateError{Error: "not authenticated", Redirect: d.Redirect})
			default:
				writeGateError(w, http.StatusForbidden, gateError{Error: "forbidden", Redirect: d.Redirect})
			}
		})
	}
}

// RequireRole admits sessions holding any of roles.
func RequireRole(src SessionSource, fallback string, roles ...auth.Role) func(http.Handler) http.Handler {
	return RequirePolicy(src, session.NewGate(fallback, roles...))
}

func writeGateError(w http.ResponseWriter, status int, body gateError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
