package dashboard

import (
	"errors"
	"net/http"
	"time"

	"github.com/tradeport/tradeport-client/auth"
	"github.com/tradeport/tradeport-client/session"
)

type sessionBody struct {
	session.Snapshot
	RefreshScheduled bool `json:"refresh_scheduled"`
}

func (h *Handler) currentSession() sessionBody {
	return sessionBody{Snapshot: h.session.Snapshot(), RefreshScheduled: h.session.RefreshScheduled()}
}

func (h *Handler) sessionStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.currentSession())
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var creds auth.Credentials
	if err := decodeBody(r, &creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.session.Login(r.Context(), creds); err != nil {
		h.logger.Info("Login failed", "error", err)
		h.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.currentSession())
}

func (h *Handler) signup(w http.ResponseWriter, r *http.Request) {
	var data auth.SignupData
	if err := decodeBody(r, &data); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.session.Signup(r.Context(), data); err != nil {
		h.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message": "account created", "redirect": h.routes.LoginPath})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.session.Logout(r.Context())
	writeJSON(w, http.StatusOK, h.currentSession())
}

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.session.Refresh(r.Context()); err != nil {
		writeJSON(w, http.StatusUnauthorized, errorBody{Message: "session expired", Redirect: h.routes.LoginPath})
		return
	}
	writeJSON(w, http.StatusOK, h.currentSession())
}

// writeAuthError maps auth failures to responses the login and signup forms
// can render.
func (h *Handler) writeAuthError(w http.ResponseWriter, err error) {
	var cerr *auth.CredentialError
	switch {
	case errors.As(err, &cerr):
		status := cerr.Status
		if status < 400 || status > 499 {
			status = http.StatusUnauthorized
		}
		writeJSON(w, status, errorBody{Message: cerr.Error(), Errors: cerr.FieldErrors})
	case errors.Is(err, auth.ErrTransport):
		writeError(w, http.StatusBadGateway, auth.ErrTransport.Error())
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrIncompleteTokens):
		writeError(w, http.StatusBadGateway, "the server returned an invalid session")
	case errors.Is(err, session.ErrSuperseded):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Session request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// routeDecision evaluates the route table for ?path= against the current
// session.
func (h *Handler) routeDecision(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}
	writeJSON(w, http.StatusOK, h.routes.Resolve(h.session.Snapshot(), path))
}

// sessionStream pushes a "session" event on every state change. With ?path=
// it also pushes "redirect" events whenever the route table sends the
// session away from that path; without it only forced-logout redirects are
// sent.
func (h *Handler) sessionStream(w http.ResponseWriter, r *http.Request) {
	stream, err := startSSE(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	events := make(chan session.Event, 32)
	redirects := make(chan string, 8)
	unsubscribe := h.session.Subscribe(func(ev session.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	path := r.URL.Query().Get("path")
	if path != "" {
		binding := session.Bind(h.session, h.routes.For(path), func(to string) {
			select {
			case redirects <- to:
			default:
			}
		})
		defer binding.Close()
	}

	if stream.event("session", h.currentSession()) != nil {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()
	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case ev := <-events:
			err = stream.event("session", sessionBody{Snapshot: ev.Snapshot, RefreshScheduled: h.session.RefreshScheduled()})
			if err == nil && path == "" && ev.Redirect != "" {
				err = stream.event("redirect", map[string]string{"to": ev.Redirect})
			}
		case to := <-redirects:
			err = stream.event("redirect", map[string]string{"to": to})
		case <-keepalive.C:
			err = stream.keepalive()
		}
		if err != nil {
			return
		}
	}
}
