package auth

import (
	"context"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// Refresher renews the session's tokens. The session manager implements it.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// NewHTTPClient returns a client that attaches the current access token from
// src to every request. A 401 response triggers one refresh through r and a
// single retry of the request with the new token.
func NewHTTPClient(src oauth2.TokenSource, r Refresher, base http.RoundTripper) *http.Client {
	return &http.Client{
		Transport: &retryTransport{
			next:      &oauth2.Transport{Source: src, Base: base},
			refresher: r,
		},
	}
}

type retryTransport struct {
	next      http.RoundTripper
	refresher Refresher
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	// A consumed body without GetBody cannot be replayed.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}
	if rerr := t.refresher.Refresh(req.Context()); rerr != nil {
		return resp, nil
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		retry.Body = body
	}
	return t.next.RoundTrip(retry)
}
