// Package auth talks to the trading backend's authentication API and decodes
// the access tokens it issues.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tradeport/tradeport-client/tokens"
)

// DefaultBaseURL is the backend API root used when none is configured.
const DefaultBaseURL = "http://localhost:8080/api/v1"

var (
	// ErrTransport wraps failures to reach the backend. The message is shown
	// to users as a retryable error.
	ErrTransport = errors.New("network error, please check your connection")

	// ErrIncompleteTokens is returned when a login or refresh response lacks
	// either token.
	ErrIncompleteTokens = errors.New("auth response is missing a token")
)

// CredentialError is a structured rejection from the backend, e.g. wrong
// password or a validation failure on signup.
type CredentialError struct {
	Status      int
	Message     string
	FieldErrors map[string]string
}

func (e *CredentialError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("request rejected with status %d", e.Status)
}

// Credentials is the login request body.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignupData is the registration request body.
type SignupData struct {
	Email          string `json:"email"`
	Password       string `json:"password"`
	InvitationCode string `json:"invitationCode"`
}

type tokenResponse struct {
	Success      bool   `json:"success"`
	Message      string `json:"message"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type errorResponse struct {
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors"`
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client calls the backend's /user/auth endpoints. It never attaches an
// Authorization header except on Logout.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates an auth API client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    cfg.HTTPClient,
		logger:  cfg.Logger,
	}
}

// BaseURL returns the API root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Login exchanges credentials for a token pair.
func (c *Client) Login(ctx context.Context, creds Credentials) (tokens.Pair, error) {
	var resp tokenResponse
	if err := c.post(ctx, "/user/auth/login", creds, "", &resp); err != nil {
		return tokens.Pair{}, err
	}
	return resp.pair()
}

// Refresh exchanges a refresh token for a new pair.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (tokens.Pair, error) {
	var resp tokenResponse
	body := map[string]string{"refreshToken": refreshToken}
	if err := c.post(ctx, "/user/auth/refresh-token", body, "", &resp); err != nil {
		return tokens.Pair{}, err
	}
	return resp.pair()
}

// Signup registers an account. It does not sign the user in.
func (c *Client) Signup(ctx context.Context, data SignupData) error {
	return c.post(ctx, "/user/auth/register", data, "", nil)
}

// Logout tells the backend to revoke the session.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.post(ctx, "/user/auth/logout", struct{}{}, accessToken, nil)
}

func (r tokenResponse) pair() (tokens.Pair, error) {
	p := tokens.Pair{AccessToken: r.AccessToken, RefreshToken: r.RefreshToken}
	if !p.Complete() {
		return tokens.Pair{}, ErrIncompleteTokens
	}
	return p, nil
}

func (c *Client) post(ctx context.Context, path string, body any, bearer string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("Auth request failed", "path", path, "error", err)
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrTransport, err)
	}

	if resp.StatusCode >= 500 {
		c.logger.Warn("Auth backend error", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("%w: backend returned status %d", ErrTransport, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeCredentialError(resp.StatusCode, data)
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeCredentialError(status int, data []byte) error {
	ce := &CredentialError{Status: status}
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil {
		ce.Message = er.Message
		if len(er.Errors) > 0 {
			ce.FieldErrors = make(map[string]string, len(er.Errors))
			for field, msgs := range er.Errors {
				if len(msgs) > 0 {
					ce.FieldErrors[field] = msgs[0]
				}
			}
		}
	}
	if ce.Message == "" {
		ce.Message = http.StatusText(status)
	}
	return ce
}
