// Package session owns the signed-in state of the client: it validates stored
// tokens, refreshes them before expiry, and tells observers when the user
// must be sent elsewhere.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/tradeport/tradeport-client/auth"
	"github.com/tradeport/tradeport-client/metrics"
	"github.com/tradeport/tradeport-client/tokens"
)

// ErrNotAuthenticated is returned when an operation needs a session and
// there is none.
var ErrNotAuthenticated = errors.New("not authenticated")

// ErrSuperseded is returned by Login when a sign-out or another sign-in
// completed while it was in flight. The later change is kept.
var ErrSuperseded = errors.New("sign-in superseded by a later session change")

const (
	// DefaultRefreshLead is how long before expiry the refresh timer fires.
	DefaultRefreshLead = 5 * time.Minute
	// DefaultExpiryBuffer is the margin before expiry after which a token is
	// no longer considered usable.
	DefaultExpiryBuffer = 30 * time.Second
	// DefaultLoginPath is where forced logouts redirect.
	DefaultLoginPath = "/login"
)

// AuthAPI is the backend surface the manager depends on. *auth.Client
// implements it.
type AuthAPI interface {
	Login(ctx context.Context, creds auth.Credentials) (tokens.Pair, error)
	Refresh(ctx context.Context, refreshToken string) (tokens.Pair, error)
	Signup(ctx context.Context, data auth.SignupData) error
	Logout(ctx context.Context, accessToken string) error
}

// TokenDecoder extracts claims from an access token. *auth.Codec implements it.
type TokenDecoder interface {
	Decode(token string) (*auth.Claims, error)
}

// Config configures a Manager.
type Config struct {
	API     AuthAPI
	Store   tokens.Store
	Decoder TokenDecoder
	Clock   Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	RefreshLead  time.Duration
	ExpiryBuffer time.Duration
	LoginPath    string
}

// Manager is the single owner of session state. All methods are safe for
// concurrent use.
type Manager struct {
	api          AuthAPI
	store        tokens.Store
	decoder      TokenDecoder
	clock        Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
	refreshLead  time.Duration
	expiryBuffer time.Duration
	loginPath    string

	flight singleflight.Group

	// storeMu orders token writes. epoch is bumped by Login and Logout so a
	// refresh that started before them cannot write its result afterwards.
	storeMu sync.Mutex
	epoch   uint64

	mu        sync.Mutex
	snap      Snapshot
	access    string
	timer     Timer
	timerSeq  uint64
	version   uint64
	observers map[string]Observer
	closed    bool

	notifyMu  sync.Mutex
	delivered uint64
}

// New creates a manager in the Unknown state. Call CheckAuth to settle it.
func New(cfg Config) (*Manager, error) {
	if cfg.API == nil {
		return nil, errors.New("session: API is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("session: Store is required")
	}
	if cfg.Decoder == nil {
		return nil, errors.New("session: Decoder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefreshLead <= 0 {
		cfg.RefreshLead = DefaultRefreshLead
	}
	if cfg.ExpiryBuffer <= 0 {
		cfg.ExpiryBuffer = DefaultExpiryBuffer
	}
	if cfg.LoginPath == "" {
		cfg.LoginPath = DefaultLoginPath
	}
	return &Manager{
		api:          cfg.API,
		store:        cfg.Store,
		decoder:      cfg.Decoder,
		clock:        cfg.Clock,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		refreshLead:  cfg.RefreshLead,
		expiryBuffer: cfg.ExpiryBuffer,
		loginPath:    cfg.LoginPath,
		observers:    make(map[string]Observer),
	}, nil
}

// LoginPath returns the path forced logouts redirect to.
func (m *Manager) LoginPath() string {
	return m.loginPath
}

// Snapshot returns the current session view. A session whose token has
// crossed the expiry buffer reads as unauthenticated even if the refresh
// timer has not fired yet.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.snap
	if s.Authenticated && !m.clock.Now().Before(s.ExpiresAt.Add(-m.expiryBuffer)) {
		return Snapshot{State: StateUnauthenticated}
	}
	return s
}

// IsAuthenticated reports whether a usable session exists.
func (m *Manager) IsAuthenticated() bool {
	return m.Snapshot().Authenticated
}

// HasRole reports whether the session is authenticated with one of roles.
func (m *Manager) HasRole(roles ...auth.Role) bool {
	return m.Snapshot().HasRole(roles...)
}

// RefreshScheduled reports whether a refresh timer is pending.
func (m *Manager) RefreshScheduled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Subscribe registers an observer and returns a function that removes it.
// Observers run synchronously and must not call methods that change state.
func (m *Manager) Subscribe(fn Observer) func() {
	id := uuid.NewString()
	m.mu.Lock()
	m.observers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.observers, id)
		m.mu.Unlock()
	}
}

// CheckAuth settles the state from the token store. A usable access token
// authenticates directly; otherwise a stored refresh token is tried; with
// neither the session is unauthenticated. CheckAuth only reads the store
// unless it has to refresh.
func (m *Manager) CheckAuth(ctx context.Context) Snapshot {
	m.mu.Lock()
	if m.snap.State == StateUnknown {
		m.snap.State = StateChecking
		m.version++
		v, ev := m.version, Event{Snapshot: m.snap}
		m.mu.Unlock()
		m.publish(v, ev)
	} else {
		m.mu.Unlock()
	}

	epoch := m.currentEpoch()
	pair, err := m.store.Load(ctx)
	if err != nil {
		m.logger.Warn("Failed to load stored tokens", "error", err)
		m.settleUnauthenticated(epoch, "")
		return m.Snapshot()
	}

	if claims, ok := m.usable(pair.AccessToken); ok {
		if !m.settleAuthenticated(epoch, pair.AccessToken, claims) {
			m.logger.Debug("Discarding stale session check after sign-in change")
		}
		return m.Snapshot()
	}
	if pair.RefreshToken != "" {
		if err := m.Refresh(ctx); err != nil {
			m.logger.Debug("Stored session could not be refreshed", "error", err)
		}
		return m.Snapshot()
	}
	m.settleUnauthenticated(epoch, "")
	return m.Snapshot()
}

// Login authenticates with credentials, persists the token pair and
// schedules the proactive refresh. On failure the state is unchanged and the
// error is an *auth.CredentialError, auth.ErrTransport or auth.ErrInvalidToken.
func (m *Manager) Login(ctx context.Context, creds auth.Credentials) error {
	pair, err := m.api.Login(ctx, creds)
	if err != nil {
		m.metrics.AuthAttempt("login", err)
		return err
	}
	claims, ok := m.usable(pair.AccessToken)
	if !ok {
		err := fmt.Errorf("login returned an unusable access token: %w", auth.ErrInvalidToken)
		m.metrics.AuthAttempt("login", err)
		return err
	}

	m.storeMu.Lock()
	m.epoch++
	epoch := m.epoch
	err = m.store.Save(ctx, pair)
	m.storeMu.Unlock()
	if err != nil {
		m.metrics.AuthAttempt("login", err)
		return fmt.Errorf("persist tokens: %w", err)
	}

	m.metrics.AuthAttempt("login", nil)
	if !m.settleAuthenticated(epoch, pair.AccessToken, claims) {
		m.logger.Info("Sign-in superseded before it settled", "subject", claims.Subject)
		return ErrSuperseded
	}
	m.logger.Info("Signed in", "subject", claims.Subject, "role", claims.Role)
	return nil
}

// Signup registers an account. It never changes session state.
func (m *Manager) Signup(ctx context.Context, data auth.SignupData) error {
	err := m.api.Signup(ctx, data)
	m.metrics.AuthAttempt("signup", err)
	return err
}

// Refresh exchanges the stored refresh token for a new pair. Concurrent
// callers share one backend call. Any failure clears the store and forces
// a logout; there is no retry.
func (m *Manager) Refresh(ctx context.Context) error {
	ch := m.flight.DoChan("refresh", func() (any, error) {
		return nil, m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	epoch := m.currentEpoch()
	m.setState(epoch, StateRefreshing)

	pair, err := m.store.Load(ctx)
	if err != nil {
		return m.forceLogout(ctx, epoch, fmt.Errorf("load refresh token: %w", err))
	}
	if pair.RefreshToken == "" {
		return m.forceLogout(ctx, epoch, ErrNotAuthenticated)
	}

	next, err := m.api.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		return m.forceLogout(ctx, epoch, fmt.Errorf("refresh: %w", err))
	}
	claims, ok := m.usable(next.AccessToken)
	if !ok {
		return m.forceLogout(ctx, epoch, fmt.Errorf("refresh returned an unusable access token: %w", auth.ErrInvalidToken))
	}

	m.storeMu.Lock()
	if m.epoch != epoch {
		m.storeMu.Unlock()
		m.logger.Debug("Discarding refresh result after sign-in change")
		return ErrNotAuthenticated
	}
	err = m.store.Save(ctx, next)
	m.storeMu.Unlock()
	if err != nil {
		return m.forceLogout(ctx, epoch, fmt.Errorf("persist tokens: %w", err))
	}

	m.metrics.AuthAttempt("refresh", nil)
	if !m.settleAuthenticated(epoch, next.AccessToken, claims) {
		m.logger.Debug("Discarding refresh result after sign-in change")
		return ErrNotAuthenticated
	}
	return nil
}

// forceLogout clears the store and moves to Unauthenticated with a redirect
// to the login path. It returns cause. Nothing is cleared if a sign-in
// change happened since the refresh started.
func (m *Manager) forceLogout(ctx context.Context, epoch uint64, cause error) error {
	m.metrics.AuthAttempt("refresh", cause)

	m.storeMu.Lock()
	if m.epoch != epoch {
		m.storeMu.Unlock()
		return cause
	}
	m.logger.Warn("Session refresh failed, signing out", "error", cause)
	m.epoch++
	epoch = m.epoch
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error("Failed to clear token store", "error", err)
	}
	m.storeMu.Unlock()

	m.settleUnauthenticated(epoch, m.loginPath)
	return cause
}

// Logout clears the stored tokens, cancels the refresh timer and signals a
// redirect to the login path. The backend is told on a best-effort basis.
// Calling it while signed out is harmless.
func (m *Manager) Logout(ctx context.Context) {
	m.mu.Lock()
	access := m.access
	m.mu.Unlock()

	m.storeMu.Lock()
	m.epoch++
	epoch := m.epoch
	if err := m.store.Clear(ctx); err != nil {
		m.logger.Error("Failed to clear token store", "error", err)
	}
	m.storeMu.Unlock()

	m.settleUnauthenticated(epoch, m.loginPath)

	if access == "" {
		return
	}
	err := m.api.Logout(ctx, access)
	m.metrics.AuthAttempt("logout", err)
	if err != nil {
		m.logger.Debug("Backend logout failed", "error", err)
	}
}

// ScheduleRefresh replaces any pending refresh timer with one that fires
// RefreshLead before the access token expires, or immediately if that moment
// has passed. It does nothing while unauthenticated.
func (m *Manager) ScheduleRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleLocked()
}

func (m *Manager) scheduleLocked() {
	m.cancelTimerLocked()
	if m.closed || !m.snap.Authenticated {
		return
	}
	delay := m.snap.ExpiresAt.Add(-m.refreshLead).Sub(m.clock.Now())
	if delay < 0 {
		delay = 0
	}
	seq := m.timerSeq
	m.timer = m.clock.AfterFunc(delay, func() { m.onTimer(seq) })
	m.metrics.RefreshScheduled(true)
	m.logger.Debug("Refresh scheduled", "in", delay)
}

func (m *Manager) cancelTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		m.metrics.RefreshScheduled(false)
	}
	// Invalidates a callback that already fired but has not run yet.
	m.timerSeq++
}

func (m *Manager) onTimer(seq uint64) {
	m.mu.Lock()
	if seq != m.timerSeq || m.closed {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.metrics.RefreshScheduled(false)
	m.mu.Unlock()

	if err := m.Refresh(context.Background()); err != nil {
		m.logger.Debug("Scheduled refresh failed", "error", err)
	}
}

// Token implements oauth2.TokenSource so authenticated HTTP clients can be
// built with auth.NewHTTPClient. An expired token is still returned; the
// server's 401 drives the refresh.
func (m *Manager) Token() (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.access == "" {
		return nil, ErrNotAuthenticated
	}
	return &oauth2.Token{
		AccessToken: m.access,
		TokenType:   "Bearer",
		Expiry:      m.snap.ExpiresAt,
	}, nil
}

// Watch re-runs CheckAuth whenever the store reports a write from another
// process, until ctx is done. It returns immediately for stores that cannot
// observe such writes.
func (m *Manager) Watch(ctx context.Context) {
	n, ok := m.store.(tokens.Notifier)
	if !ok {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.Changes():
			m.logger.Debug("Token store changed externally, re-checking session")
			m.CheckAuth(ctx)
		}
	}
}

// Close stops the refresh timer. Stored tokens are kept so the next process
// can resume the session.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cancelTimerLocked()
}

func (m *Manager) usable(access string) (*auth.Claims, bool) {
	if access == "" {
		return nil, false
	}
	claims, err := m.decoder.Decode(access)
	if err != nil {
		m.logger.Debug("Ignoring undecodable access token", "error", err)
		return nil, false
	}
	if !m.clock.Now().Before(claims.Expiry().Add(-m.expiryBuffer)) {
		return claims, false
	}
	return claims, true
}

func (m *Manager) currentEpoch() uint64 {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()
	return m.epoch
}

// Settles below hold storeMu while they compare the epoch and write the
// snapshot, so a Login or Logout that bumped the epoch since the caller read
// it always wins. Lock order is storeMu, then mu.

func (m *Manager) setState(epoch uint64, s State) {
	m.storeMu.Lock()
	m.mu.Lock()
	if m.epoch != epoch || m.snap.State == s {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return
	}
	m.snap.State = s
	m.version++
	v, ev := m.version, Event{Snapshot: m.snap}
	m.mu.Unlock()
	m.storeMu.Unlock()
	m.recordState(s)
	m.publish(v, ev)
}

// settleAuthenticated reports whether the state was applied.
func (m *Manager) settleAuthenticated(epoch uint64, access string, claims *auth.Claims) bool {
	m.storeMu.Lock()
	if m.epoch != epoch {
		m.storeMu.Unlock()
		return false
	}
	m.mu.Lock()
	m.snap = Snapshot{
		State:         StateAuthenticated,
		Authenticated: true,
		SubjectID:     claims.Subject,
		Name:          claims.Name,
		Role:          claims.Role,
		ExpiresAt:     claims.Expiry(),
	}
	m.access = access
	m.scheduleLocked()
	m.version++
	v, ev := m.version, Event{Snapshot: m.snap}
	m.mu.Unlock()
	m.storeMu.Unlock()
	m.recordState(StateAuthenticated)
	m.publish(v, ev)
	return true
}

func (m *Manager) settleUnauthenticated(epoch uint64, redirect string) bool {
	m.storeMu.Lock()
	if m.epoch != epoch {
		m.storeMu.Unlock()
		return false
	}
	m.mu.Lock()
	m.cancelTimerLocked()
	prev := m.snap
	m.snap = Snapshot{State: StateUnauthenticated}
	m.access = ""
	if prev == m.snap && redirect == "" {
		m.mu.Unlock()
		m.storeMu.Unlock()
		return true
	}
	m.version++
	v, ev := m.version, Event{Snapshot: m.snap, Redirect: redirect}
	m.mu.Unlock()
	m.storeMu.Unlock()
	m.recordState(StateUnauthenticated)
	m.publish(v, ev)
	return true
}

func (m *Manager) recordState(s State) {
	m.metrics.SessionState(s.String(), stateNames)
}

// publish delivers ev unless a newer event has already been delivered, so
// observers never see state go backwards.
func (m *Manager) publish(v uint64, ev Event) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	if v <= m.delivered {
		return
	}
	m.delivered = v

	m.mu.Lock()
	obs := make([]Observer, 0, len(m.observers))
	for _, o := range m.observers {
		obs = append(obs, o)
	}
	m.mu.Unlock()

	for _, o := range obs {
		o(ev)
	}
}
