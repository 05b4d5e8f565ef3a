package session

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/tradeport/tradeport-client/auth"
	"github.com/tradeport/tradeport-client/tokens"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward and runs due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending counts timers that are neither stopped nor fired.
func (c *fakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// NextDeadline returns the earliest pending deadline.
func (c *fakeClock) NextDeadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var best time.Time
	found := false
	for _, t := range c.timers {
		if t.stopped || t.fired {
			continue
		}
		if !found || t.at.Before(best) {
			best, found = t.at, true
		}
	}
	return best, found
}

// fakeAPI is a scripted auth backend.
type fakeAPI struct {
	mu           sync.Mutex
	loginPair    tokens.Pair
	loginErr     error
	refreshPair  tokens.Pair
	refreshErr   error
	refreshGate  chan struct{}
	refreshStart chan struct{}
	lastRefresh  string
	logoutTokens []string

	refreshCalls atomic.Int32
	signupCalls  atomic.Int32
}

func (a *fakeAPI) Login(_ context.Context, _ auth.Credentials) (tokens.Pair, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loginPair, a.loginErr
}

func (a *fakeAPI) Refresh(_ context.Context, refreshToken string) (tokens.Pair, error) {
	a.refreshCalls.Add(1)
	a.mu.Lock()
	gate, start := a.refreshGate, a.refreshStart
	a.lastRefresh = refreshToken
	a.mu.Unlock()
	if start != nil {
		start <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshPair, a.refreshErr
}

func (a *fakeAPI) Signup(context.Context, auth.SignupData) error {
	a.signupCalls.Add(1)
	return nil
}

func (a *fakeAPI) Logout(_ context.Context, accessToken string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logoutTokens = append(a.logoutTokens, accessToken)
	return nil
}

func (a *fakeAPI) logouts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.logoutTokens...)
}

type harness struct {
	t      *testing.T
	clock  *fakeClock
	api    *fakeAPI
	store  *tokens.MemoryStore
	codec  *auth.Codec
	mgr    *Manager
	writes atomic.Int32

	evMu   sync.Mutex
	events []Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		clock: newFakeClock(),
		api:   &fakeAPI{},
		store: tokens.NewMemoryStore(),
		codec: auth.NewCodec("test-secret"),
	}
	h.store.OnChange(func(tokens.Pair) { h.writes.Add(1) })
	h.mgr = h.newManager(h.store)
	return h
}

func (h *harness) newManager(store tokens.Store) *Manager {
	h.t.Helper()
	m, err := New(Config{
		API:     h.api,
		Store:   store,
		Decoder: h.codec,
		Clock:   h.clock,
		Logger:  testLogger(),
	})
	require.NoError(h.t, err)
	m.Subscribe(func(ev Event) {
		h.evMu.Lock()
		h.events = append(h.events, ev)
		h.evMu.Unlock()
	})
	h.t.Cleanup(m.Close)
	return m
}

// token mints an access token expiring ttl from the fake now.
func (h *harness) token(role auth.Role, ttl time.Duration) string {
	h.t.Helper()
	now := h.clock.Now()
	tok, err := h.codec.GenerateToken("user-1", role, now.Add(ttl-time.Hour), time.Hour)
	require.NoError(h.t, err)
	return tok
}

// seed writes directly to the store without counting it as a manager write.
func (h *harness) seed(p tokens.Pair) {
	h.t.Helper()
	require.NoError(h.t, h.store.Save(context.Background(), p))
	h.writes.Store(0)
}

func (h *harness) stored() tokens.Pair {
	p, _ := h.store.Load(context.Background())
	return p
}

func (h *harness) redirects() []string {
	h.evMu.Lock()
	defer h.evMu.Unlock()
	var out []string
	for _, ev := range h.events {
		if ev.Redirect != "" {
			out = append(out, ev.Redirect)
		}
	}
	return out
}
