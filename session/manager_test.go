package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/tradeport/tradeport-client/auth"
	"github.com/tradeport/tradeport-client/tokens"
)

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{API: &fakeAPI{}})
	assert.Error(t, err)
	_, err = New(Config{API: &fakeAPI{}, Store: tokens.NewMemoryStore()})
	assert.Error(t, err)
}

func TestCheckAuthWithValidToken(t *testing.T) {
	h := newHarness(t)
	access := h.token(auth.RoleAdmin, time.Hour)
	h.seed(tokens.Pair{AccessToken: access, RefreshToken: "ref"})

	snap := h.mgr.CheckAuth(context.Background())
	assert.Equal(t, StateAuthenticated, snap.State)
	assert.True(t, snap.Authenticated)
	assert.Equal(t, auth.RoleAdmin, snap.Role)
	assert.Equal(t, "user-1", snap.SubjectID)
	assert.True(t, h.mgr.HasRole(auth.RoleAdmin))
	assert.False(t, h.mgr.HasRole(auth.RoleUser))
	assert.Equal(t, int32(0), h.writes.Load(), "check must not write the store")

	deadline, ok := h.clock.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, h.clock.Now().Add(55*time.Minute), deadline)
}

func TestCheckAuthWithoutTokens(t *testing.T) {
	h := newHarness(t)

	snap := h.mgr.CheckAuth(context.Background())
	assert.Equal(t, StateUnauthenticated, snap.State)
	assert.False(t, snap.Authenticated)
	assert.Equal(t, int32(0), h.writes.Load())
	assert.Equal(t, int32(0), h.api.refreshCalls.Load())
	assert.Empty(t, h.redirects())
}

func TestCheckAuthMalformedTokenWithoutRefresh(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: "garbage"})

	snap := h.mgr.CheckAuth(context.Background())
	assert.False(t, snap.Authenticated)
	assert.Equal(t, "garbage", h.stored().AccessToken, "store left untouched")
	assert.Equal(t, int32(0), h.writes.Load())
}

func TestCheckAuthExpiredTokenRefreshes(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, 10*time.Second), RefreshToken: "ref-1"})
	fresh := tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "ref-2"}
	h.api.refreshPair = fresh

	snap := h.mgr.CheckAuth(context.Background())
	assert.True(t, snap.Authenticated)
	assert.Equal(t, int32(1), h.api.refreshCalls.Load())
	assert.Equal(t, "ref-1", h.api.lastRefresh)
	assert.Equal(t, fresh, h.stored())
}

func TestCheckAuthRefreshFailureClearsStore(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: "expired.or.bad", RefreshToken: "ref-1"})
	h.api.refreshErr = &auth.CredentialError{Status: 401, Message: "refresh token revoked"}

	snap := h.mgr.CheckAuth(context.Background())
	assert.False(t, snap.Authenticated)
	assert.True(t, h.stored().IsZero())
	assert.Equal(t, []string{"/login"}, h.redirects())
}

func TestAuthenticatedOnlyBeforeExpiryBuffer(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		offset := time.Duration(rapid.IntRange(-600, 7200).Draw(rt, "offsetSeconds")) * time.Second

		h := newHarness(t)
		h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, offset)})
		snap := h.mgr.CheckAuth(context.Background())
		h.mgr.Close()

		want := offset > DefaultExpiryBuffer
		if snap.Authenticated != want {
			rt.Fatalf("offset %v: authenticated=%v, want %v", offset, snap.Authenticated, want)
		}
	})
}

func TestSnapshotDowngradesOnceBufferCrossed(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "r"})
	require.True(t, h.mgr.CheckAuth(context.Background()).Authenticated)

	h.mgr.Close() // keep the timer from refreshing
	h.clock.Advance(time.Hour - 30*time.Second)
	assert.False(t, h.mgr.IsAuthenticated())
}

func TestRefreshTimerFiresBeforeExpiry(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "ref-1"})
	h.api.refreshPair = tokens.Pair{AccessToken: h.token(auth.RoleUser, 2*time.Hour), RefreshToken: "ref-2"}
	require.True(t, h.mgr.CheckAuth(context.Background()).Authenticated)

	h.clock.Advance(54 * time.Minute)
	assert.Equal(t, int32(0), h.api.refreshCalls.Load())

	h.clock.Advance(time.Minute)
	assert.Equal(t, int32(1), h.api.refreshCalls.Load())
	assert.True(t, h.mgr.IsAuthenticated())
	assert.Equal(t, "ref-2", h.stored().RefreshToken)
	assert.Equal(t, 1, h.clock.Pending(), "a new timer follows the refresh")
}

func TestScheduleRefreshImmediateInsideLead(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, 2*time.Minute), RefreshToken: "ref-1"})
	h.api.refreshPair = tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "ref-2"}
	require.True(t, h.mgr.CheckAuth(context.Background()).Authenticated)

	deadline, ok := h.clock.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, h.clock.Now(), deadline)

	h.clock.Advance(0)
	assert.Equal(t, int32(1), h.api.refreshCalls.Load())
}

func TestScheduleRefreshKeepsSingleTimer(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "r"})
	h.mgr.CheckAuth(context.Background())

	h.mgr.ScheduleRefresh()
	h.mgr.ScheduleRefresh()
	assert.Equal(t, 1, h.clock.Pending())
	assert.True(t, h.mgr.RefreshScheduled())
}

func TestScheduleRefreshWhileSignedOutIsNoop(t *testing.T) {
	h := newHarness(t)
	h.mgr.CheckAuth(context.Background())
	h.mgr.ScheduleRefresh()
	assert.Equal(t, 0, h.clock.Pending())
}

func TestConcurrentRefreshSharesOneCall(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "ref-1"})
	h.mgr.CheckAuth(context.Background())

	h.api.refreshPair = tokens.Pair{AccessToken: h.token(auth.RoleUser, 2*time.Hour), RefreshToken: "ref-2"}
	h.api.refreshGate = make(chan struct{})
	h.api.refreshStart = make(chan struct{}, 4)

	errs := make([]error, 3)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = h.mgr.Refresh(context.Background())
		}(i)
	}

	<-h.api.refreshStart
	time.Sleep(100 * time.Millisecond)
	close(h.api.refreshGate)
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), h.api.refreshCalls.Load())
	assert.Equal(t, "ref-2", h.stored().RefreshToken)
}

func TestRefreshWithoutRefreshTokenLogsOut(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour)})
	h.mgr.CheckAuth(context.Background())

	err := h.mgr.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.False(t, h.mgr.IsAuthenticated())
	assert.Equal(t, 0, h.clock.Pending())
	assert.Equal(t, int32(0), h.api.refreshCalls.Load())
}

func TestRefreshRejectsUnusableToken(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "r"})
	h.mgr.CheckAuth(context.Background())
	h.api.refreshPair = tokens.Pair{AccessToken: h.token(auth.RoleUser, 10*time.Second), RefreshToken: "r2"}

	err := h.mgr.Refresh(context.Background())
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.True(t, h.stored().IsZero())
	assert.Equal(t, 0, h.clock.Pending(), "no immediate refresh loop")
}

func TestLoginSuccess(t *testing.T) {
	h := newHarness(t)
	h.mgr.CheckAuth(context.Background())
	pair := tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "ref"}
	h.api.loginPair = pair

	require.NoError(t, h.mgr.Login(context.Background(), auth.Credentials{Email: "a@b.com", Password: "pw"}))
	assert.True(t, h.mgr.IsAuthenticated())
	assert.Equal(t, pair, h.stored())
	assert.Equal(t, 1, h.clock.Pending())
}

func TestLoginFailureLeavesStateUnchanged(t *testing.T) {
	h := newHarness(t)
	h.mgr.CheckAuth(context.Background())
	h.api.loginErr = &auth.CredentialError{Status: 401, Message: "Invalid credentials"}

	err := h.mgr.Login(context.Background(), auth.Credentials{})
	var ce *auth.CredentialError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, StateUnauthenticated, h.mgr.Snapshot().State)
	assert.Equal(t, int32(0), h.writes.Load())
}

func TestLoginWithUndecodableToken(t *testing.T) {
	h := newHarness(t)
	h.mgr.CheckAuth(context.Background())
	h.api.loginPair = tokens.Pair{AccessToken: "bad", RefreshToken: "ref"}

	err := h.mgr.Login(context.Background(), auth.Credentials{})
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
	assert.False(t, h.mgr.IsAuthenticated())
	assert.Equal(t, int32(0), h.writes.Load())
}

func TestLoginDuringRefreshWins(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "old"})
	h.mgr.CheckAuth(context.Background())

	h.api.refreshPair = tokens.Pair{AccessToken: h.token(auth.RoleUser, 3*time.Hour), RefreshToken: "from-refresh"}
	h.api.refreshGate = make(chan struct{})
	h.api.refreshStart = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() { done <- h.mgr.Refresh(context.Background()) }()
	<-h.api.refreshStart

	login := tokens.Pair{AccessToken: h.token(auth.RoleAdmin, time.Hour), RefreshToken: "from-login"}
	h.api.loginPair = login
	require.NoError(t, h.mgr.Login(context.Background(), auth.Credentials{}))

	close(h.api.refreshGate)
	assert.ErrorIs(t, <-done, ErrNotAuthenticated)
	assert.Equal(t, login, h.stored())
	assert.Equal(t, auth.RoleAdmin, h.mgr.Snapshot().Role)
}

// hookDecoder runs hook once, the first time a token is decoded.
type hookDecoder struct {
	TokenDecoder
	once sync.Once
	hook func()
}

func (d *hookDecoder) Decode(token string) (*auth.Claims, error) {
	d.once.Do(d.hook)
	return d.TokenDecoder.Decode(token)
}

// hookStore runs onLoad once after the first Load and onSave after every
// Save.
type hookStore struct {
	tokens.Store
	once   sync.Once
	onLoad func()
	onSave func()
}

func (s *hookStore) Load(ctx context.Context) (tokens.Pair, error) {
	p, err := s.Store.Load(ctx)
	if s.onLoad != nil {
		s.once.Do(s.onLoad)
	}
	return p, err
}

func (s *hookStore) Save(ctx context.Context, p tokens.Pair) error {
	err := s.Store.Save(ctx, p)
	if s.onSave != nil {
		s.onSave()
	}
	return err
}

func TestLogoutDuringCheckAuthWins(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "r"})

	var m *Manager
	dec := &hookDecoder{TokenDecoder: h.codec, hook: func() { m.Logout(context.Background()) }}
	m, err := New(Config{API: h.api, Store: h.store, Decoder: dec, Clock: h.clock, Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(m.Close)

	snap := m.CheckAuth(context.Background())
	assert.False(t, snap.Authenticated)
	assert.False(t, m.IsAuthenticated())
	assert.True(t, h.stored().IsZero())
	assert.False(t, m.RefreshScheduled())
	assert.Equal(t, 0, h.clock.Pending())
	_, err = m.Token()
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestLoginDuringCheckAuthWins(t *testing.T) {
	h := newHarness(t)
	login := tokens.Pair{AccessToken: h.token(auth.RoleAdmin, time.Hour), RefreshToken: "from-login"}
	h.api.loginPair = login

	var m *Manager
	store := &hookStore{Store: h.store}
	store.onLoad = func() {
		require.NoError(t, m.Login(context.Background(), auth.Credentials{}))
	}
	m = h.newManager(store)

	// The check read an empty store before the login landed.
	m.CheckAuth(context.Background())
	assert.True(t, m.IsAuthenticated())
	assert.Equal(t, auth.RoleAdmin, m.Snapshot().Role)
	assert.Equal(t, login, h.stored())
	assert.True(t, m.RefreshScheduled())
}

func TestLogoutRacingLoginLeavesSignedOut(t *testing.T) {
	for range 20 {
		h := newHarness(t)
		h.api.loginPair = tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "r"}

		var m *Manager
		var wg sync.WaitGroup
		var once sync.Once
		store := &hookStore{Store: h.store}
		// Logout queues on the store lock while Login still holds it, so it
		// lands somewhere between the write and the settle.
		store.onSave = func() {
			once.Do(func() {
				wg.Add(1)
				go func() {
					defer wg.Done()
					m.Logout(context.Background())
				}()
			})
		}
		m = h.newManager(store)

		err := m.Login(context.Background(), auth.Credentials{})
		if err != nil {
			require.ErrorIs(t, err, ErrSuperseded)
		}
		wg.Wait()

		assert.False(t, m.IsAuthenticated())
		assert.True(t, h.stored().IsZero())
		assert.False(t, m.RefreshScheduled())
		assert.Equal(t, 0, h.clock.Pending())
	}
}

func TestLogout(t *testing.T) {
	h := newHarness(t)
	access := h.token(auth.RoleUser, time.Hour)
	h.seed(tokens.Pair{AccessToken: access, RefreshToken: "r"})
	h.mgr.CheckAuth(context.Background())
	require.Equal(t, 1, h.clock.Pending())

	h.mgr.Logout(context.Background())
	assert.False(t, h.mgr.IsAuthenticated())
	assert.True(t, h.stored().IsZero())
	assert.Equal(t, 0, h.clock.Pending())
	assert.False(t, h.mgr.RefreshScheduled())
	assert.Equal(t, []string{access}, h.api.logouts())
	assert.Equal(t, []string{"/login"}, h.redirects())

	_, err := h.mgr.Token()
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	// Idempotent: no second backend call, same end state.
	h.mgr.Logout(context.Background())
	assert.Len(t, h.api.logouts(), 1)
	assert.True(t, h.stored().IsZero())
}

func TestSignupDoesNotAuthenticate(t *testing.T) {
	h := newHarness(t)
	h.mgr.CheckAuth(context.Background())
	require.NoError(t, h.mgr.Signup(context.Background(), auth.SignupData{Email: "a", Password: "b", InvitationCode: "c"}))
	assert.Equal(t, int32(1), h.api.signupCalls.Load())
	assert.False(t, h.mgr.IsAuthenticated())
}

func TestTokenSource(t *testing.T) {
	h := newHarness(t)
	access := h.token(auth.RoleUser, time.Hour)
	h.seed(tokens.Pair{AccessToken: access, RefreshToken: "r"})
	h.mgr.CheckAuth(context.Background())

	tok, err := h.mgr.Token()
	require.NoError(t, err)
	assert.Equal(t, access, tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.True(t, tok.Expiry.Equal(h.clock.Now().Add(time.Hour)))
}

func TestObserversSeeOrderedStates(t *testing.T) {
	h := newHarness(t)
	h.seed(tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "r"})
	h.mgr.CheckAuth(context.Background())

	h.evMu.Lock()
	defer h.evMu.Unlock()
	require.Len(t, h.events, 2)
	assert.Equal(t, StateChecking, h.events[0].Snapshot.State)
	assert.Equal(t, StateAuthenticated, h.events[1].Snapshot.State)
}

// notifyingStore reports external writes made through poke.
type notifyingStore struct {
	*tokens.MemoryStore
	ch chan struct{}
}

func (s *notifyingStore) Changes() <-chan struct{} { return s.ch }

func TestWatchRechecksOnExternalChange(t *testing.T) {
	h := newHarness(t)
	store := &notifyingStore{MemoryStore: tokens.NewMemoryStore(), ch: make(chan struct{}, 1)}
	m := h.newManager(store)
	m.CheckAuth(context.Background())
	require.False(t, m.IsAuthenticated())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Another process signs in.
	require.NoError(t, store.MemoryStore.Save(context.Background(),
		tokens.Pair{AccessToken: h.token(auth.RoleUser, time.Hour), RefreshToken: "r"}))
	store.ch <- struct{}{}
	require.Eventually(t, m.IsAuthenticated, 2*time.Second, 10*time.Millisecond)

	// And signs out again.
	require.NoError(t, store.MemoryStore.Clear(context.Background()))
	store.ch <- struct{}{}
	require.Eventually(t, func() bool { return !m.IsAuthenticated() }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestWatchWithPlainStoreReturns(t *testing.T) {
	h := newHarness(t)
	h.mgr.Watch(context.Background())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "authenticated", StateAuthenticated.String())
	assert.Equal(t, "invalid", State(42).String())
}
