package reconcile

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentteams.app/portal/internal/api"
	"agentteams.app/portal/internal/auth"
	"agentteams.app/portal/internal/testutil"
	"agentteams.app/portal/models"
	"agentteams.app/portal/storage"
)

type lookupResult struct {
	lookup api.SessionLookup
	err    error
}

type fakeFetcher struct {
	mu       sync.Mutex
	script   []lookupResult
	calls    []time.Time
	fallback lookupResult
}

func (f *fakeFetcher) LicenseBySession(ctx context.Context, sessionID string) (api.SessionLookup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, time.Now())
	if len(f.script) == 0 {
		return f.fallback.lookup, f.fallback.err
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.lookup, next.err
}

func (f *fakeFetcher) Calls() []time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Time(nil), f.calls...)
}

type fakeRefresher struct {
	calls chan struct{}
}

func newFakeRefresher() *fakeRefresher {
	return &fakeRefresher{calls: make(chan struct{}, 16)}
}

func (f *fakeRefresher) FetchMe(ctx context.Context) error {
	f.calls <- struct{}{}
	return nil
}

type fakeNavigator struct {
	routes chan string
	at     time.Time
	mu     sync.Mutex
}

func newFakeNavigator() *fakeNavigator {
	return &fakeNavigator{routes: make(chan string, 4)}
}

func (f *fakeNavigator) Navigate(route string) {
	f.mu.Lock()
	f.at = time.Now()
	f.mu.Unlock()
	f.routes <- route
}

type fakeClipboard struct {
	mu   sync.Mutex
	text string
	err  error
}

func (f *fakeClipboard) WriteText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.text = text
	return nil
}

func testOptions() Options {
	return Options{
		PollInterval:   20 * time.Millisecond,
		MaxAttempts:    4,
		RedirectDelay:  60 * time.Millisecond,
		RedirectGrace:  30 * time.Millisecond,
		CopyReset:      40 * time.Millisecond,
		DashboardRoute: "/dashboard",
	}
}

func tokenStore(t *testing.T, token string) *storage.MemoryStorage {
	t.Helper()
	store := storage.NewMemoryStorage()
	if token != "" {
		require.NoError(t, store.Save(context.Background(), token))
	}
	return store
}

func pending() lookupResult {
	return lookupResult{lookup: api.SessionLookup{State: api.SessionPending, Status: http.StatusNotFound}}
}

func ready(lic models.License) lookupResult {
	return lookupResult{lookup: api.SessionLookup{State: api.SessionReady, Status: http.StatusOK, License: &lic}}
}

func waitDone(t *testing.T, v *View) {
	t.Helper()
	select {
	case <-v.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("view did not finish polling")
	}
}

func TestParseQuery(t *testing.T) {
	q, err := url.ParseQuery("demo=1&key=AT-DEMO-0001&plan=monthly&expires=2026-11-18T00:00:00Z")
	require.NoError(t, err)
	in := ParseQuery(q)
	assert.True(t, in.Demo)
	assert.Equal(t, "AT-DEMO-0001", in.Key)
	assert.Equal(t, "monthly", in.Plan)
	assert.Equal(t, "2026-11-18T00:00:00Z", in.Expires)

	q, _ = url.ParseQuery("session_id=cs_test_1&demo=true")
	in = ParseQuery(q)
	assert.False(t, in.Demo, "only demo=1 marks a demo purchase")
	assert.Equal(t, "cs_test_1", in.SessionID)
}

func TestDefaultOptions(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, 2*time.Second, opts.PollInterval)
	assert.Equal(t, 10, opts.MaxAttempts)
	assert.Equal(t, 5*time.Second, opts.RedirectDelay)
	assert.Equal(t, 1200*time.Millisecond, opts.RedirectGrace)
	assert.Equal(t, 2*time.Second, opts.CopyReset)
	assert.Equal(t, "/dashboard", opts.DashboardRoute)
}

func TestDemo_ResolvesWithoutNetwork(t *testing.T) {
	fetcher := &fakeFetcher{}
	refresher := newFakeRefresher()
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	v := Start(context.Background(), Input{
		Demo:    true,
		Key:     "AT-DEMO-0042",
		Plan:    "monthly",
		Expires: "2026-11-18T12:00:00Z",
	}, Deps{Fetcher: fetcher, Refresher: refresher, Now: func() time.Time { return now }}, testOptions())
	defer v.Close()

	state := v.State()
	assert.Equal(t, PhaseResolved, state.Phase)
	assert.True(t, state.Demo)
	require.NotNil(t, state.License)
	assert.Equal(t, "AT-DEMO-0042", state.License.Key)
	assert.Equal(t, models.StatusActive, state.License.Status)
	assert.Equal(t, models.PlanMonthly, state.License.Plan)
	assert.Equal(t, models.DemoLicenseID, state.License.ID)

	waitDone(t, v)
	select {
	case <-refresher.calls:
	case <-time.After(time.Second):
		t.Fatal("expected the user to be refreshed after resolution")
	}
	assert.Empty(t, fetcher.Calls())
}

func TestDemo_NeedsNoToken(t *testing.T) {
	v := Start(context.Background(), Input{Demo: true, Key: "AT-DEMO-0001"}, Deps{}, testOptions())
	defer v.Close()
	assert.Equal(t, PhaseResolved, v.State().Phase)
}

func TestIdle_WithoutSessionOrToken(t *testing.T) {
	tests := []struct {
		name   string
		input  Input
		tokens *storage.MemoryStorage
	}{
		{"NoSession", Input{}, tokenStore(t, "tok")},
		{"NoToken", Input{SessionID: "cs_test"}, tokenStore(t, "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{}
			v := Start(context.Background(), tt.input, Deps{Fetcher: fetcher, Tokens: tt.tokens}, testOptions())
			defer v.Close()

			waitDone(t, v)
			time.Sleep(50 * time.Millisecond)
			assert.Equal(t, PhaseIdle, v.State().Phase)
			assert.Nil(t, v.State().License)
			assert.Empty(t, fetcher.Calls())
		})
	}
}

func TestPoll_StopsOnFirstReady(t *testing.T) {
	lic := testutil.NewLicense("lic_1", "AT-PAID-0001", models.PlanAnnual)
	fetcher := &fakeFetcher{script: []lookupResult{pending(), pending(), ready(lic)}}
	refresher := newFakeRefresher()

	v := Start(context.Background(), Input{SessionID: "cs_test"}, Deps{
		Fetcher:   fetcher,
		Refresher: refresher,
		Tokens:    tokenStore(t, "tok"),
	}, testOptions())
	defer v.Close()

	waitDone(t, v)
	state := v.State()
	assert.Equal(t, PhaseResolved, state.Phase)
	require.NotNil(t, state.License)
	assert.Equal(t, "AT-PAID-0001", state.License.Key)
	assert.Equal(t, 3, state.Attempts)

	time.Sleep(3 * testOptions().PollInterval)
	assert.Len(t, fetcher.Calls(), 3)

	select {
	case <-refresher.calls:
	case <-time.After(time.Second):
		t.Fatal("expected the user to be refreshed after resolution")
	}
}

func TestPoll_BoundedAndSpaced(t *testing.T) {
	fetcher := &fakeFetcher{fallback: pending()}
	opts := testOptions()

	v := Start(context.Background(), Input{SessionID: "cs_test"}, Deps{
		Fetcher: fetcher,
		Tokens:  tokenStore(t, "tok"),
	}, opts)
	defer v.Close()

	waitDone(t, v)
	state := v.State()
	assert.Equal(t, PhaseExhausted, state.Phase)
	assert.Nil(t, state.License)
	assert.Equal(t, opts.MaxAttempts, state.Attempts)

	time.Sleep(3 * opts.PollInterval)
	calls := fetcher.Calls()
	require.Len(t, calls, opts.MaxAttempts)
	for i := 1; i < len(calls); i++ {
		gap := calls[i].Sub(calls[i-1])
		assert.GreaterOrEqual(t, gap, opts.PollInterval, "poll %d came too early", i+1)
	}
}

func TestPoll_RetriesFailures(t *testing.T) {
	lic := testutil.NewLicense("lic_1", "AT-PAID-0001", models.PlanAnnual)
	transport := &api.TransportError{Op: "GET /licenses/session/cs_test", Err: errors.New("connection refused")}
	fetcher := &fakeFetcher{script: []lookupResult{
		{err: transport},
		{err: &api.Error{Status: http.StatusBadGateway}},
		ready(lic),
	}}

	var mu sync.Mutex
	var lastErrors []string
	v := Start(context.Background(), Input{SessionID: "cs_test"}, Deps{
		Fetcher: fetcher,
		Tokens:  tokenStore(t, "tok"),
	}, testOptions())
	unsubscribe := v.Subscribe(func(s State) {
		mu.Lock()
		lastErrors = append(lastErrors, s.LastError)
		mu.Unlock()
	})
	defer unsubscribe()
	defer v.Close()

	waitDone(t, v)
	state := v.State()
	assert.Equal(t, PhaseResolved, state.Phase)
	assert.Empty(t, state.LastError, "resolution clears the last error")
	assert.Len(t, fetcher.Calls(), 3)

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, lastErrors, "backend returned 502 Bad Gateway")
}

func TestPoll_ExhaustedAfterFailures(t *testing.T) {
	fetcher := &fakeFetcher{fallback: lookupResult{err: &api.Error{Status: http.StatusInternalServerError}}}
	opts := testOptions()

	v := Start(context.Background(), Input{SessionID: "cs_test"}, Deps{
		Fetcher: fetcher,
		Tokens:  tokenStore(t, "tok"),
	}, opts)
	defer v.Close()

	waitDone(t, v)
	state := v.State()
	assert.Equal(t, PhaseExhausted, state.Phase)
	assert.NotEmpty(t, state.LastError)
	assert.Len(t, fetcher.Calls(), opts.MaxAttempts)
}

func TestRedirect_AfterDelayAndGrace(t *testing.T) {
	nav := newFakeNavigator()
	opts := testOptions()

	started := time.Now()
	v := Start(context.Background(), Input{Demo: true, Key: "AT-DEMO-0001"}, Deps{Navigator: nav}, opts)
	defer v.Close()

	assert.False(t, v.State().Redirecting)

	select {
	case route := <-nav.routes:
		assert.Equal(t, "/dashboard", route)
	case <-time.After(2 * time.Second):
		t.Fatal("expected navigation to the dashboard")
	}

	nav.mu.Lock()
	elapsed := nav.at.Sub(started)
	nav.mu.Unlock()
	assert.GreaterOrEqual(t, elapsed, opts.RedirectDelay+opts.RedirectGrace)

	state := v.State()
	assert.True(t, state.Redirecting)
	assert.Equal(t, "/dashboard", state.RedirectTo)
}

func TestRedirect_FlagRaisedBeforeNavigation(t *testing.T) {
	nav := newFakeNavigator()
	opts := testOptions()
	opts.RedirectGrace = 200 * time.Millisecond

	v := Start(context.Background(), Input{Demo: true, Key: "AT-DEMO-0001"}, Deps{Navigator: nav}, opts)
	defer v.Close()

	time.Sleep(opts.RedirectDelay + 50*time.Millisecond)
	state := v.State()
	assert.True(t, state.Redirecting)
	assert.Empty(t, state.RedirectTo)
	assert.Empty(t, nav.routes)
}

func TestClose_CancelsEverything(t *testing.T) {
	nav := newFakeNavigator()
	fetcher := &fakeFetcher{fallback: pending()}
	opts := testOptions()

	demo := Start(context.Background(), Input{Demo: true, Key: "AT-DEMO-0001"}, Deps{Navigator: nav}, opts)
	polling := Start(context.Background(), Input{SessionID: "cs_test"}, Deps{
		Fetcher:   fetcher,
		Tokens:    tokenStore(t, "tok"),
		Navigator: nav,
	}, opts)

	time.Sleep(opts.PollInterval / 2)
	demo.Close()
	polling.Close()
	callsAtClose := len(fetcher.Calls())

	time.Sleep(opts.RedirectDelay + opts.RedirectGrace + 4*opts.PollInterval)
	assert.Empty(t, nav.routes, "no navigation after close")
	assert.False(t, demo.State().Redirecting)
	assert.Len(t, fetcher.Calls(), callsAtClose, "no polling after close")

	select {
	case <-polling.Done():
	default:
		t.Error("expected Done to be closed after Close")
	}

	// closing twice is harmless
	demo.Close()
}

// slowMe is an auth backend whose Me waits to be released or for the caller
// to give up.
type slowMe struct {
	entered chan struct{}
	release chan struct{}
}

func (b *slowMe) Login(ctx context.Context, email, password string) (*api.AuthResponse, error) {
	return nil, errors.New("not supported")
}

func (b *slowMe) Register(ctx context.Context, email, password, name string) (*api.AuthResponse, error) {
	return nil, errors.New("not supported")
}

func (b *slowMe) Me(ctx context.Context) (*models.User, error) {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return &models.User{ID: "usr_1", Email: "ada@example.com", Name: "Ada"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestClose_DuringRefreshKeepsSession(t *testing.T) {
	tokens := tokenStore(t, "tok")
	backend := &slowMe{entered: make(chan struct{}, 1), release: make(chan struct{})}
	session := auth.New(context.Background(), backend, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v := Start(ctx, Input{Demo: true, Key: "AT-DEMO-0001"}, Deps{
		Refresher: session,
		Tokens:    session,
		Navigator: newFakeNavigator(),
	}, testOptions())

	select {
	case <-backend.entered:
	case <-time.After(time.Second):
		t.Fatal("refresh never started")
	}

	closed := make(chan struct{})
	go func() {
		v.Close()
		cancel()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Close waited for the refresh")
	}

	assert.Equal(t, "tok", session.Token())
	persisted, err := tokens.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", persisted)

	// the refresh still lands after the view is gone
	close(backend.release)
	require.Eventually(t, func() bool {
		u := session.User()
		return u != nil && u.Name == "Ada"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "tok", session.Token())
}

func TestSubscribe_DeliversStatesInOrder(t *testing.T) {
	fetcher := &fakeFetcher{fallback: lookupResult{err: &api.Error{Status: http.StatusBadGateway}}}
	opts := testOptions()
	opts.PollInterval = 2 * time.Millisecond
	opts.MaxAttempts = 30

	var mu sync.Mutex
	var attempts []int
	v := Start(context.Background(), Input{SessionID: "cs_test"}, Deps{
		Fetcher: fetcher,
		Tokens:  tokenStore(t, "tok"),
	}, opts)
	defer v.Close()
	unsubscribe := v.Subscribe(func(s State) {
		mu.Lock()
		attempts = append(attempts, s.Attempts)
		mu.Unlock()
	})
	defer unsubscribe()

	waitDone(t, v)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) > 0 && attempts[len(attempts)-1] == opts.MaxAttempts
	}, time.Second, 5*time.Millisecond, "the final state is delivered last")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(attempts); i++ {
		assert.LessOrEqual(t, attempts[i-1], attempts[i], "delivery %d went backwards", i)
	}
}

func TestClose_ContextCancellation(t *testing.T) {
	nav := newFakeNavigator()
	ctx, cancel := context.WithCancel(context.Background())

	v := Start(ctx, Input{Demo: true, Key: "AT-DEMO-0001"}, Deps{Navigator: nav}, testOptions())
	cancel()

	waitDone(t, v)
	time.Sleep(testOptions().RedirectDelay + testOptions().RedirectGrace + 20*time.Millisecond)
	assert.Empty(t, nav.routes)
}

func TestCopy(t *testing.T) {
	clip := &fakeClipboard{}
	opts := testOptions()
	opts.RedirectDelay = time.Second

	v := Start(context.Background(), Input{Demo: true, Key: "AT-DEMO-0007"}, Deps{Clipboard: clip}, opts)
	defer v.Close()

	require.NoError(t, v.Copy())
	assert.True(t, v.State().Copied)
	clip.mu.Lock()
	assert.Equal(t, "AT-DEMO-0007", clip.text)
	clip.mu.Unlock()

	assert.Eventually(t, func() bool {
		return !v.State().Copied
	}, time.Second, 5*time.Millisecond, "copied indicator should clear after the reset delay")
}

func TestCopy_RepeatedCopyRestartsIndicator(t *testing.T) {
	opts := testOptions()
	opts.RedirectDelay = time.Second
	opts.CopyReset = 80 * time.Millisecond

	v := Start(context.Background(), Input{Demo: true, Key: "AT-DEMO-0007"}, Deps{}, opts)
	defer v.Close()

	require.NoError(t, v.Copy())
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, v.Copy())
	time.Sleep(50 * time.Millisecond)
	assert.True(t, v.State().Copied, "second copy should keep the indicator up")
}

func TestCopy_Failures(t *testing.T) {
	t.Run("NoLicense", func(t *testing.T) {
		v := Start(context.Background(), Input{SessionID: "cs_test"}, Deps{
			Fetcher: &fakeFetcher{fallback: pending()},
			Tokens:  tokenStore(t, "tok"),
		}, testOptions())
		defer v.Close()

		assert.ErrorIs(t, v.Copy(), ErrNoLicense)
		assert.False(t, v.State().Copied)
	})

	t.Run("ClipboardError", func(t *testing.T) {
		clip := &fakeClipboard{err: errors.New("clipboard unavailable")}
		v := Start(context.Background(), Input{Demo: true, Key: "AT-DEMO-0001"}, Deps{Clipboard: clip}, testOptions())
		defer v.Close()

		assert.Error(t, v.Copy())
		assert.False(t, v.State().Copied)
	})

	t.Run("Closed", func(t *testing.T) {
		v := Start(context.Background(), Input{Demo: true, Key: "AT-DEMO-0001"}, Deps{}, testOptions())
		v.Close()
		assert.ErrorIs(t, v.Copy(), ErrClosed)
	})
}

func TestAgainstFakeBackend(t *testing.T) {
	backend := testutil.NewBackend(t)
	_, token := backend.AddUser("ada@example.com", "correct-horse", "")
	tokens := tokenStore(t, token)
	client := api.NewClient(backend.URL(), tokens)

	lic := testutil.NewLicense("lic_paid", "AT-PAID-0002", models.PlanAnnual)
	backend.SetSessionLicense("cs_live", "ada@example.com", lic, 2)

	v := Start(context.Background(), Input{SessionID: "cs_live"}, Deps{
		Fetcher: client,
		Tokens:  tokens,
	}, testOptions())
	defer v.Close()

	waitDone(t, v)
	assert.Equal(t, PhaseResolved, v.State().Phase)
	assert.Len(t, backend.Requests("/licenses/session/"), 3)

	user, ok := backend.User("ada@example.com")
	require.True(t, ok)
	assert.NotNil(t, user.FindLicense("lic_paid"))
}

func TestStateJSONPhase(t *testing.T) {
	text, err := PhaseExhausted.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "exhausted", string(text))
	assert.Equal(t, "idle", PhaseIdle.String())
}
