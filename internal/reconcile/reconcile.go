// Package reconcile drives the post-checkout success view: it resolves the
// license produced by a payment session (or taken from a demo purchase),
// lets the user copy the key and sends them to the dashboard afterwards.
package reconcile

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"go.uber.org/atomic"

	"agentteams.app/portal/internal/api"
	"agentteams.app/portal/internal/logger"
	"agentteams.app/portal/models"
)

// RefreshTimeout bounds the user refresh that follows a resolved license.
const RefreshTimeout = 15 * time.Second

var (
	ErrNoLicense = errors.New("no license to copy yet")
	ErrClosed    = errors.New("view is closed")
)

// Input is what the success view is opened with.
type Input struct {
	Demo      bool
	Key       string
	Plan      string
	Expires   string
	SessionID string
}

// ParseQuery reads the success view query: demo=1 with key, plan and
// expires for demo purchases, session_id for real payments.
func ParseQuery(q url.Values) Input {
	return Input{
		Demo:      q.Get("demo") == "1",
		Key:       q.Get("key"),
		Plan:      q.Get("plan"),
		Expires:   q.Get("expires"),
		SessionID: q.Get("session_id"),
	}
}

type Fetcher interface {
	LicenseBySession(ctx context.Context, sessionID string) (api.SessionLookup, error)
}

type Refresher interface {
	FetchMe(ctx context.Context) error
}

type Navigator interface {
	Navigate(route string)
}

type Clipboard interface {
	WriteText(text string) error
}

type Deps struct {
	Fetcher   Fetcher
	Refresher Refresher
	Navigator Navigator
	Clipboard Clipboard
	Tokens    api.TokenSource
	Now       func() time.Time
}

type Options struct {
	PollInterval   time.Duration
	MaxAttempts    int
	RedirectDelay  time.Duration
	RedirectGrace  time.Duration
	CopyReset      time.Duration
	DashboardRoute string
}

func DefaultOptions() Options {
	return Options{
		PollInterval:   2 * time.Second,
		MaxAttempts:    10,
		RedirectDelay:  5 * time.Second,
		RedirectGrace:  1200 * time.Millisecond,
		CopyReset:      2 * time.Second,
		DashboardRoute: "/dashboard",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.RedirectDelay <= 0 {
		o.RedirectDelay = d.RedirectDelay
	}
	if o.RedirectGrace <= 0 {
		o.RedirectGrace = d.RedirectGrace
	}
	if o.CopyReset <= 0 {
		o.CopyReset = d.CopyReset
	}
	if o.DashboardRoute == "" {
		o.DashboardRoute = d.DashboardRoute
	}
	return o
}

type Phase int32

const (
	// PhaseIdle: a real payment view without session id or token. Nothing
	// is fetched.
	PhaseIdle Phase = iota
	PhasePending
	PhaseResolved
	PhaseExhausted
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseResolved:
		return "resolved"
	case PhaseExhausted:
		return "exhausted"
	default:
		return "idle"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// State is a snapshot of a view.
type State struct {
	Phase       Phase           `json:"phase"`
	License     *models.License `json:"license,omitempty"`
	Attempts    int             `json:"attempts"`
	Copied      bool            `json:"copied"`
	Redirecting bool            `json:"redirecting"`
	RedirectTo  string          `json:"redirectTo,omitempty"`
	Demo        bool            `json:"demo"`
	LastError   string          `json:"lastError,omitempty"`
}

// View is one visit of the success view.
type View struct {
	input Input
	deps  Deps
	opts  Options

	ctx    context.Context
	cancel context.CancelFunc
	scope  Scope

	phase       atomic.Int32
	attempts    atomic.Int32
	copied      atomic.Bool
	copyGen     atomic.Int64
	redirecting atomic.Bool
	redirectTo  atomic.String
	lastError   atomic.Error

	mu      sync.RWMutex
	license *models.License

	done     chan struct{}
	doneOnce sync.Once

	notifyMu sync.Mutex
	subMu    sync.Mutex
	subs     map[int]func(State)
	nextSub  int
}

// Start opens a view. A demo input resolves immediately without any network
// call. A real payment input polls the session until the license is issued
// or the attempts run out. The view lives until Close or until ctx ends.
func Start(ctx context.Context, input Input, deps Deps, opts Options) *View {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	vctx, cancel := context.WithCancel(ctx)
	v := &View{
		input:  input,
		deps:   deps,
		opts:   opts.withDefaults(),
		ctx:    vctx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[int]func(State)),
	}

	go func() {
		<-vctx.Done()
		v.Close()
	}()

	if input.Demo {
		lic := models.DemoLicense(input.Key, input.Plan, input.Expires, deps.Now())
		v.resolve(lic)
		return v
	}

	if input.SessionID == "" || !v.hasToken() {
		logger.Debug("Success view has nothing to reconcile", map[string]interface{}{
			"has_session": input.SessionID != "",
		})
		v.finish()
		return v
	}

	v.phase.Store(int32(PhasePending))
	v.scope.Go(v.poll)
	return v
}

func (v *View) hasToken() bool {
	if v.deps.Tokens == nil {
		return false
	}
	token, err := v.deps.Tokens.Load(v.ctx)
	return err == nil && token != ""
}

func (v *View) poll() {
	lookup, err := v.deps.Fetcher.LicenseBySession(v.ctx, v.input.SessionID)
	if v.ctx.Err() != nil {
		return
	}

	if err == nil && lookup.State == api.SessionReady && lookup.License != nil {
		v.attempts.Inc()
		v.resolve(*lookup.License)
		return
	}

	fields := map[string]interface{}{
		"session_id": v.input.SessionID,
		"attempt":    v.attempts.Load() + 1,
	}
	switch {
	case err == nil:
		fields["status"] = lookup.Status
		logger.Debug("License not ready yet", fields)
	case api.IsTransport(err):
		fields["error"] = err.Error()
		logger.Debug("License lookup failed to reach backend", fields)
		v.lastError.Store(err)
	default:
		fields["error"] = err.Error()
		logger.Warn("License lookup failed", fields)
		v.lastError.Store(err)
	}

	attempts := int(v.attempts.Inc())
	if attempts >= v.opts.MaxAttempts {
		v.phase.Store(int32(PhaseExhausted))
		logger.Info("Gave up waiting for license", map[string]interface{}{
			"session_id": v.input.SessionID,
			"attempts":   attempts,
		})
		v.finish()
		v.notify()
		return
	}

	v.notify()
	v.scope.After(v.opts.PollInterval, v.poll)
}

func (v *View) resolve(lic models.License) {
	v.mu.Lock()
	v.license = &lic
	v.mu.Unlock()
	v.lastError.Store(nil)
	v.phase.Store(int32(PhaseResolved))
	v.finish()
	v.notify()

	if v.deps.Refresher != nil {
		go v.refresh()
	}

	v.scope.After(v.opts.RedirectDelay, func() {
		v.redirecting.Store(true)
		v.notify()
		v.scope.After(v.opts.RedirectGrace, v.navigate)
	})
}

// refresh reloads the user once the license is known. It outlives the view:
// closing the view must not abandon a refresh halfway and drop the session.
func (v *View) refresh() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(v.ctx), RefreshTimeout)
	defer cancel()
	if err := v.deps.Refresher.FetchMe(ctx); err != nil {
		logger.Debug("Refresh after license resolution failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

func (v *View) navigate() {
	route := v.opts.DashboardRoute
	v.redirectTo.Store(route)
	v.notify()
	if v.deps.Navigator != nil {
		v.deps.Navigator.Navigate(route)
	}
}

// Copy puts the license key on the clipboard and raises the copied
// indicator until CopyReset has passed.
func (v *View) Copy() error {
	if v.scope.Closed() {
		return ErrClosed
	}
	v.mu.RLock()
	lic := v.license
	v.mu.RUnlock()
	if lic == nil {
		return ErrNoLicense
	}
	if v.deps.Clipboard != nil {
		if err := v.deps.Clipboard.WriteText(lic.Key); err != nil {
			return err
		}
	}

	gen := v.copyGen.Inc()
	v.copied.Store(true)
	v.notify()

	v.scope.After(v.opts.CopyReset, func() {
		// a newer copy restarts the indicator
		if v.copyGen.Load() == gen {
			v.copied.Store(false)
			v.notify()
		}
	})
	return nil
}

// Close tears the view down. No timer or callback of the view fires after
// Close returns. Close is idempotent.
func (v *View) Close() {
	v.cancel()
	v.scope.Close()
	v.finish()
}

// Done is closed once the view stops polling: resolved, exhausted, idle or
// closed.
func (v *View) Done() <-chan struct{} {
	return v.done
}

func (v *View) finish() {
	v.doneOnce.Do(func() { close(v.done) })
}

func (v *View) State() State {
	v.mu.RLock()
	var lic *models.License
	if v.license != nil {
		l := *v.license
		lic = &l
	}
	v.mu.RUnlock()

	s := State{
		Phase:       Phase(v.phase.Load()),
		License:     lic,
		Attempts:    int(v.attempts.Load()),
		Copied:      v.copied.Load(),
		Redirecting: v.redirecting.Load(),
		RedirectTo:  v.redirectTo.Load(),
		Demo:        v.input.Demo,
	}
	if err := v.lastError.Load(); err != nil {
		s.LastError = err.Error()
	}
	return s
}

// Subscribe registers fn for state changes and returns a function that
// removes it. fn runs on the view's goroutines and must not block or call
// back into the view's Copy.
func (v *View) Subscribe(fn func(State)) func() {
	v.subMu.Lock()
	defer v.subMu.Unlock()
	id := v.nextSub
	v.nextSub++
	v.subs[id] = fn
	return func() {
		v.subMu.Lock()
		defer v.subMu.Unlock()
		delete(v.subs, id)
	}
}

// notify delivers the current state to every subscriber. Deliveries are
// serialized so subscribers see snapshots in the order they were taken.
func (v *View) notify() {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()

	state := v.State()
	v.subMu.Lock()
	fns := make([]func(State), 0, len(v.subs))
	for _, fn := range v.subs {
		fns = append(fns, fn)
	}
	v.subMu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
