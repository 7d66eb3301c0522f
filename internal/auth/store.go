// Package auth holds the authenticated session of the portal: the bearer
// token, the current user, and whether an auth operation is in flight.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/atomic"

	"agentteams.app/portal/internal/api"
	"agentteams.app/portal/internal/logger"
	"agentteams.app/portal/models"
	"agentteams.app/portal/storage"
)

var ErrNoTokenExpiry = errors.New("token carries no expiry")

// Backend is the subset of the API client the store calls.
type Backend interface {
	Login(ctx context.Context, email, password string) (*api.AuthResponse, error)
	Register(ctx context.Context, email, password, name string) (*api.AuthResponse, error)
	Me(ctx context.Context) (*models.User, error)
}

// Snapshot is a point-in-time copy of the auth state.
type Snapshot struct {
	Token string
	User  *models.User
	Busy  bool
}

func (s Snapshot) Authenticated() bool {
	return s.Token != ""
}

type Store struct {
	backend Backend
	tokens  storage.TokenStore

	// op serializes Login, Register, FetchMe and Logout
	op sync.Mutex

	mu    sync.RWMutex
	token string
	user  *models.User
	busy  atomic.Bool

	subMu   sync.Mutex
	subs    map[int]func(Snapshot)
	nextSub int
}

// New returns a store whose token is initialized from the persisted value.
// A token that cannot be read is treated as absent.
func New(ctx context.Context, backend Backend, tokens storage.TokenStore) *Store {
	s := &Store{
		backend: backend,
		tokens:  tokens,
		subs:    make(map[int]func(Snapshot)),
	}

	token, err := tokens.Load(ctx)
	if err != nil {
		logger.Warn("Failed to read persisted token", map[string]interface{}{
			"error": err.Error(),
		})
		token = ""
	}
	s.token = token
	return s
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Token: s.token, Busy: s.busy.Load()}
	if s.user != nil {
		u := *s.user
		u.Licenses = append([]models.License(nil), s.user.Licenses...)
		snap.User = &u
	}
	return snap
}

func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

func (s *Store) User() *models.User {
	return s.Snapshot().User
}

func (s *Store) Busy() bool {
	return s.busy.Load()
}

func (s *Store) Authenticated() bool {
	return s.Token() != ""
}

// Load satisfies api.TokenSource so the client always sends the token the
// store currently holds.
func (s *Store) Load(ctx context.Context) (string, error) {
	return s.Token(), nil
}

// Login authenticates and persists the returned token. Failures leave the
// state untouched and return the backend error as is.
func (s *Store) Login(ctx context.Context, email, password string) error {
	s.op.Lock()
	defer s.op.Unlock()
	s.setBusy(true)
	defer s.setBusy(false)

	resp, err := s.backend.Login(ctx, email, password)
	if err != nil {
		return err
	}
	return s.accept(ctx, resp)
}

// Register creates an account and signs it in. Same contract as Login.
func (s *Store) Register(ctx context.Context, email, password, name string) error {
	s.op.Lock()
	defer s.op.Unlock()
	s.setBusy(true)
	defer s.setBusy(false)

	resp, err := s.backend.Register(ctx, email, password, name)
	if err != nil {
		return err
	}
	return s.accept(ctx, resp)
}

func (s *Store) accept(ctx context.Context, resp *api.AuthResponse) error {
	if err := s.tokens.Save(ctx, resp.Token); err != nil {
		return fmt.Errorf("failed to persist token: %w", err)
	}
	user := resp.User

	s.mu.Lock()
	s.token = resp.Token
	s.user = &user
	s.mu.Unlock()

	logger.Info("Signed in", map[string]interface{}{
		"user_id": user.ID,
	})
	s.notify()
	return nil
}

// FetchMe refreshes the user. Any failure invalidates the session: token,
// user and the persisted token are all cleared. A refresh abandoned by the
// caller (ctx cancelled or past its deadline) says nothing about the token
// and leaves the session alone. The error is returned for logging only.
func (s *Store) FetchMe(ctx context.Context) error {
	s.op.Lock()
	defer s.op.Unlock()

	user, err := s.backend.Me(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug("Session refresh abandoned", map[string]interface{}{
				"error": err.Error(),
			})
			return err
		}
		logger.Info("Session invalidated", map[string]interface{}{
			"error": err.Error(),
		})
		s.clear(ctx)
		return err
	}

	s.mu.Lock()
	s.user = user
	s.mu.Unlock()
	s.notify()
	return nil
}

// Logout clears the session unconditionally.
func (s *Store) Logout(ctx context.Context) {
	s.op.Lock()
	defer s.op.Unlock()
	s.clear(ctx)
}

func (s *Store) clear(ctx context.Context) {
	s.mu.Lock()
	s.token = ""
	s.user = nil
	s.mu.Unlock()

	// the persisted token must go even when the caller has given up
	if err := s.tokens.Clear(context.WithoutCancel(ctx)); err != nil {
		logger.Error("Failed to clear persisted token", map[string]interface{}{
			"error": err.Error(),
		})
	}
	s.notify()
}

// Subscribe registers fn for state changes and returns a function that
// removes it.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) setBusy(busy bool) {
	if s.busy.Swap(busy) != busy {
		s.notify()
	}
}

func (s *Store) notify() {
	snap := s.Snapshot()
	s.subMu.Lock()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(snap)
	}
}

// TokenExpiry reads the exp claim when the token happens to be a JWT. The
// signature is not checked; the value is for display only.
func (s *Store) TokenExpiry() (time.Time, error) {
	token := s.Token()
	if token == "" {
		return time.Time{}, ErrNoTokenExpiry
	}

	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, ErrNoTokenExpiry
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrNoTokenExpiry
	}
	return claims.ExpiresAt.Time, nil
}
