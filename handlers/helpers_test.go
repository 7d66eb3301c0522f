package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"agentteams.app/portal/internal/api"
	"agentteams.app/portal/internal/auth"
	"agentteams.app/portal/internal/ratelimit"
	"agentteams.app/portal/internal/reconcile"
	"agentteams.app/portal/internal/testutil"
	"agentteams.app/portal/storage"
)

type testPortal struct {
	server  *Server
	backend *testutil.Backend
	session *auth.Store
	tokens  *storage.MemoryStorage
}

func newTestPortal(t *testing.T, mutate ...func(*Options)) *testPortal {
	t.Helper()

	backend := testutil.NewBackend(t)
	tokens := storage.NewMemoryStorage()
	client := api.NewClient(backend.URL(), tokens)
	session := auth.New(context.Background(), client, tokens)

	opts := Options{
		Version: "1.0.0-test",
		Reconcile: reconcile.Options{
			PollInterval:  20 * time.Millisecond,
			MaxAttempts:   3,
			RedirectDelay: time.Second,
			RedirectGrace: 100 * time.Millisecond,
			CopyReset:     time.Second,
		},
		Limiter: ratelimit.New(100, time.Minute),
	}
	for _, m := range mutate {
		m(&opts)
	}

	server, err := NewHttpServer(session, client, opts)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { server.Close() })

	return &testPortal{server: server, backend: backend, session: session, tokens: tokens}
}

// signIn creates an account on the fake backend and signs the portal in.
func (p *testPortal) signIn(t *testing.T, email string) {
	t.Helper()
	p.backend.AddUser(email, "correct-horse", "Test User")
	if err := p.session.Login(context.Background(), email, "correct-horse"); err != nil {
		t.Fatalf("Failed to sign in: %v", err)
	}
}

func (p *testPortal) get(path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	p.server.ServeHTTP(w, req)
	return w
}

func (p *testPortal) postForm(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "192.0.2.10:40000"
	w := httptest.NewRecorder()
	p.server.ServeHTTP(w, req)
	return w
}

func expectRedirect(t *testing.T, w *httptest.ResponseRecorder, status int, location string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("Expected status %d, got %d (%s)", status, w.Code, w.Body.String())
	}
	if got := w.Header().Get("Location"); got != location {
		t.Errorf("Expected redirect to '%s', got '%s'", location, got)
	}
}

func expectBodyContains(t *testing.T, w *httptest.ResponseRecorder, want string) {
	t.Helper()
	if !strings.Contains(w.Body.String(), want) {
		t.Errorf("Expected body to contain %q, got:\n%s", want, w.Body.String())
	}
}
