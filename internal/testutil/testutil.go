// Package testutil provides an in-process fake of the Agent Teams backend.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"agentteams.app/portal/models"
)

const CheckoutURL = "https://checkout.example.com/pay"

// RecordedRequest is a request the fake backend received.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	RequestID     string
	At            time.Time
}

type account struct {
	password string
	user     models.User
}

type sessionEntry struct {
	license      models.License
	pendingLeft  int
	failWith     int
	assignedUser string
}

// Backend mimics the external API closely enough for client, auth and
// portal tests.
type Backend struct {
	Server *httptest.Server

	mu        sync.Mutex
	accounts  map[string]*account
	tokens    map[string]string
	sessions  map[string]*sessionEntry
	requests  []RecordedRequest
	nextID    int
	meFailure int
	now       func() time.Time
}

func NewBackend(t testing.TB) *Backend {
	b := &Backend{
		accounts: make(map[string]*account),
		tokens:   make(map[string]string),
		sessions: make(map[string]*sessionEntry),
		now:      time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", b.login)
	mux.HandleFunc("POST /auth/register", b.register)
	mux.HandleFunc("GET /auth/me", b.me)
	mux.HandleFunc("POST /licenses/demo", b.demo)
	mux.HandleFunc("POST /licenses/checkout", b.checkout)
	mux.HandleFunc("POST /licenses/renew", b.renew)
	mux.HandleFunc("GET /licenses/session/{id}", b.session)

	b.Server = httptest.NewServer(b.record(mux))
	t.Cleanup(b.Server.Close)
	return b
}

func (b *Backend) URL() string {
	return b.Server.URL
}

// AddUser creates an account and returns a valid token for it.
func (b *Backend) AddUser(email, password, name string) (models.User, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	user := b.createAccountLocked(email, password, name)
	return user, b.issueTokenLocked(email)
}

// AddLicense attaches a license to an existing account.
func (b *Backend) AddLicense(email string, license models.License) {
	b.mu.Lock()
	defer b.mu.Unlock()

	acc := b.accounts[email]
	if acc == nil {
		panic("testutil: unknown account " + email)
	}
	acc.user.Licenses = append(acc.user.Licenses, license)
}

// SetSessionLicense makes the session resolve to license after
// pendingResponses "not ready" answers. The license is added to the
// account on resolution.
func (b *Backend) SetSessionLicense(sessionID, email string, license models.License, pendingResponses int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[sessionID] = &sessionEntry{
		license:      license,
		pendingLeft:  pendingResponses,
		assignedUser: email,
	}
}

// FailSession makes every lookup of sessionID answer with status.
func (b *Backend) FailSession(sessionID string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry := b.sessions[sessionID]
	if entry == nil {
		entry = &sessionEntry{}
		b.sessions[sessionID] = entry
	}
	entry.failWith = status
}

// FailMe makes /auth/me answer with status until reset with 0.
func (b *Backend) FailMe(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meFailure = status
}

// RevokeTokens invalidates every issued token.
func (b *Backend) RevokeTokens() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens = make(map[string]string)
}

// Requests returns the recorded requests whose path starts with prefix.
func (b *Backend) Requests(prefix string) []RecordedRequest {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []RecordedRequest
	for _, r := range b.requests {
		if strings.HasPrefix(r.Path, prefix) {
			out = append(out, r)
		}
	}
	return out
}

func (b *Backend) User(email string) (models.User, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.accounts[email]
	if acc == nil {
		return models.User{}, false
	}
	return acc.user, true
}

func (b *Backend) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.mu.Lock()
		b.requests = append(b.requests, RecordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			RequestID:     r.Header.Get("X-Request-ID"),
			At:            time.Now(),
		})
		b.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (b *Backend) createAccountLocked(email, password, name string) models.User {
	b.nextID++
	user := models.User{
		ID:        fmt.Sprintf("usr_%d", b.nextID),
		Email:     email,
		Name:      name,
		CreatedAt: b.now().UTC(),
	}
	b.accounts[email] = &account{password: password, user: user}
	return user
}

func (b *Backend) issueTokenLocked(email string) string {
	b.nextID++
	token := fmt.Sprintf("tok_%d_%s", b.nextID, strings.SplitN(email, "@", 2)[0])
	b.tokens[token] = email
	return token
}

func (b *Backend) authenticate(r *http.Request) *account {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	email, ok := b.tokens[token]
	if !ok {
		return nil
	}
	return b.accounts[email]
}

func (b *Backend) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	acc := b.accounts[req.Email]
	if acc == nil || acc.password != req.Password {
		writeError(w, http.StatusUnauthorized, "Invalid email or password")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": b.issueTokenLocked(req.Email),
		"user":  acc.user,
	})
}

func (b *Backend) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "Password must be at least 8 characters")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.accounts[req.Email]; exists {
		writeError(w, http.StatusConflict, "Email already registered")
		return
	}
	user := b.createAccountLocked(req.Email, req.Password, req.Name)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"token": b.issueTokenLocked(req.Email),
		"user":  user,
	})
}

func (b *Backend) me(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	failure := b.meFailure
	b.mu.Unlock()
	if failure != 0 {
		writeError(w, failure, "Service unavailable")
		return
	}

	acc := b.authenticate(r)
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"user": acc.user})
}

func (b *Backend) demo(w http.ResponseWriter, r *http.Request) {
	acc := b.authenticate(r)
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range acc.user.Licenses {
		if l.Plan == models.PlanMonthly && l.Status == models.StatusActive {
			writeError(w, http.StatusConflict, "You already have an active demo license")
			return
		}
	}

	b.nextID++
	now := b.now().UTC()
	expires := now.Add(30 * 24 * time.Hour)
	license := models.License{
		ID:        fmt.Sprintf("lic_%d", b.nextID),
		Key:       fmt.Sprintf("AT-DEMO-%04d", b.nextID),
		Plan:      models.PlanMonthly,
		Status:    models.StatusActive,
		ExpiresAt: &expires,
		CreatedAt: now,
	}
	acc.user.Licenses = append(acc.user.Licenses, license)
	writeJSON(w, http.StatusCreated, map[string]interface{}{"license": license})
}

func (b *Backend) checkout(w http.ResponseWriter, r *http.Request) {
	if b.authenticate(r) == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req struct {
		Plan models.Plan `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.Plan.Valid() {
		writeError(w, http.StatusBadRequest, "Invalid plan")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": CheckoutURL + "?plan=" + string(req.Plan)})
}

func (b *Backend) renew(w http.ResponseWriter, r *http.Request) {
	acc := b.authenticate(r)
	if acc == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	var req struct {
		LicenseID string `json:"licenseId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if acc.user.FindLicense(req.LicenseID) == nil {
		writeError(w, http.StatusNotFound, "License not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": CheckoutURL + "?renew=" + req.LicenseID})
}

func (b *Backend) session(w http.ResponseWriter, r *http.Request) {
	if b.authenticate(r) == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	id := r.PathValue("id")
	b.mu.Lock()
	defer b.mu.Unlock()

	entry := b.sessions[id]
	switch {
	case entry == nil:
		writeError(w, http.StatusNotFound, "License not ready")
	case entry.failWith != 0:
		writeError(w, entry.failWith, "Session lookup failed")
	case entry.pendingLeft > 0:
		entry.pendingLeft--
		writeError(w, http.StatusNotFound, "License not ready")
	default:
		if acc := b.accounts[entry.assignedUser]; acc != nil && acc.user.FindLicense(entry.license.ID) == nil {
			acc.user.Licenses = append(acc.user.Licenses, entry.license)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"license": entry.license})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// NewLicense returns an active license for tests.
func NewLicense(id, key string, plan models.Plan) models.License {
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(365 * 24 * time.Hour)
	return models.License{
		ID:        id,
		Key:       key,
		Plan:      plan,
		Status:    models.StatusActive,
		ExpiresAt: &expires,
		CreatedAt: now,
	}
}
