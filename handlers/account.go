package handlers

import (
	"errors"
	"net/http"
	"strings"

	"agentteams.app/portal/internal/api"
	"agentteams.app/portal/internal/logger"
	"agentteams.app/portal/internal/ratelimit"
)

const (
	loginFailed        = "Login failed. Check your email and password."
	registrationFailed = "Registration failed. Please try again."
	tooManyAttempts    = "Too many attempts. Please wait a minute and try again."
)

func (s *Server) LoginForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "login", pageData{Title: "Sign in"})
}

func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.FormValue("email"))
	data := pageData{Title: "Sign in", Email: email}

	key := ratelimit.ClientKey(r)
	if !s.limiter.Allow(key) {
		logger.Warn("Sign-in throttled", map[string]interface{}{
			"remote_addr": key,
		})
		data.Error = tooManyAttempts
		s.render(w, r, http.StatusTooManyRequests, "login", data)
		return
	}

	if err := s.session.Login(r.Context(), email, r.FormValue("password")); err != nil {
		logger.Info("Sign-in failed", map[string]interface{}{
			"error": err.Error(),
		})
		data.Error = api.Message(err, loginFailed)
		s.render(w, r, formStatus(err), "login", data)
		return
	}

	s.limiter.Reset(key)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (s *Server) RegisterForm(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, "register", pageData{Title: "Create account"})
}

func (s *Server) Register(w http.ResponseWriter, r *http.Request) {
	email := strings.TrimSpace(r.FormValue("email"))
	name := strings.TrimSpace(r.FormValue("name"))
	data := pageData{Title: "Create account", Email: email, Name: name}

	key := ratelimit.ClientKey(r)
	if !s.limiter.Allow(key) {
		logger.Warn("Registration throttled", map[string]interface{}{
			"remote_addr": key,
		})
		data.Error = tooManyAttempts
		s.render(w, r, http.StatusTooManyRequests, "register", data)
		return
	}

	if err := s.session.Register(r.Context(), email, r.FormValue("password"), name); err != nil {
		logger.Info("Registration failed", map[string]interface{}{
			"error": err.Error(),
		})
		data.Error = api.Message(err, registrationFailed)
		s.render(w, r, formStatus(err), "register", data)
		return
	}

	s.limiter.Reset(key)
	http.Redirect(w, r, "/dashboard", http.StatusSeeOther)
}

func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	s.session.Logout(r.Context())
	http.Redirect(w, r, "/login", http.StatusSeeOther)
}

// formStatus is the status a re-rendered form is served with: the backend's
// client error when there is one, 502 otherwise.
func formStatus(err error) int {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
		return apiErr.Status
	}
	return http.StatusBadGateway
}
