package handlers

import (
	"context"
	"encoding/json"
	"html/template"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"agentteams.app/portal/internal/api"
	"agentteams.app/portal/internal/auth"
	"agentteams.app/portal/internal/logger"
	"agentteams.app/portal/internal/ratelimit"
	"agentteams.app/portal/internal/reconcile"
	"agentteams.app/portal/models"
)

// Backend is the part of the API client the portal pages call directly.
// Sign-in goes through the auth store instead.
type Backend interface {
	CreateDemoLicense(ctx context.Context) (*models.License, error)
	StartCheckout(ctx context.Context, plan models.Plan) (string, error)
	StartRenewal(ctx context.Context, licenseID string) (string, error)
	LicenseBySession(ctx context.Context, sessionID string) (api.SessionLookup, error)
}

type Options struct {
	Version     string
	Reconcile   reconcile.Options
	CORSOrigins []string
	Limiter     ratelimit.Limiter
	Now         func() time.Time
}

type Server struct {
	Router *chi.Mux

	session *auth.Store
	backend Backend
	limiter ratelimit.Limiter
	opts    Options
	pages   map[string]*template.Template

	// the success view of the current visit, nil outside /success
	mu   sync.Mutex
	view *reconcile.View
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func NewHttpServer(session *auth.Store, backend Backend, opts Options) (*Server, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(10, time.Minute)
	}

	pages, err := parsePages(opts.Now)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Router:  chi.NewRouter(),
		session: session,
		backend: backend,
		limiter: opts.Limiter,
		opts:    opts,
		pages:   pages,
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := s.Router

	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	if len(s.opts.CORSOrigins) > 0 {
		r.Use(jsonCORS(s.opts.CORSOrigins))
	}

	r.Get("/health", s.Health)

	r.Get("/success", s.Success)
	r.Get("/success/state", s.SuccessState)
	r.Post("/success/copy", s.SuccessCopy)

	// every other page visit ends the success view
	r.Group(func(r chi.Router) {
		r.Use(s.leaveSuccessView)

		r.Get("/", s.Landing)
		r.Get("/login", s.LoginForm)
		r.Post("/login", s.Login)
		r.Get("/register", s.RegisterForm)
		r.Post("/register", s.Register)
		r.Get("/logout", s.Logout)
		r.Post("/logout", s.Logout)

		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)

			r.Get("/dashboard", s.Dashboard)
			r.Post("/licenses/{id}/renew", s.Renew)
			r.Get("/purchase", s.PurchaseForm)
			r.Post("/purchase", s.Purchase)
		})
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   s.opts.Version,
		Timestamp: s.opts.Now().UTC(),
	})
}

// requireToken sends visitors without a token to the sign-in page.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.session.Authenticated() {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) leaveSuccessView(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.swapView(nil)
		next.ServeHTTP(w, r)
	})
}

// Close tears down the active success view.
func (s *Server) Close() error {
	s.swapView(nil)
	return nil
}

func jsonCORS(origins []string) func(http.Handler) http.Handler {
	c := cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	})
	return func(next http.Handler) http.Handler {
		withCORS := c(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || strings.HasPrefix(r.URL.Path, "/success/") {
				withCORS.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logger.Debug("Request served", map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		})
	})
}

// report sends unexpected failures to Sentry. It is a no-op when Sentry is
// not configured.
func report(r *http.Request, err error) {
	hub := sentry.GetHubFromContext(r.Context())
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	hub.CaptureException(err)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
