package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"agentteams.app/portal/handlers"
	"agentteams.app/portal/internal/api"
	"agentteams.app/portal/internal/auth"
	"agentteams.app/portal/internal/config"
	"agentteams.app/portal/internal/logger"
	"agentteams.app/portal/internal/ratelimit"
	"agentteams.app/portal/internal/reconcile"
	"agentteams.app/portal/internal/version"
	"agentteams.app/portal/storage"
)

const shutdownTimeout = 10 * time.Second

// portal is the wired portal: its handler and the resources to release on
// shutdown.
type portal struct {
	handler *handlers.Server
	tokens  storage.TokenStore
}

func newPortal(ctx context.Context, cfg *config.Config, ver string) (*portal, error) {
	tokens, err := storage.Open(cfg.TokenStore, cfg.TokenPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open token store: %w", err)
	}

	client := api.NewClient(cfg.APIURL, tokens,
		api.WithUserAgent(version.UserAgent("agentteams-portal", ver)))
	session := auth.New(ctx, client, tokens)

	srv, err := handlers.NewHttpServer(session, client, handlers.Options{
		Version:     ver,
		CORSOrigins: cfg.CORSOrigins,
		Limiter:     ratelimit.New(cfg.LoginRateLimit, cfg.LoginRateWindow),
		Reconcile: reconcile.Options{
			PollInterval:  cfg.PollInterval,
			MaxAttempts:   cfg.PollAttempts,
			RedirectDelay: cfg.RedirectDelay,
			RedirectGrace: cfg.RedirectGrace,
			CopyReset:     cfg.CopyReset,
		},
	})
	if err != nil {
		tokens.Close()
		return nil, err
	}

	return &portal{handler: srv, tokens: tokens}, nil
}

// Close releases the portal. Every close runs; the failures are combined.
func (p *portal) Close() error {
	var result *multierror.Error
	if err := p.handler.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("success view: %w", err))
	}
	if err := p.tokens.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("token store: %w", err))
	}
	return result.ErrorOrNil()
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("Failed to load .env file", map[string]interface{}{
			"error": err.Error(),
		})
	}

	cfg, err := config.Load(os.Getenv("AT_CONFIG"))
	if err != nil {
		logger.Error("Invalid configuration", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))

	ver := version.Resolve("VERSION")

	if cfg.IsProduction() && cfg.SentryDSN == "" {
		logger.Warn("No Sentry DSN configured in production, errors will only be logged")
	}

	err = sentry.Init(sentryOptions(cfg, ver))
	if err != nil {
		logger.Error("Failed to initialise Sentry", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}
	defer sentry.Flush(2 * time.Second)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := newPortal(ctx, cfg, ver)
	if err != nil {
		logger.Error("Failed to start portal", map[string]interface{}{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           p.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	logger.Info("Agent Teams portal starting", map[string]interface{}{
		"version":     ver,
		"port":        cfg.Port,
		"api_url":     cfg.APIURL,
		"token_store": cfg.TokenStore,
		"environment": cfg.Environment,
	})

	if err := serve(ctx, httpServer, p); err != nil {
		logger.Error("Portal stopped with errors", map[string]interface{}{
			"error": err.Error(),
		})
		sentry.CaptureException(err)
		sentry.Flush(2 * time.Second)
		os.Exit(1)
	}
	logger.Info("Portal stopped")
}

// sentryOptions samples every trace outside production.
func sentryOptions(cfg *config.Config, ver string) sentry.ClientOptions {
	rate := 1.0
	if cfg.IsProduction() {
		rate = 0.2
	}
	return sentry.ClientOptions{
		Dsn:              cfg.SentryDSN,
		Environment:      cfg.Environment,
		Release:          ver,
		TracesSampleRate: rate,
	}
}

// serve runs srv until ctx is cancelled, then shuts it down and closes the
// portal.
func serve(ctx context.Context, srv *http.Server, p *portal) error {
	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var result *multierror.Error
	select {
	case err := <-serverErr:
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("server: %w", err))
		}
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			result = multierror.Append(result, fmt.Errorf("http shutdown: %w", err))
		}
	}

	if err := p.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
