// Package api is the HTTP client for the Agent Teams backend.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentteams.app/portal/internal/logger"
	"agentteams.app/portal/models"
)

const (
	DefaultBaseURL = "http://localhost:5002"

	ClientTimeout         = 15 * time.Second
	DialTimeout           = 5 * time.Second
	ResponseHeaderTimeout = 10 * time.Second

	RequestIDHeader = "X-Request-ID"

	maxResponseBytes = 1 << 20
)

// TokenSource yields the bearer token attached to outbound requests.
// An empty token means the request goes out unauthenticated.
type TokenSource interface {
	Load(ctx context.Context) (string, error)
}

type Client struct {
	baseURL   string
	http      *http.Client
	tokens    TokenSource
	userAgent string
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewHTTPClient returns an http.Client with explicit timeouts that does not
// follow redirects.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Timeout: ClientTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   DialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: ResponseHeaderTimeout,
			MaxIdleConns:          10,
			IdleConnTimeout:       90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func NewClient(baseURL string, tokens TokenSource, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      NewHTTPClient(),
		tokens:    tokens,
		userAgent: "agentteams-portal/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

type AuthResponse struct {
	Token string      `json:"token"`
	User  models.User `json:"user"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name,omitempty"`
}

type meResponse struct {
	User models.User `json:"user"`
}

type licenseResponse struct {
	License models.License `json:"license"`
}

type checkoutRequest struct {
	Plan models.Plan `json:"plan"`
}

type renewRequest struct {
	LicenseID string `json:"licenseId"`
}

type redirectResponse struct {
	URL string `json:"url"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", loginRequest{Email: email, Password: password}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Register(ctx context.Context, email, password, name string) (*AuthResponse, error) {
	var resp AuthResponse
	req := registerRequest{Email: email, Password: password, Name: name}
	if err := c.do(ctx, http.MethodPost, "/auth/register", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Me fetches the current user together with their licenses.
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var resp meResponse
	if err := c.do(ctx, http.MethodGet, "/auth/me", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.User, nil
}

// CreateDemoLicense asks the backend to issue a demo license right away.
func (c *Client) CreateDemoLicense(ctx context.Context) (*models.License, error) {
	var resp licenseResponse
	if err := c.do(ctx, http.MethodPost, "/licenses/demo", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.License, nil
}

// StartCheckout returns the external checkout URL for plan.
func (c *Client) StartCheckout(ctx context.Context, plan models.Plan) (string, error) {
	var resp redirectResponse
	if err := c.do(ctx, http.MethodPost, "/licenses/checkout", checkoutRequest{Plan: plan}, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", &Error{Status: http.StatusOK, Message: ""}
	}
	return resp.URL, nil
}

// StartRenewal returns the external checkout URL renewing licenseID.
func (c *Client) StartRenewal(ctx context.Context, licenseID string) (string, error) {
	var resp redirectResponse
	if err := c.do(ctx, http.MethodPost, "/licenses/renew", renewRequest{LicenseID: licenseID}, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", &Error{Status: http.StatusOK, Message: ""}
	}
	return resp.URL, nil
}

type SessionState int

const (
	SessionPending SessionState = iota
	SessionReady
)

func (s SessionState) String() string {
	if s == SessionReady {
		return "ready"
	}
	return "pending"
}

// SessionLookup is the outcome of one license-by-session request.
type SessionLookup struct {
	State   SessionState
	Status  int
	License *models.License
}

// LicenseBySession resolves the license produced by a payment session.
// A 200 yields SessionReady; any other status below 500 means the license
// is not issued yet. Statuses from 500 up return *Error, network failures
// return *TransportError.
func (c *Client) LicenseBySession(ctx context.Context, sessionID string) (SessionLookup, error) {
	resp, err := c.send(ctx, http.MethodGet, "/licenses/session/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return SessionLookup{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return SessionLookup{}, &TransportError{Op: "read response", Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		var payload licenseResponse
		if err := json.Unmarshal(body, &payload); err != nil {
			return SessionLookup{}, fmt.Errorf("failed to decode session license: %w", err)
		}
		return SessionLookup{State: SessionReady, Status: resp.StatusCode, License: &payload.License}, nil
	case resp.StatusCode < http.StatusInternalServerError:
		return SessionLookup{State: SessionPending, Status: resp.StatusCode}, nil
	default:
		return SessionLookup{}, newError(resp.StatusCode, body)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	resp, err := c.send(ctx, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return &TransportError{Op: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(resp.StatusCode, body)
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, in interface{}) (*http.Response, error) {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	requestID := uuid.New().String()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(RequestIDHeader, requestID)

	if token := c.token(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	logger.Debug("Backend request", map[string]interface{}{
		"method":     method,
		"path":       path,
		"request_id": requestID,
	})

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method + " " + path, Err: err}
	}
	return resp, nil
}

// token reads the stored token for every request so that a cleared token
// stops being sent immediately.
func (c *Client) token(ctx context.Context) string {
	if c.tokens == nil {
		return ""
	}
	token, err := c.tokens.Load(ctx)
	if err != nil {
		logger.Warn("Failed to load stored token", map[string]interface{}{
			"error": err.Error(),
		})
		return ""
	}
	return token
}
