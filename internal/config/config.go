package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "AT_"

type Config struct {
	Port        string `koanf:"port"`
	Environment string `koanf:"environment"`

	APIURL string `koanf:"api_url"`

	TokenStore string `koanf:"token_store"` // "memory", "file" or "sqlite"
	TokenPath  string `koanf:"token_path"`

	LogLevel  string `koanf:"log_level"`
	SentryDSN string `koanf:"sentry_dsn"`

	PollInterval  time.Duration `koanf:"poll_interval"`
	PollAttempts  int           `koanf:"poll_attempts"`
	RedirectDelay time.Duration `koanf:"redirect_delay"`
	RedirectGrace time.Duration `koanf:"redirect_grace"`
	CopyReset     time.Duration `koanf:"copy_reset"`

	CORSOrigins []string `koanf:"cors_origins"`

	LoginRateLimit  int           `koanf:"login_rate_limit"`
	LoginRateWindow time.Duration `koanf:"login_rate_window"`
}

func defaults() map[string]interface{} {
	tokenPath := filepath.Join(".agentteams", "token.json")
	if home, err := os.UserHomeDir(); err == nil {
		tokenPath = filepath.Join(home, tokenPath)
	}

	return map[string]interface{}{
		"port":              "8080",
		"environment":       "development",
		"api_url":           "http://localhost:5002",
		"token_store":       "file",
		"token_path":        tokenPath,
		"log_level":         "info",
		"sentry_dsn":        "",
		"poll_interval":     "2s",
		"poll_attempts":     10,
		"redirect_delay":    "5s",
		"redirect_grace":    "1200ms",
		"copy_reset":        "2s",
		"cors_origins":      []string{},
		"login_rate_limit":  10,
		"login_rate_window": "1m",
	}
}

// New loads the configuration from defaults and AT_ environment variables.
func New() (*Config, error) {
	return Load("")
}

// Load layers defaults, an optional TOML file and AT_ environment variables,
// in that order, and validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("error loading defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("error loading config file %s: %w", path, err)
		}
	}

	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("error loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}

	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	cfg.CORSOrigins = trimAll(cfg.CORSOrigins)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Port == "" {
		result = multierror.Append(result, errors.New("port is required"))
	}

	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		result = multierror.Append(result, fmt.Errorf("api_url must be an absolute http(s) URL, got %q", c.APIURL))
	}

	switch c.TokenStore {
	case "memory":
	case "file", "sqlite":
		if c.TokenPath == "" {
			result = multierror.Append(result, fmt.Errorf("token_path is required for the %s token store", c.TokenStore))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("token_store must be memory, file or sqlite, got %q", c.TokenStore))
	}

	if c.PollInterval <= 0 {
		result = multierror.Append(result, errors.New("poll_interval must be positive"))
	}
	if c.PollAttempts <= 0 {
		result = multierror.Append(result, errors.New("poll_attempts must be positive"))
	}
	if c.RedirectDelay < 0 || c.RedirectGrace < 0 || c.CopyReset < 0 {
		result = multierror.Append(result, errors.New("redirect_delay, redirect_grace and copy_reset cannot be negative"))
	}
	if c.LoginRateLimit < 0 {
		result = multierror.Append(result, errors.New("login_rate_limit cannot be negative"))
	}

	return result.ErrorOrNil()
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func trimAll(values []string) []string {
	result := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
