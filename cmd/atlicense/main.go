package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"agentteams.app/portal/internal/api"
	"agentteams.app/portal/internal/auth"
	"agentteams.app/portal/internal/config"
	"agentteams.app/portal/internal/logger"
	"agentteams.app/portal/internal/version"
	"agentteams.app/portal/storage"
)

// session is what every command works with. It is opened in the app's
// Before hook and closed in After.
type session struct {
	cfg    *config.Config
	tokens storage.TokenStore
	client *api.Client
	auth   *auth.Store
}

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "atlicense:", err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	s := &session{}

	return &cli.App{
		Name:      "atlicense",
		Usage:     "Agent Teams license portal from the terminal",
		Version:   version.Version,
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to a TOML config file",
				EnvVars: []string{"AT_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "api-url",
				Usage: "Agent Teams API base URL",
			},
			&cli.StringFlag{
				Name:  "token-store",
				Usage: "where the session token is kept: memory, file or sqlite",
			},
			&cli.StringFlag{
				Name:  "token-path",
				Usage: "token file or database path",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: api.ClientTimeout,
				Usage: "limit for each request to the API",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable verbose output",
				EnvVars: []string{"AT_VERBOSE"},
			},
		},
		Before: s.open,
		After:  s.close,
		Commands: []*cli.Command{
			loginCommand(s),
			registerCommand(s),
			logoutCommand(s),
			whoamiCommand(s),
			licensesCommand(s),
			purchaseCommand(s),
			renewCommand(s),
			successCommand(s, out),
		},
	}
}

func (s *session) open(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("api-url") {
		cfg.APIURL = strings.TrimRight(c.String("api-url"), "/")
	}
	if c.IsSet("token-store") {
		cfg.TokenStore = c.String("token-store")
	}
	if c.IsSet("token-path") {
		cfg.TokenPath = c.String("token-path")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// Logs would interleave with command output, so only warnings show by
	// default.
	level := logger.WARN
	if c.Bool("verbose") {
		level = logger.DEBUG
	}
	logger.SetLevel(level)

	tokens, err := storage.Open(cfg.TokenStore, cfg.TokenPath)
	if err != nil {
		return fmt.Errorf("failed to open token store: %w", err)
	}

	s.cfg = cfg
	s.tokens = tokens
	httpClient := api.NewHTTPClient()
	httpClient.Timeout = c.Duration("timeout")
	s.client = api.NewClient(cfg.APIURL, tokens,
		api.WithHTTPClient(httpClient),
		api.WithUserAgent(version.UserAgent("atlicense", version.Version)))
	s.auth = auth.New(c.Context, s.client, tokens)
	return nil
}

func (s *session) close(c *cli.Context) error {
	if s.tokens == nil {
		return nil
	}
	err := s.tokens.Close()
	s.tokens = nil
	return err
}
