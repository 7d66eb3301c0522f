package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"

	"agentteams.app/portal/internal/api"
	"agentteams.app/portal/internal/auth"
	"agentteams.app/portal/internal/reconcile"
	"agentteams.app/portal/models"
)

var errNotSignedIn = errors.New("not signed in, run `atlicense login` first")

func loginCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "login",
		Usage: "sign in and keep the session token",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"AT_PASSWORD"}},
		},
		Action: func(c *cli.Context) error {
			err := s.auth.Login(c.Context, strings.TrimSpace(c.String("email")), c.String("password"))
			if err != nil {
				return errors.New(api.Message(err, "Login failed. Check your email and password."))
			}
			return printSignedIn(c.App.Writer, s.auth)
		},
	}
}

func registerCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "create an account and sign in",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "email", Required: true},
			&cli.StringFlag{Name: "password", Required: true, EnvVars: []string{"AT_PASSWORD"}},
			&cli.StringFlag{Name: "name"},
		},
		Action: func(c *cli.Context) error {
			err := s.auth.Register(c.Context,
				strings.TrimSpace(c.String("email")),
				c.String("password"),
				strings.TrimSpace(c.String("name")))
			if err != nil {
				return errors.New(api.Message(err, "Registration failed. Please try again."))
			}
			return printSignedIn(c.App.Writer, s.auth)
		},
	}
}

func logoutCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "forget the session token",
		Action: func(c *cli.Context) error {
			s.auth.Logout(c.Context)
			fmt.Fprintln(c.App.Writer, "Signed out.")
			return nil
		},
	}
}

func whoamiCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "whoami",
		Usage: "show the signed-in account",
		Action: func(c *cli.Context) error {
			if err := refresh(c, s); err != nil {
				return err
			}
			if err := printSignedIn(c.App.Writer, s.auth); err != nil {
				return err
			}
			if expiry, err := s.auth.TokenExpiry(); err == nil {
				fmt.Fprintf(c.App.Writer, "Session expires %s\n", expiry.Local().Format(time.RFC1123))
			}
			return nil
		},
	}
}

func licensesCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:    "licenses",
		Aliases: []string{"ls"},
		Usage:   "list your licenses",
		Action: func(c *cli.Context) error {
			if err := refresh(c, s); err != nil {
				return err
			}
			user := s.auth.User()
			if user == nil || len(user.Licenses) == 0 {
				fmt.Fprintln(c.App.Writer, "You don't have any licenses yet. Run `atlicense purchase` to get one.")
				return nil
			}
			return printLicenses(c.App.Writer, user.Licenses, time.Now())
		},
	}
}

func purchaseCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "purchase",
		Usage: "get a license for a plan",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "plan",
				Value: string(models.PlanAnnual),
				Usage: "monthly or annual",
			},
		},
		Action: func(c *cli.Context) error {
			if s.auth.Token() == "" {
				return errNotSignedIn
			}
			plan := models.Plan(c.String("plan"))
			option, ok := models.PlanByID(plan)
			if !ok {
				return fmt.Errorf("unknown plan %q, choose monthly or annual", c.String("plan"))
			}

			if option.Demo {
				license, err := s.client.CreateDemoLicense(c.Context)
				if err != nil {
					return errors.New(api.Message(err, "Failed to create demo license. Please try again."))
				}
				fmt.Fprintf(c.App.Writer, "Your %s license is ready: %s\n", strings.ToLower(option.Label), license.Key)
				return nil
			}

			checkoutURL, err := s.client.StartCheckout(c.Context, plan)
			if err != nil {
				return errors.New(api.Message(err, "Failed to start checkout. Please try again."))
			}
			fmt.Fprintf(c.App.Writer, "Complete your payment at:\n  %s\n", checkoutURL)
			fmt.Fprintln(c.App.Writer, "Then run `atlicense success --session-id <id>` with the session id from the return URL.")
			return nil
		},
	}
}

func renewCommand(s *session) *cli.Command {
	return &cli.Command{
		Name:  "renew",
		Usage: "extend a license",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "license", Required: true, Usage: "license id"},
		},
		Action: func(c *cli.Context) error {
			if s.auth.Token() == "" {
				return errNotSignedIn
			}
			checkoutURL, err := s.client.StartRenewal(c.Context, c.String("license"))
			if err != nil {
				return errors.New(api.Message(err, "Failed to create renewal session. Please try again."))
			}
			fmt.Fprintf(c.App.Writer, "Complete your renewal at:\n  %s\n", checkoutURL)
			return nil
		},
	}
}

func successCommand(s *session, term io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "success",
		Usage: "wait for the license of a finished checkout",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session-id", Usage: "payment session id from the checkout return URL"},
			&cli.BoolFlag{Name: "demo", Usage: "show a demo license instead of polling"},
			&cli.StringFlag{Name: "key", Usage: "demo license key"},
			&cli.StringFlag{Name: "plan", Usage: "demo license plan"},
			&cli.StringFlag{Name: "expires", Usage: "demo license expiry (RFC 3339)"},
			&cli.BoolFlag{Name: "copy", Usage: "copy the key to the clipboard once it is known"},
			&cli.DurationFlag{Name: "poll-interval", Usage: "time between session lookups"},
			&cli.IntFlag{Name: "attempts", Usage: "session lookups before giving up"},
			&cli.DurationFlag{Name: "redirect-delay", Usage: "time the key stays on screen"},
		},
		Action: func(c *cli.Context) error {
			input := reconcile.Input{
				Demo:      c.Bool("demo"),
				Key:       c.String("key"),
				Plan:      c.String("plan"),
				Expires:   c.String("expires"),
				SessionID: c.String("session-id"),
			}
			if !input.Demo && input.SessionID == "" {
				return errors.New("pass --session-id, or --demo with --key")
			}
			return runSuccess(c, s, input, successOptions(c, s), terminalClipboard{w: term})
		},
	}
}

func successOptions(c *cli.Context, s *session) reconcile.Options {
	opts := reconcile.Options{
		PollInterval:  s.cfg.PollInterval,
		MaxAttempts:   s.cfg.PollAttempts,
		RedirectDelay: s.cfg.RedirectDelay,
		RedirectGrace: s.cfg.RedirectGrace,
		CopyReset:     s.cfg.CopyReset,
	}
	if c.IsSet("poll-interval") {
		opts.PollInterval = c.Duration("poll-interval")
	}
	if c.IsSet("attempts") {
		opts.MaxAttempts = c.Int("attempts")
	}
	if c.IsSet("redirect-delay") {
		opts.RedirectDelay = c.Duration("redirect-delay")
		opts.RedirectGrace = c.Duration("redirect-delay") / 4
	}
	return opts
}

// terminalNavigator ends the command once the view hands over to the
// dashboard.
type terminalNavigator struct {
	once sync.Once
	done chan string
}

func newTerminalNavigator() *terminalNavigator {
	return &terminalNavigator{done: make(chan string, 1)}
}

func (n *terminalNavigator) Navigate(route string) {
	n.once.Do(func() { n.done <- route })
}

func runSuccess(c *cli.Context, s *session, input reconcile.Input, opts reconcile.Options, clip reconcile.Clipboard) error {
	nav := newTerminalNavigator()
	view := reconcile.Start(c.Context, input, reconcile.Deps{
		Fetcher:   s.client,
		Refresher: s.auth,
		Navigator: nav,
		Clipboard: clip,
		Tokens:    s.auth,
	}, opts)
	defer view.Close()

	printer := &statePrinter{w: c.App.Writer}
	unsubscribe := view.Subscribe(printer.print)
	defer unsubscribe()
	printer.print(view.State())

	select {
	case <-view.Done():
	case <-c.Context.Done():
		return c.Context.Err()
	}

	state := view.State()
	switch state.Phase {
	case reconcile.PhaseExhausted:
		return errors.New("your license is still being processed, check `atlicense licenses` in a moment")
	case reconcile.PhaseIdle:
		if s.auth.Token() == "" {
			return errNotSignedIn
		}
		return errors.New("nothing to look up for this checkout")
	}

	if c.Bool("copy") {
		if err := view.Copy(); err != nil {
			return fmt.Errorf("failed to copy license key: %w", err)
		}
	}

	select {
	case route := <-nav.done:
		fmt.Fprintf(c.App.Writer, "Continue in your dashboard: `atlicense licenses` (%s)\n", route)
		return nil
	case <-c.Context.Done():
		return c.Context.Err()
	}
}

// statePrinter writes one line per visible change of the view.
type statePrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last *reconcile.State
}

func (p *statePrinter) print(state reconcile.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	prev := p.last
	p.last = &state
	if prev == nil {
		prev = &reconcile.State{Phase: -1}
	}

	if state.Phase != prev.Phase {
		switch state.Phase {
		case reconcile.PhasePending:
			fmt.Fprintln(p.w, "Loading your license...")
		case reconcile.PhaseResolved:
			fmt.Fprintln(p.w, "Payment Successful!")
			if state.Demo {
				fmt.Fprintln(p.w, "Demo mode: this license was issued without a payment.")
			}
			if state.License != nil {
				printLicenseCard(p.w, *state.License)
			}
		case reconcile.PhaseExhausted:
			fmt.Fprintln(p.w, "Your license couldn't be loaded yet. It may take a moment to process.")
		}
	}
	if state.Phase == reconcile.PhasePending && state.LastError != "" && state.LastError != prev.LastError {
		fmt.Fprintf(p.w, "  still waiting (%s)\n", state.LastError)
	}
	if state.Copied && !prev.Copied {
		fmt.Fprintln(p.w, "Copied!")
	}
	if state.Redirecting && !prev.Redirecting {
		fmt.Fprintln(p.w, "Redirecting to your dashboard...")
	}
}

func printLicenseCard(w io.Writer, l models.License) {
	expires := "—"
	if l.ExpiresAt != nil {
		expires = l.ExpiresAt.Local().Format("Jan 2, 2006")
	}
	fmt.Fprintf(w, "  License Key  %s\n", l.Key)
	fmt.Fprintf(w, "  Plan         %s\n", l.Plan)
	fmt.Fprintf(w, "  Valid until  %s\n", expires)
}

func printLicenses(w io.Writer, licenses []models.License, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKEY\tPLAN\tSTATUS\tREMAINING")
	for _, l := range licenses {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.ID, l.Key, l.Plan, l.Status, l.DaysLeft(now))
	}
	return tw.Flush()
}

func printSignedIn(w io.Writer, store *auth.Store) error {
	user := store.User()
	if user == nil {
		return errNotSignedIn
	}
	fmt.Fprintf(w, "Signed in as %s <%s>\n", user.DisplayName(), user.Email)
	return nil
}

// refresh reloads the user. A rejected token signs the user out.
func refresh(c *cli.Context, s *session) error {
	if s.auth.Token() == "" {
		return errNotSignedIn
	}
	if err := s.auth.FetchMe(c.Context); err != nil {
		if api.IsTransport(err) {
			return fmt.Errorf("could not reach %s: %w", s.client.BaseURL(), err)
		}
		return errNotSignedIn
	}
	return nil
}
