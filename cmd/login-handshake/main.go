package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dgellow/login-handshake/internal/app"
	"github.com/dgellow/login-handshake/internal/config"
	"github.com/dgellow/login-handshake/internal/handshake"
	"github.com/dgellow/login-handshake/internal/identity"
	"github.com/dgellow/login-handshake/internal/log"
	"github.com/dgellow/login-handshake/internal/login"
)

var BuildVersion = "dev"

type rootFlags struct {
	configPath string
	envFile    string
	logLevel   string
	logFormat  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:          "login-handshake",
		Short:        "Run third-party social logins through a popup or redirect handshake",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// stdout is reserved for results
			log.SetOutput(cmd.ErrOrStderr())
			if flags.envFile != "" {
				if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("loading %s: %w", flags.envFile, err)
				}
			}
			level := flags.logLevel
			if level == "" {
				level = os.Getenv("LOG_LEVEL")
			}
			format := flags.logFormat
			if format == "" {
				format = os.Getenv("LOG_FORMAT")
			}
			return log.Configure(level, format)
		},
	}

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the config, if present")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "trace|debug|info|warn|error (env LOG_LEVEL)")
	root.PersistentFlags().StringVar(&flags.logFormat, "log-format", "", "text|json (env LOG_FORMAT)")

	root.AddCommand(
		newServeCmd(flags),
		newLoginCmd(flags),
		newResumeCmd(flags),
		newValidateCmd(flags),
		newConfigInitCmd(),
		newVersionCmd(),
	)
	return root
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	if flags.configPath == "" {
		return config.Config{}, errors.New("--config is required")
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the completion relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			log.LogInfoWithFields("main", "Starting login-handshake relay", map[string]any{
				"version": BuildVersion,
				"config":  flags.configPath,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Serve(ctx)
		},
	}
}

type loginFlags struct {
	mode       string
	timeout    time.Duration
	features   string
	toOpener   bool
	state      map[string]string
	showTokens bool
	noRelay    bool
}

func newLoginCmd(flags *rootFlags) *cobra.Command {
	lf := &loginFlags{}

	cmd := &cobra.Command{
		Use:   "login <provider>",
		Short: "Log in with a configured provider",
		Long: `Opens the provider's authorization page in the system browser and waits
for the completion relay to deliver the result. Interrupting once reports the
window as closed; interrupting again aborts.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			go cancelOnInterrupt(ctx, a, cancel)

			opts := login.Options{
				Mode:             identity.RedirectMode(lf.mode),
				CallerState:      callerState(lf.state),
				Timeout:          lf.timeout,
				Features:         lf.features,
				RedirectToOpener: lf.toOpener,
				Navigator:        printNavigator{w: cmd.OutOrStdout()},
			}

			g, gctx := errgroup.WithContext(ctx)
			serveCtx, stopServe := context.WithCancel(gctx)
			if !lf.noRelay {
				g.Go(func() error { return a.Serve(serveCtx) })
			}
			g.Go(func() error {
				defer stopServe()
				outcome, err := a.Service().Login(gctx, args[0], opts)
				if errors.Is(err, handshake.ErrRedirected) {
					fmt.Fprintln(cmd.ErrOrStderr(), "Finish with: login-handshake resume '<return URL>'")
					return nil
				}
				if err != nil {
					return err
				}
				return printOutcome(cmd.OutOrStdout(), outcome, lf.showTokens)
			})
			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&lf.mode, "mode", "", "popup|redirect (default from config)")
	cmd.Flags().DurationVar(&lf.timeout, "timeout", 0, "give up after this long (default from config)")
	cmd.Flags().StringVar(&lf.features, "features", "", "popup window feature string")
	cmd.Flags().BoolVar(&lf.toOpener, "redirect-to-opener", false, "deliver the result on the host runtime bus")
	cmd.Flags().StringToStringVar(&lf.state, "state", nil, "caller state carried through the provider (key=value)")
	cmd.Flags().BoolVar(&lf.showTokens, "show-tokens", false, "include provider tokens in the output")
	cmd.Flags().BoolVar(&lf.noRelay, "no-relay", false, "don't start the relay (one is already running)")
	return cmd
}

// cancelOnInterrupt reports open windows as closed by the user on the first
// signal and cancels on the second, or right away when nothing is open.
func cancelOnInterrupt(ctx context.Context, a *app.App, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			log.LogInfoWithFields("main", "Received signal", map[string]any{
				"signal": sig.String(),
			})
			if a.Registry().CloseAllByUser() == 0 {
				cancel()
				return
			}
		}
	}
}

func newResumeCmd(flags *rootFlags) *cobra.Command {
	var showTokens bool

	cmd := &cobra.Command{
		Use:   "resume <return-url>",
		Short: "Finish a redirect-mode login from the URL the provider returned to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			a, err := app.New(cmd.Context(), cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			outcome, err := a.Service().Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printOutcome(cmd.OutOrStdout(), outcome, showTokens)
		},
	}
	cmd.Flags().BoolVar(&showTokens, "show-tokens", false, "include provider tokens in the output")
	return cmd
}

func newValidateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file's structure without resolving secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.configPath == "" {
				return errors.New("--config is required")
			}
			return validateConfig(cmd.OutOrStdout(), flags.configPath)
		},
	}
}

func validateConfig(w io.Writer, path string) error {
	result, err := config.ValidateFile(path)
	if err != nil {
		return fmt.Errorf("error during validation: %w", err)
	}

	fmt.Fprintf(w, "Validating: %s\n", path)

	printIssues := func(title string, issues []config.ValidationError) {
		if len(issues) == 0 {
			return
		}
		fmt.Fprintf(w, "\n%s (%d):\n", title, len(issues))
		for _, issue := range issues {
			if issue.Path != "" {
				fmt.Fprintf(w, "  - %s: %s\n", issue.Path, issue.Message)
			} else {
				fmt.Fprintf(w, "  - %s\n", issue.Message)
			}
		}
	}
	printIssues("Errors", result.Errors)
	printIssues("Warnings", result.Warnings)

	fmt.Fprintln(w)
	switch {
	case len(result.Errors) == 0 && len(result.Warnings) == 0:
		fmt.Fprintln(w, "Result: PASS")
	case len(result.Errors) == 0:
		fmt.Fprintln(w, "Result: PASS (with warnings)")
	default:
		fmt.Fprintln(w, "Result: FAIL")
		return fmt.Errorf("validation failed: %d error(s), %d warning(s)", len(result.Errors), len(result.Warnings))
	}
	return nil
}

func newConfigInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config-init <path>",
		Short: "Write a starter config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := generateDefaultConfig(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default config at: %s\n", args[0])
			return nil
		},
	}
}

func generateDefaultConfig(path string) error {
	defaultConfig := map[string]any{
		"version": config.SupportedVersion,
		"relay": map[string]any{
			"addr":       "127.0.0.1:8765",
			"baseURL":    "http://127.0.0.1:8765",
			"ackTimeout": "5s",
		},
		"handshake": map[string]any{
			"timeout":      "5m",
			"replayWindow": "10m",
			"redirectMode": "popup",
		},
		"channel":         map[string]any{"broker": "memory"},
		"nonceStore":      map[string]any{"kind": "memory"},
		"stateSigningKey": map[string]string{"$env": "STATE_SIGNING_KEY"},
		"providers": map[string]any{
			"google": map[string]any{
				"type":     "google",
				"verifier": "google-verifier",
				"clientId": map[string]string{"$env": "GOOGLE_CLIENT_ID"},
			},
			"github": map[string]any{
				"type":         "github",
				"verifier":     "github-verifier",
				"clientId":     map[string]string{"$env": "GITHUB_CLIENT_ID"},
				"clientSecret": map[string]string{"$env": "GITHUB_CLIENT_SECRET"},
			},
		},
	}

	data, err := json.MarshalIndent(defaultConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), BuildVersion)
		},
	}
}

func callerState(kv map[string]string) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	state := make(map[string]any, len(kv))
	for k, v := range kv {
		state[k] = v
	}
	return state
}

// printNavigator drives redirect mode from a terminal: the user opens the
// URL and later hands the return URL to the resume command.
type printNavigator struct {
	w io.Writer
}

func (n printNavigator) Navigate(ctx context.Context, url string) error {
	_, err := fmt.Fprintf(n.w, "Open this URL to continue:\n  %s\n", url)
	return err
}

type outcomeView struct {
	Provider    string         `json:"provider"`
	User        any            `json:"user"`
	AccessToken string         `json:"accessToken,omitempty"`
	IDToken     string         `json:"idToken,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

func printOutcome(w io.Writer, outcome *login.Outcome, showTokens bool) error {
	view := outcomeView{Provider: outcome.Provider, User: outcome.User}
	if showTokens && outcome.Credential != nil {
		view.AccessToken = outcome.Credential.AccessToken
		view.IDToken = outcome.Credential.IDToken
		view.Extra = outcome.Credential.ExtraClaims
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(view)
}
