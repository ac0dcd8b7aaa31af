// Package login is the caller-facing entry point: pick a configured
// provider, run a handshake through it and resolve the credential to a user.
package login

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgellow/login-handshake/internal/handshake"
	"github.com/dgellow/login-handshake/internal/identity"
	"github.com/dgellow/login-handshake/internal/idp"
	"github.com/dgellow/login-handshake/internal/log"
	"github.com/dgellow/login-handshake/internal/metrics"
	"github.com/dgellow/login-handshake/internal/popup"
)

// ErrUnknownProvider is returned for a provider name that is not configured.
var ErrUnknownProvider = errors.New("unknown provider")

// Options tune a single login. Zero values fall back to the service defaults.
type Options struct {
	Mode        identity.RedirectMode
	CallerState map[string]any
	Timeout     time.Duration
	Features    string
	// RedirectToOpener routes the result through the host runtime bus
	// instead of the broadcast channel.
	RedirectToOpener bool
	// Navigator is required in redirect mode.
	Navigator popup.Navigator
}

// Defaults apply to every login unless overridden in Options.
type Defaults struct {
	Mode     identity.RedirectMode
	Features string
	// RedirectToOpener lists providers that always use the runtime bus.
	RedirectToOpener map[string]bool
}

// Outcome is a completed login.
type Outcome struct {
	Provider   string
	User       *idp.UserInfo
	Credential *handshake.Credential
}

// Service runs logins against a fixed set of handlers.
type Service struct {
	coordinator *handshake.Coordinator
	handlers    map[string]idp.Handler
	defaults    Defaults
	metrics     *metrics.Metrics
}

func NewService(coordinator *handshake.Coordinator, handlers map[string]idp.Handler, defaults Defaults, m *metrics.Metrics) *Service {
	if defaults.Mode == "" {
		defaults.Mode = identity.RedirectModePopup
	}
	return &Service{
		coordinator: coordinator,
		handlers:    handlers,
		defaults:    defaults,
		metrics:     m,
	}
}

// Providers returns the configured provider names, sorted.
func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Handler returns the handler configured under name.
func (s *Service) Handler(name string) (idp.Handler, bool) {
	h, ok := s.handlers[name]
	return h, ok
}

// HandlerForVerifier finds the handler whose verifier name travelled in a
// handshake state.
func (s *Service) HandlerForVerifier(verifier string) (string, idp.Handler, bool) {
	for name, h := range s.handlers {
		if h.Verifier() == verifier {
			return name, h, true
		}
	}
	return "", nil, false
}

// Coordinator exposes the handshake coordinator, for the relay.
func (s *Service) Coordinator() *handshake.Coordinator {
	return s.coordinator
}

// Login runs one handshake with the named provider. In redirect mode it
// returns handshake.ErrRedirected once the navigator has been driven; the
// login finishes later through Resume.
func (s *Service) Login(ctx context.Context, provider string, opts Options) (*Outcome, error) {
	h, ok := s.handlers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	mode := opts.Mode
	if mode == "" {
		mode = s.defaults.Mode
	}
	features := opts.Features
	if features == "" {
		features = s.defaults.Features
	}

	log.LogInfoWithFields("login", "Starting login", map[string]any{
		"provider": provider,
		"verifier": h.Verifier(),
		"mode":     string(mode),
	})

	cred, err := s.coordinator.Begin(ctx, handshake.Request{
		URLBuilder:       h,
		VerifierID:       h.Verifier(),
		LoginType:        h.LoginType(),
		Mode:             mode,
		RedirectToOpener: opts.RedirectToOpener || s.defaults.RedirectToOpener[provider],
		CallerState:      opts.CallerState,
		Features:         features,
		Timeout:          opts.Timeout,
		Navigator:        opts.Navigator,
	})
	if err != nil {
		if !errors.Is(err, handshake.ErrRedirected) {
			log.LogWarnWithFields("login", "Login failed", map[string]any{
				"provider": provider,
				"error":    err.Error(),
			})
		}
		return nil, err
	}

	return s.finish(ctx, provider, h, cred)
}

// Resume finishes a redirect-mode login from the URL the provider sent the
// browser back to.
func (s *Service) Resume(ctx context.Context, rawURL string) (*Outcome, error) {
	cred, err := s.coordinator.Resume(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	return s.Finish(ctx, cred)
}

// Finish resolves a credential settled outside Login, picking the handler
// from the verifier in its state.
func (s *Service) Finish(ctx context.Context, cred *handshake.Credential) (*Outcome, error) {
	provider, h, ok := s.HandlerForVerifier(cred.State.VerifierID)
	if !ok {
		return nil, fmt.Errorf("%w: no provider for verifier %s", ErrUnknownProvider, cred.State.VerifierID)
	}
	return s.finish(ctx, provider, h, cred)
}

func (s *Service) finish(ctx context.Context, provider string, h idp.Handler, cred *handshake.Credential) (*Outcome, error) {
	user, err := h.NormalizeResult(ctx, cred)
	if err != nil {
		s.metrics.HandshakeOutcome(string(h.LoginType()), metrics.OutcomeNormalizeFailed)
		log.LogErrorWithFields("login", "Failed to resolve user", map[string]any{
			"provider": provider,
			"error":    err.Error(),
		})
		return nil, fmt.Errorf("resolving %s user: %w", provider, err)
	}

	log.LogInfoWithFields("login", "Login completed", map[string]any{
		"provider":   provider,
		"verifier":   user.Verifier,
		"verifierId": user.VerifierID,
	})
	return &Outcome{Provider: provider, User: user, Credential: cred}, nil
}
