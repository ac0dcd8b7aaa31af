// Package handshake runs the third-party login handshake: open a window on
// the provider, wait for the window to report back on a per-nonce result
// channel, and settle exactly one outcome.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dgellow/login-handshake/internal/channel"
	"github.com/dgellow/login-handshake/internal/identity"
	"github.com/dgellow/login-handshake/internal/log"
	"github.com/dgellow/login-handshake/internal/metrics"
	"github.com/dgellow/login-handshake/internal/popup"
	"github.com/dgellow/login-handshake/internal/storage"
)

// URLBuilder builds the provider authorization URL around an encoded state.
type URLBuilder interface {
	AuthURL(state string) string
}

// URLBuilderFunc adapts a function to URLBuilder.
type URLBuilderFunc func(state string) string

func (f URLBuilderFunc) AuthURL(state string) string { return f(state) }

// Request describes one login attempt.
type Request struct {
	URLBuilder       URLBuilder
	VerifierID       string
	LoginType        identity.LoginType
	Mode             identity.RedirectMode
	RedirectToOpener bool
	CallerState      map[string]any
	// Features is the popup feature string. Empty means popup.DefaultFeatures.
	Features string
	// Timeout overrides the coordinator default. Zero keeps the default; a
	// negative value waits forever.
	Timeout time.Duration
	// Navigator moves the current context in redirect mode.
	Navigator popup.Navigator
}

// Options configures a Coordinator. Launcher and Broadcast are required.
type Options struct {
	Launcher  popup.Launcher
	Registry  *popup.Registry
	Broadcast channel.Strategy
	// Runtime serves requests with RedirectToOpener set.
	Runtime channel.Strategy
	Codec   identity.Codec
	// Guard, when set, makes every nonce single-use for ReplayWindow.
	Guard          storage.NonceGuard
	ReplayWindow   time.Duration
	DefaultTimeout time.Duration
	Metrics        *metrics.Metrics
	Tracer         trace.Tracer
}

// Coordinator runs handshakes. It is safe for concurrent use; each Begin
// owns its own nonce, window and listener.
type Coordinator struct {
	launcher       popup.Launcher
	registry       *popup.Registry
	broadcast      channel.Strategy
	runtime        channel.Strategy
	codec          identity.Codec
	guard          storage.NonceGuard
	replayWindow   time.Duration
	defaultTimeout time.Duration
	metrics        *metrics.Metrics
	tracer         trace.Tracer
}

const defaultReplayWindow = 10 * time.Minute

func New(opts Options) (*Coordinator, error) {
	if opts.Launcher == nil {
		return nil, errors.New("launcher is required")
	}
	if opts.Broadcast == nil {
		return nil, errors.New("broadcast strategy is required")
	}

	c := &Coordinator{
		launcher:       opts.Launcher,
		registry:       opts.Registry,
		broadcast:      opts.Broadcast,
		runtime:        opts.Runtime,
		codec:          opts.Codec,
		guard:          opts.Guard,
		replayWindow:   opts.ReplayWindow,
		defaultTimeout: opts.DefaultTimeout,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
	}
	if c.registry == nil {
		c.registry = popup.NewRegistry()
	}
	if c.codec == nil {
		c.codec = identity.PlainCodec{}
	}
	if c.replayWindow <= 0 {
		c.replayWindow = defaultReplayWindow
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/dgellow/login-handshake/internal/handshake")
	}
	return c, nil
}

// Registry returns the window registry, for reporting user-closed windows.
func (c *Coordinator) Registry() *popup.Registry {
	return c.registry
}

// Codec returns the state codec.
func (c *Coordinator) Codec() identity.Codec {
	return c.codec
}

// pending is one handshake waiting for its result.
type pending struct {
	state    identity.HandshakeState
	window   *popup.Controller
	listener channel.Listener
}

// Begin runs one handshake to completion. In popup mode it returns the
// credential or one of ProviderError, ErrUserCancelled, ErrTimeout,
// ErrChannelClosed, ChannelSetupError or the context error. In redirect mode
// it navigates and returns ErrRedirected.
func (c *Coordinator) Begin(ctx context.Context, req Request) (cred *Credential, err error) {
	if req.URLBuilder == nil {
		return nil, errors.New("request has no URL builder")
	}

	state, err := identity.NewState(req.VerifierID, req.LoginType, req.Mode, req.RedirectToOpener, req.CallerState)
	if err != nil {
		return nil, err
	}
	loginType := string(state.LoginType)

	ctx, span := c.tracer.Start(ctx, "handshake.Begin", trace.WithAttributes(
		attribute.String("login.type", loginType),
		attribute.String("login.redirect_mode", string(state.RedirectMode)),
		attribute.Bool("login.redirect_to_opener", state.RedirectToOpener),
	))
	defer func() {
		if err != nil && !errors.Is(err, ErrRedirected) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	token, err := c.codec.Encode(state)
	if err != nil {
		return nil, err
	}
	authURL := req.URLBuilder.AuthURL(token)

	if state.RedirectMode == identity.RedirectModeRedirect {
		if req.Navigator == nil {
			return nil, errors.New("redirect mode needs a navigator")
		}
		if err := req.Navigator.Navigate(ctx, authURL); err != nil {
			return nil, fmt.Errorf("navigating to provider: %w", err)
		}
		c.metrics.HandshakeOutcome(loginType, metrics.OutcomeRedirected)
		log.LogDebugWithFields("handshake", "Navigated to provider", map[string]any{
			"loginType": loginType,
		})
		return nil, ErrRedirected
	}

	listener, err := c.listen(ctx, state)
	if err != nil {
		c.metrics.HandshakeOutcome(loginType, metrics.OutcomeSetupFailed)
		return nil, err
	}
	defer listener.Close()

	features := req.Features
	if features == "" {
		features = popup.DefaultFeatures
	}
	window := popup.NewController(c.launcher, authURL, features)
	if !c.registry.Register(state.Nonce, window) {
		c.metrics.HandshakeOutcome(loginType, metrics.OutcomeSetupFailed)
		return nil, fmt.Errorf("nonce %s already pending", state.Nonce)
	}
	defer c.registry.Remove(state.Nonce)

	if err := window.Open(ctx); err != nil {
		c.metrics.HandshakeOutcome(loginType, metrics.OutcomeSetupFailed)
		return nil, err
	}
	defer func() {
		if closeErr := window.Close(); closeErr != nil {
			log.LogWarnWithFields("handshake", "Failed to close window", map[string]any{
				"error": closeErr.Error(),
			})
		}
	}()

	timeout := c.defaultTimeout
	if req.Timeout != 0 {
		timeout = req.Timeout
	}

	log.LogDebugWithFields("handshake", "Waiting for result", map[string]any{
		"loginType": loginType,
		"channel":   identity.ChannelName(state.Nonce),
		"timeout":   timeout.String(),
	})

	c.metrics.HandshakeStarted()
	started := time.Now()
	result := c.await(ctx, &pending{state: state, window: window, listener: listener}, timeout)
	c.metrics.HandshakeSettled(loginType, result.outcome, time.Since(started))
	span.SetAttributes(attribute.String("login.outcome", result.outcome))

	log.LogDebugWithFields("handshake", "Handshake settled", map[string]any{
		"loginType": loginType,
		"outcome":   result.outcome,
	})
	return result.cred, result.err
}

func (c *Coordinator) listen(ctx context.Context, state identity.HandshakeState) (channel.Listener, error) {
	strategy := c.broadcast
	if state.RedirectToOpener {
		strategy = c.runtime
	}
	if strategy == nil {
		return nil, &channel.ChannelSetupError{
			Channel: identity.ChannelName(state.Nonce),
			Err:     errors.New("no runtime message bus configured"),
		}
	}

	listener, err := strategy.Listen(ctx, state.Nonce)
	if err != nil {
		var setupErr *channel.ChannelSetupError
		if errors.As(err, &setupErr) {
			return nil, err
		}
		return nil, &channel.ChannelSetupError{Channel: identity.ChannelName(state.Nonce), Err: err}
	}
	return listener, nil
}

// settlement is the outcome of a handshake.
type settlement struct {
	cred    *Credential
	outcome string
	err     error
}

func settled(cred *Credential, outcome string, err error) *settlement {
	return &settlement{cred: cred, outcome: outcome, err: err}
}

// await is the single place a handshake settles. Every branch returns, so
// whichever event arrives first wins and the rest are never observed.
func (c *Coordinator) await(ctx context.Context, p *pending, timeout time.Duration) *settlement {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	deliveries := p.listener.Deliveries()
	for {
		select {
		case raw, ok := <-deliveries:
			if !ok {
				return settled(nil, metrics.OutcomeChannelClosed, ErrChannelClosed)
			}
			if s := c.handle(ctx, p, raw); s != nil {
				return s
			}

		case <-p.window.Closed():
			// Closing the completion tab can fire before we read the result
			// it delivered.
			if s := c.drain(ctx, p); s != nil {
				return s
			}
			return settled(nil, metrics.OutcomeUserCancelled, ErrUserCancelled)

		case <-expired:
			return settled(nil, metrics.OutcomeTimeout, ErrTimeout)

		case <-ctx.Done():
			return settled(nil, metrics.OutcomeCancelled, ctx.Err())
		}
	}
}

func (c *Coordinator) drain(ctx context.Context, p *pending) *settlement {
	deliveries := p.listener.Deliveries()
	for {
		select {
		case raw, ok := <-deliveries:
			if !ok {
				return nil
			}
			if s := c.handle(ctx, p, raw); s != nil {
				return s
			}
		default:
			return nil
		}
	}
}

// handle validates one delivered message. It returns nil for anything that
// must be ignored.
func (c *Coordinator) handle(ctx context.Context, p *pending, raw []byte) *settlement {
	if channel.IsAck(raw) {
		return nil
	}

	payload, err := channel.DecodePayload(raw)
	if err != nil {
		c.ignore("malformed", p, map[string]any{"error": err.Error()})
		return nil
	}

	if payload.Error != "" {
		return settled(nil, metrics.OutcomeProviderError, &ProviderError{Message: payload.Error, Raw: raw})
	}

	returned := payload.Data.InstanceParams
	if returned.VerifierID == "" || returned.VerifierID != p.state.VerifierID {
		c.ignore("verifier_mismatch", p, map[string]any{"verifier": returned.VerifierID})
		return nil
	}
	if returned.Nonce != "" && returned.Nonce != p.state.Nonce {
		c.ignore("nonce_mismatch", p, nil)
		return nil
	}

	if c.guard != nil {
		fresh, err := c.guard.Consume(ctx, p.state.Nonce, c.replayWindow)
		if err != nil {
			return settled(nil, metrics.OutcomeGuardFailed, fmt.Errorf("recording nonce: %w", err))
		}
		if !fresh {
			c.ignore("replayed", p, nil)
			return nil
		}
	}

	if err := p.listener.Acknowledge(ctx); err != nil {
		log.LogWarnWithFields("handshake", "Failed to acknowledge result", map[string]any{
			"channel": identity.ChannelName(p.state.Nonce),
			"error":   err.Error(),
		})
	}
	return settled(credentialFrom(payload.Data, p.state), metrics.OutcomeSuccess, nil)
}

func (c *Coordinator) ignore(reason string, p *pending, fields map[string]any) {
	c.metrics.MessageIgnored(reason)
	if fields == nil {
		fields = map[string]any{}
	}
	fields["reason"] = reason
	fields["channel"] = identity.ChannelName(p.state.Nonce)
	log.LogDebugWithFields("handshake", "Ignoring result channel message", fields)
}
