// Package app builds every component of the login handshake from a config
// and runs the completion relay.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dgellow/login-handshake/internal/channel"
	"github.com/dgellow/login-handshake/internal/config"
	"github.com/dgellow/login-handshake/internal/handshake"
	"github.com/dgellow/login-handshake/internal/hostbus"
	"github.com/dgellow/login-handshake/internal/identity"
	"github.com/dgellow/login-handshake/internal/idp"
	"github.com/dgellow/login-handshake/internal/log"
	"github.com/dgellow/login-handshake/internal/login"
	"github.com/dgellow/login-handshake/internal/metrics"
	"github.com/dgellow/login-handshake/internal/popup"
	"github.com/dgellow/login-handshake/internal/relay"
	"github.com/dgellow/login-handshake/internal/storage"
)

const (
	shutdownTimeout = 30 * time.Second
	pingTimeout     = 5 * time.Second
)

// Options carries what the config cannot express.
type Options struct {
	// Launcher opens authorization windows. Defaults to the system browser.
	// A *hostbus.Tabs launcher also gets its completion tabs closed by the
	// runtime strategy.
	Launcher popup.Launcher
	// HTTPClient is used by the login handlers. Defaults to idp.NewHTTPClient.
	HTTPClient *http.Client
}

// App is the assembled login handshake
type App struct {
	config      config.Config
	broker      channel.Broker
	guard       storage.NonceGuard
	cleanup     *storage.CleanupManager
	bus         *hostbus.Bus
	metrics     *metrics.Metrics
	coordinator *handshake.Coordinator
	service     *login.Service
	relay       *relay.Server
	httpServer  *relay.HTTPServer
}

// New builds the application. The config must already be validated.
func New(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	log.LogInfoWithFields("app", "Building login handshake", map[string]any{
		"baseURL":    cfg.Relay.BaseURL,
		"providers":  len(cfg.Providers),
		"broker":     string(cfg.Channel.Broker),
		"nonceStore": string(cfg.NonceStore.Kind),
	})

	a := &App{config: cfg, bus: hostbus.NewBus()}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.metrics, err = metrics.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to setup metrics: %w", err)
	}

	a.broker, err = setupBroker(ctx, cfg.Channel)
	if err != nil {
		return nil, fmt.Errorf("failed to setup broker: %w", err)
	}

	a.guard, err = setupNonceGuard(ctx, cfg.NonceStore)
	if err != nil {
		return nil, fmt.Errorf("failed to setup nonce store: %w", err)
	}
	if cleaner, ok := a.guard.(storage.Cleaner); ok {
		interval := cfg.NonceStore.CleanupInterval
		if interval <= 0 {
			interval = config.DefaultCleanupInterval
		}
		a.cleanup = storage.NewCleanupManager(cleaner, interval)
	}

	codec, err := setupCodec(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to setup state codec: %w", err)
	}

	handlers, err := idp.NewHandlers(ctx, cfg.Providers, opts.HTTPClient)
	if err != nil {
		return nil, fmt.Errorf("failed to setup providers: %w", err)
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher = popup.NewBrowserLauncher()
	}
	tabs, _ := launcher.(*hostbus.Tabs)

	a.coordinator, err = handshake.New(handshake.Options{
		Launcher:       launcher,
		Broadcast:      channel.NewBroadcast(a.broker),
		Runtime:        channel.NewRuntime(a.bus, tabs),
		Codec:          codec,
		Guard:          a.guard,
		ReplayWindow:   cfg.Handshake.ReplayWindow,
		DefaultTimeout: cfg.Handshake.Timeout,
		Metrics:        a.metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to setup coordinator: %w", err)
	}

	a.service = login.NewService(a.coordinator, handlers, loginDefaults(cfg), a.metrics)
	a.relay = relay.New(relay.Config{
		CallbackPath:   cfg.Relay.CallbackPath,
		AckTimeout:     cfg.Relay.AckTimeout,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
	}, a.service, a.broker, a.bus, a.metrics)
	a.httpServer = relay.NewHTTPServer(a.relay.Routes(), cfg.Relay.Addr)

	return a, nil
}

func loginDefaults(cfg config.Config) login.Defaults {
	defaults := login.Defaults{
		Mode:             identity.RedirectMode(cfg.Handshake.RedirectMode),
		Features:         cfg.Handshake.Features,
		RedirectToOpener: make(map[string]bool),
	}
	for name, p := range cfg.Providers {
		if p != nil && p.RedirectToOpener {
			defaults.RedirectToOpener[name] = true
		}
	}
	return defaults
}

func setupBroker(ctx context.Context, cfg config.ChannelConfig) (channel.Broker, error) {
	switch cfg.Broker {
	case config.BrokerMemory, "":
		log.LogInfoWithFields("app", "Using in-memory broker", nil)
		return channel.NewMemoryBroker(), nil
	case config.BrokerRedis:
		broker := channel.NewRedisBroker(cfg.RedisAddr, string(cfg.RedisPassword), cfg.RedisDB)
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := broker.Ping(pingCtx); err != nil {
			_ = broker.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
		log.LogInfoWithFields("app", "Using Redis broker", map[string]any{
			"addr": cfg.RedisAddr,
			"db":   cfg.RedisDB,
		})
		return broker, nil
	default:
		return nil, fmt.Errorf("unsupported broker: %s", cfg.Broker)
	}
}

// setupNonceGuard returns a nil guard for kind "none", which disables
// replay protection.
func setupNonceGuard(ctx context.Context, cfg config.NonceStoreConfig) (storage.NonceGuard, error) {
	switch cfg.Kind {
	case config.NonceStoreNone:
		log.LogWarnWithFields("app", "Replay protection disabled", nil)
		return nil, nil
	case config.NonceStoreMemory, "":
		return storage.NewMemoryNonceGuard(cfg.CleanupInterval), nil
	case config.NonceStoreRedis:
		return storage.NewRedisNonceGuard(cfg.RedisAddr, string(cfg.RedisPassword), cfg.RedisDB), nil
	case config.NonceStoreFirestore:
		guard, err := storage.NewFirestoreNonceGuard(ctx, cfg.GCPProject, cfg.FirestoreDatabase, cfg.FirestoreCollection)
		if err != nil {
			return nil, err
		}
		log.LogInfoWithFields("app", "Using Firestore nonce store", map[string]any{
			"project":    cfg.GCPProject,
			"database":   cfg.FirestoreDatabase,
			"collection": cfg.FirestoreCollection,
		})
		return guard, nil
	default:
		return nil, fmt.Errorf("unsupported nonce store: %s", cfg.Kind)
	}
}

// setupCodec signs states when a signing key is configured, so the relay
// only accepts states this deployment issued.
func setupCodec(cfg config.Config) (identity.Codec, error) {
	if cfg.StateSigningKey == "" {
		log.LogWarnWithFields("app", "State signing disabled, states are only encoded", nil)
		return identity.PlainCodec{}, nil
	}
	ttl := cfg.Handshake.ReplayWindow
	if ttl <= 0 {
		ttl = config.DefaultReplayWindow
	}
	return identity.NewSignedCodec([]byte(cfg.StateSigningKey), ttl)
}

// Service returns the login service.
func (a *App) Service() *login.Service {
	return a.service
}

// Registry returns the open-window registry.
func (a *App) Registry() *popup.Registry {
	return a.coordinator.Registry()
}

// Bus returns the host runtime bus the runtime strategy listens on.
func (a *App) Bus() *hostbus.Bus {
	return a.bus
}

// Handler returns the relay routes.
func (a *App) Handler() http.Handler {
	return a.relay.Routes()
}

// Serve runs the relay and the nonce cleanup until ctx is done, then shuts
// the relay down gracefully.
func (a *App) Serve(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.cleanup != nil {
		a.cleanup.Start(gctx)
		defer a.cleanup.Stop()
	}

	g.Go(func() error {
		if err := a.httpServer.Start(); err != nil {
			return fmt.Errorf("relay server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.LogInfoWithFields("app", "Starting graceful shutdown", map[string]any{
			"timeout": shutdownTimeout.String(),
		})
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.httpServer.Stop(shutdownCtx)
	})

	return g.Wait()
}

// Close releases the broker and the nonce store.
func (a *App) Close() error {
	var errs []error
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing broker: %w", err))
		}
	}
	if a.guard != nil {
		if err := a.guard.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing nonce store: %w", err))
		}
	}
	return errors.Join(errs...)
}
