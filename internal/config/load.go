package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dgellow/login-handshake/internal/log"
)

// SupportedVersion is the config version prefix this build understands
const SupportedVersion = "v1"

const (
	DefaultCallbackPath        = "/auth/callback"
	DefaultAckTimeout          = 5 * time.Second
	DefaultReplayWindow        = 10 * time.Minute
	DefaultCleanupInterval     = 5 * time.Minute
	DefaultFirestoreCollection = "login_handshake_nonces"
)

// Load loads and processes the config with immediate env var resolution.
// Files ending in .yaml or .yml are accepted and converted to JSON first.
func Load(path string) (Config, error) {
	data, err := readConfigJSON(path)
	if err != nil {
		return Config{}, err
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		return Config{}, fmt.Errorf("parsing config JSON: %w", err)
	}

	version, ok := rawConfig["version"].(string)
	if !ok {
		return Config{}, fmt.Errorf("config version is required")
	}
	if !supportedVersion(version) {
		return Config{}, fmt.Errorf("unsupported config version: %s", version)
	}

	if err := validateRawConfig(rawConfig); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	// The custom UnmarshalJSON methods resolve env vars immediately
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	ApplyDefaults(&config)

	if err := ValidateConfig(&config); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func supportedVersion(version string) bool {
	return version == SupportedVersion || strings.HasPrefix(version, SupportedVersion+"-")
}

// readConfigJSON returns the file contents as JSON
func readConfigJSON(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("converting YAML config: %w", err)
		}
		return converted, nil
	default:
		return data, nil
	}
}

// secretPaths lists every field that must be given as an env reference
func secretPaths(rawConfig map[string]any) map[string]any {
	paths := map[string]any{}
	if v, ok := rawConfig["stateSigningKey"]; ok {
		paths["stateSigningKey"] = v
	}
	for _, section := range []string{"channel", "nonceStore"} {
		if m, ok := rawConfig[section].(map[string]any); ok {
			if v, ok := m["redisPassword"]; ok {
				paths[section+".redisPassword"] = v
			}
		}
	}
	if providers, ok := rawConfig["providers"].(map[string]any); ok {
		for name, p := range providers {
			if m, ok := p.(map[string]any); ok {
				if v, ok := m["clientSecret"]; ok {
					paths["providers."+name+".clientSecret"] = v
				}
			}
		}
	}
	return paths
}

// validateRawConfig validates the config structure before environment resolution
func validateRawConfig(rawConfig map[string]any) error {
	for path, value := range secretPaths(rawConfig) {
		if _, isString := value.(string); isString {
			return fmt.Errorf("%s must use environment variable reference for security", path)
		}
		if refMap, isMap := value.(map[string]any); isMap {
			if _, hasEnv := refMap["$env"]; !hasEnv {
				return fmt.Errorf("%s must use {\"$env\": \"VAR_NAME\"} format", path)
			}
		}
	}
	return nil
}

// ApplyDefaults fills in optional settings
func ApplyDefaults(config *Config) {
	if config.Relay.CallbackPath == "" {
		config.Relay.CallbackPath = DefaultCallbackPath
	}
	if config.Relay.AckTimeout == 0 {
		config.Relay.AckTimeout = DefaultAckTimeout
	}
	if config.Handshake.ReplayWindow == 0 {
		config.Handshake.ReplayWindow = DefaultReplayWindow
	}
	if config.Handshake.RedirectMode == "" {
		config.Handshake.RedirectMode = "popup"
	}
	if config.Channel.Broker == "" {
		config.Channel.Broker = BrokerMemory
	}
	if config.NonceStore.Kind == "" {
		config.NonceStore.Kind = NonceStoreMemory
	}
	if config.NonceStore.CleanupInterval == 0 {
		config.NonceStore.CleanupInterval = DefaultCleanupInterval
	}
	if config.NonceStore.Kind == NonceStoreFirestore && config.NonceStore.FirestoreCollection == "" {
		config.NonceStore.FirestoreCollection = DefaultFirestoreCollection
	}
	for _, p := range config.Providers {
		if p != nil && p.RedirectURI == "" && config.Relay.BaseURL != "" {
			p.RedirectURI = config.Relay.CallbackURL()
		}
	}
}

// ValidateConfig validates the resolved configuration
func ValidateConfig(config *Config) error {
	if config.Relay.Addr == "" {
		return fmt.Errorf("relay.addr is required")
	}
	if config.Relay.BaseURL == "" {
		return fmt.Errorf("relay.baseURL is required")
	}
	u, err := url.Parse(config.Relay.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("relay.baseURL must be an absolute URL, got %q", config.Relay.BaseURL)
	}
	if !strings.HasPrefix(config.Relay.CallbackPath, "/") {
		return fmt.Errorf("relay.callbackPath must start with /")
	}
	if config.Relay.AckTimeout < 0 {
		return fmt.Errorf("relay.ackTimeout cannot be negative")
	}

	if err := validateHandshakeConfig(&config.Handshake); err != nil {
		return fmt.Errorf("handshake config: %w", err)
	}

	switch config.Channel.Broker {
	case BrokerMemory:
	case BrokerRedis:
		if config.Channel.RedisAddr == "" {
			return fmt.Errorf("channel.redisAddr is required for the redis broker")
		}
	default:
		return fmt.Errorf("unknown channel broker %q", config.Channel.Broker)
	}

	if err := validateNonceStore(&config.NonceStore); err != nil {
		return fmt.Errorf("nonceStore config: %w", err)
	}

	if config.StateSigningKey != "" && len(config.StateSigningKey) < 32 {
		return fmt.Errorf("state signing key must be at least 32 bytes, got %d", len(config.StateSigningKey))
	}

	if len(config.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	for name, provider := range config.Providers {
		if err := validateProvider(name, provider); err != nil {
			return err
		}
	}

	if config.Handshake.Timeout > config.Handshake.ReplayWindow {
		log.LogWarn("Handshake timeout is longer than the replay window; late results may be accepted twice")
	}

	return nil
}

func validateHandshakeConfig(h *HandshakeConfig) error {
	if h.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}
	if h.ReplayWindow < 0 {
		return fmt.Errorf("replayWindow cannot be negative")
	}
	if h.RedirectMode != "popup" && h.RedirectMode != "redirect" {
		return fmt.Errorf("redirectMode must be 'popup' or 'redirect', got %q", h.RedirectMode)
	}
	return nil
}

func validateNonceStore(n *NonceStoreConfig) error {
	switch n.Kind {
	case NonceStoreNone, NonceStoreMemory:
	case NonceStoreRedis:
		if n.RedisAddr == "" {
			return fmt.Errorf("redisAddr is required for the redis nonce store")
		}
	case NonceStoreFirestore:
		if n.GCPProject == "" {
			return fmt.Errorf("gcpProject is required for the firestore nonce store")
		}
	default:
		return fmt.Errorf("unknown nonce store kind %q", n.Kind)
	}
	if n.CleanupInterval < 0 {
		return fmt.Errorf("cleanupInterval cannot be negative")
	}
	return nil
}

func validateProvider(name string, p *ProviderConfig) error {
	if p == nil {
		return fmt.Errorf("provider %s is empty", name)
	}
	if !p.Type.Valid() {
		return fmt.Errorf("provider %s has unknown type %q", name, p.Type)
	}
	if p.Verifier == "" {
		return fmt.Errorf("provider %s requires a verifier", name)
	}
	if p.ClientID == "" {
		return fmt.Errorf("provider %s requires clientId", name)
	}

	switch p.Type {
	case ProviderGitHub:
		if p.ClientSecret == "" {
			return fmt.Errorf("provider %s requires clientSecret for the code exchange", name)
		}
	case ProviderOIDC:
		if p.Issuer == "" {
			return fmt.Errorf("provider %s requires issuer", name)
		}
	case ProviderAzure:
		if p.TenantID == "" {
			return fmt.Errorf("provider %s requires tenantId", name)
		}
	case ProviderJWT:
		if p.Domain == "" {
			return fmt.Errorf("provider %s requires domain", name)
		}
	}
	return nil
}
