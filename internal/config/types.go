package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Secret is a string type that redacts itself when printed
type Secret string

// String implements fmt.Stringer to redact the secret
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "***"
}

// MarshalJSON implements json.Marshaler to prevent secrets in JSON logs
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("***")
}

// ProviderType selects the login handler implementation
type ProviderType string

const (
	ProviderGoogle  ProviderType = "google"
	ProviderGitHub  ProviderType = "github"
	ProviderDiscord ProviderType = "discord"
	ProviderOIDC    ProviderType = "oidc"
	ProviderAzure   ProviderType = "azure"
	ProviderJWT     ProviderType = "jwt"
)

func (p ProviderType) Valid() bool {
	switch p {
	case ProviderGoogle, ProviderGitHub, ProviderDiscord, ProviderOIDC, ProviderAzure, ProviderJWT:
		return true
	}
	return false
}

// BrokerKind selects the result channel transport
type BrokerKind string

const (
	BrokerMemory BrokerKind = "memory"
	BrokerRedis  BrokerKind = "redis"
)

// NonceStoreKind selects the replay guard backend
type NonceStoreKind string

const (
	NonceStoreNone      NonceStoreKind = "none"
	NonceStoreMemory    NonceStoreKind = "memory"
	NonceStoreRedis     NonceStoreKind = "redis"
	NonceStoreFirestore NonceStoreKind = "firestore"
)

// RelayConfig configures the completion relay HTTP server
type RelayConfig struct {
	Addr         string `json:"addr"`
	BaseURL      string `json:"baseURL"`
	CallbackPath string `json:"callbackPath,omitempty"`
	// AckTimeout bounds how long the relay waits for the opener to
	// acknowledge a published result.
	AckTimeout time.Duration `json:"ackTimeout,omitempty"`
	// AllowedOrigins restricts CORS on the relay endpoints. Empty allows all.
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

// CallbackURL is the absolute completion page URL
func (r RelayConfig) CallbackURL() string {
	return r.BaseURL + r.CallbackPath
}

// HandshakeConfig holds coordinator defaults
type HandshakeConfig struct {
	Timeout      time.Duration `json:"timeout,omitempty"`
	ReplayWindow time.Duration `json:"replayWindow,omitempty"`
	// Features is the popup window feature string
	Features     string `json:"features,omitempty"`
	RedirectMode string `json:"redirectMode,omitempty"`
}

// ChannelConfig configures the broker behind the broadcast strategy
type ChannelConfig struct {
	Broker        BrokerKind `json:"broker"`
	RedisAddr     string     `json:"redisAddr,omitempty"`
	RedisPassword Secret     `json:"redisPassword,omitempty"`
	RedisDB       int        `json:"redisDb,omitempty"`
}

// NonceStoreConfig configures single-use nonce enforcement
type NonceStoreConfig struct {
	Kind                NonceStoreKind `json:"kind"`
	RedisAddr           string         `json:"redisAddr,omitempty"`
	RedisPassword       Secret         `json:"redisPassword,omitempty"`
	RedisDB             int            `json:"redisDb,omitempty"`
	GCPProject          string         `json:"gcpProject,omitempty"`
	FirestoreDatabase   string         `json:"firestoreDatabase,omitempty"`
	FirestoreCollection string         `json:"firestoreCollection,omitempty"`
	CleanupInterval     time.Duration  `json:"cleanupInterval,omitempty"`
}

// ProviderConfig configures one login handler
type ProviderConfig struct {
	Type         ProviderType `json:"type"`
	Verifier     string       `json:"verifier"`
	LoginType    string       `json:"loginType,omitempty"`
	ClientID     string       `json:"clientId"`
	ClientSecret Secret       `json:"clientSecret,omitempty"`
	RedirectURI  string       `json:"redirectUri,omitempty"`
	Scopes       []string     `json:"scopes,omitempty"`

	// oidc
	Issuer       string `json:"issuer,omitempty"`
	ResponseType string `json:"responseType,omitempty"`
	// azure
	TenantID string `json:"tenantId,omitempty"`
	// jwt
	Domain     string `json:"domain,omitempty"`
	Connection string `json:"connection,omitempty"`

	VerifierIDField         string   `json:"verifierIdField,omitempty"`
	CaseSensitiveVerifierID bool     `json:"caseSensitiveVerifierId,omitempty"`
	AllowedDomains          []string `json:"allowedDomains,omitempty"`
	AllowedOrgs             []string `json:"allowedOrgs,omitempty"`
	RedirectToOpener        bool     `json:"redirectToOpener,omitempty"`
}

// Config is the root configuration
type Config struct {
	Version         string                     `json:"version"`
	Relay           RelayConfig                `json:"relay"`
	Handshake       HandshakeConfig            `json:"handshake"`
	Channel         ChannelConfig              `json:"channel"`
	NonceStore      NonceStoreConfig           `json:"nonceStore"`
	StateSigningKey Secret                     `json:"stateSigningKey,omitempty"`
	Providers       map[string]*ProviderConfig `json:"providers"`
}

// ParseConfigValue parses a JSON value that is either a plain string or an
// {"$env": "VAR"} reference, resolving the reference immediately
func ParseConfigValue(raw json.RawMessage) (string, error) {
	// Try plain string first
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str, nil
	}

	var ref map[string]string
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", fmt.Errorf("config value must be string or reference object")
	}

	envVar, ok := ref["$env"]
	if !ok {
		return "", fmt.Errorf("unknown reference type in config value")
	}
	value := os.Getenv(envVar)
	if value == "" {
		return "", fmt.Errorf("environment variable %s not set", envVar)
	}
	// Strip surrounding quotes if present (only matching pairs)
	if len(value) >= 2 {
		if (value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'') {
			value = value[1 : len(value)-1]
		}
	}
	return value, nil
}

// parseOptionalValue resolves raw when present and leaves dst untouched otherwise
func parseOptionalValue(raw json.RawMessage, field string, dst *string) error {
	if raw == nil {
		return nil
	}
	value, err := ParseConfigValue(raw)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = value
	return nil
}

func parseOptionalSecret(raw json.RawMessage, field string, dst *Secret) error {
	var value string
	if err := parseOptionalValue(raw, field, &value); err != nil {
		return err
	}
	if raw != nil {
		*dst = Secret(value)
	}
	return nil
}

func parseOptionalDuration(value, field string, dst *time.Duration) error {
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", field, err)
	}
	*dst = d
	return nil
}
