package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"
)

// ValidationResult holds validation errors and warnings
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// ValidationError represents a validation issue
type ValidationError struct {
	Path    string
	Message string
}

// IsValid returns true if there are no errors
func (v *ValidationResult) IsValid() bool {
	return len(v.Errors) == 0
}

func (v *ValidationResult) addError(path, format string, args ...any) {
	v.Errors = append(v.Errors, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *ValidationResult) addWarning(path, format string, args ...any) {
	v.Warnings = append(v.Warnings, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

var bashStyleRegex = regexp.MustCompile(`\$\{?([A-Z_][A-Z0-9_]*)\}?`)

// ValidateFile validates a config file structure without requiring env vars
func ValidateFile(path string) (*ValidationResult, error) {
	result := &ValidationResult{}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	data, err := readConfigJSON(path)
	if err != nil {
		result.addError("", "%v", err)
		return result, nil
	}

	var rawConfig map[string]any
	if err := json.Unmarshal(data, &rawConfig); err != nil {
		result.addError("", "invalid JSON: %v", err)
		return result, nil
	}

	checkBashStyleSyntax(rawConfig, "", result)

	version, ok := rawConfig["version"].(string)
	if !ok {
		result.addError("version", "version field is required. Hint: Add \"version\": %q", SupportedVersion)
	} else if !supportedVersion(version) {
		result.addError("version", "unsupported version '%s' - use '%s' or '%s-<variant>'", version, SupportedVersion, SupportedVersion)
	}

	validateRelayStructure(rawConfig, result)
	validateHandshakeStructure(rawConfig, result)
	validateChannelStructure(rawConfig, result)
	validateNonceStoreStructure(rawConfig, result)
	validateProvidersStructure(rawConfig, result)

	if key, ok := rawConfig["stateSigningKey"]; ok {
		if verr := validateEnvVarReference(key, "stateSigningKey", "stateSigningKey"); verr != nil {
			result.Errors = append(result.Errors, *verr)
		}
	} else {
		result.addWarning("stateSigningKey", "no stateSigningKey configured - state tokens will be unsigned. Hint: Add \"stateSigningKey\": {\"$env\": \"STATE_SIGNING_KEY\"}")
	}

	return result, nil
}

func validateRelayStructure(rawConfig map[string]any, result *ValidationResult) {
	relay, ok := rawConfig["relay"].(map[string]any)
	if !ok {
		result.addError("relay", "relay field is required and must be an object")
		return
	}
	if _, ok := relay["baseURL"]; !ok {
		result.addError("relay.baseURL", "baseURL is required. Example: \"https://login.example.com\"")
	}
	if _, ok := relay["addr"]; !ok {
		result.addError("relay.addr", "addr is required. Example: \":8787\" or \"0.0.0.0:8787\"")
	}
	if p, ok := relay["callbackPath"].(string); ok && !strings.HasPrefix(p, "/") {
		result.addError("relay.callbackPath", "callbackPath must start with '/', got '%s'", p)
	}
	checkDuration(relay, "ackTimeout", "relay.ackTimeout", result)
}

func validateHandshakeStructure(rawConfig map[string]any, result *ValidationResult) {
	handshake, ok := rawConfig["handshake"].(map[string]any)
	if !ok {
		return
	}
	timeout := checkDuration(handshake, "timeout", "handshake.timeout", result)
	window := checkDuration(handshake, "replayWindow", "handshake.replayWindow", result)
	if mode, ok := handshake["redirectMode"].(string); ok && mode != "popup" && mode != "redirect" {
		result.addError("handshake.redirectMode", "redirectMode must be 'popup' or 'redirect', got '%s'", mode)
	}
	if window == 0 {
		window = DefaultReplayWindow
	}
	if timeout > window {
		result.addWarning("handshake", "timeout (%s) is longer than replayWindow (%s). A consumed nonce may be forgotten while its handshake is still pending.", timeout, window)
	}
}

func validateChannelStructure(rawConfig map[string]any, result *ValidationResult) {
	ch, ok := rawConfig["channel"].(map[string]any)
	if !ok {
		return
	}
	broker, _ := ch["broker"].(string)
	switch BrokerKind(broker) {
	case "", BrokerMemory:
	case BrokerRedis:
		if _, ok := ch["redisAddr"]; !ok {
			result.addError("channel.redisAddr", "redisAddr is required for the redis broker. Example: \"localhost:6379\"")
		}
	default:
		result.addError("channel.broker", "unknown broker '%s'. Use \"memory\" or \"redis\"", broker)
	}
	if pw, ok := ch["redisPassword"]; ok {
		if verr := validateEnvVarReference(pw, "redisPassword", "channel.redisPassword"); verr != nil {
			result.Errors = append(result.Errors, *verr)
		}
	}
}

func validateNonceStoreStructure(rawConfig map[string]any, result *ValidationResult) {
	store, ok := rawConfig["nonceStore"].(map[string]any)
	if !ok {
		return
	}
	kind, _ := store["kind"].(string)
	switch NonceStoreKind(kind) {
	case "", NonceStoreMemory:
	case NonceStoreNone:
		result.addWarning("nonceStore.kind", "nonce store disabled - a result delivered twice for the same nonce will not be refused")
	case NonceStoreRedis:
		if _, ok := store["redisAddr"]; !ok {
			result.addError("nonceStore.redisAddr", "redisAddr is required for the redis nonce store")
		}
	case NonceStoreFirestore:
		if _, ok := store["gcpProject"]; !ok {
			result.addError("nonceStore.gcpProject", "gcpProject is required for the firestore nonce store")
		}
	default:
		result.addError("nonceStore.kind", "unknown nonce store '%s'. Use \"memory\", \"redis\", \"firestore\" or \"none\"", kind)
	}
	if pw, ok := store["redisPassword"]; ok {
		if verr := validateEnvVarReference(pw, "redisPassword", "nonceStore.redisPassword"); verr != nil {
			result.Errors = append(result.Errors, *verr)
		}
	}
	checkDuration(store, "cleanupInterval", "nonceStore.cleanupInterval", result)
}

func validateProvidersStructure(rawConfig map[string]any, result *ValidationResult) {
	providers, ok := rawConfig["providers"].(map[string]any)
	if !ok || len(providers) == 0 {
		result.addError("providers", "at least one provider is required")
		return
	}

	for name, raw := range providers {
		path := "providers." + name
		p, ok := raw.(map[string]any)
		if !ok {
			result.addError(path, "provider must be an object")
			continue
		}

		kind, _ := p["type"].(string)
		if !ProviderType(kind).Valid() {
			result.addError(path+".type", "unknown provider type '%s'. Supported: google, github, discord, oidc, azure, jwt", kind)
		}
		if v, _ := p["verifier"].(string); v == "" {
			result.addError(path+".verifier", "verifier is required")
		}
		if _, ok := p["clientId"]; !ok {
			result.addError(path+".clientId", "clientId is required")
		}
		if secret, ok := p["clientSecret"]; ok {
			if verr := validateEnvVarReference(secret, "clientSecret", path+".clientSecret"); verr != nil {
				result.Errors = append(result.Errors, *verr)
			}
		}

		required := map[ProviderType]string{
			ProviderGitHub: "clientSecret",
			ProviderOIDC:   "issuer",
			ProviderAzure:  "tenantId",
			ProviderJWT:    "domain",
		}
		if field, ok := required[ProviderType(kind)]; ok {
			if _, present := p[field]; !present {
				result.addError(path+"."+field, "%s is required for %s providers", field, kind)
			}
		}
	}
}

func checkDuration(m map[string]any, key, path string, result *ValidationResult) time.Duration {
	raw, ok := m[key]
	if !ok {
		return 0
	}
	s, ok := raw.(string)
	if !ok {
		result.addError(path, "%s must be a duration string like \"5m\"", key)
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		result.addError(path, "invalid duration '%s': %v", s, err)
		return 0
	}
	if d < 0 {
		result.addError(path, "%s cannot be negative", key)
	}
	return d
}

// validateEnvVarReference validates that a field uses proper env var reference format
func validateEnvVarReference(value any, fieldName, path string) *ValidationError {
	switch v := value.(type) {
	case string:
		if matches := bashStyleRegex.FindStringSubmatch(v); len(matches) > 1 {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", v, matches[1]),
			}
		}
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must use environment variable reference {\"$env\": \"YOUR_ENV_VAR\"} instead of plain text. Hint: This keeps secrets out of config files", fieldName),
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; !hasEnv {
			return &ValidationError{
				Path:    path,
				Message: fmt.Sprintf("%s must use {\"$env\": \"YOUR_ENV_VAR\"} format", fieldName),
			}
		}
		return nil
	default:
		return &ValidationError{
			Path:    path,
			Message: fmt.Sprintf("%s must be an environment variable reference {\"$env\": \"YOUR_ENV_VAR\"}, not %T", fieldName, value),
		}
	}
}

// checkBashStyleSyntax recursively checks for bash-style env var syntax
func checkBashStyleSyntax(value any, path string, result *ValidationResult) {
	switch v := value.(type) {
	case string:
		for _, match := range bashStyleRegex.FindAllString(v, -1) {
			varName := strings.Trim(match, "${}")
			result.addWarning(path, "found bash-style syntax '%s' - use {\"$env\": \"%s\"} instead", match, varName)
		}
	case map[string]any:
		if _, hasEnv := v["$env"]; hasEnv {
			return
		}
		for key, val := range v {
			newPath := key
			if path != "" {
				newPath = path + "." + key
			}
			checkBashStyleSyntax(val, newPath, result)
		}
	case []any:
		for i, item := range v {
			checkBashStyleSyntax(item, fmt.Sprintf("%s[%d]", path, i), result)
		}
	}
}
