package config

import (
	"encoding/json"
)

// UnmarshalJSON implements custom unmarshaling for RelayConfig
func (r *RelayConfig) UnmarshalJSON(data []byte) error {
	type rawRelay struct {
		Addr           json.RawMessage `json:"addr"`
		BaseURL        json.RawMessage `json:"baseURL"`
		CallbackPath   string          `json:"callbackPath"`
		AckTimeout     string          `json:"ackTimeout"`
		AllowedOrigins []string        `json:"allowedOrigins"`
	}

	var raw rawRelay
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	r.CallbackPath = raw.CallbackPath
	r.AllowedOrigins = raw.AllowedOrigins
	if err := parseOptionalValue(raw.Addr, "addr", &r.Addr); err != nil {
		return err
	}
	if err := parseOptionalValue(raw.BaseURL, "baseURL", &r.BaseURL); err != nil {
		return err
	}
	return parseOptionalDuration(raw.AckTimeout, "ackTimeout", &r.AckTimeout)
}

// UnmarshalJSON implements custom unmarshaling for HandshakeConfig
func (h *HandshakeConfig) UnmarshalJSON(data []byte) error {
	type rawHandshake struct {
		Timeout      string `json:"timeout"`
		ReplayWindow string `json:"replayWindow"`
		Features     string `json:"features"`
		RedirectMode string `json:"redirectMode"`
	}

	var raw rawHandshake
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	h.Features = raw.Features
	h.RedirectMode = raw.RedirectMode
	if err := parseOptionalDuration(raw.Timeout, "timeout", &h.Timeout); err != nil {
		return err
	}
	return parseOptionalDuration(raw.ReplayWindow, "replayWindow", &h.ReplayWindow)
}

// UnmarshalJSON implements custom unmarshaling for ChannelConfig
func (c *ChannelConfig) UnmarshalJSON(data []byte) error {
	type rawChannel struct {
		Broker        BrokerKind      `json:"broker"`
		RedisAddr     json.RawMessage `json:"redisAddr"`
		RedisPassword json.RawMessage `json:"redisPassword"`
		RedisDB       int             `json:"redisDb"`
	}

	var raw rawChannel
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Broker = raw.Broker
	c.RedisDB = raw.RedisDB
	if err := parseOptionalValue(raw.RedisAddr, "redisAddr", &c.RedisAddr); err != nil {
		return err
	}
	return parseOptionalSecret(raw.RedisPassword, "redisPassword", &c.RedisPassword)
}

// UnmarshalJSON implements custom unmarshaling for NonceStoreConfig
func (n *NonceStoreConfig) UnmarshalJSON(data []byte) error {
	type rawNonceStore struct {
		Kind                NonceStoreKind  `json:"kind"`
		RedisAddr           json.RawMessage `json:"redisAddr"`
		RedisPassword       json.RawMessage `json:"redisPassword"`
		RedisDB             int             `json:"redisDb"`
		GCPProject          json.RawMessage `json:"gcpProject"`
		FirestoreDatabase   string          `json:"firestoreDatabase"`
		FirestoreCollection string          `json:"firestoreCollection"`
		CleanupInterval     string          `json:"cleanupInterval"`
	}

	var raw rawNonceStore
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	n.Kind = raw.Kind
	n.RedisDB = raw.RedisDB
	n.FirestoreDatabase = raw.FirestoreDatabase
	n.FirestoreCollection = raw.FirestoreCollection

	if err := parseOptionalValue(raw.RedisAddr, "redisAddr", &n.RedisAddr); err != nil {
		return err
	}
	if err := parseOptionalSecret(raw.RedisPassword, "redisPassword", &n.RedisPassword); err != nil {
		return err
	}
	if err := parseOptionalValue(raw.GCPProject, "gcpProject", &n.GCPProject); err != nil {
		return err
	}
	return parseOptionalDuration(raw.CleanupInterval, "cleanupInterval", &n.CleanupInterval)
}

// UnmarshalJSON implements custom unmarshaling for ProviderConfig
func (p *ProviderConfig) UnmarshalJSON(data []byte) error {
	type rawProvider struct {
		Type                    ProviderType    `json:"type"`
		Verifier                string          `json:"verifier"`
		LoginType               string          `json:"loginType"`
		ClientID                json.RawMessage `json:"clientId"`
		ClientSecret            json.RawMessage `json:"clientSecret"`
		RedirectURI             json.RawMessage `json:"redirectUri"`
		Scopes                  []string        `json:"scopes"`
		Issuer                  json.RawMessage `json:"issuer"`
		ResponseType            string          `json:"responseType"`
		TenantID                json.RawMessage `json:"tenantId"`
		Domain                  json.RawMessage `json:"domain"`
		Connection              string          `json:"connection"`
		VerifierIDField         string          `json:"verifierIdField"`
		CaseSensitiveVerifierID bool            `json:"caseSensitiveVerifierId"`
		AllowedDomains          []string        `json:"allowedDomains"`
		AllowedOrgs             []string        `json:"allowedOrgs"`
		RedirectToOpener        bool            `json:"redirectToOpener"`
	}

	var raw rawProvider
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	p.Type = raw.Type
	p.Verifier = raw.Verifier
	p.LoginType = raw.LoginType
	p.Scopes = raw.Scopes
	p.ResponseType = raw.ResponseType
	p.Connection = raw.Connection
	p.VerifierIDField = raw.VerifierIDField
	p.CaseSensitiveVerifierID = raw.CaseSensitiveVerifierID
	p.AllowedDomains = raw.AllowedDomains
	p.AllowedOrgs = raw.AllowedOrgs
	p.RedirectToOpener = raw.RedirectToOpener

	fields := []struct {
		name string
		raw  json.RawMessage
		dst  *string
	}{
		{"clientId", raw.ClientID, &p.ClientID},
		{"redirectUri", raw.RedirectURI, &p.RedirectURI},
		{"issuer", raw.Issuer, &p.Issuer},
		{"tenantId", raw.TenantID, &p.TenantID},
		{"domain", raw.Domain, &p.Domain},
	}
	for _, f := range fields {
		if err := parseOptionalValue(f.raw, f.name, f.dst); err != nil {
			return err
		}
	}

	return parseOptionalSecret(raw.ClientSecret, "clientSecret", &p.ClientSecret)
}

// UnmarshalJSON implements custom unmarshaling for Config
func (c *Config) UnmarshalJSON(data []byte) error {
	type rawConfig struct {
		Version         string                     `json:"version"`
		Relay           RelayConfig                `json:"relay"`
		Handshake       HandshakeConfig            `json:"handshake"`
		Channel         ChannelConfig              `json:"channel"`
		NonceStore      NonceStoreConfig           `json:"nonceStore"`
		StateSigningKey json.RawMessage            `json:"stateSigningKey"`
		Providers       map[string]*ProviderConfig `json:"providers"`
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	c.Version = raw.Version
	c.Relay = raw.Relay
	c.Handshake = raw.Handshake
	c.Channel = raw.Channel
	c.NonceStore = raw.NonceStore
	c.Providers = raw.Providers
	return parseOptionalSecret(raw.StateSigningKey, "stateSigningKey", &c.StateSigningKey)
}
