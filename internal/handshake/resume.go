package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/dgellow/login-handshake/internal/channel"
	"github.com/dgellow/login-handshake/internal/identity"
	"github.com/dgellow/login-handshake/internal/log"
	"github.com/dgellow/login-handshake/internal/metrics"
)

// ErrMissingState is returned when a return URL carries no state parameter.
var ErrMissingState = errors.New("return URL has no state parameter")

// ReturnParams merges the query and fragment parameters of a provider return
// URL. Fragment values win, since implicit-flow tokens travel there.
func ReturnParams(rawURL string) (map[string]string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing return URL: %w", err)
	}

	params := make(map[string]string)
	for k, v := range u.Query() {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	if u.Fragment != "" {
		fragment, err := url.ParseQuery(u.Fragment)
		if err != nil {
			return nil, fmt.Errorf("parsing return URL fragment: %w", err)
		}
		for k, v := range fragment {
			if len(v) > 0 {
				params[k] = v[0]
			}
		}
	}
	return params, nil
}

// PayloadFromParams builds the result message a completion page publishes
// for the given return parameters. The state is decoded with codec.
func PayloadFromParams(codec identity.Codec, params map[string]string) (channel.Payload, error) {
	token, ok := params["state"]
	if !ok || token == "" {
		return channel.Payload{}, ErrMissingState
	}
	state, err := codec.Decode(token)
	if err != nil {
		return channel.Payload{}, err
	}

	if e := params["error"]; e != "" {
		return channel.Payload{Error: e}, nil
	}

	hash := make(map[string]any, len(params))
	for k, v := range params {
		if k == "state" {
			continue
		}
		hash[k] = v
	}
	return channel.Payload{Data: &channel.PayloadData{InstanceParams: state, HashParams: hash}}, nil
}

// Resume completes a redirect-mode login in the context the provider sent
// the browser back to. Nothing from the first phase survives, so the state
// is decoded fresh from the URL and the nonce is consumed in the guard.
func (c *Coordinator) Resume(ctx context.Context, rawURL string) (*Credential, error) {
	params, err := ReturnParams(rawURL)
	if err != nil {
		return nil, err
	}
	payload, err := PayloadFromParams(c.codec, params)
	if err != nil {
		return nil, err
	}
	return c.Complete(ctx, payload)
}

// Complete settles a redirect-mode payload that has already been decoded.
func (c *Coordinator) Complete(ctx context.Context, payload channel.Payload) (*Credential, error) {
	if payload.Error != "" {
		raw, _ := json.Marshal(payload)
		c.metrics.HandshakeOutcome("", metrics.OutcomeProviderError)
		return nil, &ProviderError{Message: payload.Error, Raw: raw}
	}
	if payload.Data == nil {
		return nil, &StateDecodeError{Reason: "payload has neither error nor data"}
	}

	state := payload.Data.InstanceParams
	loginType := string(state.LoginType)

	if c.guard != nil {
		fresh, err := c.guard.Consume(ctx, state.Nonce, c.replayWindow)
		if err != nil {
			c.metrics.HandshakeOutcome(loginType, metrics.OutcomeGuardFailed)
			return nil, fmt.Errorf("recording nonce: %w", err)
		}
		if !fresh {
			c.metrics.MessageIgnored("replayed")
			return nil, &StateDecodeError{Reason: "replayed", Err: ErrStateReplayed}
		}
	}

	c.metrics.HandshakeOutcome(loginType, metrics.OutcomeSuccess)
	log.LogDebugWithFields("handshake", "Resumed redirect login", map[string]any{
		"loginType": loginType,
	})
	return credentialFrom(payload.Data, state), nil
}
