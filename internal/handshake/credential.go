package handshake

import (
	"maps"

	"github.com/dgellow/login-handshake/internal/channel"
	"github.com/dgellow/login-handshake/internal/identity"
)

// Credential is the successful outcome of a handshake: the provider tokens
// plus the state that travelled with them.
type Credential struct {
	AccessToken string
	IDToken     string
	// ExtraClaims holds every other parameter the provider returned.
	ExtraClaims map[string]any
	State       identity.HandshakeState
}

// Claim returns a string-valued extra parameter or "".
func (c *Credential) Claim(key string) string {
	s, _ := c.ExtraClaims[key].(string)
	return s
}

func credentialFrom(data *channel.PayloadData, state identity.HandshakeState) *Credential {
	extra := maps.Clone(data.HashParams)
	delete(extra, "access_token")
	delete(extra, "id_token")
	if len(extra) == 0 {
		extra = nil
	}
	return &Credential{
		AccessToken: data.HashString("access_token"),
		IDToken:     data.HashString("id_token"),
		ExtraClaims: extra,
		State:       state,
	}
}
