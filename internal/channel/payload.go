package channel

import (
	"bytes"
	"encoding/json"

	"github.com/dgellow/login-handshake/internal/identity"
)

// Payload is what a completion page delivers on the result channel.
// Channel is only set on the runtime message bus, where it routes the
// message to the right listener.
type Payload struct {
	Channel string       `json:"channel,omitempty"`
	Error   string       `json:"error,omitempty"`
	Data    *PayloadData `json:"data,omitempty"`
}

// PayloadData carries the returned state and the provider's parameters
// (access_token, id_token and anything else the provider sent).
type PayloadData struct {
	InstanceParams identity.HandshakeState `json:"instanceParams"`
	HashParams     map[string]any          `json:"hashParams"`
}

// Ack is posted back on a broadcast channel once the initiator accepted a
// result, so the window that published it can close itself.
type Ack struct {
	Success bool `json:"success"`
}

var ackMessage = mustMarshal(Ack{Success: true})

func mustMarshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

// AckMessage returns the encoded acknowledgement.
func AckMessage() []byte {
	return bytes.Clone(ackMessage)
}

// IsAck reports whether raw is an acknowledgement rather than a result.
func IsAck(raw []byte) bool {
	var probe struct {
		Success *bool           `json:"success"`
		Error   *string         `json:"error"`
		Data    json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return false
	}
	return probe.Success != nil && probe.Error == nil && probe.Data == nil
}

// DecodePayload parses a raw result message. Malformed messages and
// messages carrying neither an error nor data yield a StateDecodeError.
func DecodePayload(raw []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, &identity.StateDecodeError{Reason: "invalid payload", Err: err}
	}
	if p.Error == "" && p.Data == nil {
		return Payload{}, &identity.StateDecodeError{Reason: "payload has neither error nor data"}
	}
	return p, nil
}

// Encode marshals a payload for publishing.
func (p Payload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// HashString returns a string-valued hash parameter or "".
func (d *PayloadData) HashString(key string) string {
	if d == nil {
		return ""
	}
	s, _ := d.HashParams[key].(string)
	return s
}

func channelOf(raw []byte) string {
	var probe struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Channel
}
