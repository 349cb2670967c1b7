package backend

import (
	"encoding/json"
	"fmt"
	"strings"
)

// envelope is the JSON document external backends store for one value.
// Binary fields are base64 encoded by encoding/json.
type envelope struct {
	Version    int64  `json:"v"`
	Kind       string `json:"k,omitempty"`
	Secret     bool   `json:"s,omitempty"`
	Ciphertext []byte `json:"c"`
	Nonce      []byte `json:"n"`
}

// MarshalEnvelope encodes v for storage in an external secret manager.
func MarshalEnvelope(v Value) ([]byte, error) {
	return json.Marshal(envelope{
		Version:    v.Version,
		Kind:       v.Kind,
		Secret:     v.Secret,
		Ciphertext: v.Ciphertext,
		Nonce:      v.Nonce,
	})
}

// UnmarshalEnvelope decodes a stored envelope.
func UnmarshalEnvelope(key string, data []byte) (Value, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Value{}, fmt.Errorf("stored value for %s is not a cfgvault envelope: %w", key, err)
	}
	if len(e.Nonce) == 0 {
		return Value{}, fmt.Errorf("stored value for %s has no nonce", key)
	}
	return Value{
		Key:        key,
		Kind:       e.Kind,
		Secret:     e.Secret,
		Ciphertext: e.Ciphertext,
		Nonce:      e.Nonce,
		Version:    e.Version,
	}, nil
}

// JoinPath builds "<prefix>/<namespace>/<key>" skipping empty segments.
func JoinPath(sep string, parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, sep)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
