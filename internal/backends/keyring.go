package backends

import (
	"context"
	"errors"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/systmms/cfgvault/pkg/backend"
)

// KeyringType is the registry name of the OS keychain backend.
const KeyringType = "keyring"

// Keyring stores values in the OS keychain (macOS Keychain, Secret Service,
// Windows Credential Manager). The service is <prefix>/<set>, the account is
// the key. Keychains cannot enumerate entries, so List is not supported.
type Keyring struct {
	service string
}

// NewKeyring creates the adapter.
func NewKeyring(_ context.Context, cfg Config) (*Keyring, error) {
	return &Keyring{service: backend.JoinPath("/", cfg.Setting("prefix", defaultPrefix), cfg.Namespace)}, nil
}

// NewKeyringFactory returns the registry factory.
func NewKeyringFactory() Factory {
	return func(ctx context.Context, cfg Config) (backend.Adapter, error) {
		return NewKeyring(ctx, cfg)
	}
}

func (k *Keyring) Name() string { return KeyringType }

// SupportsVersioning reports false: only the latest envelope is kept.
func (k *Keyring) SupportsVersioning() bool { return false }

func (k *Keyring) TestConnection(ctx context.Context) (backend.ConnectionStatus, error) {
	start := time.Now()
	_, err := keyring.Get(k.service, "__cfgvault_probe__")
	if errors.Is(err, keyring.ErrNotFound) {
		err = nil
	}
	status := backend.ConnectionStatus{OK: err == nil, Latency: time.Since(start), Details: "keychain available"}
	if err != nil {
		status.Details = err.Error()
	}
	return status, err
}

func (k *Keyring) Get(ctx context.Context, key string) (backend.Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return backend.Value{}, false, err
	}
	doc, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return backend.Value{}, false, nil
	}
	if err != nil {
		return backend.Value{}, false, err
	}
	v, err := backend.UnmarshalEnvelope(key, []byte(doc))
	if err != nil {
		return backend.Value{}, false, err
	}
	return v, true, nil
}

func (k *Keyring) Put(ctx context.Context, key string, value backend.Value, meta map[string]string) (backend.Value, error) {
	if err := ctx.Err(); err != nil {
		return backend.Value{}, err
	}
	doc, err := backend.MarshalEnvelope(value)
	if err != nil {
		return backend.Value{}, err
	}
	if err := keyring.Set(k.service, key, string(doc)); err != nil {
		return backend.Value{}, err
	}
	value.Key = key
	value.UpdatedAt = time.Now().UTC()
	return value, nil
}

func (k *Keyring) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := keyring.Delete(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (k *Keyring) List(ctx context.Context, opts backend.ListOptions) (backend.ListResult, error) {
	return backend.ListResult{}, backend.ErrNotSupported
}
