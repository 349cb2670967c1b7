package backends

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/systmms/cfgvault/internal/crypto"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/pkg/backend"
)

// Config is what a Factory receives for one store and one set.
type Config struct {
	// Name is the store name, used in errors and metrics.
	Name string
	// Namespace scopes the adapter's keys, normally the set id.
	Namespace string
	// Settings are the store's non-secret settings (region, vault url, prefix).
	Settings map[string]string
	// Credentials are the store's unsealed credentials.
	Credentials map[string]string
}

// Setting returns Settings[key], or def when absent or empty.
func (c Config) Setting(key, def string) string {
	if v := c.Settings[key]; v != "" {
		return v
	}
	return def
}

// Factory builds an adapter for one store.
type Factory func(ctx context.Context, cfg Config) (backend.Adapter, error)

// Registry maps backend type names to factories. It is built once at start-up
// and handed to the components that open stores.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	cipher    *crypto.Cipher
	policy    RetryPolicy
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRetryPolicy sets the policy applied to external adapters.
func WithRetryPolicy(p RetryPolicy) RegistryOption {
	return func(r *Registry) {
		r.policy = p
	}
}

// NewRegistry creates a registry with the external backends registered.
// The builtin backend needs a database handle and is registered by the caller.
func NewRegistry(cipher *crypto.Cipher, opts ...RegistryOption) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		cipher:    cipher,
		policy:    DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}

	r.Register(AWSSecretsManagerType, NewAWSSecretsManagerFactory())
	r.Register(AWSSSMType, NewAWSSSMFactory())
	r.Register(GCPSecretManagerType, NewGCPSecretManagerFactory())
	r.Register(AzureKeyVaultType, NewAzureKeyVaultFactory())
	r.Register(VaultType, NewVaultFactory())
	r.Register(KeyringType, NewKeyringFactory())

	return r
}

// Register adds or replaces the factory for a backend type.
func (r *Registry) Register(backendType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[backendType] = factory
}

// IsSupported reports whether a backend type is registered.
func (r *Registry) IsSupported(backendType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[backendType]
	return ok
}

// SupportedTypes returns all registered backend types, sorted.
func (r *Registry) SupportedTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsExternal reports whether a store type replicates to an external system.
func IsExternal(backendType string) bool {
	return backendType != BuiltinType
}

// Open builds the adapter for store, scoped to setID. External adapters are
// wrapped with the registry's timeout and retry policy.
func (r *Registry) Open(ctx context.Context, store model.Store, setID string) (backend.Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[store.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", store.Type)
	}

	creds, err := r.UnsealCredentials(store)
	if err != nil {
		return nil, err
	}

	adapter, err := factory(ctx, Config{
		Name:        store.Name,
		Namespace:   setID,
		Settings:    map[string]string(store.Settings),
		Credentials: creds,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s (%s): %w", store.Name, store.Type, err)
	}

	if IsExternal(store.Type) {
		return NewResilient(adapter, store.Name, r.policy), nil
	}
	return adapter, nil
}

// SealCredentials encrypts creds under the store's tenant key and stores the
// result on store. A nil or empty map clears the credentials.
func (r *Registry) SealCredentials(store *model.Store, creds map[string]string) error {
	if len(creds) == 0 {
		store.SealedCredentials, store.CredentialsNonce = nil, nil
		return nil
	}
	plain, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	ct, nonce, err := r.cipher.Encrypt(plain, store.Tenant())
	if err != nil {
		return err
	}
	store.SealedCredentials, store.CredentialsNonce = ct, nonce
	return nil
}

// UnsealCredentials decrypts the store's credentials.
func (r *Registry) UnsealCredentials(store model.Store) (map[string]string, error) {
	creds := map[string]string{}
	if len(store.SealedCredentials) == 0 {
		return creds, nil
	}
	plain, err := r.cipher.Decrypt(store.SealedCredentials, store.CredentialsNonce, store.Tenant())
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(plain, &creds); err != nil {
		return nil, fmt.Errorf("store %s credentials are corrupt: %w", store.Name, err)
	}
	return creds, nil
}
