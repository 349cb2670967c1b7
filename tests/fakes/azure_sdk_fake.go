package fakes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// FakeAzureKeyVaultClient is an in-memory Key Vault with soft delete.
type FakeAzureKeyVaultClient struct {
	failures

	mu      sync.Mutex
	secrets map[string]*azureSecret
	deleted map[string]*azureSecret
	seq     int
}

type azureSecret struct {
	value       string
	version     string
	contentType string
	tags        map[string]*string
	updated     time.Time
}

// NewFakeAzureKeyVaultClient creates an empty fake.
func NewFakeAzureKeyVaultClient() *FakeAzureKeyVaultClient {
	return &FakeAzureKeyVaultClient{
		secrets: make(map[string]*azureSecret),
		deleted: make(map[string]*azureSecret),
	}
}

// SoftDeleted reports whether name is deleted but not purged.
func (f *FakeAzureKeyVaultClient) SoftDeleted(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.deleted[name]
	return ok
}

func (f *FakeAzureKeyVaultClient) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.next()
}

func (f *FakeAzureKeyVaultClient) id(name, version string) *azsecrets.ID {
	return (*azsecrets.ID)(to.Ptr(fmt.Sprintf("https://test-vault.vault.azure.net/secrets/%s/%s", name, version)))
}

func (f *FakeAzureKeyVaultClient) GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	if err := f.begin(ctx); err != nil {
		return azsecrets.GetSecretResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[name]
	if !ok || (version != "" && version != s.version) {
		return azsecrets.GetSecretResponse{}, AzureNotFoundError(name)
	}
	updated := s.updated
	return azsecrets.GetSecretResponse{
		Secret: azsecrets.Secret{
			ID:          f.id(name, s.version),
			Value:       to.Ptr(s.value),
			ContentType: to.Ptr(s.contentType),
			Tags:        s.tags,
			Attributes:  &azsecrets.SecretAttributes{Enabled: to.Ptr(true), Updated: &updated},
		},
	}, nil
}

func (f *FakeAzureKeyVaultClient) SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	if err := f.begin(ctx); err != nil {
		return azsecrets.SetSecretResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deleted[name]; ok {
		return azsecrets.SetSecretResponse{}, &azcore.ResponseError{StatusCode: 409, ErrorCode: "Conflict"}
	}
	f.seq++
	s := &azureSecret{
		version: fmt.Sprintf("%032x", f.seq),
		tags:    parameters.Tags,
		updated: time.Now(),
	}
	if parameters.Value != nil {
		s.value = *parameters.Value
	}
	if parameters.ContentType != nil {
		s.contentType = *parameters.ContentType
	}
	f.secrets[name] = s
	return azsecrets.SetSecretResponse{
		Secret: azsecrets.Secret{ID: f.id(name, s.version), Value: to.Ptr(s.value), Tags: s.tags},
	}, nil
}

func (f *FakeAzureKeyVaultClient) DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error) {
	if err := f.begin(ctx); err != nil {
		return azsecrets.DeleteSecretResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[name]
	if !ok {
		return azsecrets.DeleteSecretResponse{}, AzureNotFoundError(name)
	}
	delete(f.secrets, name)
	f.deleted[name] = s
	return azsecrets.DeleteSecretResponse{}, nil
}

func (f *FakeAzureKeyVaultClient) PurgeDeletedSecret(ctx context.Context, name string, options *azsecrets.PurgeDeletedSecretOptions) (azsecrets.PurgeDeletedSecretResponse, error) {
	if err := f.begin(ctx); err != nil {
		return azsecrets.PurgeDeletedSecretResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.deleted[name]; !ok {
		return azsecrets.PurgeDeletedSecretResponse{}, AzureNotFoundError(name)
	}
	delete(f.deleted, name)
	return azsecrets.PurgeDeletedSecretResponse{}, nil
}

func (f *FakeAzureKeyVaultClient) ListSecretProperties(ctx context.Context) ([]*azsecrets.SecretProperties, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.secrets))
	for name := range f.secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*azsecrets.SecretProperties, 0, len(names))
	for _, name := range names {
		s := f.secrets[name]
		out = append(out, &azsecrets.SecretProperties{ID: f.id(name, s.version), Tags: s.tags})
	}
	return out, nil
}

// AzureNotFoundError creates a Key Vault 404.
func AzureNotFoundError(secretName string) error {
	return &azcore.ResponseError{StatusCode: 404, ErrorCode: "SecretNotFound"}
}

// AzureForbiddenError creates a Key Vault 403.
func AzureForbiddenError() error {
	return &azcore.ResponseError{StatusCode: 403, ErrorCode: "Forbidden"}
}

// AzureThrottledError creates a transient error as the SDK transport
// reports it after its own retries.
func AzureThrottledError() error {
	return errors.New("429 Too Many Requests: request was throttling-limited")
}
