package backends

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/pkg/backend"
)

// AzureKeyVaultType is the registry name of the Key Vault backend.
const AzureKeyVaultType = "azure.keyvault"

// AzureKeyVaultAPI is the subset of Key Vault the adapter uses.
// ListSecretProperties drains the SDK pager.
type AzureKeyVaultAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
	DeleteSecret(ctx context.Context, name string, options *azsecrets.DeleteSecretOptions) (azsecrets.DeleteSecretResponse, error)
	PurgeDeletedSecret(ctx context.Context, name string, options *azsecrets.PurgeDeletedSecretOptions) (azsecrets.PurgeDeletedSecretResponse, error)
	ListSecretProperties(ctx context.Context) ([]*azsecrets.SecretProperties, error)
}

// azureClient adapts *azsecrets.Client to AzureKeyVaultAPI.
type azureClient struct {
	*azsecrets.Client
}

func (c azureClient) ListSecretProperties(ctx context.Context) ([]*azsecrets.SecretProperties, error) {
	var out []*azsecrets.SecretProperties
	pager := c.NewListSecretPropertiesPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Value...)
	}
	return out, nil
}

// AzureKeyVault stores each value as a secret with a hashed name, tagged with
// its set and key.
type AzureKeyVault struct {
	client    AzureKeyVaultAPI
	prefix    string
	namespace string
	purge     bool
}

// AzureOption configures the adapter.
type AzureOption func(*AzureKeyVault)

// WithAzureKeyVaultClient sets a custom client (for testing).
func WithAzureKeyVaultClient(client AzureKeyVaultAPI) AzureOption {
	return func(a *AzureKeyVault) {
		a.client = client
	}
}

// NewAzureKeyVault creates the adapter. Authentication follows the store's
// credentials: a client secret (tenant_id, client_id, client_secret), a
// user-assigned managed identity, or the default Azure credential chain.
func NewAzureKeyVault(ctx context.Context, cfg Config, opts ...AzureOption) (*AzureKeyVault, error) {
	vaultURL := cfg.Settings["vault_url"]
	if vaultURL == "" {
		return nil, cverrors.ConfigError{
			Field:      "vault_url",
			Message:    "vault_url is required for Azure Key Vault",
			Suggestion: "Provide the Key Vault URL (e.g., https://my-vault.vault.azure.net/)",
		}
	}
	if _, err := url.Parse(vaultURL); err != nil {
		return nil, cverrors.ConfigError{
			Field:      "vault_url",
			Value:      vaultURL,
			Message:    "Invalid vault_url format",
			Suggestion: "Use format: https://vault-name.vault.azure.net/",
		}
	}

	a := &AzureKeyVault{
		prefix:    cfg.Setting("prefix", defaultPrefix),
		namespace: cfg.Namespace,
		purge:     cfg.Settings["purge_on_delete"] != "false",
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		cred, err := azureCredential(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create Azure credential: %w", err)
		}
		client, err := azsecrets.NewClient(vaultURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
		}
		a.client = azureClient{Client: client}
	}
	return a, nil
}

func azureCredential(cfg Config) (azcore.TokenCredential, error) {
	creds := cfg.Credentials
	switch {
	case creds["client_secret"] != "":
		return azidentity.NewClientSecretCredential(creds["tenant_id"], creds["client_id"], creds["client_secret"], nil)
	case cfg.Settings["user_assigned_identity_id"] != "":
		return azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(cfg.Settings["user_assigned_identity_id"]),
		})
	default:
		return azidentity.NewDefaultAzureCredential(nil)
	}
}

// NewAzureKeyVaultFactory returns the registry factory.
func NewAzureKeyVaultFactory(opts ...AzureOption) Factory {
	return func(ctx context.Context, cfg Config) (backend.Adapter, error) {
		return NewAzureKeyVault(ctx, cfg, opts...)
	}
}

func (a *AzureKeyVault) Name() string { return AzureKeyVaultType }

func (a *AzureKeyVault) SupportsVersioning() bool { return true }

func (a *AzureKeyVault) secretName(key string) string {
	return hashedName(a.prefix, a.namespace, key)
}

func (a *AzureKeyVault) TestConnection(ctx context.Context) (backend.ConnectionStatus, error) {
	start := time.Now()
	_, err := a.client.GetSecret(ctx, a.secretName("__cfgvault_probe__"), "", nil)
	if isAzureNotFound(err) {
		err = nil
	}
	status := backend.ConnectionStatus{OK: err == nil, Latency: time.Since(start), Details: "key vault reachable"}
	if err != nil {
		status.Details = err.Error()
	}
	return status, err
}

func (a *AzureKeyVault) Get(ctx context.Context, key string) (backend.Value, bool, error) {
	resp, err := a.client.GetSecret(ctx, a.secretName(key), "", nil)
	if isAzureNotFound(err) {
		return backend.Value{}, false, nil
	}
	if err != nil {
		return backend.Value{}, false, err
	}
	if resp.Value == nil {
		return backend.Value{}, false, nil
	}
	v, err := backend.UnmarshalEnvelope(key, []byte(*resp.Value))
	if err != nil {
		return backend.Value{}, false, err
	}
	if resp.ID != nil {
		v.Metadata = map[string]string{"native_version": resp.ID.Version()}
	}
	if resp.Attributes != nil && resp.Attributes.Updated != nil {
		v.UpdatedAt = *resp.Attributes.Updated
	}
	return v, true, nil
}

func (a *AzureKeyVault) Put(ctx context.Context, key string, value backend.Value, meta map[string]string) (backend.Value, error) {
	doc, err := backend.MarshalEnvelope(value)
	if err != nil {
		return backend.Value{}, err
	}
	body := string(doc)
	contentType := "application/vnd.cfgvault.envelope+json"
	set, k := a.namespace, key

	resp, err := a.client.SetSecret(ctx, a.secretName(key), azsecrets.SetSecretParameters{
		Value:       &body,
		ContentType: &contentType,
		Tags:        map[string]*string{labelSet: &set, labelKey: &k},
	}, nil)
	if err != nil {
		return backend.Value{}, err
	}

	value.Key = key
	value.UpdatedAt = time.Now().UTC()
	value.Metadata = map[string]string{}
	if resp.ID != nil {
		value.Metadata["native_version"] = resp.ID.Version()
	}
	return value, nil
}

// Delete soft-deletes the secret and, unless purge_on_delete is "false",
// purges it so the name can be reused. Purge failures are ignored.
func (a *AzureKeyVault) Delete(ctx context.Context, key string) (bool, error) {
	name := a.secretName(key)
	_, err := a.client.DeleteSecret(ctx, name, nil)
	if isAzureNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if a.purge {
		_, _ = a.client.PurgeDeletedSecret(ctx, name, nil)
	}
	return true, nil
}

// List reads all secret properties, keeps the ones tagged with this set and
// pages over their keys in order.
func (a *AzureKeyVault) List(ctx context.Context, opts backend.ListOptions) (backend.ListResult, error) {
	props, err := a.client.ListSecretProperties(ctx)
	if err != nil {
		return backend.ListResult{}, err
	}

	var keys []string
	for _, p := range props {
		if p == nil || tagValue(p.Tags, labelSet) != a.namespace {
			continue
		}
		if key := tagValue(p.Tags, labelKey); key != "" && strings.HasPrefix(key, opts.Prefix) {
			keys = append(keys, key)
		}
	}

	page, hasMore, token := pageKeys(keys, opts.ContinuationToken, opts.MaxResults)
	res := backend.ListResult{HasMore: hasMore, ContinuationToken: token}
	for _, key := range page {
		v, ok, err := a.Get(ctx, key)
		if err != nil {
			return backend.ListResult{}, err
		}
		if ok {
			res.Values = append(res.Values, v)
		}
	}
	return res, nil
}

func tagValue(tags map[string]*string, name string) string {
	if v := tags[name]; v != nil {
		return *v
	}
	return ""
}

func isAzureNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
