package backends

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/pkg/backend"
)

// GCPSecretManagerType is the registry name of the Secret Manager backend.
const GCPSecretManagerType = "gcp.secretmanager"

// GCPSecretManagerAPI is the subset of Secret Manager the adapter uses.
// ListSecretsPage returns one page and the next page token.
type GCPSecretManagerAPI interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
	AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error)
	CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error)
	DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error
	ListSecretsPage(ctx context.Context, req *secretmanagerpb.ListSecretsRequest) ([]*secretmanagerpb.Secret, string, error)
}

// gcpClient adapts the generated client to GCPSecretManagerAPI.
type gcpClient struct {
	c *secretmanager.Client
}

func (g gcpClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return g.c.AccessSecretVersion(ctx, req)
}

func (g gcpClient) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	return g.c.AddSecretVersion(ctx, req)
}

func (g gcpClient) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	return g.c.CreateSecret(ctx, req)
}

func (g gcpClient) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error {
	return g.c.DeleteSecret(ctx, req)
}

func (g gcpClient) ListSecretsPage(ctx context.Context, req *secretmanagerpb.ListSecretsRequest) ([]*secretmanagerpb.Secret, string, error) {
	var page []*secretmanagerpb.Secret
	pager := iterator.NewPager(g.c.ListSecrets(ctx, req), int(req.PageSize), req.PageToken)
	next, err := pager.NextPage(&page)
	return page, next, err
}

// GCPSecretManager stores each value as a secret with hashed id; the set is a
// label and the key an annotation. Each Put adds a secret version.
type GCPSecretManager struct {
	client    GCPSecretManagerAPI
	projectID string
	prefix    string
	namespace string
}

// GCPOption configures the adapter.
type GCPOption func(*GCPSecretManager)

// WithGCPClient sets a custom client (for testing).
func WithGCPClient(client GCPSecretManagerAPI) GCPOption {
	return func(a *GCPSecretManager) {
		a.client = client
	}
}

// NewGCPSecretManager creates the adapter. project_id falls back to
// GOOGLE_CLOUD_PROJECT; a service_account_json credential is used when set.
func NewGCPSecretManager(ctx context.Context, cfg Config, opts ...GCPOption) (*GCPSecretManager, error) {
	a := &GCPSecretManager{
		projectID: cfg.Setting("project_id", os.Getenv("GOOGLE_CLOUD_PROJECT")),
		prefix:    cfg.Setting("prefix", defaultPrefix),
		namespace: cfg.Namespace,
	}
	if a.projectID == "" {
		return nil, cverrors.ConfigError{
			Field:      "project_id",
			Message:    "project_id is required for GCP Secret Manager",
			Suggestion: "Set project_id in the store settings or GOOGLE_CLOUD_PROJECT in the environment",
		}
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		var clientOptions []option.ClientOption
		if js := cfg.Credentials["service_account_json"]; js != "" {
			clientOptions = append(clientOptions, option.WithCredentialsJSON([]byte(js)))
		}
		if endpoint := cfg.Settings["endpoint"]; endpoint != "" {
			clientOptions = append(clientOptions, option.WithEndpoint(endpoint))
		}
		c, err := secretmanager.NewClient(ctx, clientOptions...)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCP Secret Manager client: %w", err)
		}
		a.client = gcpClient{c: c}
	}
	return a, nil
}

// NewGCPSecretManagerFactory returns the registry factory.
func NewGCPSecretManagerFactory(opts ...GCPOption) Factory {
	return func(ctx context.Context, cfg Config) (backend.Adapter, error) {
		return NewGCPSecretManager(ctx, cfg, opts...)
	}
}

func (a *GCPSecretManager) Name() string { return GCPSecretManagerType }

func (a *GCPSecretManager) SupportsVersioning() bool { return true }

func (a *GCPSecretManager) parent() string {
	return "projects/" + a.projectID
}

func (a *GCPSecretManager) secretName(key string) string {
	return a.parent() + "/secrets/" + hashedName(a.prefix, a.namespace, key)
}

func (a *GCPSecretManager) TestConnection(ctx context.Context) (backend.ConnectionStatus, error) {
	start := time.Now()
	_, _, err := a.client.ListSecretsPage(ctx, &secretmanagerpb.ListSecretsRequest{Parent: a.parent(), PageSize: 1})
	status := backend.ConnectionStatus{OK: err == nil, Latency: time.Since(start), Details: "secret manager reachable"}
	if err != nil {
		status.Details = err.Error()
	}
	return status, err
}

func (a *GCPSecretManager) Get(ctx context.Context, key string) (backend.Value, bool, error) {
	resp, err := a.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: a.secretName(key) + "/versions/latest",
	})
	if status.Code(err) == codes.NotFound {
		return backend.Value{}, false, nil
	}
	if err != nil {
		return backend.Value{}, false, err
	}
	v, err := backend.UnmarshalEnvelope(key, resp.GetPayload().GetData())
	if err != nil {
		return backend.Value{}, false, err
	}
	v.Metadata = map[string]string{"native_version": path.Base(resp.GetName())}
	return v, true, nil
}

func (a *GCPSecretManager) Put(ctx context.Context, key string, value backend.Value, meta map[string]string) (backend.Value, error) {
	doc, err := backend.MarshalEnvelope(value)
	if err != nil {
		return backend.Value{}, err
	}
	name := a.secretName(key)
	add := &secretmanagerpb.AddSecretVersionRequest{
		Parent:  name,
		Payload: &secretmanagerpb.SecretPayload{Data: doc},
	}

	version, err := a.client.AddSecretVersion(ctx, add)
	if status.Code(err) == codes.NotFound {
		_, err = a.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   a.parent(),
			SecretId: path.Base(name),
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
				Labels:      map[string]string{labelSet: strings.ToLower(a.namespace)},
				Annotations: map[string]string{labelKey: key},
			},
		})
		if err != nil && status.Code(err) != codes.AlreadyExists {
			return backend.Value{}, err
		}
		version, err = a.client.AddSecretVersion(ctx, add)
	}
	if err != nil {
		return backend.Value{}, err
	}

	value.Key = key
	value.UpdatedAt = time.Now().UTC()
	value.Metadata = map[string]string{"native_version": path.Base(version.GetName())}
	return value, nil
}

func (a *GCPSecretManager) Delete(ctx context.Context, key string) (bool, error) {
	err := a.client.DeleteSecret(ctx, &secretmanagerpb.DeleteSecretRequest{Name: a.secretName(key)})
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List filters secrets by the set label, then pages over keys in order.
func (a *GCPSecretManager) List(ctx context.Context, opts backend.ListOptions) (backend.ListResult, error) {
	req := &secretmanagerpb.ListSecretsRequest{
		Parent: a.parent(),
		Filter: fmt.Sprintf("labels.%s=%s", labelSet, strings.ToLower(a.namespace)),
	}
	var keys []string
	for {
		secrets, next, err := a.client.ListSecretsPage(ctx, req)
		if err != nil {
			return backend.ListResult{}, err
		}
		for _, s := range secrets {
			if key := s.GetAnnotations()[labelKey]; strings.HasPrefix(key, opts.Prefix) {
				keys = append(keys, key)
			}
		}
		if next == "" {
			break
		}
		req.PageToken = next
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
