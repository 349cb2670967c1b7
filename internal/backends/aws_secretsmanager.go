package backends

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/systmms/cfgvault/pkg/backend"
)

// AWSSecretsManagerType is the registry name of the Secrets Manager backend.
const AWSSecretsManagerType = "aws.secretsmanager"

// defaultPrefix is the path prefix used by external backends when the store
// does not set one.
const defaultPrefix = "cfgvault"

// SecretsManagerClientAPI is the subset of the Secrets Manager client the
// adapter uses. It allows for fakes in tests.
type SecretsManagerClientAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
	DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error)
	ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error)
}

// AWSSecretsManager stores each value as one secret named <prefix>/<set>/<key>.
type AWSSecretsManager struct {
	client    SecretsManagerClientAPI
	prefix    string
	namespace string
}

// SecretsManagerOption configures the adapter.
type SecretsManagerOption func(*AWSSecretsManager)

// WithSecretsManagerClient sets a custom client (for testing).
func WithSecretsManagerClient(client SecretsManagerClientAPI) SecretsManagerOption {
	return func(a *AWSSecretsManager) {
		a.client = client
	}
}

// NewAWSSecretsManager creates the adapter. Without an injected client it
// loads the default AWS config for the store's region, using static
// credentials when the store carries access_key_id/secret_access_key.
func NewAWSSecretsManager(ctx context.Context, cfg Config, opts ...SecretsManagerOption) (*AWSSecretsManager, error) {
	a := &AWSSecretsManager{
		prefix:    cfg.Setting("prefix", defaultPrefix),
		namespace: cfg.Namespace,
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*secretsmanager.Options)
		if endpoint := cfg.Settings["endpoint"]; endpoint != "" {
			clientOpts = append(clientOpts, func(o *secretsmanager.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			})
		}
		a.client = secretsmanager.NewFromConfig(awsCfg, clientOpts...)
	}
	return a, nil
}

// NewAWSSecretsManagerFactory returns the registry factory.
func NewAWSSecretsManagerFactory(opts ...SecretsManagerOption) Factory {
	return func(ctx context.Context, cfg Config) (backend.Adapter, error) {
		return NewAWSSecretsManager(ctx, cfg, opts...)
	}
}

func loadAWSConfig(ctx context.Context, cfg Config) (aws.Config, error) {
	configOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Setting("region", "us-east-1")),
	}
	accessKey, secretKey := cfg.Credentials["access_key_id"], cfg.Credentials["secret_access_key"]
	if accessKey != "" && secretKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, cfg.Credentials["session_token"]),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}

func (a *AWSSecretsManager) Name() string { return AWSSecretsManagerType }

// SupportsVersioning reports true: every PutSecretValue creates a version.
func (a *AWSSecretsManager) SupportsVersioning() bool { return true }

func (a *AWSSecretsManager) secretName(key string) string {
	return backend.JoinPath("/", a.prefix, a.namespace, key)
}

func (a *AWSSecretsManager) TestConnection(ctx context.Context) (backend.ConnectionStatus, error) {
	start := time.Now()
	_, err := a.client.ListSecrets(ctx, &secretsmanager.ListSecretsInput{MaxResults: aws.Int32(1)})
	status := backend.ConnectionStatus{OK: err == nil, Latency: time.Since(start), Details: "secrets manager reachable"}
	if err != nil {
		status.Details = err.Error()
	}
	return status, err
}

func (a *AWSSecretsManager) Get(ctx context.Context, key string) (backend.Value, bool, error) {
	out, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(a.secretName(key)),
	})
	if isSecretsManagerAbsent(err) {
		return backend.Value{}, false, nil
	}
	if err != nil {
		return backend.Value{}, false, err
	}
	v, err := backend.UnmarshalEnvelope(key, []byte(aws.ToString(out.SecretString)))
	if err != nil {
		return backend.Value{}, false, err
	}
	v.Metadata = map[string]string{"native_version": aws.ToString(out.VersionId)}
	if out.CreatedDate != nil {
		v.UpdatedAt = *out.CreatedDate
	}
	return v, true, nil
}

func (a *AWSSecretsManager) Put(ctx context.Context, key string, value backend.Value, meta map[string]string) (backend.Value, error) {
	doc, err := backend.MarshalEnvelope(value)
	if err != nil {
		return backend.Value{}, err
	}
	name := a.secretName(key)

	var versionID string
	out, err := a.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(name),
		SecretString: aws.String(string(doc)),
	})
	switch {
	case isSecretsManagerNotFound(err):
		created, cerr := a.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
			Name:         aws.String(name),
			SecretString: aws.String(string(doc)),
			Description:  aws.String("cfgvault sealed value"),
			Tags: []types.Tag{
				{Key: aws.String("cfgvault:set"), Value: aws.String(a.namespace)},
				{Key: aws.String("cfgvault:key"), Value: aws.String(key)},
			},
		})
		if cerr != nil {
			return backend.Value{}, cerr
		}
		versionID = aws.ToString(created.VersionId)
	case err != nil:
		return backend.Value{}, err
	default:
		versionID = aws.ToString(out.VersionId)
	}

	value.Key = key
	value.UpdatedAt = time.Now().UTC()
	value.Metadata = map[string]string{"native_version": versionID}
	return value, nil
}

func (a *AWSSecretsManager) Delete(ctx context.Context, key string) (bool, error) {
	_, err := a.client.DeleteSecret(ctx, &secretsmanager.DeleteSecretInput{
		SecretId:                   aws.String(a.secretName(key)),
		ForceDeleteWithoutRecovery: aws.Bool(true),
	})
	if isSecretsManagerAbsent(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List pages over secrets whose name starts with <prefix>/<set>/<opts.Prefix>.
// The continuation token is the service's NextToken.
func (a *AWSSecretsManager) List(ctx context.Context, opts backend.ListOptions) (backend.ListResult, error) {
	namePrefix := a.secretName("") + "/" + opts.Prefix
	input := &secretsmanager.ListSecretsInput{
		Filters: []types.Filter{{Key: types.FilterNameStringTypeName, Values: []string{namePrefix}}},
	}
	if opts.MaxResults > 0 {
		input.MaxResults = aws.Int32(int32(opts.MaxResults))
	}
	if opts.ContinuationToken != "" {
		input.NextToken = aws.String(opts.ContinuationToken)
	}

	out, err := a.client.ListSecrets(ctx, input)
	if err != nil {
		return backend.ListResult{}, err
	}

	var keys []string
	for _, entry := range out.SecretList {
		name := aws.ToString(entry.Name)
		if !strings.HasPrefix(name, namePrefix) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(name, a.secretName("")+"/"))
	}
	sort.Strings(keys)

	res := backend.ListResult{ContinuationToken: aws.ToString(out.NextToken)}
	res.HasMore = res.ContinuationToken != ""
	for _, key := range keys {
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

func isSecretsManagerNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}

// isSecretsManagerAbsent also treats secrets scheduled for deletion as absent.
func isSecretsManagerAbsent(err error) bool {
	if isSecretsManagerNotFound(err) {
		return true
	}
	var inv *types.InvalidRequestException
	return errors.As(err, &inv) && strings.Contains(inv.ErrorMessage(), "marked for deletion")
}
