package backends

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"github.com/systmms/cfgvault/pkg/backend"
)

// AWSSSMType is the registry name of the Parameter Store backend.
const AWSSSMType = "aws.ssm"

// SSMClientAPI is the subset of the SSM client the adapter uses.
type SSMClientAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
	DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error)
	GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error)
	DescribeParameters(ctx context.Context, params *ssm.DescribeParametersInput, optFns ...func(*ssm.Options)) (*ssm.DescribeParametersOutput, error)
}

// AWSSSM stores each value as a SecureString parameter /<prefix>/<set>/<key>.
type AWSSSM struct {
	client    SSMClientAPI
	prefix    string
	namespace string
	kmsKeyID  string
}

// SSMOption configures the adapter.
type SSMOption func(*AWSSSM)

// WithSSMClient sets a custom SSM client (for testing).
func WithSSMClient(client SSMClientAPI) SSMOption {
	return func(a *AWSSSM) {
		a.client = client
	}
}

// NewAWSSSM creates the adapter.
func NewAWSSSM(ctx context.Context, cfg Config, opts ...SSMOption) (*AWSSSM, error) {
	a := &AWSSSM{
		prefix:    cfg.Setting("prefix", defaultPrefix),
		namespace: cfg.Namespace,
		kmsKeyID:  cfg.Settings["kms_key_id"],
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.client == nil {
		awsCfg, err := loadAWSConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		var clientOpts []func(*ssm.Options)
		if endpoint := cfg.Settings["endpoint"]; endpoint != "" {
			clientOpts = append(clientOpts, func(o *ssm.Options) {
				o.BaseEndpoint = aws.String(endpoint)
			})
		}
		a.client = ssm.NewFromConfig(awsCfg, clientOpts...)
	}
	return a, nil
}

// NewAWSSSMFactory returns the registry factory.
func NewAWSSSMFactory(opts ...SSMOption) Factory {
	return func(ctx context.Context, cfg Config) (backend.Adapter, error) {
		return NewAWSSSM(ctx, cfg, opts...)
	}
}

func (a *AWSSSM) Name() string { return AWSSSMType }

// SupportsVersioning reports true: parameters keep a version history.
func (a *AWSSSM) SupportsVersioning() bool { return true }

func (a *AWSSSM) path() string {
	return "/" + backend.JoinPath("/", a.prefix, a.namespace)
}

func (a *AWSSSM) parameterName(key string) string {
	return a.path() + "/" + key
}

func (a *AWSSSM) TestConnection(ctx context.Context) (backend.ConnectionStatus, error) {
	start := time.Now()
	_, err := a.client.DescribeParameters(ctx, &ssm.DescribeParametersInput{MaxResults: aws.Int32(1)})
	status := backend.ConnectionStatus{OK: err == nil, Latency: time.Since(start), Details: "parameter store reachable"}
	if err != nil {
		status.Details = err.Error()
	}
	return status, err
}

func (a *AWSSSM) Get(ctx context.Context, key string) (backend.Value, bool, error) {
	out, err := a.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(a.parameterName(key)),
		WithDecryption: aws.Bool(true),
	})
	if isParameterNotFound(err) {
		return backend.Value{}, false, nil
	}
	if err != nil {
		return backend.Value{}, false, err
	}
	return parameterToValue(key, out.Parameter)
}

func parameterToValue(key string, p *types.Parameter) (backend.Value, bool, error) {
	if p == nil {
		return backend.Value{}, false, nil
	}
	v, err := backend.UnmarshalEnvelope(key, []byte(aws.ToString(p.Value)))
	if err != nil {
		return backend.Value{}, false, err
	}
	v.Metadata = map[string]string{"native_version": strconv.FormatInt(p.Version, 10)}
	if p.LastModifiedDate != nil {
		v.UpdatedAt = *p.LastModifiedDate
	}
	return v, true, nil
}

func (a *AWSSSM) Put(ctx context.Context, key string, value backend.Value, meta map[string]string) (backend.Value, error) {
	doc, err := backend.MarshalEnvelope(value)
	if err != nil {
		return backend.Value{}, err
	}
	input := &ssm.PutParameterInput{
		Name:      aws.String(a.parameterName(key)),
		Value:     aws.String(string(doc)),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
		Tier:      types.ParameterTierIntelligentTiering,
	}
	if a.kmsKeyID != "" {
		input.KeyId = aws.String(a.kmsKeyID)
	}
	out, err := a.client.PutParameter(ctx, input)
	if err != nil {
		return backend.Value{}, err
	}

	value.Key = key
	value.UpdatedAt = time.Now().UTC()
	value.Metadata = map[string]string{"native_version": strconv.FormatInt(out.Version, 10)}
	return value, nil
}

func (a *AWSSSM) Delete(ctx context.Context, key string) (bool, error) {
	_, err := a.client.DeleteParameter(ctx, &ssm.DeleteParameterInput{Name: aws.String(a.parameterName(key))})
	if isParameterNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List reads one GetParametersByPath page and filters it by key prefix.
// Parameter Store caps a page at 10 parameters.
func (a *AWSSSM) List(ctx context.Context, opts backend.ListOptions) (backend.ListResult, error) {
	input := &ssm.GetParametersByPathInput{
		Path:           aws.String(a.path()),
		Recursive:      aws.Bool(false),
		WithDecryption: aws.Bool(true),
	}
	if opts.MaxResults > 0 {
		input.MaxResults = aws.Int32(int32(min(opts.MaxResults, 10)))
	}
	if opts.ContinuationToken != "" {
		input.NextToken = aws.String(opts.ContinuationToken)
	}

	out, err := a.client.GetParametersByPath(ctx, input)
	if err != nil {
		return backend.ListResult{}, err
	}

	res := backend.ListResult{ContinuationToken: aws.ToString(out.NextToken)}
	res.HasMore = res.ContinuationToken != ""
	for i := range out.Parameters {
		key := strings.TrimPrefix(aws.ToString(out.Parameters[i].Name), a.path()+"/")
		if !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		v, ok, err := parameterToValue(key, &out.Parameters[i])
		if err != nil {
			return backend.ListResult{}, err
		}
		if ok {
			res.Values = append(res.Values, v)
		}
	}
	sort.Slice(res.Values, func(i, j int) bool { return res.Values[i].Key < res.Values[j].Key })
	return res, nil
}

func isParameterNotFound(err error) bool {
	var nf *types.ParameterNotFound
	return errors.As(err, &nf)
}
