package fakes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
)

// FakeSecretsManagerClient is an in-memory Secrets Manager.
type FakeSecretsManagerClient struct {
	failures

	mu      sync.Mutex
	secrets map[string]*fakeSecret
	seq     int
}

type fakeSecret struct {
	value     string
	versionID string
	created   time.Time
	versions  int
}

// NewFakeSecretsManagerClient creates an empty fake.
func NewFakeSecretsManagerClient() *FakeSecretsManagerClient {
	return &FakeSecretsManagerClient{secrets: make(map[string]*fakeSecret)}
}

// SecretString returns the stored string for name, for assertions.
func (f *FakeSecretsManagerClient) SecretString(name string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[name]
	if !ok {
		return "", false
	}
	return s.value, true
}

// VersionCount returns how many versions were written for name.
func (f *FakeSecretsManagerClient) VersionCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.secrets[name]; ok {
		return s.versions
	}
	return 0
}

func (f *FakeSecretsManagerClient) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.next()
}

func (f *FakeSecretsManagerClient) newVersionID() string {
	f.seq++
	return fmt.Sprintf("v-%04d", f.seq)
}

func smNotFound(name string) error {
	return &smtypes.ResourceNotFoundException{Message: aws.String("Secrets Manager can't find the specified secret: " + name)}
}

func (f *FakeSecretsManagerClient) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.SecretId)
	s, ok := f.secrets[name]
	if !ok {
		return nil, smNotFound(name)
	}
	created := s.created
	return &secretsmanager.GetSecretValueOutput{
		Name:         aws.String(name),
		SecretString: aws.String(s.value),
		VersionId:    aws.String(s.versionID),
		CreatedDate:  &created,
	}, nil
}

func (f *FakeSecretsManagerClient) CreateSecret(ctx context.Context, params *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.Name)
	if _, ok := f.secrets[name]; ok {
		return nil, &smtypes.ResourceExistsException{Message: aws.String("secret already exists: " + name)}
	}
	s := &fakeSecret{value: aws.ToString(params.SecretString), versionID: f.newVersionID(), created: time.Now(), versions: 1}
	f.secrets[name] = s
	return &secretsmanager.CreateSecretOutput{Name: aws.String(name), VersionId: aws.String(s.versionID)}, nil
}

func (f *FakeSecretsManagerClient) PutSecretValue(ctx context.Context, params *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.SecretId)
	s, ok := f.secrets[name]
	if !ok {
		return nil, smNotFound(name)
	}
	s.value = aws.ToString(params.SecretString)
	s.versionID = f.newVersionID()
	s.created = time.Now()
	s.versions++
	return &secretsmanager.PutSecretValueOutput{Name: aws.String(name), VersionId: aws.String(s.versionID)}, nil
}

func (f *FakeSecretsManagerClient) DeleteSecret(ctx context.Context, params *secretsmanager.DeleteSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.DeleteSecretOutput, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.SecretId)
	if _, ok := f.secrets[name]; !ok {
		return nil, smNotFound(name)
	}
	delete(f.secrets, name)
	return &secretsmanager.DeleteSecretOutput{Name: aws.String(name)}, nil
}

// ListSecrets honors the "name" filter as a prefix match and pages with a
// numeric NextToken.
func (f *FakeSecretsManagerClient) ListSecrets(ctx context.Context, params *secretsmanager.ListSecretsInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var prefix string
	for _, filter := range params.Filters {
		if filter.Key == smtypes.FilterNameStringTypeName && len(filter.Values) > 0 {
			prefix = filter.Values[0]
		}
	}
	names := make([]string, 0, len(f.secrets))
	for name := range f.secrets {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	start, _ := strconv.Atoi(aws.ToString(params.NextToken))
	if start > len(names) {
		start = len(names)
	}
	end := len(names)
	if params.MaxResults != nil && start+int(*params.MaxResults) < end {
		end = start + int(*params.MaxResults)
	}
	out := &secretsmanager.ListSecretsOutput{}
	for _, name := range names[start:end] {
		out.SecretList = append(out.SecretList, smtypes.SecretListEntry{Name: aws.String(name)})
	}
	if end < len(names) {
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

// FakeSSMClient is an in-memory Parameter Store.
type FakeSSMClient struct {
	failures

	mu     sync.Mutex
	params map[string]*fakeParameter
}

type fakeParameter struct {
	value    string
	version  int64
	modified time.Time
}

// NewFakeSSMClient creates an empty fake.
func NewFakeSSMClient() *FakeSSMClient {
	return &FakeSSMClient{params: make(map[string]*fakeParameter)}
}

// Parameter returns the stored value and version for name, for assertions.
func (f *FakeSSMClient) Parameter(name string) (string, int64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.params[name]
	if !ok {
		return "", 0, false
	}
	return p.value, p.version, true
}

func (f *FakeSSMClient) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.next()
}

func (f *FakeSSMClient) parameter(name string, p *fakeParameter) *ssmtypes.Parameter {
	modified := p.modified
	return &ssmtypes.Parameter{
		Name:             aws.String(name),
		Value:            aws.String(p.value),
		Version:          p.version,
		Type:             ssmtypes.ParameterTypeSecureString,
		LastModifiedDate: &modified,
	}
}

func (f *FakeSSMClient) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.Name)
	p, ok := f.params[name]
	if !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String("parameter not found: " + name)}
	}
	return &ssm.GetParameterOutput{Parameter: f.parameter(name, p)}, nil
}

func (f *FakeSSMClient) PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.Name)
	p, ok := f.params[name]
	if ok && !aws.ToBool(params.Overwrite) {
		return nil, &ssmtypes.ParameterAlreadyExists{Message: aws.String("parameter exists: " + name)}
	}
	if !ok {
		p = &fakeParameter{}
		f.params[name] = p
	}
	p.value = aws.ToString(params.Value)
	p.version++
	p.modified = time.Now()
	return &ssm.PutParameterOutput{Version: p.version}, nil
}

func (f *FakeSSMClient) DeleteParameter(ctx context.Context, params *ssm.DeleteParameterInput, optFns ...func(*ssm.Options)) (*ssm.DeleteParameterOutput, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(params.Name)
	if _, ok := f.params[name]; !ok {
		return nil, &ssmtypes.ParameterNotFound{Message: aws.String("parameter not found: " + name)}
	}
	delete(f.params, name)
	return &ssm.DeleteParameterOutput{}, nil
}

// GetParametersByPath returns direct children of Path (or all descendants
// when Recursive) in name order, paging with a numeric NextToken.
func (f *FakeSSMClient) GetParametersByPath(ctx context.Context, params *ssm.GetParametersByPathInput, optFns ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	path := strings.TrimSuffix(aws.ToString(params.Path), "/") + "/"
	var names []string
	for name := range f.params {
		rest := strings.TrimPrefix(name, path)
		if rest == name {
			continue
		}
		if !aws.ToBool(params.Recursive) && strings.Contains(rest, "/") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	pageSize := 10
	if params.MaxResults != nil {
		pageSize = int(*params.MaxResults)
	}
	start, _ := strconv.Atoi(aws.ToString(params.NextToken))
	if start > len(names) {
		start = len(names)
	}
	end := min(start+pageSize, len(names))

	out := &ssm.GetParametersByPathOutput{}
	for _, name := range names[start:end] {
		out.Parameters = append(out.Parameters, *f.parameter(name, f.params[name]))
	}
	if end < len(names) {
		out.NextToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func (f *FakeSSMClient) DescribeParameters(ctx context.Context, params *ssm.DescribeParametersInput, optFns ...func(*ssm.Options)) (*ssm.DescribeParametersOutput, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	return &ssm.DescribeParametersOutput{}, nil
}

// AWSThrottlingError returns the API error AWS sends when rate limited.
func AWSThrottlingError() error {
	return &smithy.GenericAPIError{Code: "ThrottlingException", Message: "Rate exceeded"}
}

// AWSAccessDeniedError returns a non-retryable API error.
func AWSAccessDeniedError() error {
	return &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "User is not authorized to perform this operation"}
}
