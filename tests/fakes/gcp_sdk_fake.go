package fakes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// FakeGCPSecretManagerClient is an in-memory Secret Manager. It understands
// "labels.<name>=<value>" filters and "latest" version aliases.
type FakeGCPSecretManagerClient struct {
	failures

	mu      sync.Mutex
	secrets map[string]*gcpSecret
}

type gcpSecret struct {
	meta     *secretmanagerpb.Secret
	versions [][]byte
}

// NewFakeGCPSecretManagerClient creates an empty fake.
func NewFakeGCPSecretManagerClient() *FakeGCPSecretManagerClient {
	return &FakeGCPSecretManagerClient{secrets: make(map[string]*gcpSecret)}
}

// SecretCount returns the number of secrets stored.
func (f *FakeGCPSecretManagerClient) SecretCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.secrets)
}

func (f *FakeGCPSecretManagerClient) begin(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.next()
}

func (f *FakeGCPSecretManagerClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := strings.LastIndex(req.Name, "/versions/")
	if idx < 0 {
		return nil, status.Errorf(codes.InvalidArgument, "bad version name %s", req.Name)
	}
	secretName, version := req.Name[:idx], req.Name[idx+len("/versions/"):]
	s, ok := f.secrets[secretName]
	if !ok || len(s.versions) == 0 {
		return nil, status.Errorf(codes.NotFound, "Secret %s not found", secretName)
	}
	n := len(s.versions)
	if version != "latest" {
		var err error
		if n, err = strconv.Atoi(version); err != nil || n < 1 || n > len(s.versions) {
			return nil, status.Errorf(codes.NotFound, "Secret version %s not found", req.Name)
		}
	}
	return &secretmanagerpb.AccessSecretVersionResponse{
		Name:    fmt.Sprintf("%s/versions/%d", secretName, n),
		Payload: &secretmanagerpb.SecretPayload{Data: s.versions[n-1]},
	}, nil
}

func (f *FakeGCPSecretManagerClient) AddSecretVersion(ctx context.Context, req *secretmanagerpb.AddSecretVersionRequest) (*secretmanagerpb.SecretVersion, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.secrets[req.Parent]
	if !ok {
		return nil, status.Errorf(codes.NotFound, "Secret %s not found", req.Parent)
	}
	s.versions = append(s.versions, req.GetPayload().GetData())
	return &secretmanagerpb.SecretVersion{
		Name:       fmt.Sprintf("%s/versions/%d", req.Parent, len(s.versions)),
		State:      secretmanagerpb.SecretVersion_ENABLED,
		CreateTime: timestamppb.Now(),
	}, nil
}

func (f *FakeGCPSecretManagerClient) CreateSecret(ctx context.Context, req *secretmanagerpb.CreateSecretRequest) (*secretmanagerpb.Secret, error) {
	if err := f.begin(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	name := req.Parent + "/secrets/" + req.SecretId
	if _, ok := f.secrets[name]; ok {
		return nil, status.Errorf(codes.AlreadyExists, "Secret %s already exists", name)
	}
	meta := &secretmanagerpb.Secret{
		Name:        name,
		Labels:      req.GetSecret().GetLabels(),
		Annotations: req.GetSecret().GetAnnotations(),
		CreateTime:  timestamppb.Now(),
	}
	f.secrets[name] = &gcpSecret{meta: meta}
	return meta, nil
}

func (f *FakeGCPSecretManagerClient) DeleteSecret(ctx context.Context, req *secretmanagerpb.DeleteSecretRequest) error {
	if err := f.begin(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.secrets[req.Name]; !ok {
		return status.Errorf(codes.NotFound, "Secret %s not found", req.Name)
	}
	delete(f.secrets, req.Name)
	return nil
}

func (f *FakeGCPSecretManagerClient) ListSecretsPage(ctx context.Context, req *secretmanagerpb.ListSecretsRequest) ([]*secretmanagerpb.Secret, string, error) {
	if err := f.begin(ctx); err != nil {
		return nil, "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var labelName, labelValue string
	if rest, ok := strings.CutPrefix(req.Filter, "labels."); ok {
		labelName, labelValue, _ = strings.Cut(rest, "=")
	}

	var names []string
	for name, s := range f.secrets {
		if !strings.HasPrefix(name, req.Parent+"/secrets/") {
			continue
		}
		if labelName != "" && s.meta.GetLabels()[labelName] != labelValue {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	start, _ := strconv.Atoi(req.PageToken)
	if start > len(names) {
		start = len(names)
	}
	end := len(names)
	if req.PageSize > 0 && start+int(req.PageSize) < end {
		end = start + int(req.PageSize)
	}
	out := make([]*secretmanagerpb.Secret, 0, end-start)
	for _, name := range names[start:end] {
		out = append(out, f.secrets[name].meta)
	}
	next := ""
	if end < len(names) {
		next = strconv.Itoa(end)
	}
	return out, next, nil
}

// GCPUnavailableError returns the gRPC error for a transient outage.
func GCPUnavailableError() error {
	return status.Error(codes.Unavailable, "service unavailable")
}
