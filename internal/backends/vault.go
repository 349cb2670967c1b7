package backends

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/pkg/backend"
)

// VaultType is the registry name of the HashiCorp Vault KV v2 backend.
const VaultType = "vault"

const (
	defaultVaultMount = "secret"
	vaultEnvelopeKey  = "envelope"
	vaultUserAgent    = "cfgvault"
)

// VaultError is a non-success response from the Vault HTTP API.
type VaultError struct {
	Code   int
	Status string
	Detail string
}

func (e *VaultError) Error() string {
	if msgs := e.Errors(); len(msgs) > 0 {
		return fmt.Sprintf("vault returned %s: %s", e.Status, strings.Join(msgs, "; "))
	}
	return fmt.Sprintf("vault returned %s: %s", e.Status, e.Detail)
}

// Vault stores each value as a KV v2 secret <mount>/data/<prefix>/<set>/<key>
// with a single "envelope" field.
type Vault struct {
	client    *resty.Client
	mount     string
	prefix    string
	namespace string

	auth    vaultAuth
	mu      sync.Mutex
	token   string
	vaultNS string
}

type vaultAuth struct {
	method   string
	token    string
	username string
	password string
	roleID   string
	secretID string
}

// NewVault creates the adapter. Supported auth methods are token (the
// default, falling back to VAULT_TOKEN), userpass and approle.
func NewVault(ctx context.Context, cfg Config) (*Vault, error) {
	address := cfg.Setting("address", os.Getenv("VAULT_ADDR"))
	if address == "" {
		return nil, cverrors.ConfigError{
			Field:      "address",
			Message:    "address is required for HashiCorp Vault",
			Suggestion: "Set address in the store settings or VAULT_ADDR in the environment",
		}
	}

	client := resty.New().
		SetBaseURL(strings.TrimSuffix(address, "/")).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", vaultUserAgent).
		SetTimeout(30 * time.Second)
	if cfg.Settings["tls_skip_verify"] == "true" {
		client.SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true}) //nolint:gosec // opt-in for dev servers
	}

	v := &Vault{
		client:    client,
		mount:     strings.Trim(cfg.Setting("mount", defaultVaultMount), "/"),
		prefix:    cfg.Setting("prefix", defaultPrefix),
		namespace: cfg.Namespace,
		vaultNS:   cfg.Settings["vault_namespace"],
		auth: vaultAuth{
			method:   cfg.Setting("auth_method", "token"),
			token:    cfg.Credentials["token"],
			username: cfg.Credentials["username"],
			password: cfg.Credentials["password"],
			roleID:   cfg.Credentials["role_id"],
			secretID: cfg.Credentials["secret_id"],
		},
	}
	switch v.auth.method {
	case "token", "userpass", "approle":
	default:
		return nil, cverrors.ConfigError{
			Field:      "auth_method",
			Value:      v.auth.method,
			Message:    fmt.Sprintf("unsupported auth method: %s", v.auth.method),
			Suggestion: "Use one of: token, userpass, approle",
		}
	}
	return v, nil
}

// NewVaultFactory returns the registry factory.
func NewVaultFactory() Factory {
	return func(ctx context.Context, cfg Config) (backend.Adapter, error) {
		return NewVault(ctx, cfg)
	}
}

func (v *Vault) Name() string { return VaultType }

// SupportsVersioning reports true: KV v2 keeps versions.
func (v *Vault) SupportsVersioning() bool { return true }

func (v *Vault) secretPath(key string) string {
	return backend.JoinPath("/", v.prefix, v.namespace, key)
}

// authenticate returns a client token, logging in once when needed.
func (v *Vault) authenticate(ctx context.Context) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.token != "" {
		return v.token, nil
	}

	switch v.auth.method {
	case "token":
		token := v.auth.token
		if token == "" {
			token = os.Getenv("VAULT_TOKEN")
		}
		if token == "" {
			return "", fmt.Errorf("no vault token found in store credentials or VAULT_TOKEN environment variable")
		}
		v.token = token
	case "userpass":
		token, err := v.login(ctx, "auth/userpass/login/"+v.auth.username, map[string]string{"password": v.auth.password})
		if err != nil {
			return "", err
		}
		v.token = token
	case "approle":
		token, err := v.login(ctx, "auth/approle/login", map[string]string{"role_id": v.auth.roleID, "secret_id": v.auth.secretID})
		if err != nil {
			return "", err
		}
		v.token = token
	}
	return v.token, nil
}

func (v *Vault) login(ctx context.Context, path string, body map[string]string) (string, error) {
	var out struct {
		Auth struct {
			ClientToken string `json:"client_token"`
		} `json:"auth"`
	}
	req := v.client.R().SetContext(ctx).SetBody(body).SetResult(&out)
	if v.vaultNS != "" {
		req.SetHeader("X-Vault-Namespace", v.vaultNS)
	}
	resp, err := req.Post("/v1/" + path)
	if err := checkVault(resp, err); err != nil {
		return "", fmt.Errorf("vault authentication failed: %w", err)
	}
	if out.Auth.ClientToken == "" {
		return "", fmt.Errorf("no token received from vault")
	}
	return out.Auth.ClientToken, nil
}

func (v *Vault) request(ctx context.Context) (*resty.Request, error) {
	token, err := v.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	req := v.client.R().SetContext(ctx).SetHeader("X-Vault-Token", token)
	if v.vaultNS != "" {
		req.SetHeader("X-Vault-Namespace", v.vaultNS)
	}
	return req, nil
}

func checkVault(resp *resty.Response, err error) error {
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &VaultError{Code: resp.StatusCode(), Status: resp.Status(), Detail: strings.TrimSpace(string(resp.Body()))}
	}
	return nil
}

func isVaultNotFound(err error) bool {
	ve, ok := err.(*VaultError)
	return ok && ve.Code == http.StatusNotFound
}

func (v *Vault) TestConnection(ctx context.Context) (backend.ConnectionStatus, error) {
	start := time.Now()
	req, err := v.request(ctx)
	if err == nil {
		resp, rerr := req.Get("/v1/auth/token/lookup-self")
		err = checkVault(resp, rerr)
	}
	status := backend.ConnectionStatus{OK: err == nil, Latency: time.Since(start), Details: "vault reachable and token valid"}
	if err != nil {
		status.Details = err.Error()
	}
	return status, err
}

type vaultKVRead struct {
	Data struct {
		Data     map[string]string `json:"data"`
		Metadata struct {
			Version     int64  `json:"version"`
			CreatedTime string `json:"created_time"`
		} `json:"metadata"`
	} `json:"data"`
}

func (v *Vault) Get(ctx context.Context, key string) (backend.Value, bool, error) {
	req, err := v.request(ctx)
	if err != nil {
		return backend.Value{}, false, err
	}
	var out vaultKVRead
	resp, err := req.SetResult(&out).Get("/v1/" + v.mount + "/data/" + v.secretPath(key))
	if err := checkVault(resp, err); err != nil {
		if isVaultNotFound(err) {
			return backend.Value{}, false, nil
		}
		return backend.Value{}, false, err
	}

	doc, ok := out.Data.Data[vaultEnvelopeKey]
	if !ok {
		return backend.Value{}, false, nil
	}
	val, err := backend.UnmarshalEnvelope(key, []byte(doc))
	if err != nil {
		return backend.Value{}, false, err
	}
	val.Metadata = map[string]string{"native_version": strconv.FormatInt(out.Data.Metadata.Version, 10)}
	if t, err := time.Parse(time.RFC3339Nano, out.Data.Metadata.CreatedTime); err == nil {
		val.UpdatedAt = t
	}
	return val, true, nil
}

func (v *Vault) Put(ctx context.Context, key string, value backend.Value, meta map[string]string) (backend.Value, error) {
	doc, err := backend.MarshalEnvelope(value)
	if err != nil {
		return backend.Value{}, err
	}
	req, err := v.request(ctx)
	if err != nil {
		return backend.Value{}, err
	}

	var out struct {
		Data struct {
			Version int64 `json:"version"`
		} `json:"data"`
	}
	resp, err := req.
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]interface{}{"data": map[string]string{vaultEnvelopeKey: string(doc)}}).
		SetResult(&out).
		Post("/v1/" + v.mount + "/data/" + v.secretPath(key))
	if err := checkVault(resp, err); err != nil {
		return backend.Value{}, err
	}

	value.Key = key
	value.UpdatedAt = time.Now().UTC()
	value.Metadata = map[string]string{"native_version": strconv.FormatInt(out.Data.Version, 10)}
	return value, nil
}

// Delete removes the secret's metadata and all of its versions.
func (v *Vault) Delete(ctx context.Context, key string) (bool, error) {
	_, existed, err := v.Get(ctx, key)
	if err != nil || !existed {
		return false, err
	}
	req, err := v.request(ctx)
	if err != nil {
		return false, err
	}
	resp, err := req.Delete("/v1/" + v.mount + "/metadata/" + v.secretPath(key))
	if err := checkVault(resp, err); err != nil {
		if isVaultNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// List uses the KV v2 LIST verb on the set's folder and pages over keys.
func (v *Vault) List(ctx context.Context, opts backend.ListOptions) (backend.ListResult, error) {
	req, err := v.request(ctx)
	if err != nil {
		return backend.ListResult{}, err
	}
	var out struct {
		Data struct {
			Keys []string `json:"keys"`
		} `json:"data"`
	}
	resp, err := req.SetResult(&out).Execute("LIST", "/v1/"+v.mount+"/metadata/"+v.secretPath("")+"/")
	if err := checkVault(resp, err); err != nil {
		if isVaultNotFound(err) {
			return backend.ListResult{}, nil
		}
		return backend.ListResult{}, err
	}

	var keys []string
	for _, k := range out.Data.Keys {
		if strings.HasSuffix(k, "/") || !strings.HasPrefix(k, opts.Prefix) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	page, hasMore, token := pageKeys(keys, opts.ContinuationToken, opts.MaxResults)
	res := backend.ListResult{HasMore: hasMore, ContinuationToken: token}
	for _, key := range page {
		val, ok, err := v.Get(ctx, key)
		if err != nil {
			return backend.ListResult{}, err
		}
		if ok {
			res.Values = append(res.Values, val)
		}
	}
	return res, nil
}

// vaultErrorBody is the JSON error document Vault returns.
type vaultErrorBody struct {
	Errors []string `json:"errors"`
}

// Errors returns Vault's error messages from a VaultError detail, if any.
func (e *VaultError) Errors() []string {
	var body vaultErrorBody
	if json.Unmarshal([]byte(e.Detail), &body) != nil {
		return nil
	}
	return body.Errors
}
