package backends_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgvault/internal/backends"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/pkg/backend"
	"github.com/systmms/cfgvault/tests/fakes"
)

func fastPolicy() backends.RetryPolicy {
	return backends.RetryPolicy{
		Timeout:         time.Second,
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
	}
}

func cfgFor(namespace string, settings map[string]string) backends.Config {
	return backends.Config{Name: "test-store", Namespace: namespace, Settings: settings}
}

func TestAWSSecretsManagerContract(t *testing.T) {
	t.Parallel()

	backend.RunContractTests(t, backend.ContractTest{
		CreateAdapter: func(t *testing.T) backend.Adapter {
			a, err := backends.NewAWSSecretsManager(context.Background(), cfgFor("set-1", nil),
				backends.WithSecretsManagerClient(fakes.NewFakeSecretsManagerClient()))
			require.NoError(t, err)
			return a
		},
	})
}

func TestAWSSecretsManagerStoresEnvelopeUnderSetPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := fakes.NewFakeSecretsManagerClient()
	a, err := backends.NewAWSSecretsManager(ctx, cfgFor("set-1", map[string]string{"prefix": "team"}),
		backends.WithSecretsManagerClient(fake))
	require.NoError(t, err)

	v := sealed("ciphertext")
	v.Version = 1
	stored, err := a.Put(ctx, "API_KEY", v, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.Metadata["native_version"])

	doc, ok := fake.SecretString("team/set-1/API_KEY")
	require.True(t, ok)
	assert.Contains(t, doc, `"v":1`)
	assert.NotContains(t, doc, "ciphertext", "ciphertext is base64 encoded inside the envelope")

	v.Version = 2
	_, err = a.Put(ctx, "API_KEY", v, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.VersionCount("team/set-1/API_KEY"))
}

func TestAWSSecretsManagerThrottlingIsRetried(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := fakes.NewFakeSecretsManagerClient()
	inner, err := backends.NewAWSSecretsManager(ctx, cfgFor("set-1", nil), backends.WithSecretsManagerClient(fake))
	require.NoError(t, err)
	a := backends.NewResilient(inner, "aws-prod", fastPolicy())

	fake.FailNext(2, fakes.AWSThrottlingError())
	_, err = a.Put(ctx, "K", sealed("x"), nil)
	require.NoError(t, err)

	fake.FailNext(1, fakes.AWSAccessDeniedError())
	_, _, err = a.Get(ctx, "K")
	var conn cverrors.StoreConnectionError
	require.ErrorAs(t, err, &conn)
	assert.Equal(t, "aws-prod", conn.Store)
	assert.Equal(t, "get", conn.Op)
}

func TestAWSSSMContract(t *testing.T) {
	t.Parallel()

	backend.RunContractTests(t, backend.ContractTest{
		CreateAdapter: func(t *testing.T) backend.Adapter {
			a, err := backends.NewAWSSSM(context.Background(), cfgFor("set-1", nil),
				backends.WithSSMClient(fakes.NewFakeSSMClient()))
			require.NoError(t, err)
			return a
		},
	})
}

func TestAWSSSMUsesParameterPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := fakes.NewFakeSSMClient()
	a, err := backends.NewAWSSSM(ctx, cfgFor("set-9", nil), backends.WithSSMClient(fake))
	require.NoError(t, err)

	stored, err := a.Put(ctx, "PORT", sealed("x"), nil)
	require.NoError(t, err)
	assert.Equal(t, "1", stored.Metadata["native_version"])

	_, version, ok := fake.Parameter("/cfgvault/set-9/PORT")
	require.True(t, ok)
	assert.Equal(t, int64(1), version)
}

func TestGCPSecretManagerContract(t *testing.T) {
	t.Parallel()

	backend.RunContractTests(t, backend.ContractTest{
		CreateAdapter: func(t *testing.T) backend.Adapter {
			a, err := backends.NewGCPSecretManager(context.Background(),
				cfgFor("Set-1", map[string]string{"project_id": "proj"}),
				backends.WithGCPClient(fakes.NewFakeGCPSecretManagerClient()))
			require.NoError(t, err)
			return a
		},
	})
}

func TestGCPSecretManagerRequiresProject(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")

	_, err := backends.NewGCPSecretManager(context.Background(), cfgFor("s", nil),
		backends.WithGCPClient(fakes.NewFakeGCPSecretManagerClient()))
	var cfgErr cverrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestGCPSecretManagerIsolatesSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := fakes.NewFakeGCPSecretManagerClient()
	open := func(ns string) backend.Adapter {
		a, err := backends.NewGCPSecretManager(ctx, cfgFor(ns, map[string]string{"project_id": "proj"}),
			backends.WithGCPClient(fake))
		require.NoError(t, err)
		return a
	}
	a, b := open("set-a"), open("set-b")

	_, err := a.Put(ctx, "KEY", sealed("a"), nil)
	require.NoError(t, err)
	_, err = b.Put(ctx, "KEY", sealed("b"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.SecretCount())

	res, err := a.List(ctx, backend.ListOptions{})
	require.NoError(t, err)
	require.Len(t, res.Values, 1)
	assert.Equal(t, []byte("a"), res.Values[0].Ciphertext)
}

func TestGCPUnavailableBecomesStoreConnectionError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := fakes.NewFakeGCPSecretManagerClient()
	inner, err := backends.NewGCPSecretManager(ctx, cfgFor("s", map[string]string{"project_id": "p"}),
		backends.WithGCPClient(fake))
	require.NoError(t, err)
	a := backends.NewResilient(inner, "gcp", fastPolicy())

	fake.FailNext(10, fakes.GCPUnavailableError())
	_, _, err = a.Get(ctx, "K")
	var conn cverrors.StoreConnectionError
	require.ErrorAs(t, err, &conn)
	assert.Equal(t, 4, fake.Calls(), "one attempt plus three retries")
}

func TestAzureKeyVaultContract(t *testing.T) {
	t.Parallel()

	backend.RunContractTests(t, backend.ContractTest{
		CreateAdapter: func(t *testing.T) backend.Adapter {
			a, err := backends.NewAzureKeyVault(context.Background(),
				cfgFor("set-1", map[string]string{"vault_url": "https://test-vault.vault.azure.net"}),
				backends.WithAzureKeyVaultClient(fakes.NewFakeAzureKeyVaultClient()))
			require.NoError(t, err)
			return a
		},
	})
}

func TestAzureKeyVaultRequiresVaultURL(t *testing.T) {
	t.Parallel()

	_, err := backends.NewAzureKeyVault(context.Background(), cfgFor("s", nil),
		backends.WithAzureKeyVaultClient(fakes.NewFakeAzureKeyVaultClient()))
	var cfgErr cverrors.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestAzureKeyVaultPurgesOnDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	fake := fakes.NewFakeAzureKeyVaultClient()
	a, err := backends.NewAzureKeyVault(ctx,
		cfgFor("set-1", map[string]string{"vault_url": "https://test-vault.vault.azure.net"}),
		backends.WithAzureKeyVaultClient(fake))
	require.NoError(t, err)

	_, err = a.Put(ctx, "K", sealed("x"), nil)
	require.NoError(t, err)
	existed, err := a.Delete(ctx, "K")
	require.NoError(t, err)
	assert.True(t, existed)

	// A purged name can be written again immediately.
	_, err = a.Put(ctx, "K", sealed("y"), nil)
	require.NoError(t, err)

	status, err := a.TestConnection(ctx)
	require.NoError(t, err)
	assert.True(t, status.OK)
}
