package backends_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/systmms/cfgvault/internal/backends"
	"github.com/systmms/cfgvault/pkg/backend"
)

func TestKeyringContract(t *testing.T) {
	keyring.MockInit()

	backend.RunContractTests(t, backend.ContractTest{
		CreateAdapter: func(t *testing.T) backend.Adapter {
			k, err := backends.NewKeyring(context.Background(), backends.Config{Namespace: "set-" + t.Name()})
			require.NoError(t, err)
			return k
		},
		SkipList: true,
	})
}

func TestKeyringServiceIsPerSet(t *testing.T) {
	keyring.MockInit()
	ctx := context.Background()

	a, err := backends.NewKeyring(ctx, backends.Config{Namespace: "set-a"})
	require.NoError(t, err)
	b, err := backends.NewKeyring(ctx, backends.Config{Namespace: "set-b"})
	require.NoError(t, err)

	_, err = a.Put(ctx, "TOKEN", sealed("a"), nil)
	require.NoError(t, err)

	_, ok, err := b.Get(ctx, "TOKEN")
	require.NoError(t, err)
	assert.False(t, ok)

	doc, err := keyring.Get("cfgvault/set-a", "TOKEN")
	require.NoError(t, err)
	assert.Contains(t, doc, `"n":`)

	_, err = a.List(ctx, backend.ListOptions{})
	assert.ErrorIs(t, err, backend.ErrNotSupported)
	assert.False(t, a.SupportsVersioning())
}
