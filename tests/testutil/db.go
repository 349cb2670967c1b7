package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgvault/internal/crypto"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
)

// NewTestDB opens a private in-memory SQLite database with all tables created.
// Each call gets its own database; it is closed when the test ends.
func NewTestDB(t *testing.T) *repository.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%s?mode=memory&cache=shared", name, uuid.NewString()[:8])

	db, err := repository.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Migrate(context.Background()))
	return db
}

// NewTestCipher returns a cipher over a fresh random master key.
func NewTestCipher(t *testing.T) *crypto.Cipher {
	t.Helper()

	key, err := crypto.GenerateMasterKey()
	require.NoError(t, err)
	c, err := crypto.NewCipher(key)
	require.NoError(t, err)
	return c
}

// SeedStore inserts a builtin store for organization orgID.
func SeedStore(t *testing.T, db *repository.DB, orgID string) *model.Store {
	t.Helper()

	now := time.Now().UTC()
	s := &model.Store{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           "local-" + uuid.NewString()[:6],
		Type:           "builtin",
		Settings:       model.Attributes{},
		IsDefault:      true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, db.Queries().InsertStore(context.Background(), s))
	return s
}

// SetOption customizes SeedSet.
type SetOption func(*model.ConfigSet)

// WithParent links the seeded set under parent.
func WithParent(parent *model.ConfigSet) SetOption {
	return func(s *model.ConfigSet) {
		s.ParentSetID = parent.ID
		s.HierarchyRank = parent.HierarchyRank + 1
	}
}

// AsRepository makes the seeded set repository-scoped.
func AsRepository(repoID string) SetOption {
	return func(s *model.ConfigSet) {
		s.Scope = model.ScopeRepository
		s.OrganizationID = ""
		s.RepositoryID = repoID
	}
}

// WithSchema binds a schema id to the seeded set.
func WithSchema(schemaID string) SetOption {
	return func(s *model.ConfigSet) { s.SchemaID = schemaID }
}

// SeedSet inserts an active organization-scoped set on store.
func SeedSet(t *testing.T, db *repository.DB, store *model.Store, name string, opts ...SetOption) *model.ConfigSet {
	t.Helper()

	now := time.Now().UTC()
	s := &model.ConfigSet{
		ID:             uuid.NewString(),
		Name:           name,
		Scope:          model.ScopeOrganization,
		OrganizationID: store.OrganizationID,
		StoreID:        store.ID,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	for _, opt := range opts {
		opt(s)
	}
	require.NoError(t, s.Validate())
	require.NoError(t, db.Queries().InsertSet(context.Background(), s))
	return s
}

// SeedValue writes version 1 of key in set, sealed with the set's tenant key.
// Kind secret (or secret=true) marks the value as a secret.
func SeedValue(t *testing.T, db *repository.DB, c *crypto.Cipher, set *model.ConfigSet, key, raw string, kind model.Kind, secret bool) *model.ConfigValue {
	t.Helper()

	ctx := context.Background()
	ct, nonce, err := c.EncryptString(raw, set.Tenant())
	require.NoError(t, err)

	now := time.Now().UTC()
	v := &model.ConfigValue{
		ID:         uuid.NewString(),
		SetID:      set.ID,
		Key:        key,
		Kind:       kind,
		Ciphertext: ct,
		Nonce:      nonce,
		IsSecret:   secret || kind == model.KindSecret,
		Version:    1,
		UpdatedBy:  "seed",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, db.Queries().InsertValue(ctx, v))
	require.NoError(t, db.Queries().AppendHistory(ctx, &model.HistoryEntry{
		ID:            uuid.NewString(),
		SetID:         set.ID,
		Key:           key,
		Kind:          kind,
		IsSecret:      v.IsSecret,
		ChangeType:    model.ChangeCreate,
		NewCiphertext: ct,
		NewNonce:      nonce,
		NewVersion:    1,
		Actor:         "seed",
		CreatedAt:     now,
	}))
	return v
}

// SeedExternalStore inserts a non-default store of backendType for orgID,
// without credentials.
func SeedExternalStore(t *testing.T, db *repository.DB, orgID, backendType string) *model.Store {
	t.Helper()

	now := time.Now().UTC()
	s := &model.Store{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           backendType + "-" + uuid.NewString()[:6],
		Type:           backendType,
		Settings:       model.Attributes{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, db.Queries().InsertStore(context.Background(), s))
	return s
}
