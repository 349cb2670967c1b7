package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/tests/testutil"
)

func newValue(setID, key string, version int64) *model.ConfigValue {
	now := time.Now().UTC()
	return &model.ConfigValue{
		ID:         uuid.NewString(),
		SetID:      setID,
		Key:        key,
		Kind:       model.KindString,
		Ciphertext: []byte("ct"),
		Nonce:      []byte("nonce-12byte"),
		Version:    version,
		UpdatedBy:  "tester",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := repository.Open("oracle", "x")
	var cfgErr cverrors.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestMigrateIsIdempotent(t *testing.T) {
	t.Parallel()

	db := testutil.NewTestDB(t)
	assert.NoError(t, db.Migrate(context.Background()))
	assert.Equal(t, repository.DialectSQLite, db.Dialect())
}

func TestSetRoundTripAndNotFound(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testutil.NewTestDB(t)
	store := testutil.SeedStore(t, db, "org-1")
	set := testutil.SeedSet(t, db, store, "base")

	got, err := db.Queries().GetSet(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, "base", got.Name)
	assert.True(t, got.IsActive)
	assert.False(t, got.IsLocked)

	_, err = db.Queries().GetSet(ctx, "missing")
	assert.True(t, cverrors.IsNotFound(err))

	require.NoError(t, db.Queries().UpdateSetFlags(ctx, set.ID, false, true, time.Now().UTC()))
	got, err = db.Queries().GetSet(ctx, set.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.True(t, got.IsLocked)

	active, err := db.Queries().ListSets(ctx, repository.SetFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := db.Queries().ListSets(ctx, repository.SetFilter{OrganizationID: "org-1", IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestChainFrom(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testutil.NewTestDB(t)
	store := testutil.SeedStore(t, db, "org-1")
	root := testutil.SeedSet(t, db, store, "root")
	mid := testutil.SeedSet(t, db, store, "mid", testutil.WithParent(root))
	leaf := testutil.SeedSet(t, db, store, "leaf", testutil.WithParent(mid))

	chain, err := db.Queries().ChainFrom(ctx, leaf.ID, 0)
	require.NoError(t, err)
	require.Len(t, chain, 3)
	assert.Equal(t, []string{leaf.ID, mid.ID, root.ID}, []string{chain[0].ID, chain[1].ID, chain[2].ID})

	// Force a cycle underneath the service layer and make sure the walk stops.
	require.NoError(t, db.Queries().UpdateSetParent(ctx, root.ID, leaf.ID, 3, time.Now().UTC()))
	_, err = db.Queries().ChainFrom(ctx, leaf.ID, 0)
	var cyc cverrors.CycleError
	assert.True(t, errors.As(err, &cyc))

	_, err = db.Queries().ChainFrom(ctx, mid.ID, 1)
	assert.True(t, errors.As(err, &cyc), "depth bound")
}

func TestValueCompareAndIncrement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testutil.NewTestDB(t)
	store := testutil.SeedStore(t, db, "org-1")
	set := testutil.SeedSet(t, db, store, "app")
	q := db.Queries()

	v := newValue(set.ID, "PORT", 1)
	require.NoError(t, q.InsertValue(ctx, v))

	dup := newValue(set.ID, "PORT", 1)
	assert.ErrorIs(t, q.InsertValue(ctx, dup), repository.ErrConflict)

	v.Ciphertext = []byte("ct2")
	require.NoError(t, q.UpdateValueCAS(ctx, v, 1))
	assert.ErrorIs(t, q.UpdateValueCAS(ctx, v, 1), repository.ErrConflict, "stale version")

	got, err := q.GetValue(ctx, set.ID, "PORT")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, []byte("ct2"), got.Ciphertext)

	assert.ErrorIs(t, q.DeleteValueCAS(ctx, v.ID, 1), repository.ErrConflict)
	require.NoError(t, q.DeleteValueCAS(ctx, v.ID, 2))
	_, err = q.GetValue(ctx, set.ID, "PORT")
	assert.True(t, cverrors.IsNotFound(err))
}

func TestHistoryIsOrderedAndUnique(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testutil.NewTestDB(t)
	store := testutil.SeedStore(t, db, "org-1")
	set := testutil.SeedSet(t, db, store, "app")
	q := db.Queries()

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.AppendHistory(ctx, &model.HistoryEntry{
			ID: uuid.NewString(), SetID: set.ID, Key: "K", Kind: model.KindString,
			ChangeType: model.ChangeUpdate, NewCiphertext: []byte("x"), NewNonce: []byte("n"),
			PrevVersion: i - 1, NewVersion: i, Actor: "a", RequestMeta: model.Attributes{"ip": "127.0.0.1"},
			CreatedAt: time.Now().UTC(),
		}))
	}

	err := q.AppendHistory(ctx, &model.HistoryEntry{
		ID: uuid.NewString(), SetID: set.ID, Key: "K", ChangeType: model.ChangeUpdate,
		PrevVersion: 2, NewVersion: 3, Actor: "b", CreatedAt: time.Now().UTC(),
	})
	assert.ErrorIs(t, err, repository.ErrConflict)

	entries, err := q.ListHistory(ctx, set.ID, "K", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].NewVersion)
	assert.Equal(t, int64(2), entries[1].NewVersion)
	assert.Equal(t, "127.0.0.1", entries[0].RequestMeta["ip"])

	last, err := q.LastVersion(ctx, set.ID, "K")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last)

	none, err := q.LastVersion(ctx, set.ID, "NOPE")
	require.NoError(t, err)
	assert.Zero(t, none)

	h, err := q.GetHistoryVersion(ctx, set.ID, "K", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.PrevVersion)
}

func TestListValuesPage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testutil.NewTestDB(t)
	store := testutil.SeedStore(t, db, "org-1")
	set := testutil.SeedSet(t, db, store, "app")
	q := db.Queries()

	for _, k := range []string{"DB_HOST", "DB_PORT", "DB_USER", "LOG_LEVEL"} {
		require.NoError(t, q.InsertValue(ctx, newValue(set.ID, k, 1)))
	}

	page, err := q.ListValuesPage(ctx, set.ID, repository.ValuePage{Prefix: "DB_", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "DB_PORT", page[1].Key)

	next, err := q.ListValuesPage(ctx, set.ID, repository.ValuePage{Prefix: "DB_", AfterKey: "DB_PORT", Limit: 2})
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, "DB_USER", next[0].Key)
}

func TestTokenQueries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testutil.NewTestDB(t)
	q := db.Queries()
	exp := time.Now().UTC().Add(time.Hour)

	tok := &model.AccessToken{
		ID: uuid.NewString(), Name: "ci", Prefix: "cfv_abcdefgh", Hash: "deadbeef",
		Permission: model.PermissionRead, SetID: "set-1", AllowedSetIDs: model.StringList{"set-2"},
		ExpiresAt: &exp, IsActive: true, CreatedBy: "alice", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, q.InsertToken(ctx, tok))

	got, err := q.GetTokenByHash(ctx, "deadbeef")
	require.NoError(t, err)
	assert.Equal(t, model.StringList{"set-2"}, got.AllowedSetIDs)
	require.NotNil(t, got.ExpiresAt)
	assert.Nil(t, got.LastUsedAt)

	require.NoError(t, q.TouchToken(ctx, tok.ID, time.Now().UTC()))
	require.NoError(t, q.TouchToken(ctx, tok.ID, time.Now().UTC()))
	got, err = q.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.UsageCount)
	assert.NotNil(t, got.LastUsedAt)

	require.NoError(t, q.RevokeToken(ctx, tok.ID))
	got, err = q.GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)

	assert.True(t, cverrors.IsNotFound(q.RevokeToken(ctx, "nope")))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testutil.NewTestDB(t)
	store := testutil.SeedStore(t, db, "org-1")
	set := testutil.SeedSet(t, db, store, "app")

	boom := errors.New("boom")
	err := db.WithTx(ctx, func(q *repository.Queries) error {
		require.NoError(t, q.InsertValue(ctx, newValue(set.ID, "A", 1)))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = db.Queries().GetValue(ctx, set.ID, "A")
	assert.True(t, cverrors.IsNotFound(err))

	err = db.Snapshot(ctx, func(q *repository.Queries) error {
		_, err := q.GetSet(ctx, set.ID)
		return err
	})
	assert.NoError(t, err)
}
