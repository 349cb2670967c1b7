package sets_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgvault/internal/audit"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/internal/sets"
	"github.com/systmms/cfgvault/tests/fakes"
	"github.com/systmms/cfgvault/tests/testutil"
)

func newService(t *testing.T) (*sets.Service, *repository.DB, *fakes.RecordingSink) {
	t.Helper()
	db := testutil.NewTestDB(t)
	sink := fakes.NewRecordingSink()
	return sets.NewService(db, audit.NewRecorder(sink, nil)), db, sink
}

func TestCreateUsesDefaultStoreAndParentRank(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, _ := newService(t)
	store := testutil.SeedStore(t, db, "org-1")

	org, err := svc.Create(ctx, sets.CreateRequest{Name: "shared", OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, store.ID, org.StoreID)
	assert.Equal(t, model.ScopeOrganization, org.Scope)
	assert.True(t, org.IsActive)
	assert.Equal(t, 0, org.HierarchyRank)

	env, err := svc.Create(ctx, sets.CreateRequest{
		Name:           "prod",
		Scope:          model.ScopeEnvironment,
		Environment:    "production",
		OrganizationID: "org-1",
		ParentSetID:    org.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, env.HierarchyRank)

	got, err := svc.Get(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, org.ID, got.ParentSetID)
}

func TestCreateRejectsInvalidSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, _ := newService(t)
	store := testutil.SeedStore(t, db, "org-1")

	_, err := svc.Create(ctx, sets.CreateRequest{Name: "x", OrganizationID: "org-2"})
	var userErr cverrors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Message, "no default store")

	_, err = svc.Create(ctx, sets.CreateRequest{Name: "x", OrganizationID: "org-1", RepositoryID: "r", StoreID: store.ID})
	assert.ErrorAs(t, err, &userErr)

	other := testutil.SeedStore(t, db, "org-9")
	_, err = svc.Create(ctx, sets.CreateRequest{Name: "x", OrganizationID: "org-1", StoreID: other.ID})
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Message, "another organization")

	_, err = svc.Create(ctx, sets.CreateRequest{Name: "x", OrganizationID: "org-1", ParentSetID: "nope"})
	assert.True(t, cverrors.IsNotFound(err))

	_, err = svc.Create(ctx, sets.CreateRequest{Name: "x", OrganizationID: "org-1", SchemaID: "nope"})
	assert.True(t, cverrors.IsNotFound(err))
}

func TestSetParentRejectsCyclesAtomically(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, sink := newService(t)
	store := testutil.SeedStore(t, db, "org-1")

	root := testutil.SeedSet(t, db, store, "root")
	mid := testutil.SeedSet(t, db, store, "mid", testutil.WithParent(root))
	leaf := testutil.SeedSet(t, db, store, "leaf", testutil.WithParent(mid))

	tests := []struct {
		name   string
		id     string
		parent string
	}{
		{name: "self", id: root.ID, parent: root.ID},
		{name: "child", id: root.ID, parent: mid.ID},
		{name: "grandchild", id: root.ID, parent: leaf.ID},
		{name: "mid under leaf", id: mid.ID, parent: leaf.ID},
	}
	for _, tt := range tests {
		before, err := svc.Get(ctx, tt.id)
		require.NoError(t, err)

		err = svc.SetParent(ctx, tt.id, tt.parent, "alice")
		var cyc cverrors.CycleError
		require.ErrorAs(t, err, &cyc, tt.name)
		assert.Equal(t, tt.id, cyc.SetID)
		assert.Equal(t, tt.parent, cyc.ParentID)

		after, err := svc.Get(ctx, tt.id)
		require.NoError(t, err)
		assert.Equal(t, before.ParentSetID, after.ParentSetID, "%s: parent unchanged", tt.name)
	}

	failures := sink.ByAction(audit.ActionSetParent)
	require.Len(t, failures, len(tests))
	assert.False(t, failures[0].Success)
}

func TestSetParentRecomputesDescendantRanks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, sink := newService(t)
	store := testutil.SeedStore(t, db, "org-1")

	top := testutil.SeedSet(t, db, store, "top")
	a := testutil.SeedSet(t, db, store, "a")
	b := testutil.SeedSet(t, db, store, "b", testutil.WithParent(a))
	c := testutil.SeedSet(t, db, store, "c", testutil.WithParent(b))

	require.NoError(t, svc.SetParent(ctx, a.ID, top.ID, "alice"))
	for id, want := range map[string]int{a.ID: 1, b.ID: 2, c.ID: 3} {
		got, err := svc.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.HierarchyRank)
	}

	require.NoError(t, svc.SetParent(ctx, b.ID, "", "alice"))
	got, err := svc.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.HierarchyRank)
	detached, err := svc.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Empty(t, detached.ParentSetID)

	events := sink.ByAction(audit.ActionSetParent)
	require.Len(t, events, 2)
	assert.True(t, events[0].Success)
	assert.Equal(t, top.ID, events[0].Meta["parent"])
}

func TestSetParentKeepsEveryChainResolvable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, _ := newService(t)
	testutil.SeedStore(t, db, "org-1")

	line := func(prefix string, n int) []*model.ConfigSet {
		out := make([]*model.ConfigSet, 0, n)
		parent := ""
		for i := 0; i < n; i++ {
			set, err := svc.Create(ctx, sets.CreateRequest{
				Name:           fmt.Sprintf("%s-%02d", prefix, i),
				OrganizationID: "org-1",
				ParentSetID:    parent,
			})
			require.NoError(t, err)
			out = append(out, set)
			parent = set.ID
		}
		return out
	}
	upper := line("upper", 20)
	lower := line("lower", 20)

	// 20 ancestors plus a subtree 20 deep exceeds the chain limit.
	err := svc.SetParent(ctx, lower[0].ID, upper[19].ID, "alice")
	var cyc cverrors.CycleError
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, repository.MaxChainDepth, cyc.Limit)
	assert.Equal(t, upper[19].ID, cyc.ParentID)
	assert.Contains(t, err.Error(), "deeper than 32 levels")

	got, err := svc.Get(ctx, lower[0].ID)
	require.NoError(t, err)
	assert.Empty(t, got.ParentSetID, "rejected edit leaves the parent unchanged")
	chain, err := db.Queries().ChainFrom(ctx, lower[19].ID, 0)
	require.NoError(t, err)
	assert.Len(t, chain, 20)

	// 12 ancestors plus 20 levels fills the limit exactly and still resolves.
	require.NoError(t, svc.SetParent(ctx, lower[0].ID, upper[11].ID, "alice"))
	chain, err = db.Queries().ChainFrom(ctx, lower[19].ID, 0)
	require.NoError(t, err)
	assert.Len(t, chain, repository.MaxChainDepth)
	leaf, err := svc.Get(ctx, lower[19].ID)
	require.NoError(t, err)
	assert.Equal(t, repository.MaxChainDepth-1, leaf.HierarchyRank)

	_, err = svc.Create(ctx, sets.CreateRequest{Name: "too-deep", OrganizationID: "org-1", ParentSetID: leaf.ID})
	require.ErrorAs(t, err, &cyc)
	assert.Equal(t, repository.MaxChainDepth, cyc.Limit)
}

func TestLockAndArchiveAreOrthogonal(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, sink := newService(t)
	store := testutil.SeedStore(t, db, "org-1")
	set := testutil.SeedSet(t, db, store, "app")

	require.NoError(t, svc.Lock(ctx, set.ID, "admin"))
	require.NoError(t, svc.Archive(ctx, set.ID, "admin"))
	got, err := svc.Get(ctx, set.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLocked)
	assert.False(t, got.IsActive)
	assert.ErrorContains(t, sets.CheckWritable(got, true), "archived")

	require.NoError(t, svc.Restore(ctx, set.ID, "admin"))
	got, err = svc.Get(ctx, set.ID)
	require.NoError(t, err)
	assert.True(t, got.IsLocked, "restore keeps the lock")
	assert.True(t, got.IsActive)
	assert.True(t, cverrors.IsPermission(sets.CheckWritable(got, false)))
	assert.NoError(t, sets.CheckWritable(got, true), "admin override bypasses the lock")

	require.NoError(t, svc.Unlock(ctx, set.ID, "admin"))
	got, err = svc.Get(ctx, set.ID)
	require.NoError(t, err)
	assert.NoError(t, sets.CheckWritable(got, false))

	listed, err := svc.List(ctx, repository.SetFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	assert.Len(t, sink.ByAction(audit.ActionSetLock), 2)
	assert.Len(t, sink.ByAction(audit.ActionSetArchive), 2)
	assert.True(t, cverrors.IsNotFound(svc.Lock(ctx, "missing", "admin")))
}

func TestRenameAndBindSchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, _ := newService(t)
	store := testutil.SeedStore(t, db, "org-1")
	set := testutil.SeedSet(t, db, store, "app")

	require.NoError(t, svc.Rename(ctx, set.ID, "service"))
	var userErr cverrors.UserError
	assert.ErrorAs(t, svc.Rename(ctx, set.ID, ""), &userErr)
	assert.True(t, cverrors.IsNotFound(svc.BindSchema(ctx, set.ID, "missing")))

	schema := &model.Schema{ID: "schema-1", Name: "app", Version: 1, OrganizationID: "org-1"}
	require.NoError(t, db.Queries().InsertSchema(ctx, schema))
	require.NoError(t, svc.BindSchema(ctx, set.ID, schema.ID))

	got, err := svc.Get(ctx, set.ID)
	require.NoError(t, err)
	assert.Equal(t, "service", got.Name)
	assert.Equal(t, "schema-1", got.SchemaID)
}
