package resolve_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgvault/internal/crypto"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/internal/resolve"
	"github.com/systmms/cfgvault/tests/testutil"
)

type fixture struct {
	db     *repository.DB
	cipher *crypto.Cipher
	store  *model.Store
	r      *resolve.Resolver
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	c := testutil.NewTestCipher(t)
	return &fixture{db: db, cipher: c, store: testutil.SeedStore(t, db, "org-1"), r: resolve.New(db, c, nil, nil)}
}

func (f *fixture) put(t *testing.T, set *model.ConfigSet, key, raw string) {
	testutil.SeedValue(t, f.db, f.cipher, set, key, raw, model.KindString, false)
}

func TestResolveInheritanceAndProvenance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	org := testutil.SeedSet(t, f.db, f.store, "O")
	repo := testutil.SeedSet(t, f.db, f.store, "R", testutil.WithParent(org), testutil.AsRepository("repo-1"))
	f.put(t, org, "KEY", "base")
	f.put(t, org, "ONLY_ORG", "o")

	res, err := f.r.Resolve(ctx, repo.ID, resolve.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{org.ID, repo.ID}, res.Chain)
	assert.Equal(t, "base", res.Values["KEY"].Value)
	assert.Equal(t, org.ID, res.Values["KEY"].DefiningSetID)

	f.put(t, repo, "KEY", "child")

	res, err = f.r.Resolve(ctx, repo.ID, resolve.Options{})
	require.NoError(t, err)
	assert.Equal(t, "child", res.Values["KEY"].Value)
	assert.Equal(t, repo.ID, res.Values["KEY"].DefiningSetID)
	assert.Equal(t, "o", res.Values["ONLY_ORG"].Value)
	assert.Equal(t, []string{"KEY", "ONLY_ORG"}, res.Keys())

	parent, err := f.r.Resolve(ctx, org.ID, resolve.Options{})
	require.NoError(t, err)
	assert.Equal(t, "base", parent.Values["KEY"].Value)
	assert.Equal(t, map[string]string{"KEY": "base", "ONLY_ORG": "o"}, parent.Map())
}

func TestResolveDeepChainLeafWins(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	var sets []*model.ConfigSet
	prev := testutil.SeedSet(t, f.db, f.store, "level-0")
	sets = append(sets, prev)
	for i := 1; i < 6; i++ {
		prev = testutil.SeedSet(t, f.db, f.store, "level", testutil.WithParent(prev))
		sets = append(sets, prev)
	}
	for i, s := range sets {
		f.put(t, s, "DEPTH", string(rune('0'+i)))
		f.put(t, s, "K"+string(rune('0'+i)), "v")
	}

	res, err := f.r.Resolve(context.Background(), sets[5].ID, resolve.Options{})
	require.NoError(t, err)
	assert.Equal(t, "5", res.Values["DEPTH"].Value)
	assert.Len(t, res.Values, 7, "every key defined anywhere in the chain is present")
	for i, s := range sets {
		assert.Equal(t, s.ID, res.Values["K"+string(rune('0'+i))].DefiningSetID)
	}
}

func TestResolveSecretHandling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	set := testutil.SeedSet(t, f.db, f.store, "app")
	f.put(t, set, "HOST", "db.internal")
	testutil.SeedValue(t, f.db, f.cipher, set, "PASSWORD", "hunter2", model.KindSecret, false)
	testutil.SeedValue(t, f.db, f.cipher, set, "TOKEN", "abc", model.KindString, true)

	omitted, err := f.r.Resolve(ctx, set.ID, resolve.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"HOST"}, omitted.Keys())

	masked, err := f.r.Resolve(ctx, set.ID, resolve.Options{IncludeSecrets: true, MaskSecrets: true})
	require.NoError(t, err)
	require.Contains(t, masked.Values, "PASSWORD")
	pw := masked.Values["PASSWORD"]
	assert.Equal(t, resolve.Mask, pw.Value)
	assert.True(t, pw.Masked)
	assert.Equal(t, model.KindSecret, pw.Kind)
	assert.Equal(t, set.ID, pw.DefiningSetID)
	assert.Equal(t, resolve.Mask, masked.Values["TOKEN"].Value)
	assert.Equal(t, "db.internal", masked.Values["HOST"].Value)

	full, err := f.r.Resolve(ctx, set.ID, resolve.Options{IncludeSecrets: true})
	require.NoError(t, err)
	assert.Equal(t, "hunter2", full.Values["PASSWORD"].Value)
	assert.Equal(t, "abc", full.Values["TOKEN"].Value)
	assert.True(t, full.Values["TOKEN"].IsSecret)
}

func TestResolveDetectsCyclesAndMissingSets(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	a := testutil.SeedSet(t, f.db, f.store, "a")
	b := testutil.SeedSet(t, f.db, f.store, "b", testutil.WithParent(a))
	// Corrupt the graph underneath the service layer.
	require.NoError(t, f.db.Queries().UpdateSetParent(ctx, a.ID, b.ID, 0, a.UpdatedAt))

	_, err := f.r.Resolve(ctx, b.ID, resolve.Options{})
	var cyc cverrors.CycleError
	require.ErrorAs(t, err, &cyc)

	_, err = f.r.Resolve(ctx, "missing", resolve.Options{})
	assert.True(t, cverrors.IsNotFound(err))
}

func TestResolveWrongKeyIsDecryptionError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	set := testutil.SeedSet(t, f.db, f.store, "app")
	f.put(t, set, "K", "v")

	other := resolve.New(f.db, testutil.NewTestCipher(t), nil, nil)
	_, err := other.Resolve(context.Background(), set.ID, resolve.Options{})
	var dec cverrors.DecryptionError
	assert.ErrorAs(t, err, &dec)
}

func TestCompare(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	a := testutil.SeedSet(t, f.db, f.store, "staging")
	b := testutil.SeedSet(t, f.db, f.store, "production")
	f.put(t, a, "SAME", "1")
	f.put(t, b, "SAME", "1")
	f.put(t, a, "GONE", "x")
	f.put(t, b, "NEW", "y")
	f.put(t, a, "URL", "http://staging")
	f.put(t, b, "URL", "http://prod")
	testutil.SeedValue(t, f.db, f.cipher, a, "PW", "one", model.KindSecret, false)
	testutil.SeedValue(t, f.db, f.cipher, b, "PW", "two", model.KindSecret, false)

	d, err := f.r.Compare(context.Background(), a.ID, b.ID)
	require.NoError(t, err)

	require.Len(t, d.Added, 1)
	assert.Equal(t, "NEW", d.Added[0].Key)
	require.Len(t, d.Removed, 1)
	assert.Equal(t, "GONE", d.Removed[0].Key)
	require.Len(t, d.Unchanged, 1)
	assert.Equal(t, "SAME", d.Unchanged[0].Key)

	require.Len(t, d.Changed, 2)
	assert.Equal(t, "PW", d.Changed[0].Key)
	assert.Equal(t, resolve.Mask, d.Changed[0].Old)
	assert.Equal(t, resolve.Mask, d.Changed[0].New)
	assert.True(t, d.Changed[0].Secret)
	assert.Equal(t, resolve.KeyDiff{Key: "URL", Change: resolve.Changed, Old: "http://staging", New: "http://prod"}, d.Changed[1])
}

func TestCloneCopiesOwnValuesOnly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	parent := testutil.SeedSet(t, f.db, f.store, "base")
	src := testutil.SeedSet(t, f.db, f.store, "staging", testutil.WithParent(parent))
	f.put(t, parent, "INHERITED", "p")
	f.put(t, src, "OWN", "s")
	testutil.SeedValue(t, f.db, f.cipher, src, "PW", "secret", model.KindSecret, false)
	// Bump OWN so the source is past version 1.
	own := mustValue(t, f, src.ID, "OWN")
	require.NoError(t, f.db.Queries().UpdateValueCAS(ctx, own, 1))

	clone, err := f.r.Clone(ctx, resolve.CloneRequest{SourceSetID: src.ID, Name: "preview", Environment: "pr-42", Actor: "ci"})
	require.NoError(t, err)
	assert.NotEqual(t, src.ID, clone.ID)
	assert.Equal(t, model.ScopeEnvironment, clone.Scope)
	assert.Equal(t, "pr-42", clone.Environment)
	assert.Equal(t, parent.ID, clone.ParentSetID)

	values, err := f.db.Queries().ListValues(ctx, clone.ID)
	require.NoError(t, err)
	require.Len(t, values, 2)
	for _, v := range values {
		assert.Equal(t, int64(1), v.Version, "clone restarts versions")
		hist, err := f.db.Queries().ListHistory(ctx, clone.ID, v.Key, 0)
		require.NoError(t, err)
		require.Len(t, hist, 1)
		assert.Equal(t, model.ChangeCreate, hist[0].ChangeType)
		assert.Equal(t, "ci", hist[0].Actor)
	}

	res, err := f.r.Resolve(ctx, clone.ID, resolve.Options{IncludeSecrets: true})
	require.NoError(t, err)
	assert.Equal(t, "s", res.Values["OWN"].Value)
	assert.Equal(t, "secret", res.Values["PW"].Value)
	assert.Equal(t, parent.ID, res.Values["INHERITED"].DefiningSetID)

	_, err = f.r.Clone(ctx, resolve.CloneRequest{SourceSetID: src.ID})
	var userErr cverrors.UserError
	assert.ErrorAs(t, err, &userErr)
}

func mustValue(t *testing.T, f *fixture, setID, key string) *model.ConfigValue {
	t.Helper()
	v, err := f.db.Queries().GetValue(context.Background(), setID, key)
	require.NoError(t, err)
	return v
}
