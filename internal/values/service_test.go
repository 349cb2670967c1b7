package values_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgvault/internal/audit"
	"github.com/systmms/cfgvault/internal/backends"
	"github.com/systmms/cfgvault/internal/crypto"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/internal/values"
	"github.com/systmms/cfgvault/pkg/backend"
	"github.com/systmms/cfgvault/tests/fakes"
	"github.com/systmms/cfgvault/tests/testutil"
)

type fixture struct {
	db     *repository.DB
	cipher *crypto.Cipher
	sink   *fakes.RecordingSink
	set    *model.ConfigSet
	svc    *values.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	c := testutil.NewTestCipher(t)
	sink := fakes.NewRecordingSink()
	store := testutil.SeedStore(t, db, "org-1")
	return &fixture{
		db:     db,
		cipher: c,
		sink:   sink,
		set:    testutil.SeedSet(t, db, store, "app"),
		svc:    values.NewService(db, c, nil, audit.NewRecorder(sink, nil)),
	}
}

func (f *fixture) plaintext(t *testing.T, key string) string {
	t.Helper()
	v, err := f.db.Queries().GetValue(context.Background(), f.set.ID, key)
	require.NoError(t, err)
	plain, err := f.cipher.DecryptString(v.Ciphertext, v.Nonce, f.set.Tenant())
	require.NoError(t, err)
	return plain
}

func TestValidKey(t *testing.T) {
	t.Parallel()

	for _, k := range []string{"A", "_x", "DATABASE_URL", "app.port", "feature-flag"} {
		assert.True(t, values.ValidKey(k), k)
	}
	for _, k := range []string{"", "1ABC", "has space", "a=b", "ключ"} {
		assert.False(t, values.ValidKey(k), k)
	}
}

func TestPutIncrementsVersionAndAppendsHistory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	for i, raw := range []string{"one", "two", "three"} {
		v, err := f.svc.Put(ctx, f.set.ID, values.Entry{Key: "NAME", Value: raw}, "alice", values.WriteOptions{
			Reason:      "step",
			RequestMeta: map[string]string{"ip": "10.0.0.1"},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(i+1), v.Version)
		assert.Equal(t, model.KindString, v.Kind)
		assert.NotContains(t, string(v.Ciphertext), raw)
	}
	assert.Equal(t, "three", f.plaintext(t, "NAME"))

	hist, err := f.svc.History(ctx, f.set.ID, "NAME", 0)
	require.NoError(t, err)
	require.Len(t, hist, 3)
	for i, h := range hist {
		assert.Equal(t, int64(3-i), h.NewVersion)
		assert.Equal(t, h.NewVersion-1, h.PrevVersion)
		assert.Equal(t, "alice", h.Actor)
		assert.Equal(t, "step", h.Reason)
		assert.Equal(t, "10.0.0.1", h.RequestMeta["ip"])
	}
	assert.Equal(t, model.ChangeCreate, hist[2].ChangeType)
	assert.Equal(t, model.ChangeUpdate, hist[0].ChangeType)

	limited, err := f.svc.History(ctx, f.set.ID, "NAME", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	events := f.sink.ByAction(audit.ActionValuePut)
	require.Len(t, events, 3)
	assert.True(t, events[2].Success)
	assert.Equal(t, "3", events[2].Meta["version"])
}

func TestConcurrentPutsProduceGaplessVersions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	const writers, each = 6, 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*each)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				if _, err := f.svc.Put(ctx, f.set.ID, values.Entry{Key: "COUNTER", Value: "x"}, "w", values.WriteOptions{}); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	hist, err := f.svc.History(ctx, f.set.ID, "COUNTER", 0)
	require.NoError(t, err)
	require.Len(t, hist, writers*each)
	seen := map[int64]bool{}
	for _, h := range hist {
		assert.False(t, seen[h.NewVersion], "version %d written twice", h.NewVersion)
		seen[h.NewVersion] = true
	}
	v, err := f.db.Queries().GetValue(ctx, f.set.ID, "COUNTER")
	require.NoError(t, err)
	assert.Equal(t, int64(writers*each), v.Version)
}

func TestWritePolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	q := f.db.Queries()
	entry := values.Entry{Key: "K", Value: "v"}

	require.NoError(t, q.UpdateSetFlags(ctx, f.set.ID, true, true, time.Now()))
	_, err := f.svc.Put(ctx, f.set.ID, entry, "bob", values.WriteOptions{})
	assert.True(t, cverrors.IsPermission(err))

	_, err = f.svc.Put(ctx, f.set.ID, entry, "admin", values.WriteOptions{AdminOverride: true})
	require.NoError(t, err)

	require.NoError(t, q.UpdateSetFlags(ctx, f.set.ID, false, false, time.Now()))
	_, err = f.svc.Put(ctx, f.set.ID, entry, "admin", values.WriteOptions{AdminOverride: true})
	assert.True(t, cverrors.IsPermission(err), "archived sets reject writes even with an override")
	assert.True(t, cverrors.IsPermission(f.svc.Delete(ctx, f.set.ID, "K", "admin", values.WriteOptions{AdminOverride: true})))

	events := f.sink.ByAction(audit.ActionValuePut)
	require.Len(t, events, 3)
	assert.False(t, events[0].Success)
	assert.Contains(t, events[0].Error, "locked")
	assert.Equal(t, "true", events[1].Meta["admin_override"])

	_, err = f.svc.Put(ctx, "missing", entry, "bob", values.WriteOptions{})
	assert.True(t, cverrors.IsNotFound(err))
}

func TestPutChecksKindsAndSchema(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	schema := &model.Schema{ID: "s-1", Name: "app", Version: 1, OrganizationID: "org-1", Keys: model.KeyDefs{
		{Name: "PORT", Kind: model.KindNumber},
		{Name: "API_KEY", Kind: model.KindSecret},
	}}
	require.NoError(t, f.db.Queries().InsertSchema(ctx, schema))
	require.NoError(t, f.db.Queries().UpdateSetAttributes(ctx, f.set.ID, f.set.Name, schema.ID, time.Now()))

	var valErr cverrors.ValidationError
	_, err := f.svc.Put(ctx, f.set.ID, values.Entry{Key: "PORT", Value: "abc"}, "a", values.WriteOptions{})
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "PORT", valErr.Violations[0].Key)

	_, err = f.svc.Put(ctx, f.set.ID, values.Entry{Key: "PORT", Value: "80", Kind: model.KindString}, "a", values.WriteOptions{})
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Violations[0].Message, "declared as number")

	v, err := f.svc.Put(ctx, f.set.ID, values.Entry{Key: "PORT", Value: "8080"}, "a", values.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.KindNumber, v.Kind)

	v, err = f.svc.Put(ctx, f.set.ID, values.Entry{Key: "API_KEY", Value: "sk"}, "a", values.WriteOptions{})
	require.NoError(t, err)
	assert.True(t, v.IsSecret)

	v, err = f.svc.Put(ctx, f.set.ID, values.Entry{Key: "LIMITS", Value: "{ \"a\" : [1, 2] }", Kind: model.KindJSON}, "a", values.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, model.KindJSON, v.Kind)
	assert.Equal(t, `{"a":[1,2]}`, f.plaintext(t, "LIMITS"))

	var userErr cverrors.UserError
	_, err = f.svc.Put(ctx, f.set.ID, values.Entry{Key: "bad key", Value: "x"}, "a", values.WriteOptions{})
	assert.ErrorAs(t, err, &userErr)
	_, err = f.svc.Put(ctx, f.set.ID, values.Entry{Key: "K", Value: "x", Kind: "blob"}, "a", values.WriteOptions{})
	assert.ErrorAs(t, err, &userErr)
	_, err = f.svc.Put(ctx, f.set.ID, values.Entry{Key: "FLAG", Value: "maybe", Kind: model.KindBoolean}, "a", values.WriteOptions{})
	assert.ErrorAs(t, err, &valErr)
}

func TestBulkPutIsPartial(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	res := f.svc.BulkPut(ctx, f.set.ID, []values.Entry{
		{Key: "GOOD", Value: "1", Kind: model.KindNumber},
		{Key: "not valid", Value: "x"},
		{Key: "NUM", Value: "one", Kind: model.KindNumber},
		{Key: "ALSO_GOOD", Value: "true", Kind: model.KindBoolean},
	}, "ci", values.WriteOptions{})

	require.Len(t, res.Succeeded, 2)
	assert.Equal(t, "GOOD", res.Succeeded[0].Key)
	assert.Equal(t, "ALSO_GOOD", res.Succeeded[1].Key)
	require.Len(t, res.Failed, 2)
	assert.Equal(t, "not valid", res.Failed[0].Key)
	assert.Equal(t, "NUM", res.Failed[1].Key)
	assert.NotEmpty(t, res.Failed[1].Error)
	var valErr cverrors.ValidationError
	assert.ErrorAs(t, res.Failed[1].Err, &valErr)

	summary := f.sink.ByAction(audit.ActionValueBulkPut)
	require.Len(t, summary, 1)
	assert.False(t, summary[0].Success)
	assert.Equal(t, "2", summary[0].Meta["succeeded"])
	assert.Equal(t, "2", summary[0].Meta["failed"])
	assert.Len(t, f.sink.ByAction(audit.ActionValuePut), 4)
}

func TestDeleteWritesTombstone(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.Put(ctx, f.set.ID, values.Entry{Key: "GONE", Value: "bye"}, "alice", values.WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, f.svc.Delete(ctx, f.set.ID, "GONE", "alice", values.WriteOptions{Reason: "cleanup"}))

	_, err = f.db.Queries().GetValue(ctx, f.set.ID, "GONE")
	assert.True(t, cverrors.IsNotFound(err))

	hist, err := f.svc.History(ctx, f.set.ID, "GONE", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, model.ChangeDelete, hist[0].ChangeType)
	assert.Empty(t, hist[0].NewCiphertext)
	assert.NotEmpty(t, hist[0].PrevCiphertext)
	assert.Equal(t, "cleanup", hist[0].Reason)

	assert.True(t, cverrors.IsNotFound(f.svc.Delete(ctx, f.set.ID, "GONE", "alice", values.WriteOptions{})))

	v, err := f.svc.Put(ctx, f.set.ID, values.Entry{Key: "GONE", Value: "back"}, "alice", values.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Version, "recreated keys continue the version sequence")

	events := f.sink.ByAction(audit.ActionValueDelete)
	require.Len(t, events, 2)
	assert.True(t, events[0].Success)
	assert.False(t, events[1].Success)
}

func TestRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	for _, raw := range []string{"first", "second"} {
		_, err := f.svc.Put(ctx, f.set.ID, values.Entry{Key: "TOKEN", Value: raw, Secret: true}, "alice", values.WriteOptions{})
		require.NoError(t, err)
	}

	v, err := f.svc.Rollback(ctx, f.set.ID, "TOKEN", 1, "bob", values.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Version)
	assert.True(t, v.IsSecret)
	assert.Equal(t, "first", f.plaintext(t, "TOKEN"))

	hist, err := f.svc.History(ctx, f.set.ID, "TOKEN", 1)
	require.NoError(t, err)
	assert.Equal(t, "rollback to v1", hist[0].Reason)

	require.NoError(t, f.svc.Delete(ctx, f.set.ID, "TOKEN", "bob", values.WriteOptions{}))
	var userErr cverrors.UserError
	_, err = f.svc.Rollback(ctx, f.set.ID, "TOKEN", 4, "bob", values.WriteOptions{})
	require.ErrorAs(t, err, &userErr)
	_, err = f.svc.Rollback(ctx, f.set.ID, "TOKEN", 99, "bob", values.WriteOptions{})
	assert.True(t, cverrors.IsNotFound(err))

	assert.Len(t, f.sink.ByAction(audit.ActionValueRollback), 3)
}

func TestExternalStoreIsWrittenFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testutil.NewTestDB(t)
	c := testutil.NewTestCipher(t)
	fake := fakes.NewFakeAdapter("fake.ext")
	reg := backends.NewRegistry(c, backends.WithRetryPolicy(backends.RetryPolicy{
		Timeout: time.Second, MaxRetries: 0, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond,
	}))
	reg.Register("fake.ext", func(context.Context, backends.Config) (backend.Adapter, error) { return fake, nil })
	svc := values.NewService(db, c, reg, nil)

	store := testutil.SeedExternalStore(t, db, "org-1", "fake.ext")
	set := testutil.SeedSet(t, db, store, "ext")

	v, err := svc.Put(ctx, set.ID, values.Entry{Key: "A", Value: "1"}, "alice", values.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), v.Version)
	remote, ok, err := fake.Get(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), remote.Version)
	assert.Equal(t, v.Ciphertext, remote.Ciphertext)

	fake.FailNext(1, errors.New("connection refused"))
	_, err = svc.Put(ctx, set.ID, values.Entry{Key: "A", Value: "2"}, "alice", values.WriteOptions{})
	var conn cverrors.StoreConnectionError
	require.ErrorAs(t, err, &conn)

	local, err := db.Queries().GetValue(ctx, set.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(1), local.Version, "failed replication leaves the local row alone")
	hist, err := svc.History(ctx, set.ID, "A", 0)
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	fake.FailNext(1, errors.New("connection refused"))
	require.ErrorAs(t, svc.Delete(ctx, set.ID, "A", "alice", values.WriteOptions{}), &conn)
	_, err = db.Queries().GetValue(ctx, set.ID, "A")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, set.ID, "A", "alice", values.WriteOptions{}))
	assert.Empty(t, fake.Keys())
}

func TestExternalReplicaVersionSurvivesRecreate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	db := testutil.NewTestDB(t)
	c := testutil.NewTestCipher(t)
	fake := fakes.NewFakeAdapter("fake.ext")
	reg := backends.NewRegistry(c)
	reg.Register("fake.ext", func(context.Context, backends.Config) (backend.Adapter, error) { return fake, nil })
	svc := values.NewService(db, c, reg, nil)

	store := testutil.SeedExternalStore(t, db, "org-1", "fake.ext")
	set := testutil.SeedSet(t, db, store, "ext")

	_, err := svc.Put(ctx, set.ID, values.Entry{Key: "A", Value: "1"}, "alice", values.WriteOptions{})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, set.ID, "A", "alice", values.WriteOptions{}))

	v, err := svc.Put(ctx, set.ID, values.Entry{Key: "A", Value: "again"}, "alice", values.WriteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Version, "the delete tombstone took version 2")

	remote, ok, err := fake.Get(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v.Version, remote.Version)
}
