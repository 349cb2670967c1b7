package export_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgvault/internal/audit"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/export"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/internal/resolve"
	"github.com/systmms/cfgvault/internal/values"
	"github.com/systmms/cfgvault/tests/fakes"
	"github.com/systmms/cfgvault/tests/testutil"
)

type fixture struct {
	db     *repository.DB
	store  *model.Store
	sink   *fakes.RecordingSink
	r      *resolve.Resolver
	values *values.Service
	svc    *export.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	c := testutil.NewTestCipher(t)
	sink := fakes.NewRecordingSink()
	rec := audit.NewRecorder(sink, nil)
	r := resolve.New(db, c, nil, nil)
	vals := values.NewService(db, c, nil, rec)
	return &fixture{
		db:     db,
		store:  testutil.SeedStore(t, db, "org-1"),
		sink:   sink,
		r:      r,
		values: vals,
		svc:    export.NewService(db, r, vals, rec),
	}
}

func (f *fixture) put(t *testing.T, set *model.ConfigSet, e values.Entry) {
	t.Helper()
	_, err := f.values.Put(context.Background(), set.ID, e, "test", values.WriteOptions{})
	require.NoError(t, err)
}

func TestExportChildOverride(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	org := testutil.SeedSet(t, f.db, f.store, "O")
	repo := testutil.SeedSet(t, f.db, f.store, "R", testutil.WithParent(org))
	f.put(t, org, values.Entry{Key: "KEY", Value: "base"})

	out, err := f.svc.Export(ctx, repo.ID, export.FormatDotenv, export.Options{})
	require.NoError(t, err)
	assert.Equal(t, "KEY=base\n", string(out.Content))

	f.put(t, repo, values.Entry{Key: "KEY", Value: "child"})
	out, err = f.svc.Export(ctx, repo.ID, "", export.Options{})
	require.NoError(t, err)
	assert.Equal(t, "KEY=child\n", string(out.Content))
	assert.Equal(t, "text/plain", out.ContentType)

	out, err = f.svc.Export(ctx, org.ID, export.FormatDotenv, export.Options{})
	require.NoError(t, err)
	assert.Equal(t, "KEY=base\n", string(out.Content))

	out, err = f.svc.Export(ctx, repo.ID, export.FormatK8sConfigMap, export.Options{})
	require.NoError(t, err)
	assert.Contains(t, string(out.Content), "name: r\n")
}

func TestExportSecretsPolicy(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	set := testutil.SeedSet(t, f.db, f.store, "app")
	f.put(t, set, values.Entry{Key: "PUBLIC", Value: "yes"})
	f.put(t, set, values.Entry{Key: "TOKEN", Value: "s3cr3t", Secret: true})

	out, err := f.svc.Export(ctx, set.ID, export.FormatDotenv, export.Options{})
	require.NoError(t, err)
	assert.Equal(t, "PUBLIC=yes\n", string(out.Content))

	out, err = f.svc.Export(ctx, set.ID, export.FormatDotenv, export.Options{IncludeSecrets: true})
	require.NoError(t, err)
	assert.Equal(t, "PUBLIC=yes\nTOKEN=s3cr3t\n", string(out.Content))
}

func TestImportDotenvCountsEachLine(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	set := testutil.SeedSet(t, f.db, f.store, "app")
	f.put(t, set, values.Entry{Key: "SAME", Value: "unchanged"})

	content := "SAME=unchanged\nNEW=value\nexport TOKEN=\"abc def\"\nnot a line\n9BAD=x\n"
	res, err := f.svc.Import(ctx, set.ID, []byte(content), export.FormatDotenv, "alice", export.ImportOptions{
		SecretKeys: []string{"TOKEN"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, 4, res.Errors[0].Line)
	assert.Equal(t, "9BAD", res.Errors[1].Key, "rejected by key validation on write")

	resolved, err := f.r.Resolve(ctx, set.ID, resolve.Options{IncludeSecrets: true})
	require.NoError(t, err)
	assert.Equal(t, "abc def", resolved.Values["TOKEN"].Value)
	assert.True(t, resolved.Values["TOKEN"].IsSecret)
	assert.Equal(t, int64(1), resolved.Values["SAME"].Version, "unchanged keys are not rewritten")

	events := f.sink.ByAction(audit.ActionImport)
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.Equal(t, "2", events[0].Meta["imported"])
	assert.Equal(t, "2", events[0].Meta["errors"])
}

func TestImportRejectsExportOnlyFormats(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	set := testutil.SeedSet(t, f.db, f.store, "app")

	var userErr cverrors.UserError
	_, err := f.svc.Import(ctx, set.ID, []byte("kind: ConfigMap"), export.FormatK8sConfigMap, "alice", export.ImportOptions{})
	require.ErrorAs(t, err, &userErr)
	assert.Contains(t, userErr.Message, "export-only")

	_, err = f.svc.Import(ctx, set.ID, []byte(`["not", "an", "object"]`), export.FormatJSON, "alice", export.ImportOptions{})
	assert.ErrorAs(t, err, &userErr)

	events := f.sink.ByAction(audit.ActionImport)
	require.Len(t, events, 2)
	assert.False(t, events[0].Success)
}

func TestImportIntoLockedSetFails(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	set := testutil.SeedSet(t, f.db, f.store, "app")
	require.NoError(t, f.db.Queries().UpdateSetFlags(ctx, set.ID, true, true, time.Now()))

	_, err := f.svc.Import(ctx, set.ID, []byte("A=1\nB=2\n"), export.FormatDotenv, "alice", export.ImportOptions{})
	assert.True(t, cverrors.IsPermission(err))

	res, err := f.svc.Import(ctx, set.ID, []byte("A=1\n"), export.FormatDotenv, "admin", export.ImportOptions{
		Write: values.WriteOptions{AdminOverride: true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Imported)
}

func TestJSONExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	src := testutil.SeedSet(t, f.db, f.store, "src")
	for _, e := range []values.Entry{
		{Key: "NAME", Value: "billing"},
		{Key: "PORT", Value: "8080", Kind: model.KindNumber},
		{Key: "RATIO", Value: "0.25", Kind: model.KindNumber},
		{Key: "DEBUG", Value: "false", Kind: model.KindBoolean},
		{Key: "LIMITS", Value: `{"cpu": "500m", "tags": ["a", "b"]}`, Kind: model.KindJSON},
		{Key: "QUOTED", Value: `he said "hi"`},
		{Key: "API_KEY", Value: "sk-live", Kind: model.KindSecret},
	} {
		f.put(t, src, e)
	}

	out, err := f.svc.Export(ctx, src.ID, export.FormatJSON, export.Options{})
	require.NoError(t, err)

	dst := testutil.SeedSet(t, f.db, f.store, "dst")
	res, err := f.svc.Import(ctx, dst.ID, out.Content, export.FormatJSON, "alice", export.ImportOptions{})
	require.NoError(t, err)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 6, res.Imported)

	want, err := f.r.Resolve(ctx, src.ID, resolve.Options{})
	require.NoError(t, err)
	got, err := f.r.Resolve(ctx, dst.ID, resolve.Options{})
	require.NoError(t, err)
	require.Equal(t, want.Keys(), got.Keys())
	for _, k := range want.Keys() {
		assert.Equal(t, want.Values[k].Value, got.Values[k].Value, k)
		assert.Equal(t, want.Values[k].Kind, got.Values[k].Kind, k)
	}
	assert.NotContains(t, got.Values, "API_KEY")
}

func TestExportSpecLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	set := testutil.SeedSet(t, f.db, f.store, "app")

	var userErr cverrors.UserError
	for name, spec := range map[string]model.ExportSpec{
		"no name":       {SetID: set.ID, Format: "json"},
		"bad format":    {Name: "x", SetID: set.ID, Format: "ini"},
		"bad schedule":  {Name: "x", SetID: set.ID, Format: "json", Schedule: "every day"},
		"bad transform": {Name: "x", SetID: set.ID, Format: "json", KeyTransform: "title"},
		"bad target":    {Name: "x", SetID: set.ID, Format: "json", Destination: "ftp://host/file"},
	} {
		_, err := f.svc.CreateExportSpec(ctx, spec)
		assert.ErrorAs(t, err, &userErr, name)
	}
	_, err := f.svc.CreateExportSpec(ctx, model.ExportSpec{Name: "x", SetID: "missing", Format: "json"})
	assert.True(t, cverrors.IsNotFound(err))

	spec, err := f.svc.CreateExportSpec(ctx, model.ExportSpec{
		Name: "nightly", SetID: set.ID, Format: "dotenv", Schedule: "0 2 * * *",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, spec.ID)

	next, ok, err := export.NextRun(*spec, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 1, 2, 2, 0, 0, 0, time.UTC), next)

	spec.Format = "yaml"
	spec.Schedule = ""
	spec.SetID = "ignored"
	updated, err := f.svc.UpdateExportSpec(ctx, *spec)
	require.NoError(t, err)
	assert.Equal(t, set.ID, updated.SetID)
	_, ok, err = export.NextRun(*updated, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	list, err := f.svc.ListExportSpecs(ctx, set.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "yaml", list[0].Format)

	require.NoError(t, f.svc.DeleteExportSpec(ctx, spec.ID))
	_, err = f.svc.GetExportSpec(ctx, spec.ID)
	assert.True(t, cverrors.IsNotFound(err))
}

func TestRunExportSpecDeliversToFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	set := testutil.SeedSet(t, f.db, f.store, "app")
	f.put(t, set, values.Entry{Key: "db_host", Value: "localhost"})
	f.put(t, set, values.Entry{Key: "db_pass", Value: "pw", Secret: true})

	path := filepath.Join(t.TempDir(), "out", "app.env")
	spec, err := f.svc.CreateExportSpec(ctx, model.ExportSpec{
		Name: "file", SetID: set.ID, Format: "dotenv", Destination: path,
		IncludeSecrets: true, KeyTransform: "upper", KeyPrefix: "APP_",
	})
	require.NoError(t, err)

	out, err := f.svc.RunExportSpec(ctx, spec.ID)
	require.NoError(t, err)
	assert.Equal(t, path, out.Destination)

	testutil.AssertFileContents(t, path, "APP_DB_HOST=localhost\nAPP_DB_PASS=pw\n")
	testutil.AssertFileMode(t, path, 0o600)
}

func TestRunExportSpecPostsToHTTP(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	set := testutil.SeedSet(t, f.db, f.store, "app")
	f.put(t, set, values.Entry{Key: "PORT", Value: "80", Kind: model.KindNumber})

	var (
		mu          sync.Mutex
		body        string
		contentType string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, contentType = string(b), r.Header.Get("Content-Type")
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	spec, err := f.svc.CreateExportSpec(ctx, model.ExportSpec{Name: "hook", SetID: set.ID, Format: "json", Destination: srv.URL + "/config"})
	require.NoError(t, err)
	_, err = f.svc.RunExportSpec(ctx, spec.ID)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.JSONEq(t, `{"PORT": 80}`, body)
	assert.Equal(t, "application/json", contentType)
}

func TestRunExportSpecReportsHTTPFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	set := testutil.SeedSet(t, f.db, f.store, "app")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	spec, err := f.svc.CreateExportSpec(ctx, model.ExportSpec{Name: "hook", SetID: set.ID, Format: "json", Destination: srv.URL})
	require.NoError(t, err)
	_, err = f.svc.RunExportSpec(ctx, spec.ID)
	assert.ErrorContains(t, err, "403")
}
