package tokens_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systmms/cfgvault/internal/audit"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/internal/tokens"
	"github.com/systmms/cfgvault/tests/fakes"
	"github.com/systmms/cfgvault/tests/testutil"
)

func setup(t *testing.T, opts ...tokens.Option) (*tokens.Service, *repository.DB, *model.Store, *fakes.RecordingSink) {
	t.Helper()
	db := testutil.NewTestDB(t)
	sink := fakes.NewRecordingSink()
	svc := tokens.NewService(db, audit.NewRecorder(sink, nil), opts...)
	t.Cleanup(svc.Wait)
	return svc, db, testutil.SeedStore(t, db, "org-1"), sink
}

func TestCreateReturnsPlaintextOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, store, sink := setup(t)
	set := testutil.SeedSet(t, db, store, "app")

	tok, plaintext, err := svc.Create(ctx, tokens.CreateRequest{SetID: set.ID, Name: " ci ", CreatedBy: "alice"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, tokens.Prefix))
	assert.Len(t, plaintext, 47)
	assert.Equal(t, plaintext[:12], tok.Prefix)
	assert.Equal(t, "ci", tok.Name)
	assert.Equal(t, model.PermissionRead, tok.Permission)

	stored, err := db.Queries().GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, tokens.Hash(plaintext), stored.Hash)
	assert.NotContains(t, stored.Hash, plaintext[len(tokens.Prefix):])

	events := sink.ByAction(audit.ActionTokenCreate)
	require.Len(t, events, 1)
	assert.Equal(t, tok.Prefix, events[0].TokenPrefix)
	assert.NotContains(t, events[0].Meta, "plaintext")

	_, other, err := svc.Create(ctx, tokens.CreateRequest{SetID: set.ID, Name: "ci-2"})
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, other)
}

func TestCreateValidatesRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, store, sink := setup(t)
	set := testutil.SeedSet(t, db, store, "app")
	past := time.Now().Add(-time.Minute)

	var userErr cverrors.UserError
	_, _, err := svc.Create(ctx, tokens.CreateRequest{SetID: set.ID})
	assert.ErrorAs(t, err, &userErr)
	_, _, err = svc.Create(ctx, tokens.CreateRequest{SetID: set.ID, Name: "x", Permission: "owner"})
	assert.ErrorAs(t, err, &userErr)
	_, _, err = svc.Create(ctx, tokens.CreateRequest{SetID: set.ID, Name: "x", ExpiresAt: &past})
	assert.ErrorAs(t, err, &userErr)
	_, _, err = svc.Create(ctx, tokens.CreateRequest{SetID: "missing", Name: "x"})
	assert.True(t, cverrors.IsNotFound(err))
	_, _, err = svc.Create(ctx, tokens.CreateRequest{SetID: set.ID, Name: "x", AllowedSetIDs: []string{"missing"}})
	assert.True(t, cverrors.IsNotFound(err))

	events := sink.ByAction(audit.ActionTokenCreate)
	require.Len(t, events, 5)
	for _, ev := range events {
		assert.False(t, ev.Success)
	}
}

func TestVerifyScoping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, store, _ := setup(t)
	a := testutil.SeedSet(t, db, store, "a")
	b := testutil.SeedSet(t, db, store, "b")
	c := testutil.SeedSet(t, db, store, "c")

	_, readA, err := svc.Create(ctx, tokens.CreateRequest{SetID: a.ID, Name: "read-a"})
	require.NoError(t, err)
	_, writeAC, err := svc.Create(ctx, tokens.CreateRequest{
		SetID: a.ID, Name: "write-ac", Permission: model.PermissionWrite, AllowedSetIDs: []string{c.ID},
	})
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		scope  tokens.Scope
		wantOK bool
	}{
		{"read on primary set", readA, tokens.Scope{SetID: a.ID}, true},
		{"unbound scope", readA, tokens.Scope{}, true},
		{"read token cannot write", readA, tokens.Scope{SetID: a.ID, Permission: model.PermissionWrite}, false},
		{"other set rejected", readA, tokens.Scope{SetID: b.ID}, false},
		{"allow-listed set", writeAC, tokens.Scope{SetID: c.ID, Permission: model.PermissionWrite}, true},
		{"write token reads", writeAC, tokens.Scope{SetID: a.ID}, true},
		{"write token is not admin", writeAC, tokens.Scope{SetID: a.ID, Permission: model.PermissionAdmin}, false},
		{"not allow-listed", writeAC, tokens.Scope{SetID: b.ID}, false},
		{"garbage", "not-a-token", tokens.Scope{}, false},
		{"unknown token", tokens.Prefix + strings.Repeat("A", 43), tokens.Scope{}, false},
	}
	for _, tt := range tests {
		tok, err := svc.Verify(ctx, tt.token, tt.scope)
		if tt.wantOK {
			assert.NoError(t, err, tt.name)
			assert.NotNil(t, tok, tt.name)
			continue
		}
		assert.True(t, cverrors.IsPermission(err), tt.name)
		assert.Nil(t, tok, tt.name)
	}
}

func TestVerifyRejectsExpiredAndRevoked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, store, sink := setup(t)
	set := testutil.SeedSet(t, db, store, "app")

	soon := time.Now().Add(time.Hour)
	tok, plaintext, err := svc.Create(ctx, tokens.CreateRequest{SetID: set.ID, Name: "ci", ExpiresAt: &soon})
	require.NoError(t, err)
	_, err = svc.Verify(ctx, plaintext, tokens.Scope{SetID: set.ID})
	require.NoError(t, err)

	// Expire the stored record; a fresh service has nothing cached.
	_, err = db.ExecContext(ctx, `UPDATE access_tokens SET expires_at = ? WHERE id = ?`, time.Now().Add(-time.Second).UTC(), tok.ID)
	require.NoError(t, err)
	fresh := tokens.NewService(db, nil)
	t.Cleanup(fresh.Wait)
	_, err = fresh.Verify(ctx, plaintext, tokens.Scope{SetID: set.ID})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")

	_, plaintext, err = svc.Create(ctx, tokens.CreateRequest{SetID: set.ID, Name: "ci-2"})
	require.NoError(t, err)
	tok, err = svc.Verify(ctx, plaintext, tokens.Scope{})
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, tok.ID, "alice"))

	_, err = svc.Verify(ctx, plaintext, tokens.Scope{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "revoked")

	events := sink.ByAction(audit.ActionTokenRevoke)
	require.Len(t, events, 1)
	assert.Equal(t, set.ID, events[0].SetID)
	assert.Equal(t, tok.Prefix, events[0].TokenPrefix)

	assert.True(t, cverrors.IsNotFound(svc.Revoke(ctx, "missing", "alice")))
}

func TestRevocationReachesOtherProcessesWithinTTL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, store, _ := setup(t)
	set := testutil.SeedSet(t, db, store, "app")

	other := tokens.NewService(db, nil, tokens.WithCacheTTL(50*time.Millisecond))
	t.Cleanup(other.Wait)

	tok, plaintext, err := svc.Create(ctx, tokens.CreateRequest{SetID: set.ID, Name: "ci"})
	require.NoError(t, err)
	_, err = other.Verify(ctx, plaintext, tokens.Scope{})
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, tok.ID, "alice"))
	_, err = other.Verify(ctx, plaintext, tokens.Scope{})
	assert.NoError(t, err, "cached record is served until the TTL passes")

	assert.Eventually(t, func() bool {
		_, err := other.Verify(ctx, plaintext, tokens.Scope{})
		return cverrors.IsPermission(err)
	}, 2*time.Second, 20*time.Millisecond)
}

func TestVerifyRecordsUsage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	svc, db, store, _ := setup(t, tokens.WithCacheTTL(0))
	set := testutil.SeedSet(t, db, store, "app")

	tok, plaintext, err := svc.Create(ctx, tokens.CreateRequest{SetID: set.ID, Name: "ci"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := svc.Verify(ctx, plaintext, tokens.Scope{SetID: set.ID})
		require.NoError(t, err)
	}
	_, err = svc.Verify(ctx, plaintext, tokens.Scope{SetID: "elsewhere"})
	require.Error(t, err)
	svc.Wait()

	stored, err := db.Queries().GetToken(ctx, tok.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stored.UsageCount)
	require.NotNil(t, stored.LastUsedAt)

	list, err := svc.List(ctx, set.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, tok.ID, list[0].ID)
}
