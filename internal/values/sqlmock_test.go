package values_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/internal/values"
	"github.com/systmms/cfgvault/tests/testutil"
)

var setRowColumns = []string{
	"id", "name", "scope", "organization_id", "repository_id", "environment", "store_id", "schema_id",
	"parent_set_id", "hierarchy_rank", "is_active", "is_locked", "created_at", "updated_at",
}

func setRow(locked bool) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(setRowColumns).
		AddRow("set-1", "app", "organization", "org-1", "", "", "store-1", "", "", 0, true, locked, now, now)
}

const (
	setQuery       = `SELECT .* FROM config_sets WHERE id = \$1`
	lockedSetQuery = `SELECT .* FROM config_sets WHERE id = \$1 FOR UPDATE`
)

// A lock that commits between the pre-check and the write transaction must
// still reject the write.
func TestWriteRechecksLockInsideTransaction(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		write     func(ctx context.Context, svc *values.Service) error
	}{
		{
			name: "put",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(setQuery).WithArgs("set-1").WillReturnRows(setRow(false))
				mock.ExpectBegin()
				mock.ExpectQuery(lockedSetQuery).WithArgs("set-1").WillReturnRows(setRow(true))
				mock.ExpectRollback()
			},
			write: func(ctx context.Context, svc *values.Service) error {
				_, err := svc.Put(ctx, "set-1", values.Entry{Key: "K", Value: "v"}, "bob", values.WriteOptions{})
				return err
			},
		},
		{
			name: "delete",
			setupMock: func(mock sqlmock.Sqlmock) {
				now := time.Now().UTC()
				mock.ExpectQuery(setQuery).WithArgs("set-1").WillReturnRows(setRow(false))
				mock.ExpectQuery(`SELECT .* FROM config_values WHERE set_id = \$1 AND key_name = \$2`).
					WithArgs("set-1", "K").
					WillReturnRows(sqlmock.NewRows([]string{
						"id", "set_id", "key_name", "kind", "ciphertext", "nonce", "is_secret", "version",
						"updated_by", "created_at", "updated_at",
					}).AddRow("v-1", "set-1", "K", "string", []byte("ct"), []byte("nonce"), false, 1, "alice", now, now))
				mock.ExpectBegin()
				mock.ExpectQuery(lockedSetQuery).WithArgs("set-1").WillReturnRows(setRow(true))
				mock.ExpectRollback()
			},
			write: func(ctx context.Context, svc *values.Service) error {
				return svc.Delete(ctx, "set-1", "K", "bob", values.WriteOptions{})
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			sqlDB, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer sqlDB.Close()

			tt.setupMock(mock)
			db := repository.NewDB(sqlDB, repository.DialectPostgres)
			svc := values.NewService(db, testutil.NewTestCipher(t), nil, nil)

			err = tt.write(context.Background(), svc)
			assert.True(t, cverrors.IsPermission(err), "got %v", err)
			assert.Contains(t, err.Error(), "locked")
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
