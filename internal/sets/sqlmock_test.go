package sets_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/internal/sets"
)

var setRowColumns = []string{
	"id", "name", "scope", "organization_id", "repository_id", "environment", "store_id", "schema_id",
	"parent_set_id", "hierarchy_rank", "is_active", "is_locked", "created_at", "updated_at",
}

func setRow(id, parentID string, rank int) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(setRowColumns).
		AddRow(id, id, "organization", "org-1", "", "", "store-1", "", parentID, rank, true, false, now, now)
}

const lockedSetQuery = `SELECT .* FROM config_sets WHERE id = \$1 FOR UPDATE`

func TestSetParentLocksSetAndParentChainOnPostgres(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		check     func(t *testing.T, err error)
	}{
		{
			name: "edit commits after locking every chain member",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(lockedSetQuery).WithArgs("a").WillReturnRows(setRow("a", "", 0))
				mock.ExpectQuery(lockedSetQuery).WithArgs("b").WillReturnRows(setRow("b", "root", 1))
				mock.ExpectQuery(lockedSetQuery).WithArgs("root").WillReturnRows(setRow("root", "", 0))
				mock.ExpectQuery(`SELECT .* FROM config_sets WHERE parent_set_id = \$1`).WithArgs("a").
					WillReturnRows(sqlmock.NewRows(setRowColumns))
				mock.ExpectExec(`UPDATE config_sets SET parent_set_id = \$1`).
					WithArgs("b", 2, sqlmock.AnyArg(), "a").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectQuery(`SELECT .* FROM config_sets WHERE parent_set_id = \$1`).WithArgs("a").
					WillReturnRows(sqlmock.NewRows(setRowColumns))
				mock.ExpectCommit()
			},
			check: func(t *testing.T, err error) {
				assert.NoError(t, err)
			},
		},
		{
			// A concurrent edit committed b.parent = a before our lock on b was granted.
			name: "parent committed by another edit is seen under the lock",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectQuery(lockedSetQuery).WithArgs("a").WillReturnRows(setRow("a", "", 0))
				mock.ExpectQuery(lockedSetQuery).WithArgs("b").WillReturnRows(setRow("b", "a", 1))
				mock.ExpectQuery(lockedSetQuery).WithArgs("a").WillReturnRows(setRow("a", "", 0))
				mock.ExpectRollback()
			},
			check: func(t *testing.T, err error) {
				var cyc cverrors.CycleError
				require.ErrorAs(t, err, &cyc)
				assert.Equal(t, []string{"a", "b", "a"}, cyc.Path)
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
			svc := sets.NewService(repository.NewDB(sqlDB, repository.DialectPostgres), nil)
			tt.check(t, svc.SetParent(context.Background(), "a", "b", "alice"))
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
