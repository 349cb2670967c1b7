// Package repository persists cfgvault entities in a relational database via
// sqlx. Queries are written with `?` placeholders and rebound for the
// connected dialect. Value rows are the source of truth for every set.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	_ "modernc.org/sqlite"

	cverrors "github.com/systmms/cfgvault/internal/errors"
)

// Supported dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// ErrConflict is returned when a compare-and-increment write loses a race.
var ErrConflict = errors.New("concurrent modification")

var errNoRows = sql.ErrNoRows

// Queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type Queryer interface {
	sqlx.ExtContext
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

// DB is the process-wide database handle.
type DB struct {
	*sqlx.DB
	dialect string
}

// Open connects to the database. driver is one of sqlite, postgres, mysql.
// MySQL DSNs must include parseTime=true.
func Open(driver, dsn string) (*DB, error) {
	dialect := strings.ToLower(driver)
	switch dialect {
	case DialectSQLite:
		sqlx.BindDriver(DialectSQLite, sqlx.QUESTION)
	case DialectPostgres, "postgresql":
		dialect = DialectPostgres
	case DialectMySQL:
	default:
		return nil, cverrors.ConfigError{
			Field:      "database.driver",
			Value:      driver,
			Message:    "unsupported database driver",
			Suggestion: "Use one of: sqlite, postgres, mysql",
		}
	}

	db, err := sqlx.Open(dialect, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// A single connection serializes writers and keeps in-memory databases alive.
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}
	return &DB{DB: db, dialect: dialect}, nil
}

// NewDB wraps an existing handle, e.g. one backed by sqlmock.
func NewDB(db *sql.DB, dialect string) *DB {
	return &DB{DB: sqlx.NewDb(db, dialect), dialect: dialect}
}

// Dialect returns the normalized driver name.
func (db *DB) Dialect() string {
	return db.dialect
}

// Queries returns query helpers bound to the pool (autocommit).
func (db *DB) Queries() *Queries {
	return &Queries{q: db.DB}
}

// WithTx runs fn in a read-write transaction, committing when fn returns nil.
// fn must use only the Queries it is handed.
func (db *DB) WithTx(ctx context.Context, fn func(q *Queries) error) error {
	return db.runTx(ctx, nil, fn)
}

// Snapshot runs fn in a read-only transaction that observes one consistent
// state of the database (repeatable read where the dialect supports it).
func (db *DB) Snapshot(ctx context.Context, fn func(q *Queries) error) error {
	var opts *sql.TxOptions
	switch db.dialect {
	case DialectPostgres, DialectMySQL:
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return db.runTx(ctx, opts, fn)
}

func (db *DB) runTx(ctx context.Context, opts *sql.TxOptions, fn func(q *Queries) error) (err error) {
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(&Queries{q: tx}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Queries groups the entity queries over one Queryer.
type Queries struct {
	q Queryer
}

// NewQueries binds query helpers to q.
func NewQueries(q Queryer) *Queries {
	return &Queries{q: q}
}

// Queryer exposes the underlying handle (pool or tx).
func (r *Queries) Queryer() Queryer {
	return r.q
}

func (r *Queries) get(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return r.q.GetContext(ctx, dest, r.q.Rebind(query), args...)
}

func (r *Queries) selectAll(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	return r.q.SelectContext(ctx, dest, r.q.Rebind(query), args...)
}

func (r *Queries) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return r.q.ExecContext(ctx, r.q.Rebind(query), args...)
}

// execOne runs a statement that must affect exactly one row.
func (r *Queries) execOne(ctx context.Context, query string, args ...interface{}) (bool, error) {
	res, err := r.exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return cverrors.NotFoundError{Kind: kind, ID: id}
	}
	return fmt.Errorf("failed to load %s %s: %w", kind, id, err)
}

// IsUniqueViolation reports whether err is a unique-constraint failure on any dialect.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Ping checks that the handle can run a query.
func (r *Queries) Ping(ctx context.Context) error {
	var one int
	if err := r.q.QueryRowxContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}
