package repository

import (
	"context"
	"fmt"
	"strings"
)

// Column types that differ per dialect are written as {{BLOB}} / {{TIME}}.
var tables = []string{
	`CREATE TABLE IF NOT EXISTS stores (
		id VARCHAR(64) PRIMARY KEY,
		organization_id VARCHAR(64) NOT NULL,
		name VARCHAR(255) NOT NULL,
		type VARCHAR(64) NOT NULL,
		settings TEXT NOT NULL,
		credentials {{BLOB}},
		credentials_nonce {{BLOB}},
		is_default BOOLEAN NOT NULL,
		created_at {{TIME}} NOT NULL,
		updated_at {{TIME}} NOT NULL,
		UNIQUE (organization_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS schemas (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		version INTEGER NOT NULL,
		organization_id VARCHAR(64) NOT NULL,
		repository_id VARCHAR(64) NOT NULL,
		definition TEXT NOT NULL,
		created_by VARCHAR(255) NOT NULL,
		created_at {{TIME}} NOT NULL,
		UNIQUE (organization_id, repository_id, name, version)
	)`,
	`CREATE TABLE IF NOT EXISTS schema_validators (
		id VARCHAR(64) PRIMARY KEY,
		schema_id VARCHAR(64) NOT NULL,
		key_name VARCHAR(255) NOT NULL,
		rule_kind VARCHAR(32) NOT NULL,
		config TEXT NOT NULL,
		priority INTEGER NOT NULL,
		message TEXT NOT NULL,
		created_at {{TIME}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS config_sets (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		scope VARCHAR(32) NOT NULL,
		organization_id VARCHAR(64) NOT NULL,
		repository_id VARCHAR(64) NOT NULL,
		environment VARCHAR(255) NOT NULL,
		store_id VARCHAR(64) NOT NULL,
		schema_id VARCHAR(64) NOT NULL,
		parent_set_id VARCHAR(64) NOT NULL,
		hierarchy_rank INTEGER NOT NULL,
		is_active BOOLEAN NOT NULL,
		is_locked BOOLEAN NOT NULL,
		created_at {{TIME}} NOT NULL,
		updated_at {{TIME}} NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS config_values (
		id VARCHAR(64) PRIMARY KEY,
		set_id VARCHAR(64) NOT NULL,
		key_name VARCHAR(255) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		ciphertext {{BLOB}} NOT NULL,
		nonce {{BLOB}} NOT NULL,
		is_secret BOOLEAN NOT NULL,
		version BIGINT NOT NULL,
		updated_by VARCHAR(255) NOT NULL,
		created_at {{TIME}} NOT NULL,
		updated_at {{TIME}} NOT NULL,
		UNIQUE (set_id, key_name)
	)`,
	`CREATE TABLE IF NOT EXISTS config_value_history (
		id VARCHAR(64) PRIMARY KEY,
		set_id VARCHAR(64) NOT NULL,
		key_name VARCHAR(255) NOT NULL,
		kind VARCHAR(16) NOT NULL,
		is_secret BOOLEAN NOT NULL,
		change_type VARCHAR(16) NOT NULL,
		prev_ciphertext {{BLOB}},
		prev_nonce {{BLOB}},
		new_ciphertext {{BLOB}},
		new_nonce {{BLOB}},
		prev_version BIGINT NOT NULL,
		new_version BIGINT NOT NULL,
		actor VARCHAR(255) NOT NULL,
		reason TEXT NOT NULL,
		request_meta TEXT NOT NULL,
		created_at {{TIME}} NOT NULL,
		UNIQUE (set_id, key_name, new_version)
	)`,
	`CREATE TABLE IF NOT EXISTS access_tokens (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		prefix VARCHAR(32) NOT NULL,
		token_hash VARCHAR(128) NOT NULL,
		permission VARCHAR(16) NOT NULL,
		set_id VARCHAR(64) NOT NULL,
		allowed_set_ids TEXT NOT NULL,
		expires_at {{TIME}} NULL,
		is_active BOOLEAN NOT NULL,
		last_used_at {{TIME}} NULL,
		usage_count BIGINT NOT NULL,
		created_by VARCHAR(255) NOT NULL,
		created_at {{TIME}} NOT NULL,
		UNIQUE (token_hash)
	)`,
	`CREATE TABLE IF NOT EXISTS export_specs (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		set_id VARCHAR(64) NOT NULL,
		format VARCHAR(32) NOT NULL,
		destination TEXT NOT NULL,
		schedule VARCHAR(255) NOT NULL,
		include_secrets BOOLEAN NOT NULL,
		key_prefix VARCHAR(255) NOT NULL,
		key_transform VARCHAR(16) NOT NULL,
		created_at {{TIME}} NOT NULL,
		updated_at {{TIME}} NOT NULL
	)`,
}

func typeReplacer(dialect string) *strings.Replacer {
	switch dialect {
	case DialectPostgres:
		return strings.NewReplacer("{{BLOB}}", "BYTEA", "{{TIME}}", "TIMESTAMPTZ")
	case DialectMySQL:
		return strings.NewReplacer("{{BLOB}}", "BLOB", "{{TIME}}", "DATETIME(6)")
	default:
		return strings.NewReplacer("{{BLOB}}", "BLOB", "{{TIME}}", "TIMESTAMP")
	}
}

// Migrate creates all tables. It is idempotent.
func (db *DB) Migrate(ctx context.Context) error {
	r := typeReplacer(db.dialect)
	for _, stmt := range tables {
		if _, err := db.ExecContext(ctx, r.Replace(stmt)); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
