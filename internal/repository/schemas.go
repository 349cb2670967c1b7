package repository

import (
	"context"
	"fmt"

	"github.com/systmms/cfgvault/internal/model"
)

const schemaColumns = `id, name, version, organization_id, repository_id, definition, created_by, created_at`

const validatorColumns = `id, schema_id, key_name, rule_kind, config, priority, message, created_at`

// InsertSchema stores one schema version. Versions are never updated.
func (r *Queries) InsertSchema(ctx context.Context, s *model.Schema) error {
	_, err := r.exec(ctx, `INSERT INTO schemas (`+schemaColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Version, s.OrganizationID, s.RepositoryID, s.Keys, s.CreatedBy, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert schema: %w", err)
	}
	return nil
}

// GetSchema loads a schema version by id.
func (r *Queries) GetSchema(ctx context.Context, id string) (*model.Schema, error) {
	var s model.Schema
	if err := r.get(ctx, &s, `SELECT `+schemaColumns+` FROM schemas WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "schema", id)
	}
	return &s, nil
}

// LatestSchema returns the newest version of the named schema for an owner.
func (r *Queries) LatestSchema(ctx context.Context, organizationID, repositoryID, name string) (*model.Schema, error) {
	var s model.Schema
	err := r.get(ctx, &s, `SELECT `+schemaColumns+` FROM schemas
		WHERE organization_id = ? AND repository_id = ? AND name = ?
		ORDER BY version DESC LIMIT 1`, organizationID, repositoryID, name)
	if err != nil {
		return nil, notFound(err, "schema", name)
	}
	return &s, nil
}

// ListSchemaVersions returns every version of a named schema, oldest first.
func (r *Queries) ListSchemaVersions(ctx context.Context, organizationID, repositoryID, name string) ([]model.Schema, error) {
	var out []model.Schema
	err := r.selectAll(ctx, &out, `SELECT `+schemaColumns+` FROM schemas
		WHERE organization_id = ? AND repository_id = ? AND name = ? ORDER BY version`, organizationID, repositoryID, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list schema versions: %w", err)
	}
	return out, nil
}

// InsertValidator attaches a rule to a schema version.
func (r *Queries) InsertValidator(ctx context.Context, v *model.Validator) error {
	_, err := r.exec(ctx, `INSERT INTO schema_validators (`+validatorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.SchemaID, v.Key, v.Kind, v.Config, v.Priority, v.Message, v.Created)
	if err != nil {
		return fmt.Errorf("failed to insert validator: %w", err)
	}
	return nil
}

// ListValidators returns a schema's rules in ascending priority.
func (r *Queries) ListValidators(ctx context.Context, schemaID string) ([]model.Validator, error) {
	var out []model.Validator
	err := r.selectAll(ctx, &out, `SELECT `+validatorColumns+` FROM schema_validators
		WHERE schema_id = ? ORDER BY priority, created_at, id`, schemaID)
	if err != nil {
		return nil, fmt.Errorf("failed to list validators: %w", err)
	}
	return out, nil
}
