package repository

import (
	"context"
	"fmt"

	"github.com/systmms/cfgvault/internal/model"
)

const exportColumns = `id, name, set_id, format, destination, schedule, include_secrets, key_prefix, key_transform, created_at, updated_at`

// InsertExportSpec persists an export target.
func (r *Queries) InsertExportSpec(ctx context.Context, e *model.ExportSpec) error {
	_, err := r.exec(ctx, `INSERT INTO export_specs (`+exportColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, e.SetID, e.Format, e.Destination, e.Schedule, e.IncludeSecrets, e.KeyPrefix, e.KeyTransform,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert export spec: %w", err)
	}
	return nil
}

// UpdateExportSpec rewrites the mutable fields of an export target.
func (r *Queries) UpdateExportSpec(ctx context.Context, e *model.ExportSpec) error {
	ok, err := r.execOne(ctx, `UPDATE export_specs SET name = ?, format = ?, destination = ?, schedule = ?,
		include_secrets = ?, key_prefix = ?, key_transform = ?, updated_at = ? WHERE id = ?`,
		e.Name, e.Format, e.Destination, e.Schedule, e.IncludeSecrets, e.KeyPrefix, e.KeyTransform, e.UpdatedAt, e.ID)
	if err != nil {
		return fmt.Errorf("failed to update export spec: %w", err)
	}
	if !ok {
		return notFound(errNoRows, "export", e.ID)
	}
	return nil
}

// GetExportSpec loads an export target.
func (r *Queries) GetExportSpec(ctx context.Context, id string) (*model.ExportSpec, error) {
	var e model.ExportSpec
	if err := r.get(ctx, &e, `SELECT `+exportColumns+` FROM export_specs WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "export", id)
	}
	return &e, nil
}

// ListExportSpecs returns the targets of one set.
func (r *Queries) ListExportSpecs(ctx context.Context, setID string) ([]model.ExportSpec, error) {
	var out []model.ExportSpec
	err := r.selectAll(ctx, &out, `SELECT `+exportColumns+` FROM export_specs WHERE set_id = ? ORDER BY name`, setID)
	if err != nil {
		return nil, fmt.Errorf("failed to list export specs: %w", err)
	}
	return out, nil
}

// DeleteExportSpec removes an export target.
func (r *Queries) DeleteExportSpec(ctx context.Context, id string) error {
	ok, err := r.execOne(ctx, `DELETE FROM export_specs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete export spec: %w", err)
	}
	if !ok {
		return notFound(errNoRows, "export", id)
	}
	return nil
}
