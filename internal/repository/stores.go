package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/systmms/cfgvault/internal/model"
)

const storeColumns = `id, organization_id, name, type, settings, credentials, credentials_nonce, is_default, created_at, updated_at`

// InsertStore persists a new store binding.
func (r *Queries) InsertStore(ctx context.Context, s *model.Store) error {
	_, err := r.exec(ctx, `INSERT INTO stores (`+storeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.OrganizationID, s.Name, s.Type, s.Settings, s.SealedCredentials, s.CredentialsNonce,
		s.IsDefault, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert store: %w", err)
	}
	return nil
}

// GetStore loads a store by id.
func (r *Queries) GetStore(ctx context.Context, id string) (*model.Store, error) {
	var s model.Store
	if err := r.get(ctx, &s, `SELECT `+storeColumns+` FROM stores WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "store", id)
	}
	return &s, nil
}

// ListStores returns the organization's stores ordered by name.
func (r *Queries) ListStores(ctx context.Context, organizationID string) ([]model.Store, error) {
	var out []model.Store
	err := r.selectAll(ctx, &out, `SELECT `+storeColumns+` FROM stores WHERE organization_id = ? ORDER BY name`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list stores: %w", err)
	}
	return out, nil
}

// DefaultStore returns the organization's default store.
func (r *Queries) DefaultStore(ctx context.Context, organizationID string) (*model.Store, error) {
	var s model.Store
	err := r.get(ctx, &s, `SELECT `+storeColumns+` FROM stores WHERE organization_id = ? AND is_default = ?`, organizationID, true)
	if err != nil {
		return nil, notFound(err, "store", "default for "+organizationID)
	}
	return &s, nil
}

// ClearDefaultStore unsets the default flag on every store of the organization.
func (r *Queries) ClearDefaultStore(ctx context.Context, organizationID string) error {
	_, err := r.exec(ctx, `UPDATE stores SET is_default = ? WHERE organization_id = ?`, false, organizationID)
	if err != nil {
		return fmt.Errorf("failed to clear default store: %w", err)
	}
	return nil
}

// UpdateStoreCredentials replaces the sealed credentials.
func (r *Queries) UpdateStoreCredentials(ctx context.Context, id string, sealed, nonce []byte, at time.Time) error {
	ok, err := r.execOne(ctx, `UPDATE stores SET credentials = ?, credentials_nonce = ?, updated_at = ? WHERE id = ?`,
		sealed, nonce, at, id)
	if err != nil {
		return fmt.Errorf("failed to update store credentials: %w", err)
	}
	if !ok {
		return notFound(errNoRows, "store", id)
	}
	return nil
}

// MarkDefaultStore sets the default flag on one store.
func (r *Queries) MarkDefaultStore(ctx context.Context, id string, at time.Time) error {
	ok, err := r.execOne(ctx, `UPDATE stores SET is_default = ?, updated_at = ? WHERE id = ?`, true, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark default store: %w", err)
	}
	if !ok {
		return notFound(errNoRows, "store", id)
	}
	return nil
}
