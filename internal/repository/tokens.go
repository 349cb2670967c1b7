package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/systmms/cfgvault/internal/model"
)

const tokenColumns = `id, name, prefix, token_hash, permission, set_id, allowed_set_ids, expires_at,
	is_active, last_used_at, usage_count, created_by, created_at`

// InsertToken persists a token record (hash only).
func (r *Queries) InsertToken(ctx context.Context, t *model.AccessToken) error {
	_, err := r.exec(ctx, `INSERT INTO access_tokens (`+tokenColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Prefix, t.Hash, t.Permission, t.SetID, t.AllowedSetIDs, t.ExpiresAt,
		t.IsActive, t.LastUsedAt, t.UsageCount, t.CreatedBy, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert token: %w", err)
	}
	return nil
}

// GetToken loads a token by id.
func (r *Queries) GetToken(ctx context.Context, id string) (*model.AccessToken, error) {
	var t model.AccessToken
	if err := r.get(ctx, &t, `SELECT `+tokenColumns+` FROM access_tokens WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "token", id)
	}
	return &t, nil
}

// GetTokenByHash loads a token by the hash of its plaintext.
func (r *Queries) GetTokenByHash(ctx context.Context, hash string) (*model.AccessToken, error) {
	var t model.AccessToken
	if err := r.get(ctx, &t, `SELECT `+tokenColumns+` FROM access_tokens WHERE token_hash = ?`, hash); err != nil {
		return nil, notFound(err, "token", "")
	}
	return &t, nil
}

// ListTokens returns tokens whose primary set is setID, newest first.
func (r *Queries) ListTokens(ctx context.Context, setID string) ([]model.AccessToken, error) {
	var out []model.AccessToken
	err := r.selectAll(ctx, &out, `SELECT `+tokenColumns+` FROM access_tokens WHERE set_id = ? ORDER BY created_at DESC`, setID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return out, nil
}

// RevokeToken marks a token inactive.
func (r *Queries) RevokeToken(ctx context.Context, id string) error {
	ok, err := r.execOne(ctx, `UPDATE access_tokens SET is_active = ? WHERE id = ?`, false, id)
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	if !ok {
		return notFound(errNoRows, "token", id)
	}
	return nil
}

// TouchToken bumps the usage counters.
func (r *Queries) TouchToken(ctx context.Context, id string, at time.Time) error {
	_, err := r.exec(ctx, `UPDATE access_tokens SET last_used_at = ?, usage_count = usage_count + 1 WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("failed to record token usage: %w", err)
	}
	return nil
}
