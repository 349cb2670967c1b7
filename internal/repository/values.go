package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/systmms/cfgvault/internal/model"
)

const valueColumns = `id, set_id, key_name, kind, ciphertext, nonce, is_secret, version, updated_by, created_at, updated_at`

const historyColumns = `id, set_id, key_name, kind, is_secret, change_type, prev_ciphertext, prev_nonce,
	new_ciphertext, new_nonce, prev_version, new_version, actor, reason, request_meta, created_at`

// ValuePage selects a key range of one set, ordered by key.
type ValuePage struct {
	Prefix   string
	AfterKey string
	Limit    int
}

// GetValue loads the live row for (setID, key).
func (r *Queries) GetValue(ctx context.Context, setID, key string) (*model.ConfigValue, error) {
	var v model.ConfigValue
	err := r.get(ctx, &v, `SELECT `+valueColumns+` FROM config_values WHERE set_id = ? AND key_name = ?`, setID, key)
	if err != nil {
		return nil, notFound(err, "value", setID+"/"+key)
	}
	return &v, nil
}

// ListValues returns every live row of a set ordered by key.
func (r *Queries) ListValues(ctx context.Context, setID string) ([]model.ConfigValue, error) {
	var out []model.ConfigValue
	err := r.selectAll(ctx, &out, `SELECT `+valueColumns+` FROM config_values WHERE set_id = ? ORDER BY key_name`, setID)
	if err != nil {
		return nil, fmt.Errorf("failed to list values: %w", err)
	}
	return out, nil
}

// ListValuesPage returns up to p.Limit rows after p.AfterKey whose key starts with p.Prefix.
func (r *Queries) ListValuesPage(ctx context.Context, setID string, p ValuePage) ([]model.ConfigValue, error) {
	query := `SELECT ` + valueColumns + ` FROM config_values WHERE set_id = ?`
	args := []interface{}{setID}
	if p.Prefix != "" {
		query += ` AND SUBSTR(key_name, 1, ?) = ?`
		args = append(args, utf8.RuneCountInString(p.Prefix), p.Prefix)
	}
	if p.AfterKey != "" {
		query += ` AND key_name > ?`
		args = append(args, p.AfterKey)
	}
	query += ` ORDER BY key_name`
	if p.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, p.Limit)
	}

	var out []model.ConfigValue
	if err := r.selectAll(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list values: %w", err)
	}
	return out, nil
}

// InsertValue creates the live row. A concurrent creator loses with ErrConflict.
func (r *Queries) InsertValue(ctx context.Context, v *model.ConfigValue) error {
	_, err := r.exec(ctx, `INSERT INTO config_values (`+valueColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.SetID, v.Key, v.Kind, v.Ciphertext, v.Nonce, v.IsSecret, v.Version, v.UpdatedBy, v.CreatedAt, v.UpdatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to insert value: %w", err)
	}
	return nil
}

// UpdateValueCAS writes v only if the stored version still equals
// expectedVersion; the stored version becomes expectedVersion+1.
func (r *Queries) UpdateValueCAS(ctx context.Context, v *model.ConfigValue, expectedVersion int64) error {
	ok, err := r.execOne(ctx, `UPDATE config_values
		SET kind = ?, ciphertext = ?, nonce = ?, is_secret = ?, version = version + 1, updated_by = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		v.Kind, v.Ciphertext, v.Nonce, v.IsSecret, v.UpdatedBy, v.UpdatedAt, v.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update value: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// DeleteValueCAS removes the live row if its version is still expectedVersion.
func (r *Queries) DeleteValueCAS(ctx context.Context, id string, expectedVersion int64) error {
	ok, err := r.execOne(ctx, `DELETE FROM config_values WHERE id = ? AND version = ?`, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to delete value: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// AppendHistory inserts one history row. History rows are never updated or
// deleted; the (set, key, new_version) uniqueness rejects duplicate versions.
func (r *Queries) AppendHistory(ctx context.Context, h *model.HistoryEntry) error {
	_, err := r.exec(ctx, `INSERT INTO config_value_history (`+historyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.SetID, h.Key, h.Kind, h.IsSecret, h.ChangeType, h.PrevCiphertext, h.PrevNonce,
		h.NewCiphertext, h.NewNonce, h.PrevVersion, h.NewVersion, h.Actor, h.Reason, h.RequestMeta, h.CreatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// ListHistory returns up to limit entries for (setID, key), newest first.
func (r *Queries) ListHistory(ctx context.Context, setID, key string, limit int) ([]model.HistoryEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM config_value_history
		WHERE set_id = ? AND key_name = ? ORDER BY new_version DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}
	var out []model.HistoryEntry
	if err := r.selectAll(ctx, &out, query, setID, key); err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return out, nil
}

// GetHistoryVersion returns the entry that produced version of (setID, key).
func (r *Queries) GetHistoryVersion(ctx context.Context, setID, key string, version int64) (*model.HistoryEntry, error) {
	var h model.HistoryEntry
	err := r.get(ctx, &h, `SELECT `+historyColumns+` FROM config_value_history
		WHERE set_id = ? AND key_name = ? AND new_version = ?`, setID, key, version)
	if err != nil {
		return nil, notFound(err, "value", fmt.Sprintf("%s/%s@%d", setID, key, version))
	}
	return &h, nil
}

// LastVersion returns the highest version ever recorded for (setID, key), or
// 0. Keys recreated after a delete continue from here.
func (r *Queries) LastVersion(ctx context.Context, setID, key string) (int64, error) {
	var v sql.NullInt64
	err := r.get(ctx, &v, `SELECT MAX(new_version) FROM config_value_history WHERE set_id = ? AND key_name = ?`, setID, key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read last version: %w", err)
	}
	return v.Int64, nil
}
