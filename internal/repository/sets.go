package repository

import (
	"context"
	"fmt"
	"time"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
)

// MaxChainDepth bounds every parent-chain walk.
const MaxChainDepth = 32

const setColumns = `id, name, scope, organization_id, repository_id, environment, store_id, schema_id,
	parent_set_id, hierarchy_rank, is_active, is_locked, created_at, updated_at`

// SetFilter narrows ListSets. Empty fields match everything.
type SetFilter struct {
	OrganizationID  string
	RepositoryID    string
	IncludeArchived bool
}

// InsertSet persists a new set.
func (r *Queries) InsertSet(ctx context.Context, s *model.ConfigSet) error {
	_, err := r.exec(ctx, `INSERT INTO config_sets (`+setColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.Scope, s.OrganizationID, s.RepositoryID, s.Environment, s.StoreID, s.SchemaID,
		s.ParentSetID, s.HierarchyRank, s.IsActive, s.IsLocked, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert set: %w", err)
	}
	return nil
}

// GetSet loads a set by id.
func (r *Queries) GetSet(ctx context.Context, id string) (*model.ConfigSet, error) {
	var s model.ConfigSet
	if err := r.get(ctx, &s, `SELECT `+setColumns+` FROM config_sets WHERE id = ?`, id); err != nil {
		return nil, notFound(err, "set", id)
	}
	return &s, nil
}

// ListSets returns sets matching f ordered by rank then name.
func (r *Queries) ListSets(ctx context.Context, f SetFilter) ([]model.ConfigSet, error) {
	query := `SELECT ` + setColumns + ` FROM config_sets WHERE 1 = 1`
	var args []interface{}
	if f.OrganizationID != "" {
		query += ` AND organization_id = ?`
		args = append(args, f.OrganizationID)
	}
	if f.RepositoryID != "" {
		query += ` AND repository_id = ?`
		args = append(args, f.RepositoryID)
	}
	if !f.IncludeArchived {
		query += ` AND is_active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY hierarchy_rank, name`

	var out []model.ConfigSet
	if err := r.selectAll(ctx, &out, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list sets: %w", err)
	}
	return out, nil
}

// ListChildren returns the direct children of a set.
func (r *Queries) ListChildren(ctx context.Context, parentID string) ([]model.ConfigSet, error) {
	var out []model.ConfigSet
	err := r.selectAll(ctx, &out, `SELECT `+setColumns+` FROM config_sets WHERE parent_set_id = ? ORDER BY name`, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child sets: %w", err)
	}
	return out, nil
}

// UpdateSetParent rewrites the parent link and rank.
func (r *Queries) UpdateSetParent(ctx context.Context, id, parentID string, rank int, at time.Time) error {
	ok, err := r.execOne(ctx, `UPDATE config_sets SET parent_set_id = ?, hierarchy_rank = ?, updated_at = ? WHERE id = ?`,
		parentID, rank, at, id)
	if err != nil {
		return fmt.Errorf("failed to update parent: %w", err)
	}
	if !ok {
		return notFound(errNoRows, "set", id)
	}
	return nil
}

// UpdateSetRank rewrites only the rank.
func (r *Queries) UpdateSetRank(ctx context.Context, id string, rank int) error {
	if _, err := r.exec(ctx, `UPDATE config_sets SET hierarchy_rank = ? WHERE id = ?`, rank, id); err != nil {
		return fmt.Errorf("failed to update rank: %w", err)
	}
	return nil
}

// UpdateSetFlags sets the locked and active flags.
func (r *Queries) UpdateSetFlags(ctx context.Context, id string, active, locked bool, at time.Time) error {
	ok, err := r.execOne(ctx, `UPDATE config_sets SET is_active = ?, is_locked = ?, updated_at = ? WHERE id = ?`,
		active, locked, at, id)
	if err != nil {
		return fmt.Errorf("failed to update set flags: %w", err)
	}
	if !ok {
		return notFound(errNoRows, "set", id)
	}
	return nil
}

// UpdateSetAttributes rewrites the name and schema binding.
func (r *Queries) UpdateSetAttributes(ctx context.Context, id, name, schemaID string, at time.Time) error {
	ok, err := r.execOne(ctx, `UPDATE config_sets SET name = ?, schema_id = ?, updated_at = ? WHERE id = ?`,
		name, schemaID, at, id)
	if err != nil {
		return fmt.Errorf("failed to update set: %w", err)
	}
	if !ok {
		return notFound(errNoRows, "set", id)
	}
	return nil
}

// GetSetForUpdate loads a set and locks its row until the surrounding
// transaction ends. SQLite has no row locks; its single connection already
// serializes writers.
func (r *Queries) GetSetForUpdate(ctx context.Context, id string) (*model.ConfigSet, error) {
	var s model.ConfigSet
	if err := r.get(ctx, &s, `SELECT `+setColumns+` FROM config_sets WHERE id = ?`+r.forUpdate(), id); err != nil {
		return nil, notFound(err, "set", id)
	}
	return &s, nil
}

func (r *Queries) forUpdate() string {
	if r.q.DriverName() == DialectSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// ChainFrom walks parent links from setID and returns the chain leaf first.
// A revisited set or a chain deeper than maxDepth is a CycleError.
func (r *Queries) ChainFrom(ctx context.Context, setID string, maxDepth int) ([]model.ConfigSet, error) {
	return r.walkChain(ctx, setID, maxDepth, r.GetSet)
}

// LockChain is ChainFrom with every member locked as by GetSetForUpdate, so
// concurrent parent edits touching the same chain run one after the other.
func (r *Queries) LockChain(ctx context.Context, setID string, maxDepth int) ([]model.ConfigSet, error) {
	return r.walkChain(ctx, setID, maxDepth, r.GetSetForUpdate)
}

func (r *Queries) walkChain(ctx context.Context, setID string, maxDepth int, load func(context.Context, string) (*model.ConfigSet, error)) ([]model.ConfigSet, error) {
	if maxDepth <= 0 {
		maxDepth = MaxChainDepth
	}
	visited := make(map[string]bool)
	var (
		chain []model.ConfigSet
		path  []string
	)
	for id := setID; id != ""; {
		if visited[id] {
			return nil, cverrors.CycleError{SetID: setID, Path: append(path, id)}
		}
		if len(chain) >= maxDepth {
			return nil, cverrors.CycleError{SetID: setID, Path: path, Limit: maxDepth}
		}
		visited[id] = true
		path = append(path, id)

		s, err := load(ctx, id)
		if err != nil {
			return nil, err
		}
		chain = append(chain, *s)
		id = s.ParentSetID
	}
	return chain, nil
}

// SubtreeHeight returns how many levels of descendants hang below id
// (0 for a set without children). The walk stops at maxDepth levels.
func (r *Queries) SubtreeHeight(ctx context.Context, id string, maxDepth int) (int, error) {
	if maxDepth <= 0 {
		maxDepth = MaxChainDepth
	}
	height := 0
	level := []string{id}
	for len(level) > 0 {
		if height > maxDepth {
			return 0, cverrors.CycleError{SetID: id, Limit: maxDepth}
		}
		var next []string
		for _, parent := range level {
			children, err := r.ListChildren(ctx, parent)
			if err != nil {
				return 0, err
			}
			for _, c := range children {
				next = append(next, c.ID)
			}
		}
		if len(next) == 0 {
			break
		}
		height++
		level = next
	}
	return height, nil
}
