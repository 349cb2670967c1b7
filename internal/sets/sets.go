// Package sets manages the lifecycle of configuration sets: creation, the
// parent graph, and the orthogonal locked and archived flags.
package sets

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/cfgvault/internal/audit"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
)

// Service owns set mutations. Parent changes run in one transaction so a
// rejected edit leaves no trace.
type Service struct {
	db    *repository.DB
	audit *audit.Recorder
	now   func() time.Time
}

// NewService creates a set service. rec may be nil.
func NewService(db *repository.DB, rec *audit.Recorder) *Service {
	if rec == nil {
		rec = audit.Discard()
	}
	return &Service{db: db, audit: rec, now: func() time.Time { return time.Now().UTC() }}
}

// CreateRequest describes a new set. StoreID defaults to the organization's
// default store.
type CreateRequest struct {
	Name           string
	Scope          model.Scope
	OrganizationID string
	RepositoryID   string
	Environment    string
	StoreID        string
	SchemaID       string
	ParentSetID    string
	Actor          string
}

// Create validates and stores a new active, unlocked set.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*model.ConfigSet, error) {
	now := s.now()
	set := &model.ConfigSet{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Scope:          req.Scope,
		OrganizationID: req.OrganizationID,
		RepositoryID:   req.RepositoryID,
		Environment:    req.Environment,
		StoreID:        req.StoreID,
		SchemaID:       req.SchemaID,
		ParentSetID:    req.ParentSetID,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if set.Scope == "" {
		set.Scope = model.ScopeRepository
		if set.RepositoryID == "" {
			set.Scope = model.ScopeOrganization
		}
	}

	err := s.db.WithTx(ctx, func(q *repository.Queries) error {
		if set.StoreID == "" && set.OrganizationID != "" {
			def, err := q.DefaultStore(ctx, set.OrganizationID)
			if cverrors.IsNotFound(err) {
				return cverrors.UserError{
					Message:    fmt.Sprintf("organization %s has no default store", set.OrganizationID),
					Suggestion: "Create one with 'cfgvault store add' or pass --store",
				}
			}
			if err != nil {
				return err
			}
			set.StoreID = def.ID
		}
		if err := set.Validate(); err != nil {
			return cverrors.UserError{Message: err.Error()}
		}

		store, err := q.GetStore(ctx, set.StoreID)
		if err != nil {
			return err
		}
		if set.OrganizationID != "" && store.OrganizationID != set.OrganizationID {
			return cverrors.UserError{
				Message: fmt.Sprintf("store %s belongs to another organization", store.Name),
			}
		}
		if set.SchemaID != "" {
			if _, err := q.GetSchema(ctx, set.SchemaID); err != nil {
				return err
			}
		}
		if set.ParentSetID != "" {
			chain, err := q.LockChain(ctx, set.ParentSetID, repository.MaxChainDepth)
			if err != nil {
				return err
			}
			if len(chain) >= repository.MaxChainDepth {
				return depthError(set.ID, set.ParentSetID)
			}
			set.HierarchyRank = len(chain)
		}
		return q.InsertSet(ctx, set)
	})
	if err != nil {
		return nil, err
	}
	return set, nil
}

// Get loads a set.
func (s *Service) Get(ctx context.Context, id string) (*model.ConfigSet, error) {
	return s.db.Queries().GetSet(ctx, id)
}

// List returns sets matching f.
func (s *Service) List(ctx context.Context, f repository.SetFilter) ([]model.ConfigSet, error) {
	return s.db.Queries().ListSets(ctx, f)
}

// SetParent points id at parentID, or detaches it when parentID is empty.
// The edit is rejected with a CycleError when parentID is id itself or one
// of its descendants, or when the deepest descendant of id would end up
// beyond a resolvable chain; the stored parent is then unchanged. The set
// and the new parent chain are row-locked for the transaction, so two
// concurrent edits cannot both pass the check. Ranks of the set and its
// descendants are recomputed in the same transaction.
func (s *Service) SetParent(ctx context.Context, id, parentID, actor string) (err error) {
	defer func() {
		ev := audit.NewEvent(audit.ActionSetParent, id, "", actor, cverrors.Public(err))
		ev.Meta = map[string]string{"parent": parentID}
		s.audit.Record(ctx, ev)
	}()

	return s.db.WithTx(ctx, func(q *repository.Queries) error {
		set, err := q.GetSetForUpdate(ctx, id)
		if err != nil {
			return err
		}

		rank := 0
		if parentID != "" {
			chain, err := q.LockChain(ctx, parentID, repository.MaxChainDepth)
			if err != nil {
				return err
			}
			path := make([]string, 0, len(chain)+1)
			path = append(path, id)
			for _, c := range chain {
				path = append(path, c.ID)
				if c.ID == id {
					return cverrors.CycleError{SetID: id, ParentID: parentID, Path: path}
				}
			}
			rank = len(chain)
		}

		height, err := q.SubtreeHeight(ctx, set.ID, repository.MaxChainDepth)
		if err != nil {
			return err
		}
		if rank+height >= repository.MaxChainDepth {
			return depthError(id, parentID)
		}

		if err := q.UpdateSetParent(ctx, set.ID, parentID, rank, s.now()); err != nil {
			return err
		}
		return rerank(ctx, q, set.ID, rank, 0)
	})
}

// rerank walks the descendants of id and sets each rank to its depth.
func rerank(ctx context.Context, q *repository.Queries, id string, rank, depth int) error {
	if depth >= repository.MaxChainDepth {
		return cverrors.CycleError{SetID: id, Limit: repository.MaxChainDepth}
	}
	children, err := q.ListChildren(ctx, id)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := q.UpdateSetRank(ctx, c.ID, rank+1); err != nil {
			return err
		}
		if err := rerank(ctx, q, c.ID, rank+1, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func depthError(id, parentID string) error {
	return cverrors.CycleError{SetID: id, ParentID: parentID, Limit: repository.MaxChainDepth}
}

// Lock rejects writes to the set except admin overrides.
func (s *Service) Lock(ctx context.Context, id, actor string) error {
	return s.flags(ctx, id, actor, audit.ActionSetLock, "lock", func(set *model.ConfigSet) { set.IsLocked = true })
}

// Unlock allows writes again.
func (s *Service) Unlock(ctx context.Context, id, actor string) error {
	return s.flags(ctx, id, actor, audit.ActionSetLock, "unlock", func(set *model.ConfigSet) { set.IsLocked = false })
}

// Archive deactivates the set. Reads keep working; writes are rejected.
func (s *Service) Archive(ctx context.Context, id, actor string) error {
	return s.flags(ctx, id, actor, audit.ActionSetArchive, "archive", func(set *model.ConfigSet) { set.IsActive = false })
}

// Restore reactivates an archived set.
func (s *Service) Restore(ctx context.Context, id, actor string) error {
	return s.flags(ctx, id, actor, audit.ActionSetArchive, "restore", func(set *model.ConfigSet) { set.IsActive = true })
}

func (s *Service) flags(ctx context.Context, id, actor string, action audit.Action, op string, apply func(*model.ConfigSet)) (err error) {
	defer func() {
		ev := audit.NewEvent(action, id, "", actor, cverrors.Public(err))
		ev.Meta = map[string]string{"op": op}
		s.audit.Record(ctx, ev)
	}()

	return s.db.WithTx(ctx, func(q *repository.Queries) error {
		set, err := q.GetSet(ctx, id)
		if err != nil {
			return err
		}
		apply(set)
		return q.UpdateSetFlags(ctx, id, set.IsActive, set.IsLocked, s.now())
	})
}

// Rename changes the display name.
func (s *Service) Rename(ctx context.Context, id, name string) error {
	if name == "" {
		return cverrors.UserError{Message: "set name is required"}
	}
	return s.db.WithTx(ctx, func(q *repository.Queries) error {
		set, err := q.GetSet(ctx, id)
		if err != nil {
			return err
		}
		return q.UpdateSetAttributes(ctx, id, name, set.SchemaID, s.now())
	})
}

// BindSchema attaches a schema version to the set, or detaches it when
// schemaID is empty.
func (s *Service) BindSchema(ctx context.Context, id, schemaID string) error {
	return s.db.WithTx(ctx, func(q *repository.Queries) error {
		set, err := q.GetSet(ctx, id)
		if err != nil {
			return err
		}
		if schemaID != "" {
			if _, err := q.GetSchema(ctx, schemaID); err != nil {
				return err
			}
		}
		return q.UpdateSetAttributes(ctx, id, set.Name, schemaID, s.now())
	})
}

// CheckWritable returns a PermissionError when set rejects writes.
func CheckWritable(set *model.ConfigSet, adminOverride bool) error {
	if !set.IsActive {
		return cverrors.PermissionError{Reason: fmt.Sprintf("set %s is archived", set.Name)}
	}
	if set.IsLocked && !adminOverride {
		return cverrors.PermissionError{Reason: fmt.Sprintf("set %s is locked", set.Name)}
	}
	return nil
}
