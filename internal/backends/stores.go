package backends

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/pkg/backend"
)

// StoreService manages store bindings. Credentials are sealed on the way in
// and never returned.
type StoreService struct {
	db       *repository.DB
	registry *Registry
	now      func() time.Time
}

// NewStoreService creates a store service.
func NewStoreService(db *repository.DB, registry *Registry) *StoreService {
	return &StoreService{db: db, registry: registry, now: utcNow}
}

// CreateStoreRequest describes a new store binding.
type CreateStoreRequest struct {
	OrganizationID string
	Name           string
	Type           string
	Settings       map[string]string
	Credentials    map[string]string
	// IsDefault makes this the organization's default store. The first store
	// of an organization is always the default.
	IsDefault bool
}

// Create seals the credentials and persists the store.
func (s *StoreService) Create(ctx context.Context, req CreateStoreRequest) (*model.Store, error) {
	if strings.TrimSpace(req.OrganizationID) == "" {
		return nil, fmt.Errorf("store %s: organization is required", req.Name)
	}
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("store name is required")
	}
	if !s.registry.IsSupported(req.Type) {
		return nil, cverrors.UserError{
			Message:    fmt.Sprintf("unknown backend type: %s", req.Type),
			Suggestion: "Use one of: " + strings.Join(s.registry.SupportedTypes(), ", "),
		}
	}

	now := s.now()
	store := &model.Store{
		ID:             uuid.NewString(),
		OrganizationID: req.OrganizationID,
		Name:           req.Name,
		Type:           req.Type,
		Settings:       model.Attributes(req.Settings),
		IsDefault:      req.IsDefault,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.registry.SealCredentials(store, req.Credentials); err != nil {
		return nil, err
	}

	err := s.db.WithTx(ctx, func(q *repository.Queries) error {
		existing, err := q.ListStores(ctx, req.OrganizationID)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			store.IsDefault = true
		}
		if store.IsDefault {
			if err := q.ClearDefaultStore(ctx, req.OrganizationID); err != nil {
				return err
			}
		}
		if err := q.InsertStore(ctx, store); err != nil {
			if repository.IsUniqueViolation(err) {
				return cverrors.UserError{
					Message:    fmt.Sprintf("store %q already exists", req.Name),
					Suggestion: "Choose a different store name",
				}
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	redacted := store.Redacted()
	return &redacted, nil
}

// Get returns a store without credential material.
func (s *StoreService) Get(ctx context.Context, id string) (*model.Store, error) {
	store, err := s.db.Queries().GetStore(ctx, id)
	if err != nil {
		return nil, err
	}
	redacted := store.Redacted()
	return &redacted, nil
}

// List returns the organization's stores without credential material.
func (s *StoreService) List(ctx context.Context, organizationID string) ([]model.Store, error) {
	stores, err := s.db.Queries().ListStores(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	for i := range stores {
		stores[i] = stores[i].Redacted()
	}
	return stores, nil
}

// RotateCredentials replaces a store's credentials.
func (s *StoreService) RotateCredentials(ctx context.Context, id string, creds map[string]string) error {
	return s.db.WithTx(ctx, func(q *repository.Queries) error {
		store, err := q.GetStore(ctx, id)
		if err != nil {
			return err
		}
		if err := s.registry.SealCredentials(store, creds); err != nil {
			return err
		}
		return q.UpdateStoreCredentials(ctx, id, store.SealedCredentials, store.CredentialsNonce, s.now())
	})
}

// SetDefault makes id the organization's only default store.
func (s *StoreService) SetDefault(ctx context.Context, id string) error {
	return s.db.WithTx(ctx, func(q *repository.Queries) error {
		store, err := q.GetStore(ctx, id)
		if err != nil {
			return err
		}
		if err := q.ClearDefaultStore(ctx, store.OrganizationID); err != nil {
			return err
		}
		return q.MarkDefaultStore(ctx, id, s.now())
	})
}

// Test opens the store and checks connectivity.
func (s *StoreService) Test(ctx context.Context, id string) (backend.ConnectionStatus, error) {
	store, err := s.db.Queries().GetStore(ctx, id)
	if err != nil {
		return backend.ConnectionStatus{}, err
	}
	adapter, err := s.registry.Open(ctx, *store, "")
	if err != nil {
		return backend.ConnectionStatus{Details: err.Error()}, err
	}
	status, err := adapter.TestConnection(ctx)
	if err != nil {
		return status, cverrors.BackendError(store.Type, "connection test", err)
	}
	return status, nil
}
