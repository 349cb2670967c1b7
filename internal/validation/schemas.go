package validation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
)

// SchemaService manages versioned schemas and their validators. A revision
// always inserts a new row; earlier versions are never modified.
type SchemaService struct {
	db     *repository.DB
	custom *CustomRegistry
	now    func() time.Time
}

// NewSchemaService creates a schema service. custom is consulted when
// attaching custom rules and may be nil.
func NewSchemaService(db *repository.DB, custom *CustomRegistry) *SchemaService {
	if custom == nil {
		custom = NewCustomRegistry()
	}
	return &SchemaService{db: db, custom: custom, now: func() time.Time { return time.Now().UTC() }}
}

// CreateSchemaRequest declares version 1 of a schema.
type CreateSchemaRequest struct {
	Name           string
	OrganizationID string
	RepositoryID   string
	Keys           []model.KeyDef
	Actor          string
}

// CreateSchema stores version 1 of a new schema.
func (s *SchemaService) CreateSchema(ctx context.Context, req CreateSchemaRequest) (*model.Schema, error) {
	schema := &model.Schema{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Version:        1,
		OrganizationID: req.OrganizationID,
		RepositoryID:   req.RepositoryID,
		Keys:           model.KeyDefs(req.Keys),
		CreatedBy:      req.Actor,
		CreatedAt:      s.now(),
	}
	if err := validateSchema(schema); err != nil {
		return nil, err
	}

	err := s.db.WithTx(ctx, func(q *repository.Queries) error {
		if _, err := q.LatestSchema(ctx, req.OrganizationID, req.RepositoryID, req.Name); err == nil {
			return cverrors.UserError{
				Message:    fmt.Sprintf("schema %q already exists", req.Name),
				Suggestion: "Use 'cfgvault schema revise' to publish a new version",
			}
		} else if !cverrors.IsNotFound(err) {
			return err
		}
		return q.InsertSchema(ctx, schema)
	})
	if err != nil {
		return nil, err
	}
	return schema, nil
}

// ReviseSchema publishes keys as the next version of the schema identified
// by schemaID (any version of it). Validators stay attached to the version
// they were created on.
func (s *SchemaService) ReviseSchema(ctx context.Context, schemaID string, keys []model.KeyDef, actor string) (*model.Schema, error) {
	var revised *model.Schema
	err := s.db.WithTx(ctx, func(q *repository.Queries) error {
		base, err := q.GetSchema(ctx, schemaID)
		if err != nil {
			return err
		}
		latest, err := q.LatestSchema(ctx, base.OrganizationID, base.RepositoryID, base.Name)
		if err != nil {
			return err
		}
		revised = &model.Schema{
			ID:             uuid.NewString(),
			Name:           latest.Name,
			Version:        latest.Version + 1,
			OrganizationID: latest.OrganizationID,
			RepositoryID:   latest.RepositoryID,
			Keys:           model.KeyDefs(keys),
			CreatedBy:      actor,
			CreatedAt:      s.now(),
		}
		if err := validateSchema(revised); err != nil {
			return err
		}
		if err := q.InsertSchema(ctx, revised); err != nil {
			if repository.IsUniqueViolation(err) {
				return fmt.Errorf("schema %s was revised concurrently: %w", latest.Name, repository.ErrConflict)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revised, nil
}

// GetSchema loads one schema version.
func (s *SchemaService) GetSchema(ctx context.Context, id string) (*model.Schema, error) {
	return s.db.Queries().GetSchema(ctx, id)
}

// Versions lists every version of the schema that id belongs to, oldest first.
func (s *SchemaService) Versions(ctx context.Context, id string) ([]model.Schema, error) {
	q := s.db.Queries()
	base, err := q.GetSchema(ctx, id)
	if err != nil {
		return nil, err
	}
	return q.ListSchemaVersions(ctx, base.OrganizationID, base.RepositoryID, base.Name)
}

// Validators lists the rules of a schema version in priority order.
func (s *SchemaService) Validators(ctx context.Context, schemaID string) ([]model.Validator, error) {
	return s.db.Queries().ListValidators(ctx, schemaID)
}

// AttachValidator adds a rule to a schema version after checking its
// configuration.
func (s *SchemaService) AttachValidator(ctx context.Context, v model.Validator) (*model.Validator, error) {
	if !v.Kind.Valid() {
		return nil, cverrors.UserError{
			Message:    fmt.Sprintf("unknown rule kind %q", v.Kind),
			Suggestion: "Use one of: pattern, range, enum, dependency, custom",
		}
	}

	var cfg interface{}
	switch v.Kind {
	case model.RulePattern:
		cfg = &PatternConfig{}
	case model.RuleRange:
		cfg = &RangeConfig{}
	case model.RuleEnum:
		cfg = &EnumConfig{}
	case model.RuleDependency:
		cfg = &DependencyConfig{}
	case model.RuleCustom:
		cfg = &CustomConfig{}
	}
	if err := DecodeRuleConfig(v, cfg); err != nil {
		return nil, cverrors.ValidationError{Violations: []cverrors.Violation{{
			Key: v.Key, RuleKind: string(v.Kind), Message: err.Error(),
		}}}
	}
	if c, ok := cfg.(*CustomConfig); ok {
		if _, known := s.custom.Get(c.Check); !known {
			return nil, cverrors.UserError{
				Message:    fmt.Sprintf("unknown custom check %q", c.Check),
				Suggestion: fmt.Sprintf("Available checks: %v", s.custom.Names()),
			}
		}
	}
	if v.Kind != model.RuleDependency && v.Key == "" {
		return nil, cverrors.UserError{Message: fmt.Sprintf("%s rules need a target key", v.Kind)}
	}

	err := s.db.WithTx(ctx, func(q *repository.Queries) error {
		schema, err := q.GetSchema(ctx, v.SchemaID)
		if err != nil {
			return err
		}
		if v.Key != "" {
			if _, ok := schema.Key(v.Key); !ok {
				return cverrors.UserError{
					Message:    fmt.Sprintf("key %q is not declared in schema %s v%d", v.Key, schema.Name, schema.Version),
					Suggestion: "Revise the schema to declare the key first",
				}
			}
		}
		v.ID = uuid.NewString()
		v.Created = s.now()
		return q.InsertValidator(ctx, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func validateSchema(s *model.Schema) error {
	if err := s.Validate(); err != nil {
		return cverrors.UserError{Message: err.Error()}
	}
	for _, k := range s.Keys {
		if k.Default == nil {
			continue
		}
		if _, err := model.ParseTyped(k.Kind, *k.Default); err != nil {
			return cverrors.UserError{Message: fmt.Sprintf("default of key %s: %v", k.Name, err)}
		}
	}
	return nil
}
