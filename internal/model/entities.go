package model

import (
	"fmt"
	"strings"
	"time"
)

// KeyDef declares one key of a schema.
type KeyDef struct {
	Name        string   `json:"name" yaml:"name"`
	Kind        Kind     `json:"kind" yaml:"kind"`
	Required    bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Default     *string  `json:"default,omitempty" yaml:"default,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Pattern     string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Enum        []string `json:"enum,omitempty" yaml:"enum,omitempty"`
	Min         *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max         *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MinLength   *int     `json:"minLength,omitempty" yaml:"minLength,omitempty"`
	MaxLength   *int     `json:"maxLength,omitempty" yaml:"maxLength,omitempty"`
	Deprecated  bool     `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	// JSONSchema constrains json-kind values.
	JSONSchema map[string]interface{} `json:"jsonSchema,omitempty" yaml:"jsonSchema,omitempty"`
}

// Schema is one immutable version of a declared configuration shape.
// Revisions create a new row with the same Name and owner and Version+1.
type Schema struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Version        int       `db:"version" json:"version"`
	OrganizationID string    `db:"organization_id" json:"organization_id,omitempty"`
	RepositoryID   string    `db:"repository_id" json:"repository_id,omitempty"`
	Keys           KeyDefs   `db:"definition" json:"keys"`
	CreatedBy      string    `db:"created_by" json:"created_by"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Validate enforces owner exclusivity and key uniqueness.
func (s Schema) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("schema name is required")
	}
	if err := exactlyOneOwner(s.OrganizationID, s.RepositoryID); err != nil {
		return fmt.Errorf("schema %s: %w", s.Name, err)
	}
	seen := make(map[string]bool, len(s.Keys))
	for _, k := range s.Keys {
		if k.Name == "" {
			return fmt.Errorf("schema %s: key without a name", s.Name)
		}
		if seen[k.Name] {
			return fmt.Errorf("schema %s: duplicate key %s", s.Name, k.Name)
		}
		seen[k.Name] = true
		if _, err := ParseKind(string(k.Kind)); err != nil {
			return fmt.Errorf("schema %s key %s: %w", s.Name, k.Name, err)
		}
	}
	return nil
}

// Key returns the definition for name.
func (s Schema) Key(name string) (KeyDef, bool) {
	for _, k := range s.Keys {
		if k.Name == name {
			return k, true
		}
	}
	return KeyDef{}, false
}

// Validator is a rule attached to a schema. Key is empty for cross-key rules.
type Validator struct {
	ID       string    `db:"id" json:"id"`
	SchemaID string    `db:"schema_id" json:"schema_id"`
	Key      string    `db:"key_name" json:"key,omitempty"`
	Kind     RuleKind  `db:"rule_kind" json:"rule_kind"`
	Config   JSONDoc   `db:"config" json:"config"`
	Priority int       `db:"priority" json:"priority"`
	Message  string    `db:"message" json:"message,omitempty"`
	Created  time.Time `db:"created_at" json:"created_at"`
}

// Store binds an organization to a backend. Credentials are sealed with the
// organization's tenant key and never leave the process in plaintext.
type Store struct {
	ID                string     `db:"id" json:"id"`
	OrganizationID    string     `db:"organization_id" json:"organization_id"`
	Name              string     `db:"name" json:"name"`
	Type              string     `db:"type" json:"type"`
	Settings          Attributes `db:"settings" json:"settings,omitempty"`
	SealedCredentials []byte     `db:"credentials" json:"-"`
	CredentialsNonce  []byte     `db:"credentials_nonce" json:"-"`
	IsDefault         bool       `db:"is_default" json:"is_default"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Tenant is the key-derivation context for the store's credentials.
func (s Store) Tenant() string {
	return TenantFor(s.OrganizationID, "")
}

// Redacted returns a copy without credential material.
func (s Store) Redacted() Store {
	s.SealedCredentials = nil
	s.CredentialsNonce = nil
	return s
}

// ConfigSet is a named, scoped bag of keys. IsActive=false means archived.
type ConfigSet struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	Scope          Scope     `db:"scope" json:"scope"`
	OrganizationID string    `db:"organization_id" json:"organization_id,omitempty"`
	RepositoryID   string    `db:"repository_id" json:"repository_id,omitempty"`
	Environment    string    `db:"environment" json:"environment,omitempty"`
	StoreID        string    `db:"store_id" json:"store_id"`
	SchemaID       string    `db:"schema_id" json:"schema_id,omitempty"`
	ParentSetID    string    `db:"parent_set_id" json:"parent_set_id,omitempty"`
	HierarchyRank  int       `db:"hierarchy_rank" json:"hierarchy_rank"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	IsLocked       bool      `db:"is_locked" json:"is_locked"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// Validate enforces the scope/owner rules.
func (s ConfigSet) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("set name is required")
	}
	if s.StoreID == "" {
		return fmt.Errorf("set %s: store is required", s.Name)
	}
	if s.ParentSetID != "" && s.ParentSetID == s.ID {
		return fmt.Errorf("set %s cannot be its own parent", s.Name)
	}
	switch s.Scope {
	case ScopeOrganization, ScopeRepository:
		if err := exactlyOneOwner(s.OrganizationID, s.RepositoryID); err != nil {
			return fmt.Errorf("set %s: %w", s.Name, err)
		}
		if s.Scope == ScopeOrganization && s.OrganizationID == "" {
			return fmt.Errorf("set %s: organization scope requires an organization owner", s.Name)
		}
		if s.Scope == ScopeRepository && s.RepositoryID == "" {
			return fmt.Errorf("set %s: repository scope requires a repository owner", s.Name)
		}
	case ScopeEnvironment:
		if s.Environment == "" {
			return fmt.Errorf("set %s: environment scope requires an environment name", s.Name)
		}
		if s.OrganizationID == "" && s.RepositoryID == "" {
			return fmt.Errorf("set %s: environment set needs an owner", s.Name)
		}
	default:
		return fmt.Errorf("set %s: unknown scope %q", s.Name, s.Scope)
	}
	return nil
}

// Tenant is the key-derivation context for the set's values.
func (s ConfigSet) Tenant() string {
	return TenantFor(s.OrganizationID, s.RepositoryID)
}

// TenantFor builds a tenant identifier from owner ids; organization wins.
func TenantFor(organizationID, repositoryID string) string {
	if organizationID != "" {
		return "organization/" + organizationID
	}
	return "repository/" + repositoryID
}

// ConfigValue is one live key in a set.
type ConfigValue struct {
	ID         string    `db:"id" json:"id"`
	SetID      string    `db:"set_id" json:"set_id"`
	Key        string    `db:"key_name" json:"key"`
	Kind       Kind      `db:"kind" json:"kind"`
	Ciphertext []byte    `db:"ciphertext" json:"-"`
	Nonce      []byte    `db:"nonce" json:"-"`
	IsSecret   bool      `db:"is_secret" json:"is_secret"`
	Version    int64     `db:"version" json:"version"`
	UpdatedBy  string    `db:"updated_by" json:"updated_by"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time `db:"updated_at" json:"updated_at"`
}

// HistoryEntry is an append-only record of one change to a (set, key).
type HistoryEntry struct {
	ID             string     `db:"id" json:"id"`
	SetID          string     `db:"set_id" json:"set_id"`
	Key            string     `db:"key_name" json:"key"`
	Kind           Kind       `db:"kind" json:"kind"`
	IsSecret       bool       `db:"is_secret" json:"is_secret"`
	ChangeType     ChangeType `db:"change_type" json:"change_type"`
	PrevCiphertext []byte     `db:"prev_ciphertext" json:"-"`
	PrevNonce      []byte     `db:"prev_nonce" json:"-"`
	NewCiphertext  []byte     `db:"new_ciphertext" json:"-"`
	NewNonce       []byte     `db:"new_nonce" json:"-"`
	PrevVersion    int64      `db:"prev_version" json:"prev_version"`
	NewVersion     int64      `db:"new_version" json:"new_version"`
	Actor          string     `db:"actor" json:"actor"`
	Reason         string     `db:"reason" json:"reason,omitempty"`
	RequestMeta    Attributes `db:"request_meta" json:"request_meta,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
}

// AccessToken is a scoped, hash-verified CI credential.
type AccessToken struct {
	ID            string     `db:"id" json:"id"`
	Name          string     `db:"name" json:"name"`
	Prefix        string     `db:"prefix" json:"prefix"`
	Hash          string     `db:"token_hash" json:"-"`
	Permission    Permission `db:"permission" json:"permission"`
	SetID         string     `db:"set_id" json:"set_id"`
	AllowedSetIDs StringList `db:"allowed_set_ids" json:"allowed_set_ids,omitempty"`
	ExpiresAt     *time.Time `db:"expires_at" json:"expires_at,omitempty"`
	IsActive      bool       `db:"is_active" json:"is_active"`
	LastUsedAt    *time.Time `db:"last_used_at" json:"last_used_at,omitempty"`
	UsageCount    int64      `db:"usage_count" json:"usage_count"`
	CreatedBy     string     `db:"created_by" json:"created_by"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

// Expired reports whether the token is past its expiry at now.
func (t AccessToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// CoversSet reports whether setID is the primary set or in the allow-list.
func (t AccessToken) CoversSet(setID string) bool {
	return t.SetID == setID || t.AllowedSetIDs.Contains(setID)
}

// ExportSpec is a stored export target. Scheduling is external; the engine
// only runs it on demand.
type ExportSpec struct {
	ID             string    `db:"id" json:"id"`
	Name           string    `db:"name" json:"name"`
	SetID          string    `db:"set_id" json:"set_id"`
	Format         string    `db:"format" json:"format"`
	Destination    string    `db:"destination" json:"destination,omitempty"`
	Schedule       string    `db:"schedule" json:"schedule,omitempty"`
	IncludeSecrets bool      `db:"include_secrets" json:"include_secrets"`
	KeyPrefix      string    `db:"key_prefix" json:"key_prefix,omitempty"`
	KeyTransform   string    `db:"key_transform" json:"key_transform,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

func exactlyOneOwner(organizationID, repositoryID string) error {
	switch {
	case organizationID != "" && repositoryID != "":
		return fmt.Errorf("owned by both an organization and a repository")
	case organizationID == "" && repositoryID == "":
		return fmt.Errorf("needs exactly one owner (organization or repository)")
	}
	return nil
}
