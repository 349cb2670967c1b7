// Package tokens issues and verifies scoped access tokens for
// non-interactive consumers such as CI jobs.
package tokens

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"

	"github.com/systmms/cfgvault/internal/audit"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/logging"
	"github.com/systmms/cfgvault/internal/metrics"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
)

const (
	// Prefix starts every plaintext token.
	Prefix = "cfv_"
	// DefaultCacheTTL bounds how long another process may accept a revoked token.
	DefaultCacheTTL = 30 * time.Second

	secretBytes   = 32
	displayLength = 12
	touchTimeout  = 5 * time.Second
)

// plaintextLength is Prefix plus 32 bytes in unpadded base64url.
var plaintextLength = len(Prefix) + base64.RawURLEncoding.EncodedLen(secretBytes)

// Verification outcomes, also used as metric labels.
const (
	OutcomeValid      = "valid"
	OutcomeInvalid    = "invalid"
	OutcomeRevoked    = "revoked"
	OutcomeExpired    = "expired"
	OutcomeScope      = "scope"
	OutcomePermission = "permission"
)

// CreateRequest describes a token to issue.
type CreateRequest struct {
	SetID         string
	Name          string
	Permission    model.Permission
	AllowedSetIDs []string
	ExpiresAt     *time.Time
	CreatedBy     string
}

// Scope is what a request needs from a token. An empty SetID skips the set
// check; an empty Permission means read.
type Scope struct {
	SetID      string
	Permission model.Permission
}

// Option configures a Service.
type Option func(*Service)

// WithCacheTTL sets the verification cache TTL. Zero disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service manages access tokens. Only the SHA-256 of a token is stored.
type Service struct {
	db     *repository.DB
	audit  *audit.Recorder
	logger *logging.Logger
	ttl    time.Duration
	cache  *cache.Cache
	now    func() time.Time

	touches sync.WaitGroup
}

// NewService creates a token service. rec may be nil.
func NewService(db *repository.DB, rec *audit.Recorder, opts ...Option) *Service {
	if rec == nil {
		rec = audit.Discard()
	}
	s := &Service{
		db:     db,
		audit:  rec,
		logger: logging.Nop(),
		ttl:    DefaultCacheTTL,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl > 0 {
		s.cache = cache.New(s.ttl, 2*s.ttl)
	}
	return s
}

// Hash returns the stored form of a plaintext token.
func Hash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func generate() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create issues a token and returns its record with the plaintext, which is
// never available again.
func (s *Service) Create(ctx context.Context, req CreateRequest) (tok *model.AccessToken, plaintext string, err error) {
	defer func() {
		ev := audit.NewEvent(audit.ActionTokenCreate, req.SetID, "", req.CreatedBy, cverrors.Public(err))
		if tok != nil {
			ev.TokenPrefix = tok.Prefix
			ev.Meta = map[string]string{"name": tok.Name, "permission": string(tok.Permission)}
		}
		s.audit.Record(ctx, ev)
	}()

	if err := s.checkRequest(ctx, &req); err != nil {
		return nil, "", err
	}
	plaintext, err = generate()
	if err != nil {
		return nil, "", err
	}

	tok = &model.AccessToken{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Prefix:        plaintext[:displayLength],
		Hash:          Hash(plaintext),
		Permission:    req.Permission,
		SetID:         req.SetID,
		AllowedSetIDs: model.StringList(req.AllowedSetIDs),
		ExpiresAt:     req.ExpiresAt,
		IsActive:      true,
		CreatedBy:     req.CreatedBy,
		CreatedAt:     s.now(),
	}
	if err := s.db.Queries().InsertToken(ctx, tok); err != nil {
		return nil, "", err
	}
	s.logger.With("set", req.SetID).Info("created %s token %s (%s)", tok.Permission, tok.Name, tok.Prefix)
	return tok, plaintext, nil
}

func (s *Service) checkRequest(ctx context.Context, req *CreateRequest) error {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return cverrors.UserError{Message: "token name is required"}
	}
	if req.Permission == "" {
		req.Permission = model.PermissionRead
	}
	if !req.Permission.Valid() {
		return cverrors.UserError{
			Message:    fmt.Sprintf("unknown permission %q", req.Permission),
			Suggestion: "Use read, write or admin",
		}
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return cverrors.UserError{Message: "token expiry must be in the future"}
	}
	q := s.db.Queries()
	if _, err := q.GetSet(ctx, req.SetID); err != nil {
		return err
	}
	for _, id := range req.AllowedSetIDs {
		if _, err := q.GetSet(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Verify checks plaintext against scope. Every rejection is a
// PermissionError; the reason never reveals whether the token exists.
func (s *Service) Verify(ctx context.Context, plaintext string, scope Scope) (*model.AccessToken, error) {
	tok, outcome, err := s.verify(ctx, plaintext, scope)
	metrics.RecordTokenVerification(outcome)
	if err != nil {
		return nil, err
	}
	s.touch(tok.ID)
	return tok, nil
}

func (s *Service) verify(ctx context.Context, plaintext string, scope Scope) (*model.AccessToken, string, error) {
	if !strings.HasPrefix(plaintext, Prefix) || len(plaintext) != plaintextLength {
		return nil, OutcomeInvalid, cverrors.PermissionError{Reason: "invalid token"}
	}
	tok, err := s.lookup(ctx, Hash(plaintext))
	if err != nil {
		if cverrors.IsNotFound(err) {
			return nil, OutcomeInvalid, cverrors.PermissionError{Reason: "invalid token"}
		}
		return nil, OutcomeInvalid, err
	}

	required := scope.Permission
	if required == "" {
		required = model.PermissionRead
	}
	switch {
	case !tok.IsActive:
		return nil, OutcomeRevoked, cverrors.PermissionError{Reason: "token has been revoked"}
	case tok.Expired(s.now()):
		return nil, OutcomeExpired, cverrors.PermissionError{Reason: "token has expired"}
	case scope.SetID != "" && !tok.CoversSet(scope.SetID):
		return nil, OutcomeScope, cverrors.PermissionError{Reason: fmt.Sprintf("token is not valid for set %s", scope.SetID)}
	case !tok.Permission.Allows(required):
		return nil, OutcomePermission, cverrors.PermissionError{
			Reason: fmt.Sprintf("token permission %s does not allow %s", tok.Permission, required),
		}
	}
	return tok, OutcomeValid, nil
}

// lookup returns a copy of the record for hash, from the cache when fresh.
func (s *Service) lookup(ctx context.Context, hash string) (*model.AccessToken, error) {
	if s.cache != nil {
		if v, ok := s.cache.Get(hash); ok {
			tok := v.(model.AccessToken)
			return &tok, nil
		}
	}
	tok, err := s.db.Queries().GetTokenByHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetDefault(hash, *tok)
	}
	return tok, nil
}

// touch records usage in the background. Failures are only logged.
func (s *Service) touch(id string) {
	at := s.now()
	s.touches.Add(1)
	go func() {
		defer s.touches.Done()
		ctx, cancel := context.WithTimeout(context.Background(), touchTimeout)
		defer cancel()
		if err := s.db.Queries().TouchToken(ctx, id, at); err != nil {
			s.logger.With("token", id).Warn("failed to record token usage: %v", err)
		}
	}()
}

// Wait blocks until pending usage updates finish.
func (s *Service) Wait() {
	s.touches.Wait()
}

// Revoke deactivates a token and evicts it from this process's cache.
func (s *Service) Revoke(ctx context.Context, id, actor string) (err error) {
	var tok *model.AccessToken
	defer func() {
		ev := audit.NewEvent(audit.ActionTokenRevoke, "", "", actor, cverrors.Public(err))
		if tok != nil {
			ev.SetID = tok.SetID
			ev.TokenPrefix = tok.Prefix
		}
		s.audit.Record(ctx, ev)
	}()

	q := s.db.Queries()
	tok, err = q.GetToken(ctx, id)
	if err != nil {
		return err
	}
	if err := q.RevokeToken(ctx, id); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Delete(tok.Hash)
	}
	s.logger.With("set", tok.SetID).Info("revoked token %s (%s)", tok.Name, tok.Prefix)
	return nil
}

// Get loads a token record by id.
func (s *Service) Get(ctx context.Context, id string) (*model.AccessToken, error) {
	return s.db.Queries().GetToken(ctx, id)
}

// List returns the tokens whose primary set is setID, newest first.
func (s *Service) List(ctx context.Context, setID string) ([]model.AccessToken, error) {
	if _, err := s.db.Queries().GetSet(ctx, setID); err != nil {
		return nil, err
	}
	return s.db.Queries().ListTokens(ctx, setID)
}
