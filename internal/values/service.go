// Package values owns writes to configuration values: encryption, the
// compare-and-increment version bump with its history row, replication to
// external stores and the lock/archive write policy.
package values

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/systmms/cfgvault/internal/audit"
	"github.com/systmms/cfgvault/internal/backends"
	"github.com/systmms/cfgvault/internal/crypto"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/logging"
	"github.com/systmms/cfgvault/internal/metrics"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/internal/sets"
	"github.com/systmms/cfgvault/pkg/backend"
)

// DefaultMaxAttempts bounds compare-and-increment retries for one key.
const DefaultMaxAttempts = 5

var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.\-]{0,255}$`)

// ValidKey reports whether name is usable as a configuration key.
func ValidKey(name string) bool {
	return keyPattern.MatchString(name)
}

// Entry is one plaintext value to write. An empty Kind means string, or the
// kind the set's schema declares for Key.
type Entry struct {
	Key    string     `json:"key"`
	Value  string     `json:"value"`
	Kind   model.Kind `json:"kind,omitempty"`
	Secret bool       `json:"secret,omitempty"`
}

// WriteOptions carries per-call policy and provenance.
type WriteOptions struct {
	Reason string
	// AdminOverride permits writes to a locked set. Archived sets stay read-only.
	AdminOverride bool
	// RequestMeta is recorded in history (e.g. "ip", "user_agent").
	RequestMeta map[string]string
	// TokenPrefix identifies the access token behind the write, if any.
	TokenPrefix string
}

// BulkFailure is one rejected entry of a bulk write.
type BulkFailure struct {
	Key   string `json:"key"`
	Error string `json:"error"`
	Err   error  `json:"-"`
}

// BulkResult reports each entry independently.
type BulkResult struct {
	Succeeded []*model.ConfigValue `json:"succeeded"`
	Failed    []BulkFailure        `json:"failed"`
}

// Option configures a Service.
type Option func(*Service)

// WithMaxAttempts sets how many times a lost version race is retried.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service writes values. Local rows are the source of truth; sets on an
// external store get the sealed envelope pushed there first.
type Service struct {
	db          *repository.DB
	cipher      *crypto.Cipher
	registry    *backends.Registry
	audit       *audit.Recorder
	logger      *logging.Logger
	maxAttempts int
}

// NewService creates a value service. registry may be nil when only builtin
// stores are in use; rec may be nil.
func NewService(db *repository.DB, cipher *crypto.Cipher, registry *backends.Registry, rec *audit.Recorder, opts ...Option) *Service {
	if rec == nil {
		rec = audit.Discard()
	}
	s := &Service{
		db:          db,
		cipher:      cipher,
		registry:    registry,
		audit:       rec,
		logger:      logging.Nop(),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put encrypts e and stores it as the next version of e.Key in setID.
func (s *Service) Put(ctx context.Context, setID string, e Entry, actor string, opts WriteOptions) (v *model.ConfigValue, err error) {
	defer func() {
		metrics.RecordValueWrite("put", err)
		ev := s.event(audit.ActionValuePut, setID, e.Key, actor, opts, err)
		if v != nil {
			ev.Meta["version"] = strconv.FormatInt(v.Version, 10)
		}
		s.audit.Record(ctx, ev)
	}()

	set, err := s.writableSet(ctx, setID, opts)
	if err != nil {
		return nil, err
	}
	e, err = s.normalize(ctx, set, e)
	if err != nil {
		return nil, err
	}

	ct, nonce, err := s.cipher.EncryptString(e.Value, set.Tenant())
	if err != nil {
		return nil, err
	}
	sealed := backend.Value{
		Key:        e.Key,
		Kind:       string(e.Kind),
		Secret:     e.Secret,
		Ciphertext: ct,
		Nonce:      nonce,
	}
	meta := writeMeta(actor, opts)

	if err := s.replicate(ctx, set, func(a backend.Adapter) error {
		next := sealed
		version, err := nextVersion(ctx, s.db.Queries(), set.ID, e.Key)
		if err != nil {
			return err
		}
		next.Version = version
		_, err = a.Put(ctx, e.Key, next, meta)
		return err
	}); err != nil {
		return nil, err
	}

	var stored backend.Value
	err = s.retryConflicts(ctx, func() error {
		var err error
		stored, err = s.builtin(set.ID, opts).Put(ctx, e.Key, sealed, meta)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", e.Key, err)
	}
	return toModel(set.ID, stored, actor), nil
}

// BulkPut writes each entry as an independent Put. One failing entry does
// not undo or block the others.
func (s *Service) BulkPut(ctx context.Context, setID string, entries []Entry, actor string, opts WriteOptions) BulkResult {
	res := BulkResult{Succeeded: []*model.ConfigValue{}, Failed: []BulkFailure{}}
	for _, e := range entries {
		v, err := s.Put(ctx, setID, e, actor, opts)
		if err != nil {
			res.Failed = append(res.Failed, BulkFailure{Key: e.Key, Error: cverrors.Public(err).Error(), Err: err})
			continue
		}
		res.Succeeded = append(res.Succeeded, v)
	}

	var summary error
	if len(res.Failed) > 0 {
		summary = fmt.Errorf("%d of %d entries failed", len(res.Failed), len(entries))
	}
	ev := s.event(audit.ActionValueBulkPut, setID, "", actor, opts, summary)
	ev.Meta["succeeded"] = strconv.Itoa(len(res.Succeeded))
	ev.Meta["failed"] = strconv.Itoa(len(res.Failed))
	s.audit.Record(ctx, ev)
	return res
}

// Delete removes key from setID. The history row keeps the final value as
// its previous state.
func (s *Service) Delete(ctx context.Context, setID, key, actor string, opts WriteOptions) (err error) {
	defer func() {
		metrics.RecordValueWrite("delete", err)
		s.audit.Record(ctx, s.event(audit.ActionValueDelete, setID, key, actor, opts, err))
	}()

	set, err := s.writableSet(ctx, setID, opts)
	if err != nil {
		return err
	}
	if _, err := s.db.Queries().GetValue(ctx, set.ID, key); err != nil {
		return err
	}

	if err := s.replicate(ctx, set, func(a backend.Adapter) error {
		_, err := a.Delete(ctx, key)
		return err
	}); err != nil {
		return err
	}

	var existed bool
	err = s.retryConflicts(ctx, func() error {
		var err error
		existed, err = s.builtin(set.ID, opts).DeleteAs(ctx, key, writeMeta(actor, opts))
		return err
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	if !existed {
		return cverrors.NotFoundError{Kind: "value", ID: key}
	}
	return nil
}

// History returns up to limit changes to key, newest first.
func (s *Service) History(ctx context.Context, setID, key string, limit int) ([]model.HistoryEntry, error) {
	q := s.db.Queries()
	if _, err := q.GetSet(ctx, setID); err != nil {
		return nil, err
	}
	return q.ListHistory(ctx, setID, key, limit)
}

// Rollback writes the value recorded at version as a new version. History
// is never rewritten.
func (s *Service) Rollback(ctx context.Context, setID, key string, version int64, actor string, opts WriteOptions) (v *model.ConfigValue, err error) {
	defer func() {
		ev := s.event(audit.ActionValueRollback, setID, key, actor, opts, err)
		ev.Meta["target_version"] = strconv.FormatInt(version, 10)
		s.audit.Record(ctx, ev)
	}()

	q := s.db.Queries()
	set, err := q.GetSet(ctx, setID)
	if err != nil {
		return nil, err
	}
	h, err := q.GetHistoryVersion(ctx, setID, key, version)
	if err != nil {
		return nil, err
	}
	if h.ChangeType == model.ChangeDelete || len(h.NewCiphertext) == 0 {
		return nil, cverrors.UserError{
			Message:    fmt.Sprintf("version %d of %s records a deletion", version, key),
			Suggestion: "Pick a version that was written with put",
		}
	}
	plain, err := s.cipher.DecryptString(h.NewCiphertext, h.NewNonce, set.Tenant())
	if err != nil {
		s.logger.With("set", setID).With("key", key).Error("decryption failed during rollback: %v", err)
		return nil, err
	}

	if opts.Reason == "" {
		opts.Reason = fmt.Sprintf("rollback to v%d", version)
	}
	return s.Put(ctx, setID, Entry{Key: key, Value: plain, Kind: h.Kind, Secret: h.IsSecret}, actor, opts)
}

func (s *Service) writableSet(ctx context.Context, setID string, opts WriteOptions) (*model.ConfigSet, error) {
	set, err := s.db.Queries().GetSet(ctx, setID)
	if err != nil {
		return nil, err
	}
	if err := sets.CheckWritable(set, opts.AdminOverride); err != nil {
		return nil, err
	}
	return set, nil
}

// builtin returns the local adapter for setID. The write transaction locks
// the set row and checks the lock and archive flags again, so a lock that
// commits after writableSet still rejects the write.
func (s *Service) builtin(setID string, opts WriteOptions) *backends.Builtin {
	return backends.NewBuiltin(s.db, setID).WithWriteGuard(func(ctx context.Context, q *repository.Queries) error {
		set, err := q.GetSetForUpdate(ctx, setID)
		if err != nil {
			return err
		}
		return sets.CheckWritable(set, opts.AdminOverride)
	})
}

// nextVersion is the version the next write of key will get: one past the
// live row, or one past the last recorded version once the key was deleted.
func nextVersion(ctx context.Context, q *repository.Queries, setID, key string) (int64, error) {
	cur, err := q.GetValue(ctx, setID, key)
	switch {
	case err == nil:
		return cur.Version + 1, nil
	case !cverrors.IsNotFound(err):
		return 0, err
	}
	last, err := q.LastVersion(ctx, setID, key)
	if err != nil {
		return 0, err
	}
	return last + 1, nil
}

// normalize checks the key and kind of e against the set's schema and
// canonicalizes json values.
func (s *Service) normalize(ctx context.Context, set *model.ConfigSet, e Entry) (Entry, error) {
	if !ValidKey(e.Key) {
		return e, cverrors.UserError{
			Message:    fmt.Sprintf("invalid key name %q", e.Key),
			Suggestion: "Keys start with a letter or underscore and contain letters, digits, '_', '.' or '-'",
		}
	}

	if set.SchemaID != "" {
		schema, err := s.db.Queries().GetSchema(ctx, set.SchemaID)
		if err != nil {
			return e, err
		}
		if def, ok := schema.Key(e.Key); ok {
			if e.Kind == "" {
				e.Kind = def.Kind
			}
			if e.Kind != def.Kind {
				return e, cverrors.ValidationError{Violations: []cverrors.Violation{{
					Key:      e.Key,
					RuleKind: "type",
					Message:  fmt.Sprintf("%s is declared as %s, got %s", e.Key, def.Kind, e.Kind),
				}}}
			}
		}
	}
	if e.Kind == "" {
		e.Kind = model.KindString
	}
	if _, err := model.ParseKind(string(e.Kind)); err != nil {
		return e, cverrors.UserError{Message: err.Error()}
	}
	if _, err := model.ParseTyped(e.Kind, e.Value); err != nil {
		return e, cverrors.ValidationError{Violations: []cverrors.Violation{{
			Key: e.Key, RuleKind: "type", Message: err.Error(),
		}}}
	}
	if e.Kind == model.KindSecret {
		e.Secret = true
	}
	if e.Kind == model.KindJSON {
		var buf bytes.Buffer
		if err := json.Compact(&buf, []byte(e.Value)); err == nil {
			e.Value = buf.String()
		}
	}
	return e, nil
}

// replicate runs push against the set's store when it is external. Errors
// abort the write before any local mutation.
func (s *Service) replicate(ctx context.Context, set *model.ConfigSet, push func(backend.Adapter) error) error {
	if s.registry == nil {
		return nil
	}
	store, err := s.db.Queries().GetStore(ctx, set.StoreID)
	if err != nil {
		return err
	}
	if !backends.IsExternal(store.Type) {
		return nil
	}
	adapter, err := s.registry.Open(ctx, *store, set.ID)
	if err != nil {
		return cverrors.StoreConnectionError{Store: store.Name, Op: "open", Err: err}
	}
	if err := push(adapter); err != nil {
		s.logger.With("store", store.Name).With("set", set.ID).Warn("replication failed: %v", err)
		return err
	}
	return nil
}

// retryConflicts repeats op while it loses the compare-and-increment race.
func (s *Service) retryConflicts(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil || errors.Is(err, backend.ErrVersionConflict) {
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}

func (s *Service) event(action audit.Action, setID, key, actor string, opts WriteOptions, err error) audit.Event {
	ev := audit.NewEvent(action, setID, key, actor, cverrors.Public(err))
	ev.TokenPrefix = opts.TokenPrefix
	ev.Meta = map[string]string{}
	if opts.Reason != "" {
		ev.Meta["reason"] = opts.Reason
	}
	if opts.AdminOverride {
		ev.Meta["admin_override"] = "true"
	}
	return ev
}

func writeMeta(actor string, opts WriteOptions) map[string]string {
	meta := map[string]string{backend.MetaActor: actor}
	if opts.Reason != "" {
		meta[backend.MetaReason] = opts.Reason
	}
	for k, v := range opts.RequestMeta {
		meta[backend.MetaRequestPrefix+k] = v
	}
	if opts.TokenPrefix != "" {
		meta[backend.MetaRequestPrefix+"token"] = opts.TokenPrefix
	}
	return meta
}

func toModel(setID string, v backend.Value, actor string) *model.ConfigValue {
	return &model.ConfigValue{
		SetID:      setID,
		Key:        v.Key,
		Kind:       model.Kind(v.Kind),
		Ciphertext: v.Ciphertext,
		Nonce:      v.Nonce,
		IsSecret:   v.Secret,
		Version:    v.Version,
		UpdatedBy:  actor,
		UpdatedAt:  v.UpdatedAt,
	}
}
