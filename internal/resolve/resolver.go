// Package resolve computes the effective configuration of a set by merging
// its own values over those of its ancestors, and derives diffs and clones
// from that view.
package resolve

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/systmms/cfgvault/internal/backends"
	"github.com/systmms/cfgvault/internal/crypto"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/logging"
	"github.com/systmms/cfgvault/internal/metrics"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/pkg/backend"
)

// Mask replaces secret values when Options.MaskSecrets is set.
const Mask = "********"

const listPageSize = 500

// Options controls how secrets appear in a resolution.
type Options struct {
	// IncludeSecrets keeps secret keys; otherwise they are omitted entirely.
	IncludeSecrets bool
	// MaskSecrets replaces included secret values with Mask.
	MaskSecrets bool
}

// ResolvedValue is one key of the effective view.
type ResolvedValue struct {
	Key           string     `json:"key"`
	Value         string     `json:"value"`
	Kind          model.Kind `json:"kind"`
	IsSecret      bool       `json:"is_secret"`
	Masked        bool       `json:"masked,omitempty"`
	DefiningSetID string     `json:"defining_set_id"`
	Version       int64      `json:"version"`
}

// Result is the effective configuration of SetID.
type Result struct {
	SetID string `json:"set_id"`
	// Chain lists the set ids from root to leaf.
	Chain  []string                 `json:"chain"`
	Values map[string]ResolvedValue `json:"values"`
}

// Keys returns the keys in sorted order.
func (r *Result) Keys() []string {
	keys := make([]string, 0, len(r.Values))
	for k := range r.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns key -> value.
func (r *Result) Map() map[string]string {
	out := make(map[string]string, len(r.Values))
	for k, v := range r.Values {
		out[k] = v.Value
	}
	return out
}

// Resolver reads sets through the builtin backend inside one snapshot per call.
type Resolver struct {
	db       *repository.DB
	cipher   *crypto.Cipher
	registry *backends.Registry
	logger   *logging.Logger
	now      func() time.Time
}

// New creates a resolver. registry is used by Clone to replicate into
// external stores and may be nil when only builtin stores exist.
func New(db *repository.DB, cipher *crypto.Cipher, registry *backends.Registry, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Resolver{
		db:       db,
		cipher:   cipher,
		registry: registry,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// sealedEntry is a winning value before decryption.
type sealedEntry struct {
	value backend.Value
	set   model.ConfigSet
}

// Resolve returns the effective values of setID.
func (r *Resolver) Resolve(ctx context.Context, setID string, opts Options) (res *Result, err error) {
	start := time.Now()
	defer func() { metrics.RecordResolve(err, time.Since(start)) }()

	var (
		chain  []model.ConfigSet
		merged map[string]sealedEntry
	)
	err = r.db.Snapshot(ctx, func(q *repository.Queries) error {
		leafFirst, err := q.ChainFrom(ctx, setID, repository.MaxChainDepth)
		if err != nil {
			return err
		}
		chain = reverse(leafFirst)

		merged = make(map[string]sealedEntry)
		for _, set := range chain {
			values, err := listAll(ctx, backends.NewBuiltinTx(q, set.ID))
			if err != nil {
				return fmt.Errorf("read set %s: %w", set.ID, err)
			}
			for _, v := range values {
				merged[v.Key] = sealedEntry{value: v, set: set}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	res = &Result{SetID: setID, Values: make(map[string]ResolvedValue, len(merged))}
	for _, s := range chain {
		res.Chain = append(res.Chain, s.ID)
	}
	for key, e := range merged {
		rv := ResolvedValue{
			Key:           key,
			Kind:          model.Kind(e.value.Kind),
			IsSecret:      e.value.Secret || model.Kind(e.value.Kind) == model.KindSecret,
			DefiningSetID: e.set.ID,
			Version:       e.value.Version,
		}
		if rv.IsSecret && !opts.IncludeSecrets {
			continue
		}
		if rv.IsSecret && opts.MaskSecrets {
			rv.Value, rv.Masked = Mask, true
			res.Values[key] = rv
			continue
		}
		plain, err := r.cipher.DecryptString(e.value.Ciphertext, e.value.Nonce, e.set.Tenant())
		if err != nil {
			r.logger.With("set", e.set.ID).With("key", key).Error("decryption failed during resolve: %v", err)
			return nil, err
		}
		rv.Value = plain
		res.Values[key] = rv
	}
	return res, nil
}

// ChangeKind classifies one key of a Diff.
type ChangeKind string

const (
	Added     ChangeKind = "added"
	Removed   ChangeKind = "removed"
	Changed   ChangeKind = "changed"
	Unchanged ChangeKind = "unchanged"
)

// KeyDiff describes one key across two resolutions. Secret values are masked.
type KeyDiff struct {
	Key    string     `json:"key"`
	Change ChangeKind `json:"change"`
	Old    string     `json:"old,omitempty"`
	New    string     `json:"new,omitempty"`
	Secret bool       `json:"secret,omitempty"`
}

// Diff is the comparison of set A (old) against set B (new).
type Diff struct {
	A         string    `json:"a"`
	B         string    `json:"b"`
	Added     []KeyDiff `json:"added"`
	Removed   []KeyDiff `json:"removed"`
	Changed   []KeyDiff `json:"changed"`
	Unchanged []KeyDiff `json:"unchanged"`
}

// Compare resolves both sets and diffs them by key. Secrets are compared by
// plaintext but never appear in the diff.
func (r *Resolver) Compare(ctx context.Context, setA, setB string) (*Diff, error) {
	a, err := r.Resolve(ctx, setA, Options{IncludeSecrets: true})
	if err != nil {
		return nil, err
	}
	b, err := r.Resolve(ctx, setB, Options{IncludeSecrets: true})
	if err != nil {
		return nil, err
	}

	d := &Diff{A: setA, B: setB}
	show := func(v ResolvedValue) string {
		if v.IsSecret {
			return Mask
		}
		return v.Value
	}
	for _, key := range a.Keys() {
		av := a.Values[key]
		bv, ok := b.Values[key]
		switch {
		case !ok:
			d.Removed = append(d.Removed, KeyDiff{Key: key, Change: Removed, Old: show(av), Secret: av.IsSecret})
		case av.Value != bv.Value || av.Kind != bv.Kind || av.IsSecret != bv.IsSecret:
			d.Changed = append(d.Changed, KeyDiff{Key: key, Change: Changed, Old: show(av), New: show(bv), Secret: av.IsSecret || bv.IsSecret})
		default:
			d.Unchanged = append(d.Unchanged, KeyDiff{Key: key, Change: Unchanged, Old: show(av), New: show(bv), Secret: av.IsSecret})
		}
	}
	for _, key := range b.Keys() {
		if _, ok := a.Values[key]; !ok {
			bv := b.Values[key]
			d.Added = append(d.Added, KeyDiff{Key: key, Change: Added, New: show(bv), Secret: bv.IsSecret})
		}
	}
	return d, nil
}

// CloneRequest names the copy.
type CloneRequest struct {
	SourceSetID string
	Name        string
	// Environment, when set, makes the clone an environment-scoped set.
	Environment string
	Actor       string
}

// Clone copies the values the source set owns directly (not inherited ones)
// into a new set. The copy keeps the source's owner, store, schema and parent;
// its values start again at version 1 with fresh history. For an external
// store the values are replicated before anything is written locally.
func (r *Resolver) Clone(ctx context.Context, req CloneRequest) (*model.ConfigSet, error) {
	q := r.db.Queries()
	src, err := q.GetSet(ctx, req.SourceSetID)
	if err != nil {
		return nil, err
	}

	now := r.now()
	clone := *src
	clone.ID = uuid.NewString()
	clone.Name = req.Name
	clone.IsActive = true
	clone.IsLocked = false
	clone.CreatedAt = now
	clone.UpdatedAt = now
	if req.Environment != "" {
		clone.Scope = model.ScopeEnvironment
		clone.Environment = req.Environment
	}
	if err := clone.Validate(); err != nil {
		return nil, cverrors.UserError{Message: err.Error()}
	}

	var owned []backend.Value
	err = r.db.Snapshot(ctx, func(q *repository.Queries) error {
		owned, err = listAll(ctx, backends.NewBuiltinTx(q, src.ID))
		return err
	})
	if err != nil {
		return nil, err
	}

	sealed := make([]backend.Value, 0, len(owned))
	for _, v := range owned {
		plain, err := r.cipher.Decrypt(v.Ciphertext, v.Nonce, src.Tenant())
		if err != nil {
			r.logger.With("set", src.ID).With("key", v.Key).Error("decryption failed during clone: %v", err)
			return nil, err
		}
		ct, nonce, err := r.cipher.Encrypt(plain, clone.Tenant())
		if err != nil {
			return nil, err
		}
		sealed = append(sealed, backend.Value{Key: v.Key, Kind: v.Kind, Secret: v.Secret, Ciphertext: ct, Nonce: nonce, Version: 1})
	}

	meta := map[string]string{
		backend.MetaActor:  req.Actor,
		backend.MetaReason: "cloned from " + src.ID,
	}
	if err := r.replicate(ctx, clone, sealed, meta); err != nil {
		return nil, err
	}

	err = r.db.WithTx(ctx, func(q *repository.Queries) error {
		if err := q.InsertSet(ctx, &clone); err != nil {
			return err
		}
		local := backends.NewBuiltinTx(q, clone.ID)
		for _, v := range sealed {
			if _, err := local.Put(ctx, v.Key, v, meta); err != nil {
				return fmt.Errorf("copy %s: %w", v.Key, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("cloned set %s into %s (%d values)", src.ID, clone.ID, len(sealed))
	return &clone, nil
}

// replicate pushes values to the clone's store when it is external. On
// failure it removes what it already pushed.
func (r *Resolver) replicate(ctx context.Context, set model.ConfigSet, values []backend.Value, meta map[string]string) error {
	if r.registry == nil || len(values) == 0 {
		return nil
	}
	store, err := r.db.Queries().GetStore(ctx, set.StoreID)
	if err != nil {
		return err
	}
	if !backends.IsExternal(store.Type) {
		return nil
	}
	adapter, err := r.registry.Open(ctx, *store, set.ID)
	if err != nil {
		return err
	}
	for i, v := range values {
		if _, err := adapter.Put(ctx, v.Key, v, meta); err != nil {
			for _, done := range values[:i] {
				if _, derr := adapter.Delete(ctx, done.Key); derr != nil {
					r.logger.Warn("cleanup of %s in store %s failed: %v", done.Key, store.Name, derr)
				}
			}
			return err
		}
	}
	return nil
}

func listAll(ctx context.Context, a backend.Adapter) ([]backend.Value, error) {
	var (
		out   []backend.Value
		token string
	)
	for {
		page, err := a.List(ctx, backend.ListOptions{MaxResults: listPageSize, ContinuationToken: token})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Values...)
		if !page.HasMore {
			return out, nil
		}
		token = page.ContinuationToken
	}
}

func reverse(sets []model.ConfigSet) []model.ConfigSet {
	out := make([]model.ConfigSet, len(sets))
	for i, s := range sets {
		out[len(sets)-1-i] = s
	}
	return out
}
