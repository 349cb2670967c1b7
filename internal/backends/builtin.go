package backends

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/pkg/backend"
)

// BuiltinType is the registry name of the relational backend.
const BuiltinType = "builtin"

// Builtin reads and writes the config_values rows of one set. Each write
// bumps the version with a compare-and-increment and appends exactly one
// history row in the same transaction.
type Builtin struct {
	setID string
	run   func(ctx context.Context, fn func(q *repository.Queries) error) error
	guard func(ctx context.Context, q *repository.Queries) error
	now   func() time.Time
}

// NewBuiltin returns an adapter that opens its own transaction per write.
func NewBuiltin(db *repository.DB, setID string) *Builtin {
	return &Builtin{setID: setID, run: db.WithTx, now: utcNow}
}

// NewBuiltinTx returns an adapter bound to an open transaction (or any
// Queries). Every call runs directly on q.
func NewBuiltinTx(q *repository.Queries, setID string) *Builtin {
	return &Builtin{
		setID: setID,
		run: func(_ context.Context, fn func(q *repository.Queries) error) error {
			return fn(q)
		},
		now: utcNow,
	}
}

// NewBuiltinFactory returns the registry factory for the builtin backend.
func NewBuiltinFactory(db *repository.DB) Factory {
	return func(_ context.Context, cfg Config) (backend.Adapter, error) {
		return NewBuiltin(db, cfg.Namespace), nil
	}
}

func utcNow() time.Time { return time.Now().UTC() }

// WithWriteGuard runs guard at the start of every Put and Delete transaction.
// A guard error aborts the write before any row changes.
func (b *Builtin) WithWriteGuard(guard func(ctx context.Context, q *repository.Queries) error) *Builtin {
	b.guard = guard
	return b
}

func (b *Builtin) checkWrite(ctx context.Context, q *repository.Queries) error {
	if b.guard == nil {
		return nil
	}
	return b.guard(ctx, q)
}

// Name implements backend.Adapter.
func (b *Builtin) Name() string { return BuiltinType }

// SupportsVersioning implements backend.Adapter.
func (b *Builtin) SupportsVersioning() bool { return true }

// TestConnection implements backend.Adapter.
func (b *Builtin) TestConnection(ctx context.Context) (backend.ConnectionStatus, error) {
	start := time.Now()
	err := b.run(ctx, func(q *repository.Queries) error { return q.Ping(ctx) })
	status := backend.ConnectionStatus{OK: err == nil, Latency: time.Since(start)}
	if err != nil {
		status.Details = err.Error()
		return status, err
	}
	status.Details = "database reachable"
	return status, nil
}

// Get implements backend.Adapter.
func (b *Builtin) Get(ctx context.Context, key string) (backend.Value, bool, error) {
	if err := ctx.Err(); err != nil {
		return backend.Value{}, false, err
	}
	var (
		out   backend.Value
		found bool
	)
	err := b.run(ctx, func(q *repository.Queries) error {
		row, err := q.GetValue(ctx, b.setID, key)
		if cverrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		out, found = rowToValue(row), true
		return nil
	})
	return out, found, err
}

// Put implements backend.Adapter. value.Version is ignored; the stored
// version is always the current version plus one.
func (b *Builtin) Put(ctx context.Context, key string, value backend.Value, meta map[string]string) (backend.Value, error) {
	var out backend.Value
	err := b.run(ctx, func(q *repository.Queries) error {
		if err := b.checkWrite(ctx, q); err != nil {
			return err
		}
		now := b.now()
		actor := meta[backend.MetaActor]
		row := &model.ConfigValue{
			SetID:      b.setID,
			Key:        key,
			Kind:       model.Kind(value.Kind),
			Ciphertext: value.Ciphertext,
			Nonce:      value.Nonce,
			IsSecret:   value.Secret,
			UpdatedBy:  actor,
			UpdatedAt:  now,
		}
		hist := &model.HistoryEntry{
			ID:            uuid.NewString(),
			SetID:         b.setID,
			Key:           key,
			Kind:          row.Kind,
			IsSecret:      row.IsSecret,
			NewCiphertext: value.Ciphertext,
			NewNonce:      value.Nonce,
			Actor:         actor,
			Reason:        meta[backend.MetaReason],
			RequestMeta:   model.Attributes(backend.RequestMeta(meta)),
			CreatedAt:     now,
		}

		current, err := q.GetValue(ctx, b.setID, key)
		switch {
		case cverrors.IsNotFound(err):
			last, err := q.LastVersion(ctx, b.setID, key)
			if err != nil {
				return err
			}
			row.ID = uuid.NewString()
			row.Version = last + 1
			row.CreatedAt = now
			if err := q.InsertValue(ctx, row); err != nil {
				return conflict(err)
			}
			hist.ChangeType = model.ChangeCreate
			hist.PrevVersion = last
		case err != nil:
			return err
		default:
			row.ID = current.ID
			row.CreatedAt = current.CreatedAt
			row.Version = current.Version + 1
			if err := q.UpdateValueCAS(ctx, row, current.Version); err != nil {
				return conflict(err)
			}
			hist.ChangeType = model.ChangeUpdate
			hist.PrevVersion = current.Version
			hist.PrevCiphertext = current.Ciphertext
			hist.PrevNonce = current.Nonce
		}

		hist.NewVersion = row.Version
		if err := q.AppendHistory(ctx, hist); err != nil {
			return conflict(err)
		}
		out = rowToValue(row)
		return nil
	})
	return out, err
}

// Delete implements backend.Adapter. The history row records the final value
// as its previous state and a null new value.
func (b *Builtin) Delete(ctx context.Context, key string) (bool, error) {
	return b.DeleteAs(ctx, key, nil)
}

// DeleteAs deletes key and records meta (actor, reason, request) in history.
func (b *Builtin) DeleteAs(ctx context.Context, key string, meta map[string]string) (bool, error) {
	existed := false
	err := b.run(ctx, func(q *repository.Queries) error {
		if err := b.checkWrite(ctx, q); err != nil {
			return err
		}
		current, err := q.GetValue(ctx, b.setID, key)
		if cverrors.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}

		hist := &model.HistoryEntry{
			ID:             uuid.NewString(),
			SetID:          b.setID,
			Key:            key,
			Kind:           current.Kind,
			IsSecret:       current.IsSecret,
			ChangeType:     model.ChangeDelete,
			PrevCiphertext: current.Ciphertext,
			PrevNonce:      current.Nonce,
			PrevVersion:    current.Version,
			NewVersion:     current.Version + 1,
			Actor:          meta[backend.MetaActor],
			Reason:         meta[backend.MetaReason],
			RequestMeta:    model.Attributes(backend.RequestMeta(meta)),
			CreatedAt:      b.now(),
		}
		if err := q.AppendHistory(ctx, hist); err != nil {
			return conflict(err)
		}
		if err := q.DeleteValueCAS(ctx, current.ID, current.Version); err != nil {
			return conflict(err)
		}
		existed = true
		return nil
	})
	return existed, err
}

// List implements backend.Adapter. The continuation token is the last key returned.
func (b *Builtin) List(ctx context.Context, opts backend.ListOptions) (backend.ListResult, error) {
	var res backend.ListResult
	err := b.run(ctx, func(q *repository.Queries) error {
		page := repository.ValuePage{Prefix: opts.Prefix, AfterKey: opts.ContinuationToken}
		if opts.MaxResults > 0 {
			page.Limit = opts.MaxResults + 1
		}
		rows, err := q.ListValuesPage(ctx, b.setID, page)
		if err != nil {
			return err
		}
		if opts.MaxResults > 0 && len(rows) > opts.MaxResults {
			rows = rows[:opts.MaxResults]
			res.HasMore = true
		}
		for i := range rows {
			res.Values = append(res.Values, rowToValue(&rows[i]))
		}
		if res.HasMore {
			res.ContinuationToken = rows[len(rows)-1].Key
		}
		return nil
	})
	return res, err
}

func rowToValue(row *model.ConfigValue) backend.Value {
	return backend.Value{
		Key:        row.Key,
		Kind:       string(row.Kind),
		Secret:     row.IsSecret,
		Ciphertext: row.Ciphertext,
		Nonce:      row.Nonce,
		Version:    row.Version,
		UpdatedAt:  row.UpdatedAt,
		Metadata:   map[string]string{"updated_by": row.UpdatedBy},
	}
}

func conflict(err error) error {
	if errors.Is(err, repository.ErrConflict) {
		return backend.ErrVersionConflict
	}
	return err
}
