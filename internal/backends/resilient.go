package backends

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/metrics"
	"github.com/systmms/cfgvault/pkg/backend"
)

// RetryPolicy bounds every external backend call.
type RetryPolicy struct {
	// Timeout applies to each attempt.
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy returns a 10s timeout with 3 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:         10 * time.Second,
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Resilient wraps an external adapter with a per-attempt timeout, exponential
// backoff for transient failures and metrics. Failures that are not a
// lost race or an unsupported operation surface as StoreConnectionError.
type Resilient struct {
	inner  backend.Adapter
	store  string
	policy RetryPolicy
}

// NewResilient wraps inner. store names the store in errors.
func NewResilient(inner backend.Adapter, store string, policy RetryPolicy) *Resilient {
	return &Resilient{inner: inner, store: store, policy: policy}
}

// Unwrap returns the wrapped adapter.
func (r *Resilient) Unwrap() backend.Adapter { return r.inner }

func (r *Resilient) Name() string { return r.inner.Name() }

func (r *Resilient) SupportsVersioning() bool { return r.inner.SupportsVersioning() }

func (r *Resilient) TestConnection(ctx context.Context) (backend.ConnectionStatus, error) {
	var status backend.ConnectionStatus
	err := r.do(ctx, "test", func(ctx context.Context) error {
		var err error
		status, err = r.inner.TestConnection(ctx)
		return err
	})
	if err != nil {
		status.OK = false
		if status.Details == "" {
			status.Details = err.Error()
		}
	}
	return status, err
}

func (r *Resilient) Get(ctx context.Context, key string) (backend.Value, bool, error) {
	var (
		v     backend.Value
		found bool
	)
	err := r.do(ctx, "get", func(ctx context.Context) error {
		var err error
		v, found, err = r.inner.Get(ctx, key)
		return err
	})
	return v, found, err
}

func (r *Resilient) Put(ctx context.Context, key string, value backend.Value, meta map[string]string) (backend.Value, error) {
	var out backend.Value
	err := r.do(ctx, "put", func(ctx context.Context) error {
		var err error
		out, err = r.inner.Put(ctx, key, value, meta)
		return err
	})
	return out, err
}

func (r *Resilient) Delete(ctx context.Context, key string) (bool, error) {
	var existed bool
	err := r.do(ctx, "delete", func(ctx context.Context) error {
		var err error
		existed, err = r.inner.Delete(ctx, key)
		return err
	})
	return existed, err
}

func (r *Resilient) List(ctx context.Context, opts backend.ListOptions) (backend.ListResult, error) {
	var res backend.ListResult
	err := r.do(ctx, "list", func(ctx context.Context) error {
		var err error
		res, err = r.inner.List(ctx, opts)
		return err
	})
	return res, err
}

func (r *Resilient) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	start := time.Now()

	eb := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		eb.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		eb.MaxInterval = r.policy.MaxInterval
	}
	eb.MaxElapsedTime = 0
	var bo backoff.BackOff = eb
	if r.policy.MaxRetries >= 0 {
		bo = backoff.WithMaxRetries(bo, uint64(r.policy.MaxRetries))
	}
	bo = backoff.WithContext(bo, ctx)

	err := backoff.Retry(func() error {
		attemptCtx, cancel := r.attemptContext(ctx)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if cverrors.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return backoff.Permanent(err)
	}, bo)

	metrics.RecordBackendCall(r.inner.Name(), op, err, time.Since(start))
	return r.classify(op, err)
}

func (r *Resilient) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.policy.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.policy.Timeout)
}

func (r *Resilient) classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, backend.ErrNotSupported), errors.Is(err, backend.ErrVersionConflict):
		return err
	case errors.Is(err, context.Canceled):
		return err
	}
	var conn cverrors.StoreConnectionError
	if errors.As(err, &conn) {
		return conn
	}
	return cverrors.StoreConnectionError{Store: r.store, Op: op, Err: err}
}
