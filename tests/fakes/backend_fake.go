package fakes

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/systmms/cfgvault/pkg/backend"
)

// FakeAdapter is an in-memory backend.Adapter. Failures queued with FailNext
// apply to every operation; Delay makes each call block until the delay
// passes or the context ends.
type FakeAdapter struct {
	failures

	TypeName string
	Delay    time.Duration

	mu     sync.Mutex
	values map[string]backend.Value
	puts   []string
}

// NewFakeAdapter creates an empty adapter reporting name as its type.
func NewFakeAdapter(name string) *FakeAdapter {
	if name == "" {
		name = "fake"
	}
	return &FakeAdapter{TypeName: name, values: make(map[string]backend.Value)}
}

// Keys returns the stored keys in order.
func (f *FakeAdapter) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Puts returns the keys written, in call order.
func (f *FakeAdapter) Puts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.puts...)
}

func (f *FakeAdapter) begin(ctx context.Context) error {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.next()
}

func (f *FakeAdapter) Name() string { return f.TypeName }

func (f *FakeAdapter) SupportsVersioning() bool { return true }

func (f *FakeAdapter) TestConnection(ctx context.Context) (backend.ConnectionStatus, error) {
	start := time.Now()
	if err := f.begin(ctx); err != nil {
		return backend.ConnectionStatus{Details: err.Error()}, err
	}
	return backend.ConnectionStatus{OK: true, Latency: time.Since(start), Details: "fake backend"}, nil
}

func (f *FakeAdapter) Get(ctx context.Context, key string) (backend.Value, bool, error) {
	if err := f.begin(ctx); err != nil {
		return backend.Value{}, false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *FakeAdapter) Put(ctx context.Context, key string, value backend.Value, meta map[string]string) (backend.Value, error) {
	if err := f.begin(ctx); err != nil {
		return backend.Value{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	value.Key = key
	value.UpdatedAt = time.Now().UTC()
	f.values[key] = value
	f.puts = append(f.puts, key)
	return value, nil
}

func (f *FakeAdapter) Delete(ctx context.Context, key string) (bool, error) {
	if err := f.begin(ctx); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.values[key]
	delete(f.values, key)
	return ok, nil
}

func (f *FakeAdapter) List(ctx context.Context, opts backend.ListOptions) (backend.ListResult, error) {
	if err := f.begin(ctx); err != nil {
		return backend.ListResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.values))
	for k := range f.values {
		if strings.HasPrefix(k, opts.Prefix) && k > opts.ContinuationToken {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var res backend.ListResult
	if opts.MaxResults > 0 && len(keys) > opts.MaxResults {
		keys = keys[:opts.MaxResults]
		res.HasMore = true
		res.ContinuationToken = keys[len(keys)-1]
	}
	for _, k := range keys {
		res.Values = append(res.Values, f.values[k])
	}
	return res, nil
}
