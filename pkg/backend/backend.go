// Package backend defines the contract every cfgvault storage backend implements.
//
// cfgvault separates where values live (a backend) from what they mean (sets,
// schemas, versions). A backend only ever sees sealed records: ciphertext, the
// nonce it was sealed with, the value kind and a version number. Encryption and
// decryption happen above this layer, so no backend handles plaintext.
//
// # Backends
//
// The built-in backend reads and writes the relational value rows directly and
// is the source of truth for every set. External backends (AWS Secrets Manager,
// SSM Parameter Store, GCP Secret Manager, Azure Key Vault, HashiCorp Vault, the
// OS keychain) receive a copy of every write as a sealed envelope stored under
// `<prefix>/<set>/<key>`.
//
// # Implementing a Backend
//
//  1. Implement the Adapter interface
//  2. Register a Factory under a type name in the backend registry
//  3. Run RunContractTests from your adapter's tests
//
// Example:
//
//	type MyAdapter struct {
//	    client MyClientAPI
//	    prefix string
//	}
//
//	func (a *MyAdapter) Get(ctx context.Context, key string) (Value, bool, error) {
//	    raw, err := a.client.Read(ctx, a.prefix+key)
//	    if isNotFound(err) {
//	        return Value{}, false, nil
//	    }
//	    if err != nil {
//	        return Value{}, false, err
//	    }
//	    v, err := UnmarshalEnvelope(key, raw)
//	    return v, err == nil, err
//	}
//
// # Error Handling
//
// Absence is reported through the boolean results of Get and Delete, not as
// an error. Transient failures (timeouts, throttling) should be returned as-is
// so the retry wrapper can classify them. ErrVersionConflict reports a lost
// compare-and-increment race; ErrNotSupported an operation the backend cannot do.
//
// # Threading and Concurrency
//
// Adapters must be safe for concurrent use.
package backend

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrNotSupported is returned for operations a backend cannot perform.
	ErrNotSupported = errors.New("operation not supported by backend")

	// ErrVersionConflict is returned when a concurrent writer won the race.
	ErrVersionConflict = errors.New("version conflict")
)

// Metadata keys understood by Put.
const (
	MetaActor  = "actor"
	MetaReason = "reason"
	// MetaRequestPrefix marks request metadata (e.g. "request.ip") recorded in history.
	MetaRequestPrefix = "request."
)

// Adapter is the uniform contract over heterogeneous storage backends.
//
// Keys are relative to the adapter's namespace (one configuration set).
type Adapter interface {
	// Name returns the backend type identifier, e.g. "builtin" or "aws.secretsmanager".
	Name() string

	// TestConnection checks reachability and credentials.
	TestConnection(ctx context.Context) (ConnectionStatus, error)

	// Get returns the sealed value for key. The boolean is false when absent.
	Get(ctx context.Context, key string) (Value, bool, error)

	// Put stores value under key and returns the stored record with its
	// post-write version. meta carries the actor, reason and request metadata.
	Put(ctx context.Context, key string, value Value, meta map[string]string) (Value, error)

	// Delete removes key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// List returns a page of values ordered by key.
	List(ctx context.Context, opts ListOptions) (ListResult, error)

	// SupportsVersioning reports whether the backend keeps prior versions natively.
	SupportsVersioning() bool
}

// Value is a sealed configuration value as stored by a backend.
type Value struct {
	Key        string
	Kind       string
	Secret     bool
	Ciphertext []byte
	Nonce      []byte
	Version    int64
	UpdatedAt  time.Time
	// Metadata holds backend-specific details such as a native version id.
	Metadata map[string]string
}

// ConnectionStatus is the result of TestConnection.
type ConnectionStatus struct {
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Details string        `json:"details,omitempty"`
}

// ListOptions controls paging.
type ListOptions struct {
	Prefix            string
	MaxResults        int
	ContinuationToken string
}

// ListResult is one page of values.
type ListResult struct {
	Values            []Value
	HasMore           bool
	ContinuationToken string
}

// RequestMeta extracts the request.* entries of meta with the prefix removed.
func RequestMeta(meta map[string]string) map[string]string {
	out := make(map[string]string)
	for k, v := range meta {
		if name := strings.TrimPrefix(k, MetaRequestPrefix); name != k && name != "" {
			out[name] = v
		}
	}
	return out
}
