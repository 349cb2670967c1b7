// Package engine wires the cfgvault services together and exposes the
// operations callers use, including the token-authenticated consumer path.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/systmms/cfgvault/internal/audit"
	"github.com/systmms/cfgvault/internal/backends"
	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/crypto"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/export"
	"github.com/systmms/cfgvault/internal/logging"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/internal/resolve"
	"github.com/systmms/cfgvault/internal/sets"
	"github.com/systmms/cfgvault/internal/tokens"
	"github.com/systmms/cfgvault/internal/validation"
	"github.com/systmms/cfgvault/internal/values"
)

// Options configures New. Zero values pick the package defaults.
type Options struct {
	Logger        *logging.Logger
	AuditSink     audit.Sink
	RetryPolicy   *backends.RetryPolicy
	TokenCacheTTL *time.Duration
	// Register adds or replaces backend factories after the defaults.
	Register map[string]backends.Factory
}

// Engine holds every service. Fields are exported so callers such as the
// CLI can reach the less common operations directly.
type Engine struct {
	DB        *repository.DB
	Cipher    *crypto.Cipher
	Registry  *backends.Registry
	Stores    *backends.StoreService
	Sets      *sets.Service
	Schemas   *validation.SchemaService
	Validator *validation.Validator
	Resolver  *resolve.Resolver
	Values    *values.Service
	Exporter  *export.Service
	Tokens    *tokens.Service
	Audit     *audit.Recorder
	Logger    *logging.Logger

	closers []func() error
}

// New builds an engine over an open, migrated database.
func New(db *repository.DB, cipher *crypto.Cipher, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	rec := audit.NewRecorder(opts.AuditSink, logger)

	var regOpts []backends.RegistryOption
	if opts.RetryPolicy != nil {
		regOpts = append(regOpts, backends.WithRetryPolicy(*opts.RetryPolicy))
	}
	registry := backends.NewRegistry(cipher, regOpts...)
	registry.Register(backends.BuiltinType, backends.NewBuiltinFactory(db))
	for name, f := range opts.Register {
		registry.Register(name, f)
	}

	var tokOpts []tokens.Option
	tokOpts = append(tokOpts, tokens.WithLogger(logger.With("component", "tokens")))
	if opts.TokenCacheTTL != nil {
		tokOpts = append(tokOpts, tokens.WithCacheTTL(*opts.TokenCacheTTL))
	}

	custom := validation.NewCustomRegistry()
	resolver := resolve.New(db, cipher, registry, logger.With("component", "resolve"))
	vals := values.NewService(db, cipher, registry, rec, values.WithLogger(logger.With("component", "values")))

	return &Engine{
		DB:        db,
		Cipher:    cipher,
		Registry:  registry,
		Stores:    backends.NewStoreService(db, registry),
		Sets:      sets.NewService(db, rec),
		Schemas:   validation.NewSchemaService(db, custom),
		Validator: validation.New(validation.WithCustomRegistry(custom), validation.WithLogger(logger)),
		Resolver:  resolver,
		Values:    vals,
		Exporter:  export.NewService(db, resolver, vals, rec, export.WithLogger(logger.With("component", "export"))),
		Tokens:    tokens.NewService(db, rec, tokOpts...),
		Audit:     rec,
		Logger:    logger,
	}
}

// Open connects to the configured database, migrates it, loads the master
// key and builds the audit sinks.
func Open(ctx context.Context, s config.Settings, logger *logging.Logger) (*Engine, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	key, err := s.MasterKey()
	if err != nil {
		return nil, err
	}
	cipher, err := crypto.NewCipher(key)
	if err != nil {
		return nil, err
	}

	db, err := repository.Open(s.Database.Driver, s.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	sinks := audit.MultiSink{audit.NewLogSink(logger.With("component", "audit"))}
	var closers []func() error
	if len(s.Audit.Kafka.Brokers) > 0 {
		k, err := audit.NewKafkaSink(s.Audit.Kafka.Brokers, s.Audit.Kafka.Topic)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		sinks = append(sinks, k)
		closers = append(closers, k.Close)
	}

	policy := backends.DefaultRetryPolicy()
	policy.Timeout = s.Backends.Timeout
	policy.MaxRetries = s.Backends.MaxRetries
	ttl := s.Tokens.CacheTTL

	e := New(db, cipher, Options{
		Logger:        logger,
		AuditSink:     sinks,
		RetryPolicy:   &policy,
		TokenCacheTTL: &ttl,
	})
	e.closers = append(closers, db.Close)
	return e, nil
}

// Close waits for background token bookkeeping and releases resources.
func (e *Engine) Close() error {
	e.Tokens.Wait()
	var result *multierror.Error
	for _, c := range e.closers {
		if err := c(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// Resolve returns the effective configuration of setID.
func (e *Engine) Resolve(ctx context.Context, setID string, opts resolve.Options) (*resolve.Result, error) {
	return e.Resolver.Resolve(ctx, setID, opts)
}

// Compare diffs the effective configurations of two sets.
func (e *Engine) Compare(ctx context.Context, setA, setB string) (*resolve.Diff, error) {
	return e.Resolver.Compare(ctx, setA, setB)
}

// Validate checks the effective configuration of setID against the schema
// bound to the set. Secret values are decrypted for the check but never
// leave the engine.
func (e *Engine) Validate(ctx context.Context, setID string) (validation.Report, error) {
	set, err := e.Sets.Get(ctx, setID)
	if err != nil {
		return validation.Report{}, err
	}
	res, err := e.Resolver.Resolve(ctx, setID, resolve.Options{IncludeSecrets: true})
	if err != nil {
		return validation.Report{}, err
	}

	var (
		schema *model.Schema
		rules  []model.Validator
	)
	if set.SchemaID != "" {
		if schema, err = e.Schemas.GetSchema(ctx, set.SchemaID); err != nil {
			return validation.Report{}, err
		}
		if rules, err = e.Schemas.Validators(ctx, set.SchemaID); err != nil {
			return validation.Report{}, err
		}
	}

	vals := make(map[string]validation.Value, len(res.Values))
	for k, v := range res.Values {
		vals[k] = validation.Value{Raw: v.Value, Kind: v.Kind, Secret: v.IsSecret}
	}
	report := e.Validator.Validate(vals, schema, rules)
	e.Logger.With("set", setID).Debug("validated %d keys: %d violations, %d warnings", len(vals), len(report.Violations), len(report.Warnings))
	return report, nil
}

// Export renders the effective configuration of setID.
func (e *Engine) Export(ctx context.Context, setID string, format export.Format, opts export.Options) (*export.Output, error) {
	return e.Exporter.Export(ctx, setID, format, opts)
}

// Import writes each entry of content into setID.
func (e *Engine) Import(ctx context.Context, setID string, content []byte, format export.Format, actor string, opts export.ImportOptions) (*export.ImportResult, error) {
	return e.Exporter.Import(ctx, setID, content, format, actor, opts)
}

// Put writes one value.
func (e *Engine) Put(ctx context.Context, setID string, entry values.Entry, actor string, opts values.WriteOptions) (*model.ConfigValue, error) {
	return e.Values.Put(ctx, setID, entry, actor, opts)
}

// BulkPut writes each entry independently and reports per-key outcomes.
func (e *Engine) BulkPut(ctx context.Context, setID string, entries []values.Entry, actor string, opts values.WriteOptions) values.BulkResult {
	return e.Values.BulkPut(ctx, setID, entries, actor, opts)
}

// Delete removes a key from setID.
func (e *Engine) Delete(ctx context.Context, setID, key, actor string, opts values.WriteOptions) error {
	return e.Values.Delete(ctx, setID, key, actor, opts)
}

// History returns the newest limit history rows of key.
func (e *Engine) History(ctx context.Context, setID, key string, limit int) ([]model.HistoryEntry, error) {
	return e.Values.History(ctx, setID, key, limit)
}

// CreateToken issues an access token.
func (e *Engine) CreateToken(ctx context.Context, req tokens.CreateRequest) (*model.AccessToken, string, error) {
	return e.Tokens.Create(ctx, req)
}

// VerifyToken checks a plaintext token against scope.
func (e *Engine) VerifyToken(ctx context.Context, plaintext string, scope tokens.Scope) (*model.AccessToken, error) {
	return e.Tokens.Verify(ctx, plaintext, scope)
}

// RevokeToken deactivates a token.
func (e *Engine) RevokeToken(ctx context.Context, id, actor string) error {
	return e.Tokens.Revoke(ctx, id, actor)
}

// ParseBearer extracts the token from an Authorization header value. A bare
// token is accepted as well.
func ParseBearer(header string) string {
	header = strings.TrimSpace(header)
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return header
}

// Fetch is the consumer endpoint: it verifies bearer for read access to
// setID (the token's own set when empty) and renders the resolved
// configuration with secrets included. The default format is dotenv.
func (e *Engine) Fetch(ctx context.Context, bearer, setID string, format export.Format) (*export.Output, error) {
	tok, err := e.Tokens.Verify(ctx, ParseBearer(bearer), tokens.Scope{SetID: setID, Permission: model.PermissionRead})
	if err != nil {
		return nil, err
	}
	if setID == "" {
		setID = tok.SetID
	}
	out, err := e.Exporter.Export(ctx, setID, format, export.Options{IncludeSecrets: true})
	if err != nil {
		return nil, cverrors.Public(err)
	}
	return out, nil
}

// ValidateWithToken validates the set the token is bound to.
func (e *Engine) ValidateWithToken(ctx context.Context, bearer string) (validation.Report, error) {
	tok, err := e.Tokens.Verify(ctx, ParseBearer(bearer), tokens.Scope{Permission: model.PermissionRead})
	if err != nil {
		return validation.Report{}, err
	}
	report, err := e.Validate(ctx, tok.SetID)
	if err != nil {
		return validation.Report{}, cverrors.Public(err)
	}
	return report, nil
}
