package export

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/systmms/cfgvault/internal/audit"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/logging"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/internal/resolve"
	"github.com/systmms/cfgvault/internal/values"
)

const userAgent = "cfgvault-export"

// Output is a rendered export.
type Output struct {
	Format      Format `json:"format"`
	ContentType string `json:"content_type"`
	Content     []byte `json:"-"`
	// Destination is where RunExportSpec delivered the content, if anywhere.
	Destination string `json:"destination,omitempty"`
}

// ImportOptions tunes an import. Neither format can carry the secret flag,
// so SecretKeys lists the keys to store as secrets.
type ImportOptions struct {
	SecretKeys []string
	Write      values.WriteOptions
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient replaces the client used for http(s) destinations.
func WithHTTPClient(c *resty.Client) Option {
	return func(s *Service) { s.http = c }
}

// WithLogger sets the service logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// Service exports resolved sets, imports documents and manages export specs.
type Service struct {
	db       *repository.DB
	resolver *resolve.Resolver
	values   *values.Service
	audit    *audit.Recorder
	http     *resty.Client
	logger   *logging.Logger
	now      func() time.Time
}

// NewService creates an export service. rec may be nil.
func NewService(db *repository.DB, resolver *resolve.Resolver, vals *values.Service, rec *audit.Recorder, opts ...Option) *Service {
	if rec == nil {
		rec = audit.Discard()
	}
	s := &Service{
		db:       db,
		resolver: resolver,
		values:   vals,
		audit:    rec,
		logger:   logging.Nop(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.http == nil {
		s.http = resty.New().
			SetTimeout(30*time.Second).
			SetRetryCount(2).
			SetHeader("User-Agent", userAgent)
	}
	return s
}

// Export resolves setID and renders it in format.
func (s *Service) Export(ctx context.Context, setID string, format Format, opts Options) (*Output, error) {
	format, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	if err := opts.validate(); err != nil {
		return nil, err
	}

	res, err := s.resolver.Resolve(ctx, setID, resolve.Options{IncludeSecrets: opts.IncludeSecrets})
	if err != nil {
		return nil, err
	}
	if opts.Name == "" && (format == FormatK8sConfigMap || format == FormatK8sSecret) {
		set, err := s.db.Queries().GetSet(ctx, setID)
		if err != nil {
			return nil, err
		}
		opts.Name = set.Name
	}

	items := make([]Item, 0, len(res.Values))
	for _, v := range res.Values {
		items = append(items, Item{Key: v.Key, Value: v.Value, Kind: v.Kind, Secret: v.IsSecret})
	}
	content, err := Render(items, format, opts)
	if err != nil {
		return nil, err
	}
	return &Output{Format: format, ContentType: format.ContentType(), Content: content}, nil
}

// Import parses content and writes each entry with an independent put.
// Parse failures and rejected writes are counted in Errors; they never
// abort the rest of the import.
func (s *Service) Import(ctx context.Context, setID string, content []byte, format Format, actor string, opts ImportOptions) (result *ImportResult, err error) {
	defer func() {
		ev := audit.NewEvent(audit.ActionImport, setID, "", actor, cverrors.Public(err))
		ev.TokenPrefix = opts.Write.TokenPrefix
		ev.Meta = map[string]string{"format": string(format)}
		if result != nil {
			ev.Meta["imported"] = strconv.Itoa(result.Imported)
			ev.Meta["skipped"] = strconv.Itoa(result.Skipped)
			ev.Meta["errors"] = strconv.Itoa(len(result.Errors))
		}
		s.audit.Record(ctx, ev)
	}()

	format, err = ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	if !importFormats[format] {
		return nil, cverrors.UserError{
			Message:    fmt.Sprintf("format %s is export-only", format),
			Suggestion: "Import supports dotenv and json",
		}
	}
	entries, parseErrs, err := parseImport(content, format)
	if err != nil {
		return nil, err
	}

	current, err := s.resolver.Resolve(ctx, setID, resolve.Options{IncludeSecrets: true})
	if err != nil {
		return nil, err
	}
	secret := make(map[string]bool, len(opts.SecretKeys))
	for _, k := range opts.SecretKeys {
		secret[k] = true
	}

	result = &ImportResult{Errors: append([]ImportError{}, parseErrs...)}
	for _, e := range entries {
		e.Secret = secret[e.Key]
		if unchanged(current, setID, e) {
			result.Skipped++
			continue
		}
		if _, err := s.values.Put(ctx, setID, e, actor, opts.Write); err != nil {
			if cverrors.IsPermission(err) {
				return result, err
			}
			result.Errors = append(result.Errors, ImportError{Key: e.Key, Message: cverrors.Public(err).Error()})
			continue
		}
		result.Imported++
	}
	s.logger.With("set", setID).Info("imported %d keys (%d skipped, %d errors)", result.Imported, result.Skipped, len(result.Errors))
	return result, nil
}

// unchanged reports whether setID itself already holds e.
func unchanged(current *resolve.Result, setID string, e values.Entry) bool {
	v, ok := current.Values[e.Key]
	if !ok || v.DefiningSetID != setID || v.Value != e.Value || v.IsSecret != e.Secret {
		return false
	}
	return e.Kind == "" || e.Kind == v.Kind
}

// CreateExportSpec validates and stores a named export target.
func (s *Service) CreateExportSpec(ctx context.Context, spec model.ExportSpec) (*model.ExportSpec, error) {
	if err := s.checkSpec(ctx, &spec); err != nil {
		return nil, err
	}
	now := s.now()
	spec.ID = uuid.NewString()
	spec.CreatedAt = now
	spec.UpdatedAt = now
	if err := s.db.Queries().InsertExportSpec(ctx, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// UpdateExportSpec rewrites the mutable fields of spec.ID. The source set
// cannot change.
func (s *Service) UpdateExportSpec(ctx context.Context, spec model.ExportSpec) (*model.ExportSpec, error) {
	q := s.db.Queries()
	existing, err := q.GetExportSpec(ctx, spec.ID)
	if err != nil {
		return nil, err
	}
	spec.SetID = existing.SetID
	spec.CreatedAt = existing.CreatedAt
	if err := s.checkSpec(ctx, &spec); err != nil {
		return nil, err
	}
	spec.UpdatedAt = s.now()
	if err := q.UpdateExportSpec(ctx, &spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// GetExportSpec loads an export spec.
func (s *Service) GetExportSpec(ctx context.Context, id string) (*model.ExportSpec, error) {
	return s.db.Queries().GetExportSpec(ctx, id)
}

// ListExportSpecs returns the specs of setID ordered by name.
func (s *Service) ListExportSpecs(ctx context.Context, setID string) ([]model.ExportSpec, error) {
	return s.db.Queries().ListExportSpecs(ctx, setID)
}

// DeleteExportSpec removes an export spec.
func (s *Service) DeleteExportSpec(ctx context.Context, id string) error {
	return s.db.Queries().DeleteExportSpec(ctx, id)
}

// NextRun returns the next scheduled time of spec after from, or false when
// the spec has no schedule.
func NextRun(spec model.ExportSpec, from time.Time) (time.Time, bool, error) {
	if spec.Schedule == "" {
		return time.Time{}, false, nil
	}
	sched, err := cron.ParseStandard(spec.Schedule)
	if err != nil {
		return time.Time{}, false, err
	}
	return sched.Next(from), true, nil
}

// RunExportSpec performs the export described by spec id and delivers it to
// the spec's destination.
func (s *Service) RunExportSpec(ctx context.Context, id string) (*Output, error) {
	spec, err := s.db.Queries().GetExportSpec(ctx, id)
	if err != nil {
		return nil, err
	}
	out, err := s.Export(ctx, spec.SetID, Format(spec.Format), Options{
		IncludeSecrets: spec.IncludeSecrets,
		KeyPrefix:      spec.KeyPrefix,
		KeyTransform:   spec.KeyTransform,
	})
	if err != nil {
		return nil, err
	}
	if spec.Destination == "" {
		return out, nil
	}
	if err := s.deliver(ctx, spec.Destination, out); err != nil {
		return nil, fmt.Errorf("deliver export %s: %w", spec.Name, err)
	}
	out.Destination = spec.Destination
	s.logger.With("export", spec.Name).Info("delivered %d bytes to %s", len(out.Content), redactURL(spec.Destination))
	return out, nil
}

func (s *Service) checkSpec(ctx context.Context, spec *model.ExportSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return cverrors.UserError{Message: "export name is required"}
	}
	if _, err := s.db.Queries().GetSet(ctx, spec.SetID); err != nil {
		return err
	}
	format, err := ParseFormat(spec.Format)
	if err != nil {
		return err
	}
	spec.Format = string(format)
	if err := (Options{KeyTransform: spec.KeyTransform}).validate(); err != nil {
		return err
	}
	if spec.Schedule != "" {
		if _, err := cron.ParseStandard(spec.Schedule); err != nil {
			return cverrors.UserError{
				Message:    fmt.Sprintf("invalid schedule %q: %v", spec.Schedule, err),
				Suggestion: "Use a five-field cron expression such as '0 * * * *' or a descriptor like '@daily'",
			}
		}
	}
	if _, _, err := parseDestination(spec.Destination); err != nil {
		return err
	}
	return nil
}

type destinationKind int

const (
	destNone destinationKind = iota
	destFile
	destHTTP
)

// parseDestination accepts "", a file path, a file:// URL or an http(s) URL.
func parseDestination(dest string) (destinationKind, string, error) {
	switch {
	case dest == "":
		return destNone, "", nil
	case strings.HasPrefix(dest, "http://"), strings.HasPrefix(dest, "https://"):
		u, err := url.Parse(dest)
		if err != nil || u.Host == "" {
			return destNone, "", cverrors.UserError{Message: fmt.Sprintf("invalid destination URL %q", redactURL(dest))}
		}
		return destHTTP, dest, nil
	case strings.HasPrefix(dest, "file://"):
		return destFile, strings.TrimPrefix(dest, "file://"), nil
	case strings.Contains(dest, "://"):
		return destNone, "", cverrors.UserError{
			Message:    fmt.Sprintf("unsupported destination %q", redactURL(dest)),
			Suggestion: "Use a file path, file:// or http(s):// URL",
		}
	}
	return destFile, dest, nil
}

func (s *Service) deliver(ctx context.Context, dest string, out *Output) error {
	kind, target, err := parseDestination(dest)
	if err != nil {
		return err
	}
	switch kind {
	case destFile:
		if dir := filepath.Dir(target); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return err
			}
		}
		return os.WriteFile(target, out.Content, 0o600)
	case destHTTP:
		resp, err := s.http.R().
			SetContext(ctx).
			SetHeader("Content-Type", out.ContentType).
			SetBody(out.Content).
			Post(target)
		if err != nil {
			return err
		}
		if resp.IsError() {
			return fmt.Errorf("destination returned %s", resp.Status())
		}
	}
	return nil
}

// redactURL drops userinfo and query strings, which may carry credentials.
func redactURL(dest string) string {
	u, err := url.Parse(dest)
	if err != nil || u.Scheme == "" {
		return dest
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}
