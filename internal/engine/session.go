package engine

import (
	"context"

	"github.com/systmms/cfgvault/internal/audit"
	"github.com/systmms/cfgvault/internal/export"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/resolve"
	"github.com/systmms/cfgvault/internal/tokens"
	"github.com/systmms/cfgvault/internal/values"
)

// Session performs operations on behalf of an access token. Every call
// re-verifies the token for the set it touches, so a revocation or expiry
// takes effect mid-session.
type Session struct {
	e         *Engine
	plaintext string
	token     *model.AccessToken
}

// Session verifies bearer and returns a session bound to it.
func (e *Engine) Session(ctx context.Context, bearer string) (*Session, error) {
	plaintext := ParseBearer(bearer)
	tok, err := e.Tokens.Verify(ctx, plaintext, tokens.Scope{Permission: model.PermissionRead})
	if err != nil {
		return nil, err
	}
	return &Session{e: e, plaintext: plaintext, token: tok}, nil
}

// Token returns the verified token record.
func (s *Session) Token() *model.AccessToken { return s.token }

// Actor names the session in history and audit records.
func (s *Session) Actor() string { return "token:" + s.token.Prefix }

func (s *Session) authorize(ctx context.Context, setID string, perm model.Permission) error {
	_, err := s.e.Tokens.Verify(ctx, s.plaintext, tokens.Scope{SetID: setID, Permission: perm})
	return err
}

// authorizeWrite is authorize for mutations; a rejection is audited as action.
func (s *Session) authorizeWrite(ctx context.Context, action audit.Action, setID, key string) error {
	err := s.authorize(ctx, setID, model.PermissionWrite)
	if err != nil {
		ev := audit.NewEvent(action, setID, key, s.Actor(), err)
		ev.TokenPrefix = s.token.Prefix
		s.e.Audit.Record(ctx, ev)
	}
	return err
}

func (s *Session) writeOptions(opts values.WriteOptions) values.WriteOptions {
	opts.TokenPrefix = s.token.Prefix
	opts.AdminOverride = opts.AdminOverride && s.token.Permission.Allows(model.PermissionAdmin)
	return opts
}

// Resolve needs read access.
func (s *Session) Resolve(ctx context.Context, setID string, opts resolve.Options) (*resolve.Result, error) {
	if err := s.authorize(ctx, setID, model.PermissionRead); err != nil {
		return nil, err
	}
	return s.e.Resolve(ctx, setID, opts)
}

// Export needs read access.
func (s *Session) Export(ctx context.Context, setID string, format export.Format, opts export.Options) (*export.Output, error) {
	if err := s.authorize(ctx, setID, model.PermissionRead); err != nil {
		return nil, err
	}
	return s.e.Export(ctx, setID, format, opts)
}

// Put needs write access.
func (s *Session) Put(ctx context.Context, setID string, entry values.Entry, opts values.WriteOptions) (*model.ConfigValue, error) {
	if err := s.authorizeWrite(ctx, audit.ActionValuePut, setID, entry.Key); err != nil {
		return nil, err
	}
	return s.e.Put(ctx, setID, entry, s.Actor(), s.writeOptions(opts))
}

// BulkPut needs write access. A rejected token fails the whole call.
func (s *Session) BulkPut(ctx context.Context, setID string, entries []values.Entry, opts values.WriteOptions) (values.BulkResult, error) {
	if err := s.authorizeWrite(ctx, audit.ActionValueBulkPut, setID, ""); err != nil {
		return values.BulkResult{}, err
	}
	return s.e.BulkPut(ctx, setID, entries, s.Actor(), s.writeOptions(opts)), nil
}

// Delete needs write access.
func (s *Session) Delete(ctx context.Context, setID, key string, opts values.WriteOptions) error {
	if err := s.authorizeWrite(ctx, audit.ActionValueDelete, setID, key); err != nil {
		return err
	}
	return s.e.Delete(ctx, setID, key, s.Actor(), s.writeOptions(opts))
}

// Import needs write access.
func (s *Session) Import(ctx context.Context, setID string, content []byte, format export.Format, opts export.ImportOptions) (*export.ImportResult, error) {
	if err := s.authorizeWrite(ctx, audit.ActionImport, setID, ""); err != nil {
		return nil, err
	}
	opts.Write = s.writeOptions(opts.Write)
	return s.e.Import(ctx, setID, content, format, s.Actor(), opts)
}
