package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/engine"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/tokens"
)

func NewTokenCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens for CI jobs and applications",
		Long: `Access tokens let a consumer read (or write) a set without a user
account. The plaintext is shown once at creation; only its hash is kept.`,
	}

	cmd.AddCommand(
		newTokenCreateCommand(cfg),
		newTokenListCommand(cfg),
		newTokenRevokeCommand(cfg),
		newTokenVerifyCommand(cfg),
	)
	return cmd
}

// parseExpiry accepts a duration from now ("720h") or an RFC 3339 time.
func parseExpiry(s string, now time.Time) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		t := now.Add(d)
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, cverrors.UserError{
			Message:    fmt.Sprintf("Invalid expiry %q", s),
			Suggestion: "Use a duration such as 720h or a time such as 2027-01-01T00:00:00Z",
		}
	}
	return &t, nil
}

func newTokenCreateCommand(cfg *config.Config) *cobra.Command {
	var (
		setID      string
		name       string
		permission string
		allowed    []string
		expires    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an access token for a set",
		Example: `  cfgvault token create --set <set-id> --name github-actions
  cfgvault token create --set <set-id> --name deployer --permission write --expires 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exp, err := parseExpiry(expires, time.Now())
			if err != nil {
				return err
			}
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				tok, plaintext, err := e.CreateToken(ctx, tokens.CreateRequest{
					SetID:         setID,
					Name:          name,
					Permission:    model.Permission(permission),
					AllowedSetIDs: allowed,
					ExpiresAt:     exp,
					CreatedBy:     cfg.ActorName(),
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), plaintext)
				cfg.Logger.Info("Created %s token %s (%s)", tok.Permission, tok.Name, tok.Prefix)
				cfg.Logger.Warn("The token is shown only once; store it in your CI secret settings now")
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&setID, "set", "", "Set the token is issued for (required)")
	f.StringVar(&name, "name", "", "Display name (required)")
	f.StringVar(&permission, "permission", string(model.PermissionRead), "Permission: read, write or admin")
	f.StringSliceVar(&allowed, "allow-set", nil, "Additional set the token may access (repeatable)")
	f.StringVar(&expires, "expires", "", "Expiry as a duration from now or an RFC 3339 time")
	_ = cmd.MarkFlagRequired("set")
	_ = cmd.MarkFlagRequired("name")

	return cmd
}

func newTokenListCommand(cfg *config.Config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list <set-id>",
		Short: "List a set's tokens",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				list, err := e.Tokens.List(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				if len(list) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No tokens")
					return nil
				}
				now := time.Now()
				w := newTable(cmd.OutOrStdout(), "ID", "NAME", "PREFIX", "PERMISSION", "STATUS", "EXPIRES", "LAST USED", "USES")
				for _, t := range list {
					status := "active"
					switch {
					case !t.IsActive:
						status = "revoked"
					case t.Expired(now):
						status = "expired"
					}
					row(w, t.ID, t.Name, t.Prefix, t.Permission, status, formatTime(t.ExpiresAt), formatTime(t.LastUsedAt), t.UsageCount)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newTokenRevokeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <token-id>",
		Short: "Revoke a token",
		Long: `Revoke a token. This process rejects it immediately; other running
processes stop accepting it once their verification cache expires
(tokens.cache_ttl).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				if err := e.RevokeToken(ctx, args[0], cfg.ActorName()); err != nil {
					return err
				}
				cfg.Logger.Info("Revoked token %s", args[0])
				return nil
			})
		},
	}
}

func newTokenVerifyCommand(cfg *config.Config) *cobra.Command {
	var (
		token      string
		setID      string
		permission string
	)

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that a token is valid for a set and permission",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext := tokenFrom(token)
			if err := requireToken(plaintext); err != nil {
				return err
			}
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				tok, err := e.VerifyToken(ctx, plaintext, tokens.Scope{SetID: setID, Permission: model.Permission(permission)})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "valid: %s (%s) for set %s, permission %s, expires %s\n",
					tok.Name, tok.Prefix, tok.SetID, tok.Permission, formatTime(tok.ExpiresAt))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Token to check (default $"+TokenEnv+")")
	cmd.Flags().StringVar(&setID, "set", "", "Set the token must cover")
	cmd.Flags().StringVar(&permission, "permission", string(model.PermissionRead), "Permission the token must grant")
	return cmd
}
