package commands

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/engine"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/values"
)

// writeFlags are the options shared by every command that changes values.
type writeFlags struct {
	reason   string
	override bool
}

func (w *writeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&w.reason, "reason", "", "Reason recorded in the change history")
	cmd.Flags().BoolVar(&w.override, "override", false, "Write to a locked set (admin override)")
}

func (w *writeFlags) options() values.WriteOptions {
	return values.WriteOptions{
		Reason:        w.reason,
		AdminOverride: w.override,
		RequestMeta:   map[string]string{"client": "cli"},
	}
}

func NewPutCommand(cfg *config.Config) *cobra.Command {
	var (
		kind     string
		secret   bool
		fromFile string
		wf       writeFlags
	)

	cmd := &cobra.Command{
		Use:   "put <set-id> <key> [value]",
		Short: "Create or update a value in a set",
		Long: `Create or update one key in a set. The value is validated against its
kind and encrypted before it is stored. Pass --from-file - to read the
value from standard input so it stays out of shell history.`,
		Example: `  cfgvault put <set-id> LOG_LEVEL debug
  cfgvault put <set-id> PORT 8080 --kind number
  cfgvault put <set-id> DB_PASSWORD --secret --from-file - < password.txt`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value string
			switch {
			case len(args) == 3 && fromFile != "":
				return cverrors.UserError{Message: "Give the value as an argument or with --from-file, not both"}
			case len(args) == 3:
				value = args[2]
			case fromFile != "":
				data, err := readInput(cmd, fromFile)
				if err != nil {
					return err
				}
				value = strings.TrimRight(string(data), "\r\n")
			default:
				return cverrors.UserError{
					Message:    "No value given",
					Suggestion: "Pass the value as the third argument or use --from-file",
				}
			}

			k, err := model.ParseKind(kind)
			if err != nil {
				return cverrors.UserError{Message: err.Error(), Suggestion: "Use one of: string, number, boolean, json, secret"}
			}

			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				v, err := e.Put(ctx, args[0], values.Entry{Key: args[1], Value: value, Kind: k, Secret: secret}, cfg.ActorName(), wf.options())
				if err != nil {
					return err
				}
				cfg.Logger.Info("%s is now at version %d", v.Key, v.Version)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(model.KindString), "Value kind: string, number, boolean, json or secret")
	cmd.Flags().BoolVar(&secret, "secret", false, "Mark the value as secret")
	cmd.Flags().StringVar(&fromFile, "from-file", "", "Read the value from a file, - for stdin")
	wf.register(cmd)

	return cmd
}

func NewDeleteCommand(cfg *config.Config) *cobra.Command {
	var wf writeFlags

	cmd := &cobra.Command{
		Use:   "delete <set-id> <key>",
		Short: "Remove a key from a set; inherited values show through again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Delete(ctx, args[0], args[1], cfg.ActorName(), wf.options()); err != nil {
					return err
				}
				cfg.Logger.Info("Deleted %s", args[1])
				return nil
			})
		},
	}

	wf.register(cmd)
	return cmd
}

func NewHistoryCommand(cfg *config.Config) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history <set-id> <key>",
		Short: "Show the change history of a key, newest first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				entries, err := e.History(ctx, args[0], args[1], limit)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), entries)
				}
				if len(entries) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No history")
					return nil
				}
				w := newTable(cmd.OutOrStdout(), "VERSION", "CHANGE", "WHEN", "ACTOR", "REASON")
				for _, h := range entries {
					at := h.CreatedAt
					row(w, h.NewVersion, h.ChangeType, formatTime(&at), h.Actor, orDash(h.Reason))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum entries to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func NewRollbackCommand(cfg *config.Config) *cobra.Command {
	var wf writeFlags

	cmd := &cobra.Command{
		Use:   "rollback <set-id> <key> <version>",
		Short: "Restore a key to the value it had at an earlier version",
		Long: `Write the value a key held at <version> as a new version. History is
never rewritten; the rollback itself shows up in 'cfgvault history'.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			version, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil || version < 1 {
				return cverrors.UserError{
					Message:    fmt.Sprintf("Invalid version %q", args[2]),
					Suggestion: "Use a version number from 'cfgvault history'",
				}
			}
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				v, err := e.Values.Rollback(ctx, args[0], args[1], version, cfg.ActorName(), wf.options())
				if err != nil {
					return err
				}
				cfg.Logger.Info("Rolled %s back to version %d; it is now at version %d", v.Key, version, v.Version)
				return nil
			})
		},
	}

	wf.register(cmd)
	return cmd
}
