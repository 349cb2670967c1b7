package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/engine"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/repository"
	"github.com/systmms/cfgvault/internal/resolve"
	"github.com/systmms/cfgvault/internal/sets"
)

func NewSetCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Manage configuration sets and their inheritance",
		Long: `A configuration set is a named collection of values owned by an
organization, a repository or an environment. A set may inherit from a
parent set; its own values override the parent's.`,
	}

	cmd.AddCommand(
		newSetCreateCommand(cfg),
		newSetListCommand(cfg),
		newSetParentCommand(cfg),
		newSetRenameCommand(cfg),
		newSetBindSchemaCommand(cfg),
		newSetCloneCommand(cfg),
		newSetStateCommand(cfg, "lock", "Reject writes until the set is unlocked", (*sets.Service).Lock),
		newSetStateCommand(cfg, "unlock", "Allow writes to a locked set again", (*sets.Service).Unlock),
		newSetStateCommand(cfg, "archive", "Deactivate a set; it stays readable", (*sets.Service).Archive),
		newSetStateCommand(cfg, "restore", "Reactivate an archived set", (*sets.Service).Restore),
	)
	return cmd
}

func newSetCreateCommand(cfg *config.Config) *cobra.Command {
	var req sets.CreateRequest
	var scope string

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a configuration set",
		Example: `  cfgvault set create shared --scope organization --org acme
  cfgvault set create api --scope repository --org acme --repo api --parent <shared-id>
  cfgvault set create api-prod --scope environment --org acme --repo api --env production --parent <api-id>`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Name = args[0]
			req.Scope = model.Scope(scope)
			req.Actor = cfg.ActorName()
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				set, err := e.Sets.Create(ctx, req)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), set.ID)
				cfg.Logger.Info("Created %s set %s", set.Scope, set.Name)
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&scope, "scope", string(model.ScopeRepository), "Scope: organization, repository or environment")
	f.StringVar(&req.OrganizationID, "org", "", "Owning organization")
	f.StringVar(&req.RepositoryID, "repo", "", "Owning repository")
	f.StringVar(&req.Environment, "env", "", "Environment name (environment scope)")
	f.StringVar(&req.StoreID, "store", "", "Store id (default: the organization's default store)")
	f.StringVar(&req.SchemaID, "schema", "", "Schema version id to validate against")
	f.StringVar(&req.ParentSetID, "parent", "", "Parent set id")

	return cmd
}

func newSetListCommand(cfg *config.Config) *cobra.Command {
	var (
		filter repository.SetFilter
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configuration sets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				list, err := e.Sets.List(ctx, filter)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), list)
				}
				if len(list) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No sets found")
					return nil
				}
				w := newTable(cmd.OutOrStdout(), "ID", "NAME", "SCOPE", "ENV", "PARENT", "STATE")
				for _, s := range list {
					row(w, s.ID, s.Name, s.Scope, orDash(s.Environment), orDash(s.ParentSetID), setState(s))
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&filter.OrganizationID, "org", "", "Only sets of this organization")
	cmd.Flags().StringVar(&filter.RepositoryID, "repo", "", "Only sets of this repository")
	cmd.Flags().BoolVar(&filter.IncludeArchived, "all", false, "Include archived sets")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")

	return cmd
}

func setState(s model.ConfigSet) string {
	switch {
	case !s.IsActive:
		return "archived"
	case s.IsLocked:
		return "locked"
	default:
		return "active"
	}
}

func newSetParentCommand(cfg *config.Config) *cobra.Command {
	var detach bool

	cmd := &cobra.Command{
		Use:   "parent <set-id> [parent-id]",
		Short: "Change or remove a set's parent",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := ""
			if len(args) == 2 {
				parent = args[1]
			} else if !detach {
				return fmt.Errorf("give a parent id, or --detach to remove the parent")
			}
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Sets.SetParent(ctx, args[0], parent, cfg.ActorName()); err != nil {
					return err
				}
				if parent == "" {
					cfg.Logger.Info("Set %s no longer inherits", args[0])
				} else {
					cfg.Logger.Info("Set %s now inherits from %s", args[0], parent)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&detach, "detach", false, "Remove the parent")
	return cmd
}

func newSetRenameCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "rename <set-id> <name>",
		Short: "Rename a set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				return e.Sets.Rename(ctx, args[0], args[1])
			})
		},
	}
}

func newSetBindSchemaCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "bind-schema <set-id> [schema-id]",
		Short: "Attach a schema version to a set, or detach it when no id is given",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			schemaID := ""
			if len(args) == 2 {
				schemaID = args[1]
			}
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				return e.Sets.BindSchema(ctx, args[0], schemaID)
			})
		},
	}
}

func newSetCloneCommand(cfg *config.Config) *cobra.Command {
	var env string

	cmd := &cobra.Command{
		Use:   "clone <source-set-id> <name>",
		Short: "Copy a set's own values into a new sibling set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				set, err := e.Resolver.Clone(ctx, resolve.CloneRequest{
					SourceSetID: args[0],
					Name:        args[1],
					Environment: env,
					Actor:       cfg.ActorName(),
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), set.ID)
				cfg.Logger.Info("Cloned %s into %s", args[0], set.Name)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&env, "env", "", "Make the clone an environment set with this name")
	return cmd
}

func newSetStateCommand(cfg *config.Config, use, short string, op func(*sets.Service, context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <set-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				if err := op(e.Sets, ctx, args[0], cfg.ActorName()); err != nil {
					return err
				}
				cfg.Logger.Info("Set %s: %s done", args[0], use)
				return nil
			})
		},
	}
}
