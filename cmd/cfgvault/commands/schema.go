package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/engine"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/model"
	"github.com/systmms/cfgvault/internal/validation"
)

// schemaFile is the YAML (or JSON) document accepted by schema create and
// schema revise.
//
//	keys:
//	  - name: PORT
//	    kind: number
//	    required: true
//	    min: 1
//	    max: 65535
//	rules:
//	  - kind: dependency
//	    config: {when: TLS_CERT, require: TLS_KEY}
type schemaFile struct {
	Keys  []model.KeyDef `yaml:"keys"`
	Rules []schemaRule   `yaml:"rules"`
}

type schemaRule struct {
	Key      string                 `yaml:"key"`
	Kind     model.RuleKind         `yaml:"kind"`
	Config   map[string]interface{} `yaml:"config"`
	Priority int                    `yaml:"priority"`
	Message  string                 `yaml:"message"`
}

func loadSchemaFile(cmd *cobra.Command, path string) (*schemaFile, error) {
	data, err := readInput(cmd, path)
	if err != nil {
		return nil, err
	}
	var f schemaFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, cverrors.UserError{
			Message:    "Invalid schema file",
			Details:    err.Error(),
			Suggestion: "The file needs a 'keys' list of {name, kind, required, ...} entries",
			Err:        err,
		}
	}
	if len(f.Keys) == 0 {
		return nil, cverrors.UserError{Message: "Schema file declares no keys"}
	}
	return &f, nil
}

// attachRules adds the file's rules to a new schema version.
func attachRules(ctx context.Context, e *engine.Engine, schemaID string, rules []schemaRule) error {
	for _, r := range rules {
		doc, err := json.Marshal(r.Config)
		if err != nil {
			return fmt.Errorf("rule for %s: %w", r.Key, err)
		}
		if _, err := e.Schemas.AttachValidator(ctx, model.Validator{
			SchemaID: schemaID,
			Key:      r.Key,
			Kind:     r.Kind,
			Config:   model.JSONDoc(doc),
			Priority: r.Priority,
			Message:  r.Message,
		}); err != nil {
			return err
		}
	}
	return nil
}

func NewSchemaCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Declare the keys a set must provide",
		Long: `A schema lists the expected keys with their kind and constraints, plus
optional cross-key rules. Schemas are versioned: a revision never changes
the version sets are already bound to.`,
	}

	cmd.AddCommand(
		newSchemaCreateCommand(cfg),
		newSchemaReviseCommand(cfg),
		newSchemaShowCommand(cfg),
	)
	return cmd
}

func newSchemaCreateCommand(cfg *config.Config) *cobra.Command {
	var (
		org  string
		repo string
		file string
	)

	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create version 1 of a schema from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadSchemaFile(cmd, file)
			if err != nil {
				return err
			}
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				schema, err := e.Schemas.CreateSchema(ctx, validation.CreateSchemaRequest{
					Name:           args[0],
					OrganizationID: org,
					RepositoryID:   repo,
					Keys:           f.Keys,
					Actor:          cfg.ActorName(),
				})
				if err != nil {
					return err
				}
				if err := attachRules(ctx, e, schema.ID, f.Rules); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), schema.ID)
				cfg.Logger.Info("Created schema %s v%d with %d keys", schema.Name, schema.Version, len(schema.Keys))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "Owning organization")
	cmd.Flags().StringVar(&repo, "repo", "", "Owning repository")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Schema file (YAML or JSON), - for stdin")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newSchemaReviseCommand(cfg *config.Config) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "revise <schema-id>",
		Short: "Create the next version of a schema",
		Long: `Create the next version of the schema that <schema-id> belongs to. Sets
stay on their version until rebound with 'cfgvault set bind-schema'.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := loadSchemaFile(cmd, file)
			if err != nil {
				return err
			}
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				schema, err := e.Schemas.ReviseSchema(ctx, args[0], f.Keys, cfg.ActorName())
				if err != nil {
					return err
				}
				if err := attachRules(ctx, e, schema.ID, f.Rules); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), schema.ID)
				cfg.Logger.Info("Schema %s is now at version %d", schema.Name, schema.Version)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Schema file (YAML or JSON), - for stdin")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func newSchemaShowCommand(cfg *config.Config) *cobra.Command {
	var (
		versions bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "show <schema-id>",
		Short: "Show a schema version's keys and rules",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				out := cmd.OutOrStdout()
				if versions {
					list, err := e.Schemas.Versions(ctx, args[0])
					if err != nil {
						return err
					}
					if asJSON {
						return writeJSON(out, list)
					}
					w := newTable(out, "ID", "NAME", "VERSION", "KEYS", "CREATED BY")
					for _, s := range list {
						row(w, s.ID, s.Name, s.Version, len(s.Keys), s.CreatedBy)
					}
					return w.Flush()
				}

				schema, err := e.Schemas.GetSchema(ctx, args[0])
				if err != nil {
					return err
				}
				rules, err := e.Schemas.Validators(ctx, schema.ID)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(out, map[string]interface{}{"schema": schema, "rules": rules})
				}

				_, _ = fmt.Fprintf(out, "%s v%d\n\n", schema.Name, schema.Version)
				w := newTable(out, "KEY", "KIND", "REQUIRED", "DEFAULT")
				for _, k := range schema.Keys {
					def := "-"
					if k.Default != nil {
						def = *k.Default
					}
					name := k.Name
					if k.Deprecated {
						name += " (deprecated)"
					}
					row(w, name, k.Kind, k.Required, def)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				if len(rules) > 0 {
					_, _ = fmt.Fprintln(out)
					w = newTable(out, "RULE", "KEY", "CONFIG")
					for _, r := range rules {
						row(w, r.Kind, orDash(r.Key), string(r.Config))
					}
					return w.Flush()
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&versions, "versions", false, "List every version of the schema")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
