package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/engine"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/export"
	"github.com/systmms/cfgvault/internal/model"
)

func NewExportCommand(cfg *config.Config) *cobra.Command {
	var (
		format      string
		opts        export.Options
		output      string
		withSecrets bool
	)

	cmd := &cobra.Command{
		Use:   "export <set-id>",
		Short: "Render a set's effective configuration as a file",
		Long: `Render the resolved set as dotenv, json, yaml, a Kubernetes ConfigMap or
Secret, or Terraform variables. Secrets are left out unless
--include-secrets is given; ConfigMaps never carry secrets.`,
		Example: `  cfgvault export <set-id> --format dotenv -o .env --include-secrets
  cfgvault export <set-id> --format k8s-configmap --name api-config
  cfgvault export <set-id> --format json --prefix APP_ --transform upper`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			opts.IncludeSecrets = withSecrets
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				out, err := e.Export(ctx, args[0], f, opts)
				if err != nil {
					return err
				}
				if err := writeOutput(cmd, output, out.Content); err != nil {
					return err
				}
				if output != "" && output != "-" {
					cfg.Logger.Info("Wrote %s export to %s", out.Format, output)
				}
				return nil
			})
		},
	}

	f := cmd.Flags()
	f.StringVarP(&format, "format", "f", string(export.FormatDotenv), "Output format: dotenv, json, yaml, k8s-configmap, k8s-secret, terraform")
	f.StringVarP(&output, "output", "o", "", "Write to this file (mode 0600) instead of stdout")
	f.BoolVar(&withSecrets, "include-secrets", false, "Include secret values")
	f.StringVar(&opts.KeyPrefix, "prefix", "", "Prefix added to every key")
	f.StringVar(&opts.KeyTransform, "transform", "", "Key transform: upper, lower or none")
	f.StringVar(&opts.Name, "name", "", "metadata.name of Kubernetes manifests")

	return cmd
}

func NewImportCommand(cfg *config.Config) *cobra.Command {
	var (
		format     string
		secretKeys []string
		wf         writeFlags
	)

	cmd := &cobra.Command{
		Use:   "import <set-id> <file|->",
		Short: "Load values into a set from a dotenv or JSON file",
		Long: `Parse a dotenv or flat JSON document and write every entry into the set.
Entries that already hold the same value are skipped; bad lines are reported
and the rest are still imported. Mark secret keys with --secret-key.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			content, err := readInput(cmd, args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Import(ctx, args[0], content, f, cfg.ActorName(), export.ImportOptions{
					SecretKeys: secretKeys,
					Write:      wf.options(),
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Imported %d, skipped %d, failed %d\n", res.Imported, res.Skipped, len(res.Errors))
				if len(res.Errors) == 0 {
					return nil
				}
				w := newTable(cmd.OutOrStdout(), "LINE", "KEY", "ERROR")
				for _, ie := range res.Errors {
					line := "-"
					if ie.Line > 0 {
						line = fmt.Sprint(ie.Line)
					}
					row(w, line, orDash(ie.Key), ie.Message)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				return cverrors.UserError{
					Message:    fmt.Sprintf("%d entries could not be imported", len(res.Errors)),
					Suggestion: "Fix the entries listed above and import again; unchanged entries are skipped",
				}
			})
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", string(export.FormatDotenv), "Input format: dotenv or json")
	cmd.Flags().StringSliceVar(&secretKeys, "secret-key", nil, "Key to store as a secret (repeatable)")
	wf.register(cmd)

	return cmd
}

// NewScheduleCommand manages saved export targets.
func NewScheduleCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage saved exports and their delivery schedules",
		Long: `A saved export names a set, a format and a destination (a file path or an
http(s) URL). An optional cron schedule records when it should run; an
external scheduler calls 'cfgvault schedule run <id>'.`,
	}

	cmd.AddCommand(
		newScheduleCreateCommand(cfg),
		newScheduleUpdateCommand(cfg),
		newScheduleListCommand(cfg),
		newScheduleRunCommand(cfg),
		newScheduleDeleteCommand(cfg),
	)
	return cmd
}

func exportSpecFlags(cmd *cobra.Command, spec *model.ExportSpec) {
	f := cmd.Flags()
	f.StringVar(&spec.Format, "format", string(export.FormatDotenv), "Output format")
	f.StringVar(&spec.Destination, "dest", "", "File path or http(s) URL to deliver to")
	f.StringVar(&spec.Schedule, "cron", "", "Cron schedule, e.g. '0 2 * * *'")
	f.BoolVar(&spec.IncludeSecrets, "include-secrets", false, "Include secret values")
	f.StringVar(&spec.KeyPrefix, "prefix", "", "Prefix added to every key")
	f.StringVar(&spec.KeyTransform, "transform", "", "Key transform: upper, lower or none")
}

func newScheduleCreateCommand(cfg *config.Config) *cobra.Command {
	var spec model.ExportSpec

	cmd := &cobra.Command{
		Use:   "create <set-id> <name>",
		Short: "Save an export target",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec.SetID = args[0]
			spec.Name = args[1]
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				created, err := e.Exporter.CreateExportSpec(ctx, spec)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), created.ID)
				return nil
			})
		},
	}

	exportSpecFlags(cmd, &spec)
	return cmd
}

func newScheduleUpdateCommand(cfg *config.Config) *cobra.Command {
	var changes model.ExportSpec
	var name string

	cmd := &cobra.Command{
		Use:   "update <export-id>",
		Short: "Change a saved export; only the given flags are applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				spec, err := e.Exporter.GetExportSpec(ctx, args[0])
				if err != nil {
					return err
				}
				flags := cmd.Flags()
				if flags.Changed("name") {
					spec.Name = name
				}
				if flags.Changed("format") {
					spec.Format = changes.Format
				}
				if flags.Changed("dest") {
					spec.Destination = changes.Destination
				}
				if flags.Changed("cron") {
					spec.Schedule = changes.Schedule
				}
				if flags.Changed("include-secrets") {
					spec.IncludeSecrets = changes.IncludeSecrets
				}
				if flags.Changed("prefix") {
					spec.KeyPrefix = changes.KeyPrefix
				}
				if flags.Changed("transform") {
					spec.KeyTransform = changes.KeyTransform
				}
				_, err = e.Exporter.UpdateExportSpec(ctx, *spec)
				return err
			})
		},
	}

	exportSpecFlags(cmd, &changes)
	cmd.Flags().StringVar(&name, "name", "", "New name")
	return cmd
}

func newScheduleListCommand(cfg *config.Config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list <set-id>",
		Short: "List a set's saved exports and when each runs next",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				specs, err := e.Exporter.ListExportSpecs(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), specs)
				}
				if len(specs) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No saved exports")
					return nil
				}
				now := time.Now()
				w := newTable(cmd.OutOrStdout(), "ID", "NAME", "FORMAT", "DESTINATION", "SCHEDULE", "NEXT RUN")
				for _, s := range specs {
					next := "-"
					if at, ok, err := export.NextRun(s, now); err != nil {
						next = "invalid schedule"
					} else if ok {
						next = formatTime(&at)
					}
					row(w, s.ID, s.Name, s.Format, orDash(s.Destination), orDash(s.Schedule), next)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func newScheduleRunCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run <export-id>",
		Short: "Run a saved export now",
		Long:  "Run a saved export. Without a destination the content is printed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				out, err := e.Exporter.RunExportSpec(ctx, args[0])
				if err != nil {
					return err
				}
				if out.Destination == "" {
					return writeOutput(cmd, "", out.Content)
				}
				cfg.Logger.Info("Delivered %d bytes", len(out.Content))
				return nil
			})
		},
	}
}

func newScheduleDeleteCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <export-id>",
		Short: "Remove a saved export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				return e.Exporter.DeleteExportSpec(ctx, args[0])
			})
		},
	}
}
