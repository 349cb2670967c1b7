package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/engine"
	"github.com/systmms/cfgvault/internal/resolve"
)

func NewResolveCommand(cfg *config.Config) *cobra.Command {
	var (
		showSecrets bool
		asJSON      bool
	)

	cmd := &cobra.Command{
		Use:   "resolve <set-id>",
		Short: "Show the effective configuration of a set after inheritance",
		Long: `Walk the set's ancestor chain from the root and apply each level's own
values; a child's value always wins over its parents'. Secrets are masked
unless --show-secrets is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				res, err := e.Resolve(ctx, args[0], resolve.Options{IncludeSecrets: true, MaskSecrets: !showSecrets})
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), res)
				}
				if len(res.Values) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No values")
					return nil
				}
				w := newTable(cmd.OutOrStdout(), "KEY", "VALUE", "KIND", "VERSION", "FROM")
				for _, k := range res.Keys() {
					v := res.Values[k]
					from := "self"
					if v.DefiningSetID != res.SetID {
						from = v.DefiningSetID
					}
					row(w, k, v.Value, v.Kind, v.Version, from)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print secret values in clear")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func NewCompareCommand(cfg *config.Config) *cobra.Command {
	var (
		all    bool
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "compare <set-a> <set-b>",
		Short: "Diff the effective configuration of two sets",
		Long: `Resolve both sets and report keys added, removed or changed going from
A to B. Secret values are compared but never printed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				diff, err := e.Compare(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), diff)
				}

				groups := [][]resolve.KeyDiff{diff.Added, diff.Removed, diff.Changed}
				if all {
					groups = append(groups, diff.Unchanged)
				}
				w := newTable(cmd.OutOrStdout(), "CHANGE", "KEY", "A", "B")
				for _, g := range groups {
					for _, d := range g {
						row(w, d.Change, d.Key, orDash(d.Old), orDash(d.New))
					}
				}
				if err := w.Flush(); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "\n%d added, %d removed, %d changed, %d unchanged\n",
					len(diff.Added), len(diff.Removed), len(diff.Changed), len(diff.Unchanged))
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Also list unchanged keys")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func NewValidateCommand(cfg *config.Config) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "validate <set-id>",
		Short: "Check a set's effective configuration against its schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				report, err := e.Validate(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					if err := writeJSON(out, report); err != nil {
						return err
					}
					return report.Err()
				}
				for _, v := range report.Warnings {
					cfg.Logger.Warn("%s: %s", v.Key, v.Message)
				}
				if report.OK {
					_, _ = fmt.Fprintln(out, "OK")
					return nil
				}
				w := newTable(out, "KEY", "RULE", "MESSAGE")
				for _, v := range report.Violations {
					row(w, v.Key, v.RuleKind, v.Message)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				return report.Err()
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}
