package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/engine"
	"github.com/systmms/cfgvault/internal/export"
)

func NewFetchCommand(cfg *config.Config) *cobra.Command {
	var (
		token    string
		format   string
		output   string
		validate bool
	)

	cmd := &cobra.Command{
		Use:   "fetch [set-id]",
		Short: "Fetch a set's configuration with an access token",
		Long: `Fetch the effective configuration, secrets included, using an access
token instead of a user identity. Without a set id the token's own set is
fetched. This is the command CI jobs run.`,
		Example: `  CFGVAULT_TOKEN=cfv_... cfgvault fetch > .env
  cfgvault fetch <set-id> --token "$TOKEN" --format json -o config.json`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plaintext := tokenFrom(token)
			if err := requireToken(plaintext); err != nil {
				return err
			}
			f, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			setID := ""
			if len(args) == 1 {
				setID = args[0]
			}
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				if validate {
					report, err := e.ValidateWithToken(ctx, plaintext)
					if err != nil {
						return err
					}
					if err := report.Err(); err != nil {
						return err
					}
				}
				out, err := e.Fetch(ctx, plaintext, setID, f)
				if err != nil {
					return err
				}
				return writeOutput(cmd, output, out.Content)
			})
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Access token (default $"+TokenEnv+")")
	cmd.Flags().StringVarP(&format, "format", "f", string(export.FormatDotenv), "Output format")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file (mode 0600) instead of stdout")
	cmd.Flags().BoolVar(&validate, "validate", false, "Fail when the token's set does not pass its schema")
	return cmd
}
