package commands

import (
	"github.com/spf13/cobra"

	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/logging"
	"github.com/systmms/cfgvault/internal/metrics"
)

// NewRootCommand builds the cfgvault command tree.
func NewRootCommand(version string) *cobra.Command {
	var (
		configFile     string
		noColor        bool
		debug          bool
		nonInteractive bool
		actor          string
	)

	cfg := &config.Config{}

	rootCmd := &cobra.Command{
		Use:   "cfgvault",
		Short: "Hierarchical configuration and secrets for every environment",
		Long: `cfgvault stores configuration values and secrets in sets that inherit
from one another (organization, repository, environment), resolves the
effective configuration, and hands it to CI jobs and applications.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg.Path = configFile
			cfg.Logger = logging.New(debug, noColor)
			cfg.NonInteractive = nonInteractive
			cfg.Actor = actor
			metrics.Init()
			return nil
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", config.DefaultPath, "Config file path")
	flags.BoolVar(&noColor, "no-color", false, "Disable colored output")
	flags.BoolVar(&debug, "debug", false, "Enable debug logging")
	flags.BoolVar(&nonInteractive, "non-interactive", false, "Non-interactive mode")
	flags.StringVar(&actor, "actor", "", "Name recorded in history and audit events (default $USER)")
	flags.String("dsn", "", "Database DSN (overrides database.dsn)")
	flags.String("driver", "", "Database driver: sqlite, postgres or mysql (overrides database.driver)")
	_ = cfg.BindFlag("database.dsn", flags.Lookup("dsn"))
	_ = cfg.BindFlag("database.driver", flags.Lookup("driver"))

	rootCmd.AddCommand(
		NewInitCommand(cfg),
		NewStoreCommand(cfg),
		NewSetCommand(cfg),
		NewPutCommand(cfg),
		NewDeleteCommand(cfg),
		NewHistoryCommand(cfg),
		NewRollbackCommand(cfg),
		NewImportCommand(cfg),
		NewExportCommand(cfg),
		NewScheduleCommand(cfg),
		NewResolveCommand(cfg),
		NewCompareCommand(cfg),
		NewValidateCommand(cfg),
		NewSchemaCommand(cfg),
		NewTokenCommand(cfg),
		NewFetchCommand(cfg),
		NewExecCommand(cfg),
	)

	return rootCmd
}
