package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/systmms/cfgvault/internal/backends"
	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/engine"
	cverrors "github.com/systmms/cfgvault/internal/errors"
)

func NewStoreCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Manage the backends that hold set values",
		Long: `A store binds an organization to a backend: the builtin database store or
an external secret manager (Vault, AWS, GCP, Azure, OS keyring).
Credentials are sealed with the master key before they are saved.`,
	}

	cmd.AddCommand(
		newStoreAddCommand(cfg),
		newStoreListCommand(cfg),
		newStoreTestCommand(cfg),
		newStoreRotateCommand(cfg),
	)
	return cmd
}

func newStoreAddCommand(cfg *config.Config) *cobra.Command {
	var (
		org         string
		storeType   string
		settings    map[string]string
		credentials map[string]string
		credsFile   string
		isDefault   bool
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a store for an organization",
		Example: `  cfgvault store add local --org acme --type builtin
  cfgvault store add vault --org acme --type vault \
      --setting address=https://vault.acme.dev --credential token=s.xxxx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := mergeCredentials(cmd, credentials, credsFile)
			if err != nil {
				return err
			}
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				if !e.Registry.IsSupported(storeType) {
					return cverrors.UserError{
						Message:    fmt.Sprintf("Unknown store type %q", storeType),
						Suggestion: fmt.Sprintf("Use one of: %v", e.Registry.SupportedTypes()),
					}
				}
				store, err := e.Stores.Create(ctx, backends.CreateStoreRequest{
					OrganizationID: org,
					Name:           args[0],
					Type:           storeType,
					Settings:       settings,
					Credentials:    creds,
					IsDefault:      isDefault,
				})
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), store.ID)
				cfg.Logger.Info("Added %s store %s (default: %t)", store.Type, store.Name, store.IsDefault)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "Organization the store belongs to (required)")
	cmd.Flags().StringVar(&storeType, "type", backends.BuiltinType, "Backend type")
	cmd.Flags().StringToStringVar(&settings, "setting", nil, "Backend setting as key=value (repeatable)")
	cmd.Flags().StringToStringVar(&credentials, "credential", nil, "Backend credential as key=value (repeatable)")
	cmd.Flags().StringVar(&credsFile, "credentials-file", "", "YAML map of credentials, - for stdin")
	cmd.Flags().BoolVar(&isDefault, "default", false, "Make this the organization's default store")
	_ = cmd.MarkFlagRequired("org")

	return cmd
}

func newStoreListCommand(cfg *config.Config) *cobra.Command {
	var (
		org    string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List an organization's stores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				stores, err := e.Stores.List(ctx, org)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd.OutOrStdout(), stores)
				}
				if len(stores) == 0 {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No stores configured")
					return nil
				}
				w := newTable(cmd.OutOrStdout(), "ID", "NAME", "TYPE", "DEFAULT")
				for _, s := range stores {
					def := ""
					if s.IsDefault {
						def = "*"
					}
					row(w, s.ID, s.Name, s.Type, def)
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().StringVar(&org, "org", "", "Organization (required)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	_ = cmd.MarkFlagRequired("org")

	return cmd
}

func newStoreTestCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "test <store-id>",
		Short: "Check that a store's backend is reachable with its credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				status, err := e.Stores.Test(ctx, args[0])
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "OK (%s)\n", status.Latency.Round(time.Millisecond))
				if status.Details != "" {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), status.Details)
				}
				return nil
			})
		},
	}
}

func newStoreRotateCommand(cfg *config.Config) *cobra.Command {
	var (
		credentials map[string]string
		credsFile   string
	)

	cmd := &cobra.Command{
		Use:   "rotate <store-id>",
		Short: "Replace a store's sealed credentials",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			creds, err := mergeCredentials(cmd, credentials, credsFile)
			if err != nil {
				return err
			}
			if len(creds) == 0 {
				return cverrors.UserError{
					Message:    "No credentials given",
					Suggestion: "Pass --credential key=value or --credentials-file",
				}
			}
			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				if err := e.Stores.RotateCredentials(ctx, args[0], creds); err != nil {
					return err
				}
				cfg.Logger.Info("Rotated credentials of store %s", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringToStringVar(&credentials, "credential", nil, "Backend credential as key=value (repeatable)")
	cmd.Flags().StringVar(&credsFile, "credentials-file", "", "YAML map of credentials, - for stdin")

	return cmd
}

// mergeCredentials combines --credentials-file with --credential flags; the
// flags win.
func mergeCredentials(cmd *cobra.Command, flags map[string]string, file string) (map[string]string, error) {
	creds := make(map[string]string)
	if file != "" {
		data, err := readInput(cmd, file)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &creds); err != nil {
			return nil, cverrors.UserError{
				Message:    "Invalid credentials file",
				Details:    err.Error(),
				Suggestion: "The file must be a flat YAML map, e.g. 'token: s.xxxx'",
				Err:        err,
			}
		}
	}
	for k, v := range flags {
		creds[k] = v
	}
	return creds, nil
}
