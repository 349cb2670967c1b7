package commands

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/engine"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/execenv"
	"github.com/systmms/cfgvault/internal/resolve"
)

func NewExecCommand(cfg *config.Config) *cobra.Command {
	var (
		token         string
		printVars     bool
		allowOverride bool
		workingDir    string
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "exec [set-id] -- <command> [args...]",
		Short: "Run a command with a set's configuration as environment variables",
		Long: `Resolve a set and run a command with every value injected as an
environment variable. Keys are mapped to variable names by replacing
characters other than letters, digits and underscores with '_'.
Secrets are held in sealed memory until the child starts and are never
written to disk.

With --token (or $CFGVAULT_TOKEN) the set is read with the token's
permissions; the set id may then be omitted.`,
		Example: `  cfgvault exec <set-id> -- npm start
  cfgvault exec <set-id> --print -- ./migrate.sh
  CFGVAULT_TOKEN=cfv_... cfgvault exec -- ./deploy.sh`,
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash < 0 || dash == len(args) {
				return cverrors.UserError{
					Message:    "No command specified",
					Suggestion: "Separate the command with --, e.g. cfgvault exec <set-id> -- npm start",
				}
			}
			if dash > 1 {
				return cverrors.UserError{Message: "Give at most one set id before --"}
			}
			command := args[dash:]
			setID := ""
			if dash == 1 {
				setID = args[0]
			}
			plaintext := tokenFrom(token)
			if setID == "" && plaintext == "" {
				return cverrors.UserError{
					Message:    "No set id given",
					Suggestion: "Name the set before --, or pass a token bound to it",
				}
			}

			if err := execenv.ValidateCommand(command); err != nil {
				var notFound cverrors.CommandError
				if errors.As(err, &notFound) {
					return err
				}
				cfg.Logger.Warn("Command validation: %s", err.Error())
			}

			return withEngine(cmd, cfg, func(ctx context.Context, e *engine.Engine) error {
				opts := resolve.Options{IncludeSecrets: true}
				var (
					res *resolve.Result
					err error
				)
				if plaintext != "" {
					s, serr := e.Session(ctx, plaintext)
					if serr != nil {
						return serr
					}
					if setID == "" {
						setID = s.Token().SetID
					}
					res, err = s.Resolve(ctx, setID, opts)
				} else {
					res, err = e.Resolve(ctx, setID, opts)
				}
				if err != nil {
					return err
				}

				plain, secrets, err := execenv.FromResolved(res)
				if err != nil {
					return err
				}
				cfg.Logger.Info("Resolved %d variables from set %s", len(plain)+len(secrets), setID)

				executor := execenv.New(cfg.Logger).WithIO(cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
				return executor.Exec(ctx, execenv.ExecOptions{
					Command:       command,
					Environment:   plain,
					Secrets:       secrets,
					AllowOverride: allowOverride,
					PrintVars:     printVars,
					WorkingDir:    workingDir,
					Timeout:       timeout,
				})
			})
		},
	}

	cmd.Flags().StringVar(&token, "token", "", "Access token (default $"+TokenEnv+")")
	cmd.Flags().BoolVar(&printVars, "print", false, "Print resolved variables (secrets masked)")
	cmd.Flags().BoolVar(&allowOverride, "allow-override", false, "Let variables already in the environment win")
	cmd.Flags().StringVar(&workingDir, "working-dir", "", "Working directory for the command")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Kill the command after this long (0 for no timeout)")

	return cmd
}
