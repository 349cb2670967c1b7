package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/systmms/cfgvault/internal/config"
	"github.com/systmms/cfgvault/internal/engine"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/logging"
	"github.com/systmms/cfgvault/internal/metrics"
)

// TokenEnv holds the access token for fetch and token-authenticated exec.
const TokenEnv = "CFGVAULT_TOKEN"

// withEngine loads the configuration, opens the engine for the duration of
// fn and serves metrics when they are enabled.
func withEngine(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, e *engine.Engine) error) error {
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if err := cfg.Load(); err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	e, err := engine.Open(ctx, *cfg.Settings, cfg.Logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil {
			cfg.Logger.Warn("Failed to close engine: %v", cerr)
		}
	}()

	if cfg.Settings.Metrics.Enabled {
		sc := metrics.DefaultServerConfig()
		sc.Enabled = true
		sc.Addr = cfg.Settings.Metrics.Address
		srv := metrics.NewServer(sc)
		if err := srv.Start(); err != nil {
			cfg.Logger.Warn("Metrics server not started: %v", err)
		} else {
			cfg.Logger.Debug("Serving metrics on %s", srv.Addr())
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = srv.Stop(stopCtx)
			}()
		}
	}

	return fn(ctx, e)
}

// writeJSON prints v indented.
func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, strings.Join(headers, "\t"))
	dashes := make([]string, len(headers))
	for i, h := range headers {
		dashes[i] = strings.Repeat("-", len(h))
	}
	_, _ = fmt.Fprintln(tw, strings.Join(dashes, "\t"))
	return tw
}

func row(w io.Writer, cols ...interface{}) {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(c)
	}
	_, _ = fmt.Fprintln(w, strings.Join(parts, "\t"))
}

// readInput reads a file, or standard input for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cverrors.UserError{
			Message:    fmt.Sprintf("Cannot read %s", path),
			Details:    err.Error(),
			Suggestion: "Check the path, or pass - to read from standard input",
			Err:        err,
		}
	}
	return data, nil
}

// writeOutput writes content to path, or to the command's output when path
// is empty. Files are created owner-only.
func writeOutput(cmd *cobra.Command, path string, content []byte) error {
	if path == "" || path == "-" {
		_, err := cmd.OutOrStdout().Write(content)
		return err
	}
	if err := os.WriteFile(path, content, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// tokenFrom picks the --token flag, then the environment.
func tokenFrom(flag string) string {
	if flag != "" {
		return flag
	}
	return os.Getenv(TokenEnv)
}

func requireToken(token string) error {
	if token == "" {
		return cverrors.UserError{
			Message:    "No access token provided",
			Suggestion: fmt.Sprintf("Pass --token or set %s", TokenEnv),
		}
	}
	return nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
