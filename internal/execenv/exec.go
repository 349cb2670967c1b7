// Package execenv runs a command with a resolved configuration set injected
// as environment variables. Nothing is written to disk.
package execenv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/logging"
	"github.com/systmms/cfgvault/internal/resolve"
	"github.com/systmms/cfgvault/internal/secure"
)

// ExitError carries the exit code of a child that ran and failed.
type ExitError struct {
	Code int
}

func (e ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// Executor handles running commands with ephemeral environment variables
type Executor struct {
	logger *logging.Logger
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

// New creates an executor wired to the process's standard streams.
func New(logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{logger: logger, stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}
}

// WithIO replaces the standard streams.
func (e *Executor) WithIO(stdin io.Reader, stdout, stderr io.Writer) *Executor {
	c := *e
	c.stdin, c.stdout, c.stderr = stdin, stdout, stderr
	return &c
}

// ExecOptions configures command execution
type ExecOptions struct {
	Command []string
	// Environment holds the non-secret variables.
	Environment map[string]string
	// Secrets stay sealed until the child environment is built.
	Secrets map[string]*secure.Buffer
	// AllowOverride lets variables already in the parent environment win.
	AllowOverride bool
	// PrintVars lists the injected variables, secrets masked.
	PrintVars  bool
	WorkingDir string
	Timeout    time.Duration
}

// EnvName maps a configuration key to an environment variable name. Dots
// and dashes become underscores.
func EnvName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, key)
}

// FromResolved splits a resolution into plain and sealed variables. Two keys
// that map to the same variable name are an error.
func FromResolved(res *resolve.Result) (map[string]string, map[string]*secure.Buffer, error) {
	plain := make(map[string]string)
	secrets := make(map[string]*secure.Buffer)
	seen := make(map[string]string)
	for _, key := range res.Keys() {
		v := res.Values[key]
		name := EnvName(key)
		if prev, ok := seen[name]; ok {
			secure.DestroyAll(secrets)
			return nil, nil, cverrors.UserError{
				Message:    fmt.Sprintf("keys %s and %s both map to environment variable %s", prev, key, name),
				Suggestion: "Rename one of the keys",
			}
		}
		seen[name] = key
		if v.IsSecret {
			secrets[name] = secure.FromString(v.Value)
			continue
		}
		plain[name] = v.Value
	}
	return plain, secrets, nil
}

// Exec runs a command with the provided environment variables. A child
// that exits non-zero yields ExitError.
func (e *Executor) Exec(ctx context.Context, options ExecOptions) error {
	defer secure.DestroyAll(options.Secrets)

	if len(options.Command) == 0 {
		return cverrors.UserError{
			Message:    "No command specified",
			Suggestion: "Provide a command after -- (e.g., cfgvault exec <set> -- npm start)",
		}
	}
	if options.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, options.Timeout)
		defer cancel()
	}

	cmdName := options.Command[0]
	if _, err := exec.LookPath(cmdName); err != nil {
		return cverrors.WrapCommandNotFound(cmdName, err)
	}

	env, err := buildEnvironment(os.Environ(), options)
	if err != nil {
		return cverrors.UserError{
			Message: "Failed to build environment",
			Details: err.Error(),
			Err:     err,
		}
	}
	if options.PrintVars {
		e.printEnvironment(options)
	}

	cmd := exec.CommandContext(ctx, cmdName, options.Command[1:]...)
	cmd.Env = env
	cmd.Stdin = e.stdin
	cmd.Stdout = e.stdout
	cmd.Stderr = e.stderr
	cmd.Dir = options.WorkingDir

	e.logger.Debug("Executing command: %s", strings.Join(options.Command, " "))
	e.logger.Debug("Environment variables set: %d", len(options.Environment)+len(options.Secrets))

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
			return ExitError{Code: exitErr.ExitCode()}
		}
		return cverrors.CommandError{
			Command:    strings.Join(options.Command, " "),
			Message:    err.Error(),
			Suggestion: "Check the command output above for details",
		}
	}
	return nil
}

// buildEnvironment merges the injected variables into base, sorted.
func buildEnvironment(base []string, options ExecOptions) ([]string, error) {
	envMap := make(map[string]string, len(base))
	for _, kv := range base {
		if k, v, ok := strings.Cut(kv, "="); ok {
			envMap[k] = v
		}
	}

	set := func(k, v string) {
		if _, exists := envMap[k]; exists && options.AllowOverride {
			return
		}
		envMap[k] = v
	}
	for k, v := range options.Environment {
		set(k, v)
	}
	for k, buf := range options.Secrets {
		v, err := buf.String()
		if err != nil {
			return nil, fmt.Errorf("unseal %s: %w", k, err)
		}
		set(k, v)
	}

	result := make([]string, 0, len(envMap))
	for k, v := range envMap {
		result = append(result, k+"="+v)
	}
	sort.Strings(result)
	return result, nil
}

// printEnvironment lists the injected variables; secret values are masked.
func (e *Executor) printEnvironment(options ExecOptions) {
	total := len(options.Environment) + len(options.Secrets)
	if total == 0 {
		_, _ = fmt.Fprintln(e.stderr, "No environment variables resolved")
		return
	}

	lines := make([]string, 0, total)
	for k, v := range options.Environment {
		lines = append(lines, k+"="+v)
	}
	for k, buf := range options.Secrets {
		v, _ := buf.String()
		lines = append(lines, k+"="+maskValue(v))
	}
	sort.Strings(lines)

	_, _ = fmt.Fprintf(e.stderr, "Resolved %d environment variables:\n", total)
	for _, l := range lines {
		_, _ = fmt.Fprintf(e.stderr, "  %s\n", l)
	}
	_, _ = fmt.Fprintln(e.stderr)
}

// maskValue masks a secret value for display
func maskValue(value string) string {
	if len(value) == 0 {
		return "(empty)"
	}
	if len(value) <= 3 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:1] + strings.Repeat("*", len(value)-2) + value[len(value)-1:]
	}
	return value[:3] + strings.Repeat("*", 8) + value[len(value)-2:]
}

var dangerousCommands = []string{
	"rm", "rmdir", "del", "format", "fdisk",
	"dd", "mkfs", "parted", "shutdown", "reboot",
}

// ValidateCommand checks that the command exists and flags destructive
// binaries. A returned UserError for a dangerous command is a warning.
func ValidateCommand(command []string) error {
	if len(command) == 0 {
		return cverrors.UserError{
			Message:    "No command specified",
			Suggestion: "Provide a command after -- (e.g., cfgvault exec <set> -- npm start)",
		}
	}

	cmdName := command[0]
	if _, err := exec.LookPath(cmdName); err != nil {
		return cverrors.WrapCommandNotFound(cmdName, err)
	}

	// Not a security boundary.
	for _, dangerous := range dangerousCommands {
		if cmdName == dangerous || strings.HasSuffix(cmdName, "/"+dangerous) {
			return cverrors.UserError{
				Message:    fmt.Sprintf("Potentially dangerous command '%s'", cmdName),
				Suggestion: "Use this command with extreme caution or consider safer alternatives",
			}
		}
	}
	return nil
}
