package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/systmms/cfgvault/cmd/cfgvault/commands"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"github.com/systmms/cfgvault/internal/execenv"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		os.Exit(report(os.Stderr, err))
	}
}

func run() error {
	rootCmd := commands.NewRootCommand(fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date))
	return rootCmd.Execute()
}

// report prints err for the user and returns the process exit code. A child
// process exit code from exec passes through silently.
func report(w io.Writer, err error) int {
	var exitErr execenv.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	_, _ = fmt.Fprintf(w, "Error: %v\n", cverrors.SimplifyError(err))
	return 1
}
