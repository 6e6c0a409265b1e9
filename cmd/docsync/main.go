package main

import (
	"errors"
	"fmt"
	"os"

	_ "go.uber.org/automaxprocs"

	"docsync/internal/logging"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	err := newRootCmd(defaultDeps()).Execute()
	logging.Sync()
	if err == nil {
		return
	}

	var cliErr *cliError
	if errors.As(err, &cliErr) {
		if !cliErr.printed && cliErr.msg != "" {
			fmt.Fprintln(os.Stderr, cliErr.msg)
		}
		os.Exit(cliErr.exitCode)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
