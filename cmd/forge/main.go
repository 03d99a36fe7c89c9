// Package main is the entry point for the forge CLI.
// Forge drives long-lived agent loops against a repository, dispatching
// a configured coding-agent harness on an interval and persisting run
// records, queue items, and stop-rule decisions to a local database.
package main

import (
	"fmt"
	"os"

	"github.com/tOgg1/forge/internal/cli"
)

// Version information (set by goreleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := cli.Execute(version); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
