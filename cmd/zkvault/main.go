// Package main provides the zkvault CLI commands.
package main

import (
	"fmt"
	"os"

	"github.com/forest6511/zkvault/internal/platform"
)

func main() {
	// Keys live in process memory; never let a crash write them to disk.
	if err := platform.DisableCoreDumps(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to disable core dumps: %v\n", err)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
