// Package main is the clonemgr CLI: init, add, cancel, remove, get,
// list, serve (dashboard), and probe (one-shot connectivity check).
// Mirrors the teacher's cmd/drover layout and its per-invocation
// open-store/do-one-thing/close-store lifecycle.
package main

import (
	"fmt"
	"os"

	"github.com/cloneforge/clonemgr/internal/config"
	"github.com/spf13/cobra"
)

var cfg *config.Config

func main() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "clonemgr: loading config: %v\n", err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:     "clonemgr",
		Short:   "Durable clone task manager",
		Version: "0.1.0",
	}

	root.AddCommand(
		initCmd(),
		addCmd(),
		cancelCmd(),
		removeCmd(),
		getCmd(),
		listCmd(),
		serveCmd(),
		probeCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
