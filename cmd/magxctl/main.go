// Package main provides magxctl, a command-line client for a magx server.
package main

import (
	"os"

	"github.com/magx-io/magx/cmd/magxctl/commands"
)

func main() {
	// Errors are printed by the commands themselves.
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
