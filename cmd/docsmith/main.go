// Package main provides the entry point for the docsmith CLI.
package main

import (
	"os"

	"github.com/docsmith-dev/docsmith/cmd/docsmith/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
