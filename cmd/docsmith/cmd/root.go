// Package cmd provides the CLI commands for docsmith.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/docsmith-dev/docsmith/pkg/version"
)

// NewRootCmd creates the root command for the docsmith CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docsmith",
		Short: "Incremental code indexing and retrieval",
		Long: `Docsmith maintains a local semantic index of a repository.

It chunks source files, embeds them through a local model provider,
and answers similarity queries over the result. Indexing is
incremental: unchanged files and unchanged chunks are never
reprocessed.

Run 'docsmith index' in a repository to get started.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("docsmith version {{.Version}}\n")

	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
