package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newIndexCmd() *cobra.Command {
	var full bool

	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build or update the repository index",
		Long: `Build or update the semantic index of the current repository.

Without flags only added, modified, and deleted files are processed.
With --full the previous state is discarded and every file is
reprocessed; unchanged content still reuses its stored embeddings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			result, err := app.indexer.Index(cmd.Context(), full)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Indexed %d files (%d chunks) in %s\n",
				result.Indexed, result.Chunks, result.Duration.Round(time.Millisecond))
			fmt.Fprintf(out, "  unchanged: %d  failed: %d  deleted: %d\n",
				result.Unchanged, result.Failed, result.Deleted)
			return nil
		},
	}

	cmd.Flags().BoolVar(&full, "full", false, "Rebuild the index from scratch")
	return cmd
}
