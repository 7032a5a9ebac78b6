package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/docsmith-dev/docsmith/internal/watcher"
)

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the repository and keep the index current",
		Long: `Watch the repository for changes and run incremental index
updates as files change. Rapid bursts of saves are debounced into a
single run; at most one run is in flight at a time.

Stops on Ctrl+C, letting any in-flight run finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			// Catch up before watching: changes made while docsmith was
			// not running are indexed first.
			if _, err := app.indexer.Index(ctx, false); err != nil {
				return err
			}

			w, err := watcher.New(watcher.Options{
				DebounceWindow: app.cfg.Watch.Debounce,
				IgnorePatterns: app.cfg.Paths.Exclude,
			}, app.logger)
			if err != nil {
				return err
			}

			runner := watcher.NewRunner(func(runCtx context.Context) error {
				_, runErr := app.indexer.Index(runCtx, false)
				return runErr
			}, app.logger)

			go runner.Drive(ctx, w.Events())
			go func() {
				for err := range w.Errors() {
					app.logger.Warn("watch error", "error", err)
				}
			}()

			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (Ctrl+C to stop)\n", app.rootDir)
			err = w.Start(ctx, app.rootDir)
			runner.Stop()
			if err != nil && ctx.Err() != nil {
				// Normal shutdown via signal.
				return nil
			}
			return err
		},
	}
	return cmd
}
