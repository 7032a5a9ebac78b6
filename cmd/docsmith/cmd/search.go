package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/docsmith-dev/docsmith/internal/store"
)

type searchOptions struct {
	limit  int
	format string // "text", "json"
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed repository",
		Long: `Search the indexed repository by semantic similarity.

Examples:
  docsmith search "retry with exponential backoff"
  docsmith search "config file parsing" -n 5
  docsmith search "watcher debounce" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")

			app, err := newApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.close()

			vec, err := app.gateway.Embed(cmd.Context(), query)
			if err != nil {
				return err
			}
			results, err := app.store.Search(cmd.Context(), vec, opts.limit)
			if err != nil {
				return err
			}

			return printResults(cmd, results, opts.format)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	return cmd
}

// searchResult is the JSON shape of one result.
type searchResult struct {
	Path      string  `json:"path"`
	StartLine int     `json:"start_line"`
	EndLine   int     `json:"end_line"`
	Language  string  `json:"language"`
	Score     float32 `json:"score"`
	Text      string  `json:"text"`
}

func printResults(cmd *cobra.Command, results []*store.Result, format string) error {
	out := cmd.OutOrStdout()

	if format == "json" {
		payload := make([]searchResult, len(results))
		for i, r := range results {
			payload[i] = searchResult{
				Path:      r.Chunk.FilePath,
				StartLine: r.Chunk.StartLine,
				EndLine:   r.Chunk.EndLine,
				Language:  r.Chunk.Language,
				Score:     r.Score,
				Text:      r.Chunk.Text,
			}
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No results. Run 'docsmith index' first?")
		return nil
	}
	for i, r := range results {
		fmt.Fprintf(out, "%d. %s:%d-%d (%.3f)\n",
			i+1, r.Chunk.FilePath, r.Chunk.StartLine, r.Chunk.EndLine, r.Score)
		fmt.Fprintln(out, indent(snippet(r.Chunk.Text, 6), "   "))
	}
	return nil
}

// snippet returns at most n lines of text.
func snippet(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = append(lines[:n], "...")
	}
	return strings.Join(lines, "\n")
}

func indent(text, prefix string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n")
}
