package cli

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/refsmith/downloader/internal/history"
	"github.com/refsmith/downloader/internal/queue"
)

func newSearchCommand(exitCode *int) *cobra.Command {
	var (
		outputDir   string
		projectName string
		since       string
		until       string
		limit       int
		openTop     bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Fuzzy-search downloaded history by title, authors, or DOI",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := validateDateRange(since, until); err != nil {
				return err
			}

			scopeLabel, dbPaths, projectKey, err := resolveHistoryScope(outputDir, projectName)
			if err != nil {
				return err
			}
			if len(dbPaths) == 0 {
				fmt.Printf("No download history found for %s.\n", scopeLabel)
				return nil
			}

			query := &queue.SearchQuery{
				Project:      projectKey,
				Since:        since,
				Until:        until,
				OpenableOnly: true,
				Limit:        queue.HardQueryCap,
			}
			candidates, outcome, err := history.CollectSearchCandidates(context.Background(), dbPaths, query)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				fmt.Printf("No search candidates found for %s.\n", scopeLabel)
				return nil
			}

			ranked := history.RankCandidates(args[0], candidates)
			if len(ranked) == 0 {
				fmt.Println("No search results matched the current query and filters.")
				return nil
			}

			truncated := len(ranked) > limit
			if truncated {
				ranked = ranked[:limit]
			}

			width := terminalWidth()
			for _, result := range ranked {
				fmt.Println(renderSearchRow(&result, width))
			}
			switch {
			case truncated:
				fmt.Printf("Showing first %d search results for %s; rerun with a higher --limit to inspect more.\n", limit, scopeLabel)
			case outcome.CappedByHardLimit:
				fmt.Printf("Search candidates were capped at %d rows per history database; older matches may exist.\n", queue.HardQueryCap)
			}

			if openTop {
				top := ranked[0]
				if top.Candidate.FilePath == "" {
					fmt.Println("What: Cannot open top search result\nWhy: Result has no file path metadata\nFix: Re-run without --open or redownload the item.")
					return nil
				}
				if err := openInDefaultApp(top.Candidate.FilePath); err != nil {
					fmt.Println(err)
					*exitCode = ExitPartial
					return nil
				}
				fmt.Printf("Opened top result: %s\n", top.Candidate.FilePath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", ".", "Base output directory to scan for history")
	cmd.Flags().StringVarP(&projectName, "project", "p", "", "Restrict to one project")
	cmd.Flags().StringVar(&since, "since", "", "Only rows at or after this SQLite datetime")
	cmd.Flags().StringVar(&until, "until", "", "Only rows at or before this SQLite datetime")
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum results to show")
	cmd.Flags().BoolVar(&openTop, "open", false, "Open the top result with the OS default app")

	return cmd
}

func renderSearchRow(result *history.SearchResult, width int) string {
	row := result.Candidate.Row
	label := row.URL
	if row.Title != nil && *row.Title != "" {
		label = *row.Title
	}
	line := fmt.Sprintf("%s  match=%s  %s", row.StartedAt, result.Match, label)
	if result.Candidate.FilePath != "" {
		line += "  -> " + result.Candidate.FilePath
	}
	return truncateToWidth(line, width)
}

func validateDateRange(since, until string) error {
	if since != "" && until != "" && since > until {
		return fmt.Errorf("--since (%s) is after --until (%s)\n  Suggestion: Swap the values or widen the range", since, until)
	}
	return nil
}

// openInDefaultApp hands a file to the platform opener.
func openInDefaultApp(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("What: Cannot open %s\nWhy: %v\nFix: Open the file manually or install a default handler.", path, err)
	}
	return nil
}
