package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/refsmith/downloader/internal/history"
	"github.com/refsmith/downloader/internal/project"
	"github.com/refsmith/downloader/internal/queue"
)

func newLogCommand() *cobra.Command {
	var (
		outputDir   string
		projectName string
		status      string
		failed      bool
		uncertain   bool
		since       string
		domain      string
		limit       int
	)

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Show download history across project databases",
		RunE: func(cmd *cobra.Command, args []string) error {
			scopeLabel, dbPaths, projectKey, err := resolveHistoryScope(outputDir, projectName)
			if err != nil {
				return err
			}
			if len(dbPaths) == 0 {
				fmt.Printf("No download history found for %s.\n", scopeLabel)
				return nil
			}

			query := &queue.AttemptQuery{
				Project:       projectKey,
				Domain:        domain,
				Since:         since,
				UncertainOnly: uncertain,
				Limit:         limit + 1,
			}
			if failed {
				query.Status = queue.AttemptFailed
			} else if status != "" {
				parsed, err := parseAttemptStatus(status)
				if err != nil {
					return err
				}
				query.Status = parsed
			}

			attempts, outcome, err := history.QueryAttempts(context.Background(), dbPaths, query, limit)
			if err != nil {
				return err
			}
			if len(attempts) == 0 {
				fmt.Println("No history rows matched the current filters.")
				return nil
			}

			width := terminalWidth()
			for i := range attempts {
				fmt.Println(renderHistoryRow(&attempts[i], failed, width))
			}
			switch {
			case outcome.Truncated:
				fmt.Printf("Showing first %d rows for %s; rerun with a higher --limit to inspect more.\n", limit, scopeLabel)
			case outcome.CappedByHardLimit:
				fmt.Printf("Showing up to %d rows per history database for %s; additional rows may exist. Narrow filters or use --project for a smaller scope.\n",
					queue.HardQueryCap, scopeLabel)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", ".", "Base output directory to scan for history")
	cmd.Flags().StringVarP(&projectName, "project", "p", "", "Restrict to one project")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status: success, failed, skipped")
	cmd.Flags().BoolVar(&failed, "failed", false, "Shortcut for --status failed with error details")
	cmd.Flags().BoolVar(&uncertain, "uncertain", false, "Only rows with low parse confidence")
	cmd.Flags().StringVar(&since, "since", "", "Only rows at or after this SQLite datetime")
	cmd.Flags().StringVar(&domain, "domain", "", "Only rows whose URL host matches")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum rows to show")

	return cmd
}

// resolveHistoryScope maps an optional project name onto the database
// paths and project key the queries should use.
func resolveHistoryScope(baseOutputDir, projectName string) (string, []string, string, error) {
	if projectName != "" {
		outputDir, err := project.ResolveOutputDir(baseOutputDir, projectName)
		if err != nil {
			return "", nil, "", err
		}
		dbPath := project.QueueDBPath(outputDir)
		var dbPaths []string
		if project.HasPriorState(outputDir) {
			dbPaths = []string{dbPath}
		}
		return fmt.Sprintf("project %s", outputDir), dbPaths, project.HistoryKey(outputDir), nil
	}

	dbPaths, err := project.DiscoverHistoryDBPaths(baseOutputDir)
	if err != nil {
		return "", nil, "", err
	}
	return fmt.Sprintf("global under %s", baseOutputDir), dbPaths, "", nil
}

func parseAttemptStatus(s string) (queue.AttemptStatus, error) {
	switch s {
	case "success":
		return queue.AttemptSuccess, nil
	case "failed":
		return queue.AttemptFailed, nil
	case "skipped":
		return queue.AttemptSkipped, nil
	default:
		return "", fmt.Errorf("invalid status %q: use success, failed, or skipped", s)
	}
}
