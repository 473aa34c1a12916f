// Package history provides scoped history queries and fuzzy search across
// one or many project-local queue databases.
package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/refsmith/downloader/internal/queue"
)

// QueryOutcome distinguishes caller-limit truncation from per-database
// hard-cap saturation; the CLI reports them differently.
type QueryOutcome struct {
	// Truncated means the merged result exceeded the requested limit.
	Truncated bool
	// CappedByHardLimit means at least one database returned a full
	// hard-cap page; older rows may exist.
	CappedByHardLimit bool
}

// QueryAttempts runs the filter against every database path, merges the
// rows by (started_at DESC, id DESC), and truncates to the requested limit.
func QueryAttempts(ctx context.Context, dbPaths []string, query *queue.AttemptQuery, limit int) ([]queue.Attempt, QueryOutcome, error) {
	var outcome QueryOutcome
	var merged []queue.Attempt

	for _, dbPath := range dbPaths {
		db, err := queue.OpenDatabase(dbPath, queue.DefaultDatabaseOptions())
		if err != nil {
			return nil, outcome, fmt.Errorf("open history database %s: %w", dbPath, err)
		}
		q := queue.New(db)
		attempts, err := q.QueryDownloadAttempts(ctx, query)
		closeErr := db.Close()
		if err != nil {
			return nil, outcome, err
		}
		if closeErr != nil {
			return nil, outcome, closeErr
		}
		if len(attempts) >= queue.HardQueryCap {
			outcome.CappedByHardLimit = true
		}
		merged = append(merged, attempts...)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].StartedAt != merged[j].StartedAt {
			return merged[i].StartedAt > merged[j].StartedAt
		}
		return merged[i].ID > merged[j].ID
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
		outcome.Truncated = true
	}
	return merged, outcome, nil
}

// CollectSearchCandidates reads openable candidates from every database,
// resolving relative file paths against each database's root directory.
func CollectSearchCandidates(ctx context.Context, dbPaths []string, query *queue.SearchQuery) ([]Candidate, QueryOutcome, error) {
	var outcome QueryOutcome
	var all []Candidate

	for _, dbPath := range dbPaths {
		db, err := queue.OpenDatabase(dbPath, queue.DefaultDatabaseOptions())
		if err != nil {
			return nil, outcome, fmt.Errorf("open history database %s: %w", dbPath, err)
		}
		q := queue.New(db)
		rows, err := q.QueryDownloadSearchCandidates(ctx, query)
		closeErr := db.Close()
		if err != nil {
			return nil, outcome, err
		}
		if closeErr != nil {
			return nil, outcome, closeErr
		}
		if len(rows) >= queue.HardQueryCap {
			outcome.CappedByHardLimit = true
		}
		for _, row := range rows {
			all = append(all, Candidate{
				Row:      row,
				FilePath: ResolveCandidateFilePath(&row, dbPath),
			})
		}
	}

	return all, outcome, nil
}

// ResolveCandidateFilePath makes a history file path absolute. Relative
// paths resolve against the owning database's root directory (the parent of
// its .downloader directory) so the OS can open them from anywhere.
func ResolveCandidateFilePath(candidate *queue.SearchCandidate, dbPath string) string {
	if candidate.FilePath == nil || *candidate.FilePath == "" {
		return ""
	}
	path := *candidate.FilePath
	if filepath.IsAbs(path) {
		return path
	}
	root := filepath.Dir(filepath.Dir(dbPath))
	return filepath.Join(root, path)
}
