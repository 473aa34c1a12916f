package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refsmith/downloader/internal/queue"
)

// seedDB creates a project-shaped database (<root>/.downloader/queue.db)
// with the given attempts and returns the db path.
func seedDB(t *testing.T, root string, attempts []queue.NewAttempt) string {
	t.Helper()
	dbDir := filepath.Join(root, ".downloader")
	require.NoError(t, os.MkdirAll(dbDir, 0o755))
	dbPath := filepath.Join(dbDir, "queue.db")

	db, err := queue.OpenDatabase(dbPath, queue.DefaultDatabaseOptions())
	require.NoError(t, err)
	q := queue.New(db)
	for i := range attempts {
		_, err := q.LogDownloadAttempt(context.Background(), &attempts[i])
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())
	return dbPath
}

func TestQueryAttemptsAcrossDatabases(t *testing.T) {
	rootA := t.TempDir()
	rootB := t.TempDir()

	dbA := seedDB(t, rootA, []queue.NewAttempt{
		{URL: "https://a.example/1.pdf", Status: queue.AttemptSuccess},
		{URL: "https://a.example/2.pdf", Status: queue.AttemptFailed, ErrorType: queue.ErrorTypeNetwork},
	})
	dbB := seedDB(t, rootB, []queue.NewAttempt{
		{URL: "https://b.example/3.pdf", Status: queue.AttemptSuccess},
	})

	rows, outcome, err := QueryAttempts(context.Background(), []string{dbA, dbB}, &queue.AttemptQuery{Limit: 10}, 10)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.False(t, outcome.Truncated)
	assert.False(t, outcome.CappedByHardLimit)

	// Merged ordering is newest first by (started_at, id).
	for i := 1; i < len(rows); i++ {
		if rows[i-1].StartedAt == rows[i].StartedAt {
			assert.GreaterOrEqual(t, rows[i-1].ID, rows[i].ID)
		} else {
			assert.Greater(t, rows[i-1].StartedAt, rows[i].StartedAt)
		}
	}
}

func TestQueryAttemptsTruncation(t *testing.T) {
	root := t.TempDir()
	var attempts []queue.NewAttempt
	for i := 0; i < 5; i++ {
		attempts = append(attempts, queue.NewAttempt{URL: "https://a.example/x.pdf", Status: queue.AttemptSuccess})
	}
	dbPath := seedDB(t, root, attempts)

	rows, outcome, err := QueryAttempts(context.Background(), []string{dbPath}, &queue.AttemptQuery{Limit: 10}, 3)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.True(t, outcome.Truncated)
}

func TestResolveCandidateFilePath(t *testing.T) {
	rel := "papers/file.pdf"
	candidate := queue.SearchCandidate{FilePath: &rel}
	resolved := ResolveCandidateFilePath(&candidate, "/data/project/.downloader/queue.db")
	assert.Equal(t, filepath.Join("/data/project", "papers/file.pdf"), resolved)

	abs := "/already/abs.pdf"
	candidate = queue.SearchCandidate{FilePath: &abs}
	assert.Equal(t, abs, ResolveCandidateFilePath(&candidate, "/data/project/.downloader/queue.db"))

	candidate = queue.SearchCandidate{}
	assert.Empty(t, ResolveCandidateFilePath(&candidate, "/data/project/.downloader/queue.db"))
}

func TestRankCandidatesTiers(t *testing.T) {
	dir := t.TempDir()
	mkFile := func(name string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("pdf"), 0o644))
		return p
	}

	title1 := "Neural Architecture Search"
	title2 := "neural-architecture: search revisited"
	title3 := "Nueral Architecture" // transposition typo
	doi := "10.1234/nas.2023"

	candidates := []Candidate{
		{Row: queue.SearchCandidate{ID: 1, StartedAt: "2024-01-01 10:00:00", Title: &title1}, FilePath: mkFile("a.pdf")},
		{Row: queue.SearchCandidate{ID: 2, StartedAt: "2024-01-02 10:00:00", Title: &title2}, FilePath: mkFile("b.pdf")},
		{Row: queue.SearchCandidate{ID: 3, StartedAt: "2024-01-03 10:00:00", Title: &title3}, FilePath: mkFile("c.pdf")},
		{Row: queue.SearchCandidate{ID: 4, StartedAt: "2024-01-04 10:00:00", DOI: &doi}, FilePath: mkFile("d.pdf")},
	}

	results := RankCandidates("Neural Architecture", candidates)
	require.NotEmpty(t, results)

	// Exact substring outranks normalized substring outranks edit distance.
	assert.Equal(t, int64(1), results[0].Candidate.Row.ID)
	assert.Equal(t, "title", results[0].Match)
	assert.Equal(t, scoreExactSubstring, results[0].Score)

	var scores = map[int64]int{}
	for _, r := range results {
		scores[r.Candidate.Row.ID] = r.Score
	}
	assert.Greater(t, scores[1], scores[2])
	if typoScore, ok := scores[3]; ok {
		assert.Greater(t, scores[2], typoScore)
	}
}

func TestRankCandidatesMatchesDOI(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "d.pdf")
	require.NoError(t, os.WriteFile(p, []byte("pdf"), 0o644))

	doi := "10.1234/nas.2023"
	candidates := []Candidate{
		{Row: queue.SearchCandidate{ID: 1, StartedAt: "2024-01-01 10:00:00", DOI: &doi}, FilePath: p},
	}
	results := RankCandidates("10.1234/nas", candidates)
	require.Len(t, results, 1)
	assert.Equal(t, "doi", results[0].Match)
}

func TestRankCandidatesDropsMissingFiles(t *testing.T) {
	title := "Findable Paper"
	candidates := []Candidate{
		{Row: queue.SearchCandidate{ID: 1, Title: &title}, FilePath: "/nonexistent/path.pdf"},
	}
	assert.Empty(t, RankCandidates("Findable", candidates))
}

func TestRankCandidatesRecencyTieBreak(t *testing.T) {
	dir := t.TempDir()
	mkFile := func(name string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("pdf"), 0o644))
		return p
	}

	title := "Same Title Paper"
	candidates := []Candidate{
		{Row: queue.SearchCandidate{ID: 1, StartedAt: "2024-01-01 10:00:00", Title: &title}, FilePath: mkFile("old.pdf")},
		{Row: queue.SearchCandidate{ID: 2, StartedAt: "2024-06-01 10:00:00", Title: &title}, FilePath: mkFile("new.pdf")},
	}

	results := RankCandidates("Same Title", candidates)
	require.Len(t, results, 2)
	assert.Equal(t, int64(2), results[0].Candidate.Row.ID, "newer row wins ties")
}

func TestCollectSearchCandidatesResolvesPaths(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "paper.pdf"), []byte("pdf"), 0o644))

	dbPath := seedDB(t, root, []queue.NewAttempt{
		{URL: "https://a.example/p.pdf", Status: queue.AttemptSuccess, FilePath: "paper.pdf", Title: "Relative Paper"},
	})

	candidates, _, err := CollectSearchCandidates(context.Background(), []string{dbPath},
		&queue.SearchQuery{OpenableOnly: true, Limit: 100})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, filepath.Join(root, "paper.pdf"), candidates[0].FilePath)

	results := RankCandidates("Relative", candidates)
	require.Len(t, results, 1)
}
