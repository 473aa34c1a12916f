package queue

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// AttemptStatus is the terminal outcome recorded in the history table.
type AttemptStatus string

const (
	// AttemptSuccess records a completed download.
	AttemptSuccess AttemptStatus = "success"
	// AttemptFailed records a download that exhausted its attempts.
	AttemptFailed AttemptStatus = "failed"
	// AttemptSkipped records an item skipped before download.
	AttemptSkipped AttemptStatus = "skipped"
)

// ErrorType is the user-facing failure category on history rows.
type ErrorType string

const (
	// ErrorTypeNetwork covers timeouts, connection failures, 5xx, and local IO.
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeAuth covers 401/403/407 and resolver NeedsAuth outcomes.
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeNotFound covers 404/410.
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeParse covers invalid URLs and parse failures.
	ErrorTypeParse ErrorType = "parse_error"
)

// NewAttempt is the insert payload for one terminal engine decision.
type NewAttempt struct {
	URL                    string
	FinalURL               string
	Status                 AttemptStatus
	FilePath               string
	FileSize               int64
	ContentType            string
	ErrorMessage           string
	ErrorType              ErrorType
	RetryCount             int64
	Project                string
	OriginalInput          string
	HTTPStatus             int64
	DurationMs             int64
	Title                  string
	Authors                string
	DOI                    string
	Topics                 string
	ParseConfidence        string
	ParseConfidenceFactors string
}

// Attempt is a persisted history row. Rows are immutable once written.
type Attempt struct {
	ID                     int64   `db:"id"`
	StartedAt              string  `db:"started_at"`
	URL                    string  `db:"url"`
	FinalURL               *string `db:"final_url"`
	Status                 string  `db:"status"`
	FilePath               *string `db:"file_path"`
	FileSize               *int64  `db:"file_size"`
	ContentType            *string `db:"content_type"`
	ErrorMessage           *string `db:"error_message"`
	ErrorType              *string `db:"error_type"`
	RetryCount             int64   `db:"retry_count"`
	Project                *string `db:"project"`
	OriginalInput          *string `db:"original_input"`
	HTTPStatus             *int64  `db:"http_status"`
	DurationMs             *int64  `db:"duration_ms"`
	Title                  *string `db:"title"`
	Authors                *string `db:"authors"`
	DOI                    *string `db:"doi"`
	Topics                 *string `db:"topics"`
	ParseConfidence        *string `db:"parse_confidence"`
	ParseConfidenceFactors *string `db:"parse_confidence_factors"`
}

// HardQueryCap bounds per-database history reads.
const HardQueryCap = 10000

// AttemptQuery filters history reads.
type AttemptQuery struct {
	Status        AttemptStatus
	Project       string
	Domain        string
	Since         string
	Until         string
	UncertainOnly bool
	Limit         int
}

// SearchQuery filters search-candidate reads.
type SearchQuery struct {
	Project      string
	Since        string
	Until        string
	OpenableOnly bool
	Limit        int
}

// SearchCandidate is the slim row shape ranked by the search command.
type SearchCandidate struct {
	ID        int64   `db:"id"`
	StartedAt string  `db:"started_at"`
	URL       string  `db:"url"`
	FilePath  *string `db:"file_path"`
	Title     *string `db:"title"`
	Authors   *string `db:"authors"`
	DOI       *string `db:"doi"`
}

// LogDownloadAttempt appends one history row. History rows are never
// updated; one row per terminal engine decision.
func (q *Queue) LogDownloadAttempt(ctx context.Context, attempt *NewAttempt) (int64, error) {
	var id int64
	err := q.db.Pool().QueryRowxContext(ctx,
		`INSERT INTO download_log (
		     url, final_url, status, file_path, file_size, content_type,
		     error_message, error_type, retry_count, project, original_input,
		     http_status, duration_ms, title, authors, doi, topics,
		     parse_confidence, parse_confidence_factors
		 )
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		attempt.URL,
		nullable(attempt.FinalURL),
		string(attempt.Status),
		nullable(attempt.FilePath),
		nullableInt(attempt.FileSize),
		nullable(attempt.ContentType),
		nullable(attempt.ErrorMessage),
		nullable(string(attempt.ErrorType)),
		attempt.RetryCount,
		nullable(attempt.Project),
		nullable(attempt.OriginalInput),
		nullableInt(attempt.HTTPStatus),
		nullableInt(attempt.DurationMs),
		nullable(attempt.Title),
		nullable(attempt.Authors),
		nullable(attempt.DOI),
		nullable(attempt.Topics),
		nullable(attempt.ParseConfidence),
		nullable(attempt.ParseConfidenceFactors),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("log download attempt: %w", err)
	}
	return id, nil
}

func nullableInt(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

// QueryDownloadAttempts reads history rows newest-first under the given
// filters. The domain filter is applied after the SQL read (host extraction
// is not expressible in a portable SQLite query), under the hard cap.
func (q *Queue) QueryDownloadAttempts(ctx context.Context, query *AttemptQuery) ([]Attempt, error) {
	where, args := buildHistoryFilters(query.Status, query.Project, query.Since, query.Until, query.UncertainOnly)

	limit := query.Limit
	if limit <= 0 || limit > HardQueryCap {
		limit = HardQueryCap
	}
	sqlLimit := limit
	if query.Domain != "" {
		sqlLimit = HardQueryCap
	}

	sqlStr := "SELECT * FROM download_log" + where + " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, sqlLimit)

	var attempts []Attempt
	if err := q.db.Pool().SelectContext(ctx, &attempts, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("query download attempts: %w", err)
	}

	if query.Domain != "" {
		attempts = filterByDomain(attempts, query.Domain)
		if len(attempts) > limit {
			attempts = attempts[:limit]
		}
	}
	return attempts, nil
}

// QueryDownloadSearchCandidates reads slim candidate rows for fuzzy search.
// Openable-only restricts to success rows carrying a file path; actual
// file-existence checks happen at ranking time.
func (q *Queue) QueryDownloadSearchCandidates(ctx context.Context, query *SearchQuery) ([]SearchCandidate, error) {
	var clauses []string
	var args []interface{}

	if query.OpenableOnly {
		clauses = append(clauses, "status = 'success'", "file_path IS NOT NULL", "file_path != ''")
	}
	if query.Project != "" {
		clauses = append(clauses, "project = ?")
		args = append(args, query.Project)
	}
	if query.Since != "" {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, query.Since)
	}
	if query.Until != "" {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, query.Until)
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	limit := query.Limit
	if limit <= 0 || limit > HardQueryCap {
		limit = HardQueryCap
	}

	sqlStr := "SELECT id, started_at, url, file_path, title, authors, doi FROM download_log" +
		where + " ORDER BY started_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var candidates []SearchCandidate
	if err := q.db.Pool().SelectContext(ctx, &candidates, sqlStr, args...); err != nil {
		return nil, fmt.Errorf("query search candidates: %w", err)
	}
	return candidates, nil
}

func buildHistoryFilters(status AttemptStatus, project, since, until string, uncertainOnly bool) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(status))
	}
	if project != "" {
		clauses = append(clauses, "project = ?")
		args = append(args, project)
	}
	if since != "" {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, since)
	}
	if until != "" {
		clauses = append(clauses, "started_at <= ?")
		args = append(args, until)
	}
	if uncertainOnly {
		clauses = append(clauses, "parse_confidence = 'low'")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func filterByDomain(attempts []Attempt, domain string) []Attempt {
	want := strings.ToLower(domain)
	var out []Attempt
	for _, attempt := range attempts {
		parsed, err := url.Parse(attempt.URL)
		if err != nil {
			continue
		}
		if strings.ToLower(parsed.Hostname()) == want {
			out = append(out, attempt)
		}
	}
	return out
}
