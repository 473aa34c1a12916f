package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrItemNotFound is returned when an operation matched zero rows.
type ErrItemNotFound struct {
	ID int64
}

func (e *ErrItemNotFound) Error() string {
	return fmt.Sprintf("queue item not found: id %d\n  Suggestion: The item may have been deleted or the ID is incorrect", e.ID)
}

// Queue manages download queue items with atomic claim semantics, backed by
// SQLite with WAL mode for concurrent access.
type Queue struct {
	db *Database
}

// New creates a queue manager over the given database.
func New(db *Database) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a pending row and returns its id.
func (q *Queue) Enqueue(ctx context.Context, url, sourceType string, originalInput string) (int64, error) {
	return q.EnqueueWithMetadata(ctx, url, sourceType, originalInput, nil)
}

// EnqueueWithMetadata inserts a pending row with optional resolver metadata.
func (q *Queue) EnqueueWithMetadata(ctx context.Context, url, sourceType string, originalInput string, meta *Metadata) (int64, error) {
	var (
		suggested, title, authors, year, doi *string
		topics, confidence, factors          *string
	)
	if meta != nil {
		suggested = nullable(meta.SuggestedFilename)
		title = nullable(meta.Title)
		authors = nullable(meta.Authors)
		year = nullable(meta.Year)
		doi = nullable(meta.DOI)
		topics = nullable(SerializeTopics(meta.Topics))
		confidence = nullable(meta.ParseConfidence)
		factors = nullable(meta.ParseConfidenceFactors)
	}

	var id int64
	err := q.db.Pool().QueryRowxContext(ctx,
		`INSERT INTO queue (
		     url, source_type, original_input, status, priority, retry_count,
		     suggested_filename, meta_title, meta_authors, meta_year, meta_doi,
		     topics, parse_confidence, parse_confidence_factors
		 )
		 VALUES (?, ?, ?, 'pending', 0, 0, ?, ?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`,
		url, sourceType, nullable(originalInput),
		suggested, title, authors, year, doi,
		topics, confidence, factors,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// HasActiveURL reports whether a row with the URL is pending or in progress.
// The resolver orchestrator consults it to deduplicate before enqueue.
func (q *Queue) HasActiveURL(ctx context.Context, url string) (bool, error) {
	var count int64
	err := q.db.Pool().GetContext(ctx, &count,
		`SELECT COUNT(*) FROM queue WHERE url = ? AND status IN ('pending', 'in_progress')`, url)
	if err != nil {
		return false, fmt.Errorf("check active url: %w", err)
	}
	return count > 0, nil
}

// Dequeue atomically claims the highest-priority pending item (oldest first
// within a priority) and flips it to in_progress. Returns nil when the queue
// is drained. The single UPDATE...RETURNING statement is what makes two
// concurrent callers unable to observe the same row.
func (q *Queue) Dequeue(ctx context.Context) (*Item, error) {
	var item Item
	err := q.db.Pool().QueryRowxContext(ctx,
		`UPDATE queue
		 SET status = 'in_progress', updated_at = datetime('now')
		 WHERE id = (
		     SELECT id FROM queue
		     WHERE status = 'pending'
		     ORDER BY priority DESC, created_at ASC
		     LIMIT 1
		 )
		 RETURNING *`).StructScan(&item)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return &item, nil
}

// MarkCompleted marks an item completed.
func (q *Queue) MarkCompleted(ctx context.Context, id int64) error {
	return q.MarkCompletedWithPath(ctx, id, "")
}

// MarkCompletedWithPath marks an item completed, recording the saved path
// when one is known.
func (q *Queue) MarkCompletedWithPath(ctx context.Context, id int64, savedPath string) error {
	result, err := q.db.Pool().ExecContext(ctx,
		`UPDATE queue
		 SET status = 'completed', saved_path = COALESCE(?, saved_path), updated_at = datetime('now')
		 WHERE id = ?`,
		nullable(savedPath), id)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	return requireRow(result, id)
}

// MarkFailed marks an item failed with the message and final retry count.
func (q *Queue) MarkFailed(ctx context.Context, id int64, message string, retryCount int64) error {
	result, err := q.db.Pool().ExecContext(ctx,
		`UPDATE queue
		 SET status = 'failed', retry_count = ?, last_error = ?, updated_at = datetime('now')
		 WHERE id = ?`,
		retryCount, message, id)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return requireRow(result, id)
}

// UpdateProgress records bytes downloaded and, when known, content length.
func (q *Queue) UpdateProgress(ctx context.Context, id int64, bytesDownloaded int64, contentLength int64) error {
	var cl *int64
	if contentLength > 0 {
		cl = &contentLength
	}
	result, err := q.db.Pool().ExecContext(ctx,
		`UPDATE queue
		 SET bytes_downloaded = ?, content_length = COALESCE(?, content_length), updated_at = datetime('now')
		 WHERE id = ?`,
		bytesDownloaded, cl, id)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	return requireRow(result, id)
}

// Requeue returns an item to pending for another attempt.
func (q *Queue) Requeue(ctx context.Context, id int64) error {
	result, err := q.db.Pool().ExecContext(ctx,
		`UPDATE queue SET status = 'pending', updated_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("requeue: %w", err)
	}
	return requireRow(result, id)
}

// Get fetches an item by id, nil when absent.
func (q *Queue) Get(ctx context.Context, id int64) (*Item, error) {
	var item Item
	err := q.db.Pool().GetContext(ctx, &item, `SELECT * FROM queue WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return &item, nil
}

// CountByStatus counts queue rows in a status.
func (q *Queue) CountByStatus(ctx context.Context, status Status) (int64, error) {
	var count int64
	err := q.db.Pool().GetContext(ctx, &count, `SELECT COUNT(*) FROM queue WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("count by status: %w", err)
	}
	return count, nil
}

// GetInProgress returns all rows currently leased, oldest update first.
// Used for crash recovery diagnostics.
func (q *Queue) GetInProgress(ctx context.Context) ([]Item, error) {
	var items []Item
	err := q.db.Pool().SelectContext(ctx, &items,
		`SELECT * FROM queue WHERE status = 'in_progress' ORDER BY updated_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("get in progress: %w", err)
	}
	return items, nil
}

// ResetInProgress flips every in_progress row back to pending. Called once
// at process startup so crashed leases are reprocessed.
func (q *Queue) ResetInProgress(ctx context.Context) (int64, error) {
	result, err := q.db.Pool().ExecContext(ctx,
		`UPDATE queue SET status = 'pending', updated_at = datetime('now') WHERE status = 'in_progress'`)
	if err != nil {
		return 0, fmt.Errorf("reset in progress: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset in progress: %w", err)
	}
	return n, nil
}

// ListByStatus returns rows in a status ordered like the dequeue path.
func (q *Queue) ListByStatus(ctx context.Context, status Status) ([]Item, error) {
	var items []Item
	err := q.db.Pool().SelectContext(ctx, &items,
		`SELECT * FROM queue WHERE status = ? ORDER BY priority DESC, created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list by status: %w", err)
	}
	return items, nil
}

// ListAll returns every queue row ordered like the dequeue path.
func (q *Queue) ListAll(ctx context.Context) ([]Item, error) {
	var items []Item
	err := q.db.Pool().SelectContext(ctx, &items,
		`SELECT * FROM queue ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all: %w", err)
	}
	return items, nil
}

// Remove deletes a queue row.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	result, err := q.db.Pool().ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove item: %w", err)
	}
	return requireRow(result, id)
}

// ClearByStatus deletes every row in a status and returns the count.
func (q *Queue) ClearByStatus(ctx context.Context, status Status) (int64, error) {
	result, err := q.db.Pool().ExecContext(ctx, `DELETE FROM queue WHERE status = ?`, string(status))
	if err != nil {
		return 0, fmt.Errorf("clear by status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clear by status: %w", err)
	}
	return n, nil
}

func requireRow(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrItemNotFound{ID: id}
	}
	return nil
}
