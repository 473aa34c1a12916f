package queue

import "context"

// Repository is the data-access contract for queue and history operations.
// It keeps the Queue API intact while letting the download engine and
// command flows depend on an abstract boundary testable without SQLite.
type Repository interface {
	// Dequeue claims the next pending queue item, nil when drained.
	Dequeue(ctx context.Context) (*Item, error)
	// Requeue returns a claimed item to pending.
	Requeue(ctx context.Context, id int64) error
	// MarkCompletedWithPath marks an item completed with an optional path.
	MarkCompletedWithPath(ctx context.Context, id int64, savedPath string) error
	// MarkFailed marks an item failed with message and retry count.
	MarkFailed(ctx context.Context, id int64, message string, retryCount int64) error
	// UpdateProgress records bytes/content-length progress.
	UpdateProgress(ctx context.Context, id int64, bytesDownloaded, contentLength int64) error
	// CountByStatus counts queue items in a status.
	CountByStatus(ctx context.Context, status Status) (int64, error)
	// GetInProgress returns all currently leased items.
	GetInProgress(ctx context.Context) ([]Item, error)
	// ListByStatus returns all queue items for a status.
	ListByStatus(ctx context.Context, status Status) ([]Item, error)
	// HasActiveURL reports whether a URL is pending or in progress.
	HasActiveURL(ctx context.Context, url string) (bool, error)
	// EnqueueWithMetadata inserts a pending row with resolution metadata.
	EnqueueWithMetadata(ctx context.Context, url, sourceType, originalInput string, meta *Metadata) (int64, error)
	// LogDownloadAttempt appends a terminal history row.
	LogDownloadAttempt(ctx context.Context, attempt *NewAttempt) (int64, error)
	// QueryDownloadAttempts reads paginated history rows.
	QueryDownloadAttempts(ctx context.Context, query *AttemptQuery) ([]Attempt, error)
	// QueryDownloadSearchCandidates reads searchable history candidates.
	QueryDownloadSearchCandidates(ctx context.Context, query *SearchQuery) ([]SearchCandidate, error)
}

var _ Repository = (*Queue)(nil)
