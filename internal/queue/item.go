package queue

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	// StatusPending means waiting to be processed.
	StatusPending Status = "pending"
	// StatusInProgress means currently being downloaded (a transient lease).
	StatusInProgress Status = "in_progress"
	// StatusCompleted means successfully downloaded; terminal for the row.
	StatusCompleted Status = "completed"
	// StatusFailed means failed after all retries exhausted.
	StatusFailed Status = "failed"
)

// ParseStatus converts a database string into a Status.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("invalid queue status: %s\n  Suggestion: Use one of: pending, in_progress, completed, failed", s)
	}
}

// Metadata is optional data captured during resolution for downstream
// naming and indexing.
type Metadata struct {
	SuggestedFilename      string
	Title                  string
	Authors                string
	Year                   string
	DOI                    string
	Topics                 []string
	ParseConfidence        string
	ParseConfidenceFactors string
}

// Item is a single row in the download queue.
type Item struct {
	ID                     int64   `db:"id"`
	URL                    string  `db:"url"`
	SourceType             string  `db:"source_type"`
	OriginalInput          *string `db:"original_input"`
	StatusStr              string  `db:"status"`
	Priority               int64   `db:"priority"`
	RetryCount             int64   `db:"retry_count"`
	LastError              *string `db:"last_error"`
	SuggestedFilename      *string `db:"suggested_filename"`
	MetaTitle              *string `db:"meta_title"`
	MetaAuthors            *string `db:"meta_authors"`
	MetaYear               *string `db:"meta_year"`
	MetaDOI                *string `db:"meta_doi"`
	Topics                 *string `db:"topics"`
	ParseConfidence        *string `db:"parse_confidence"`
	ParseConfidenceFactors *string `db:"parse_confidence_factors"`
	SavedPath              *string `db:"saved_path"`
	BytesDownloaded        int64   `db:"bytes_downloaded"`
	ContentLength          *int64  `db:"content_length"`
	CreatedAt              string  `db:"created_at"`
	UpdatedAt              string  `db:"updated_at"`
}

// Status returns the parsed status, falling back to pending on bad data.
func (i *Item) Status() Status {
	status, err := ParseStatus(i.StatusStr)
	if err != nil {
		return StatusPending
	}
	return status
}

// ParseTopics decodes the topics JSON array, returning nil on absence or
// invalid JSON.
func (i *Item) ParseTopics() []string {
	if i.Topics == nil {
		return nil
	}
	var topics []string
	if err := json.Unmarshal([]byte(*i.Topics), &topics); err != nil {
		return nil
	}
	return topics
}

// SerializeTopics encodes topics as a JSON array string for storage.
// Returns "" for an empty list.
func SerializeTopics(topics []string) string {
	if len(topics) == 0 {
		return ""
	}
	data, err := json.Marshal(topics)
	if err != nil {
		return ""
	}
	return string(data)
}

func (i *Item) String() string {
	return fmt.Sprintf("Item{id: %d, url: %s, status: %s}", i.ID, i.URL, i.Status())
}
