package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refsmith/downloader/internal/queue"
	"github.com/refsmith/downloader/internal/sidecar"
)

func newEngineQueue(t *testing.T) *queue.Queue {
	t.Helper()
	db, err := queue.OpenDatabase(filepath.Join(t.TempDir(), "queue.db"), queue.DefaultDatabaseOptions())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return queue.New(db)
}

func fastPolicy() *RetryPolicy {
	return NewRetryPolicy(3, 10*time.Millisecond, 100*time.Millisecond, 2.0)
}

func newTestEngine(t *testing.T, concurrency int, policy *RetryPolicy) *Engine {
	t.Helper()
	engine, err := NewEngine(concurrency, policy, DisabledRateLimiter())
	require.NoError(t, err)
	return engine
}

func TestNewEngineConcurrencyBounds(t *testing.T) {
	limiter := DisabledRateLimiter()

	for _, valid := range []int{1, 10, 100} {
		engine, err := NewEngine(valid, DefaultRetryPolicy(), limiter)
		require.NoError(t, err, "concurrency %d", valid)
		assert.Equal(t, valid, engine.Concurrency())
	}

	for _, invalid := range []int{0, 101} {
		_, err := NewEngine(invalid, DefaultRetryPolicy(), limiter)
		require.Error(t, err, "concurrency %d", invalid)
		var ice *InvalidConcurrencyError
		assert.ErrorAs(t, err, &ice)
	}
}

// A direct URL download completes, names the file from the suggested
// filename, and logs a success history row.
func TestEngineDirectURLSuccess(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer server.Close()

	q := newEngineQueue(t)
	outputDir := t.TempDir()

	suggested := "example.com-paper.pdf"
	id, err := q.EnqueueWithMetadata(ctx, server.URL+"/paper.pdf", "direct_url", "https://example.com/paper.pdf",
		&queue.Metadata{SuggestedFilename: suggested})
	require.NoError(t, err)

	engine := newTestEngine(t, 1, fastPolicy())
	stats, err := engine.ProcessQueue(ctx, q, NewHTTPClient(), outputDir)
	require.NoError(t, err)

	assert.Equal(t, int64(1), stats.Completed())
	assert.Equal(t, int64(0), stats.Failed())

	_, statErr := os.Stat(filepath.Join(outputDir, "example.com-paper.pdf"))
	assert.NoError(t, statErr, "file named from suggested filename")

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status())

	attempts, err := q.QueryDownloadAttempts(ctx, &queue.AttemptQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, "success", attempts[0].Status)
	require.NotNil(t, attempts[0].DurationMs)
	assert.Greater(t, *attempts[0].DurationMs, int64(0))
	require.NotNil(t, attempts[0].Project)
	assert.Equal(t, DeriveProjectKey(outputDir), *attempts[0].Project)
}

// A 404 is permanent: exactly one request, failed row with a suggestion.
func TestEngine404Permanent(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	q := newEngineQueue(t)
	id, err := q.Enqueue(ctx, server.URL+"/missing.pdf", "direct_url", "")
	require.NoError(t, err)

	engine := newTestEngine(t, 1, fastPolicy())
	stats, err := engine.ProcessQueue(ctx, q, NewHTTPClient(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int64(1), requests.Load(), "permanent failures make exactly one request")
	assert.Equal(t, int64(1), stats.Failed())
	assert.Equal(t, int64(0), stats.Retried())

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, item.Status())
	require.NotNil(t, item.LastError)
	assert.Contains(t, *item.LastError, "Suggestion: Verify the source")

	attempts, err := q.QueryDownloadAttempts(ctx, &queue.AttemptQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].ErrorType)
	assert.Equal(t, "not_found", *attempts[0].ErrorType)
}

// A transient 503 retries and succeeds on the second attempt.
func TestEngineTransient503RetriesThenSucceeds(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	q := newEngineQueue(t)
	id, err := q.Enqueue(ctx, server.URL+"/flaky.pdf", "direct_url", "")
	require.NoError(t, err)

	engine := newTestEngine(t, 1, fastPolicy())
	stats, err := engine.ProcessQueue(ctx, q, NewHTTPClient(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int64(2), requests.Load())
	assert.Equal(t, int64(1), stats.Completed())
	assert.Equal(t, int64(1), stats.Retried())

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status())
}

// A 429 honors Retry-After over the backoff schedule.
func TestEngine429HonorsRetryAfter(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	q := newEngineQueue(t)
	_, err := q.Enqueue(ctx, server.URL+"/limited.pdf", "direct_url", "")
	require.NoError(t, err)

	engine := newTestEngine(t, 1, fastPolicy())
	start := time.Now()
	stats, err := engine.ProcessQueue(ctx, q, NewHTTPClient(), t.TempDir())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 1*time.Second,
		"engine sleeps at least the Retry-After delay between attempts")
	assert.Equal(t, int64(2), requests.Load())
	assert.Equal(t, int64(1), stats.Completed())
}

// A 403 triggers exactly one browser-UA retry; the first attempt stays
// on the identity UA.
func TestEngine403BrowserUAFallback(t *testing.T) {
	ctx := context.Background()
	var userAgents []string
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		userAgents = append(userAgents, r.Header.Get("User-Agent"))
		if !strings.Contains(r.Header.Get("User-Agent"), "Chrome") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	q := newEngineQueue(t)
	id, err := q.Enqueue(ctx, server.URL+"/bot-blocked.pdf", "direct_url", "")
	require.NoError(t, err)

	engine := newTestEngine(t, 1, fastPolicy())
	stats, err := engine.ProcessQueue(ctx, q, NewHTTPClient(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int64(2), requests.Load(), "exactly two requests")
	require.Len(t, userAgents, 2)
	assert.NotContains(t, userAgents[0], "Chrome", "first attempt uses identity UA")
	assert.Contains(t, userAgents[1], "Chrome", "fallback uses browser UA")
	assert.Equal(t, int64(1), stats.Retried())
	assert.Equal(t, int64(1), stats.Completed())

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status())
}

// 403 on both attempts stays an auth failure with no further retries.
func TestEngine403BothAttemptsFails(t *testing.T) {
	ctx := context.Background()
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	q := newEngineQueue(t)
	_, err := q.Enqueue(ctx, server.URL+"/locked.pdf", "direct_url", "")
	require.NoError(t, err)

	engine := newTestEngine(t, 1, fastPolicy())
	stats, err := engine.ProcessQueue(ctx, q, NewHTTPClient(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int64(2), requests.Load(), "identity attempt plus one UA swap")
	assert.Equal(t, int64(1), stats.Failed())

	attempts, err := q.QueryDownloadAttempts(ctx, &queue.AttemptQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	require.NotNil(t, attempts[0].ErrorType)
	assert.Equal(t, "auth", *attempts[0].ErrorType)
	assert.Equal(t, int64(1), attempts[0].RetryCount, "retry_count equals attempts-1")
}

// An interrupt while an item waits for a permit requeues it; a fresh run
// completes it.
func TestEngineInterruptRequeuesWaitingItem(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	firstStarted := make(chan struct{}, 1)
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			firstStarted <- struct{}{}
			<-release
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	q := newEngineQueue(t)
	_, err := q.Enqueue(ctx, server.URL+"/first.pdf", "direct_url", "")
	require.NoError(t, err)
	secondID, err := q.Enqueue(ctx, server.URL+"/second.pdf", "direct_url", "")
	require.NoError(t, err)

	engine := newTestEngine(t, 1, fastPolicy())
	var interrupted atomic.Bool

	statsCh := make(chan *Stats, 1)
	go func() {
		stats, runErr := engine.ProcessQueueInterruptible(ctx, q, NewHTTPClient(), t.TempDir(), &interrupted, ProcessOptions{})
		require.NoError(t, runErr)
		statsCh <- stats
	}()

	// Wait for the first download to hold the only permit, then interrupt
	// while the second dequeued item is waiting for a permit.
	<-firstStarted
	time.Sleep(200 * time.Millisecond)
	interrupted.Store(true)
	close(release)

	stats := <-statsCh
	assert.True(t, stats.WasInterrupted())
	assert.Equal(t, int64(1), stats.Completed(), "in-flight download completes within the grace window")

	item, err := q.Get(ctx, secondID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusPending, item.Status(), "waiting item requeued to pending")

	// A fresh run completes the requeued item.
	var fresh atomic.Bool
	stats2, err := engine.ProcessQueueInterruptible(ctx, q, NewHTTPClient(), t.TempDir(), &fresh, ProcessOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats2.Completed())

	item, err = q.Get(ctx, secondID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, item.Status())
}

func TestEngineConcurrentProcessing(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	q := newEngineQueue(t)
	const items = 12
	for i := 0; i < items; i++ {
		_, err := q.Enqueue(ctx, server.URL+"/f"+string(rune('a'+i))+".pdf", "direct_url", "")
		require.NoError(t, err)
	}

	engine := newTestEngine(t, 4, fastPolicy())
	stats, err := engine.ProcessQueue(ctx, q, NewHTTPClient(), t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, int64(items), stats.Completed())

	pending, err := q.CountByStatus(ctx, queue.StatusPending)
	require.NoError(t, err)
	assert.Zero(t, pending)
	inProgress, err := q.CountByStatus(ctx, queue.StatusInProgress)
	require.NoError(t, err)
	assert.Zero(t, inProgress, "no orphan leases after a clean drain")
}

func TestEngineSidecarEmission(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pdf bytes"))
	}))
	defer server.Close()

	q := newEngineQueue(t)
	outputDir := t.TempDir()
	id, err := q.EnqueueWithMetadata(ctx, server.URL+"/paper.pdf", "doi", "10.1234/example", &queue.Metadata{
		SuggestedFilename: "paper.pdf",
		Title:             "A Paper",
		Authors:           "Smith, Jane",
		Year:              "2024",
		DOI:               "10.1234/example",
	})
	require.NoError(t, err)

	engine := newTestEngine(t, 1, fastPolicy())
	stats, err := engine.ProcessQueueInterruptible(ctx, q, NewHTTPClient(), outputDir, &atomic.Bool{}, ProcessOptions{GenerateSidecars: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.Completed())

	sidecarPath := filepath.Join(outputDir, "paper.json")
	content, err := os.ReadFile(sidecarPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "ScholarlyArticle")
	assert.Contains(t, string(content), "10.1234/example")

	// Second emission for the same item leaves the sidecar unchanged.
	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, item.SavedPath)
	second, err := sidecar.Generate(item)
	require.NoError(t, err)
	assert.Empty(t, second)
	after, err := os.ReadFile(sidecarPath)
	require.NoError(t, err)
	assert.Equal(t, content, after)
}

func TestDeriveProjectKeyIsAbsolute(t *testing.T) {
	key := DeriveProjectKey(".")
	assert.True(t, filepath.IsAbs(key))
}
