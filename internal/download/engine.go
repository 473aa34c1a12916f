package download

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/refsmith/downloader/internal/metrics"
	"github.com/refsmith/downloader/internal/queue"
	"github.com/refsmith/downloader/internal/robots"
	"github.com/refsmith/downloader/internal/sidecar"
	"github.com/refsmith/downloader/internal/version"
)

const (
	// MinConcurrency and MaxConcurrency bound the worker pool.
	MinConcurrency = 1
	MaxConcurrency = 100
	// DefaultConcurrency is used when not specified.
	DefaultConcurrency = 10

	// interruptPollInterval is how often permit acquisition checks the
	// interrupt flag.
	interruptPollInterval = 50 * time.Millisecond
	// shutdownGrace is how long in-flight tasks get after an interrupt.
	shutdownGrace = 5 * time.Second
)

// InvalidConcurrencyError rejects out-of-range concurrency values.
type InvalidConcurrencyError struct {
	Value int
}

func (e *InvalidConcurrencyError) Error() string {
	return fmt.Sprintf("invalid concurrency value %d: must be between %d and %d", e.Value, MinConcurrency, MaxConcurrency)
}

// ProcessOptions toggles per-item enrichment during queue processing.
type ProcessOptions struct {
	// GenerateSidecars emits a JSON-LD sidecar when a download succeeds.
	GenerateSidecars bool
	// CheckRobots consults RobotsCache before each download.
	CheckRobots bool
	// RobotsCache is the shared robots.txt cache; required with CheckRobots.
	RobotsCache *robots.Cache
}

// Engine coordinates concurrent downloads over a queue.
//
// A weighted semaphore bounds in-flight downloads; each task holds its
// permit for the duration of the download so the permit releases on every
// exit path, including panic. Transient failures retry with exponential
// backoff; per-domain rate limiting spaces requests to the same host.
type Engine struct {
	sem         *semaphore.Weighted
	concurrency int
	retryPolicy *RetryPolicy
	rateLimiter *RateLimiter
}

// NewEngine builds an engine. Concurrency must be within [1, 100].
func NewEngine(concurrency int, retryPolicy *RetryPolicy, rateLimiter *RateLimiter) (*Engine, error) {
	if concurrency < MinConcurrency || concurrency > MaxConcurrency {
		return nil, &InvalidConcurrencyError{Value: concurrency}
	}

	slog.Debug("creating download engine",
		"concurrency", concurrency,
		"max_retries", retryPolicy.MaxAttempts(),
		"rate_limit_ms", rateLimiter.DefaultDelay().Milliseconds(),
		"rate_limit_disabled", rateLimiter.IsDisabled())

	metrics.Register()
	return &Engine{
		sem:         semaphore.NewWeighted(int64(concurrency)),
		concurrency: concurrency,
		retryPolicy: retryPolicy,
		rateLimiter: rateLimiter,
	}, nil
}

// Concurrency returns the configured limit.
func (e *Engine) Concurrency() int { return e.concurrency }

// RetryPolicy returns the configured policy.
func (e *Engine) RetryPolicy() *RetryPolicy { return e.retryPolicy }

// ProcessQueue drains pending items without interrupt handling.
func (e *Engine) ProcessQueue(ctx context.Context, repo queue.Repository, client *HTTPClient, outputDir string) (*Stats, error) {
	var interrupted atomic.Bool
	return e.ProcessQueueInterruptible(ctx, repo, client, outputDir, &interrupted, ProcessOptions{})
}

type taskHandle struct {
	itemID int64
	done   chan struct{}
}

// ProcessQueueInterruptible drains pending items until the queue is empty
// or the interrupt flag is set.
//
// Two invariants hold across every exit path:
//   - No lost items: an item dequeued but never scheduled (interrupt during
//     permit acquisition) is requeued to pending before the loop exits.
//   - No orphan leases: every in_progress row is owned by a still-running
//     task, requeued here, or reset by the next run's ResetInProgress.
func (e *Engine) ProcessQueueInterruptible(ctx context.Context, repo queue.Repository, client *HTTPClient, outputDir string, interrupted *atomic.Bool, options ProcessOptions) (*Stats, error) {
	stats := &Stats{}
	projectKey := DeriveProjectKey(outputDir)

	// Tasks run under their own cancelable context so a shutdown past the
	// grace deadline can abort in-flight requests.
	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	var handles []taskHandle
	var wg sync.WaitGroup

	slog.Info("starting queue processing", "output_dir", outputDir, "concurrency", e.concurrency)

	for {
		if interrupted.Load() {
			stats.setInterrupted()
			break
		}
		handles = reapFinished(handles)

		item, err := repo.Dequeue(ctx)
		if err != nil {
			return stats, fmt.Errorf("dequeue: %w", err)
		}
		if item == nil {
			break
		}

		slog.Debug("dequeued item", "item_id", item.ID, "queue_status", item.StatusStr)

		// Acquire a permit, polling the interrupt flag so Ctrl+C during a
		// full-concurrency wait breaks promptly and the claimed item is
		// returned to pending rather than lost.
		acquired := false
		for {
			if interrupted.Load() {
				if requeueErr := repo.Requeue(context.Background(), item.ID); requeueErr != nil {
					slog.Warn("failed to requeue interrupted item", "item_id", item.ID, "err", requeueErr)
				}
				stats.setInterrupted()
				break
			}
			if e.sem.TryAcquire(1) {
				acquired = true
				break
			}
			time.Sleep(interruptPollInterval)
		}
		if !acquired {
			break
		}

		handle := taskHandle{itemID: item.ID, done: make(chan struct{})}
		handles = append(handles, handle)
		wg.Add(1)

		go func(item *queue.Item) {
			defer close(handle.done)
			defer wg.Done()
			defer e.sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					slog.Warn("download task panicked", "item_id", item.ID, "panic", r)
					if err := repo.MarkFailed(context.Background(), item.ID, fmt.Sprintf("task panic: %v", r), 0); err != nil {
						slog.Warn("failed to mark panicked item as failed", "item_id", item.ID, "err", err)
					}
					stats.incrementFailed()
				}
			}()

			e.processDownloadItem(taskCtx, repo, client, item, outputDir, stats, projectKey, options)
		}(item)
	}

	waitForTasks(handles, &wg, interrupted, cancelTasks)

	slog.Info("queue processing complete",
		"completed", stats.Completed(),
		"failed", stats.Failed(),
		"retried", stats.Retried(),
		"total", stats.Total())

	return stats, nil
}

func reapFinished(handles []taskHandle) []taskHandle {
	kept := handles[:0]
	for _, h := range handles {
		select {
		case <-h.done:
		default:
			kept = append(kept, h)
		}
	}
	return kept
}

// waitForTasks waits for in-flight tasks: unbounded on a clean drain, with
// a 5 s grace window on interrupt. Tasks past the deadline are aborted via
// context cancel and their rows stay in_progress for the next run's reset.
func waitForTasks(handles []taskHandle, wg *sync.WaitGroup, interrupted *atomic.Bool, cancelTasks context.CancelFunc) {
	if !interrupted.Load() {
		wg.Wait()
		return
	}

	deadline := time.After(shutdownGrace)
	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
	case <-deadline:
		slog.Warn("shutdown grace period elapsed; aborting remaining downloads", "remaining", len(handles))
		cancelTasks()
	}
}

// processDownloadItem runs one item through robots check, download with
// retry, and terminal persistence (queue row update + history append).
func (e *Engine) processDownloadItem(ctx context.Context, repo queue.Repository, client *HTTPClient, item *queue.Item, outputDir string, stats *Stats, projectKey string, options ProcessOptions) {
	attemptStarted := time.Now()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	if options.CheckRobots && options.RobotsCache != nil {
		if origin := robots.OriginFor(item.URL); origin != "" {
			decision, err := options.RobotsCache.CheckAllowed(ctx, item.URL, origin)
			if err != nil {
				slog.Warn("robots.txt check failed; proceeding with download", "err", err)
			} else if decision == robots.Disallowed {
				slog.Info("skipping download: robots.txt disallows", "item_id", item.ID)
				stats.incrementFailed()
				metrics.Processed.WithLabelValues("robots_disallowed").Inc()
				if err := repo.MarkFailed(ctx, item.ID, "robots.txt disallows this URL", 0); err != nil {
					slog.Warn("failed to mark robots-disallowed item", "item_id", item.ID, "err", err)
				}
				return
			}
		}
	}

	result, attempts, err := e.downloadWithRetry(ctx, client, item, outputDir, stats)
	if err != nil {
		persistDownloadFailure(ctx, repo, item, err, attempts, projectKey, attemptStarted, stats)
		return
	}
	persistDownloadSuccess(ctx, repo, item, result, projectKey, attemptStarted, options.GenerateSidecars, stats)
}

// downloadWithRetry loops attempts under the retry policy. Rate limiting is
// applied before each attempt; a retrying task sleeps while holding its
// permit, intentionally pressuring the concurrency bound. The 403
// browser-UA swap is a one-shot last resort: the initial attempt always
// uses the identity UA so servers observe a default bot disclosure.
func (e *Engine) downloadWithRetry(ctx context.Context, client *HTTPClient, item *queue.Item, outputDir string, stats *Stats) (*FileResult, int, error) {
	attempt := 0
	triedBrowserUA := false
	suggested := ""
	if item.SuggestedFilename != nil {
		suggested = *item.SuggestedFilename
	}
	existingBytes := item.BytesDownloaded

	for {
		attempt++
		slog.Debug("attempting download", "item_id", item.ID, "attempt", attempt)

		e.rateLimiter.Acquire(item.URL)

		start := time.Now()
		result, err := client.DownloadToFileWithMetadataAndName(ctx, item.URL, outputDir, suggested, existingBytes)
		metrics.Duration.Observe(time.Since(start).Seconds())
		if err == nil {
			metrics.Requests.WithLabelValues("ok", "2xx").Inc()
			metrics.Bytes.Add(float64(result.BytesDownloaded))
			return result, attempt, nil
		}
		metrics.Requests.WithLabelValues("error", requestCodeLabel(err)).Inc()

		failureType := ClassifyError(err)

		var retryAfterDelay time.Duration
		var haveRetryAfter bool
		if failureType == FailureRateLimited {
			retryAfterDelay, haveRetryAfter = extractRetryAfterDelay(err, item.URL, e.rateLimiter)
		}

		decision := e.retryPolicy.ShouldRetry(failureType, attempt)
		if decision.Retry {
			delay := decision.Delay
			if haveRetryAfter {
				delay = retryAfterDelay
			}
			slog.Info("retrying download",
				"attempt", decision.Attempt,
				"max_attempts", e.retryPolicy.MaxAttempts(),
				"delay_ms", delay.Milliseconds(),
				"using_retry_after", haveRetryAfter,
				"err", err)
			stats.incrementRetried()
			metrics.Retries.Inc()
			sleepInterruptible(ctx, delay)
			continue
		}

		// Many servers return 403 for bot detection rather than true auth;
		// try once with a browser User-Agent before giving up.
		if authErr, ok := err.(*AuthRequiredError); ok && authErr.Status == 403 && !triedBrowserUA {
			triedBrowserUA = true
			slog.Info("retrying 403 with browser User-Agent", "item_id", item.ID)
			stats.incrementRetried()
			metrics.Retries.Inc()
			e.rateLimiter.Acquire(item.URL)
			retryResult, uaErr := client.DownloadToFileWithUserAgentAndName(ctx, item.URL, outputDir, version.BrowserUserAgent, suggested, existingBytes)
			if uaErr == nil {
				metrics.Requests.WithLabelValues("ok", "2xx").Inc()
				metrics.Bytes.Add(float64(retryResult.BytesDownloaded))
				return retryResult, attempt + 1, nil
			}
			slog.Debug("browser User-Agent retry also failed", "item_id", item.ID)
			return nil, attempt + 1, uaErr
		}

		slog.Debug("not retrying download", "item_id", item.ID, "reason", decision.Reason)
		return nil, attempt, err
	}
}

func requestCodeLabel(err error) string {
	if status := ExtractHTTPStatus(err); status != 0 {
		return fmt.Sprintf("%d", status)
	}
	return "net"
}

func sleepInterruptible(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// extractRetryAfterDelay parses the Retry-After header out of a
// rate-limited error and records it with the rate limiter so the next
// acquire for the domain observes the server-mandated spacing.
func extractRetryAfterDelay(err error, url string, limiter *RateLimiter) (time.Duration, bool) {
	httpErr, ok := err.(*HTTPStatusError)
	if !ok || httpErr.RetryAfter == "" {
		return 0, false
	}

	delay, ok := ParseRetryAfter(httpErr.RetryAfter)
	if !ok {
		return 0, false
	}

	limiter.RecordRateLimit(url, delay)
	slog.Debug("using Retry-After header delay", "retry_after", httpErr.RetryAfter, "delay_ms", delay.Milliseconds())
	return delay, true
}

func persistDownloadSuccess(ctx context.Context, repo queue.Repository, item *queue.Item, result *FileResult, projectKey string, attemptStarted time.Time, generateSidecars bool, stats *Stats) {
	if result.ResumeAttempted {
		slog.Info("resume attempt recorded", "item_id", item.ID, "resumed", result.Resumed, "bytes", result.BytesDownloaded)
	}

	if err := repo.UpdateProgress(ctx, item.ID, result.BytesDownloaded, result.ContentLength); err != nil {
		slog.Warn("failed to update progress metadata", "item_id", item.ID, "err", err)
	}
	if err := repo.MarkCompletedWithPath(ctx, item.ID, result.Path); err != nil {
		slog.Warn("failed to mark item completed", "item_id", item.ID, "err", err)
	}

	if generateSidecars {
		sidecarItem := *item
		savedPath := result.Path
		sidecarItem.SavedPath = &savedPath
		if _, err := sidecar.Generate(&sidecarItem); err != nil {
			slog.Warn("sidecar generation failed, continuing", "item_id", item.ID, "err", err)
		}
	}

	attempt := &queue.NewAttempt{
		URL:                    item.URL,
		FinalURL:               item.URL,
		Status:                 queue.AttemptSuccess,
		FilePath:               result.Path,
		FileSize:               result.BytesDownloaded,
		RetryCount:             0,
		Project:                projectKey,
		OriginalInput:          originalInputOrURL(item),
		DurationMs:             attemptDurationMs(attemptStarted),
		Title:                  derefOr(item.MetaTitle),
		Authors:                derefOr(item.MetaAuthors),
		DOI:                    extractAttemptDOI(item),
		Topics:                 derefOr(item.Topics),
		ParseConfidence:        derefOr(item.ParseConfidence),
		ParseConfidenceFactors: derefOr(item.ParseConfidenceFactors),
	}
	if _, err := repo.LogDownloadAttempt(ctx, attempt); err != nil {
		slog.Warn("failed to persist download history row", "item_id", item.ID, "err", err)
	}

	metrics.Processed.WithLabelValues("ok").Inc()
	stats.incrementCompleted()
}

func persistDownloadFailure(ctx context.Context, repo queue.Repository, item *queue.Item, downloadErr error, attempts int, projectKey string, attemptStarted time.Time, stats *Stats) {
	errorType := ClassifyErrorType(downloadErr)
	errorMessage := BuildActionableErrorMessage(downloadErr, errorType)
	retryCount := int64(attempts - 1)
	if retryCount < 0 {
		retryCount = 0
	}

	slog.Warn("download failed after all attempts",
		"item_id", item.ID,
		"error", errorMessage,
		"attempts", attempts)

	if err := repo.MarkFailed(ctx, item.ID, errorMessage, retryCount); err != nil {
		slog.Warn("failed to mark item failed", "item_id", item.ID, "err", err)
	}

	attempt := &queue.NewAttempt{
		URL:                    item.URL,
		Status:                 queue.AttemptFailed,
		ErrorMessage:           errorMessage,
		ErrorType:              errorType,
		RetryCount:             retryCount,
		Project:                projectKey,
		OriginalInput:          originalInputOrURL(item),
		HTTPStatus:             ExtractHTTPStatus(downloadErr),
		DurationMs:             attemptDurationMs(attemptStarted),
		Title:                  derefOr(item.MetaTitle),
		Authors:                derefOr(item.MetaAuthors),
		DOI:                    extractAttemptDOI(item),
		Topics:                 derefOr(item.Topics),
		ParseConfidence:        derefOr(item.ParseConfidence),
		ParseConfidenceFactors: derefOr(item.ParseConfidenceFactors),
	}
	if _, err := repo.LogDownloadAttempt(ctx, attempt); err != nil {
		slog.Warn("failed to persist download history row", "item_id", item.ID, "err", err)
	}

	metrics.Processed.WithLabelValues("error").Inc()
	stats.incrementFailed()
}

// attemptDurationMs reports elapsed wall time, never below 1ms so history
// rows always carry a positive duration.
func attemptDurationMs(started time.Time) int64 {
	ms := time.Since(started).Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}

func originalInputOrURL(item *queue.Item) string {
	if item.OriginalInput != nil && *item.OriginalInput != "" {
		return *item.OriginalInput
	}
	return item.URL
}

func derefOr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// extractAttemptDOI prefers resolver-captured DOI metadata, falling back to
// the original input for doi-sourced items.
func extractAttemptDOI(item *queue.Item) string {
	if item.MetaDOI != nil {
		if doi := strings.TrimSpace(*item.MetaDOI); doi != "" {
			return doi
		}
	}
	if item.SourceType != "doi" {
		return ""
	}
	return normalizeDOICandidate(originalInputOrURL(item))
}

func normalizeDOICandidate(raw string) string {
	trimmed := strings.TrimSpace(raw)
	lower := strings.ToLower(trimmed)

	for _, prefix := range []string{
		"https://doi.org/",
		"http://doi.org/",
		"https://dx.doi.org/",
		"http://dx.doi.org/",
	} {
		if strings.HasPrefix(lower, prefix) {
			return strings.TrimSpace(trimmed[len(prefix):])
		}
	}
	if strings.HasPrefix(lower, "doi:") {
		return strings.TrimSpace(trimmed[4:])
	}
	return trimmed
}

// DeriveProjectKey canonicalizes the output directory into the project key
// that scopes history rows across databases.
func DeriveProjectKey(outputDir string) string {
	resolved, err := filepath.EvalSymlinks(outputDir)
	if err != nil {
		resolved = outputDir
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return resolved
	}
	return abs
}
