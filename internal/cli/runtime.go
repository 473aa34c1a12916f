package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/refsmith/downloader/internal/bundle"
	"github.com/refsmith/downloader/internal/config"
	"github.com/refsmith/downloader/internal/download"
	"github.com/refsmith/downloader/internal/metrics"
	"github.com/refsmith/downloader/internal/parser"
	"github.com/refsmith/downloader/internal/project"
	"github.com/refsmith/downloader/internal/queue"
	"github.com/refsmith/downloader/internal/resolver"
	"github.com/refsmith/downloader/internal/robots"
)

// Exit codes: 0 all succeeded (including dry-run/no-input), 1 partial
// success, 2 complete failure or fatal error.
const (
	ExitSuccess = 0
	ExitPartial = 1
	ExitFailure = 2
)

type downloadOptions struct {
	urls        []string
	projectName string
	cookiesPath string
	saveCookies bool
	dryRun      bool
	listenAddr  string

	bundleEnabled bool
	bundlesOut    string
	bundleSizeGB  int64
}

func setupLogging(settings *config.Settings) {
	level := slog.LevelInfo
	switch settings.Verbosity {
	case config.VerbosityQuiet:
		level = slog.LevelError
	case config.VerbosityVerbose, config.VerbosityDebug:
		level = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

// runDownload is the default command: parse, resolve, enqueue, process.
func runDownload(settings *config.Settings, opts *downloadOptions) int {
	setupLogging(settings)
	configureColor()

	if err := rejectMisplacedAuthNamespace(opts.urls); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitFailure
	}
	if err := validateSaveCookiesUsage(opts.saveCookies, opts.cookiesPath); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitFailure
	}

	jar, cookiesFromStdin, err := loadRuntimeCookieJar(opts.cookiesPath, opts.saveCookies)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitFailure
	}

	inputText, pipedStdinWasEmpty, err := assembleInput(opts.urls, cookiesFromStdin)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitFailure
	}

	outputDir, err := project.ResolveOutputDir(settings.OutputDir, opts.projectName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitFailure
	}

	if opts.dryRun {
		return runDryRun(settings, inputText, jar)
	}

	metrics.StartMetricsServer(opts.listenAddr)

	if inputText == "" && pipedStdinWasEmpty && !project.HasPriorState(outputDir) {
		fmt.Println(emptyStdinGuidance)
		return ExitSuccess
	}

	if err := project.EnsureStateDir(outputDir); err != nil {
		fmt.Fprintf(os.Stderr, "cannot create state directory: %v\n", err)
		return ExitFailure
	}

	db, err := queue.OpenDatabase(project.QueueDBPath(outputDir), queue.DatabaseOptions{
		MaxConnections: settings.DBMaxConnections,
		BusyTimeoutMs:  settings.DBBusyTimeoutMs,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot open queue database: %v\n", err)
		return ExitFailure
	}
	defer db.Close()
	q := queue.New(db)

	ctx := context.Background()

	// Crash recovery: leases left by a previous process go back to pending.
	if reset, err := q.ResetInProgress(ctx); err != nil {
		slog.Warn("failed to reset in-progress items", "err", err)
	} else if reset > 0 {
		slog.Info("reset interrupted items from previous run", "count", reset)
	}

	outcome, err := runResolution(ctx, settings, q, jar, inputText)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitFailure
	}

	pending, err := q.CountByStatus(ctx, queue.StatusPending)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return ExitFailure
	}
	if pending == 0 {
		if outcome.parsedItemCount > 0 && outcome.resolutionFailedCount == outcome.parsedItemCount {
			fmt.Fprintf(os.Stderr, "No items could be resolved.\n  %s\n", outcome.firstResolutionError)
			return ExitFailure
		}
		fmt.Println("Nothing to download.")
		return ExitSuccess
	}

	stats, runErr := runEngine(ctx, settings, q, jar, outputDir, pending)
	if runErr != nil {
		fmt.Fprintln(os.Stderr, runErr)
		return ExitFailure
	}

	if opts.bundleEnabled {
		if err := bundleCompleted(ctx, q, outputDir, opts); err != nil {
			slog.Warn("bundling failed", "err", err)
		}
	}

	printRunSummary(ctx, q, stats, outputDir)
	return exitCodeFor(stats)
}

// runEngine wires the rate limiter, retry policy, HTTP client, robots
// cache, progress display, and interrupt flag, then drains the queue.
func runEngine(ctx context.Context, settings *config.Settings, q *queue.Queue, jar http.CookieJar, outputDir string, pendingCount int64) (*download.Stats, error) {
	var rateLimiter *download.RateLimiter
	if settings.RateLimitMs == 0 {
		rateLimiter = download.DisabledRateLimiter()
	} else {
		rateLimiter = download.NewRateLimiterWithJitter(
			time.Duration(settings.RateLimitMs)*time.Millisecond,
			time.Duration(settings.RateLimitJitterMs)*time.Millisecond)
	}

	engine, err := download.NewEngine(settings.Concurrency,
		download.RetryPolicyWithMaxAttempts(settings.MaxRetries), rateLimiter)
	if err != nil {
		return nil, err
	}

	client := download.NewHTTPClientWithOptions(download.ClientOptions{
		ConnectTimeout: time.Duration(settings.DownloadConnectTimeoutSecs) * time.Second,
		ReadTimeout:    time.Duration(settings.DownloadReadTimeoutSecs) * time.Second,
		Jar:            jar,
	})

	options := download.ProcessOptions{
		GenerateSidecars: settings.Sidecar,
		CheckRobots:      settings.CheckRobots,
	}
	if settings.CheckRobots {
		options.RobotsCache = robots.NewCache()
	}

	// A single shared interrupt flag: first Ctrl+C triggers graceful
	// shutdown, a second one kills the process.
	var interrupted atomic.Bool
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		<-signals
		slog.Info("interrupt received; finishing in-flight downloads")
		interrupted.Store(true)
		<-signals
		os.Exit(ExitFailure)
	}()

	stopProgress := startProgressDisplay(ctx, q, pendingCount, settings)
	stats, err := engine.ProcessQueueInterruptible(ctx, q, client, outputDir, &interrupted, options)
	stopProgress()
	return stats, err
}

// startProgressDisplay renders a progress bar while the engine runs by
// polling terminal queue counts. Disabled on dumb terminals, pipes, and
// quiet runs.
func startProgressDisplay(ctx context.Context, q *queue.Queue, total int64, settings *config.Settings) func() {
	if !spinnersEnabled() || settings.Verbosity == config.VerbosityQuiet || total <= 0 {
		return func() {}
	}

	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionShowCount(),
	)

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				completed, err := q.CountByStatus(ctx, queue.StatusCompleted)
				if err != nil {
					continue
				}
				failed, err := q.CountByStatus(ctx, queue.StatusFailed)
				if err != nil {
					continue
				}
				_ = bar.Set64(completed + failed)
			}
		}
	}()

	return func() {
		close(done)
		_ = bar.Finish()
	}
}

// runDryRun parses and resolves without touching disk or creating the
// queue database.
func runDryRun(settings *config.Settings, inputText string, jar http.CookieJar) int {
	if inputText == "" {
		fmt.Println("dry-run: no input to parse")
		return ExitSuccess
	}

	parseResult := parser.ParseInput(inputText)
	logParseFeedback(parseResult)

	registry := resolver.BuildDefaultRegistry(resolver.ClientConfig{
		ConnectTimeout: time.Duration(settings.ResolverConnectTimeoutSecs) * time.Second,
		ReadTimeout:    time.Duration(settings.ResolverReadTimeoutSecs) * time.Second,
		Jar:            jar,
	}, crossrefMailto)
	resolveCtx := resolver.NewContext()

	resolvedCount := 0
	for _, item := range parseResult.Items {
		input := item.Value
		if item.Type == parser.InputTypeBibTex {
			input = item.Raw
		}
		resolved, err := registry.ResolveToURL(context.Background(), input, item.Type, resolveCtx)
		if err != nil {
			fmt.Printf("  [%s] unresolved: %v\n", item.Type, err)
			continue
		}
		resolvedCount++
		fmt.Printf("  [%s] -> %s\n", item.Type, resolved.URL)
	}

	fmt.Printf("dry-run ok: parsed=%d resolved=%d\n", parseResult.Len(), resolvedCount)
	return ExitSuccess
}

// bundleCompleted packs every completed download into rolling tar.zst
// archives.
func bundleCompleted(ctx context.Context, q *queue.Queue, outputDir string, opts *downloadOptions) error {
	bundlesOut := opts.bundlesOut
	if bundlesOut == "" {
		bundlesOut = filepath.Join(outputDir, "bundles")
	}
	bundler, err := bundle.NewBundler(true, bundlesOut, opts.bundleSizeGB)
	if err != nil {
		return err
	}
	defer bundler.Close()

	completed, err := q.ListByStatus(ctx, queue.StatusCompleted)
	if err != nil {
		return err
	}
	for _, item := range completed {
		if item.SavedPath == nil || *item.SavedPath == "" {
			continue
		}
		headerName := bundle.HeaderPathFor(item.URL, filepath.Base(*item.SavedPath))
		if err := bundler.AddFile(*item.SavedPath, headerName); err != nil {
			slog.Warn("bundle add failed", "item_id", item.ID, "err", err)
		}
	}
	return nil
}

func printRunSummary(ctx context.Context, q *queue.Queue, stats *download.Stats, outputDir string) {
	fmt.Printf("Done: %d completed, %d failed, %d retried\n",
		stats.Completed(), stats.Failed(), stats.Retried())
	if stats.WasInterrupted() {
		fmt.Println("Run was interrupted; remaining items stay queued for the next run.")
	}

	if stats.Failed() > 0 {
		attempts, err := q.QueryDownloadAttempts(ctx, &queue.AttemptQuery{
			Status:  queue.AttemptFailed,
			Project: project.HistoryKey(outputDir),
			Limit:   int(stats.Failed()),
		})
		if err == nil {
			if summary := summarizeFailures(attempts); summary != "" {
				fmt.Println(summary)
			}
		}
	}
}

func exitCodeFor(stats *download.Stats) int {
	switch {
	case stats.Failed() == 0:
		return ExitSuccess
	case stats.Completed() > 0:
		return ExitPartial
	default:
		return ExitFailure
	}
}
