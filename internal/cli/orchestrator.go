package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/refsmith/downloader/internal/config"
	"github.com/refsmith/downloader/internal/download"
	"github.com/refsmith/downloader/internal/parser"
	"github.com/refsmith/downloader/internal/queue"
	"github.com/refsmith/downloader/internal/resolver"
	"github.com/refsmith/downloader/internal/topics"
)

const crossrefMailto = "downloader@refsmith.dev"

// resolutionOutcome summarizes the parse-and-resolve phase so the runtime
// can decide exit codes.
type resolutionOutcome struct {
	parsedItemCount       int
	enqueuedCount         int
	resolutionFailedCount int
	firstResolutionError  string
}

// runResolution parses input text, resolves each item to a URL, and
// enqueues it with metadata. Duplicate active URLs are skipped; resolution
// failures never abort the run.
func runResolution(ctx context.Context, settings *config.Settings, repo queue.Repository, jar http.CookieJar, inputText string) (*resolutionOutcome, error) {
	outcome := &resolutionOutcome{}
	if inputText == "" {
		return outcome, nil
	}

	parseResult := parser.ParseInput(inputText)
	outcome.parsedItemCount = parseResult.Len()

	counts := parseResult.TypeCounts()
	slog.Info("parsed input",
		"total", parseResult.Len(),
		"urls", counts.URLs,
		"dois", counts.DOIs,
		"references", counts.References,
		"bibtex", counts.BibTex,
		"skipped", len(parseResult.Skipped))
	for _, skipped := range parseResult.Skipped {
		slog.Warn("skipped unrecognized input", "skipped", skipped)
	}

	if parseResult.IsEmpty() {
		return outcome, nil
	}
	logParseFeedback(parseResult)

	registry := resolver.BuildDefaultRegistry(resolver.ClientConfig{
		ConnectTimeout: time.Duration(settings.ResolverConnectTimeoutSecs) * time.Second,
		ReadTimeout:    time.Duration(settings.ResolverReadTimeoutSecs) * time.Second,
		Jar:            jar,
	}, crossrefMailto)
	resolveCtx := resolver.NewContext()

	var extractor *topics.Extractor
	if settings.DetectTopics {
		extractor = topics.NewExtractor()
	}
	var customTopics []string
	if settings.TopicsFile != "" {
		loaded, err := topics.LoadCustomTopics(settings.TopicsFile)
		if err != nil {
			return nil, err
		}
		slog.Info("loaded custom topics", "count", len(loaded), "path", settings.TopicsFile)
		customTopics = loaded
	}

	for _, item := range parseResult.Items {
		resolverInput := item.Value
		if item.Type == parser.InputTypeBibTex {
			resolverInput = item.Raw
		}

		resolved, err := registry.ResolveToURL(ctx, resolverInput, item.Type, resolveCtx)
		if err != nil {
			outcome.resolutionFailedCount++
			if outcome.firstResolutionError == "" {
				outcome.firstResolutionError = err.Error()
			}
			// Do not log raw URLs (they may correlate with authenticated
			// sessions).
			logInput := "(url redacted)"
			if item.Type != parser.InputTypeURL {
				logInput = resolverInput
				if len(logInput) > 80 {
					logInput = logInput[:80] + "..."
				}
			}
			slog.Warn("skipped unresolved parsed item",
				"input", logInput,
				"input_type", item.Type.String(),
				"err", err)
			continue
		}

		active, err := repo.HasActiveURL(ctx, resolved.URL)
		if err != nil {
			return nil, err
		}
		if active {
			slog.Debug("skipping duplicate URL already in queue")
			continue
		}

		metadata := buildQueueMetadata(&item, resolved, extractor, customTopics)
		if _, err := repo.EnqueueWithMetadata(ctx, resolved.URL, item.Type.QueueSourceType(), item.Raw, metadata); err != nil {
			return nil, err
		}
		outcome.enqueuedCount++
		slog.Debug("enqueued parsed item",
			"input_type", item.Type.String(),
			"source_type", item.Type.QueueSourceType())
	}

	if outcome.resolutionFailedCount > 0 {
		slog.Warn("skipped parsed items that could not be resolved",
			"routing_skipped", outcome.resolutionFailedCount)
	}
	return outcome, nil
}

func buildQueueMetadata(item *parser.ParsedItem, resolved *resolver.ResolvedURL, extractor *topics.Extractor, customTopics []string) *queue.Metadata {
	metadata := &queue.Metadata{
		SuggestedFilename: download.BuildPreferredFilename(resolved.URL, resolved.Metadata),
		Title:             resolved.Metadata["title"],
		Authors:           resolved.Metadata["authors"],
		Year:              resolved.Metadata["year"],
		DOI:               resolved.Metadata["doi"],
	}

	if extractor != nil {
		if title := resolved.Metadata["title"]; title != "" {
			raw := extractor.ExtractFromMetadata(title, "")
			if len(raw) > 0 {
				if len(customTopics) > 0 {
					metadata.Topics = topics.MatchCustom(raw, customTopics)
				} else {
					metadata.Topics = topics.Normalize(raw)
				}
			}
		}
	}

	if item.Type == parser.InputTypeReference {
		confidence := parser.ExtractReferenceConfidence(item.Raw)
		metadata.ParseConfidence = confidence.Level.String()
		if factors, err := json.Marshal(confidence.Factors); err == nil {
			metadata.ParseConfidenceFactors = string(factors)
		}
	}

	return metadata
}
