package resolver

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/refsmith/downloader/internal/parser"
)

const (
	arxivBaseURL   = "https://arxiv.org"
	arxivHost      = "arxiv.org"
	arxivDOIPrefix = "10.48550/"
)

var arxivIDPattern = regexp.MustCompile(`(?i)^(?:\d{4}\.\d{4,5}|[a-z\-]+(?:\.[a-z]{2})?/\d{7})(?:v\d+)?$`)

// ArxivResolver normalizes arXiv URLs and DOIs into canonical PDF URLs.
// Purely synthetic: it never makes a network call.
type ArxivResolver struct{}

// NewArxivResolver creates the resolver.
func NewArxivResolver() *ArxivResolver {
	return &ArxivResolver{}
}

// Name implements Resolver.
func (r *ArxivResolver) Name() string { return "arxiv" }

// Priority implements Resolver.
func (r *ArxivResolver) Priority() Priority { return PrioritySpecialized }

// CanHandle implements Resolver.
func (r *ArxivResolver) CanHandle(input string, inputType parser.InputType) bool {
	return extractArxivID(input, inputType) != ""
}

// Resolve implements Resolver.
func (r *ArxivResolver) Resolve(_ context.Context, input string, _ *Context) (Step, error) {
	arxivID := extractArxivID(input, parser.InputTypeURL)
	if arxivID == "" {
		arxivID = extractArxivID(input, parser.InputTypeDOI)
	}
	if arxivID == "" {
		return resolutionFailed(input, "Input is not a recognized arXiv URL or DOI pattern"), nil
	}

	canonicalPDF := fmt.Sprintf("%s/pdf/%s.pdf", arxivBaseURL, arxivID)
	metadata := map[string]string{
		"doi":        fmt.Sprintf("10.48550/arXiv.%s", arxivID),
		"source_url": strings.TrimSpace(input),
	}
	return StepURL(NewResolvedURLWithMetadata(canonicalPDF, metadata)), nil
}

func extractArxivID(input string, inputType parser.InputType) string {
	switch inputType {
	case parser.InputTypeDOI:
		return arxivIDFromDOI(input)
	case parser.InputTypeURL:
		return arxivIDFromURL(input)
	default:
		return ""
	}
}

func arxivIDFromDOI(input string) string {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(strings.ToLower(trimmed), arxivDOIPrefix) {
		return ""
	}

	suffix := trimmed[len(arxivDOIPrefix):]
	if strings.HasPrefix(strings.ToLower(suffix), "arxiv.") {
		suffix = suffix[len("arxiv."):]
	}
	return normalizeArxivID(suffix)
}

func arxivIDFromURL(input string) string {
	parsed, err := url.Parse(strings.TrimSpace(input))
	if err != nil || parsed.Host == "" {
		return ""
	}
	host := canonicalHost(parsed.Host)
	path := strings.TrimSpace(parsed.Path)

	if host == arxivHost {
		if id, ok := strings.CutPrefix(path, "/abs/"); ok {
			return normalizeArxivID(id)
		}
		if id, ok := strings.CutPrefix(path, "/pdf/"); ok {
			return normalizeArxivID(strings.TrimSuffix(id, ".pdf"))
		}
		return ""
	}

	if host == "doi.org" {
		return arxivIDFromDOI(strings.TrimPrefix(path, "/"))
	}

	return ""
}

func normalizeArxivID(candidate string) string {
	trimmed := strings.Trim(strings.TrimSpace(candidate), "/")
	if arxivIDPattern.MatchString(trimmed) {
		return trimmed
	}
	return ""
}
