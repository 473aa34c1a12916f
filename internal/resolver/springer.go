package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/refsmith/downloader/internal/parser"
)

const (
	defaultSpringerBaseURL = "https://link.springer.com"
	springerDOIPrefix      = "10.1007/"
)

var springerPaywallMarkers = []string{"log in", "buy article", "access via your institution"}

// SpringerResolver resolves Springer article/chapter URLs and 10.1007/*
// DOIs into PDF URLs via the citation_pdf_url meta tag.
type SpringerResolver struct {
	client     *http.Client
	baseURL    string
	baseHost   string
	doiBaseURL string
}

// NewSpringerResolver creates a resolver with the default endpoints.
func NewSpringerResolver(cfg ClientConfig) (*SpringerResolver, error) {
	return NewSpringerResolverWithBaseURLs(cfg, defaultSpringerBaseURL, "https://doi.org")
}

// NewSpringerResolverWithBaseURLs creates a resolver with custom endpoints
// for tests.
func NewSpringerResolverWithBaseURLs(cfg ClientConfig, baseURL, doiBaseURL string) (*SpringerResolver, error) {
	client, err := buildResolverHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &SpringerResolver{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		baseHost:   parseHostOrFallback(baseURL),
		doiBaseURL: strings.TrimRight(doiBaseURL, "/"),
	}, nil
}

// Name implements Resolver.
func (r *SpringerResolver) Name() string { return "springer" }

// Priority implements Resolver.
func (r *SpringerResolver) Priority() Priority { return PrioritySpecialized }

// CanHandle implements Resolver.
func (r *SpringerResolver) CanHandle(input string, inputType parser.InputType) bool {
	switch inputType {
	case parser.InputTypeURL:
		parsed, err := url.Parse(input)
		if err != nil || parsed.Host == "" {
			return false
		}
		return hostsMatch(parsed.Host, r.baseHost) && isSpringerArticlePath(parsed.Path)
	case parser.InputTypeDOI:
		return looksLikeDOI(input, springerDOIPrefix)
	default:
		return false
	}
}

// Resolve implements Resolver.
func (r *SpringerResolver) Resolve(ctx context.Context, input string, _ *Context) (Step, error) {
	requestURL := strings.TrimSpace(input)
	if looksLikeDOI(requestURL, springerDOIPrefix) {
		requestURL = fmt.Sprintf("%s/%s", r.doiBaseURL, requestURL)
	}

	page, err := fetchPage(ctx, r.client, requestURL)
	if err != nil {
		return resolutionFailed(input, "Cannot reach Springer. Check network connectivity and retry."), nil
	}
	if isAuthRequiredStatus(page.status) {
		return StepNeedsAuth(page.finalURL.Host,
			"Springer returned an authorization response. Access the article via your institution and refresh cookies with `downloader auth capture --save-cookies`."), nil
	}
	if page.doc == nil {
		return resolutionFailed(input, fmt.Sprintf("Springer returned HTTP %d", page.status)), nil
	}

	pdfURL := metaContent(page.doc, "citation_pdf_url")
	if pdfURL == "" {
		if countMarkers(page.body, springerPaywallMarkers) > 0 {
			return StepNeedsAuth(page.finalURL.Host,
				"Springer shows a paywall for this article. Access it via your institution and rerun with refreshed cookies."), nil
		}
		return resolutionFailed(input, "Could not identify a Springer PDF URL from the article page"), nil
	}

	metadata := map[string]string{"source_url": page.finalURL.String()}
	if title := metaContent(page.doc, "citation_title"); title != "" {
		metadata["title"] = title
	}
	if authors := allMetaContents(page.doc, "citation_author"); len(authors) > 0 {
		metadata["authors"] = strings.Join(authors, "; ")
	}
	if doi := metaContent(page.doc, "citation_doi"); doi != "" {
		metadata["doi"] = doi
	} else if looksLikeDOI(input, springerDOIPrefix) {
		metadata["doi"] = strings.TrimSpace(input)
	}
	if date := metaContent(page.doc, "citation_publication_date", "citation_online_date"); date != "" {
		if year := extractYearFromString(date); year != "" {
			metadata["year"] = year
		}
	}

	return StepURL(NewResolvedURLWithMetadata(absolutizeURL(pdfURL, page.finalURL), metadata)), nil
}

func isSpringerArticlePath(urlPath string) bool {
	return strings.HasPrefix(urlPath, "/article/") || strings.HasPrefix(urlPath, "/chapter/") ||
		strings.HasPrefix(urlPath, "/book/") || strings.HasPrefix(urlPath, "/referenceworkentry/")
}
