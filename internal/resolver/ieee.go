package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/refsmith/downloader/internal/parser"
)

const (
	defaultIEEEBaseURL = "https://ieeexplore.ieee.org"
	ieeeDOIPrefix      = "10.1109/"
)

var ieeeArnumberPattern = regexp.MustCompile(`(?:/document/|arnumber=)(\d+)`)

var ieeePaywallMarkers = []string{"sign in", "purchase pdf", "access through your institution"}

// IEEEResolver resolves IEEE Xplore document URLs and 10.1109/* DOIs into
// stamp PDF URLs. DOIs are fetched through the DOI base so the HTTP layer
// follows the publisher redirect.
type IEEEResolver struct {
	client     *http.Client
	baseURL    string
	baseHost   string
	doiBaseURL string
}

// NewIEEEResolver creates a resolver with the default endpoints.
func NewIEEEResolver(cfg ClientConfig) (*IEEEResolver, error) {
	return NewIEEEResolverWithBaseURLs(cfg, defaultIEEEBaseURL, "https://doi.org")
}

// NewIEEEResolverWithBaseURLs creates a resolver with custom endpoints for
// tests.
func NewIEEEResolverWithBaseURLs(cfg ClientConfig, baseURL, doiBaseURL string) (*IEEEResolver, error) {
	client, err := buildResolverHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &IEEEResolver{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		baseHost:   parseHostOrFallback(baseURL),
		doiBaseURL: strings.TrimRight(doiBaseURL, "/"),
	}, nil
}

// Name implements Resolver.
func (r *IEEEResolver) Name() string { return "ieee" }

// Priority implements Resolver.
func (r *IEEEResolver) Priority() Priority { return PrioritySpecialized }

// CanHandle implements Resolver.
func (r *IEEEResolver) CanHandle(input string, inputType parser.InputType) bool {
	switch inputType {
	case parser.InputTypeURL:
		parsed, err := url.Parse(input)
		if err != nil || parsed.Host == "" {
			return false
		}
		return hostsMatch(parsed.Host, r.baseHost)
	case parser.InputTypeDOI:
		return looksLikeDOI(input, ieeeDOIPrefix)
	default:
		return false
	}
}

// Resolve implements Resolver.
func (r *IEEEResolver) Resolve(ctx context.Context, input string, _ *Context) (Step, error) {
	requestURL := strings.TrimSpace(input)
	if looksLikeDOI(requestURL, ieeeDOIPrefix) {
		requestURL = fmt.Sprintf("%s/%s", r.doiBaseURL, requestURL)
	}

	page, err := fetchPage(ctx, r.client, requestURL)
	if err != nil {
		return resolutionFailed(input, "Cannot reach IEEE Xplore. Check network connectivity and retry."), nil
	}
	if isAuthRequiredStatus(page.status) {
		return StepNeedsAuth(page.finalURL.Host,
			"IEEE Xplore returned an authorization response. Sign in through your institution and refresh cookies with `downloader auth capture --save-cookies`."), nil
	}
	if page.doc == nil {
		return resolutionFailed(input, fmt.Sprintf("IEEE Xplore returned HTTP %d", page.status)), nil
	}

	pdfURL := metaContent(page.doc, "citation_pdf_url")
	if pdfURL == "" {
		if countMarkers(page.body, ieeePaywallMarkers) > 0 {
			return StepNeedsAuth(page.finalURL.Host,
				"IEEE Xplore shows a paywall for this document. Access it through your institution and rerun with refreshed cookies."), nil
		}
		return resolutionFailed(input, "Could not identify an IEEE PDF URL from the document page"), nil
	}

	metadata := ieeeMetadata(page.doc, page.finalURL, input)
	return StepURL(NewResolvedURLWithMetadata(absolutizeURL(pdfURL, page.finalURL), metadata)), nil
}

func ieeeMetadata(doc *goquery.Document, finalURL *url.URL, input string) map[string]string {
	metadata := map[string]string{"source_url": finalURL.String()}

	if title := metaContent(doc, "citation_title"); title != "" {
		metadata["title"] = title
	}
	if authors := allMetaContents(doc, "citation_author"); len(authors) > 0 {
		metadata["authors"] = strings.Join(authors, "; ")
	}
	if doi := metaContent(doc, "citation_doi"); doi != "" {
		metadata["doi"] = doi
	} else if looksLikeDOI(input, ieeeDOIPrefix) {
		metadata["doi"] = strings.TrimSpace(input)
	}
	if date := metaContent(doc, "citation_publication_date", "citation_date"); date != "" {
		if year := extractYearFromString(date); year != "" {
			metadata["year"] = year
		}
	}
	if m := ieeeArnumberPattern.FindStringSubmatch(finalURL.String()); m != nil {
		metadata["ieee_arnumber"] = m[1]
	}

	return metadata
}

func countMarkers(body string, markers []string) int {
	normalized := strings.ToLower(body)
	count := 0
	for _, marker := range markers {
		if strings.Contains(normalized, marker) {
			count++
		}
	}
	return count
}
