package resolver

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/refsmith/downloader/internal/parser"
)

const (
	defaultScienceDirectBaseURL = "https://www.sciencedirect.com"
	defaultDOIBaseURL           = "https://doi.org"
	scienceDirectDOIPrefix      = "10.1016/"
)

var additionalElsevierHosts = []string{"linkinghub.elsevier.com"}

var (
	jsonPDFURLPattern = regexp.MustCompile(`"(?:pdfUrl|pdfDownloadUrl|linkToPdf)"\s*:\s*"([^"]+)"`)
	piiPathPattern    = regexp.MustCompile(`(?i)/(?:science/article/(?:abs/|am/)?pii|pii)/([A-Z0-9]{8,32})`)
)

var scienceDirectAuthMarkers = []string{
	"sign in",
	"institutional access",
	"access through your institution",
	"single sign-on",
	"shibboleth",
}

// scienceDirectAuthMarkerThreshold is the stable contract point; the marker
// list above may drift with publisher HTML.
const scienceDirectAuthMarkerThreshold = 3

// ScienceDirectResolver resolves ScienceDirect article URLs and Elsevier
// DOIs (10.1016/*) into PDF URLs, applying the shared cookie jar so
// institutional sessions carry through. Auth expiry surfaces as NeedsAuth
// with a cookie-refresh hint.
type ScienceDirectResolver struct {
	client     *http.Client
	baseURL    string
	baseHost   string
	doiBaseURL string
	doiHost    string
}

// NewScienceDirectResolver creates a resolver with the default endpoints.
func NewScienceDirectResolver(cfg ClientConfig) (*ScienceDirectResolver, error) {
	return NewScienceDirectResolverWithBaseURLs(cfg, defaultScienceDirectBaseURL, defaultDOIBaseURL)
}

// NewScienceDirectResolverWithBaseURLs creates a resolver with custom
// endpoints for tests.
func NewScienceDirectResolverWithBaseURLs(cfg ClientConfig, baseURL, doiBaseURL string) (*ScienceDirectResolver, error) {
	client, err := buildResolverHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &ScienceDirectResolver{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		baseHost:   parseHostOrFallback(baseURL),
		doiBaseURL: strings.TrimRight(doiBaseURL, "/"),
		doiHost:    parseHostOrFallback(doiBaseURL),
	}, nil
}

// Name implements Resolver.
func (r *ScienceDirectResolver) Name() string { return "sciencedirect" }

// Priority implements Resolver.
func (r *ScienceDirectResolver) Priority() Priority { return PrioritySpecialized }

// CanHandle implements Resolver. Direct PDF endpoints are deliberately not
// claimed: they pass through to the fallback resolver so the engine streams
// them instead of the resolver downloading a large body during resolution.
func (r *ScienceDirectResolver) CanHandle(input string, inputType parser.InputType) bool {
	switch inputType {
	case parser.InputTypeURL:
		parsed, err := url.Parse(input)
		if err != nil || parsed.Host == "" {
			return false
		}
		if hostsMatch(parsed.Host, r.baseHost) {
			if isProbablyDirectPDFPath(parsed.Path) {
				return false
			}
			return isProbableArticlePath(parsed.Path)
		}
		return hostsMatch(parsed.Host, r.doiHost) &&
			looksLikeDOI(strings.TrimPrefix(parsed.Path, "/"), scienceDirectDOIPrefix)
	case parser.InputTypeDOI:
		return looksLikeDOI(input, scienceDirectDOIPrefix)
	default:
		return false
	}
}

// Resolve implements Resolver.
func (r *ScienceDirectResolver) Resolve(ctx context.Context, input string, _ *Context) (Step, error) {
	requestURL := strings.TrimSpace(input)
	if looksLikeDOI(requestURL, scienceDirectDOIPrefix) {
		requestURL = fmt.Sprintf("%s/%s", r.doiBaseURL, requestURL)
	}

	if parsed, err := url.Parse(requestURL); err == nil &&
		hostsMatch(parsed.Host, r.baseHost) && isProbablyDirectPDFPath(parsed.Path) {
		return StepURL(NewResolvedURL(requestURL)), nil
	}

	page, err := fetchPage(ctx, r.client, requestURL)
	if err != nil {
		return resolutionFailed(input, "Cannot reach ScienceDirect/DOI endpoint. Check network and try again."), nil
	}

	finalHost := page.finalURL.Host
	if isAuthRequiredStatus(page.status) {
		return StepNeedsAuth(finalHost,
			"ScienceDirect returned an authorization response. Your session may be expired. Refresh cookies with `downloader auth capture --save-cookies` and retry."), nil
	}
	if page.doc == nil {
		return resolutionFailed(input, fmt.Sprintf("ScienceDirect returned HTTP %d", page.status)), nil
	}
	if !r.isAcceptedFinalHost(finalHost) {
		return resolutionFailed(input, "Resolved page is not hosted on ScienceDirect"), nil
	}

	html := pageHTML(page.doc)
	if isScienceDirectAuthPage(html, page.body, page.finalURL) {
		return StepNeedsAuth(finalHost,
			"ScienceDirect returned a login page. Session appears expired. Refresh cookies with `downloader auth capture --save-cookies` and retry."), nil
	}

	pdfURL := r.resolvePDFURL(page.doc, html, page.finalURL)
	if pdfURL == "" {
		return resolutionFailed(input, "Could not identify a ScienceDirect PDF URL from the article page"), nil
	}

	metadata := extractScienceDirectMetadata(page.doc)
	metadata["source_url"] = page.finalURL.String()
	if looksLikeDOI(input, scienceDirectDOIPrefix) {
		if _, ok := metadata["doi"]; !ok {
			metadata["doi"] = strings.TrimSpace(input)
		}
	}
	if pii := extractPIIFromText(page.finalURL.String()); pii != "" {
		if _, ok := metadata["pii"]; !ok {
			metadata["pii"] = pii
		}
	}

	return StepURL(NewResolvedURLWithMetadata(pdfURL, metadata)), nil
}

func (r *ScienceDirectResolver) isAcceptedFinalHost(host string) bool {
	if hostsMatch(host, r.baseHost) {
		return true
	}
	canonical := canonicalHost(host)
	for _, known := range additionalElsevierHosts {
		if canonical == known {
			return true
		}
	}
	return false
}

// resolvePDFURL applies the extraction priority: citation_pdf_url meta,
// then embedded JSON pdf fields, then a PII-synthesized pdfft path.
func (r *ScienceDirectResolver) resolvePDFURL(doc *goquery.Document, html string, finalURL *url.URL) string {
	if meta := metaContent(doc, "citation_pdf_url", "pdf_url"); meta != "" {
		return absolutizeURL(meta, finalURL)
	}

	if m := jsonPDFURLPattern.FindStringSubmatch(html); m != nil {
		return absolutizeURL(decodeJSONURLField(m[1]), finalURL)
	}

	if pii := extractPIIFromText(finalURL.String()); pii != "" {
		synthesized := fmt.Sprintf("%s/science/article/pii/%s/pdfft?isDTMRedir=true&download=true", r.baseURL, pii)
		return synthesized
	}

	return ""
}

func decodeJSONURLField(value string) string {
	value = strings.ReplaceAll(value, "\\u002F", "/")
	return strings.ReplaceAll(value, "\\/", "/")
}

func extractScienceDirectMetadata(doc *goquery.Document) map[string]string {
	metadata := map[string]string{}

	if title := metaContent(doc, "citation_title", "dc.title"); title != "" {
		metadata["title"] = title
	}
	if authors := allMetaContents(doc, "citation_author"); len(authors) > 0 {
		metadata["authors"] = strings.Join(authors, "; ")
	}
	if doi := metaContent(doc, "citation_doi", "dc.identifier"); doi != "" {
		metadata["doi"] = doi
	}
	if journal := metaContent(doc, "citation_journal_title"); journal != "" {
		metadata["journal"] = journal
	}
	if pubDate := metaContent(doc, "citation_publication_date"); pubDate != "" {
		if year := extractYearFromString(pubDate); year != "" {
			metadata["year"] = year
		}
	}

	return metadata
}

func extractPIIFromText(value string) string {
	if m := piiPathPattern.FindStringSubmatch(value); m != nil {
		return m[1]
	}
	return ""
}

// isScienceDirectAuthPage detects auth expiry: a /user/login path, a
// redirect through id.elsevier.com, or at least three auth markers in the
// body text.
func isScienceDirectAuthPage(html, bodyText string, finalURL *url.URL) bool {
	if strings.Contains(finalURL.Path, "/user/login") {
		return true
	}
	if strings.Contains(strings.ToLower(html), "id.elsevier.com") {
		return true
	}
	return countMarkers(bodyText, scienceDirectAuthMarkers) >= scienceDirectAuthMarkerThreshold
}

func isProbableArticlePath(urlPath string) bool {
	return strings.HasPrefix(urlPath, "/science/article/") || extractPIIFromText(urlPath) != ""
}

func isProbablyDirectPDFPath(urlPath string) bool {
	lower := strings.ToLower(urlPath)
	return strings.EqualFold(path.Ext(urlPath), ".pdf") ||
		strings.Contains(lower, "/pdfft") ||
		strings.HasSuffix(lower, "/pdf") ||
		strings.Contains(lower, "/downloadpdf")
}
