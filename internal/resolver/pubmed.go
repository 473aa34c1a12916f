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
	defaultPubMedBaseURL = "https://pubmed.ncbi.nlm.nih.gov"
	defaultPMCBaseURL    = "https://pmc.ncbi.nlm.nih.gov"
)

var pmcidPattern = regexp.MustCompile(`(?i)\b(PMC\d{4,})\b`)

// PubMedResolver routes PubMed records to PMC full-text PDF URLs. For a
// PubMed record page it extracts the PMCID; for a PMC article page it
// extracts the PDF link: citation_pdf_url meta first, then any /pdf/ href,
// then the synthesized /articles/<pmcid>/pdf/ path as a last resort.
type PubMedResolver struct {
	client        *http.Client
	pubmedBaseURL string
	pmcBaseURL    string
	pubmedHost    string
	pmcHost       string
}

// NewPubMedResolver creates a resolver with the default PubMed/PMC
// endpoints.
func NewPubMedResolver(cfg ClientConfig) (*PubMedResolver, error) {
	return NewPubMedResolverWithBaseURLs(cfg, defaultPubMedBaseURL, defaultPMCBaseURL)
}

// NewPubMedResolverWithBaseURLs creates a resolver with custom endpoints
// for tests.
func NewPubMedResolverWithBaseURLs(cfg ClientConfig, pubmedBaseURL, pmcBaseURL string) (*PubMedResolver, error) {
	client, err := buildResolverHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &PubMedResolver{
		client:        client,
		pubmedBaseURL: strings.TrimRight(pubmedBaseURL, "/"),
		pmcBaseURL:    strings.TrimRight(pmcBaseURL, "/"),
		pubmedHost:    parseHostOrFallback(pubmedBaseURL),
		pmcHost:       parseHostOrFallback(pmcBaseURL),
	}, nil
}

// Name implements Resolver.
func (r *PubMedResolver) Name() string { return "pubmed" }

// Priority implements Resolver.
func (r *PubMedResolver) Priority() Priority { return PrioritySpecialized }

// CanHandle implements Resolver.
func (r *PubMedResolver) CanHandle(input string, inputType parser.InputType) bool {
	if inputType != parser.InputTypeURL {
		return false
	}
	parsed, err := url.Parse(input)
	if err != nil || parsed.Host == "" {
		return false
	}

	if hostsMatch(parsed.Host, r.pmcHost) && looksLikePMCPath(parsed.Path) {
		return true
	}
	return hostsMatch(parsed.Host, r.pubmedHost)
}

// Resolve implements Resolver.
func (r *PubMedResolver) Resolve(ctx context.Context, input string, _ *Context) (Step, error) {
	parsed, err := url.Parse(input)
	if err != nil {
		return resolutionFailed(input, "PubMed resolver expected a valid URL but the input could not be parsed"), nil
	}

	if hostsMatch(parsed.Host, r.pmcHost) && looksLikePMCPath(parsed.Path) {
		return r.resolvePMCURL(ctx, input, parsed)
	}

	if !hostsMatch(parsed.Host, r.pubmedHost) {
		return resolutionFailed(input, "URL does not belong to PubMed or PMC"), nil
	}

	page, err := fetchPage(ctx, r.client, input)
	if err != nil {
		return resolutionFailed(input, "Unable to fetch PubMed page. Check network connectivity and retry."), nil
	}
	if page.doc == nil {
		return resolutionFailed(input, fmt.Sprintf("PubMed returned HTTP %d", page.status)), nil
	}

	pmcid := extractPMCID(pageHTML(page.doc))
	if pmcid == "" {
		return resolutionFailed(input, "PubMed entry does not expose an open-access PMC full-text link"), nil
	}

	return r.resolvePMCID(ctx, pmcid, page.finalURL)
}

func (r *PubMedResolver) resolvePMCURL(ctx context.Context, input string, parsed *url.URL) (Step, error) {
	if looksLikeDirectPDFPath(parsed.Path) {
		metadata := map[string]string{"source_url": parsed.String()}
		if pmcid := extractPMCID(parsed.String()); pmcid != "" {
			metadata["pmcid"] = pmcid
		}
		return StepURL(NewResolvedURLWithMetadata(parsed.String(), metadata)), nil
	}

	pmcid := extractPMCID(parsed.String())
	if pmcid == "" {
		pmcid = extractPMCID(parsed.Path)
	}
	if pmcid == "" {
		return resolutionFailed(input, "PMC URL did not contain a recognizable PMCID identifier"), nil
	}

	return r.resolvePMCID(ctx, pmcid, parsed)
}

func (r *PubMedResolver) resolvePMCID(ctx context.Context, pmcid string, sourceURL *url.URL) (Step, error) {
	pmcArticle := fmt.Sprintf("%s/articles/%s/", r.pmcBaseURL, pmcid)

	page, err := fetchPage(ctx, r.client, pmcArticle)
	if err != nil {
		return resolutionFailed(pmcArticle, "PMC full-text page could not be fetched for PDF extraction"), nil
	}
	if page.doc == nil {
		return resolutionFailed(pmcArticle, fmt.Sprintf("PMC returned HTTP %d", page.status)), nil
	}

	pdfURL := extractPMCPDFURL(page.doc, page.finalURL)
	if pdfURL == "" {
		pdfURL = fmt.Sprintf("%s/articles/%s/pdf/", r.pmcBaseURL, pmcid)
	}

	metadata := map[string]string{
		"source_url": sourceURL.String(),
		"pmcid":      pmcid,
	}
	if pmid := extractPMID(sourceURL); pmid != "" {
		metadata["pmid"] = pmid
	}

	return StepURL(NewResolvedURLWithMetadata(pdfURL, metadata)), nil
}

func extractPMCID(value string) string {
	if m := pmcidPattern.FindStringSubmatch(value); m != nil {
		return strings.ToUpper(m[1])
	}
	return ""
}

// extractPMCPDFURL prefers the citation_pdf_url meta tag and falls back to
// the first href containing /pdf/ or ending in .pdf.
func extractPMCPDFURL(doc *goquery.Document, base *url.URL) string {
	if meta := metaContent(doc, "citation_pdf_url"); meta != "" {
		return absolutizeURL(meta, base)
	}

	var href string
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		candidate, _ := sel.Attr("href")
		lower := strings.ToLower(candidate)
		if strings.Contains(lower, "/pdf/") || strings.HasSuffix(lower, ".pdf") || strings.Contains(lower, ".pdf?") {
			href = candidate
			return false
		}
		return true
	})
	if href != "" {
		return absolutizeURL(href, base)
	}
	return ""
}

func looksLikeDirectPDFPath(urlPath string) bool {
	lower := strings.ToLower(urlPath)
	return strings.Contains(lower, "/pdf/") || strings.EqualFold(path.Ext(urlPath), ".pdf")
}

func looksLikePMCPath(urlPath string) bool {
	return strings.Contains(strings.ToLower(urlPath), "/articles/pmc")
}

func extractPMID(u *url.URL) string {
	for _, segment := range strings.Split(strings.Trim(u.Path, "/"), "/") {
		if segment != "" && isAllDigits(segment) {
			return segment
		}
	}
	return ""
}

func isAllDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// pageHTML renders the document back to HTML for regex scans that need
// attribute text (PMCIDs appear in hrefs as well as body text).
func pageHTML(doc *goquery.Document) string {
	html, err := doc.Html()
	if err != nil {
		return doc.Text()
	}
	return html
}
