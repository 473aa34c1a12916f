package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/refsmith/downloader/internal/parser"
	"github.com/refsmith/downloader/internal/version"
)

const defaultCrossrefBaseURL = "https://api.crossref.org"

// CrossrefResolver looks DOIs up in the Crossref REST API and extracts a
// PDF link from the work record. When no usable link exists it redirects to
// doi.org so the direct resolver (or the DOI host itself) can take over.
type CrossrefResolver struct {
	client  *http.Client
	baseURL string
	mailto  string
}

// NewCrossrefResolver creates a resolver against the public Crossref API.
// The mailto lands in the query string per Crossref's polite-pool rules.
func NewCrossrefResolver(cfg ClientConfig, mailto string) (*CrossrefResolver, error) {
	return NewCrossrefResolverWithBaseURL(cfg, defaultCrossrefBaseURL, mailto)
}

// NewCrossrefResolverWithBaseURL creates a resolver with a custom endpoint
// for tests.
func NewCrossrefResolverWithBaseURL(cfg ClientConfig, baseURL, mailto string) (*CrossrefResolver, error) {
	client, err := buildResolverHTTPClient(cfg)
	if err != nil {
		return nil, err
	}
	return &CrossrefResolver{
		client:  client,
		baseURL: strings.TrimRight(baseURL, "/"),
		mailto:  mailto,
	}, nil
}

// Name implements Resolver.
func (r *CrossrefResolver) Name() string { return "crossref" }

// Priority implements Resolver.
func (r *CrossrefResolver) Priority() Priority { return PriorityGeneral }

// CanHandle implements Resolver: any DOI.
func (r *CrossrefResolver) CanHandle(_ string, inputType parser.InputType) bool {
	return inputType == parser.InputTypeDOI
}

type crossrefResponse struct {
	Status  string       `json:"status"`
	Message crossrefWork `json:"message"`
}

type crossrefWork struct {
	Title           []string         `json:"title"`
	Author          []crossrefAuthor `json:"author"`
	Link            []crossrefLink   `json:"link"`
	DOI             string           `json:"DOI"`
	Published       *crossrefDate    `json:"published"`
	PublishedPrint  *crossrefDate    `json:"published-print"`
	PublishedOnline *crossrefDate    `json:"published-online"`
}

type crossrefAuthor struct {
	Family string `json:"family"`
	Given  string `json:"given"`
}

type crossrefLink struct {
	URL                 string `json:"URL"`
	ContentType         string `json:"content-type"`
	IntendedApplication string `json:"intended-application"`
}

type crossrefDate struct {
	DateParts [][]int `json:"date-parts"`
}

// Resolve implements Resolver.
func (r *CrossrefResolver) Resolve(ctx context.Context, input string, _ *Context) (Step, error) {
	doi := strings.TrimSpace(input)
	requestURL := fmt.Sprintf("%s/works/%s?mailto=%s",
		r.baseURL, url.PathEscape(doi), url.QueryEscape(r.mailto))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return resolutionFailed(input, "could not build Crossref request"), nil
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := r.client.Do(req)
	if err != nil {
		return resolutionFailed(input, "Cannot reach the Crossref API. Check network connectivity and retry."), nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resolutionFailed(input, "DOI not found in Crossref"), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return resolutionFailed(input, "Crossref API rate limit reached"), nil
	case resp.StatusCode >= 500:
		return resolutionFailed(input, "Crossref API unavailable"), nil
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return resolutionFailed(input, fmt.Sprintf("Crossref returned HTTP %d", resp.StatusCode)), nil
	}

	var decoded crossrefResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return resolutionFailed(input, "Crossref response could not be parsed"), nil
	}
	if decoded.Status != "ok" {
		return resolutionFailed(input, fmt.Sprintf("Crossref status %q", decoded.Status)), nil
	}

	work := decoded.Message
	pdfURL := selectCrossrefPDFLink(work.Link)
	if pdfURL == "" {
		// No usable link; hand the DOI host to the direct resolver.
		return StepRedirect(fmt.Sprintf("https://doi.org/%s", doi)), nil
	}

	return StepURL(NewResolvedURLWithMetadata(pdfURL, crossrefMetadata(&work, doi))), nil
}

// selectCrossrefPDFLink picks the first link with an application/pdf
// content type (case-insensitive, parameters stripped), else the first with
// a text-mining or similarity-checking intended application.
func selectCrossrefPDFLink(links []crossrefLink) string {
	for _, link := range links {
		contentType := strings.TrimSpace(link.ContentType)
		if idx := strings.IndexByte(contentType, ';'); idx >= 0 {
			contentType = contentType[:idx]
		}
		if strings.EqualFold(strings.TrimSpace(contentType), "application/pdf") && link.URL != "" {
			return link.URL
		}
	}
	for _, link := range links {
		switch link.IntendedApplication {
		case "text-mining", "similarity-checking":
			if link.URL != "" {
				return link.URL
			}
		}
	}
	return ""
}

func crossrefMetadata(work *crossrefWork, doi string) map[string]string {
	metadata := map[string]string{"doi": doi}
	if work.DOI != "" {
		metadata["doi"] = work.DOI
	}

	if len(work.Title) > 0 && work.Title[0] != "" {
		metadata["title"] = work.Title[0]
	}

	if len(work.Author) > 0 {
		var authors []string
		for _, author := range work.Author {
			switch {
			case author.Family != "" && author.Given != "":
				authors = append(authors, fmt.Sprintf("%s, %s", author.Family, author.Given))
			case author.Family != "":
				authors = append(authors, author.Family)
			}
		}
		if len(authors) > 0 {
			metadata["authors"] = strings.Join(authors, "; ")
		}
	}

	// Year from whichever publication date is available first.
	for _, date := range []*crossrefDate{work.Published, work.PublishedPrint, work.PublishedOnline} {
		if date != nil && len(date.DateParts) > 0 && len(date.DateParts[0]) > 0 {
			metadata["year"] = strconv.Itoa(date.DateParts[0][0])
			break
		}
	}

	return metadata
}
