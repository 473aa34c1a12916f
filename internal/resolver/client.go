package resolver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/refsmith/downloader/internal/version"
)

// Resolver pages are small; timeouts are much tighter than the download
// client's.
const (
	DefaultResolverConnectTimeout = 10 * time.Second
	DefaultResolverReadTimeout    = 30 * time.Second
)

// ClientConfig configures the HTTP client shared by all site resolvers:
// process-wide timeouts, an optional cookie jar, and the single identity
// User-Agent. Redirects are handled by the HTTP layer.
type ClientConfig struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// Jar attaches a shared cookie session to every resolver client.
	Jar http.CookieJar
}

func buildResolverHTTPClient(cfg ClientConfig) (*http.Client, error) {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultResolverConnectTimeout
	}
	readTimeout := cfg.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultResolverReadTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   readTimeout,
		Jar:       cfg.Jar,
	}, nil
}

const acceptHTML = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// fetchedPage is a resolver page fetch: parsed document, the post-redirect
// URL, and the status code.
type fetchedPage struct {
	doc      *goquery.Document
	finalURL *url.URL
	status   int
	body     string
}

// fetchPage GETs an HTML page with the identity UA and parses it.
// A non-2xx status returns the page with doc == nil.
func fetchPage(ctx context.Context, client *http.Client, pageURL string) (*fetchedPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Accept", acceptHTML)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	page := &fetchedPage{finalURL: resp.Request.URL, status: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return page, nil
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}
	page.doc = doc
	page.body = doc.Text()
	return page, nil
}

// metaContent returns the first non-empty content attribute among meta tags
// whose name or property matches one of the keys (case-insensitive).
func metaContent(doc *goquery.Document, keys ...string) string {
	var found string
	doc.Find("meta").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		name, _ := sel.Attr("name")
		if name == "" {
			name, _ = sel.Attr("property")
		}
		for _, key := range keys {
			if strings.EqualFold(name, key) {
				if content, ok := sel.Attr("content"); ok && strings.TrimSpace(content) != "" {
					found = strings.TrimSpace(content)
					return false
				}
			}
		}
		return true
	})
	return found
}

// allMetaContents returns every distinct non-empty content attribute for
// meta tags matching one of the keys, in document order.
func allMetaContents(doc *goquery.Document, keys ...string) []string {
	var values []string
	seen := make(map[string]bool)
	doc.Find("meta").Each(func(_ int, sel *goquery.Selection) {
		name, _ := sel.Attr("name")
		if name == "" {
			name, _ = sel.Attr("property")
		}
		for _, key := range keys {
			if strings.EqualFold(name, key) {
				content := strings.TrimSpace(sel.AttrOr("content", ""))
				if content != "" && !seen[content] {
					seen[content] = true
					values = append(values, content)
				}
			}
		}
	})
	return values
}

// canonicalHost lowercases a host and strips a leading www.
func canonicalHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	return strings.TrimPrefix(host, "www.")
}

// hostsMatch compares hosts ignoring case and a www. prefix.
func hostsMatch(a, b string) bool {
	return canonicalHost(a) == canonicalHost(b)
}

// parseHostOrFallback extracts the host of a base URL, falling back to the
// raw string for opaque test endpoints.
func parseHostOrFallback(baseURL string) string {
	parsed, err := url.Parse(baseURL)
	if err != nil || parsed.Host == "" {
		return baseURL
	}
	return parsed.Host
}

// absolutizeURL resolves value against base, returning "" when value is
// unusable.
func absolutizeURL(value string, base *url.URL) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	ref, err := url.Parse(value)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// looksLikeDOI reports whether input is a DOI with the given registrant
// prefix (e.g. "10.1016/").
func looksLikeDOI(input, prefix string) bool {
	trimmed := strings.TrimSpace(input)
	return strings.HasPrefix(trimmed, prefix) && len(trimmed) > len(prefix)
}

// isAuthRequiredStatus covers the authentication status codes.
func isAuthRequiredStatus(status int) bool {
	return status == 401 || status == 403 || status == 407
}

// extractYearFromString pulls a 4-digit year out of a date string.
func extractYearFromString(s string) string {
	for i := 0; i+4 <= len(s); i++ {
		if isYearAt(s, i) {
			return s[i : i+4]
		}
	}
	return ""
}

func isYearAt(s string, i int) bool {
	for j := i; j < i+4; j++ {
		if s[j] < '0' || s[j] > '9' {
			return false
		}
	}
	if i > 0 && s[i-1] >= '0' && s[i-1] <= '9' {
		return false
	}
	if i+4 < len(s) && s[i+4] >= '0' && s[i+4] <= '9' {
		return false
	}
	prefix := s[i : i+2]
	return prefix == "18" || prefix == "19" || prefix == "20"
}
