// Package robots provides an advisory per-origin robots.txt cache consulted
// before downloads when respectful mode or --check-robots is enabled.
package robots

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/refsmith/downloader/internal/version"
)

// Decision is the advisory outcome of a robots.txt check.
type Decision int

const (
	// Allowed means the URL may be fetched.
	Allowed Decision = iota
	// Disallowed means robots.txt forbids the URL for our agent.
	Disallowed
)

// Cache fetches and caches robots.txt per origin for the process lifetime.
// A missing or unreadable robots.txt allows everything; the check is
// advisory per item, not a crawler gate.
type Cache struct {
	client *http.Client

	mu      sync.Mutex
	origins map[string]*robotstxt.RobotsData
}

// NewCache builds a cache with a short-timeout HTTP client.
func NewCache() *Cache {
	return &Cache{
		client:  &http.Client{Timeout: 10 * time.Second},
		origins: make(map[string]*robotstxt.RobotsData),
	}
}

// OriginFor returns the scheme://host[:port] origin of a URL, or "" for
// unparsable input.
func OriginFor(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" || parsed.Scheme == "" {
		return ""
	}
	return parsed.Scheme + "://" + parsed.Host
}

// CheckAllowed consults the cached robots.txt for the URL's origin,
// fetching it on first use.
func (c *Cache) CheckAllowed(ctx context.Context, rawURL, origin string) (Decision, error) {
	data, err := c.dataFor(ctx, origin)
	if err != nil {
		return Allowed, err
	}
	if data == nil {
		return Allowed, nil
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Allowed, nil
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}
	if parsed.RawQuery != "" {
		path += "?" + parsed.RawQuery
	}

	if data.TestAgent(path, "downloader") {
		return Allowed, nil
	}
	return Disallowed, nil
}

func (c *Cache) dataFor(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	c.mu.Lock()
	if data, ok := c.origins[origin]; ok {
		c.mu.Unlock()
		return data, nil
	}
	c.mu.Unlock()

	data, err := c.fetch(ctx, origin)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.origins[origin] = data
	c.mu.Unlock()
	return data, nil
}

func (c *Cache) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil, fmt.Errorf("build robots.txt request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots.txt for %s: %w", origin, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil, fmt.Errorf("read robots.txt for %s: %w", origin, err)
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt for %s: %w", origin, err)
	}
	return data, nil
}
