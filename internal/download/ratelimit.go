package download

import (
	"log/slog"
	mrand "math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// cumulativeDelayWarningThreshold triggers a warning when a single domain
// has accumulated this much delay.
const cumulativeDelayWarningThreshold = 30 * time.Second

// maxRetryAfter caps server-mandated delays at one hour.
const maxRetryAfter = time.Hour

// RateLimiter enforces a minimum delay between requests to the same domain.
// Requests to different domains proceed in parallel; only subsequent
// requests to the same domain wait.
//
// The map lock is never held across a sleep: domain state is looked up (or
// created) under the map lock, then only the per-domain mutex is held while
// waiting out the residual delay.
type RateLimiter struct {
	defaultDelay time.Duration
	jitter       time.Duration
	disabled     bool

	mu      sync.Mutex
	domains map[string]*domainState
}

type domainState struct {
	mu sync.Mutex
	// lastRequest is zero until the first request to this domain.
	lastRequest time.Time
	// override is a server-mandated minimum delay recorded from Retry-After,
	// consumed by the next acquire.
	override time.Duration
	// cumulativeDelayMs tracks total delay applied to this domain.
	cumulativeDelayMs atomic.Int64
}

func (s *domainState) addCumulativeDelay(delay time.Duration) time.Duration {
	total := s.cumulativeDelayMs.Add(delay.Milliseconds())
	return time.Duration(total) * time.Millisecond
}

// NewRateLimiter creates a limiter with the given per-domain minimum delay.
func NewRateLimiter(defaultDelay time.Duration) *RateLimiter {
	return NewRateLimiterWithJitter(defaultDelay, 0)
}

// NewRateLimiterWithJitter additionally spreads each delay by a uniform
// random amount in [0, jitter].
func NewRateLimiterWithJitter(defaultDelay, jitter time.Duration) *RateLimiter {
	return &RateLimiter{
		defaultDelay: defaultDelay,
		jitter:       jitter,
		domains:      make(map[string]*domainState),
	}
}

// DisabledRateLimiter applies no delays (for rate_limit = 0).
func DisabledRateLimiter() *RateLimiter {
	return &RateLimiter{disabled: true, domains: make(map[string]*domainState)}
}

// IsDisabled reports whether rate limiting is off.
func (r *RateLimiter) IsDisabled() bool { return r.disabled }

// DefaultDelay returns the configured per-domain minimum delay.
func (r *RateLimiter) DefaultDelay() time.Duration { return r.defaultDelay }

// Acquire blocks until a request to the URL's domain is allowed, then
// stamps the domain's last-request time. The first request to any domain
// proceeds immediately.
func (r *RateLimiter) Acquire(rawURL string) {
	if r.disabled {
		return
	}

	domain := ExtractDomain(rawURL)
	state := r.stateFor(domain)

	state.mu.Lock()
	defer state.mu.Unlock()

	effective := r.defaultDelay
	if r.jitter > 0 {
		effective += time.Duration(mrand.Int63n(int64(r.jitter) + 1))
	}
	if state.override > effective {
		effective = state.override
	}
	state.override = 0

	if !state.lastRequest.IsZero() {
		elapsed := time.Since(state.lastRequest)
		if elapsed < effective {
			delay := effective - elapsed
			cumulative := state.addCumulativeDelay(delay)

			slog.Debug("applying rate limit delay",
				"domain", domain,
				"delay_ms", delay.Milliseconds(),
				"cumulative_ms", cumulative.Milliseconds())

			if cumulative >= cumulativeDelayWarningThreshold {
				slog.Warn("excessive rate limiting - consider reducing request volume to this domain",
					"domain", domain,
					"cumulative_delay_secs", int64(cumulative.Seconds()))
			}

			time.Sleep(delay)
		}
	}

	state.lastRequest = time.Now()
}

// RecordRateLimit stores a server-mandated delay (from a Retry-After header)
// so the next Acquire for the domain observes at least that spacing.
func (r *RateLimiter) RecordRateLimit(rawURL string, delay time.Duration) {
	domain := ExtractDomain(rawURL)
	state := r.stateFor(domain)

	state.mu.Lock()
	if delay > state.override {
		state.override = delay
	}
	state.mu.Unlock()

	cumulative := state.addCumulativeDelay(delay)
	slog.Debug("recorded server rate limit",
		"domain", domain,
		"delay_ms", delay.Milliseconds(),
		"cumulative_ms", cumulative.Milliseconds())

	if cumulative >= cumulativeDelayWarningThreshold {
		slog.Warn("excessive server rate limiting - site may be under heavy load",
			"domain", domain,
			"cumulative_delay_secs", int64(cumulative.Seconds()))
	}
}

func (r *RateLimiter) stateFor(domain string) *domainState {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.domains[domain]
	if !ok {
		state = &domainState{}
		r.domains[domain] = state
	}
	return state
}

// ExtractDomain returns the lowercased host of a URL, or "unknown" for
// unparsable input so malformed URLs are still rate limited.
func ExtractDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(parsed.Hostname())
}

// ParseRetryAfter parses a Retry-After header value per RFC 7231: integer
// seconds or an HTTP-date. Negative values are rejected, excessive values
// cap at one hour, past dates yield zero. Returns false on unparseable
// input.
func ParseRetryAfter(headerValue string) (time.Duration, bool) {
	headerValue = strings.TrimSpace(headerValue)

	if seconds, err := strconv.ParseInt(headerValue, 10, 64); err == nil {
		if seconds < 0 {
			return 0, false
		}
		duration := time.Duration(seconds) * time.Second
		if duration > maxRetryAfter {
			slog.Warn("Retry-After exceeds maximum, capping at 1 hour", "seconds", seconds)
			return maxRetryAfter, true
		}
		return duration, true
	}

	if when, err := http.ParseTime(headerValue); err == nil {
		until := time.Until(when)
		if until <= 0 {
			return 0, true
		}
		if until > maxRetryAfter {
			slog.Warn("Retry-After date exceeds maximum, capping at 1 hour", "delay_secs", int64(until.Seconds()))
			return maxRetryAfter, true
		}
		return until, true
	}

	return 0, false
}
