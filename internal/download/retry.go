package download

import (
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// DefaultMaxRetries is the default attempt budget (including the first try).
const DefaultMaxRetries = 3

const (
	defaultBaseDelay         = 1 * time.Second
	defaultMaxDelay          = 32 * time.Second
	defaultBackoffMultiplier = 2.0
	maxJitter                = 500 * time.Millisecond
)

// FailureType classifies a failed download for retry decisions.
type FailureType int

const (
	// FailureTransient may succeed on retry: timeouts, 5xx, connection loss.
	FailureTransient FailureType = iota
	// FailurePermanent will not succeed on retry: 404, 400, invalid URL.
	FailurePermanent
	// FailureNeedsAuth requires authentication; retrying without it is futile.
	FailureNeedsAuth
	// FailureRateLimited is server rate limiting (HTTP 429).
	FailureRateLimited
)

func (f FailureType) String() string {
	switch f {
	case FailureTransient:
		return "transient"
	case FailurePermanent:
		return "permanent"
	case FailureNeedsAuth:
		return "needs_auth"
	case FailureRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

// RetryDecision is the outcome of a should-retry check.
type RetryDecision struct {
	// Retry is true when another attempt should be made after Delay.
	Retry bool
	// Delay is how long to wait before the next attempt.
	Delay time.Duration
	// Attempt is the 1-indexed number of the next attempt when retrying.
	Attempt int
	// Reason explains a do-not-retry decision.
	Reason string
}

// RetryPolicy configures exponential backoff for transient failures.
// Delays follow min(base * multiplier^(attempt-1), max) + jitter, with
// jitter uniform on [0, 500ms].
type RetryPolicy struct {
	maxAttempts       int
	baseDelay         time.Duration
	maxDelay          time.Duration
	backoffMultiplier float64
}

// DefaultRetryPolicy returns the standard 3-attempt policy (1s base, 32s
// cap, doubling).
func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(DefaultMaxRetries, defaultBaseDelay, defaultMaxDelay, defaultBackoffMultiplier)
}

// NewRetryPolicy builds a policy; maxAttempts is clamped to at least 1.
func NewRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration, multiplier float64) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		maxAttempts:       maxAttempts,
		baseDelay:         baseDelay,
		maxDelay:          maxDelay,
		backoffMultiplier: multiplier,
	}
}

// RetryPolicyWithMaxAttempts keeps the defaults but overrides the budget.
func RetryPolicyWithMaxAttempts(maxAttempts int) *RetryPolicy {
	return NewRetryPolicy(maxAttempts, defaultBaseDelay, defaultMaxDelay, defaultBackoffMultiplier)
}

// MaxAttempts returns the configured attempt budget.
func (p *RetryPolicy) MaxAttempts() int { return p.maxAttempts }

// ShouldRetry decides whether the attempt that just failed (1-indexed)
// warrants another try.
func (p *RetryPolicy) ShouldRetry(failureType FailureType, attempt int) RetryDecision {
	switch failureType {
	case FailurePermanent:
		return RetryDecision{Reason: "permanent failure - retry would not help"}
	case FailureNeedsAuth:
		return RetryDecision{Reason: "authentication required - retry without auth would not help"}
	}

	if attempt >= p.maxAttempts {
		return RetryDecision{Reason: "max attempts exhausted"}
	}

	return RetryDecision{
		Retry:   true,
		Delay:   p.calculateDelay(attempt),
		Attempt: attempt + 1,
	}
}

func (p *RetryPolicy) calculateDelay(attempt int) time.Duration {
	exponent := float64(attempt - 1)
	delay := float64(p.baseDelay) * math.Pow(p.backoffMultiplier, exponent)
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	return time.Duration(delay) + p.jitter()
}

// jitter prevents thundering herd when many downloads retry at once.
func (p *RetryPolicy) jitter() time.Duration {
	return time.Duration(rand.Int63n(int64(maxJitter) + 1))
}

// ClassifyError maps a download error to a failure type.
//
// HTTP statuses: 400/404/410/451 and other 4xx are permanent; 401/403/407
// need auth; 408 is transient; 429 is rate limited; 5xx are transient.
// Timeouts are transient; network errors are transient unless they look like
// TLS/certificate failures; IO and invalid-URL errors are permanent.
func ClassifyError(err error) FailureType {
	var httpErr *HTTPStatusError
	var authErr *AuthRequiredError
	var netErr *NetworkError
	var timeoutErr *TimeoutError
	var ioErr *IOError
	var invalidURL *InvalidURLError

	switch {
	case errors.As(err, &authErr):
		return FailureNeedsAuth
	case errors.As(err, &httpErr):
		return classifyHTTPStatus(httpErr.Status)
	case errors.As(err, &timeoutErr):
		return FailureTransient
	case errors.As(err, &netErr):
		if isTLSError(netErr.Err) {
			return FailurePermanent
		}
		return FailureTransient
	case errors.As(err, &ioErr):
		return FailurePermanent
	case errors.As(err, &invalidURL):
		return FailurePermanent
	default:
		return FailureTransient
	}
}

func classifyHTTPStatus(status int) FailureType {
	switch status {
	case 401, 403, 407:
		return FailureNeedsAuth
	case 408:
		return FailureTransient
	case 429:
		return FailureRateLimited
	}
	switch {
	case status >= 400 && status < 500:
		return FailurePermanent
	case status >= 500 && status < 600:
		return FailureTransient
	default:
		return FailurePermanent
	}
}

func isTLSError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "certificate") ||
		strings.Contains(msg, "tls") ||
		strings.Contains(msg, "ssl") ||
		strings.Contains(msg, "handshake")
}
