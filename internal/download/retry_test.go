package download

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refsmith/downloader/internal/queue"
)

func TestRetryPolicyDefaults(t *testing.T) {
	policy := DefaultRetryPolicy()
	assert.Equal(t, 3, policy.MaxAttempts())
}

func TestRetryPolicyMinimumOneAttempt(t *testing.T) {
	policy := RetryPolicyWithMaxAttempts(0)
	assert.Equal(t, 1, policy.MaxAttempts())
}

func TestShouldRetryPermanentAndAuthNeverRetry(t *testing.T) {
	policy := DefaultRetryPolicy()

	decision := policy.ShouldRetry(FailurePermanent, 1)
	assert.False(t, decision.Retry)
	assert.Contains(t, decision.Reason, "permanent")

	decision = policy.ShouldRetry(FailureNeedsAuth, 1)
	assert.False(t, decision.Retry)
	assert.Contains(t, decision.Reason, "auth")
}

func TestShouldRetryTransientAndRateLimited(t *testing.T) {
	policy := DefaultRetryPolicy()

	decision := policy.ShouldRetry(FailureTransient, 1)
	require.True(t, decision.Retry)
	assert.Equal(t, 2, decision.Attempt)

	decision = policy.ShouldRetry(FailureRateLimited, 1)
	assert.True(t, decision.Retry)
}

func TestShouldRetryRespectsMaxAttempts(t *testing.T) {
	policy := RetryPolicyWithMaxAttempts(3)

	assert.True(t, policy.ShouldRetry(FailureTransient, 1).Retry)
	assert.True(t, policy.ShouldRetry(FailureTransient, 2).Retry)

	decision := policy.ShouldRetry(FailureTransient, 3)
	assert.False(t, decision.Retry)
	assert.Contains(t, decision.Reason, "exhausted")
}

func TestCalculateDelayExponentialWithCap(t *testing.T) {
	policy := NewRetryPolicy(10, 1*time.Second, 5*time.Second, 2.0)

	d1 := policy.calculateDelay(1)
	assert.GreaterOrEqual(t, d1, 1*time.Second)
	assert.LessOrEqual(t, d1, 1500*time.Millisecond)

	d2 := policy.calculateDelay(2)
	assert.GreaterOrEqual(t, d2, 2*time.Second)
	assert.LessOrEqual(t, d2, 2500*time.Millisecond)

	// 6th attempt would be 32s, capped at 5s.
	d6 := policy.calculateDelay(6)
	assert.GreaterOrEqual(t, d6, 5*time.Second)
	assert.LessOrEqual(t, d6, 5500*time.Millisecond)
}

func TestJitterBoundsAndDistribution(t *testing.T) {
	policy := DefaultRetryPolicy()

	var total time.Duration
	for i := 0; i < 100; i++ {
		j := policy.jitter()
		require.GreaterOrEqual(t, j, time.Duration(0))
		require.LessOrEqual(t, j, 500*time.Millisecond)
		total += j
	}
	mean := total / 100
	assert.GreaterOrEqual(t, mean, 150*time.Millisecond, "jitter mean %v below expected band", mean)
	assert.LessOrEqual(t, mean, 350*time.Millisecond, "jitter mean %v above expected band", mean)
}

func TestClassifyHTTPStatuses(t *testing.T) {
	cases := map[int]FailureType{
		400: FailurePermanent,
		401: FailureNeedsAuth,
		403: FailureNeedsAuth,
		404: FailurePermanent,
		407: FailureNeedsAuth,
		408: FailureTransient,
		410: FailurePermanent,
		418: FailurePermanent,
		429: FailureRateLimited,
		451: FailurePermanent,
		500: FailureTransient,
		502: FailureTransient,
		503: FailureTransient,
		504: FailureTransient,
		599: FailureTransient,
	}
	for status, want := range cases {
		err := &HTTPStatusError{URL: "http://example.com", Status: status}
		assert.Equal(t, want, ClassifyError(err), "status %d", status)
	}
}

func TestClassifyNonHTTPErrors(t *testing.T) {
	assert.Equal(t, FailureTransient, ClassifyError(&TimeoutError{URL: "http://example.com"}))
	assert.Equal(t, FailurePermanent, ClassifyError(&IOError{Path: "/tmp/x", Err: errors.New("denied")}))
	assert.Equal(t, FailurePermanent, ClassifyError(&InvalidURLError{URL: "not-a-url"}))
	assert.Equal(t, FailureNeedsAuth, ClassifyError(&AuthRequiredError{URL: "u", Status: 403, Domain: "example.com"}))

	assert.Equal(t, FailureTransient,
		ClassifyError(&NetworkError{URL: "u", Err: errors.New("connection refused")}))
	assert.Equal(t, FailurePermanent,
		ClassifyError(&NetworkError{URL: "u", Err: errors.New("tls: handshake failure")}),
		"TLS errors are permanent")
	assert.Equal(t, FailurePermanent,
		ClassifyError(&NetworkError{URL: "u", Err: errors.New("x509: certificate signed by unknown authority")}))
}

func TestClassifyErrorType(t *testing.T) {
	assert.Equal(t, queue.ErrorTypeAuth, ClassifyErrorType(&AuthRequiredError{Status: 401}))
	assert.Equal(t, queue.ErrorTypeAuth, ClassifyErrorType(&HTTPStatusError{Status: 407}))
	assert.Equal(t, queue.ErrorTypeNotFound, ClassifyErrorType(&HTTPStatusError{Status: 404}))
	assert.Equal(t, queue.ErrorTypeNetwork, ClassifyErrorType(&HTTPStatusError{Status: 500}))
	assert.Equal(t, queue.ErrorTypeNetwork, ClassifyErrorType(&TimeoutError{}))
	assert.Equal(t, queue.ErrorTypeParse, ClassifyErrorType(&InvalidURLError{URL: "bad"}))
	assert.Equal(t, queue.ErrorTypeNetwork, ClassifyErrorType(&IOError{Path: "/x", Err: errors.New("disk full")}))
}

func TestBuildActionableErrorMessage(t *testing.T) {
	err := &HTTPStatusError{URL: "https://example.com/missing.pdf", Status: 404}
	message := BuildActionableErrorMessage(err, queue.ErrorTypeNotFound)
	assert.Contains(t, message, "Suggestion:")
	assert.Contains(t, message, "Verify the source")

	// An existing Suggestion: line is not duplicated.
	wrapped := fmt.Errorf("something broke\n  Suggestion: do the thing")
	message = BuildActionableErrorMessage(wrapped, queue.ErrorTypeNetwork)
	assert.Equal(t, 1, countOccurrences(message, "Suggestion:"))
}

func countOccurrences(s, sub string) int {
	count := 0
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			count++
		}
	}
	return count
}

func TestRateLimiterSpacingSameDomain(t *testing.T) {
	limiter := NewRateLimiter(100 * time.Millisecond)

	start := time.Now()
	limiter.Acquire("https://example.com/a.pdf")
	firstElapsed := time.Since(start)
	assert.Less(t, firstElapsed, 50*time.Millisecond, "first request proceeds immediately")

	limiter.Acquire("https://example.com/b.pdf")
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 90*time.Millisecond, "second request to same domain waits")
}

func TestRateLimiterDistinctDomainsNotSerialized(t *testing.T) {
	limiter := NewRateLimiter(200 * time.Millisecond)

	limiter.Acquire("https://one.example/a.pdf")
	start := time.Now()
	limiter.Acquire("https://two.example/a.pdf")
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := DisabledRateLimiter()
	require.True(t, limiter.IsDisabled())

	start := time.Now()
	limiter.Acquire("https://example.com/a.pdf")
	limiter.Acquire("https://example.com/b.pdf")
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestRateLimiterRecordRateLimitOverridesNextAcquire(t *testing.T) {
	limiter := NewRateLimiter(10 * time.Millisecond)

	limiter.Acquire("https://example.com/a.pdf")
	limiter.RecordRateLimit("https://example.com/a.pdf", 200*time.Millisecond)

	start := time.Now()
	limiter.Acquire("https://example.com/b.pdf")
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond,
		"next acquire observes the server-mandated delay")
}

func TestRateLimiterUnknownDomainStillLimited(t *testing.T) {
	limiter := NewRateLimiter(80 * time.Millisecond)

	start := time.Now()
	limiter.Acquire("not a url")
	limiter.Acquire("://also-bad")
	assert.GreaterOrEqual(t, time.Since(start), 70*time.Millisecond,
		"unparsable URLs share the unknown sentinel domain")
}

func TestRateLimiterConcurrentSameDomainSerializes(t *testing.T) {
	limiter := NewRateLimiter(50 * time.Millisecond)

	const callers = 4
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			limiter.Acquire("https://example.com/x.pdf")
		}()
	}
	wg.Wait()

	// 4 acquires at 50ms spacing: at least 3 gaps.
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestExtractDomain(t *testing.T) {
	assert.Equal(t, "example.com", ExtractDomain("https://example.com/path"))
	assert.Equal(t, "example.com", ExtractDomain("http://Example.COM/Path"))
	assert.Equal(t, "192.168.1.1", ExtractDomain("https://192.168.1.1/file"))
	assert.Equal(t, "localhost", ExtractDomain("https://localhost:8080/x"))
	assert.Equal(t, "unknown", ExtractDomain("not a url"))
}

func TestParseRetryAfter(t *testing.T) {
	d, ok := ParseRetryAfter("120")
	require.True(t, ok)
	assert.Equal(t, 120*time.Second, d)

	d, ok = ParseRetryAfter("0")
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	// Excessive values cap at one hour.
	d, ok = ParseRetryAfter("7200")
	require.True(t, ok)
	assert.Equal(t, time.Hour, d)

	// Negative values reject.
	_, ok = ParseRetryAfter("-5")
	assert.False(t, ok)

	// Unparseable values reject.
	_, ok = ParseRetryAfter("invalid")
	assert.False(t, ok)

	// Past HTTP-date yields zero.
	past := time.Now().Add(-time.Hour).UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	d, ok = ParseRetryAfter(past)
	require.True(t, ok)
	assert.Equal(t, time.Duration(0), d)

	// Future HTTP-date yields the remaining duration.
	future := time.Now().Add(10 * time.Minute).UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
	d, ok = ParseRetryAfter(future)
	require.True(t, ok)
	assert.Greater(t, d, 9*time.Minute)
	assert.LessOrEqual(t, d, 10*time.Minute)
}
