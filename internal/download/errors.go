// Package download provides the HTTP file client, per-domain rate limiter,
// classification-keyed retry policy, and the concurrent download engine.
package download

import (
	"fmt"
	"strings"

	"github.com/refsmith/downloader/internal/queue"
)

// HTTPStatusError is a non-2xx response. RetryAfter carries the raw
// Retry-After header when the server sent one (429 responses in particular).
type HTTPStatusError struct {
	URL        string
	Status     int
	RetryAfter string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d downloading %s", e.Status, e.URL)
}

// AuthRequiredError is a 401/403 response, preferred over HTTPStatusError so
// callers can branch on the browser-UA fallback.
type AuthRequiredError struct {
	URL    string
	Status int
	Domain string
}

func (e *AuthRequiredError) Error() string {
	return fmt.Sprintf("HTTP %d downloading %s: authentication required for %s", e.Status, e.URL, e.Domain)
}

// NetworkError is a transport-level failure (DNS, connection, TLS).
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error downloading %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// TimeoutError is a request that ran out of time.
type TimeoutError struct {
	URL string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout downloading %s", e.URL)
}

// IOError is a local filesystem failure during download.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("IO error writing to %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// InvalidURLError is a malformed download URL.
type InvalidURLError struct {
	URL string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid URL: %s", e.URL)
}

// ExtractHTTPStatus pulls the HTTP status out of a download error, 0 when
// there is none.
func ExtractHTTPStatus(err error) int64 {
	switch e := err.(type) {
	case *HTTPStatusError:
		return int64(e.Status)
	case *AuthRequiredError:
		return int64(e.Status)
	default:
		return 0
	}
}

// ClassifyErrorType maps a download error to the user-facing history
// error_type.
func ClassifyErrorType(err error) queue.ErrorType {
	switch e := err.(type) {
	case *AuthRequiredError:
		return queue.ErrorTypeAuth
	case *HTTPStatusError:
		switch e.Status {
		case 401, 403, 407:
			return queue.ErrorTypeAuth
		case 404, 410:
			return queue.ErrorTypeNotFound
		default:
			return queue.ErrorTypeNetwork
		}
	case *InvalidURLError:
		return queue.ErrorTypeParse
	default:
		return queue.ErrorTypeNetwork
	}
}

// BuildActionableErrorMessage composes the terminal failure message. A
// taxonomy-appropriate suggestion is appended unless the error already
// carries one.
func BuildActionableErrorMessage(err error, errorType queue.ErrorType) string {
	base := err.Error()
	if strings.Contains(base, "Suggestion:") {
		return base
	}

	var suggestion string
	switch errorType {
	case queue.ErrorTypeNetwork:
		suggestion = "Check network connectivity/VPN access, then retry with --max-retries set higher if needed."
	case queue.ErrorTypeAuth:
		suggestion = "Run `downloader auth capture` (or configure proxy credentials for HTTP 407) and retry."
	case queue.ErrorTypeNotFound:
		suggestion = "Verify the source URL/DOI/reference is still valid, then rerun with an updated source."
	case queue.ErrorTypeParse:
		suggestion = "Check input formatting for URL/DOI/reference and rerun with a valid source string."
	}

	return fmt.Sprintf("%s\n  Suggestion: %s", base, suggestion)
}
