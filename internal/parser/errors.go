package parser

import "fmt"

// MaxURLLength is the longest URL accepted (standard browser limit).
const MaxURLLength = 2000

// InvalidURLError reports a URL that failed validation.
type InvalidURLError struct {
	URL        string
	Reason     string
	Suggestion string
}

func (e *InvalidURLError) Error() string {
	return fmt.Sprintf("invalid URL '%s': %s\n  Suggestion: %s", e.URL, e.Reason, e.Suggestion)
}

// URLTooLongError reports a URL exceeding MaxURLLength.
type URLTooLongError struct {
	URLPreview string
	Length     int
}

func (e *URLTooLongError) Error() string {
	return fmt.Sprintf(
		"URL too long (%d chars, max %d): %s...\n  Suggestion: Use a URL shortener or check for extraneous content",
		e.Length, MaxURLLength, e.URLPreview)
}

// InvalidDOIError reports a DOI candidate that failed validation.
type InvalidDOIError struct {
	DOI    string
	Reason string
}

func (e *InvalidDOIError) Error() string {
	return fmt.Sprintf("invalid DOI '%s': %s\n  Suggestion: DOIs look like 10.1234/suffix", e.DOI, e.Reason)
}

func errUnsupportedScheme(url, scheme string) error {
	return &InvalidURLError{
		URL:        url,
		Reason:     fmt.Sprintf("scheme '%s' is not supported", scheme),
		Suggestion: "Use http:// or https:// URLs",
	}
}

func errMalformedURL(url, reason string) error {
	return &InvalidURLError{
		URL:        url,
		Reason:     reason,
		Suggestion: "Check the URL format and try again",
	}
}

func errNoHost(url string) error {
	return &InvalidURLError{
		URL:        url,
		Reason:     "URL has no host",
		Suggestion: "Ensure the URL includes a domain (e.g., example.com)",
	}
}

func errTooLong(url string) error {
	preview := url
	if len(preview) > 50 {
		preview = preview[:50]
	}
	return &URLTooLongError{URLPreview: preview, Length: len(url)}
}
