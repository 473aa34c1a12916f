package parser

import (
	"net/url"
	"regexp"
	"strings"
)

// Matches http:// or https:// followed by non-whitespace, non-angle-bracket,
// non-quote chars. Handles URLs embedded in text, HTML, markdown, etc.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"'\]]+`)

// URLResult is one URL candidate extraction outcome.
type URLResult struct {
	Item ParsedItem
	Err  error
}

// ExtractURLs finds all HTTP/HTTPS URLs in the input and validates each one
// individually, so some may succeed while others fail.
func ExtractURLs(input string) []URLResult {
	var results []URLResult

	for _, raw := range urlPattern.FindAllString(input, -1) {
		cleaned := cleanURLTrailing(raw)
		validated, err := validateURL(cleaned)
		if err != nil {
			results = append(results, URLResult{Err: err})
			continue
		}
		results = append(results, URLResult{Item: NewURLItem(raw, validated)})
	}

	return results
}

// cleanURLTrailing strips sentence punctuation and unbalanced closers that
// the regex tends to capture when URLs are embedded in prose.
func cleanURLTrailing(u string) string {
	result := u

	for len(result) > 0 {
		last := result[len(result)-1]
		switch last {
		case '.', ',', ';', ':', '!', '?':
			if last == '.' {
				// Keep the dot when it introduces a 1-5 char alphanumeric
				// extension (likely part of a filename).
				if dot := strings.LastIndexByte(result, '.'); dot >= 0 {
					ext := result[dot+1:]
					if len(ext) >= 1 && len(ext) <= 5 && isAlphanumeric(ext) {
						return result
					}
				}
			}
			result = result[:len(result)-1]
		case ')', ']':
			open := byte('(')
			if last == ']' {
				open = '['
			}
			if strings.Count(result, string(last)) > strings.Count(result, string(open)) {
				result = result[:len(result)-1]
			} else {
				return result
			}
		default:
			return result
		}
	}

	return result
}

func isAlphanumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9') {
			return false
		}
	}
	return s != ""
}

// validateURL checks length, parseability, scheme, and host, returning the
// normalized form.
func validateURL(raw string) (string, error) {
	if len(raw) > MaxURLLength {
		return "", errTooLong(raw)
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", errMalformedURL(raw, err.Error())
	}

	switch parsed.Scheme {
	case "http", "https":
	default:
		return "", errUnsupportedScheme(raw, parsed.Scheme)
	}

	if parsed.Host == "" {
		return "", errNoHost(raw)
	}

	return parsed.String(), nil
}

// isDOIHostURL reports whether the validated URL points at doi.org or
// dx.doi.org. Those are discarded after DOI extraction has already won.
func isDOIHostURL(value string) bool {
	parsed, err := url.Parse(value)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == "doi.org" || host == "dx.doi.org"
}
