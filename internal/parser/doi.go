package parser

import (
	"net/url"
	"regexp"
	"strings"
)

// Bare DOI pattern: 10.XXXX/suffix, including nested registrants like
// 10.1000.10/example. The preceding-character check (rejecting IP-like and
// version-number false positives) is done in code since RE2 has no lookbehind.
var doiPattern = regexp.MustCompile(`10\.\d{4,9}(?:\.\d+)*/[^\s<>"'\]]+`)

// DOI URL pattern: https://doi.org/10.XXXX/suffix or https://dx.doi.org/...
var doiURLPattern = regexp.MustCompile(`https?://(?:dx\.)?doi\.org/(10\.\d{4,9}(?:\.\d+)*/[^\s<>"'\]]+)`)

// DOI: prefixed pattern, case-insensitive.
var doiPrefixPattern = regexp.MustCompile(`(?i)doi:\s*(10\.\d{4,9}(?:\.\d+)*/[^\s<>"'\]]+)`)

// DOIResult is one DOI candidate extraction outcome.
type DOIResult struct {
	Item ParsedItem
	Err  error
}

// ExtractDOIs finds all DOIs in the input in URL, prefixed, and bare form,
// validating and normalizing each. URL form wins over prefixed form which
// wins over bare form when ranges overlap.
func ExtractDOIs(input string) []DOIResult {
	var results []DOIResult
	var seen [][2]int

	for _, idx := range doiURLPattern.FindAllStringSubmatchIndex(input, -1) {
		raw := input[idx[0]:idx[1]]
		doiPart := input[idx[2]:idx[3]]
		seen = append(seen, [2]int{idx[0], idx[1]})
		results = append(results, processDOI(raw, doiPart))
	}

	for _, idx := range doiPrefixPattern.FindAllStringSubmatchIndex(input, -1) {
		if overlaps(seen, idx[0], idx[1]) {
			continue
		}
		raw := input[idx[0]:idx[1]]
		doiPart := input[idx[2]:idx[3]]
		seen = append(seen, [2]int{idx[0], idx[1]})
		results = append(results, processDOI(raw, doiPart))
	}

	for _, idx := range doiPattern.FindAllStringIndex(input, -1) {
		if overlaps(seen, idx[0], idx[1]) {
			continue
		}
		// Reject false positives by checking the preceding byte:
		// IP-like patterns (192.10.1234/24) and version numbers (v10.1234/rc1).
		if idx[0] > 0 {
			prev := input[idx[0]-1]
			if isAlnumByte(prev) || prev == '.' {
				continue
			}
		}
		raw := input[idx[0]:idx[1]]
		seen = append(seen, [2]int{idx[0], idx[1]})
		results = append(results, processDOI(raw, raw))
	}

	return results
}

func overlaps(seen [][2]int, start, end int) bool {
	for _, r := range seen {
		if start < r[1] && end > r[0] {
			return true
		}
	}
	return false
}

func isAlnumByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// processDOI runs a candidate through normalize, clean, validate.
func processDOI(raw, doiPart string) DOIResult {
	normalized := normalizeDOI(doiPart)
	cleaned := cleanURLTrailing(normalized)
	cleaned = cleanDOIClosers(cleaned, ')', '(')
	cleaned = cleanDOIClosers(cleaned, '}', '{')

	validated, err := validateDOI(cleaned)
	if err != nil {
		return DOIResult{Err: err}
	}
	return DOIResult{Item: NewDOIItem(raw, validated)}
}

// normalizeDOI strips URL/text prefixes, URL-decodes, and trims whitespace.
func normalizeDOI(input string) string {
	doi := strings.TrimSpace(input)

	for _, prefix := range []string{
		"https://doi.org/",
		"http://doi.org/",
		"https://dx.doi.org/",
		"http://dx.doi.org/",
	} {
		if rest, ok := strings.CutPrefix(doi, prefix); ok {
			doi = rest
			break
		}
	}

	if len(doi) >= 4 && strings.EqualFold(doi[:4], "doi:") {
		doi = strings.TrimLeft(doi[4:], " \t")
	}

	if decoded, err := url.QueryUnescape(doi); err == nil {
		return strings.TrimSpace(decoded)
	}
	return strings.TrimSpace(doi)
}

// validateDOI enforces the 10. prefix, a registrant whose first segment is
// 4+ digits, and a non-empty suffix.
func validateDOI(doi string) (string, error) {
	if !strings.HasPrefix(doi, "10.") {
		return "", &InvalidDOIError{DOI: doi, Reason: "DOI must start with '10.'"}
	}

	slash := strings.IndexByte(doi, '/')
	if slash < 0 {
		return "", &InvalidDOIError{DOI: doi, Reason: "DOI has no suffix after '/'"}
	}

	registrant := doi[3:slash]
	if registrant == "" {
		return "", &InvalidDOIError{DOI: doi, Reason: "missing registrant code after '10.'"}
	}

	firstSegment := registrant
	if dot := strings.IndexByte(registrant, '.'); dot >= 0 {
		firstSegment = registrant[:dot]
	}
	if len(firstSegment) < 4 || !isDigits(firstSegment) {
		return "", &InvalidDOIError{DOI: doi, Reason: "registrant code must have at least 4 digits"}
	}

	if doi[slash+1:] == "" {
		return "", &InvalidDOIError{DOI: doi, Reason: "DOI has no suffix after '/'"}
	}

	return doi, nil
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

// cleanDOIClosers strips trailing closers from the suffix while unbalanced.
// DOIs can legitimately contain parens (10.1002/(SICI)1097-4636) but are
// often wrapped in parens or braces in surrounding text.
func cleanDOIClosers(doi string, closer, opener byte) string {
	slash := strings.IndexByte(doi, '/')
	if slash < 0 {
		return doi
	}
	for strings.HasSuffix(doi, string(closer)) {
		suffix := doi[slash+1:]
		if strings.Count(suffix, string(closer)) <= strings.Count(suffix, string(opener)) {
			break
		}
		doi = doi[:len(doi)-1]
	}
	return doi
}
