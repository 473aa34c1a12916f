package parser

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	numberedPrefixPattern = regexp.MustCompile(`^\s*(?:\[\d{1,3}\]|\d{1,3}[.)])\s*(.+)$`)
	bibYearPattern        = regexp.MustCompile(`\b(?:18|19|20)\d{2}\b`)
	authorStartPattern    = regexp.MustCompile(`^\p{Lu}[\p{L}'` + "`" + `\-]+,\s*(?:\p{Lu}\.|\p{Lu}[\p{L}]+)`)
	yearStartPattern      = regexp.MustCompile(`^\(?\d{4}\)?\b`)
)

var bibliographyHeadings = map[string]bool{
	"references":      true,
	"bibliography":    true,
	"works cited":     true,
	"literature":      true,
	"sources":         true,
	"further reading": true,
	"cited works":     true,
	"reference list":  true,
}

// BibliographyParseResult is the outcome of bibliography parsing.
type BibliographyParseResult struct {
	// Parsed are entries promoted to reference items.
	Parsed []ParsedItem
	// Uncertain are reference-like entries that could not be confidently
	// parsed.
	Uncertain []string
	// TotalFound counts all reference candidates.
	TotalFound int
}

// ExtractBibliographyEntries splits input into bibliography entry candidates.
// Contiguous non-blank lines form a block; blocks split into entries on
// numbered prefixes or on sentence-end followed by an author/year start.
func ExtractBibliographyEntries(input string) []string {
	var blocks [][]string
	var current []string

	for _, line := range strings.Split(input, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			if len(current) > 0 {
				blocks = append(blocks, current)
				current = nil
			}
			continue
		}
		current = append(current, trimmed)
	}
	if len(current) > 0 {
		blocks = append(blocks, current)
	}

	var entries []string
	for _, block := range blocks {
		for _, entry := range segmentBlockEntries(block) {
			if isReferenceLikeEntry(entry) {
				entries = append(entries, entry)
			}
		}
	}
	return entries
}

// ParseBibliography segments candidate entries and runs reference-metadata
// extraction on each, splitting them into parsed and uncertain sets.
func ParseBibliography(input string) BibliographyParseResult {
	var result BibliographyParseResult

	for _, entry := range ExtractBibliographyEntries(input) {
		metadata := ParseReferenceMetadata(entry)
		if metadata.Confidence != ConfidenceLow || len(metadata.Authors) > 0 || metadata.Year != 0 {
			result.Parsed = append(result.Parsed, NewReferenceItem(entry, entry))
		} else {
			result.Uncertain = append(result.Uncertain, "unparseable reference-like entry: "+entry)
		}
	}

	result.TotalFound = len(result.Parsed) + len(result.Uncertain)
	return result
}

func segmentBlockEntries(blockLines []string) []string {
	var entries []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			entries = append(entries, s)
		}
		current.Reset()
	}

	for _, line := range blockLines {
		if shouldIgnoreBibliographyLine(line) {
			continue
		}

		startsNumbered, content := stripNumberedPrefix(line)
		if content == "" {
			continue
		}

		if startsNumbered {
			flush()
			current.WriteString(content)
			continue
		}

		if current.Len() == 0 {
			current.WriteString(content)
			continue
		}

		if shouldStartNewEntry(current.String(), content) {
			flush()
			current.WriteString(content)
			continue
		}

		current.WriteByte(' ')
		current.WriteString(content)
	}

	flush()
	return entries
}

func stripNumberedPrefix(line string) (bool, string) {
	if m := numberedPrefixPattern.FindStringSubmatch(line); m != nil {
		return true, strings.TrimSpace(m[1])
	}
	return false, strings.TrimSpace(line)
}

func shouldIgnoreBibliographyLine(line string) bool {
	normalized := strings.ToLower(strings.TrimSpace(strings.TrimRight(strings.TrimSpace(line), ":")))
	if bibliographyHeadings[normalized] {
		return true
	}

	for _, r := range line {
		if !unicode.IsPunct(r) && !unicode.IsSymbol(r) && !unicode.IsSpace(r) {
			return false
		}
	}
	return true
}

// isReferenceLikeEntry filters candidates down to text with citation
// structure: length plus a year/author/keyword/punctuation combination.
func isReferenceLikeEntry(entry string) bool {
	if len(entry) < 20 {
		return false
	}

	lower := strings.ToLower(entry)
	hasYear := bibYearPattern.MatchString(entry)
	commaCount := strings.Count(entry, ",")
	periodCount := strings.Count(entry, ".")
	hasAuthorStart := authorStartPattern.MatchString(entry)
	hasKeyword := strings.Contains(lower, "et al.") ||
		strings.Contains(lower, "journal") ||
		strings.Contains(lower, "vol.") ||
		strings.Contains(lower, "pp.")

	if hasYear && (hasAuthorStart || commaCount >= 2 || hasKeyword || periodCount >= 2) {
		return true
	}
	if commaCount >= 3 {
		return true
	}
	return hasKeyword && (hasAuthorStart || commaCount >= 2 || periodCount >= 2)
}

func shouldStartNewEntry(current, nextLine string) bool {
	startsLikeNew := authorStartPattern.MatchString(nextLine) || yearStartPattern.MatchString(nextLine)
	endsSentence := strings.HasSuffix(strings.TrimRight(current, " \t"), ".")
	return startsLikeNew && endsSentence
}
