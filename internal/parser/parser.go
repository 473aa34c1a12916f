package parser

import (
	"errors"
	"log/slog"
	"strings"
)

// ParseInput is the main parser entry point. It extracts DOIs first, then
// URLs, then builds a residual of the input with matched fragments removed
// and parses BibTeX entries and bibliography references out of it.
//
// The merge order is a deterministic contract:
//  1. DOI extractor results (deduplicated by normalized value)
//  2. URL extractor results (doi.org URLs discarded; DOIs already won)
//  3. bibliography references from the residual
//  4. BibTeX items from the residual (per-entry: marker, DOI, reference;
//     BibTeX DOIs deduplicate against phase-1 DOIs)
//
// The parser never aborts: malformed fragments land in Skipped.
func ParseInput(input string) *ParseResult {
	result := &ParseResult{}

	if strings.TrimSpace(input) == "" {
		return result
	}

	seenDOIs := make(map[string]bool)
	for _, doiResult := range ExtractDOIs(input) {
		if doiResult.Err != nil {
			var invalidDOI *InvalidDOIError
			if errors.As(doiResult.Err, &invalidDOI) {
				result.AddSkipped(invalidDOI.DOI)
			}
			continue
		}
		if seenDOIs[doiResult.Item.Value] {
			continue
		}
		seenDOIs[doiResult.Item.Value] = true
		result.AddItem(doiResult.Item)
	}

	for _, urlResult := range ExtractURLs(input) {
		if urlResult.Err != nil {
			var invalidURL *InvalidURLError
			var tooLong *URLTooLongError
			switch {
			case errors.As(urlResult.Err, &invalidURL):
				result.AddSkipped(invalidURL.URL)
			case errors.As(urlResult.Err, &tooLong):
				result.AddSkipped(tooLong.URLPreview)
			}
			continue
		}
		// DOIs win over doi.org URLs.
		if isDOIHostURL(urlResult.Item.Value) {
			continue
		}
		result.AddItem(urlResult.Item)
	}

	residual := buildResidualInput(input)
	if hasNonBlankLine(residual) {
		processResidualContent(result, residual, seenDOIs)
	}

	counts := result.TypeCounts()
	slog.Debug("parsing complete",
		"urls", counts.URLs,
		"dois", counts.DOIs,
		"references", counts.References,
		"bibtex", counts.BibTex,
		"total", result.Len(),
		"skipped", len(result.Skipped))

	return result
}

func hasNonBlankLine(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			return true
		}
	}
	return false
}

// processResidualContent consumes BibTeX segments out of the residual first,
// then parses the remainder as bibliography references.
func processResidualContent(result *ParseResult, residual string, seenDOIs map[string]bool) {
	bibtexResult := ParseBibtexEntries(residual)

	residualForBibliography := residual
	for _, segment := range bibtexResult.ConsumedSegments {
		residualForBibliography = strings.Replace(residualForBibliography, segment, " ", 1)
	}

	bibliographyResult := ParseBibliography(residualForBibliography)
	for _, item := range bibliographyResult.Parsed {
		result.AddItem(item)
	}
	for _, uncertain := range bibliographyResult.Uncertain {
		result.AddSkipped(uncertain)
	}

	for _, item := range bibtexResult.Items {
		if item.Type == InputTypeDOI {
			if seenDOIs[item.Value] {
				continue
			}
			seenDOIs[item.Value] = true
		}
		result.AddItem(item)
	}

	for _, message := range bibtexResult.Skipped {
		result.AddSkipped(message)
	}
}

// buildResidualInput removes matched URL/DOI substrings line by line while
// passing BibTeX blocks through untouched, preserving the original newline
// structure.
func buildResidualInput(input string) string {
	var residualLines []string
	inBibtexBlock := false
	braceDepth := 0

	for _, rawLine := range strings.Split(input, "\n") {
		line := strings.TrimSpace(rawLine)
		if line == "" {
			residualLines = append(residualLines, "")
			continue
		}

		if inBibtexBlock {
			residualLines = append(residualLines, line)
			braceDepth += bibtexBraceDelta(line)
			if braceDepth <= 0 {
				inBibtexBlock = false
				braceDepth = 0
			}
			continue
		}

		if looksLikeBibtexLine(line) {
			inBibtexBlock = true
			braceDepth = bibtexBraceDelta(line)
			residualLines = append(residualLines, line)
			if braceDepth <= 0 {
				inBibtexBlock = false
				braceDepth = 0
			}
			continue
		}

		residualLines = append(residualLines, strings.TrimSpace(stripMatchedFragments(line)))
	}

	return strings.Join(residualLines, "\n")
}

// bibtexBraceDelta counts braces outside quoted strings, consistent with the
// quote-aware balancing in segmentBibtexEntries.
func bibtexBraceDelta(line string) int {
	delta := 0
	inQuotes := false
	escape := false

	for i := 0; i < len(line); i++ {
		c := line[i]
		if escape {
			escape = false
			continue
		}
		if c == '\\' {
			escape = true
			continue
		}
		if c == '"' {
			inQuotes = !inQuotes
			continue
		}
		if !inQuotes {
			if c == '{' {
				delta++
			} else if c == '}' {
				delta--
			}
		}
	}

	return delta
}

// stripMatchedFragments removes already-extracted DOI and URL substrings
// from a line (first-occurrence replacement).
func stripMatchedFragments(line string) string {
	residual := line

	for _, doiResult := range ExtractDOIs(line) {
		if doiResult.Err == nil && doiResult.Item.Raw != "" {
			residual = strings.Replace(residual, doiResult.Item.Raw, " ", 1)
		}
	}

	for _, urlResult := range ExtractURLs(line) {
		if urlResult.Err != nil || urlResult.Item.Raw == "" {
			continue
		}
		if isDOIHostURL(urlResult.Item.Value) {
			continue
		}
		residual = strings.Replace(residual, urlResult.Item.Raw, " ", 1)
	}

	return residual
}

func looksLikeBibtexLine(line string) bool {
	trimmed := strings.TrimLeft(line, " \t")
	if !strings.HasPrefix(trimmed, "@") {
		return false
	}
	open := strings.IndexByte(trimmed, '{')
	if open < 0 {
		return false
	}
	for i := 1; i < open; i++ {
		if !isASCIILetter(trimmed[i]) {
			return false
		}
	}
	return true
}
