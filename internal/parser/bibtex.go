package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	bibtexYearPattern    = regexp.MustCompile(`\b(?:18|19|20)\d{2}\b`)
	bibtexAuthorSplitter = regexp.MustCompile(`(?i)\s+and\s+`)
)

var bibtexSupportedTypes = map[string]bool{"article": true, "book": true, "inproceedings": true}

var bibtexIgnoredTypes = map[string]bool{"comment": true, "preamble": true, "string": true}

// BibtexEntry is a parsed BibTeX entry.
type BibtexEntry struct {
	// EntryType is article, book, or inproceedings.
	EntryType string
	// Key is the citation key after @type{.
	Key string
	// Raw is the original text for this entry.
	Raw string
	// DOI is the normalized bare DOI when the doi field is present.
	DOI string
	// Title is the title field when present.
	Title string
	// Author is the normalized author list when present.
	Author string
	// Year is the 4-digit year when present (0 = absent).
	Year int
}

// BibtexParseResult is the batch outcome for BibTeX parsing.
type BibtexParseResult struct {
	// Entries are the structured parsed entries.
	Entries []BibtexEntry
	// Items are the entries mapped into parser output: a BibTex marker, an
	// optional DOI, and an optional synthesized reference per entry.
	Items []ParsedItem
	// Skipped holds actionable What/Why/Fix messages for malformed or
	// unsupported entries.
	Skipped []string
	// TotalFound counts all @...{...} candidate segments discovered.
	TotalFound int
	// ConsumedSegments are the raw candidate segments consumed from input,
	// including malformed and unsupported ones.
	ConsumedSegments []string
}

// ParseBibtexEntries parses BibTeX entries out of input text.
func ParseBibtexEntries(input string) BibtexParseResult {
	var result BibtexParseResult
	segments := segmentBibtexEntries(input)
	result.TotalFound = len(segments)

	for _, raw := range segments {
		entry, skip, ignore := parseBibtexEntry(raw)
		if ignore {
			continue
		}
		if skip != "" {
			result.Skipped = append(result.Skipped, skip)
			continue
		}

		result.Items = append(result.Items, NewBibTexItem(entry.Raw, entry.Key))
		if entry.DOI != "" {
			result.Items = append(result.Items, NewDOIItem(entry.Raw, entry.DOI))
		}
		if ref := buildReferenceValue(entry); ref != "" {
			result.Items = append(result.Items, NewReferenceItem(entry.Raw, ref))
		}
		result.Entries = append(result.Entries, *entry)
	}
	result.ConsumedSegments = segments

	return result
}

// segmentBibtexEntries scans for @type{...} blocks with brace depth tracked
// outside double-quoted strings (backslash escapes honored). Malformed
// unbalanced entries are recovered by capturing until the next line-start @.
func segmentBibtexEntries(input string) []string {
	var entries []string
	n := len(input)
	i := 0

	for i < n {
		if input[i] != '@' {
			i++
			continue
		}

		j := i + 1
		for j < n && isASCIILetter(input[j]) {
			j++
		}
		for j < n && (input[j] == ' ' || input[j] == '\t' || input[j] == '\r' || input[j] == '\n') {
			j++
		}
		if j >= n || input[j] != '{' {
			i++
			continue
		}

		depth := 0
		inQuotes := false
		escape := false
		end := -1

		for k := j; k < n; k++ {
			c := input[k]
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
			if inQuotes {
				continue
			}
			if c == '{' {
				depth++
				continue
			}
			if c == '}' {
				if depth == 0 {
					break
				}
				depth--
				if depth == 0 {
					end = k
					break
				}
			}
		}

		if end >= 0 {
			entries = append(entries, strings.TrimSpace(input[i:end+1]))
			i = end + 1
			continue
		}

		// Recovery path for unbalanced entries: capture until the next
		// likely entry start (@ at line start), then continue scanning.
		recovery := i + 1
		for recovery < n {
			if input[recovery] == '@' && (input[recovery-1] == '\n' || input[recovery-1] == '\r') {
				break
			}
			recovery++
		}
		if recovery < n {
			entries = append(entries, strings.TrimSpace(input[i:recovery]))
			i = recovery
			continue
		}
		entries = append(entries, strings.TrimSpace(input[i:]))
		break
	}

	return entries
}

func isASCIILetter(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// parseBibtexEntry parses one raw segment. Returns (entry, "", false) on
// success, ("", skipMessage, false) for malformed/unsupported segments, and
// ignore=true for @comment/@preamble/@string blocks.
func parseBibtexEntry(rawEntry string) (*BibtexEntry, string, bool) {
	trimmed := strings.TrimSpace(rawEntry)
	at := strings.IndexByte(trimmed, '@')
	if at < 0 {
		return nil, "What: malformed BibTeX entry. Why: missing '@type{...}' prefix. Fix: start entries with @article{key, ...}.", false
	}
	afterAt := trimmed[at+1:]
	brace := strings.IndexByte(afterAt, '{')
	if brace < 0 {
		return nil, fmt.Sprintf(
			"What: malformed BibTeX entry `%s`. Why: missing opening '{' after entry type. Fix: use `@type{key, field = value}`.",
			bibtexPreview(trimmed)), false
	}

	entryType := strings.ToLower(strings.TrimSpace(afterAt[:brace]))
	if bibtexIgnoredTypes[entryType] {
		return nil, "", true
	}
	if !bibtexSupportedTypes[entryType] {
		return nil, fmt.Sprintf(
			"What: unsupported BibTeX entry type `@%s`. Why: only @article/@book/@inproceedings are supported. Fix: export supported types or use DOI/reference input for this entry.",
			entryType), false
	}

	body := afterAt[brace+1:]
	if !strings.HasSuffix(trimmed, "}") {
		return nil, fmt.Sprintf(
			"What: malformed BibTeX entry `%s`. Why: unbalanced braces (entry never closed). Fix: ensure each '{' has a matching '}'.",
			bibtexPreview(trimmed)), false
	}
	if len(body) > 0 {
		body = body[:len(body)-1]
	}
	keyRaw, fieldsRaw, ok := strings.Cut(body, ",")
	if !ok {
		return nil, fmt.Sprintf(
			"What: malformed BibTeX entry `%s`. Why: missing citation key or field list. Fix: use `@%s{key, field = value}`.",
			bibtexPreview(trimmed), entryType), false
	}

	key := strings.TrimSpace(keyRaw)
	if key == "" {
		return nil, fmt.Sprintf(
			"What: malformed BibTeX entry `%s`. Why: empty citation key. Fix: provide a non-empty key before the first comma.",
			bibtexPreview(trimmed)), false
	}

	fields, err := parseBibtexFields(fieldsRaw)
	if err != nil {
		return nil, fmt.Sprintf(
			"What: malformed BibTeX field assignment in `%s`. Why: %s. Fix: use `field = {value}` or `field = \"value\"` with commas between fields.",
			bibtexPreview(trimmed), err), false
	}

	entry := &BibtexEntry{
		EntryType: entryType,
		Key:       key,
		Raw:       trimmed,
		Title:     fields["title"],
		Author:    normalizeBibtexAuthors(fields["author"]),
	}
	if doiField, ok := fields["doi"]; ok {
		entry.DOI = normalizeBibtexDOIField(doiField)
	}
	if yearField, ok := fields["year"]; ok {
		if m := bibtexYearPattern.FindString(yearField); m != "" {
			entry.Year, _ = strconv.Atoi(m)
		}
	}

	return entry, "", false
}

// parseBibtexFields splits the field list at depth-0 commas (quote- and
// escape-aware) and parses each `name = value` pair. Duplicate fields keep
// the first value per standard BibTeX convention.
func parseBibtexFields(input string) (map[string]string, error) {
	var pairs []string
	var current strings.Builder
	depth := 0
	inQuotes := false
	escape := false

	for i := 0; i < len(input); i++ {
		c := input[i]
		if escape {
			current.WriteByte(c)
			escape = false
			continue
		}
		if c == '\\' {
			current.WriteByte(c)
			escape = true
			continue
		}
		if c == '"' {
			inQuotes = !inQuotes
			current.WriteByte(c)
			continue
		}
		if !inQuotes {
			switch c {
			case '{':
				depth++
			case '}':
				if depth == 0 {
					return nil, fmt.Errorf("closing brace without matching opening brace")
				}
				depth--
			case ',':
				if depth == 0 {
					if segment := strings.TrimSpace(current.String()); segment != "" {
						pairs = append(pairs, segment)
					}
					current.Reset()
					continue
				}
			}
		}
		current.WriteByte(c)
	}

	if inQuotes {
		return nil, fmt.Errorf("unterminated quoted value")
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced braces in field values")
	}
	if tail := strings.TrimSpace(current.String()); tail != "" {
		pairs = append(pairs, tail)
	}

	fields := make(map[string]string)
	for _, pair := range pairs {
		name, valueRaw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("missing '=' in field segment `%s`", pair)
		}
		fieldName := strings.ToLower(strings.TrimSpace(name))
		if fieldName == "" {
			return nil, fmt.Errorf("empty field name")
		}
		value, ok := stripBibtexValue(strings.TrimSpace(valueRaw))
		if !ok {
			return nil, fmt.Errorf("invalid value in field `%s`", fieldName)
		}
		if _, exists := fields[fieldName]; !exists {
			fields[fieldName] = value
		}
	}

	return fields, nil
}

func stripBibtexValue(value string) (string, bool) {
	trimmed := strings.TrimSpace(strings.TrimRight(strings.TrimSpace(value), ","))
	if trimmed == "" {
		return "", false
	}

	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") && len(trimmed) >= 2 {
		return strings.TrimSpace(trimmed[1 : len(trimmed)-1]), true
	}
	if strings.HasPrefix(trimmed, `"`) && strings.HasSuffix(trimmed, `"`) && len(trimmed) >= 2 {
		inner := trimmed[1 : len(trimmed)-1]
		return strings.TrimSpace(strings.ReplaceAll(inner, `\"`, `"`)), true
	}

	return trimmed, true
}

func normalizeBibtexDOIField(value string) string {
	for _, r := range ExtractDOIs(value) {
		if r.Err == nil {
			return r.Item.Value
		}
	}
	return ""
}

func normalizeBibtexAuthors(value string) string {
	if value == "" {
		return ""
	}
	var parts []string
	for _, segment := range bibtexAuthorSplitter.Split(value, -1) {
		if s := strings.TrimSpace(segment); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// buildReferenceValue synthesizes "Author (Year) Title." from entry fields.
func buildReferenceValue(entry *BibtexEntry) string {
	var parts []string
	if entry.Author != "" {
		parts = append(parts, entry.Author)
	}
	if entry.Year != 0 {
		parts = append(parts, fmt.Sprintf("(%d)", entry.Year))
	}
	if entry.Title != "" {
		if strings.HasSuffix(entry.Title, ".") {
			parts = append(parts, entry.Title)
		} else {
			parts = append(parts, entry.Title+".")
		}
	}
	return strings.Join(parts, " ")
}

func bibtexPreview(input string) string {
	const max = 80
	runes := []rune(input)
	if len(runes) <= max {
		return input
	}
	return string(runes[:max]) + "..."
}
