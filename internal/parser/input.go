// Package parser extracts downloadable items (URLs, DOIs, references,
// BibTeX entries) from raw text input.
package parser

import "fmt"

// InputType classifies a parsed item.
type InputType int

const (
	// InputTypeURL is a direct HTTP/HTTPS URL.
	InputTypeURL InputType = iota
	// InputTypeDOI is a DOI identifier.
	InputTypeDOI
	// InputTypeReference is a free-form bibliographic reference string.
	InputTypeReference
	// InputTypeBibTex is a BibTeX entry.
	InputTypeBibTex
	// InputTypeUnknown is an undetermined input.
	InputTypeUnknown
)

func (t InputType) String() string {
	switch t {
	case InputTypeURL:
		return "URL"
	case InputTypeDOI:
		return "DOI"
	case InputTypeReference:
		return "Reference"
	case InputTypeBibTex:
		return "BibTeX"
	default:
		return "Unknown"
	}
}

// QueueSourceType maps the input type onto the queue's source_type column.
func (t InputType) QueueSourceType() string {
	switch t {
	case InputTypeURL:
		return "direct_url"
	case InputTypeDOI:
		return "doi"
	case InputTypeReference:
		return "reference"
	case InputTypeBibTex:
		return "bibtex"
	default:
		return "direct_url"
	}
}

// ParsedItem is a single item extracted from input.
type ParsedItem struct {
	// Raw is the original input text the item was extracted from.
	Raw string
	// Type is the detected input type.
	Type InputType
	// Value is the extracted/normalized value (validated URL, bare DOI,
	// reference text, or BibTeX citation key).
	Value string
}

// NewURLItem builds a URL item.
func NewURLItem(raw, normalized string) ParsedItem {
	return ParsedItem{Raw: raw, Type: InputTypeURL, Value: normalized}
}

// NewDOIItem builds a DOI item.
func NewDOIItem(raw, doi string) ParsedItem {
	return ParsedItem{Raw: raw, Type: InputTypeDOI, Value: doi}
}

// NewReferenceItem builds a reference item. For references raw == value.
func NewReferenceItem(raw, value string) ParsedItem {
	return ParsedItem{Raw: raw, Type: InputTypeReference, Value: value}
}

// NewBibTexItem builds a BibTeX item keyed by the citation key.
func NewBibTexItem(raw, citationKey string) ParsedItem {
	return ParsedItem{Raw: raw, Type: InputTypeBibTex, Value: citationKey}
}

func (p ParsedItem) String() string {
	return fmt.Sprintf("[%s] %s", p.Type, p.Value)
}

// TypeCounts aggregates parsed items per type.
type TypeCounts struct {
	URLs       int
	DOIs       int
	References int
	BibTex     int
}

// ParseResult collects parsed items plus skipped diagnostics.
type ParseResult struct {
	// Items are the successfully parsed items in merge order.
	Items []ParsedItem
	// Skipped holds fragments that could not be parsed, for logging.
	Skipped []string
}

// AddItem appends a parsed item.
func (r *ParseResult) AddItem(item ParsedItem) {
	r.Items = append(r.Items, item)
}

// AddSkipped appends a skipped diagnostic line.
func (r *ParseResult) AddSkipped(line string) {
	r.Skipped = append(r.Skipped, line)
}

// IsEmpty reports whether no items were parsed.
func (r *ParseResult) IsEmpty() bool { return len(r.Items) == 0 }

// Len returns the parsed item count.
func (r *ParseResult) Len() int { return len(r.Items) }

// TypeCounts tallies items per input type.
func (r *ParseResult) TypeCounts() TypeCounts {
	var c TypeCounts
	for _, item := range r.Items {
		switch item.Type {
		case InputTypeURL:
			c.URLs++
		case InputTypeDOI:
			c.DOIs++
		case InputTypeReference:
			c.References++
		case InputTypeBibTex:
			c.BibTex++
		}
	}
	return c
}

// URLs returns only the URL items.
func (r *ParseResult) URLs() []ParsedItem { return r.ofType(InputTypeURL) }

// DOIs returns only the DOI items.
func (r *ParseResult) DOIs() []ParsedItem { return r.ofType(InputTypeDOI) }

// References returns only the reference items.
func (r *ParseResult) References() []ParsedItem { return r.ofType(InputTypeReference) }

// BibTex returns only the BibTeX items.
func (r *ParseResult) BibTex() []ParsedItem { return r.ofType(InputTypeBibTex) }

func (r *ParseResult) ofType(t InputType) []ParsedItem {
	var out []ParsedItem
	for _, item := range r.Items {
		if item.Type == t {
			out = append(out, item)
		}
	}
	return out
}

func (r *ParseResult) String() string {
	return fmt.Sprintf("Parsed %d items (%d skipped)", len(r.Items), len(r.Skipped))
}
