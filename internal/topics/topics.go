// Package topics extracts topic keywords from resolved title metadata,
// optionally constrained to a user-supplied custom topic list.
package topics

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
)

// maxTopics bounds how many topics a single item carries.
const maxTopics = 5

// stopwords are skipped during keyword extraction.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "in": true, "into": true,
	"is": true, "its": true, "of": true, "on": true, "or": true, "over": true,
	"the": true, "to": true, "toward": true, "towards": true, "under": true,
	"using": true, "via": true, "with": true, "without": true,
}

// Extractor derives topic keywords from title/abstract metadata.
type Extractor struct{}

// NewExtractor creates a keyword extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// ExtractFromMetadata pulls candidate keywords from a title and optional
// abstract: lowercase alphabetic tokens of 4+ characters, stopwords
// removed, ranked by frequency then first appearance.
func (e *Extractor) ExtractFromMetadata(title, abstract string) []string {
	text := title
	if abstract != "" {
		text += " " + abstract
	}

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	order := 0

	for _, token := range strings.Fields(strings.ToLower(text)) {
		word := strings.Trim(token, ".,;:!?()[]{}\"'")
		if len(word) < 4 || stopwords[word] || !isAlphaWord(word) {
			continue
		}
		if _, seen := counts[word]; !seen {
			firstSeen[word] = order
			order++
		}
		counts[word]++
	}

	keywords := make([]string, 0, len(counts))
	for word := range counts {
		keywords = append(keywords, word)
	}
	sort.Slice(keywords, func(i, j int) bool {
		if counts[keywords[i]] != counts[keywords[j]] {
			return counts[keywords[i]] > counts[keywords[j]]
		}
		return firstSeen[keywords[i]] < firstSeen[keywords[j]]
	})

	if len(keywords) > maxTopics {
		keywords = keywords[:maxTopics]
	}
	return keywords
}

func isAlphaWord(word string) bool {
	for _, r := range word {
		if (r < 'a' || r > 'z') && r != '-' {
			return false
		}
	}
	return word != ""
}

// Normalize deduplicates and lowercases raw keywords, preserving order.
func Normalize(raw []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, keyword := range raw {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" || seen[normalized] {
			continue
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	if len(out) > maxTopics {
		out = out[:maxTopics]
	}
	return out
}

// MatchCustom keeps only custom topics that one of the raw keywords
// matches (substring either way against any word of the topic,
// case-insensitive), emitting the custom topic's spelling.
func MatchCustom(raw, custom []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, topic := range custom {
		topicWords := strings.Fields(strings.ToLower(topic))
		matched := false
		for _, keyword := range raw {
			keywordLower := strings.ToLower(strings.TrimSpace(keyword))
			if keywordLower == "" {
				continue
			}
			for _, word := range topicWords {
				if strings.Contains(keywordLower, word) || strings.Contains(word, keywordLower) {
					matched = true
					break
				}
			}
			if matched {
				break
			}
		}
		if matched && !seen[topic] {
			seen[topic] = true
			out = append(out, topic)
		}
	}
	return out
}

// LoadCustomTopics reads a newline-delimited topics file, skipping blanks
// and # comments.
func LoadCustomTopics(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topics file: %w", err)
	}
	defer file.Close()

	var topics []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		topics = append(topics, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read topics file: %w", err)
	}
	return topics, nil
}
