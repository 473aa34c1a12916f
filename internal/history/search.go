package history

import (
	"os"
	"sort"
	"strings"

	"github.com/agnivade/levenshtein"

	"github.com/refsmith/downloader/internal/queue"
)

// Candidate couples a history row with its resolved absolute file path.
type Candidate struct {
	Row      queue.SearchCandidate
	FilePath string
}

// SearchResult is a ranked candidate with the field that matched.
type SearchResult struct {
	Candidate Candidate
	// Score is the best per-field score; higher ranks first.
	Score int
	// Match names the matching field: title, authors, or doi.
	Match string
}

// Scoring tiers: exact substring beats normalized substring beats
// edit-distance similarity.
const (
	scoreExactSubstring      = 100
	scoreNormalizedSubstring = 80
	scoreEditDistanceCeiling = 60
	editSimilarityFloor      = 0.6
)

// RankCandidates scores openable candidates against the query by fuzzy
// match over title/authors/DOI and returns them best-first. Candidates
// whose file no longer exists on disk are dropped; ties break by recency.
func RankCandidates(query string, candidates []Candidate) []SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	normalizedQuery := normalizeForSearch(query)

	var results []SearchResult
	for _, candidate := range candidates {
		if !isOpenable(candidate.FilePath) {
			continue
		}

		best := 0
		matchField := ""
		for _, field := range []struct {
			name  string
			value *string
		}{
			{"title", candidate.Row.Title},
			{"authors", candidate.Row.Authors},
			{"doi", candidate.Row.DOI},
		} {
			if field.value == nil || *field.value == "" {
				continue
			}
			if score := scoreField(query, normalizedQuery, *field.value); score > best {
				best = score
				matchField = field.name
			}
		}

		if best > 0 {
			results = append(results, SearchResult{Candidate: candidate, Score: best, Match: matchField})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Candidate.Row.StartedAt != results[j].Candidate.Row.StartedAt {
			return results[i].Candidate.Row.StartedAt > results[j].Candidate.Row.StartedAt
		}
		return results[i].Candidate.Row.ID > results[j].Candidate.Row.ID
	})

	return results
}

func scoreField(query, normalizedQuery, value string) int {
	if containsFold(value, query) {
		return scoreExactSubstring
	}

	normalizedValue := normalizeForSearch(value)
	if normalizedQuery != "" && strings.Contains(normalizedValue, normalizedQuery) {
		return scoreNormalizedSubstring
	}

	// Edit-distance tier: compare against the whole normalized field and
	// against each word, keeping the best similarity.
	best := editSimilarity(normalizedQuery, normalizedValue)
	for _, word := range strings.Fields(normalizedValue) {
		if sim := editSimilarity(normalizedQuery, word); sim > best {
			best = sim
		}
	}
	if best >= editSimilarityFloor {
		return int(float64(scoreEditDistanceCeiling) * best)
	}
	return 0
}

func editSimilarity(a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	distance := levenshtein.ComputeDistance(a, b)
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 0
	}
	return 1 - float64(distance)/float64(longest)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}

// normalizeForSearch lowercases and strips everything but letters, digits,
// and single spaces.
func normalizeForSearch(s string) string {
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastSpace = false
		default:
			if !lastSpace {
				b.WriteByte(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}

func isOpenable(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
