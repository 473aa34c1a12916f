// Package sidecar writes machine-readable JSON-LD metadata files alongside
// downloaded documents using the Schema.org/ScholarlyArticle vocabulary.
package sidecar

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/refsmith/downloader/internal/queue"
)

// ScholarlyArticle is the JSON-LD document root.
type ScholarlyArticle struct {
	Context       string         `json:"@context"`
	Type          string         `json:"@type"`
	Name          string         `json:"name,omitempty"`
	Author        []Author       `json:"author,omitempty"`
	DatePublished string         `json:"datePublished,omitempty"`
	Identifier    *DOIIdentifier `json:"identifier,omitempty"`
	URL           string         `json:"url,omitempty"`
	Keywords      []string       `json:"keywords,omitempty"`
}

// Author is a single author entry.
type Author struct {
	Type string `json:"@type"`
	Name string `json:"name"`
}

// DOIIdentifier expresses the DOI as a Schema.org PropertyValue.
type DOIIdentifier struct {
	Type       string `json:"@type"`
	PropertyID string `json:"propertyID"`
	Value      string `json:"value"`
}

// Generate writes the sidecar for a completed item. Returns the sidecar
// path, or "" when skipped: no saved path, missing downloaded file, or a
// sidecar already on disk (idempotent by design; existing sidecars are
// never overwritten).
func Generate(item *queue.Item) (string, error) {
	if item.SavedPath == nil || *item.SavedPath == "" {
		slog.Debug("no saved_path, skipping sidecar generation", "item_id", item.ID)
		return "", nil
	}

	savedPath := *item.SavedPath
	if _, err := os.Stat(savedPath); err != nil {
		slog.Debug("downloaded file missing, skipping sidecar generation", "path", savedPath)
		return "", nil
	}
	sidecarPath := derivePath(savedPath)

	article := buildArticle(item)

	file, err := os.OpenFile(sidecarPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			slog.Debug("sidecar already exists, skipping", "path", sidecarPath)
			return "", nil
		}
		return "", err
	}

	encoder := json.NewEncoder(file)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	encodeErr := encoder.Encode(article)
	closeErr := file.Close()
	if encodeErr == nil {
		encodeErr = closeErr
	}
	if encodeErr != nil {
		// Remove the partial file so it does not block retries.
		_ = os.Remove(sidecarPath)
		return "", encodeErr
	}

	slog.Debug("sidecar created", "path", sidecarPath)
	return sidecarPath, nil
}

// derivePath swaps the downloaded file's extension for .json:
// paper.pdf -> paper.json, no_extension -> no_extension.json.
func derivePath(downloadedPath string) string {
	ext := filepath.Ext(downloadedPath)
	if ext == "" {
		return downloadedPath + ".json"
	}
	return strings.TrimSuffix(downloadedPath, ext) + ".json"
}

func buildArticle(item *queue.Item) ScholarlyArticle {
	article := ScholarlyArticle{
		Context: "https://schema.org",
		Type:    "ScholarlyArticle",
		URL:     item.URL,
	}

	if item.MetaTitle != nil {
		article.Name = *item.MetaTitle
	}
	if item.MetaAuthors != nil {
		for _, name := range parseAuthors(*item.MetaAuthors) {
			article.Author = append(article.Author, Author{Type: "Person", Name: name})
		}
	}
	if item.MetaYear != nil {
		article.DatePublished = *item.MetaYear
	}
	if item.MetaDOI != nil && *item.MetaDOI != "" {
		article.Identifier = &DOIIdentifier{
			Type:       "PropertyValue",
			PropertyID: "DOI",
			Value:      *item.MetaDOI,
		}
	}
	article.Keywords = item.ParseTopics()

	return article
}

// parseAuthors splits an authors string on the separators resolvers emit:
// "; " from the metadata contract, " and " otherwise.
func parseAuthors(authors string) []string {
	var parts []string
	if strings.Contains(authors, ";") {
		parts = strings.Split(authors, ";")
	} else {
		parts = strings.Split(authors, " and ")
	}

	var out []string
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}
