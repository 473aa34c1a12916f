package download

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

const maxTitleFilenameLen = 60

// BuildPreferredFilename derives a download filename from resolver metadata
// before the download starts: Author_Year_Title with the URL's extension
// when metadata exists, otherwise host-lastsegment from the URL itself.
func BuildPreferredFilename(rawURL string, metadata map[string]string) string {
	ext := urlExtension(rawURL)

	title := strings.TrimSpace(metadata["title"])
	if title != "" {
		var parts []string
		if author := firstAuthorFamily(metadata["authors"]); author != "" {
			parts = append(parts, author)
		}
		if year := strings.TrimSpace(metadata["year"]); year != "" {
			parts = append(parts, year)
		}
		if len(title) > maxTitleFilenameLen {
			title = title[:maxTitleFilenameLen]
		}
		parts = append(parts, title)
		name := strings.Join(parts, "_")
		name = strings.ReplaceAll(name, " ", "_")
		return SanitizeFilename(name) + ext
	}

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return fmt.Sprintf("download%s", ext)
	}

	segment := path.Base(parsed.Path)
	if segment == "." || segment == "/" || segment == "" {
		segment = "download" + ext
	}
	if decoded, decErr := url.QueryUnescape(segment); decErr == nil {
		segment = decoded
	}
	return SanitizeFilename(strings.ToLower(parsed.Hostname()) + "-" + segment)
}

// firstAuthorFamily takes the family name of the first listed author from
// the "family, given; family, given" metadata format.
func firstAuthorFamily(authors string) string {
	authors = strings.TrimSpace(authors)
	if authors == "" {
		return ""
	}
	first := authors
	if idx := strings.IndexByte(first, ';'); idx >= 0 {
		first = first[:idx]
	}
	if idx := strings.IndexByte(first, ','); idx >= 0 {
		first = first[:idx]
	}
	return strings.TrimSpace(first)
}

func urlExtension(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ".pdf"
	}
	ext := path.Ext(parsed.Path)
	if ext == "" || len(ext) > 6 {
		return ".pdf"
	}
	return ext
}
