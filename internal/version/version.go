// Package version holds the tool version and the shared User-Agent strings.
package version

import "fmt"

// Version is the tool version baked into the identity User-Agent.
const Version = "0.3.0"

// RepoURL identifies the project in the User-Agent per bot etiquette.
const RepoURL = "https://github.com/refsmith/downloader"

// UserAgent is the single project-wide identity UA. Sites that fingerprint
// must not see varying UAs for the same run.
func UserAgent() string {
	return fmt.Sprintf("downloader/%s (research-tool; +%s)", Version, RepoURL)
}

// BrowserUserAgent is the one-shot fallback UA used only after a polite
// attempt was rejected with 403.
const BrowserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
