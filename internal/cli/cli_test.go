package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/refsmith/downloader/internal/download"
	"github.com/refsmith/downloader/internal/queue"
)

func TestTerminalWidth(t *testing.T) {
	t.Setenv("COLUMNS", "120")
	assert.Equal(t, 120, terminalWidth())

	t.Setenv("COLUMNS", "10")
	assert.Equal(t, 80, terminalWidth(), "widths below 20 fall back to 80")

	t.Setenv("COLUMNS", "")
	assert.Equal(t, 80, terminalWidth())
}

func TestColorDisabledByEnv(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	assert.False(t, colorEnabled())

	t.Setenv("NO_COLOR", "")
	t.Setenv("TERM", "dumb")
	assert.False(t, colorEnabled())
	assert.False(t, spinnersEnabled())
}

func TestTruncateToWidth(t *testing.T) {
	assert.Equal(t, "short", truncateToWidth("short", 80))
	got := truncateToWidth("a very long line that exceeds the width", 20)
	assert.Len(t, got, 20)
	assert.True(t, len(got) <= 20)
	assert.Contains(t, got, "...")
}

func TestSummarizeFailures(t *testing.T) {
	auth := "auth"
	network := "network"
	attempts := []queue.Attempt{
		{URL: "https://ieeexplore.ieee.org/document/1", Status: "failed", ErrorType: &auth},
		{URL: "https://www.sciencedirect.com/science/article/pii/X", Status: "failed", ErrorType: &auth},
		{URL: "https://example.com/x.pdf", Status: "failed", ErrorType: &network},
		{URL: "https://example.com/ok.pdf", Status: "success"},
	}

	summary := summarizeFailures(attempts)
	assert.Contains(t, summary, "network: 1")
	assert.Contains(t, summary, "auth: 2")
	assert.Contains(t, summary, "ieeexplore.ieee.org")
	assert.Contains(t, summary, "www.sciencedirect.com")

	assert.Empty(t, summarizeFailures(nil))
}

func TestExitCodeForCleanRun(t *testing.T) {
	assert.Equal(t, ExitSuccess, exitCodeFor(&download.Stats{}))
}

func TestValidateDateRange(t *testing.T) {
	assert.NoError(t, validateDateRange("", ""))
	assert.NoError(t, validateDateRange("2024-01-01", "2024-12-31"))
	err := validateDateRange("2024-12-31", "2024-01-01")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Suggestion:")
}

func TestParseAttemptStatus(t *testing.T) {
	for _, s := range []string{"success", "failed", "skipped"} {
		status, err := parseAttemptStatus(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(status))
	}
	_, err := parseAttemptStatus("bogus")
	assert.Error(t, err)
}

func TestValidateSaveCookiesUsage(t *testing.T) {
	assert.NoError(t, validateSaveCookiesUsage(false, ""))
	assert.NoError(t, validateSaveCookiesUsage(true, "cookies.txt"))
	assert.Error(t, validateSaveCookiesUsage(true, ""))
}

func TestRejectMisplacedAuthNamespace(t *testing.T) {
	assert.NoError(t, rejectMisplacedAuthNamespace(nil))
	assert.NoError(t, rejectMisplacedAuthNamespace([]string{"https://example.com"}))
	assert.Error(t, rejectMisplacedAuthNamespace([]string{"auth"}))
}
