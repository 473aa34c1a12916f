package download

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "file_name.pdf", SanitizeFilename("file/name.pdf"))
	assert.Equal(t, "file_name.pdf", SanitizeFilename(`file\name.pdf`))
	assert.Equal(t, "file_name.pdf", SanitizeFilename("file:name.pdf"))
	assert.Equal(t, "file_name_.pdf", SanitizeFilename("file<name>.pdf"))
	assert.Equal(t, "valid-file_name.pdf", SanitizeFilename("valid-file_name.pdf"))
	assert.Equal(t, "file (1).pdf", SanitizeFilename("file (1).pdf"))
	assert.Equal(t, "日本語.pdf", SanitizeFilename("日本語.pdf"))
}

func TestParseContentDisposition(t *testing.T) {
	name, ok := parseContentDisposition(`attachment; filename="example.pdf"`)
	require.True(t, ok)
	assert.Equal(t, "example.pdf", name)

	name, ok = parseContentDisposition("attachment; filename=example.pdf")
	require.True(t, ok)
	assert.Equal(t, "example.pdf", name)

	name, ok = parseContentDisposition(`attachment; filename="example.pdf"; size=1234`)
	require.True(t, ok)
	assert.Equal(t, "example.pdf", name)

	name, ok = parseContentDisposition("attachment; filename*=UTF-8''example%20file.pdf")
	require.True(t, ok)
	assert.Equal(t, "example file.pdf", name)

	_, ok = parseContentDisposition("attachment")
	assert.False(t, ok)
}

func TestResolveUniquePath(t *testing.T) {
	dir := t.TempDir()

	assert.Equal(t, filepath.Join(dir, "test.pdf"), resolveUniquePath(dir, "test.pdf"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "test.pdf"), []byte("1"), 0o644))
	assert.Equal(t, filepath.Join(dir, "test_1.pdf"), resolveUniquePath(dir, "test.pdf"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_1.pdf"), []byte("2"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "test_2.pdf"), []byte("3"), 0o644))
	assert.Equal(t, filepath.Join(dir, "test_3.pdf"), resolveUniquePath(dir, "test.pdf"))
}

func TestDownloadSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("PDF content here"))
	}))
	defer server.Close()

	client := NewHTTPClient()
	dir := t.TempDir()
	result, err := client.DownloadToFile(context.Background(), server.URL+"/test.pdf", dir)
	require.NoError(t, err)

	assert.Equal(t, int64(16), result.BytesDownloaded)
	content, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, "PDF content here", string(content))
	assert.Contains(t, filepath.Base(result.Path), "test")
}

func TestDownloadUsesIdentityUserAgent(t *testing.T) {
	var gotUA string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte("x"))
	}))
	defer server.Close()

	client := NewHTTPClient()
	_, err := client.DownloadToFile(context.Background(), server.URL+"/f.pdf", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, gotUA, "downloader/")
	assert.Contains(t, gotUA, "research-tool")
	assert.NotContains(t, gotUA, "Chrome")
}

func TestDownloadContentDispositionFilename(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="paper.pdf"`)
		w.Write([]byte("PDF content"))
	}))
	defer server.Close()

	client := NewHTTPClient()
	result, err := client.DownloadToFile(context.Background(), server.URL+"/download", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "paper.pdf", filepath.Base(result.Path))
}

func TestDownloadSuggestedFilenameWins(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="server.pdf"`)
		w.Write([]byte("x"))
	}))
	defer server.Close()

	client := NewHTTPClient()
	result, err := client.DownloadToFileWithMetadataAndName(
		context.Background(), server.URL+"/f", t.TempDir(), "Smith_2024_Paper.pdf", 0)
	require.NoError(t, err)
	assert.Equal(t, "Smith_2024_Paper.pdf", filepath.Base(result.Path))
}

func TestDownload404CapturesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewHTTPClient()
	dir := t.TempDir()
	_, err := client.DownloadToFile(context.Background(), server.URL+"/missing.pdf", dir)
	require.Error(t, err)

	httpErr, ok := err.(*HTTPStatusError)
	require.True(t, ok, "expected HTTPStatusError, got %T", err)
	assert.Equal(t, 404, httpErr.Status)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "no partial files on error")
}

func TestDownloadCapturesRetryAfter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewHTTPClient()
	_, err := client.DownloadToFile(context.Background(), server.URL+"/limited.pdf", t.TempDir())
	require.Error(t, err)

	httpErr, ok := err.(*HTTPStatusError)
	require.True(t, ok)
	assert.Equal(t, 429, httpErr.Status)
	assert.Equal(t, "7", httpErr.RetryAfter)
}

func TestDownloadAuthRequiredOn401And403(t *testing.T) {
	for _, status := range []int{401, 403} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		client := NewHTTPClient()
		_, err := client.DownloadToFile(context.Background(), server.URL+"/secure.pdf", t.TempDir())
		server.Close()

		require.Error(t, err)
		authErr, ok := err.(*AuthRequiredError)
		require.True(t, ok, "status %d should map to AuthRequiredError, got %T", status, err)
		assert.Equal(t, status, authErr.Status)
		assert.NotEmpty(t, authErr.Domain)
	}
}

func TestDownloadInvalidURL(t *testing.T) {
	client := NewHTTPClient()
	_, err := client.DownloadToFile(context.Background(), "not-a-valid-url", t.TempDir())
	require.Error(t, err)
	assert.IsType(t, &InvalidURLError{}, err)
}

func TestDownloadResumeWithRangeSupport(t *testing.T) {
	full := []byte("0123456789")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rangeHeader := r.Header.Get("Range"); rangeHeader == "bytes=4-" {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes 4-9/%d", len(full)))
			w.WriteHeader(http.StatusPartialContent)
			w.Write(full[4:])
			return
		}
		w.Write(full)
	}))
	defer server.Close()

	dir := t.TempDir()
	partial := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(partial, full[:4], 0o644))

	client := NewHTTPClient()
	result, err := client.DownloadToFileWithMetadataAndName(
		context.Background(), server.URL+"/data.bin", dir, "data.bin", 4)
	require.NoError(t, err)

	assert.True(t, result.ResumeAttempted)
	assert.True(t, result.Resumed)
	assert.Equal(t, int64(10), result.BytesDownloaded)

	content, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, full, content)
}

func TestDownloadResumeServerIgnoresRange(t *testing.T) {
	full := []byte("0123456789")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(full)
	}))
	defer server.Close()

	dir := t.TempDir()
	partial := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(partial, full[:4], 0o644))

	client := NewHTTPClient()
	result, err := client.DownloadToFileWithMetadataAndName(
		context.Background(), server.URL+"/data.bin", dir, "data.bin", 4)
	require.NoError(t, err)

	assert.True(t, result.ResumeAttempted)
	assert.False(t, result.Resumed)
	assert.Equal(t, int64(10), result.BytesDownloaded)

	content, err := os.ReadFile(result.Path)
	require.NoError(t, err)
	assert.Equal(t, full, content, "file rewritten from scratch")
}

func TestBuildPreferredFilename(t *testing.T) {
	// No metadata: host-lastsegment.
	name := BuildPreferredFilename("https://example.com/paper.pdf", nil)
	assert.Equal(t, "example.com-paper.pdf", name)

	// With metadata: Author_Year_Title plus the URL extension.
	name = BuildPreferredFilename("https://example.com/files/doc.pdf", map[string]string{
		"title":   "Deep Results",
		"authors": "Smith, Jane; Doe, Richard",
		"year":    "2024",
	})
	assert.Equal(t, "Smith_2024_Deep_Results.pdf", name)
}
