package download

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/refsmith/downloader/internal/version"
)

// Default timeouts: quick connect, generous read window for large files.
const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 300 * time.Second
)

// ClientOptions configures the download HTTP client.
type ClientOptions struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// Jar is the shared cookie jar; nil runs without a session.
	Jar http.CookieJar
}

// HTTPClient streams downloads to disk. Create once and reuse; the
// underlying transport pools connections.
type HTTPClient struct {
	client    *http.Client
	userAgent string
}

// FileResult describes one completed download.
type FileResult struct {
	Path            string
	BytesDownloaded int64
	// ContentLength is the server-reported length, 0 when unknown.
	ContentLength int64
	// ResumeAttempted is set whenever the caller supplied prior bytes.
	ResumeAttempted bool
	// Resumed is set when the server honored the range request.
	Resumed bool
}

// NewHTTPClient builds a client with default timeouts.
func NewHTTPClient() *HTTPClient {
	return NewHTTPClientWithOptions(ClientOptions{})
}

// NewHTTPClientWithOptions builds a client with explicit timeouts and an
// optional shared cookie jar.
func NewHTTPClientWithOptions(options ClientOptions) *HTTPClient {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	readTimeout := options.ReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &HTTPClient{
		client: &http.Client{
			Transport: transport,
			Timeout:   readTimeout,
			Jar:       options.Jar,
		},
		userAgent: version.UserAgent(),
	}
}

// DownloadToFile downloads url into dir with default naming.
func (c *HTTPClient) DownloadToFile(ctx context.Context, rawURL, dir string) (*FileResult, error) {
	return c.DownloadToFileWithMetadataAndName(ctx, rawURL, dir, "", 0)
}

// DownloadToFileWithMetadataAndName downloads with an optional suggested
// filename and resume offset, using the identity User-Agent.
func (c *HTTPClient) DownloadToFileWithMetadataAndName(ctx context.Context, rawURL, dir, suggestedFilename string, existingBytes int64) (*FileResult, error) {
	return c.download(ctx, rawURL, dir, c.userAgent, suggestedFilename, existingBytes)
}

// DownloadToFileWithUserAgentAndName is the UA-override variant used by the
// one-shot 403 browser fallback.
func (c *HTTPClient) DownloadToFileWithUserAgentAndName(ctx context.Context, rawURL, dir, userAgent, suggestedFilename string, existingBytes int64) (*FileResult, error) {
	return c.download(ctx, rawURL, dir, userAgent, suggestedFilename, existingBytes)
}

func (c *HTTPClient) download(ctx context.Context, rawURL, dir, userAgent, suggestedFilename string, existingBytes int64) (*FileResult, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Host == "" || (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") {
		return nil, &InvalidURLError{URL: rawURL}
	}

	result := &FileResult{ResumeAttempted: existingBytes > 0}

	// A resume can only target the file a previous attempt wrote: the
	// sanitized suggested filename. Without that anchor, start fresh.
	var resumePath string
	if existingBytes > 0 && suggestedFilename != "" {
		candidate := filepath.Join(dir, SanitizeFilename(suggestedFilename))
		if info, statErr := os.Stat(candidate); statErr == nil && info.Size() == existingBytes {
			resumePath = candidate
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &InvalidURLError{URL: rawURL}
	}
	req.Header.Set("User-Agent", userAgent)
	if resumePath != "" {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingBytes))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, translateTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthRequiredError{URL: rawURL, Status: resp.StatusCode, Domain: ExtractDomain(rawURL)}
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	default:
		// Capture Retry-After before the body is consumed.
		return nil, &HTTPStatusError{
			URL:        rawURL,
			Status:     resp.StatusCode,
			RetryAfter: resp.Header.Get("Retry-After"),
		}
	}

	var filePath string
	var file *os.File
	appendMode := resumePath != "" && resp.StatusCode == http.StatusPartialContent

	if appendMode {
		filePath = resumePath
		file, err = os.OpenFile(filePath, os.O_WRONLY|os.O_APPEND, 0o644)
		result.Resumed = true
	} else {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &IOError{Path: dir, Err: err}
		}
		filename := extractFilename(resp, parsedURL, suggestedFilename)
		if resumePath != "" {
			// Server ignored the range request; overwrite the partial file.
			filePath = resumePath
			file, err = os.Create(filePath)
		} else {
			filePath = resolveUniquePath(dir, filename)
			file, err = os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		}
	}
	if err != nil {
		return nil, &IOError{Path: filePath, Err: err}
	}

	written, streamErr := streamToFile(file, resp.Body, rawURL, filePath)
	closeErr := file.Close()
	if streamErr == nil && closeErr != nil {
		streamErr = &IOError{Path: filePath, Err: closeErr}
	}
	if streamErr != nil {
		// Best-effort cleanup, except when appending: prior bytes stay on
		// disk so a later attempt can resume.
		if !appendMode {
			_ = os.Remove(filePath)
		}
		return nil, streamErr
	}

	result.Path = filePath
	result.BytesDownloaded = written
	if appendMode {
		result.BytesDownloaded += existingBytes
	}
	if resp.ContentLength > 0 {
		result.ContentLength = resp.ContentLength
		if appendMode {
			result.ContentLength = resp.ContentLength + existingBytes
		}
	}

	slog.Debug("download complete", "path", filePath, "bytes", result.BytesDownloaded, "resumed", result.Resumed)
	return result, nil
}

func translateTransportError(rawURL string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &TimeoutError{URL: rawURL}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: rawURL}
	}
	return &NetworkError{URL: rawURL, Err: err}
}

// streamToFile copies the body chunk by chunk, flushing before close.
func streamToFile(file *os.File, body io.Reader, rawURL, filePath string) (int64, error) {
	writer := bufio.NewWriter(file)
	buf := make([]byte, 64*1024)
	var written int64

	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			if _, writeErr := writer.Write(buf[:n]); writeErr != nil {
				return written, &IOError{Path: filePath, Err: writeErr}
			}
			written += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return written, &NetworkError{URL: rawURL, Err: readErr}
		}
	}

	if err := writer.Flush(); err != nil {
		return written, &IOError{Path: filePath, Err: err}
	}
	return written, nil
}

// extractFilename resolves the output name: suggested filename, then
// Content-Disposition, then the URL path, then a timestamp fallback.
func extractFilename(resp *http.Response, parsedURL *url.URL, suggested string) string {
	if suggested != "" {
		return SanitizeFilename(suggested)
	}

	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if name, ok := parseContentDisposition(cd); ok {
			return SanitizeFilename(name)
		}
	}

	segments := strings.Split(strings.Trim(parsedURL.Path, "/"), "/")
	if last := segments[len(segments)-1]; last != "" {
		if decoded, err := url.QueryUnescape(last); err == nil {
			return SanitizeFilename(decoded)
		}
		return SanitizeFilename(last)
	}

	return fmt.Sprintf("download_%d.bin", time.Now().Unix())
}

// parseContentDisposition handles filename*= (RFC 5987), quoted filename=,
// and unquoted filename=.
func parseContentDisposition(header string) (string, bool) {
	if pos := strings.Index(header, "filename*="); pos >= 0 {
		value := strings.TrimSpace(header[pos+len("filename*="):])
		// Format: charset'language'encoded_value
		if quote := strings.Index(value, "''"); quote >= 0 {
			encoded := value[quote+2:]
			if end := strings.IndexByte(encoded, ';'); end >= 0 {
				encoded = encoded[:end]
			}
			if decoded, err := url.QueryUnescape(strings.TrimSpace(encoded)); err == nil {
				return decoded, true
			}
		}
	}

	if pos := strings.Index(header, "filename="); pos >= 0 {
		value := strings.TrimSpace(header[pos+len("filename="):])
		if strings.HasPrefix(value, `"`) {
			rest := value[1:]
			if end := strings.IndexByte(rest, '"'); end >= 0 {
				return rest[:end], true
			}
			return "", false
		}
		if end := strings.IndexByte(value, ';'); end >= 0 {
			value = value[:end]
		}
		value = strings.TrimSpace(value)
		if value != "" {
			return value, true
		}
	}

	return "", false
}

// SanitizeFilename replaces characters invalid on common filesystems and
// control characters with underscores.
func SanitizeFilename(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			b.WriteByte('_')
		default:
			if r < 0x20 || r == 0x7f {
				b.WriteByte('_')
			} else {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}

// resolveUniquePath appends _1.._999 to the stem on collision, then falls
// back to the current Unix timestamp.
func resolveUniquePath(dir, filename string) string {
	basePath := filepath.Join(dir, filename)
	if _, err := os.Stat(basePath); os.IsNotExist(err) {
		return basePath
	}

	stem := filename
	ext := ""
	if dot := strings.LastIndexByte(filename, '.'); dot >= 0 {
		stem = filename[:dot]
		ext = filename[dot:]
	}

	for i := 1; i < 1000; i++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}

	return filepath.Join(dir, fmt.Sprintf("%s_%d%s", stem, time.Now().Unix(), ext))
}
