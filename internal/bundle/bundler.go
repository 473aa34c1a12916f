// Package bundle streams completed downloads into rolling tar.zst archives
// for transport or cold storage.
package bundle

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Bundler appends files into rolling tar.zst archives, rotating when the
// current archive reaches its size threshold (estimated with uncompressed
// sizes). Safe for concurrent AddFile calls.
type Bundler struct {
	enabled     bool
	outDir      string
	targetBytes int64

	mu           sync.Mutex
	currentIdx   int
	currentBytes int64
	tw           *tar.Writer
	zw           *zstd.Encoder
	outFile      *os.File
}

// NewBundler creates a bundler. When disabled, all operations are no-ops.
func NewBundler(enabled bool, bundlesOut string, targetGB int64) (*Bundler, error) {
	if !enabled {
		return &Bundler{enabled: false}, nil
	}
	if err := os.MkdirAll(bundlesOut, 0o755); err != nil {
		return nil, err
	}
	b := &Bundler{enabled: true, outDir: bundlesOut, targetBytes: targetGB * (1 << 30)}
	if err := b.rotateLocked(); err != nil {
		return nil, err
	}
	return b, nil
}

// Enabled reports whether the bundler writes archives.
func (b *Bundler) Enabled() bool { return b.enabled }

func (b *Bundler) rotateLocked() error {
	if !b.enabled {
		return nil
	}
	if b.tw != nil {
		b.tw.Close()
	}
	if b.zw != nil {
		b.zw.Close()
	}
	if b.outFile != nil {
		b.outFile.Close()
	}

	name := fmt.Sprintf("bundle-%04d.tar.zst", b.currentIdx)
	f, err := os.Create(filepath.Join(b.outDir, name))
	if err != nil {
		return err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		f.Close()
		return err
	}

	b.outFile = f
	b.zw = zw
	b.tw = tar.NewWriter(zw)
	b.currentBytes = 0
	b.currentIdx++
	return nil
}

// AddFile appends a downloaded file under headerName, rotating first when
// the size threshold would be crossed.
func (b *Bundler) AddFile(filePath, headerName string) error {
	if !b.enabled {
		return nil
	}
	fi, err := os.Stat(filePath)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentBytes+fi.Size() > b.targetBytes {
		if err := b.rotateLocked(); err != nil {
			return err
		}
	}

	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := &tar.Header{
		Name:    headerName,
		Mode:    0o644,
		Size:    fi.Size(),
		ModTime: time.Unix(0, 0), // stable
	}
	if err := b.tw.WriteHeader(hdr); err != nil {
		return err
	}
	n, err := io.Copy(b.tw, f)
	if err != nil {
		return err
	}
	b.currentBytes += n
	return nil
}

// Close flushes and closes the current archive.
func (b *Bundler) Close() error {
	if !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tw != nil {
		if err := b.tw.Close(); err != nil {
			return err
		}
	}
	if b.zw != nil {
		if err := b.zw.Close(); err != nil {
			return err
		}
	}
	if b.outFile != nil {
		return b.outFile.Close()
	}
	return nil
}

// HeaderPathFor builds the in-archive path for a downloaded file:
// host-prefixed when the source URL yields one, the bare name otherwise.
func HeaderPathFor(sourceURL, base string) string {
	rest := sourceURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	host := rest
	if j := strings.Index(rest, "/"); j >= 0 {
		host = rest[:j]
	}
	if host == "" {
		return base
	}
	return filepath.Join(host, base)
}
