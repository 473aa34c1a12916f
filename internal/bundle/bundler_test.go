package bundle

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundlerDisabledIsNoOp(t *testing.T) {
	b, err := NewBundler(false, "", 0)
	require.NoError(t, err)
	assert.False(t, b.Enabled())
	assert.NoError(t, b.AddFile("/nonexistent", "x"))
	assert.NoError(t, b.Close())
}

func TestBundlerRotation(t *testing.T) {
	tmp := t.TempDir()
	a := filepath.Join(tmp, "a.txt")
	b := filepath.Join(tmp, "b.txt")
	require.NoError(t, os.WriteFile(a, []byte("A"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte(strings.Repeat("B", 1024)), 0o644))

	bundlesOut := filepath.Join(tmp, "bundles")
	// targetGB=0 rotates on every add.
	bundler, err := NewBundler(true, bundlesOut, 0)
	require.NoError(t, err)

	require.NoError(t, bundler.AddFile(a, "a.txt"))
	require.NoError(t, bundler.AddFile(b, "b.txt"))
	require.NoError(t, bundler.Close())

	entries, err := os.ReadDir(bundlesOut)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(entries), 2, "expected at least two bundle archives")
	for _, entry := range entries {
		assert.True(t, strings.HasSuffix(entry.Name(), ".tar.zst"))
	}
}

func TestHeaderPathFor(t *testing.T) {
	hp := HeaderPathFor("https://static.example.com/files/doc.pdf", "doc.pdf")
	assert.True(t, strings.HasPrefix(hp, "static.example.com"))
	assert.True(t, strings.HasSuffix(hp, "doc.pdf"))

	assert.Equal(t, "doc.pdf", HeaderPathFor("", "doc.pdf"))
}
