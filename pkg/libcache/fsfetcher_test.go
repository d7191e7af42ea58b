package libcache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSFetcherReadsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "jar-a"), []byte("contents"), 0o644))

	f := NewFSFetcher(dir)
	data, err := f.Fetch("jar-a")
	require.NoError(t, err)
	assert.Equal(t, "contents", string(data))
}

func TestFSFetcherMissingFile(t *testing.T) {
	f := NewFSFetcher(t.TempDir())
	_, err := f.Fetch("missing")
	assert.Error(t, err)
}
