package libcache

import (
	"fmt"
	"os"
	"path/filepath"
)

// FSFetcher resolves artifact keys to files under a base directory. This is
// the default ArtifactFetcher wired by cmd/jobmanager; the blob/binary
// artifact server itself remains out of scope (spec.md §1).
type FSFetcher struct {
	baseDir string
}

// NewFSFetcher creates a fetcher rooted at baseDir.
func NewFSFetcher(baseDir string) *FSFetcher {
	return &FSFetcher{baseDir: baseDir}
}

// Fetch reads the file at baseDir/key.
func (f *FSFetcher) Fetch(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(f.baseDir, key))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %q: %w", key, err)
	}
	return data, nil
}

var _ ArtifactFetcher = (*FSFetcher)(nil)
