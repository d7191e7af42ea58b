// Package libcache implements the Library Cache Manager: given a job id
// and a set of artifact keys, it materializes them and hands out a code
// context used to resolve invokable class names on remote instances.
package libcache

import (
	"fmt"
	"sync"

	"github.com/cuemby/streamforge/pkg/log"
	"github.com/cuemby/streamforge/pkg/types"
	"github.com/rs/zerolog"
)

// ArtifactFetcher resolves an artifact key to its materialized bytes. In
// this core it is an injected collaborator; the blob/binary artifact
// server itself is out of scope (spec.md §1).
type ArtifactFetcher interface {
	Fetch(key string) ([]byte, error)
}

// Manager is the Library Cache Manager.
type Manager struct {
	mu       sync.Mutex
	fetcher  ArtifactFetcher
	byJob    map[types.JobID]*entry
	logger   zerolog.Logger
}

type entry struct {
	keys []string
	refs int
}

// NewManager creates a Library Cache Manager backed by the given fetcher.
func NewManager(fetcher ArtifactFetcher) *Manager {
	return &Manager{
		fetcher: fetcher,
		byJob:   make(map[types.JobID]*entry),
		logger:  log.WithComponent("libcache"),
	}
}

// Register materializes the artifact keys for a job and returns a
// CodeContext on success. It must be called before a job is admitted so
// that a later submission failure can roll the registration back.
func (m *Manager) Register(jobID types.JobID, artifactKeys []string) (*types.CodeContext, error) {
	for _, key := range artifactKeys {
		if _, err := m.fetcher.Fetch(key); err != nil {
			return nil, fmt.Errorf("failed to materialize artifact %q for job %s: %w", key, types.ShortID(jobID), err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.byJob[jobID]; ok {
		e.refs++
		return &types.CodeContext{JobID: jobID, ArtifactKeys: e.keys}, nil
	}
	m.byJob[jobID] = &entry{keys: artifactKeys, refs: 1}
	return &types.CodeContext{JobID: jobID, ArtifactKeys: artifactKeys}, nil
}

// Release unregisters a job's artifacts, either due to a rolled-back
// submission or final job removal. It is safe to call on a job that was
// never registered.
func (m *Manager) Release(jobID types.JobID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.byJob[jobID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		delete(m.byJob, jobID)
		m.logger.Debug().Str("job_id", types.ShortID(jobID)).Msg("released artifact registration")
	}
}

// Count returns the number of jobs currently holding a registration, for
// tests and diagnostics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byJob)
}
