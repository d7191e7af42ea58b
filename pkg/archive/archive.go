// Package archive implements the Archive: a bounded in-memory history of
// terminated execution graphs, answering status queries for job ids no
// longer in the coordinator's live table.
package archive

import (
	"container/list"
	"sync"
	"time"

	"github.com/cuemby/streamforge/pkg/log"
	"github.com/cuemby/streamforge/pkg/types"
	"github.com/rs/zerolog"
)

// Record is the archived summary of one terminated job.
type Record struct {
	JobID        types.JobID
	Name         string
	FinalStatus  types.JobStatus
	SubmittedAt  time.Time
	FinishedAt   time.Time
	Accumulators map[string][]byte
	FailureCause string
	JSONPlan     string
}

// Archive holds the most recent maxSize terminated jobs, evicting the
// oldest entry once full. Persisted storage for the archive is explicitly
// out of scope (spec.md §1); this is process-lifetime only.
type Archive struct {
	mu      sync.RWMutex
	maxSize int
	order   *list.List // front = oldest
	byJob   map[types.JobID]*list.Element
	logger  zerolog.Logger
}

// New creates an Archive bounded to maxSize records.
func New(maxSize int) *Archive {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Archive{
		maxSize: maxSize,
		order:   list.New(),
		byJob:   make(map[types.JobID]*list.Element),
		logger:  log.WithComponent("archive"),
	}
}

// Add inserts a terminated job's record, evicting the oldest entry if the
// archive is already at capacity.
func (a *Archive) Add(rec *Record) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if el, ok := a.byJob[rec.JobID]; ok {
		el.Value = rec
		return
	}

	el := a.order.PushBack(rec)
	a.byJob[rec.JobID] = el

	for a.order.Len() > a.maxSize {
		oldest := a.order.Front()
		if oldest == nil {
			break
		}
		evicted := oldest.Value.(*Record)
		a.order.Remove(oldest)
		delete(a.byJob, evicted.JobID)
		a.logger.Debug().Str("job_id", types.ShortID(evicted.JobID)).Msg("evicted archive record")
	}
}

// Get looks up an archived record by job id.
func (a *Archive) Get(jobID types.JobID) (*Record, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	el, ok := a.byJob[jobID]
	if !ok {
		return nil, false
	}
	return el.Value.(*Record), true
}

// List returns all archived records, oldest first.
func (a *Archive) List() []*Record {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*Record, 0, a.order.Len())
	for el := a.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*Record))
	}
	return out
}

// Len returns the current number of archived records.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.order.Len()
}
