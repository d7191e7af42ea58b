package execgraph

import (
	"sync"
	"time"

	"github.com/cuemby/streamforge/pkg/scheduler"
	"github.com/cuemby/streamforge/pkg/types"
)

// Execution is one attempt of one parallel subtask of one vertex.
type Execution struct {
	mu             sync.Mutex
	AttemptID      types.AttemptID
	VertexID       types.VertexID
	SubtaskIndex   int
	State          types.ExecutionState
	Slot           *scheduler.Slot
	StateTimestamps map[types.ExecutionState]time.Time
}

func newExecution(vertexID types.VertexID, subtaskIndex int) *Execution {
	now := time.Now()
	return &Execution{
		AttemptID:       types.NewID(),
		VertexID:        vertexID,
		SubtaskIndex:    subtaskIndex,
		State:           types.ExecutionStateCreated,
		StateTimestamps: map[types.ExecutionState]time.Time{types.ExecutionStateCreated: now},
	}
}

// transition moves the execution to newState, recording a timestamp.
// Transitions out of a terminal state are rejected (spec.md §3 invariant:
// "the execution graph's state is terminal ⇒ no further state transitions
// of its executions will be accepted" applies equally at the execution level).
func (e *Execution) transition(newState types.ExecutionState) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State.IsTerminal() {
		return false
	}
	e.State = newState
	e.StateTimestamps[newState] = time.Now()
	return true
}

func (e *Execution) currentState() types.ExecutionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.State
}

// CurrentState returns the execution's current state, safe for concurrent
// reads from outside the owning Graph (e.g. Request Partition State).
func (e *Execution) CurrentState() types.ExecutionState {
	return e.currentState()
}

// ExecutionJobVertex is one vertex of the job graph materialized into the
// execution graph: its subtask attempts and split assigner.
type ExecutionJobVertex struct {
	ID                 types.VertexID
	Name               string
	Parallelism        int
	MaxParallelism     int
	InvokableClassName string
	SplitAssigner      types.InputSplitAssigner

	mu         sync.Mutex
	attempts   []*Execution // current attempt per subtask index
}

func newExecutionJobVertex(v *types.JobVertex) (*ExecutionJobVertex, error) {
	assigner, err := buildSplitAssigner(v)
	if err != nil {
		return nil, err
	}
	ejv := &ExecutionJobVertex{
		ID:                 v.ID,
		Name:               v.Name,
		Parallelism:        v.Parallelism,
		MaxParallelism:     v.MaxParallelism,
		InvokableClassName: v.InvokableClassName,
		SplitAssigner:      assigner,
		attempts:           make([]*Execution, v.Parallelism),
	}
	for i := range ejv.attempts {
		ejv.attempts[i] = newExecution(v.ID, i)
	}
	return ejv, nil
}

// CurrentAttempts returns a snapshot of the current attempt for each subtask.
func (v *ExecutionJobVertex) CurrentAttempts() []*Execution {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]*Execution, len(v.attempts))
	copy(out, v.attempts)
	return out
}

// replaceAttempt installs a fresh attempt for subtaskIndex, used when an
// execution is retried.
func (v *ExecutionJobVertex) replaceAttempt(subtaskIndex int) *Execution {
	v.mu.Lock()
	defer v.mu.Unlock()
	fresh := newExecution(v.ID, subtaskIndex)
	v.attempts[subtaskIndex] = fresh
	return fresh
}

// allTerminal reports whether every subtask's current attempt has reached
// a terminal execution state.
func (v *ExecutionJobVertex) allTerminal() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range v.attempts {
		if !e.currentState().IsTerminal() {
			return false
		}
	}
	return true
}

// allFinished reports whether every subtask's current attempt is FINISHED.
func (v *ExecutionJobVertex) allFinished() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, e := range v.attempts {
		if e.currentState() != types.ExecutionStateFinished {
			return false
		}
	}
	return true
}
