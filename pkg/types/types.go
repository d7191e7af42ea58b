// Package types defines the shared domain model for the job manager:
// job graphs, execution graphs, instances and the handful of small
// value types threaded through every other package.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobID uniquely identifies a submitted job graph / execution graph.
type JobID = uuid.UUID

// InstanceID uniquely identifies a registered task manager instance.
type InstanceID = uuid.UUID

// AttemptID uniquely identifies one execution attempt of a vertex subtask.
type AttemptID = uuid.UUID

// LeaderSessionID stamps every message exchanged while a particular
// coordinator instance holds leadership. Messages carrying a stale
// session id are dropped rather than acted on.
type LeaderSessionID = uuid.UUID

// CheckpointID is a monotonically increasing identifier assigned by the
// Checkpoint Coordinator, unique within a single job.
type CheckpointID int64

// NewID generates a fresh random identifier, used for Job/Instance/Attempt ids.
func NewID() uuid.UUID {
	return uuid.New()
}

// VertexID identifies one vertex within a job graph.
type VertexID = uuid.UUID

// JobGraph is the client-submitted, not-yet-scheduled description of a job.
type JobGraph struct {
	ID                 JobID
	Name               string
	Vertices           []*JobVertex
	Edges              []*JobEdge
	ScheduleMode       ScheduleMode
	CheckpointSettings *CheckpointSettings
	SuspendedState     []byte // optional savepoint/state handle to resume from

	// ArtifactKeys are registered with the Library Cache Manager before
	// anything else during submission (spec.md §4.2 step 2).
	ArtifactKeys []string
	// RetryCount overrides the coordinator's default execution retries
	// when >= 0; a negative value means "use the default".
	RetryCount int
	// SessionTimeout bounds how long a terminated job remains resumable.
	SessionTimeout time.Duration
	// SessionAlive requests that the job remain resumable after reaching
	// a terminal state, instead of being removed immediately.
	SessionAlive bool
	// QueuedScheduling allows the Scheduler to queue this job's slot
	// requests and wait for capacity instead of failing the job
	// immediately when none is free (spec.md §4.2 step 7).
	QueuedScheduling bool
}

// JobVertex is one node of the job graph: a parallel operator or task class.
type JobVertex struct {
	ID                 VertexID
	Name               string
	Parallelism        int // ParallelismAutoMax means "use every registered slot"
	MaxParallelism     int
	InvokableClassName string
	SplitSource        InputSplitSource // nil if this vertex has no input splits
	// MasterInitHook runs once on the coordinator under the job's code
	// context before scheduling begins; any error fails submission.
	MasterInitHook func(*CodeContext) error
}

// ParallelismAutoMax, as a vertex's Parallelism, is replaced at submission
// by the Scheduler's total number of slots.
const ParallelismAutoMax = -1

// JobEdge connects two vertices and records the distribution pattern used
// to wire up producer/consumer subtasks.
type JobEdge struct {
	SourceID        VertexID
	TargetID        VertexID
	DistributionPattern DistributionPattern
}

// DistributionPattern controls how upstream and downstream subtasks are wired.
type DistributionPattern string

const (
	DistributionPointwise DistributionPattern = "pointwise"
	DistributionAllToAll  DistributionPattern = "all-to-all"
)

// ScheduleMode controls when the scheduler may start requesting slots.
type ScheduleMode string

const (
	// ScheduleModeEager requests slots for every vertex up front.
	ScheduleModeEager ScheduleMode = "eager"
	// ScheduleModeLazyFromSources starts only source vertices and schedules
	// downstream vertices as their inputs become ready.
	ScheduleModeLazyFromSources ScheduleMode = "lazy-from-sources"
)

// CheckpointSettings configures the per-job Checkpoint Coordinator.
// A nil *CheckpointSettings on a JobGraph means checkpointing is disabled.
type CheckpointSettings struct {
	Interval              time.Duration
	Timeout               time.Duration
	MinPause              time.Duration
	MaxConcurrent         int
	ExternalizedRetention bool

	// TriggerVertexIDs/AckVertexIDs/ConfirmVertexIDs resolve, at
	// submission time, to vertices that exist in the job graph (spec.md
	// §4.2 step 11); a missing id is a JobSubmissionException.
	TriggerVertexIDs []VertexID
	AckVertexIDs     []VertexID
	ConfirmVertexIDs []VertexID
}

// ListeningMode controls how much the submitting client wants to hear back.
type ListeningMode string

const (
	// ListeningDetached means the client does not wait for any result.
	ListeningDetached ListeningMode = "detached"
	// ListeningExecutionResult means the client blocks until the job reaches
	// a terminal state and receives only the final JobExecutionResult.
	ListeningExecutionResult ListeningMode = "execution-result"
	// ListeningExecutionResultAndStateChanges additionally streams every
	// per-execution state change to the client.
	ListeningExecutionResultAndStateChanges ListeningMode = "execution-result-and-state-changes"
)

// JobStatus is the coarse-grained lifecycle state of a job as a whole.
type JobStatus string

const (
	JobStatusCreated    JobStatus = "CREATED"
	JobStatusRunning    JobStatus = "RUNNING"
	JobStatusFailing    JobStatus = "FAILING"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusCancelling JobStatus = "CANCELLING"
	JobStatusCanceled   JobStatus = "CANCELED"
	JobStatusFinished   JobStatus = "FINISHED"
	JobStatusRestarting JobStatus = "RESTARTING"
	JobStatusSuspended  JobStatus = "SUSPENDED"
)

// IsTerminal reports whether the status is a final state the coordinator
// will not transition out of without a new submission.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusFailed, JobStatusCanceled, JobStatusFinished:
		return true
	default:
		return false
	}
}

// ExecutionState is the lifecycle state of a single execution attempt.
type ExecutionState string

const (
	ExecutionStateCreated   ExecutionState = "CREATED"
	ExecutionStateScheduled ExecutionState = "SCHEDULED"
	ExecutionStateDeploying ExecutionState = "DEPLOYING"
	ExecutionStateRunning   ExecutionState = "RUNNING"
	ExecutionStateFinished  ExecutionState = "FINISHED"
	ExecutionStateCanceling ExecutionState = "CANCELING"
	ExecutionStateCanceled  ExecutionState = "CANCELED"
	ExecutionStateFailed    ExecutionState = "FAILED"
)

// IsTerminal reports whether the execution attempt will not transition further.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case ExecutionStateFinished, ExecutionStateCanceled, ExecutionStateFailed:
		return true
	default:
		return false
	}
}

// ConnInfo is the connection information a worker reports when it
// registers; the Scheduler matches its Host for locality preferences.
type ConnInfo struct {
	InstanceID InstanceID
	Host       string
	DataPort   int
}

// HardwareDescription is what a task manager instance reports about itself
// at registration time.
type HardwareDescription struct {
	NumberOfCPUCores   int
	SizeOfPhysicalMemory int64
	SizeOfManagedMemory  int64
}

// WorkerMetrics is periodically reported by an instance alongside its heartbeat.
type WorkerMetrics struct {
	HeapUsedBytes    int64
	HeapMaxBytes     int64
	CPULoad          float64
	ReportedAt       time.Time
}

// AccumulatorSnapshot carries user-defined accumulator values reported by a
// running or just-finished execution attempt.
type AccumulatorSnapshot struct {
	AttemptID AttemptID
	Values    map[string][]byte
}

// InputSplit is one unit of partitioned input handed out by an
// InputSplitAssigner to a requesting subtask.
type InputSplit interface {
	SplitNumber() int
}

// InputSplitSource produces the full set of splits for a vertex up front.
type InputSplitSource interface {
	CreateInputSplits(minNumSplits int) ([]InputSplit, error)
}

// InputSplitAssigner hands out splits to requesting subtasks, one at a time,
// preferring a host that already has the split's preferred locations cached.
type InputSplitAssigner interface {
	GetNextInputSplit(host string, taskID int) (InputSplit, error)
}

// CodeContext is the handle a Library Cache Manager hands back once the
// artifacts for a job have been registered: enough to resolve an
// InvokableClassName into runnable code on a remote instance.
type CodeContext struct {
	JobID        JobID
	ArtifactKeys []string
}

// JobExecutionResult is returned to a client waiting on a job's completion.
type JobExecutionResult struct {
	JobID          JobID
	NetRuntime     time.Duration
	Accumulators   map[string][]byte
}

// String renders a JobStatus/ExecutionState-bearing error context for logs.
func (s JobStatus) String() string {
	return string(s)
}

func (s ExecutionState) String() string {
	return string(s)
}

// ShortID renders the first 8 hex characters of a uuid for log lines,
// matching the teacher's convention of truncating node/container ids.
func ShortID(id uuid.UUID) string {
	s := id.String()
	if len(s) < 8 {
		return s
	}
	return s[:8]
}

// ValidateJobGraph performs the structural checks spec.md requires before a
// JobGraph may be admitted: at least one vertex, and every edge must
// reference vertices that exist in the graph.
func ValidateJobGraph(g *JobGraph) error {
	if len(g.Vertices) == 0 {
		return fmt.Errorf("job graph %s has zero vertices", ShortID(g.ID))
	}
	known := make(map[VertexID]bool, len(g.Vertices))
	for _, v := range g.Vertices {
		known[v.ID] = true
	}
	for _, e := range g.Edges {
		if !known[e.SourceID] {
			return fmt.Errorf("job graph %s: edge references unknown source vertex %s", ShortID(g.ID), ShortID(e.SourceID))
		}
		if !known[e.TargetID] {
			return fmt.Errorf("job graph %s: edge references unknown target vertex %s", ShortID(g.ID), ShortID(e.TargetID))
		}
	}
	return nil
}
