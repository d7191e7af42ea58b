package coordinator

import (
	"time"

	"github.com/cuemby/streamforge/pkg/instance"
	"github.com/cuemby/streamforge/pkg/types"
)

// sessionStamped is implemented by every inbound message so the loop can
// apply the leader-session filter before any handler logic runs (spec.md §5).
type sessionStamped interface {
	sessionID() types.LeaderSessionID
}

// RegisterWorkerMsg is the Register Worker message (spec.md §4.1).
type RegisterWorkerMsg struct {
	SessionID types.LeaderSessionID
	Worker    instance.WorkerKey
	ConnInfo  types.ConnInfo
	Hardware  types.HardwareDescription
	SlotCount int
	ReplyTo   chan RegisterWorkerReply
}

func (m RegisterWorkerMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// RegisterWorkerReply carries exactly one of AcknowledgeRegistration,
// AlreadyRegistered or RefuseRegistration.
type RegisterWorkerReply struct {
	InstanceID        types.InstanceID
	BlobPort          int
	AlreadyRegistered bool
	Refused           bool
	RefuseReason      string
}

// WorkerTerminatedMsg is delivered by the liveness watcher, never by a worker.
type WorkerTerminatedMsg struct {
	SessionID  types.LeaderSessionID
	InstanceID types.InstanceID
}

func (m WorkerTerminatedMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// DisconnectMsg is the worker-initiated graceful leave.
type DisconnectMsg struct {
	SessionID  types.LeaderSessionID
	InstanceID types.InstanceID
	Reason     string
}

func (m DisconnectMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// HeartbeatMsg carries a worker's liveness ping and optional accumulators.
type HeartbeatMsg struct {
	SessionID    types.LeaderSessionID
	InstanceID   types.InstanceID
	Metrics      *types.WorkerMetrics
	Accumulators *types.AccumulatorSnapshot
	JobID        types.JobID // zero value if Accumulators is nil
}

func (m HeartbeatMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// SubmitJobMsg is the Submit Job message (spec.md §4.2).
type SubmitJobMsg struct {
	SessionID     types.LeaderSessionID
	Graph         *types.JobGraph
	ListeningMode types.ListeningMode
	ReplyTo       chan SubmitJobReply
}

func (m SubmitJobMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// SubmitJobReply is JobSubmitSuccess(id) | JobResultFailure(cause).
type SubmitJobReply struct {
	JobID types.JobID
	Err   error
}

// JobResult is delivered on a waiting client's result channel when its job
// reaches a terminal state (spec.md §4.3). Detached clients never receive one.
type JobResult struct {
	Result *types.JobExecutionResult
	Err    error
}

// CancelJobMsg is the Cancel Job message.
type CancelJobMsg struct {
	SessionID types.LeaderSessionID
	JobID     types.JobID
	ReplyTo   chan CancelJobReply
}

func (m CancelJobMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// CancelJobReply is CancellationSuccess(id) | CancellationFailure(id, cause).
type CancelJobReply struct {
	JobID types.JobID
	Err   error
}

// UpdateTaskExecutionStateMsg reports a worker-observed execution transition.
type UpdateTaskExecutionStateMsg struct {
	SessionID types.LeaderSessionID
	JobID     types.JobID
	AttemptID types.AttemptID
	NewState  types.ExecutionState
	Cause     error
	ReplyTo   chan bool
}

func (m UpdateTaskExecutionStateMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// RequestNextInputSplitMsg asks for the next split for a running subtask.
type RequestNextInputSplitMsg struct {
	SessionID types.LeaderSessionID
	JobID     types.JobID
	VertexID  types.VertexID
	AttemptID types.AttemptID
	ReplyTo   chan NextInputSplitReply
}

func (m RequestNextInputSplitMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// NextInputSplitReply carries the next split, or nil for "no more splits".
type NextInputSplitReply struct {
	Split types.InputSplit
	Err   error
}

// RequestPartitionStateMsg asks for a producer execution's current state.
type RequestPartitionStateMsg struct {
	SessionID           types.LeaderSessionID
	JobID               types.JobID
	ProducerAttemptID    types.AttemptID
	ConsumerAttemptID    types.AttemptID
	ReplyTo             chan PartitionStateReply
}

func (m RequestPartitionStateMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// PartitionStateReply reports the producer's last known state, or the zero
// value if unknown; this is never treated as an error by itself.
type PartitionStateReply struct {
	State types.ExecutionState
	Known bool
}

// AcknowledgeCheckpointMsg reports a subtask's checkpoint barrier ack.
type AcknowledgeCheckpointMsg struct {
	SessionID    types.LeaderSessionID
	JobID        types.JobID
	CheckpointID types.CheckpointID
	AttemptID    types.AttemptID
}

func (m AcknowledgeCheckpointMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// DeclineCheckpointMsg is the other Checkpoint Messages subtype (spec.md
// §4.1, §4.7): a subtask reports it cannot take the requested checkpoint,
// aborting the whole epoch rather than waiting for its timeout.
type DeclineCheckpointMsg struct {
	SessionID    types.LeaderSessionID
	JobID        types.JobID
	CheckpointID types.CheckpointID
	AttemptID    types.AttemptID
	Cause        error
}

func (m DeclineCheckpointMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// ScheduleOrUpdateConsumersMsg notifies the coordinator that a result
// partition produced by partitionAttemptID has become available, so any
// downstream consumer attempts still waiting can be scheduled (spec.md
// §4.1). The partition is identified by its producing execution's attempt
// id, the same identity RequestPartitionStateMsg uses.
type ScheduleOrUpdateConsumersMsg struct {
	SessionID          types.LeaderSessionID
	JobID              types.JobID
	PartitionAttemptID types.AttemptID
	ReplyTo            chan ScheduleOrUpdateConsumersReply
}

func (m ScheduleOrUpdateConsumersMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// ScheduleOrUpdateConsumersReply is Acknowledge (Err == nil) | Failure with
// an illegal-state error when the job is missing.
type ScheduleOrUpdateConsumersReply struct {
	Err error
}

// JobStatusQueryMsg is one Info/Status Queries subtype (spec.md §4.1): the
// current status of a single job, live or archived.
type JobStatusQueryMsg struct {
	SessionID types.LeaderSessionID
	JobID     types.JobID
	ReplyTo   chan JobStatusQueryReply
}

func (m JobStatusQueryMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// JobStatusQueryReply reports Found=false when the job is neither live nor
// archived; Archived distinguishes a historical answer from a live one.
type JobStatusQueryReply struct {
	Status   types.JobStatus
	Found    bool
	Archived bool
}

// JobsOverviewQueryMsg is the other Info/Status Queries subtype: live job
// counts by status plus the number of records held in the archive.
type JobsOverviewQueryMsg struct {
	SessionID types.LeaderSessionID
	ReplyTo   chan JobsOverviewReply
}

func (m JobsOverviewQueryMsg) sessionID() types.LeaderSessionID { return m.SessionID }

// JobsOverviewReply summarizes live job counts by status plus the number of
// terminated-job records the archive currently retains; evicted records are
// not counted.
type JobsOverviewReply struct {
	ByStatus      map[types.JobStatus]int
	ArchivedTotal int
}

// JobStatusChangedMsg is posted back to the loop by an Execution Graph's
// status listener (spec.md §4.2 step 12, §4.3).
type JobStatusChangedMsg struct {
	SessionID types.LeaderSessionID
	JobID     types.JobID
	NewStatus types.JobStatus
	Timestamp time.Time
	Cause     error
}

func (m JobStatusChangedMsg) sessionID() types.LeaderSessionID { return m.SessionID }
