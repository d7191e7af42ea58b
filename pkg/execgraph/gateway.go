package execgraph

import "github.com/cuemby/streamforge/pkg/types"

// WorkerGateway is the outbound half of the worker protocol (spec.md §6):
// the calls the coordinator/execution graph make against a registered
// instance. The on-wire serialization framework that carries these calls
// to an actual task manager process is an external collaborator (spec.md
// §1); production wiring supplies a transport adapter implementing this
// interface, tests supply a fake.
type WorkerGateway interface {
	// DeployTask asks the instance to start running one execution attempt.
	DeployTask(instanceID types.InstanceID, attempt *Execution, vertex *ExecutionJobVertex, codeCtx *types.CodeContext) error
	// CancelTask asks the instance to cancel a running attempt.
	CancelTask(instanceID types.InstanceID, attemptID types.AttemptID) error
	// TriggerCheckpoint asks a running attempt to inject a checkpoint barrier.
	TriggerCheckpoint(instanceID types.InstanceID, attemptID types.AttemptID, jobID types.JobID, checkpointID types.CheckpointID) error
	// ConfirmCheckpoint tells a running attempt that a checkpoint completed.
	ConfirmCheckpoint(instanceID types.InstanceID, attemptID types.AttemptID, jobID types.JobID, checkpointID types.CheckpointID) error
	// Disconnect tells an instance it is being dropped, e.g. on leadership loss.
	Disconnect(instanceID types.InstanceID, reason string) error
}
