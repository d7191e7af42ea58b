// Package transport provides the placeholder WorkerGateway wired by
// cmd/jobmanager until a real on-wire transport adapter is built. The
// wire protocol carrying these calls to an actual task manager process is
// an explicit external collaborator (spec.md §1); hand-authoring
// protobuf-generated stubs without running protoc would produce
// unreviewable, likely-incorrect wire code, so this package only logs the
// calls a real adapter would make.
package transport

import (
	"github.com/cuemby/streamforge/pkg/execgraph"
	"github.com/cuemby/streamforge/pkg/log"
	"github.com/cuemby/streamforge/pkg/types"
	"github.com/rs/zerolog"
)

// LoggingGateway implements execgraph.WorkerGateway by logging every call
// it would make over the wire, rather than making it.
type LoggingGateway struct {
	logger zerolog.Logger
}

// NewLoggingGateway constructs a LoggingGateway.
func NewLoggingGateway() *LoggingGateway {
	return &LoggingGateway{logger: log.WithComponent("transport")}
}

func (g *LoggingGateway) DeployTask(instanceID types.InstanceID, attempt *execgraph.Execution, vertex *execgraph.ExecutionJobVertex, codeCtx *types.CodeContext) error {
	g.logger.Info().
		Str("instance_id", types.ShortID(instanceID)).
		Str("attempt_id", types.ShortID(attempt.AttemptID)).
		Str("vertex", vertex.Name).
		Msg("deploy task")
	return nil
}

func (g *LoggingGateway) CancelTask(instanceID types.InstanceID, attemptID types.AttemptID) error {
	g.logger.Info().
		Str("instance_id", types.ShortID(instanceID)).
		Str("attempt_id", types.ShortID(attemptID)).
		Msg("cancel task")
	return nil
}

func (g *LoggingGateway) TriggerCheckpoint(instanceID types.InstanceID, attemptID types.AttemptID, jobID types.JobID, checkpointID types.CheckpointID) error {
	g.logger.Info().
		Str("instance_id", types.ShortID(instanceID)).
		Str("attempt_id", types.ShortID(attemptID)).
		Int64("checkpoint_id", int64(checkpointID)).
		Msg("trigger checkpoint")
	return nil
}

func (g *LoggingGateway) ConfirmCheckpoint(instanceID types.InstanceID, attemptID types.AttemptID, jobID types.JobID, checkpointID types.CheckpointID) error {
	g.logger.Info().
		Str("instance_id", types.ShortID(instanceID)).
		Str("attempt_id", types.ShortID(attemptID)).
		Int64("checkpoint_id", int64(checkpointID)).
		Msg("confirm checkpoint")
	return nil
}

func (g *LoggingGateway) Disconnect(instanceID types.InstanceID, reason string) error {
	g.logger.Info().Str("instance_id", types.ShortID(instanceID)).Str("reason", reason).Msg("disconnect")
	return nil
}

var _ execgraph.WorkerGateway = (*LoggingGateway)(nil)
