package coordinator

import (
	"fmt"
	"time"

	"github.com/cuemby/streamforge/pkg/archive"
	"github.com/cuemby/streamforge/pkg/events"
	"github.com/cuemby/streamforge/pkg/execgraph"
	"github.com/cuemby/streamforge/pkg/types"
)

// handleCancelJob implements spec.md §4.1 Cancel Job: reply
// CancellationFailure immediately if the job is unknown, else acknowledge
// CancellationSuccess right away and let the graph's own status-change
// message carry the eventual JobResult to a waiting client.
func (c *Coordinator) handleCancelJob(m CancelJobMsg) {
	c.mu.Lock()
	entry, ok := c.liveJobs[m.JobID]
	c.mu.Unlock()
	if !ok {
		m.ReplyTo <- CancelJobReply{JobID: m.JobID, Err: &JobCancellationError{Reason: "No job found with ID " + types.ShortID(m.JobID)}}
		return
	}

	m.ReplyTo <- CancelJobReply{JobID: m.JobID}
	go entry.graph.Cancel(c.gateway, fmt.Errorf("cancelled by client request"))
}

// OnStatusChanged implements execgraph.StatusListener. It never touches
// Coordinator state directly: it posts a session-stamped follow-up message
// back onto the inbound loop, breaking the cyclic reference spec.md §9's
// design notes call out.
func (c *Coordinator) OnStatusChanged(jobID types.JobID, newStatus types.JobStatus, ts time.Time, cause error) {
	c.Send(JobStatusChangedMsg{
		SessionID: c.currentSession(),
		JobID:     jobID,
		NewStatus: newStatus,
		Timestamp: ts,
		Cause:     cause,
	})
}

// OnExecutionStateChanged implements execgraph.ExecutionListener. Unlike
// OnStatusChanged it bypasses the loop entirely: it mutates no Coordinator
// table, only forwards into the job's own buffered event channel, so a slow
// or absent client reader can never stall the event loop (a full channel
// drops the event rather than blocking).
func (c *Coordinator) OnExecutionStateChanged(jobID types.JobID, attemptID types.AttemptID, vertexID types.VertexID, state types.ExecutionState) {
	c.mu.Lock()
	entry, ok := c.liveJobs[jobID]
	c.mu.Unlock()
	if !ok || entry.info.execEventCh == nil {
		return
	}
	select {
	case entry.info.execEventCh <- ExecEvent{AttemptID: attemptID, VertexID: vertexID, State: state}:
	default:
		c.logger.Warn().Str("job_id", types.ShortID(jobID)).Msg("execution event channel full, dropping event")
	}
}

// handleJobStatusChanged implements spec.md §4.3 Job Termination.
func (c *Coordinator) handleJobStatusChanged(m JobStatusChangedMsg) {
	c.mu.Lock()
	entry, ok := c.liveJobs[m.JobID]
	c.mu.Unlock()
	if !ok {
		// The job was already removed (e.g. by a prior duplicate status
		// message); removal is idempotent, so there is nothing to do.
		return
	}

	if !m.NewStatus.IsTerminal() {
		return
	}

	entry.info.endedAt = m.Timestamp

	if entry.info.resultCh != nil {
		var result JobResult
		switch m.NewStatus {
		case types.JobStatusFinished:
			result = JobResult{Result: &types.JobExecutionResult{
				JobID:        m.JobID,
				NetRuntime:   m.Timestamp.Sub(entry.info.startedAt),
				Accumulators: entry.graph.Accumulators(),
			}}
		case types.JobStatusCanceled:
			result = JobResult{Err: &JobCancellationError{Reason: "job was cancelled"}}
		case types.JobStatusFailed:
			result = JobResult{Err: &JobExecutionError{Reason: "job execution failed", Cause: m.Cause}}
		default:
			// A status believed terminal that isn't one of the three known
			// terminal values is a programming error in the execution graph.
			c.logger.Error().Str("status", m.NewStatus.String()).Msg("terminal job status does not match FINISHED, CANCELED, or FAILED")
			result = JobResult{Err: fmt.Errorf("unexpected terminal status %s", m.NewStatus)}
		}
		select {
		case entry.info.resultCh <- result:
		default:
		}
	}

	if entry.info.sessionAlive && entry.info.sessionTimeout > 0 {
		entry.info.lastActive = time.Now()
		jobID := m.JobID
		entry.info.sessionTimer = time.AfterFunc(entry.info.sessionTimeout, func() {
			c.removeJob(jobID, causeString(m.Cause))
		})
		return
	}

	c.removeJob(m.JobID, causeString(m.Cause))
}

func causeString(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}

// removeJob atomically takes a live job out of the coordinator's table,
// archives its final summary, and releases its library cache reference.
// Every step here is best-effort: a failure to archive or release must never
// prevent the job from leaving the live table (spec.md §9).
func (c *Coordinator) removeJob(jobID types.JobID, failureCause string) {
	c.removeMu.Lock()
	defer c.removeMu.Unlock()

	c.mu.Lock()
	entry, ok := c.liveJobs[jobID]
	if ok {
		delete(c.liveJobs, jobID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	if entry.info.sessionTimer != nil {
		entry.info.sessionTimer.Stop()
	}
	if entry.graph.Checkpoint != nil {
		entry.graph.Checkpoint.Stop()
	}

	summary := entry.graph.PrepareForArchiving(failureCause)
	c.archive.Add(&archive.Record{
		JobID:        summary.JobID,
		Name:         summary.Name,
		FinalStatus:  summary.FinalStatus,
		SubmittedAt:  summary.SubmittedAt,
		FinishedAt:   summary.FinishedAt,
		Accumulators: summary.Accumulators,
		FailureCause: summary.FailureCause,
		JSONPlan:     summary.JSONPlan,
	})

	c.libcache.Release(jobID)

	c.broker.Publish(&events.Event{Type: events.EventJobFinished, JobID: types.ShortID(jobID), Message: "job removed from live table"})
}

// cancelAndClear implements spec.md §4.4: every live job is failed with
// cause, any waiting client is notified, and the live-jobs table is emptied.
// Used both on leadership loss and on coordinator shutdown.
func (c *Coordinator) cancelAndClear(cause error) {
	c.mu.Lock()
	entries := make([]*liveEntry, 0, len(c.liveJobs))
	for _, entry := range c.liveJobs {
		entries = append(entries, entry)
	}
	c.mu.Unlock()

	for _, entry := range entries {
		if entry.info.resultCh != nil {
			select {
			case entry.info.resultCh <- JobResult{Err: &JobExecutionError{Reason: "coordinator lost leadership or is shutting down", Cause: cause}}:
			default:
			}
		}
		entry.graph.Fail(cause)
		c.removeJob(entry.graph.JobID, cause.Error())
	}
}

var _ execgraph.StatusListener = (*Coordinator)(nil)
var _ execgraph.ExecutionListener = (*Coordinator)(nil)
