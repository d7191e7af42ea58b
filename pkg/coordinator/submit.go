package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/streamforge/pkg/events"
	"github.com/cuemby/streamforge/pkg/execgraph"
	"github.com/cuemby/streamforge/pkg/metrics"
	"github.com/cuemby/streamforge/pkg/types"
)

// JobSubmissionError wraps validation failures during Submit Job, the
// idiomatic replacement for the source's JobSubmissionException (spec.md §7).
type JobSubmissionError struct {
	Reason string
}

func (e *JobSubmissionError) Error() string { return "job submission failed: " + e.Reason }

// JobCancellationError is the idiomatic replacement for JobCancellationException.
type JobCancellationError struct {
	Reason string
}

func (e *JobCancellationError) Error() string { return "job was cancelled: " + e.Reason }

// JobExecutionError is the idiomatic replacement for JobExecutionException.
type JobExecutionError struct {
	Reason string
	Cause  error
}

func (e *JobExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("job execution failed: %s: %v", e.Reason, e.Cause)
	}
	return "job execution failed: " + e.Reason
}
func (e *JobExecutionError) Unwrap() error { return e.Cause }

// handleSubmitJob implements spec.md §4.2.
func (c *Coordinator) handleSubmitJob(m SubmitJobMsg) {
	timer := metrics.NewTimer()
	outcome := "failure"
	defer func() {
		timer.ObserveDuration(metrics.JobSubmissionDuration)
		metrics.JobSubmissionsTotal.WithLabelValues(outcome).Inc()
	}()

	if m.Graph == nil {
		m.ReplyTo <- SubmitJobReply{Err: &JobSubmissionError{Reason: "job graph must not be null"}}
		return
	}
	g := m.Graph

	// Step 2: register artifacts FIRST so a later failure triggers cleanup.
	codeCtx, err := c.libcache.Register(g.ID, g.ArtifactKeys)
	if err != nil {
		m.ReplyTo <- SubmitJobReply{Err: &JobSubmissionError{Reason: err.Error()}}
		return
	}
	if codeCtx == nil {
		c.libcache.Release(g.ID)
		m.ReplyTo <- SubmitJobReply{Err: &JobSubmissionError{Reason: "failed to obtain a class-loading context"}}
		return
	}

	if len(g.Vertices) == 0 {
		c.libcache.Release(g.ID)
		m.ReplyTo <- SubmitJobReply{Err: &JobSubmissionError{Reason: "The given job is empty"}}
		return
	}

	// Step 5: determine the reply target.
	var resultCh chan JobResult
	var execEventCh chan ExecEvent
	if m.ListeningMode != types.ListeningDetached {
		resultCh = make(chan JobResult, 1)
	}
	if m.ListeningMode == types.ListeningExecutionResultAndStateChanges {
		execEventCh = make(chan ExecEvent, 64)
	}

	// Step 6: session resumption, else construct a new graph.
	c.mu.Lock()
	entry, resumed := c.liveJobs[g.ID]
	c.mu.Unlock()

	if resumed {
		// The resumed job keeps the registration from its first submission;
		// drop the extra reference taken above.
		c.libcache.Release(g.ID)
		entry.info.lastActive = time.Now()
		outcome = "success"
		m.ReplyTo <- SubmitJobReply{JobID: g.ID}
		return
	}

	graph := execgraph.New(g.ID, g.Name, codeCtx, c.scheduler)

	retries := c.cfg.DefaultExecutionRetries
	if g.RetryCount >= 0 {
		retries = g.RetryCount
	}
	graph.RetriesLeft = retries
	graph.RetryDelay = c.cfg.DefaultRetryDelay
	graph.ScheduleMode = g.ScheduleMode
	graph.QueuedScheduling = g.QueuedScheduling

	if plan, err := json.Marshal(g); err != nil {
		graph.JSONPlan = "{}"
		c.logger.Warn().Err(err).Str("job_id", types.ShortID(g.ID)).Msg("failed to render job plan, using empty plan")
	} else {
		graph.JSONPlan = string(plan)
	}

	// Step 9: validate and materialize each vertex.
	totalSlots := c.scheduler.GetTotalNumberOfSlots()
	for _, v := range g.Vertices {
		if v.InvokableClassName == "" {
			c.libcache.Release(g.ID)
			m.ReplyTo <- SubmitJobReply{Err: &JobSubmissionError{Reason: fmt.Sprintf("vertex %s has no invokable class name", v.Name)}}
			return
		}
		if v.Parallelism == types.ParallelismAutoMax {
			v.Parallelism = totalSlots
		}
		if v.MasterInitHook != nil {
			if err := v.MasterInitHook(codeCtx); err != nil {
				c.libcache.Release(g.ID)
				m.ReplyTo <- SubmitJobReply{Err: &JobExecutionError{Reason: "master-init hook failed", Cause: err}}
				return
			}
		}
	}

	// Step 10: topologically sort and attach.
	if err := graph.AttachVertices(g.Vertices, g.Edges); err != nil {
		c.libcache.Release(g.ID)
		m.ReplyTo <- SubmitJobReply{Err: &JobSubmissionError{Reason: err.Error()}}
		return
	}

	// Step 11: checkpointing.
	if g.CheckpointSettings != nil {
		for _, id := range append(append(append([]types.VertexID{}, g.CheckpointSettings.TriggerVertexIDs...), g.CheckpointSettings.AckVertexIDs...), g.CheckpointSettings.ConfirmVertexIDs...) {
			if _, ok := graph.VertexByID(id); !ok {
				c.libcache.Release(g.ID)
				m.ReplyTo <- SubmitJobReply{Err: &JobSubmissionError{Reason: fmt.Sprintf("checkpoint settings reference unknown vertex %s", types.ShortID(id))}}
				return
			}
		}
		graph.Checkpoint = execgraph.NewCheckpointCoordinator(graph, c.gateway, g.CheckpointSettings,
			g.CheckpointSettings.TriggerVertexIDs, g.CheckpointSettings.AckVertexIDs, g.CheckpointSettings.ConfirmVertexIDs)
		graph.Checkpoint.Start()
	}

	// Step 12/13: listeners.
	graph.AddStatusListener(c)
	if m.ListeningMode == types.ListeningExecutionResultAndStateChanges {
		graph.AddExecutionListener(c)
	}

	info := &jobInfo{
		resultCh:       resultCh,
		execEventCh:    execEventCh,
		startedAt:      time.Now(),
		sessionAlive:   g.SessionAlive,
		sessionTimeout: g.SessionTimeout,
		lastActive:     time.Now(),
	}

	c.mu.Lock()
	c.liveJobs[g.ID] = &liveEntry{graph: graph, info: info}
	c.mu.Unlock()

	// Step 14.
	outcome = "success"
	m.ReplyTo <- SubmitJobReply{JobID: g.ID}
	c.broker.Publish(&events.Event{Type: events.EventJobSubmitted, JobID: types.ShortID(g.ID), Message: "job submitted"})

	// Scheduling happens after the reply and does not undo submission on
	// failure; failures surface through the graph's own Fail() path.
	go graph.ScheduleForExecution(c.scheduler, c.gateway)
}

// ResultChannel returns the waiting client's result channel for a live job,
// used by the in-process client SDK to block on EXECUTION_RESULT mode.
func (c *Coordinator) ResultChannel(jobID types.JobID) (<-chan JobResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.liveJobs[jobID]
	if !ok || entry.info.resultCh == nil {
		return nil, false
	}
	return entry.info.resultCh, true
}

// ExecutionEvents returns the per-execution event stream for a live job
// submitted with EXECUTION_RESULT_AND_STATE_CHANGES.
func (c *Coordinator) ExecutionEvents(jobID types.JobID) (<-chan ExecEvent, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.liveJobs[jobID]
	if !ok || entry.info.execEventCh == nil {
		return nil, false
	}
	return entry.info.execEventCh, true
}
