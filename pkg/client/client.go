// Package client is the in-process client SDK for the job manager's client
// protocol (spec.md §6): SubmitJob, CancelJob, and the terminal-result
// queries. It talks directly to a *coordinator.Coordinator's inbound loop
// rather than over a wire protocol; a future gRPC/protobuf transport adapter
// would sit in front of this same request shape without changing it (the
// on-wire serialization framework is an explicit external collaborator,
// spec.md §1).
package client

import (
	"context"
	"fmt"

	"github.com/cuemby/streamforge/pkg/coordinator"
	"github.com/cuemby/streamforge/pkg/types"
	"github.com/google/uuid"
)

// Client submits jobs to and queries a job manager coordinator.
type Client struct {
	coord *coordinator.Coordinator
}

// New wraps a running Coordinator for in-process use by a CLI or an
// embedding application.
func New(coord *coordinator.Coordinator) *Client {
	return &Client{coord: coord}
}

// SubmitJob implements spec.md §6's SubmitJob: it returns as soon as the
// coordinator has accepted or rejected the submission, not when the job
// finishes. Use Wait to block for a terminal result on EXECUTION_RESULT mode.
func (c *Client) SubmitJob(ctx context.Context, graph *types.JobGraph, mode types.ListeningMode) (types.JobID, error) {
	if err := types.ValidateJobGraph(graph); err != nil {
		return uuid.Nil, fmt.Errorf("job submission failed: %w", err)
	}

	reply := make(chan coordinator.SubmitJobReply, 1)
	c.coord.Send(coordinator.SubmitJobMsg{
		SessionID:     c.coord.CurrentSessionID(),
		Graph:         graph,
		ListeningMode: mode,
		ReplyTo:       reply,
	})

	select {
	case r := <-reply:
		if r.Err != nil {
			return uuid.Nil, r.Err
		}
		return r.JobID, nil
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	}
}

// CancelJob implements spec.md §6's CancelJob.
func (c *Client) CancelJob(ctx context.Context, jobID types.JobID) error {
	reply := make(chan coordinator.CancelJobReply, 1)
	c.coord.Send(coordinator.CancelJobMsg{
		SessionID: c.coord.CurrentSessionID(),
		JobID:     jobID,
		ReplyTo:   reply,
	})

	select {
	case r := <-reply:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the job reaches a terminal state, returning its final
// result. It only succeeds for jobs submitted with a non-detached listening
// mode; a detached job has no result channel to wait on.
func (c *Client) Wait(ctx context.Context, jobID types.JobID) (*types.JobExecutionResult, error) {
	resultCh, ok := c.coord.ResultChannel(jobID)
	if !ok {
		return nil, fmt.Errorf("job %s has no pending result (detached, unknown, or already collected)", types.ShortID(jobID))
	}

	select {
	case res := <-resultCh:
		return res.Result, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ExecutionEvents returns the per-execution state-change stream for a job
// submitted with EXECUTION_RESULT_AND_STATE_CHANGES.
func (c *Client) ExecutionEvents(jobID types.JobID) (<-chan coordinator.ExecEvent, bool) {
	return c.coord.ExecutionEvents(jobID)
}
