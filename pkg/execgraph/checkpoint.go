package execgraph

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/streamforge/pkg/log"
	"github.com/cuemby/streamforge/pkg/metrics"
	"github.com/cuemby/streamforge/pkg/types"
	"github.com/rs/zerolog"
)

// pendingCheckpoint tracks one in-flight checkpoint epoch.
type pendingCheckpoint struct {
	id          types.CheckpointID
	triggeredAt time.Time
	required    map[types.AttemptID]bool
	acked       map[types.AttemptID]bool
	timer       *time.Timer
}

func (p *pendingCheckpoint) allAcked() bool {
	for attemptID := range p.required {
		if !p.acked[attemptID] {
			return false
		}
	}
	return true
}

// CheckpointCoordinator is embedded per Execution Graph when checkpoint
// settings are present (spec.md §4.7). It periodically triggers barriers,
// collects acknowledgments keyed by (job id, checkpoint id, attempt id),
// and completes or times out each epoch independently.
type CheckpointCoordinator struct {
	jobID   types.JobID
	graph   *Graph
	gateway WorkerGateway

	interval      time.Duration
	timeout       time.Duration
	maxConcurrent int

	triggerVertexIDs map[types.VertexID]bool
	ackVertexIDs     map[types.VertexID]bool
	confirmVertexIDs map[types.VertexID]bool

	mu       sync.Mutex
	nextID   int64
	pending  map[types.CheckpointID]*pendingCheckpoint
	lastCompleted types.CheckpointID

	stopCh chan struct{}
	logger zerolog.Logger
}

// NewCheckpointCoordinator constructs a coordinator for one graph. The
// trigger/ack/confirm vertex id sets must already have been resolved
// against the graph's materialized vertices (spec.md §4.2 step 11).
func NewCheckpointCoordinator(graph *Graph, gateway WorkerGateway, settings *types.CheckpointSettings, triggerVertices, ackVertices, confirmVertices []types.VertexID) *CheckpointCoordinator {
	toSet := func(ids []types.VertexID) map[types.VertexID]bool {
		m := make(map[types.VertexID]bool, len(ids))
		for _, id := range ids {
			m[id] = true
		}
		return m
	}
	return &CheckpointCoordinator{
		jobID:            graph.JobID,
		graph:            graph,
		gateway:          gateway,
		interval:         settings.Interval,
		timeout:          settings.Timeout,
		maxConcurrent:    settings.MaxConcurrent,
		triggerVertexIDs: toSet(triggerVertices),
		ackVertexIDs:     toSet(ackVertices),
		confirmVertexIDs: toSet(confirmVertices),
		pending:          make(map[types.CheckpointID]*pendingCheckpoint),
		stopCh:           make(chan struct{}),
		logger:           log.WithComponent("checkpoint-coordinator").With().Str("job_id", types.ShortID(graph.JobID)).Logger(),
	}
}

// Start begins the periodic trigger loop.
func (c *CheckpointCoordinator) Start() {
	go c.run()
}

// Stop halts the periodic trigger loop and abandons pending checkpoints.
func (c *CheckpointCoordinator) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}

func (c *CheckpointCoordinator) run() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.trigger()
		case <-c.stopCh:
			return
		}
	}
}

func (c *CheckpointCoordinator) attemptsForVertices(vertexIDs map[types.VertexID]bool) []*Execution {
	var out []*Execution
	for _, v := range c.graph.Vertices() {
		if !vertexIDs[v.ID] {
			continue
		}
		for _, exec := range v.CurrentAttempts() {
			if exec.currentState() == types.ExecutionStateRunning {
				out = append(out, exec)
			}
		}
	}
	return out
}

// trigger assigns a fresh monotonically increasing checkpoint id and sends
// Trigger to every running subtask of every trigger vertex.
func (c *CheckpointCoordinator) trigger() {
	c.mu.Lock()
	if c.maxConcurrent > 0 && len(c.pending) >= c.maxConcurrent {
		c.mu.Unlock()
		return
	}
	id := types.CheckpointID(atomic.AddInt64(&c.nextID, 1))
	c.mu.Unlock()

	triggerAttempts := c.attemptsForVertices(c.triggerVertexIDs)
	ackAttempts := c.attemptsForVertices(c.ackVertexIDs)
	if len(triggerAttempts) == 0 {
		return
	}

	required := make(map[types.AttemptID]bool, len(ackAttempts))
	for _, exec := range ackAttempts {
		required[exec.AttemptID] = true
	}

	pc := &pendingCheckpoint{
		id:          id,
		triggeredAt: time.Now(),
		required:    required,
		acked:       make(map[types.AttemptID]bool),
	}
	pc.timer = time.AfterFunc(c.timeout, func() { c.expire(id) })

	c.mu.Lock()
	c.pending[id] = pc
	c.mu.Unlock()

	metrics.CheckpointsTriggeredTotal.Inc()
	for _, exec := range triggerAttempts {
		exec.mu.Lock()
		slot := exec.Slot
		exec.mu.Unlock()
		if slot == nil {
			continue
		}
		if err := c.gateway.TriggerCheckpoint(slot.InstanceID, exec.AttemptID, c.jobID, id); err != nil {
			c.logger.Warn().Err(err).Int64("checkpoint_id", int64(id)).Msg("failed to trigger checkpoint on attempt")
		}
	}
}

// Acknowledge records an AcknowledgeCheckpoint from a subtask. A duplicate
// ack, or an ack for an unknown checkpoint id, is a silent no-op (spec.md
// §4.7, §8 idempotence).
func (c *CheckpointCoordinator) Acknowledge(checkpointID types.CheckpointID, attemptID types.AttemptID) {
	c.mu.Lock()
	pc, ok := c.pending[checkpointID]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug().Int64("checkpoint_id", int64(checkpointID)).Msg("acknowledge for unknown checkpoint id, dropped")
		return
	}
	if pc.acked[attemptID] {
		c.mu.Unlock()
		return
	}
	pc.acked[attemptID] = true
	complete := pc.allAcked()
	c.mu.Unlock()

	if complete {
		c.complete(pc)
	}
}

func (c *CheckpointCoordinator) complete(pc *pendingCheckpoint) {
	pc.timer.Stop()

	c.mu.Lock()
	delete(c.pending, pc.id)
	for id := range c.pending {
		if id < pc.id {
			delete(c.pending, id)
		}
	}
	if pc.id > c.lastCompleted {
		c.lastCompleted = pc.id
	}
	c.mu.Unlock()

	metrics.CheckpointsCompletedTotal.Inc()
	metrics.CheckpointDuration.Observe(time.Since(pc.triggeredAt).Seconds())

	for _, exec := range c.attemptsForVertices(c.confirmVertexIDs) {
		exec.mu.Lock()
		slot := exec.Slot
		exec.mu.Unlock()
		if slot == nil {
			continue
		}
		if err := c.gateway.ConfirmCheckpoint(slot.InstanceID, exec.AttemptID, c.jobID, pc.id); err != nil {
			c.logger.Warn().Err(err).Int64("checkpoint_id", int64(pc.id)).Msg("failed to confirm checkpoint on attempt")
		}
	}
}

// expire marks a checkpoint EXPIRED if it has not already completed.
func (c *CheckpointCoordinator) expire(id types.CheckpointID) {
	c.mu.Lock()
	_, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		metrics.CheckpointsExpiredTotal.Inc()
		c.logger.Warn().Int64("checkpoint_id", int64(id)).Msg("checkpoint timed out")
	}
}

// Abort marks a checkpoint EXPIRED/ABORTED on request from a subtask.
func (c *CheckpointCoordinator) Abort(id types.CheckpointID) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		pc.timer.Stop()
		metrics.CheckpointsExpiredTotal.Inc()
	}
}
