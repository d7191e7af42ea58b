// Package execgraph implements the Execution Graph: the runtime state
// machine for one submitted job, its vertices' parallel execution
// attempts, and (when enabled) its embedded Checkpoint Coordinator.
package execgraph

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/streamforge/pkg/log"
	"github.com/cuemby/streamforge/pkg/metrics"
	"github.com/cuemby/streamforge/pkg/scheduler"
	"github.com/cuemby/streamforge/pkg/types"
	"github.com/rs/zerolog"
)

// SlotReleaser returns a leased slot to the Scheduler's free pool;
// satisfied directly by *scheduler.Scheduler.
type SlotReleaser interface {
	Release(slot scheduler.Slot)
}

// StatusListener is notified of job-wide status transitions. The
// coordinator's implementation posts a Job-Status-Changed message back to
// its own loop rather than mutating coordinator state directly, breaking
// the cyclic reference spec.md's design notes call out.
type StatusListener interface {
	OnStatusChanged(jobID types.JobID, newStatus types.JobStatus, ts time.Time, cause error)
}

// ExecutionListener is notified of individual execution state transitions,
// wired only for clients that opted into EXECUTION_RESULT_AND_STATE_CHANGES.
type ExecutionListener interface {
	OnExecutionStateChanged(jobID types.JobID, attemptID types.AttemptID, vertexID types.VertexID, state types.ExecutionState)
}

// Graph is the Execution Graph for one job.
type Graph struct {
	mu sync.Mutex

	JobID        types.JobID
	Name         string
	state        types.JobStatus
	stateTimestamps map[types.JobStatus]time.Time

	vertices    []*ExecutionJobVertex
	vertexByID  map[types.VertexID]*ExecutionJobVertex
	attemptIdx  map[types.AttemptID]*ExecutionJobVertex
	producers   map[types.VertexID][]producerRef

	CodeContext  *types.CodeContext
	RetriesLeft  int
	RetryDelay   time.Duration
	ScheduleMode types.ScheduleMode
	QueuedScheduling bool
	JSONPlan     string

	accMu        sync.Mutex
	accumulators map[string][]byte

	Checkpoint *CheckpointCoordinator

	statusListeners    []StatusListener
	executionListeners []ExecutionListener

	releaser SlotReleaser
	logger   zerolog.Logger
}

// New creates an empty Execution Graph, not yet attached to any vertices.
// releaser is the Scheduler the graph returns terminated attempts' slots to.
func New(jobID types.JobID, name string, codeCtx *types.CodeContext, releaser SlotReleaser) *Graph {
	now := time.Now()
	return &Graph{
		JobID:           jobID,
		Name:            name,
		state:           types.JobStatusCreated,
		stateTimestamps: map[types.JobStatus]time.Time{types.JobStatusCreated: now},
		vertexByID:      make(map[types.VertexID]*ExecutionJobVertex),
		attemptIdx:      make(map[types.AttemptID]*ExecutionJobVertex),
		producers:       make(map[types.VertexID][]producerRef),
		CodeContext:     codeCtx,
		accumulators:    make(map[string][]byte),
		releaser:        releaser,
		logger:          log.WithComponent("execgraph").With().Str("job_id", types.ShortID(jobID)).Logger(),
	}
}

// State returns the current job status.
func (g *Graph) State() types.JobStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// AddStatusListener registers a status-change listener.
func (g *Graph) AddStatusListener(l StatusListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statusListeners = append(g.statusListeners, l)
}

// AddExecutionListener registers a per-execution listener.
func (g *Graph) AddExecutionListener(l ExecutionListener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.executionListeners = append(g.executionListeners, l)
}

// producerRef is one upstream vertex feeding a downstream vertex, recording
// the distribution pattern the edge was declared with so locality
// preferences can be derived correctly (spec.md §4.6).
type producerRef struct {
	vertexID types.VertexID
	pattern  types.DistributionPattern
}

// AttachVertices topologically sorts the job graph's vertices from sources
// and materializes one ExecutionJobVertex (with its subtask attempts) per
// vertex (spec.md §4.2 step 10).
func (g *Graph) AttachVertices(vertices []*types.JobVertex, edges []*types.JobEdge) error {
	ordered, err := topologicalSort(vertices, edges)
	if err != nil {
		return fmt.Errorf("failed to topologically sort job graph: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, v := range ordered {
		ejv, err := newExecutionJobVertex(v)
		if err != nil {
			return err
		}
		g.vertices = append(g.vertices, ejv)
		g.vertexByID[ejv.ID] = ejv
		for _, attempt := range ejv.attempts {
			g.attemptIdx[attempt.AttemptID] = ejv
		}
	}
	for _, e := range edges {
		g.producers[e.TargetID] = append(g.producers[e.TargetID], producerRef{vertexID: e.SourceID, pattern: e.DistributionPattern})
	}
	return nil
}

// localityPreferences derives an execution's preferred instances and hosts
// from its producing vertices' currently-assigned slots (spec.md §2/§4.6):
// a pointwise edge prefers the producer subtask at the same index, an
// all-to-all edge prefers any of the producer's assigned instances/hosts.
// Callers must hold g.mu.
func (g *Graph) localityPreferences(vertex *ExecutionJobVertex, exec *Execution) ([]types.InstanceID, []string) {
	refs := g.producers[vertex.ID]
	if len(refs) == 0 {
		return nil, nil
	}

	var instances []types.InstanceID
	var hosts []string
	for _, ref := range refs {
		producer, ok := g.vertexByID[ref.vertexID]
		if !ok {
			continue
		}
		attempts := producer.CurrentAttempts()

		var candidates []*Execution
		if ref.pattern == types.DistributionPointwise && exec.SubtaskIndex < len(attempts) {
			candidates = []*Execution{attempts[exec.SubtaskIndex]}
		} else {
			candidates = attempts
		}

		for _, cand := range candidates {
			cand.mu.Lock()
			slot := cand.Slot
			cand.mu.Unlock()
			if slot == nil {
				continue
			}
			instances = append(instances, slot.InstanceID)
			hosts = append(hosts, slot.Host)
		}
	}
	return instances, hosts
}

// topologicalSort orders vertices from sources using Kahn's algorithm. A
// cycle is a programming error in the submitted job graph.
func topologicalSort(vertices []*types.JobVertex, edges []*types.JobEdge) ([]*types.JobVertex, error) {
	byID := make(map[types.VertexID]*types.JobVertex, len(vertices))
	indegree := make(map[types.VertexID]int, len(vertices))
	adj := make(map[types.VertexID][]types.VertexID, len(vertices))
	for _, v := range vertices {
		byID[v.ID] = v
		indegree[v.ID] = 0
	}
	for _, e := range edges {
		adj[e.SourceID] = append(adj[e.SourceID], e.TargetID)
		indegree[e.TargetID]++
	}

	var queue []types.VertexID
	for _, v := range vertices {
		if indegree[v.ID] == 0 {
			queue = append(queue, v.ID)
		}
	}

	var ordered []*types.JobVertex
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byID[id])
		for _, next := range adj[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(ordered) != len(vertices) {
		return nil, fmt.Errorf("job graph contains a cycle")
	}
	return ordered, nil
}

// VertexByID looks up a materialized vertex.
func (g *Graph) VertexByID(id types.VertexID) (*ExecutionJobVertex, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.vertexByID[id]
	return v, ok
}

// Vertices returns the topologically ordered vertex list.
func (g *Graph) Vertices() []*ExecutionJobVertex {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ExecutionJobVertex, len(g.vertices))
	copy(out, g.vertices)
	return out
}

// vertexForAttempt resolves an attempt id back to its owning vertex.
func (g *Graph) vertexForAttempt(attemptID types.AttemptID) (*ExecutionJobVertex, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	v, ok := g.attemptIdx[attemptID]
	return v, ok
}

// ExecutionByAttempt finds the live Execution for an attempt id, used to
// answer Request Partition State queries from outside the owning graph.
func (g *Graph) ExecutionByAttempt(attemptID types.AttemptID) (*Execution, bool) {
	return g.executionByAttempt(attemptID)
}

// executionByAttempt finds the live Execution for an attempt id.
func (g *Graph) executionByAttempt(attemptID types.AttemptID) (*Execution, bool) {
	v, ok := g.vertexForAttempt(attemptID)
	if !ok {
		return nil, false
	}
	for _, e := range v.CurrentAttempts() {
		if e.AttemptID == attemptID {
			return e, true
		}
	}
	return nil, false
}

// setStatus transitions the job-wide state and fans out to listeners.
func (g *Graph) setStatus(newStatus types.JobStatus, cause error) {
	g.mu.Lock()
	ts := time.Now()
	g.state = newStatus
	g.stateTimestamps[newStatus] = ts
	listeners := append([]StatusListener(nil), g.statusListeners...)
	g.mu.Unlock()

	g.logger.Info().Str("status", newStatus.String()).Msg("job status changed")
	for _, l := range listeners {
		l.OnStatusChanged(g.JobID, newStatus, ts, cause)
	}
}

// ScheduleForExecution requests slots for every vertex's subtasks and
// deploys each one once a slot is acquired (spec.md §4.2 "scheduling" step,
// §4.6 Scheduler contract). Failure here does not undo submission: it is
// reported through Fail, which generates its own status-change message.
func (g *Graph) ScheduleForExecution(sched *scheduler.Scheduler, gateway WorkerGateway) {
	g.setStatus(types.JobStatusRunning, nil)

	for _, v := range g.Vertices() {
		vertex := v
		for _, attempt := range vertex.CurrentAttempts() {
			exec := attempt
			go g.scheduleOne(sched, gateway, vertex, exec)
		}
	}
}

func (g *Graph) scheduleOne(sched *scheduler.Scheduler, gateway WorkerGateway, vertex *ExecutionJobVertex, exec *Execution) {
	g.mu.Lock()
	preferredInstances, preferredHosts := g.localityPreferences(vertex, exec)
	allowQueueing := g.QueuedScheduling
	g.mu.Unlock()

	slot, future, err := sched.Schedule(exec.AttemptID, preferredInstances, preferredHosts, allowQueueing)
	if err != nil {
		g.Fail(fmt.Errorf("failed to schedule attempt %s of vertex %s: %w", types.ShortID(exec.AttemptID), vertex.Name, err))
		return
	}
	if slot == nil {
		slot = <-future
		if slot == nil {
			return
		}
	}
	g.deploy(gateway, vertex, exec, slot)
}

// ScheduleOrUpdateConsumers schedules any downstream consumer attempt that
// is still waiting to run because the partition produced by
// partitionAttemptID has just become available (spec.md §4.1). Attempts
// already scheduled or deployed are left alone.
func (g *Graph) ScheduleOrUpdateConsumers(sched *scheduler.Scheduler, gateway WorkerGateway, partitionAttemptID types.AttemptID) error {
	g.mu.Lock()
	producerVertex, ok := g.attemptIdx[partitionAttemptID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown producer attempt %s", types.ShortID(partitionAttemptID))
	}

	var consumers []*ExecutionJobVertex
	for _, v := range g.vertices {
		for _, ref := range g.producers[v.ID] {
			if ref.vertexID == producerVertex.ID {
				consumers = append(consumers, v)
				break
			}
		}
	}
	g.mu.Unlock()

	for _, consumer := range consumers {
		for _, attempt := range consumer.CurrentAttempts() {
			if attempt.currentState() == types.ExecutionStateCreated {
				go g.scheduleOne(sched, gateway, consumer, attempt)
			}
		}
	}
	return nil
}

func (g *Graph) deploy(gateway WorkerGateway, vertex *ExecutionJobVertex, exec *Execution, slot *scheduler.Slot) {
	exec.mu.Lock()
	exec.Slot = slot
	exec.mu.Unlock()

	if !exec.transition(types.ExecutionStateScheduled) {
		return
	}
	g.notifyExecution(vertex, exec)

	exec.transition(types.ExecutionStateDeploying)
	g.notifyExecution(vertex, exec)

	if err := gateway.DeployTask(slot.InstanceID, exec, vertex, g.CodeContext); err != nil {
		g.FailExecution(exec.AttemptID, fmt.Errorf("failed to deploy attempt: %w", err))
	}
}

func (g *Graph) notifyExecution(vertex *ExecutionJobVertex, exec *Execution) {
	g.mu.Lock()
	listeners := append([]ExecutionListener(nil), g.executionListeners...)
	g.mu.Unlock()
	for _, l := range listeners {
		l.OnExecutionStateChanged(g.JobID, exec.AttemptID, vertex.ID, exec.currentState())
	}
}

// UpdateTaskExecutionState applies a worker-reported state transition
// (spec.md §4.1 Update Task Execution State). It returns false if the
// attempt is unknown.
func (g *Graph) UpdateTaskExecutionState(attemptID types.AttemptID, newState types.ExecutionState, cause error) bool {
	vertex, ok := g.vertexForAttempt(attemptID)
	if !ok {
		return false
	}
	exec, ok := g.executionByAttempt(attemptID)
	if !ok {
		return false
	}
	if !exec.transition(newState) {
		return false
	}
	g.notifyExecution(vertex, exec)

	if newState.IsTerminal() {
		g.releaseSlot(exec)
	}
	if newState == types.ExecutionStateFailed {
		metrics.ExecutionsFailedTotal.Inc()
		g.Fail(fmt.Errorf("attempt %s of vertex %s failed: %w", types.ShortID(attemptID), vertex.Name, causeOrUnknown(cause)))
		return true
	}

	if g.allVerticesFinished() {
		g.setStatus(types.JobStatusFinished, nil)
	}
	return true
}

func causeOrUnknown(cause error) error {
	if cause == nil {
		return fmt.Errorf("unknown cause")
	}
	return cause
}

func (g *Graph) allVerticesFinished() bool {
	for _, v := range g.Vertices() {
		if !v.allFinished() {
			return false
		}
	}
	return true
}

// releaseSlot returns a terminated execution's slot to the Scheduler, and
// is a no-op if the execution never acquired a slot.
func (g *Graph) releaseSlot(exec *Execution) {
	exec.mu.Lock()
	slot := exec.Slot
	exec.mu.Unlock()
	if slot == nil || g.releaser == nil {
		return
	}
	g.releaser.Release(*slot)
}

// FailExecution implements scheduler.ExecutionFailer: invoked when a slot
// is revoked out from under a running attempt (instance death).
func (g *Graph) FailExecution(attemptID types.AttemptID, reason error) {
	vertex, ok := g.vertexForAttempt(attemptID)
	if !ok {
		return
	}
	exec, ok := g.executionByAttempt(attemptID)
	if !ok {
		return
	}
	if !exec.transition(types.ExecutionStateFailed) {
		return
	}
	g.notifyExecution(vertex, exec)
	metrics.ExecutionsFailedTotal.Inc()
	g.Fail(fmt.Errorf("attempt %s of vertex %s failed: %w", types.ShortID(attemptID), vertex.Name, reason))
}

// Fail transitions the whole job toward FAILED, retrying first if
// retries-left permits it (spec.md §8 scenario 4: worker death retries or
// ends FAILED).
func (g *Graph) Fail(cause error) {
	g.mu.Lock()
	if g.state.IsTerminal() {
		g.mu.Unlock()
		return
	}
	retriesLeft := g.RetriesLeft
	g.mu.Unlock()

	g.setStatus(types.JobStatusFailing, cause)

	if retriesLeft > 0 {
		g.mu.Lock()
		g.RetriesLeft--
		g.mu.Unlock()
		g.setStatus(types.JobStatusRestarting, cause)
		g.logger.Warn().Err(cause).Int("retries_left", retriesLeft-1).Msg("job failed, restarting")
		return
	}

	g.setStatus(types.JobStatusFailed, cause)
}

// Cancel transitions the job toward CANCELED, asking the gateway to cancel
// every non-terminal execution attempt first.
func (g *Graph) Cancel(gateway WorkerGateway, cause error) {
	g.mu.Lock()
	if g.state.IsTerminal() {
		g.mu.Unlock()
		return
	}
	g.mu.Unlock()

	g.setStatus(types.JobStatusCancelling, cause)

	for _, v := range g.Vertices() {
		for _, exec := range v.CurrentAttempts() {
			exec.mu.Lock()
			slot := exec.Slot
			exec.mu.Unlock()
			if exec.currentState().IsTerminal() || slot == nil {
				continue
			}
			if err := gateway.CancelTask(slot.InstanceID, exec.AttemptID); err != nil {
				g.logger.Warn().Err(err).Str("attempt_id", types.ShortID(exec.AttemptID)).Msg("failed to request attempt cancellation")
			}
		}
	}

	g.setStatus(types.JobStatusCanceled, cause)
}

// RequestNextInputSplit implements spec.md §4.1's Request Next Input
// Split: resolve attempt -> assigned slot -> worker host, then ask the
// vertex's assigner for the next split.
func (g *Graph) RequestNextInputSplit(vertexID types.VertexID, attemptID types.AttemptID) (types.InputSplit, error) {
	vertex, ok := g.VertexByID(vertexID)
	if !ok {
		return nil, fmt.Errorf("unknown vertex %s", types.ShortID(vertexID))
	}
	if vertex.SplitAssigner == nil {
		return nil, nil
	}
	exec, ok := g.executionByAttempt(attemptID)
	if !ok {
		return nil, fmt.Errorf("unknown attempt %s", types.ShortID(attemptID))
	}

	host := ""
	exec.mu.Lock()
	if exec.Slot != nil {
		host = exec.Slot.Host
	}
	subtaskIndex := exec.SubtaskIndex
	exec.mu.Unlock()

	split, err := vertex.SplitAssigner.GetNextInputSplit(host, subtaskIndex)
	if err != nil {
		g.Fail(fmt.Errorf("vertex %s input split assigner failed: %w", vertex.Name, err))
		return nil, nil
	}
	return split, nil
}

// MergeAccumulators folds a worker-reported accumulator snapshot into the
// graph's running accumulator map, overwriting previous values per key.
func (g *Graph) MergeAccumulators(snapshot types.AccumulatorSnapshot) {
	g.accMu.Lock()
	defer g.accMu.Unlock()
	for k, v := range snapshot.Values {
		g.accumulators[k] = v
	}
}

// Accumulators returns a copy of the current accumulator map.
func (g *Graph) Accumulators() map[string][]byte {
	g.accMu.Lock()
	defer g.accMu.Unlock()
	out := make(map[string][]byte, len(g.accumulators))
	for k, v := range g.accumulators {
		out[k] = v
	}
	return out
}

// StatusTimestamp returns when the graph entered a given status, or the
// zero time if it never has.
func (g *Graph) StatusTimestamp(status types.JobStatus) time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateTimestamps[status]
}

// PrepareForArchiving builds the summary handed to the Archive when a job
// is removed from the live table.
func (g *Graph) PrepareForArchiving(failureCause string) Summary {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Summary{
		JobID:        g.JobID,
		Name:         g.Name,
		FinalStatus:  g.state,
		SubmittedAt:  g.stateTimestamps[types.JobStatusCreated],
		FinishedAt:   g.stateTimestamps[g.state],
		Accumulators: g.Accumulators(),
		FailureCause: failureCause,
		JSONPlan:     g.JSONPlan,
	}
}

// Summary is the archival-ready snapshot of a terminated graph, kept free
// of any dependency on the archive package to avoid an import cycle.
type Summary struct {
	JobID        types.JobID
	Name         string
	FinalStatus  types.JobStatus
	SubmittedAt  time.Time
	FinishedAt   time.Time
	Accumulators map[string][]byte
	FailureCause string
	JSONPlan     string
}

