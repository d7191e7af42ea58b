// Package coordinator implements the Coordinator Loop: the single serial
// inbound channel that receives every worker, client, and election
// notification and dispatches it to the Instance Manager, Scheduler,
// Library Cache Manager, an Execution Graph, or the Archive. Everything
// else in this module is the contract of this loop (spec.md §4.1).
package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/streamforge/pkg/archive"
	"github.com/cuemby/streamforge/pkg/config"
	"github.com/cuemby/streamforge/pkg/election"
	"github.com/cuemby/streamforge/pkg/events"
	"github.com/cuemby/streamforge/pkg/execgraph"
	"github.com/cuemby/streamforge/pkg/instance"
	"github.com/cuemby/streamforge/pkg/libcache"
	"github.com/cuemby/streamforge/pkg/log"
	"github.com/cuemby/streamforge/pkg/metrics"
	"github.com/cuemby/streamforge/pkg/scheduler"
	"github.com/cuemby/streamforge/pkg/types"
	"github.com/rs/zerolog"
)

// leadershipState is the Coordinator's own state machine (spec.md §4.5).
type leadershipState int

const (
	stateStandby leadershipState = iota
	stateConfirming
	stateLeading
	stateTerminating
)

// ExecEvent is one per-execution state-change notification forwarded
// directly to a client that opted into EXECUTION_RESULT_AND_STATE_CHANGES,
// bypassing the inbound loop entirely since it mutates no Coordinator state.
type ExecEvent struct {
	AttemptID types.AttemptID
	VertexID  types.VertexID
	State     types.ExecutionState
}

// jobInfo is the Coordinator-side bookkeeping for one live job (spec.md §3).
type jobInfo struct {
	resultCh     chan JobResult // nil when the client submitted detached
	execEventCh  chan ExecEvent // non-nil only for EXECUTION_RESULT_AND_STATE_CHANGES
	startedAt    time.Time
	endedAt      time.Time
	sessionAlive   bool
	sessionTimeout time.Duration
	lastActive     time.Time
	sessionTimer   *time.Timer
}

type liveEntry struct {
	graph *execgraph.Graph
	info  *jobInfo
}

// Coordinator is the active coordinator's message-driven control loop.
type Coordinator struct {
	// removeMu serializes the archive-then-unregister pair in removeJob
	// against concurrent access from maintenance callbacks, per spec.md §5.
	removeMu sync.Mutex

	mu              sync.Mutex
	leadershipState leadershipState
	leaderSessionID *types.LeaderSessionID
	liveJobs        map[types.JobID]*liveEntry

	cfg         *config.Config
	instanceMgr *instance.Manager
	scheduler   *scheduler.Scheduler
	libcache    *libcache.Manager
	archive     *archive.Archive
	election    *election.Client
	gateway     execgraph.WorkerGateway
	broker      *events.Broker

	inbox  chan sessionStamped
	stopCh chan struct{}
	logger zerolog.Logger
}

// Options bundles the Coordinator's collaborators.
type Options struct {
	Config      *config.Config
	InstanceMgr *instance.Manager
	Scheduler   *scheduler.Scheduler
	LibCache    *libcache.Manager
	Archive     *archive.Archive
	Election    *election.Client
	Gateway     execgraph.WorkerGateway
	Broker      *events.Broker
}

// New constructs a Coordinator. It starts in Standby and accepts no
// session-stamped messages until a Grant arrives.
func New(opts Options) *Coordinator {
	return &Coordinator{
		leadershipState: stateStandby,
		liveJobs:        make(map[types.JobID]*liveEntry),
		cfg:             opts.Config,
		instanceMgr:     opts.InstanceMgr,
		scheduler:       opts.Scheduler,
		libcache:        opts.LibCache,
		archive:         opts.Archive,
		election:        opts.Election,
		gateway:         opts.Gateway,
		broker:          opts.Broker,
		inbox:           make(chan sessionStamped, 256),
		stopCh:          make(chan struct{}),
		logger:          log.WithComponent("coordinator"),
	}
}

// Send delivers a session-stamped message onto the inbound loop. Safe to
// call concurrently from worker goroutines, the gRPC-equivalent transport
// adapter, or in-process client calls.
func (c *Coordinator) Send(msg sessionStamped) {
	select {
	case c.inbox <- msg:
	case <-c.stopCh:
	}
}

// Run is the single-threaded cooperative event loop (spec.md §5). It never
// blocks on network, artifact IO, or remote confirmation: that work is
// dispatched to goroutines whose results are routed back as follow-up
// messages or directly to the original requester's reply channel.
func (c *Coordinator) Run() {
	c.instanceMgr.StartLivenessSweep()
	go c.runMetricsCollector()

	for {
		select {
		case msg := <-c.inbox:
			c.dispatch(msg)
		case grant := <-c.election.Grants():
			c.handleGrant(grant)
		case <-c.election.Revokes():
			c.handleRevoke()
		case err := <-c.election.Errors():
			c.logger.Fatal().Err(err).Msg("election backend reported a fatal error")
		case <-c.stopCh:
			return
		}
	}
}

// dispatch applies the leader-session filter, then routes to a handler.
// Any message type not recognized here is a programming error and crashes
// the coordinator so its supervisor can restart it (spec.md §4.1 "Any
// other message").
func (c *Coordinator) dispatch(msg sessionStamped) {
	if !c.acceptsSession(msg.sessionID()) {
		c.logger.Debug().Msg("dropped message stamped with a stale or unknown leader session")
		return
	}

	switch m := msg.(type) {
	case RegisterWorkerMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("register_worker").Inc()
		c.handleRegisterWorker(m)
	case WorkerTerminatedMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("worker_terminated").Inc()
		c.handleWorkerTerminated(m)
	case DisconnectMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("disconnect").Inc()
		c.instanceMgr.Unregister(m.InstanceID)
	case HeartbeatMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("heartbeat").Inc()
		c.handleHeartbeat(m)
	case SubmitJobMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("submit_job").Inc()
		c.handleSubmitJob(m)
	case CancelJobMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("cancel_job").Inc()
		c.handleCancelJob(m)
	case UpdateTaskExecutionStateMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("update_task_execution_state").Inc()
		c.handleUpdateTaskExecutionState(m)
	case RequestNextInputSplitMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("request_next_input_split").Inc()
		c.handleRequestNextInputSplit(m)
	case RequestPartitionStateMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("request_partition_state").Inc()
		c.handleRequestPartitionState(m)
	case AcknowledgeCheckpointMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("acknowledge_checkpoint").Inc()
		c.handleAcknowledgeCheckpoint(m)
	case DeclineCheckpointMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("decline_checkpoint").Inc()
		c.handleDeclineCheckpoint(m)
	case ScheduleOrUpdateConsumersMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("schedule_or_update_consumers").Inc()
		c.handleScheduleOrUpdateConsumers(m)
	case JobStatusQueryMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("job_status_query").Inc()
		c.handleJobStatusQuery(m)
	case JobsOverviewQueryMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("jobs_overview_query").Inc()
		c.handleJobsOverviewQuery(m)
	case JobStatusChangedMsg:
		metrics.CoordinatorMessagesTotal.WithLabelValues("job_status_changed").Inc()
		c.handleJobStatusChanged(m)
	default:
		c.logger.Fatal().Msgf("unhandled message type %T reached the coordinator loop", m)
	}
}

// acceptsSession implements the leader-session filter (spec.md §4.5, §5): a
// coordinator only accepts and emits session-stamped messages once Leading;
// Confirming has a session id but has not yet heard back from the election
// service, so messages stamped with it are still dropped.
func (c *Coordinator) acceptsSession(sid types.LeaderSessionID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leadershipState != stateLeading {
		return false
	}
	if c.leaderSessionID == nil {
		return false
	}
	return sid == *c.leaderSessionID
}

// currentSession returns the coordinator's current leader session id for
// stamping outbound messages, or the zero value if standby.
func (c *Coordinator) currentSession() types.LeaderSessionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.leaderSessionID == nil {
		return types.LeaderSessionID{}
	}
	return *c.leaderSessionID
}

// CurrentSessionID exposes the coordinator's current leader session id so
// that external collaborators (the in-process client SDK, the instance
// manager's liveness sweep callback) can stamp messages sent onto Send.
func (c *Coordinator) CurrentSessionID() types.LeaderSessionID {
	return c.currentSession()
}

func (c *Coordinator) handleRegisterWorker(m RegisterWorkerMsg) {
	inst, err := c.instanceMgr.Register(m.Worker, m.ConnInfo, m.Hardware, m.SlotCount)
	if err != nil {
		if err == instance.ErrAlreadyRegistered {
			m.ReplyTo <- RegisterWorkerReply{InstanceID: inst.ID, BlobPort: c.cfg.IPCBindPort, AlreadyRegistered: true}
			return
		}
		m.ReplyTo <- RegisterWorkerReply{Refused: true, RefuseReason: err.Error()}
		return
	}
	m.ReplyTo <- RegisterWorkerReply{InstanceID: inst.ID, BlobPort: c.cfg.IPCBindPort}
	c.broker.Publish(&events.Event{Type: events.EventInstanceRegistered, Message: fmt.Sprintf("instance %s registered", types.ShortID(inst.ID))})
}

func (c *Coordinator) handleWorkerTerminated(m WorkerTerminatedMsg) {
	if _, ok := c.instanceMgr.Get(m.InstanceID); ok {
		c.instanceMgr.Unregister(m.InstanceID)
		c.broker.Publish(&events.Event{Type: events.EventInstanceLost, Message: fmt.Sprintf("instance %s lost", types.ShortID(m.InstanceID))})
	}
}

func (c *Coordinator) handleHeartbeat(m HeartbeatMsg) {
	c.instanceMgr.Heartbeat(m.InstanceID, m.Metrics)
	if m.Accumulators == nil {
		return
	}
	go func() {
		c.mu.Lock()
		entry, ok := c.liveJobs[m.JobID]
		c.mu.Unlock()
		if !ok {
			return
		}
		entry.graph.MergeAccumulators(*m.Accumulators)
	}()
}

func (c *Coordinator) handleUpdateTaskExecutionState(m UpdateTaskExecutionStateMsg) {
	c.mu.Lock()
	entry, ok := c.liveJobs[m.JobID]
	c.mu.Unlock()
	if !ok {
		c.logger.Warn().Str("job_id", types.ShortID(m.JobID)).Msg("task execution state update for unknown job")
		m.ReplyTo <- false
		return
	}
	go func() {
		ok := entry.graph.UpdateTaskExecutionState(m.AttemptID, m.NewState, m.Cause)
		m.ReplyTo <- ok
	}()
}

func (c *Coordinator) handleRequestNextInputSplit(m RequestNextInputSplitMsg) {
	c.mu.Lock()
	entry, ok := c.liveJobs[m.JobID]
	c.mu.Unlock()
	if !ok {
		m.ReplyTo <- NextInputSplitReply{}
		return
	}
	go func() {
		split, err := entry.graph.RequestNextInputSplit(m.VertexID, m.AttemptID)
		m.ReplyTo <- NextInputSplitReply{Split: split, Err: err}
	}()
}

func (c *Coordinator) handleRequestPartitionState(m RequestPartitionStateMsg) {
	c.mu.Lock()
	entry, ok := c.liveJobs[m.JobID]
	c.mu.Unlock()
	if !ok {
		// Not an error: the job may have legitimately finished and been archived.
		m.ReplyTo <- PartitionStateReply{}
		return
	}
	exec, found := entry.graph.ExecutionByAttempt(m.ProducerAttemptID)
	if !found {
		m.ReplyTo <- PartitionStateReply{}
		return
	}
	m.ReplyTo <- PartitionStateReply{State: exec.CurrentState(), Known: true}
}

func (c *Coordinator) handleAcknowledgeCheckpoint(m AcknowledgeCheckpointMsg) {
	c.mu.Lock()
	entry, ok := c.liveJobs[m.JobID]
	c.mu.Unlock()
	if !ok || entry.graph.Checkpoint == nil {
		c.logger.Error().Str("job_id", types.ShortID(m.JobID)).Msg("acknowledge-checkpoint for job with no checkpoint coordinator")
		return
	}
	entry.graph.Checkpoint.Acknowledge(m.CheckpointID, m.AttemptID)
}

func (c *Coordinator) handleDeclineCheckpoint(m DeclineCheckpointMsg) {
	c.mu.Lock()
	entry, ok := c.liveJobs[m.JobID]
	c.mu.Unlock()
	if !ok || entry.graph.Checkpoint == nil {
		c.logger.Error().Str("job_id", types.ShortID(m.JobID)).Msg("decline-checkpoint for job with no checkpoint coordinator")
		return
	}
	c.logger.Warn().Str("job_id", types.ShortID(m.JobID)).Int64("checkpoint_id", int64(m.CheckpointID)).Err(m.Cause).Msg("subtask declined checkpoint")
	entry.graph.Checkpoint.Abort(m.CheckpointID)
}

// handleScheduleOrUpdateConsumers replies Acknowledge immediately, then
// forwards to the execution graph in the background (spec.md §4.1); a
// missing job replies Failure(illegal-state) instead.
func (c *Coordinator) handleScheduleOrUpdateConsumers(m ScheduleOrUpdateConsumersMsg) {
	c.mu.Lock()
	entry, ok := c.liveJobs[m.JobID]
	c.mu.Unlock()
	if !ok {
		m.ReplyTo <- ScheduleOrUpdateConsumersReply{Err: fmt.Errorf("illegal state: job %s is not live", types.ShortID(m.JobID))}
		return
	}
	m.ReplyTo <- ScheduleOrUpdateConsumersReply{}
	go func() {
		if err := entry.graph.ScheduleOrUpdateConsumers(c.scheduler, c.gateway, m.PartitionAttemptID); err != nil {
			c.logger.Warn().Err(err).Str("job_id", types.ShortID(m.JobID)).Msg("schedule-or-update-consumers failed")
		}
	}()
}

// handleJobStatusQuery answers one job's status, reading live state
// synchronously and falling back to a parallel archive lookup only when
// the job is not (or no longer) live (spec.md §4.1 "Info/Status Queries").
func (c *Coordinator) handleJobStatusQuery(m JobStatusQueryMsg) {
	c.mu.Lock()
	entry, ok := c.liveJobs[m.JobID]
	c.mu.Unlock()
	if ok {
		m.ReplyTo <- JobStatusQueryReply{Status: entry.graph.State(), Found: true}
		return
	}
	go func() {
		rec, found := c.archive.Get(m.JobID)
		if !found {
			m.ReplyTo <- JobStatusQueryReply{}
			return
		}
		m.ReplyTo <- JobStatusQueryReply{Status: rec.FinalStatus, Found: true, Archived: true}
	}()
}

// handleJobsOverviewQuery aggregates live job counts by status synchronously,
// then awaits a parallel archive listing before replying with the combined
// overview (spec.md §4.1 "Info/Status Queries").
func (c *Coordinator) handleJobsOverviewQuery(m JobsOverviewQueryMsg) {
	c.mu.Lock()
	byStatus := make(map[types.JobStatus]int, len(c.liveJobs))
	for _, entry := range c.liveJobs {
		byStatus[entry.graph.State()]++
	}
	c.mu.Unlock()

	go func() {
		archived := c.archive.List()
		m.ReplyTo <- JobsOverviewReply{ByStatus: byStatus, ArchivedTotal: len(archived)}
	}()
}

// FailExecution implements scheduler.ExecutionFailer: an attempt whose slot
// was revoked is failed through the live Execution Graph that owns it. An
// attempt that no live job owns is ignored.
func (c *Coordinator) FailExecution(attemptID types.AttemptID, reason error) {
	c.mu.Lock()
	entries := make([]*liveEntry, 0, len(c.liveJobs))
	for _, entry := range c.liveJobs {
		entries = append(entries, entry)
	}
	c.mu.Unlock()
	for _, entry := range entries {
		if _, ok := entry.graph.ExecutionByAttempt(attemptID); ok {
			entry.graph.FailExecution(attemptID, reason)
			return
		}
	}
}

// Stop runs Cancel-and-Clear (which fails every live job, stops each job's
// checkpoint timer and releases its library cache registration), then shuts
// down the instance manager and the election client, and finally ends the
// event loop. The scheduler and the event broker are not stopped here.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.leadershipState = stateTerminating
	c.mu.Unlock()

	c.cancelAndClear(fmt.Errorf("coordinator is shutting down"))

	c.instanceMgr.Shutdown()
	if err := c.election.Shutdown(); err != nil {
		c.logger.Error().Err(err).Msg("error shutting down election client")
	}
	close(c.stopCh)
}
