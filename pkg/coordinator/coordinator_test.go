package coordinator

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/streamforge/pkg/archive"
	"github.com/cuemby/streamforge/pkg/config"
	"github.com/cuemby/streamforge/pkg/events"
	"github.com/cuemby/streamforge/pkg/execgraph"
	"github.com/cuemby/streamforge/pkg/instance"
	"github.com/cuemby/streamforge/pkg/libcache"
	"github.com/cuemby/streamforge/pkg/scheduler"
	"github.com/cuemby/streamforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testFetcher struct{}

func (testFetcher) Fetch(key string) ([]byte, error) { return []byte("ok"), nil }

type testGateway struct {
	mu        sync.Mutex
	deployed  []types.AttemptID
	cancelled []types.AttemptID
}

func (g *testGateway) DeployTask(instanceID types.InstanceID, attempt *execgraph.Execution, vertex *execgraph.ExecutionJobVertex, codeCtx *types.CodeContext) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deployed = append(g.deployed, attempt.AttemptID)
	return nil
}

func (g *testGateway) CancelTask(instanceID types.InstanceID, attemptID types.AttemptID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, attemptID)
	return nil
}

func (g *testGateway) TriggerCheckpoint(instanceID types.InstanceID, attemptID types.AttemptID, jobID types.JobID, checkpointID types.CheckpointID) error {
	return nil
}

func (g *testGateway) ConfirmCheckpoint(instanceID types.InstanceID, attemptID types.AttemptID, jobID types.JobID, checkpointID types.CheckpointID) error {
	return nil
}

func (g *testGateway) Disconnect(instanceID types.InstanceID, reason string) error { return nil }

var _ execgraph.WorkerGateway = (*testGateway)(nil)

// newTestCoordinator builds a Coordinator wired to real collaborators,
// forced directly into the Leading state with a fixed session id so tests
// can call dispatch without running a real raft election.
func newTestCoordinator(t *testing.T) (*Coordinator, types.LeaderSessionID, *testGateway) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	instanceMgr := instance.NewManager(0, nil)
	sched := scheduler.NewScheduler()
	instanceMgr.AddListener(sched)
	lc := libcache.NewManager(testFetcher{})
	arch := archive.New(10)
	gw := &testGateway{}

	c := New(Options{
		Config:      config.Default(),
		InstanceMgr: instanceMgr,
		Scheduler:   sched,
		LibCache:    lc,
		Archive:     arch,
		Election:    nil,
		Gateway:     gw,
		Broker:      broker,
	})

	sched.SetExecutionFailer(c)

	session := types.NewID()
	c.mu.Lock()
	c.leadershipState = stateLeading
	c.leaderSessionID = &session
	c.mu.Unlock()

	return c, session, gw
}

func simpleGraph(parallelism int) *types.JobGraph {
	v := &types.JobVertex{ID: types.NewID(), Name: "op", Parallelism: parallelism, InvokableClassName: "com.example.Op"}
	return &types.JobGraph{ID: types.NewID(), Name: "job", Vertices: []*types.JobVertex{v}}
}

func TestHandleSubmitJobHappyPath(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	graph := simpleGraph(1)

	reply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningDetached, ReplyTo: reply})

	r := <-reply
	require.NoError(t, r.Err)
	assert.Equal(t, graph.ID, r.JobID)

	c.mu.Lock()
	_, live := c.liveJobs[graph.ID]
	c.mu.Unlock()
	assert.True(t, live)
}

func TestHandleSubmitJobRejectsZeroVertices(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	graph := &types.JobGraph{ID: types.NewID(), Name: "empty"}

	reply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningDetached, ReplyTo: reply})

	r := <-reply
	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "empty")
}

func TestHandleSubmitJobRejectsNilGraph(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	reply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: nil, ReplyTo: reply})

	r := <-reply
	assert.Error(t, r.Err)
}

func TestHandleSubmitJobSessionResumption(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	graph := simpleGraph(1)

	reply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningDetached, ReplyTo: reply})
	first := <-reply
	require.NoError(t, first.Err)

	reply2 := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningDetached, ReplyTo: reply2})
	second := <-reply2
	require.NoError(t, second.Err)
	assert.Equal(t, first.JobID, second.JobID)
}

func TestDispatchDropsStaleSessionMessage(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	graph := simpleGraph(1)

	reply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: types.NewID(), Graph: graph, ReplyTo: reply})

	select {
	case <-reply:
		t.Fatal("stale-session message must be dropped before any handler runs")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatchRejectsConfirmingSession(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	c.mu.Lock()
	c.leadershipState = stateConfirming
	c.mu.Unlock()

	reply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: simpleGraph(1), ReplyTo: reply})

	select {
	case <-reply:
		t.Fatal("Confirming must not yet accept session-stamped messages")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleCancelJobUnknownJob(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	reply := make(chan CancelJobReply, 1)
	c.dispatch(CancelJobMsg{SessionID: session, JobID: types.NewID(), ReplyTo: reply})

	r := <-reply
	assert.Error(t, r.Err)
}

func TestHandleCancelJobKnownJob(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	graph := simpleGraph(1)

	submitReply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningDetached, ReplyTo: submitReply})
	require.NoError(t, (<-submitReply).Err)

	cancelReply := make(chan CancelJobReply, 1)
	c.dispatch(CancelJobMsg{SessionID: session, JobID: graph.ID, ReplyTo: cancelReply})
	r := <-cancelReply
	assert.NoError(t, r.Err)
}

func TestHandleRegisterWorkerIdempotent(t *testing.T) {
	c, session, _ := newTestCoordinator(t)

	reply1 := make(chan RegisterWorkerReply, 1)
	c.dispatch(RegisterWorkerMsg{SessionID: session, Worker: "worker-a", SlotCount: 1, ReplyTo: reply1})
	r1 := <-reply1
	require.False(t, r1.Refused)
	require.False(t, r1.AlreadyRegistered)

	reply2 := make(chan RegisterWorkerReply, 1)
	c.dispatch(RegisterWorkerMsg{SessionID: session, Worker: "worker-a", SlotCount: 1, ReplyTo: reply2})
	r2 := <-reply2
	assert.True(t, r2.AlreadyRegistered)
	assert.Equal(t, r1.InstanceID, r2.InstanceID)
}

func TestHandleWorkerTerminatedUnregisters(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	reply := make(chan RegisterWorkerReply, 1)
	c.dispatch(RegisterWorkerMsg{SessionID: session, Worker: "worker-a", SlotCount: 1, ReplyTo: reply})
	r := <-reply

	_, ok := c.instanceMgr.Get(r.InstanceID)
	require.True(t, ok)

	c.dispatch(WorkerTerminatedMsg{SessionID: session, InstanceID: r.InstanceID})
	_, ok = c.instanceMgr.Get(r.InstanceID)
	assert.False(t, ok)
}

func TestHandleAcknowledgeCheckpointUnknownJobIsNoop(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	assert.NotPanics(t, func() {
		c.dispatch(AcknowledgeCheckpointMsg{SessionID: session, JobID: types.NewID(), CheckpointID: 1, AttemptID: types.NewID()})
	})
}

func TestJobStatusChangedDeliversResultAndRemovesJob(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	graph := simpleGraph(1)

	submitReply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningExecutionResult, ReplyTo: submitReply})
	require.NoError(t, (<-submitReply).Err)

	resultCh, ok := c.ResultChannel(graph.ID)
	require.True(t, ok)

	c.dispatch(JobStatusChangedMsg{SessionID: session, JobID: graph.ID, NewStatus: types.JobStatusFinished, Timestamp: time.Now()})

	select {
	case res := <-resultCh:
		require.NoError(t, res.Err)
		require.NotNil(t, res.Result)
		assert.Equal(t, graph.ID, res.Result.JobID)
	case <-time.After(time.Second):
		t.Fatal("terminal status change never delivered a result")
	}

	c.mu.Lock()
	_, stillLive := c.liveJobs[graph.ID]
	c.mu.Unlock()
	assert.False(t, stillLive)

	_, ok = c.archive.Get(graph.ID)
	assert.True(t, ok, "finished job should be archived")
}

func TestJobStatusChangedNonTerminalIsNoop(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	graph := simpleGraph(1)

	submitReply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningExecutionResult, ReplyTo: submitReply})
	require.NoError(t, (<-submitReply).Err)

	c.dispatch(JobStatusChangedMsg{SessionID: session, JobID: graph.ID, NewStatus: types.JobStatusRunning, Timestamp: time.Now()})

	c.mu.Lock()
	_, stillLive := c.liveJobs[graph.ID]
	c.mu.Unlock()
	assert.True(t, stillLive, "non-terminal status change must not remove the job")
}

func TestCancelAndClearFailsAllLiveJobs(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	graph := simpleGraph(1)

	submitReply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningExecutionResult, ReplyTo: submitReply})
	require.NoError(t, (<-submitReply).Err)

	resultCh, ok := c.ResultChannel(graph.ID)
	require.True(t, ok)

	c.cancelAndClear(fmt.Errorf("coordinator shutting down"))

	select {
	case res := <-resultCh:
		assert.Error(t, res.Err)
	case <-time.After(time.Second):
		t.Fatal("cancelAndClear never delivered a failure result")
	}

	c.mu.Lock()
	remaining := len(c.liveJobs)
	c.mu.Unlock()
	assert.Equal(t, 0, remaining)
}

func TestHandleDeclineCheckpointUnknownJobIsNoop(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	assert.NotPanics(t, func() {
		c.dispatch(DeclineCheckpointMsg{SessionID: session, JobID: types.NewID(), CheckpointID: 1, AttemptID: types.NewID()})
	})
}

func TestHandleScheduleOrUpdateConsumersMissingJobRepliesFailure(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	reply := make(chan ScheduleOrUpdateConsumersReply, 1)
	c.dispatch(ScheduleOrUpdateConsumersMsg{SessionID: session, JobID: types.NewID(), PartitionAttemptID: types.NewID(), ReplyTo: reply})

	r := <-reply
	assert.Error(t, r.Err)
}

func TestHandleScheduleOrUpdateConsumersKnownJobAcknowledges(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	graph := simpleGraph(1)

	submitReply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningDetached, ReplyTo: submitReply})
	require.NoError(t, (<-submitReply).Err)

	reply := make(chan ScheduleOrUpdateConsumersReply, 1)
	c.dispatch(ScheduleOrUpdateConsumersMsg{SessionID: session, JobID: graph.ID, PartitionAttemptID: types.NewID(), ReplyTo: reply})

	r := <-reply
	assert.NoError(t, r.Err)
}

func TestHandleJobStatusQueryUnknownJobNotFound(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	reply := make(chan JobStatusQueryReply, 1)
	c.dispatch(JobStatusQueryMsg{SessionID: session, JobID: types.NewID(), ReplyTo: reply})

	r := <-reply
	assert.False(t, r.Found)
}

func TestHandleJobStatusQueryLiveJob(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	graph := simpleGraph(1)

	submitReply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningDetached, ReplyTo: submitReply})
	require.NoError(t, (<-submitReply).Err)

	reply := make(chan JobStatusQueryReply, 1)
	c.dispatch(JobStatusQueryMsg{SessionID: session, JobID: graph.ID, ReplyTo: reply})

	r := <-reply
	assert.True(t, r.Found)
	assert.False(t, r.Archived)
}

func TestHandleJobStatusQueryArchivedJob(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	graph := simpleGraph(1)

	submitReply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningDetached, ReplyTo: submitReply})
	require.NoError(t, (<-submitReply).Err)

	c.dispatch(JobStatusChangedMsg{SessionID: session, JobID: graph.ID, NewStatus: types.JobStatusFinished, Timestamp: time.Now()})

	reply := make(chan JobStatusQueryReply, 1)
	c.dispatch(JobStatusQueryMsg{SessionID: session, JobID: graph.ID, ReplyTo: reply})

	r := <-reply
	assert.True(t, r.Found)
	assert.True(t, r.Archived)
	assert.Equal(t, types.JobStatusFinished, r.Status)
}

func TestHandleJobsOverviewQueryAggregatesLiveAndArchived(t *testing.T) {
	c, session, _ := newTestCoordinator(t)

	live := simpleGraph(1)
	submitReply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: live, ListeningMode: types.ListeningDetached, ReplyTo: submitReply})
	require.NoError(t, (<-submitReply).Err)

	archived := simpleGraph(1)
	submitReply2 := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: archived, ListeningMode: types.ListeningDetached, ReplyTo: submitReply2})
	require.NoError(t, (<-submitReply2).Err)
	c.dispatch(JobStatusChangedMsg{SessionID: session, JobID: archived.ID, NewStatus: types.JobStatusFinished, Timestamp: time.Now()})

	reply := make(chan JobsOverviewReply, 1)
	c.dispatch(JobsOverviewQueryMsg{SessionID: session, ReplyTo: reply})

	r := <-reply
	assert.Equal(t, 1, r.ArchivedTotal)
	total := 0
	for _, n := range r.ByStatus {
		total += n
	}
	assert.Equal(t, 1, total, "only the still-live job should be counted in ByStatus")
}

func TestOnExecutionStateChangedDeliversOnEventChannel(t *testing.T) {
	c, session, _ := newTestCoordinator(t)
	graph := simpleGraph(1)

	submitReply := make(chan SubmitJobReply, 1)
	c.dispatch(SubmitJobMsg{SessionID: session, Graph: graph, ListeningMode: types.ListeningExecutionResultAndStateChanges, ReplyTo: submitReply})
	require.NoError(t, (<-submitReply).Err)

	events, ok := c.ExecutionEvents(graph.ID)
	require.True(t, ok)

	attemptID := types.NewID()
	vertexID := types.NewID()
	c.OnExecutionStateChanged(graph.ID, attemptID, vertexID, types.ExecutionStateRunning)

	select {
	case ev := <-events:
		assert.Equal(t, attemptID, ev.AttemptID)
		assert.Equal(t, types.ExecutionStateRunning, ev.State)
	case <-time.After(time.Second):
		t.Fatal("execution event never delivered")
	}
}
