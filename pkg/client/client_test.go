package client

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/streamforge/pkg/archive"
	"github.com/cuemby/streamforge/pkg/config"
	"github.com/cuemby/streamforge/pkg/coordinator"
	"github.com/cuemby/streamforge/pkg/election"
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

type noopGateway struct{}

func (noopGateway) DeployTask(types.InstanceID, *execgraph.Execution, *execgraph.ExecutionJobVertex, *types.CodeContext) error {
	return nil
}
func (noopGateway) CancelTask(types.InstanceID, types.AttemptID) error           { return nil }
func (noopGateway) TriggerCheckpoint(types.InstanceID, types.AttemptID, types.JobID, types.CheckpointID) error {
	return nil
}
func (noopGateway) ConfirmCheckpoint(types.InstanceID, types.AttemptID, types.JobID, types.CheckpointID) error {
	return nil
}
func (noopGateway) Disconnect(types.InstanceID, string) error { return nil }

var _ execgraph.WorkerGateway = noopGateway{}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// newRunningCoordinator spins up a real single-node raft election group and
// a live Coordinator.Run() goroutine so the client SDK can be exercised
// end-to-end, the same way it would talk to a live job manager process.
func newRunningCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()
	if testing.Short() {
		t.Skip("spins up a real raft group, skipped in -short")
	}

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	elect, err := election.New(election.Config{
		NodeID:    "node-1",
		BindAddr:  freeAddr(t),
		DataDir:   filepath.Join(t.TempDir(), "raft"),
		Bootstrap: true,
	})
	require.NoError(t, err)

	instanceMgr := instance.NewManager(0, nil)
	sched := scheduler.NewScheduler()
	instanceMgr.AddListener(sched)

	c := coordinator.New(coordinator.Options{
		Config:      config.Default(),
		InstanceMgr: instanceMgr,
		Scheduler:   sched,
		LibCache:    libcache.NewManager(testFetcher{}),
		Archive:     archive.New(10),
		Election:    elect,
		Gateway:     noopGateway{},
		Broker:      broker,
	})
	sched.SetExecutionFailer(c)

	go c.Run()
	t.Cleanup(c.Stop)

	require.Eventually(t, func() bool {
		return c.CurrentSessionID() != types.LeaderSessionID{}
	}, 10*time.Second, 10*time.Millisecond, "coordinator never became leader")

	return c
}

func simpleGraph(parallelism int) *types.JobGraph {
	v := &types.JobVertex{ID: types.NewID(), Name: "op", Parallelism: parallelism, InvokableClassName: "com.example.Op"}
	// No instances are ever registered in these tests, so queued scheduling
	// must be on or every submission would immediately fail its job.
	return &types.JobGraph{ID: types.NewID(), Name: "job", Vertices: []*types.JobVertex{v}, QueuedScheduling: true}
}

func TestSubmitJobRejectsInvalidGraph(t *testing.T) {
	c := newRunningCoordinator(t)
	cl := New(c)

	_, err := cl.SubmitJob(context.Background(), &types.JobGraph{}, types.ListeningDetached)
	assert.Error(t, err)
}

func TestSubmitJobSuccess(t *testing.T) {
	c := newRunningCoordinator(t)
	cl := New(c)

	jobID, err := cl.SubmitJob(context.Background(), simpleGraph(1), types.ListeningDetached)
	require.NoError(t, err)
	assert.NotEqual(t, types.JobID{}, jobID)
}

func TestSubmitJobRespectsContextCancellation(t *testing.T) {
	c := newRunningCoordinator(t)
	cl := New(c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The coordinator loop is live and will still answer, but a
	// pre-cancelled context must win the select regardless.
	_, err := cl.SubmitJob(ctx, simpleGraph(1), types.ListeningDetached)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCancelJobUnknown(t *testing.T) {
	c := newRunningCoordinator(t)
	cl := New(c)

	err := cl.CancelJob(context.Background(), types.NewID())
	assert.Error(t, err)
}

func TestCancelJobKnown(t *testing.T) {
	c := newRunningCoordinator(t)
	cl := New(c)

	jobID, err := cl.SubmitJob(context.Background(), simpleGraph(1), types.ListeningDetached)
	require.NoError(t, err)

	err = cl.CancelJob(context.Background(), jobID)
	assert.NoError(t, err)
}

func TestWaitNoPendingResultForDetachedJob(t *testing.T) {
	c := newRunningCoordinator(t)
	cl := New(c)

	jobID, err := cl.SubmitJob(context.Background(), simpleGraph(1), types.ListeningDetached)
	require.NoError(t, err)

	_, err = cl.Wait(context.Background(), jobID)
	assert.Error(t, err)
}

func TestWaitDeliversResultOnCancellation(t *testing.T) {
	c := newRunningCoordinator(t)
	cl := New(c)

	jobID, err := cl.SubmitJob(context.Background(), simpleGraph(1), types.ListeningExecutionResult)
	require.NoError(t, err)

	require.NoError(t, cl.CancelJob(context.Background(), jobID))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := cl.Wait(ctx, jobID)
	assert.Nil(t, result)
	assert.Error(t, err, "a cancelled job resolves Wait with a cancellation error")
}

func TestWaitRespectsContextTimeout(t *testing.T) {
	c := newRunningCoordinator(t)
	cl := New(c)

	jobID, err := cl.SubmitJob(context.Background(), simpleGraph(1), types.ListeningExecutionResult)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = cl.Wait(ctx, jobID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecutionEventsUnknownJob(t *testing.T) {
	c := newRunningCoordinator(t)
	cl := New(c)

	_, ok := cl.ExecutionEvents(types.NewID())
	assert.False(t, ok)
}
