package scheduler

import (
	"testing"
	"time"

	"github.com/cuemby/streamforge/pkg/instance"
	"github.com/cuemby/streamforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingFailer struct {
	failed []types.AttemptID
}

func (f *recordingFailer) FailExecution(attemptID types.AttemptID, reason error) {
	f.failed = append(f.failed, attemptID)
}

func newTestInstance(t *testing.T, host string, slots int) *instance.Instance {
	t.Helper()
	mgr := instance.NewManager(0, nil)
	inst, err := mgr.Register(instance.WorkerKey(host), types.ConnInfo{Host: host}, types.HardwareDescription{}, slots)
	require.NoError(t, err)
	return inst
}

func TestScheduleAnyFreeSlot(t *testing.T) {
	s := NewScheduler()
	inst := newTestInstance(t, "host-a", 2)
	s.InstanceAdded(inst)

	slot, future, err := s.Schedule(types.NewID(), nil, nil, false)
	require.NoError(t, err)
	require.Nil(t, future)
	require.NotNil(t, slot)
	assert.Equal(t, inst.ID, slot.InstanceID)
	assert.Equal(t, 1, s.GetNumberOfAvailableSlots())
}

func TestSchedulePrefersCoLocatedInstance(t *testing.T) {
	s := NewScheduler()
	a := newTestInstance(t, "host-a", 1)
	b := newTestInstance(t, "host-b", 1)
	s.InstanceAdded(a)
	s.InstanceAdded(b)

	slot, _, err := s.Schedule(types.NewID(), []types.InstanceID{b.ID}, nil, false)
	require.NoError(t, err)
	assert.Equal(t, b.ID, slot.InstanceID)
}

func TestSchedulePrefersHostWhenInstanceUnavailable(t *testing.T) {
	s := NewScheduler()
	a := newTestInstance(t, "host-a", 1)
	s.InstanceAdded(a)

	slot, _, err := s.Schedule(types.NewID(), []types.InstanceID{types.NewID()}, []string{"host-a"}, false)
	require.NoError(t, err)
	assert.Equal(t, a.ID, slot.InstanceID)
}

func TestScheduleNoCapacityQueuedDisabled(t *testing.T) {
	s := NewScheduler()
	_, _, err := s.Schedule(types.NewID(), nil, nil, false)
	assert.Error(t, err)
}

func TestScheduleNoCapacityQueuedEnabledResolvesOnRelease(t *testing.T) {
	s := NewScheduler()
	inst := newTestInstance(t, "host-a", 1)
	s.InstanceAdded(inst)

	// occupy the only slot
	first, _, err := s.Schedule(types.NewID(), nil, nil, true)
	require.NoError(t, err)
	require.NotNil(t, first)

	slot, future, err := s.Schedule(types.NewID(), nil, nil, true)
	require.NoError(t, err)
	assert.Nil(t, slot)
	require.NotNil(t, future)

	s.Release(*first)

	select {
	case resolved := <-future:
		require.NotNil(t, resolved)
		assert.Equal(t, inst.ID, resolved.InstanceID)
	case <-time.After(time.Second):
		t.Fatal("queued request was not resolved after release")
	}
}

func TestInstanceRemovedFailsOccupyingExecutions(t *testing.T) {
	s := NewScheduler()
	failer := &recordingFailer{}
	s.SetExecutionFailer(failer)

	inst := newTestInstance(t, "host-a", 1)
	s.InstanceAdded(inst)

	attemptID := types.NewID()
	slot, _, err := s.Schedule(attemptID, nil, nil, false)
	require.NoError(t, err)
	require.NotNil(t, slot)

	s.InstanceRemoved(inst)
	require.Len(t, failer.failed, 1)
	assert.Equal(t, attemptID, failer.failed[0])
	assert.Equal(t, 0, s.GetTotalNumberOfSlots())
}
