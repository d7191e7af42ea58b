package instance

import (
	"testing"
	"time"

	"github.com/cuemby/streamforge/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingListener struct {
	added   []*Instance
	removed []*Instance
}

func (l *recordingListener) InstanceAdded(inst *Instance)   { l.added = append(l.added, inst) }
func (l *recordingListener) InstanceRemoved(inst *Instance) { l.removed = append(l.removed, inst) }

func TestSlotBitmapAcquireRelease(t *testing.T) {
	b := NewSlotBitmap(2)
	assert.Equal(t, 2, b.FreeCount())

	idx1, ok := b.Acquire()
	require.True(t, ok)
	assert.Equal(t, 1, b.FreeCount())

	idx2, ok := b.Acquire()
	require.True(t, ok)
	assert.NotEqual(t, idx1, idx2)
	assert.Equal(t, 0, b.FreeCount())

	_, ok = b.Acquire()
	assert.False(t, ok, "no slots left")

	b.Release(idx1)
	assert.Equal(t, 1, b.FreeCount())

	b.Release(idx1) // double release is a no-op
	assert.Equal(t, 1, b.FreeCount())

	b.Release(-1) // out of range is ignored
	b.Release(99)
	assert.Equal(t, 1, b.FreeCount())
}

func TestManagerRegisterIdempotent(t *testing.T) {
	m := NewManager(0, nil)
	l := &recordingListener{}
	m.AddListener(l)

	conn := types.ConnInfo{Host: "10.0.0.1", DataPort: 6000}
	hw := types.HardwareDescription{NumberOfCPUCores: 4}

	inst1, err := m.Register("worker-a", conn, hw, 2)
	require.NoError(t, err)
	require.Len(t, l.added, 1)

	inst2, err := m.Register("worker-a", conn, hw, 2)
	require.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, inst1.ID, inst2.ID)
	assert.Len(t, l.added, 1, "second register must not notify listeners again")

	assert.Equal(t, 1, m.Count())
}

func TestManagerUnregisterNotifiesListeners(t *testing.T) {
	m := NewManager(0, nil)
	l := &recordingListener{}
	m.AddListener(l)

	inst, err := m.Register("worker-a", types.ConnInfo{}, types.HardwareDescription{}, 1)
	require.NoError(t, err)

	m.Unregister(inst.ID)
	require.Len(t, l.removed, 1)
	assert.Equal(t, inst.ID, l.removed[0].ID)
	assert.Equal(t, 0, m.Count())

	// Unregistering an unknown id is a no-op.
	m.Unregister(types.NewID())
	assert.Len(t, l.removed, 1)
}

func TestManagerHeartbeatUnknownInstance(t *testing.T) {
	m := NewManager(0, nil)
	ok := m.Heartbeat(types.NewID(), nil)
	assert.False(t, ok)
}

func TestManagerLivenessSweepReportsDeath(t *testing.T) {
	died := make(chan types.InstanceID, 1)
	m := NewManager(20*time.Millisecond, func(inst *Instance) {
		died <- inst.ID
	})
	defer m.Shutdown()

	inst, err := m.Register("worker-a", types.ConnInfo{}, types.HardwareDescription{}, 1)
	require.NoError(t, err)

	m.StartLivenessSweep()

	select {
	case id := <-died:
		assert.Equal(t, inst.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for liveness sweep to report death")
	}
}

func TestManagerLivenessSweepSkipsLiveInstance(t *testing.T) {
	died := make(chan types.InstanceID, 1)
	m := NewManager(200*time.Millisecond, func(inst *Instance) {
		died <- inst.ID
	})
	defer m.Shutdown()

	inst, err := m.Register("worker-a", types.ConnInfo{}, types.HardwareDescription{}, 1)
	require.NoError(t, err)

	m.StartLivenessSweep()

	ticker := time.NewTicker(30 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(150 * time.Millisecond)
loop:
	for {
		select {
		case <-ticker.C:
			m.Heartbeat(inst.ID, nil)
		case <-deadline:
			break loop
		}
	}

	select {
	case <-died:
		t.Fatal("instance with fresh heartbeats should not be reported dead")
	default:
	}
}
