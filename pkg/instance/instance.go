// Package instance implements the Instance Manager: the registry of live
// task manager workers, their slot capacity, and their liveness.
package instance

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/streamforge/pkg/types"
)

// SlotBitmap tracks free/allocated execution slots on one instance as an
// explicit bit-per-slot array: Acquire refuses once every slot is taken,
// and releasing an already-free slot leaves it free instead of inflating a
// bare counter.
type SlotBitmap struct {
	mu       sync.Mutex
	occupied []bool
}

// NewSlotBitmap creates a bitmap with n free slots.
func NewSlotBitmap(n int) *SlotBitmap {
	return &SlotBitmap{occupied: make([]bool, n)}
}

// Acquire reserves the first free slot and returns its index.
func (b *SlotBitmap) Acquire() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, occ := range b.occupied {
		if !occ {
			b.occupied[i] = true
			return i, true
		}
	}
	return -1, false
}

// Release frees a previously acquired slot. Releasing an already-free slot
// is a no-op; releasing an out-of-range index is ignored.
func (b *SlotBitmap) Release(index int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.occupied) {
		return
	}
	b.occupied[index] = false
}

// FreeCount returns the number of currently unallocated slots.
func (b *SlotBitmap) FreeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	free := 0
	for _, occ := range b.occupied {
		if !occ {
			free++
		}
	}
	return free
}

// Total returns the configured slot count.
func (b *SlotBitmap) Total() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.occupied)
}

// WorkerKey identifies a physical worker independent of the instance id it
// is assigned, so a re-registration of the same worker can be detected.
type WorkerKey string

// Instance is a registered task manager worker.
type Instance struct {
	ID            types.InstanceID
	Worker        WorkerKey
	ConnInfo      types.ConnInfo
	Hardware      types.HardwareDescription
	Slots         *SlotBitmap
	LastHeartbeat time.Time
	LastMetrics   *types.WorkerMetrics
	registeredAt  time.Time
}

// ErrAlreadyRegistered is returned by Register when the same worker key is
// registered a second time without an intervening Unregister.
var ErrAlreadyRegistered = fmt.Errorf("worker already registered")

// Listener is notified when instances are added or removed so that the
// Scheduler can adjust its free-slot pool.
type Listener interface {
	InstanceAdded(inst *Instance)
	InstanceRemoved(inst *Instance)
}

// Manager is the Instance Manager: the authoritative registry of workers.
type Manager struct {
	mu         sync.RWMutex
	byInstance map[types.InstanceID]*Instance
	byWorker   map[WorkerKey]types.InstanceID

	listeners []Listener

	heartbeatTimeout time.Duration
	stopCh           chan struct{}
	stopOnce         sync.Once

	// onDeath is invoked (outside the lock) for instances whose heartbeat
	// exceeded heartbeatTimeout; the coordinator wires this to its
	// Worker-Terminated message.
	onDeath func(*Instance)
}

// NewManager creates an Instance Manager. heartbeatTimeout of zero disables
// the liveness sweep (useful in tests that drive Unregister explicitly).
func NewManager(heartbeatTimeout time.Duration, onDeath func(*Instance)) *Manager {
	return &Manager{
		byInstance:       make(map[types.InstanceID]*Instance),
		byWorker:         make(map[WorkerKey]types.InstanceID),
		heartbeatTimeout: heartbeatTimeout,
		stopCh:           make(chan struct{}),
		onDeath:          onDeath,
	}
}

// AddListener registers a Listener for instance add/remove notifications.
func (m *Manager) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Register adds a new instance for the given worker key. It is idempotent
// by worker: a second Register for an already-registered worker returns
// ErrAlreadyRegistered together with the existing instance so the caller
// can reply AlreadyRegistered instead of AcknowledgeRegistration.
func (m *Manager) Register(worker WorkerKey, conn types.ConnInfo, hw types.HardwareDescription, slotCount int) (*Instance, error) {
	m.mu.Lock()
	if existingID, ok := m.byWorker[worker]; ok {
		existing := m.byInstance[existingID]
		m.mu.Unlock()
		return existing, ErrAlreadyRegistered
	}

	inst := &Instance{
		ID:            types.NewID(),
		Worker:        worker,
		ConnInfo:      conn,
		Hardware:      hw,
		Slots:         NewSlotBitmap(slotCount),
		LastHeartbeat: time.Now(),
		registeredAt:  time.Now(),
	}
	m.byInstance[inst.ID] = inst
	m.byWorker[worker] = inst.ID
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l.InstanceAdded(inst)
	}
	return inst, nil
}

// Unregister removes an instance, notifying listeners so the Scheduler
// revokes its slots and fails any attempts running on them.
func (m *Manager) Unregister(id types.InstanceID) {
	m.mu.Lock()
	inst, ok := m.byInstance[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.byInstance, id)
	delete(m.byWorker, inst.Worker)
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	for _, l := range listeners {
		l.InstanceRemoved(inst)
	}
}

// Heartbeat records the latest heartbeat timestamp and metrics for an instance.
func (m *Manager) Heartbeat(id types.InstanceID, metrics *types.WorkerMetrics) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.byInstance[id]
	if !ok {
		return false
	}
	inst.LastHeartbeat = time.Now()
	inst.LastMetrics = metrics
	return true
}

// Get returns the instance with the given id.
func (m *Manager) Get(id types.InstanceID) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.byInstance[id]
	return inst, ok
}

// All returns a snapshot of all registered instances.
func (m *Manager) All() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.byInstance))
	for _, inst := range m.byInstance {
		out = append(out, inst)
	}
	return out
}

// Count returns the number of registered instances.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byInstance)
}

// StartLivenessSweep begins the ticker-driven heartbeat-timeout check,
// grounded on the teacher's worker health monitor loop. An instance whose
// last heartbeat is older than heartbeatTimeout is reported to onDeath,
// which the coordinator wires to its Worker-Terminated handling; the sweep
// itself does not mutate the registry.
func (m *Manager) StartLivenessSweep() {
	if m.heartbeatTimeout <= 0 || m.onDeath == nil {
		return
	}
	go m.sweepLoop()
}

func (m *Manager) sweepLoop() {
	interval := m.heartbeatTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	now := time.Now()
	m.mu.RLock()
	var dead []*Instance
	for _, inst := range m.byInstance {
		if now.Sub(inst.LastHeartbeat) > m.heartbeatTimeout {
			dead = append(dead, inst)
		}
	}
	m.mu.RUnlock()

	for _, inst := range dead {
		m.onDeath(inst)
	}
}

// Shutdown stops the liveness sweep and releases all tracked state.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byInstance = make(map[types.InstanceID]*Instance)
	m.byWorker = make(map[WorkerKey]types.InstanceID)
}
