// Package scheduler implements the Scheduler: the pool of free execution
// slots contributed by registered instances, handed out to executions
// according to their locality preferences.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/cuemby/streamforge/pkg/instance"
	"github.com/cuemby/streamforge/pkg/log"
	"github.com/cuemby/streamforge/pkg/metrics"
	"github.com/cuemby/streamforge/pkg/types"
	"github.com/rs/zerolog"
)

// Slot is a leased unit of execution capacity on one instance.
type Slot struct {
	InstanceID types.InstanceID
	Index      int
	Host       string
}

// pendingRequest is a queued slot request waiting for capacity to appear.
type pendingRequest struct {
	attemptID          types.AttemptID
	preferredInstances []types.InstanceID
	preferredHosts     []string
	resultCh           chan *Slot
}

// ExecutionFailer is notified when a slot is revoked out from under a
// running execution (its instance died or was unregistered).
type ExecutionFailer interface {
	FailExecution(attemptID types.AttemptID, reason error)
}

// Scheduler holds the pool of free execution slots and assigns them to
// executions with a locality-preference fallback chain: co-located with
// the preferred producer instance, else same host, else any free slot,
// else (if the requesting job enabled queued scheduling) a future that
// resolves when one appears. Whether to queue is a per-job decision
// (spec.md §4.2 step 7's queued-scheduling flag), not a Scheduler-wide
// setting, since the Scheduler instance is shared across every live job.
type Scheduler struct {
	mu        sync.Mutex
	instances map[types.InstanceID]*instance.Instance
	// occupied maps a leased slot back to the attempt holding it, so that
	// instance removal can fail the right executions.
	occupied map[Slot]types.AttemptID
	pending  []*pendingRequest

	failer ExecutionFailer
	logger zerolog.Logger
}

// NewScheduler creates a Scheduler. Register it with the Instance Manager
// via AddListener so it is notified of capacity changes.
func NewScheduler() *Scheduler {
	return &Scheduler{
		instances: make(map[types.InstanceID]*instance.Instance),
		occupied:  make(map[Slot]types.AttemptID),
		logger:    log.WithComponent("scheduler"),
	}
}

// SetExecutionFailer wires the callback invoked when a leased slot is
// revoked by instance death, typically the Coordinator forwarding into the
// owning Execution Graph's failure path.
func (s *Scheduler) SetExecutionFailer(f ExecutionFailer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failer = f
}

// InstanceAdded implements instance.Listener: contributes the instance's
// free slots to the pool and attempts to satisfy queued requests.
func (s *Scheduler) InstanceAdded(inst *instance.Instance) {
	s.mu.Lock()
	s.instances[inst.ID] = inst
	s.logger.Info().
		Str("instance_id", types.ShortID(inst.ID)).
		Int("slots", inst.Slots.Total()).
		Msg("instance contributed slots to scheduler")
	s.drainPendingLocked()
	s.mu.Unlock()
}

// InstanceRemoved implements instance.Listener: revokes the instance's
// slots and fails any attempts currently occupying them.
func (s *Scheduler) InstanceRemoved(inst *instance.Instance) {
	s.mu.Lock()
	delete(s.instances, inst.ID)

	var toFail []types.AttemptID
	for slot, attemptID := range s.occupied {
		if slot.InstanceID == inst.ID {
			toFail = append(toFail, attemptID)
			delete(s.occupied, slot)
		}
	}
	failer := s.failer
	s.mu.Unlock()

	if failer == nil {
		return
	}
	for _, attemptID := range toFail {
		failer.FailExecution(attemptID, fmt.Errorf("instance %s is no longer registered", types.ShortID(inst.ID)))
	}
}

// GetTotalNumberOfSlots returns the sum of slot capacity across all
// registered instances.
func (s *Scheduler) GetTotalNumberOfSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, inst := range s.instances {
		total += inst.Slots.Total()
	}
	return total
}

// GetNumberOfAvailableSlots returns the sum of free slots across all
// registered instances.
func (s *Scheduler) GetNumberOfAvailableSlots() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	free := 0
	for _, inst := range s.instances {
		free += inst.Slots.FreeCount()
	}
	return free
}

// Schedule requests a slot for the given execution attempt, following the
// locality fallback chain: co-located with one of preferredInstances, else
// on one of preferredHosts, else any free slot. If none is free and
// allowQueueing is true, it returns a future channel that resolves once a
// slot appears; the channel delivers exactly once. If allowQueueing is
// false, it returns an error immediately.
func (s *Scheduler) Schedule(attemptID types.AttemptID, preferredInstances []types.InstanceID, preferredHosts []string, allowQueueing bool) (*Slot, <-chan *Slot, error) {
	timer := metrics.NewTimer()
	s.mu.Lock()
	defer s.mu.Unlock()

	if slot := s.tryAcquireLocked(attemptID, preferredInstances, preferredHosts); slot != nil {
		timer.ObserveDuration(metrics.SchedulingLatency)
		return slot, nil, nil
	}

	if !allowQueueing {
		return nil, nil, fmt.Errorf("no free slot for attempt %s and queued scheduling is disabled", types.ShortID(attemptID))
	}

	req := &pendingRequest{
		attemptID:          attemptID,
		preferredInstances: preferredInstances,
		preferredHosts:     preferredHosts,
		resultCh:           make(chan *Slot, 1),
	}
	s.pending = append(s.pending, req)
	return nil, req.resultCh, nil
}

// tryAcquireLocked attempts co-located, then same-host, then any-slot
// acquisition. Callers must hold s.mu.
func (s *Scheduler) tryAcquireLocked(attemptID types.AttemptID, preferredInstances []types.InstanceID, preferredHosts []string) *Slot {
	for _, id := range preferredInstances {
		if inst, ok := s.instances[id]; ok {
			if slot := s.acquireFromLocked(inst, attemptID); slot != nil {
				return slot
			}
		}
	}

	hostSet := make(map[string]bool, len(preferredHosts))
	for _, h := range preferredHosts {
		hostSet[h] = true
	}
	if len(hostSet) > 0 {
		for _, inst := range s.instances {
			if hostSet[inst.ConnInfo.Host] {
				if slot := s.acquireFromLocked(inst, attemptID); slot != nil {
					return slot
				}
			}
		}
	}

	for _, inst := range s.instances {
		if slot := s.acquireFromLocked(inst, attemptID); slot != nil {
			return slot
		}
	}
	return nil
}

func (s *Scheduler) acquireFromLocked(inst *instance.Instance, attemptID types.AttemptID) *Slot {
	idx, ok := inst.Slots.Acquire()
	if !ok {
		return nil
	}
	slot := &Slot{InstanceID: inst.ID, Index: idx, Host: inst.ConnInfo.Host}
	s.occupied[*slot] = attemptID
	return slot
}

// drainPendingLocked satisfies as many queued requests as current capacity
// allows, in FIFO order. Callers must hold s.mu.
func (s *Scheduler) drainPendingLocked() {
	var remaining []*pendingRequest
	for _, req := range s.pending {
		slot := s.tryAcquireLocked(req.attemptID, req.preferredInstances, req.preferredHosts)
		if slot == nil {
			remaining = append(remaining, req)
			continue
		}
		req.resultCh <- slot
		close(req.resultCh)
	}
	s.pending = remaining
}

// Release returns a leased slot to the free pool. Called by the owning
// Execution Graph when an attempt terminates.
func (s *Scheduler) Release(slot Slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.occupied, slot)
	if inst, ok := s.instances[slot.InstanceID]; ok {
		inst.Slots.Release(slot.Index)
	}
	s.drainPendingLocked()
}
