package coordinator

import (
	"fmt"

	"github.com/cuemby/streamforge/pkg/election"
	"github.com/cuemby/streamforge/pkg/events"
	"github.com/cuemby/streamforge/pkg/metrics"
	"github.com/cuemby/streamforge/pkg/types"
)

// handleGrant implements the Standby -> Confirming -> Leading transition of
// spec.md §4.5. Confirmation calls the election backend, which may block, so
// it runs on its own goroutine and flips the state directly once confirmed;
// until then the state is Confirming and acceptsSession drops every message,
// including those already stamped with the new session id.
func (c *Coordinator) handleGrant(g election.Grant) {
	c.mu.Lock()
	if c.leadershipState == stateTerminating {
		c.mu.Unlock()
		return
	}
	c.leadershipState = stateConfirming
	session := g.SessionID
	c.leaderSessionID = &session
	c.mu.Unlock()

	go func() {
		if err := c.election.Confirm(); err != nil {
			c.logger.Error().Err(err).Msg("failed to confirm granted leader session, reverting to standby")
			c.handleRevoke()
			return
		}
		c.mu.Lock()
		if c.leadershipState == stateConfirming {
			c.leadershipState = stateLeading
		}
		c.mu.Unlock()
		metrics.LeaderStatus.Set(1)
		c.logger.Info().Str("session_id", types.ShortID(session)).Msg("leadership confirmed")
		c.broker.Publish(&events.Event{Type: events.EventLeadershipGranted, Message: "leadership confirmed"})
	}()
}

// handleRevoke implements the Leading|Confirming -> Standby transition: every
// live job is failed and cleared, every registered worker is told to
// disconnect and forgotten, and the session id is cleared so any message
// stamped with it is subsequently dropped (spec.md §4.5, §4.4).
func (c *Coordinator) handleRevoke() {
	c.mu.Lock()
	if c.leadershipState == stateStandby || c.leadershipState == stateTerminating {
		c.mu.Unlock()
		return
	}
	c.leadershipState = stateStandby
	c.leaderSessionID = nil
	c.mu.Unlock()

	metrics.LeaderStatus.Set(0)
	c.cancelAndClear(fmt.Errorf("coordinator is no longer the leader"))

	for _, inst := range c.instanceMgr.All() {
		if err := c.gateway.Disconnect(inst.ID, "JobManager is no longer the leader"); err != nil {
			c.logger.Warn().Err(err).Str("instance_id", types.ShortID(inst.ID)).Msg("failed to notify instance of disconnect")
		}
		c.instanceMgr.Unregister(inst.ID)
	}

	c.broker.Publish(&events.Event{Type: events.EventLeadershipRevoked, Message: "leadership revoked"})
}
