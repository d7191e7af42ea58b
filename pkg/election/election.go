// Package election implements the Leader Election Client: it observes an
// external election backend (here, a hashicorp/raft group used purely for
// leadership, never for replicating job state) and delivers
// leadership-granted/revoked notifications to the coordinator.
package election

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/streamforge/pkg/log"
	"github.com/cuemby/streamforge/pkg/types"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Grant is delivered when the election backend hands this replica a new
// leader session.
type Grant struct {
	SessionID types.LeaderSessionID
}

// noopFSM satisfies raft.FSM without replicating any business state: the
// live-jobs table stays coordinator-local and in-memory per spec.md §3.
type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) interface{} { return nil }
func (noopFSM) Snapshot() (raft.FSMSnapshot, error) {
	return noopSnapshot{}, nil
}
func (noopFSM) Restore(rc io.ReadCloser) error { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

// Config configures the raft group backing the election client.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
	Bootstrap bool
}

// Client is the Leader Election Client. It has no business logic of its
// own: it watches raft.Raft.LeaderCh() and translates transitions into
// Grant/Revoke notifications, and lets the coordinator confirm a granted
// session once it has finished any blocking confirmation work.
type Client struct {
	raft   *raft.Raft
	logger zerolog.Logger

	grantCh  chan Grant
	revokeCh chan struct{}
	errCh    chan error
}

// New starts (or joins) the raft group and returns an election Client.
func New(cfg Config) (*Client, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create election data dir: %w", err)
	}

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := resolveTCPAddr(cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve election bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("failed to create raft snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create raft log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create raft stable store: %w", err)
	}

	r, err := raft.NewRaft(raftConfig, noopFSM{}, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to start raft: %w", err)
	}

	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{ID: raftConfig.LocalID, Address: transport.LocalAddr()},
			},
		}
		if future := r.BootstrapCluster(configuration); future.Error() != nil {
			return nil, fmt.Errorf("failed to bootstrap election group: %w", future.Error())
		}
	}

	c := &Client{
		raft:     r,
		logger:   log.WithComponent("election"),
		grantCh:  make(chan Grant, 1),
		revokeCh: make(chan struct{}, 1),
		errCh:    make(chan error, 1),
	}
	go c.watchLeadership()
	return c, nil
}

func resolveTCPAddr(bindAddr string) (*net.TCPAddr, error) {
	return net.ResolveTCPAddr("tcp", bindAddr)
}

// watchLeadership translates raft's leaderCh booleans into session-stamped
// Grant/Revoke notifications. A fresh session id is minted on every
// ascension to leader, matching "changes atomically at each leadership
// grant" (spec.md §3).
func (c *Client) watchLeadership() {
	for isLeader := range c.raft.LeaderCh() {
		if isLeader {
			session := types.NewID()
			c.logger.Info().Str("session_id", types.ShortID(session)).Msg("leadership granted")
			c.grantCh <- Grant{SessionID: session}
		} else {
			c.logger.Info().Msg("leadership revoked")
			select {
			case c.revokeCh <- struct{}{}:
			default:
			}
		}
	}
}

// Grants returns the channel on which leadership grants are delivered.
func (c *Client) Grants() <-chan Grant { return c.grantCh }

// Revokes returns the channel on which leadership revocations are delivered.
func (c *Client) Revokes() <-chan struct{} { return c.revokeCh }

// Errors returns the channel on which backend errors are delivered; the
// coordinator treats any error here as fatal and self-destructs (spec.md §4.5).
func (c *Client) Errors() <-chan error { return c.errCh }

// Confirm acknowledges a granted session to the election backend. This call
// may block and must never run on the coordinator's inbound loop; raft's
// VerifyLeader confirms this replica still holds leadership as of the call.
func (c *Client) Confirm() error {
	future := c.raft.VerifyLeader()
	if err := future.Error(); err != nil {
		return fmt.Errorf("failed to confirm leader session: %w", err)
	}
	return nil
}

// IsLeader reports whether this replica currently believes it is leader,
// without going through the Grant/Revoke channel.
func (c *Client) IsLeader() bool {
	return c.raft.State() == raft.Leader
}

// Shutdown releases the raft group's resources.
func (c *Client) Shutdown() error {
	if future := c.raft.Shutdown(); future.Error() != nil {
		return fmt.Errorf("failed to shut down election backend: %w", future.Error())
	}
	return nil
}
