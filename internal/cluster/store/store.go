package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rqlite/rqlite/v8/random"
	"github.com/rqlite/rqlite/v8/rsync"
	"github.com/rqlite/rqlite/v8/tcp"

	"github.com/pbinitiative/zencond/internal/cluster/command"
	"github.com/pbinitiative/zencond/internal/cluster/zenerr"
	"github.com/pbinitiative/zencond/internal/config"
)

const (
	observerChanLen     = 100
	connectionPoolCount = 5
	connectionTimeout   = 10 * time.Second
	leaderWaitDelay     = 100 * time.Millisecond
)

// Store replicates engine commands through raft. Every node applies the
// committed commands to its StateMachine in log order.
type Store struct {
	cfg Config

	open *atomic.Bool

	layer  *tcp.Layer
	raftTn *raft.NetworkTransport

	raftID    string // Node ID.
	raft      *raft.Raft // The consensus mechanism
	boltStore *raftboltdb.BoltStore
	logger    hclog.Logger

	machine       StateMachine
	appliedTarget *rsync.ReadyTarget[uint64]

	// Raft changes observer
	observer      *raft.Observer
	observerChan  chan raft.Observation
	observerClose chan struct{}
	observerDone  chan struct{}
}

type Config struct {
	NodeId              string
	RetainSnapshotCount int
	// ApplyTimeout bounds the wait for a command to be committed
	ApplyTimeout time.Duration
	RaftDir      string
}

// DefaultConfig provides default store configuration based on cluster configuration.
func DefaultConfig(c config.Cluster) Config {
	conf := Config{
		RetainSnapshotCount: 2,
		RaftDir:             c.RaftDir,
		ApplyTimeout:        c.ApplyTimeout,
		NodeId:              c.NodeId,
	}
	if conf.NodeId == "" {
		conf.NodeId = random.String()
	}
	if conf.RaftDir == "" {
		conf.RaftDir = "zencond_raft"
	}
	if conf.ApplyTimeout == 0 {
		conf.ApplyTimeout = 5 * time.Second
	}
	return conf
}

// New returns a new Store.
// The store is in closed state and needs to be opened by calling Open before usage.
func New(layer *tcp.Layer, machine StateMachine, c Config) *Store {
	return &Store{
		cfg:           c,
		logger:        hclog.Default().Named("zencond-store"),
		open:          &atomic.Bool{},
		raftID:        c.NodeId,
		layer:         layer,
		machine:       machine,
		appliedTarget: rsync.NewReadyTarget[uint64](),
		observerClose: make(chan struct{}),
		observerDone:  make(chan struct{}),
	}
}

// Apply writes the command into the log and returns the result of applying
// it on this node. Only the leader accepts commands.
func (s *Store) Apply(ctx context.Context, cmd command.Command) (any, error) {
	if !s.open.Load() {
		return nil, zenerr.ErrNotOpen
	}
	b, err := cmd.Marshal()
	if err != nil {
		return nil, err
	}
	timeout := s.cfg.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}
	f := s.raft.Apply(b, timeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, zenerr.ErrNotLeader
		}
		return nil, fmt.Errorf("failed to apply %s command to raft log: %w", cmd.Type, err)
	}
	res, ok := f.Response().(*fsmResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected response of %s command: %T", cmd.Type, f.Response())
	}
	return res.value, res.err
}

// Servers returns the raft configuration of the cluster.
func (s *Store) Servers() ([]raft.Server, error) {
	if !s.open.Load() {
		return nil, zenerr.ErrNotOpen
	}
	f := s.raft.GetConfiguration()
	if f.Error() != nil {
		return nil, fmt.Errorf("failed to get raft configuration: %w", f.Error())
	}
	return f.Configuration().Servers, nil
}

func (s *Store) observe() (closeCh, doneCh chan struct{}) {
	closeCh = make(chan struct{})
	doneCh = make(chan struct{})

	go func() {
		defer close(doneCh)
		for {
			select {
			case o := <-s.observerChan:
				switch signal := o.Data.(type) {
				case raft.LeaderObservation:
					switch {
					case signal.LeaderID == raft.ServerID(s.raftID):
						s.logger.Info(fmt.Sprintf("this node (ID=%s) is now Leader", s.raftID))
					case signal.LeaderID == "":
						s.logger.Warn("Leader is now unknown")
					default:
						s.logger.Info(fmt.Sprintf("node %s is now Leader", signal.LeaderID))
					}
				case raft.FailedHeartbeatObservation:
					s.logger.Warn(fmt.Sprintf("node %s failed heartbeat, last contact %s", signal.PeerID, signal.LastContact))
				case raft.PeerObservation:
					if signal.Removed {
						s.logger.Info(fmt.Sprintf("node %s was removed", signal.Peer.ID))
					} else {
						s.logger.Debug(fmt.Sprintf("node %s was updated", signal.Peer.ID))
					}
				}
			case <-closeCh:
				return
			}
		}
	}()
	return closeCh, doneCh
}
