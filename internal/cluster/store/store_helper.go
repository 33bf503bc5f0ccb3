package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rqlite/rqlite/v8/rsync"

	"github.com/pbinitiative/zencond/internal/cluster/zenerr"
)

// Open opens the store and configures underlying raft communication and storage
func (s *Store) Open() (retErr error) {
	defer func() {
		if retErr == nil {
			s.open.Store(true)
		}
	}()

	if s.open.Load() {
		return zenerr.ErrAlreadyOpen
	}
	s.logger.Info(fmt.Sprintf("opening store with node ID %s, listening on %s", s.raftID, s.layer.Addr().String()))

	// Setup Raft configuration.
	cfg := raft.DefaultConfig()
	cfg.LocalID = raft.ServerID(s.raftID)
	cfg.Logger = s.logger.Named("raft")

	// Create Raft-compatible network layer.
	s.raftTn = raft.NewNetworkTransport(newRaftLayer(s.layer), connectionPoolCount, connectionTimeout, nil)

	// Create the snapshot store. This allows the Raft to truncate the log.
	snapshots, err := raft.NewFileSnapshotStoreWithLogger(s.cfg.RaftDir, s.cfg.RetainSnapshotCount, s.logger.Named("snapshots"))
	if err != nil {
		return fmt.Errorf("file snapshot store: %s", err)
	}

	// Create the log store and stable store.
	boltDB, err := raftboltdb.New(raftboltdb.Options{
		Path: filepath.Join(s.cfg.RaftDir, "raft.db"),
	})
	if err != nil {
		return fmt.Errorf("new bbolt store: %s", err)
	}
	s.boltStore = boltDB

	// Instantiate the Raft systems.
	ra, err := raft.NewRaft(cfg, NewFSM(s), s.boltStore, s.boltStore, snapshots, s.raftTn)
	if err != nil {
		return fmt.Errorf("new raft: %s", err)
	}
	s.raft = ra
	s.observerChan = make(chan raft.Observation, observerChanLen)
	blocking := false
	s.observer = raft.NewObserver(s.observerChan, blocking, func(o *raft.Observation) bool {
		_, isLeaderChange := o.Data.(raft.LeaderObservation)
		_, isFailedHeartBeat := o.Data.(raft.FailedHeartbeatObservation)
		_, isPeerChange := o.Data.(raft.PeerObservation)
		return isLeaderChange || isFailedHeartBeat || isPeerChange
	})
	s.raft.RegisterObserver(s.observer)

	s.observerClose, s.observerDone = s.observe()
	return nil
}

// WaitForAllApplied waits for all Raft log entries to be applied to the
// state machine.
func (s *Store) WaitForAllApplied(timeout time.Duration) error {
	if timeout == 0 {
		return nil
	}
	return s.WaitForAppliedIndex(s.raft.LastIndex(), timeout)
}

// WaitForAppliedIndex blocks until a given log index has been applied,
// or the timeout expires.
func (s *Store) WaitForAppliedIndex(idx uint64, timeout time.Duration) error {
	ch := s.appliedTarget.Subscribe(idx)
	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for index %d to be applied", idx)
	}
}

// Bootstrap executes a cluster bootstrap on this node, using the given
// servers. A store which already has state is left untouched.
func (s *Store) Bootstrap(servers ...raft.Server) error {
	if !s.open.Load() {
		return zenerr.ErrNotOpen
	}
	fut := s.raft.BootstrapCluster(raft.Configuration{
		Servers: servers,
	})
	if err := fut.Error(); err != nil {
		if errors.Is(err, raft.ErrCantBootstrap) {
			s.logger.Info("store already has state, skipping bootstrap")
			return nil
		}
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}
	return nil
}

// BootstrapSelf bootstraps a cluster made of this node and the given peers.
func (s *Store) BootstrapSelf(peers ...raft.Server) error {
	servers := append([]raft.Server{{
		Suffrage: raft.Voter,
		ID:       raft.ServerID(s.raftID),
		Address:  raft.ServerAddress(s.Addr()),
	}}, peers...)
	return s.Bootstrap(servers...)
}

// Stepdown forces this node to relinquish leadership to another node in
// the cluster. If this node is not the leader, and 'wait' is true, an error
// will be returned.
func (s *Store) Stepdown(wait bool) error {
	if !s.open.Load() {
		return zenerr.ErrNotOpen
	}
	f := s.raft.LeadershipTransfer()
	if !wait {
		return nil
	}
	return f.Error()
}

// IsLeader is used to determine if the current node is cluster leader
func (s *Store) IsLeader() bool {
	if !s.open.Load() {
		return false
	}
	return s.raft.State() == raft.Leader
}

// HasLeader returns true if the cluster has a leader, false otherwise.
func (s *Store) HasLeader() bool {
	if !s.open.Load() {
		return false
	}
	addr, _ := s.raft.LeaderWithID()
	return addr != ""
}

// WaitForLeader blocks until a leader is detected, or the timeout expires.
func (s *Store) WaitForLeader(timeout time.Duration) (string, error) {
	var leaderAddr string
	check := func() bool {
		var chkErr error
		leaderAddr, chkErr = s.LeaderAddr()
		return chkErr == nil && leaderAddr != ""
	}
	err := rsync.NewPollTrue(check, leaderWaitDelay, timeout).Run("leader")
	if err != nil {
		return "", zenerr.ErrWaitForLeaderTimeout
	}
	return leaderAddr, err
}

// IsVoter returns true if the current node is a voter in the cluster. If there
// is no reference to the current node in the current cluster configuration then
// false will also be returned.
func (s *Store) IsVoter() (bool, error) {
	servers, err := s.Servers()
	if err != nil {
		return false, err
	}
	for _, srv := range servers {
		if srv.ID == raft.ServerID(s.raftID) {
			return srv.Suffrage == raft.Voter, nil
		}
	}
	return false, nil
}

// Addr returns the address of the store.
func (s *Store) Addr() string {
	if s.raftTn == nil {
		return ""
	}
	return string(s.raftTn.LocalAddr())
}

// ID returns the Raft ID of the store.
func (s *Store) ID() string {
	return s.raftID
}

// LeaderAddr returns the address of the current leader. Returns a
// blank string if there is no leader or if the Store is not open.
func (s *Store) LeaderAddr() (string, error) {
	addr, _ := s.LeaderWithID()
	return addr, nil
}

// LeaderID returns the node ID of the Raft leader. Returns a
// blank string if there is no leader, or an error.
func (s *Store) LeaderID() (string, error) {
	_, id := s.LeaderWithID()
	return id, nil
}

// LeaderWithID is used to return the current leader address and ID of the cluster.
// It may return empty strings if there is no current leader or the leader is unknown.
func (s *Store) LeaderWithID() (string, string) {
	if !s.open.Load() {
		return "", ""
	}
	addr, id := s.raft.LeaderWithID()
	return string(addr), string(id)
}

// CommitIndex returns the Raft commit index.
func (s *Store) CommitIndex() (uint64, error) {
	if !s.open.Load() {
		return 0, zenerr.ErrNotOpen
	}
	return s.raft.CommitIndex(), nil
}

// Close closes the store. If wait is true, waits for a graceful shutdown.
func (s *Store) Close(wait bool) (retErr error) {
	defer func() {
		if retErr == nil {
			s.logger.Info(fmt.Sprintf("store closed with node ID %s, listening on %s", s.raftID, s.layer.Addr().String()))
			s.open.Store(false)
		}
	}()
	if !s.open.Load() {
		// Protect against closing already-closed resource, such as channels.
		return nil
	}

	s.raft.DeregisterObserver(s.observer)
	close(s.observerClose)
	<-s.observerDone

	f := s.raft.Shutdown()
	if wait {
		if err := f.Error(); err != nil {
			return err
		}
	}
	return s.boltStore.Close()
}
