// Package zenerr holds the errors shared by the cluster packages and
// reported to the REST layer.
package zenerr

import "errors"

var (
	ErrNotOpen     = errors.New("store not open")
	ErrAlreadyOpen = errors.New("store already open")

	// ErrNotLeader is returned for commands submitted to a follower. Commands
	// are not forwarded to the leader.
	ErrNotLeader = errors.New("not leader")

	ErrWaitForLeaderTimeout = errors.New("timeout waiting for leader")

	// ErrUnknownCommand is returned when a committed entry carries a command
	// type this node cannot apply.
	ErrUnknownCommand = errors.New("unknown command type")

	ErrInvalidPeer = errors.New("invalid cluster peer")
)
