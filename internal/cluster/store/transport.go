package store

import (
	"net"
	"time"

	"github.com/hashicorp/raft"
	"github.com/rqlite/rqlite/v8/tcp"
)

// raftLayer carries raft traffic over the raft header of the node's mux.
type raftLayer struct {
	*tcp.Layer
}

var _ raft.StreamLayer = raftLayer{}

func newRaftLayer(ly *tcp.Layer) raftLayer {
	return raftLayer{Layer: ly}
}

func (l raftLayer) Dial(addr raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	return l.Layer.Dial(string(addr), timeout)
}
