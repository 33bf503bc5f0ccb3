// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package network

import (
	"net"

	"github.com/rqlite/rqlite/v8/tcp"
)

// muxHeader specifies the header byte for node to node communication.
type muxHeader byte

const (
	_ muxHeader = iota
	// muxHeaderRaft is the byte used to indicate internode Raft communication
	muxHeaderRaft
)

func NewRaftListener(mux *tcp.Mux) net.Listener {
	return mux.Listen(byte(muxHeaderRaft))
}

func NewRaftDialer() *tcp.Dialer {
	return tcp.NewDialer(byte(muxHeaderRaft), nil)
}

// NewRaftLayer returns the network layer raft transports its messages over.
func NewRaftLayer(mux *tcp.Mux) *tcp.Layer {
	return tcp.NewLayer(NewRaftListener(mux), NewRaftDialer())
}
