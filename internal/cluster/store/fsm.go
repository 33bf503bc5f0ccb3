// Copyright 2021-present ZenBPM Contributors
// (based on git commit history).
//
// ZenBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/pbinitiative/zencond/internal/cluster/command"
)

// StateMachine is the replicated state, the engine of the node.
type StateMachine interface {
	// ApplyCommand must be deterministic: every node applying the same log
	// ends up in the same state. The returned error is handed to the caller
	// of Apply and does not stop the log.
	ApplyCommand(ctx context.Context, cmd command.Command) (any, error)
	WriteSnapshot(w io.Writer) error
	ReadSnapshot(r io.Reader) error
}

type fsmResponse struct {
	value any
	err   error
}

// FSM is Finite State Machine of the system state
type FSM struct {
	store *Store
}

// NewFSM returns a new FSM.
func NewFSM(s *Store) *FSM {
	return &FSM{store: s}
}

var _ raft.FSM = &FSM{}

// Apply is called once a log entry is committed by a majority of the cluster.
//
// Apply should apply the log to the FSM. Apply must be deterministic and
// produce the same result on all peers in the cluster.
//
// The returned value is returned to the client as the ApplyFuture.Response.
func (f *FSM) Apply(l *raft.Log) interface{} {
	defer f.store.appliedTarget.Signal(l.Index)
	cmd, err := command.Unmarshal(l.Data)
	if err != nil {
		panic(fmt.Sprintf("failed to unmarshal command at index %d: %s", l.Index, err.Error()))
	}
	value, err := f.store.machine.ApplyCommand(cmd.Context(context.Background()), cmd)
	return &fsmResponse{value: value, err: err}
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	var buf bytes.Buffer
	if err := f.store.machine.WriteSnapshot(&buf); err != nil {
		return nil, err
	}
	return &engineSnapshot{data: buf.Bytes(), index: f.store.raft.AppliedIndex()}, nil
}

// Restore replaces the state, no lock required according to Hashicorp docs.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	return f.store.machine.ReadSnapshot(rc)
}
