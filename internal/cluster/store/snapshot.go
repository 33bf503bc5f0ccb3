package store

import (
	"fmt"

	"github.com/hashicorp/raft"
)

// engineSnapshot is the serialized engine state taken at a log index.
type engineSnapshot struct {
	data  []byte
	index uint64
}

var _ raft.FSMSnapshot = &engineSnapshot{}

func (s *engineSnapshot) Persist(sink raft.SnapshotSink) error {
	if _, err := sink.Write(s.data); err != nil {
		return cancelSnapshot(sink, fmt.Errorf("failed to write snapshot at index %d: %w", s.index, err))
	}
	return sink.Close()
}

func (s *engineSnapshot) Release() {}

func cancelSnapshot(sink raft.SnapshotSink, err error) error {
	if cancelErr := sink.Cancel(); cancelErr != nil {
		return fmt.Errorf("%w (cancel: %s)", err, cancelErr)
	}
	return err
}
