package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rqlite/rqlite/v8/random"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zencond/internal/cluster/command"
	"github.com/pbinitiative/zencond/internal/cluster/network"
	"github.com/pbinitiative/zencond/internal/cluster/zenerr"
	"github.com/pbinitiative/zencond/internal/config"
)

var errOdd = errors.New("odd")

// counter sums up the variables named n of SET_VARIABLES commands and
// rejects odd values.
type counter struct {
	mu    sync.Mutex
	Total int `json:"total"`
}

func (c *counter) ApplyCommand(ctx context.Context, cmd command.Command) (any, error) {
	payload, err := command.Payload[command.SetVariables](cmd)
	if err != nil {
		return nil, err
	}
	n := int(payload.Variables["n"].(float64))
	if n%2 == 1 {
		return nil, errOdd
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Total += n
	return c.Total, nil
}

func (c *counter) WriteSnapshot(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.NewEncoder(w).Encode(c)
}

func (c *counter) ReadSnapshot(r io.Reader) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return json.NewDecoder(r).Decode(c)
}

func (c *counter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Total
}

func add(t *testing.T, n int) command.Command {
	t.Helper()
	cmd, err := command.New(t.Context(), int64(n), command.TypeSetVariables, command.SetVariables{Variables: map[string]any{"n": n}})
	require.NoError(t, err)
	return cmd
}

// TestNonOpenStore tests that a non-open Store handles public methods correctly.
func TestNonOpenStore(t *testing.T) {
	s := newMustTestStore(t, config.Cluster{NodeId: random.String(), RaftDir: t.TempDir()}, &counter{})

	assert.ErrorIs(t, s.Stepdown(false), zenerr.ErrNotOpen)
	assert.False(t, s.IsLeader())
	assert.False(t, s.HasLeader())
	_, err := s.IsVoter()
	assert.ErrorIs(t, err, zenerr.ErrNotOpen)
	_, err = s.CommitIndex()
	assert.ErrorIs(t, err, zenerr.ErrNotOpen)
	addr, id := s.LeaderWithID()
	assert.Empty(t, addr)
	assert.Empty(t, id)
	_, err = s.Apply(t.Context(), add(t, 2))
	assert.ErrorIs(t, err, zenerr.ErrNotOpen)
	assert.ErrorIs(t, s.BootstrapSelf(), zenerr.ErrNotOpen)
}

// TestOpenStoreSingleNode tests that a single node applies commands.
func TestOpenStoreSingleNode(t *testing.T) {
	machine := &counter{}
	s := newMustTestStore(t, config.Cluster{RaftDir: t.TempDir()}, machine)
	require.NoError(t, s.Open())
	require.NoError(t, s.BootstrapSelf())
	_, err := s.WaitForLeader(10 * time.Second)
	require.NoError(t, err)

	id, err := s.LeaderID()
	require.NoError(t, err)
	assert.Equal(t, s.ID(), id)
	voter, err := s.IsVoter()
	require.NoError(t, err)
	assert.True(t, voter)

	res, err := s.Apply(t.Context(), add(t, 2))
	require.NoError(t, err)
	assert.Equal(t, 2, res)

	// errors of the state machine are handed back without stopping the log
	_, err = s.Apply(t.Context(), add(t, 3))
	assert.ErrorIs(t, err, errOdd)

	res, err = s.Apply(t.Context(), add(t, 4))
	require.NoError(t, err)
	assert.Equal(t, 6, res)
}

// TestStoreRestartSingleNode tests that a store shutdown and opening a new
// instance replays the log into the state machine.
func TestStoreRestartSingleNode(t *testing.T) {
	c := config.Cluster{RaftDir: t.TempDir(), NodeId: random.String()}

	s := newMustTestStore(t, c, &counter{})
	require.NoError(t, s.Open())
	require.NoError(t, s.BootstrapSelf())
	_, err := s.WaitForLeader(10 * time.Second)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), add(t, 8))
	require.NoError(t, err)
	require.NoError(t, s.Close(true))

	machine := &counter{}
	s = newMustTestStore(t, c, machine)
	require.NoError(t, s.Open())
	// bootstrapping a store with state is a no-op
	require.NoError(t, s.BootstrapSelf())
	_, err = s.WaitForLeader(20 * time.Second)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return machine.total() == 8 }, 5*time.Second, 100*time.Millisecond)
}

// TestSingleNodeSnapshot tests that the FSM takes a snapshot and recovers
// from it.
func TestSingleNodeSnapshot(t *testing.T) {
	machine := &counter{}
	s := newMustTestStore(t, config.Cluster{RaftDir: t.TempDir()}, machine)
	require.NoError(t, s.Open())
	require.NoError(t, s.BootstrapSelf())
	_, err := s.WaitForLeader(10 * time.Second)
	require.NoError(t, err)
	_, err = s.Apply(t.Context(), add(t, 10))
	require.NoError(t, err)

	// Snap the node and write to disk.
	require.NoError(t, s.raft.Snapshot().Error())

	snapFile, err := os.Create(filepath.Join(t.TempDir(), "snapshot"))
	require.NoError(t, err)
	defer snapFile.Close()

	fsm := NewFSM(s)
	snapshot, err := fsm.Snapshot()
	require.NoError(t, err)
	require.NoError(t, snapshot.Persist(&mockSnapshotSink{snapFile}))

	// Zero out the state
	machine.Total = 0

	data, err := os.ReadFile(snapFile.Name())
	require.NoError(t, err)
	require.NoError(t, fsm.Restore(io.NopCloser(bytes.NewReader(data))))
	assert.Equal(t, 10, machine.total())
}

func TestApplyHonoursContextDeadline(t *testing.T) {
	s := newMustTestStore(t, config.Cluster{RaftDir: t.TempDir()}, &counter{})
	require.NoError(t, s.Open())
	require.NoError(t, s.BootstrapSelf())
	_, err := s.WaitForLeader(10 * time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithDeadline(t.Context(), time.Now().Add(-time.Second))
	defer cancel()
	_, err = s.Apply(ctx, add(t, 2))

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type mockSnapshotSink struct {
	*os.File
}

func (m *mockSnapshotSink) ID() string {
	return "1"
}

func (m *mockSnapshotSink) Cancel() error {
	return nil
}

func newMustTestStore(t *testing.T, c config.Cluster, machine StateMachine) *Store {
	mux, ln, err := network.NewNodeMux("127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start network mux: %s", err)
	}
	s := New(network.NewRaftLayer(mux), machine, DefaultConfig(c))
	t.Cleanup(func() {
		s.Close(true)
		ln.Close()
	})
	return s
}
