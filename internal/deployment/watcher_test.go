package deployment

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbinitiative/zencond/internal/config"
	"github.com/pbinitiative/zencond/pkg/bpmn"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

// lockedEngine serializes deployments of the watcher goroutine with the
// reads of the test.
type lockedEngine struct {
	mu     sync.Mutex
	engine *bpmn.Engine
	names  []string
}

func (l *lockedEngine) Deploy(ctx context.Context, data []byte, resourceName string, tenantId string) (runtime.ProcessDefinition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, resourceName)
	return l.engine.Deploy(ctx, data, resourceName, tenantId)
}

func (l *lockedEngine) versions(t *testing.T, processId string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	definitions, err := l.engine.FindProcessesById(t.Context(), processId, runtime.DefaultTenantId)
	if err != nil {
		return -1
	}
	return len(definitions)
}

func copyTestCase(t *testing.T, dir string, file string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("../../pkg/bpmn/test-cases", file))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), data, 0o644))
	return data
}

func TestDeployAllSkipsOtherFiles(t *testing.T) {
	// given
	dir := t.TempDir()
	copyTestCase(t, dir, "conditional-start.bpmn")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not a process"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.bpmn"), []byte("<bpmn"), 0o644))
	deployer := &lockedEngine{engine: bpmn.NewEngine()}

	// when
	err := NewWatcher(config.Deployments{Dir: dir}, deployer).DeployAll(t.Context())

	// then
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"conditional-start.bpmn", "broken.bpmn"}, deployer.names)
	assert.Equal(t, 1, deployer.versions(t, "conditional-start"))
}

func TestWatcherDeploysNewAndChangedFiles(t *testing.T) {
	// given
	dir := t.TempDir()
	deployer := &lockedEngine{engine: bpmn.NewEngine()}
	stop, err := NewWatcher(config.Deployments{Dir: dir}, deployer).Start(t.Context())
	require.NoError(t, err)
	defer stop()

	// when a file appears
	data := copyTestCase(t, dir, "conditional-start.bpmn")

	// then
	assert.Eventually(t, func() bool { return deployer.versions(t, "conditional-start") == 1 }, 5*time.Second, 50*time.Millisecond)

	// when it changes
	changed := append([]byte{}, data...)
	changed = append(changed, []byte("\n<!-- changed -->\n")...)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "conditional-start.bpmn"), changed, 0o644))

	// then a new version is deployed
	assert.Eventually(t, func() bool { return deployer.versions(t, "conditional-start") == 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestStartFailsForMissingDirectory(t *testing.T) {
	_, err := NewWatcher(config.Deployments{Dir: filepath.Join(t.TempDir(), "missing")}, &lockedEngine{engine: bpmn.NewEngine()}).Start(t.Context())

	assert.Error(t, err)
}
