// Package deployment keeps a directory of BPMN files deployed. Every file is
// deployed on start and deployed again whenever it is written.
package deployment

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/pbinitiative/zencond/internal/config"
	"github.com/pbinitiative/zencond/internal/log"
	"github.com/pbinitiative/zencond/pkg/bpmn/runtime"
)

const bpmnExtension = ".bpmn"

type Deployer interface {
	Deploy(ctx context.Context, data []byte, resourceName string, tenantId string) (runtime.ProcessDefinition, error)
}

type Watcher struct {
	dir      string
	tenantId string
	deployer Deployer
}

func NewWatcher(conf config.Deployments, deployer Deployer) *Watcher {
	return &Watcher{
		dir:      conf.Dir,
		tenantId: conf.TenantId,
		deployer: deployer,
	}
}

// DeployAll deploys every BPMN file of the directory. Files failing to
// deploy are logged and skipped.
func (w *Watcher) DeployAll(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read deployments directory %s: %w", w.dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isBpmn(entry.Name()) {
			continue
		}
		w.deploy(ctx, filepath.Join(w.dir, entry.Name()))
	}
	return nil
}

// Start deploys the directory and watches it until stop is called or ctx is
// done.
func (w *Watcher) Start(ctx context.Context) (stop func(), err error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("deployments watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("deployments watcher add %s: %w", w.dir, err)
	}
	if err := w.DeployAll(ctx); err != nil {
		fw.Close()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer fw.Close()
		for {
			select {
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if isBpmn(ev.Name) && (ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					w.deploy(ctx, ev.Name)
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.Errorf(ctx, "deployments watcher of %s failed: %s", w.dir, err)
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }, nil
}

// deploy deploys the file, unchanged content does not create a new version.
func (w *Watcher) deploy(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Errorf(ctx, "failed to read %s: %s", path, err)
		return
	}
	if len(data) == 0 {
		// the file was created but not written yet
		return
	}
	definition, err := w.deployer.Deploy(ctx, data, filepath.Base(path), w.tenantId)
	if err != nil {
		log.Errorf(ctx, "failed to deploy %s: %s", path, err)
		return
	}
	log.Infof(ctx, "deployed %s as %s version %d (key %d)", path, definition.BpmnProcessId, definition.Version, definition.Key)
}

func isBpmn(name string) bool {
	return strings.EqualFold(filepath.Ext(name), bpmnExtension)
}
