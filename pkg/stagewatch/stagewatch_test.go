package stagewatch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/augmentos/lenswatch/pkg/command"
	"github.com/augmentos/lenswatch/pkg/internal/testoutput"
	"github.com/augmentos/lenswatch/pkg/logging"
	"github.com/augmentos/lenswatch/pkg/storage"
	"github.com/augmentos/lenswatch/pkg/updatepkg"
	"gotest.tools/assert"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []command.StatusEvent
}

func (r *recordingEmitter) Emit(ev command.StatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) waitForDetail(t *testing.T, detail string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for _, ev := range r.events {
			if ev.Detail == detail {
				r.mu.Unlock()
				return
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no event with detail %q", detail)
}

func runWatcher(t *testing.T, layout storage.Layout, emit *recordingEmitter, onChange func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := New(layout, emit, onChange, testoutput.Logger(t, logging.New("stagewatch")))
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NilError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("watcher did not shut down")
		}
	})
}

func TestReportsStagedManifest(t *testing.T) {
	root := t.TempDir()
	layout := storage.Layout{StagedRoot: filepath.Join(root, "staged")}
	assert.NilError(t, os.MkdirAll(layout.StagedRoot, 0o755))

	var changes atomic.Int32
	emit := &recordingEmitter{}
	runWatcher(t, layout, emit, func() { changes.Add(1) })

	// Give the watch a moment to establish before writing.
	time.Sleep(100 * time.Millisecond)
	assert.NilError(t, os.WriteFile(filepath.Join(layout.StagedRoot, updatepkg.ManifestName), []byte("{}"), 0o644))

	emit.waitForDetail(t, "update package staged")
	assert.Assert(t, changes.Load() >= 1, "staging invalidates the cached check answer")
}

func TestReportsMissingRootAndItsCreation(t *testing.T) {
	root := t.TempDir()
	layout := storage.Layout{StagedRoot: filepath.Join(root, "staged")}

	emit := &recordingEmitter{}
	runWatcher(t, layout, emit, nil)

	emit.waitForDetail(t, "staged storage directory does not exist")

	time.Sleep(100 * time.Millisecond)
	assert.NilError(t, os.Mkdir(layout.StagedRoot, 0o755))
	emit.waitForDetail(t, "staged storage directory created")

	// The recovered root is watched: a manifest landing there is noticed.
	time.Sleep(100 * time.Millisecond)
	assert.NilError(t, os.WriteFile(filepath.Join(layout.StagedRoot, updatepkg.ManifestName), []byte("{}"), 0o644))
	emit.waitForDetail(t, "update package staged")
}

func TestManifestRemovalInvalidatesOnly(t *testing.T) {
	root := t.TempDir()
	layout := storage.Layout{StagedRoot: filepath.Join(root, "staged")}
	assert.NilError(t, os.MkdirAll(layout.StagedRoot, 0o755))
	manifest := filepath.Join(layout.StagedRoot, updatepkg.ManifestName)
	assert.NilError(t, os.WriteFile(manifest, []byte("{}"), 0o644))

	var changes atomic.Int32
	emit := &recordingEmitter{}
	runWatcher(t, layout, emit, func() { changes.Add(1) })

	time.Sleep(100 * time.Millisecond)
	assert.NilError(t, os.Remove(manifest))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && changes.Load() == 0 {
		time.Sleep(10 * time.Millisecond)
	}
	assert.Assert(t, changes.Load() >= 1, "removal invalidates the cached check answer")
}
