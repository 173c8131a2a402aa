// Package stagewatch observes the staged-package root so the manager device
// hears when the expected storage directory is missing and when a package
// lands, without polling.
package stagewatch

import (
	"context"
	"os"
	"path/filepath"

	"github.com/augmentos/lenswatch/pkg/channel"
	"github.com/augmentos/lenswatch/pkg/command"
	"github.com/augmentos/lenswatch/pkg/logging"
	"github.com/augmentos/lenswatch/pkg/marker"
	"github.com/augmentos/lenswatch/pkg/storage"
	"github.com/augmentos/lenswatch/pkg/updatepkg"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher reports staged-slot changes over the status channel and invalidates
// the engine's cached update-check result.
type Watcher struct {
	layout   storage.Layout
	emit     channel.Emitter
	log      logging.Logger
	onChange func()
}

func New(layout storage.Layout, emit channel.Emitter, onChange func(), log logging.Logger) *Watcher {
	return &Watcher{
		layout:   layout,
		emit:     emit,
		log:      log,
		onChange: onChange,
	}
}

// Run watches until the context ends. A missing staged root is reported once
// and the watch falls back to its parent so creation is noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create watcher")
	}
	defer fw.Close()

	target := w.layout.StagedRoot
	if _, err := os.Stat(target); err != nil {
		w.report("staged storage directory does not exist")
		target = filepath.Dir(target)
	}
	if err := fw.Add(target); err != nil {
		return errors.Wrapf(err, "watch %s", target)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handle(fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("stage watch error")
		}
	}
}

func (w *Watcher) handle(fw *fsnotify.Watcher, event fsnotify.Event) {
	switch {
	case event.Name == w.layout.StagedRoot && event.Has(fsnotify.Create):
		w.report("staged storage directory created")
		if err := fw.Add(w.layout.StagedRoot); err != nil {
			w.log.WithError(err).Warn("could not watch created staged root")
		}
	case filepath.Base(event.Name) == updatepkg.ManifestName && (event.Has(fsnotify.Create) || event.Has(fsnotify.Write)):
		w.report("update package staged")
		if w.onChange != nil {
			w.onChange()
		}
	case event.Has(fsnotify.Remove) && filepath.Base(event.Name) == updatepkg.ManifestName:
		if w.onChange != nil {
			w.onChange()
		}
	}
}

func (w *Watcher) report(detail string) {
	w.log.Info(detail)
	if err := w.emit.Emit(command.StatusEvent{
		State:  marker.StateIdle,
		Detail: detail,
	}); err != nil {
		w.log.WithError(err).Warn("could not emit stage report")
	}
}
