package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/augmentos/lenswatch/pkg/command"
	"github.com/augmentos/lenswatch/pkg/install"
	"github.com/augmentos/lenswatch/pkg/logging"
	"github.com/augmentos/lenswatch/pkg/marker"
	"github.com/augmentos/lenswatch/pkg/updatepkg"
	goversion "github.com/hashicorp/go-version"
	"github.com/pkg/errors"
)

// checkCache memoizes the read-only check-for-update answer. Repeated checks
// with no state change yield identical results and touch nothing.
type checkCache struct {
	mu     sync.Mutex
	valid  bool
	answer string
}

func (c *checkCache) get(compute func() string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		c.answer = compute()
		c.valid = true
	}
	return c.answer
}

func (c *checkCache) invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

// handleCheck resolves whether a staged package newer than the installed
// version exists and reports that fact. No session is started.
func (e *Engine) handleCheck(cmd command.Command) {
	e.emit(command.StatusEvent{
		RequestID: cmd.RequestID,
		State:     e.currentState(),
		Detail:    e.checks.get(e.resolveCheck),
	})
}

func (e *Engine) resolveCheck() string {
	manifest, merr := updatepkg.ReadManifest(e.layout)
	if merr != nil {
		suffix := ""
		if installed, err := install.ReadInstalled(e.layout); err == nil {
			suffix = fmt.Sprintf(" (installed %s)", installed.VersionName)
		}
		if os.IsNotExist(merr) {
			return "no update staged" + suffix
		}
		return "staged manifest unreadable" + suffix
	}
	installed, err := install.ReadInstalled(e.layout)
	if err != nil {
		// No metadata means nothing confirmed in the slot; any staged
		// package counts as newer.
		return fmt.Sprintf("update available: %s", manifest.VersionName)
	}
	if newerStaged(manifest, installed) {
		return fmt.Sprintf("update available: %s (installed %s)", manifest.VersionName, installed.VersionName)
	}
	return fmt.Sprintf("up to date (installed %s)", installed.VersionName)
}

// newerStaged orders versions by the manifest's version code, the original
// device convention, falling back to semantic comparison of the names when
// the codes tie.
func newerStaged(m updatepkg.Manifest, in install.Installed) bool {
	if m.VersionCode != in.VersionCode {
		return m.VersionCode > in.VersionCode
	}
	mv, err := goversion.NewVersion(m.VersionName)
	if err != nil {
		return false
	}
	iv, err := goversion.NewVersion(in.VersionName)
	if err != nil {
		return false
	}
	return mv.GreaterThan(iv)
}

// periodicChecker re-resolves the staged slot on a slow cadence and reports
// only when the answer changes.
func (e *Engine) periodicChecker(ctx context.Context) error {
	log := e.log.WithField(logging.SubComponentField, "checker")
	timer := time.NewTimer(e.initialDelay)
	defer timer.Stop()

	var last string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			answer := e.checks.get(e.resolveCheck)
			if answer != last {
				last = answer
				log.WithField("answer", answer).Info("staged slot status changed")
				e.emit(command.StatusEvent{
					State:  e.currentState(),
					Detail: answer,
				})
			}
		}
		timer.Reset(e.checkInterval)
	}
}

// preflight runs the boot-time checks: report a missing storage layout,
// resolve an install left unconfirmed by a crash, sweep backup slots that
// never completed, and clear stale staged artifacts.
func (e *Engine) preflight(ctx context.Context) {
	if err := e.layout.Check(); err != nil {
		e.log.WithError(err).Warn("storage layout incomplete")
		e.emit(command.StatusEvent{
			State:  marker.StateIdle,
			Detail: "expected storage directory missing: " + err.Error(),
		})
	}
	e.resolvePending(ctx)
	if err := e.backups.Sweep(); err != nil {
		e.log.WithError(err).Warn("could not sweep backup slots")
	}
	e.cleanupStaged()
}

// resolvePending settles an install the previous run applied but never
// confirmed: the confirmation probe runs again, and if the pending version
// still cannot come up the pre-install backup is restored. Either way the
// device does not keep running a half-updated state.
func (e *Engine) resolvePending(ctx context.Context) {
	in, err := install.ReadInstalled(e.layout)
	if err != nil || !in.ConfirmedAt.IsZero() {
		return
	}
	e.log.WithField("version", in.VersionName).Warn("found applied but unconfirmed install")

	if out, err := e.installer.ConfirmPending(ctx); err == nil {
		e.checks.invalidate()
		e.emit(command.StatusEvent{
			State:  marker.StateIdle,
			Detail: "confirmed pending install of " + out.VersionName,
		})
		return
	}

	rec, err := e.backups.Current()
	if err == nil && rec != nil {
		err = func() error {
			if err := e.installer.Quiesce(ctx); err != nil {
				return err
			}
			if err := e.backups.Restore(ctx, rec); err != nil {
				return err
			}
			return e.installer.Relaunch(ctx)
		}()
	} else if err == nil {
		err = errors.New("no complete backup to restore")
	}
	if err != nil {
		e.fatal.Store(true)
		e.log.WithError(err).Error("could not resolve unconfirmed install; manual recovery required")
		e.emit(command.StatusEvent{
			State:     marker.StateFatal,
			Detail:    "unconfirmed install could not be resolved: " + err.Error(),
			ErrorKind: marker.ErrorRestoreFailed,
		})
		return
	}

	e.checks.invalidate()
	e.log.Info("unconfirmed install rolled back to prior version")
	e.emit(command.StatusEvent{
		State:     marker.StateIdle,
		Detail:    "unconfirmed install rolled back; device restored to prior version",
		ErrorKind: marker.ErrorInstallUnconfirmed,
	})
}

// cleanupStaged removes the staged package and manifest once the installed
// version is at least as new, so a consumed update is not re-offered.
func (e *Engine) cleanupStaged() {
	manifest, err := updatepkg.ReadManifest(e.layout)
	if err != nil {
		return
	}
	installed, err := install.ReadInstalled(e.layout)
	if err != nil {
		return
	}
	if newerStaged(manifest, installed) {
		return
	}
	if manifest.Package != "" {
		if path, err := e.layout.StagedPath(manifest.Package); err == nil {
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				e.log.WithError(err).Warn("could not remove stale staged package")
			}
		}
	}
	if err := os.Remove(filepath.Join(e.layout.StagedRoot, updatepkg.ManifestName)); err != nil && !os.IsNotExist(err) {
		e.log.WithError(err).Warn("could not remove stale staged manifest")
		return
	}
	e.log.Info("removed stale staged artifacts")
	e.checks.invalidate()
}
