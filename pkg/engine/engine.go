// Package engine orchestrates update sessions: it sequences validation,
// backup, install, confirmation, and rollback into one coherent flow and
// reports every transition to the manager device.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/augmentos/lenswatch/pkg/backup"
	"github.com/augmentos/lenswatch/pkg/channel"
	"github.com/augmentos/lenswatch/pkg/command"
	"github.com/augmentos/lenswatch/pkg/install"
	"github.com/augmentos/lenswatch/pkg/internal/logfields"
	"github.com/augmentos/lenswatch/pkg/logging"
	"github.com/augmentos/lenswatch/pkg/marker"
	"github.com/augmentos/lenswatch/pkg/session"
	"github.com/augmentos/lenswatch/pkg/storage"
	"github.com/augmentos/lenswatch/pkg/updatepkg"
	"github.com/augmentos/lenswatch/pkg/workgroup"
	"github.com/pkg/errors"
)

const (
	initialPollDelay = time.Minute

	// commandQueue bounds buffered commands so dispatch never blocks the
	// transport's receive loop.
	commandQueue = 16
)

// Engine is the update state machine. It owns the single device-wide
// session; every component call receives the session's data explicitly.
type Engine struct {
	log       logging.Logger
	layout    storage.Layout
	ch        channel.Channel
	validator *updatepkg.Validator
	backups   *backup.Manager
	installer *install.Installer

	lock  session.Lock
	cmds  chan command.Command
	fatal atomic.Bool
	now   func() time.Time

	checks        *checkCache
	checkInterval time.Duration
	initialDelay  time.Duration
}

func New(layout storage.Layout, ch channel.Channel, validator *updatepkg.Validator, backups *backup.Manager, installer *install.Installer, checkInterval time.Duration, log logging.Logger) *Engine {
	return &Engine{
		log:           log,
		layout:        layout,
		ch:            ch,
		validator:     validator,
		backups:       backups,
		installer:     installer,
		cmds:          make(chan command.Command, commandQueue),
		now:           time.Now,
		checks:        &checkCache{},
		checkInterval: checkInterval,
		initialDelay:  initialPollDelay,
	}
}

// InvalidateCheck discards the cached check-for-update answer. Wired to the
// stage watcher so a newly staged package is noticed immediately.
func (e *Engine) InvalidateCheck() {
	e.checks.invalidate()
}

// Reset clears a fatal latch after manual recovery. This is the external
// reset spoken of by the fatal handling; nothing inside the engine calls it.
func (e *Engine) Reset() {
	if e.fatal.CompareAndSwap(true, false) {
		e.log.Warn("fatal latch cleared by external reset")
	}
}

// Run listens for commands and dispatches sessions until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Debug("starting")
	defer e.log.Debug("finished")

	e.preflight(ctx)

	group := workgroup.WithContext(ctx)
	group.Work(func(ctx context.Context) error {
		return e.ch.Listen(ctx, e)
	})
	group.Work(e.dispatch)
	group.Work(e.periodicChecker)

	<-ctx.Done()
	e.log.Info("waiting on workers to finish")
	return group.Wait()
}

// OnCommand enqueues without blocking: the transport's receive loop must
// stay free to deliver a cancel or a status query during a slow install.
func (e *Engine) OnCommand(cmd command.Command) {
	select {
	case e.cmds <- cmd:
	default:
		e.emit(command.StatusEvent{
			RequestID: cmd.RequestID,
			State:     e.currentState(),
			Detail:    "command queue full",
			ErrorKind: marker.ErrorInvalidCommand,
		})
	}
}

func (e *Engine) dispatch(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-e.cmds:
			switch cmd.Action {
			case marker.ActionCheckForUpdate:
				e.handleCheck(cmd)
			case marker.ActionCancel:
				e.handleCancel(cmd)
			case marker.ActionInstallUpdate:
				e.startInstall(ctx, cmd)
			}
		}
	}
}

// startInstall begins a session in its own worker so dispatch stays
// responsive. A second install while one is in flight is rejected, not
// queued.
func (e *Engine) startInstall(ctx context.Context, cmd command.Command) {
	if e.fatal.Load() {
		e.emit(command.StatusEvent{
			RequestID: cmd.RequestID,
			State:     marker.StateFatal,
			Detail:    "engine requires manual recovery; installs refused until reset",
			ErrorKind: marker.ErrorFatal,
		})
		return
	}

	sess := session.New(cmd, e.now())
	if err := e.lock.Acquire(sess); err != nil {
		e.emit(command.StatusEvent{
			RequestID: cmd.RequestID,
			State:     e.currentState(),
			Detail:    session.ErrBusy.Error(),
			ErrorKind: marker.ErrorInvalidCommand,
		})
		return
	}
	go e.runSession(ctx, sess)
}

func (e *Engine) handleCancel(cmd command.Command) {
	sess := e.lock.Active()
	if sess == nil {
		e.emit(command.StatusEvent{
			RequestID: cmd.RequestID,
			State:     e.currentState(),
			Detail:    "no active session to cancel",
			ErrorKind: marker.ErrorInvalidCommand,
		})
		return
	}
	// The session accepts or refuses atomically against its own
	// transitions, so an accepted cancel is always honored.
	if !sess.RequestCancel() {
		e.emit(command.StatusEvent{
			RequestID: cmd.RequestID,
			State:     sess.State(),
			Detail:    "cannot cancel once install has begun",
			ErrorKind: marker.ErrorInvalidCommand,
		})
		return
	}
	e.emit(command.StatusEvent{
		RequestID: cmd.RequestID,
		State:     sess.State(),
		Detail:    "cancel requested",
	})
}

// runSession drives one install command through the state machine. The lock
// is released only on reaching a resting state.
func (e *Engine) runSession(ctx context.Context, sess *session.Session) {
	defer e.lock.Release(sess)
	log := e.log.WithFields(logfields.Session(sess))
	cmd := sess.Command

	e.step(sess, marker.StateValidating, "validating staged package")
	pkg, err := e.validator.Validate(ctx, cmd.PackageRef)
	if err != nil {
		// Nothing has been touched; no cleanup needed.
		log.WithError(err).Error("staged package rejected")
		e.finish(sess, marker.StateIdle, err.Error(), updatepkg.KindOf(err))
		return
	}
	if sess.CancelRequested() {
		e.finish(sess, marker.StateIdle, "session canceled", marker.ErrorNone)
		return
	}

	e.step(sess, marker.StateBackingUp, "backing up installed application")
	rec, err := e.backups.Create(ctx, e.installedVersion())
	if err != nil {
		log.WithError(err).Error("backup failed; aborting before any install write")
		e.finish(sess, marker.StateIdle, err.Error(), marker.ErrorBackupFailed)
		return
	}
	sess.Backup = rec

	// Entering Installing and the cancel flag share the session's lock: a
	// cancel accepted after this transition never happens, one accepted
	// before it always lands here.
	if err := e.step(sess, marker.StateInstalling, "installing "+pkg.Manifest.VersionName); err != nil {
		if errors.Is(err, session.ErrCanceled) {
			e.finish(sess, marker.StateIdle, "session canceled", marker.ErrorNone)
		}
		return
	}
	if err := e.installer.Apply(ctx, pkg, sess.Backup); err != nil {
		log.WithError(err).Error("install failed")
		e.rollback(ctx, sess, installKind(err), err)
		return
	}

	e.step(sess, marker.StateConfirming, "confirming new version")
	out, err := e.installer.Confirm(ctx, pkg)
	if err != nil {
		log.WithError(err).Error("install not confirmed")
		e.rollback(ctx, sess, installKind(err), err)
		return
	}

	e.checks.invalidate()
	e.cleanupStaged()
	log.WithField("version", out.VersionName).Info("update completed")
	e.finish(sess, marker.StateCompleted, "installed "+out.VersionName, marker.ErrorNone)
}

// rollback restores the session's backup and re-runs the same confirmation
// probe an install uses. If that also fails the condition is fatal: no
// second automatic rollback is attempted, to avoid oscillating between
// broken states.
func (e *Engine) rollback(ctx context.Context, sess *session.Session, kind marker.ErrorKind, cause error) {
	log := e.log.WithFields(logfields.Session(sess))
	e.step(sess, marker.StateRollingBack, "rolling back: "+cause.Error())

	err := func() error {
		if err := e.installer.Quiesce(ctx); err != nil {
			return errors.WithMessage(err, "quiesce for restore")
		}
		if err := e.backups.Restore(ctx, sess.Backup); err != nil {
			return err
		}
		return e.installer.Relaunch(ctx)
	}()
	if err != nil {
		sess.LastError = err
		e.fatal.Store(true)
		log.WithError(err).Error("restore failed; manual recovery required")
		e.finish(sess, marker.StateFatal, "restore failed: "+err.Error(), marker.ErrorRestoreFailed)
		return
	}

	sess.LastError = cause
	log.Info("device restored to prior version")
	e.finish(sess, marker.StateRolledBack, "update failed; device restored to prior version", kind)
}

// step advances the session and reports the transition. A refused transition
// is returned to the caller; only the edge into Installing can be refused for
// a canceled session, anything else is a bug in the orchestrator itself.
func (e *Engine) step(sess *session.Session, next marker.SessionState, detail string) error {
	if err := sess.To(next); err != nil {
		if !errors.Is(err, session.ErrCanceled) {
			e.log.WithFields(logfields.Session(sess)).WithError(err).Error("state machine violation")
		}
		return err
	}
	e.emit(command.StatusEvent{
		RequestID: sess.Command.RequestID,
		State:     next,
		Detail:    detail,
	})
	return nil
}

// finish moves the session to a resting state and reports the outcome.
func (e *Engine) finish(sess *session.Session, state marker.SessionState, detail string, kind marker.ErrorKind) {
	if err := sess.To(state); err != nil {
		e.log.WithFields(logfields.Session(sess)).WithError(err).Error("state machine violation")
	}
	e.emit(command.StatusEvent{
		RequestID: sess.Command.RequestID,
		State:     state,
		Detail:    detail,
		ErrorKind: kind,
	})
}

func (e *Engine) currentState() marker.SessionState {
	if e.fatal.Load() {
		return marker.StateFatal
	}
	if sess := e.lock.Active(); sess != nil {
		return sess.State()
	}
	return marker.StateIdle
}

func (e *Engine) emit(ev command.StatusEvent) {
	if err := e.ch.Emit(ev); err != nil {
		e.log.WithError(err).Warn("could not emit status event")
	}
}

func (e *Engine) installedVersion() string {
	in, err := install.ReadInstalled(e.layout)
	if err != nil {
		return "unknown"
	}
	return in.VersionName
}

func installKind(err error) marker.ErrorKind {
	var ie *install.Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	return marker.ErrorInstallFailed
}
