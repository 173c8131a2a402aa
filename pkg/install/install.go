// Package install applies a validated package to the device, replacing the
// running application, and confirms the new version actually comes up.
package install

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/augmentos/lenswatch/pkg/backup"
	"github.com/augmentos/lenswatch/pkg/logging"
	"github.com/augmentos/lenswatch/pkg/marker"
	"github.com/augmentos/lenswatch/pkg/storage"
	"github.com/augmentos/lenswatch/pkg/updatepkg"
	"github.com/pkg/errors"
)

// InstalledName is the metadata file describing what is installed, written
// into the install location on a confirmed install.
const InstalledName = "installed.json"

// Installed records the version currently occupying the install location.
type Installed struct {
	VersionName string    `json:"versionName"`
	VersionCode int64     `json:"versionCode"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// Outcome is a confirmed install result.
type Outcome struct {
	VersionName string
	VersionCode int64
	ConfirmedAt time.Time
}

// Error classifies install failures. Anything here after Apply has begun
// means the orchestrator must roll back.
type Error struct {
	Kind marker.ErrorKind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Installer performs the destructive install steps. Callers must hold the
// session and a complete backup; Apply refuses to run otherwise.
type Installer struct {
	layout storage.Layout
	sup    Supervisor
	log    logging.Logger

	probeTimeout  time.Duration
	probeInterval time.Duration
	now           func() time.Time
}

func New(layout storage.Layout, sup Supervisor, probeTimeout, probeInterval time.Duration, log logging.Logger) *Installer {
	return &Installer{
		layout:        layout,
		sup:           sup,
		log:           log,
		probeTimeout:  probeTimeout,
		probeInterval: probeInterval,
		now:           time.Now,
	}
}

// Apply quiesces the application and replaces the install location's
// contents with the validated package. It will not begin unless the passed
// backup record is complete - that ordering is the engine's central safety
// guarantee, enforced again here so no caller can skip it.
func (ins *Installer) Apply(ctx context.Context, pkg *updatepkg.Package, rec *backup.Record) error {
	if rec == nil || !rec.Complete {
		return &Error{Kind: marker.ErrorInstallFailed, Err: errors.New("refusing to install without a complete backup")}
	}

	if err := ins.Quiesce(ctx); err != nil {
		return &Error{Kind: marker.ErrorInstallFailed, Err: errors.WithMessage(err, "quiesce application")}
	}

	scratch := ins.layout.InstallDir + ".next"
	if err := os.RemoveAll(scratch); err != nil {
		return &Error{Kind: marker.ErrorInstallFailed, Err: errors.Wrap(err, "clear scratch slot")}
	}
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return &Error{Kind: marker.ErrorInstallFailed, Err: errors.Wrap(err, "create scratch slot")}
	}
	if err := ins.stagePayload(ctx, pkg, scratch); err != nil {
		os.RemoveAll(scratch)
		return &Error{Kind: marker.ErrorInstallFailed, Err: err}
	}
	if err := storage.SwapDir(scratch, ins.layout.InstallDir); err != nil {
		os.RemoveAll(scratch)
		return &Error{Kind: marker.ErrorInstallFailed, Err: errors.WithMessage(err, "swap install contents")}
	}
	ins.log.WithField("version", pkg.Manifest.VersionName).Info("package applied")
	return nil
}

// stagePayload builds the new install tree in scratch: the package payload
// plus the installed metadata for the version it delivers.
func (ins *Installer) stagePayload(ctx context.Context, pkg *updatepkg.Package, scratch string) error {
	payload := filepath.Join(scratch, filepath.Base(pkg.Path))
	if err := copyPayload(ctx, pkg.Path, payload); err != nil {
		return errors.WithMessage(err, "stage package payload")
	}
	installed := Installed{
		VersionName: pkg.Manifest.VersionName,
		VersionCode: pkg.Manifest.VersionCode,
		ConfirmedAt: time.Time{},
	}
	raw, err := json.MarshalIndent(&installed, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(filepath.Join(scratch, InstalledName), raw, 0o644)
}

// Confirm launches the application and probes it for readiness within the
// bounded timeout. A timeout is a failure: the orchestrator rolls back, it
// never assumes success.
func (ins *Installer) Confirm(ctx context.Context, pkg *updatepkg.Package) (*Outcome, error) {
	return ins.confirm(ctx, pkg.Manifest.VersionName, pkg.Manifest.VersionCode)
}

// ConfirmPending resolves an install that was applied but never confirmed,
// as after a process death between the content swap and a passing probe. The
// same confirmation probe runs; on success the pending version is confirmed
// in place. Absence of any pending install is reported as os.ErrNotExist.
func (ins *Installer) ConfirmPending(ctx context.Context) (*Outcome, error) {
	in, err := ReadInstalled(ins.layout)
	if err != nil {
		return nil, err
	}
	if !in.ConfirmedAt.IsZero() {
		return nil, os.ErrNotExist
	}
	return ins.confirm(ctx, in.VersionName, in.VersionCode)
}

func (ins *Installer) confirm(ctx context.Context, versionName string, versionCode int64) (*Outcome, error) {
	if err := ins.Relaunch(ctx); err != nil {
		return nil, &Error{Kind: marker.ErrorInstallUnconfirmed, Err: err}
	}

	confirmedAt := ins.now()
	installed := Installed{
		VersionName: versionName,
		VersionCode: versionCode,
		ConfirmedAt: confirmedAt,
	}
	raw, err := json.MarshalIndent(&installed, "", "  ")
	if err != nil {
		return nil, &Error{Kind: marker.ErrorInstallFailed, Err: err}
	}
	if err := storage.WriteFileAtomic(filepath.Join(ins.layout.InstallDir, InstalledName), raw, 0o644); err != nil {
		return nil, &Error{Kind: marker.ErrorInstallFailed, Err: errors.Wrap(err, "record installed version")}
	}

	return &Outcome{
		VersionName: versionName,
		VersionCode: versionCode,
		ConfirmedAt: confirmedAt,
	}, nil
}

// Quiesce stops the application if it is running. Used before any mutation
// of the install location, including rollback.
func (ins *Installer) Quiesce(ctx context.Context) error {
	return ins.sup.Stop(ctx)
}

// Relaunch starts the application and runs the confirmation probe: the
// process must report ready within the probe timeout. Rollback reuses this
// to confirm the restored version the same way a fresh install is confirmed.
func (ins *Installer) Relaunch(ctx context.Context) error {
	if err := ins.sup.Start(ctx); err != nil {
		return errors.WithMessage(err, "launch application")
	}

	deadline, cancel := context.WithTimeout(ctx, ins.probeTimeout)
	defer cancel()

	ticker := time.NewTicker(ins.probeInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		if lastErr = ins.sup.Ready(deadline); lastErr == nil {
			return nil
		}
		select {
		case <-deadline.Done():
			return errors.WithMessage(lastErr, "application not ready within probe timeout")
		case <-ticker.C:
		}
	}
}

// ReadInstalled reports the version occupying the install location. Absence
// of the metadata file is reported as os.ErrNotExist.
func ReadInstalled(layout storage.Layout) (Installed, error) {
	raw, err := os.ReadFile(filepath.Join(layout.InstallDir, InstalledName))
	if err != nil {
		return Installed{}, err
	}
	var in Installed
	if err := json.Unmarshal(raw, &in); err != nil {
		return Installed{}, errors.Wrap(err, "decode installed metadata")
	}
	return in, nil
}

func copyPayload(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(dst, raw, 0o644)
}
