// Package storage describes the device storage convention consumed by the
// engine: a root for staged packages, the installed application location, and
// the backup location. The engine treats each as a single-writer resource -
// only the component owning the active state-machine step writes to it.
package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Layout is the set of filesystem locations the engine operates on. The
// locations are an external convention; the engine consumes them but does not
// create the staged root.
type Layout struct {
	// StagedRoot holds packages placed by the transfer collaborator.
	StagedRoot string
	// InstallDir holds the currently installed application's contents.
	InstallDir string
	// BackupDir holds backup slots managed by the backup manager.
	BackupDir string
}

// Check verifies the preconditions the layout promises: the staged root must
// already exist (it is provisioned externally) and the install location must
// be present.
func (l Layout) Check() error {
	if _, err := os.Stat(l.StagedRoot); err != nil {
		return errors.Wrap(err, "staged package root unavailable")
	}
	if _, err := os.Stat(l.InstallDir); err != nil {
		return errors.Wrap(err, "install location unavailable")
	}
	return nil
}

// StagedPath resolves a package reference to a path inside StagedRoot. A
// reference that escapes the root is rejected; commands are not trusted to
// name arbitrary device paths.
func (l Layout) StagedPath(ref string) (string, error) {
	if ref == "" {
		return "", errors.New("empty package reference")
	}
	p := filepath.Join(l.StagedRoot, filepath.Clean("/"+ref))
	rel, err := filepath.Rel(l.StagedRoot, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.Errorf("package reference %q escapes staged root", ref)
	}
	return p, nil
}

// FreeBytes reports the free space on the filesystem containing path.
func FreeBytes(path string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, errors.Wrapf(err, "statfs %s", path)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
