// Package backup snapshots the installed application before any destructive
// step and restores it when an install cannot be confirmed.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/augmentos/lenswatch/pkg/logging"
	"github.com/augmentos/lenswatch/pkg/marker"
	"github.com/augmentos/lenswatch/pkg/storage"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const (
	slotPrefix = "backup-"
	recordName = "record.json"
	contentDir = "content"

	// copyRetries bounds automatic retries of the copy step on transient
	// I/O errors. Retries must not mask an invariant violation, so the
	// bound is deliberately tight.
	copyRetries = 1

	copyRetryDelay = 2 * time.Second
)

// Record describes one backup slot. Complete is set only after the copy has
// been fully written and verified; a record without it must be treated as
// absent.
type Record struct {
	CreatedAt     time.Time `json:"createdAt"`
	SourceVersion string    `json:"sourceVersion"`
	// Path is the slot directory holding content/ and this record.
	Path     string `json:"path"`
	TreeHash string `json:"treeHash"`
	Complete bool   `json:"complete"`
}

// Error classifies backup and restore failures for the status channel.
type Error struct {
	Kind marker.ErrorKind
	Err  error
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// Manager owns the backup location. Exactly one complete backup exists at a
// time; a new one supersedes the prior only after it is verified complete.
type Manager struct {
	layout storage.Layout
	log    logging.Logger

	// copyTimeout bounds each copy-and-verify attempt. A copy stalled on
	// failing flash fails the step like any other error; it never holds
	// the session open.
	copyTimeout time.Duration

	// copyTree is the copy step; replaced in tests to inject mid-copy
	// failures.
	copyTree   func(context.Context, string, string) error
	now        func() time.Time
	retryDelay time.Duration
}

func New(layout storage.Layout, copyTimeout time.Duration, log logging.Logger) *Manager {
	return &Manager{
		layout:      layout,
		log:         log,
		copyTimeout: copyTimeout,
		copyTree:    storage.CopyTree,
		now:         time.Now,
		retryDelay:  copyRetryDelay,
	}
}

// Create snapshots the install location into a fresh slot, verifies the copy
// by re-hash, marks it complete, and only then deletes the superseded slot.
// A crash at any point leaves the previous good backup intact.
func (m *Manager) Create(ctx context.Context, sourceVersion string) (*Record, error) {
	if err := os.MkdirAll(m.layout.BackupDir, 0o755); err != nil {
		return nil, &Error{Kind: marker.ErrorBackupFailed, Err: errors.Wrap(err, "create backup location")}
	}

	prior, err := m.Current()
	if err != nil {
		return nil, &Error{Kind: marker.ErrorBackupFailed, Err: err}
	}

	slot := filepath.Join(m.layout.BackupDir, fmt.Sprintf("%s%d", slotPrefix, m.now().UnixNano()))
	content := filepath.Join(slot, contentDir)

	copyOp := func() error {
		// Start from a clean slot on each attempt.
		if err := os.RemoveAll(slot); err != nil {
			return backoff.Permanent(err)
		}
		cctx, cancel := context.WithTimeout(ctx, m.copyTimeout)
		defer cancel()
		return m.copyTree(cctx, m.layout.InstallDir, content)
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryDelay), copyRetries)
	if err := backoff.Retry(copyOp, backoff.WithContext(policy, ctx)); err != nil {
		os.RemoveAll(slot)
		return nil, &Error{Kind: marker.ErrorBackupFailed, Err: errors.WithMessage(err, "copy install contents")}
	}

	vctx, vcancel := context.WithTimeout(ctx, m.copyTimeout)
	defer vcancel()
	srcHash, err := storage.HashTree(vctx, m.layout.InstallDir)
	if err != nil {
		os.RemoveAll(slot)
		return nil, &Error{Kind: marker.ErrorBackupFailed, Err: errors.WithMessage(err, "hash install contents")}
	}
	dstHash, err := storage.HashTree(vctx, content)
	if err != nil {
		os.RemoveAll(slot)
		return nil, &Error{Kind: marker.ErrorBackupFailed, Err: errors.WithMessage(err, "hash backup copy")}
	}
	if srcHash != dstHash {
		os.RemoveAll(slot)
		return nil, &Error{Kind: marker.ErrorBackupFailed, Err: errors.New("backup copy does not match install contents")}
	}

	rec := &Record{
		CreatedAt:     m.now(),
		SourceVersion: sourceVersion,
		Path:          slot,
		TreeHash:      dstHash,
		Complete:      true,
	}
	if err := writeRecord(rec); err != nil {
		os.RemoveAll(slot)
		return nil, &Error{Kind: marker.ErrorBackupFailed, Err: errors.WithMessage(err, "persist backup record")}
	}

	// The new backup is complete; the prior one may now be superseded.
	if prior != nil {
		if err := m.Discard(prior); err != nil {
			m.log.WithError(err).Warn("could not remove superseded backup")
		}
	}
	m.log.WithField("slot", slot).Info("backup created")
	return rec, nil
}

// Restore copies the backup's contents back over the install location and
// verifies the result against the record's hash. A failed restore is the
// worst state the device can be in, so the copy is confirmed and retried
// within the same tight bound as Create.
func (m *Manager) Restore(ctx context.Context, rec *Record) error {
	if rec == nil || !rec.Complete {
		return &Error{Kind: marker.ErrorRestoreFailed, Err: errors.New("no complete backup to restore")}
	}
	content := filepath.Join(rec.Path, contentDir)
	hctx, hcancel := context.WithTimeout(ctx, m.copyTimeout)
	defer hcancel()
	have, err := storage.HashTree(hctx, content)
	if err != nil {
		return &Error{Kind: marker.ErrorRestoreFailed, Err: errors.WithMessage(err, "read backup contents")}
	}
	if have != rec.TreeHash {
		return &Error{Kind: marker.ErrorRestoreFailed, Err: errors.New("backup contents no longer match record")}
	}

	restoreOp := func() error {
		cctx, cancel := context.WithTimeout(ctx, m.copyTimeout)
		defer cancel()
		scratch := m.layout.InstallDir + ".restore"
		if err := os.RemoveAll(scratch); err != nil {
			return backoff.Permanent(err)
		}
		if err := m.copyTree(cctx, content, scratch); err != nil {
			return err
		}
		if err := storage.SwapDir(scratch, m.layout.InstallDir); err != nil {
			return err
		}
		restored, err := storage.HashTree(cctx, m.layout.InstallDir)
		if err != nil {
			return err
		}
		if restored != rec.TreeHash {
			return errors.New("restored contents do not match backup")
		}
		return nil
	}
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(m.retryDelay), copyRetries)
	if err := backoff.Retry(restoreOp, backoff.WithContext(policy, ctx)); err != nil {
		return &Error{Kind: marker.ErrorRestoreFailed, Err: err}
	}
	m.log.WithField("slot", rec.Path).Info("backup restored")
	return nil
}

// Discard removes a backup slot.
func (m *Manager) Discard(rec *Record) error {
	if rec == nil {
		return nil
	}
	return os.RemoveAll(rec.Path)
}

// Current returns the most recent complete backup, or nil when none exists.
// Slots without a complete record are invisible here.
func (m *Manager) Current() (*Record, error) {
	slots, err := m.slots()
	if err != nil {
		return nil, err
	}
	for i := len(slots) - 1; i >= 0; i-- {
		rec, err := readRecord(slots[i])
		if err != nil || !rec.Complete {
			continue
		}
		return rec, nil
	}
	return nil, nil
}

// Sweep deletes slots that never reached completeness, such as those left by
// a crash mid-copy. Run at daemon start.
func (m *Manager) Sweep() error {
	slots, err := m.slots()
	if err != nil {
		return err
	}
	for _, slot := range slots {
		rec, err := readRecord(slot)
		if err == nil && rec.Complete {
			continue
		}
		m.log.WithField("slot", slot).Info("removing incomplete backup slot")
		if err := os.RemoveAll(slot); err != nil {
			return errors.Wrap(err, "remove incomplete slot")
		}
	}
	return nil
}

// slots lists slot directories oldest-first.
func (m *Manager) slots() ([]string, error) {
	entries, err := os.ReadDir(m.layout.BackupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read backup location")
	}
	var slots []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), slotPrefix) {
			slots = append(slots, filepath.Join(m.layout.BackupDir, e.Name()))
		}
	}
	sort.Strings(slots)
	return slots, nil
}

func writeRecord(rec *Record) error {
	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return storage.WriteFileAtomic(filepath.Join(rec.Path, recordName), raw, 0o644)
}

func readRecord(slot string) (*Record, error) {
	raw, err := os.ReadFile(filepath.Join(slot, recordName))
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
