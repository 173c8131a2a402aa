package updatepkg

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"os"

	"github.com/augmentos/lenswatch/pkg/logging"
	"github.com/augmentos/lenswatch/pkg/marker"
	"github.com/augmentos/lenswatch/pkg/storage"
	"github.com/pkg/errors"
)

// ValidationError reports why a staged package was refused. Validation has no
// side effects, so any of these leaves the device untouched.
type ValidationError struct {
	Kind marker.ErrorKind
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// KindOf extracts the taxonomy kind from a validation error, or ErrorNone.
func KindOf(err error) marker.ErrorKind {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return marker.ErrorNone
}

// Validator verifies a staged package is structurally and cryptographically
// sound before the engine commits to it.
type Validator struct {
	layout storage.Layout
	keys   []ed25519.PublicKey
	margin uint64
	log    logging.Logger

	// free is the free-space probe; replaced in tests.
	free func(string) (uint64, error)
}

func NewValidator(layout storage.Layout, keys []ed25519.PublicKey, margin uint64, log logging.Logger) *Validator {
	return &Validator{
		layout: layout,
		keys:   keys,
		margin: margin,
		log:    log,
		free:   storage.FreeBytes,
	}
}

// Validate checks existence, content checksum, signature, and free storage
// for the referenced staged package. Purely a read/verify step.
func (v *Validator) Validate(ctx context.Context, ref string) (*Package, error) {
	path, err := v.layout.StagedPath(ref)
	if err != nil {
		return nil, &ValidationError{Kind: marker.ErrorPackageMissing, Err: err}
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, &ValidationError{Kind: marker.ErrorPackageMissing, Err: err}
	}

	manifest, err := ReadManifest(v.layout)
	if err != nil {
		return nil, &ValidationError{Kind: marker.ErrorPackageMissing, Err: errors.WithMessage(err, "staged manifest")}
	}
	if manifest.Package != "" && manifest.Package != ref {
		return nil, &ValidationError{
			Kind: marker.ErrorPackageMissing,
			Err:  errors.Errorf("staged manifest describes %q, command names %q", manifest.Package, ref),
		}
	}
	if info.Size() != manifest.Size {
		return nil, &ValidationError{
			Kind: marker.ErrorChecksumMismatch,
			Err:  errors.Errorf("package is %d bytes, manifest declares %d", info.Size(), manifest.Size),
		}
	}

	digest, err := storage.HashFile(path)
	if err != nil {
		return nil, &ValidationError{Kind: marker.ErrorPackageMissing, Err: errors.WithMessage(err, "package unreadable")}
	}
	if digest != manifest.SHA256 {
		return nil, &ValidationError{
			Kind: marker.ErrorChecksumMismatch,
			Err:  errors.Errorf("computed %s, declared %s", digest, manifest.SHA256),
		}
	}

	if err := v.verifySignature(manifest); err != nil {
		return nil, &ValidationError{Kind: marker.ErrorSignatureInvalid, Err: err}
	}

	if err := v.checkStorage(manifest); err != nil {
		return nil, err
	}

	v.log.WithField("version", manifest.VersionName).Debug("staged package validated")
	return &Package{Path: path, Manifest: manifest}, nil
}

// verifySignature checks the manifest signature over the declared digest
// against the fixed trusted key set.
func (v *Validator) verifySignature(m Manifest) error {
	sig, err := base64.StdEncoding.DecodeString(m.Signature)
	if err != nil {
		return errors.Wrap(err, "decode signature")
	}
	for _, key := range v.keys {
		if ed25519.Verify(key, []byte(m.SHA256), sig) {
			return nil
		}
	}
	return errors.New("signature matches no trusted key")
}

// checkStorage demands room for the scratch install copy and the backup of
// the current application, plus the configured margin.
func (v *Validator) checkStorage(m Manifest) error {
	installed, err := treeSize(v.layout.InstallDir)
	if err != nil {
		return &ValidationError{Kind: marker.ErrorInsufficientStorage, Err: errors.WithMessage(err, "size install location")}
	}
	need := uint64(m.Size) + installed + v.margin
	avail, err := v.free(v.layout.BackupDir)
	if err != nil {
		// The backup dir may not exist until the first backup; fall back
		// to its parent's filesystem.
		avail, err = v.free(v.layout.InstallDir)
		if err != nil {
			return &ValidationError{Kind: marker.ErrorInsufficientStorage, Err: err}
		}
	}
	if avail < need {
		return &ValidationError{
			Kind: marker.ErrorInsufficientStorage,
			Err:  errors.Errorf("need %d bytes, %d available", need, avail),
		}
	}
	return nil
}

func treeSize(root string) (uint64, error) {
	var total uint64
	err := walkRegular(root, func(size int64) {
		total += uint64(size)
	})
	return total, err
}

func walkRegular(root string, fn func(int64)) error {
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := walkRegular(root+string(os.PathSeparator)+e.Name(), fn); err != nil {
				return err
			}
			continue
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		fn(info.Size())
	}
	return nil
}
