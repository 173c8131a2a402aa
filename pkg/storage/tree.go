package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// CopyTree copies the directory rooted at src into dst, creating dst. Regular
// files and directories only; the application payload contains nothing else.
func CopyTree(ctx context.Context, src, dst string) error {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return errors.Wrap(err, "source unavailable")
	}
	if !srcInfo.IsDir() {
		return errors.Errorf("source %s is not a directory", src)
	}
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return errors.Wrap(err, "create destination")
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			return errors.Errorf("unsupported file type at %s", path)
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// HashTree computes a deterministic SHA-256 digest over the directory's
// relative paths and file contents. Two trees hash equal iff their file sets
// and contents are identical.
func HashTree(ctx context.Context, root string) (string, error) {
	var paths []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", errors.Wrap(err, "walk tree")
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return "", err
		}
		io.WriteString(h, rel)
		h.Write([]byte{0})
		f, err := os.Open(path)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", err
		}
		f.Close()
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashFile computes the SHA-256 digest of a single file, hex encoded.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SwapDir replaces dst with src by rename. The displaced dst is removed only
// after src is in place, so an interruption leaves either the old or the new
// tree at dst, never neither.
func SwapDir(src, dst string) error {
	displaced := dst + ".prev"
	if err := os.RemoveAll(displaced); err != nil {
		return errors.Wrap(err, "clear displaced slot")
	}
	if err := os.Rename(dst, displaced); err != nil {
		return errors.Wrap(err, "displace current tree")
	}
	if err := os.Rename(src, dst); err != nil {
		// Put the original back; the rename of src failed so dst is empty.
		if rerr := os.Rename(displaced, dst); rerr != nil {
			return errors.Wrapf(err, "swap failed and restore of original errored: %v", rerr)
		}
		return errors.Wrap(err, "move new tree into place")
	}
	return errors.Wrap(os.RemoveAll(displaced), "remove displaced tree")
}

// WriteFileAtomic writes data to path via a temp file and rename so readers
// never observe a partial write.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
