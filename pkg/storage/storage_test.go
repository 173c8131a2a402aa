package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/assert"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	assert.NilError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestCopyTreeAndHashTree(t *testing.T) {
	ctx := context.Background()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "app.bin"), "payload-v1")
	writeFile(t, filepath.Join(src, "assets", "voice.dat"), "assets")

	dst := filepath.Join(t.TempDir(), "copy")
	assert.NilError(t, CopyTree(ctx, src, dst))

	srcHash, err := HashTree(ctx, src)
	assert.NilError(t, err)
	dstHash, err := HashTree(ctx, dst)
	assert.NilError(t, err)
	assert.Equal(t, srcHash, dstHash)

	// Any content change must be visible in the hash.
	writeFile(t, filepath.Join(dst, "app.bin"), "payload-v2")
	changed, err := HashTree(ctx, dst)
	assert.NilError(t, err)
	assert.Assert(t, changed != srcHash)
}

func TestHashTreeSensitiveToPaths(t *testing.T) {
	ctx := context.Background()
	a := t.TempDir()
	b := t.TempDir()
	writeFile(t, filepath.Join(a, "one"), "data")
	writeFile(t, filepath.Join(b, "two"), "data")

	ha, err := HashTree(ctx, a)
	assert.NilError(t, err)
	hb, err := HashTree(ctx, b)
	assert.NilError(t, err)
	assert.Assert(t, ha != hb)
}

func TestStagedPath(t *testing.T) {
	l := Layout{StagedRoot: "/data/asg/staged"}

	p, err := l.StagedPath("update.pkg")
	assert.NilError(t, err)
	assert.Equal(t, p, "/data/asg/staged/update.pkg")

	for _, ref := range []string{"", "../../etc/passwd", ".."} {
		_, err := l.StagedPath(ref)
		assert.Assert(t, err != nil, "reference %q must be rejected", ref)
	}
}

func TestSwapDir(t *testing.T) {
	root := t.TempDir()
	current := filepath.Join(root, "app")
	next := filepath.Join(root, "app.next")
	writeFile(t, filepath.Join(current, "app.bin"), "old")
	writeFile(t, filepath.Join(next, "app.bin"), "new")

	assert.NilError(t, SwapDir(next, current))

	raw, err := os.ReadFile(filepath.Join(current, "app.bin"))
	assert.NilError(t, err)
	assert.Equal(t, string(raw), "new")

	_, err = os.Stat(next)
	assert.Assert(t, os.IsNotExist(err))
	_, err = os.Stat(current + ".prev")
	assert.Assert(t, os.IsNotExist(err), "displaced tree is removed after the swap")
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")
	assert.NilError(t, WriteFileAtomic(path, []byte(`{"ok":true}`), 0o644))
	raw, err := os.ReadFile(path)
	assert.NilError(t, err)
	assert.Equal(t, string(raw), `{"ok":true}`)
	_, err = os.Stat(path + ".tmp")
	assert.Assert(t, os.IsNotExist(err))
}

func TestFreeBytes(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	assert.NilError(t, err)
	assert.Assert(t, free > 0)
}

func TestLayoutCheck(t *testing.T) {
	root := t.TempDir()
	l := Layout{
		StagedRoot: filepath.Join(root, "staged"),
		InstallDir: filepath.Join(root, "app"),
		BackupDir:  filepath.Join(root, "backup"),
	}
	assert.Assert(t, l.Check() != nil, "missing staged root is a reportable condition")

	assert.NilError(t, os.MkdirAll(l.StagedRoot, 0o755))
	assert.NilError(t, os.MkdirAll(l.InstallDir, 0o755))
	assert.NilError(t, l.Check())
}
