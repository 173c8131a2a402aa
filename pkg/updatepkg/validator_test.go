package updatepkg

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/augmentos/lenswatch/pkg/internal/testoutput"
	"github.com/augmentos/lenswatch/pkg/logging"
	"github.com/augmentos/lenswatch/pkg/marker"
	"github.com/augmentos/lenswatch/pkg/storage"
	"gotest.tools/assert"
)

const payloadName = "update.pkg"

type fixture struct {
	layout storage.Layout
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()
	layout := storage.Layout{
		StagedRoot: filepath.Join(root, "staged"),
		InstallDir: filepath.Join(root, "app"),
		BackupDir:  filepath.Join(root, "backup"),
	}
	assert.NilError(t, os.MkdirAll(layout.StagedRoot, 0o755))
	assert.NilError(t, os.MkdirAll(layout.InstallDir, 0o755))
	assert.NilError(t, os.WriteFile(filepath.Join(layout.InstallDir, "app.bin"), []byte("installed-v1"), 0o644))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	assert.NilError(t, err)
	return &fixture{layout: layout, pub: pub, priv: priv}
}

// stage writes a payload and its signed manifest, with an optional manifest
// mutation applied before signing is recorded.
func (f *fixture) stage(t *testing.T, payload []byte, mutate func(*Manifest)) {
	t.Helper()
	path := filepath.Join(f.layout.StagedRoot, payloadName)
	assert.NilError(t, os.WriteFile(path, payload, 0o644))

	digest, err := storage.HashFile(path)
	assert.NilError(t, err)
	m := Manifest{
		VersionName: "2.0.0",
		VersionCode: 2,
		Package:     payloadName,
		Size:        int64(len(payload)),
		SHA256:      digest,
		Signature:   base64.StdEncoding.EncodeToString(ed25519.Sign(f.priv, []byte(digest))),
	}
	if mutate != nil {
		mutate(&m)
	}
	raw, err := json.Marshal(&m)
	assert.NilError(t, err)
	assert.NilError(t, os.WriteFile(filepath.Join(f.layout.StagedRoot, ManifestName), raw, 0o644))
}

func (f *fixture) validator(t *testing.T) *Validator {
	return NewValidator(f.layout, []ed25519.PublicKey{f.pub}, 0, testoutput.Logger(t, logging.New("validator")))
}

func TestValidateSoundPackage(t *testing.T) {
	f := newFixture(t)
	f.stage(t, []byte("payload-v2"), nil)

	pkg, err := f.validator(t).Validate(context.Background(), payloadName)
	assert.NilError(t, err)
	assert.Equal(t, pkg.Manifest.VersionName, "2.0.0")
	assert.Equal(t, pkg.Path, filepath.Join(f.layout.StagedRoot, payloadName))
}

func TestValidateMissingPackage(t *testing.T) {
	f := newFixture(t)

	_, err := f.validator(t).Validate(context.Background(), payloadName)
	assert.Equal(t, KindOf(err), marker.ErrorPackageMissing)
}

func TestValidateCorruptPayload(t *testing.T) {
	f := newFixture(t)
	f.stage(t, []byte("payload-v2"), nil)
	// Flip the payload after the manifest was recorded.
	assert.NilError(t, os.WriteFile(filepath.Join(f.layout.StagedRoot, payloadName), []byte("payload-xx"), 0o644))

	_, err := f.validator(t).Validate(context.Background(), payloadName)
	assert.Equal(t, KindOf(err), marker.ErrorChecksumMismatch)
}

func TestValidateDeclaredSizeMismatch(t *testing.T) {
	f := newFixture(t)
	f.stage(t, []byte("payload-v2"), func(m *Manifest) { m.Size += 100 })

	_, err := f.validator(t).Validate(context.Background(), payloadName)
	assert.Equal(t, KindOf(err), marker.ErrorChecksumMismatch)
}

func TestValidateUntrustedSignature(t *testing.T) {
	f := newFixture(t)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	assert.NilError(t, err)
	f.stage(t, []byte("payload-v2"), func(m *Manifest) {
		m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(otherPriv, []byte(m.SHA256)))
	})

	_, verr := f.validator(t).Validate(context.Background(), payloadName)
	assert.Equal(t, KindOf(verr), marker.ErrorSignatureInvalid)
}

func TestValidateManifestNamesOtherPackage(t *testing.T) {
	f := newFixture(t)
	f.stage(t, []byte("payload-v2"), func(m *Manifest) { m.Package = "other.pkg" })

	_, err := f.validator(t).Validate(context.Background(), payloadName)
	assert.Equal(t, KindOf(err), marker.ErrorPackageMissing)
}

func TestValidateInsufficientStorage(t *testing.T) {
	f := newFixture(t)
	f.stage(t, []byte("payload-v2"), nil)

	v := f.validator(t)
	v.free = func(string) (uint64, error) { return 4, nil }

	_, err := v.Validate(context.Background(), payloadName)
	assert.Equal(t, KindOf(err), marker.ErrorInsufficientStorage)
}

func TestValidateHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	f.stage(t, []byte("payload-v2"), nil)
	before, err := storage.HashTree(context.Background(), f.layout.StagedRoot)
	assert.NilError(t, err)

	_, _ = f.validator(t).Validate(context.Background(), payloadName)

	after, err := storage.HashTree(context.Background(), f.layout.StagedRoot)
	assert.NilError(t, err)
	assert.Equal(t, before, after, "validation never mutates the staged artifact")
}

func TestRefEscapingStagedRoot(t *testing.T) {
	f := newFixture(t)
	_, err := f.validator(t).Validate(context.Background(), "../../etc/passwd")
	assert.Equal(t, KindOf(err), marker.ErrorPackageMissing)
}

func TestLoadTrustedKeys(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "trusted_keys")
	content := "# device signing keys\n" + hex.EncodeToString(f.pub) + "\n\n"
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o600))

	keys, err := LoadTrustedKeys(path)
	assert.NilError(t, err)
	assert.Equal(t, len(keys), 1)
	assert.DeepEqual(t, []byte(keys[0]), []byte(f.pub))

	_, err = LoadTrustedKeys(filepath.Join(t.TempDir(), "absent"))
	assert.Assert(t, err != nil)
}
