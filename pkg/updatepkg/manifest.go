// Package updatepkg models staged update packages and validates them before
// any destructive step runs.
package updatepkg

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/augmentos/lenswatch/pkg/storage"
	"github.com/pkg/errors"
)

// ManifestName is the sidecar file the transfer collaborator stages next to
// the package, describing what it delivered.
const ManifestName = "metadata.json"

// Manifest is the staged package's declared identity and integrity data.
type Manifest struct {
	VersionName string `json:"versionName"`
	VersionCode int64  `json:"versionCode"`
	// Package is the payload's filename within the staged root.
	Package string `json:"package"`
	Size    int64  `json:"size"`
	// SHA256 is the hex digest of the package file.
	SHA256 string `json:"sha256"`
	// Signature is a base64 ed25519 signature over the hex digest bytes.
	Signature string `json:"signature"`
}

// Package is a validated staged update. Read-only: the engine never mutates
// the staged artifact.
type Package struct {
	Path     string
	Manifest Manifest
}

// ReadManifest loads the staged manifest from the layout's staged root. A
// missing manifest is reported as os.ErrNotExist for callers that treat
// absence as "nothing staged".
func ReadManifest(l storage.Layout) (Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(l.StagedRoot, ManifestName))
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return Manifest{}, errors.Wrap(err, "decode staged manifest")
	}
	return m, nil
}
