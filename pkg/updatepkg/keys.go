package updatepkg

import (
	"bufio"
	"crypto/ed25519"
	"encoding/hex"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// LoadTrustedKeys reads the fixed set of signing keys the device accepts.
// The file carries hex-encoded ed25519 public keys, one per line; blank lines
// and #-comments are skipped.
func LoadTrustedKeys(path string) ([]ed25519.PublicKey, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open trusted keys")
	}
	defer f.Close()

	var keys []ed25519.PublicKey
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		raw, err := hex.DecodeString(line)
		if err != nil {
			return nil, errors.Wrap(err, "decode trusted key")
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, errors.Errorf("trusted key has %d bytes, want %d", len(raw), ed25519.PublicKeySize)
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read trusted keys")
	}
	if len(keys) == 0 {
		return nil, errors.New("no trusted keys configured")
	}
	return keys, nil
}
