// Package config loads the engine's configuration from the environment.
package config

import (
	"time"

	"github.com/augmentos/lenswatch/pkg/storage"
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
)

// Config carries every tunable of the engine. Defaults match the device
// image's conventional storage layout.
type Config struct {
	StagedRoot string `env:"LENSWATCH_STAGED_ROOT" envDefault:"/data/asg/staged"`
	InstallDir string `env:"LENSWATCH_INSTALL_DIR" envDefault:"/data/asg/app"`
	BackupDir  string `env:"LENSWATCH_BACKUP_DIR"  envDefault:"/data/asg/backup"`

	// AppUnit is the systemd unit running the managed application.
	AppUnit string `env:"LENSWATCH_APP_UNIT" envDefault:"asg-client.service"`

	// TrustedKeysFile lists hex-encoded ed25519 public keys, one per line.
	TrustedKeysFile string `env:"LENSWATCH_TRUSTED_KEYS" envDefault:"/etc/lenswatch/trusted_keys"`

	// ManagerUID is the unix user the manager bridge runs as; only bus
	// messages whose kernel-verified sender credentials match it are
	// accepted.
	ManagerUID uint32 `env:"LENSWATCH_MANAGER_UID" envDefault:"1000"`

	ProbeTimeout  time.Duration `env:"LENSWATCH_PROBE_TIMEOUT"  envDefault:"30s"`
	ProbeInterval time.Duration `env:"LENSWATCH_PROBE_INTERVAL" envDefault:"2s"`
	CopyTimeout   time.Duration `env:"LENSWATCH_COPY_TIMEOUT"   envDefault:"5m"`
	CheckInterval time.Duration `env:"LENSWATCH_CHECK_INTERVAL" envDefault:"30m"`

	// StorageMargin is extra free space demanded beyond the computed need
	// for package, backup, and scratch install artifacts.
	StorageMargin uint64 `env:"LENSWATCH_STORAGE_MARGIN" envDefault:"33554432"`
}

// Load parses configuration from the process environment.
func Load() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, errors.Wrap(err, "parse environment")
	}
	return c, nil
}

// Layout returns the storage layout the configuration describes.
func (c Config) Layout() storage.Layout {
	return storage.Layout{
		StagedRoot: c.StagedRoot,
		InstallDir: c.InstallDir,
		BackupDir:  c.BackupDir,
	}
}
