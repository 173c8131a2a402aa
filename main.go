package main

import (
	"context"
	"flag"
	"time"

	"github.com/augmentos/lenswatch/pkg/backup"
	"github.com/augmentos/lenswatch/pkg/channel"
	"github.com/augmentos/lenswatch/pkg/config"
	"github.com/augmentos/lenswatch/pkg/engine"
	"github.com/augmentos/lenswatch/pkg/install"
	"github.com/augmentos/lenswatch/pkg/logging"
	"github.com/augmentos/lenswatch/pkg/sigcontext"
	"github.com/augmentos/lenswatch/pkg/stagewatch"
	"github.com/augmentos/lenswatch/pkg/updatepkg"
	"github.com/augmentos/lenswatch/pkg/workgroup"
	"github.com/pkg/errors"
)

var flagLogDebug = flag.Bool("debug", false, "")

func main() {
	flag.Parse()

	if *flagLogDebug {
		logging.Set(logging.Level("debug"))
	}

	log := logging.New("main")

	if logging.Debuggable {
		log.Info("low-level logging.Debuggable is enabled in this build")
		log.Warn("logging.Debuggable produces large volumes of logs")
		delay := 3 * time.Second
		log.WithField("delay", delay).Warn("delaying start due to logging.Debuggable build")
		time.Sleep(delay)
	}

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatalf("configuration")
	}

	ctx, stop := sigcontext.WithShutdown(context.Background())
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Fatalf("engine stopped")
	}
	log.Info("goodbye 👓")
}

func run(ctx context.Context, cfg config.Config) error {
	log := logging.New("engine")
	layout := cfg.Layout()

	keys, err := updatepkg.LoadTrustedKeys(cfg.TrustedKeysFile)
	if err != nil {
		return errors.WithMessage(err, "could not load trusted signing keys")
	}

	ch, err := channel.NewDBus(cfg.ManagerUID, logging.New("channel"))
	if err != nil {
		return errors.WithMessage(err, "could not open command channel")
	}
	defer ch.Close()

	sup, err := install.NewSystemdSupervisor(ctx, cfg.AppUnit)
	if err != nil {
		return errors.WithMessage(err, "could not reach the application supervisor")
	}
	defer sup.Close()

	validator := updatepkg.NewValidator(layout, keys, cfg.StorageMargin, logging.New("validator"))
	backups := backup.New(layout, cfg.CopyTimeout, logging.New("backup"))
	installer := install.New(layout, sup, cfg.ProbeTimeout, cfg.ProbeInterval, logging.New("installer"))
	eng := engine.New(layout, ch, validator, backups, installer, cfg.CheckInterval, log)

	watcher := stagewatch.New(layout, ch, eng.InvalidateCheck, logging.New("stagewatch"))

	group := workgroup.WithContext(ctx)
	group.Work(eng.Run)
	group.Work(watcher.Run)
	return errors.WithMessage(group.Wait(), "run error")
}
