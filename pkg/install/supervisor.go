package install

import (
	"context"

	sd "github.com/coreos/go-systemd/v22/dbus"
	"github.com/pkg/errors"
)

// Supervisor controls the managed application's process lifecycle. The
// engine quiesces the application before touching its storage and launches
// it again to confirm an install.
type Supervisor interface {
	// Stop quiesces the application if it is active.
	Stop(ctx context.Context) error
	// Start launches the application.
	Start(ctx context.Context) error
	// Ready performs one readiness poll of the running application.
	Ready(ctx context.Context) error
}

// SystemdSupervisor drives the application's systemd unit over the system
// bus.
type SystemdSupervisor struct {
	unit string
	conn *sd.Conn
}

var _ Supervisor = (*SystemdSupervisor)(nil)

func NewSystemdSupervisor(ctx context.Context, unit string) (*SystemdSupervisor, error) {
	conn, err := sd.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect to systemd")
	}
	return &SystemdSupervisor{unit: unit, conn: conn}, nil
}

func (s *SystemdSupervisor) Stop(ctx context.Context) error {
	done := make(chan string, 1)
	if _, err := s.conn.StopUnitContext(ctx, s.unit, "replace", done); err != nil {
		return errors.Wrapf(err, "stop %s", s.unit)
	}
	return waitJob(ctx, done)
}

func (s *SystemdSupervisor) Start(ctx context.Context) error {
	done := make(chan string, 1)
	if _, err := s.conn.StartUnitContext(ctx, s.unit, "replace", done); err != nil {
		return errors.Wrapf(err, "start %s", s.unit)
	}
	return waitJob(ctx, done)
}

func (s *SystemdSupervisor) Ready(ctx context.Context) error {
	prop, err := s.conn.GetUnitPropertyContext(ctx, s.unit, "ActiveState")
	if err != nil {
		return errors.Wrapf(err, "query %s", s.unit)
	}
	if prop.Value.String() != `"active"` {
		return errors.Errorf("%s is %s", s.unit, prop.Value.String())
	}
	return nil
}

func (s *SystemdSupervisor) Close() {
	s.conn.Close()
}

func waitJob(ctx context.Context, done <-chan string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-done:
		if result != "done" {
			return errors.Errorf("systemd job finished %q", result)
		}
		return nil
	}
}
