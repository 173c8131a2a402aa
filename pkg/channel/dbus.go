package channel

import (
	"context"
	"time"

	"github.com/augmentos/lenswatch/pkg/command"
	"github.com/augmentos/lenswatch/pkg/logging"
	"github.com/augmentos/lenswatch/pkg/marker"
	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

const (
	// BusInterface is the signal interface shared with the manager bridge.
	BusInterface = marker.Prefix + ".Engine1"
	// BusPath is the object path status signals are emitted from.
	BusPath dbus.ObjectPath = "/com/augmentos/lenswatch/Engine1"

	commandMember = "Command"
	statusMember  = "Status"

	signalBuffer = 64
)

// DBus is the production transport: command signals arrive on the system
// bus and status signals are broadcast back on the same interface. The
// capability check uses the kernel-verified unix credentials of the sending
// connection, obtained from the bus daemon - not anything carried in the
// message itself.
type DBus struct {
	conn   *dbus.Conn
	log    logging.Logger
	uid    uint32
	replay *replayCache
	now    func() time.Time
}

var _ Channel = (*DBus)(nil)

// NewDBus connects to the system bus. Only senders running as managerUID may
// deliver commands.
func NewDBus(managerUID uint32, log logging.Logger) (*DBus, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect to system bus")
	}
	return &DBus{
		conn:   conn,
		log:    log,
		uid:    managerUID,
		replay: newReplayCache(),
		now:    time.Now,
	}, nil
}

func (d *DBus) Listen(ctx context.Context, h Handler) error {
	if err := d.conn.AddMatchSignalContext(ctx,
		dbus.WithMatchInterface(BusInterface),
		dbus.WithMatchMember(commandMember),
	); err != nil {
		return errors.Wrap(err, "subscribe to command signals")
	}

	signals := make(chan *dbus.Signal, signalBuffer)
	d.conn.Signal(signals)
	defer d.conn.RemoveSignal(signals)

	d.log.Info("listening for manager commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.New("bus connection closed")
			}
			d.handleSignal(sig, h)
		}
	}
}

func (d *DBus) handleSignal(sig *dbus.Signal, h Handler) {
	cap, err := d.authenticate(sig.Sender)
	if err != nil {
		// Unauthorized senders learn nothing, not even that the engine
		// exists.
		if logging.Debuggable {
			d.log.WithField("sender", sig.Sender).WithError(err).Debug("dropping unauthenticated message")
		}
		return
	}

	fields, ok := signalFields(sig)
	if !ok {
		d.diagnostic("", marker.ErrorInvalidCommand, "unreadable message body")
		return
	}
	cmd, err := command.Parse(fields, cap, d.now())
	if err != nil {
		kind := marker.ErrorInvalidCommand
		var mal *command.Malformed
		if errors.As(err, &mal) {
			kind = mal.Kind()
		}
		d.diagnostic(fields[marker.FieldRequestID], kind, err.Error())
		return
	}

	if d.replay.Seen(cmd.RequestID) {
		d.log.WithField("requestId", cmd.RequestID).Debug("suppressing replayed command")
		return
	}
	d.replay.Record(cmd.RequestID)

	h.OnCommand(cmd)
}

// authenticate resolves the sending connection's credentials with the bus
// daemon and checks them against the permitted manager identity.
func (d *DBus) authenticate(sender string) (command.Capability, error) {
	var creds map[string]dbus.Variant
	err := d.conn.BusObject().Call("org.freedesktop.DBus.GetConnectionCredentials", 0, sender).Store(&creds)
	if err != nil {
		return nil, errors.Wrap(err, "resolve sender credentials")
	}
	uidVar, ok := creds["UnixUserID"]
	if !ok {
		return nil, errors.New("sender has no unix credentials")
	}
	uid, ok := uidVar.Value().(uint32)
	if !ok {
		return nil, errors.New("sender credentials unreadable")
	}
	if uid != d.uid {
		return nil, errors.Errorf("uid %d lacks the manager capability", uid)
	}
	return busCapability{sender: sender, uid: uid}, nil
}

// diagnostic reports malformed input from a permitted sender. Malformed
// input is discarded - it is never treated as a cancel or retried as an
// install.
func (d *DBus) diagnostic(requestID string, kind marker.ErrorKind, detail string) {
	d.log.WithField("detail", detail).Warn("discarding malformed command")
	_ = d.Emit(command.StatusEvent{
		RequestID: requestID,
		State:     marker.StateIdle,
		Detail:    detail,
		ErrorKind: kind,
	})
}

func (d *DBus) Emit(ev command.StatusEvent) error {
	return errors.Wrap(
		d.conn.Emit(BusPath, BusInterface+"."+statusMember, ev.Fields()),
		"emit status signal",
	)
}

func (d *DBus) Close() error {
	return d.conn.Close()
}

// signalFields extracts the flat field map from a command signal body.
func signalFields(sig *dbus.Signal) (map[string]string, bool) {
	if len(sig.Body) != 1 {
		return nil, false
	}
	fields, ok := sig.Body[0].(map[string]string)
	return fields, ok
}

// busCapability is the proof attached to commands arriving over the bus.
type busCapability struct {
	sender string
	uid    uint32
}

func (c busCapability) Sender() string { return c.sender }
