// Package command models the messages exchanged with the manager device over
// the local broadcast channel: inbound update commands and outbound status
// events.
package command

import (
	"time"

	"github.com/augmentos/lenswatch/pkg/marker"
	"github.com/pkg/errors"
)

// Capability is proof that a sender is permitted to command the engine. It is
// produced by the transport from platform-verified peer credentials, never
// from message content, so it cannot be forged by an arbitrary sender.
type Capability interface {
	// Sender identifies the holder for diagnostics.
	Sender() string
}

// Command is an authenticated update command. Immutable once constructed;
// Parse rejects anything malformed before a Command exists.
type Command struct {
	Action     marker.CommandAction
	PackageRef string
	RequestID  string
	IssuedAt   time.Time
	Capability Capability
}

// Malformed describes an inbound message that could not become a Command.
// Malformed input is discarded with a diagnostic; it is never reinterpreted
// as another action.
type Malformed struct {
	Reason string
}

func (m *Malformed) Error() string {
	return "malformed command: " + m.Reason
}

// Kind returns the taxonomy classification for malformed input.
func (m *Malformed) Kind() marker.ErrorKind {
	return marker.ErrorInvalidCommand
}

// Parse constructs a Command from raw broadcast message fields. The
// capability must already have been validated by the transport; Parse only
// checks well-formedness.
func Parse(fields map[string]string, cap Capability, at time.Time) (Command, error) {
	if cap == nil {
		return Command{}, errors.New("capability must be provided by the transport")
	}
	action, ok := fields[marker.FieldAction]
	if !ok {
		return Command{}, &Malformed{Reason: "missing action"}
	}
	if !marker.KnownAction(action) {
		return Command{}, &Malformed{Reason: "unknown action " + action}
	}
	requestID := fields[marker.FieldRequestID]
	if requestID == "" {
		return Command{}, &Malformed{Reason: "missing requestId"}
	}
	packageRef := fields[marker.FieldPackageRef]
	if action == marker.ActionInstallUpdate && packageRef == "" {
		return Command{}, &Malformed{Reason: "install-update without packageRef"}
	}
	return Command{
		Action:     action,
		PackageRef: packageRef,
		RequestID:  requestID,
		IssuedAt:   at,
		Capability: cap,
	}, nil
}
