package command

import "github.com/augmentos/lenswatch/pkg/marker"

// StatusEvent is an outbound state report broadcast to the manager device. It
// echoes the originating command's requestId when one applies; unsolicited
// reports (preflight, periodic checks) leave it empty.
type StatusEvent struct {
	RequestID string
	State     marker.SessionState
	Detail    string
	ErrorKind marker.ErrorKind
}

// Fields transposes the event into the flat field map carried on the bus.
func (e StatusEvent) Fields() map[string]string {
	f := map[string]string{
		marker.FieldRequestID: e.RequestID,
		marker.FieldState:     e.State,
		marker.FieldDetail:    e.Detail,
	}
	if e.ErrorKind != marker.ErrorNone {
		f[marker.FieldErrorKind] = e.ErrorKind
	}
	return f
}
