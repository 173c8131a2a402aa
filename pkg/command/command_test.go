package command

import (
	"testing"
	"time"

	"github.com/augmentos/lenswatch/pkg/marker"
	"gotest.tools/assert"
)

type testCap struct{}

func (testCap) Sender() string { return "test-sender" }

func TestParseWellFormed(t *testing.T) {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cmd, err := Parse(map[string]string{
		marker.FieldAction:     marker.ActionInstallUpdate,
		marker.FieldPackageRef: "update.pkg",
		marker.FieldRequestID:  "req-1",
	}, testCap{}, at)
	assert.NilError(t, err)
	assert.Equal(t, cmd.Action, marker.ActionInstallUpdate)
	assert.Equal(t, cmd.PackageRef, "update.pkg")
	assert.Equal(t, cmd.RequestID, "req-1")
	assert.Equal(t, cmd.IssuedAt, at)
	assert.Equal(t, cmd.Capability.Sender(), "test-sender")
}

func TestParseMalformed(t *testing.T) {
	testcases := []struct {
		name   string
		fields map[string]string
	}{
		{
			name:   "missing action",
			fields: map[string]string{marker.FieldRequestID: "req-1"},
		},
		{
			name: "unknown action",
			fields: map[string]string{
				marker.FieldAction:    "reboot-into-the-sea",
				marker.FieldRequestID: "req-1",
			},
		},
		{
			name:   "missing requestId",
			fields: map[string]string{marker.FieldAction: marker.ActionCancel},
		},
		{
			name: "install without packageRef",
			fields: map[string]string{
				marker.FieldAction:    marker.ActionInstallUpdate,
				marker.FieldRequestID: "req-1",
			},
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse(tc.fields, testCap{}, time.Now())
			assert.Assert(t, err != nil)
			malformed, ok := err.(*Malformed)
			assert.Assert(t, ok, "expected *Malformed, got %T", err)
			assert.Equal(t, malformed.Kind(), marker.ErrorInvalidCommand)
		})
	}
}

func TestParseRequiresCapability(t *testing.T) {
	_, err := Parse(map[string]string{
		marker.FieldAction:    marker.ActionCheckForUpdate,
		marker.FieldRequestID: "req-1",
	}, nil, time.Now())
	assert.Assert(t, err != nil)
	_, ok := err.(*Malformed)
	assert.Assert(t, !ok, "a missing capability is a transport bug, not malformed input")
}

func TestStatusEventFields(t *testing.T) {
	ev := StatusEvent{
		RequestID: "req-9",
		State:     marker.StateRolledBack,
		Detail:    "update failed; device restored to prior version",
		ErrorKind: marker.ErrorInstallUnconfirmed,
	}
	fields := ev.Fields()
	assert.Equal(t, fields[marker.FieldRequestID], "req-9")
	assert.Equal(t, fields[marker.FieldState], marker.StateRolledBack)
	assert.Equal(t, fields[marker.FieldErrorKind], marker.ErrorInstallUnconfirmed)

	_, present := StatusEvent{State: marker.StateIdle}.Fields()[marker.FieldErrorKind]
	assert.Assert(t, !present, "errorKind is omitted when no error applies")
}
