package channel

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"gotest.tools/assert"
)

func TestSignalFields(t *testing.T) {
	fields, ok := signalFields(&dbus.Signal{
		Body: []interface{}{map[string]string{"action": "check-for-update"}},
	})
	assert.Assert(t, ok)
	assert.Equal(t, fields["action"], "check-for-update")

	_, ok = signalFields(&dbus.Signal{Body: []interface{}{}})
	assert.Assert(t, !ok, "empty body is unreadable")

	_, ok = signalFields(&dbus.Signal{Body: []interface{}{"not a map"}})
	assert.Assert(t, !ok, "wrong body type is unreadable")

	_, ok = signalFields(&dbus.Signal{Body: []interface{}{map[string]string{}, "extra"}})
	assert.Assert(t, !ok, "extra body elements are unreadable")
}

func TestBusCapabilitySender(t *testing.T) {
	cap := busCapability{sender: ":1.42", uid: 1000}
	assert.Equal(t, cap.Sender(), ":1.42")
}
