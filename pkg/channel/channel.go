// Package channel carries commands from the manager device to the engine and
// status events back, over a permission-gated local broadcast transport.
package channel

import (
	"context"

	"github.com/augmentos/lenswatch/pkg/command"
)

// Handler receives authenticated, well-formed commands. Implementations must
// not block: a slow install must never cost the ability to receive a cancel
// or a status query, so the engine queues behind this callback.
type Handler interface {
	OnCommand(cmd command.Command)
}

// Emitter broadcasts status events to the manager's permission scope.
type Emitter interface {
	Emit(ev command.StatusEvent) error
}

// Channel is the bidirectional command/status transport.
type Channel interface {
	Emitter
	// Listen receives inbound messages until the context ends. Messages
	// from senders without the capability are dropped silently; malformed
	// messages from permitted senders produce an invalid-command
	// diagnostic and nothing else.
	Listen(ctx context.Context, h Handler) error
}
