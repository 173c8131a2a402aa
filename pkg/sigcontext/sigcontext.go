// Package sigcontext ties context cancelation to process shutdown signals.
package sigcontext

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// WithShutdown derives a context that cancels on SIGINT or SIGTERM, the
// signals systemd delivers when stopping the daemon. The returned stop
// function releases the handlers; after it runs, a further signal terminates
// the process the default way.
func WithShutdown(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
