// Package testoutput routes log output through the testing facade so log
// lines interleave with the owning test's output.
package testoutput

import (
	"io"
	"testing"

	"github.com/augmentos/lenswatch/pkg/logging"
	"github.com/sirupsen/logrus"
)

// New returns a writer that forwards lines to the test's log.
func New(t testing.TB) io.Writer {
	return &writer{t}
}

// Logger redirects the logger's output to the test and raises its level to
// debug. Not safe with parallel tests sharing the same root logger.
func Logger(t testing.TB, logger logging.Logger) logging.Logger {
	l := logger.WithFields(logrus.Fields{})
	l.Logger.SetOutput(New(t))
	l.Logger.SetLevel(logrus.DebugLevel)
	return l
}

type writer struct {
	t testing.TB
}

func (w *writer) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}
