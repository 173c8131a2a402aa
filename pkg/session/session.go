// Package session owns the update session value and its legal state
// progression. Exactly one session may be in flight device-wide.
package session

import (
	"sync"
	"time"

	"github.com/augmentos/lenswatch/pkg/backup"
	"github.com/augmentos/lenswatch/pkg/command"
	"github.com/augmentos/lenswatch/pkg/marker"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// transitions is the set of legal state edges. Failure edges from the active
// states route either back to Idle (nothing destructive happened yet) or
// through RollingBack.
var transitions = map[marker.SessionState][]marker.SessionState{
	marker.StateIdle:        {marker.StateValidating},
	marker.StateValidating:  {marker.StateBackingUp, marker.StateIdle},
	marker.StateBackingUp:   {marker.StateInstalling, marker.StateIdle},
	marker.StateInstalling:  {marker.StateConfirming, marker.StateRollingBack},
	marker.StateConfirming:  {marker.StateCompleted, marker.StateRollingBack},
	marker.StateRollingBack: {marker.StateRolledBack, marker.StateFatal},
}

// ErrCanceled reports that the session was canceled before its destructive
// steps began.
var ErrCanceled = errors.New("session canceled")

// Session is the single in-flight update, owned exclusively by the engine
// and passed to each component call rather than read from ambient state.
// State and the cancel flag are read concurrently by the command dispatcher
// while the session worker advances them, so both live behind one mutex.
type Session struct {
	ID        string
	Command   command.Command
	StartedAt time.Time

	Backup    *backup.Record
	LastError error

	mu       sync.Mutex
	state    marker.SessionState
	canceled bool
}

// New begins a session for an install command, in the Idle state.
func New(cmd command.Command, startedAt time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		Command:   cmd,
		StartedAt: startedAt,
		state:     marker.StateIdle,
	}
}

// State reports the session's current position.
func (s *Session) State() marker.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// To advances the session along a legal edge. The transition into Installing
// refuses an already-canceled session with ErrCanceled; the cancel flag and
// the transition share one lock, so a cancel is either honored before the
// destructive steps or refused, never acknowledged for a session that
// installs anyway. Any other illegal transition is a programming error,
// reported rather than silently taken.
func (s *Session) To(next marker.SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled && next == marker.StateInstalling {
		return ErrCanceled
	}
	for _, allowed := range transitions[s.state] {
		if allowed == next {
			s.state = next
			return nil
		}
	}
	return errors.Errorf("illegal transition %s -> %s", s.state, next)
}

// RequestCancel flags the session for cancellation and reports whether the
// request was accepted. A cancel is only accepted while the session is still
// non-destructive; once Installing has begun it is refused.
func (s *Session) RequestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !cancelable(s.state) {
		return false
	}
	s.canceled = true
	return true
}

// CancelRequested reports whether a cancel has been accepted.
func (s *Session) CancelRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// Cancelable reports whether the session may still abort safely: once
// Installing begins the device is mid-write and a cancel cannot be honored.
func (s *Session) Cancelable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cancelable(s.state)
}

func cancelable(state marker.SessionState) bool {
	switch state {
	case marker.StateIdle, marker.StateValidating, marker.StateBackingUp:
		return true
	}
	return false
}

// Resting reports whether the session has reached a resting state.
func (s *Session) Resting() bool {
	return marker.Resting(s.State())
}

// Lock is the device-wide exclusive session lock, acquired when a session
// leaves Idle and released only on reaching a resting state.
type Lock struct {
	mu     sync.Mutex
	active *Session
}

// ErrBusy reports a second install attempted while a session is in flight.
// The attempt is rejected, never queued.
var ErrBusy = errors.New("an update session is already active")

// Acquire claims the lock for the session.
func (l *Lock) Acquire(s *Session) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active != nil {
		return ErrBusy
	}
	l.active = s
	return nil
}

// Release frees the lock if held by the session.
func (l *Lock) Release(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == s {
		l.active = nil
	}
}

// Active returns the in-flight session, or nil.
func (l *Lock) Active() *Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}
