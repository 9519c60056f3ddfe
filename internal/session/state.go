// Package session owns one client connection's transcription lifecycle:
// handshake, streaming, drain and close. One goroutine per session; nothing
// here is shared across sessions except the engine queue.
package session

import (
	"errors"
	"fmt"
	"sync"
)

// State is the lifecycle state of a session.
type State int

const (
	// StateAwaitingStart - connected, waiting for describe or transcribe.
	StateAwaitingStart State = iota
	// StateStreaming - transcribe received, accepting audio.
	StateStreaming
	// StateDraining - audio-stop received, flushing buffered audio.
	StateDraining
	// StateClosed - connection finished. Terminal.
	StateClosed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAwaitingStart:
		return "AWAITING_START"
	case StateStreaming:
		return "STREAMING"
	case StateDraining:
		return "DRAINING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// Errors for invalid state transitions.
var (
	ErrSessionClosed       = errors.New("session is closed")
	ErrNotAwaitingStart    = errors.New("transcribe only valid while awaiting start")
	ErrNotStreaming        = errors.New("audio events only valid while streaming")
	ErrNotDraining         = errors.New("final transcript only valid while draining")
	ErrFinalAlreadyEmitted = errors.New("final already emitted for this pass")
)

// Lifecycle manages the state machine for one session. Thread-safe: the
// session goroutine drives transitions while the dispatcher may inspect
// state for logging.
//
// State transitions:
//
//	AWAITING_START → STREAMING → DRAINING ─┬→ AWAITING_START (re-arm)
//	       │              │                └→ CLOSED
//	       └──────────────┴────────────────────→ CLOSED (socket close)
//
// Rules:
//   - AWAITING_START: describe and transcribe only
//   - STREAMING: audio events; partials may be emitted
//   - DRAINING: exactly one final is emitted, then re-arm or close
//   - CLOSED: terminal, nothing is emitted
type Lifecycle struct {
	mu           sync.RWMutex
	sessionId    string
	state        State
	finalEmitted bool
}

// NewLifecycle creates a lifecycle in AWAITING_START.
func NewLifecycle(sessionId string) *Lifecycle {
	return &Lifecycle{sessionId: sessionId, state: StateAwaitingStart}
}

// SessionId returns the current pass's session ID.
func (l *Lifecycle) SessionId() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessionId
}

// State returns the current state.
func (l *Lifecycle) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// IsClosed returns true once the session is terminal.
func (l *Lifecycle) IsClosed() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateClosed
}

// StartStreaming transitions AWAITING_START → STREAMING.
func (l *Lifecycle) StartStreaming() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateAwaitingStart:
		l.state = StateStreaming
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrNotAwaitingStart
	}
}

// EmitPartial validates a partial transcript emission.
func (l *Lifecycle) EmitPartial() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	switch l.state {
	case StateStreaming:
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrNotStreaming
	}
}

// BeginDrain transitions STREAMING → DRAINING.
func (l *Lifecycle) BeginDrain() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateStreaming:
		l.state = StateDraining
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrNotStreaming
	}
}

// EmitFinal validates the single final transcript emission of a pass.
func (l *Lifecycle) EmitFinal() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateDraining:
		if l.finalEmitted {
			return ErrFinalAlreadyEmitted
		}
		l.finalEmitted = true
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrNotDraining
	}
}

// Rearm resets a drained session to AWAITING_START under a new session ID,
// so the connection can carry another transcription pass.
func (l *Lifecycle) Rearm(newSessionId string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateDraining:
		l.sessionId = newSessionId
		l.state = StateAwaitingStart
		l.finalEmitted = false
		return nil
	case StateClosed:
		return ErrSessionClosed
	default:
		return ErrNotDraining
	}
}

// Close transitions to CLOSED from any state. Idempotent.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateClosed
}
