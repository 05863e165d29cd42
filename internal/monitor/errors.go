package monitor

import (
	"errors"
	"fmt"
	"time"
)

// ErrAborted marks a run that was terminated on request. It is a terminal
// condition, not a failure.
var ErrAborted = errors.New("execution aborted")

// Sentinel errors for invalid operations.
var (
	ErrNotConnected   = errors.New("not connected")
	ErrNoSession      = errors.New("no active session")
	ErrNoStrategy     = errors.New("no active strategy")
	ErrAlreadyRunning = errors.New("already running")
	ErrNetworkOnly    = errors.New("operation requires the network strategy")
)

// ConnectionError reports a failure to establish the channel.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TimeoutError reports a request/response protocol that did not complete
// in time.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Op, e.Timeout)
}

// ProtocolError reports a malformed or unroutable channel message.
type ProtocolError struct {
	MsgType string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s message: %v", e.MsgType, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// SpawnError reports a worker subprocess that could not be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// RuntimeError reports a worker subprocess that exited non-zero without an
// explicit abort.
type RuntimeError struct {
	ExitCode int
	Stderr   string
}

func (e *RuntimeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("worker exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("worker exited with code %d: %s", e.ExitCode, e.Stderr)
}
