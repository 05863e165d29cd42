// Package monitor observes a long-running agent task through one of two
// interchangeable strategies: a persistent channel to a remote execution
// server, or direct supervision of a locally spawned worker subprocess.
// UnifiedMonitor composes the two behind one normalized API and fails over
// from network to subprocess when the server is unreachable.
package monitor

import (
	"context"
	"encoding/json"
	"time"
)

// StrategyKind identifies a monitoring backend.
type StrategyKind string

const (
	StrategyNone       StrategyKind = "none"
	StrategyNetwork    StrategyKind = "network"
	StrategySubprocess StrategyKind = "subprocess"
)

// Strategy is the capability contract both backends implement. The unified
// monitor holds at most one active Strategy and only touches the underlying
// handle (socket or process) through these methods.
type Strategy interface {
	Kind() StrategyKind

	// Start activates the strategy: connects the channel or spawns the worker.
	Start(ctx context.Context) error

	// Send delivers text to the running task: a query over the channel, or a
	// best-effort stdin write to the worker.
	Send(text string) error

	// Abort requests termination. Returns whether an abort was initiated.
	Abort() bool

	// Ping reports liveness. It never fails; an unreachable backend is false.
	Ping(ctx context.Context) bool

	// Status returns the normalized status snapshot.
	Status() Status

	// Cleanup releases the underlying handle. Idempotent.
	Cleanup()
}

// Status is the normalized status shape surfaced by both strategies.
type Status struct {
	Strategy   StrategyKind `json:"strategy"`
	Processing bool         `json:"processing"`
	Phase      string       `json:"phase,omitempty"`
	Message    string       `json:"message,omitempty"`

	// Network strategy only.
	EstimatedSeconds float64 `json:"estimated_seconds,omitempty"`

	// Subprocess strategy only.
	PID      int  `json:"pid,omitempty"`
	ExitCode *int `json:"exit_code,omitempty"`
}

// Event is a generic channel event relayed to observers.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Callbacks is the observer set registered by callers. Every field is
// optional. Registering merges non-nil entries into the existing set rather
// than replacing it.
type Callbacks struct {
	OnStatusChange func(Status)
	OnEvent        func(Event)               // network only
	OnOutput       func(line, stream string) // subprocess only
	OnCompletion   func(result json.RawMessage)
	OnError        func(err error)
	OnAborted      func()
	OnConnected    func() // network only
	OnDisconnected func() // network only
}

// merge overlays non-nil callbacks from in onto c.
func (c *Callbacks) merge(in Callbacks) {
	if in.OnStatusChange != nil {
		c.OnStatusChange = in.OnStatusChange
	}
	if in.OnEvent != nil {
		c.OnEvent = in.OnEvent
	}
	if in.OnOutput != nil {
		c.OnOutput = in.OnOutput
	}
	if in.OnCompletion != nil {
		c.OnCompletion = in.OnCompletion
	}
	if in.OnError != nil {
		c.OnError = in.OnError
	}
	if in.OnAborted != nil {
		c.OnAborted = in.OnAborted
	}
	if in.OnConnected != nil {
		c.OnConnected = in.OnConnected
	}
	if in.OnDisconnected != nil {
		c.OnDisconnected = in.OnDisconnected
	}
}

// Nil-safe invocation helpers. Every emission site goes through these so a
// partially registered observer set never panics.

func (c Callbacks) statusChange(s Status) {
	if c.OnStatusChange != nil {
		c.OnStatusChange(s)
	}
}

func (c Callbacks) event(e Event) {
	if c.OnEvent != nil {
		c.OnEvent(e)
	}
}

func (c Callbacks) output(line, stream string) {
	if c.OnOutput != nil {
		c.OnOutput(line, stream)
	}
}

func (c Callbacks) completion(result json.RawMessage) {
	if c.OnCompletion != nil {
		c.OnCompletion(result)
	}
}

func (c Callbacks) failure(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Callbacks) aborted() {
	if c.OnAborted != nil {
		c.OnAborted()
	}
}

func (c Callbacks) connected() {
	if c.OnConnected != nil {
		c.OnConnected()
	}
}

func (c Callbacks) disconnected() {
	if c.OnDisconnected != nil {
		c.OnDisconnected()
	}
}

// State is the unified monitor's snapshot. ActiveStrategy is StrategyNone
// only before Start or after Stop/Cleanup.
type State struct {
	ActiveStrategy StrategyKind `json:"active_strategy"`
	Connected      bool         `json:"connected"`
	Running        bool         `json:"running"`
	LastError      error        `json:"-"`
	StartedAt      *time.Time   `json:"started_at,omitempty"`
	SessionID      string       `json:"session_id,omitempty"`
}
