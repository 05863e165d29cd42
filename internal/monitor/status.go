package monitor

import (
	"time"

	"phobos.org.uk/overseer/internal/protocol"
)

// ProcessState represents a worker subprocess's lifecycle state.
type ProcessState string

const (
	ProcessIdle      ProcessState = "idle"
	ProcessStarting  ProcessState = "starting"
	ProcessExecuting ProcessState = "executing"
	ProcessCompleted ProcessState = "completed"
	ProcessAborted   ProcessState = "aborted"
	ProcessErrored   ProcessState = "error"
)

// IsTerminal returns true once the process has reached a final state.
func (s ProcessState) IsTerminal() bool {
	switch s {
	case ProcessCompleted, ProcessAborted, ProcessErrored:
		return true
	}
	return false
}

// ProcessStatus is the status shape derived locally from process lifecycle
// events.
type ProcessStatus struct {
	State     ProcessState `json:"state"`
	PID       int          `json:"pid,omitempty"`
	StartedAt *time.Time   `json:"started_at,omitempty"`
	EndedAt   *time.Time   `json:"ended_at,omitempty"`
	ExitCode  *int         `json:"exit_code,omitempty"`
}

// normalizeNetworkStatus maps a server status push onto the unified shape.
func normalizeNetworkStatus(ns protocol.NetworkStatus) Status {
	phase := ns.Phase
	if phase == "" {
		phase = ns.State
	}
	return Status{
		Strategy:         StrategyNetwork,
		Processing:       ns.IsProcessing,
		Phase:            phase,
		Message:          ns.Message,
		EstimatedSeconds: ns.EstimatedSeconds,
	}
}

// normalizeProcessStatus maps a local process snapshot onto the unified shape.
func normalizeProcessStatus(ps ProcessStatus, phase string) Status {
	s := Status{
		Strategy:   StrategySubprocess,
		Processing: ps.State == ProcessStarting || ps.State == ProcessExecuting,
		Phase:      string(ps.State),
		PID:        ps.PID,
		ExitCode:   ps.ExitCode,
	}
	// A worker-reported phase refines the lifecycle state while executing.
	if ps.State == ProcessExecuting && phase != "" {
		s.Phase = phase
	}
	return s
}
