//go:build windows

package monitor

import (
	"os"
	"os/exec"
)

// setupProcessGroup is a no-op on Windows; process groups as used for signal
// escalation are a Unix concept.
func setupProcessGroup(cmd *exec.Cmd) {}

// terminateProcessGroup kills the process directly. Windows has no graceful
// SIGTERM equivalent for console-less children, so termination is immediate.
func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// killProcessGroup forcibly terminates the process.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
}

// exitStatus extracts the exit code. Signal attribution is unavailable on
// Windows; abort classification relies on the monitor's own abort flag.
func exitStatus(ps *os.ProcessState) (code int, abortSignal bool) {
	if ps == nil {
		return -1, false
	}
	return ps.ExitCode(), false
}
