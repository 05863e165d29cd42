//go:build unix

package monitor

import (
	"os"
	"os/exec"
	"syscall"
)

// setupProcessGroup configures the command to run in its own process group
// so termination signals reach the worker's entire process tree, not just
// the immediate child.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// terminateProcessGroup sends SIGTERM to the process group for a graceful
// shutdown. Signaling a negative PID targets the whole group.
func terminateProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	}
}

// killProcessGroup forcibly terminates the process group.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}

// exitStatus extracts the exit code and whether the process died from a
// termination signal (SIGTERM or SIGKILL).
func exitStatus(ps *os.ProcessState) (code int, abortSignal bool) {
	if ps == nil {
		return -1, false
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok {
		if ws.Signaled() {
			sig := ws.Signal()
			return 128 + int(sig), sig == syscall.SIGTERM || sig == syscall.SIGKILL
		}
		return ws.ExitStatus(), false
	}
	return ps.ExitCode(), false
}
