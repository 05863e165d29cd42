package monitor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"phobos.org.uk/overseer/internal/config"
	"phobos.org.uk/overseer/internal/logging"
	"phobos.org.uk/overseer/internal/records"
)

const (
	// abortGracePeriod is how long a worker gets to exit after SIGTERM
	// before it is force-killed.
	abortGracePeriod = 5 * time.Second

	// maxLineSize bounds a single worker output line.
	maxLineSize = 1024 * 1024

	// stderrTailLimit bounds the stderr excerpt attached to runtime errors.
	stderrTailLimit = 512
)

// SubprocessMonitor spawns and supervises a local worker process, parsing
// newline-delimited status and completion records from its output. Each
// instance supervises exactly one spawn; instances are not reused.
type SubprocessMonitor struct {
	opts config.SubprocessOptions
	log  *logging.Logger

	mu             sync.Mutex
	cb             Callbacks
	status         ProcessStatus
	phase          string // worker-reported phase from status records
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	stdoutLines    []string
	stderrLines    []string
	abortRequested bool
	timeoutTimer   *time.Timer
	killTimer      *time.Timer
	cleaned        bool
	result         json.RawMessage

	done chan struct{} // closed by finalize once the process has exited
}

// NewSubprocessMonitor creates a monitor for the given worker options.
// A nil logger discards diagnostics.
func NewSubprocessMonitor(opts config.SubprocessOptions, log *logging.Logger) *SubprocessMonitor {
	if log == nil {
		log = logging.Discard()
	}
	return &SubprocessMonitor{
		opts:   opts,
		log:    log.WithComponent("subprocess"),
		status: ProcessStatus{State: ProcessIdle},
		done:   make(chan struct{}),
	}
}

// RegisterCallbacks merges the given observers into the existing set.
func (m *SubprocessMonitor) RegisterCallbacks(cb Callbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb.merge(cb)
}

// Kind implements Strategy.
func (m *SubprocessMonitor) Kind() StrategyKind { return StrategySubprocess }

// Start spawns the worker. It fails if the worker was already started or the
// command cannot be spawned. The optional absolute timeout is armed here and
// aborts the worker when it fires.
func (m *SubprocessMonitor) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.cleaned {
		m.mu.Unlock()
		return fmt.Errorf("%w: monitor already cleaned up", ErrAlreadyRunning)
	}
	if m.status.State != ProcessIdle {
		m.mu.Unlock()
		return fmt.Errorf("%w: worker already started", ErrAlreadyRunning)
	}

	cmd := exec.Command(m.opts.Command, m.opts.Args...)
	cmd.Dir = m.opts.Dir
	cmd.Env = os.Environ()
	for k, v := range m.opts.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
	}
	setupProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		m.mu.Unlock()
		return &SpawnError{Command: m.opts.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		m.mu.Unlock()
		return &SpawnError{Command: m.opts.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.mu.Unlock()
		return &SpawnError{Command: m.opts.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		m.status.State = ProcessErrored
		m.mu.Unlock()
		return &SpawnError{Command: m.opts.Command, Err: err}
	}

	now := time.Now()
	m.cmd = cmd
	m.stdin = stdin
	m.status.PID = cmd.Process.Pid
	m.status.StartedAt = &now
	m.status.State = ProcessExecuting

	if m.opts.Timeout > 0 {
		timeout := m.opts.Timeout
		m.timeoutTimer = time.AfterFunc(timeout, func() {
			m.log.Warn("worker exceeded execution timeout, aborting", map[string]any{
				"timeout_seconds": timeout.Seconds(),
			})
			m.Abort()
		})
	}

	cb := m.cb
	starting := normalizeProcessStatus(ProcessStatus{
		State:     ProcessStarting,
		PID:       m.status.PID,
		StartedAt: m.status.StartedAt,
	}, "")
	executing := normalizeProcessStatus(m.status, m.phase)
	m.mu.Unlock()

	m.log.Info("worker started", map[string]any{
		"command": m.opts.Command,
		"pid":     cmd.Process.Pid,
	})

	cb.statusChange(starting)
	cb.statusChange(executing)

	var readers sync.WaitGroup
	readers.Add(2)
	go m.readStream(stdout, "stdout", &readers)
	go m.readStream(stderr, "stderr", &readers)

	go func() {
		// Both stream readers must drain before Wait; this also guarantees
		// the final completion scan sees every buffered line.
		readers.Wait()
		m.finalize(cmd.Wait())
	}()

	return nil
}

// readStream scans one output stream line by line. Every line is surfaced via
// OnOutput and speculatively parsed as a record; lines that are not records
// are ignored, never fatal.
func (m *SubprocessMonitor) readStream(r io.Reader, stream string, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Text()

		m.mu.Lock()
		if m.cleaned {
			m.mu.Unlock()
			continue
		}
		if stream == "stdout" {
			m.stdoutLines = append(m.stdoutLines, line)
		} else {
			m.stderrLines = append(m.stderrLines, line)
		}

		var statusUpdate *Status
		if rec, ok := records.ParseLine([]byte(line)); ok && rec.Type == records.TypeStatus {
			phase := records.Phase(rec)
			if phase != m.phase {
				m.phase = phase
				s := normalizeProcessStatus(m.status, m.phase)
				statusUpdate = &s
			}
		}
		cb := m.cb
		m.mu.Unlock()

		cb.output(line, stream)
		if statusUpdate != nil {
			cb.statusChange(*statusUpdate)
		}
	}

	if err := scanner.Err(); err != nil {
		m.log.Debug("worker stream closed with error", map[string]any{
			"stream": stream,
			"error":  err.Error(),
		})
	}
}

// finalize classifies the exit, extracts the result, and fires terminal
// callbacks. Runs exactly once, after both stream readers have drained.
func (m *SubprocessMonitor) finalize(waitErr error) {
	m.mu.Lock()

	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
	}
	if m.killTimer != nil {
		m.killTimer.Stop()
	}

	now := time.Now()
	m.status.EndedAt = &now

	code, abortSignal := exitStatus(m.cmd.ProcessState)
	m.status.ExitCode = &code

	switch {
	case m.abortRequested || abortSignal:
		m.status.State = ProcessAborted
	case waitErr == nil && code == 0:
		m.status.State = ProcessCompleted
	default:
		m.status.State = ProcessErrored
	}

	if payload, ok := records.LastCompletion(m.stdoutLines); ok {
		m.result = payload
	} else {
		raw, err := json.Marshal(map[string]any{
			"stdout":    strings.Join(m.stdoutLines, "\n"),
			"stderr":    strings.Join(m.stderrLines, "\n"),
			"exit_code": code,
		})
		if err == nil {
			m.result = raw
		}
	}

	final := normalizeProcessStatus(m.status, m.phase)
	result := m.result
	stderrTail := tail(m.stderrLines, stderrTailLimit)
	cb := m.cb
	close(m.done)
	m.mu.Unlock()

	m.log.Info("worker exited", map[string]any{
		"state":     string(final.Phase),
		"exit_code": code,
	})

	cb.statusChange(final)
	switch final.Phase {
	case string(ProcessAborted):
		cb.aborted()
	case string(ProcessCompleted):
		cb.completion(result)
	default:
		cb.failure(&RuntimeError{ExitCode: code, Stderr: stderrTail})
	}
}

// Abort requests termination of an executing worker: SIGTERM to the process
// group, then a forced kill after the grace period if it has not exited.
// Returns false if no worker is executing.
func (m *SubprocessMonitor) Abort() bool {
	m.mu.Lock()
	if m.status.State != ProcessExecuting || m.abortRequested {
		m.mu.Unlock()
		return false
	}
	m.abortRequested = true
	cmd := m.cmd
	m.killTimer = time.AfterFunc(abortGracePeriod, m.forceKill)
	m.mu.Unlock()

	m.log.Info("aborting worker", map[string]any{"pid": cmd.Process.Pid})
	terminateProcessGroup(cmd)
	return true
}

// forceKill fires when the grace period elapses without the worker exiting.
func (m *SubprocessMonitor) forceKill() {
	m.mu.Lock()
	cmd := m.cmd
	exited := m.exitedLocked()
	m.mu.Unlock()

	if exited || cmd == nil {
		return
	}
	m.log.Warn("worker ignored termination signal, force-killing", map[string]any{
		"pid": cmd.Process.Pid,
	})
	killProcessGroup(cmd)
}

func (m *SubprocessMonitor) exitedLocked() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// SendInput writes a line to the worker's stdin. Best-effort: failures are
// logged and reported only through the return value.
func (m *SubprocessMonitor) SendInput(text string) bool {
	m.mu.Lock()
	stdin := m.stdin
	running := m.status.State == ProcessExecuting
	m.mu.Unlock()

	if !running || stdin == nil {
		return false
	}
	if _, err := io.WriteString(stdin, text+"\n"); err != nil {
		m.log.Debug("stdin write failed", map[string]any{"error": err.Error()})
		return false
	}
	return true
}

// Send implements Strategy. Input delivery is best-effort telemetry; write
// failures are never surfaced as errors.
func (m *SubprocessMonitor) Send(text string) error {
	m.SendInput(text)
	return nil
}

// Alive returns true while the worker process is executing.
func (m *SubprocessMonitor) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status.State == ProcessExecuting && !m.exitedLocked()
}

// Ping implements Strategy.
func (m *SubprocessMonitor) Ping(ctx context.Context) bool { return m.Alive() }

// Wait blocks until the worker exits or the context is canceled.
func (m *SubprocessMonitor) Wait(ctx context.Context) error {
	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessStatus returns the locally derived lifecycle snapshot.
func (m *SubprocessMonitor) ProcessStatus() ProcessStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Status implements Strategy.
func (m *SubprocessMonitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return normalizeProcessStatus(m.status, m.phase)
}

// Result returns the extracted completion payload, or nil before exit.
func (m *SubprocessMonitor) Result() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.result
}

// Cleanup releases everything: pending timers, the process if still alive,
// buffers, and observers. Safe to call multiple times or on an unstarted
// instance.
func (m *SubprocessMonitor) Cleanup() {
	m.mu.Lock()
	if m.timeoutTimer != nil {
		m.timeoutTimer.Stop()
		m.timeoutTimer = nil
	}
	if m.killTimer != nil {
		m.killTimer.Stop()
		m.killTimer = nil
	}
	cmd := m.cmd
	alive := cmd != nil && cmd.Process != nil && !m.exitedLocked()
	m.stdoutLines = nil
	m.stderrLines = nil
	m.cb = Callbacks{}
	m.cleaned = true
	m.mu.Unlock()

	if alive {
		killProcessGroup(cmd)
	}
}

// tail joins lines and returns at most limit trailing bytes.
func tail(lines []string, limit int) string {
	s := strings.Join(lines, "\n")
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}
