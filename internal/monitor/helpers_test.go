package monitor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// writeScript drops a worker script into a temp dir and returns its path.
func writeScript(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

// recorder collects callbacks for assertions. The done channel closes on
// the first terminal event (completion, abort, or error).
type recorder struct {
	mu            sync.Mutex
	statuses      []Status
	output        []string
	events        []Event
	errors        []error
	completion    json.RawMessage
	completed     bool
	aborted       bool
	failure       error
	connects      int
	disconnects   int
	done          chan struct{}
	terminalFired bool
}

func newRecorder() *recorder {
	return &recorder{done: make(chan struct{})}
}

func (r *recorder) terminal() {
	if !r.terminalFired {
		r.terminalFired = true
		close(r.done)
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnStatusChange: func(s Status) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.mu.Unlock()
		},
		OnEvent: func(e Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		},
		OnOutput: func(line, stream string) {
			r.mu.Lock()
			r.output = append(r.output, line)
			r.mu.Unlock()
		},
		OnCompletion: func(result json.RawMessage) {
			r.mu.Lock()
			r.completion = result
			r.completed = true
			r.terminal()
			r.mu.Unlock()
		},
		OnAborted: func() {
			r.mu.Lock()
			r.aborted = true
			r.terminal()
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.failure = err
			r.errors = append(r.errors, err)
			r.mu.Unlock()
		},
		OnConnected: func() {
			r.mu.Lock()
			r.connects++
			r.mu.Unlock()
		},
		OnDisconnected: func() {
			r.mu.Lock()
			r.disconnects++
			r.mu.Unlock()
		},
	}
}

func (r *recorder) wait(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(timeout):
		t.Fatal("monitor did not reach a terminal state in time")
	}
}
