// Package testutil holds shared helpers for package tests.
package testutil

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"testing"
	"time"
)

// AllocateTestPort returns a deterministic port based on test name
func AllocateTestPort(t *testing.T) int {
	t.Helper()
	return AllocateTestPortN(t, 0)
}

// AllocateTestPortN returns a deterministic port based on test name and index.
// Use different index values to get multiple unique ports within the same test.
func AllocateTestPortN(t *testing.T, n int) int {
	t.Helper()
	h := fnv.New32a()
	h.Write([]byte(t.Name()))
	h.Write([]byte{byte(n)})
	return 10000 + int(h.Sum32()%10000)
}

// WaitForHealthy waits for a URL to return 200 OK
func WaitForHealthy(t *testing.T, url string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 500 * time.Millisecond}

	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil && resp.StatusCode == http.StatusOK {
			resp.Body.Close()
			return
		}
		if resp != nil {
			resp.Body.Close()
		}
		time.Sleep(50 * time.Millisecond)
	}

	t.Fatalf("Service at %s did not become healthy within %v", url, timeout)
}

// Eventually retries a condition until it returns true or timeout expires
func Eventually(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("Condition did not become true within timeout")
}

// WorkerScript returns a shell script that emits the given lines on stdout
// and exits with the given code. Useful as a stand-in worker process.
func WorkerScript(exitCode int, lines ...string) string {
	script := "#!/bin/sh\n"
	for _, line := range lines {
		script += fmt.Sprintf("echo '%s'\n", line)
	}
	script += fmt.Sprintf("exit %d\n", exitCode)
	return script
}

// StatusLine returns a worker status record for the given state.
func StatusLine(state, message string) string {
	return fmt.Sprintf(`{"type":"status","data":{"state":%q,"message":%q}}`, state, message)
}

// CompletionLine returns a worker completion record carrying result.
func CompletionLine(result string) string {
	return fmt.Sprintf(`{"type":"completion","data":{"result":%q}}`, result)
}
