// Package records parses newline-delimited JSON records emitted by worker
// subprocesses. Workers interleave free-form text with structured records;
// each line is parsed speculatively and non-record lines are passed over.
package records

import (
	"bytes"
	"encoding/json"
)

// Record types emitted by workers.
const (
	TypeStatus     = "status"
	TypeCompletion = "completion"
)

// Record is one structured line of worker output.
type Record struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// StatusData is the payload of a status record. Workers may report richer
// shapes; only the fields below are interpreted.
type StatusData struct {
	State   string `json:"state,omitempty"`
	Message string `json:"message,omitempty"`
}

// Worker phases recognized from status records.
const (
	PhaseIdle      = "idle"
	PhaseExecuting = "executing"
	PhaseAborted   = "aborted"
)

// ParseLine attempts to parse one output line as a record. It returns
// ok=false for anything that is not a JSON object with a known record type:
// plain text, malformed JSON, and unrelated JSON all fall through silently.
func ParseLine(line []byte) (Record, bool) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Record{}, false
	}

	var rec Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return Record{}, false
	}
	switch rec.Type {
	case TypeStatus, TypeCompletion:
		return rec, true
	}
	return Record{}, false
}

// Phase extracts the worker phase from a status record. Unknown states count
// as executing: a worker that reports anything at all is doing work.
func Phase(rec Record) string {
	var data StatusData
	if len(rec.Data) > 0 {
		// Malformed data degrades to executing below.
		_ = json.Unmarshal(rec.Data, &data)
	}
	switch data.State {
	case PhaseIdle, PhaseExecuting, PhaseAborted:
		return data.State
	}
	return PhaseExecuting
}

// LastCompletion scans buffered output lines backward and returns the payload
// of the most recent completion record, or ok=false if none was emitted.
func LastCompletion(lines []string) (json.RawMessage, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		rec, ok := ParseLine([]byte(lines[i]))
		if !ok || rec.Type != TypeCompletion {
			continue
		}
		if len(rec.Data) == 0 {
			return json.RawMessage(`{}`), true
		}
		return rec.Data, true
	}
	return nil, false
}
