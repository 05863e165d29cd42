// Package protocol defines the wire contract between monitors and the
// execution server: the JSON envelope carried over the channel, the payload
// types for each message, and shared HTTP helpers for the health surface.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message types sent by the client.
const (
	TypeJoinSession = "join_session"
	TypeQuery       = "query"
	TypeAbortQuery  = "abort_query"
	TypeGetStatus   = "get_status"
	TypePing        = "ping"
)

// Message types sent by the server.
const (
	TypeConnected      = "connected"
	TypeJoined         = "joined"
	TypeStatus         = "status"
	TypeOutput         = "output"
	TypeCompletion     = "completion"
	TypeFinalAnswer    = "final_answer"
	TypeAborted        = "aborted"
	TypeStatusResponse = "status_response"
	TypePong           = "pong"
	TypeError          = "error"
)

// Envelope is the framing for every channel message. Data holds the
// type-specific payload and may be empty.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals payload into an envelope of the given type.
// A nil payload produces an envelope with no data.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	env := Envelope{Type: msgType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", msgType, err)
	}
	env.Data = data
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// JoinPayload carries the session id for join requests and joined acks.
type JoinPayload struct {
	SessionID string `json:"session_id"`
}

// QueryPayload carries the query text submitted to a session.
type QueryPayload struct {
	Text string `json:"text"`
}

// RequestPayload correlates a request/response pair (get_status, ping).
type RequestPayload struct {
	RequestID string `json:"request_id"`
}

// NetworkStatus is the status shape pushed by the server while a session
// is processing.
type NetworkStatus struct {
	IsProcessing     bool    `json:"is_processing"`
	State            string  `json:"state,omitempty"`
	Phase            string  `json:"phase,omitempty"`
	Message          string  `json:"message,omitempty"`
	EstimatedSeconds float64 `json:"estimated_seconds,omitempty"`
}

// ServerStatus is the response payload for get_status requests.
type ServerStatus struct {
	RequestID     string  `json:"request_id"`
	State         string  `json:"state"`
	Sessions      int     `json:"sessions"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Version       string  `json:"version"`
}

// ErrorPayload carries a server-reported error.
type ErrorPayload struct {
	Message string `json:"message"`
}
