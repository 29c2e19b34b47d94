package dispatch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Invocation is the immutable record of one dispatch attempt. Retries
// produce a new Invocation with an incremented Attempt referencing the
// same step. Completed invocations are returned to the engine for
// persistence and provenance.
type Invocation struct {
	ID            string          `json:"id"`
	SessionID     string          `json:"session_id"`
	StepID        string          `json:"step_id"`
	Role          Role            `json:"role"`
	Instance      string          `json:"instance,omitempty"`
	Attempt       int             `json:"attempt"`
	RequestKey    string          `json:"request_key,omitempty"`
	Request       json.RawMessage `json:"request,omitempty"`
	Outcome       OutcomeKind     `json:"outcome"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"error_kind,omitempty"`
	StartedAt     time.Time       `json:"started_at"`
	EndedAt       time.Time       `json:"ended_at"`
	CorrelationID string          `json:"correlation_id"`
	TraceID       string          `json:"trace_id,omitempty"`
	SpanID        string          `json:"span_id,omitempty"`
}

// Duration is the wall-clock time the attempt took.
func (inv Invocation) Duration() time.Duration {
	return inv.EndedAt.Sub(inv.StartedAt)
}

// RequestKey derives the stable deduplication key for an idempotent
// step: a hash over session id, step id and the first attempt's request
// payload. Duplicate keys within a session short-circuit to the cached
// first response.
func RequestKey(sessionID, stepID string, payload json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(stepID))
	h.Write([]byte{0})
	h.Write(payload)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
