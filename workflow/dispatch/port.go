package dispatch

import (
	"context"
	"encoding/json"
	"time"
)

// Request is one invocation attempt handed to a worker. Payload is the
// role-specific request document built by the step's input function;
// Input carries the user's answer when the step previously suspended
// with InputRequired.
type Request struct {
	SessionID     string          `json:"session_id"`
	StepID        string          `json:"step_id"`
	Role          Role            `json:"role"`
	Attempt       int             `json:"attempt"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	CorrelationID string          `json:"correlation_id"`

	// OnProgress, when non-nil, may be called by the worker to report
	// fractional progress. Calls are advisory and may be dropped
	// downstream; workers must not depend on delivery.
	OnProgress func(fraction float64, message string) `json:"-"`
}

// OutcomeKind discriminates the worker response union.
type OutcomeKind string

const (
	OutcomeOK            OutcomeKind = "ok"
	OutcomeInputRequired OutcomeKind = "input_required"
	OutcomeRetryable     OutcomeKind = "retryable_failure"
	OutcomePermanent     OutcomeKind = "permanent_failure"
)

// Outcome is the tagged worker response. Exactly one of Payload or
// Prompt is set for the success tags; Reason and Hint describe
// failures. ErrorKind carries the taxonomy kind for failures the
// dispatcher synthesized itself (timeout, circuit_open, cancelled).
type Outcome struct {
	Kind      OutcomeKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Prompt    *Prompt         `json:"prompt,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Hint      string          `json:"hint,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// Prompt describes the input a worker needs before it can continue.
// Schema is a JSON Schema document the answer must satisfy; Timeout
// bounds how long the workflow may stay suspended (0 uses the
// configured default).
type Prompt struct {
	Schema  json.RawMessage `json:"schema"`
	Timeout time.Duration   `json:"timeout,omitempty"`
}

// Ok builds a success outcome carrying the worker's response payload.
func Ok(payload json.RawMessage) Outcome {
	return Outcome{Kind: OutcomeOK, Payload: payload}
}

// InputRequired builds a suspension outcome. The workflow pauses until
// an answer satisfying schema arrives.
func InputRequired(schema json.RawMessage, timeout time.Duration) Outcome {
	return Outcome{Kind: OutcomeInputRequired, Prompt: &Prompt{Schema: schema, Timeout: timeout}}
}

// RetryableFailure marks a transient worker failure eligible for retry.
func RetryableFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeRetryable, Reason: reason}
}

// PermanentFailure marks a failure that retrying cannot fix. Hint, when
// set, is surfaced to the user as a recovery suggestion.
func PermanentFailure(reason, hint string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: reason, Hint: hint}
}

// Failed reports whether the outcome is one of the failure tags.
func (o Outcome) Failed() bool {
	return o.Kind == OutcomeRetryable || o.Kind == OutcomePermanent
}

// Port is the abstract worker transport consumed by the Dispatcher.
// Implementations honor ctx deadlines and cancellation; a returned
// error means the transport failed (treated as retryable), while worker
// level failures travel inside the Outcome.
type Port interface {
	// Name identifies the worker instance for circuit-breaker
	// bucketing and provenance. Stable across invocations.
	Name() string

	Invoke(ctx context.Context, req Request) (Outcome, error)
}

type portFunc struct {
	name string
	fn   func(ctx context.Context, req Request) (Outcome, error)
}

func (p portFunc) Name() string { return p.name }

func (p portFunc) Invoke(ctx context.Context, req Request) (Outcome, error) {
	return p.fn(ctx, req)
}

// PortFunc adapts a function to the Port interface. Handy for tests and
// for in-process workers.
func PortFunc(name string, fn func(ctx context.Context, req Request) (Outcome, error)) Port {
	return portFunc{name: name, fn: fn}
}
