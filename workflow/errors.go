package workflow

import (
	"errors"
	"fmt"

	"github.com/nwbforge/orchestrator/workflow/store"
)

// Kind classifies an orchestration error. Kinds travel over every
// transport unchanged; adapters map them to protocol status codes
// without inspecting messages.
type Kind string

const (
	// KindInvalidWorkflow marks a rejected submission: DAG cycle,
	// unknown agent role, or unsatisfiable step inputs.
	KindInvalidWorkflow Kind = "invalid_workflow"

	// KindUnauthorized marks a request without a usable principal.
	KindUnauthorized Kind = "unauthorized"

	// KindNotFound marks an unknown session or resource.
	KindNotFound Kind = "not_found"

	// KindInvalidStateTransition marks an operation that is not legal
	// in the session's current state. The session is not mutated.
	KindInvalidStateTransition Kind = "invalid_state_transition"

	// KindTerminalState marks a mutation attempted on a session that
	// has already reached Completed, Failed or Cancelled.
	KindTerminalState Kind = "terminal_state"

	// KindNotSuspended marks provideInput on a session that has no
	// outstanding prompt.
	KindNotSuspended Kind = "not_suspended"

	// KindInputSchemaMismatch marks user input rejected by the pending
	// prompt's JSON Schema.
	KindInputSchemaMismatch Kind = "input_schema_mismatch"

	// KindConcurrency marks an optimistic version conflict. The
	// per-session lock keeps it internal; it never reaches a caller
	// under normal operation.
	KindConcurrency Kind = "concurrency"

	// KindTimeout marks an expired deadline: an agent invocation or a
	// suspension awaiting user input.
	KindTimeout Kind = "timeout"

	// KindCircuitOpen marks a dispatch refused by an open breaker.
	KindCircuitOpen Kind = "circuit_open"

	// KindAgentUnavailable marks a role with no reachable worker.
	KindAgentUnavailable Kind = "agent_unavailable"

	// KindAgentPermanentFailure marks a worker-declared non-retryable
	// failure.
	KindAgentPermanentFailure Kind = "agent_permanent_failure"

	// KindValidationFailed marks a conversion whose validation report
	// ended with Fail status after the auto-fix budget was spent.
	KindValidationFailed Kind = "validation_failed"

	// KindValidatorUnavailable marks a standalone validation that could
	// not reach any evaluation worker.
	KindValidatorUnavailable Kind = "validator_unavailable"

	// KindProvenanceDegraded marks sustained provenance append failure.
	KindProvenanceDegraded Kind = "provenance_degraded"

	// KindSubscriberOverflow marks an event subscriber disconnected for
	// falling behind on critical events.
	KindSubscriberOverflow Kind = "subscriber_overflow"

	// KindInternal marks an unexpected failure. The message is opaque;
	// the correlation id links it to the structured logs.
	KindInternal Kind = "internal"
)

// Error is the structured orchestration error. Operations return it
// synchronously only for the kinds the propagation policy surfaces;
// everything else is carried on session events and the session's
// terminal summary.
type Error struct {
	Kind          Kind   `json:"kind"`
	Message       string `json:"message"`
	Retryable     bool   `json:"retryable"`
	StepID        string `json:"step_id,omitempty"`
	Role          string `json:"role,omitempty"`
	Hint          string `json:"hint,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`

	cause error
}

// Errf builds an Error with a formatted message.
func Errf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Unwrap exposes the underlying cause for errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the underlying error.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// KindOf extracts the Kind from any error, translating store sentinels
// and defaulting to KindInternal for everything unrecognized.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound
	case errors.Is(err, store.ErrTerminal):
		return KindTerminalState
	case errors.Is(err, store.ErrConcurrency):
		return KindConcurrency
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// internalErr wraps an unexpected failure with a correlation id so the
// opaque message surfaced to callers can be tied back to the logs.
func internalErr(correlationID string, err error) *Error {
	return &Error{
		Kind:          KindInternal,
		Message:       "internal error; see logs for correlation id " + correlationID,
		CorrelationID: correlationID,
		cause:         err,
	}
}
