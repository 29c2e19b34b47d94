// Package transport defines the surface the protocol adapters share:
// the orchestration interface they front, the wire form of structured
// errors, and the mapping from error kinds to HTTP status codes.
//
// Adapters are thin. They frame requests and responses for their
// protocol and delegate every decision to the Orchestrator; no workflow
// logic lives here.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/nwbforge/orchestrator/workflow"
	"github.com/nwbforge/orchestrator/workflow/events"
	"github.com/nwbforge/orchestrator/workflow/validate"
)

// PrincipalHeader carries the pre-authenticated caller identity on
// HTTP-based adapters. Authentication itself happens upstream; the
// adapters only forward the value.
const PrincipalHeader = "X-Principal"

// Orchestrator is the protocol-independent orchestration API. It is
// satisfied by *workflow.Engine.
type Orchestrator interface {
	Submit(ctx context.Context, req workflow.SubmitRequest) (string, error)
	Status(ctx context.Context, id string) (workflow.Snapshot, error)
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	ProvideInput(ctx context.Context, id string, input json.RawMessage) error
	ValidateStandalone(ctx context.Context, req workflow.StandaloneValidation) (validate.Report, error)
	ListSessions(ctx context.Context, f workflow.Filter) ([]workflow.Summary, error)
	WriteProvenance(ctx context.Context, id string, format workflow.ProvFormat, w io.Writer) error
	SubscribeEvents(ctx context.Context, id string, from uint64) (*events.Subscription, error)
}

// WireError is the error payload every adapter emits. The kind travels
// unchanged from the workflow error taxonomy.
type WireError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Hint      string `json:"hint,omitempty"`
}

// WireErrorFrom flattens any error into its wire form.
func WireErrorFrom(err error) WireError {
	var werr *workflow.Error
	if errors.As(err, &werr) {
		return WireError{
			Kind:      string(werr.Kind),
			Message:   werr.Message,
			Retryable: werr.Retryable,
			Hint:      werr.Hint,
		}
	}
	return WireError{Kind: string(workflow.KindOf(err)), Message: err.Error()}
}

// BadRequest builds the error returned for transport-level violations:
// unreadable payloads, missing arguments, malformed framing.
func BadRequest(format string, args ...any) error {
	return workflow.Errf(workflow.KindInvalidWorkflow, format, args...)
}

// StatusCode maps an error kind to its HTTP status. Kinds the
// propagation policy never surfaces synchronously fall through to 500.
func StatusCode(err error) int {
	switch workflow.KindOf(err) {
	case workflow.KindInvalidWorkflow:
		return http.StatusBadRequest
	case workflow.KindUnauthorized:
		return http.StatusUnauthorized
	case workflow.KindNotFound:
		return http.StatusNotFound
	case workflow.KindInvalidStateTransition, workflow.KindTerminalState,
		workflow.KindNotSuspended, workflow.KindConcurrency:
		return http.StatusConflict
	case workflow.KindInputSchemaMismatch:
		return http.StatusUnprocessableEntity
	case workflow.KindCircuitOpen, workflow.KindAgentUnavailable,
		workflow.KindValidatorUnavailable, workflow.KindSubscriberOverflow:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
