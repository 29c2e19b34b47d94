// Package dispatch sends step work to the external worker roles with
// uniform resilience behavior: per-step timeouts, exponential-backoff
// retries, per-instance circuit breakers, idempotent-request
// deduplication, and trace propagation.
//
// The dispatcher knows nothing about what a worker does beyond its role
// tag; the Port abstraction hides wire details. Workers answer with a
// tagged Outcome (Ok, InputRequired, RetryableFailure or
// PermanentFailure) and the workflow engine matches on the tag.
package dispatch

// Role tags the worker capability a step is executed by. The four
// dispatchable roles map to external workers; Internal marks steps the
// engine evaluates itself without a dispatch.
type Role string

const (
	RoleConversation       Role = "conversation"
	RoleMetadataQuestioner Role = "metadata_questioner"
	RoleConversion         Role = "conversion"
	RoleEvaluation         Role = "evaluation"
	RoleInternal           Role = "internal"
)

// Roles lists the dispatchable worker roles in a fixed order.
func Roles() []Role {
	return []Role{RoleConversation, RoleMetadataQuestioner, RoleConversion, RoleEvaluation}
}

// Valid reports whether r is a known role tag, including Internal.
func (r Role) Valid() bool {
	switch r {
	case RoleConversation, RoleMetadataQuestioner, RoleConversion, RoleEvaluation, RoleInternal:
		return true
	}
	return false
}

// Dispatchable reports whether the role is served by an external worker.
func (r Role) Dispatchable() bool {
	return r.Valid() && r != RoleInternal
}
