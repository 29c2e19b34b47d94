// Package provenance records step executions as PROV-O activities and
// serializes the accumulated graph to Turtle and JSON-LD. Appends are
// best-effort with bounded retries; sustained failure degrades rather
// than blocks the workflow, up to a configurable threshold.
package provenance

import (
	"net/url"
	"time"
)

// URI scheme for all identifiers minted by the orchestrator. Stable
// across restarts: derived from session and invocation ids only.
const (
	uriPrefix = "urn:nwbforge:"

	// VocabNamespace hosts the non-PROV predicates used in
	// serializations.
	VocabNamespace = "urn:nwbforge:vocab#"
)

// SessionURI returns the prov:Entity identifier of a session.
func SessionURI(sessionID string) string {
	return uriPrefix + "session:" + url.PathEscape(sessionID)
}

// ActivityURI returns the prov:Activity identifier of a step
// execution.
func ActivityURI(sessionID, stepID string) string {
	return uriPrefix + "activity:" + url.PathEscape(sessionID) + ":" + url.PathEscape(stepID)
}

// AttemptURI returns the prov:Activity identifier of a single dispatch
// attempt.
func AttemptURI(invocationID string) string {
	return uriPrefix + "attempt:" + url.PathEscape(invocationID)
}

// AgentURI returns the prov:SoftwareAgent identifier of a worker
// instance.
func AgentURI(role, instance string) string {
	return uriPrefix + "agent:" + url.PathEscape(role) + ":" + url.PathEscape(instance)
}

// EntityURI returns the prov:Entity identifier of an input or output
// artifact.
func EntityURI(sessionID, name string) string {
	return uriPrefix + "entity:" + url.PathEscape(sessionID) + ":" + url.PathEscape(name)
}

// Agent identifies the worker that performed an activity.
type Agent struct {
	URI      string `json:"uri"`
	Role     string `json:"role"`
	Instance string `json:"instance"`
}

// Entity is an input or output artifact reference.
type Entity struct {
	URI   string `json:"uri"`
	Label string `json:"label,omitempty"`
}

// Attempt is one dispatch attempt nested under a step activity.
type Attempt struct {
	InvocationID string    `json:"invocation_id"`
	Number       int       `json:"number"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	Outcome      string    `json:"outcome"`
}

// Record is the PROV-O description of one step execution: an Activity
// associated with a SoftwareAgent, using input entities and generating
// output entities, with dispatch attempts as nested activities.
type Record struct {
	SessionID  string            `json:"session_id"`
	StepID     string            `json:"step_id"`
	Activity   string            `json:"activity"`
	Agent      Agent             `json:"agent"`
	Used       []Entity          `json:"used,omitempty"`
	Generated  []Entity          `json:"generated,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	EndedAt    time.Time         `json:"ended_at"`
	Attempts   []Attempt         `json:"attempts,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}
