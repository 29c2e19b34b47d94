// Package events provides the per-session ordered event log and the
// fan-out bus that streams conversion progress to subscribers.
//
// Every event belongs to exactly one session and carries a sequence
// number that is monotone within that session. Subscribers attach at a
// starting sequence (0 replays the full history, Latest skips it) and
// then receive live events in order. Slow subscribers shed StepProgress
// events first; events of the critical class are never dropped, so a
// subscriber that cannot absorb them is disconnected instead.
package events

import (
	"encoding/json"
	"time"
)

// SystemStream is the reserved session id used for events that are not
// tied to a single conversion, such as ConfigChanged.
const SystemStream = "system"

// Kind discriminates the event union.
type Kind string

const (
	KindStateChanged       Kind = "state_changed"
	KindStepStarted        Kind = "step_started"
	KindStepProgress       Kind = "step_progress"
	KindStepCompleted      Kind = "step_completed"
	KindInputRequired      Kind = "input_required"
	KindError              Kind = "error"
	KindCompleted          Kind = "completed"
	KindConfigChanged      Kind = "config_changed"
	KindProvenanceDegraded Kind = "provenance_degraded"
)

// Event is the tagged union published on the bus. Exactly one payload
// pointer is set, matching Kind. Seq and Timestamp are assigned by the
// log at append time.
type Event struct {
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"ts"`
	Kind      Kind      `json:"kind"`

	StateChanged *StateChange  `json:"state_changed,omitempty"`
	Step         *StepInfo     `json:"step,omitempty"`
	Progress     *Progress     `json:"progress,omitempty"`
	Prompt       *Prompt       `json:"prompt,omitempty"`
	Failure      *Failure      `json:"failure,omitempty"`
	Summary      *Summary      `json:"summary,omitempty"`
	Config       *ConfigChange `json:"config,omitempty"`
}

// StateChange reports a session state machine transition. From is empty
// for the initial transition into Analyzing.
type StateChange struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
}

// StepInfo identifies a workflow step execution for StepStarted and
// StepCompleted events.
type StepInfo struct {
	StepID  string `json:"step_id"`
	Role    string `json:"role"`
	Attempt int    `json:"attempt,omitempty"`
	// OutputRef names the primary artifact produced by the step, when
	// the step declared one (e.g. the written NWB file).
	OutputRef string `json:"output_ref,omitempty"`
}

// Progress is the lossy per-step progress report.
type Progress struct {
	StepID   string  `json:"step_id"`
	Fraction float64 `json:"fraction"`
	Message  string  `json:"message,omitempty"`
}

// Prompt carries the schema of the input a suspended session is waiting
// for. Schema is a JSON Schema document.
type Prompt struct {
	StepID  string          `json:"step_id"`
	Schema  json.RawMessage `json:"schema"`
	Timeout time.Duration   `json:"timeout,omitempty"`
}

// Failure describes an error surfaced as an event rather than as a
// synchronous operation failure.
type Failure struct {
	Severity      string `json:"severity"`
	Kind          string `json:"kind"`
	Recoverable   bool   `json:"recoverable"`
	StepID        string `json:"step_id,omitempty"`
	Role          string `json:"role,omitempty"`
	Message       string `json:"message"`
	Hint          string `json:"hint,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Summary is attached to the terminal Completed event for every final
// state, including Failed and Cancelled.
type Summary struct {
	FinalState       string   `json:"final_state"`
	ArtifactRef      string   `json:"artifact_ref,omitempty"`
	ValidationStatus string   `json:"validation_status,omitempty"`
	QualityScore     *int     `json:"quality_score,omitempty"`
	Failure          *Failure `json:"failure,omitempty"`
}

// ConfigChange announces a hot reload on the system stream.
type ConfigChange struct {
	Hash        string   `json:"hash"`
	ChangedKeys []string `json:"changed_keys,omitempty"`
}

// Lossy reports whether the event may be dropped for a slow subscriber.
// Only StepProgress is lossy; every other kind is critical and forces a
// disconnect when a subscriber cannot accept it.
func (e Event) Lossy() bool {
	return e.Kind == KindStepProgress
}
