package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nwbforge/orchestrator/workflow/store"
)

// PromptOrigin distinguishes who asked for user input.
type PromptOrigin string

const (
	// PromptWorker marks a prompt raised by the worker itself; the
	// suspended step is re-dispatched with the provided input attached.
	PromptWorker PromptOrigin = "worker"

	// PromptDetection marks the disambiguation prompt the engine
	// injects for an ambiguous format detection; the provided choice
	// resolves the detection without another worker call.
	PromptDetection PromptOrigin = "detection"
)

// PendingPrompt is the outstanding input request of a suspended
// session. Schema is the JSON Schema provideInput payloads are
// validated against.
type PendingPrompt struct {
	StepID  string          `json:"step_id"`
	Origin  PromptOrigin    `json:"origin"`
	Schema  json.RawMessage `json:"schema"`
	Timeout time.Duration   `json:"timeout"`
	Message string          `json:"message,omitempty"`
}

// Session is the engine's working view of one conversion attempt. It is
// serialized whole into the session record payload; identity, version
// and timestamps live on the record itself.
type Session struct {
	ID          string `json:"id"`
	Principal   string `json:"principal"`
	WorkflowRef string `json:"workflow_ref"`
	DatasetRef  string `json:"dataset_ref,omitempty"`

	State State `json:"state"`

	// ReturnState is the state re-entered when a suspension lifts.
	ReturnState State `json:"return_state,omitempty"`

	// ConfigHash pins the configuration snapshot the session was
	// submitted under.
	ConfigHash string `json:"config_hash,omitempty"`

	Metadata  map[string]string `json:"metadata,omitempty"`
	Submitted json.RawMessage   `json:"submitted,omitempty"`

	// Outputs maps step id to completed output. Keys containing '#'
	// are engine bookkeeping (pending detection results, staged user
	// input), not step completions.
	Outputs map[string]json.RawMessage `json:"outputs"`

	AutoFixRemaining int `json:"auto_fix_remaining"`

	Prompt      *PendingPrompt `json:"prompt,omitempty"`
	SuspendedAt time.Time      `json:"suspended_at,omitempty"`

	ArtifactRef      string `json:"artifact_ref,omitempty"`
	ValidationStatus string `json:"validation_status,omitempty"`
	QualityScore     *int   `json:"quality_score,omitempty"`

	// Failure is set when the session is Failed. Retryable failures
	// keep the session eligible for resume.
	Failure *Error `json:"failure,omitempty"`

	// Record-owned fields, populated on load.
	Version   uint64    `json:"-"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// terminal reports whether the session refuses further mutation. A
// Failed session with a retryable failure stays open so resume can
// re-enter it.
func (s *Session) terminal() bool {
	if s.State == StateFailed && s.Failure != nil && s.Failure.Retryable {
		return false
	}
	return s.State.Terminal()
}

// record serializes the session into its store representation at the
// session's current version.
func (s *Session) record() (store.SessionRecord, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return store.SessionRecord{}, fmt.Errorf("failed to encode session %s: %w", s.ID, err)
	}
	return store.SessionRecord{
		ID:          s.ID,
		Principal:   s.Principal,
		WorkflowRef: s.WorkflowRef,
		State:       string(s.State),
		Version:     s.Version,
		Terminal:    s.terminal(),
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		ExpiresAt:   s.ExpiresAt,
		Payload:     payload,
	}, nil
}

// sessionFromRecord deserializes a store record back into the working
// view.
func sessionFromRecord(rec store.SessionRecord) (*Session, error) {
	var s Session
	if err := json.Unmarshal(rec.Payload, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session %s payload: %w", rec.ID, err)
	}
	s.Version = rec.Version
	s.CreatedAt = rec.CreatedAt
	s.UpdatedAt = rec.UpdatedAt
	s.ExpiresAt = rec.ExpiresAt
	return &s, nil
}

// completedSteps returns the ids of completed steps, excluding engine
// bookkeeping keys, sorted.
func (s *Session) completedSteps() []string {
	return realOutputKeys(s.Outputs)
}

// Snapshot is the read-only session view returned by status queries.
type Snapshot struct {
	ID          string `json:"id"`
	Principal   string `json:"principal"`
	WorkflowRef string `json:"workflow_ref"`
	DatasetRef  string `json:"dataset_ref,omitempty"`

	State       State  `json:"state"`
	ReturnState State  `json:"return_state,omitempty"`
	Version     uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ExpiresAt time.Time `json:"expires_at"`

	ConfigHash string `json:"config_hash,omitempty"`

	// Progress is the fraction of workflow steps completed, in [0, 1].
	Progress float64 `json:"progress"`

	// CurrentSteps lists the steps eligible or executing right now;
	// for a suspended session, the step awaiting input.
	CurrentSteps   []string `json:"current_steps,omitempty"`
	CompletedSteps []string `json:"completed_steps,omitempty"`

	Prompt  *PendingPrompt `json:"prompt,omitempty"`
	Failure *Error         `json:"failure,omitempty"`

	ArtifactRef      string `json:"artifact_ref,omitempty"`
	ValidationStatus string `json:"validation_status,omitempty"`
	QualityScore     *int   `json:"quality_score,omitempty"`

	// LatestSeq is the highest event sequence assigned to the session.
	LatestSeq uint64 `json:"latest_seq"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Summary is the per-session row returned by list queries.
type Summary struct {
	ID          string    `json:"id"`
	Principal   string    `json:"principal"`
	WorkflowRef string    `json:"workflow_ref"`
	State       State     `json:"state"`
	Version     uint64    `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
