package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nwbforge/orchestrator/workflow/store"
)

// Checkpoint is the durable execution snapshot written after every step
// completion and before every suspension. Resume rebuilds execution
// from the latest checkpoint whose integrity hash verifies; steps whose
// outputs it holds are not re-executed.
type Checkpoint struct {
	State       State `json:"state"`
	ReturnState State `json:"return_state,omitempty"`

	// Outputs is the step-output map, including engine bookkeeping
	// keys.
	Outputs map[string]json.RawMessage `json:"outputs"`

	// Frontier lists the step ids eligible to execute next, sorted.
	Frontier []string `json:"frontier"`

	Prompt           *PendingPrompt `json:"prompt,omitempty"`
	AutoFixRemaining int            `json:"auto_fix_remaining"`
}

// checkpointFrom captures the session's execution state with the
// frontier computed against the definition.
func checkpointFrom(sess *Session, def Definition) Checkpoint {
	frontier := make([]string, 0, 2)
	for _, st := range def.ready(sess.Outputs) {
		frontier = append(frontier, st.ID)
	}
	sort.Strings(frontier)
	return Checkpoint{
		State:            sess.State,
		ReturnState:      sess.ReturnState,
		Outputs:          sess.Outputs,
		Frontier:         frontier,
		Prompt:           sess.Prompt,
		AutoFixRemaining: sess.AutoFixRemaining,
	}
}

// Record serializes the checkpoint for the store. The integrity hash is
// filled in by the checkpoint store on append.
func (c Checkpoint) Record(sessionID string, version uint64, at time.Time) (store.CheckpointRecord, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return store.CheckpointRecord{}, fmt.Errorf("failed to encode checkpoint for %s: %w", sessionID, err)
	}
	return store.CheckpointRecord{
		SessionID: sessionID,
		Version:   version,
		Payload:   payload,
		CreatedAt: at,
	}, nil
}

// DecodeCheckpoint deserializes a stored checkpoint.
func DecodeCheckpoint(rec store.CheckpointRecord) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(rec.Payload, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("failed to decode checkpoint %s v%d: %w", rec.SessionID, rec.Version, err)
	}
	if c.Outputs == nil {
		c.Outputs = make(map[string]json.RawMessage)
	}
	return c, nil
}

// realOutputKeys filters engine bookkeeping entries from an output map
// and returns the completed step ids, sorted.
func realOutputKeys(outputs map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		if strings.ContainsRune(k, '#') {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// pendingKey and inputKey derive the bookkeeping output keys of a step.
// '#' cannot appear in step ids, so these never collide with real
// outputs.
func pendingKey(stepID string) string { return stepID + "#pending" }
func inputKey(stepID string) string   { return stepID + "#input" }
