package workflow

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nwbforge/orchestrator/workflow/store"
)

func TestCheckpointRoundTrip(t *testing.T) {
	sess := &Session{
		ID:    "s1",
		State: StateSuspended,
		Outputs: map[string]json.RawMessage{
			"detect":           json.RawMessage(`{"primary":"SpikeGLX"}`),
			inputKey("detect"): json.RawMessage(`{"format":"SpikeGLX"}`),
		},
		ReturnState:      StateCollectingMetadata,
		AutoFixRemaining: 1,
		Prompt: &PendingPrompt{
			StepID:  "metadata",
			Origin:  PromptWorker,
			Schema:  json.RawMessage(`{"type":"object"}`),
			Timeout: time.Hour,
			Message: "species is required",
		},
	}
	cp := checkpointFrom(sess, ConversionWorkflow())

	if cp.State != StateSuspended || cp.ReturnState != StateCollectingMetadata || cp.AutoFixRemaining != 1 {
		t.Errorf("checkpoint = %+v", cp)
	}
	if !equalStrings(cp.Frontier, []string{"metadata"}) {
		t.Errorf("frontier = %v, want [metadata]", cp.Frontier)
	}

	rec, err := cp.Record("s1", 4, time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if rec.SessionID != "s1" || rec.Version != 4 || len(rec.Payload) == 0 {
		t.Fatalf("record = %+v", rec)
	}

	got, err := DecodeCheckpoint(rec)
	if err != nil {
		t.Fatalf("DecodeCheckpoint: %v", err)
	}
	if got.State != cp.State || got.ReturnState != cp.ReturnState {
		t.Errorf("decoded state = %s/%s", got.State, got.ReturnState)
	}
	if got.Prompt == nil || got.Prompt.StepID != "metadata" || got.Prompt.Timeout != time.Hour {
		t.Errorf("decoded prompt = %+v", got.Prompt)
	}
	if string(got.Outputs[inputKey("detect")]) != `{"format":"SpikeGLX"}` {
		t.Errorf("decoded outputs = %v", got.Outputs)
	}
}

func TestDecodeCheckpointRejectsCorruptPayload(t *testing.T) {
	_, err := DecodeCheckpoint(store.CheckpointRecord{SessionID: "s1", Version: 2, Payload: []byte("{")})
	if err == nil {
		t.Fatal("DecodeCheckpoint accepted a truncated payload")
	}

	got, err := DecodeCheckpoint(store.CheckpointRecord{SessionID: "s1", Version: 2, Payload: []byte(`{"state":"Analyzing"}`)})
	if err != nil {
		t.Fatalf("DecodeCheckpoint: %v", err)
	}
	if got.Outputs == nil {
		t.Error("decoded checkpoint has nil outputs")
	}
}

func TestCheckpointSurvivesStoreVerification(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()

	cp := checkpointFrom(&Session{
		ID:      "s1",
		State:   StateConverting,
		Outputs: map[string]json.RawMessage{"detect": json.RawMessage(`{}`), "metadata": json.RawMessage(`{}`)},
	}, ConversionWorkflow())
	rec, err := cp.Record("s1", 3, time.Now())
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mem.Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	latest, err := mem.LatestValid(ctx, "s1")
	if err != nil {
		t.Fatalf("LatestValid: %v", err)
	}
	got, err := DecodeCheckpoint(latest)
	if err != nil {
		t.Fatalf("DecodeCheckpoint: %v", err)
	}
	if got.State != StateConverting || !equalStrings(got.Frontier, []string{"convert"}) {
		t.Errorf("restored checkpoint = %+v", got)
	}
}

func TestRealOutputKeys(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"validate":           json.RawMessage(`{}`),
		"detect":             json.RawMessage(`{}`),
		pendingKey("detect"): json.RawMessage(`{}`),
		inputKey("metadata"): json.RawMessage(`{}`),
	}
	if got := realOutputKeys(outputs); !equalStrings(got, []string{"detect", "validate"}) {
		t.Errorf("realOutputKeys = %v, want [detect validate]", got)
	}
	if got := realOutputKeys(nil); len(got) != 0 {
		t.Errorf("realOutputKeys(nil) = %v", got)
	}
}
