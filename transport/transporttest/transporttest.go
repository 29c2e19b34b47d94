// Package transporttest provides the conformance suite shared by the
// transport adapters. Each adapter wraps its wire protocol in a Client
// and runs the same scenarios against a live engine, so every transport
// exposes identical orchestration semantics.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nwbforge/orchestrator/config"
	"github.com/nwbforge/orchestrator/workflow"
	"github.com/nwbforge/orchestrator/workflow/detect"
	"github.com/nwbforge/orchestrator/workflow/dispatch"
	"github.com/nwbforge/orchestrator/workflow/events"
)

// AmbiguousDataset makes the canned detector return a SpikeGLX/OpenEphys
// tie, suspending the session for a format choice. Every other dataset
// ref detects SpikeGLX outright.
const AmbiguousDataset = "/data/ambiguous"

// Client is an adapter's wire protocol reduced to the operations the
// suite drives. Implementations translate their error envelope into
// *APIError so kind assertions work across transports.
type Client interface {
	Submit(ctx context.Context, req workflow.SubmitRequest) (string, error)
	Status(ctx context.Context, id string) (workflow.Snapshot, error)
	ProvideInput(ctx context.Context, id string, input json.RawMessage) error
	Cancel(ctx context.Context, id string) error

	// Events collects the session's events from the given sequence
	// until the terminal completed event arrives.
	Events(ctx context.Context, id string, from uint64) ([]events.Event, error)
}

// APIError is a decoded wire error.
type APIError struct {
	Kind      string
	Message   string
	Retryable bool
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewEngine builds an engine backed by canned workers: format detection
// keyed on the dataset ref, fixed metadata, one conversion artifact and
// a clean validation.
func NewEngine(t *testing.T) *workflow.Engine {
	t.Helper()

	d := dispatch.New()
	register := func(role dispatch.Role, name string, fn func(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error)) {
		t.Helper()
		if err := d.Register(role, dispatch.PortFunc(name, fn)); err != nil {
			t.Fatalf("Register %s: %v", role, err)
		}
	}

	register(dispatch.RoleConversation, "detector-0", func(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error) {
		var args struct {
			Dataset string `json:"dataset"`
		}
		if err := json.Unmarshal(req.Payload, &args); err != nil {
			return dispatch.Outcome{}, err
		}
		contributions := []detect.Contribution{
			{Format: "SpikeGLX", Confidence: 0.97, Detector: "detector-0"},
		}
		if args.Dataset == AmbiguousDataset {
			contributions = []detect.Contribution{
				{Format: "SpikeGLX", Confidence: 0.52, Detector: "detector-0"},
				{Format: "OpenEphys", Confidence: 0.50, Detector: "detector-0"},
			}
		}
		payload, err := json.Marshal(map[string]any{"contributions": contributions})
		if err != nil {
			return dispatch.Outcome{}, err
		}
		return dispatch.Ok(payload), nil
	})
	register(dispatch.RoleMetadataQuestioner, "questioner-0", func(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error) {
		return dispatch.Ok(json.RawMessage(`{"subject":{"species":"Mus musculus"},"session_start_time":"2024-03-02T10:04:00Z"}`)), nil
	})
	register(dispatch.RoleConversion, "converter-0", func(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error) {
		return dispatch.Ok(json.RawMessage(`{"nwb_file":"/out/rec-001.nwb","size_bytes":52428800}`)), nil
	})
	register(dispatch.RoleEvaluation, "validator-0", func(ctx context.Context, req dispatch.Request) (dispatch.Outcome, error) {
		return dispatch.Ok(json.RawMessage(`{"validators":[{"validator":"nwb-inspector","issues":[]}]}`)), nil
	})

	cfg := config.Default()
	cfg.Agent.Timeout = config.TimeoutConfig{Default: config.Duration(2 * time.Second)}
	cfg.Agent.Retry = config.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   config.Duration(time.Millisecond),
		Jitter:      0,
		Cap:         config.Duration(5 * time.Millisecond),
	}
	st, err := config.NewStatic(cfg)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	eng, err := workflow.New(
		workflow.WithWorkflow(workflow.ConversionWorkflow()),
		workflow.WithDispatcher(d),
		workflow.WithConfig(st),
		workflow.WithDetectionCatalog(detect.Catalog{
			"SpikeGLX":  "SpikeGLXRecordingInterface",
			"OpenEphys": "OpenEphysRecordingInterface",
		}),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

// Run exercises the transport contract against c. The engine behind c
// must come from NewEngine.
func Run(t *testing.T, c Client) {
	t.Run("PipelineCompletes", func(t *testing.T) {
		id := submit(t, c, "/data/rec-001")
		evs, err := c.Events(context.Background(), id, 0)
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		wantStates := []string{"Analyzing", "CollectingMetadata", "Converting", "Validating", "Completed"}
		if got := stateSequence(evs); !equalStrings(got, wantStates) {
			t.Errorf("state sequence = %v, want %v", got, wantStates)
		}
		final := evs[len(evs)-1]
		if final.Kind != events.KindCompleted || final.Summary == nil {
			t.Fatalf("final event = %+v, want completed with summary", final)
		}
		if final.Summary.FinalState != "Completed" || final.Summary.ArtifactRef != "/out/rec-001.nwb" {
			t.Errorf("summary = %+v", final.Summary)
		}
		for i := 1; i < len(evs); i++ {
			if evs[i].Seq <= evs[i-1].Seq {
				t.Errorf("event %d seq %d not after %d", i, evs[i].Seq, evs[i-1].Seq)
			}
		}

		snap, err := c.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if snap.ID != id || snap.State != workflow.StateCompleted {
			t.Errorf("snapshot = %s/%s, want %s/Completed", snap.ID, snap.State, id)
		}
		if snap.ArtifactRef != "/out/rec-001.nwb" || snap.ValidationStatus != "pass" {
			t.Errorf("snapshot artifact = %q validation = %q", snap.ArtifactRef, snap.ValidationStatus)
		}
	})

	t.Run("AmbiguousDetectionRoundTrip", func(t *testing.T) {
		id := submit(t, c, AmbiguousDataset)
		snap := waitState(t, c, id, workflow.StateSuspended)
		if snap.Prompt == nil || snap.Prompt.StepID != "detect" {
			t.Fatalf("suspended without detect prompt: %+v", snap.Prompt)
		}

		err := c.ProvideInput(context.Background(), id, json.RawMessage(`{"format":"Plexon"}`))
		wantKind(t, err, string(workflow.KindInputSchemaMismatch))

		if err := c.ProvideInput(context.Background(), id, json.RawMessage(`{"format":"OpenEphys"}`)); err != nil {
			t.Fatalf("ProvideInput: %v", err)
		}
		evs, err := c.Events(context.Background(), id, 0)
		if err != nil {
			t.Fatalf("Events: %v", err)
		}
		final := evs[len(evs)-1]
		if final.Summary == nil || final.Summary.FinalState != "Completed" {
			t.Fatalf("final event = %+v, want completed summary", final)
		}
		var sawPrompt bool
		for _, e := range evs {
			if e.Kind == events.KindInputRequired {
				sawPrompt = true
			}
		}
		if !sawPrompt {
			t.Error("replay lost the input_required event")
		}
	})

	t.Run("ErrorsCarryKinds", func(t *testing.T) {
		_, err := c.Status(context.Background(), "no-such-session")
		wantKind(t, err, string(workflow.KindNotFound))

		_, err = c.Submit(context.Background(), workflow.SubmitRequest{
			WorkflowRef: "conversion/v1",
			DatasetRef:  "/data/rec-002",
		})
		wantKind(t, err, string(workflow.KindUnauthorized))

		_, err = c.Submit(context.Background(), workflow.SubmitRequest{
			WorkflowRef: "sorting/v1",
			DatasetRef:  "/data/rec-002",
			Principal:   "lab-alpha",
		})
		wantKind(t, err, string(workflow.KindInvalidWorkflow))

		id := submit(t, c, "/data/rec-003")
		if _, err := c.Events(context.Background(), id, 0); err != nil {
			t.Fatalf("Events: %v", err)
		}
		err = c.ProvideInput(context.Background(), id, json.RawMessage(`{"format":"SpikeGLX"}`))
		wantKind(t, err, string(workflow.KindNotSuspended))
	})

	t.Run("CancelIsIdempotent", func(t *testing.T) {
		id := submit(t, c, AmbiguousDataset)
		waitState(t, c, id, workflow.StateSuspended)

		if err := c.Cancel(context.Background(), id); err != nil {
			t.Fatalf("Cancel: %v", err)
		}
		snap := waitState(t, c, id, workflow.StateCancelled)
		if !snap.State.Terminal() {
			t.Errorf("state %s not terminal", snap.State)
		}
		if err := c.Cancel(context.Background(), id); err != nil {
			t.Errorf("second Cancel: %v", err)
		}
	})
}

func submit(t *testing.T, c Client, dataset string) string {
	t.Helper()
	id, err := c.Submit(context.Background(), workflow.SubmitRequest{
		WorkflowRef: "conversion/v1",
		DatasetRef:  dataset,
		Principal:   "lab-alpha",
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return id
}

func waitState(t *testing.T, c Client, id string, want workflow.State) workflow.Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		snap, err := c.Status(context.Background(), id)
		if err != nil {
			t.Fatalf("Status %s: %v", id, err)
		}
		if snap.State == want {
			return snap
		}
		if time.Now().After(deadline) {
			t.Fatalf("session %s stuck in %s, want %s", id, snap.State, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func wantKind(t *testing.T, err error, kind string) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want kind %s", kind)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("error = %v (%T), want *APIError", err, err)
	}
	if apiErr.Kind != kind {
		t.Fatalf("error kind = %s (%s), want %s", apiErr.Kind, apiErr.Message, kind)
	}
}

func stateSequence(evs []events.Event) []string {
	var out []string
	for _, e := range evs {
		if e.Kind == events.KindStateChanged {
			out = append(out, e.StateChanged.To)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
