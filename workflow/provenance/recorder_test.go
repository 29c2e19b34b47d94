package provenance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// flakyStore fails the first n appends.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *flakyStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return errors.New("rdf store unreachable")
	}
	return s.MemoryStore.Append(ctx, rec)
}

func testRecord(sessionID, stepID string) Record {
	start := time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)
	return Record{
		SessionID: sessionID,
		StepID:    stepID,
		Activity:  ActivityURI(sessionID, stepID),
		Agent: Agent{
			URI:      AgentURI("conversion", "conv-0"),
			Role:     "conversion",
			Instance: "conv-0",
		},
		Used:      []Entity{{URI: EntityURI(sessionID, "dataset"), Label: "dataset"}},
		Generated: []Entity{{URI: EntityURI(sessionID, "out.nwb"), Label: "out.nwb"}},
		StartedAt: start,
		EndedAt:   start.Add(5 * time.Minute),
		Attempts: []Attempt{
			{InvocationID: "inv-1", Number: 1, StartedAt: start, EndedAt: start.Add(time.Minute), Outcome: "retryable_failure"},
			{InvocationID: "inv-2", Number: 2, StartedAt: start.Add(2 * time.Minute), EndedAt: start.Add(5 * time.Minute), Outcome: "ok"},
		},
		Attributes: map[string]string{"format": "SpikeGLX"},
	}
}

func TestRecorderAppends(t *testing.T) {
	store := NewMemoryStore()
	r := NewRecorder(store)
	if err := r.Record(context.Background(), testRecord("s1", "convert")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	var got []Record
	err := store.Replay(context.Background(), "s1", func(rec Record) error {
		got = append(got, rec)
		return nil
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(got) != 1 || got[0].StepID != "convert" {
		t.Errorf("stored records = %+v", got)
	}
}

func TestRecorderRetriesTransientFailure(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	r := NewRecorder(store, WithMaxRetries(3), WithRetryDelay(time.Millisecond))
	if err := r.Record(context.Background(), testRecord("s1", "convert")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if r.Degraded() {
		t.Error("recorder degraded after eventual success")
	}
	if err := store.Replay(context.Background(), "s1", func(Record) error { return nil }); err != nil {
		t.Errorf("record was not persisted: %v", err)
	}
}

func TestRecorderDegradesAfterThreshold(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1 << 30}
	var (
		mu        sync.Mutex
		callbacks []string
	)
	r := NewRecorder(store,
		WithMaxRetries(1),
		WithRetryDelay(0),
		WithDegradedThreshold(3),
		WithDegradedCallback(func(sessionID string, err error) {
			mu.Lock()
			callbacks = append(callbacks, sessionID)
			mu.Unlock()
		}))

	for i := 0; i < 5; i++ {
		if err := r.Record(context.Background(), testRecord("s1", "convert")); err != nil {
			t.Fatalf("Record %d: best-effort policy must not error: %v", i, err)
		}
	}
	if !r.Degraded() {
		t.Error("recorder not degraded after threshold failures")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(callbacks) != 1 {
		t.Errorf("degraded callback fired %d times, want exactly 1", len(callbacks))
	}
}

func TestRecorderFailPolicy(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1 << 30}
	r := NewRecorder(store,
		WithMaxRetries(1),
		WithRetryDelay(0),
		WithDegradedThreshold(2),
		WithFailPolicy(FailWorkflow))

	if err := r.Record(context.Background(), testRecord("s1", "a")); err != nil {
		t.Fatalf("first failure below threshold must not error: %v", err)
	}
	if err := r.Record(context.Background(), testRecord("s1", "b")); err == nil {
		t.Fatal("FailWorkflow policy must error once threshold is crossed")
	}
}

func TestRecorderResetsOnSuccess(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	r := NewRecorder(store, WithMaxRetries(1), WithRetryDelay(0), WithDegradedThreshold(3))

	_ = r.Record(context.Background(), testRecord("s1", "a")) // fail 1
	_ = r.Record(context.Background(), testRecord("s1", "b")) // fail 2
	_ = r.Record(context.Background(), testRecord("s1", "c")) // succeeds, resets
	_ = r.Record(context.Background(), testRecord("s1", "d")) // succeeds

	if r.Degraded() {
		t.Error("success must reset the failure run")
	}
}

func TestMemoryStorePurge(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_ = store.Append(ctx, testRecord("s1", "a"))
	_ = store.Append(ctx, testRecord("s2", "a"))
	if err := store.Purge(ctx, "s1"); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if err := store.Replay(ctx, "s1", func(Record) error { return nil }); !errors.Is(err, ErrSessionUnknown) {
		t.Errorf("replay after purge: err = %v, want ErrSessionUnknown", err)
	}
	if err := store.Replay(ctx, "s2", func(Record) error { return nil }); err != nil {
		t.Errorf("other session affected by purge: %v", err)
	}
}

func TestMemoryStoreReplayOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	steps := []string{"analyze", "collect", "convert", "validate"}
	for _, s := range steps {
		_ = store.Append(ctx, testRecord("s1", s))
	}
	var got []string
	_ = store.Replay(ctx, "s1", func(rec Record) error {
		got = append(got, rec.StepID)
		return nil
	})
	for i, s := range steps {
		if got[i] != s {
			t.Fatalf("replay order = %v, want %v", got, steps)
		}
	}
}
