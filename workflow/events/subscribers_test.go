package events

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestLogSubscriberText(t *testing.T) {
	var buf bytes.Buffer
	ls := NewLogSubscriber(&buf)

	ls.Consume(Event{SessionID: "s1", Seq: 1, Kind: KindStateChanged,
		StateChanged: &StateChange{From: "analyzing", To: "collecting_metadata"}})
	ls.Consume(Event{SessionID: "s1", Seq: 2, Kind: KindStepProgress,
		Progress: &Progress{StepID: "convert", Fraction: 0.25, Message: "writing"}})
	ls.Consume(Event{SessionID: "s1", Seq: 3, Kind: KindError,
		Failure: &Failure{Kind: "Timeout", Message: "no response"}})

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "[state_changed]") || !strings.Contains(lines[0], "analyzing -> collecting_metadata") {
		t.Errorf("unexpected state line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "convert") || !strings.Contains(lines[1], "25") {
		t.Errorf("unexpected progress line: %q", lines[1])
	}
	if !strings.Contains(lines[2], "Timeout") {
		t.Errorf("unexpected error line: %q", lines[2])
	}
}

func TestLogSubscriberJSON(t *testing.T) {
	var buf bytes.Buffer
	ls := NewJSONLogSubscriber(&buf)

	ls.Consume(Event{SessionID: "s1", Seq: 7, Kind: KindCompleted,
		Summary: &Summary{FinalState: "completed", ArtifactRef: "out.nwb"}})

	var decoded Event
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Seq != 7 || decoded.Kind != KindCompleted {
		t.Errorf("expected seq 7 completed, got seq %d kind %s", decoded.Seq, decoded.Kind)
	}
	if decoded.Summary == nil || decoded.Summary.ArtifactRef != "out.nwb" {
		t.Errorf("payload not round-tripped: %+v", decoded.Summary)
	}
}

func TestBufferedSubscriberHistory(t *testing.T) {
	bs := NewBufferedSubscriber()
	bs.Consume(Event{SessionID: "s1", Seq: 1, Kind: KindStateChanged})
	bs.Consume(Event{SessionID: "s1", Seq: 2, Kind: KindStepProgress})
	bs.Consume(Event{SessionID: "s1", Seq: 3, Kind: KindStepProgress})
	bs.Consume(Event{SessionID: "s1", Seq: 4, Kind: KindCompleted})
	bs.Consume(Event{SessionID: "s2", Seq: 1, Kind: KindStateChanged})

	t.Run("all for session", func(t *testing.T) {
		got := bs.History("s1", Filter{})
		if len(got) != 4 {
			t.Fatalf("expected 4 events, got %d", len(got))
		}
	})

	t.Run("by kind", func(t *testing.T) {
		got := bs.History("s1", Filter{Kind: KindStepProgress})
		if len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
			t.Errorf("expected progress seqs [2 3], got %+v", got)
		}
	})

	t.Run("by seq range", func(t *testing.T) {
		got := bs.History("s1", Filter{MinSeq: 2, MaxSeq: 3})
		if len(got) != 2 {
			t.Errorf("expected 2 events in range, got %d", len(got))
		}
	})

	t.Run("other session isolated", func(t *testing.T) {
		got := bs.History("s2", Filter{})
		if len(got) != 1 {
			t.Errorf("expected 1 event for s2, got %d", len(got))
		}
	})

	t.Run("clear one session", func(t *testing.T) {
		bs.Clear("s1")
		if got := bs.History("s1", Filter{}); len(got) != 0 {
			t.Errorf("expected empty history after clear, got %d", len(got))
		}
		if got := bs.History("s2", Filter{}); len(got) != 1 {
			t.Errorf("clearing s1 must not touch s2, got %d", len(got))
		}
	})
}

func TestForwardDrainsUntilClosed(t *testing.T) {
	bus := NewBus(NewMemoryLog(Retention{}))
	ctx := context.Background()

	sub, err := bus.Subscribe(ctx, "s1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bs := NewBufferedSubscriber()
	done := make(chan error, 1)
	go func() { done <- Forward(ctx, sub, bs) }()

	publishN(t, bus, "s1", KindStateChanged, KindStepCompleted, KindCompleted)

	// Give the forwarder a moment to drain, then close the bus.
	deadline := time.Now().Add(5 * time.Second)
	for len(bs.History("s1", Filter{})) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("forwarder did not drain events")
		}
		time.Sleep(5 * time.Millisecond)
	}
	bus.Close()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error on clean close, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("forward did not return after close")
	}

	got := bs.History("s1", Filter{})
	if len(got) != 3 || got[2].Kind != KindCompleted {
		t.Errorf("expected 3 forwarded events ending in completed, got %+v", got)
	}
}

func TestForwardStopsOnContextCancel(t *testing.T) {
	bus := NewBus(NewMemoryLog(Retention{}))
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "s1", 0)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Forward(ctx, sub, NewBufferedSubscriber()) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("forward did not return after cancel")
	}
}
