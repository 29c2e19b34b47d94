package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryLogAssignsMonotoneSequences(t *testing.T) {
	log := NewMemoryLog(Retention{})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		seq, err := log.Append(ctx, Event{SessionID: "s1", Kind: KindStepProgress})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if seq != uint64(i) {
			t.Errorf("expected seq %d, got %d", i, seq)
		}
	}

	// A second session gets its own sequence space.
	seq, err := log.Append(ctx, Event{SessionID: "s2", Kind: KindStepProgress})
	if err != nil {
		t.Fatalf("append s2: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected s2 to start at seq 1, got %d", seq)
	}

	latest, err := log.LatestSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != 5 {
		t.Errorf("expected latest 5, got %d", latest)
	}
}

func TestMemoryLogReplay(t *testing.T) {
	log := NewMemoryLog(Retention{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := log.Append(ctx, Event{SessionID: "s1", Kind: KindStepProgress}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	t.Run("from start", func(t *testing.T) {
		var seqs []uint64
		err := log.Replay(ctx, "s1", 0, func(e Event) error {
			seqs = append(seqs, e.Seq)
			return nil
		})
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if len(seqs) != 4 {
			t.Fatalf("expected 4 events, got %d", len(seqs))
		}
		for i, seq := range seqs {
			if seq != uint64(i+1) {
				t.Errorf("expected seq %d at index %d, got %d", i+1, i, seq)
			}
		}
	})

	t.Run("from midpoint", func(t *testing.T) {
		var seqs []uint64
		err := log.Replay(ctx, "s1", 3, func(e Event) error {
			seqs = append(seqs, e.Seq)
			return nil
		})
		if err != nil {
			t.Fatalf("replay: %v", err)
		}
		if len(seqs) != 2 || seqs[0] != 3 || seqs[1] != 4 {
			t.Errorf("expected seqs [3 4], got %v", seqs)
		}
	})

	t.Run("unknown session", func(t *testing.T) {
		err := log.Replay(ctx, "nope", 0, func(Event) error { return nil })
		if !errors.Is(err, ErrSessionUnknown) {
			t.Errorf("expected ErrSessionUnknown, got %v", err)
		}
	})

	t.Run("callback error stops replay", func(t *testing.T) {
		boom := errors.New("boom")
		count := 0
		err := log.Replay(ctx, "s1", 0, func(Event) error {
			count++
			return boom
		})
		if !errors.Is(err, boom) {
			t.Errorf("expected callback error, got %v", err)
		}
		if count != 1 {
			t.Errorf("expected replay to stop after 1 event, got %d", count)
		}
	})
}

func TestMemoryLogRetentionBySize(t *testing.T) {
	log := NewMemoryLog(Retention{MaxPerSession: 3})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if _, err := log.Append(ctx, Event{SessionID: "s1", Kind: KindStepProgress}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var seqs []uint64
	if err := log.Replay(ctx, "s1", 0, func(e Event) error {
		seqs = append(seqs, e.Seq)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(seqs) != 3 || seqs[0] != 4 {
		t.Errorf("expected retained seqs [4 5 6], got %v", seqs)
	}

	// LatestSeq still reflects evicted history.
	latest, err := log.LatestSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest != 6 {
		t.Errorf("expected latest 6, got %d", latest)
	}
}

func TestMemoryLogRetainsTerminalEvent(t *testing.T) {
	log := NewMemoryLog(Retention{MaxPerSession: 2})
	ctx := context.Background()

	if _, err := log.Append(ctx, Event{SessionID: "s1", Kind: KindCompleted, Summary: &Summary{FinalState: "completed"}}); err != nil {
		t.Fatalf("append: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := log.Append(ctx, Event{SessionID: "s1", Kind: KindStepProgress}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	var kinds []Kind
	if err := log.Replay(ctx, "s1", 0, func(e Event) error {
		kinds = append(kinds, e.Kind)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if kinds[0] != KindCompleted {
		t.Errorf("expected terminal event to survive eviction, got kinds %v", kinds)
	}
}

func TestMemoryLogRetentionByAge(t *testing.T) {
	log := NewMemoryLog(Retention{MaxAge: time.Hour})
	now := time.Unix(1000000, 0)
	log.clock = func() time.Time { return now }
	ctx := context.Background()

	if _, err := log.Append(ctx, Event{SessionID: "s1", Kind: KindStepProgress, Timestamp: now}); err != nil {
		t.Fatalf("append: %v", err)
	}

	// Advance past the window and append again: the old event goes.
	now = now.Add(2 * time.Hour)
	if _, err := log.Append(ctx, Event{SessionID: "s1", Kind: KindStepProgress, Timestamp: now}); err != nil {
		t.Fatalf("append: %v", err)
	}

	var seqs []uint64
	if err := log.Replay(ctx, "s1", 0, func(e Event) error {
		seqs = append(seqs, e.Seq)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(seqs) != 1 || seqs[0] != 2 {
		t.Errorf("expected only seq 2 retained, got %v", seqs)
	}
}

func TestMemoryLogPurge(t *testing.T) {
	log := NewMemoryLog(Retention{})
	ctx := context.Background()

	if _, err := log.Append(ctx, Event{SessionID: "s1", Kind: KindCompleted}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Purge(ctx, "s1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if err := log.Replay(ctx, "s1", 0, func(Event) error { return nil }); !errors.Is(err, ErrSessionUnknown) {
		t.Errorf("expected ErrSessionUnknown after purge, got %v", err)
	}
}
