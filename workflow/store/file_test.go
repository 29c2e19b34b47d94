package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestFileCheckpointStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileCheckpointStore failed: %v", err)
	}

	if _, err := s.LatestValid(ctx, "fs-sess"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestValid on empty: got %v, want ErrNotFound", err)
	}

	for v := uint64(1); v <= 3; v++ {
		rec := CheckpointRecord{
			SessionID: "fs-sess",
			Version:   v,
			Payload:   json.RawMessage(fmt.Sprintf(`{"version":%d}`, v)),
			CreatedAt: testBase,
		}
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append v%d failed: %v", v, err)
		}
	}

	got, err := s.LatestValid(ctx, "fs-sess")
	if err != nil {
		t.Fatalf("LatestValid failed: %v", err)
	}
	if got.Version != 3 || !got.Verify() {
		t.Errorf("expected valid version 3, got %d (verify %v)", got.Version, got.Verify())
	}

	if err := s.Purge(ctx, "fs-sess"); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if _, err := s.LatestValid(ctx, "fs-sess"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestValid after Purge: got %v, want ErrNotFound", err)
	}
}

// TestFileCheckpointStoreCorruption simulates a crash that truncated
// the newest checkpoint file: reads must fall back to the most recent
// intact one.
func TestFileCheckpointStoreCorruption(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewFileCheckpointStore(dir)
	if err != nil {
		t.Fatalf("NewFileCheckpointStore failed: %v", err)
	}

	good := CheckpointRecord{
		SessionID: "crash-sess",
		Version:   1,
		Payload:   json.RawMessage(`{"step":"convert"}`),
		CreatedAt: testBase,
	}
	if err := s.Append(ctx, good); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Torn write: half a JSON document.
	torn := filepath.Join(dir, "crash-sess", "cp-000000000002.json")
	if err := os.WriteFile(torn, []byte(`{"session_id":"crash-sess","ver`), 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	// Intact JSON whose payload no longer matches its hash.
	tampered := CheckpointRecord{
		SessionID: "crash-sess",
		Version:   3,
		Payload:   json.RawMessage(`{"step":"tampered"}`),
		Hash:      HashPayload([]byte(`{"step":"original"}`)),
		CreatedAt: testBase,
	}
	raw, _ := json.Marshal(tampered)
	if err := os.WriteFile(filepath.Join(dir, "crash-sess", "cp-000000000003.json"), raw, 0o600); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	got, err := s.LatestValid(ctx, "crash-sess")
	if err != nil {
		t.Fatalf("LatestValid failed: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("expected fallback to version 1, got %d", got.Version)
	}
	if string(got.Payload) != `{"step":"convert"}` {
		t.Errorf("unexpected payload: %s", got.Payload)
	}
}

func TestFileCheckpointStoreVersionOrdering(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileCheckpointStore failed: %v", err)
	}

	// Version 10 must sort above version 9 even though "10" < "9"
	// as a plain string; the store pads file names to fixed width.
	for _, v := range []uint64{9, 10} {
		rec := CheckpointRecord{
			SessionID: "ord-sess",
			Version:   v,
			Payload:   json.RawMessage(`{}`),
			CreatedAt: testBase,
		}
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append v%d failed: %v", v, err)
		}
	}
	got, err := s.LatestValid(ctx, "ord-sess")
	if err != nil {
		t.Fatalf("LatestValid failed: %v", err)
	}
	if got.Version != 10 {
		t.Errorf("expected version 10, got %d", got.Version)
	}
}

func TestFileCheckpointStoreRejectsTraversal(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileCheckpointStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileCheckpointStore failed: %v", err)
	}
	for _, id := range []string{"", "..", "../other", "a/b", `a\b`} {
		rec := CheckpointRecord{SessionID: id, Version: 1, Payload: json.RawMessage(`{}`)}
		if err := s.Append(ctx, rec); err == nil {
			t.Errorf("Append with id %q should fail", id)
		}
		if _, err := s.LatestValid(ctx, id); err == nil || errors.Is(err, ErrNotFound) {
			t.Errorf("LatestValid with id %q should fail validation, got %v", id, err)
		}
	}
}
