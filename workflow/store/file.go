package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FileCheckpointStore keeps one JSON file per checkpoint under
// <dir>/<session id>/cp-<version>.json. Writes are atomic: the record
// is staged to a temp file, fsynced, then renamed into place, so a
// reader sees either the previous checkpoint set or the new one, never
// a torn file. Corrupt or hash-mismatched files are skipped on read.
type FileCheckpointStore struct {
	dir string
}

// NewFileCheckpointStore creates the root directory if needed.
func NewFileCheckpointStore(dir string) (*FileCheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &FileCheckpointStore{dir: dir}, nil
}

// Append implements CheckpointStore.
func (s *FileCheckpointStore) Append(ctx context.Context, rec CheckpointRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Hash == "" {
		rec.Hash = HashPayload(rec.Payload)
	}
	sessionDir, err := s.sessionDir(rec.SessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(sessionDir, 0o750); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	final := filepath.Join(sessionDir, fmt.Sprintf("cp-%012d.json", rec.Version))
	tmp, err := os.CreateTemp(sessionDir, "cp-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to stage checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish checkpoint: %w", err)
	}
	return nil
}

// LatestValid implements CheckpointStore. Files are scanned newest
// first; unreadable, unparsable or hash-mismatched files are treated as
// absent.
func (s *FileCheckpointStore) LatestValid(ctx context.Context, sessionID string) (CheckpointRecord, error) {
	sessionDir, err := s.sessionDir(sessionID)
	if err != nil {
		return CheckpointRecord{}, err
	}
	entries, err := os.ReadDir(sessionDir)
	if os.IsNotExist(err) {
		return CheckpointRecord{}, ErrNotFound
	}
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, "cp-") && strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return CheckpointRecord{}, err
		}
		raw, err := os.ReadFile(filepath.Join(sessionDir, name))
		if err != nil {
			continue
		}
		var rec CheckpointRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if !rec.Verify() {
			continue
		}
		return rec, nil
	}
	return CheckpointRecord{}, ErrNotFound
}

// Purge implements CheckpointStore.
func (s *FileCheckpointStore) Purge(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionDir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(sessionDir); err != nil {
		return fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	return nil
}

// sessionDir rejects ids that would escape the root.
func (s *FileCheckpointStore) sessionDir(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, "/\\") || strings.Contains(sessionID, "..") {
		return "", fmt.Errorf("store: invalid session id %q", sessionID)
	}
	return filepath.Join(s.dir, sessionID), nil
}
