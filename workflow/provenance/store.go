package provenance

import (
	"context"
	"errors"
	"sync"
)

// ErrSessionUnknown is returned when streaming a session with no
// records.
var ErrSessionUnknown = errors.New("provenance: unknown session")

// Store is the append-only provenance log port. Records for one
// session are replayed in insertion order.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Replay(ctx context.Context, sessionID string, fn func(Record) error) error
	Purge(ctx context.Context, sessionID string) error
}

// MemoryStore keeps provenance in process memory, for tests and
// single-shot runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]Record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]Record)}
}

// Append adds a record to the session's log.
func (s *MemoryStore) Append(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.SessionID] = append(s.records[rec.SessionID], rec)
	s.mu.Unlock()
	return nil
}

// Replay streams the session's records in insertion order. Returning
// an error from fn stops the replay.
func (s *MemoryStore) Replay(ctx context.Context, sessionID string, fn func(Record) error) error {
	s.mu.RLock()
	recs, ok := s.records[sessionID]
	snapshot := make([]Record, len(recs))
	copy(snapshot, recs)
	s.mu.RUnlock()
	if !ok {
		return ErrSessionUnknown
	}
	for _, rec := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Purge drops all records of a session.
func (s *MemoryStore) Purge(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.records, sessionID)
	s.mu.Unlock()
	return nil
}
