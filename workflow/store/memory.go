package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is an in-memory SessionStore and CheckpointStore for tests and
// single-shot runs. Thread-safe; data is lost when the process exits.
type Memory struct {
	mu          sync.RWMutex
	sessions    map[string]SessionRecord
	checkpoints map[string][]CheckpointRecord
	// usedIDs outlive purges so session ids are never reissued.
	usedIDs map[string]bool
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		sessions:    make(map[string]SessionRecord),
		checkpoints: make(map[string][]CheckpointRecord),
		usedIDs:     make(map[string]bool),
	}
}

// Create implements SessionStore.
func (m *Memory) Create(_ context.Context, rec SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usedIDs[rec.ID] {
		return ErrExists
	}
	rec.Version = 1
	m.sessions[rec.ID] = rec
	m.usedIDs[rec.ID] = true
	return nil
}

// LoadLatest implements SessionStore.
func (m *Memory) LoadLatest(_ context.Context, id string) (SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[id]
	if !ok {
		return SessionRecord{}, ErrNotFound
	}
	return rec, nil
}

// Persist implements SessionStore.
func (m *Memory) Persist(_ context.Context, rec SessionRecord, expectedVersion uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[rec.ID]
	if !ok {
		return 0, ErrNotFound
	}
	if cur.Terminal {
		return 0, ErrTerminal
	}
	if cur.Version != expectedVersion {
		return 0, ErrConcurrency
	}
	rec.Version = expectedVersion + 1
	m.sessions[rec.ID] = rec
	return rec.Version, nil
}

// ListActive implements SessionStore.
func (m *Memory) ListActive(_ context.Context) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SessionRecord
	for _, rec := range m.sessions {
		if !rec.Terminal {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// List implements SessionStore.
func (m *Memory) List(_ context.Context, f Filter) ([]SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []SessionRecord
	for _, rec := range m.sessions {
		if f.matches(rec) {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Expire implements SessionStore.
func (m *Memory) Expire(_ context.Context, before time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []string
	for id, rec := range m.sessions {
		if !rec.ExpiresAt.IsZero() && rec.ExpiresAt.Before(before) {
			expired = append(expired, id)
			delete(m.sessions, id)
			delete(m.checkpoints, id)
		}
	}
	sort.Strings(expired)
	return expired, nil
}

// Purge implements both SessionStore.Purge and CheckpointStore.Purge:
// removing a session always removes its checkpoints with it.
func (m *Memory) Purge(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	delete(m.checkpoints, id)
	return nil
}

// Append implements CheckpointStore.
func (m *Memory) Append(_ context.Context, rec CheckpointRecord) error {
	if rec.Hash == "" {
		rec.Hash = HashPayload(rec.Payload)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[rec.SessionID] = append(m.checkpoints[rec.SessionID], rec)
	return nil
}

// LatestValid implements CheckpointStore.
func (m *Memory) LatestValid(_ context.Context, sessionID string) (CheckpointRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cps := m.checkpoints[sessionID]
	for i := len(cps) - 1; i >= 0; i-- {
		if cps[i].Verify() {
			return cps[i], nil
		}
	}
	return CheckpointRecord{}, ErrNotFound
}

func sortNewestFirst(recs []SessionRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
