// Package store defines the durability ports of the orchestrator, the
// session store and the checkpoint store, together with in-memory,
// file, SQLite and MySQL implementations. The SQL implementations also
// back the event log and the provenance log, so a single database file
// can hold a deployment's complete state.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session or checkpoint does not
	// exist.
	ErrNotFound = errors.New("store: not found")

	// ErrExists is returned by Create for an already-used session id.
	ErrExists = errors.New("store: session already exists")

	// ErrConcurrency is returned by Persist when the expected version
	// does not match the stored one. The engine's per-session lock
	// makes this unreachable in normal operation.
	ErrConcurrency = errors.New("store: version mismatch")

	// ErrTerminal is returned by Persist when the stored record is
	// terminal. Terminal sessions accept no further mutations.
	ErrTerminal = errors.New("store: session is terminal")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store: closed")
)

// SessionRecord is the persisted form of a session. Payload carries the
// full engine-owned snapshot; the other columns exist for filtering and
// expiry without deserializing it.
type SessionRecord struct {
	ID          string          `json:"id"`
	Principal   string          `json:"principal"`
	WorkflowRef string          `json:"workflow_ref"`
	State       string          `json:"state"`
	Version     uint64          `json:"version"`
	Terminal    bool            `json:"terminal"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Payload     json.RawMessage `json:"payload"`
}

// CheckpointRecord is one append-only checkpoint. Hash covers Payload;
// a record whose hash fails verification is treated as absent on read.
type CheckpointRecord struct {
	SessionID string          `json:"session_id"`
	Version   uint64          `json:"version"`
	Payload   json.RawMessage `json:"payload"`
	Hash      string          `json:"hash"`
	CreatedAt time.Time       `json:"created_at"`
}

// Verify recomputes the payload hash.
func (c CheckpointRecord) Verify() bool {
	return c.Hash == HashPayload(c.Payload)
}

// HashPayload returns the integrity hash of a checkpoint payload.
func HashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Principal   string
	WorkflowRef string
	States      []string
	Limit       int
}

func (f Filter) matches(rec SessionRecord) bool {
	if f.Principal != "" && rec.Principal != f.Principal {
		return false
	}
	if f.WorkflowRef != "" && rec.WorkflowRef != f.WorkflowRef {
		return false
	}
	if len(f.States) > 0 {
		ok := false
		for _, s := range f.States {
			if rec.State == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// SessionStore persists session snapshots with optimistic concurrency.
type SessionStore interface {
	// Create persists a new session at version 1. Fails with ErrExists
	// if the id is already used; session ids are never reused.
	Create(ctx context.Context, rec SessionRecord) error

	// LoadLatest returns the current snapshot.
	LoadLatest(ctx context.Context, id string) (SessionRecord, error)

	// Persist writes a new snapshot if the stored version equals
	// expectedVersion, returning the incremented version. Fails with
	// ErrConcurrency on mismatch and ErrTerminal when the stored
	// record is terminal.
	Persist(ctx context.Context, rec SessionRecord, expectedVersion uint64) (uint64, error)

	// ListActive returns all non-terminal sessions.
	ListActive(ctx context.Context) ([]SessionRecord, error)

	// List returns sessions matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]SessionRecord, error)

	// Expire removes sessions whose expiry instant is before the given
	// time and returns their ids so dependent state can be purged.
	Expire(ctx context.Context, before time.Time) ([]string, error)

	// Purge removes one session unconditionally.
	Purge(ctx context.Context, id string) error
}

// CheckpointStore persists append-only checkpoints.
type CheckpointStore interface {
	// Append stores a checkpoint. The hash is computed from the
	// payload when unset.
	Append(ctx context.Context, rec CheckpointRecord) error

	// LatestValid returns the newest checkpoint whose hash verifies,
	// skipping corrupt records. ErrNotFound when none survives.
	LatestValid(ctx context.Context, sessionID string) (CheckpointRecord, error)

	// Purge removes all checkpoints of a session.
	Purge(ctx context.Context, sessionID string) error
}
