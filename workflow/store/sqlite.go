package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nwbforge/orchestrator/workflow/events"
	"github.com/nwbforge/orchestrator/workflow/provenance"
)

// SQLiteStore keeps sessions, checkpoints, the event log and the
// provenance log in a single-file database. Designed for:
//   - Development and single-node deployments with zero setup
//   - Crash recovery without an external database
//   - Tests that need real durability semantics
//
// WAL mode is enabled so status reads do not block engine writes.
// Implements SessionStore, CheckpointStore, events.Log and
// provenance.Store.
type SQLiteStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	closed    bool
	path      string
	retention events.Retention
}

// NewSQLiteStore opens (and migrates) the database at path. Use
// ":memory:" for an in-memory database. The retention bounds apply to
// the event log; zero values mean unbounded.
func NewSQLiteStore(path string, retention events.Retention) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path, retention: retention}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT NOT NULL PRIMARY KEY,
			principal TEXT NOT NULL,
			workflow_ref TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL,
			terminal INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			payload TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_principal ON sessions(principal)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_expires ON sessions(expires_at)`,
		// Ids are reserved forever, surviving session purge.
		`CREATE TABLE IF NOT EXISTS session_ids (
			id TEXT NOT NULL PRIMARY KEY
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			payload TEXT NOT NULL,
			hash TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (session_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS event_seq (
			session_id TEXT NOT NULL PRIMARY KEY,
			next_seq INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS provenance (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			record TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_provenance_session ON provenance(session_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Create implements SessionStore.
func (s *SQLiteStore) Create(ctx context.Context, rec SessionRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO session_ids (id) VALUES (?)`, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to reserve session id: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to reserve session id: %w", err)
	}
	if affected == 0 {
		err = ErrExists
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (id, principal, workflow_ref, state, version, terminal, created_at, updated_at, expires_at, payload)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Principal, rec.WorkflowRef, rec.State, boolToInt(rec.Terminal),
		fmtTime(rec.CreatedAt), fmtTime(rec.UpdatedAt), fmtTime(rec.ExpiresAt), string(rec.Payload))
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadLatest implements SessionStore.
func (s *SQLiteStore) LoadLatest(ctx context.Context, id string) (SessionRecord, error) {
	if err := s.guard(); err != nil {
		return SessionRecord{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, principal, workflow_ref, state, version, terminal, created_at, updated_at, expires_at, payload
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (SessionRecord, error) {
	var (
		rec      SessionRecord
		terminal int
		created  string
		updated  string
		expires  string
		payload  string
	)
	err := row.Scan(&rec.ID, &rec.Principal, &rec.WorkflowRef, &rec.State, &rec.Version,
		&terminal, &created, &updated, &expires, &payload)
	if err == sql.ErrNoRows {
		return SessionRecord{}, ErrNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to load session: %w", err)
	}
	rec.Terminal = terminal != 0
	if rec.CreatedAt, err = parseTime(created); err != nil {
		return SessionRecord{}, err
	}
	if rec.UpdatedAt, err = parseTime(updated); err != nil {
		return SessionRecord{}, err
	}
	if rec.ExpiresAt, err = parseTime(expires); err != nil {
		return SessionRecord{}, err
	}
	rec.Payload = json.RawMessage(payload)
	return rec, nil
}

// Persist implements SessionStore.
func (s *SQLiteStore) Persist(ctx context.Context, rec SessionRecord, expectedVersion uint64) (uint64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		version  uint64
		terminal int
	)
	err = tx.QueryRowContext(ctx, `SELECT version, terminal FROM sessions WHERE id = ?`, rec.ID).
		Scan(&version, &terminal)
	if err == sql.ErrNoRows {
		err = ErrNotFound
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read session version: %w", err)
	}
	if terminal != 0 {
		err = ErrTerminal
		return 0, err
	}
	if version != expectedVersion {
		err = ErrConcurrency
		return 0, err
	}

	newVersion := expectedVersion + 1
	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET principal = ?, workflow_ref = ?, state = ?, version = ?, terminal = ?,
		    updated_at = ?, expires_at = ?, payload = ?
		WHERE id = ? AND version = ?`,
		rec.Principal, rec.WorkflowRef, rec.State, newVersion, boolToInt(rec.Terminal),
		fmtTime(rec.UpdatedAt), fmtTime(rec.ExpiresAt), string(rec.Payload),
		rec.ID, expectedVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to persist session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return newVersion, nil
}

// ListActive implements SessionStore.
func (s *SQLiteStore) ListActive(ctx context.Context) ([]SessionRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.querySessions(ctx, `
		SELECT id, principal, workflow_ref, state, version, terminal, created_at, updated_at, expires_at, payload
		FROM sessions WHERE terminal = 0 ORDER BY created_at DESC, id ASC`)
}

// List implements SessionStore.
func (s *SQLiteStore) List(ctx context.Context, f Filter) ([]SessionRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `
		SELECT id, principal, workflow_ref, state, version, terminal, created_at, updated_at, expires_at, payload
		FROM sessions WHERE 1=1`
	var args []any
	if f.Principal != "" {
		query += ` AND principal = ?`
		args = append(args, f.Principal)
	}
	if f.WorkflowRef != "" {
		query += ` AND workflow_ref = ?`
		args = append(args, f.WorkflowRef)
	}
	if len(f.States) > 0 {
		query += ` AND state IN (?` + strings.Repeat(",?", len(f.States)-1) + `)`
		for _, st := range f.States {
			args = append(args, st)
		}
	}
	query += ` ORDER BY created_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.querySessions(ctx, query, args...)
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return out, nil
}

// Expire implements SessionStore. Checkpoints are removed with the
// session; event and provenance logs are purged separately by the
// engine.
func (s *SQLiteStore) Expire(ctx context.Context, before time.Time) ([]string, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM sessions WHERE expires_at > ? AND expires_at < ? ORDER BY id ASC`,
		fmtTime(time.Time{}), fmtTime(before))
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	var expired []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan expired id: %w", err)
		}
		expired = append(expired, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("error iterating expired rows: %w", err)
	}
	_ = rows.Close()

	for _, id := range expired {
		if err := s.Purge(ctx, id); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

// Purge implements SessionStore.Purge and CheckpointStore.Purge:
// removing a session removes its checkpoints in the same transaction.
// The id stays reserved.
func (s *SQLiteStore) Purge(ctx context.Context, id string) error {
	if err := s.guard(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to purge session: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("failed to purge checkpoints: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Append implements CheckpointStore.
func (s *SQLiteStore) Append(ctx context.Context, rec CheckpointRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	if rec.Hash == "" {
		rec.Hash = HashPayload(rec.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, version, payload, hash, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id, version) DO UPDATE SET
			payload = excluded.payload,
			hash = excluded.hash,
			created_at = excluded.created_at`,
		rec.SessionID, rec.Version, string(rec.Payload), rec.Hash, fmtTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return nil
}

// LatestValid implements CheckpointStore. Corrupt rows are skipped.
func (s *SQLiteStore) LatestValid(ctx context.Context, sessionID string) (CheckpointRecord, error) {
	if err := s.guard(); err != nil {
		return CheckpointRecord{}, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, version, payload, hash, created_at
		FROM checkpoints WHERE session_id = ? ORDER BY version DESC`, sessionID)
	if err != nil {
		return CheckpointRecord{}, fmt.Errorf("failed to query checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			rec     CheckpointRecord
			payload string
			created string
		)
		if err := rows.Scan(&rec.SessionID, &rec.Version, &payload, &rec.Hash, &created); err != nil {
			return CheckpointRecord{}, fmt.Errorf("failed to scan checkpoint: %w", err)
		}
		rec.Payload = json.RawMessage(payload)
		if rec.CreatedAt, err = parseTime(created); err != nil {
			continue
		}
		if !rec.Verify() {
			continue
		}
		return rec, nil
	}
	if err := rows.Err(); err != nil {
		return CheckpointRecord{}, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return CheckpointRecord{}, ErrNotFound
}

// AppendEvent assigns the next per-session sequence number and stores
// the event. Implements events.Log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e events.Event) (uint64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO event_seq (session_id, next_seq) VALUES (?, 2)
		ON CONFLICT(session_id) DO UPDATE SET next_seq = next_seq + 1`, e.SessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	var next uint64
	if err = tx.QueryRowContext(ctx, `SELECT next_seq FROM event_seq WHERE session_id = ?`, e.SessionID).Scan(&next); err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	e.Seq = next - 1

	raw, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO events (session_id, seq, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.SessionID, e.Seq, string(e.Kind), string(raw), fmtTime(e.Timestamp))
	if err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}
	if err = s.pruneEvents(ctx, tx, e.SessionID); err != nil {
		return 0, err
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return e.Seq, nil
}

// pruneEvents applies retention inside the append transaction.
// Completed events survive both bounds.
func (s *SQLiteStore) pruneEvents(ctx context.Context, tx *sql.Tx, sessionID string) error {
	if max := s.retention.MaxPerSession; max > 0 {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
			return fmt.Errorf("failed to count events: %w", err)
		}
		if excess := count - max; excess > 0 {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM events WHERE session_id = ? AND seq IN (
					SELECT seq FROM (
						SELECT seq FROM events
						WHERE session_id = ? AND kind != ?
						ORDER BY seq ASC LIMIT ?
					) AS doomed
				)`, sessionID, sessionID, string(events.KindCompleted), excess)
			if err != nil {
				return fmt.Errorf("failed to prune events by size: %w", err)
			}
		}
	}
	if age := s.retention.MaxAge; age > 0 {
		cutoff := time.Now().Add(-age)
		_, err := tx.ExecContext(ctx, `
			DELETE FROM events WHERE session_id = ? AND kind != ? AND created_at < ?`,
			sessionID, string(events.KindCompleted), fmtTime(cutoff))
		if err != nil {
			return fmt.Errorf("failed to prune events by age: %w", err)
		}
	}
	return nil
}

// ReplayEvents implements events.Log.
func (s *SQLiteStore) ReplayEvents(ctx context.Context, sessionID string, from uint64, fn func(events.Event) error) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.latestSeq(ctx, sessionID); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM events WHERE session_id = ? AND seq >= ? ORDER BY seq ASC`,
		sessionID, from)
	if err != nil {
		return fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return fmt.Errorf("failed to scan event: %w", err)
		}
		var e events.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return fmt.Errorf("failed to unmarshal event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating event rows: %w", err)
	}
	return nil
}

// LatestEventSeq implements events.Log.
func (s *SQLiteStore) LatestEventSeq(ctx context.Context, sessionID string) (uint64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.latestSeq(ctx, sessionID)
}

func (s *SQLiteStore) latestSeq(ctx context.Context, sessionID string) (uint64, error) {
	var next uint64
	err := s.db.QueryRowContext(ctx, `SELECT next_seq FROM event_seq WHERE session_id = ?`, sessionID).Scan(&next)
	if err == sql.ErrNoRows {
		return 0, events.ErrSessionUnknown
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return next - 1, nil
}

// PurgeEvents implements events.Log.
func (s *SQLiteStore) PurgeEvents(ctx context.Context, sessionID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to purge events: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM event_seq WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to purge sequence: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AppendRecord implements provenance.Store.
func (s *SQLiteStore) AppendRecord(ctx context.Context, rec provenance.Record) error {
	if err := s.guard(); err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal provenance record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provenance (session_id, record, created_at) VALUES (?, ?, ?)`,
		rec.SessionID, string(raw), fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to append provenance record: %w", err)
	}
	return nil
}

// ReplayRecords implements provenance.Store.
func (s *SQLiteStore) ReplayRecords(ctx context.Context, sessionID string, fn func(provenance.Record) error) error {
	if err := s.guard(); err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT record FROM provenance WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to query provenance: %w", err)
	}
	defer func() { _ = rows.Close() }()

	found := false
	for rows.Next() {
		found = true
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return fmt.Errorf("failed to scan provenance record: %w", err)
		}
		var rec provenance.Record
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return fmt.Errorf("failed to unmarshal provenance record: %w", err)
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating provenance rows: %w", err)
	}
	if !found {
		return provenance.ErrSessionUnknown
	}
	return nil
}

// PurgeRecords implements provenance.Store.
func (s *SQLiteStore) PurgeRecords(ctx context.Context, sessionID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM provenance WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to purge provenance: %w", err)
	}
	return nil
}

// EventLog adapts the store to the events.Log interface.
func (s *SQLiteStore) EventLog() events.Log { return sqliteEventLog{s} }

// ProvenanceStore adapts the store to the provenance.Store interface.
func (s *SQLiteStore) ProvenanceStore() provenance.Store { return sqliteProvStore{s} }

type sqliteEventLog struct{ s *SQLiteStore }

func (l sqliteEventLog) Append(ctx context.Context, e events.Event) (uint64, error) {
	return l.s.AppendEvent(ctx, e)
}

func (l sqliteEventLog) Replay(ctx context.Context, sessionID string, from uint64, fn func(events.Event) error) error {
	return l.s.ReplayEvents(ctx, sessionID, from, fn)
}

func (l sqliteEventLog) LatestSeq(ctx context.Context, sessionID string) (uint64, error) {
	return l.s.LatestEventSeq(ctx, sessionID)
}

func (l sqliteEventLog) Purge(ctx context.Context, sessionID string) error {
	return l.s.PurgeEvents(ctx, sessionID)
}

type sqliteProvStore struct{ s *SQLiteStore }

func (p sqliteProvStore) Append(ctx context.Context, rec provenance.Record) error {
	return p.s.AppendRecord(ctx, rec)
}

func (p sqliteProvStore) Replay(ctx context.Context, sessionID string, fn func(provenance.Record) error) error {
	return p.s.ReplayRecords(ctx, sessionID, fn)
}

func (p sqliteProvStore) Purge(ctx context.Context, sessionID string) error {
	return p.s.PurgeRecords(ctx, sessionID)
}

// Close closes the database. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// sqlTimeLayout is fixed-width so lexicographic comparison of stored
// strings matches chronological order.
const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

func fmtTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(sqlTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp: %w", err)
	}
	return t, nil
}
