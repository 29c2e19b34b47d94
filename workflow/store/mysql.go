package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/nwbforge/orchestrator/workflow/events"
	"github.com/nwbforge/orchestrator/workflow/provenance"
)

// MySQLStore is the shared-database counterpart of SQLiteStore for
// deployments where several operator tools need to read orchestrator
// state. Implements SessionStore, CheckpointStore, events.Log and
// provenance.Store.
//
// Never hardcode credentials; pass a DSN from the environment:
//
//	store, err := NewMySQLStore(os.Getenv("MYSQL_DSN"), retention)
type MySQLStore struct {
	db        *sql.DB
	mu        sync.RWMutex
	closed    bool
	retention events.Retention
}

// NewMySQLStore connects, verifies the connection and migrates the
// schema. DSN format:
//
//	user:password@tcp(localhost:3306)/nwbforge
func NewMySQLStore(dsn string, retention events.Retention) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{db: db, retention: retention}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(191) NOT NULL PRIMARY KEY,
			principal VARCHAR(191) NOT NULL,
			workflow_ref VARCHAR(191) NOT NULL,
			state VARCHAR(64) NOT NULL,
			version BIGINT UNSIGNED NOT NULL,
			terminal TINYINT NOT NULL DEFAULT 0,
			created_at VARCHAR(35) NOT NULL,
			updated_at VARCHAR(35) NOT NULL,
			expires_at VARCHAR(35) NOT NULL,
			payload MEDIUMTEXT NOT NULL,
			INDEX idx_sessions_principal (principal),
			INDEX idx_sessions_expires (expires_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS session_ids (
			id VARCHAR(191) NOT NULL PRIMARY KEY
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			session_id VARCHAR(191) NOT NULL,
			version BIGINT UNSIGNED NOT NULL,
			payload MEDIUMTEXT NOT NULL,
			hash VARCHAR(96) NOT NULL,
			created_at VARCHAR(35) NOT NULL,
			PRIMARY KEY (session_id, version)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS events (
			session_id VARCHAR(191) NOT NULL,
			seq BIGINT UNSIGNED NOT NULL,
			kind VARCHAR(64) NOT NULL,
			payload MEDIUMTEXT NOT NULL,
			created_at VARCHAR(35) NOT NULL,
			PRIMARY KEY (session_id, seq)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS event_seq (
			session_id VARCHAR(191) NOT NULL PRIMARY KEY,
			next_seq BIGINT UNSIGNED NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS provenance (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			session_id VARCHAR(191) NOT NULL,
			record MEDIUMTEXT NOT NULL,
			created_at VARCHAR(35) NOT NULL,
			INDEX idx_provenance_session (session_id, id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *MySQLStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Create implements SessionStore.
func (s *MySQLStore) Create(ctx context.Context, rec SessionRecord) error {
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

	res, err := tx.ExecContext(ctx, `INSERT IGNORE INTO session_ids (id) VALUES (?)`, rec.ID)
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
func (s *MySQLStore) LoadLatest(ctx context.Context, id string) (SessionRecord, error) {
	if err := s.guard(); err != nil {
		return SessionRecord{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, principal, workflow_ref, state, version, terminal, created_at, updated_at, expires_at, payload
		FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// Persist implements SessionStore.
func (s *MySQLStore) Persist(ctx context.Context, rec SessionRecord, expectedVersion uint64) (uint64, error) {
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
	err = tx.QueryRowContext(ctx, `SELECT version, terminal FROM sessions WHERE id = ? FOR UPDATE`, rec.ID).
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
func (s *MySQLStore) ListActive(ctx context.Context) ([]SessionRecord, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	return s.querySessions(ctx, `
		SELECT id, principal, workflow_ref, state, version, terminal, created_at, updated_at, expires_at, payload
		FROM sessions WHERE terminal = 0 ORDER BY created_at DESC, id ASC`)
}

// List implements SessionStore.
func (s *MySQLStore) List(ctx context.Context, f Filter) ([]SessionRecord, error) {
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

func (s *MySQLStore) querySessions(ctx context.Context, query string, args ...any) ([]SessionRecord, error) {
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

// Expire implements SessionStore.
func (s *MySQLStore) Expire(ctx context.Context, before time.Time) ([]string, error) {
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

// Purge implements SessionStore.Purge and CheckpointStore.Purge.
func (s *MySQLStore) Purge(ctx context.Context, id string) error {
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
func (s *MySQLStore) Append(ctx context.Context, rec CheckpointRecord) error {
	if err := s.guard(); err != nil {
		return err
	}
	if rec.Hash == "" {
		rec.Hash = HashPayload(rec.Payload)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (session_id, version, payload, hash, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			payload = VALUES(payload),
			hash = VALUES(hash),
			created_at = VALUES(created_at)`,
		rec.SessionID, rec.Version, string(rec.Payload), rec.Hash, fmtTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return nil
}

// LatestValid implements CheckpointStore.
func (s *MySQLStore) LatestValid(ctx context.Context, sessionID string) (CheckpointRecord, error) {
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

// AppendEvent implements events.Log via EventLog.
func (s *MySQLStore) AppendEvent(ctx context.Context, e events.Event) (uint64, error) {
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
		ON DUPLICATE KEY UPDATE next_seq = next_seq + 1`, e.SessionID)
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	var next uint64
	if err = tx.QueryRowContext(ctx, `SELECT next_seq FROM event_seq WHERE session_id = ? FOR UPDATE`, e.SessionID).Scan(&next); err != nil {
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

func (s *MySQLStore) pruneEvents(ctx context.Context, tx *sql.Tx, sessionID string) error {
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

// ReplayEvents implements events.Log via EventLog.
func (s *MySQLStore) ReplayEvents(ctx context.Context, sessionID string, from uint64, fn func(events.Event) error) error {
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

// LatestEventSeq implements events.Log via EventLog.
func (s *MySQLStore) LatestEventSeq(ctx context.Context, sessionID string) (uint64, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	return s.latestSeq(ctx, sessionID)
}

func (s *MySQLStore) latestSeq(ctx context.Context, sessionID string) (uint64, error) {
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

// PurgeEvents implements events.Log via EventLog.
func (s *MySQLStore) PurgeEvents(ctx context.Context, sessionID string) error {
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

// AppendRecord implements provenance.Store via ProvenanceStore.
func (s *MySQLStore) AppendRecord(ctx context.Context, rec provenance.Record) error {
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

// ReplayRecords implements provenance.Store via ProvenanceStore.
func (s *MySQLStore) ReplayRecords(ctx context.Context, sessionID string, fn func(provenance.Record) error) error {
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

// PurgeRecords implements provenance.Store via ProvenanceStore.
func (s *MySQLStore) PurgeRecords(ctx context.Context, sessionID string) error {
	if err := s.guard(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM provenance WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("failed to purge provenance: %w", err)
	}
	return nil
}

// EventLog adapts the store to the events.Log interface.
func (s *MySQLStore) EventLog() events.Log { return mysqlEventLog{s} }

// ProvenanceStore adapts the store to the provenance.Store interface.
func (s *MySQLStore) ProvenanceStore() provenance.Store { return mysqlProvStore{s} }

type mysqlEventLog struct{ s *MySQLStore }

func (l mysqlEventLog) Append(ctx context.Context, e events.Event) (uint64, error) {
	return l.s.AppendEvent(ctx, e)
}

func (l mysqlEventLog) Replay(ctx context.Context, sessionID string, from uint64, fn func(events.Event) error) error {
	return l.s.ReplayEvents(ctx, sessionID, from, fn)
}

func (l mysqlEventLog) LatestSeq(ctx context.Context, sessionID string) (uint64, error) {
	return l.s.LatestEventSeq(ctx, sessionID)
}

func (l mysqlEventLog) Purge(ctx context.Context, sessionID string) error {
	return l.s.PurgeEvents(ctx, sessionID)
}

type mysqlProvStore struct{ s *MySQLStore }

func (p mysqlProvStore) Append(ctx context.Context, rec provenance.Record) error {
	return p.s.AppendRecord(ctx, rec)
}

func (p mysqlProvStore) Replay(ctx context.Context, sessionID string, fn func(provenance.Record) error) error {
	return p.s.ReplayRecords(ctx, sessionID, fn)
}

func (p mysqlProvStore) Purge(ctx context.Context, sessionID string) error {
	return p.s.PurgeRecords(ctx, sessionID)
}

// Close closes the connection pool. Double-close is a no-op.
func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}
