package events

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

// Latest subscribes live-only, skipping history replay.
const Latest = uint64(math.MaxUint64)

// ErrSessionUnknown is returned by Replay and LatestSeq for sessions the
// log has never seen. Appending to a new session id is always legal.
var ErrSessionUnknown = errors.New("events: unknown session")

// Retention bounds the event log. Zero values mean unbounded. The most
// recent Completed event of a session is always retained regardless of
// bounds, so terminal outcomes survive until the session is purged.
type Retention struct {
	// MaxPerSession caps the number of retained events per session.
	MaxPerSession int
	// MaxAge evicts events older than this.
	MaxAge time.Duration
}

// Log is the append-only per-session event store consumed by the Bus.
// Implementations assign sequence numbers: the first event of a session
// gets seq 1 and successive appends increment by one.
//
// The memory implementation lives in this package; SQL-backed
// implementations live in workflow/store.
type Log interface {
	// Append stamps and stores the event, returning its sequence number.
	Append(ctx context.Context, e Event) (uint64, error)

	// Replay invokes fn for every retained event of the session with
	// seq >= from, in sequence order. Replay of an unknown session
	// returns ErrSessionUnknown.
	Replay(ctx context.Context, sessionID string, from uint64, fn func(Event) error) error

	// LatestSeq returns the highest sequence number assigned for the
	// session, counting events that retention has since evicted.
	LatestSeq(ctx context.Context, sessionID string) (uint64, error)

	// Purge removes all events of a session, including retained
	// terminal events.
	Purge(ctx context.Context, sessionID string) error
}

// MemoryLog is an in-memory Log with retention, suitable for tests and
// single-process deployments.
type MemoryLog struct {
	mu        sync.RWMutex
	retention Retention
	sessions  map[string]*sessionLog
	clock     func() time.Time
}

type sessionLog struct {
	events  []Event
	nextSeq uint64
}

// NewMemoryLog creates an empty log with the given retention bounds.
func NewMemoryLog(r Retention) *MemoryLog {
	return &MemoryLog{
		retention: r,
		sessions:  make(map[string]*sessionLog),
		clock:     time.Now,
	}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, e Event) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	sl := l.sessions[e.SessionID]
	if sl == nil {
		sl = &sessionLog{nextSeq: 1}
		l.sessions[e.SessionID] = sl
	}
	e.Seq = sl.nextSeq
	sl.nextSeq++
	sl.events = append(sl.events, e)
	l.prune(sl)
	return e.Seq, nil
}

// prune applies retention to one session. Completed events survive both
// bounds so terminal outcomes outlive eviction. Caller holds the write
// lock.
func (l *MemoryLog) prune(sl *sessionLog) {
	if l.retention.MaxAge > 0 {
		cutoff := l.clock().Add(-l.retention.MaxAge)
		kept := sl.events[:0]
		for _, e := range sl.events {
			if e.Kind == KindCompleted || !e.Timestamp.Before(cutoff) {
				kept = append(kept, e)
			}
		}
		sl.events = kept
	}
	if max := l.retention.MaxPerSession; max > 0 && len(sl.events) > max {
		excess := len(sl.events) - max
		kept := sl.events[:0]
		for _, e := range sl.events {
			if excess > 0 && e.Kind != KindCompleted {
				excess--
				continue
			}
			kept = append(kept, e)
		}
		sl.events = kept
	}
}

// Replay implements Log.
func (l *MemoryLog) Replay(_ context.Context, sessionID string, from uint64, fn func(Event) error) error {
	l.mu.RLock()
	sl := l.sessions[sessionID]
	if sl == nil {
		l.mu.RUnlock()
		return ErrSessionUnknown
	}
	snapshot := make([]Event, 0, len(sl.events))
	for _, e := range sl.events {
		if e.Seq >= from {
			snapshot = append(snapshot, e)
		}
	}
	l.mu.RUnlock()

	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// LatestSeq implements Log.
func (l *MemoryLog) LatestSeq(_ context.Context, sessionID string) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sl := l.sessions[sessionID]
	if sl == nil {
		return 0, ErrSessionUnknown
	}
	return sl.nextSeq - 1, nil
}

// Purge implements Log.
func (l *MemoryLog) Purge(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, sessionID)
	return nil
}
