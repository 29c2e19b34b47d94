package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Consumer handles events pulled off a Subscription.
type Consumer interface {
	Consume(e Event)
}

// Forward drains a subscription into a consumer until the stream ends
// or ctx is cancelled, then returns the subscription's terminal error.
func Forward(ctx context.Context, sub *Subscription, c Consumer) error {
	for {
		select {
		case e, ok := <-sub.C:
			if !ok {
				return sub.Err()
			}
			c.Consume(e)
		case <-ctx.Done():
			sub.Close()
			return ctx.Err()
		}
	}
}

// LogSubscriber writes events to an io.Writer, one per line, either as
// human-readable text or as JSONL. Useful for operational tailing and
// for piping a session's progress into log collectors.
type LogSubscriber struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogSubscriber writes text lines like
//
//	[state_changed] session=abc seq=4 analyzing->collecting_metadata
func NewLogSubscriber(w io.Writer) *LogSubscriber {
	return &LogSubscriber{writer: w}
}

// NewJSONLogSubscriber writes one JSON object per event.
func NewJSONLogSubscriber(w io.Writer) *LogSubscriber {
	return &LogSubscriber{writer: w, jsonMode: true}
}

// Consume implements Consumer. Write errors are swallowed: a broken
// tail must not disturb delivery to other subscribers.
func (l *LogSubscriber) Consume(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.jsonMode {
		data, err := json.Marshal(e)
		if err != nil {
			return
		}
		fmt.Fprintf(l.writer, "%s\n", data)
		return
	}
	fmt.Fprintf(l.writer, "[%s] session=%s seq=%d%s\n", e.Kind, e.SessionID, e.Seq, detail(e))
}

func detail(e Event) string {
	switch {
	case e.StateChanged != nil:
		return fmt.Sprintf(" %s->%s", e.StateChanged.From, e.StateChanged.To)
	case e.Progress != nil:
		return fmt.Sprintf(" step=%s %.0f%% %s", e.Progress.StepID, e.Progress.Fraction*100, e.Progress.Message)
	case e.Step != nil:
		return fmt.Sprintf(" step=%s role=%s", e.Step.StepID, e.Step.Role)
	case e.Failure != nil:
		return fmt.Sprintf(" kind=%s %s", e.Failure.Kind, e.Failure.Message)
	case e.Summary != nil:
		return fmt.Sprintf(" final=%s", e.Summary.FinalState)
	default:
		return ""
	}
}

// Filter selects events from a BufferedSubscriber history. Zero fields
// match everything.
type Filter struct {
	Kind   Kind
	MinSeq uint64
	MaxSeq uint64 // 0 means no upper bound
}

func (f Filter) matches(e Event) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if e.Seq < f.MinSeq {
		return false
	}
	if f.MaxSeq != 0 && e.Seq > f.MaxSeq {
		return false
	}
	return true
}

// BufferedSubscriber retains every consumed event in memory, keyed by
// session. Primarily a test helper; also handy for short-lived tools
// that inspect a stream after the fact.
type BufferedSubscriber struct {
	mu     sync.RWMutex
	events map[string][]Event
}

// NewBufferedSubscriber creates an empty buffer.
func NewBufferedSubscriber() *BufferedSubscriber {
	return &BufferedSubscriber{events: make(map[string][]Event)}
}

// Consume implements Consumer.
func (b *BufferedSubscriber) Consume(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[e.SessionID] = append(b.events[e.SessionID], e)
}

// History returns copies of the retained events for a session, in
// consumption order, restricted by the filter.
func (b *BufferedSubscriber) History(sessionID string, f Filter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, e := range b.events[sessionID] {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// Clear drops retained events for one session, or for all sessions when
// sessionID is empty.
func (b *BufferedSubscriber) Clear(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sessionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, sessionID)
}
