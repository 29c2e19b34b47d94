package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrSubscriberOverflow reports that a subscriber was disconnected
// because its buffer filled with critical events it could not absorb.
var ErrSubscriberOverflow = errors.New("events: subscriber overflow")

// ErrBusClosed is returned by Publish and Subscribe after Close.
var ErrBusClosed = errors.New("events: bus closed")

// Metrics receives bus-level counters. The workflow package provides a
// Prometheus-backed implementation; the null value disables reporting.
type Metrics interface {
	EventPublished(kind string)
	EventDropped(kind string)
	SubscriberOverflow()
}

type nopMetrics struct{}

func (nopMetrics) EventPublished(string) {}
func (nopMetrics) EventDropped(string)   {}
func (nopMetrics) SubscriberOverflow()   {}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the per-subscriber ring capacity. Values below 1
// are coerced to 1.
func WithBufferSize(n int) BusOption {
	return func(b *Bus) {
		if n < 1 {
			n = 1
		}
		b.bufferSize = n
	}
}

// WithLogger attaches operational logging.
func WithLogger(l *zap.Logger) BusOption {
	return func(b *Bus) { b.logger = l.With(zap.String("component", "event_bus")) }
}

// WithMetrics attaches bus counters.
func WithMetrics(m Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// WithClock overrides timestamping, for tests.
func WithClock(now func() time.Time) BusOption {
	return func(b *Bus) { b.clock = now }
}

// Bus stamps, persists, and fans out session events. All fan-out is
// ordered: a subscriber observes events of one session in strictly
// increasing sequence order, gap-free except for dropped StepProgress
// events.
type Bus struct {
	mu         sync.Mutex
	log        Log
	subs       map[string]map[*Subscription]struct{}
	bufferSize int
	logger     *zap.Logger
	metrics    Metrics
	clock      func() time.Time
	closed     bool
}

// NewBus wraps a Log with live fan-out.
func NewBus(log Log, opts ...BusOption) *Bus {
	b := &Bus{
		log:        log,
		subs:       make(map[string]map[*Subscription]struct{}),
		bufferSize: 256,
		logger:     zap.NewNop(),
		metrics:    nopMetrics{},
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetBufferSize adjusts the ring capacity applied to future
// subscriptions. Existing subscriptions keep their capacity.
func (b *Bus) SetBufferSize(n int) {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	b.bufferSize = n
	b.mu.Unlock()
}

// Publish stamps the event, appends it to the log, and delivers it to
// the session's live subscribers. The returned sequence number is the
// one assigned by the log.
func (b *Bus) Publish(ctx context.Context, e Event) (uint64, error) {
	if e.SessionID == "" {
		return 0, fmt.Errorf("events: publish without session id")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBusClosed
	}
	e.Timestamp = b.clock()
	seq, err := b.log.Append(ctx, e)
	if err != nil {
		return 0, fmt.Errorf("events: append: %w", err)
	}
	e.Seq = seq
	b.metrics.EventPublished(string(e.Kind))

	for sub := range b.subs[e.SessionID] {
		b.offer(sub, e)
	}
	return seq, nil
}

// offer places the event in one subscriber's ring, applying the
// lossy-first shedding policy. Caller holds the bus lock.
func (b *Bus) offer(sub *Subscription, e Event) {
	switch sub.offer(e) {
	case offerOK:
	case offerShed:
		b.metrics.EventDropped(string(KindStepProgress))
	case offerOverflow:
		b.metrics.SubscriberOverflow()
		b.logger.Warn("subscriber overflow, disconnecting",
			zap.String("session_id", e.SessionID),
			zap.Uint64("seq", e.Seq))
		delete(b.subs[e.SessionID], sub)
	}
}

// Subscribe attaches to a session's event stream starting at sequence
// from (0 replays everything retained, Latest skips history). History
// is replayed into the subscription buffer before live events are
// admitted, so ordering is preserved; a history larger than the buffer
// sheds StepProgress like live traffic does.
//
// The subscription ends when ctx is cancelled, Close is called, or the
// buffer overflows with critical events.
func (b *Bus) Subscribe(ctx context.Context, sessionID string, from uint64) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}

	sub := newSubscription(sessionID, b.bufferSize, func(s *Subscription) {
		b.mu.Lock()
		if set, ok := b.subs[sessionID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, sessionID)
			}
		}
		b.mu.Unlock()
	})

	if from != Latest {
		err := b.log.Replay(ctx, sessionID, from, func(e Event) error {
			if got := sub.offer(e); got == offerOverflow {
				return ErrSubscriberOverflow
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrSessionUnknown) {
			sub.fail(err)
			return nil, err
		}
	}

	set := b.subs[sessionID]
	if set == nil {
		set = make(map[*Subscription]struct{})
		b.subs[sessionID] = set
	}
	set[sub] = struct{}{}

	go sub.pump(ctx)
	return sub, nil
}

// Close disconnects all subscribers and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			sub.finish(nil)
		}
	}
	b.subs = make(map[string]map[*Subscription]struct{})
}

// LatestSeq exposes the log's latest assigned sequence for a session,
// 0 for sessions with no events.
func (b *Bus) LatestSeq(ctx context.Context, sessionID string) uint64 {
	seq, err := b.log.LatestSeq(ctx, sessionID)
	if err != nil {
		return 0
	}
	return seq
}
