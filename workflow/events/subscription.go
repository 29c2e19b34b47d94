package events

import (
	"context"
	"sync"
)

type offerResult int

const (
	offerOK offerResult = iota
	offerShed
	offerOverflow
)

// Subscription is one attached consumer of a session's event stream.
// Events arrive on C in sequence order. C is closed when the
// subscription ends; Err reports why (nil for a clean close,
// ErrSubscriberOverflow when the consumer fell too far behind).
type Subscription struct {
	// C delivers the subscribed events.
	C <-chan Event

	sessionID string
	detach    func(*Subscription)

	mu      sync.Mutex
	buf     []Event
	head, n int
	err     error
	done    bool
	dropped uint64
	notify  chan struct{}
	out     chan Event
	once    sync.Once
}

func newSubscription(sessionID string, capacity int, detach func(*Subscription)) *Subscription {
	out := make(chan Event)
	return &Subscription{
		C:         out,
		sessionID: sessionID,
		detach:    detach,
		buf:       make([]Event, capacity),
		notify:    make(chan struct{}, 1),
		out:       out,
	}
}

// SessionID reports the session this subscription is bound to.
func (s *Subscription) SessionID() string { return s.sessionID }

// Err returns the terminal error after C is closed. A nil result means
// the subscription ended by Close, context cancellation, or bus
// shutdown.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped counts StepProgress events shed from this subscription.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscription. Buffered events are discarded.
// Safe to call multiple times and concurrently with delivery.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		s.head, s.n = 0, 0
		s.mu.Unlock()
		s.signal()
	})
}

// offer enqueues an event, shedding the oldest buffered StepProgress
// when full. A full buffer of critical events is an overflow: the
// subscription is failed and no further events are accepted.
func (s *Subscription) offer(e Event) offerResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return offerOK
	}
	res := offerOK
	if s.n == len(s.buf) {
		if !s.shedLossyLocked() {
			s.err = ErrSubscriberOverflow
			s.failLocked()
			return offerOverflow
		}
		res = offerShed
	}
	s.buf[(s.head+s.n)%len(s.buf)] = e
	s.n++
	s.signal()
	return res
}

// shedLossyLocked evicts the oldest lossy event, keeping order intact.
func (s *Subscription) shedLossyLocked() bool {
	for i := 0; i < s.n; i++ {
		if !s.buf[(s.head+i)%len(s.buf)].Lossy() {
			continue
		}
		for j := i; j < s.n-1; j++ {
			s.buf[(s.head+j)%len(s.buf)] = s.buf[(s.head+j+1)%len(s.buf)]
		}
		s.n--
		s.dropped++
		return true
	}
	return false
}

// failLocked marks the subscription done while keeping buffered events
// for delivery. Caller holds the lock and has set err.
func (s *Subscription) failLocked() {
	s.done = true
	s.signal()
}

// fail is the pre-pump failure path used during replay.
func (s *Subscription) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.done = true
	s.mu.Unlock()
	s.signal()
}

// finish ends the subscription after draining buffered events.
func (s *Subscription) finish(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.done = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump moves events from the ring to the outbound channel. Buffered
// events are still delivered after the subscription is marked done, so
// an overflowing subscriber sees everything up to the overflow point.
func (s *Subscription) pump(ctx context.Context) {
	defer func() {
		s.detach(s)
		close(s.out)
	}()
	for {
		s.mu.Lock()
		for s.n == 0 {
			if s.done {
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			select {
			case <-ctx.Done():
				s.Close()
				return
			case <-s.notify:
			}
			s.mu.Lock()
		}
		e := s.buf[s.head]
		s.head = (s.head + 1) % len(s.buf)
		s.n--
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-ctx.Done():
			s.Close()
			return
		}
	}
}
