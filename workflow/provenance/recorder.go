package provenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FailPolicy decides what happens once provenance appends have degraded
// past the failure threshold.
type FailPolicy int

const (
	// BestEffort keeps the workflow running without provenance.
	BestEffort FailPolicy = iota

	// FailWorkflow turns further failed appends into hard errors.
	FailWorkflow
)

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithLogger attaches operational logging.
func WithLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l.With(zap.String("component", "provenance")) }
}

// WithMaxRetries bounds append retries per record.
func WithMaxRetries(n int) RecorderOption {
	return func(r *Recorder) {
		if n >= 1 {
			r.maxRetries = n
		}
	}
}

// WithRetryDelay sets the pause between append retries.
func WithRetryDelay(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.retryDelay = d }
}

// WithDegradedThreshold sets how many consecutive failed appends are
// tolerated before the recorder reports itself degraded.
func WithDegradedThreshold(n int) RecorderOption {
	return func(r *Recorder) {
		if n >= 1 {
			r.threshold = n
		}
	}
}

// WithFailPolicy selects the behavior past the degraded threshold.
func WithFailPolicy(p FailPolicy) RecorderOption {
	return func(r *Recorder) { r.policy = p }
}

// WithDegradedCallback registers the hook invoked once when the
// threshold is crossed. The engine uses it to emit a degradation event.
func WithDegradedCallback(fn func(sessionID string, err error)) RecorderOption {
	return func(r *Recorder) { r.onDegraded = fn }
}

// Recorder appends provenance records with bounded retries. A run of
// consecutive failures crossing the threshold marks the recorder
// degraded; depending on policy further records are then dropped
// silently or returned as errors. Any successful append resets the
// run.
type Recorder struct {
	store      Store
	logger     *zap.Logger
	maxRetries int
	retryDelay time.Duration
	threshold  int
	policy     FailPolicy
	onDegraded func(sessionID string, err error)

	mu       sync.Mutex
	failures int
	degraded bool
}

// NewRecorder wraps a Store.
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:      store,
		logger:     zap.NewNop(),
		maxRetries: 3,
		retryDelay: 100 * time.Millisecond,
		threshold:  5,
		policy:     BestEffort,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends one record, retrying transient failures. Under the
// BestEffort policy it only returns an error when the context is
// cancelled; append failures degrade silently.
func (r *Recorder) Record(ctx context.Context, rec Record) error {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		lastErr = r.store.Append(ctx, rec)
		if lastErr == nil {
			r.reset()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < r.maxRetries && r.retryDelay > 0 {
			timer := time.NewTimer(r.retryDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	r.logger.Error("provenance append failed",
		zap.String("session_id", rec.SessionID),
		zap.String("step_id", rec.StepID),
		zap.Int("retries", r.maxRetries),
		zap.Error(lastErr))

	if r.fail(rec.SessionID, lastErr) && r.policy == FailWorkflow {
		return fmt.Errorf("provenance degraded: %w", lastErr)
	}
	return nil
}

// Degraded reports whether the recorder has crossed its failure
// threshold.
func (r *Recorder) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

func (r *Recorder) reset() {
	r.mu.Lock()
	r.failures = 0
	r.degraded = false
	r.mu.Unlock()
}

// fail counts a failed append and reports whether the recorder is past
// the threshold. The callback fires exactly once per degradation.
func (r *Recorder) fail(sessionID string, err error) bool {
	r.mu.Lock()
	r.failures++
	crossed := !r.degraded && r.failures >= r.threshold
	if crossed {
		r.degraded = true
	}
	degraded := r.degraded
	r.mu.Unlock()

	if crossed && r.onDegraded != nil {
		r.onDegraded(sessionID, err)
	}
	return degraded
}
