package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// ErrCircuitOpen reports that every registered instance for the role
// currently has an open breaker, so the dispatch was refused without a
// worker call.
var ErrCircuitOpen = errors.New("dispatch: circuit open")

// ErrNoPort reports a dispatch to a role with no registered worker.
var ErrNoPort = errors.New("dispatch: no port registered for role")

// Job describes one step execution request. Zero-valued tuning fields
// fall back to the dispatcher Settings.
type Job struct {
	SessionID     string
	StepID        string
	Role          Role
	Payload       []byte
	Input         []byte
	Timeout       time.Duration
	Retry         *RetryPolicy
	Idempotent    bool
	CorrelationID string
	OnProgress    func(fraction float64, message string)
}

// Result is the terminal product of a dispatch: the final outcome plus
// one Invocation record per attempt, in attempt order. Deduped marks a
// response served from the idempotency cache without a worker call.
type Result struct {
	Outcome     Outcome
	Invocations []Invocation
	Deduped     bool
}

// Metrics receives dispatcher counters. The workflow package provides a
// Prometheus-backed implementation; the null value disables reporting.
type Metrics interface {
	DispatchDuration(role, outcome string, d time.Duration)
	RetryScheduled(role string)
	BreakerStateChanged(role, instance, state string)
	DedupHit(role string)
}

type nopMetrics struct{}

func (nopMetrics) DispatchDuration(string, string, time.Duration) {}
func (nopMetrics) RetryScheduled(string)                          {}
func (nopMetrics) BreakerStateChanged(string, string, string)     {}
func (nopMetrics) DedupHit(string)                                {}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSettings replaces the default tuning.
func WithSettings(s Settings) Option {
	return func(d *Dispatcher) { d.settings.Store(&s) }
}

// WithLogger attaches operational logging.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l.With(zap.String("component", "dispatcher")) }
}

// WithMetrics attaches dispatch counters.
func WithMetrics(m Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer sets the tracer used for dispatch and attempt spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithJitterSeed seeds the backoff jitter source, for deterministic
// retry schedules in tests.
func WithJitterSeed(seed int64) Option {
	return func(d *Dispatcher) { d.rng = rand.New(rand.NewSource(seed)) } // #nosec G404 -- jitter timing, not security
}

// instance pairs a Port with its circuit breaker. Breakers are bucketed
// per (role, instance) so one bad worker does not blind the rest.
type instance struct {
	port    Port
	breaker *gobreaker.CircuitBreaker
}

// Dispatcher routes jobs to worker instances with retries, timeouts,
// circuit breaking and request deduplication applied uniformly across
// all roles. Safe for concurrent use.
type Dispatcher struct {
	mu       sync.RWMutex
	ports    map[Role][]*instance
	rr       map[Role]*atomic.Uint64
	sem      map[Role]chan struct{}
	settings atomic.Pointer[Settings]

	dedupMu sync.Mutex
	dedup   map[string]map[string][]byte // session id -> request key -> cached payload

	logger  *zap.Logger
	metrics Metrics
	tracer  trace.Tracer

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a Dispatcher with no registered ports.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ports:   make(map[Role][]*instance),
		rr:      make(map[Role]*atomic.Uint64),
		sem:     make(map[Role]chan struct{}),
		dedup:   make(map[string]map[string][]byte),
		logger:  zap.NewNop(),
		metrics: nopMetrics{},
		tracer:  noop.NewTracerProvider().Tracer("dispatch"),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())), // #nosec G404 -- jitter timing, not security
	}
	def := DefaultSettings()
	d.settings.Store(&def)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a worker instance for a role. Multiple instances of the
// same role are selected round-robin, skipping open circuits.
func (d *Dispatcher) Register(role Role, port Port) error {
	if !role.Dispatchable() {
		return fmt.Errorf("dispatch: role %q is not dispatchable", role)
	}
	if port == nil {
		return fmt.Errorf("dispatch: nil port for role %q", role)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, inst := range d.ports[role] {
		if inst.port.Name() == port.Name() {
			return fmt.Errorf("dispatch: duplicate instance %q for role %q", port.Name(), role)
		}
	}
	set := d.settings.Load()
	d.ports[role] = append(d.ports[role], &instance{
		port:    port,
		breaker: d.newBreaker(role, port.Name(), *set),
	})
	if _, ok := d.rr[role]; !ok {
		d.rr[role] = &atomic.Uint64{}
	}
	d.ensureSemLocked(role, set.MaxConcurrentPerRole)
	return nil
}

func (d *Dispatcher) newBreaker(role Role, name string, set Settings) *gobreaker.CircuitBreaker {
	threshold := set.BreakerThreshold
	if threshold == 0 {
		threshold = 1
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(role) + "/" + name,
		MaxRequests: 1, // single probe in half-open
		Timeout:     set.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			// Opens on the Nth consecutive failure, not the N+1th.
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			d.metrics.BreakerStateChanged(string(role), name, to.String())
			d.logger.Warn("circuit breaker state change",
				zap.String("role", string(role)),
				zap.String("instance", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

func (d *Dispatcher) ensureSemLocked(role Role, limit int) {
	if limit <= 0 {
		d.sem[role] = nil
		return
	}
	if cur := d.sem[role]; cur == nil || cap(cur) != limit {
		d.sem[role] = make(chan struct{}, limit)
	}
}

// UpdateSettings swaps the tuning atomically. Breakers are rebuilt when
// their parameters changed, which resets failure counts; in-flight
// dispatches keep the settings they started with.
func (d *Dispatcher) UpdateSettings(s Settings) {
	old := d.settings.Load()
	d.settings.Store(&s)

	d.mu.Lock()
	defer d.mu.Unlock()
	if old.BreakerThreshold != s.BreakerThreshold || old.BreakerCooldown != s.BreakerCooldown {
		for role, insts := range d.ports {
			for _, inst := range insts {
				inst.breaker = d.newBreaker(role, inst.port.Name(), s)
			}
		}
	}
	for role := range d.ports {
		d.ensureSemLocked(role, s.MaxConcurrentPerRole)
	}
}

// ForgetSession drops the idempotency cache entries of a purged
// session.
func (d *Dispatcher) ForgetSession(sessionID string) {
	d.dedupMu.Lock()
	delete(d.dedup, sessionID)
	d.dedupMu.Unlock()
}

// Dispatch runs a job to its terminal outcome. The returned error is
// non-nil only when the dispatch infrastructure could not run the job
// at all (unknown role, no registered port, context cancelled);
// worker-level failures, timeouts and open circuits travel inside
// Result.Outcome with the taxonomy kind set.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) (Result, error) {
	if !job.Role.Dispatchable() {
		return Result{}, fmt.Errorf("dispatch: role %q: not dispatchable", job.Role)
	}
	d.mu.RLock()
	registered := len(d.ports[job.Role]) > 0
	d.mu.RUnlock()
	if !registered {
		return Result{}, fmt.Errorf("%w: %s", ErrNoPort, job.Role)
	}

	set := d.settings.Load()
	retry := set.retryFor(job)
	timeout := set.timeoutFor(job)

	release, err := d.acquire(ctx, job.Role)
	if err != nil {
		return Result{}, err
	}
	defer release()

	var key string
	if job.Idempotent {
		key = RequestKey(job.SessionID, job.StepID, job.Payload)
		if cached, ok := d.cachedResponse(job.SessionID, key); ok {
			d.metrics.DedupHit(string(job.Role))
			return Result{Outcome: Ok(cached), Deduped: true}, nil
		}
	}

	ctx, span := d.tracer.Start(ctx, "dispatch", trace.WithAttributes(
		attribute.String("conversion.session_id", job.SessionID),
		attribute.String("conversion.step_id", job.StepID),
		attribute.String("conversion.role", string(job.Role)),
	))
	defer span.End()

	start := time.Now()
	var res Result
	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		inv, outcome := d.attempt(ctx, job, attempt, timeout, key)
		res.Invocations = append(res.Invocations, inv)
		res.Outcome = outcome

		switch outcome.Kind {
		case OutcomeOK:
			if job.Idempotent {
				d.cacheResponse(job.SessionID, key, outcome.Payload)
			}
			d.metrics.DispatchDuration(string(job.Role), string(outcome.Kind), time.Since(start))
			return res, nil
		case OutcomeInputRequired, OutcomePermanent:
			d.metrics.DispatchDuration(string(job.Role), string(outcome.Kind), time.Since(start))
			return res, nil
		}

		// Retryable. Stop on cancellation, otherwise back off.
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if attempt == retry.MaxAttempts {
			break
		}
		d.metrics.RetryScheduled(string(job.Role))
		d.logger.Debug("retrying step",
			zap.String("session_id", job.SessionID),
			zap.String("step_id", job.StepID),
			zap.Int("attempt", attempt),
			zap.String("reason", outcome.Reason))
		if err := d.sleep(ctx, d.backoff(retry, attempt)); err != nil {
			return res, err
		}
	}
	d.metrics.DispatchDuration(string(job.Role), string(res.Outcome.Kind), time.Since(start))
	return res, nil
}

// outcomeError smuggles a retryable worker outcome through the breaker
// so it is counted as a failure.
type outcomeError struct {
	outcome Outcome
}

func (e outcomeError) Error() string { return "retryable outcome: " + e.outcome.Reason }

// attempt performs one invocation against a selected instance and
// returns its immutable record plus the mapped outcome.
func (d *Dispatcher) attempt(ctx context.Context, job Job, attempt int, timeout time.Duration, key string) (Invocation, Outcome) {
	inv := Invocation{
		ID:            uuid.NewString(),
		SessionID:     job.SessionID,
		StepID:        job.StepID,
		Role:          job.Role,
		Attempt:       attempt,
		RequestKey:    key,
		Request:       job.Payload,
		StartedAt:     time.Now(),
		CorrelationID: job.CorrelationID,
	}

	inst := d.pick(job.Role)
	if inst == nil {
		out := Outcome{Kind: OutcomeRetryable, Reason: "all instances open for role " + string(job.Role), ErrorKind: "circuit_open"}
		return d.finish(inv, out), out
	}
	inv.Instance = inst.port.Name()

	actx, span := d.tracer.Start(ctx, "attempt", trace.WithAttributes(
		attribute.Int("conversion.attempt", attempt),
		attribute.String("conversion.instance", inst.port.Name()),
	))
	defer span.End()
	if sc := span.SpanContext(); sc.IsValid() {
		inv.TraceID = sc.TraceID().String()
		inv.SpanID = sc.SpanID().String()
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(actx, timeout)
		defer cancel()
	}

	req := Request{
		SessionID:     job.SessionID,
		StepID:        job.StepID,
		Role:          job.Role,
		Attempt:       attempt,
		Payload:       job.Payload,
		Input:         job.Input,
		CorrelationID: job.CorrelationID,
		OnProgress:    job.OnProgress,
	}

	raw, err := inst.breaker.Execute(func() (interface{}, error) {
		out, err := inst.port.Invoke(actx, req)
		if err != nil {
			return nil, err
		}
		if out.Kind == OutcomeRetryable {
			return nil, outcomeError{outcome: out}
		}
		return out, nil
	})

	out := d.mapAttempt(actx, raw, err)
	return d.finish(inv, out), out
}

// mapAttempt folds the breaker result and transport errors into the
// outcome union.
func (d *Dispatcher) mapAttempt(ctx context.Context, raw interface{}, err error) Outcome {
	if err == nil {
		return raw.(Outcome)
	}
	var oe outcomeError
	switch {
	case errors.As(err, &oe):
		return oe.outcome
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Outcome{Kind: OutcomeRetryable, Reason: err.Error(), ErrorKind: "circuit_open"}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return Outcome{Kind: OutcomeRetryable, Reason: "invocation deadline expired", ErrorKind: "timeout"}
	case errors.Is(err, context.Canceled):
		return Outcome{Kind: OutcomeRetryable, Reason: "invocation cancelled", ErrorKind: "cancelled"}
	default:
		return Outcome{Kind: OutcomeRetryable, Reason: err.Error(), ErrorKind: "agent_unavailable"}
	}
}

func (d *Dispatcher) finish(inv Invocation, out Outcome) Invocation {
	inv.EndedAt = time.Now()
	inv.Outcome = out.Kind
	if out.Failed() {
		inv.Error = out.Reason
		inv.ErrorKind = out.ErrorKind
	}
	return inv
}

// pick selects the next instance round-robin, skipping open breakers.
// Returns nil when every instance is open.
func (d *Dispatcher) pick(role Role) *instance {
	d.mu.RLock()
	insts := d.ports[role]
	ctr := d.rr[role]
	d.mu.RUnlock()
	if len(insts) == 0 {
		return nil
	}
	start := int(ctr.Add(1) - 1)
	for i := 0; i < len(insts); i++ {
		inst := insts[(start+i)%len(insts)]
		if inst.breaker.State() != gobreaker.StateOpen {
			return inst
		}
	}
	return nil
}

func (d *Dispatcher) acquire(ctx context.Context, role Role) (func(), error) {
	d.mu.RLock()
	sem := d.sem[role]
	d.mu.RUnlock()
	if sem == nil {
		return func() {}, nil
	}
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) cachedResponse(sessionID, key string) ([]byte, bool) {
	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()
	payload, ok := d.dedup[sessionID][key]
	return payload, ok
}

func (d *Dispatcher) cacheResponse(sessionID, key string, payload []byte) {
	d.dedupMu.Lock()
	defer d.dedupMu.Unlock()
	byKey := d.dedup[sessionID]
	if byKey == nil {
		byKey = make(map[string][]byte)
		d.dedup[sessionID] = byKey
	}
	if _, exists := byKey[key]; !exists {
		byKey[key] = payload
	}
}

func (d *Dispatcher) backoff(retry RetryPolicy, attempt int) time.Duration {
	d.rngMu.Lock()
	defer d.rngMu.Unlock()
	return retry.Backoff(attempt, d.rng)
}

func (d *Dispatcher) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// BreakerState reports the current circuit state for a worker instance,
// or the empty string when unknown. Primarily for health endpoints and
// tests.
func (d *Dispatcher) BreakerState(role Role, instance string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, inst := range d.ports[role] {
		if inst.port.Name() == instance {
			return inst.breaker.State().String()
		}
	}
	return ""
}
