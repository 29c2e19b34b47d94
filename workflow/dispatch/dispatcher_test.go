package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func fastSettings() Settings {
	s := DefaultSettings()
	s.DefaultTimeout = time.Second
	s.Retry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Cap: 5 * time.Millisecond}
	s.BreakerCooldown = 50 * time.Millisecond
	return s
}

func testJob(role Role) Job {
	return Job{
		SessionID: "sess-1",
		StepID:    "convert",
		Role:      role,
		Payload:   []byte(`{"path":"/data/run1"}`),
	}
}

func TestDispatchSuccess(t *testing.T) {
	d := New(WithSettings(fastSettings()))
	if err := d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		return Ok(json.RawMessage(`{"artifact":"/out/session.nwb"}`)), nil
	})); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := d.Dispatch(context.Background(), testJob(RoleConversion))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome.Kind != OutcomeOK {
		t.Fatalf("outcome = %s, want ok", res.Outcome.Kind)
	}
	if len(res.Invocations) != 1 {
		t.Fatalf("invocations = %d, want 1", len(res.Invocations))
	}
	inv := res.Invocations[0]
	if inv.Attempt != 1 || inv.Role != RoleConversion || inv.Instance != "conv-0" {
		t.Errorf("invocation record = %+v", inv)
	}
	if inv.EndedAt.Before(inv.StartedAt) {
		t.Error("invocation ended before it started")
	}
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	d := New(WithSettings(fastSettings()), WithJitterSeed(7))
	err := d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		if calls.Add(1) < 3 {
			return RetryableFailure("backend busy"), nil
		}
		return Ok(json.RawMessage(`{}`)), nil
	}))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := d.Dispatch(context.Background(), testJob(RoleConversion))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome.Kind != OutcomeOK {
		t.Fatalf("outcome = %s, want ok after retries", res.Outcome.Kind)
	}
	if len(res.Invocations) != 3 {
		t.Fatalf("invocations = %d, want 3", len(res.Invocations))
	}
	for i, inv := range res.Invocations {
		if inv.Attempt != i+1 {
			t.Errorf("invocation %d has attempt %d", i, inv.Attempt)
		}
	}
	if res.Invocations[0].Outcome != OutcomeRetryable || res.Invocations[2].Outcome != OutcomeOK {
		t.Errorf("attempt outcomes = %s, %s, %s",
			res.Invocations[0].Outcome, res.Invocations[1].Outcome, res.Invocations[2].Outcome)
	}
}

func TestDispatchPermanentFailureStopsRetrying(t *testing.T) {
	var calls atomic.Int32
	d := New(WithSettings(fastSettings()))
	_ = d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		calls.Add(1)
		return PermanentFailure("unsupported probe geometry", "convert with --legacy-probe"), nil
	}))

	res, err := d.Dispatch(context.Background(), testJob(RoleConversion))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome.Kind != OutcomePermanent {
		t.Fatalf("outcome = %s, want permanent_failure", res.Outcome.Kind)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("worker called %d times, want 1", got)
	}
	if res.Outcome.Hint != "convert with --legacy-probe" {
		t.Errorf("hint = %q", res.Outcome.Hint)
	}
}

func TestDispatchInputRequiredStopsRetrying(t *testing.T) {
	d := New(WithSettings(fastSettings()))
	schema := json.RawMessage(`{"type":"object","properties":{"format":{"type":"string"}}}`)
	_ = d.Register(RoleConversation, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		return InputRequired(schema, time.Minute), nil
	}))

	res, err := d.Dispatch(context.Background(), testJob(RoleConversation))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome.Kind != OutcomeInputRequired {
		t.Fatalf("outcome = %s, want input_required", res.Outcome.Kind)
	}
	if res.Outcome.Prompt == nil || res.Outcome.Prompt.Timeout != time.Minute {
		t.Fatalf("prompt = %+v", res.Outcome.Prompt)
	}
	if len(res.Invocations) != 1 {
		t.Errorf("invocations = %d, want 1", len(res.Invocations))
	}
}

func TestDispatchTimeoutIsRetryable(t *testing.T) {
	var calls atomic.Int32
	s := fastSettings()
	s.DefaultTimeout = 20 * time.Millisecond
	s.Retry.MaxAttempts = 2
	d := New(WithSettings(s))
	_ = d.Register(RoleEvaluation, PortFunc("eval-0", func(ctx context.Context, req Request) (Outcome, error) {
		calls.Add(1)
		<-ctx.Done()
		return Outcome{}, ctx.Err()
	}))

	res, err := d.Dispatch(context.Background(), testJob(RoleEvaluation))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome.Kind != OutcomeRetryable {
		t.Fatalf("outcome = %s, want retryable_failure", res.Outcome.Kind)
	}
	if res.Outcome.ErrorKind != "timeout" {
		t.Errorf("error kind = %q, want timeout", res.Outcome.ErrorKind)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("worker called %d times, want 2", got)
	}
}

func TestDispatchWorkerErrorMapsToAgentUnavailable(t *testing.T) {
	s := fastSettings()
	s.Retry.MaxAttempts = 1
	d := New(WithSettings(s))
	_ = d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		return Outcome{}, errors.New("connection refused")
	}))

	res, err := d.Dispatch(context.Background(), testJob(RoleConversion))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Outcome.Kind != OutcomeRetryable || res.Outcome.ErrorKind != "agent_unavailable" {
		t.Errorf("outcome = %+v, want retryable agent_unavailable", res.Outcome)
	}
}

func TestDispatchUnknownRole(t *testing.T) {
	d := New(WithSettings(fastSettings()))
	if _, err := d.Dispatch(context.Background(), testJob(Role("juggler"))); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := d.Dispatch(context.Background(), testJob(RoleInternal)); err == nil {
		t.Error("expected error for internal role")
	}
	if _, err := d.Dispatch(context.Background(), testJob(RoleConversion)); !errors.Is(err, ErrNoPort) {
		t.Errorf("err = %v, want ErrNoPort", err)
	}
}

// The breaker must open on exactly the configured consecutive failure
// count, across dispatches and sessions.
func TestBreakerOpensOnThreshold(t *testing.T) {
	var calls atomic.Int32
	s := fastSettings()
	s.Retry.MaxAttempts = 1
	s.BreakerThreshold = 5
	d := New(WithSettings(s))
	_ = d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		calls.Add(1)
		return RetryableFailure("backend down"), nil
	}))

	job := testJob(RoleConversion)
	for i := 0; i < 4; i++ {
		res, err := d.Dispatch(context.Background(), job)
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		if res.Outcome.ErrorKind == "circuit_open" {
			t.Fatalf("circuit opened after %d failures, want closed until 5", i+1)
		}
	}
	if got := d.BreakerState(RoleConversion, "conv-0"); got != "closed" {
		t.Fatalf("breaker state after 4 failures = %q, want closed", got)
	}

	// Fifth consecutive failure trips the breaker.
	job.SessionID = "sess-2"
	if _, err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("fifth dispatch: %v", err)
	}
	if got := d.BreakerState(RoleConversion, "conv-0"); got != "open" {
		t.Fatalf("breaker state after 5 failures = %q, want open", got)
	}

	// Sixth dispatch is refused without touching the worker.
	before := calls.Load()
	res, err := d.Dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("sixth dispatch: %v", err)
	}
	if res.Outcome.ErrorKind != "circuit_open" {
		t.Fatalf("outcome = %+v, want circuit_open", res.Outcome)
	}
	if calls.Load() != before {
		t.Error("open circuit still invoked the worker")
	}
	if len(res.Invocations) == 0 || res.Invocations[0].Instance != "" {
		t.Errorf("refused dispatch should record an instanceless invocation, got %+v", res.Invocations)
	}
}

func TestBreakerHalfOpenProbeCloses(t *testing.T) {
	var healthy atomic.Bool
	s := fastSettings()
	s.Retry.MaxAttempts = 1
	s.BreakerThreshold = 2
	s.BreakerCooldown = 30 * time.Millisecond
	d := New(WithSettings(s))
	_ = d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		if healthy.Load() {
			return Ok(json.RawMessage(`{}`)), nil
		}
		return RetryableFailure("backend down"), nil
	}))

	job := testJob(RoleConversion)
	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(context.Background(), job); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if got := d.BreakerState(RoleConversion, "conv-0"); got != "open" {
		t.Fatalf("breaker state = %q, want open", got)
	}

	healthy.Store(true)
	time.Sleep(50 * time.Millisecond) // past the cooldown

	res, err := d.Dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("probe dispatch: %v", err)
	}
	if res.Outcome.Kind != OutcomeOK {
		t.Fatalf("probe outcome = %+v, want ok", res.Outcome)
	}
	if got := d.BreakerState(RoleConversion, "conv-0"); got != "closed" {
		t.Errorf("breaker state after probe = %q, want closed", got)
	}
}

func TestRoundRobinSkipsOpenBreaker(t *testing.T) {
	var healthyCalls atomic.Int32
	s := fastSettings()
	s.Retry.MaxAttempts = 1
	s.BreakerThreshold = 1
	d := New(WithSettings(s))
	_ = d.Register(RoleConversion, PortFunc("bad", func(ctx context.Context, req Request) (Outcome, error) {
		return RetryableFailure("backend down"), nil
	}))
	_ = d.Register(RoleConversion, PortFunc("good", func(ctx context.Context, req Request) (Outcome, error) {
		healthyCalls.Add(1)
		return Ok(json.RawMessage(`{}`)), nil
	}))

	// Drive dispatches until the bad instance's breaker opens, then
	// every further dispatch must land on the good one.
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if _, err := d.Dispatch(ctx, testJob(RoleConversion)); err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	if got := d.BreakerState(RoleConversion, "bad"); got != "open" {
		t.Fatalf("bad instance breaker = %q, want open", got)
	}
	before := healthyCalls.Load()
	for i := 0; i < 3; i++ {
		res, err := d.Dispatch(ctx, testJob(RoleConversion))
		if err != nil {
			t.Fatalf("post-open dispatch %d: %v", i, err)
		}
		if res.Outcome.Kind != OutcomeOK {
			t.Fatalf("post-open outcome = %+v, want ok", res.Outcome)
		}
	}
	if healthyCalls.Load()-before != 3 {
		t.Errorf("good instance handled %d dispatches, want 3", healthyCalls.Load()-before)
	}
}

func TestDedupReturnsCachedResponse(t *testing.T) {
	var calls atomic.Int32
	d := New(WithSettings(fastSettings()))
	_ = d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		calls.Add(1)
		return Ok(json.RawMessage(`{"artifact":"/out/session.nwb"}`)), nil
	}))

	job := testJob(RoleConversion)
	job.Idempotent = true

	first, err := d.Dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("first dispatch: %v", err)
	}
	if first.Deduped {
		t.Error("first dispatch must not be served from cache")
	}

	second, err := d.Dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if !second.Deduped {
		t.Fatal("identical idempotent dispatch must be served from cache")
	}
	if string(second.Outcome.Payload) != string(first.Outcome.Payload) {
		t.Errorf("cached payload = %s, want %s", second.Outcome.Payload, first.Outcome.Payload)
	}
	if len(second.Invocations) != 0 {
		t.Errorf("cached dispatch recorded %d invocations, want 0", len(second.Invocations))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("worker called %d times, want 1", got)
	}

	// A different payload misses the cache.
	job.Payload = []byte(`{"path":"/data/run2"}`)
	third, err := d.Dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("third dispatch: %v", err)
	}
	if third.Deduped {
		t.Error("different payload must not hit the cache")
	}

	// Forgetting the session clears its entries.
	d.ForgetSession(job.SessionID)
	job.Payload = []byte(`{"path":"/data/run1"}`)
	fourth, err := d.Dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("fourth dispatch: %v", err)
	}
	if fourth.Deduped {
		t.Error("purged session must not hit the cache")
	}
}

func TestFailedDispatchIsNotCached(t *testing.T) {
	var calls atomic.Int32
	s := fastSettings()
	s.Retry.MaxAttempts = 1
	d := New(WithSettings(s))
	_ = d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		if calls.Add(1) == 1 {
			return RetryableFailure("backend down"), nil
		}
		return Ok(json.RawMessage(`{}`)), nil
	}))

	job := testJob(RoleConversion)
	job.Idempotent = true

	if res, _ := d.Dispatch(context.Background(), job); res.Outcome.Kind != OutcomeRetryable {
		t.Fatalf("first outcome = %s, want retryable_failure", res.Outcome.Kind)
	}
	res, err := d.Dispatch(context.Background(), job)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if res.Deduped {
		t.Error("failure must not populate the idempotency cache")
	}
	if res.Outcome.Kind != OutcomeOK {
		t.Errorf("second outcome = %s, want ok", res.Outcome.Kind)
	}
}

func TestRoleConcurrencyCap(t *testing.T) {
	const limit = 2
	s := fastSettings()
	s.MaxConcurrentPerRole = limit

	var inFlight, peak atomic.Int32
	release := make(chan struct{})
	d := New(WithSettings(s))
	_ = d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		cur := inFlight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return Ok(json.RawMessage(`{}`)), nil
	}))

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := testJob(RoleConversion)
			job.SessionID = "sess-" + string(rune('a'+i))
			if _, err := d.Dispatch(context.Background(), job); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}(i)
	}

	// Give the first wave time to occupy the semaphore.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := peak.Load(); got > limit {
		t.Errorf("peak concurrency = %d, want <= %d", got, limit)
	}
}

func TestDispatchCancelledDuringBackoff(t *testing.T) {
	s := fastSettings()
	s.Retry = RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour, Cap: time.Hour}
	d := New(WithSettings(s))
	_ = d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		return RetryableFailure("backend down"), nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var dispatchErr error
	var res Result
	go func() {
		defer close(done)
		res, dispatchErr = d.Dispatch(ctx, testJob(RoleConversion))
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch did not return after cancellation")
	}
	if !errors.Is(dispatchErr, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", dispatchErr)
	}
	if len(res.Invocations) != 1 {
		t.Errorf("invocations = %d, want 1 before cancellation", len(res.Invocations))
	}
}

func TestUpdateSettingsRebuildsBreakers(t *testing.T) {
	s := fastSettings()
	s.Retry.MaxAttempts = 1
	s.BreakerThreshold = 1
	d := New(WithSettings(s))
	_ = d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		return RetryableFailure("backend down"), nil
	}))

	if _, err := d.Dispatch(context.Background(), testJob(RoleConversion)); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := d.BreakerState(RoleConversion, "conv-0"); got != "open" {
		t.Fatalf("breaker state = %q, want open", got)
	}

	s.BreakerThreshold = 10
	d.UpdateSettings(s)
	if got := d.BreakerState(RoleConversion, "conv-0"); got != "closed" {
		t.Errorf("breaker state after threshold change = %q, want closed (rebuilt)", got)
	}
}

func TestProgressCallbackReachesWorker(t *testing.T) {
	d := New(WithSettings(fastSettings()))
	_ = d.Register(RoleConversion, PortFunc("conv-0", func(ctx context.Context, req Request) (Outcome, error) {
		if req.OnProgress != nil {
			req.OnProgress(0.5, "halfway")
		}
		return Ok(json.RawMessage(`{}`)), nil
	}))

	var gotFraction float64
	var gotMessage string
	job := testJob(RoleConversion)
	job.OnProgress = func(f float64, msg string) { gotFraction, gotMessage = f, msg }

	if _, err := d.Dispatch(context.Background(), job); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if gotFraction != 0.5 || gotMessage != "halfway" {
		t.Errorf("progress = (%v, %q), want (0.5, halfway)", gotFraction, gotMessage)
	}
}
