// Package workflow is the conversion orchestration core: it drives
// sessions through format detection, interactive metadata collection,
// conversion and validation by dispatching workflow steps to external
// worker roles, checkpointing after every step, and streaming progress
// events to subscribers.
//
// The Engine is the single mutation point for sessions. Transports call
// its operations; everything long-running happens on detached run
// goroutines, so Submit acknowledges before the workflow finishes and
// later failures surface as session events rather than operation
// errors.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/nwbforge/orchestrator/config"
	"github.com/nwbforge/orchestrator/workflow/detect"
	"github.com/nwbforge/orchestrator/workflow/dispatch"
	"github.com/nwbforge/orchestrator/workflow/events"
	"github.com/nwbforge/orchestrator/workflow/provenance"
	"github.com/nwbforge/orchestrator/workflow/store"
	"github.com/nwbforge/orchestrator/workflow/validate"
)

// Engine executes conversion workflows. Construct it with New, register
// workflow definitions with WithWorkflow, and shut it down with Close.
//
// Sessions are mutated only under a per-session exclusive lock and
// persisted with optimistic version checks; reads (Status, ListSessions,
// WriteProvenance, SubscribeEvents) never block mutations and observe
// the latest persisted version.
//
//	eng, err := workflow.New(
//		workflow.WithWorkflow(workflow.ConversionWorkflow()),
//		workflow.WithDispatcher(d),
//		workflow.WithSessionStore(st),
//		workflow.WithCheckpointStore(st),
//	)
//	if err != nil {
//		return err
//	}
//	defer eng.Close()
//
//	id, err := eng.Submit(ctx, workflow.SubmitRequest{
//		WorkflowRef: "conversion/v1",
//		DatasetRef:  "/data/rec-001",
//		Principal:   "lab-alpha",
//	})
type Engine struct {
	sessions    store.SessionStore
	checkpoints store.CheckpointStore
	eventLog    events.Log
	bus         *events.Bus
	provStore   provenance.Store
	recorder    *provenance.Recorder
	dispatcher  *dispatch.Dispatcher
	conf        *config.Store
	workflows   map[string]Definition
	catalog     detect.Catalog

	recorderOpts []provenance.RecorderOption

	logger  *zap.Logger
	metrics *Metrics
	tracer  trace.Tracer
	clock   func() time.Time

	sweepInterval time.Duration

	// slots caps concurrently executing sessions; submissions beyond
	// the cap queue until a run slot frees up.
	slots chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu      sync.Mutex
	locks   map[string]*sessionLock
	running map[string]context.CancelCauseFunc
	closed  bool
	wg      sync.WaitGroup
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// errCancelRequested is the cancellation cause distinguishing the
// cancel operation from engine shutdown on a run context.
var errCancelRequested = errors.New("workflow: cancel requested")

// New constructs an Engine. Every dependency has an in-memory default
// so tests and examples can run self-contained; production wiring
// passes durable stores, a dispatcher with registered worker ports, and
// a config store.
func New(opts ...Option) (*Engine, error) {
	e := &Engine{
		workflows:     make(map[string]Definition),
		logger:        zap.NewNop(),
		tracer:        noop.NewTracerProvider().Tracer("workflow"),
		clock:         time.Now,
		sweepInterval: 30 * time.Second,
		locks:         make(map[string]*sessionLock),
		running:       make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}

	for ref, def := range e.workflows {
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("workflow %q: %w", ref, err)
		}
	}

	if e.conf == nil {
		conf, err := config.NewStatic(config.Default())
		if err != nil {
			return nil, fmt.Errorf("failed to build default config: %w", err)
		}
		e.conf = conf
	}
	cfg := e.conf.Snapshot().Settings

	if e.sessions == nil || e.checkpoints == nil {
		mem := store.NewMemory()
		if e.sessions == nil {
			e.sessions = mem
		}
		if e.checkpoints == nil {
			e.checkpoints = mem
		}
	}
	if e.eventLog == nil {
		e.eventLog = events.NewMemoryLog(cfg.EventRetention())
	}
	if e.provStore == nil {
		e.provStore = provenance.NewMemoryStore()
	}
	if e.dispatcher == nil {
		dispatchOpts := []dispatch.Option{
			dispatch.WithLogger(e.logger),
			dispatch.WithTracer(e.tracer),
		}
		if e.metrics != nil {
			dispatchOpts = append(dispatchOpts, dispatch.WithMetrics(e.metrics))
		}
		e.dispatcher = dispatch.New(dispatchOpts...)
	}
	e.dispatcher.UpdateSettings(cfg.DispatchSettings())

	busOpts := []events.BusOption{
		events.WithBufferSize(cfg.Events.Subscriber.BufferSize),
		events.WithLogger(e.logger),
		events.WithClock(e.clock),
	}
	if e.metrics != nil {
		busOpts = append(busOpts, events.WithMetrics(e.metrics))
	}
	e.bus = events.NewBus(e.eventLog, busOpts...)

	recorderOpts := append([]provenance.RecorderOption{
		provenance.WithLogger(e.logger),
		provenance.WithDegradedThreshold(cfg.Provenance.DegradedAfterFailures),
		provenance.WithDegradedCallback(e.onProvenanceDegraded),
	}, e.recorderOpts...)
	e.recorder = provenance.NewRecorder(e.provStore, recorderOpts...)

	e.slots = make(chan struct{}, cfg.Engine.MaxConcurrentSessions)
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())

	e.conf.OnChange(e.applyConfig)

	e.wg.Add(1)
	go e.sweepLoop(e.baseCtx)

	return e, nil
}

// Close stops the sweeps, cancels every running session's context, and
// waits for run goroutines to drain. Sessions interrupted mid-run keep
// their persisted state and continue after Recover on the next start.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.baseCancel()
	e.wg.Wait()
	e.bus.Close()
	return nil
}

// applyConfig pushes a reloaded configuration into the runtime and
// announces it on the system event stream. Running dispatches keep the
// tuning they started with; subsequent dispatches pick up the new
// values.
func (e *Engine) applyConfig(snap config.Snapshot) {
	e.dispatcher.UpdateSettings(snap.Settings.DispatchSettings())
	e.bus.SetBufferSize(snap.Settings.Events.Subscriber.BufferSize)
	e.publish(context.Background(), events.Event{
		SessionID: events.SystemStream,
		Kind:      events.KindConfigChanged,
		Config:    &events.ConfigChange{Hash: snap.Hash},
	})
	e.logger.Info("configuration applied", zap.String("hash", snap.Hash))
}

// onProvenanceDegraded is the recorder's degradation hook: it warns the
// session's subscribers once per degradation episode.
func (e *Engine) onProvenanceDegraded(sessionID string, err error) {
	e.metrics.provenanceDegradedInc()
	e.publish(context.Background(), events.Event{
		SessionID: sessionID,
		Kind:      events.KindProvenanceDegraded,
		Failure: &events.Failure{
			Severity:    "warning",
			Kind:        string(KindProvenanceDegraded),
			Recoverable: true,
			Message:     "provenance recording degraded: " + err.Error(),
		},
	})
}

// SubmitRequest describes a new conversion.
type SubmitRequest struct {
	// WorkflowRef names a definition registered with WithWorkflow.
	WorkflowRef string `json:"workflow_ref"`

	// DatasetRef locates the source dataset.
	DatasetRef string `json:"dataset_ref"`

	// Principal is the pre-authenticated caller identity. Transports
	// resolve identity; the core only requires it to be present.
	Principal string `json:"principal"`

	// Input is an optional free-form payload forwarded to step input
	// builders (e.g. pre-supplied metadata).
	Input json.RawMessage `json:"input,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// Submit creates a session in state Analyzing, persists it at version
// 1, and starts execution on a detached goroutine. The returned id is
// usable immediately for Status and SubscribeEvents. Failures after
// this point surface as session events, not as errors from Submit.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.Principal == "" {
		return "", Errf(KindUnauthorized, "submit requires a principal")
	}
	def, ok := e.workflows[req.WorkflowRef]
	if !ok {
		return "", Errf(KindInvalidWorkflow, "unknown workflow %q", req.WorkflowRef)
	}
	if req.DatasetRef == "" {
		return "", Errf(KindInvalidWorkflow, "dataset ref must not be empty")
	}

	snap, err := e.conf.SnapshotFor(req.Principal, req.WorkflowRef)
	if err != nil {
		return "", e.internal("resolve config for submit", err)
	}

	now := e.clock()
	sess := &Session{
		ID:               uuid.NewString(),
		Principal:        req.Principal,
		WorkflowRef:      req.WorkflowRef,
		DatasetRef:       req.DatasetRef,
		State:            StateAnalyzing,
		ConfigHash:       snap.Hash,
		Metadata:         req.Metadata,
		Submitted:        req.Input,
		Outputs:          make(map[string]json.RawMessage),
		AutoFixRemaining: def.AutoFixLimit,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
		ExpiresAt:        now.Add(snap.Settings.Session.Expire.After.Std()),
	}
	rec, err := sess.record()
	if err != nil {
		return "", e.internal("encode session", err)
	}
	if err := e.sessions.Create(ctx, rec); err != nil {
		return "", e.internal("create session", err)
	}

	e.metrics.sessionStarted()
	e.publish(ctx, events.Event{
		SessionID:    sess.ID,
		Kind:         events.KindStateChanged,
		StateChanged: &events.StateChange{To: string(StateAnalyzing)},
	})
	e.logger.Info("session submitted",
		zap.String("session_id", sess.ID),
		zap.String("workflow", req.WorkflowRef),
		zap.String("principal", req.Principal))

	e.startRun(sess.ID)
	return sess.ID, nil
}

// Status returns the session's latest persisted snapshot.
func (e *Engine) Status(ctx context.Context, id string) (Snapshot, error) {
	sess, err := e.loadSession(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		ID:               sess.ID,
		Principal:        sess.Principal,
		WorkflowRef:      sess.WorkflowRef,
		DatasetRef:       sess.DatasetRef,
		State:            sess.State,
		ReturnState:      sess.ReturnState,
		Version:          sess.Version,
		CreatedAt:        sess.CreatedAt,
		UpdatedAt:        sess.UpdatedAt,
		ExpiresAt:        sess.ExpiresAt,
		ConfigHash:       sess.ConfigHash,
		CompletedSteps:   sess.completedSteps(),
		Prompt:           sess.Prompt,
		Failure:          sess.Failure,
		ArtifactRef:      sess.ArtifactRef,
		ValidationStatus: sess.ValidationStatus,
		QualityScore:     sess.QualityScore,
		LatestSeq:        e.bus.LatestSeq(ctx, id),
		Metadata:         sess.Metadata,
	}
	if def, ok := e.workflows[sess.WorkflowRef]; ok && len(def.Steps) > 0 {
		snap.Progress = float64(len(snap.CompletedSteps)) / float64(len(def.Steps))
		switch {
		case sess.State == StateSuspended && sess.Prompt != nil:
			snap.CurrentSteps = []string{sess.Prompt.StepID}
		case !sess.State.Terminal():
			for _, st := range def.ready(sess.Outputs) {
				snap.CurrentSteps = append(snap.CurrentSteps, st.ID)
			}
		}
	}
	return snap, nil
}

// Filter narrows ListSessions results. Principal is mandatory.
type Filter struct {
	Principal   string  `json:"principal"`
	WorkflowRef string  `json:"workflow_ref,omitempty"`
	States      []State `json:"states,omitempty"`
	Limit       int     `json:"limit,omitempty"`
}

// ListSessions returns the principal's sessions, newest first.
func (e *Engine) ListSessions(ctx context.Context, f Filter) ([]Summary, error) {
	if f.Principal == "" {
		return nil, Errf(KindUnauthorized, "listing sessions requires a principal")
	}
	states := make([]string, 0, len(f.States))
	for _, s := range f.States {
		states = append(states, string(s))
	}
	recs, err := e.sessions.List(ctx, store.Filter{
		Principal:   f.Principal,
		WorkflowRef: f.WorkflowRef,
		States:      states,
		Limit:       f.Limit,
	})
	if err != nil {
		return nil, e.internal("list sessions", err)
	}
	summaries := make([]Summary, 0, len(recs))
	for _, rec := range recs {
		summaries = append(summaries, Summary{
			ID:          rec.ID,
			Principal:   rec.Principal,
			WorkflowRef: rec.WorkflowRef,
			State:       State(rec.State),
			Version:     rec.Version,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	return summaries, nil
}

// Resume re-enters a parked session. A suspended session has its input
// deadline re-armed; a retryable-failed session is rebuilt from the
// most recent valid checkpoint and re-enters execution from its
// frontier, skipping every step whose output the checkpoint holds. Any
// other state is rejected with terminal_state.
func (e *Engine) Resume(ctx context.Context, id string) error {
	unlock := e.lockSession(id)
	defer unlock()

	sess, err := e.loadSession(ctx, id)
	if err != nil {
		return err
	}

	switch {
	case sess.State == StateSuspended:
		sess.SuspendedAt = e.clock()
		if err := e.persistSession(ctx, sess); err != nil {
			return e.internal("re-arm suspension", err)
		}
		return nil

	case sess.State == StateFailed && sess.Failure != nil && sess.Failure.Retryable:
		return e.resumeFailed(ctx, sess)

	default:
		return Errf(KindTerminalState, "resume requires a suspended or retryable-failed session (state %s)", sess.State)
	}
}

// resumeFailed rebuilds execution state from the latest valid
// checkpoint. Caller holds the session lock.
func (e *Engine) resumeFailed(ctx context.Context, sess *Session) error {
	prev := sess.State
	target := StateAnalyzing
	cp, err := e.checkpoints.LatestValid(ctx, sess.ID)
	switch {
	case err == nil:
		decoded, derr := DecodeCheckpoint(cp)
		if derr != nil {
			return e.internal("decode checkpoint", derr)
		}
		sess.Outputs = decoded.Outputs
		sess.AutoFixRemaining = decoded.AutoFixRemaining
		sess.Prompt = decoded.Prompt
		sess.ReturnState = decoded.ReturnState
		target = decoded.State
	case errors.Is(err, store.ErrNotFound):
		// No checkpoint survived; restart from the beginning.
		sess.Outputs = make(map[string]json.RawMessage)
	default:
		return e.internal("load checkpoint", err)
	}

	sess.State = target
	sess.Failure = nil
	if target == StateSuspended {
		// The failure interrupted a suspension (input timeout); restore
		// the prompt and start a fresh input window.
		sess.SuspendedAt = e.clock()
	} else {
		sess.Prompt = nil
		sess.SuspendedAt = time.Time{}
	}
	if err := e.persistSession(ctx, sess); err != nil {
		return e.internal("persist resumed session", err)
	}
	e.publish(ctx, events.Event{
		SessionID:    sess.ID,
		Kind:         events.KindStateChanged,
		StateChanged: &events.StateChange{From: string(prev), To: string(sess.State)},
	})
	e.logger.Info("session resumed",
		zap.String("session_id", sess.ID),
		zap.String("state", string(sess.State)))

	e.metrics.sessionStarted()
	if sess.State != StateSuspended {
		e.startRun(sess.ID)
	}
	return nil
}

// Recover restarts execution of every non-terminal, non-suspended
// session that has no active run, typically after a process restart.
// Suspended sessions stay parked: their input deadlines are enforced by
// the sweep, and provideInput re-enters them. Returns the ids restarted.
func (e *Engine) Recover(ctx context.Context) ([]string, error) {
	recs, err := e.sessions.ListActive(ctx)
	if err != nil {
		return nil, e.internal("list active sessions", err)
	}
	var restarted []string
	for _, rec := range recs {
		st := State(rec.State)
		if st.Terminal() || st == StateSuspended || st == StateFailed {
			continue
		}
		e.mu.Lock()
		active := e.running[rec.ID] != nil
		e.mu.Unlock()
		if active {
			continue
		}
		e.metrics.sessionStarted()
		e.startRun(rec.ID)
		restarted = append(restarted, rec.ID)
	}
	if len(restarted) > 0 {
		e.logger.Info("recovered sessions", zap.Int("count", len(restarted)))
	}
	return restarted, nil
}

// Cancel requests cooperative cancellation. A running session finishes
// its in-flight invocations first and then transitions to Cancelled; a
// parked session transitions immediately. Cancelling a session that is
// already terminal is a no-op.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	e.mu.Lock()
	cancel := e.running[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel(errCancelRequested)
		return nil
	}

	unlock := e.lockSession(id)
	defer unlock()
	sess, err := e.loadSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return nil
	}
	e.cancelSession(ctx, sess)
	return nil
}

// ProvideInput delivers the user input a suspended session is waiting
// for. The input is validated against the pending prompt's JSON Schema;
// on success the session transitions back to its return state and
// execution continues.
func (e *Engine) ProvideInput(ctx context.Context, id string, input json.RawMessage) error {
	unlock := e.lockSession(id)
	defer unlock()

	sess, err := e.loadSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.State != StateSuspended || sess.Prompt == nil {
		return Errf(KindNotSuspended, "session %s has no outstanding input request (state %s)", id, sess.State)
	}
	if err := validateAgainstSchema(sess.Prompt.Schema, input); err != nil {
		return &Error{Kind: KindInputSchemaMismatch, Message: err.Error(), cause: err}
	}

	def, ok := e.workflows[sess.WorkflowRef]
	if !ok {
		return e.internal("resolve workflow", fmt.Errorf("workflow %q is not registered", sess.WorkflowRef))
	}
	prompt := sess.Prompt
	step, ok := def.step(prompt.StepID)
	if !ok {
		return e.internal("resolve prompted step", fmt.Errorf("step %q not in workflow %q", prompt.StepID, sess.WorkflowRef))
	}

	var completed bool
	switch prompt.Origin {
	case PromptDetection:
		if err := e.resolveDetectionChoice(sess, step, input); err != nil {
			return err
		}
		completed = true
	default:
		// The worker asked; stage the input and re-dispatch the step.
		sess.Outputs[inputKey(step.ID)] = input
	}

	returnState := sess.ReturnState
	if returnState == "" {
		returnState = StateCollectingMetadata
	}
	if !CanTransition(StateSuspended, returnState) {
		return e.internal("resume from suspension", fmt.Errorf("illegal return state %s", returnState))
	}
	sess.State = returnState
	sess.ReturnState = ""
	sess.Prompt = nil
	sess.SuspendedAt = time.Time{}

	if err := e.persistAndCheckpoint(ctx, sess, def); err != nil {
		return e.internal("persist input", err)
	}
	if completed {
		e.publish(ctx, events.Event{
			SessionID: sess.ID,
			Kind:      events.KindStepCompleted,
			Step:      &events.StepInfo{StepID: step.ID, Role: string(step.Role)},
		})
	}
	e.publish(ctx, events.Event{
		SessionID:    sess.ID,
		Kind:         events.KindStateChanged,
		StateChanged: &events.StateChange{From: string(StateSuspended), To: string(returnState)},
	})
	e.logger.Info("input received",
		zap.String("session_id", sess.ID),
		zap.String("step_id", step.ID))

	e.startRun(sess.ID)
	return nil
}

// resolveDetectionChoice folds a user's format choice into the pending
// detection result. Caller holds the session lock.
func (e *Engine) resolveDetectionChoice(sess *Session, step Step, input json.RawMessage) error {
	raw, ok := sess.Outputs[pendingKey(step.ID)]
	if !ok {
		return e.internal("resolve pending detection", fmt.Errorf("no pending detection for step %q", step.ID))
	}
	var pending detect.Result
	if err := json.Unmarshal(raw, &pending); err != nil {
		return e.internal("decode pending detection", err)
	}
	var choice struct {
		Format string `json:"format"`
	}
	if err := json.Unmarshal(input, &choice); err != nil {
		return Errf(KindInputSchemaMismatch, "input must carry a format choice: %v", err)
	}
	resolved, err := e.coordinatorFor(sess).Choose(pending, choice.Format)
	if err != nil {
		return Errf(KindInputSchemaMismatch, "%v", err)
	}
	out, err := json.Marshal(resolved)
	if err != nil {
		return e.internal("encode detection result", err)
	}
	sess.Outputs[step.ID] = out
	delete(sess.Outputs, pendingKey(step.ID))
	return nil
}

// StandaloneValidation asks the evaluation workers to validate an
// existing artifact outside any session.
type StandaloneValidation struct {
	ArtifactRef string   `json:"artifact_ref"`
	Validators  []string `json:"validators,omitempty"`
}

// ValidateStandalone dispatches one evaluation invocation and
// aggregates the responses into a report. A Fail status is a valid
// result, not an error; validator_unavailable is returned only when no
// evaluation worker could produce a response.
func (e *Engine) ValidateStandalone(ctx context.Context, req StandaloneValidation) (validate.Report, error) {
	if req.ArtifactRef == "" {
		return validate.Report{}, Errf(KindInvalidWorkflow, "artifact ref must not be empty")
	}
	payload, err := json.Marshal(struct {
		Artifact   string   `json:"artifact"`
		Validators []string `json:"validators,omitempty"`
	}{Artifact: req.ArtifactRef, Validators: req.Validators})
	if err != nil {
		return validate.Report{}, e.internal("encode validation request", err)
	}

	res, err := e.dispatcher.Dispatch(ctx, dispatch.Job{
		SessionID:     "standalone-" + uuid.NewString(),
		StepID:        "validate",
		Role:          dispatch.RoleEvaluation,
		Payload:       payload,
		CorrelationID: uuid.NewString(),
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrNoPort) {
			return validate.Report{}, Errf(KindValidatorUnavailable, "no evaluation worker registered")
		}
		if ctx.Err() != nil {
			return validate.Report{}, ctx.Err()
		}
		return validate.Report{}, e.internal("dispatch validation", err)
	}
	if res.Outcome.Kind != dispatch.OutcomeOK {
		return validate.Report{}, &Error{
			Kind:      KindValidatorUnavailable,
			Message:   "validation did not complete: " + res.Outcome.Reason,
			Retryable: res.Outcome.Kind == dispatch.OutcomeRetryable,
			Hint:      res.Outcome.Hint,
		}
	}
	responses, err := decodeValidatorResponses(res.Outcome.Payload)
	if err != nil {
		return validate.Report{}, &Error{
			Kind:    KindValidatorUnavailable,
			Message: "unusable validator response: " + err.Error(),
			cause:   err,
		}
	}
	return e.aggregatorFor("", "").Aggregate(responses), nil
}

// ProvFormat selects a provenance serialization.
type ProvFormat string

const (
	ProvTurtle ProvFormat = "text/turtle"
	ProvJSONLD ProvFormat = "application/ld+json"
)

// WriteProvenance streams the session's PROV-O graph to w. Turtle is
// the default serialization.
func (e *Engine) WriteProvenance(ctx context.Context, id string, format ProvFormat, w io.Writer) error {
	if _, err := e.loadSession(ctx, id); err != nil {
		return err
	}
	switch format {
	case ProvJSONLD:
		return provenance.WriteJSONLD(ctx, w, e.provStore, id)
	case ProvTurtle, "":
		return provenance.WriteTurtle(ctx, w, e.provStore, id)
	default:
		return Errf(KindInvalidWorkflow, "unsupported provenance format %q", format)
	}
}

// SubscribeEvents attaches to a session's event stream starting at
// sequence from (0 replays the retained history, events.Latest skips
// it). The reserved stream id "system" carries cross-session events
// such as ConfigChanged.
func (e *Engine) SubscribeEvents(ctx context.Context, id string, from uint64) (*events.Subscription, error) {
	if id != events.SystemStream {
		if _, err := e.loadSession(ctx, id); err != nil {
			return nil, err
		}
	}
	sub, err := e.bus.Subscribe(ctx, id, from)
	if err != nil {
		if errors.Is(err, events.ErrSubscriberOverflow) {
			return nil, Errf(KindSubscriberOverflow, "event history exceeds the subscriber buffer")
		}
		return nil, e.internal("subscribe", err)
	}
	return sub, nil
}

// Workflows lists the registered workflow refs.
func (e *Engine) Workflows() []string {
	refs := make([]string, 0, len(e.workflows))
	for ref := range e.workflows {
		refs = append(refs, ref)
	}
	return refs
}

// loadSession reads and decodes the latest session snapshot.
func (e *Engine) loadSession(ctx context.Context, id string) (*Session, error) {
	rec, err := e.sessions.LoadLatest(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, Errf(KindNotFound, "session %s not found", id)
		}
		return nil, e.internal("load session", err)
	}
	sess, err := sessionFromRecord(rec)
	if err != nil {
		return nil, e.internal("decode session", err)
	}
	return sess, nil
}

// lockSession takes the per-session exclusive mutation lock and returns
// its release function. Lock entries are reclaimed when unused.
func (e *Engine) lockSession(id string) func() {
	e.mu.Lock()
	l := e.locks[id]
	if l == nil {
		l = &sessionLock{}
		e.locks[id] = l
	}
	l.refs++
	e.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.mu.Unlock()
	}
}

// settingsFor resolves the effective configuration for a session,
// falling back to the global snapshot when the overlay resolution
// fails.
func (e *Engine) settingsFor(principal, workflowRef string) config.Config {
	cfg, err := e.conf.Resolve(principal, workflowRef)
	if err != nil {
		e.logger.Warn("failed to resolve layered config, using global",
			zap.String("principal", principal),
			zap.String("workflow", workflowRef),
			zap.Error(err))
		return e.conf.Snapshot().Settings
	}
	return cfg
}

func (e *Engine) coordinatorFor(sess *Session) *detect.Coordinator {
	cfg := e.settingsFor(sess.Principal, sess.WorkflowRef)
	return detect.New(cfg.FormatDetection.AmbiguityThreshold, e.catalog)
}

func (e *Engine) aggregatorFor(principal, workflowRef string) *validate.Aggregator {
	cfg := e.settingsFor(principal, workflowRef)
	return validate.New(cfg.ValidationWeights())
}

// publish appends an event to the log and fans it out. Publish failures
// are logged, never propagated: losing an event must not wedge a
// running workflow.
func (e *Engine) publish(ctx context.Context, ev events.Event) {
	if _, err := e.bus.Publish(ctx, ev); err != nil {
		e.logger.Error("failed to publish event",
			zap.String("session_id", ev.SessionID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
}

// internal logs err with a fresh correlation id and returns the opaque
// internal error carrying that id.
func (e *Engine) internal(op string, err error) *Error {
	correlationID := uuid.NewString()
	e.logger.Error("internal error",
		zap.String("op", op),
		zap.String("correlation_id", correlationID),
		zap.Error(err))
	return internalErr(correlationID, err)
}
