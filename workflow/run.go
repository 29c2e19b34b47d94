package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nwbforge/orchestrator/config"
	"github.com/nwbforge/orchestrator/workflow/detect"
	"github.com/nwbforge/orchestrator/workflow/dispatch"
	"github.com/nwbforge/orchestrator/workflow/events"
	"github.com/nwbforge/orchestrator/workflow/provenance"
	"github.com/nwbforge/orchestrator/workflow/store"
	"github.com/nwbforge/orchestrator/workflow/validate"
)

// startRun launches the session's run goroutine unless one is already
// active or the engine is shutting down. The goroutine owns the session
// until it parks (suspension), finishes (terminal state), or is
// interrupted.
func (e *Engine) startRun(id string) {
	e.mu.Lock()
	if e.closed || e.running[id] != nil {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancelCause(e.baseCtx)
	e.running[id] = cancel
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		select {
		case e.slots <- struct{}{}:
		case <-ctx.Done():
			e.abortBeforeStart(ctx, id, cancel)
			return
		}
		defer func() { <-e.slots }()
		e.run(ctx, id, cancel)
	}()
}

// clearRunning deregisters the run before the session lock is released,
// so a caller that observes the lock free can immediately start a new
// run.
func (e *Engine) clearRunning(id string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	delete(e.running, id)
	e.mu.Unlock()
	cancel(nil)
}

// abortBeforeStart handles cancellation that arrives while the run is
// still queued for an execution slot.
func (e *Engine) abortBeforeStart(ctx context.Context, id string, cancel context.CancelCauseFunc) {
	cause := context.Cause(ctx)
	e.clearRunning(id, cancel)
	if !errors.Is(cause, errCancelRequested) {
		return
	}
	unlock := e.lockSession(id)
	defer unlock()
	pctx := context.WithoutCancel(ctx)
	sess, err := e.loadSession(pctx, id)
	if err != nil || sess.State.Terminal() {
		return
	}
	e.cancelSession(pctx, sess)
}

// run drives the session's workflow until it parks or reaches a
// terminal state. Persistence uses a cancellation-immune context so a
// cancel request never loses completed work; only dispatches observe
// the run context.
func (e *Engine) run(ctx context.Context, id string, cancel context.CancelCauseFunc) {
	unlock := e.lockSession(id)
	defer unlock()
	defer e.clearRunning(id, cancel)

	pctx := context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	sess, err := e.loadSession(pctx, id)
	if err != nil {
		e.logger.Error("run aborted: failed to load session",
			zap.String("session_id", id), zap.Error(err))
		return
	}
	if sess.State.Terminal() || sess.State == StateSuspended {
		return
	}
	def, ok := e.workflows[sess.WorkflowRef]
	if !ok {
		e.failSession(pctx, sess, e.internal("run", fmt.Errorf("workflow %q is not registered", sess.WorkflowRef)))
		return
	}
	cfg := e.settingsFor(sess.Principal, sess.WorkflowRef)

	for {
		if ctx.Err() != nil {
			e.interruptRun(ctx, pctx, sess)
			return
		}
		if def.done(sess.Outputs) {
			e.completeSession(pctx, sess)
			return
		}

		target, batch := phaseBatch(def, sess)
		if len(batch) == 0 {
			missing := len(def.Steps) - len(realOutputKeys(sess.Outputs))
			e.failSession(pctx, sess, e.internal("schedule",
				fmt.Errorf("workflow %q has no runnable steps but %d outputs are missing", def.Ref, missing)))
			return
		}
		if !e.advancePhase(pctx, sess, def, target) {
			return
		}

		items := e.dispatchBatch(ctx, pctx, sess, cfg, batch)

		// Fold successes first so sibling work is checkpointed even
		// when another step of the batch failed.
		var intent *suspendIntent
		var failure *Error
		for _, it := range items {
			switch {
			case it.fail != nil:
				if failure == nil {
					failure = it.fail
				}
			case it.err != nil:
				if failure == nil {
					failure = e.classifyDispatchError(it)
				}
			case it.res.Outcome.Kind == dispatch.OutcomeOK:
				in, ferr := e.foldStep(pctx, sess, def, it.step, it.res)
				if ferr != nil && failure == nil {
					failure = ferr
				}
				if in != nil && intent == nil {
					intent = in
				}
			case it.res.Outcome.Kind == dispatch.OutcomeInputRequired:
				in, ferr := inputIntent(it.step, it.res)
				if ferr != nil && failure == nil {
					failure = ferr
				}
				if in != nil && intent == nil {
					intent = in
				}
			default:
				if failure == nil {
					failure = failureFromOutcome(it.step, it.res.Outcome)
				}
			}
		}

		if ctx.Err() != nil {
			e.interruptRun(ctx, pctx, sess)
			return
		}
		if intent != nil {
			e.suspend(pctx, sess, def, cfg, *intent)
			return
		}
		if failure != nil {
			e.failSession(pctx, sess, failure)
			return
		}
	}
}

// interruptRun resolves a cancelled run context: a cancel request
// terminates the session, an engine shutdown leaves it persisted for
// recovery.
func (e *Engine) interruptRun(ctx, pctx context.Context, sess *Session) {
	if errors.Is(context.Cause(ctx), errCancelRequested) {
		e.cancelSession(pctx, sess)
		return
	}
	e.logger.Info("run interrupted by shutdown",
		zap.String("session_id", sess.ID),
		zap.String("state", string(sess.State)))
}

// phaseBatch selects the next batch: the ready steps belonging to the
// earliest pipeline phase among the ready set, ordered by step id.
// Internal steps carry no phase of their own and join whichever batch
// is selected.
func phaseBatch(def Definition, sess *Session) (State, []Step) {
	ready := def.ready(sess.Outputs)
	if len(ready) == 0 {
		return "", nil
	}
	target := State("")
	for _, st := range ready {
		p := phaseFor(st.Role)
		if p == "" {
			continue
		}
		if target == "" || phaseRank(p) < phaseRank(target) {
			target = p
		}
	}
	if target == "" {
		target = sess.State
	}
	var batch []Step
	for _, st := range ready {
		if p := phaseFor(st.Role); p == "" || p == target {
			batch = append(batch, st)
		}
	}
	return target, batch
}

func phaseRank(s State) int {
	switch s {
	case StateAnalyzing:
		return 0
	case StateCollectingMetadata:
		return 1
	case StateConverting:
		return 2
	case StateValidating:
		return 3
	}
	return 4
}

func nextPhase(s State) State {
	switch s {
	case StateAnalyzing:
		return StateCollectingMetadata
	case StateCollectingMetadata:
		return StateConverting
	case StateConverting:
		return StateValidating
	}
	return ""
}

// advancePhase walks the session state forward to the batch's phase,
// one validated transition at a time. A batch whose phase lies behind
// the current state (a step re-running after suspension returned the
// session to CollectingMetadata) runs without a transition. Returns
// false when the run must stop.
func (e *Engine) advancePhase(pctx context.Context, sess *Session, def Definition, target State) bool {
	for sess.State != target && phaseRank(target) > phaseRank(sess.State) {
		next := nextPhase(sess.State)
		if next == "" || !CanTransition(sess.State, next) {
			e.failSession(pctx, sess, e.internal("advance",
				fmt.Errorf("illegal transition %s to %s", sess.State, next)))
			return false
		}
		prev := sess.State
		sess.State = next
		if err := e.persistAndCheckpoint(pctx, sess, def); err != nil {
			e.failSession(pctx, sess, e.internal("persist phase transition", err))
			return false
		}
		e.publish(pctx, events.Event{
			SessionID:    sess.ID,
			Kind:         events.KindStateChanged,
			StateChanged: &events.StateChange{From: string(prev), To: string(next)},
		})
	}
	return true
}

// batchItem pairs a step with its dispatch result. fail is set when the
// job could not be built at all.
type batchItem struct {
	step Step
	res  dispatch.Result
	err  error
	fail *Error
}

// dispatchBatch runs the batch's dispatches concurrently and waits for
// all of them. StepStarted events are published in batch order before
// any result can complete.
func (e *Engine) dispatchBatch(ctx, pctx context.Context, sess *Session, cfg config.Config, batch []Step) []batchItem {
	items := make([]batchItem, len(batch))
	var wg sync.WaitGroup
	for i, step := range batch {
		items[i].step = step
		job, ferr := e.buildJob(pctx, sess, cfg, step)
		if ferr != nil {
			items[i].fail = ferr
			continue
		}
		e.publish(pctx, events.Event{
			SessionID: sess.ID,
			Kind:      events.KindStepStarted,
			Step:      &events.StepInfo{StepID: step.ID, Role: string(step.Role)},
		})
		if step.Role == dispatch.RoleInternal {
			// Internal steps run in-process: the built payload is the
			// step's output.
			items[i].res = dispatch.Result{Outcome: dispatch.Ok(job.Payload)}
			continue
		}
		wg.Add(1)
		go func(i int, job dispatch.Job) {
			defer wg.Done()
			res, err := e.dispatcher.Dispatch(ctx, job)
			items[i].res, items[i].err = res, err
		}(i, job)
	}
	wg.Wait()
	return items
}

// buildJob assembles the dispatch job for a step, resolving its payload
// via the step's input builder and its timeout from configuration.
func (e *Engine) buildJob(pctx context.Context, sess *Session, cfg config.Config, step Step) (dispatch.Job, *Error) {
	userInput := sess.Outputs[inputKey(step.ID)]
	payload, err := buildPayload(sess, step, userInput)
	if err != nil {
		return dispatch.Job{}, &Error{
			Kind:    KindAgentPermanentFailure,
			Message: fmt.Sprintf("failed to build input for step %q: %v", step.ID, err),
			StepID:  step.ID,
			Role:    string(step.Role),
			cause:   err,
		}
	}
	timeout := step.Timeout
	if timeout <= 0 {
		if d, ok := cfg.Agent.Timeout.Roles[string(step.Role)]; ok {
			timeout = d.Std()
		} else {
			timeout = cfg.Agent.Timeout.Default.Std()
		}
	}
	sessionID, stepID := sess.ID, step.ID
	return dispatch.Job{
		SessionID:     sess.ID,
		StepID:        step.ID,
		Role:          step.Role,
		Payload:       payload,
		Input:         userInput,
		Timeout:       timeout,
		Retry:         step.Retry,
		Idempotent:    step.Idempotent,
		CorrelationID: uuid.NewString(),
		OnProgress: func(fraction float64, message string) {
			e.publish(pctx, events.Event{
				SessionID: sessionID,
				Kind:      events.KindStepProgress,
				Progress:  &events.Progress{StepID: stepID, Fraction: fraction, Message: message},
			})
		},
	}, nil
}

func buildPayload(sess *Session, step Step, userInput json.RawMessage) (json.RawMessage, error) {
	in := StepInputs{
		SessionID:  sess.ID,
		DatasetRef: sess.DatasetRef,
		Submitted:  sess.Submitted,
		Outputs:    sess.Outputs,
		UserInput:  userInput,
	}
	if step.Build != nil {
		return step.Build(in)
	}
	outs := make(map[string]json.RawMessage)
	for _, k := range realOutputKeys(sess.Outputs) {
		outs[k] = sess.Outputs[k]
	}
	return json.Marshal(struct {
		Dataset string                     `json:"dataset"`
		Outputs map[string]json.RawMessage `json:"outputs,omitempty"`
	}{Dataset: sess.DatasetRef, Outputs: outs})
}

func (e *Engine) classifyDispatchError(it batchItem) *Error {
	if errors.Is(it.err, dispatch.ErrNoPort) {
		return &Error{
			Kind:      KindAgentUnavailable,
			Message:   fmt.Sprintf("no worker registered for role %s", it.step.Role),
			Retryable: true,
			StepID:    it.step.ID,
			Role:      string(it.step.Role),
			cause:     it.err,
		}
	}
	return e.internal("dispatch step "+it.step.ID, it.err)
}

// failureFromOutcome maps an exhausted or permanent worker outcome to
// the error taxonomy.
func failureFromOutcome(step Step, out dispatch.Outcome) *Error {
	if out.Kind == dispatch.OutcomePermanent {
		return &Error{
			Kind:    KindAgentPermanentFailure,
			Message: fmt.Sprintf("step %q failed permanently: %s", step.ID, out.Reason),
			StepID:  step.ID,
			Role:    string(step.Role),
			Hint:    out.Hint,
		}
	}
	kind := KindAgentUnavailable
	switch out.ErrorKind {
	case "timeout":
		kind = KindTimeout
	case "circuit_open":
		kind = KindCircuitOpen
	}
	return &Error{
		Kind:      kind,
		Message:   fmt.Sprintf("step %q failed after retries: %s", step.ID, out.Reason),
		Retryable: true,
		StepID:    step.ID,
		Role:      string(step.Role),
		Hint:      out.Hint,
	}
}

// suspendIntent is a deferred suspension: folds and outcome handling
// produce it, the run loop acts on it after sibling results are folded.
type suspendIntent struct {
	step    Step
	origin  PromptOrigin
	schema  json.RawMessage
	timeout time.Duration
	message string
}

func inputIntent(step Step, res dispatch.Result) (*suspendIntent, *Error) {
	if !step.Suspendable {
		return nil, &Error{
			Kind:    KindAgentPermanentFailure,
			Message: fmt.Sprintf("step %q requested user input from a non-interactive stage", step.ID),
			StepID:  step.ID,
			Role:    string(step.Role),
		}
	}
	in := &suspendIntent{step: step, origin: PromptWorker, message: res.Outcome.Reason}
	if res.Outcome.Prompt != nil {
		in.schema = res.Outcome.Prompt.Schema
		in.timeout = res.Outcome.Prompt.Timeout
	}
	return in, nil
}

// foldStep folds a successful outcome into the session: applies the
// step's fold (detection scoring, validation aggregation), records the
// output, checkpoints, and emits StepCompleted. A detection fold may
// instead return a suspension intent for ambiguity resolution.
func (e *Engine) foldStep(ctx context.Context, sess *Session, def Definition, step Step, res dispatch.Result) (*suspendIntent, *Error) {
	output := res.Outcome.Payload

	switch step.Fold {
	case FoldDetection:
		contribs, err := decodeContributions(output)
		if err != nil {
			return nil, &Error{
				Kind:    KindAgentPermanentFailure,
				Message: fmt.Sprintf("step %q returned an unusable detection payload: %v", step.ID, err),
				StepID:  step.ID,
				Role:    string(step.Role),
				cause:   err,
			}
		}
		result, err := e.coordinatorFor(sess).Detect(contribs)
		if err != nil {
			return nil, &Error{
				Kind:    KindAgentPermanentFailure,
				Message: fmt.Sprintf("format detection failed: %v", err),
				StepID:  step.ID,
				Role:    string(step.Role),
				cause:   err,
			}
		}
		if result.Ambiguous {
			raw, merr := json.Marshal(result)
			if merr != nil {
				return nil, e.internal("encode pending detection", merr)
			}
			schema, merr := detectionChoiceSchema(result.Candidates)
			if merr != nil {
				return nil, e.internal("build disambiguation schema", merr)
			}
			sess.Outputs[pendingKey(step.ID)] = raw
			if ferr := e.recordStepProvenance(ctx, sess, step, res, map[string]string{"ambiguous": "true"}); ferr != nil {
				return nil, ferr
			}
			return &suspendIntent{
				step:   step,
				origin: PromptDetection,
				schema: schema,
				message: fmt.Sprintf("format detection is ambiguous between %s; choose one",
					strings.Join(candidateFormats(result.Candidates), ", ")),
			}, nil
		}
		raw, merr := json.Marshal(result)
		if merr != nil {
			return nil, e.internal("encode detection result", merr)
		}
		output = raw

	case FoldValidation:
		responses, err := decodeValidatorResponses(output)
		if err != nil {
			return nil, &Error{
				Kind:    KindAgentPermanentFailure,
				Message: fmt.Sprintf("step %q returned an unusable validation payload: %v", step.ID, err),
				StepID:  step.ID,
				Role:    string(step.Role),
				cause:   err,
			}
		}
		report := e.aggregatorFor(sess.Principal, sess.WorkflowRef).Aggregate(responses)
		if report.Failed() {
			if ferr := e.recordStepProvenance(ctx, sess, step, res, map[string]string{"verdict": string(report.Status)}); ferr != nil {
				return nil, ferr
			}
			if sess.AutoFixRemaining > 0 {
				return nil, e.autoFix(ctx, sess, def, step, report)
			}
			score := report.Score
			sess.ValidationStatus = string(report.Status)
			sess.QualityScore = &score
			return nil, &Error{
				Kind: KindValidationFailed,
				Message: fmt.Sprintf("validation failed with %d critical and %d error issues",
					report.CountsBySeverity(validate.SeverityCritical),
					report.CountsBySeverity(validate.SeverityError)),
				StepID: step.ID,
				Role:   string(step.Role),
				Hint:   "inspect the validation report and resubmit with corrected metadata",
			}
		}
		score := report.Score
		sess.ValidationStatus = string(report.Status)
		sess.QualityScore = &score
		raw, merr := json.Marshal(report)
		if merr != nil {
			return nil, e.internal("encode validation report", merr)
		}
		output = raw
	}

	sess.Outputs[step.ID] = output
	delete(sess.Outputs, inputKey(step.ID))
	if step.ArtifactField != "" {
		captureArtifact(sess, step, output)
	}
	if err := e.persistAndCheckpoint(ctx, sess, def); err != nil {
		return nil, e.internal("persist step output", err)
	}
	e.publish(ctx, events.Event{
		SessionID: sess.ID,
		Kind:      events.KindStepCompleted,
		Step: &events.StepInfo{
			StepID:    step.ID,
			Role:      string(step.Role),
			Attempt:   len(res.Invocations),
			OutputRef: outputRef(sess, step),
		},
	})
	return nil, e.recordStepProvenance(ctx, sess, step, res, nil)
}

// autoFix rolls the session back to metadata collection after a failed
// validation, clearing the outputs of every step from that phase onward
// so they re-run. Detection results survive the rollback.
func (e *Engine) autoFix(ctx context.Context, sess *Session, def Definition, step Step, report validate.Report) *Error {
	sess.AutoFixRemaining--

	var roots []string
	for _, st := range def.Steps {
		if phaseRank(phaseFor(st.Role)) >= phaseRank(StateCollectingMetadata) {
			roots = append(roots, st.ID)
		}
	}
	for id := range def.descendants(roots...) {
		delete(sess.Outputs, id)
		delete(sess.Outputs, inputKey(id))
		delete(sess.Outputs, pendingKey(id))
	}

	prev := sess.State
	if !CanTransition(prev, StateCollectingMetadata) {
		return e.internal("auto-fix", fmt.Errorf("illegal transition %s to %s", prev, StateCollectingMetadata))
	}
	sess.State = StateCollectingMetadata
	if err := e.persistAndCheckpoint(ctx, sess, def); err != nil {
		return e.internal("persist auto-fix rollback", err)
	}
	e.publish(ctx, events.Event{
		SessionID: sess.ID,
		Kind:      events.KindError,
		Failure: &events.Failure{
			Severity:    "warning",
			Kind:        string(KindValidationFailed),
			Recoverable: true,
			StepID:      step.ID,
			Role:        string(step.Role),
			Message: fmt.Sprintf("validation failed (score %d); retrying from metadata collection, %d auto-fix attempts left",
				report.Score, sess.AutoFixRemaining),
		},
	})
	e.publish(ctx, events.Event{
		SessionID:    sess.ID,
		Kind:         events.KindStateChanged,
		StateChanged: &events.StateChange{From: string(prev), To: string(StateCollectingMetadata)},
	})
	e.logger.Warn("validation failed, rolling back for auto-fix",
		zap.String("session_id", sess.ID),
		zap.Int("score", report.Score),
		zap.Int("attempts_left", sess.AutoFixRemaining))
	return nil
}

// suspend parks the session pending user input. The ordering is fixed:
// persist, checkpoint, InputRequired event, then StateChanged.
func (e *Engine) suspend(ctx context.Context, sess *Session, def Definition, cfg config.Config, in suspendIntent) {
	timeout := in.timeout
	if timeout <= 0 {
		timeout = cfg.Session.Suspend.InputTimeout.Std()
	}
	prev := sess.State
	sess.State = StateSuspended
	sess.ReturnState = StateCollectingMetadata
	sess.Prompt = &PendingPrompt{
		StepID:  in.step.ID,
		Origin:  in.origin,
		Schema:  in.schema,
		Timeout: timeout,
		Message: in.message,
	}
	sess.SuspendedAt = e.clock()
	if err := e.persistAndCheckpoint(ctx, sess, def); err != nil {
		e.failSession(ctx, sess, e.internal("persist suspension", err))
		return
	}
	e.metrics.promptRaised()
	e.publish(ctx, events.Event{
		SessionID: sess.ID,
		Kind:      events.KindInputRequired,
		Prompt:    &events.Prompt{StepID: in.step.ID, Schema: in.schema, Timeout: timeout},
	})
	e.publish(ctx, events.Event{
		SessionID:    sess.ID,
		Kind:         events.KindStateChanged,
		StateChanged: &events.StateChange{From: string(prev), To: string(StateSuspended)},
	})
	e.logger.Info("session suspended for input",
		zap.String("session_id", sess.ID),
		zap.String("step_id", in.step.ID),
		zap.Duration("timeout", timeout))
}

func (e *Engine) completeSession(ctx context.Context, sess *Session) {
	prev := sess.State
	sess.State = StateCompleted
	sess.Prompt = nil
	if err := e.persistSession(ctx, sess); err != nil {
		e.logger.Error("failed to persist completion",
			zap.String("session_id", sess.ID), zap.Error(err))
		return
	}
	e.metrics.sessionFinished(StateCompleted)
	e.publish(ctx, events.Event{
		SessionID:    sess.ID,
		Kind:         events.KindStateChanged,
		StateChanged: &events.StateChange{From: string(prev), To: string(StateCompleted)},
	})
	e.publish(ctx, events.Event{
		SessionID: sess.ID,
		Kind:      events.KindCompleted,
		Summary: &events.Summary{
			FinalState:       string(StateCompleted),
			ArtifactRef:      sess.ArtifactRef,
			ValidationStatus: sess.ValidationStatus,
			QualityScore:     sess.QualityScore,
		},
	})
	e.logger.Info("session completed",
		zap.String("session_id", sess.ID),
		zap.String("artifact", sess.ArtifactRef),
		zap.String("validation_status", sess.ValidationStatus),
		zap.Intp("quality_score", sess.QualityScore))
}

func (e *Engine) failSession(ctx context.Context, sess *Session, werr *Error) {
	prev := sess.State
	sess.State = StateFailed
	sess.Failure = werr
	sess.Prompt = nil
	sess.SuspendedAt = time.Time{}
	if err := e.persistSession(ctx, sess); err != nil {
		e.logger.Error("failed to persist failure",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	e.metrics.sessionFinished(StateFailed)
	fail := failureEvent(werr)
	e.publish(ctx, events.Event{
		SessionID:    sess.ID,
		Kind:         events.KindStateChanged,
		StateChanged: &events.StateChange{From: string(prev), To: string(StateFailed)},
	})
	e.publish(ctx, events.Event{
		SessionID: sess.ID,
		Kind:      events.KindError,
		Failure:   fail,
	})
	e.publish(ctx, events.Event{
		SessionID: sess.ID,
		Kind:      events.KindCompleted,
		Summary: &events.Summary{
			FinalState:       string(StateFailed),
			ArtifactRef:      sess.ArtifactRef,
			ValidationStatus: sess.ValidationStatus,
			QualityScore:     sess.QualityScore,
			Failure:          fail,
		},
	})
	e.logger.Warn("session failed",
		zap.String("session_id", sess.ID),
		zap.String("kind", string(werr.Kind)),
		zap.Bool("retryable", werr.Retryable),
		zap.String("message", werr.Message))
}

func (e *Engine) cancelSession(ctx context.Context, sess *Session) {
	prev := sess.State
	sess.State = StateCancelled
	sess.Prompt = nil
	sess.SuspendedAt = time.Time{}
	if err := e.persistSession(ctx, sess); err != nil {
		e.logger.Error("failed to persist cancellation",
			zap.String("session_id", sess.ID), zap.Error(err))
	}
	e.metrics.sessionFinished(StateCancelled)
	e.publish(ctx, events.Event{
		SessionID:    sess.ID,
		Kind:         events.KindStateChanged,
		StateChanged: &events.StateChange{From: string(prev), To: string(StateCancelled)},
	})
	e.publish(ctx, events.Event{
		SessionID: sess.ID,
		Kind:      events.KindCompleted,
		Summary:   &events.Summary{FinalState: string(StateCancelled)},
	})
	e.logger.Info("session cancelled", zap.String("session_id", sess.ID))
}

func failureEvent(werr *Error) *events.Failure {
	return &events.Failure{
		Severity:      "error",
		Kind:          string(werr.Kind),
		Recoverable:   werr.Retryable,
		StepID:        werr.StepID,
		Role:          werr.Role,
		Message:       werr.Message,
		Hint:          werr.Hint,
		CorrelationID: werr.CorrelationID,
	}
}

// persistSession writes the session with an optimistic version check
// and refreshes its TTL.
func (e *Engine) persistSession(ctx context.Context, sess *Session) error {
	cfg := e.settingsFor(sess.Principal, sess.WorkflowRef)
	now := e.clock()
	sess.UpdatedAt = now
	sess.ExpiresAt = now.Add(cfg.Session.Expire.After.Std())
	rec, err := sess.record()
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	version, err := e.sessions.Persist(ctx, rec, sess.Version)
	if err != nil {
		return err
	}
	sess.Version = version
	return nil
}

// persistAndCheckpoint persists the session and then appends a
// checkpoint carrying the same version. Checkpoints precede the events
// that announce them.
func (e *Engine) persistAndCheckpoint(ctx context.Context, sess *Session, def Definition) error {
	if err := e.persistSession(ctx, sess); err != nil {
		return err
	}
	cp := checkpointFrom(sess, def)
	rec, err := cp.Record(sess.ID, sess.Version, e.clock())
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return e.checkpoints.Append(ctx, rec)
}

func captureArtifact(sess *Session, step Step, output json.RawMessage) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(output, &fields); err != nil {
		return
	}
	raw, ok := fields[step.ArtifactField]
	if !ok {
		return
	}
	var ref string
	if err := json.Unmarshal(raw, &ref); err == nil && ref != "" {
		sess.ArtifactRef = ref
	}
}

func outputRef(sess *Session, step Step) string {
	if step.ArtifactField != "" && sess.ArtifactRef != "" {
		return sess.ArtifactRef
	}
	return ""
}

// recordStepProvenance appends the step's activity record with one
// nested attempt per invocation. Deduped results carry no invocations
// and record nothing; the original execution already did.
func (e *Engine) recordStepProvenance(ctx context.Context, sess *Session, step Step, res dispatch.Result, attrs map[string]string) *Error {
	if len(res.Invocations) == 0 {
		return nil
	}
	first := res.Invocations[0]
	last := res.Invocations[len(res.Invocations)-1]
	rec := provenance.Record{
		SessionID: sess.ID,
		StepID:    step.ID,
		Activity:  provenance.ActivityURI(sess.ID, step.ID),
		Agent: provenance.Agent{
			URI:      provenance.AgentURI(string(step.Role), last.Instance),
			Role:     string(step.Role),
			Instance: last.Instance,
		},
		StartedAt:  first.StartedAt,
		EndedAt:    last.EndedAt,
		Attributes: attrs,
	}
	rec.Used = append(rec.Used, provenance.Entity{
		URI:   provenance.EntityURI(sess.ID, "dataset"),
		Label: sess.DatasetRef,
	})
	for _, dep := range step.Needs {
		rec.Used = append(rec.Used, provenance.Entity{URI: provenance.EntityURI(sess.ID, dep)})
	}
	generated := provenance.Entity{URI: provenance.EntityURI(sess.ID, step.ID)}
	if step.ArtifactField != "" && sess.ArtifactRef != "" {
		generated.Label = sess.ArtifactRef
	}
	rec.Generated = append(rec.Generated, generated)
	for _, inv := range res.Invocations {
		rec.Attempts = append(rec.Attempts, provenance.Attempt{
			InvocationID: inv.ID,
			Number:       inv.Attempt,
			StartedAt:    inv.StartedAt,
			EndedAt:      inv.EndedAt,
			Outcome:      string(inv.Outcome),
		})
	}
	if err := e.recorder.Record(ctx, rec); err != nil {
		return &Error{
			Kind:      KindProvenanceDegraded,
			Message:   "provenance recording failed: " + err.Error(),
			Retryable: true,
			StepID:    step.ID,
			cause:     err,
		}
	}
	return nil
}

// sweepLoop periodically enforces suspension deadlines and session
// TTLs.
func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepSuspended(ctx)
			e.sweepExpired(ctx)
		}
	}
}

// sweepSuspended fails suspended sessions whose input deadline passed.
// The failure is retryable: resume restores the suspension checkpoint
// and re-arms the prompt.
func (e *Engine) sweepSuspended(ctx context.Context) {
	recs, err := e.sessions.List(ctx, store.Filter{States: []string{string(StateSuspended)}})
	if err != nil {
		e.logger.Error("suspension sweep failed", zap.Error(err))
		return
	}
	now := e.clock()
	for _, rec := range recs {
		e.expireSuspension(ctx, rec.ID, now)
	}
}

func (e *Engine) expireSuspension(ctx context.Context, id string, now time.Time) {
	unlock := e.lockSession(id)
	defer unlock()

	sess, err := e.loadSession(ctx, id)
	if err != nil || sess.State != StateSuspended || sess.Prompt == nil {
		return
	}
	if now.Before(sess.SuspendedAt.Add(sess.Prompt.Timeout)) {
		return
	}
	e.failSession(ctx, sess, &Error{
		Kind:      KindTimeout,
		Message:   fmt.Sprintf("no user input received for step %q within %s", sess.Prompt.StepID, sess.Prompt.Timeout),
		Retryable: true,
		StepID:    sess.Prompt.StepID,
	})
}

// sweepExpired purges sessions past their TTL together with their
// events, provenance and dedup state. Checkpoints are removed by the
// store alongside the session.
func (e *Engine) sweepExpired(ctx context.Context) {
	ids, err := e.sessions.Expire(ctx, e.clock())
	if err != nil {
		e.logger.Error("expiry sweep failed", zap.Error(err))
		return
	}
	if len(ids) == 0 {
		return
	}
	for _, id := range ids {
		if err := e.eventLog.Purge(ctx, id); err != nil {
			e.logger.Warn("failed to purge events of expired session",
				zap.String("session_id", id), zap.Error(err))
		}
		if err := e.provStore.Purge(ctx, id); err != nil {
			e.logger.Warn("failed to purge provenance of expired session",
				zap.String("session_id", id), zap.Error(err))
		}
		e.dispatcher.ForgetSession(id)
	}
	e.metrics.sessionExpired(len(ids))
	e.logger.Info("expired sessions purged", zap.Int("count", len(ids)))
}

// validateAgainstSchema checks a user input document against the
// pending prompt's JSON Schema.
func validateAgainstSchema(schemaRaw, input json.RawMessage) error {
	if len(schemaRaw) == 0 {
		return nil
	}
	var schemaDoc any
	if err := json.Unmarshal(schemaRaw, &schemaDoc); err != nil {
		return fmt.Errorf("invalid prompt schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("prompt.json", schemaDoc); err != nil {
		return fmt.Errorf("failed to add prompt schema: %w", err)
	}
	schema, err := c.Compile("prompt.json")
	if err != nil {
		return fmt.Errorf("failed to compile prompt schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("input does not satisfy the prompt schema: %w", err)
	}
	return nil
}

// detectionChoiceSchema builds the disambiguation prompt schema: an
// object with a single required "format" property restricted to the
// candidate formats.
func detectionChoiceSchema(candidates []detect.Candidate) (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"format": map[string]any{
				"type": "string",
				"enum": candidateFormats(candidates),
			},
		},
		"required":             []string{"format"},
		"additionalProperties": false,
	})
}

func candidateFormats(candidates []detect.Candidate) []string {
	formats := make([]string, 0, len(candidates))
	for _, c := range candidates {
		formats = append(formats, c.Format)
	}
	return formats
}

// decodeContributions accepts either a bare contribution array or an
// object wrapping it under "contributions".
func decodeContributions(payload json.RawMessage) ([]detect.Contribution, error) {
	var wrapper struct {
		Contributions []detect.Contribution `json:"contributions"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && len(wrapper.Contributions) > 0 {
		return wrapper.Contributions, nil
	}
	var list []detect.Contribution
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("payload carries no detector contributions: %w", err)
	}
	return list, nil
}

// decodeValidatorResponses accepts either a bare response array or an
// object wrapping it under "validators".
func decodeValidatorResponses(payload json.RawMessage) ([]validate.ValidatorResponse, error) {
	var wrapper struct {
		Validators []validate.ValidatorResponse `json:"validators"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && len(wrapper.Validators) > 0 {
		return wrapper.Validators, nil
	}
	var list []validate.ValidatorResponse
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("payload carries no validator responses: %w", err)
	}
	return list, nil
}
