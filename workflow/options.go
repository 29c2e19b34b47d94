package workflow

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/nwbforge/orchestrator/config"
	"github.com/nwbforge/orchestrator/workflow/detect"
	"github.com/nwbforge/orchestrator/workflow/dispatch"
	"github.com/nwbforge/orchestrator/workflow/events"
	"github.com/nwbforge/orchestrator/workflow/provenance"
	"github.com/nwbforge/orchestrator/workflow/store"
)

// Option configures an Engine at construction.
type Option func(*Engine)

// WithSessionStore sets the session store. Defaults to the in-memory
// store.
func WithSessionStore(s store.SessionStore) Option {
	return func(e *Engine) { e.sessions = s }
}

// WithCheckpointStore sets the checkpoint store. Defaults to the
// in-memory store.
func WithCheckpointStore(s store.CheckpointStore) Option {
	return func(e *Engine) { e.checkpoints = s }
}

// WithEventLog sets the event log backing the bus. Defaults to an
// in-memory log bounded by the configured retention.
func WithEventLog(l events.Log) Option {
	return func(e *Engine) { e.eventLog = l }
}

// WithProvenanceStore sets the provenance store. Defaults to the
// in-memory store. Recorder tuning beyond the configured degradation
// threshold is passed through opts.
func WithProvenanceStore(s provenance.Store, opts ...provenance.RecorderOption) Option {
	return func(e *Engine) {
		e.provStore = s
		e.recorderOpts = opts
	}
}

// WithDispatcher sets the agent dispatcher. The engine pushes
// configuration-derived tuning into it at construction and on every
// hot reload.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// WithConfig attaches the configuration store. Defaults to a static
// store holding the built-in defaults.
func WithConfig(c *config.Store) Option {
	return func(e *Engine) { e.conf = c }
}

// WithWorkflow registers a workflow definition. Submissions reference
// definitions by ref; submitting an unregistered ref fails with
// invalid_workflow. Definitions are validated during New.
func WithWorkflow(def Definition) Option {
	return func(e *Engine) { e.workflows[def.Ref] = def }
}

// WithDetectionCatalog sets the format-to-interface catalog consulted
// when folding detection results.
func WithDetectionCatalog(c detect.Catalog) Option {
	return func(e *Engine) { e.catalog = c }
}

// WithLogger attaches operational logging.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l.With(zap.String("component", "engine")) }
}

// WithMetrics attaches the Prometheus instrumentation. Pass the same
// value to the dispatcher and event bus so the whole pipeline reports
// into one registry.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer for session run spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.clock = now }
}

// WithSweepInterval sets how often the suspension-timeout and
// expiration sweeps run.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepInterval = d
		}
	}
}
