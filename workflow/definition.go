package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nwbforge/orchestrator/workflow/dispatch"
)

// Fold selects engine-side post-processing of a step's worker payload.
type Fold string

const (
	// FoldNone stores the worker payload as the step output unchanged.
	FoldNone Fold = ""

	// FoldDetection parses the payload as detector contributions,
	// aggregates them into a format detection result, and suspends for
	// user disambiguation when the result is ambiguous and the step
	// allows suspension.
	FoldDetection Fold = "detection"

	// FoldValidation parses the payload as validator responses,
	// aggregates them into a validation report, and steers the
	// validation-fail recovery loop.
	FoldValidation Fold = "validation"
)

// StepInputs is what an InputBuilder may read when deriving a step's
// request payload. Outputs holds the completed ancestors' outputs keyed
// by step id. UserInput is set only when re-executing a step that
// suspended for input.
type StepInputs struct {
	SessionID  string
	DatasetRef string
	Submitted  json.RawMessage
	Outputs    map[string]json.RawMessage
	UserInput  json.RawMessage
}

// InputBuilder derives a step's request payload. Builders must be pure:
// the same inputs yield the same payload, with no I/O and no session
// mutation.
type InputBuilder func(in StepInputs) (json.RawMessage, error)

// Step is one node of a workflow definition.
type Step struct {
	// ID is unique within the definition. The '#' rune is reserved for
	// engine-internal output keys.
	ID string

	// Role selects the worker the step is dispatched to. Internal steps
	// are evaluated in-process: their built payload becomes their
	// output.
	Role dispatch.Role

	// Needs lists the step ids whose outputs this step depends on.
	Needs []string

	// Timeout overrides the configured per-role invocation timeout.
	Timeout time.Duration

	// Retry overrides the configured retry policy.
	Retry *dispatch.RetryPolicy

	// Suspendable permits the step to park the session with an
	// InputRequired prompt. Only analysis and metadata steps may
	// suspend; the state machine has no suspension edge out of
	// Converting or Validating.
	Suspendable bool

	// Idempotent marks the request safe to deduplicate: repeated
	// dispatches with the same payload within a session are served from
	// the first response.
	Idempotent bool

	// Fold selects engine-side aggregation of the worker payload.
	Fold Fold

	// ArtifactField names the payload field carrying the step's primary
	// artifact reference, surfaced on StepCompleted events and the
	// terminal summary.
	ArtifactField string

	// Build derives the request payload. A nil builder sends the
	// dataset reference and the completed step outputs.
	Build InputBuilder
}

// Definition is an immutable DAG of steps describing one conversion
// workflow. Definitions are registered at engine construction and
// referenced by submissions via Ref.
type Definition struct {
	// Ref is the name submissions use, e.g. "conversion/v1".
	Ref string

	// AutoFixLimit bounds how many times a Fail validation report may
	// loop the session back to metadata collection before the session
	// fails for good.
	AutoFixLimit int

	Steps []Step
}

// Validate checks the definition: non-empty ref and ids, known roles,
// resolvable dependencies, and acyclicity. Violations are reported as
// invalid_workflow errors.
func (d Definition) Validate() error {
	if d.Ref == "" {
		return Errf(KindInvalidWorkflow, "workflow ref must not be empty")
	}
	if len(d.Steps) == 0 {
		return Errf(KindInvalidWorkflow, "workflow %q has no steps", d.Ref)
	}
	byID := make(map[string]Step, len(d.Steps))
	for _, st := range d.Steps {
		if st.ID == "" {
			return Errf(KindInvalidWorkflow, "workflow %q: step with empty id", d.Ref)
		}
		if strings.ContainsRune(st.ID, '#') {
			return Errf(KindInvalidWorkflow, "workflow %q: step id %q: '#' is reserved", d.Ref, st.ID)
		}
		if _, dup := byID[st.ID]; dup {
			return Errf(KindInvalidWorkflow, "workflow %q: duplicate step id %q", d.Ref, st.ID)
		}
		if !st.Role.Valid() {
			return Errf(KindInvalidWorkflow, "workflow %q: step %q: unknown agent role %q", d.Ref, st.ID, st.Role)
		}
		if st.Suspendable {
			if p := phaseFor(st.Role); p != StateAnalyzing && p != StateCollectingMetadata {
				return Errf(KindInvalidWorkflow, "workflow %q: step %q: role %q cannot suspend for input", d.Ref, st.ID, st.Role)
			}
		}
		byID[st.ID] = st
	}
	for _, st := range d.Steps {
		for _, need := range st.Needs {
			if need == st.ID {
				return Errf(KindInvalidWorkflow, "workflow %q: step %q depends on itself", d.Ref, st.ID)
			}
			if _, ok := byID[need]; !ok {
				return Errf(KindInvalidWorkflow, "workflow %q: step %q needs unknown step %q", d.Ref, st.ID, need)
			}
		}
	}
	if cycle := d.findCycle(); len(cycle) > 0 {
		return Errf(KindInvalidWorkflow, "workflow %q: circular dependency among steps %s", d.Ref, strings.Join(cycle, ", "))
	}
	return nil
}

// findCycle runs Kahn's algorithm and returns the step ids left with
// unresolved dependencies, sorted, or nil when the graph is acyclic.
func (d Definition) findCycle() []string {
	indegree := make(map[string]int, len(d.Steps))
	dependents := make(map[string][]string, len(d.Steps))
	for _, st := range d.Steps {
		indegree[st.ID] += 0
		for _, need := range st.Needs {
			indegree[st.ID]++
			dependents[need] = append(dependents[need], st.ID)
		}
	}
	queue := make([]string, 0, len(d.Steps))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if resolved == len(d.Steps) {
		return nil
	}
	var cycle []string
	for id, deg := range indegree {
		if deg > 0 {
			cycle = append(cycle, id)
		}
	}
	sort.Strings(cycle)
	return cycle
}

// step returns the step with the given id.
func (d Definition) step(id string) (Step, bool) {
	for _, st := range d.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return Step{}, false
}

// ready returns the steps whose dependencies are all satisfied and
// whose own output is absent, sorted by step id for deterministic
// scheduling.
func (d Definition) ready(outputs map[string]json.RawMessage) []Step {
	var ready []Step
	for _, st := range d.Steps {
		if _, done := outputs[st.ID]; done {
			continue
		}
		satisfied := true
		for _, need := range st.Needs {
			if _, ok := outputs[need]; !ok {
				satisfied = false
				break
			}
		}
		if satisfied {
			ready = append(ready, st)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	return ready
}

// done reports whether every step has an output.
func (d Definition) done(outputs map[string]json.RawMessage) bool {
	for _, st := range d.Steps {
		if _, ok := outputs[st.ID]; !ok {
			return false
		}
	}
	return true
}

// descendants returns the transitive dependents of the given step ids,
// including the ids themselves.
func (d Definition) descendants(ids ...string) map[string]bool {
	dependents := make(map[string][]string, len(d.Steps))
	for _, st := range d.Steps {
		for _, need := range st.Needs {
			dependents[need] = append(dependents[need], st.ID)
		}
	}
	reached := make(map[string]bool, len(ids))
	queue := append([]string(nil), ids...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reached[id] {
			continue
		}
		reached[id] = true
		queue = append(queue, dependents[id]...)
	}
	return reached
}

// ConversionWorkflow returns the standard four-stage pipeline: format
// detection, interactive metadata collection, conversion, validation.
// The conversion step is idempotent and deduplicated; detection and
// metadata may suspend for user input; one validation-fail recovery
// pass is budgeted.
func ConversionWorkflow() Definition {
	return Definition{
		Ref:          "conversion/v1",
		AutoFixLimit: 1,
		Steps: []Step{
			{
				ID:          "detect",
				Role:        dispatch.RoleConversation,
				Suspendable: true,
				Fold:        FoldDetection,
				Build: func(in StepInputs) (json.RawMessage, error) {
					return json.Marshal(struct {
						Dataset string `json:"dataset"`
					}{Dataset: in.DatasetRef})
				},
			},
			{
				ID:          "metadata",
				Role:        dispatch.RoleMetadataQuestioner,
				Needs:       []string{"detect"},
				Suspendable: true,
				Build: func(in StepInputs) (json.RawMessage, error) {
					return json.Marshal(struct {
						Dataset   string          `json:"dataset"`
						Detection json.RawMessage `json:"detection"`
						Input     json.RawMessage `json:"input,omitempty"`
					}{Dataset: in.DatasetRef, Detection: in.Outputs["detect"], Input: in.Submitted})
				},
			},
			{
				ID:            "convert",
				Role:          dispatch.RoleConversion,
				Needs:         []string{"detect", "metadata"},
				Idempotent:    true,
				ArtifactField: "nwb_file",
				Build: func(in StepInputs) (json.RawMessage, error) {
					var det struct {
						Primary   string `json:"primary"`
						Interface string `json:"interface"`
					}
					if err := json.Unmarshal(in.Outputs["detect"], &det); err != nil {
						return nil, fmt.Errorf("failed to decode detection output: %w", err)
					}
					return json.Marshal(struct {
						Dataset   string          `json:"dataset"`
						Format    string          `json:"format"`
						Interface string          `json:"interface,omitempty"`
						Metadata  json.RawMessage `json:"metadata"`
					}{Dataset: in.DatasetRef, Format: det.Primary, Interface: det.Interface, Metadata: in.Outputs["metadata"]})
				},
			},
			{
				ID:    "validate",
				Role:  dispatch.RoleEvaluation,
				Needs: []string{"convert"},
				Fold:  FoldValidation,
				Build: func(in StepInputs) (json.RawMessage, error) {
					var conv struct {
						NWBFile string `json:"nwb_file"`
					}
					if err := json.Unmarshal(in.Outputs["convert"], &conv); err != nil {
						return nil, fmt.Errorf("failed to decode conversion output: %w", err)
					}
					return json.Marshal(struct {
						Artifact string `json:"artifact"`
					}{Artifact: conv.NWBFile})
				},
			},
		},
	}
}
