package workflow

import "github.com/nwbforge/orchestrator/workflow/dispatch"

// State is a session's position in the conversion lifecycle.
type State string

const (
	// StateAnalyzing covers dataset inspection and format detection.
	StateAnalyzing State = "Analyzing"

	// StateCollectingMetadata covers the interactive metadata dialog.
	StateCollectingMetadata State = "CollectingMetadata"

	// StateConverting covers the conversion run itself.
	StateConverting State = "Converting"

	// StateValidating covers post-conversion validation.
	StateValidating State = "Validating"

	// StateSuspended means the session is parked awaiting user input.
	// The pending prompt and the state to return to are recorded on the
	// session.
	StateSuspended State = "Suspended"

	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
	StateCancelled State = "Cancelled"
)

// transitions is the adjacency table every mutation is validated
// against. Two paths bypass it deliberately: resume re-enters the state
// captured by the latest checkpoint (legal from Failed only while the
// failure is retryable), and recovery after a process restart continues
// from the persisted state without a transition.
var transitions = map[State]map[State]bool{
	StateAnalyzing: {
		StateCollectingMetadata: true,
		StateSuspended:          true,
		StateFailed:             true,
		StateCancelled:          true,
	},
	StateCollectingMetadata: {
		StateConverting: true,
		StateSuspended:  true,
		StateFailed:     true,
		StateCancelled:  true,
	},
	StateConverting: {
		StateValidating: true,
		StateFailed:     true,
		StateCancelled:  true,
	},
	StateValidating: {
		StateCompleted: true,
		// Validation-fail recovery loops back to metadata collection
		// while the auto-fix budget lasts.
		StateCollectingMetadata: true,
		StateFailed:             true,
		StateCancelled:          true,
	},
	StateSuspended: {
		StateCollectingMetadata: true,
		StateFailed:             true,
		StateCancelled:          true,
	},
	StateCompleted: {},
	StateFailed:    {},
	StateCancelled: {},
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s accepts no further transitions.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// CanTransition reports whether the transition from from to to is a
// legal edge.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// phaseFor maps an agent role to the session state its steps execute
// under. Internal steps return the empty state and inherit the current
// phase.
func phaseFor(role dispatch.Role) State {
	switch role {
	case dispatch.RoleConversation:
		return StateAnalyzing
	case dispatch.RoleMetadataQuestioner:
		return StateCollectingMetadata
	case dispatch.RoleConversion:
		return StateConverting
	case dispatch.RoleEvaluation:
		return StateValidating
	default:
		return ""
	}
}
