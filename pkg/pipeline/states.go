package pipeline

import (
	"fmt"

	"github.com/modelyard/modelyard/pkg/errdef"
	"github.com/modelyard/modelyard/pkg/registry"
)

// State is a pipeline run state. Values match the catalog's run rows so
// states round-trip through the database without translation.
type State string

// Pipeline run states, in stage order.
const (
	StatePending       State = registry.RunStatePending
	StatePreprocessing State = registry.RunStatePreprocessing
	StateTraining      State = registry.RunStateTraining
	StateValidating    State = registry.RunStateValidating
	StateDeploying     State = registry.RunStateDeploying
	StateCompleted     State = registry.RunStateCompleted
	StateFailed        State = registry.RunStateFailed
	StateCancelled     State = registry.RunStateCancelled
)

// Terminal reports whether the state accepts no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}

	return false
}

// validNext holds the forward edges of the run state machine. Validating
// has two successors because a run without a deploy stage completes
// directly. Failure and cancellation edges live in Transition since every
// non-terminal state has them.
var validNext = map[State][]State{
	StatePending:       {StatePreprocessing},
	StatePreprocessing: {StateTraining},
	StateTraining:      {StateValidating},
	StateValidating:    {StateDeploying, StateCompleted},
	StateDeploying:     {StateCompleted},
}

// Transition validates a state change. Terminal states reject every
// transition; any non-terminal state may move to failed or cancelled.
func Transition(from, to State) error {
	if from.Terminal() {
		return fmt.Errorf("%w: run is %s", errdef.ErrAlreadyTerminal, from)
	}

	if to == StateFailed || to == StateCancelled {
		return nil
	}

	for _, next := range validNext[from] {
		if next == to {
			return nil
		}
	}

	return fmt.Errorf("%w: cannot move run from %s to %s", errdef.ErrConflict, from, to)
}
