package task

import "github.com/storeroute/storeroute/pkg/errors"

// State is the lifecycle position of a task.
type State string

const (
	StateRequested  State = "REQUESTED"
	StateQueued     State = "QUEUED"
	StateInProgress State = "IN_PROGRESS"
	StateComplete   State = "COMPLETE"
	StateFailed     State = "FAILED"
)

var transitions = map[State][]State{
	StateRequested:  {StateQueued, StateFailed},
	StateQueued:     {StateInProgress, StateFailed},
	StateInProgress: {StateInProgress, StateComplete, StateFailed},
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns INVALID_STATE_TRANSITION when from -> to is not allowed.
func Transition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return errors.Newf(errors.ErrCodeInvalidStateTransition, "cannot move task from %s to %s", from, to).
		WithComponent("task").
		WithContext("from", string(from)).
		WithContext("to", string(to))
}
