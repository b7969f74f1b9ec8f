package solve

import (
	"fmt"

	"skyplate/internal/errors"
)

// State is the lifecycle position of a session.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State]State{
	StateIdle:    StateRunning,
	StateRunning: StateCompleted,
}

// Transition validates a lifecycle step.
func Transition(from, to State) error {
	if next, ok := transitions[from]; ok && next == to {
		return nil
	}
	return errors.Configurationf("invalid session transition %s -> %s", from, to)
}
