package orchestrator

import "fmt"

type State int

const (
	StateInit State = iota
	StateConfigured
	StateRunning
	StateJoining
	StateFinalizing
	StateClosed
	// StateFailed is terminal for runs that never got past configuration.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConfigured:
		return "CONFIGURED"
	case StateRunning:
		return "RUNNING"
	case StateJoining:
		return "JOINING"
	case StateFinalizing:
		return "FINALIZING"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// forward edges only
var transitions = map[State][]State{
	StateInit:       {StateConfigured, StateFailed},
	StateConfigured: {StateRunning, StateClosed},
	StateRunning:    {StateJoining},
	StateJoining:    {StateFinalizing},
	StateFinalizing: {StateClosed},
}

func (s State) canMoveTo(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("[orchestrator] cannot move from %s to %s", e.From, e.To)
}
