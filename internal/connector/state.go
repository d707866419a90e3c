package connector

import "errors"

var (
	// ErrAlreadyRunning is returned by Start on an active connector.
	ErrAlreadyRunning = errors.New("connector already running")
	// ErrSessionRotate ends a stream session that reached its session
	// limit. It is not counted as a failure.
	ErrSessionRotate = errors.New("stream session rotated")

	ErrInvalidTransition = errors.New("invalid connector state transition")
	ErrNoMode            = errors.New("source implements neither Streamer nor Poller")
)

// State is a connector lifecycle state.
type State uint8

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateError
	StateRestarting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	case StateRestarting:
		return "restarting"
	default:
		return "unknown"
	}
}

// Active reports whether a connector in s owns running goroutines.
func (s State) Active() bool { return s != StateStopped }

// transitions lists the allowed edges; stopped is reachable from any state.
var transitions = map[State][]State{
	StateStopped:    {StateStarting},
	StateStarting:   {StateRunning, StateError},
	StateRunning:    {StateError},
	StateError:      {StateRestarting},
	StateRestarting: {StateRunning, StateError},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	if to == StateStopped || from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
