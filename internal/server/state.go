package server

import (
	"fmt"
	"sync"
)

// State is a step in the process lifecycle. The only legal path is
// Starting, Listening, Draining, Stopped.
type State int32

const (
	StateStarting State = iota
	StateListening
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// next is the single legal successor of each state.
var next = map[State]State{
	StateStarting:  StateListening,
	StateListening: StateDraining,
	StateDraining:  StateStopped,
}

// lifecycle guards the current State. Every change goes through
// transition, which rejects anything off the legal path.
type lifecycle struct {
	mu    sync.Mutex
	state State
}

func (l *lifecycle) get() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *lifecycle) transition(from, to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != from {
		return fmt.Errorf("lifecycle: cannot move to %s from %s (expected %s)", to, l.state, from)
	}
	if next[from] != to || from == StateStopped {
		return fmt.Errorf("lifecycle: illegal transition %s -> %s", from, to)
	}
	l.state = to
	return nil
}
