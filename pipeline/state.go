package pipeline

import "fmt"

// State of an import job
type State int

const (
	Idle State = iota
	Resolving
	Streaming
	Compositing
	Finalizing
	Done
	Failed
)

var stateNames = [...]string{"idle", "resolving", "streaming", "compositing", "finalizing", "done", "failed"}

func (s State) String() string {
	if s < Idle || s > Failed {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal states are never left
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// next lists the forward transitions. Failed is reachable from every
// non-terminal state and not listed.
var next = map[State]State{
	Idle:        Resolving,
	Resolving:   Streaming,
	Streaming:   Compositing,
	Compositing: Finalizing,
	Finalizing:  Done,
}

// CanTransition reports whether a job may move from one state to another.
// Streaming to Streaming is the move to the next source after a recoverable error.
func CanTransition(from, to State) bool {
	switch {
	case from.Terminal():
		return false
	case to == Failed:
		return true
	case from == Streaming && to == Streaming:
		return true
	}
	n, ok := next[from]
	return ok && n == to
}
