package ingest

// State is the lifecycle stage of one ingestion.
type State string

const (
	StateReceived  State = "received"
	StateParsed    State = "parsed"
	StateChunked   State = "chunked"
	StateEmbedding State = "embedding"
	StateStored    State = "stored"
	StateDone      State = "done"
	StateFailed    State = "failed"
)

var transitions = map[State]State{
	StateReceived:  StateParsed,
	StateParsed:    StateChunked,
	StateChunked:   StateEmbedding,
	StateEmbedding: StateStored,
	StateStored:    StateDone,
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransitionTo reports whether next directly follows s. Failed is
// reachable from every non-terminal state.
func (s State) CanTransitionTo(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	return transitions[s] == next
}
