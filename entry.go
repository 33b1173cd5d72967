package scopecache

import "time"

// State is the lifecycle state of one cached scope.
type State int

const (
	StateMissing State = iota
	StateFetching
	StateFresh
	StateStale
	StateInvalidated
)

var stateNames = [...]string{"missing", "fetching", "fresh", "stale", "invalidated"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Entry is a point-in-time view of one scope. Data is nil unless the scope
// holds a payload that belongs to the live epoch and the confirmed identity.
type Entry struct {
	Key        ScopeKey
	Owner      string
	Data       []byte
	FetchedAt  time.Time
	State      State
	Epoch      uint64
	Generation uint64
}

// Transition is delivered to subscribers whenever a scope changes state.
type Transition struct {
	Key   ScopeKey
	From  State
	To    State
	Epoch uint64
	At    time.Time
}
