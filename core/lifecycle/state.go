package lifecycle

import "fmt"

// State is a session or package lifecycle state.
//
// A session moves Empty -> Loading -> Wiring -> Initialized -> Active ->
// TearingDown -> Empty, repeating Loading through Initialized for each
// package it brings up. A required failure goes from there straight to
// TearingDown. Each
// package moves Empty -> Loading -> Wiring -> Initialized -> Active ->
// TearingDown -> Destroyed, or ends in Absent (optional, never activated)
// or Failed (required, never activated).
type State int

const (
	StateEmpty State = iota
	StateLoading
	StateWiring
	StateInitialized
	StateActive
	StateTearingDown
	StateAbsent
	StateFailed
	StateDestroyed
)

var stateNames = map[State]string{
	StateEmpty:       "empty",
	StateLoading:     "loading",
	StateWiring:      "wiring",
	StateInitialized: "initialized",
	StateActive:      "active",
	StateTearingDown: "tearing_down",
	StateAbsent:      "absent",
	StateFailed:      "failed",
	StateDestroyed:   "destroyed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText renders the state name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Live reports whether a package in this state holds a loaded handle.
func (s State) Live() bool {
	switch s {
	case StateLoading, StateWiring, StateInitialized, StateActive, StateTearingDown:
		return true
	}
	return false
}
