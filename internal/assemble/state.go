package assemble

import (
	"fmt"
	"slices"
)

// State is a step of a variant build.
type State string

const (
	Pending                 State = "Pending"
	Fetching                State = "Fetching"
	Installing              State = "Installing"
	ConfiguringDependencies State = "ConfiguringDependencies"
	Sealed                  State = "Sealed"

	FetchFailed      State = "FetchFailed"
	InstallFailed    State = "InstallFailed"
	DependencyFailed State = "DependencyFailed"
)

// transitions is the whole state machine. It only moves forward.
var transitions = map[State][]State{
	Pending:                 {Fetching},
	Fetching:                {Installing, FetchFailed},
	Installing:              {ConfiguringDependencies, InstallFailed},
	ConfiguringDependencies: {Sealed, DependencyFailed},
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	_, ok := transitions[s]
	return !ok
}

// Failed reports whether s is one of the failure states.
func (s State) Failed() bool {
	return s == FetchFailed || s == InstallFailed || s == DependencyFailed
}

// failureOf is the failure state reachable from an in-progress state.
func failureOf(s State) State {
	switch s {
	case Pending, Fetching:
		return FetchFailed
	case Installing:
		return InstallFailed
	}
	return DependencyFailed
}

func canTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func mustTransition(from, to State) {
	if !canTransition(from, to) {
		panic(fmt.Sprintf("invalid build state transition %s -> %s", from, to))
	}
}
