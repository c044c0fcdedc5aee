package training

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a phase or mode change the state
// machine does not allow.
var ErrInvalidTransition = errors.New("invalid transition")

// Mode is the action-selection regime of the loop.
type Mode int

const (
	// ModeWarmup - weighted random actions while the replay memory fills
	ModeWarmup Mode = iota

	// ModeExplore - epsilon-greedy over the online network
	ModeExplore

	// ModeGreedy - policy-only play, no learning
	ModeGreedy
)

// String returns the string representation of a Mode
func (m Mode) String() string {
	switch m {
	case ModeWarmup:
		return "Warmup"
	case ModeExplore:
		return "Explore"
	case ModeGreedy:
		return "Greedy"
	default:
		return fmt.Sprintf("Unknown(%d)", m)
	}
}

// AllowedTransitions returns the modes this mode can move to
func (m Mode) AllowedTransitions() []Mode {
	switch m {
	case ModeWarmup:
		return []Mode{ModeExplore}
	default:
		return []Mode{}
	}
}

// CanTransitionTo checks if a transition from this mode to target is allowed
func (m Mode) CanTransitionTo(target Mode) bool {
	for _, mode := range m.AllowedTransitions() {
		if mode == target {
			return true
		}
	}
	return false
}

// EpisodePhase tracks where the loop is within the episode cycle
type EpisodePhase int

const (
	// PhaseIdle - before the first reset
	PhaseIdle EpisodePhase = iota

	// PhaseRunning - stepping the environment
	PhaseRunning

	// PhaseDone - the environment reported an episode boundary
	PhaseDone

	// PhaseSolved - running reward crossed the solved threshold; terminal
	PhaseSolved
)

// String returns the string representation of an EpisodePhase
func (p EpisodePhase) String() string {
	switch p {
	case PhaseIdle:
		return "Idle"
	case PhaseRunning:
		return "Running"
	case PhaseDone:
		return "Done"
	case PhaseSolved:
		return "Solved"
	default:
		return fmt.Sprintf("Unknown(%d)", p)
	}
}

// IsTerminal returns true if the run is over
func (p EpisodePhase) IsTerminal() bool {
	return p == PhaseSolved
}

// AllowedTransitions returns the valid phases this phase can transition to
func (p EpisodePhase) AllowedTransitions() []EpisodePhase {
	switch p {
	case PhaseIdle:
		return []EpisodePhase{PhaseRunning}
	case PhaseRunning:
		return []EpisodePhase{PhaseDone, PhaseSolved}
	case PhaseDone:
		return []EpisodePhase{PhaseRunning, PhaseSolved}
	default:
		return []EpisodePhase{}
	}
}

// CanTransitionTo checks if a transition from this phase to the target phase is allowed
func (p EpisodePhase) CanTransitionTo(target EpisodePhase) bool {
	for _, phase := range p.AllowedTransitions() {
		if phase == target {
			return true
		}
	}
	return false
}
