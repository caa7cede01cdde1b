package core

import (
	"fmt"
	"time"
)

// Phase represents a task's lifecycle state on the factory line.
type Phase string

const (
	// PhaseBacklog holds newly created tasks awaiting planning.
	PhaseBacklog Phase = "backlog"

	// PhaseReady holds planned tasks eligible for dispatch.
	PhaseReady Phase = "ready"

	// PhaseExecuting holds tasks with a running (or parked) agent session.
	PhaseExecuting Phase = "executing"

	// PhaseComplete holds finished tasks.
	PhaseComplete Phase = "complete"

	// PhaseArchived holds tasks removed from the active board.
	PhaseArchived Phase = "archived"
)

// AllPhases returns all phases in board order.
func AllPhases() []Phase {
	return []Phase{PhaseBacklog, PhaseReady, PhaseExecuting, PhaseComplete, PhaseArchived}
}

// ValidPhase checks if a phase string is valid.
func ValidPhase(p Phase) bool {
	switch p {
	case PhaseBacklog, PhaseReady, PhaseExecuting, PhaseComplete, PhaseArchived:
		return true
	default:
		return false
	}
}

// ParsePhase converts a string to a Phase with validation.
func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if !ValidPhase(p) {
		return "", fmt.Errorf("invalid phase: %s", s)
	}
	return p, nil
}

// NormalizeLegacyPhase maps phase values from older on-disk layouts onto the
// current board. Unknown values fall back to backlog.
func NormalizeLegacyPhase(s string) (Phase, bool) {
	if ValidPhase(Phase(s)) {
		return Phase(s), false
	}
	switch s {
	case "planning", "wrapup", "in_progress", "todo":
		return PhaseBacklog, true
	case "done":
		return PhaseComplete, true
	default:
		return PhaseBacklog, true
	}
}

// String returns the string representation of the phase.
func (p Phase) String() string {
	return string(p)
}

// allowedTransitions is the authoritative phase graph.
var allowedTransitions = map[Phase][]Phase{
	PhaseBacklog:   {PhaseReady, PhaseExecuting, PhaseComplete, PhaseArchived},
	PhaseReady:     {PhaseBacklog, PhaseExecuting, PhaseArchived},
	PhaseExecuting: {PhaseBacklog, PhaseReady, PhaseComplete, PhaseArchived},
	PhaseComplete:  {PhaseReady, PhaseExecuting, PhaseArchived},
	PhaseArchived:  {PhaseBacklog, PhaseComplete},
}

// TransitionAllowed reports whether the phase graph permits from → to.
func TransitionAllowed(from, to Phase) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Actor identifies who initiated a phase transition.
type Actor string

const (
	ActorUser   Actor = "user"
	ActorAgent  Actor = "agent"
	ActorSystem Actor = "system"
)

// PhaseTransition is one entry in a task's history.
type PhaseTransition struct {
	From      Phase     `yaml:"from" json:"from"`
	To        Phase     `yaml:"to" json:"to"`
	Timestamp time.Time `yaml:"timestamp" json:"timestamp"`
	Actor     Actor     `yaml:"actor" json:"actor"`
	Reason    string    `yaml:"reason,omitempty" json:"reason,omitempty"`
}
