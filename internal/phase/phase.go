package phase

import (
	"fmt"
	"time"
)

// Phase is the position of an execution in the pipeline. Phases only move
// forward.
type Phase int

const (
	PhaseIssueAnalysis Phase = iota
	PhaseTaskDecomposition
	PhaseSandboxCreation
	PhaseSpeculativeExecution
	PhaseDone
)

func (p Phase) String() string {
	switch p {
	case PhaseIssueAnalysis:
		return "issue_analysis"
	case PhaseTaskDecomposition:
		return "task_decomposition"
	case PhaseSandboxCreation:
		return "sandbox_creation"
	case PhaseSpeculativeExecution:
		return "speculative_execution"
	case PhaseDone:
		return "done"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Transition is one recorded move between phases.
type Transition struct {
	From    Phase     `json:"from"`
	To      Phase     `json:"to"`
	Skipped bool      `json:"skipped,omitempty"` // The target phase had nothing to do
	At      time.Time `json:"at"`
}

// cursor tracks the phase of one execution.
type cursor struct {
	current     Phase
	transitions []Transition
}

func (c *cursor) advance(to Phase, skipped bool) error {
	if to <= c.current {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, c.current, to)
	}
	c.transitions = append(c.transitions, Transition{From: c.current, To: to, Skipped: skipped, At: time.Now()})
	c.current = to
	return nil
}
