// Package decision decides how far an issue may proceed without a human.
package decision

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/nworlds/internal/log"
	"github.com/aristath/nworlds/internal/phase"
)

// ThresholdOracle grades issues by complexity.
type ThresholdOracle struct {
	NotifyAbove   int           // Complexity above which a human is notified first
	EscalateAbove int           // Complexity above which a human takes over
	Delay         time.Duration // How long a notified human has to intervene
	Logger        log.Logger
}

var _ phase.DecisionOracle = (*ThresholdOracle)(nil)

// Decide implements phase.DecisionOracle.
func (o *ThresholdOracle) Decide(ctx context.Context, issue phase.Issue) (phase.Decision, error) {
	if o.EscalateAbove < o.NotifyAbove {
		return phase.Decision{}, fmt.Errorf("escalation threshold %d is below notification threshold %d", o.EscalateAbove, o.NotifyAbove)
	}
	if err := ctx.Err(); err != nil {
		return phase.Decision{}, err
	}

	var d phase.Decision
	switch c := issue.Complexity; {
	case c > o.EscalateAbove:
		d = phase.Decision{
			Kind:   phase.EscalateToHuman,
			Reason: fmt.Sprintf("complexity %d exceeds %d", c, o.EscalateAbove),
		}
	case c > o.NotifyAbove:
		d = phase.Decision{
			Kind:   phase.NotifyAndProceed,
			Delay:  o.Delay,
			Reason: fmt.Sprintf("complexity %d exceeds %d", c, o.NotifyAbove),
		}
	default:
		d = phase.Decision{Kind: phase.AutoApprove}
	}

	if o.Logger != nil {
		o.Logger.WithCtxValues(ctx).Debugf("Issue %q with complexity %d: %s", issue.ID, issue.Complexity, d.Kind)
	}
	return d, nil
}
