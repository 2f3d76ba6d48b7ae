package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/nworlds/internal/phase"
)

func TestThresholdOracle(t *testing.T) {
	oracle := &ThresholdOracle{NotifyAbove: 3, EscalateAbove: 7, Delay: time.Minute}

	tests := map[string]struct {
		complexity int
		kind       phase.DecisionKind
		delay      time.Duration
	}{
		"trivial":           {complexity: 0, kind: phase.AutoApprove},
		"at notify bound":   {complexity: 3, kind: phase.AutoApprove},
		"above notify":      {complexity: 4, kind: phase.NotifyAndProceed, delay: time.Minute},
		"at escalate bound": {complexity: 7, kind: phase.NotifyAndProceed, delay: time.Minute},
		"above escalate":    {complexity: 8, kind: phase.EscalateToHuman},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			d, err := oracle.Decide(context.Background(), phase.Issue{ID: "i", Complexity: tt.complexity})
			require.NoError(t, err)
			assert.Equal(t, tt.kind, d.Kind)
			assert.Equal(t, tt.delay, d.Delay)
			if tt.kind != phase.AutoApprove {
				assert.NotEmpty(t, d.Reason)
			}
		})
	}
}

func TestThresholdOracleErrors(t *testing.T) {
	_, err := (&ThresholdOracle{NotifyAbove: 5, EscalateAbove: 2}).Decide(context.Background(), phase.Issue{})
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&ThresholdOracle{}).Decide(ctx, phase.Issue{})
	assert.ErrorIs(t, err, context.Canceled)
}
