package reconciler

import (
	"testing"

	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestPlanRolloutImmediateReplacesAllAtOnce(t *testing.T) {
	cfg := types.UpdateConfig{Strategy: types.DeployStrategyImmediate}
	plan := planRollout(cfg, 5, 5, 3)
	assert.Equal(t, 3, plan.MaxReplace)
}

func TestPlanRolloutRollingRespectsParallelism(t *testing.T) {
	cfg := types.UpdateConfig{Strategy: types.DeployStrategyRolling, Parallelism: 2, MinHealthy: 0}
	plan := planRollout(cfg, 5, 5, 5)
	assert.Equal(t, 2, plan.MaxReplace)
}

func TestPlanRolloutRollingRespectsMinHealthy(t *testing.T) {
	cfg := types.UpdateConfig{Strategy: types.DeployStrategyRolling, Parallelism: 5, MinHealthy: 4}
	// Only 4 currently healthy and MinHealthy requires 4 remain: zero headroom.
	plan := planRollout(cfg, 5, 4, 5)
	assert.Equal(t, 0, plan.MaxReplace)
}

func TestPlanRolloutRollingCannotExceedOutdatedCount(t *testing.T) {
	cfg := types.UpdateConfig{Strategy: types.DeployStrategyRolling, Parallelism: 10, MinHealthy: 0}
	plan := planRollout(cfg, 5, 5, 1)
	assert.Equal(t, 1, plan.MaxReplace)
}

func TestPlanRolloutDefaultsToRollingOneAtATime(t *testing.T) {
	cfg := types.UpdateConfig{}
	plan := planRollout(cfg, 5, 5, 5)
	assert.Equal(t, 1, plan.MaxReplace)
}

func TestPlanRolloutCanaryTreatedAsRolling(t *testing.T) {
	cfg := types.UpdateConfig{Strategy: types.DeployStrategyCanary, Parallelism: 1, MinHealthy: 0}
	plan := planRollout(cfg, 3, 3, 3)
	assert.Equal(t, 1, plan.MaxReplace)
}
