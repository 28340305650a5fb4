package reconciler

import "github.com/fleetd-io/fleetd/pkg/types"

// rolloutPlan describes how many replicas of a task-group may be replaced
// (terminated so a new version can be placed in its slot) on this tick.
type rolloutPlan struct {
	// MaxReplace bounds how many outdated replicas may be terminated this
	// tick. -1 means unbounded (immediate strategy).
	MaxReplace int
}

// planRollout is the update-strategy gate: it decides how many outdated
// replicas a single tick may replace. Only Rolling and Immediate change
// replacement pacing; Canary and BlueGreen are accepted at admission
// (pkg/registry does not reject them) but are treated identically to
// Rolling here, since a weighted traffic split needs an ingress layer this
// control plane does not own.
// TODO: branch on CanaryWeight here once a traffic splitter exists.
func planRollout(cfg types.UpdateConfig, desiredCount, currentHealthy, outdatedCount int) rolloutPlan {
	switch cfg.Strategy {
	case types.DeployStrategyImmediate:
		return rolloutPlan{MaxReplace: outdatedCount}
	case types.DeployStrategyRolling, types.DeployStrategyCanary, types.DeployStrategyBlueGreen, "":
		return rolloutPlan{MaxReplace: rollingBudget(cfg, desiredCount, currentHealthy, outdatedCount)}
	default:
		return rolloutPlan{MaxReplace: rollingBudget(cfg, desiredCount, currentHealthy, outdatedCount)}
	}
}

// rollingBudget computes how many outdated replicas may be replaced this
// tick without breaching MinHealthy, in batches no larger than Parallelism.
func rollingBudget(cfg types.UpdateConfig, desiredCount, currentHealthy, outdatedCount int) int {
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = 1
	}
	minHealthy := cfg.MinHealthy
	if minHealthy < 0 {
		minHealthy = 0
	}

	headroom := currentHealthy - minHealthy
	if headroom <= 0 {
		return 0
	}

	budget := parallelism
	if headroom < budget {
		budget = headroom
	}
	if outdatedCount < budget {
		budget = outdatedCount
	}
	if budget < 0 {
		budget = 0
	}
	return budget
}
