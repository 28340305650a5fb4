// Package autoscaler adjusts a task-group's desired replica count on a
// fixed tick, independent of the scheduler and reconciler: it only ever
// calls JobRegistry.UpdateReplicaCount, leaving placement itself to the
// next reconciler tick.
package autoscaler

import (
	"time"

	"github.com/fleetd-io/fleetd/pkg/types"
)

// PolicyState is everything a Policy needs to decide a new replica target.
type PolicyState struct {
	CurrentReplicas int
	UtilizationBps  int64 // basis points, 0..10_000+
	Now             time.Time
}

// Decision is a Policy's recommended replica count with the reason behind
// it. TargetReplicas equal to CurrentReplicas means no change.
type Decision struct {
	TargetReplicas int
	Reason         string
}

// Policy evaluates one task-group's current state into a replica target.
// Implementations are pure functions of PolicyState plus their own spec;
// hysteresis gating lives in the Autoscaler that calls them, not here, so
// the same policy can be unit-tested without a clock.
type Policy interface {
	Evaluate(state PolicyState) Decision
}

// NewPolicy builds the Policy implementation spec.Kind selects.
func NewPolicy(spec types.AutoscalePolicySpec) Policy {
	switch spec.Kind {
	case types.AutoscaleTargetUtilization:
		return targetUtilizationPolicy{spec: spec}
	case types.AutoscaleScheduled:
		return scheduledPolicy{spec: spec}
	default:
		return thresholdPolicy{spec: spec}
	}
}

func clamp(n, min, max int) int {
	if max > 0 && n > max {
		n = max
	}
	if n < min {
		n = min
	}
	return n
}

// thresholdPolicy scales up by half the current count and down by a quarter
// of it (floor one replica either way) whenever utilization crosses the
// configured thresholds, clamped to [Min, Max].
type thresholdPolicy struct {
	spec types.AutoscalePolicySpec
}

func (p thresholdPolicy) Evaluate(state PolicyState) Decision {
	target := state.CurrentReplicas
	reason := "within thresholds"

	switch {
	case state.UtilizationBps > p.spec.ScaleUpThreshold:
		target = state.CurrentReplicas + stepSize(state.CurrentReplicas, 2)
		reason = "utilization above scale-up threshold"
	case state.UtilizationBps < p.spec.ScaleDownThreshold:
		target = state.CurrentReplicas - stepSize(state.CurrentReplicas, 4)
		reason = "utilization below scale-down threshold"
	}

	return Decision{TargetReplicas: clamp(target, p.spec.Min, p.spec.Max), Reason: reason}
}

// stepSize is ceil(current/divisor) with a floor of one replica, so small
// groups still move and large groups converge in a few actions instead of
// creeping one replica at a time.
func stepSize(current, divisor int) int {
	step := (current + divisor - 1) / divisor
	if step < 1 {
		step = 1
	}
	return step
}

// targetUtilizationPolicy solves for the replica count that would bring
// utilization to spec.TargetUtilization, the way a Kubernetes HPA's
// "desiredReplicas = ceil(currentReplicas * currentUtilization /
// targetUtilization)" formula does, using integer-only arithmetic.
type targetUtilizationPolicy struct {
	spec types.AutoscalePolicySpec
}

func (p targetUtilizationPolicy) Evaluate(state PolicyState) Decision {
	if p.spec.TargetUtilization <= 0 || state.CurrentReplicas == 0 {
		return Decision{TargetReplicas: clamp(state.CurrentReplicas, p.spec.Min, p.spec.Max), Reason: "no target utilization configured"}
	}

	numerator := int64(state.CurrentReplicas) * state.UtilizationBps
	target := int(ceilDiv(numerator, p.spec.TargetUtilization))

	return Decision{
		TargetReplicas: clamp(target, p.spec.Min, p.spec.Max),
		Reason:         "solved for target utilization",
	}
}

func ceilDiv(a, b int64) int64 {
	if b == 0 {
		return a
	}
	if a%b == 0 {
		return a / b
	}
	return a/b + 1
}

// scheduledPolicy looks up the replica count for the ScheduledWindow
// containing state.Now (UTC hour-of-day plus weekday mask); outside any
// configured window it falls back to Min.
type scheduledPolicy struct {
	spec types.AutoscalePolicySpec
}

func (p scheduledPolicy) Evaluate(state PolicyState) Decision {
	now := state.Now.UTC()
	hour := now.Hour()
	weekday := now.Weekday()

	for _, w := range p.spec.Schedule {
		if !inWindow(hour, w.StartHourUTC, w.EndHourUTC) {
			continue
		}
		if !matchesWeekday(weekday, w.Weekdays) {
			continue
		}
		return Decision{TargetReplicas: clamp(w.Replicas, p.spec.Min, p.spec.Max), Reason: "matched scheduled window"}
	}

	return Decision{TargetReplicas: clamp(p.spec.Min, p.spec.Min, p.spec.Max), Reason: "no scheduled window active"}
}

func inWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour < end
	}
	// A window that wraps past midnight, e.g. 22:00-06:00.
	return hour >= start || hour < end
}

func matchesWeekday(day time.Weekday, allowed []time.Weekday) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, d := range allowed {
		if d == day {
			return true
		}
	}
	return false
}
