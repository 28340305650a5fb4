package scheduler

import (
	"testing"

	"github.com/fleetd-io/fleetd/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestEvaluateConstraintEquals(t *testing.T) {
	n := types.Node{Datacenter: "dc1"}
	assert.True(t, evaluateConstraint(n, types.Constraint{Kind: types.ConstraintEquals, Key: "datacenter", Values: []string{"dc1"}}))
	assert.False(t, evaluateConstraint(n, types.Constraint{Kind: types.ConstraintEquals, Key: "datacenter", Values: []string{"dc2"}}))
}

func TestEvaluateConstraintNotEquals(t *testing.T) {
	n := types.Node{Region: "us-east"}
	assert.True(t, evaluateConstraint(n, types.Constraint{Kind: types.ConstraintNotEquals, Key: "region", Values: []string{"us-west"}}))
	assert.False(t, evaluateConstraint(n, types.Constraint{Kind: types.ConstraintNotEquals, Key: "region", Values: []string{"us-east"}}))
}

func TestEvaluateConstraintSetContainsAny(t *testing.T) {
	n := types.Node{Labels: map[string]string{"disk": "ssd"}}
	c := types.Constraint{Kind: types.ConstraintSetContainsAny, Key: "disk", Values: []string{"hdd", "ssd"}}
	assert.True(t, evaluateConstraint(n, c))

	c.Values = []string{"hdd"}
	assert.False(t, evaluateConstraint(n, c))
}

func TestEvaluateConstraintRegexMatch(t *testing.T) {
	n := types.Node{Labels: map[string]string{"rack": "rack-42"}}
	c := types.Constraint{Kind: types.ConstraintRegexMatch, Key: "rack", Values: []string{"^rack-[0-9]+$"}}
	assert.True(t, evaluateConstraint(n, c))

	c.Values = []string{"^row-"}
	assert.False(t, evaluateConstraint(n, c))
}

func TestEvaluateConstraintVersionRange(t *testing.T) {
	n := types.Node{VersionTier: "v3"}
	c := types.Constraint{Kind: types.ConstraintVersionRange, Key: "version_tier", Values: []string{"v1", "v5"}}
	assert.True(t, evaluateConstraint(n, c))

	c.Values = []string{"v4", "v5"}
	assert.False(t, evaluateConstraint(n, c))
}

func TestBinPackScoreFavorsFullerNode(t *testing.T) {
	capacity := types.Resources{CPUMillicores: 1000, MemoryMiB: 1000}
	req := types.ResourceRequest{CPUMillicores: 100, MemoryMiB: 100}

	// A node already 80% used scores higher than one that's empty, given the
	// same incoming request (bin-packing prefers filling loaded nodes).
	loaded := binPackScore(capacity, types.Resources{CPUMillicores: 200, MemoryMiB: 200}, req)
	empty := binPackScore(capacity, types.Resources{CPUMillicores: 1000, MemoryMiB: 1000}, req)
	assert.Greater(t, loaded, empty)
}

func TestLocalityScoreNeutralWhenUnset(t *testing.T) {
	assert.Equal(t, int64(0), localityScore("", "anything"))
	assert.Equal(t, int64(0), localityScore("gpu-a100", ""))
	assert.Equal(t, types.ScoringScale, localityScore("gpu-a100", "gpu-a100"))
}
