package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forge-cluster/forge/internal/types"
)

func TestSatisfiesConstraintsResourceFloor(t *testing.T) {
	n := &types.Node{ID: "n1", Resources: types.ResourceSnapshot{CPUCores: 2, MemoryAvailBytes: 1024}}
	ok := satisfiesConstraints(n, types.Constraints{Resources: &types.ResourceRequest{CPUCores: 4}})
	assert.False(t, ok)

	ok = satisfiesConstraints(n, types.Constraints{Resources: &types.ResourceRequest{CPUCores: 2, MemoryBytes: 512}})
	assert.True(t, ok)
}

func TestSatisfiesConstraintsRequiredTags(t *testing.T) {
	n := &types.Node{ID: "n1", Tags: map[string]bool{"gpu": true}}
	assert.True(t, satisfiesConstraints(n, types.Constraints{RequiredTags: []string{"gpu"}}))
	assert.False(t, satisfiesConstraints(n, types.Constraints{RequiredTags: []string{"ssd"}}))
}

func TestSelectNodeRanksByLoadThenID(t *testing.T) {
	s := &Scheduler{}
	nodes := []*types.Node{
		{ID: "b", Resources: types.ResourceSnapshot{CPUUsagePercent: 10}},
		{ID: "a", Resources: types.ResourceSnapshot{CPUUsagePercent: 10}},
		{ID: "c", Resources: types.ResourceSnapshot{CPUUsagePercent: 50}},
	}
	best := s.selectNode(&types.Task{}, nodes)
	require.NotNil(t, best)
	assert.Equal(t, "a", best.ID)
}

func TestFilterSchedulableNodesExcludesNonActive(t *testing.T) {
	nodes := []*types.Node{
		{ID: "n1", Status: types.NodeStatusActive},
		{ID: "n2", Status: types.NodeStatusDraining},
		{ID: "n3", Status: types.NodeStatusOffline},
	}
	out := filterSchedulableNodes(nodes)
	require.Len(t, out, 1)
	assert.Equal(t, "n1", out[0].ID)
}
