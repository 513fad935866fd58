package hierarchy

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/sysfs"
)

func simpleTopology() *sysfs.Topology {
	siblings := make(map[int][]int, 8)
	for c := 0; c < 8; c++ {
		siblings[c] = []int{c}
	}
	return &sysfs.Topology{
		Cores:    []int{0, 1, 2, 3, 4, 5, 6, 7},
		Siblings: siblings,
		Levels: []sysfs.LevelMapping{
			{Name: "package", Regions: map[int][]int{0: {0, 1, 2, 3}, 4: {4, 5, 6, 7}}},
		},
	}
}

func TestBuildOrdersLevelsSmallestFirst(t *testing.T) {
	h, err := Build(simpleTopology())
	require.NoError(t, err)
	require.NoError(t, h.Validate())

	require.Equal(t, "siblings", h.Levels[0].Name)
	require.Equal(t, "package", h.Levels[1].Name)
	require.Equal(t, 1, h.Levels[0].Size())
	require.Equal(t, 4, h.Levels[1].Size())
}

func TestBuildAssignsCoreRegionsPerLevel(t *testing.T) {
	h, err := Build(simpleTopology())
	require.NoError(t, err)

	// core 5 belongs to its own singleton sibling region and to the
	// second package region.
	regions := h.CoreRegions[5]
	require.Len(t, regions, len(h.Levels))
	packageIdx := -1
	for i, lvl := range h.Levels {
		if lvl.Name == "package" {
			packageIdx = i
		}
	}
	require.Equal(t, 4, regions[packageIdx])
}

func TestValidateRejectsAsymmetricLevel(t *testing.T) {
	topo := simpleTopology()
	topo.Levels[0].Regions = map[int][]int{0: {0, 1, 2}, 4: {3, 4, 5, 6, 7}}

	h, err := Build(topo)
	require.NoError(t, err)

	err = h.Validate()
	require.Error(t, err)
	var asym *rberrors.AsymmetricTopologyError
	require.ErrorAs(t, err, &asym)
}

func TestGroupNUMANodesNoGroupingOnUniformDistance(t *testing.T) {
	nodes := map[int][]int{0: {0, 1}, 1: {2, 3}}
	distance := map[int][]int{0: {10, 20}, 1: {20, 10}}

	group, err := GroupNUMANodes(nodes, distance)
	require.NoError(t, err)
	require.Nil(t, group)
}

func TestGroupNUMANodesGroupsClosestPairs(t *testing.T) {
	// four nodes, two sockets of two; within-socket distance 15, cross-
	// socket distance 20.
	nodes := map[int][]int{0: {0}, 1: {1}, 2: {2}, 3: {3}}
	distance := map[int][]int{
		0: {10, 15, 20, 20},
		1: {15, 10, 20, 20},
		2: {20, 20, 10, 15},
		3: {20, 20, 15, 10},
	}

	group, err := GroupNUMANodes(nodes, distance)
	require.NoError(t, err)
	require.NotNil(t, group)
	require.Equal(t, "numa-group", group.Name)
	require.Len(t, group.Regions, 2)
	for _, cores := range group.Regions {
		require.Len(t, cores, 2)
	}
}

func TestGroupNUMANodesRejectsTiedSelfDistance(t *testing.T) {
	nodes := map[int][]int{0: {0}, 1: {1}}
	// node 0's row reports the same minimal distance to both entries,
	// which the heuristic cannot interpret as "distance to self".
	distance := map[int][]int{
		0: {10, 10},
		1: {20, 10},
	}

	_, err := GroupNUMANodes(nodes, distance)
	require.Error(t, err)
	var asym *rberrors.AsymmetricTopologyError
	require.ErrorAs(t, err, &asym)
}
