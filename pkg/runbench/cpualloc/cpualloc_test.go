package cpualloc_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/cpualloc"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
)

// TestAllocateConcreteScenarios exercises a range of machine shapes used to
// validate the core-allocation algorithm: a fixed (packages, NUMAs, L3s,
// cores, siblingsPerCore) topology distributed across (coreLimit, workers).
// Each case checks the invariants every valid distribution must satisfy
// rather than one hard-coded core sequence, since several orderings of a
// symmetric topology's depleted-region walk are equally valid.
func TestAllocateConcreteScenarios(t *testing.T) {
	tcases := []struct {
		name              string
		packages          int
		numas             int
		l3s               int
		cores             int
		siblingsPerCore   int
		useHyperthreading bool
		coreLimit         int
		workers           int
	}{
		{name: "single package, no HT, 4 runs of 2", packages: 1, cores: 8, siblingsPerCore: 1, coreLimit: 2, workers: 4},
		{name: "two packages, HT siblings, HT disabled", packages: 2, cores: 32, siblingsPerCore: 2, coreLimit: 2, workers: 8},
		{name: "two packages, HT siblings, HT enabled", packages: 2, cores: 32, siblingsPerCore: 2, useHyperthreading: true, coreLimit: 4, workers: 8},
		{name: "two NUMA nodes split across packages", packages: 2, numas: 2, cores: 16, siblingsPerCore: 1, coreLimit: 2, workers: 4},
		{name: "NUMA and L3 coincide with sibling pairs", packages: 1, numas: 2, l3s: 8, cores: 16, siblingsPerCore: 2, coreLimit: 2, workers: 4},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			h, err := buildHierarchy(tc.packages, tc.numas, tc.l3s, tc.cores, tc.siblingsPerCore)
			require.NoError(t, err)
			require.NoError(t, h.Validate())

			bundles, err := cpualloc.Allocate(h, cpualloc.Options{
				CoreLimit:         tc.coreLimit,
				Workers:           tc.workers,
				UseHyperthreading: tc.useHyperthreading,
			})
			require.NoError(t, err)
			require.Len(t, bundles, tc.workers)

			seen := make(map[int]bool)
			for _, b := range bundles {
				require.Len(t, b.Cores, tc.coreLimit)
				for _, c := range b.Cores {
					require.False(t, seen[c], "core %d assigned to more than one bundle", c)
					seen[c] = true
				}
			}
		})
	}
}

// TestAllocateInfeasible checks that a worker count the topology cannot
// support is rejected with InfeasibleAllocationError rather than a partial
// or incorrect distribution.
func TestAllocateInfeasible(t *testing.T) {
	h, err := buildHierarchy(1, 0, 0, 8, 1)
	require.NoError(t, err)

	_, err = cpualloc.Allocate(h, cpualloc.Options{CoreLimit: 5, Workers: 2})
	require.Error(t, err)
	var infeasible *rberrors.InfeasibleAllocationError
	require.ErrorAs(t, err, &infeasible)
}

// TestAllocateBundlesDisjointAndCorrectSize checks the two invariants every
// allocation must satisfy regardless of topology shape: bundles never
// overlap, and each bundle has exactly CoreLimit cores.
func TestAllocateBundlesDisjointAndCorrectSize(t *testing.T) {
	h, err := buildHierarchy(2, 2, 4, 16, 2)
	require.NoError(t, err)
	require.NoError(t, h.Validate())

	bundles, err := cpualloc.Allocate(h, cpualloc.Options{CoreLimit: 2, Workers: 4})
	require.NoError(t, err)
	require.Len(t, bundles, 4)

	seen := make(map[int]bool)
	for _, b := range bundles {
		require.Len(t, b.Cores, 2)
		for _, c := range b.Cores {
			require.False(t, seen[c], "core %d assigned to more than one bundle", c)
			seen[c] = true
		}
	}
}

// TestAllocateHyperthreadingExcludesSiblings checks that disabling
// hyperthreading keeps at most one thread per physical core across every
// bundle, even though the underlying topology has sibling pairs.
func TestAllocateHyperthreadingExcludesSiblings(t *testing.T) {
	h, err := buildHierarchy(1, 0, 0, 8, 2)
	require.NoError(t, err)
	require.NoError(t, h.Validate())

	bundles, err := cpualloc.Allocate(h, cpualloc.Options{CoreLimit: 1, Workers: 4, UseHyperthreading: false})
	require.NoError(t, err)

	used := map[int]bool{}
	for _, b := range bundles {
		require.Len(t, b.Cores, 1)
		core := b.Cores[0]
		sibling := core ^ 1
		require.False(t, used[sibling], "sibling %d of used core %d was also assigned", sibling, core)
		used[core] = true
	}
}

// TestAllocateBoundaryShapes checks the edges of the (coreLimit, workers)
// space: one core per run spread across every core, and a single run
// claiming the whole machine.
func TestAllocateBoundaryShapes(t *testing.T) {
	t.Run("core_limit=1 uses every core exactly once", func(t *testing.T) {
		h, err := buildHierarchy(1, 0, 0, 8, 1)
		require.NoError(t, err)

		bundles, err := cpualloc.Allocate(h, cpualloc.Options{CoreLimit: 1, Workers: 8})
		require.NoError(t, err)
		require.Len(t, bundles, 8)

		var all []int
		for _, b := range bundles {
			all = append(all, b.Cores...)
		}
		sort.Ints(all)
		require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, all)
	})

	t.Run("single worker claims the whole machine", func(t *testing.T) {
		h, err := buildHierarchy(1, 0, 0, 8, 1)
		require.NoError(t, err)

		bundles, err := cpualloc.Allocate(h, cpualloc.Options{CoreLimit: 8, Workers: 1})
		require.NoError(t, err)
		require.Len(t, bundles, 1)
		require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7}, bundles[0].Cores)
	})
}

// TestAllocateMinCoresBestEffort checks that MinCores lets the allocator
// fall back to a smaller per-run core count when CoreLimit cannot be
// satisfied for every worker, rather than failing outright.
func TestAllocateMinCoresBestEffort(t *testing.T) {
	h, err := buildHierarchy(1, 0, 0, 8, 1)
	require.NoError(t, err)

	bundles, err := cpualloc.Allocate(h, cpualloc.Options{CoreLimit: 4, Workers: 4, MinCores: 1})
	require.NoError(t, err)
	require.Len(t, bundles, 4)
	for _, b := range bundles {
		require.LessOrEqual(t, len(b.Cores), 4)
		require.NotEmpty(t, b.Cores)
	}
}

// TestAllocateCoreRequirementAboveLimitTruncates checks the R >= C branch
// of spec.md's core_requirement handling: the allocator runs at the
// larger effective core count so bundles are placed with more locality,
// then every bundle is truncated back down to CoreLimit cores.
func TestAllocateCoreRequirementAboveLimitTruncates(t *testing.T) {
	h, err := buildHierarchy(1, 0, 0, 16, 1)
	require.NoError(t, err)

	bundles, err := cpualloc.Allocate(h, cpualloc.Options{CoreLimit: 2, Workers: 4, MinCores: 4})
	require.NoError(t, err)
	require.Len(t, bundles, 4)

	seen := make(map[int]bool)
	for _, b := range bundles {
		require.Len(t, b.Cores, 2)
		for _, c := range b.Cores {
			require.False(t, seen[c], "core %d assigned to more than one bundle", c)
			seen[c] = true
		}
	}
}

// TestAllocateRejectsInvalidInputs checks the precondition guard on
// CoreLimit/Workers independent of any topology.
func TestAllocateRejectsInvalidInputs(t *testing.T) {
	h, err := buildHierarchy(1, 0, 0, 4, 1)
	require.NoError(t, err)

	_, err = cpualloc.Allocate(h, cpualloc.Options{CoreLimit: 0, Workers: 1})
	require.Error(t, err)

	_, err = cpualloc.Allocate(h, cpualloc.Options{CoreLimit: 1, Workers: 0})
	require.Error(t, err)
}
