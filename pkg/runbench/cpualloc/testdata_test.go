package cpualloc_test

import (
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/hierarchy"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/sysfs"
)

// syntheticTopology builds a sysfs.Topology for the machine shapes named
// by spec.md §8's concrete scenarios: packages and NUMA nodes and L3
// caches each partition the core range into equal contiguous blocks,
// and hyper-thread siblings pair up adjacent core IDs.
func syntheticTopology(packages, numas, l3s, cores, siblingsPerCore int) *sysfs.Topology {
	coreIDs := make([]int, cores)
	for i := range coreIDs {
		coreIDs[i] = i
	}

	topo := &sysfs.Topology{
		Cores:    append([]int(nil), coreIDs...),
		Siblings: contiguousBlocks(cores, siblingsPerCore),
	}

	if packages > 0 {
		topo.Levels = append(topo.Levels, sysfs.LevelMapping{
			Name:    "package",
			Regions: blockRegions(cores, cores/packages),
		})
	}
	if l3s > 0 {
		topo.Levels = append(topo.Levels, sysfs.LevelMapping{
			Name:    "L3",
			Regions: blockRegions(cores, cores/l3s),
		})
	}
	if numas > 0 {
		topo.NUMANodes = blockRegions(cores, cores/numas)
		topo.NUMADistance = uniformDistance(numas)
	}

	return topo
}

// contiguousBlocks groups coreIDs [0,cores) into groups of blockSize
// consecutive IDs and returns each core's full sibling set.
func contiguousBlocks(cores, blockSize int) map[int][]int {
	out := make(map[int][]int, cores)
	for start := 0; start < cores; start += blockSize {
		end := start + blockSize
		if end > cores {
			end = cores
		}
		group := make([]int, 0, end-start)
		for c := start; c < end; c++ {
			group = append(group, c)
		}
		for _, c := range group {
			out[c] = group
		}
	}
	return out
}

// blockRegions partitions [0,cores) into contiguous blocks of blockSize,
// keyed by the block's first core ID (mirroring how sysfs region IDs are
// typically the lowest member's ID in a grouping).
func blockRegions(cores, blockSize int) map[int][]int {
	out := make(map[int][]int)
	for start := 0; start < cores; start += blockSize {
		end := start + blockSize
		if end > cores {
			end = cores
		}
		group := make([]int, 0, end-start)
		for c := start; c < end; c++ {
			group = append(group, c)
		}
		out[start] = group
	}
	return out
}

// uniformDistance builds a trivial symmetric NUMA distance matrix: 10 to
// self, 20 to every other node, which get_closest_nodes / GroupNUMANodes
// treats as "no closer neighbor than any other" (no extra grouping
// level), matching plain multi-socket machines without sub-socket NUMA
// clustering.
func uniformDistance(numas int) map[int][]int {
	out := make(map[int][]int, numas)
	for i := 0; i < numas; i++ {
		row := make([]int, numas)
		for j := range row {
			if i == j {
				row[j] = 10
			} else {
				row[j] = 20
			}
		}
		out[i] = row
	}
	return out
}

func buildHierarchy(packages, numas, l3s, cores, siblingsPerCore int) (*hierarchy.Hierarchy, error) {
	topo := syntheticTopology(packages, numas, l3s, cores, siblingsPerCore)
	return hierarchy.Build(topo)
}
