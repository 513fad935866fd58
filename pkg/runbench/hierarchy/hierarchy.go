// Package hierarchy builds the ordered, symmetry-checked Hierarchy Model
// consumed by the core allocator from the raw topology data sysfs.Discover
// produces: hyper-thread siblings as level 0, followed by the remaining
// topology layers sorted from smallest to largest region size, with
// duplicate consecutive levels elided and a synthetic root level appended
// when needed so a single walk always reaches every core.
package hierarchy

import (
	"sort"

	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/sysfs"
)

// Level is one topology layer: a mapping from region identifier to the
// sorted list of core IDs belonging to that region. All regions of a
// valid (symmetric) level have the same number of cores.
type Level struct {
	Name    string
	Regions map[int][]int
}

// Size returns the number of cores in an (assumed symmetric) level's
// regions, i.e. the length of any one region's core list.
func (l Level) Size() int {
	for _, cores := range l.Regions {
		return len(cores)
	}
	return 0
}

// Symmetric reports whether every region of the level has the same
// number of cores.
func (l Level) Symmetric() bool {
	size := -1
	for _, cores := range l.Regions {
		if size < 0 {
			size = len(cores)
			continue
		}
		if len(cores) != size {
			return false
		}
	}
	return true
}

// Hierarchy is the ordered list of topology levels from smallest (HT
// siblings) to largest (package, NUMA group, or a synthetic root),
// annotated with the core each level's region membership was computed
// from.
type Hierarchy struct {
	Levels []Level
	// Cores is the sorted set of core IDs the hierarchy covers.
	Cores []int
	// CoreRegions maps a core ID to the list of region IDs it belongs
	// to, one per level, in the same order as Levels.
	CoreRegions map[int][]int
}

// Build constructs a Hierarchy from raw topology data.
func Build(topo *sysfs.Topology) (*Hierarchy, error) {
	siblingLevel := siblingsLevel(topo.Siblings)

	var levels []Level
	for _, l := range topo.Levels {
		levels = append(levels, Level{Name: l.Name, Regions: l.Regions})
	}
	if topo.NUMANodes != nil {
		levels = append(levels, Level{Name: "numa", Regions: topo.NUMANodes})
		if group, err := GroupNUMANodes(topo.NUMANodes, topo.NUMADistance); err != nil {
			return nil, err
		} else if group != nil {
			levels = append(levels, *group)
		}
	}

	sort.SliceStable(levels, func(i, j int) bool {
		return levels[i].Size() < levels[j].Size()
	})

	levels = append([]Level{siblingLevel}, levels...)
	levels = filterDuplicateLevels(levels)
	levels = addSyntheticRoot(levels)

	h := &Hierarchy{
		Levels:      levels,
		Cores:       append([]int(nil), topo.Cores...),
		CoreRegions: make(map[int][]int, len(topo.Cores)),
	}
	for _, cpu := range topo.Cores {
		regions := make([]int, len(levels))
		for i, lvl := range levels {
			for region, cores := range lvl.Regions {
				if containsInt(cores, cpu) {
					regions[i] = region
					break
				}
			}
		}
		h.CoreRegions[cpu] = regions
	}

	return h, nil
}

// Validate checks the per-level symmetry invariant spec.md requires:
// every region at a given level must contain the same number of cores.
func (h *Hierarchy) Validate() error {
	for _, lvl := range h.Levels {
		if !lvl.Symmetric() {
			return &rberrors.AsymmetricTopologyError{Level: lvl.Name}
		}
	}
	return nil
}

func siblingsLevel(siblings map[int][]int) Level {
	regions := make(map[int][]int)
	seen := make(map[int]bool)
	for cpu, group := range siblings {
		if seen[cpu] {
			continue
		}
		key := group[0]
		for _, c := range group {
			if c < key {
				key = c
			}
		}
		sorted := append([]int(nil), group...)
		sort.Ints(sorted)
		regions[key] = sorted
		for _, c := range sorted {
			seen[c] = true
		}
	}
	return Level{Name: "siblings", Regions: regions}
}

// filterDuplicateLevels removes a level that is identical (as a set of
// region-core-sets) to its immediate predecessor, keeping the hierarchy
// free of redundant layers the way filter_duplicate_hierarchy_levels does
// in the original core-assignment algorithm.
func filterDuplicateLevels(levels []Level) []Level {
	if len(levels) == 0 {
		return levels
	}
	out := []Level{levels[0]}
	for i := 1; i < len(levels); i++ {
		if sameRegionSets(levels[i-1], levels[i]) {
			continue
		}
		out = append(out, levels[i])
	}
	return out
}

func sameRegionSets(a, b Level) bool {
	if len(a.Regions) != len(b.Regions) {
		return false
	}
	bSets := make([]map[int]bool, 0, len(b.Regions))
	for _, cores := range b.Regions {
		bSets = append(bSets, toSet(cores))
	}
	for _, aCores := range a.Regions {
		aSet := toSet(aCores)
		found := false
		for _, bSet := range bSets {
			if setsEqual(aSet, bSet) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func toSet(s []int) map[int]bool {
	m := make(map[int]bool, len(s))
	for _, v := range s {
		m[v] = true
	}
	return m
}

func setsEqual(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if !b[k] {
			return false
		}
	}
	return true
}

// addSyntheticRoot appends a single root region covering every core when
// the topmost level has more than one region, so the allocator always has
// a single level it can treat as covering the whole machine.
func addSyntheticRoot(levels []Level) []Level {
	if len(levels) == 0 {
		return levels
	}
	top := levels[len(levels)-1]
	if len(top.Regions) <= 1 {
		return levels
	}
	var all []int
	for _, cores := range top.Regions {
		all = append(all, cores...)
	}
	sort.Ints(all)
	return append(levels, Level{Name: "root", Regions: map[int][]int{0: all}})
}

func containsInt(s []int, v int) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}
