package cpualloc

import (
	"sort"

	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
)

// distribute implements the actual core-assignment algorithm: for each
// worker, it descends from the top of the hierarchy into whichever region
// still holds the most unassigned cores until it reaches a level where
// all remaining regions are equally full, then spreads that run's cores
// across however many sub-regions (at the level below the chosen level)
// are needed to reach coreLimit, always consuming a core's full
// hyper-thread sibling group together and removing assigned cores from
// every level before moving to the next worker.
func distribute(coreLimit, workers int, coreRegions map[int][]int, levels []levelState) ([]Bundle, error) {
	if err := checkFeasibility(coreLimit, workers, coreRegions, levels, false); err != nil {
		return nil, err
	}
	if err := validateSymmetry(levels); err != nil {
		return nil, err
	}

	siblingSize := levels[0].Size()
	coreLimitRoundedUp := roundUpToMultiple(coreLimit, siblingSize)
	chosenLevel := chooseLevel(levels, coreLimitRoundedUp)
	subUnits := subUnitsPerRun(coreLimitRoundedUp, levels, chosenLevel)
	if subUnits == 0 {
		subUnits = 1
	}

	var result []Bundle
	for len(result) < workers {
		distributionDict := descendToDepletedRegion(levels, chosenLevel, coreRegions)

		firstCore := firstOfLargest(distributionDict)
		spreadKey := coreRegions[firstCore][chosenLevel]
		activeCores := levels[chosenLevel].regions[spreadKey]

		var cores []int
		for sub := 0; sub < subUnits && len(cores) < coreLimit; sub++ {
			if len(activeCores) == 0 {
				break
			}
			key := coreRegions[activeCores[0]][chosenLevel-1]
			subUnitCores := levels[chosenLevel-1].regions[key]

			for len(cores) < coreLimit && len(subUnitCores) > 0 {
				nextCore := pickDeepestCore(subUnitCores, levels, chosenLevel-1, coreRegions)

				siblingGroup := append([]int(nil), levels[0].regions[coreRegions[nextCore][0]]...)
				for _, c := range siblingGroup {
					if len(cores) < coreLimit {
						cores = append(cores, c)
					}
					coreCleanUp(c, coreRegions, levels)
				}
				subUnitCores = levels[chosenLevel-1].regions[key]
			}

			// drain any cores left in this sub-unit that didn't fit,
			// so the next worker doesn't see a half-consumed region.
			remaining := levels[chosenLevel-1].regions[key]
			for len(remaining) > 0 {
				coreCleanUp(remaining[0], coreRegions, levels)
				remaining = levels[chosenLevel-1].regions[key]
			}
			activeCores = levels[chosenLevel].regions[spreadKey]
		}

		if len(cores) != coreLimit {
			return nil, &rberrors.InfeasibleAllocationError{Reason: "ran out of cores while distributing bundles; topology does not evenly support the requested worker count"}
		}
		result = append(result, Bundle{Cores: sortedCopy(cores)})
	}

	return result, nil
}

// descendToDepletedRegion walks from the top of the hierarchy down,
// following whichever region currently holds the most cores, until the
// regions it is looking at all hold equally many cores (or level 0 is
// reached), returning that region map restricted to the branch with the
// most remaining cores explored on the way down.
func descendToDepletedRegion(levels []levelState, chosenLevel int, coreRegions map[int][]int) map[int][]int {
	i := len(levels) - 1
	distributionDict := levels[i].regions

	for i > 0 {
		if symmetric(distributionDict) {
			i--
			distributionDict = levels[i].regions
			continue
		}

		largest := largestRegion(distributionDict)
		childDict := subUnitDict(largest, levels, i-1, coreRegions)
		distributionDict = childDict

		if symmetric(childDict) {
			if i > chosenLevel {
				for i >= chosenLevel && i > 0 {
					i--
					if i == 0 {
						// level 0 has no level below it to group by
						break
					}
					largest = largestRegion(distributionDict)
					childDict = subUnitDict(largest, levels, i-1, coreRegions)
					distributionDict = childDict
				}
			}
			break
		}
		i--
	}

	return distributionDict
}

// pickDeepestCore finds, among subUnitCores, the core belonging to the
// region with the fewest remaining cores at the deepest non-empty level,
// tie-broken by lowest core ID — the core "with the highest distance from
// the cores assigned before".
func pickDeepestCore(subUnitCores []int, levels []levelState, startLevel int, coreRegions map[int][]int) int {
	j := startLevel
	if j-1 > 0 {
		j--
	}
	childDict := subUnitDict(subUnitCores, levels, j, coreRegions)

	for j > 0 {
		if symmetric(childDict) {
			break
		}
		j--
		var nonEmpty [][]int
		for _, cores := range childDict {
			if len(cores) > 0 {
				nonEmpty = append(nonEmpty, cores)
			}
		}
		sort.Slice(nonEmpty, func(a, b int) bool {
			if len(nonEmpty[a]) != len(nonEmpty[b]) {
				return len(nonEmpty[a]) < len(nonEmpty[b])
			}
			return lexLess(nonEmpty[a], nonEmpty[b])
		})
		childDict = subUnitDict(nonEmpty[0], levels, j, coreRegions)
	}

	return firstOfLargest(childDict)
}

// coreCleanUp removes a core from every level's region lists, deleting a
// region entirely once it becomes empty.
func coreCleanUp(core int, coreRegions map[int][]int, levels []levelState) {
	regions := coreRegions[core]
	for i, region := range regions {
		cores := removeInt(levels[i].regions[region], core)
		if len(cores) == 0 {
			delete(levels[i].regions, region)
		} else {
			levels[i].regions[region] = cores
		}
	}
}

// subUnitDict groups the given cores by their region ID at levelIndex.
func subUnitDict(cores []int, levels []levelState, levelIndex int, coreRegions map[int][]int) map[int][]int {
	out := make(map[int][]int)
	for _, c := range cores {
		key := coreRegions[c][levelIndex]
		out[key] = append(out[key], c)
	}
	return out
}

func symmetric(m map[int][]int) bool {
	size := -1
	for _, cores := range m {
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

// largestRegion returns the core list of whichever region in m has the
// most cores, tie-broken lexicographically (i.e. by lowest core ID).
func largestRegion(m map[int][]int) []int {
	var best []int
	for _, cores := range m {
		if best == nil || len(cores) > len(best) || (len(cores) == len(best) && lexLess(cores, best)) {
			best = cores
		}
	}
	return best
}

// firstOfLargest returns the lowest core ID of whichever region in m has
// the most cores.
func firstOfLargest(m map[int][]int) int {
	cores := largestRegion(m)
	if len(cores) == 0 {
		return -1
	}
	lowest := cores[0]
	for _, c := range cores {
		if c < lowest {
			lowest = c
		}
	}
	return lowest
}

// lexLess compares two already core-ID-sorted slices element by element,
// the way Python's list comparison breaks distribution-list sorting ties.
func lexLess(a, b []int) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}
