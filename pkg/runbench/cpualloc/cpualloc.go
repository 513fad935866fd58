// Package cpualloc computes a partition of a machine's CPU cores into
// disjoint per-run "bundles", one per parallel worker, from a
// hierarchy.Hierarchy. It picks the topology level at which a single
// bundle fits, then repeatedly descends into whichever region still has
// the most free cores, so bundles are packed for maximum intra-bundle
// locality and minimum cross-bundle sharing.
package cpualloc

import (
	"math"
	"sort"

	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/hierarchy"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
)

// Bundle is the set of cores assigned to a single parallel run.
type Bundle struct {
	Cores []int
}

// Options configures a single allocation request.
type Options struct {
	// CoreLimit is the number of cores each run should receive.
	CoreLimit int
	// Workers is the number of parallel runs to allocate bundles for.
	Workers int
	// UseHyperthreading, when false, restricts allocation to one thread
	// per physical core (the other hyper-thread siblings are excluded
	// from the pool entirely, never handed to any run).
	UseHyperthreading bool
	// MinCores, when non-zero, selects one of two modes. If MinCores is
	// at least CoreLimit, the allocator distributes MinCores cores per
	// run and then trims every bundle to its first CoreLimit cores. If
	// MinCores is less than CoreLimit, the allocator probes downward from
	// CoreLimit to MinCores and distributes the largest per-run core
	// count the topology still supports for Workers parallel runs.
	MinCores int
}

// levelState is a mutable working copy of one hierarchy.Level: Regions is
// deep-copied so the allocation algorithm can remove cores as they're
// assigned without disturbing the caller's Hierarchy.
type levelState struct {
	name    string
	regions map[int][]int
}

// Allocate computes one Bundle per worker from h, honoring opts.
func Allocate(h *hierarchy.Hierarchy, opts Options) ([]Bundle, error) {
	if opts.CoreLimit < 1 || opts.Workers < 1 {
		return nil, &rberrors.InfeasibleAllocationError{Reason: "core limit and worker count must both be at least 1"}
	}

	coreRegions, levels := cloneState(h)

	if !opts.UseHyperthreading {
		filterHyperthreadingSiblings(coreRegions, levels)
	}

	if err := validateSymmetry(levels); err != nil {
		return nil, err
	}

	coreLimit := opts.CoreLimit

	// opts.MinCores doubles as the core_requirement R from spec.md §4.3.2:
	// R >= C runs the allocator at the larger effective core-limit R and
	// truncates every bundle back down to C cores (a run that wants more
	// cores for locality than it actually needs); R < C probes downward
	// from C to R for the largest per-run core count the topology still
	// supports for the requested worker count (a best-effort minimum).
	if opts.MinCores >= opts.CoreLimit && opts.MinCores > 0 {
		bundles, err := distribute(opts.MinCores, opts.Workers, coreRegions, levels)
		if err != nil {
			return nil, err
		}
		for i := range bundles {
			bundles[i].Cores = bundles[i].Cores[:opts.CoreLimit]
		}
		return bundles, nil
	}

	if opts.MinCores > 0 && opts.MinCores < opts.CoreLimit {
		best := -1
		for c := opts.CoreLimit; c >= opts.MinCores; c-- {
			if feasible(c, opts.Workers, coreRegions, levels) {
				best = c
				break
			}
		}
		if best < 0 {
			return nil, &rberrors.InfeasibleAllocationError{Reason: "no core count between min-cores and core-limit is feasible for the requested worker count"}
		}
		return distribute(best, opts.Workers, coreRegions, levels)
	}

	return distribute(coreLimit, opts.Workers, coreRegions, levels)
}

func cloneState(h *hierarchy.Hierarchy) (map[int][]int, []levelState) {
	coreRegions := make(map[int][]int, len(h.CoreRegions))
	for core, regions := range h.CoreRegions {
		coreRegions[core] = append([]int(nil), regions...)
	}

	levels := make([]levelState, len(h.Levels))
	for i, lvl := range h.Levels {
		regions := make(map[int][]int, len(lvl.Regions))
		for id, cores := range lvl.Regions {
			regions[id] = append([]int(nil), cores...)
		}
		levels[i] = levelState{name: lvl.Name, regions: regions}
	}
	return coreRegions, levels
}

// filterHyperthreadingSiblings keeps only the lowest-ID thread of each
// sibling group in both coreRegions and every level, so the remainder of
// the algorithm never sees (and never assigns) the other threads.
func filterHyperthreadingSiblings(coreRegions map[int][]int, levels []levelState) {
	siblingRegions := levels[0].regions
	for key, group := range siblingRegions {
		keep := key
		for _, sibling := range group {
			if sibling == keep {
				continue
			}
			for i, lvl := range levels {
				region := coreRegions[sibling][i]
				lvl.regions[region] = removeInt(lvl.regions[region], sibling)
				if len(lvl.regions[region]) == 0 {
					delete(lvl.regions, region)
				}
			}
			delete(coreRegions, sibling)
		}
		siblingRegions[key] = []int{keep}
	}
}

func validateSymmetry(levels []levelState) error {
	for _, lvl := range levels {
		size := -1
		for _, cores := range lvl.regions {
			if size < 0 {
				size = len(cores)
				continue
			}
			if len(cores) != size {
				return &rberrors.AsymmetricTopologyError{Level: lvl.name}
			}
		}
	}
	return nil
}

func feasible(coreLimit, workers int, coreRegions map[int][]int, levels []levelState) bool {
	return checkFeasibility(coreLimit, workers, coreRegions, levels, true) == nil
}

// checkFeasibility mirrors check_distribution_feasibility. The isTest
// argument does not change the result: every failure is returned as a
// descriptive InfeasibleAllocationError.
func checkFeasibility(coreLimit, workers int, coreRegions map[int][]int, levels []levelState, isTest bool) error {
	coreCount := len(coreRegions)
	if coreLimit > coreCount {
		return &rberrors.InfeasibleAllocationError{Reason: "requested core limit exceeds the number of available cores"}
	}
	if coreLimit*workers > coreCount {
		maxWorkers := coreCount / coreLimit
		return &rberrors.InfeasibleAllocationError{
			Reason:           "requested worker count times core limit exceeds the number of available cores",
			SuggestedWorkers: maxWorkers,
			HasSuggestion:    true,
		}
	}

	siblingSize := levels[0].Size()
	coreLimitRoundedUp := roundUpToMultiple(coreLimit, siblingSize)
	chosenLevel := chooseLevel(levels, coreLimitRoundedUp)

	unitSize := levels[chosenLevel].Size()
	if unitSize < coreLimitRoundedUp {
		return &rberrors.InfeasibleAllocationError{Reason: "no topology level large enough to host one run's cores"}
	}
	runsPerUnit := unitSize / coreLimitRoundedUp

	if len(levels[chosenLevel].regions)*runsPerUnit < workers {
		maxRuns := len(levels[chosenLevel].regions) * runsPerUnit
		return &rberrors.InfeasibleAllocationError{
			Reason:           "cannot assign the requested number of parallel runs",
			SuggestedWorkers: maxRuns,
			HasSuggestion:    true,
		}
	}

	subUnitsPerRun := subUnitsPerRun(coreLimitRoundedUp, levels, chosenLevel)
	if subUnitsPerRun > 0 && len(levels[chosenLevel-1].regions)/subUnitsPerRun < workers {
		maxRuns := len(levels[chosenLevel-1].regions) / subUnitsPerRun
		return &rberrors.InfeasibleAllocationError{
			Reason:           "cannot split memory regions between the requested number of runs",
			SuggestedWorkers: maxRuns,
			HasSuggestion:    true,
		}
	}

	return nil
}

func (l levelState) Size() int {
	for _, cores := range l.regions {
		return len(cores)
	}
	return 0
}

func roundUpToMultiple(value, multiple int) int {
	if multiple <= 0 {
		return value
	}
	return int(math.Ceil(float64(value)/float64(multiple))) * multiple
}

// chooseLevel finds the smallest level index (starting at 1, skipping
// siblings) whose regions are at least coreLimitRoundedUp cores large.
func chooseLevel(levels []levelState, coreLimitRoundedUp int) int {
	chosen := 1
	for chosen < len(levels)-1 && levels[chosen].Size() < coreLimitRoundedUp {
		chosen++
	}
	return chosen
}

func subUnitsPerRun(coreLimitRoundedUp int, levels []levelState, chosenLevel int) int {
	below := levels[chosenLevel-1].Size()
	if below == 0 {
		return 0
	}
	return int(math.Ceil(float64(coreLimitRoundedUp) / float64(below)))
}

func removeInt(s []int, v int) []int {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

func sortedCopy(s []int) []int {
	out := append([]int(nil), s...)
	sort.Ints(out)
	return out
}
