// Package membank assigns NUMA memory banks to CPU core bundles and
// verifies that the machine (and any enclosing cgroup memory hierarchy)
// actually has enough memory installed to honor a run's memory limit
// across all parallel workers.
package membank

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/sosy-lab/benchexec-sub002/pkg/log"
	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
)

var log = logger.NewLogger("membank")

const nodeSysDir = "/sys/devices/system/node"

// Assignment is the list of memory bank (NUMA node) IDs a single run may
// allocate from.
type Assignment []int

// AssignBanks computes, for each core bundle, the memory banks local to
// at least one of its cores, intersected with allowedBanks (the set the
// caller's own cgroup/cpuset permits it to use). It returns nil (meaning
// "no restriction, every run may use all memory") when the machine has no
// NUMA support or when every bundle's assignment would otherwise be
// empty — assigning an empty list is never useful and almost always a
// topology-reading bug.
func AssignBanks(bundles [][]int, allowedBanks []int) ([]Assignment, error) {
	if _, err := os.Stat(nodeSysDir); err != nil {
		log.Debug("system has no NUMA support, skipping memory bank assignment")
		return nil, nil
	}

	allowed := toSet(allowedBanks)
	result := make([]Assignment, len(bundles))
	anyNonEmpty := false
	for i, cores := range bundles {
		banks := make(map[int]bool)
		for _, core := range cores {
			coreDir := filepath.Join("/sys/devices/system/cpu", "cpu"+strconv.Itoa(core))
			listed, err := banksListedIn(coreDir)
			if err != nil {
				return nil, &rberrors.TopologyReadFailureError{Path: coreDir, Err: err}
			}
			for _, b := range listed {
				banks[b] = true
			}
		}
		var assignment Assignment
		for b := range banks {
			if allowed[b] {
				assignment = append(assignment, b)
			}
		}
		sort.Ints(assignment)
		log.Debug("memory banks for cores %v are local to %d candidate(s), of which %d are usable", cores, len(banks), len(assignment))
		result[i] = assignment
		if len(assignment) > 0 {
			anyNonEmpty = true
		}
	}

	if !anyNonEmpty {
		return nil, nil
	}
	return result, nil
}

// banksListedIn returns the memory bank IDs the kernel lists in dir, which
// may be /sys/devices/system/node (every bank on the machine) or a core's
// cpu*/ directory (the banks local to that core).
func banksListedIn(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", dir)
	}
	var banks []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.Atoi(name[4:])
		if err != nil {
			continue
		}
		banks = append(banks, id)
	}
	sort.Ints(banks)
	return banks, nil
}

// AllowedBanks lists every memory bank the kernel reports on the machine,
// used as the fallback "allowed" set when the run isn't further confined
// by an enclosing cpuset cgroup.
func AllowedBanks() ([]int, error) {
	return banksListedIn(nodeSysDir)
}

// bankSize returns the MemTotal of a single memory bank in bytes, read
// from its sysfs meminfo file (reported in KiB by the kernel, despite the
// "kB" label; converted here to bytes).
func bankSize(bank int) (int64, error) {
	path := filepath.Join(nodeSysDir, "node"+strconv.Itoa(bank), "meminfo")
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errors.Wrapf(err, "reading %s", path)
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.Contains(line, "MemTotal") {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		field := strings.TrimSpace(parts[1])
		if !strings.HasSuffix(field, " kB") {
			return 0, errors.Errorf("%q in %s is not a memory size", field, path)
		}
		kb, err := strconv.ParseInt(strings.TrimSuffix(field, " kB"), 10, 64)
		if err != nil {
			return 0, errors.Wrapf(err, "parsing memory size in %s", path)
		}
		return kb * 1024, nil
	}
	return 0, errors.Errorf("failed to read total memory from %s", path)
}

// HierarchicalMemoryLimit reads a cgroup's effective hierarchical memory
// limit in bytes from the two memory.stat keys that reflect it (lower
// than memory.limit_in_bytes whenever use_hierarchy is enabled), or ok ==
// false when neither key is present (cgroup v2, or memory controller
// absent).
func HierarchicalMemoryLimit(stat map[string]string) (limit int64, ok bool) {
	best := int64(-1)
	for _, key := range []string{"hierarchical_memory_limit", "hierarchical_memsw_limit"} {
		v, present := stat[key]
		if !present {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			continue
		}
		ok = true
		if best < 0 || n < best {
			best = n
		}
	}
	return best, ok
}

// VerifyMemorySize checks that memLimit bytes per run, times numThreads
// parallel runs, actually fits: first against any cgroup-reported
// hierarchical memory limit, then against the real installed capacity of
// the memory banks each run is assigned to (or, lacking a bank
// assignment, every bank on the machine shared by all runs).
func VerifyMemorySize(memLimit int64, numThreads int, assignment []Assignment, cgroupStat map[string]string) error {
	if limit, ok := HierarchicalMemoryLimit(cgroupStat); ok {
		if limit < memLimit {
			return &rberrors.InsufficientMemoryError{Reason: "cgroups allow less memory than one run's limit"}
		}
		if limit < memLimit*int64(numThreads) {
			return &rberrors.InsufficientMemoryError{Reason: "cgroups do not allow enough memory for all parallel runs; reduce the worker count"}
		}
	}

	if _, err := os.Stat(nodeSysDir); err != nil {
		log.Debug("system without NUMA support, ignoring memory assignment checks")
		return nil
	}

	if assignment == nil {
		all, err := AllowedBanks()
		if err != nil {
			return &rberrors.TopologyReadFailureError{Path: nodeSysDir, Err: err}
		}
		assignment = make([]Assignment, numThreads)
		for i := range assignment {
			assignment[i] = append(Assignment(nil), all...)
		}
	}

	sizes := make(map[int]int64)
	for _, a := range assignment {
		for _, bank := range a {
			if _, have := sizes[bank]; have {
				continue
			}
			size, err := bankSize(bank)
			if err != nil {
				return &rberrors.TopologyReadFailureError{Path: nodeSysDir, Err: err}
			}
			sizes[bank] = size
		}
	}

	used := make(map[string]int64)
	for _, a := range assignment {
		total := int64(0)
		for _, bank := range a {
			total += sizes[bank]
		}
		if total < memLimit {
			return &rberrors.InsufficientMemoryError{Reason: "assigned memory banks do not have enough memory for one run"}
		}
		key := bankKey(a)
		used[key] += memLimit
		if used[key] > total {
			return &rberrors.InsufficientMemoryError{Reason: "assigned memory banks do not have enough memory for all runs sharing them; reduce the worker count"}
		}
	}
	return nil
}

func bankKey(a Assignment) string {
	parts := make([]string, len(a))
	for i, b := range a {
		parts[i] = strconv.Itoa(b)
	}
	return strings.Join(parts, ",")
}

func toSet(s []int) map[int]bool {
	m := make(map[int]bool, len(s))
	for _, v := range s {
		m[v] = true
	}
	return m
}
