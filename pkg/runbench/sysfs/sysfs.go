// Package sysfs reads per-CPU machine topology from the Linux sysfs and
// procfs pseudo-filesystems: hyper-thread siblings, cache/die/cluster/
// package/drawer/book identifiers, NUMA node membership and distances, and
// per-core maximum clock frequency. It is the data-gathering layer behind
// [hierarchy.Build] and does not interpret the data it reads.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	logger "github.com/sosy-lab/benchexec-sub002/pkg/log"
)

var log = logger.NewLogger("sysfs")

const cpuSysDir = "/sys/devices/system/cpu"

// LevelMapping maps a single topology layer's region identifiers to the
// CPU core IDs that belong to each region, e.g. the L3-cache layer maps
// cache IDs to the cores sharing that cache.
type LevelMapping struct {
	// Name identifies the topology layer for diagnostics, e.g. "L3", "package".
	Name string
	// Regions maps a region ID to the sorted list of core IDs in that region.
	Regions map[int][]int
}

// Topology is the raw, uninterpreted result of reading machine topology
// for a given set of CPU core IDs.
type Topology struct {
	// Cores is the sorted list of CPU core IDs the topology covers.
	Cores []int
	// Siblings maps a core ID to the sorted list of its hyper-thread
	// siblings, including the core itself.
	Siblings map[int][]int
	// Levels are the non-sibling topology layers discovered on this
	// machine, in the order they were read (L3, package, die, cluster,
	// drawer, book — absent layers are simply omitted).
	Levels []LevelMapping
	// NUMANodes maps a NUMA node ID to its member core IDs. Empty on
	// systems without NUMA support.
	NUMANodes map[int][]int
	// NUMADistance is the kernel-reported distance matrix indexed by
	// NUMA node ID, read from /sys/devices/system/node/nodeI/distance.
	NUMADistance map[int][]int
	// MaxFreq maps a core ID to its cpuinfo_max_freq value in kHz.
	MaxFreq map[int]int
}

func readFile(path string) (string, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(blob)), nil
}

func readInt(path string) (int, error) {
	s, err := readFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(s)
}

// ReadSiblings reads the hyper-thread sibling set of each core in cores
// from thread_siblings_list, returning a core ID -> sibling-list mapping
// (the list always includes the core itself).
func ReadSiblings(cores []int) (map[int][]int, error) {
	siblings := make(map[int][]int, len(cores))
	for _, cpu := range cores {
		path := filepath.Join(cpuSysDir, fmt.Sprintf("cpu%d", cpu), "topology", "thread_siblings_list")
		s, err := readFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read thread siblings of cpu%d", cpu)
		}
		ids, err := parseIDList(s)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse thread siblings of cpu%d", cpu)
		}
		sort.Ints(ids)
		siblings[cpu] = ids
	}
	return siblings, nil
}

// parseIDList parses a kernel "list" format such as "0-3,8,10-11" into a
// slice of ints.
func parseIDList(s string) ([]int, error) {
	var ids []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err := strconv.Atoi(part[:dash])
			if err != nil {
				return nil, err
			}
			hi, err := strconv.Atoi(part[dash+1:])
			if err != nil {
				return nil, err
			}
			for i := lo; i <= hi; i++ {
				ids = append(ids, i)
			}
		} else {
			v, err := strconv.Atoi(part)
			if err != nil {
				return nil, err
			}
			ids = append(ids, v)
		}
	}
	return ids, nil
}

// genericLevel reads a single-integer-per-core topology attribute (such as
// physical_package_id, die_id, cluster_id, drawer_id or book_id) and groups
// cores by the value read. A missing attribute file on any core causes the
// whole level to be skipped (nil, nil), matching how not all of these
// layers exist on every architecture.
func genericLevel(name, attrPath string, cores []int) (*LevelMapping, error) {
	regions := make(map[int][]int)
	for _, cpu := range cores {
		path := filepath.Join(cpuSysDir, fmt.Sprintf("cpu%d", cpu), "topology", attrPath)
		id, err := readInt(path)
		if err != nil {
			if os.IsNotExist(err) {
				log.Debug("topology attribute %s not present, skipping %s level", attrPath, name)
				return nil, nil
			}
			return nil, errors.Wrapf(err, "failed to read %s for cpu%d", name, cpu)
		}
		regions[id] = append(regions[id], cpu)
	}
	for id := range regions {
		sort.Ints(regions[id])
	}
	return &LevelMapping{Name: name, Regions: regions}, nil
}

// ReadL3CacheLevel groups cores by the ID of the level-3 cache they share.
// Systems without an L3 cache entry (index*/level == 3) yield a nil
// mapping rather than an error.
func ReadL3CacheLevel(cores []int) (*LevelMapping, error) {
	regions := make(map[int][]int)
	any := false
	for _, cpu := range cores {
		cacheDir := filepath.Join(cpuSysDir, fmt.Sprintf("cpu%d", cpu), "cache")
		entries, err := os.ReadDir(cacheDir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list cache entries for cpu%d", cpu)
		}
		id := -1
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), "index") {
				continue
			}
			level, err := readInt(filepath.Join(cacheDir, e.Name(), "level"))
			if err != nil {
				continue
			}
			if level == 3 {
				id, err = readInt(filepath.Join(cacheDir, e.Name(), "id"))
				if err != nil {
					return nil, errors.Wrapf(err, "failed to read L3 cache id for cpu%d", cpu)
				}
				break
			}
		}
		if id < 0 {
			continue
		}
		any = true
		regions[id] = append(regions[id], cpu)
	}
	if !any {
		log.Debug("level 3 cache information not available, skipping L3 level")
		return nil, nil
	}
	for id := range regions {
		sort.Ints(regions[id])
	}
	return &LevelMapping{Name: "L3", Regions: regions}, nil
}

// ReadNUMANodes groups cores by the NUMA node directory kernel lists
// beneath each core's sysfs directory. Returns nil on systems without
// kernel NUMA support.
func ReadNUMANodes(cores []int) (map[int][]int, error) {
	nodes := make(map[int][]int)
	for _, cpu := range cores {
		dir := filepath.Join(cpuSysDir, fmt.Sprintf("cpu%d", cpu))
		ids, err := memoryBanksIn(dir)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read NUMA node of cpu%d", cpu)
		}
		if len(ids) == 0 {
			log.Warn("kernel does not have NUMA support, ignoring NUMA topology")
			return nil, nil
		}
		nodes[ids[0]] = append(nodes[ids[0]], cpu)
	}
	for id := range nodes {
		sort.Ints(nodes[id])
	}
	return nodes, nil
}

// memoryBanksIn returns the NUMA node IDs kernel-listed as "node<id>"
// entries directly beneath dir.
func memoryBanksIn(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "node") {
			if id, err := strconv.Atoi(e.Name()[4:]); err == nil {
				ids = append(ids, id)
			}
		}
	}
	sort.Ints(ids)
	return ids, nil
}

// ReadNUMADistance reads the node distance matrix for the given NUMA node
// IDs from /sys/devices/system/node/nodeI/distance.
func ReadNUMADistance(nodeIDs []int) (map[int][]int, error) {
	distance := make(map[int][]int, len(nodeIDs))
	for _, node := range nodeIDs {
		path := filepath.Join("/sys/devices/system/node", fmt.Sprintf("node%d", node), "distance")
		s, err := readFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read NUMA distance for node%d", node)
		}
		var dists []int
		for _, f := range strings.Fields(s) {
			v, err := strconv.Atoi(f)
			if err != nil {
				return nil, errors.Wrapf(err, "malformed NUMA distance entry for node%d", node)
			}
			dists = append(dists, v)
		}
		distance[node] = dists
	}
	return distance, nil
}

// ReadMaxFrequency reads cpuinfo_max_freq (in kHz) for each given core.
// Cores without cpufreq support (e.g. some virtualized or ARM systems)
// are simply omitted from the result, not treated as an error.
func ReadMaxFrequency(cores []int) (map[int]int, error) {
	freqs := make(map[int]int, len(cores))
	for _, cpu := range cores {
		path := filepath.Join(cpuSysDir, fmt.Sprintf("cpu%d", cpu), "cpufreq", "cpuinfo_max_freq")
		v, err := readInt(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, errors.Wrapf(err, "failed to read max frequency of cpu%d", cpu)
		}
		freqs[cpu] = v
	}
	return freqs, nil
}

// FilterByFrequency drops cores whose maximum frequency is more than
// threshold (a fraction, e.g. 0.05 for 5%) below the fastest core's
// maximum frequency. Cores with no recorded frequency are kept unfiltered
// (treated as running at the fastest observed speed) since most virtual
// machines expose no cpufreq information at all.
func FilterByFrequency(cores []int, freqs map[int]int, threshold float64) []int {
	if len(freqs) == 0 {
		return cores
	}
	fastest := 0
	for _, f := range freqs {
		if f > fastest {
			fastest = f
		}
	}
	cutoff := float64(fastest) * (1 - threshold)

	var kept, slow []int
	for _, cpu := range cores {
		f, ok := freqs[cpu]
		if !ok || float64(f) >= cutoff {
			kept = append(kept, cpu)
		} else {
			slow = append(slow, cpu)
		}
	}
	if len(slow) > 0 {
		log.Debug("excluding slower cores from allocation pool (more than %.0f%% below fastest core): %v", threshold*100, slow)
	}
	return kept
}

// Discover reads the full raw topology for the given CPU core IDs: HT
// siblings, cache/package/die/cluster/drawer/book levels, NUMA node
// membership and distance matrix, and per-core max frequency.
func Discover(cores []int) (*Topology, error) {
	sorted := append([]int(nil), cores...)
	sort.Ints(sorted)

	siblings, err := ReadSiblings(sorted)
	if err != nil {
		return nil, err
	}

	var levels []LevelMapping
	l3, err := ReadL3CacheLevel(sorted)
	if err != nil {
		return nil, err
	}
	if l3 != nil {
		levels = append(levels, *l3)
	}

	for _, spec := range []struct {
		name string
		attr string
	}{
		{"package", "physical_package_id"},
		{"die", "die_id"},
		{"cluster", "cluster_id"},
		{"drawer", "drawer_id"},
		{"book", "book_id"},
	} {
		lvl, err := genericLevel(spec.name, spec.attr, sorted)
		if err != nil {
			return nil, err
		}
		if lvl != nil {
			levels = append(levels, *lvl)
		}
	}

	numa, err := ReadNUMANodes(sorted)
	if err != nil {
		return nil, err
	}

	var distance map[int][]int
	if numa != nil {
		nodeIDs := make([]int, 0, len(numa))
		for id := range numa {
			nodeIDs = append(nodeIDs, id)
		}
		sort.Ints(nodeIDs)
		distance, err = ReadNUMADistance(nodeIDs)
		if err != nil {
			return nil, err
		}
	}

	freqs, err := ReadMaxFrequency(sorted)
	if err != nil {
		return nil, err
	}

	return &Topology{
		Cores:        sorted,
		Siblings:     siblings,
		Levels:       levels,
		NUMANodes:    numa,
		NUMADistance: distance,
		MaxFreq:      freqs,
	}, nil
}
