package hierarchy

import (
	"sort"

	"github.com/sosy-lab/benchexec-sub002/pkg/runbench/rberrors"
)

// GroupNUMANodes builds the "NUMA group" topology level: NUMA nodes are
// grouped with their closest neighbors by kernel-reported distance, so
// that e.g. a dual-socket NUMA machine with four nodes per socket gets an
// intermediate level between "numa" and "root" covering the nodes within
// the same socket. Returns nil if every node's closest-neighbor set is
// just itself (nothing to group), and an error if a node's distance row
// holds its smallest value more than once, which the distance-vector
// grouping heuristic cannot interpret.
func GroupNUMANodes(nodes map[int][]int, distance map[int][]int) (*Level, error) {
	nodeIDs := make([]int, 0, len(nodes))
	for id := range nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Ints(nodeIDs)

	groupKey := make(map[int][]int, len(nodeIDs)) // node -> sorted closest-neighbor node IDs
	for _, node := range nodeIDs {
		closest, err := closestNodes(node, nodeIDs, distance[node])
		if err != nil {
			return nil, err
		}
		groupKey[node] = closest
	}

	anyGrouping := false
	for _, closest := range groupKey {
		if len(closest) > 1 {
			anyGrouping = true
			break
		}
	}
	if !anyGrouping {
		return nil, nil
	}

	regions := make(map[int][]int)
	assigned := make(map[int]int) // node -> region key
	for _, node := range nodeIDs {
		key := groupKey[node][0]
		assigned[node] = key
	}
	for _, node := range nodeIDs {
		key := assigned[node]
		regions[key] = append(regions[key], nodes[node]...)
	}
	for key := range regions {
		sort.Ints(regions[key])
	}

	return &Level{Name: "numa-group", Regions: regions}, nil
}

// closestNodes implements the distance-vector "closest set" heuristic:
// given node's distance to every other node (indexed by node ID position
// in the distance row, not by nodeIDs index), return node itself plus any
// other nodes tied for second-smallest distance, assuming node's distance
// to itself is always the unique smallest entry in its row.
func closestNodes(node int, nodeIDs []int, row []int) ([]int, error) {
	if len(row) == 0 {
		return []int{node}, nil
	}

	smallest := row[0]
	for _, d := range row {
		if d < smallest {
			smallest = d
		}
	}
	count := 0
	for _, d := range row {
		if d == smallest {
			count++
		}
	}
	if count != 1 {
		return nil, &rberrors.AsymmetricTopologyError{Level: "numa-group"}
	}

	var secondSmallest int
	found := false
	for _, d := range row {
		if d != smallest {
			if !found || d < secondSmallest {
				secondSmallest = d
				found = true
			}
		}
	}

	greatest := row[0]
	for _, d := range row {
		if d > greatest {
			greatest = d
		}
	}

	group := []int{node}
	if found && secondSmallest != greatest {
		for i, d := range row {
			if i < len(nodeIDs) && d == secondSmallest && nodeIDs[i] != node {
				group = append(group, nodeIDs[i])
			}
		}
	}
	sort.Ints(group)
	return group, nil
}
