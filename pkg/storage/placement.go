package storage

import (
	"fmt"
	"sort"

	"replistore/pkg/protocol"
	"replistore/pkg/types"
)

// DistributionStrategy decides which nodes hold which files.
type DistributionStrategy struct {
	replicationFactor int
}

func NewDistributionStrategy(replicationFactor int) *DistributionStrategy {
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	return &DistributionStrategy{
		replicationFactor: replicationFactor,
	}
}

func (ds *DistributionStrategy) ReplicationFactor() int {
	return ds.replicationFactor
}

// Select returns R distinct nodes from the sorted node list, starting at
// offset and wrapping around.
func (ds *DistributionStrategy) Select(nodes []types.NodeID, offset int) ([]types.NodeID, error) {
	if len(nodes) < ds.replicationFactor {
		return nil, fmt.Errorf("%w: have %d, need %d", types.ErrNotEnoughNodes, len(nodes), ds.replicationFactor)
	}

	sorted := sortedNodes(nodes)
	start := offset % len(sorted)
	if start < 0 {
		start += len(sorted)
	}

	selected := make([]types.NodeID, 0, ds.replicationFactor)
	for i := 0; i < ds.replicationFactor; i++ {
		selected = append(selected, sorted[(start+i)%len(sorted)])
	}
	return selected, nil
}

// Assign maps every file to exactly R distinct nodes. Files are visited in
// sorted order and a pointer advances through the sorted nodes, so each node's
// file count differs from any other's by at most one. The result depends only
// on the two input sets.
func (ds *DistributionStrategy) Assign(files []string, nodes []types.NodeID) (map[string][]types.NodeID, error) {
	if len(nodes) < ds.replicationFactor {
		return nil, fmt.Errorf("%w: have %d, need %d", types.ErrNotEnoughNodes, len(nodes), ds.replicationFactor)
	}

	sortedFiles := append([]string(nil), files...)
	sort.Strings(sortedFiles)

	sorted := sortedNodes(nodes)
	assignment := make(map[string][]types.NodeID, len(sortedFiles))
	pointer := 0
	for _, file := range sortedFiles {
		if _, seen := assignment[file]; seen {
			continue
		}
		targets := make([]types.NodeID, 0, ds.replicationFactor)
		for i := 0; i < ds.replicationFactor; i++ {
			targets = append(targets, sorted[(pointer+i)%len(sorted)])
		}
		types.SortNodeIDs(targets)
		assignment[file] = targets
		pointer = (pointer + ds.replicationFactor) % len(sorted)
	}
	return assignment, nil
}

// Plan is the outcome of one rebalance computation.
type Plan struct {
	// Assignment is the target holder set of every retained file.
	Assignment map[string][]types.NodeID
	// Targets is the file set each node holds once the plan has run.
	Targets map[types.NodeID][]string
	// Instructions holds one entry per participating node, possibly empty.
	Instructions map[types.NodeID]protocol.Rebalance
}

// Transfers counts the node-to-node pushes the plan requires.
func (p *Plan) Transfers() int {
	n := 0
	for _, instr := range p.Instructions {
		for _, m := range instr.Moves {
			n += len(m.Destinations)
		}
	}
	return n
}

// Deletions counts the files nodes are told to drop.
func (p *Plan) Deletions() int {
	n := 0
	for _, instr := range p.Instructions {
		n += len(instr.Removes)
	}
	return n
}

// BuildPlan computes a rebalance plan from the file sets nodes actually hold.
// Files for which retain returns false are deleted everywhere. Each missing
// replica is pushed by the first sorted node currently holding the file.
func (ds *DistributionStrategy) BuildPlan(held map[types.NodeID][]string, retain func(string) bool) (*Plan, error) {
	nodes := make([]types.NodeID, 0, len(held))
	holders := make(map[string][]types.NodeID)
	for node, files := range held {
		nodes = append(nodes, node)
		for _, f := range files {
			holders[f] = append(holders[f], node)
		}
	}
	types.SortNodeIDs(nodes)

	files := make([]string, 0, len(holders))
	for f := range holders {
		if retain == nil || retain(f) {
			files = append(files, f)
		}
	}

	assignment, err := ds.Assign(files, nodes)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Assignment:   assignment,
		Targets:      make(map[types.NodeID][]string, len(nodes)),
		Instructions: make(map[types.NodeID]protocol.Rebalance, len(nodes)),
	}

	targetSet := make(map[types.NodeID]map[string]bool, len(nodes))
	for _, node := range nodes {
		targetSet[node] = make(map[string]bool)
	}
	sort.Strings(files)
	for _, f := range files {
		for _, node := range assignment[f] {
			targetSet[node][f] = true
			plan.Targets[node] = append(plan.Targets[node], f)
		}
	}

	moves := make(map[types.NodeID][]protocol.Move)
	for _, f := range files {
		current := make(map[types.NodeID]bool, len(holders[f]))
		for _, node := range holders[f] {
			current[node] = true
		}

		var missing []types.NodeID
		for _, node := range assignment[f] {
			if !current[node] {
				missing = append(missing, node)
			}
		}
		if len(missing) == 0 {
			continue
		}

		source := sortedNodes(holders[f])[0]
		moves[source] = append(moves[source], protocol.Move{File: f, Destinations: missing})
	}

	for _, node := range nodes {
		var removes []string
		for _, f := range held[node] {
			if !targetSet[node][f] {
				removes = append(removes, f)
			}
		}
		sort.Strings(removes)
		plan.Instructions[node] = protocol.Rebalance{Moves: moves[node], Removes: removes}
	}

	return plan, nil
}

func sortedNodes(nodes []types.NodeID) []types.NodeID {
	sorted := append([]types.NodeID(nil), nodes...)
	types.SortNodeIDs(sorted)
	return sorted
}
