package domain

import "slices"

// visitState tracks DFS progress for one milestone.
type visitState uint8

const (
	unvisited visitState = iota
	onPath
	done
)

// ValidateDependencies checks that every dependency names an existing milestone and that the
// dependency graph is acyclic. Self-references count as cycles.
func ValidateDependencies(milestones []Milestone) error {
	deps := make(map[string][]string, len(milestones))
	for _, m := range milestones {
		deps[m.ID] = m.Dependencies
	}
	for _, m := range milestones {
		for _, dep := range m.Dependencies {
			if _, ok := deps[dep]; !ok {
				return &DanglingDependencyError{MilestoneID: m.ID, DependencyID: dep}
			}
		}
	}

	state := make(map[string]visitState, len(milestones))
	path := make([]string, 0, len(milestones))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case done:
			return nil
		case onPath:
			return &CyclicDependencyError{Path: cyclePath(path, id)}
		}
		state[id] = onPath
		path = append(path, id)
		for _, dep := range deps[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[id] = done
		return nil
	}
	for _, m := range milestones {
		if err := visit(m.ID); err != nil {
			return err
		}
	}
	return nil
}

// ProposedCycle returns the cycle closed by giving milestoneID the proposed dependencies, starting
// and ending on milestoneID, or nil when the edit keeps the graph acyclic.
func ProposedCycle(milestones []Milestone, milestoneID string, proposed []string) []string {
	deps := make(map[string][]string, len(milestones))
	for _, m := range milestones {
		deps[m.ID] = m.Dependencies
	}
	for _, dep := range proposed {
		if dep == milestoneID {
			return []string{milestoneID, milestoneID}
		}
		if path := pathTo(deps, dep, milestoneID); path != nil {
			return append([]string{milestoneID}, path...)
		}
	}
	return nil
}

// pathTo returns the shortest dependency path from "from" to target, or nil.
func pathTo(deps map[string][]string, from, target string) []string {
	parent := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range deps[current] {
			if _, seen := parent[next]; seen {
				continue
			}
			parent[next] = current
			if next == target {
				path := []string{target}
				for at := current; at != ""; at = parent[at] {
					path = append(path, at)
				}
				slices.Reverse(path)
				return path
			}
			queue = append(queue, next)
		}
	}
	return nil
}

// cyclePath returns the cycle portion of the DFS path closed by id.
func cyclePath(path []string, id string) []string {
	start := 0
	for i, p := range path {
		if p == id {
			start = i
			break
		}
	}
	out := make([]string, 0, len(path)-start+1)
	out = append(out, path[start:]...)
	return append(out, id)
}
