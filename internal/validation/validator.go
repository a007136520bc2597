// Package validation checks the structural invariants of an assembled
// supply-tree solution.
package validation

import (
	"fmt"
	"slices"
	"strings"

	"github.com/sells-group/supplytree/internal/model"
)

// Validate reports every structural problem of sol. It never fails; a nil
// solution is reported as invalid.
func Validate(sol *model.SupplyTreeSolution) model.ValidationResult {
	var res model.ValidationResult
	if sol == nil {
		res.Errors = []string{"solution: nil"}
		return res
	}
	errorf := func(format string, args ...any) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}

	ids := make(map[string]int, len(sol.AllTrees))
	for i, t := range sol.AllTrees {
		if t.ID == "" {
			errorf("all_trees[%d].id: required", i)
			continue
		}
		if _, dup := ids[t.ID]; dup {
			errorf("all_trees[%d].id: duplicate %s", i, t.ID)
			continue
		}
		ids[t.ID] = i
	}

	for _, key := range sol.RequiredComponents {
		if len(sol.ComponentMapping[key]) == 0 {
			res.UnmatchedComponents = append(res.UnmatchedComponents, key)
			errorf("component %s: no supply tree", key)
		}
	}

	for _, t := range sol.AllTrees {
		switch {
		case t.ParentTreeID == "":
		case t.ParentTreeID == t.ID:
			errorf("tree %s: parent_tree_id refers to itself", t.ID)
		default:
			if _, ok := ids[t.ParentTreeID]; !ok {
				errorf("tree %s: parent_tree_id %s does not resolve", t.ID, t.ParentTreeID)
			}
		}
	}

	for _, key := range sortedKeys(sol.ComponentMapping) {
		for _, id := range sol.ComponentMapping[key] {
			if _, ok := ids[id]; !ok {
				errorf("component_mapping[%s]: unknown tree %s", key, id)
			}
		}
	}
	for _, id := range sol.RootTrees {
		if _, ok := ids[id]; !ok {
			errorf("root_trees: unknown tree %s", id)
		}
	}
	for _, from := range sortedKeys(sol.DependencyGraph) {
		if _, ok := ids[from]; !ok {
			errorf("dependency_graph: unknown tree %s", from)
		}
		for _, to := range sol.DependencyGraph[from] {
			if _, ok := ids[to]; !ok {
				errorf("dependency_graph[%s]: unknown tree %s", from, to)
			}
		}
	}

	for _, cycle := range Cycles(sol.DependencyGraph) {
		res.CircularDependencies = append(res.CircularDependencies, cycle)
		errorf("circular dependency: %s", strings.Join(append(slices.Clone(cycle), cycle[0]), " -> "))
	}

	checkSequence(sol, ids, &res, errorf)

	res.IsValid = len(res.Errors) == 0
	return res
}

func checkSequence(sol *model.SupplyTreeSolution, ids map[string]int, res *model.ValidationResult, errorf func(string, ...any)) {
	pos := make(map[string]int, len(sol.ProductionSequence))
	for i, id := range sol.ProductionSequence {
		if _, ok := ids[id]; !ok {
			errorf("production_sequence[%d]: unknown tree %s", i, id)
			continue
		}
		if _, dup := pos[id]; dup {
			errorf("production_sequence[%d]: duplicate tree %s", i, id)
			continue
		}
		pos[id] = i
	}

	for _, id := range sol.ProductionSequence {
		p, ok := pos[id]
		if !ok {
			continue
		}
		for _, dep := range sol.DependencyGraph[id] {
			if dp, ok := pos[dep]; ok && dp > p {
				errorf("production_sequence: %s scheduled before its dependency %s", id, dep)
			}
		}
	}

	for _, t := range sol.AllTrees {
		if _, ok := pos[t.ID]; !ok && t.ID != "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("tree %s: not in production_sequence", t.ID))
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
