package validation

import (
	"cmp"
	"slices"
)

// Cycles finds the strongly connected components of graph that form cycles:
// components with more than one node, or a single node depending on
// itself. Each cycle is rotated to start at its smallest ID and listed in
// edge order where possible; cycles are sorted by their first ID.
func Cycles(graph map[string][]string) [][]string {
	var (
		index   int
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		out     [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
		var scc []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		if len(scc) > 1 || slices.Contains(graph[v], v) {
			out = append(out, cyclePath(scc, graph))
		}
	}

	for _, v := range sortedKeys(graph) {
		if _, visited := indices[v]; !visited {
			strongConnect(v)
		}
	}

	slices.SortFunc(out, func(a, b []string) int { return cmp.Compare(a[0], b[0]) })
	return out
}

// cyclePath walks the component from its smallest member, following edges
// that stay inside the component, and appends any members the walk missed.
func cyclePath(scc []string, graph map[string][]string) []string {
	members := make(map[string]bool, len(scc))
	for _, v := range scc {
		members[v] = true
	}
	start := slices.Min(scc)

	path := []string{start}
	seen := map[string]bool{start: true}
	for cur := start; ; {
		next := ""
		for _, w := range graph[cur] {
			if members[w] && !seen[w] && (next == "" || w < next) {
				next = w
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		seen[next] = true
		cur = next
	}

	rest := make([]string, 0, len(scc))
	for _, v := range scc {
		if !seen[v] {
			rest = append(rest, v)
		}
	}
	slices.Sort(rest)
	return append(path, rest...)
}
