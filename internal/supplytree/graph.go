package supplytree

import (
	"container/heap"
	"slices"
)

// graph is a dependency graph over tree IDs: node -> nodes it depends on.
// order gives each node's creation rank, used to break ties.
type graph struct {
	deps  map[string][]string
	order map[string]int
}

func newGraph() *graph {
	return &graph{deps: make(map[string][]string), order: make(map[string]int)}
}

func (g *graph) addNode(id string) {
	if _, ok := g.order[id]; ok {
		return
	}
	g.order[id] = len(g.order)
	if g.deps[id] == nil {
		g.deps[id] = []string{}
	}
}

func (g *graph) addEdge(from, dependsOn string) {
	g.addNode(from)
	g.addNode(dependsOn)
	g.deps[from] = append(g.deps[from], dependsOn)
}

// nodes returns node IDs in creation order.
func (g *graph) nodes() []string {
	out := make([]string, len(g.order))
	for id, n := range g.order {
		out[n] = id
	}
	return out
}

// cyclicNodes returns every node that lies on a cycle, in creation order.
// It runs Kosaraju's two passes: a white/grey/black DFS over dependency
// edges records finish order (and whether any back edge exists), then a
// sweep over reversed edges in reverse finish order labels strongly
// connected components. The validator uses Tarjan's algorithm on the same
// graph; the two are kept separate so that each checks the other.
func (g *graph) cyclicNodes() []string {
	const (
		white = iota
		grey
		black
	)
	nodes := g.nodes()
	colour := make(map[string]int, len(nodes))
	finished := make([]string, 0, len(nodes))
	backEdge := false

	var visit func(v string)
	visit = func(v string) {
		colour[v] = grey
		for _, w := range g.deps[v] {
			switch colour[w] {
			case white:
				visit(w)
			case grey:
				backEdge = true
			}
		}
		colour[v] = black
		finished = append(finished, v)
	}
	for _, v := range nodes {
		if colour[v] == white {
			visit(v)
		}
	}
	if !backEdge {
		return nil
	}

	reverse := make(map[string][]string, len(nodes))
	for _, v := range nodes {
		for _, w := range g.deps[v] {
			reverse[w] = append(reverse[w], v)
		}
	}
	component := make(map[string]int, len(nodes))
	size := make(map[int]int)
	var assign func(v string, c int)
	assign = func(v string, c int) {
		component[v] = c
		size[c]++
		for _, u := range reverse[v] {
			if _, ok := component[u]; !ok {
				assign(u, c)
			}
		}
	}
	for i := len(finished) - 1; i >= 0; i-- {
		if _, ok := component[finished[i]]; !ok {
			assign(finished[i], i)
		}
	}

	var out []string
	for _, v := range nodes {
		if size[component[v]] > 1 || slices.Contains(g.deps[v], v) {
			out = append(out, v)
		}
	}
	return out
}

// rankHeap is a min-heap of creation ranks.
type rankHeap []int

func (h rankHeap) Len() int           { return len(h) }
func (h rankHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h rankHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *rankHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *rankHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

// sequence orders nodes so every dependency precedes its dependents, using
// Kahn's algorithm with ties broken by creation rank. Nodes on a cycle, and
// nodes that depend on them, never become ready and are omitted. stages
// groups the sequence by dependency level.
func (g *graph) sequence() (seq []string, stages [][]string) {
	nodes := g.nodes()
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))
	for _, v := range nodes {
		for _, d := range slices.Compact(slices.Sorted(slices.Values(g.deps[v]))) {
			indegree[v]++
			dependents[d] = append(dependents[d], v)
		}
	}

	ready := &rankHeap{}
	for _, v := range nodes {
		if indegree[v] == 0 {
			heap.Push(ready, g.order[v])
		}
	}

	level := make(map[string]int, len(nodes))
	for ready.Len() > 0 {
		v := nodes[heap.Pop(ready).(int)]
		seq = append(seq, v)
		for _, d := range g.deps[v] {
			level[v] = max(level[v], level[d]+1)
		}
		if level[v] == len(stages) {
			stages = append(stages, nil)
		}
		stages[level[v]] = append(stages[level[v]], v)

		for _, w := range dependents[v] {
			indegree[w]--
			if indegree[w] == 0 {
				heap.Push(ready, g.order[w])
			}
		}
	}
	return seq, stages
}
