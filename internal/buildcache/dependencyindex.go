package buildcache

import (
	"sync"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// DependencyIndex maps resolved symbol names to the BuildKeys whose last
// successful build actually read them, matching spec.md §3's
// "DependencyIndex. Persistent multimap qualified-name → set of dependent
// BuildKeys". It is realized as a directed graph from symbol-name nodes to
// dependent BuildKey nodes, the same graph+topo.Sort combination the teacher
// uses to order package builds (internal/batch/batch.go), so that a symbol
// itself produced by a build invalidates its own dependents in dependency
// order rather than an arbitrary one.
type DependencyIndex struct {
	mu      sync.Mutex
	g       *simple.DirectedGraph
	nextID  int64
	symbols map[string]*indexNode
	keys    map[BuildKey]*indexNode
}

type nodeKind int

const (
	symbolNode nodeKind = iota
	keyNode
)

type indexNode struct {
	id     int64
	kind   nodeKind
	symbol string
	key    BuildKey
}

func (n *indexNode) ID() int64 { return n.id }

// NewDependencyIndex returns an empty index.
func NewDependencyIndex() *DependencyIndex {
	return &DependencyIndex{
		g:       simple.NewDirectedGraph(),
		symbols: make(map[string]*indexNode),
		keys:    make(map[BuildKey]*indexNode),
	}
}

func (d *DependencyIndex) symbolNodeLocked(name string) *indexNode {
	if n, ok := d.symbols[name]; ok {
		return n
	}
	n := &indexNode{id: d.nextID, kind: symbolNode, symbol: name}
	d.nextID++
	d.symbols[name] = n
	d.g.AddNode(n)
	return n
}

func (d *DependencyIndex) keyNodeLocked(key BuildKey) *indexNode {
	if n, ok := d.keys[key]; ok {
		return n
	}
	n := &indexNode{id: d.nextID, kind: keyNode, key: key}
	d.nextID++
	d.keys[key] = n
	d.g.AddNode(n)
	return n
}

// Record registers that key's last successful build resolved each name in
// resolved, matching spec.md §4.4 step 3: "the front-end reports every
// qualified name it actually read during specialization; the dependency
// index records key as a dependent of each one."
func (d *DependencyIndex) Record(key BuildKey, resolved []string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kn := d.keyNodeLocked(key)
	// Drop this key's previous edges: a rebuild may have read a different
	// symbol set than the last one (spec.md §4.4 "the dependency set is
	// replaced, not accumulated, on every successful build").
	if it := d.g.To(kn.ID()); it != nil {
		var froms []int64
		for it.Next() {
			froms = append(froms, it.Node().ID())
		}
		for _, from := range froms {
			d.g.RemoveEdge(from, kn.ID())
		}
	}
	for _, name := range resolved {
		sn := d.symbolNodeLocked(name)
		d.g.SetEdge(d.g.NewEdge(sn, kn))
	}
}

// Forget removes key from the index entirely, called once it is evicted
// from the BuildCache.
func (d *DependencyIndex) Forget(key BuildKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.keys[key]
	if !ok {
		return
	}
	d.g.RemoveNode(n.ID())
	delete(d.keys, key)
}

// DependentsOf returns every BuildKey reachable from name, in topological
// (dependency) order, so a symbol that is itself produced by a build
// invalidates its own dependents after it has been invalidated.
func (d *DependencyIndex) DependentsOf(name string) ([]BuildKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sn, ok := d.symbols[name]
	if !ok {
		return nil, nil
	}

	reachable := d.reachableFromLocked(sn.ID())
	if len(reachable) == 0 {
		return nil, nil
	}

	order, err := topo.Sort(d.g)
	if err != nil {
		if unorderable, isCycle := err.(topo.Unorderable); isCycle {
			order = flattenCycles(unorderable)
		} else {
			return nil, err
		}
	}

	var keys []BuildKey
	for _, gn := range order {
		n := gn.(*indexNode)
		if n.kind == keyNode && reachable[n.id] {
			keys = append(keys, n.key)
		}
	}
	return keys, nil
}

func (d *DependencyIndex) reachableFromLocked(start int64) map[int64]bool {
	seen := map[int64]bool{start: true}
	queue := []int64{start}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		it := d.g.From(id)
		for it.Next() {
			n := it.Node()
			if !seen[n.ID()] {
				seen[n.ID()] = true
				queue = append(queue, n.ID())
			}
		}
	}
	delete(seen, start)
	return seen
}

// flattenCycles best-effort orders a cyclic graph's strongly-connected
// components by concatenating them as topo.Sort returns them: within a
// cycle no order is dependency-correct, but recompiling every member of the
// cycle is still safe, only potentially redundant.
func flattenCycles(u topo.Unorderable) []graph.Node {
	var flat []graph.Node
	for _, scc := range u {
		flat = append(flat, scc...)
	}
	return flat
}
