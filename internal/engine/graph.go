package engine

import (
	"sync"
	"sync/atomic"

	"github.com/vk/visiongraph/internal/status"
)

// Graph is a set of nodes connected through the data objects they share.
type Graph struct {
	Reference

	// mu serializes verification and structural edits.
	mu sync.Mutex
	// topo guards nodes and node parameter bindings for readers that must
	// not wait for a verification in progress.
	topo  sync.RWMutex
	nodes []*Node
	heads []int

	// running is held while the graph executes or sits in the schedule
	// queue; owner is the goroutine currently executing it.
	running sync.Mutex
	owner   atomic.Int64

	verified  atomic.Bool
	serialize atomic.Bool

	params []graphParam

	perfMu     sync.Mutex
	perf       Perf
	lastStatus status.Status
}

// graphParam forwards a graph parameter to a node slot.
type graphParam struct {
	node  *Node
	index int
}

// CreateGraph returns an empty graph.
func (e *Engine) CreateGraph() (*Graph, error) {
	if !IsValidOf(e, TypeContext) {
		return nil, status.Errorf(status.InvalidReference, "invalid engine")
	}
	g := &Graph{}
	if err := e.initReference(&g.Reference, g, TypeGraph, external, e); err != nil {
		return nil, err
	}
	return g, nil
}

// Release drops the caller's hold.
func (g *Graph) Release() error {
	return g.engine.releaseReference(g, TypeGraph, external)
}

func (g *Graph) destruct() {
	g.mu.Lock()
	g.topo.Lock()
	nodes := g.nodes
	g.nodes = nil
	g.heads = nil
	g.params = nil
	for _, n := range nodes {
		n.graph = nil
	}
	g.topo.Unlock()
	g.mu.Unlock()
	for _, n := range nodes {
		_ = g.engine.releaseReference(n, TypeNode, internal)
	}
}

// removeNode drops n from the node list by moving the last node into its
// place. Called with g.mu held.
func (g *Graph) removeNode(n *Node) {
	g.topo.Lock()
	idx := -1
	for i, cur := range g.nodes {
		if cur == n {
			idx = i
			break
		}
	}
	if idx < 0 {
		g.topo.Unlock()
		return
	}
	last := len(g.nodes) - 1
	g.nodes[idx] = g.nodes[last]
	g.nodes[last] = nil
	g.nodes = g.nodes[:last]
	for i := range g.params {
		if g.params[i].node == n {
			g.params[i] = graphParam{}
		}
	}
	n.graph = nil
	g.topo.Unlock()

	g.verified.Store(false)
	_ = g.engine.releaseReference(n, TypeNode, internal)
}

// Nodes returns the graph nodes in slot order.
func (g *Graph) Nodes() []*Node {
	g.topo.RLock()
	defer g.topo.RUnlock()
	out := make([]*Node, len(g.nodes))
	copy(out, g.nodes)
	return out
}

// NumNodes returns the number of nodes.
func (g *Graph) NumNodes() int {
	g.topo.RLock()
	defer g.topo.RUnlock()
	return len(g.nodes)
}

// Heads returns the slot indices of the nodes execution starts from, as
// computed by the last verification.
func (g *Graph) Heads() []int {
	g.topo.RLock()
	defer g.topo.RUnlock()
	out := make([]int, len(g.heads))
	copy(out, g.heads)
	return out
}

// IsVerified reports whether the graph may run without verifying again.
func (g *Graph) IsVerified() bool { return g.verified.Load() }

// SetSerialize forces sequential dispatch of every wavefront.
func (g *Graph) SetSerialize(on bool) { g.serialize.Store(on) }

// Perf returns the graph timing.
func (g *Graph) Perf() Perf {
	g.perfMu.Lock()
	defer g.perfMu.Unlock()
	return g.perf
}

// LastStatus returns the outcome of the last execution.
func (g *Graph) LastStatus() status.Status {
	g.perfMu.Lock()
	defer g.perfMu.Unlock()
	return g.lastStatus
}

// AddParameter exposes a node slot as the next graph parameter. A nil
// parameter reserves an empty slot.
func (g *Graph) AddParameter(p *Parameter) error {
	if !IsValidOf(g, TypeGraph) {
		return status.Errorf(status.InvalidReference, "invalid graph")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if p == nil {
		g.params = append(g.params, graphParam{})
		return nil
	}
	if !IsValidOf(p, TypeParameter) {
		return status.Errorf(status.InvalidReference, "invalid parameter")
	}
	if p.node.graph != g {
		return status.Errorf(status.InvalidParameters, "parameter belongs to a node of another graph")
	}
	if len(g.params) >= g.engine.cfg.MaxParameters {
		return status.Errorf(status.NoResources, "graph holds the maximum of %d parameters", g.engine.cfg.MaxParameters)
	}
	g.params = append(g.params, graphParam{node: p.node, index: p.index})
	return nil
}

// NumParameters returns the number of graph parameters.
func (g *Graph) NumParameters() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.params)
}

func (g *Graph) paramAt(index int) (graphParam, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if index < 0 || index >= len(g.params) {
		return graphParam{}, status.Errorf(status.InvalidValue, "graph has no parameter %d", index)
	}
	gp := g.params[index]
	if gp.node == nil {
		return graphParam{}, status.Errorf(status.InvalidReference, "graph parameter %d is empty", index)
	}
	return gp, nil
}

// SetParameterByIndex binds value to the node slot behind graph parameter
// index. The graph must verify again.
func (g *Graph) SetParameterByIndex(index int, value Ref) error {
	if !IsValidOf(g, TypeGraph) {
		return status.Errorf(status.InvalidReference, "invalid graph")
	}
	gp, err := g.paramAt(index)
	if err != nil {
		return err
	}
	return gp.node.SetParameter(gp.index, value)
}

// ParameterByIndex returns a handle on the node slot behind graph
// parameter index.
func (g *Graph) ParameterByIndex(index int) (*Parameter, error) {
	if !IsValidOf(g, TypeGraph) {
		return nil, status.Errorf(status.InvalidReference, "invalid graph")
	}
	gp, err := g.paramAt(index)
	if err != nil {
		return nil, err
	}
	return gp.node.Parameter(gp.index)
}

// matchesSignature checks that graph parameter i has the direction, state
// and type of kernel slot i.
func (g *Graph) matchesSignature(k *Kernel) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.params) != len(k.sig) {
		return status.Errorf(status.InvalidGraph, "graph has %d parameters, kernel %s has %d", len(g.params), k.name, len(k.sig))
	}
	for i, gp := range g.params {
		if gp.node == nil {
			return status.Errorf(status.InvalidGraph, "graph parameter %d is empty", i)
		}
		have := gp.node.kernel.sig[gp.index]
		want := k.sig[i]
		if have.dir != want.dir || have.typ != want.typ {
			return status.Errorf(status.InvalidGraph, "graph parameter %d is %s %s, kernel %s slot is %s %s",
				i, have.dir, have.typ, k.name, want.dir, want.typ)
		}
		if have.state != want.state {
			return status.Errorf(status.InvalidGraph, "graph parameter %d is %s, kernel %s slot is %s",
				i, have.state, k.name, want.state)
		}
	}
	return nil
}

// readsFrom reports whether a node of g has an input or bidirectional
// parameter depending on ref.
func (g *Graph) readsFrom(ref Ref) bool {
	g.topo.RLock()
	defer g.topo.RUnlock()
	for _, n := range g.nodes {
		for p, sig := range n.kernel.sig {
			if sig.dir == Output {
				continue
			}
			if dependsOn(n.params[p], ref) {
				return true
			}
		}
	}
	return false
}

// dependsOn reports whether a and b name overlapping memory: the same
// object, a pyramid and one of its levels (or a region of one), or two
// images sharing a root whose regions intersect.
func dependsOn(a, b Ref) bool {
	if isNilRef(a) || isNilRef(b) {
		return false
	}
	if a.base() == b.base() {
		return true
	}
	if pyr, ok := a.(*Pyramid); ok {
		if img, ok := b.(*Image); ok {
			return img.root().scope == Ref(pyr)
		}
	}
	if pyr, ok := b.(*Pyramid); ok {
		if img, ok := a.(*Image); ok {
			return img.root().scope == Ref(pyr)
		}
	}
	ia, okA := a.(*Image)
	ib, okB := b.(*Image)
	if okA && okB {
		ra, rectA := ia.locateROI()
		rb, rectB := ib.locateROI()
		return ra == rb && rectA.Intersects(rectB)
	}
	return false
}
