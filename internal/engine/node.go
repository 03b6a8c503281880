package engine

import (
	"sync"
	"sync/atomic"

	"github.com/vk/visiongraph/internal/status"
)

// Node is an instance of a kernel inside a graph, with its parameters bound
// to data objects.
type Node struct {
	Reference

	graph  *Graph
	kernel *Kernel
	// params is guarded by the owning graph's topology lock.
	params []Ref

	executed atomic.Bool
	// visited is only touched by the goroutine executing the graph.
	visited bool

	attrMu        sync.Mutex
	status        status.Status
	perf          Perf
	callback      NodeCallback
	child         *Graph
	border        Border
	localDataSize int
	localData     []byte
	initialized   bool
	bandwidth     uint64
}

// CreateNode instantiates k in g. The caller receives an external hold; the
// graph keeps its own internal hold until the node is removed.
func (g *Graph) CreateNode(k *Kernel) (*Node, error) {
	if !IsValidOf(g, TypeGraph) {
		return nil, status.Errorf(status.InvalidReference, "invalid graph")
	}
	if !IsValidOf(k, TypeKernel) {
		return nil, status.Errorf(status.InvalidReference, "invalid kernel")
	}
	if !k.Enabled() {
		return nil, status.Errorf(status.InvalidReference, "kernel %s is not finalized", k.name)
	}
	e := g.engine

	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.nodes) >= e.cfg.MaxNodesPerGraph {
		e.Log(g, status.NoResources, "Graph already holds the maximum of %d nodes", e.cfg.MaxNodesPerGraph)
		return nil, status.Errorf(status.NoResources, "graph holds the maximum of %d nodes", e.cfg.MaxNodesPerGraph)
	}
	attrs := k.Attributes()
	n := &Node{
		graph:         g,
		kernel:        k,
		params:        make([]Ref, len(k.sig)),
		localDataSize: attrs.LocalDataSize,
	}
	if err := e.initReference(&n.Reference, n, TypeNode, external, g); err != nil {
		return nil, err
	}
	n.increment(internal)
	k.increment(internal)

	g.topo.Lock()
	g.nodes = append(g.nodes, n)
	g.topo.Unlock()
	g.verified.Store(false)
	return n, nil
}

// CreateNodeWith creates a node and binds refs to its parameters in order.
// A nil entry leaves the slot unbound.
func (g *Graph) CreateNodeWith(k *Kernel, refs ...Ref) (*Node, error) {
	n, err := g.CreateNode(k)
	if err != nil {
		return nil, err
	}
	for i, r := range refs {
		if isNilRef(r) {
			continue
		}
		if err := n.SetParameter(i, r); err != nil {
			_ = n.Remove()
			return nil, err
		}
	}
	return n, nil
}

// Release drops the caller's hold.
func (n *Node) Release() error {
	return n.engine.releaseReference(n, TypeNode, external)
}

// Remove detaches the node from its graph and drops the caller's hold.
func (n *Node) Remove() error {
	if !IsValidOf(n, TypeNode) {
		return status.Errorf(status.InvalidReference, "invalid node")
	}
	if g := n.graph; g != nil {
		g.mu.Lock()
		g.removeNode(n)
		g.mu.Unlock()
	}
	return n.Release()
}

func (n *Node) destruct() {
	params := n.paramsSnapshot()
	n.attrMu.Lock()
	initialized := n.initialized
	n.initialized = false
	n.attrMu.Unlock()
	if initialized && n.kernel.deinit != nil {
		if err := n.kernel.deinit.Deinitialize(n, params); err != nil {
			n.engine.logger.Warn("Kernel deinitialize failed.", "kernel", n.kernel.name, "error", err)
		}
	}
	for i := range n.params {
		n.bind(i, nil, false)
	}
	n.attrMu.Lock()
	child := n.child
	n.child = nil
	n.localData = nil
	n.attrMu.Unlock()
	if child != nil {
		_ = n.engine.releaseReference(child, TypeGraph, internal)
	}
	_ = n.engine.releaseReference(n.kernel, TypeKernel, internal)
}

// Kernel returns the node's kernel.
func (n *Node) Kernel() *Kernel { return n.kernel }

// Graph returns the owning graph, or nil once the node was removed.
func (n *Node) Graph() *Graph { return n.graph }

// Executed reports whether the node ran in the current or last execution.
func (n *Node) Executed() bool { return n.executed.Load() }

// Status returns the status of the last kernel run.
func (n *Node) Status() status.Status {
	n.attrMu.Lock()
	defer n.attrMu.Unlock()
	return n.status
}

// Perf returns the node timing.
func (n *Node) Perf() Perf {
	n.attrMu.Lock()
	defer n.attrMu.Unlock()
	return n.perf
}

// Border returns the node border mode.
func (n *Node) Border() Border {
	n.attrMu.Lock()
	defer n.attrMu.Unlock()
	return n.border
}

// SetBorder sets the border mode the kernel should apply.
func (n *Node) SetBorder(b Border) error {
	if !IsValidOf(n, TypeNode) {
		return status.Errorf(status.InvalidReference, "invalid node")
	}
	if !b.Mode.valid() {
		return status.Errorf(status.InvalidValue, "unknown border mode %d", int(b.Mode))
	}
	n.attrMu.Lock()
	n.border = b
	n.attrMu.Unlock()
	n.invalidateGraph()
	return nil
}

// SetLocalDataSize changes the node scratch memory size. It only takes
// effect before the node's graph is verified.
func (n *Node) SetLocalDataSize(size int) error {
	if !IsValidOf(n, TypeNode) {
		return status.Errorf(status.InvalidReference, "invalid node")
	}
	if size < 0 {
		return status.Errorf(status.InvalidValue, "negative local data size %d", size)
	}
	n.attrMu.Lock()
	defer n.attrMu.Unlock()
	if n.localData != nil {
		return status.Errorf(status.NotSupported, "local data already allocated")
	}
	n.localDataSize = size
	return nil
}

// LocalData returns the node scratch memory allocated at verification.
func (n *Node) LocalData() []byte {
	n.attrMu.Lock()
	defer n.attrMu.Unlock()
	return n.localData
}

// Bandwidth returns the bytes of object memory the node touches, computed
// at verification.
func (n *Node) Bandwidth() uint64 {
	n.attrMu.Lock()
	defer n.attrMu.Unlock()
	return n.bandwidth
}

// AssignCallback installs cb, or clears it when cb is nil. Replacing one
// callback with another is not supported.
func (n *Node) AssignCallback(cb NodeCallback) error {
	if !IsValidOf(n, TypeNode) {
		return status.Errorf(status.InvalidReference, "invalid node")
	}
	n.attrMu.Lock()
	defer n.attrMu.Unlock()
	if n.callback != nil && cb != nil {
		return status.Errorf(status.NotSupported, "node already has a callback")
	}
	n.callback = cb
	return nil
}

func (n *Node) callbackFn() NodeCallback {
	n.attrMu.Lock()
	defer n.attrMu.Unlock()
	return n.callback
}

// ChildGraph returns the graph run in place of the kernel, if any.
func (n *Node) ChildGraph() *Graph {
	n.attrMu.Lock()
	defer n.attrMu.Unlock()
	return n.child
}

// SetChildGraph makes n run child instead of its kernel. The child's
// graph parameters must match the kernel signature slot for slot; the
// node's current bindings are pushed into the child.
func (n *Node) SetChildGraph(child *Graph) error {
	if !IsValidOf(n, TypeNode) {
		return status.Errorf(status.InvalidReference, "invalid node")
	}
	if child != nil {
		if !IsValidOf(child, TypeGraph) {
			return status.Errorf(status.InvalidReference, "invalid child graph")
		}
		if child == n.graph {
			return status.Errorf(status.InvalidGraph, "a graph cannot be its own child")
		}
		if err := child.matchesSignature(n.kernel); err != nil {
			n.engine.Log(n, status.InvalidGraph, "Node %s: child graph does not match kernel signature: %v", n.kernel.name, err)
			return err
		}
		child.increment(internal)
	}
	n.attrMu.Lock()
	old := n.child
	n.child = child
	n.attrMu.Unlock()
	if old != nil {
		_ = n.engine.releaseReference(old, TypeGraph, internal)
	}
	if child != nil {
		for i, p := range n.paramsSnapshot() {
			if p != nil {
				if err := child.SetParameterByIndex(i, p); err != nil {
					return err
				}
			}
		}
	}
	n.invalidateGraph()
	return nil
}

func (n *Node) invalidateGraph() {
	if g := n.graph; g != nil {
		g.verified.Store(false)
	}
}

// paramsSnapshot copies the current bindings.
func (n *Node) paramsSnapshot() []Ref {
	if g := n.graph; g != nil {
		g.topo.RLock()
		defer g.topo.RUnlock()
	}
	out := make([]Ref, len(n.params))
	copy(out, n.params)
	return out
}

// param returns binding index without copying the whole set.
func (n *Node) param(index int) Ref {
	if g := n.graph; g != nil {
		g.topo.RLock()
		defer g.topo.RUnlock()
	}
	return n.params[index]
}

// ParameterRef returns the object bound to index, or nil. No hold is taken;
// kernels and validators use it to inspect their own parameters.
func (n *Node) ParameterRef(index int) Ref {
	if index < 0 || index >= len(n.params) {
		return nil
	}
	return n.param(index)
}

// SetParameter binds value to slot index.
func (n *Node) SetParameter(index int, value Ref) error {
	if !IsValidOf(n, TypeNode) {
		return status.Errorf(status.InvalidReference, "invalid node")
	}
	e := n.engine
	k := n.kernel
	if index < 0 || index >= len(k.sig) {
		e.Log(n, status.InvalidValue, "Node %s: parameter index %d out of range", k.name, index)
		return status.Errorf(status.InvalidValue, "node %s has no parameter %d", k.name, index)
	}
	sig := k.sig[index]
	if isNilRef(value) {
		if sig.state == Optional {
			n.bind(index, nil, true)
			return nil
		}
		e.Log(n, status.InvalidReference, "Node %s: parameter[%d] is required", k.name, index)
		return status.Errorf(status.InvalidReference, "node %s parameter %d is required", k.name, index)
	}
	if !IsValid(value) {
		e.Log(n, status.InvalidReference, "Node %s: parameter[%d] is not a valid reference", k.name, index)
		return status.Errorf(status.InvalidReference, "node %s parameter %d: invalid reference", k.name, index)
	}
	if !typeAccepts(sig.typ, value) {
		e.Log(n, status.InvalidType, "Node %s: parameter[%d] expects %s, got %s", k.name, index, sig.typ, value.Type())
		return status.Errorf(status.InvalidType, "node %s parameter %d expects %s, got %s", k.name, index, sig.typ, value.Type())
	}

	n.bind(index, value, true)

	if child := n.ChildGraph(); child != nil {
		if err := child.SetParameterByIndex(index, value); err != nil {
			return err
		}
	}
	return nil
}

// typeAccepts reports whether an object may be bound to a slot declared as
// t. A scalar slot declared with a scalar data type accepts scalars of
// exactly that data type.
func typeAccepts(t Type, value Ref) bool {
	if t == TypeReference || t == value.Type() {
		return true
	}
	if s, ok := value.(*Scalar); ok && IsScalarType(t) {
		return s.dataType == t
	}
	return false
}

// bind swaps the object in slot index, moving the internal hold and the
// delay association. The graph must verify again.
func (n *Node) bind(index int, value Ref, invalidate bool) {
	if !isNilRef(value) {
		value.base().increment(internal)
		if d := value.base().delay; d != nil {
			d.addAssociation(value, n, index)
		}
	} else {
		value = nil
	}

	g := n.graph
	if g != nil {
		g.topo.Lock()
	}
	old := n.params[index]
	n.params[index] = value
	if g != nil {
		g.topo.Unlock()
	}

	if old != nil {
		if d := old.base().delay; d != nil {
			d.removeAssociation(old, n, index)
		}
		_ = n.engine.releaseReference(old, TypeReference, internal)
	}
	if invalidate && g != nil {
		g.verified.Store(false)
	}
}

// replace swaps slot index without touching delay associations, as delay
// aging does. The graph stays verified because the new object has the same
// shape as the old one.
func (n *Node) replace(index int, value Ref) {
	value.base().increment(internal)
	g := n.graph
	if g != nil {
		g.topo.Lock()
	}
	old := n.params[index]
	n.params[index] = value
	if g != nil {
		g.topo.Unlock()
	}
	if old != nil {
		_ = n.engine.releaseReference(old, TypeReference, internal)
	}
}

// setAccessible opens or closes the virtual objects bound to n.
func (n *Node) setAccessible(on bool) {
	for _, p := range n.paramsSnapshot() {
		if p == nil || !p.base().virtual {
			continue
		}
		p.base().accessible.Store(on)
		if pyr, ok := p.(*Pyramid); ok {
			for _, lvl := range pyr.levelsSnapshot() {
				lvl.accessible.Store(on)
			}
		}
	}
}
