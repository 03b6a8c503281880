package engine

import (
	"context"

	"github.com/vk/visiongraph/internal/status"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Verify checks the graph and prepares it for execution: parameters are
// validated, virtual objects take their final shape, storage is allocated,
// the single writer rule and acyclicity are enforced, head nodes are found
// and kernels are initialized. Every failure is logged against the graph.
func (g *Graph) Verify(ctx context.Context) error {
	if !IsValidOf(g, TypeGraph) {
		return status.Errorf(status.InvalidReference, "invalid graph")
	}
	e := g.engine
	_, span := e.tracer.Start(ctx, "graph.verify", trace.WithAttributes(
		attribute.String("graph", g.id.String()),
	))
	defer span.End()

	g.mu.Lock()
	st := g.verify()
	g.verified.Store(st == status.Success)
	g.mu.Unlock()

	e.metrics.CountVerify(st.String())
	if st != status.Success {
		span.SetStatus(codes.Error, st.String())
		return status.Errorf(st, "graph verification failed")
	}
	e.logger.Debug("Graph verified.", "graph", g.id, "nodes", g.NumNodes())
	return nil
}

// verify runs the verification phases in order, stopping after the first
// phase that fails. Called with g.mu held.
func (g *Graph) verify() status.Status {
	g.verified.Store(false)
	nodes := g.Nodes()
	params := make([][]Ref, len(nodes))
	for i, n := range nodes {
		params[i] = n.paramsSnapshot()
	}

	phases := []func([]*Node, [][]Ref) status.Status{
		g.validateParameters,
		g.checkWriters,
		g.allocate,
		g.findHeads,
		g.checkCycles,
		g.verifyTargets,
		g.initializeKernels,
		g.computeBandwidth,
	}
	for _, phase := range phases {
		if st := phase(nodes, params); st != status.Success {
			return st
		}
	}
	return status.Success
}

// validateParameters checks required parameters, runs the input validators
// and the output validators and applies their descriptions, node by node.
// Producers are validated before their consumers so that virtual objects
// are shaped before anything reads them.
func (g *Graph) validateParameters(nodes []*Node, params [][]Ref) status.Status {
	e := g.engine
	missing := 0
	for ni, n := range nodes {
		for p, sig := range n.kernel.sig {
			if sig.state == Required && params[ni][p] == nil {
				e.Log(g, status.InvalidParameters, "Node[%d] %s: parameter[%d] was not supplied!", ni, n.kernel.name, p)
				missing++
			}
		}
	}
	if missing > 0 {
		return status.NotSufficient
	}

	st := status.Success
	for _, ni := range validationOrder(nodes, params) {
		n := nodes[ni]
		k := n.kernel
		ps := params[ni]

		for p, sig := range k.sig {
			if sig.dir == Output || ps[p] == nil {
				continue
			}
			if err := k.inputV.ValidateInput(n, p); err != nil {
				s := status.FromError(err)
				e.Log(g, s, "Node[%d] %s: parameter[%d] failed input/bi validation!", ni, k.name, p)
				st = status.First(st, s)
			}
		}

		for p, sig := range k.sig {
			ref := ps[p]
			if ref == nil || sig.dir != Output {
				continue
			}
			if ref.base().virtual {
				if sg, ok := ref.base().scope.(*Graph); ok && sg != g {
					e.Log(ref, status.InvalidScope, "Virtual Reference is in the wrong scope, created from another graph!")
					st = status.First(st, status.InvalidScope)
					break
				}
			}
			meta := newMetaFormat(sig.typ)
			if err := k.outputV.ValidateOutput(n, p, meta); err != nil {
				s := status.FromError(err)
				e.Log(g, s, "Node %s: parameter[%d] failed output validation! (status = %d)", k.name, p, int(s))
				st = status.First(st, s)
				continue
			}
			if s := g.applyMeta(n, p, ref, meta); s != status.Success {
				st = status.First(st, s)
			}
		}
	}
	return st
}

// applyMeta shapes a virtual output after meta, or checks a concrete one
// against it.
func (g *Graph) applyMeta(n *Node, p int, ref Ref, meta *MetaFormat) status.Status {
	e := g.engine
	name := n.kernel.name
	if meta.typ != TypeReference && meta.typ != ref.Type() {
		e.Log(g, status.InvalidType, "Node: %s: parameter[%d] is not a valid type %s!", name, p, meta.typ)
		return status.InvalidType
	}
	switch obj := ref.(type) {
	case *Image:
		w, h, f := meta.Image()
		if obj.virtual {
			if (obj.format != DFImageVirt && obj.format != f) || planeLayout(f) == nil || !validDimensions(w, h, f) {
				e.Log(g, status.InvalidFormat, "Node %s: parameter[%d] has invalid format %s, needs %s", name, p, obj.format, f)
				return status.InvalidFormat
			}
			obj.reshape(w, h, f)
			return status.Success
		}
		if obj.width != w || obj.height != h {
			e.Log(g, status.InvalidDimension, "Node %s: parameter[%d] has an invalid dimension %dx%d, needs %dx%d", name, p, obj.width, obj.height, w, h)
			return status.InvalidDimension
		}
		if obj.format != f {
			e.Log(g, status.InvalidFormat, "Node %s: parameter[%d] has an invalid format %s, needs %s", name, p, obj.format, f)
			return status.InvalidFormat
		}
	case *Pyramid:
		levels, scale, w, h, f := meta.Pyramid()
		if obj.numLevels != levels || obj.scale != scale {
			e.Log(g, status.InvalidValue, "Either levels (%d?=%d) or scale (%f?=%f) are invalid", obj.numLevels, levels, obj.scale, scale)
			return status.InvalidValue
		}
		if pf := obj.Format(); pf != DFImageVirt && pf != f {
			e.Log(g, status.InvalidFormat, "Invalid pyramid format %s, needs %s", pf, f)
			return status.InvalidFormat
		}
		if pw, ph := obj.Width(), obj.Height(); (pw != 0 && pw != w) || (ph != 0 && ph != h) {
			e.Log(g, status.InvalidDimension, "Invalid pyramid dimensions %dx%d, needs %dx%d", pw, ph, w, h)
			return status.InvalidDimension
		}
		if obj.virtual {
			if err := obj.initPyramid(w, h, f); err != nil {
				e.Log(g, status.FromError(err), "Node %s: parameter[%d] pyramid levels could not be created", name, p)
				return status.FromError(err)
			}
		}
	case *Scalar:
		if obj.dataType != meta.Scalar() {
			e.Log(g, status.InvalidType, "Scalar contains invalid typed objects for node %s", name)
			return status.InvalidType
		}
	case *Array:
		itemType, capacity := meta.Array()
		if obj.virtual {
			if !obj.initVirtual(itemType, capacity) {
				e.Log(g, status.InvalidDimension, "Node %s: parameter[%d] has an invalid array type or capacity", name, p)
				return status.InvalidDimension
			}
		} else if !obj.validate(itemType, capacity) {
			e.Log(g, status.InvalidDimension, "Node %s: parameter[%d] has an invalid array type or capacity", name, p)
			return status.InvalidDimension
		}
	}
	return status.Success
}

// checkWriters enforces that no two nodes write overlapping objects.
func (g *Graph) checkWriters(nodes []*Node, params [][]Ref) status.Status {
	st := status.Success
	for a := range nodes {
		for p, sig := range nodes[a].kernel.sig {
			if !sig.dir.writes() || params[a][p] == nil {
				continue
			}
			for b := a + 1; b < len(nodes); b++ {
				for q, sig2 := range nodes[b].kernel.sig {
					if !sig2.dir.writes() || params[b][q] == nil {
						continue
					}
					if dependsOn(params[a][p], params[b][q]) {
						g.engine.Log(g, status.MultipleWriters, "Node %d and Node %d are trying to output to the same reference %s",
							a, b, params[a][p].ID())
						st = status.MultipleWriters
					}
				}
			}
		}
	}
	return st
}

// allocate creates the storage of every bound object that has none yet.
// All failures are logged before the phase fails.
func (g *Graph) allocate(nodes []*Node, params [][]Ref) status.Status {
	st := status.Success
	for ni, n := range nodes {
		for p, ref := range params[ni] {
			var err error
			var what string
			switch obj := ref.(type) {
			case *Image:
				what = "image"
				err = obj.allocate()
			case *Array:
				what = "array"
				err = obj.allocate()
			case *Pyramid:
				what = "pyramid image"
				err = obj.allocate()
			}
			if err != nil {
				g.engine.Log(g, status.NoMemory, "Failed to allocate %s at node[%d] %s parameter[%d]", what, ni, n.kernel.name, p)
				st = status.First(st, status.NoMemory)
			}
		}
	}
	return st
}

// findHeads records the nodes none of whose inputs is written by another
// node.
func (g *Graph) findHeads(nodes []*Node, params [][]Ref) status.Status {
	var heads []int
	for a := range nodes {
		if !hasProducer(a, nodes, params) {
			heads = append(heads, a)
		}
	}
	g.topo.Lock()
	g.heads = heads
	g.topo.Unlock()
	if len(heads) == 0 {
		g.engine.Log(g, status.InvalidGraph, "Cycle: Graph has no head nodes!")
		return status.InvalidGraph
	}
	return status.Success
}

// hasProducer reports whether an input of node a depends on a parameter
// another node writes.
func hasProducer(a int, nodes []*Node, params [][]Ref) bool {
	for p, sig := range nodes[a].kernel.sig {
		if sig.dir != Input || params[a][p] == nil {
			continue
		}
		for b := range nodes {
			if b == a {
				continue
			}
			for q, sig2 := range nodes[b].kernel.sig {
				if sig2.dir != Input && dependsOn(params[a][p], params[b][q]) {
					return true
				}
			}
		}
	}
	return false
}

// successors lists, per node, the nodes reading something it writes.
func successors(nodes []*Node, params [][]Ref) [][]int {
	out := make([][]int, len(nodes))
	for a := range nodes {
		for b := range nodes {
			if a == b {
				continue
			}
			if feeds(a, b, nodes, params) {
				out[a] = append(out[a], b)
			}
		}
	}
	return out
}

// validationOrder sorts node indices so that producers come before their
// consumers, keeping insertion order among independent nodes. Nodes on a
// cycle keep insertion order at the end; checkCycles rejects them later.
func validationOrder(nodes []*Node, params [][]Ref) []int {
	indegree := make([]int, len(nodes))
	succ := make([][]int, len(nodes))
	for a := range nodes {
		for b := range nodes {
			if a != b && feeds(a, b, nodes, params) {
				succ[a] = append(succ[a], b)
				indegree[b]++
			}
		}
	}
	order := make([]int, 0, len(nodes))
	done := make([]bool, len(nodes))
	for progress := true; progress; {
		progress = false
		for i := range nodes {
			if done[i] || indegree[i] > 0 {
				continue
			}
			done[i] = true
			progress = true
			order = append(order, i)
			for _, m := range succ[i] {
				indegree[m]--
			}
		}
	}
	for i := range nodes {
		if !done[i] {
			order = append(order, i)
		}
	}
	return order
}

// feeds reports whether an output or bidirectional parameter of a overlaps
// an input of b.
func feeds(a, b int, nodes []*Node, params [][]Ref) bool {
	for p, sig := range nodes[a].kernel.sig {
		if sig.dir == Input || params[a][p] == nil {
			continue
		}
		for q, sig2 := range nodes[b].kernel.sig {
			if sig2.dir == Input && dependsOn(params[a][p], params[b][q]) {
				return true
			}
		}
	}
	return false
}

// checkCycles walks the graph from its heads and fails on a back edge or
// on a node no head reaches.
func (g *Graph) checkCycles(nodes []*Node, params [][]Ref) status.Status {
	const (
		white = iota
		gray
		black
	)
	e := g.engine
	succ := successors(nodes, params)
	color := make([]int, len(nodes))

	type frame struct {
		node, next int
	}
	for _, h := range g.Heads() {
		if color[h] != white {
			continue
		}
		stack := []frame{{node: h}}
		color[h] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next == len(succ[top.node]) {
				color[top.node] = black
				stack = stack[:len(stack)-1]
				continue
			}
			m := succ[top.node][top.next]
			top.next++
			switch color[m] {
			case gray:
				e.Log(g, status.InvalidGraph, "Cycle: Graph has a cycle!")
				return status.InvalidGraph
			case white:
				color[m] = gray
				stack = append(stack, frame{node: m})
			}
		}
	}
	st := status.Success
	for i, n := range nodes {
		if color[i] == white {
			e.Log(g, status.InvalidGraph, "Node %s: unvisited!", n.kernel.name)
			st = status.InvalidGraph
		}
	}
	return st
}

// verifyTargets lets the target of every node veto it.
func (g *Graph) verifyTargets(nodes []*Node, _ [][]Ref) status.Status {
	for _, n := range nodes {
		t := n.kernel.target
		if err := t.impl.Verify(n); err != nil {
			s := status.FromError(err)
			g.engine.Log(g, s, "Target: %s Failed to Verify Node %s", t.impl.Name(), n.kernel.name)
			return s
		}
	}
	return status.Success
}

// initializeKernels runs the kernel initializers, deinitializing first on
// a repeated verification, and allocates node local data.
func (g *Graph) initializeKernels(nodes []*Node, params [][]Ref) status.Status {
	e := g.engine
	for ni, n := range nodes {
		k := n.kernel
		n.attrMu.Lock()
		wasInit := n.initialized
		n.initialized = false
		n.attrMu.Unlock()
		if wasInit && k.deinit != nil {
			if err := k.deinit.Deinitialize(n, params[ni]); err != nil {
				e.logger.Warn("Kernel deinitialize failed.", "kernel", k.name, "error", err)
			}
		}
		if k.init != nil {
			if err := k.init.Initialize(n, params[ni]); err != nil {
				s := status.FromError(err)
				e.Log(g, s, "Kernel: %s failed to initialize!", k.name)
				return s
			}
		}
		n.attrMu.Lock()
		n.initialized = true
		if n.localDataSize > 0 && n.localData == nil {
			n.localData = make([]byte, n.localDataSize)
		}
		n.attrMu.Unlock()
	}
	return status.Success
}

// computeBandwidth sums the object memory each node touches.
func (g *Graph) computeBandwidth(nodes []*Node, params [][]Ref) status.Status {
	for ni, n := range nodes {
		var bw uint64
		for _, ref := range params[ni] {
			switch obj := ref.(type) {
			case *Image:
				bw += obj.memorySize()
			case *Array:
				bw += obj.memorySize()
			case *Pyramid:
				bw += obj.memorySize()
			}
		}
		n.attrMu.Lock()
		n.bandwidth = bw
		n.attrMu.Unlock()
	}
	return status.Success
}
