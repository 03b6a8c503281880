package engine

import (
	"context"
	"fmt"

	"github.com/petermattis/goid"
	"github.com/vk/visiongraph/internal/status"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Process verifies the graph when needed and executes it in the calling
// goroutine. It fails with GraphScheduled while the graph is scheduled or
// already running, including when a node of the graph tries to process it.
func (g *Graph) Process(ctx context.Context) error {
	if !IsValidOf(g, TypeGraph) {
		return status.Errorf(status.InvalidReference, "invalid graph")
	}
	if !g.running.TryLock() {
		if g.owner.Load() == goid.Get() {
			g.engine.Log(g, status.GraphScheduled, "Graph is already being processed by this goroutine!")
		}
		return status.Errorf(status.GraphScheduled, "graph is scheduled or running")
	}
	defer g.running.Unlock()
	g.owner.Store(goid.Get())
	defer g.owner.Store(0)
	return g.execute(ctx)
}

// execute runs the graph. The caller holds g.running.
func (g *Graph) execute(ctx context.Context) error {
	e := g.engine
	ctx, span := e.tracer.Start(ctx, "graph.process", trace.WithAttributes(
		attribute.String("graph", g.id.String()),
	))
	defer span.End()

	if !g.verified.Load() {
		if err := g.Verify(ctx); err != nil {
			g.setLastStatus(status.FromError(err))
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	e.globalMu.Lock()
	e.depth++
	depth := e.depth
	e.globalMu.Unlock()
	defer func() {
		e.globalMu.Lock()
		e.depth--
		e.globalMu.Unlock()
	}()

	g.perfMu.Lock()
	g.perf.begin()
	g.perfMu.Unlock()

	err := g.run(ctx, depth)

	g.perfMu.Lock()
	g.perf.end()
	elapsed := g.perf.Tmp
	g.lastStatus = status.FromError(err)
	g.perfMu.Unlock()

	result := "success"
	switch {
	case err == nil:
	case status.FromError(err) == status.GraphAbandoned:
		result = "abandoned"
	default:
		result = "error"
	}
	e.metrics.ObserveGraph(result, elapsed)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (g *Graph) setLastStatus(st status.Status) {
	g.perfMu.Lock()
	g.lastStatus = st
	g.perfMu.Unlock()
}

// run executes wavefronts from the heads until no node is ready. A node
// callback may abandon the run or restart it from the heads.
func (g *Graph) run(ctx context.Context, depth int) error {
	e := g.engine
	nodes := g.Nodes()
	params := make([][]Ref, len(nodes))
	for i, n := range nodes {
		params[i] = n.paramsSnapshot()
	}
	heads := g.Heads()
	parallel := depth == 1 && !g.serialize.Load() && e.cfg.Workers > 1

	for {
		for _, n := range nodes {
			n.executed.Store(false)
			n.visited = false
		}
		next := make([]int, 0, len(heads))
		for _, h := range heads {
			if h < len(nodes) {
				nodes[h].visited = true
				next = append(next, h)
			}
		}
		var left []int
		restart := false
		for len(next) > 0 {
			if err := ctx.Err(); err != nil {
				e.Log(g, status.GraphAbandoned, "Graph processing cancelled: %v", err)
				return fmt.Errorf("%w: %w", status.GraphAbandoned, err)
			}
			wave := make([]*Node, 0, len(next))
			for _, i := range next {
				wave = append(wave, nodes[i])
			}
			switch g.dispatch(ctx, wave, parallel) {
			case ActionAbandon:
				return status.Errorf(status.GraphAbandoned, "graph abandoned")
			case ActionRestart:
				restart = true
			}
			if restart {
				break
			}
			next, left = findNextNodes(nodes, params, next, left)
		}
		if !restart {
			return nil
		}
		e.metrics.CountRestart()
		e.logger.Debug("Graph restarted by node callback.", "graph", g.id)
	}
}

// dispatch executes one wavefront and returns the strongest action the
// nodes asked for: abandon over restart over continue. The wavefront is
// complete when dispatch returns.
func (g *Graph) dispatch(ctx context.Context, wave []*Node, parallel bool) Action {
	e := g.engine
	pending := wave[:0:0]
	for _, n := range wave {
		if n.executed.Load() {
			e.Log(n, status.Failure, "Node %s was scheduled twice in one execution", n.kernel.name)
			continue
		}
		pending = append(pending, n)
	}

	if !parallel || len(pending) < 2 {
		action := ActionContinue
		for _, n := range pending {
			n.setAccessible(true)
			a := processNode(ctx, n)
			n.setAccessible(false)
			action = strongerAction(action, a)
			if action != ActionContinue {
				break
			}
		}
		return action
	}

	for _, n := range pending {
		n.setAccessible(true)
	}
	actions := make([]Action, len(pending))
	var eg errgroup.Group
	eg.SetLimit(e.cfg.Workers)
	for i, n := range pending {
		eg.Go(func() error {
			actions[i] = processNode(ctx, n)
			return nil
		})
	}
	_ = eg.Wait()
	for _, n := range pending {
		n.setAccessible(false)
	}

	action := ActionContinue
	for _, a := range actions {
		action = strongerAction(action, a)
	}
	return action
}

// processNode hands n to the target owning its kernel.
func processNode(ctx context.Context, n *Node) Action {
	return n.kernel.target.impl.Process(ctx, []*Node{n})
}

func strongerAction(a, b Action) Action {
	switch {
	case a == ActionAbandon || b == ActionAbandon:
		return ActionAbandon
	case a == ActionRestart || b == ActionRestart:
		return ActionRestart
	}
	return ActionContinue
}

// findNextNodes computes the next wavefront. Candidates are the readers of
// what the last wavefront wrote plus the nodes left waiting earlier; a
// candidate is ready once every writer of each of its inputs has executed.
// Ready candidates not yet visited form the next wavefront, the others are
// left for later.
func findNextNodes(nodes []*Node, params [][]Ref, last, left []int) (next, stillLeft []int) {
	var candidates []int
	seen := make(map[int]bool)
	for _, b := range last {
		for m := range nodes {
			if m != b && !seen[m] && feeds(b, m, nodes, params) {
				seen[m] = true
				candidates = append(candidates, m)
			}
		}
	}
	for _, m := range left {
		if !seen[m] {
			seen[m] = true
			candidates = append(candidates, m)
		}
	}

	for _, m := range candidates {
		if !inputsReady(m, nodes, params) {
			stillLeft = append(stillLeft, m)
			continue
		}
		if !nodes[m].visited {
			nodes[m].visited = true
			next = append(next, m)
		}
	}
	return next, stillLeft
}

// inputsReady reports whether every other node writing an input of m has
// executed.
func inputsReady(m int, nodes []*Node, params [][]Ref) bool {
	for p, sig := range nodes[m].kernel.sig {
		if sig.dir != Input || params[m][p] == nil {
			continue
		}
		for b := range nodes {
			if b == m || nodes[b].executed.Load() {
				continue
			}
			for q, sig2 := range nodes[b].kernel.sig {
				if sig2.dir != Input && dependsOn(params[m][p], params[b][q]) {
					return false
				}
			}
		}
	}
	return true
}
