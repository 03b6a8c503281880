package engine

import (
	"context"
	"sync"

	"github.com/petermattis/goid"
	"github.com/vk/visiongraph/internal/status"
)

// job is one scheduled graph execution.
type job struct {
	ctx   context.Context
	graph *Graph
	done  chan struct{}
	err   error
}

// scheduler runs scheduled graphs one at a time on a single worker
// goroutine. A graph holds a slot from Schedule until Wait collects its
// result.
type scheduler struct {
	e     *Engine
	limit int

	mu     sync.Mutex
	slots  map[*Graph]*job
	closed bool

	queue chan *job
	quit  chan struct{}
	wg    sync.WaitGroup
}

func newScheduler(e *Engine, slots, depth int) *scheduler {
	return &scheduler{
		e:     e,
		limit: slots,
		slots: make(map[*Graph]*job, slots),
		queue: make(chan *job, depth),
		quit:  make(chan struct{}),
	}
}

func (s *scheduler) start() {
	s.wg.Add(1)
	go s.worker()
}

// stop ends the worker. Graphs still queued complete with GraphAbandoned
// without running.
func (s *scheduler) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.quit)
	s.wg.Wait()
}

func (s *scheduler) worker() {
	defer s.wg.Done()
	logger := s.e.logger.With("worker", "schedule")
	logger.Debug("Schedule worker started.")
	for {
		select {
		case <-s.quit:
			s.drain()
			logger.Debug("Schedule worker finished.")
			return
		case j := <-s.queue:
			s.run(j)
		}
	}
}

func (s *scheduler) run(j *job) {
	g := j.graph
	g.owner.Store(goid.Get())
	j.err = g.execute(j.ctx)
	g.owner.Store(0)
	close(j.done)
}

func (s *scheduler) drain() {
	for {
		select {
		case j := <-s.queue:
			j.err = status.Errorf(status.GraphAbandoned, "engine shut down before the graph ran")
			close(j.done)
		default:
			return
		}
	}
}

// Schedule verifies the graph when needed and queues it for asynchronous
// execution. The graph stays scheduled until Wait is called, and cannot be
// processed or scheduled again meanwhile.
func (g *Graph) Schedule(ctx context.Context) error {
	if !IsValidOf(g, TypeGraph) {
		return status.Errorf(status.InvalidReference, "invalid graph")
	}
	e := g.engine
	if !g.running.TryLock() {
		e.Log(g, status.GraphScheduled, "Graph is already scheduled or running!")
		return status.Errorf(status.GraphScheduled, "graph is scheduled or running")
	}
	if !g.verified.Load() {
		if err := g.Verify(ctx); err != nil {
			g.running.Unlock()
			return err
		}
	}

	s := e.sched
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		g.running.Unlock()
		return status.Errorf(status.Failure, "engine is shutting down")
	}
	if len(s.slots) >= s.limit {
		g.running.Unlock()
		e.Log(g, status.NoResources, "No free schedule slot for graph %s", g.id)
		return status.Errorf(status.NoResources, "all %d schedule slots are taken", s.limit)
	}
	j := &job{ctx: context.WithoutCancel(ctx), graph: g, done: make(chan struct{})}
	select {
	case s.queue <- j:
	default:
		g.running.Unlock()
		e.Log(g, status.NoResources, "Schedule queue is full")
		return status.Errorf(status.NoResources, "schedule queue is full")
	}
	s.slots[g] = j
	e.metrics.SetScheduled(len(s.slots))
	return nil
}

// Wait blocks until the scheduled graph has executed and returns the
// execution result. Waiting on a graph that is not scheduled fails. When
// ctx ends first the graph stays scheduled and Wait may be called again.
func (g *Graph) Wait(ctx context.Context) error {
	if !IsValidOf(g, TypeGraph) {
		return status.Errorf(status.InvalidReference, "invalid graph")
	}
	s := g.engine.sched
	s.mu.Lock()
	j, ok := s.slots[g]
	s.mu.Unlock()
	if !ok {
		return status.Errorf(status.Failure, "graph is not scheduled")
	}

	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	if s.slots[g] != j {
		s.mu.Unlock()
		return status.Errorf(status.Failure, "graph is not scheduled")
	}
	delete(s.slots, g)
	g.engine.metrics.SetScheduled(len(s.slots))
	s.mu.Unlock()
	g.running.Unlock()
	return j.err
}
