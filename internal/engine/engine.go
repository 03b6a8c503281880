package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/vk/visiongraph/internal/config"
	"github.com/vk/visiongraph/internal/ctxlog"
	"github.com/vk/visiongraph/internal/logring"
	"github.com/vk/visiongraph/internal/metrics"
	"github.com/vk/visiongraph/internal/status"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	vendorName     = "visiongraph"
	implementation = "visiongraph.sample"
	version        = "1.0"
	tracerName     = "github.com/vk/visiongraph/internal/engine"
)

// Engine owns every object of one graph runtime: the reference table, the
// accessor table, the targets and their kernels, the schedule queue and the
// diagnostic log. Engines are independent of each other.
type Engine struct {
	Reference

	cfg     config.Engine
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	ring    *logring.Ring

	// mu guards the reference and accessor tables.
	mu        sync.Mutex
	refs      []Ref
	numRefs   int
	accessors []accessor

	// targets is ordered by priority and fixed after New.
	targets []*targetSlot

	kernelMu         sync.Mutex
	numKernels       int
	numUniqueKernels int

	modMu   sync.Mutex
	modules map[string]Module

	borderMu sync.Mutex
	border   Border

	// globalMu guards the process depth counter.
	globalMu sync.Mutex
	depth    int

	sched   *scheduler
	factory *Factory
}

// Info describes an engine instance.
type Info struct {
	Vendor           string
	Version          string
	Implementation   string
	NumKernels       int
	NumUniqueKernels int
	NumModules       int
	NumReferences    int
	NumTargets       int
	ImmediateBorder  Border
}

// Option configures an Engine.
type Option func(*options)

type targetOption struct {
	target   Target
	priority int
}

type options struct {
	logger      *slog.Logger
	targets     []targetOption
	registerer  prometheus.Registerer
	logCallback logring.Callback
	reentrant   bool
}

// WithLogger sets the logger used for engine diagnostics. Without it the
// logger found in the context passed to New is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithTarget adds an execution target. A target configured in the engine
// config under the same name takes its priority and enabled flag from there.
func WithTarget(t Target, priority int) Option {
	return func(o *options) { o.targets = append(o.targets, targetOption{target: t, priority: priority}) }
}

// WithMetrics registers the engine collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// WithLogCallback installs a log callback at construction.
func WithLogCallback(fn logring.Callback, reentrant bool) Option {
	return func(o *options) {
		o.logCallback = fn
		o.reentrant = reentrant
	}
}

// New creates an engine, loads its targets and starts the schedule worker.
func New(ctx context.Context, cfg config.Engine, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, status.Errorf(status.InvalidValue, "invalid engine config: %v", err)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = ctxlog.FromContext(ctx)
	}

	e := &Engine{
		cfg:       cfg,
		logger:    logger.With("component", "engine"),
		metrics:   metrics.New(o.registerer),
		tracer:    otel.Tracer(tracerName),
		ring:      logring.New(cfg.LogEntries),
		refs:      make([]Ref, cfg.MaxReferences),
		accessors: make([]accessor, cfg.MaxAccessors),
		modules:   make(map[string]Module),
	}
	e.id = newID()
	e.typ = TypeContext
	e.engine = e
	e.self = e
	e.external = 1
	e.delaySlot = -1
	e.slot = -1
	e.magic.Store(magicLive)

	if o.logCallback != nil {
		e.ring.SetCallback(o.logCallback, o.reentrant)
	}

	if err := e.loadTargets(ctx, o.targets); err != nil {
		e.magic.Store(magicDead)
		return nil, err
	}

	e.sched = newScheduler(e, cfg.ScheduleSlots, cfg.QueueDepth)
	e.sched.start()

	e.logger.Debug("Engine created.", "targets", len(e.targets), "workers", cfg.Workers, "references", cfg.MaxReferences)
	return e, nil
}

func (e *Engine) loadTargets(ctx context.Context, supplied []targetOption) error {
	type candidate struct {
		target   Target
		priority int
	}
	byName := make(map[string]targetOption, len(supplied))
	for _, s := range supplied {
		byName[s.target.Name()] = s
	}

	var cands []candidate
	for _, tc := range e.cfg.EnabledTargets() {
		if tc.Name == config.SoftwareTarget {
			cands = append(cands, candidate{target: newSoftwareTarget(), priority: tc.Priority})
			continue
		}
		s, ok := byName[tc.Name]
		if !ok {
			e.logger.Warn("Configured target is not available, skipping.", "target", tc.Name)
			continue
		}
		cands = append(cands, candidate{target: s.target, priority: tc.Priority})
	}
	for _, s := range supplied {
		if _, configured := e.cfg.TargetByName(s.target.Name()); configured {
			continue
		}
		cands = append(cands, candidate{target: s.target, priority: s.priority})
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].priority != cands[j].priority {
			return cands[i].priority < cands[j].priority
		}
		return cands[i].target.Name() < cands[j].target.Name()
	})

	for _, c := range cands {
		slot := &targetSlot{impl: c.target, priority: c.priority, index: len(e.targets)}
		if err := e.initReference(&slot.Reference, slot, TypeTarget, internal, e); err != nil {
			return err
		}
		if err := c.target.Init(e); err != nil {
			e.logger.Warn("Target failed to initialize, skipping.", "target", c.target.Name(), "error", err)
			e.removeReference(&slot.Reference)
			slot.magic.Store(magicDead)
			continue
		}
		slot.enabled = true
		e.targets = append(e.targets, slot)
		ctxlog.FromContextOr(ctx, e.logger).Debug("Target loaded.", "target", c.target.Name(), "priority", c.priority)
	}
	if len(e.targets) == 0 {
		return status.Errorf(status.NoResources, "no execution target could be loaded")
	}
	return nil
}

// Release drops one external hold. Releasing the last hold shuts the engine
// down.
func (e *Engine) Release() error {
	if f := e.factory; f != nil {
		f.mu.Lock()
		defer f.mu.Unlock()
	}
	if !IsValidOf(e, TypeContext) {
		return status.Errorf(status.InvalidReference, "release of an invalid engine")
	}
	if e.decrement(external) > 0 {
		return nil
	}
	e.shutdown()
	if f := e.factory; f != nil && f.current == e {
		f.current = nil
	}
	return nil
}

// Close releases the caller's hold on the engine.
func (e *Engine) Close() error {
	return e.Release()
}

// shutdown stops the worker and garbage collects every remaining object.
// Objects the application forgot to release are reported and released
// anyway, before the targets that own the kernels are torn down.
func (e *Engine) shutdown() {
	e.sched.stop()
	e.ring.SetCallback(nil, false)

	for i := 0; i < len(e.refs); i++ {
		e.mu.Lock()
		ref := e.refs[i]
		e.mu.Unlock()
		if ref == nil {
			continue
		}
		r := ref.base()
		if n := r.externalCount(); n > 0 {
			e.logger.Warn("Reference was not released by the application.", "ref", r.id, "type", r.typ, "external", n)
		}
		for r.externalCount() > 1 {
			r.decrement(external)
		}
		if r.externalCount() == 1 {
			if err := e.releaseReference(ref, TypeReference, external); err != nil {
				e.logger.Warn("Failed to release leaked reference.", "ref", r.id, "error", err)
			}
		}
	}

	for _, t := range e.targets {
		if err := t.impl.Deinit(); err != nil {
			e.logger.Warn("Target failed to deinitialize.", "target", t.impl.Name(), "error", err)
		}
		for _, k := range t.impl.Kernels() {
			if IsValid(k) {
				e.destroyKernel(k)
			}
		}
		t.enabled = false
		if err := e.releaseReference(t, TypeTarget, internal); err != nil {
			e.logger.Warn("Failed to release target.", "target", t.impl.Name(), "error", err)
		}
	}

	e.mu.Lock()
	for i := range e.accessors {
		e.accessors[i] = accessor{}
	}
	leftover := e.numRefs
	e.mu.Unlock()
	if leftover > 0 {
		e.logger.Warn("References still present after shutdown.", "count", leftover)
	}
	e.magic.Store(magicDead)
	e.logger.Debug("Engine shut down.")
}

// Info returns engine-wide attributes.
func (e *Engine) Info() Info {
	e.kernelMu.Lock()
	nk, nu := e.numKernels, e.numUniqueKernels
	e.kernelMu.Unlock()
	e.modMu.Lock()
	nm := len(e.modules)
	e.modMu.Unlock()
	return Info{
		Vendor:           vendorName,
		Version:          version,
		Implementation:   implementation,
		NumKernels:       nk,
		NumUniqueKernels: nu,
		NumModules:       nm,
		NumReferences:    e.ReferenceCount(),
		NumTargets:       len(e.targets),
		ImmediateBorder:  e.ImmediateBorder(),
	}
}

// Config returns the configuration the engine was built with.
func (e *Engine) Config() config.Engine {
	return e.cfg
}

// Logger returns the engine logger.
func (e *Engine) Logger() *slog.Logger {
	return e.logger
}

// SetImmediateBorder sets the border mode used by immediate-mode helpers.
func (e *Engine) SetImmediateBorder(b Border) error {
	if !b.Mode.valid() {
		return status.Errorf(status.InvalidValue, "unknown border mode %d", int(b.Mode))
	}
	e.borderMu.Lock()
	e.border = b
	e.borderMu.Unlock()
	return nil
}

// ImmediateBorder returns the immediate-mode border.
func (e *Engine) ImmediateBorder() Border {
	e.borderMu.Lock()
	defer e.borderMu.Unlock()
	return e.border
}

// Factory hands out at most one live engine at a time. While an engine is
// alive every Acquire returns it with one more external hold.
type Factory struct {
	mu      sync.Mutex
	current *Engine
}

// Acquire returns the live engine, creating it on first use.
func (f *Factory) Acquire(ctx context.Context, cfg config.Engine, opts ...Option) (*Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil && IsValidOf(f.current, TypeContext) {
		f.current.increment(external)
		return f.current, nil
	}
	e, err := New(ctx, cfg, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}
	e.factory = f
	f.current = e
	return e, nil
}
