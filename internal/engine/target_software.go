package engine

import (
	"context"
	"fmt"

	"github.com/vk/visiongraph/internal/config"
	"github.com/vk/visiongraph/internal/status"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// softwareTarget runs kernels in the calling goroutine.
type softwareTarget struct {
	KernelTable
}

func newSoftwareTarget() *softwareTarget {
	return &softwareTarget{}
}

func (t *softwareTarget) Name() string { return config.SoftwareTarget }

func (t *softwareTarget) Init(e *Engine) error {
	t.Reset(config.SoftwareTarget, e.cfg.MaxKernels)
	return nil
}

func (t *softwareTarget) Deinit() error { return nil }

func (t *softwareTarget) Process(ctx context.Context, nodes []*Node) Action {
	action := ActionContinue
	for _, n := range nodes {
		if action != ActionContinue {
			break
		}
		action = RunNode(ctx, n)
	}
	return action
}

// Verify rejects border modes the tiling dispatcher cannot honour.
func (t *softwareTarget) Verify(n *Node) error {
	if !n.kernel.IsTiling() {
		return nil
	}
	switch mode := n.Border().Mode; mode {
	case BorderUndefined, BorderSelf:
		return nil
	default:
		return status.Errorf(status.NotSupported, "tiling kernel %s does not support border mode %s", n.kernel.name, mode)
	}
}

// RunNode executes one node the way the built-in target does: it times the
// kernel, records the node status, runs the child graph instead of the
// kernel when one is attached and consults the completion callback. A
// failing kernel abandons the graph. Custom targets may call it for nodes
// they do not accelerate.
func RunNode(ctx context.Context, n *Node) Action {
	e := n.engine
	k := n.kernel
	ctx, span := e.tracer.Start(ctx, "node.process", trace.WithAttributes(
		attribute.String("kernel", k.name),
		attribute.String("target", k.TargetName()),
	))
	defer span.End()

	params := n.paramsSnapshot()
	n.attrMu.Lock()
	n.perf.begin()
	n.attrMu.Unlock()

	var err error
	if child := n.ChildGraph(); child != nil {
		err = child.Process(ctx)
	} else {
		err = runKernel(ctx, k, n, params)
	}

	n.attrMu.Lock()
	n.perf.end()
	elapsed := n.perf.Tmp
	n.status = status.FromError(err)
	n.attrMu.Unlock()
	n.executed.Store(true)
	e.metrics.ObserveNode(k.name, k.TargetName(), elapsed)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.Log(n, status.FromError(err), "Node %s: kernel failed, abandoning graph: %v", k.name, err)
		return ActionAbandon
	}
	if cb := n.callbackFn(); cb != nil {
		return cb(n)
	}
	return ActionContinue
}

// runKernel shields the graph from a panicking kernel.
func runKernel(ctx context.Context, k *Kernel, n *Node, params []Ref) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = status.Errorf(status.Failure, "kernel %s panicked: %v", k.name, r)
		}
	}()
	if err := k.fn.Run(ctx, n, params); err != nil {
		return fmt.Errorf("kernel %s: %w", k.name, err)
	}
	return nil
}
