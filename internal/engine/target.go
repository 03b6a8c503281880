package engine

import (
	"context"
	"strings"
	"sync"

	"github.com/vk/visiongraph/internal/status"
)

// Target executes nodes. Targets are loaded by the engine in priority
// order; the first target that supports a kernel name gets its nodes.
type Target interface {
	Name() string
	Init(e *Engine) error
	Deinit() error
	// Supports reports the index in Kernels of the kernel matching the
	// requested target, kernel and variant names.
	Supports(target, kernel, variant string) (int, bool)
	// Process runs nodes in order and reports how the graph should proceed.
	Process(ctx context.Context, nodes []*Node) Action
	// Verify is called for every node during graph verification.
	Verify(n *Node) error
	AddKernel(k *Kernel) error
	RemoveKernel(k *Kernel)
	Kernels() []*Kernel
}

// TargetInfo describes a loaded target.
type TargetInfo struct {
	Name       string
	Priority   int
	NumKernels int
}

// targetSlot is the engine's reference to a loaded target.
type targetSlot struct {
	Reference

	impl     Target
	priority int
	index    int
	enabled  bool
}

func (t *targetSlot) Release() error {
	return t.engine.releaseReference(t, TypeTarget, external)
}

// Targets lists the loaded targets in priority order.
func (e *Engine) Targets() []TargetInfo {
	out := make([]TargetInfo, 0, len(e.targets))
	for _, t := range e.targets {
		out = append(out, TargetInfo{Name: t.impl.Name(), Priority: t.priority, NumKernels: len(t.impl.Kernels())})
	}
	return out
}

// KernelTable is a bounded kernel list that targets can embed to get
// AddKernel, RemoveKernel, Kernels and Supports.
type KernelTable struct {
	mu       sync.Mutex
	name     string
	capacity int
	kernels  []*Kernel
}

// Reset names the table and empties it.
func (t *KernelTable) Reset(name string, capacity int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
	t.capacity = capacity
	t.kernels = nil
}

// AddKernel appends k, failing with NoResources when the table is full.
func (t *KernelTable) AddKernel(k *Kernel) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.capacity > 0 && len(t.kernels) >= t.capacity {
		return status.Errorf(status.NoResources, "target %s holds the maximum of %d kernels", t.name, t.capacity)
	}
	t.kernels = append(t.kernels, k)
	return nil
}

// RemoveKernel drops k from the table.
func (t *KernelTable) RemoveKernel(k *Kernel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, cur := range t.kernels {
		if cur == k {
			t.kernels = append(t.kernels[:i], t.kernels[i+1:]...)
			return
		}
	}
}

// Kernels returns a copy of the table.
func (t *KernelTable) Kernels() []*Kernel {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Kernel, len(t.kernels))
	copy(out, t.kernels)
	return out
}

// Supports matches the table's own name or one of the aliases default,
// power and performance, then looks the kernel and variant up.
func (t *KernelTable) Supports(target, kernel, variant string) (int, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if target != t.name && !targetAliases[target] {
		return -1, false
	}
	if variant == "" {
		variant = "default"
	}
	for i, k := range t.kernels {
		kname, kvariant, found := strings.Cut(k.name, ":")
		if !found {
			kvariant = "default"
		}
		if kname == kernel && kvariant == variant {
			return i, true
		}
	}
	return -1, false
}
