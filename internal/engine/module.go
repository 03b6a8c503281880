package engine

import (
	"context"
	"sort"

	"github.com/vk/visiongraph/internal/ctxlog"
	"github.com/vk/visiongraph/internal/status"
)

// Module is a kernel plugin compiled into the binary. PublishKernels adds
// and finalizes the module's kernels on the engine's targets.
type Module interface {
	Name() string
	PublishKernels(e *Engine) error
}

// LoadModule publishes the kernels of m once per engine. Loading a module
// that is already loaded does nothing.
func (e *Engine) LoadModule(ctx context.Context, m Module) error {
	if !IsValidOf(e, TypeContext) {
		return status.Errorf(status.InvalidReference, "invalid engine")
	}
	logger := ctxlog.FromContextOr(ctx, e.logger)
	name := m.Name()

	e.modMu.Lock()
	defer e.modMu.Unlock()
	if _, ok := e.modules[name]; ok {
		logger.Debug("Module already loaded.", "module", name)
		return nil
	}
	if err := m.PublishKernels(e); err != nil {
		e.Log(e, status.InvalidModule, "Failed to publish kernels of module %s", name)
		return status.Errorf(status.InvalidModule, "module %s: %w", name, err)
	}
	e.modules[name] = m
	logger.Debug("Module loaded.", "module", name)
	return nil
}

// Modules returns the names of the loaded modules in sorted order.
func (e *Engine) Modules() []string {
	e.modMu.Lock()
	defer e.modMu.Unlock()
	names := make([]string, 0, len(e.modules))
	for name := range e.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
