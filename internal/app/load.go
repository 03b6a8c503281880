package app

import (
	"fmt"

	"github.com/vk/visiongraph/internal/ctxlog"
	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/internal/graphfile"
)

// LoadModules publishes the kernels of every module into the engine.
func (a *App) LoadModules(modules ...engine.Module) error {
	logger := ctxlog.FromContext(a.ctx)
	for _, m := range modules {
		logger.Debug("Loading module...", "module", m.Name())
		if err := a.engine.LoadModule(a.ctx, m); err != nil {
			return fmt.Errorf("failed to load module %q: %w", m.Name(), err)
		}
	}
	info := a.engine.Info()
	logger.Debug("Modules loaded.", "modules", a.engine.Modules(), "kernels", info.NumKernels)
	return nil
}

// LoadGraph reads the graph file or directory into the engine.
func (a *App) LoadGraph() error {
	logger := ctxlog.FromContext(a.ctx)
	logger.Debug("Loading graph...", "graph_path", a.config.GraphPath)

	d, err := graphfile.NewLoader().Load(a.ctx, a.engine, a.config.GraphPath)
	if err != nil {
		return fmt.Errorf("failed to load graph: %w", err)
	}
	a.graph = d
	logger.Info("Graph loaded successfully.", "nodes", len(d.Nodes), "objects", len(d.Objects), "outputs", len(d.Outputs))
	return nil
}
