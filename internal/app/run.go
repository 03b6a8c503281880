package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/vk/visiongraph/internal/ctxlog"
	"github.com/vk/visiongraph/internal/imageio"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("github.com/vk/visiongraph/internal/app")

// Run verifies the loaded graph, processes it the configured number of
// times and writes the declared output images.
func (a *App) Run(ctx context.Context) (err error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	ctx, span := tracer.Start(ctx, "app.Run")
	span.SetAttributes(
		attribute.String("graph.path", a.config.GraphPath),
		attribute.Int("iterations", a.config.Iterations),
		attribute.Bool("async", a.config.Async),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	a.logger.Debug("App.Run method started.")

	if a.config.HealthcheckPort > 0 {
		if err := a.startHealthCheckServer(); err != nil {
			return err
		}
	}

	g := a.graph.Graph
	if err := g.Verify(ctx); err != nil {
		return fmt.Errorf("graph verification failed: %w", err)
	}
	a.logger.Info("Graph verified.", "nodes", len(a.graph.Nodes))

	for i := 0; i < a.config.Iterations; i++ {
		if a.config.Async {
			if err := g.Schedule(ctx); err != nil {
				return fmt.Errorf("iteration %d: failed to schedule graph: %w", i, err)
			}
			err = g.Wait(ctx)
		} else {
			err = g.Process(ctx)
		}
		if err != nil {
			return fmt.Errorf("iteration %d: graph execution failed: %w", i, err)
		}
	}

	perf := g.Perf()
	a.logger.Info("Execution finished.", "runs", perf.Count, "avg", perf.Avg, "min", perf.Min, "max", perf.Max)
	for _, name := range sortedKeys(a.graph.Nodes) {
		p := a.graph.Nodes[name].Perf()
		a.logger.Debug("Node timing.", "node", name, "avg", p.Avg, "max", p.Max)
	}

	if err := a.saveOutputs(ctx); err != nil {
		return err
	}
	a.logger.Debug("App.Run method finished.")
	return nil
}

func (a *App) saveOutputs(ctx context.Context) error {
	if len(a.graph.Outputs) == 0 {
		return nil
	}
	_, span := tracer.Start(ctx, "app.saveOutputs")
	defer span.End()

	if a.config.OutputDir != "" {
		if err := os.MkdirAll(a.config.OutputDir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	var errs []error
	for _, name := range sortedKeys(a.graph.Outputs) {
		img, ok := a.graph.Image(name)
		if !ok {
			errs = append(errs, fmt.Errorf("output %q is not an image", name))
			continue
		}
		path := a.graph.Outputs[name]
		if !filepath.IsAbs(path) {
			path = filepath.Join(a.config.OutputDir, path)
		}
		if err := imageio.Save(img, path); err != nil {
			errs = append(errs, fmt.Errorf("failed to save output %q: %w", name, err))
			continue
		}
		a.logger.Info("Output written.", "image", name, "path", path)
	}
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
