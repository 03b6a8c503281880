package config

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/vk/visiongraph/internal/ctxlog"
)

// Loader reads HCL engine configuration files.
type Loader struct{}

// NewLoader creates a new HCL configuration loader.
func NewLoader() *Loader {
	return &Loader{}
}

// fileRoot decodes every top-level block an engine config file may contain.
type fileRoot struct {
	Engine  *engineBlock   `hcl:"engine,block"`
	Targets []*targetBlock `hcl:"target,block"`
	Remain  hcl.Body       `hcl:",remain"`
}

type engineBlock struct {
	MaxReferences    *int `hcl:"max_references,optional"`
	MaxNodesPerGraph *int `hcl:"max_nodes_per_graph,optional"`
	MaxParameters    *int `hcl:"max_parameters,optional"`
	MaxKernels       *int `hcl:"max_kernels,optional"`
	MaxAccessors     *int `hcl:"max_accessors,optional"`
	ScheduleSlots    *int `hcl:"schedule_slots,optional"`
	QueueDepth       *int `hcl:"queue_depth,optional"`
	Workers          *int `hcl:"workers,optional"`
	LogEntries       *int `hcl:"log_entries,optional"`
}

type targetBlock struct {
	Name     string `hcl:"name,label"`
	Priority *int   `hcl:"priority,optional"`
	Enabled  *bool  `hcl:"enabled,optional"`
}

// Load parses the file at path and merges it over Default. An empty path
// returns the defaults unchanged.
func (l *Loader) Load(ctx context.Context, path string) (*Engine, error) {
	logger := ctxlog.FromContext(ctx)
	cfg := Default()
	if path == "" {
		logger.Debug("No engine config file given, using defaults.")
		return &cfg, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read engine config %s: %w", path, err)
	}
	if err := l.decode(ctx, &cfg, src, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config %s: %w", path, err)
	}
	logger.Debug("Engine config loaded.", "path", path, "targets", len(cfg.Targets), "workers", cfg.Workers)
	return &cfg, nil
}

// Parse decodes HCL source already in memory and merges it over Default.
func (l *Loader) Parse(ctx context.Context, src []byte, filename string) (*Engine, error) {
	cfg := Default()
	if err := l.decode(ctx, &cfg, src, filename); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config %s: %w", filename, err)
	}
	return &cfg, nil
}

func (l *Loader) decode(ctx context.Context, cfg *Engine, src []byte, filename string) error {
	logger := ctxlog.FromContext(ctx)
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var root fileRoot
	diags = gohcl.DecodeBody(file.Body, nil, &root)
	if diags.HasErrors() {
		return fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	if e := root.Engine; e != nil {
		setInt(&cfg.MaxReferences, e.MaxReferences)
		setInt(&cfg.MaxNodesPerGraph, e.MaxNodesPerGraph)
		setInt(&cfg.MaxParameters, e.MaxParameters)
		setInt(&cfg.MaxKernels, e.MaxKernels)
		setInt(&cfg.MaxAccessors, e.MaxAccessors)
		setInt(&cfg.ScheduleSlots, e.ScheduleSlots)
		setInt(&cfg.QueueDepth, e.QueueDepth)
		setInt(&cfg.Workers, e.Workers)
		setInt(&cfg.LogEntries, e.LogEntries)
	}

	for _, tb := range root.Targets {
		idx := -1
		for i := range cfg.Targets {
			if cfg.Targets[i].Name == tb.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			cfg.Targets = append(cfg.Targets, Target{Name: tb.Name, Enabled: true})
			idx = len(cfg.Targets) - 1
		}
		setInt(&cfg.Targets[idx].Priority, tb.Priority)
		if tb.Enabled != nil {
			cfg.Targets[idx].Enabled = *tb.Enabled
		}
		logger.Debug("Target configured.", "target", tb.Name, "priority", cfg.Targets[idx].Priority, "enabled", cfg.Targets[idx].Enabled)
	}
	return nil
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
