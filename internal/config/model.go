package config

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
)

// SoftwareTarget is the name of the built-in software execution target.
const SoftwareTarget = "khronos.software"

// Engine holds every tunable of a graph engine instance.
type Engine struct {
	MaxReferences    int // context-wide reference slot table
	MaxNodesPerGraph int
	MaxParameters    int // per kernel signature
	MaxKernels       int // per target
	MaxAccessors     int
	ScheduleSlots    int // graphs that may be scheduled at once
	QueueDepth       int // schedule input/output queue capacity
	Workers          int // wavefront fan-out width
	LogEntries       int
	Targets          []Target
}

// Target configures one execution target.
type Target struct {
	Name     string
	Priority int // lower runs first
	Enabled  bool
}

// Default returns the stock configuration.
func Default() Engine {
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	return Engine{
		MaxReferences:    4096,
		MaxNodesPerGraph: 256,
		MaxParameters:    15,
		MaxKernels:       1024,
		MaxAccessors:     16,
		ScheduleSlots:    10,
		QueueDepth:       32,
		Workers:          workers,
		LogEntries:       1024,
		Targets: []Target{
			{Name: SoftwareTarget, Priority: 0, Enabled: true},
		},
	}
}

// Validate reports the first invalid field.
func (c Engine) Validate() error {
	checks := []struct {
		name string
		v    int
	}{
		{"max_references", c.MaxReferences},
		{"max_nodes_per_graph", c.MaxNodesPerGraph},
		{"max_parameters", c.MaxParameters},
		{"max_kernels", c.MaxKernels},
		{"max_accessors", c.MaxAccessors},
		{"schedule_slots", c.ScheduleSlots},
		{"queue_depth", c.QueueDepth},
		{"workers", c.Workers},
		{"log_entries", c.LogEntries},
	}
	for _, chk := range checks {
		if chk.v <= 0 {
			return fmt.Errorf("%s must be positive, got %d", chk.name, chk.v)
		}
	}
	if len(c.Targets) == 0 {
		return errors.New("at least one target must be configured")
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		if t.Name == "" {
			return errors.New("target name cannot be empty")
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("target %q configured twice", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// TargetByName returns the configuration entry of the named target.
func (c Engine) TargetByName(name string) (Target, bool) {
	for _, t := range c.Targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// EnabledTargets returns the enabled targets ordered by ascending priority,
// ties broken by name.
func (c Engine) EnabledTargets() []Target {
	out := make([]Target, 0, len(c.Targets))
	for _, t := range c.Targets {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}
