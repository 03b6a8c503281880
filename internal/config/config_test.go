package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 10, cfg.ScheduleSlots)
	assert.Equal(t, 16, cfg.MaxAccessors)
	assert.Positive(t, cfg.Workers)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		mutate  func(*Engine)
		wantErr string
	}{
		{"zero references", func(c *Engine) { c.MaxReferences = 0 }, "max_references must be positive"},
		{"negative workers", func(c *Engine) { c.Workers = -1 }, "workers must be positive"},
		{"no targets", func(c *Engine) { c.Targets = nil }, "at least one target"},
		{"empty target name", func(c *Engine) { c.Targets = []Target{{Name: ""}} }, "target name cannot be empty"},
		{"duplicate target", func(c *Engine) {
			c.Targets = append(c.Targets, Target{Name: SoftwareTarget})
		}, "configured twice"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestEnabledTargets_OrderedByPriority(t *testing.T) {
	cfg := Default()
	cfg.Targets = []Target{
		{Name: "b", Priority: 2, Enabled: true},
		{Name: "off", Priority: 0, Enabled: false},
		{Name: "a", Priority: 1, Enabled: true},
		{Name: "c", Priority: 1, Enabled: true},
	}
	var names []string
	for _, tgt := range cfg.EnabledTargets() {
		names = append(names, tgt.Name)
	}
	if diff := cmp.Diff([]string{"a", "c", "b"}, names); diff != "" {
		t.Errorf("EnabledTargets() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoader_Parse(t *testing.T) {
	src := `
engine {
  workers       = 3
  max_accessors = 4
}

target "khronos.software" {
  priority = 5
}

target "vendor.fast" {
  priority = 1
  enabled  = false
}
`
	cfg, err := NewLoader().Parse(context.Background(), []byte(src), "engine.hcl")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, 4, cfg.MaxAccessors)
	assert.Equal(t, 4096, cfg.MaxReferences, "unset values keep their defaults")

	sw, ok := cfg.TargetByName(SoftwareTarget)
	require.True(t, ok)
	assert.Equal(t, 5, sw.Priority)
	assert.True(t, sw.Enabled)

	fast, ok := cfg.TargetByName("vendor.fast")
	require.True(t, ok)
	assert.False(t, fast.Enabled)
}

func TestLoader_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("empty path returns defaults", func(t *testing.T) {
		cfg, err := NewLoader().Load(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, Default().MaxReferences, cfg.MaxReferences)
	})

	t.Run("reads a file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.hcl")
		require.NoError(t, os.WriteFile(path, []byte("engine {\n  log_entries = 8\n}\n"), 0o600))
		cfg, err := NewLoader().Load(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.LogEntries)
	})

	t.Run("syntax error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.hcl")
		require.NoError(t, os.WriteFile(path, []byte("engine {\n  workers = \n"), 0o600))
		_, err := NewLoader().Load(ctx, path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse HCL file")
	})

	t.Run("invalid values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "engine.hcl")
		require.NoError(t, os.WriteFile(path, []byte("engine {\n  workers = 0\n}\n"), 0o600))
		_, err := NewLoader().Load(ctx, path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "workers must be positive")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewLoader().Load(ctx, filepath.Join(t.TempDir(), "nope.hcl"))
		require.Error(t, err)
	})
}
