package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/visiongraph/internal/config"
	"github.com/vk/visiongraph/internal/logring"
	"github.com/vk/visiongraph/internal/status"
)

func TestNew(t *testing.T) {
	t.Run("loads the software target", func(t *testing.T) {
		e := newTestEngine(t)
		targets := e.Targets()
		require.Len(t, targets, 1)
		assert.Equal(t, config.SoftwareTarget, targets[0].Name)

		info := e.Info()
		assert.Equal(t, vendorName, info.Vendor)
		assert.Equal(t, 1, info.NumTargets)
		assert.Zero(t, info.NumKernels)
	})

	t.Run("rejects an invalid config", func(t *testing.T) {
		cfg := config.Default()
		cfg.MaxReferences = 0
		_, err := New(context.Background(), cfg)
		assert.Equal(t, status.InvalidValue, status.FromError(err))
	})

	t.Run("fails without a loadable target", func(t *testing.T) {
		cfg := config.Default()
		cfg.Targets = []config.Target{{Name: "missing.target", Enabled: true}}
		_, err := New(context.Background(), cfg, WithLogger(discardLogger()))
		assert.Equal(t, status.NoResources, status.FromError(err))
	})

	t.Run("registers metrics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		e, err := New(context.Background(), config.Default(), WithLogger(discardLogger()), WithMetrics(reg))
		require.NoError(t, err)
		defer e.Release()
		families, err := reg.Gather()
		require.NoError(t, err)
		assert.NotEmpty(t, families)
	})
}

func TestReferenceCounting(t *testing.T) {
	e := newTestEngine(t)
	base := e.ReferenceCount()

	img := newU8(t, e, 4, 4)
	assert.Equal(t, base+1, e.ReferenceCount())
	assert.Equal(t, 1, img.Query().External)

	require.NoError(t, Retain(img))
	assert.Equal(t, 2, img.Query().External)

	require.NoError(t, img.Release())
	assert.True(t, IsValid(img))
	require.NoError(t, img.Release())
	assert.False(t, IsValid(img))
	assert.Equal(t, base, e.ReferenceCount())

	err := img.Release()
	assert.Equal(t, status.InvalidReference, status.FromError(err))
	assert.Equal(t, status.InvalidReference, status.FromError(Retain(img)))
}

func TestReferenceCounting_InternalHolds(t *testing.T) {
	e := newTestEngine(t)
	k := addCopyKernel(t, e, "test.copy", enumCopy, nil)
	g, err := e.CreateGraph()
	require.NoError(t, err)
	in := newU8(t, e, 4, 4)
	n, err := g.CreateNodeWith(k, in, newU8(t, e, 4, 4))
	require.NoError(t, err)

	// The node keeps the image alive after the application lets go.
	require.NoError(t, in.Release())
	assert.True(t, IsValid(in))
	assert.Equal(t, 1, in.Query().Internal)

	// The graph keeps the node alive.
	require.NoError(t, n.Release())
	assert.True(t, IsValid(n))

	require.NoError(t, g.Release())
	assert.False(t, IsValid(g))
	assert.False(t, IsValid(n))
	assert.False(t, IsValid(in))
}

func TestReferenceTableFull(t *testing.T) {
	e := newTestEngine(t, func(c *config.Engine) { c.MaxReferences = 4 })
	var err error
	for i := 0; i < 4 && err == nil; i++ {
		_, err = e.CreateScalar(TypeInt32, i)
	}
	assert.Equal(t, status.NoResources, status.FromError(err))
}

func TestShutdown_ReleasesLeaks(t *testing.T) {
	e, err := New(context.Background(), config.Default(), WithLogger(discardLogger()))
	require.NoError(t, err)
	k := addCopyKernel(t, e, "test.copy", enumCopy, nil)
	g, err := e.CreateGraph()
	require.NoError(t, err)
	img := newU8(t, e, 4, 4)
	_, err = g.CreateNodeWith(k, img, newU8(t, e, 4, 4))
	require.NoError(t, err)
	require.NoError(t, Retain(img))

	require.NoError(t, e.Release())
	assert.False(t, IsValid(e))
	assert.False(t, IsValid(g))
	assert.False(t, IsValid(img))
	assert.False(t, IsValid(k))
	assert.Zero(t, e.ReferenceCount())
}

func TestFactory(t *testing.T) {
	ctx := context.Background()
	var f Factory
	a, err := f.Acquire(ctx, config.Default(), WithLogger(discardLogger()))
	require.NoError(t, err)
	b, err := f.Acquire(ctx, config.Default(), WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.Same(t, a, b)

	require.NoError(t, a.Release())
	assert.True(t, IsValid(b))
	require.NoError(t, b.Release())
	assert.False(t, IsValid(b))

	c, err := f.Acquire(ctx, config.Default(), WithLogger(discardLogger()))
	require.NoError(t, err)
	assert.NotSame(t, a, c)
	require.NoError(t, c.Release())
}

func TestImmediateBorder(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.SetImmediateBorder(Border{Mode: BorderConstant, ConstantValue: 7}))
	assert.Equal(t, Border{Mode: BorderConstant, ConstantValue: 7}, e.ImmediateBorder())
	err := e.SetImmediateBorder(Border{Mode: BorderMode(42)})
	assert.Equal(t, status.InvalidValue, status.FromError(err))
}

func TestLog(t *testing.T) {
	e := newTestEngine(t)
	g, err := e.CreateGraph()
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []logring.Entry
	e.RegisterLogCallback(func(entry logring.Entry) {
		mu.Lock()
		seen = append(seen, entry)
		mu.Unlock()
	}, false)

	e.Log(g, status.Success, "ignored")
	e.Log(g, status.InvalidGraph, "graph %d is broken", 3)
	e.Log(e, status.Failure, "engine trouble")

	entries := e.LogEntries(g)
	require.Len(t, entries, 1)
	assert.Equal(t, "graph 3 is broken", entries[0].Message)
	assert.Equal(t, g.ID().String(), entries[0].RefID)
	assert.Equal(t, "graph", entries[0].RefType)

	assert.Len(t, e.LogEntries(nil), 2)
	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()

	e.RegisterLogCallback(nil, false)
	e.Log(g, status.Failure, "after removal")
	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}
