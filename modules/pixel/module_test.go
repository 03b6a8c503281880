package pixel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/internal/status"
	"github.com/vk/visiongraph/internal/testutil"
)

func setup(t *testing.T) *engine.Engine {
	t.Helper()
	return testutil.NewEngine(t, []engine.Module{&Module{}}).Engine
}

func TestPublishKernels(t *testing.T) {
	e := setup(t)
	for _, name := range []string{KernelCopy, KernelNot, KernelThreshold, KernelHalfScalePyramid} {
		k := testutil.Kernel(t, e, name)
		assert.True(t, k.Enabled(), name)
	}
	assert.True(t, testutil.Kernel(t, e, KernelNot).IsTiling())
	assert.Equal(t, []string{"pixel"}, e.Modules())
}

func TestCopy(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	t.Run("u8", func(t *testing.T) {
		px := testutil.Ramp(9, 5)
		in := testutil.NewU8(t, e, 9, 5, px)
		out := testutil.NewU8(t, e, 9, 5, nil)
		g, err := e.CreateGraph()
		require.NoError(t, err)
		_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelCopy), in, out)
		require.NoError(t, err)

		require.NoError(t, g.Process(ctx))
		assert.Equal(t, px, testutil.ReadPlane(t, out, 0))
	})

	t.Run("every plane of nv12", func(t *testing.T) {
		in, err := e.CreateImage(4, 4, engine.DFImageNV12)
		require.NoError(t, err)
		out, err := e.CreateImage(4, 4, engine.DFImageNV12)
		require.NoError(t, err)
		luma := testutil.Ramp(4, 4)
		chroma := []byte{10, 20, 30, 40, 50, 60, 70, 80}
		testutil.WritePlane(t, in, 0, luma)
		testutil.WritePlane(t, in, 1, chroma)

		g, err := e.CreateGraph()
		require.NoError(t, err)
		_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelCopy), in, out)
		require.NoError(t, err)
		require.NoError(t, g.Process(ctx))

		assert.Equal(t, luma, testutil.ReadPlane(t, out, 0))
		assert.Equal(t, chroma, testutil.ReadPlane(t, out, 1))
	})

	t.Run("format mismatch", func(t *testing.T) {
		in := testutil.NewU8(t, e, 4, 4, nil)
		out, err := e.CreateImage(4, 4, engine.DFImageRGB)
		require.NoError(t, err)
		g, err := e.CreateGraph()
		require.NoError(t, err)
		_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelCopy), in, out)
		require.NoError(t, err)
		assert.Equal(t, status.InvalidFormat, status.FromError(g.Verify(ctx)))
	})
}

func TestNotAndThreshold(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	px := []byte{0, 10, 100, 200, 250, 255}
	in := testutil.NewU8(t, e, 3, 2, px)
	out := testutil.NewU8(t, e, 3, 2, nil)
	limit, err := e.CreateScalar(engine.TypeUInt8, 100)
	require.NoError(t, err)

	g, err := e.CreateGraph()
	require.NoError(t, err)
	inverted, err := g.CreateVirtualImage(0, 0, engine.DFImageVirt)
	require.NoError(t, err)
	_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelNot), in, inverted)
	require.NoError(t, err)
	_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelThreshold), inverted, limit, out)
	require.NoError(t, err)

	require.NoError(t, g.Process(ctx))
	// Inverted: 255 245 155 55 5 0.
	assert.Equal(t, []byte{255, 255, 255, 0, 0, 0}, testutil.ReadPlane(t, out, 0))

	t.Run("threshold follows the scalar", func(t *testing.T) {
		require.NoError(t, limit.Write(50))
		require.NoError(t, g.Process(ctx))
		assert.Equal(t, []byte{255, 255, 255, 255, 0, 0}, testutil.ReadPlane(t, out, 0))
	})

	t.Run("rejects non u8 input", func(t *testing.T) {
		rgb, err := e.CreateImage(3, 2, engine.DFImageRGB)
		require.NoError(t, err)
		g, err := e.CreateGraph()
		require.NoError(t, err)
		_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelNot), rgb, testutil.NewU8(t, e, 3, 2, nil))
		require.NoError(t, err)
		assert.Equal(t, status.InvalidFormat, status.FromError(g.Verify(ctx)))
	})
}

func TestHalfScalePyramid(t *testing.T) {
	ctx := context.Background()
	e := setup(t)

	px := []byte{
		0, 4, 8, 12, 16,
		4, 8, 12, 16, 20,
		8, 12, 16, 20, 24,
	}
	in := testutil.NewU8(t, e, 5, 3, px)
	g, err := e.CreateGraph()
	require.NoError(t, err)
	pyr, err := g.CreateVirtualPyramid(3, engine.ScaleHalf, 0, 0, engine.DFImageVirt)
	require.NoError(t, err)
	_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelHalfScalePyramid), in, pyr)
	require.NoError(t, err)

	// Copy the smallest level out so that it can be read after execution.
	require.NoError(t, g.Verify(ctx))
	top, err := pyr.Level(2)
	require.NoError(t, err)
	out := testutil.NewU8(t, e, top.Width(), top.Height(), nil)
	_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelCopy), top, out)
	require.NoError(t, err)
	require.NoError(t, top.Release())

	require.NoError(t, g.Process(ctx))
	assert.Equal(t, 5, pyr.Width())
	assert.Equal(t, 2, out.Width())
	assert.Equal(t, 1, out.Height())
	// Level 1 is 3x2: 4 12 18 / 10 18 24. Level 2 averages it down.
	assert.Equal(t, []byte{11, 21}, testutil.ReadPlane(t, out, 0))
}

func TestHalve(t *testing.T) {
	dst, w, h := halve([]byte{1, 3, 5, 7, 9, 11}, 3, 2, 3)
	assert.Equal(t, 2, w)
	assert.Equal(t, 1, h)
	assert.Equal(t, []byte{5, 8}, dst)
}
