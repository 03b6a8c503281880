package stats

import (
	"context"
	"encoding/binary"
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

// coords decodes packed coordinate items into x, y pairs.
func coords(t *testing.T, a *engine.Array) [][2]uint32 {
	t.Helper()
	n := a.NumItems()
	if n == 0 {
		return nil
	}
	buf, stride, err := a.AccessRange(0, n, nil, engine.ReadOnly)
	require.NoError(t, err)
	require.NoError(t, a.CommitRange(0, 0, buf))
	out := make([][2]uint32, n)
	for i := range out {
		item := buf[i*stride:]
		out[i] = [2]uint32{binary.LittleEndian.Uint32(item), binary.LittleEndian.Uint32(item[4:])}
	}
	return out
}

func TestMean(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	in := testutil.NewU8(t, e, 2, 2, []byte{0, 10, 20, 31})
	mean, err := e.CreateScalar(engine.TypeFloat32, nil)
	require.NoError(t, err)

	g, err := e.CreateGraph()
	require.NoError(t, err)
	_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelMean), in, mean)
	require.NoError(t, err)
	require.NoError(t, g.Process(ctx))

	var got float32
	require.NoError(t, mean.Read(&got))
	assert.InDelta(t, 15.25, got, 1e-6)

	t.Run("output must be float32", func(t *testing.T) {
		wrong, err := e.CreateScalar(engine.TypeUInt8, nil)
		require.NoError(t, err)
		g, err := e.CreateGraph()
		require.NoError(t, err)
		_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelMean), in, wrong)
		assert.Error(t, err)
	})
}

func TestNonZero(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	in := testutil.NewU8(t, e, 3, 2, []byte{0, 5, 0, 7, 0, 9})

	t.Run("virtual array sized from the image", func(t *testing.T) {
		g, err := e.CreateGraph()
		require.NoError(t, err)
		points, err := g.CreateVirtualArray(engine.TypeInvalid, 0)
		require.NoError(t, err)
		_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelNonZero), in, points)
		require.NoError(t, err)
		require.NoError(t, g.Verify(ctx))
		assert.Equal(t, engine.TypeCoordinates2D, points.ItemType())
		assert.Equal(t, 6, points.Capacity())
	})

	t.Run("row order", func(t *testing.T) {
		points, err := e.CreateArray(engine.TypeCoordinates2D, 8)
		require.NoError(t, err)
		g, err := e.CreateGraph()
		require.NoError(t, err)
		_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelNonZero), in, points)
		require.NoError(t, err)
		require.NoError(t, g.Process(ctx))
		assert.Equal(t, [][2]uint32{{1, 0}, {0, 1}, {2, 1}}, coords(t, points))

		// A second run replaces the previous list.
		require.NoError(t, g.Process(ctx))
		assert.Equal(t, 3, points.NumItems())
	})

	t.Run("stops at capacity", func(t *testing.T) {
		points, err := e.CreateArray(engine.TypeCoordinates2D, 2)
		require.NoError(t, err)
		g, err := e.CreateGraph()
		require.NoError(t, err)
		_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelNonZero), in, points)
		require.NoError(t, err)
		require.NoError(t, g.Process(ctx))
		assert.Equal(t, [][2]uint32{{1, 0}, {0, 1}}, coords(t, points))
	})

	t.Run("wrong item type", func(t *testing.T) {
		points, err := e.CreateArray(engine.TypeUInt32, 8)
		require.NoError(t, err)
		g, err := e.CreateGraph()
		require.NoError(t, err)
		_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelNonZero), in, points)
		require.NoError(t, err)
		assert.Error(t, g.Verify(ctx))
	})
}

func TestAccumulate(t *testing.T) {
	ctx := context.Background()
	e := setup(t)
	in := testutil.NewU8(t, e, 2, 1, []byte{200, 100})
	acc, err := e.CreateImage(2, 1, engine.DFImageS16)
	require.NoError(t, err)
	start := binary.LittleEndian.AppendUint16(nil, 32700)
	start = binary.LittleEndian.AppendUint16(start, 0)
	testutil.WritePlane(t, acc, 0, start)

	g, err := e.CreateGraph()
	require.NoError(t, err)
	_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelAccumulate), in, acc)
	require.NoError(t, err)
	require.NoError(t, g.Process(ctx))
	require.NoError(t, g.Process(ctx))

	got := testutil.ReadPlane(t, acc, 0)
	assert.Equal(t, uint16(32767), binary.LittleEndian.Uint16(got))
	assert.Equal(t, uint16(200), binary.LittleEndian.Uint16(got[2:]))

	t.Run("dimension mismatch", func(t *testing.T) {
		small, err := e.CreateImage(1, 1, engine.DFImageS16)
		require.NoError(t, err)
		g, err := e.CreateGraph()
		require.NoError(t, err)
		_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelAccumulate), in, small)
		require.NoError(t, err)
		assert.Equal(t, status.InvalidDimension, status.FromError(g.Verify(ctx)))
	})

	t.Run("accumulator must be s16", func(t *testing.T) {
		u8 := testutil.NewU8(t, e, 2, 1, nil)
		g, err := e.CreateGraph()
		require.NoError(t, err)
		_, err = g.CreateNodeWith(testutil.Kernel(t, e, KernelAccumulate), in, u8)
		require.NoError(t, err)
		assert.Equal(t, status.InvalidFormat, status.FromError(g.Verify(ctx)))
	})
}
