package graphfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/internal/imageio"
	"github.com/vk/visiongraph/internal/status"
	"github.com/vk/visiongraph/internal/testutil"
	"github.com/vk/visiongraph/modules/pixel"
)

func setup(t *testing.T) *engine.Engine {
	t.Helper()
	return testutil.NewEngine(t, []engine.Module{&pixel.Module{}}).Engine
}

func parse(t *testing.T, e *engine.Engine, src string) (*Description, error) {
	t.Helper()
	d, err := NewLoader().Parse(context.Background(), e, []byte(testutil.Unindent(src)), "graph.hcl")
	if d != nil {
		t.Cleanup(func() { _ = d.Release() })
	}
	return d, err
}

func TestParse_Pipeline(t *testing.T) {
	e := setup(t)
	d, err := parse(t, e, `
		image "input" {
		  width  = 3
		  height = 2
		  value  = 100
		}
		image "inverted" {
		  virtual = true
		}
		image "mask" {
		  width  = 3
		  height = 2
		  output = "mask.png"
		}
		scalar "limit" {
		  type  = "uint8"
		  value = 150
		}
		node "not" {
		  kernel = "pixel.not"
		  params = [image.input, image.inverted]
		}
		node "threshold" {
		  kernel = "pixel.threshold"
		  params = [image.inverted, scalar.limit, image.mask]
		}
	`)
	require.NoError(t, err)

	assert.Len(t, d.Nodes, 2)
	assert.Equal(t, map[string]string{"mask": "mask.png"}, d.Outputs)
	input, ok := d.Image("input")
	require.True(t, ok)
	assert.True(t, input.IsConstant())

	require.NoError(t, d.Graph.Process(context.Background()))
	mask, ok := d.Image("mask")
	require.True(t, ok)
	// 255 - 100 = 155 is above the limit everywhere.
	assert.Equal(t, []byte{255, 255, 255, 255, 255, 255}, testutil.ReadPlane(t, mask, 0))
}

func TestParse_FileImage(t *testing.T) {
	e := setup(t)
	dir := t.TempDir()
	src := testutil.NewU8(t, e, 4, 2, testutil.Ramp(4, 2))
	require.NoError(t, imageio.Save(src, filepath.Join(dir, "in.png")))

	hcl := testutil.Unindent(`
		image "input" {
		  file = "in.png"
		}
		image "copy" {
		  width  = 4
		  height = 2
		}
		node "copy" {
		  kernel = "pixel.copy"
		  params = [image.input, image.copy]
		}
	`)
	d, err := NewLoader().Parse(context.Background(), e, []byte(hcl), filepath.Join(dir, "graph.hcl"))
	require.NoError(t, err)
	defer d.Release()

	require.NoError(t, d.Graph.Process(context.Background()))
	out, _ := d.Image("copy")
	assert.Equal(t, testutil.Ramp(4, 2), testutil.ReadPlane(t, out, 0))

	t.Run("size must match the file", func(t *testing.T) {
		hcl := testutil.Unindent(`
			image "input" {
			  file  = "in.png"
			  width = 5
			}
		`)
		_, err := NewLoader().Parse(context.Background(), e, []byte(hcl), filepath.Join(dir, "graph.hcl"))
		assert.ErrorContains(t, err, "is 4x2")
	})
}

func TestParse_Objects(t *testing.T) {
	e := setup(t)
	d, err := parse(t, e, `
		graph {
		  serialize = true
		}
		image "frame" {
		  width  = 8
		  height = 8
		}
		image "corner" {
		  parent = image.frame
		  rect   = [4, 4, 8, 8]
		}
		image "rgb" {
		  width  = 2
		  height = 2
		  format = "RGB2"
		  value  = [1, 2, 3]
		}
		pyramid "pyr" {
		  levels = 3
		  width  = 8
		  height = 8
		}
		array "ids" {
		  item_type = "uint32"
		  capacity  = 4
		  items     = [7, 8, 9]
		}
		array "points" {
		  item_type = "coordinates2d"
		  capacity  = 2
		  items     = [[1, 2]]
		}
		scalar "gain" {
		  type  = "float32"
		  value = 1.5
		}
		scalar "on" {
		  type  = "bool"
		  value = true
		}
		delay "history" {
		  exemplar = image.frame
		  count    = 2
		}
		node "previous" {
		  kernel = "pixel.copy"
		  params = [slot(delay.history, -1), slot(delay.history, 0)]
		}
		node "level" {
		  kernel = "pixel.copy"
		  params = [level(pyramid.pyr, 1), image.corner]
		  border = "replicate"
		}
		parameter "source" {
		  node  = "level"
		  index = 0
		}
	`)
	require.NoError(t, err)

	corner, ok := d.Image("corner")
	require.True(t, ok)
	assert.Equal(t, 4, corner.Width())
	assert.NotNil(t, corner.Parent())

	ids := d.Objects["array.ids"].(*engine.Array)
	assert.Equal(t, 3, ids.NumItems())
	buf, _, err := ids.AccessRange(0, 3, nil, engine.ReadOnly)
	require.NoError(t, err)
	require.NoError(t, ids.CommitRange(0, 0, buf))
	assert.Equal(t, []byte{7, 0, 0, 0, 8, 0, 0, 0, 9, 0, 0, 0}, buf)
	assert.Equal(t, 1, d.Objects["array.points"].(*engine.Array).NumItems())

	var gain float32
	require.NoError(t, d.Objects["scalar.gain"].(*engine.Scalar).Read(&gain))
	assert.Equal(t, float32(1.5), gain)
	var on bool
	require.NoError(t, d.Objects["scalar.on"].(*engine.Scalar).Read(&on))
	assert.True(t, on)

	assert.Equal(t, map[string]int{"source": 0}, d.Parameters)
	assert.Equal(t, engine.BorderReplicate, d.Nodes["level"].Border().Mode)

	history := d.Objects["delay.history"].(*engine.Delay)
	past, err := history.Slot(-1)
	require.NoError(t, err)
	assert.Same(t, past, d.Nodes["previous"].ParameterRef(0))

	require.NoError(t, d.Graph.Verify(context.Background()))
}

func TestParse_Errors(t *testing.T) {
	e := setup(t)
	testCases := []struct {
		name string
		src  string
		code status.Status
		msg  string
	}{
		{
			name: "unknown kernel",
			src: `
				node "x" {
				  kernel = "pixel.nope"
				  params = []
				}
			`,
			code: status.InvalidReference,
		},
		{
			name: "undeclared object",
			src: `
				node "x" {
				  kernel = "pixel.copy"
				  params = [image.nope]
				}
			`,
			msg: "Unsupported attribute",
		},
		{
			name: "parent declared later",
			src: `
				image "roi" {
				  parent = image.base
				  rect   = [0, 0, 1, 1]
				}
				image "base" {
				  width  = 2
				  height = 2
				}
			`,
			msg: "used before it is declared",
		},
		{
			name: "unknown format",
			src: `
				image "a" {
				  width  = 2
				  height = 2
				  format = "ABCD"
				}
			`,
			msg: "unknown image format",
		},
		{
			name: "parameter type mismatch",
			src: `
				scalar "s" {
				  type = "uint8"
				}
				image "a" {
				  width  = 2
				  height = 2
				}
				node "x" {
				  kernel = "pixel.copy"
				  params = [scalar.s, image.a]
				}
			`,
			code: status.InvalidType,
		},
		{
			name: "fractional integer",
			src: `
				scalar "s" {
				  type  = "int32"
				  value = 1.5
				}
			`,
			msg: "value",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			before := e.ReferenceCount()
			_, err := parse(t, e, tc.src)
			require.Error(t, err)
			if tc.code != status.Success {
				assert.Equal(t, tc.code, status.FromError(err), err.Error())
			}
			if tc.msg != "" {
				assert.ErrorContains(t, err, tc.msg)
			}
			assert.Equal(t, before, e.ReferenceCount(), "a failed load must release what it built")
		})
	}
}

func TestLoad_Directory(t *testing.T) {
	e := setup(t)
	dir := t.TempDir()
	files := map[string]string{
		"a_objects.hcl": `
			image "in" {
			  width  = 2
			  height = 2
			  value  = 9
			}
			image "out" {
			  width  = 2
			  height = 2
			}
		`,
		"b_nodes.hcl": `
			node "copy" {
			  kernel = "pixel.copy"
			  params = [image.in, image.out]
			}
		`,
		"notes.txt": "not a graph file",
	}
	for name, src := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(testutil.Unindent(src)), 0o644))
	}

	d, err := NewLoader().Load(context.Background(), e, dir)
	require.NoError(t, err)
	defer d.Release()
	require.NoError(t, d.Graph.Process(context.Background()))
	out, _ := d.Image("out")
	assert.Equal(t, []byte{9, 9, 9, 9}, testutil.ReadPlane(t, out, 0))

	t.Run("one graph block", func(t *testing.T) {
		dup := t.TempDir()
		for _, name := range []string{"a.hcl", "b.hcl"} {
			require.NoError(t, os.WriteFile(filepath.Join(dup, name), []byte("graph {\n}\n"), 0o644))
		}
		_, err := NewLoader().Load(context.Background(), e, dup)
		assert.ErrorIs(t, err, errDuplicateGraph)
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := NewLoader().Load(context.Background(), e, filepath.Join(dir, "missing"))
		assert.Error(t, err)
	})
}
