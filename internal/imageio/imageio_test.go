package imageio

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/internal/status"
	"github.com/vk/visiongraph/internal/testutil"
)

func TestSaveLoad(t *testing.T) {
	e := testutil.NewEngine(t, nil).Engine
	dir := t.TempDir()
	px := testutil.Ramp(7, 3)
	gray := testutil.NewU8(t, e, 7, 3, px)

	rgb, err := e.CreateImage(2, 1, engine.DFImageRGB)
	require.NoError(t, err)
	testutil.WritePlane(t, rgb, 0, []byte{255, 0, 0, 10, 20, 30})

	for _, ext := range []string{".png", ".bmp", ".tiff"} {
		t.Run("gray"+ext, func(t *testing.T) {
			path := filepath.Join(dir, "gray"+ext)
			require.NoError(t, Save(gray, path))
			loaded, err := Load(e, path)
			require.NoError(t, err)
			defer loaded.Release()
			assert.Equal(t, engine.DFImageU8, loaded.Format())
			assert.Equal(t, px, testutil.ReadPlane(t, loaded, 0))
		})
		t.Run("rgb"+ext, func(t *testing.T) {
			path := filepath.Join(dir, "rgb"+ext)
			require.NoError(t, Save(rgb, path))
			loaded, err := Load(e, path)
			require.NoError(t, err)
			defer loaded.Release()
			assert.Equal(t, engine.DFImageRGB, loaded.Format())
			assert.Equal(t, []byte{255, 0, 0, 10, 20, 30}, testutil.ReadPlane(t, loaded, 0))
		})
	}
}

func TestUnsupported(t *testing.T) {
	e := testutil.NewEngine(t, nil).Engine
	assert.False(t, Supported("picture.jpg"))
	assert.True(t, Supported("PICTURE.PNG"))

	img := testutil.NewU8(t, e, 2, 2, nil)
	assert.Equal(t, status.NotSupported, status.FromError(Save(img, filepath.Join(t.TempDir(), "x.gif"))))

	s16, err := e.CreateImage(2, 2, engine.DFImageS16)
	require.NoError(t, err)
	_, err = ToImage(s16)
	assert.Equal(t, status.NotSupported, status.FromError(err))

	_, err = Load(e, filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}

func TestStore(t *testing.T) {
	e := testutil.NewEngine(t, nil).Engine
	m := image.NewNRGBA(image.Rect(5, 5, 7, 6))
	m.SetNRGBA(5, 5, color.NRGBA{R: 100, G: 100, B: 100, A: 255})
	m.SetNRGBA(6, 5, color.NRGBA{R: 200, G: 200, B: 200, A: 255})

	t.Run("converts color to gray", func(t *testing.T) {
		img := testutil.NewU8(t, e, 2, 1, nil)
		require.NoError(t, Store(img, m))
		assert.Equal(t, []byte{100, 200}, testutil.ReadPlane(t, img, 0))
	})

	t.Run("size mismatch", func(t *testing.T) {
		img := testutil.NewU8(t, e, 3, 1, nil)
		assert.Equal(t, status.InvalidDimension, status.FromError(Store(img, m)))
	})
}
