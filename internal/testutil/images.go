package testutil

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vk/visiongraph/internal/engine"
)

// Ramp returns w*h pixels counting up modulo 251.
func Ramp(w, h int) []byte {
	px := make([]byte, w*h)
	for i := range px {
		px[i] = byte(i % 251)
	}
	return px
}

// NewU8 creates a U8 image and fills it with px when px is not nil.
func NewU8(t *testing.T, e *engine.Engine, w, h int, px []byte) *engine.Image {
	t.Helper()
	img, err := e.CreateImage(w, h, engine.DFImageU8)
	require.NoError(t, err)
	if px != nil {
		WritePlane(t, img, 0, px)
	}
	return img
}

// WritePlane stores packed pixels into one plane of img.
func WritePlane(t *testing.T, img *engine.Image, plane int, px []byte) {
	t.Helper()
	rect := engine.Rectangle{EndX: img.Width(), EndY: img.Height()}
	var addr engine.PatchAddressing
	buf, err := img.AccessPatch(rect, plane, &addr, px, engine.WriteOnly)
	require.NoError(t, err)
	require.NoError(t, img.CommitPatch(rect, plane, addr, buf))
}

// ReadPlane returns a packed copy of one plane of img.
func ReadPlane(t *testing.T, img *engine.Image, plane int) []byte {
	t.Helper()
	rect := engine.Rectangle{EndX: img.Width(), EndY: img.Height()}
	var addr engine.PatchAddressing
	buf, err := img.AccessPatch(rect, plane, &addr, nil, engine.ReadOnly)
	require.NoError(t, err)
	require.NoError(t, img.CommitPatch(rect, plane, addr, buf))
	return buf
}
