// Package imageio moves pixels between engine images and image files.
// PNG, BMP and TIFF are supported, picked by file extension. Grayscale
// files load as U008 images and everything else as RGB2.
package imageio

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/internal/status"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
)

type codec struct {
	decode func(io.Reader) (image.Image, error)
	encode func(io.Writer, image.Image) error
}

var codecs = map[string]codec{
	".png":  {png.Decode, png.Encode},
	".bmp":  {bmp.Decode, bmp.Encode},
	".tif":  {tiff.Decode, encodeTIFF},
	".tiff": {tiff.Decode, encodeTIFF},
}

func encodeTIFF(w io.Writer, m image.Image) error {
	return tiff.Encode(w, m, &tiff.Options{Compression: tiff.Deflate, Predictor: true})
}

func codecFor(path string) (codec, error) {
	ext := strings.ToLower(filepath.Ext(path))
	c, ok := codecs[ext]
	if !ok {
		return codec{}, status.Errorf(status.NotSupported, "unsupported image file extension %q", ext)
	}
	return c, nil
}

// Supported reports whether path has an extension this package can handle.
func Supported(path string) bool {
	_, err := codecFor(path)
	return err == nil
}

// Load decodes the file at path into a new image owned by the caller.
func Load(e *engine.Engine, path string) (*engine.Image, error) {
	c, err := codecFor(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image %s: %w", path, err)
	}
	defer f.Close()

	m, err := c.decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image %s: %w", path, err)
	}
	img, err := FromImage(e, m)
	if err != nil {
		return nil, fmt.Errorf("failed to import image %s: %w", path, err)
	}
	return img, nil
}

// Save encodes img into the file at path, replacing it.
func Save(img *engine.Image, path string) error {
	c, err := codecFor(path)
	if err != nil {
		return err
	}
	m, err := ToImage(img)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image %s: %w", path, err)
	}
	if err := c.encode(f, m); err != nil {
		f.Close()
		return fmt.Errorf("failed to encode image %s: %w", path, err)
	}
	return f.Close()
}

// isGray also accepts paletted pictures whose palette holds only grays,
// which is how BMP stores 8 bit grayscale.
func isGray(m image.Image) bool {
	switch model := m.ColorModel().(type) {
	case color.Palette:
		for _, c := range model {
			r, g, b, _ := c.RGBA()
			if r != g || g != b {
				return false
			}
		}
		return len(model) > 0
	default:
		return model == color.GrayModel || model == color.Gray16Model
	}
}

// FromImage creates an engine image holding the pixels of m.
func FromImage(e *engine.Engine, m image.Image) (*engine.Image, error) {
	b := m.Bounds()
	format := engine.DFImageRGB
	if isGray(m) {
		format = engine.DFImageU8
	}
	img, err := e.CreateImage(b.Dx(), b.Dy(), format)
	if err != nil {
		return nil, err
	}
	if err := Store(img, m); err != nil {
		_ = img.Release()
		return nil, err
	}
	return img, nil
}

// Store writes the pixels of m into img, which must have the same size and
// be U008 or RGB2.
func Store(img *engine.Image, m image.Image) error {
	b := m.Bounds()
	if b.Dx() != img.Width() || b.Dy() != img.Height() {
		return status.Errorf(status.InvalidDimension, "picture is %dx%d, image is %dx%d", b.Dx(), b.Dy(), img.Width(), img.Height())
	}
	var px []byte
	switch img.Format() {
	case engine.DFImageU8:
		px = make([]byte, 0, b.Dx()*b.Dy())
		if g, ok := m.(*image.Gray); ok {
			for y := b.Min.Y; y < b.Max.Y; y++ {
				off := g.PixOffset(b.Min.X, y)
				px = append(px, g.Pix[off:off+b.Dx()]...)
			}
			break
		}
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				px = append(px, color.GrayModel.Convert(m.At(x, y)).(color.Gray).Y)
			}
		}
	case engine.DFImageRGB:
		px = make([]byte, 0, 3*b.Dx()*b.Dy())
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := color.NRGBAModel.Convert(m.At(x, y)).(color.NRGBA)
				px = append(px, c.R, c.G, c.B)
			}
		}
	default:
		return status.Errorf(status.NotSupported, "cannot store pixels into a %s image", img.Format())
	}

	rect := engine.Rectangle{EndX: img.Width(), EndY: img.Height()}
	var addr engine.PatchAddressing
	buf, err := img.AccessPatch(rect, 0, &addr, px, engine.WriteOnly)
	if err != nil {
		return err
	}
	return img.CommitPatch(rect, 0, addr, buf)
}

// ToImage copies a U008, RGB2 or RGBX image into a Go image.
func ToImage(img *engine.Image) (image.Image, error) {
	w, h := img.Width(), img.Height()
	rect := engine.Rectangle{EndX: w, EndY: h}
	switch img.Format() {
	case engine.DFImageU8, engine.DFImageRGB, engine.DFImageRGBX:
	default:
		return nil, status.Errorf(status.NotSupported, "cannot export a %s image", img.Format())
	}

	var addr engine.PatchAddressing
	buf, err := img.AccessPatch(rect, 0, &addr, nil, engine.ReadOnly)
	if err != nil {
		return nil, err
	}
	defer img.CommitPatch(rect, 0, addr, buf)

	if img.Format() == engine.DFImageU8 {
		g := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			copy(g.Pix[y*g.Stride:y*g.Stride+w], buf[addr.Offset2D(0, y):])
		}
		return g, nil
	}
	out := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			p := engine.FormatPatchAddress2D(buf, x, y, addr)
			out.SetNRGBA(x, y, color.NRGBA{R: p[0], G: p[1], B: p[2], A: 0xff})
		}
	}
	return out, nil
}
