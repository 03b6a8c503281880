package pixel

import (
	"context"

	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/internal/status"
)

func publishHalfScalePyramid(e *engine.Engine) error {
	k, err := e.AddKernel(KernelHalfScalePyramid, EnumHalfScalePyramid, engine.FunctionFunc(runHalfScalePyramid), 2,
		engine.InputValidatorFunc(requireU8), engine.OutputValidatorFunc(halfScaleMeta), nil, nil)
	if err != nil {
		return err
	}
	return declare(k, in(engine.TypeImage), out(engine.TypePyramid))
}

// halfScaleMeta keeps the level count of the bound pyramid and takes the
// base geometry from the input.
func halfScaleMeta(n *engine.Node, index int, meta *engine.MetaFormat) error {
	img, ok := n.ParameterRef(0).(*engine.Image)
	if !ok {
		return status.Errorf(status.InvalidParameters, "%s needs an input image", n.Kernel().Name())
	}
	pyr, ok := n.ParameterRef(index).(*engine.Pyramid)
	if !ok {
		return status.Errorf(status.InvalidParameters, "%s needs an output pyramid", n.Kernel().Name())
	}
	return meta.SetPyramid(pyr.NumLevels(), engine.ScaleHalf, img.Width(), img.Height(), engine.DFImageU8)
}

// runHalfScalePyramid copies the input into level 0 and fills every
// further level with the 2x2 box average of the level above it.
func runHalfScalePyramid(ctx context.Context, _ *engine.Node, params []engine.Ref) error {
	src, pyr := params[0].(*engine.Image), params[1].(*engine.Pyramid)
	buf, addr, err := readPlane(src, 0)
	if err != nil {
		return err
	}
	w, h, stride := src.Width(), src.Height(), addr.StrideY
	for i := 0; i < pyr.NumLevels(); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i > 0 {
			buf, w, h = halve(buf, w, h, stride)
			stride = w
		}
		lvl, err := pyr.Level(i)
		if err != nil {
			return err
		}
		err = writePlane(lvl, 0, buf)
		if rerr := lvl.Release(); err == nil {
			err = rerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// halve downsamples a packed U8 plane. Odd edges reuse the last row or
// column.
func halve(src []byte, w, h, stride int) ([]byte, int, int) {
	hw, hh := (w+1)/2, (h+1)/2
	dst := make([]byte, hw*hh)
	for y := 0; y < hh; y++ {
		y0, y1 := 2*y, min(2*y+1, h-1)
		for x := 0; x < hw; x++ {
			x0, x1 := 2*x, min(2*x+1, w-1)
			sum := int(src[y0*stride+x0]) + int(src[y0*stride+x1]) +
				int(src[y1*stride+x0]) + int(src[y1*stride+x1])
			dst[y*hw+x] = byte((sum + 2) / 4)
		}
	}
	return dst, hw, hh
}
