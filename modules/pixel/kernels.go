package pixel

import (
	"context"

	"github.com/vk/visiongraph/internal/engine"
)

func publishCopy(e *engine.Engine) error {
	k, err := e.AddKernel(KernelCopy, EnumCopy, engine.FunctionFunc(runCopy), 2,
		engine.InputValidatorFunc(anyImage), engine.OutputValidatorFunc(likeInput), nil, nil)
	if err != nil {
		return err
	}
	return declare(k, in(engine.TypeImage), out(engine.TypeImage))
}

// runCopy copies every plane of the input into the output.
func runCopy(_ context.Context, _ *engine.Node, params []engine.Ref) error {
	src, dst := params[0].(*engine.Image), params[1].(*engine.Image)
	for p := 0; p < src.Planes(); p++ {
		buf, _, err := readPlane(src, p)
		if err != nil {
			return err
		}
		if err := writePlane(dst, p, buf); err != nil {
			return err
		}
	}
	return nil
}

func publishNot(e *engine.Engine) error {
	k, err := e.AddTilingKernel(KernelNot, EnumNot, tileNot, 2,
		engine.InputValidatorFunc(requireU8), engine.OutputValidatorFunc(likeInput))
	if err != nil {
		return err
	}
	if err := k.SetOutputBlockSize(engine.BlockSize{Width: 1, Height: 1}); err != nil {
		return err
	}
	return declare(k, in(engine.TypeImage), out(engine.TypeImage))
}

func tileNot(params []any, _ []byte) error {
	src, dst := params[0].(*engine.Tile), params[1].(*engine.Tile)
	for y := 0; y < dst.Addr.DimY; y++ {
		for x := 0; x < dst.Addr.DimX; x++ {
			engine.FormatPatchAddress2D(dst.Base, x, y, dst.Addr)[0] = ^engine.FormatPatchAddress2D(src.Base, x, y, src.Addr)[0]
		}
	}
	return nil
}

func publishThreshold(e *engine.Engine) error {
	k, err := e.AddKernel(KernelThreshold, EnumThreshold, engine.FunctionFunc(runThreshold), 3,
		engine.InputValidatorFunc(requireU8), engine.OutputValidatorFunc(likeInput), nil, nil)
	if err != nil {
		return err
	}
	return declare(k, in(engine.TypeImage), in(engine.TypeUInt8), out(engine.TypeImage))
}

// runThreshold sets pixels above the threshold to 255 and the rest to 0.
func runThreshold(_ context.Context, _ *engine.Node, params []engine.Ref) error {
	src, dst := params[0].(*engine.Image), params[2].(*engine.Image)
	var limit uint8
	if err := params[1].(*engine.Scalar).Read(&limit); err != nil {
		return err
	}
	buf, _, err := readPlane(src, 0)
	if err != nil {
		return err
	}
	for i, v := range buf {
		if v > limit {
			buf[i] = 255
		} else {
			buf[i] = 0
		}
	}
	return writePlane(dst, 0, buf)
}
