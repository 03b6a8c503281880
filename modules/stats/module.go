// Package stats publishes image statistics kernels: mean, nonzero
// coordinates and a saturating accumulator.
package stats

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/internal/status"
)

// Kernel enumerations of this module.
const (
	EnumMean engine.KernelEnum = 0x2000 + iota
	EnumNonZero
	EnumAccumulate
)

// Kernel names of this module.
const (
	KernelMean       = "stats.mean"
	KernelNonZero    = "stats.nonzero"
	KernelAccumulate = "stats.accumulate"
)

// Module implements the engine.Module interface for this package.
type Module struct{}

// Name returns the module name.
func (m *Module) Name() string { return "stats" }

// PublishKernels adds and finalizes the module's kernels.
func (m *Module) PublishKernels(e *engine.Engine) error {
	mean, err := e.AddKernel(KernelMean, EnumMean, engine.FunctionFunc(runMean), 2,
		engine.InputValidatorFunc(requireFormat(engine.DFImageU8)),
		engine.OutputValidatorFunc(func(_ *engine.Node, _ int, meta *engine.MetaFormat) error {
			return meta.SetScalar(engine.TypeFloat32)
		}), nil, nil)
	if err != nil {
		return err
	}
	if err := declare(mean,
		param{engine.Input, engine.TypeImage},
		param{engine.Output, engine.TypeFloat32}); err != nil {
		return err
	}

	nonzero, err := e.AddKernel(KernelNonZero, EnumNonZero, engine.FunctionFunc(runNonZero), 2,
		engine.InputValidatorFunc(requireFormat(engine.DFImageU8)),
		engine.OutputValidatorFunc(nonZeroMeta), nil, nil)
	if err != nil {
		return err
	}
	if err := declare(nonzero,
		param{engine.Input, engine.TypeImage},
		param{engine.Output, engine.TypeArray}); err != nil {
		return err
	}

	acc, err := e.AddKernel(KernelAccumulate, EnumAccumulate, engine.FunctionFunc(runAccumulate), 2,
		engine.InputValidatorFunc(accumulateInput),
		engine.OutputValidatorFunc(func(*engine.Node, int, *engine.MetaFormat) error { return nil }), nil, nil)
	if err != nil {
		return err
	}
	return declare(acc,
		param{engine.Input, engine.TypeImage},
		param{engine.Bidirectional, engine.TypeImage})
}

type param struct {
	dir engine.Direction
	typ engine.Type
}

func declare(k *engine.Kernel, params ...param) error {
	for i, p := range params {
		if err := k.AddParameter(i, p.dir, p.typ, engine.Required); err != nil {
			return err
		}
	}
	return k.Finalize()
}

func requireFormat(want engine.DFImage) func(*engine.Node, int) error {
	return func(n *engine.Node, index int) error {
		img, ok := n.ParameterRef(index).(*engine.Image)
		if !ok {
			return status.Errorf(status.InvalidParameters, "%s parameter %d is not an image", n.Kernel().Name(), index)
		}
		if f := img.Format(); f != want {
			return status.Errorf(status.InvalidFormat, "%s parameter %d must be %s, got %s", n.Kernel().Name(), index, want, f)
		}
		return nil
	}
}

// readU8 returns a packed copy of a U8 image.
func readU8(img *engine.Image) ([]byte, error) {
	rect := engine.Rectangle{EndX: img.Width(), EndY: img.Height()}
	var addr engine.PatchAddressing
	buf, err := img.AccessPatch(rect, 0, &addr, nil, engine.ReadOnly)
	if err != nil {
		return nil, err
	}
	return buf, img.CommitPatch(rect, 0, addr, buf)
}

func runMean(_ context.Context, _ *engine.Node, params []engine.Ref) error {
	px, err := readU8(params[0].(*engine.Image))
	if err != nil {
		return err
	}
	var sum uint64
	for _, v := range px {
		sum += uint64(v)
	}
	return params[1].(*engine.Scalar).Write(float32(float64(sum) / float64(len(px))))
}

// nonZeroMeta asks for one coordinate per pixel unless the bound array
// already has a capacity; the kernel stops adding once it is full.
func nonZeroMeta(n *engine.Node, index int, meta *engine.MetaFormat) error {
	img, ok := n.ParameterRef(0).(*engine.Image)
	if !ok {
		return status.Errorf(status.InvalidParameters, "%s needs an input image", n.Kernel().Name())
	}
	capacity := 0
	if a, ok := n.ParameterRef(index).(*engine.Array); ok && a.Capacity() == 0 {
		capacity = img.Width() * img.Height()
	}
	return meta.SetArray(engine.TypeCoordinates2D, capacity)
}

// runNonZero lists the coordinates of nonzero pixels in row order. Each
// item is two little endian uint32 values, x then y.
func runNonZero(_ context.Context, _ *engine.Node, params []engine.Ref) error {
	img, arr := params[0].(*engine.Image), params[1].(*engine.Array)
	px, err := readU8(img)
	if err != nil {
		return err
	}
	if err := arr.Truncate(0); err != nil {
		return err
	}
	w := img.Width()
	room := arr.Capacity()
	items := make([]byte, 0, 8*min(room, len(px)))
	count := 0
	for i, v := range px {
		if v == 0 || count == room {
			continue
		}
		items = binary.LittleEndian.AppendUint32(items, uint32(i%w))
		items = binary.LittleEndian.AppendUint32(items, uint32(i/w))
		count++
	}
	return arr.AddItems(count, items, 0)
}

func accumulateInput(n *engine.Node, index int) error {
	if index == 0 {
		return requireFormat(engine.DFImageU8)(n, index)
	}
	if err := requireFormat(engine.DFImageS16)(n, index); err != nil {
		return err
	}
	src := n.ParameterRef(0).(*engine.Image)
	acc := n.ParameterRef(index).(*engine.Image)
	if src.Width() != acc.Width() || src.Height() != acc.Height() {
		return status.Errorf(status.InvalidDimension, "accumulator is %dx%d, input is %dx%d",
			acc.Width(), acc.Height(), src.Width(), src.Height())
	}
	return nil
}

// runAccumulate adds the input to the S16 accumulator in place, saturating
// at the int16 maximum.
func runAccumulate(_ context.Context, _ *engine.Node, params []engine.Ref) error {
	src, acc := params[0].(*engine.Image), params[1].(*engine.Image)
	px, err := readU8(src)
	if err != nil {
		return err
	}
	rect := engine.Rectangle{EndX: acc.Width(), EndY: acc.Height()}
	var addr engine.PatchAddressing
	base, err := acc.AccessPatch(rect, 0, &addr, nil, engine.ReadAndWrite)
	if err != nil {
		return err
	}
	w := src.Width()
	for y := 0; y < addr.DimY; y++ {
		for x := 0; x < addr.DimX; x++ {
			cell := engine.FormatPatchAddress2D(base, x, y, addr)
			sum := int32(int16(binary.LittleEndian.Uint16(cell))) + int32(px[y*w+x])
			binary.LittleEndian.PutUint16(cell, uint16(int16(min(sum, math.MaxInt16))))
		}
	}
	return acc.CommitPatch(rect, 0, addr, base)
}
