// Package pixel publishes per-pixel image kernels: copy, bitwise not,
// threshold and a half-scale pyramid builder.
package pixel

import (
	"github.com/vk/visiongraph/internal/engine"
)

// Kernel enumerations of this module.
const (
	EnumCopy engine.KernelEnum = 0x1000 + iota
	EnumNot
	EnumThreshold
	EnumHalfScalePyramid
)

// Kernel names of this module.
const (
	KernelCopy             = "pixel.copy"
	KernelNot              = "pixel.not"
	KernelThreshold        = "pixel.threshold"
	KernelHalfScalePyramid = "pixel.halfscale_pyramid"
)

// Module implements the engine.Module interface for this package.
type Module struct{}

// Name returns the module name.
func (m *Module) Name() string { return "pixel" }

// PublishKernels adds and finalizes the module's kernels.
func (m *Module) PublishKernels(e *engine.Engine) error {
	steps := []func(*engine.Engine) error{
		publishCopy,
		publishNot,
		publishThreshold,
		publishHalfScalePyramid,
	}
	for _, publish := range steps {
		if err := publish(e); err != nil {
			return err
		}
	}
	return nil
}

type param struct {
	dir   engine.Direction
	typ   engine.Type
	state engine.ParamState
}

func in(typ engine.Type) param  { return param{engine.Input, typ, engine.Required} }
func out(typ engine.Type) param { return param{engine.Output, typ, engine.Required} }

// declare adds the signature of k and finalizes it.
func declare(k *engine.Kernel, params ...param) error {
	for i, p := range params {
		if err := k.AddParameter(i, p.dir, p.typ, p.state); err != nil {
			return err
		}
	}
	return k.Finalize()
}
