package engine

import (
	"math"
	"sync"

	"github.com/vk/visiongraph/internal/status"
)

// Pyramid scales.
const (
	ScaleHalf float32 = 0.5
	ScaleORB  float32 = 0.8408964
)

// MaxPyramidLevels bounds the number of levels of a pyramid.
const MaxPyramidLevels = 8

// orbScales are the factors of the four ORB levels between two halvings.
var orbScales = [4]float32{0.5, ScaleORB, ScaleORB * ScaleORB, ScaleORB * ScaleORB * ScaleORB}

// Pyramid is a fixed number of images, each level scaled down from the
// previous one.
type Pyramid struct {
	Reference

	numLevels int
	scale     float32

	lvMu          sync.Mutex
	width, height int
	format        DFImage
	levels        []*Image
}

// CreatePyramid returns a pyramid whose base level is width x height.
func (e *Engine) CreatePyramid(levels int, scale float32, width, height int, format DFImage) (*Pyramid, error) {
	if !IsValidOf(e, TypeContext) {
		return nil, status.Errorf(status.InvalidReference, "invalid engine")
	}
	if width <= 0 || height <= 0 || format == DFImageVirt {
		return nil, status.Errorf(status.InvalidParameters, "pyramid needs a concrete size and format")
	}
	return e.newPyramid(levels, scale, width, height, format, false, e)
}

// CreateVirtualPyramid returns a pyramid private to g. Size and format may
// be left open for verification to fill in.
func (g *Graph) CreateVirtualPyramid(levels int, scale float32, width, height int, format DFImage) (*Pyramid, error) {
	if !IsValidOf(g, TypeGraph) {
		return nil, status.Errorf(status.InvalidReference, "invalid graph")
	}
	return g.engine.newPyramid(levels, scale, width, height, format, true, g)
}

func (e *Engine) newPyramid(levels int, scale float32, width, height int, format DFImage, virtual bool, scope Ref) (*Pyramid, error) {
	if scale != ScaleHalf && scale != ScaleORB {
		e.Log(e, status.InvalidParameters, "Invalid scale %f for pyramid!", scale)
		return nil, status.Errorf(status.InvalidParameters, "invalid pyramid scale %f", scale)
	}
	if levels <= 0 || levels > MaxPyramidLevels {
		e.Log(e, status.InvalidParameters, "Invalid number of levels for pyramid!")
		return nil, status.Errorf(status.InvalidParameters, "invalid pyramid level count %d", levels)
	}
	if format != DFImageVirt && planeLayout(format) == nil {
		return nil, status.Errorf(status.InvalidFormat, "unsupported image format %s", format)
	}
	p := &Pyramid{numLevels: levels, scale: scale, levels: make([]*Image, levels)}
	p.virtual = virtual
	if err := e.initReference(&p.Reference, p, TypePyramid, external, scope); err != nil {
		return nil, err
	}
	if err := p.initPyramid(width, height, format); err != nil {
		e.Log(p, status.FromError(err), "Failed to initialize pyramid")
		_ = p.Release()
		return nil, err
	}
	return p, nil
}

// initPyramid records the base geometry and, once it is concrete, creates
// the missing level images.
func (p *Pyramid) initPyramid(width, height int, format DFImage) error {
	p.lvMu.Lock()
	defer p.lvMu.Unlock()
	p.width, p.height, p.format = width, height, format
	if width == 0 || height == 0 || format == DFImageVirt {
		return nil
	}
	w, h := width, height
	refW, refH := width, height
	for i := range p.levels {
		if p.levels[i] == nil {
			img := &Image{}
			img.virtual = p.virtual
			img.initialize(w, h, format)
			if err := p.engine.initReference(&img.Reference, img, TypeImage, internal, p); err != nil {
				return err
			}
			p.levels[i] = img
		}
		if p.scale == ScaleORB {
			f := orbScales[(i+1)%4]
			w = ceilScale(refW, f)
			h = ceilScale(refH, f)
			if (i+1)%4 == 0 {
				refW, refH = w, h
			}
		} else {
			w = ceilScale(w, p.scale)
			h = ceilScale(h, p.scale)
		}
	}
	return nil
}

func ceilScale(v int, f float32) int {
	return int(math.Ceil(float64(float32(v) * f)))
}

// Release drops the caller's hold.
func (p *Pyramid) Release() error {
	return p.engine.releaseReference(p, TypePyramid, external)
}

func (p *Pyramid) destruct() {
	for _, lvl := range p.levelsSnapshot() {
		_ = p.engine.releaseReference(lvl, TypeImage, internal)
	}
	p.lvMu.Lock()
	p.levels = nil
	p.lvMu.Unlock()
}

func (p *Pyramid) levelsSnapshot() []*Image {
	p.lvMu.Lock()
	defer p.lvMu.Unlock()
	out := make([]*Image, 0, len(p.levels))
	for _, lvl := range p.levels {
		if lvl != nil {
			out = append(out, lvl)
		}
	}
	return out
}

// NumLevels returns the level count.
func (p *Pyramid) NumLevels() int { return p.numLevels }

// Scale returns the factor between levels.
func (p *Pyramid) Scale() float32 { return p.scale }

// Width returns the width of level 0.
func (p *Pyramid) Width() int {
	p.lvMu.Lock()
	defer p.lvMu.Unlock()
	return p.width
}

// Height returns the height of level 0.
func (p *Pyramid) Height() int {
	p.lvMu.Lock()
	defer p.lvMu.Unlock()
	return p.height
}

// Format returns the format shared by all levels.
func (p *Pyramid) Format() DFImage {
	p.lvMu.Lock()
	defer p.lvMu.Unlock()
	return p.format
}

// Level returns level index with an external hold for the caller.
func (p *Pyramid) Level(index int) (*Image, error) {
	if !IsValidOf(p, TypePyramid) {
		return nil, status.Errorf(status.InvalidReference, "invalid pyramid")
	}
	p.lvMu.Lock()
	defer p.lvMu.Unlock()
	if index < 0 || index >= len(p.levels) {
		return nil, status.Errorf(status.InvalidParameters, "pyramid has no level %d", index)
	}
	lvl := p.levels[index]
	if lvl == nil {
		return nil, status.Errorf(status.NotAllocated, "pyramid level %d does not exist before verification", index)
	}
	lvl.increment(external)
	return lvl, nil
}

func (p *Pyramid) allocate() error {
	for _, lvl := range p.levelsSnapshot() {
		if err := lvl.allocate(); err != nil {
			return err
		}
	}
	if len(p.levelsSnapshot()) != p.numLevels {
		return status.Errorf(status.NoMemory, "pyramid levels have no geometry")
	}
	return nil
}

func (p *Pyramid) memorySize() uint64 {
	var n uint64
	for _, lvl := range p.levelsSnapshot() {
		n += lvl.memorySize()
	}
	return n
}
