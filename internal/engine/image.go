package engine

import (
	"encoding/binary"
	"sync"

	"github.com/vk/visiongraph/internal/status"
)

// DFImage is a four character code naming an image format.
type DFImage uint32

// Image formats.
const (
	DFImageVirt DFImage = 'V' | 'I'<<8 | 'R'<<16 | 'T'<<24
	DFImageRGB  DFImage = 'R' | 'G'<<8 | 'B'<<16 | '2'<<24
	DFImageRGBX DFImage = 'R' | 'G'<<8 | 'B'<<16 | 'A'<<24
	DFImageNV12 DFImage = 'N' | 'V'<<8 | '1'<<16 | '2'<<24
	DFImageNV21 DFImage = 'N' | 'V'<<8 | '2'<<16 | '1'<<24
	DFImageUYVY DFImage = 'U' | 'Y'<<8 | 'V'<<16 | 'Y'<<24
	DFImageYUYV DFImage = 'Y' | 'U'<<8 | 'Y'<<16 | 'V'<<24
	DFImageIYUV DFImage = 'I' | 'Y'<<8 | 'U'<<16 | 'V'<<24
	DFImageYUV4 DFImage = 'Y' | 'U'<<8 | 'V'<<16 | '4'<<24
	DFImageU8   DFImage = 'U' | '0'<<8 | '0'<<16 | '8'<<24
	DFImageU16  DFImage = 'U' | '0'<<8 | '1'<<16 | '6'<<24
	DFImageS16  DFImage = 'S' | '0'<<8 | '1'<<16 | '6'<<24
	DFImageU32  DFImage = 'U' | '0'<<8 | '3'<<16 | '2'<<24
	DFImageS32  DFImage = 'S' | '0'<<8 | '3'<<16 | '2'<<24
)

func (f DFImage) String() string {
	return string([]byte{byte(f), byte(f >> 8), byte(f >> 16), byte(f >> 24)})
}

// DFImageFromString parses a four character code such as "U008".
func DFImageFromString(s string) (DFImage, bool) {
	if len(s) != 4 {
		return 0, false
	}
	f := DFImage(s[0]) | DFImage(s[1])<<8 | DFImage(s[2])<<16 | DFImage(s[3])<<24
	if f != DFImageVirt && planeLayout(f) == nil {
		return 0, false
	}
	return f, true
}

// planeGeom is the layout of one plane relative to the image size.
type planeGeom struct {
	strideX    int // bytes per addressed element
	subX, subY int // subsampling
}

func planeLayout(f DFImage) []planeGeom {
	switch f {
	case DFImageU8:
		return []planeGeom{{1, 1, 1}}
	case DFImageU16, DFImageS16, DFImageUYVY, DFImageYUYV:
		return []planeGeom{{2, 1, 1}}
	case DFImageU32, DFImageS32, DFImageRGBX:
		return []planeGeom{{4, 1, 1}}
	case DFImageRGB:
		return []planeGeom{{3, 1, 1}}
	case DFImageNV12, DFImageNV21:
		return []planeGeom{{1, 1, 1}, {2, 2, 2}}
	case DFImageIYUV:
		return []planeGeom{{1, 1, 1}, {1, 2, 2}, {1, 2, 2}}
	case DFImageYUV4:
		return []planeGeom{{1, 1, 1}, {1, 1, 1}, {1, 1, 1}}
	}
	return nil
}

// validDimensions rejects sizes a subsampled format cannot represent.
func validDimensions(width, height int, f DFImage) bool {
	if width <= 0 || height <= 0 {
		return false
	}
	switch f {
	case DFImageUYVY, DFImageYUYV:
		return width%2 == 0
	case DFImageIYUV, DFImageNV12, DFImageNV21:
		return width%2 == 0 && height%2 == 0
	}
	return true
}

// PixelValue is the fill value of a uniform image. Only the field matching
// the image format is used.
type PixelValue struct {
	RGB  [3]uint8
	RGBX [4]uint8
	YUV  [3]uint8
	U8   uint8
	U16  uint16
	S16  int16
	U32  uint32
	S32  int32
}

type imagePlane struct {
	geom       planeGeom
	data       []byte
	dimX, dimY int
	strideY    int
	// lock is held by writers and shared with regions of the same plane.
	lock *sync.Mutex
}

func (p *imagePlane) offset(x, y int) int {
	return (y/p.geom.subY)*p.strideY + (x/p.geom.subX)*p.geom.strideX
}

func (p *imagePlane) rowBytes(width int) int {
	return (width / p.geom.subX) * p.geom.strideX
}

// Image is a two dimensional, possibly multi-planar, pixel buffer.
type Image struct {
	Reference

	width, height int
	format        DFImage
	planes        []imagePlane

	// parent is set on images created from a region of another image; roi
	// is that region in parent coordinates.
	parent *Image
	roi    Rectangle

	constant bool
	imported bool

	allocMu   sync.Mutex
	allocated bool

	regionMu sync.Mutex
	region   Rectangle
}

// CreateImage returns an unallocated image. Storage is allocated on first
// access or when a graph using the image is verified.
func (e *Engine) CreateImage(width, height int, format DFImage) (*Image, error) {
	if !IsValidOf(e, TypeContext) {
		return nil, status.Errorf(status.InvalidReference, "invalid engine")
	}
	if planeLayout(format) == nil {
		return nil, status.Errorf(status.InvalidFormat, "unsupported image format %s", format)
	}
	if !validDimensions(width, height, format) {
		return nil, status.Errorf(status.InvalidDimension, "invalid %dx%d for format %s", width, height, format)
	}
	return e.newImage(width, height, format, false, e)
}

// CreateVirtualImage returns an image private to g whose size and format
// may be left open (0 and DFImageVirt) for verification to fill in.
func (g *Graph) CreateVirtualImage(width, height int, format DFImage) (*Image, error) {
	if !IsValidOf(g, TypeGraph) {
		return nil, status.Errorf(status.InvalidReference, "invalid graph")
	}
	if width < 0 || height < 0 {
		return nil, status.Errorf(status.InvalidDimension, "negative size %dx%d", width, height)
	}
	if format != DFImageVirt && planeLayout(format) == nil {
		return nil, status.Errorf(status.InvalidFormat, "unsupported image format %s", format)
	}
	return g.engine.newImage(width, height, format, true, g)
}

func (e *Engine) newImage(width, height int, format DFImage, virtual bool, scope Ref) (*Image, error) {
	img := &Image{}
	img.virtual = virtual
	img.initialize(width, height, format)
	if err := e.initReference(&img.Reference, img, TypeImage, external, scope); err != nil {
		return nil, err
	}
	return img, nil
}

// CreateUniformImage returns a constant image filled with value. It rejects
// write access.
func (e *Engine) CreateUniformImage(width, height int, format DFImage, value PixelValue) (*Image, error) {
	img, err := e.CreateImage(width, height, format)
	if err != nil {
		return nil, err
	}
	if err := img.allocate(); err != nil {
		_ = img.Release()
		return nil, err
	}
	img.fill(value)
	img.constant = true
	img.region = Rectangle{EndX: width, EndY: height}
	return img, nil
}

// CreateImageFromROI returns an image sharing the storage of rect inside
// parent. The parent stays alive as long as the region does.
func (e *Engine) CreateImageFromROI(parent *Image, rect Rectangle) (*Image, error) {
	if !IsValidOf(parent, TypeImage) {
		return nil, status.Errorf(status.InvalidReference, "invalid parent image")
	}
	if rect.Empty() || rect.StartX < 0 || rect.StartY < 0 || rect.EndX > parent.width || rect.EndY > parent.height {
		return nil, status.Errorf(status.InvalidParameters, "region %+v outside %dx%d parent", rect, parent.width, parent.height)
	}
	if err := parent.allocate(); err != nil {
		return nil, err
	}
	sub := &Image{parent: parent, roi: rect, constant: parent.constant}
	sub.virtual = parent.virtual
	sub.initialize(rect.Width(), rect.Height(), parent.format)
	for p := range sub.planes {
		pp := &parent.planes[p]
		sp := &sub.planes[p]
		sp.data = pp.data[pp.offset(rect.StartX, rect.StartY):]
		sp.strideY = pp.strideY
		sp.lock = pp.lock
	}
	sub.allocated = true
	if err := e.initReference(&sub.Reference, sub, TypeImage, external, parent.scope); err != nil {
		return nil, err
	}
	parent.increment(internal)
	return sub, nil
}

// CreateImageFromHandle wraps caller owned planes. addrs gives the stride
// of each plane; the engine never frees the memory.
func (e *Engine) CreateImageFromHandle(format DFImage, addrs []PatchAddressing, planes [][]byte) (*Image, error) {
	if !IsValidOf(e, TypeContext) {
		return nil, status.Errorf(status.InvalidReference, "invalid engine")
	}
	layout := planeLayout(format)
	if layout == nil {
		return nil, status.Errorf(status.InvalidFormat, "unsupported image format %s", format)
	}
	if len(addrs) != len(layout) || len(planes) != len(layout) {
		return nil, status.Errorf(status.InvalidParameters, "format %s needs %d planes", format, len(layout))
	}
	width, height := addrs[0].DimX, addrs[0].DimY
	if !validDimensions(width, height, format) {
		return nil, status.Errorf(status.InvalidDimension, "invalid %dx%d for format %s", width, height, format)
	}
	img := &Image{imported: true}
	img.initialize(width, height, format)
	for p := range img.planes {
		pl := &img.planes[p]
		a := addrs[p]
		if a.StrideX != pl.geom.strideX || a.StrideY < pl.rowBytes(width) {
			return nil, status.Errorf(status.InvalidParameters, "plane %d strides %d/%d do not fit format %s", p, a.StrideX, a.StrideY, format)
		}
		if len(planes[p]) < a.StrideY*pl.dimY {
			return nil, status.Errorf(status.InvalidParameters, "plane %d holds %d bytes, need %d", p, len(planes[p]), a.StrideY*pl.dimY)
		}
		pl.strideY = a.StrideY
		pl.data = planes[p]
	}
	img.allocated = true
	if err := e.initReference(&img.Reference, img, TypeImage, external, e); err != nil {
		return nil, err
	}
	return img, nil
}

// initialize sets the geometry and the plane layout without allocating.
func (img *Image) initialize(width, height int, format DFImage) {
	img.width, img.height, img.format = width, height, format
	img.region = Rectangle{StartX: width, StartY: height}
	layout := planeLayout(format)
	img.planes = make([]imagePlane, len(layout))
	for p, geom := range layout {
		pl := &img.planes[p]
		pl.geom = geom
		pl.dimX = width / geom.subX
		pl.dimY = height / geom.subY
		pl.strideY = pl.dimX * geom.strideX
		pl.lock = &sync.Mutex{}
	}
}

// reshape gives a virtual image the geometry verification settled on. The
// storage is dropped when the geometry changes.
func (img *Image) reshape(width, height int, format DFImage) {
	img.allocMu.Lock()
	defer img.allocMu.Unlock()
	if img.width == width && img.height == height && img.format == format {
		return
	}
	img.initialize(width, height, format)
	img.allocated = false
}

// allocate creates the backing storage once.
func (img *Image) allocate() error {
	img.allocMu.Lock()
	defer img.allocMu.Unlock()
	if img.allocated {
		return nil
	}
	if img.format == DFImageVirt || img.width <= 0 || img.height <= 0 {
		return status.Errorf(status.NoMemory, "cannot allocate %dx%d %s image", img.width, img.height, img.format)
	}
	for p := range img.planes {
		pl := &img.planes[p]
		pl.data = make([]byte, pl.strideY*pl.dimY)
	}
	img.allocated = true
	return nil
}

func (img *Image) isAllocated() bool {
	img.allocMu.Lock()
	defer img.allocMu.Unlock()
	return img.allocated
}

// fill writes value into every pixel of every plane.
func (img *Image) fill(value PixelValue) {
	var pattern [][]byte
	le := binary.LittleEndian
	switch img.format {
	case DFImageU8:
		pattern = [][]byte{{value.U8}}
	case DFImageU16:
		pattern = [][]byte{le.AppendUint16(nil, value.U16)}
	case DFImageS16:
		pattern = [][]byte{le.AppendUint16(nil, uint16(value.S16))}
	case DFImageU32:
		pattern = [][]byte{le.AppendUint32(nil, value.U32)}
	case DFImageS32:
		pattern = [][]byte{le.AppendUint32(nil, uint32(value.S32))}
	case DFImageRGB:
		pattern = [][]byte{value.RGB[:]}
	case DFImageRGBX:
		pattern = [][]byte{value.RGBX[:]}
	case DFImageUYVY:
		y, u, v := value.YUV[0], value.YUV[1], value.YUV[2]
		pattern = [][]byte{{u, y, v, y}}
	case DFImageYUYV:
		y, u, v := value.YUV[0], value.YUV[1], value.YUV[2]
		pattern = [][]byte{{y, u, y, v}}
	case DFImageNV12:
		pattern = [][]byte{{value.YUV[0]}, {value.YUV[1], value.YUV[2]}}
	case DFImageNV21:
		pattern = [][]byte{{value.YUV[0]}, {value.YUV[2], value.YUV[1]}}
	case DFImageIYUV, DFImageYUV4:
		pattern = [][]byte{{value.YUV[0]}, {value.YUV[1]}, {value.YUV[2]}}
	}
	for p := range img.planes {
		data := img.planes[p].data
		pat := pattern[p]
		for i := range data {
			data[i] = pat[i%len(pat)]
		}
	}
}

// Release drops the caller's hold.
func (img *Image) Release() error {
	return img.engine.releaseReference(img, TypeImage, external)
}

func (img *Image) destruct() {
	img.allocMu.Lock()
	for p := range img.planes {
		img.planes[p].data = nil
	}
	img.allocated = false
	img.allocMu.Unlock()
	if img.parent != nil {
		_ = img.engine.releaseReference(img.parent, TypeImage, internal)
	}
}

// Width returns the width in pixels.
func (img *Image) Width() int { return img.width }

// Height returns the height in pixels.
func (img *Image) Height() int { return img.height }

// Format returns the pixel format.
func (img *Image) Format() DFImage { return img.format }

// Planes returns the number of planes.
func (img *Image) Planes() int { return len(img.planes) }

// IsConstant reports whether the image rejects writes.
func (img *Image) IsConstant() bool { return img.constant }

// Parent returns the image this one is a region of, or nil.
func (img *Image) Parent() *Image { return img.parent }

// ValidRegion returns the bounding box of everything written so far, or
// the whole image when nothing was written.
func (img *Image) ValidRegion() Rectangle {
	img.regionMu.Lock()
	defer img.regionMu.Unlock()
	r := img.region
	if r.StartX <= r.EndX && r.StartY <= r.EndY {
		return r
	}
	return Rectangle{EndX: img.width, EndY: img.height}
}

func (img *Image) growRegion(r Rectangle) {
	img.regionMu.Lock()
	defer img.regionMu.Unlock()
	img.region.StartX = min(img.region.StartX, r.StartX)
	img.region.StartY = min(img.region.StartY, r.StartY)
	img.region.EndX = max(img.region.EndX, r.EndX)
	img.region.EndY = max(img.region.EndY, r.EndY)
}

// ComputePatchSize returns the bytes a copy of rect in plane needs.
func (img *Image) ComputePatchSize(rect Rectangle, plane int) int {
	if plane < 0 || plane >= len(img.planes) || rect.Empty() {
		return 0
	}
	pl := &img.planes[plane]
	return pl.rowBytes(rect.Width()) * (rect.Height() / pl.geom.subY)
}

// memorySize returns the bytes of every plane.
func (img *Image) memorySize() uint64 {
	var n uint64
	for p := range img.planes {
		n += uint64(img.planes[p].strideY * img.planes[p].dimY)
	}
	return n
}

// root returns the image owning the storage.
func (img *Image) root() *Image {
	cur := img
	for cur.parent != nil {
		cur = cur.parent
	}
	return cur
}

// locateROI returns the storage owner and the rectangle img covers in it.
func (img *Image) locateROI() (*Image, Rectangle) {
	r := Rectangle{EndX: img.width, EndY: img.height}
	cur := img
	for cur.parent != nil {
		r.StartX += cur.roi.StartX
		r.EndX += cur.roi.StartX
		r.StartY += cur.roi.StartY
		r.EndY += cur.roi.StartY
		cur = cur.parent
	}
	return cur, r
}

// AccessPatch gives access to rect of plane. With a nil buf, write usages
// get a slice into the image storage and read-only usage gets a private
// copy; a non-nil buf is filled (for reads) and later copied back (for
// writes) by CommitPatch. Every access must be paired with a commit. A zero
// area rect only makes sure the storage exists.
func (img *Image) AccessPatch(rect Rectangle, plane int, addr *PatchAddressing, buf []byte, usage Usage) ([]byte, error) {
	if !usage.valid() || addr == nil {
		return nil, status.Errorf(status.InvalidParameters, "invalid usage or addressing")
	}
	if !IsValidOf(img, TypeImage) {
		return nil, status.Errorf(status.InvalidReference, "invalid image")
	}
	e := img.engine
	if img.virtual && !img.accessible.Load() {
		return nil, status.Errorf(status.OptimizedAway, "virtual image is not accessible outside graph execution")
	}
	zeroArea := rect.Width() <= 0 || rect.Height() <= 0
	if !zeroArea && (plane < 0 || plane >= len(img.planes) || rect.StartX < 0 || rect.StartY < 0 ||
		rect.EndX > img.width || rect.EndY > img.height) {
		return nil, status.Errorf(status.InvalidParameters, "patch %+v plane %d outside %dx%d %s image", rect, plane, img.width, img.height, img.format)
	}
	if err := img.allocate(); err != nil {
		return nil, err
	}
	if img.constant && usage.writes() {
		e.Log(img, status.NotSupported, "Can't write to constant data, only read!")
		return nil, status.Errorf(status.NotSupported, "image is constant")
	}
	if zeroArea {
		img.increment(external)
		return nil, nil
	}

	pl := &img.planes[plane]
	acc := accessor{ref: &img.Reference, usage: usage}
	if usage.writes() {
		pl.lock.Lock()
		acc.lock = pl.lock
	}

	if buf == nil && usage.writes() {
		*addr = PatchAddressing{
			DimX: rect.Width(), DimY: rect.Height(),
			StrideX: pl.geom.strideX, StrideY: pl.strideY,
			StepX: pl.geom.subX, StepY: pl.geom.subY,
			ScaleX: ScaleUnity / pl.geom.subX, ScaleY: ScaleUnity / pl.geom.subY,
		}
		acc.buf = pl.data[pl.offset(rect.StartX, rect.StartY):]
		acc.mapped = true
	} else {
		row := pl.rowBytes(rect.Width())
		*addr = PatchAddressing{
			DimX: rect.Width(), DimY: rect.Height(),
			StrideX: pl.geom.strideX, StrideY: row,
			StepX: pl.geom.subX, StepY: pl.geom.subY,
			ScaleX: ScaleUnity / pl.geom.subX, ScaleY: ScaleUnity / pl.geom.subY,
		}
		size := img.ComputePatchSize(rect, plane)
		if buf == nil {
			buf = make([]byte, size)
		} else if len(buf) < size {
			if acc.lock != nil {
				acc.lock.Unlock()
			}
			return nil, status.Errorf(status.InvalidParameters, "buffer holds %d bytes, patch needs %d", len(buf), size)
		}
		if usage.reads() {
			for y := rect.StartY; y < rect.EndY; y += pl.geom.subY {
				src := pl.offset(rect.StartX, y)
				dst := addr.Offset2D(0, y-rect.StartY)
				copy(buf[dst:dst+row], pl.data[src:src+row])
			}
		}
		acc.buf = buf
	}
	if _, err := e.addAccessor(acc); err != nil {
		if acc.lock != nil {
			acc.lock.Unlock()
		}
		e.Log(img, status.NoResources, "No accessor left for image patch")
		return nil, err
	}
	if usage.reads() {
		img.readFrom()
	}
	img.increment(external)
	return acc.buf, nil
}

// CommitPatch ends an access started by AccessPatch. Data written through
// a caller or copy buffer is copied back; a zero area rect releases the
// access without writing.
func (img *Image) CommitPatch(rect Rectangle, plane int, addr PatchAddressing, buf []byte) error {
	if !IsValidOf(img, TypeImage) {
		return status.Errorf(status.InvalidReference, "invalid image")
	}
	e := img.engine
	zeroArea := rect.Width() <= 0 || rect.Height() <= 0
	if img.virtual && !zeroArea && !img.accessible.Load() {
		return status.Errorf(status.OptimizedAway, "virtual image is not accessible outside graph execution")
	}

	idx, found := e.findAccessor(&img.Reference, buf)
	if zeroArea {
		if found {
			e.removeAccessor(idx)
		}
		img.decrement(external)
		return nil
	}
	if !found {
		return status.Errorf(status.InvalidParameters, "commit without a matching access")
	}
	// A rejected commit still ends the access.
	release := func() {
		e.removeAccessor(idx)
		img.decrement(external)
	}
	if plane < 0 || plane >= len(img.planes) || rect.StartX < 0 || rect.StartY < 0 ||
		rect.EndX > img.width || rect.EndY > img.height || rect.Width() > addr.DimX || rect.Height() > addr.DimY {
		release()
		return status.Errorf(status.InvalidParameters, "commit %+v outside the accessed patch", rect)
	}
	acc := e.accessorAt(idx)
	if acc.usage.writes() {
		if img.constant {
			release()
			return status.Errorf(status.NotSupported, "image is constant")
		}
		if !acc.mapped {
			pl := &img.planes[plane]
			row := addr.StrideX * ((addr.ScaleX * rect.Width()) / ScaleUnity)
			for y := rect.StartY; y < rect.EndY; y += max(addr.StepY, 1) {
				dst := pl.offset(rect.StartX, y)
				src := addr.Offset2D(0, y-rect.StartY)
				copy(pl.data[dst:dst+row], buf[src:src+row])
			}
		}
		img.growRegion(rect)
		img.wroteTo()
	}
	release()
	return nil
}

// FormatPatchAddress1D returns the slice of buf starting at the index-th
// pixel of the patch, or nil when index is out of range.
func FormatPatchAddress1D(buf []byte, index int, addr PatchAddressing) []byte {
	if buf == nil || index < 0 || index >= addr.DimX*addr.DimY {
		return nil
	}
	return buf[addr.Offset1D(index):]
}

// FormatPatchAddress2D returns the slice of buf starting at pixel (x, y) of
// the patch, or nil when the pixel is out of range.
func FormatPatchAddress2D(buf []byte, x, y int, addr PatchAddressing) []byte {
	if buf == nil || x < 0 || y < 0 || x >= addr.DimX || y >= addr.DimY {
		return nil
	}
	return buf[addr.Offset2D(x, y):]
}
