package engine

import (
	"context"

	"github.com/vk/visiongraph/internal/status"
)

// tileRows is the number of horizontal bands an output image is cut into.
const tileRows = 64

// Tile is one image band handed to a tiling kernel. Base addresses pixel
// (X, Y) of the image through Addr. Input bands extend past the output band
// by the kernel's neighborhood, clamped to the image, so an input tile may
// start above or left of its output tile.
type Tile struct {
	Base          []byte
	Addr          PatchAddressing
	X, Y          int
	Width, Height int
	Format        DFImage
	Block         BlockSize
	Neighborhood  Neighborhood
}

// TileFunction processes one band. params holds a *Tile for every image
// parameter and the value of every scalar parameter, nil otherwise.
// tileMemory is the node's local data.
type TileFunction func(params []any, tileMemory []byte) error

// tilingDispatcher turns a TileFunction into a Function. The first output
// image defines the band geometry; every image is mapped band by band,
// inputs read-only and outputs for writing.
type tilingDispatcher struct {
	tile TileFunction
}

type tiledImage struct {
	index int
	img   *Image
	dir   Direction
	tile  Tile
}

func (d tilingDispatcher) Run(ctx context.Context, n *Node, params []Ref) error {
	k := n.kernel
	if mode := n.Border().Mode; mode != BorderUndefined && mode != BorderSelf {
		return status.Errorf(status.NotSupported, "tiling does not support border mode %s", mode)
	}

	attrs := k.Attributes()
	args := make([]any, len(params))
	var images []*tiledImage
	basis := -1
	for i, p := range params {
		if isNilRef(p) {
			continue
		}
		switch obj := p.(type) {
		case *Image:
			ti := &tiledImage{index: i, img: obj, dir: k.sig[i].dir}
			ti.tile = Tile{
				Width:        obj.Width(),
				Height:       obj.Height(),
				Format:       obj.Format(),
				Block:        attrs.OutputBlockSize,
				Neighborhood: attrs.InputNeighborhood,
			}
			args[i] = &ti.tile
			images = append(images, ti)
			if basis < 0 && ti.dir == Output {
				basis = len(images) - 1
			}
		case *Scalar:
			args[i] = obj.Value()
		}
	}
	if basis < 0 {
		return status.Errorf(status.InvalidParameters, "tiling kernel %s has no output image", k.name)
	}

	width := images[basis].img.Width()
	height := images[basis].img.Height()
	bandHeight := max(height/tileRows, 1)
	local := n.LocalData()

	for ty := 0; ty < height; ty += bandHeight {
		if err := ctx.Err(); err != nil {
			return err
		}
		rect := Rectangle{StartX: 0, StartY: ty, EndX: width, EndY: min(ty+bandHeight, height)}
		mapped := 0
		var err error
		for _, ti := range images {
			r := clampRect(rect, ti.img)
			if ti.dir == Input {
				r = widenRect(rect, attrs.InputNeighborhood, ti.img)
			}
			usage := ReadOnly
			switch ti.dir {
			case Output:
				usage = WriteOnly
			case Bidirectional:
				usage = ReadAndWrite
			}
			ti.tile.X, ti.tile.Y = r.StartX, r.StartY
			ti.tile.Base, err = ti.img.AccessPatch(r, 0, &ti.tile.Addr, nil, usage)
			if err != nil {
				break
			}
			mapped++
		}
		if err == nil {
			err = d.tile(args, local)
		}
		for _, ti := range images[:mapped] {
			commit := clampRect(rect, ti.img)
			if ti.dir == Input || err != nil {
				commit = Rectangle{}
			}
			if cerr := ti.img.CommitPatch(commit, 0, ti.tile.Addr, ti.tile.Base); cerr != nil && err == nil {
				err = cerr
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func clampRect(r Rectangle, img *Image) Rectangle {
	r.EndX = min(r.EndX, img.Width())
	r.EndY = min(r.EndY, img.Height())
	r.StartY = min(r.StartY, r.EndY)
	return r
}

// widenRect grows r by nb on every side and clamps it to img.
func widenRect(r Rectangle, nb Neighborhood, img *Image) Rectangle {
	r.StartX = max(r.StartX-nb.Left, 0)
	r.StartY = max(r.StartY-nb.Top, 0)
	r.EndX += nb.Right
	r.EndY += nb.Bottom
	r = clampRect(r, img)
	r.StartX = min(r.StartX, r.EndX)
	return r
}
