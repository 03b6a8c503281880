package pixel

import (
	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/internal/status"
)

func fullRect(img *engine.Image) engine.Rectangle {
	return engine.Rectangle{EndX: img.Width(), EndY: img.Height()}
}

// readPlane returns a packed copy of one plane of img.
func readPlane(img *engine.Image, plane int) ([]byte, engine.PatchAddressing, error) {
	rect := fullRect(img)
	var addr engine.PatchAddressing
	buf, err := img.AccessPatch(rect, plane, &addr, nil, engine.ReadOnly)
	if err != nil {
		return nil, addr, err
	}
	if err := img.CommitPatch(rect, plane, addr, buf); err != nil {
		return nil, addr, err
	}
	return buf, addr, nil
}

// writePlane stores a packed buffer shaped like readPlane's into one plane
// of img.
func writePlane(img *engine.Image, plane int, buf []byte) error {
	rect := fullRect(img)
	var addr engine.PatchAddressing
	patch, err := img.AccessPatch(rect, plane, &addr, buf, engine.WriteOnly)
	if err != nil {
		return err
	}
	return img.CommitPatch(rect, plane, addr, patch)
}

func anyImage(*engine.Node, int) error { return nil }

// requireU8 accepts U8 images and, for scalar slots, anything the
// signature already allows.
func requireU8(n *engine.Node, index int) error {
	img, ok := n.ParameterRef(index).(*engine.Image)
	if !ok {
		return nil
	}
	if f := img.Format(); f != engine.DFImageU8 {
		return status.Errorf(status.InvalidFormat, "%s parameter %d must be U8, got %s", n.Kernel().Name(), index, f)
	}
	return nil
}

// likeInput describes an output shaped like the image in slot 0.
func likeInput(n *engine.Node, _ int, meta *engine.MetaFormat) error {
	img, ok := n.ParameterRef(0).(*engine.Image)
	if !ok {
		return status.Errorf(status.InvalidParameters, "%s needs an input image", n.Kernel().Name())
	}
	return meta.SetImage(img.Width(), img.Height(), img.Format())
}
