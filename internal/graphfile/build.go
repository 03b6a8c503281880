package graphfile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/visiongraph/internal/ctxlog"
	"github.com/vk/visiongraph/internal/engine"
	"github.com/vk/visiongraph/internal/imageio"
)

// Description is a graph built from a file together with the objects it
// declared, keyed by kind.name (for example "image.input").
type Description struct {
	Graph *engine.Graph
	// Nodes maps node block names to nodes.
	Nodes map[string]*engine.Node
	// Objects maps kind.name keys to the declared objects.
	Objects map[string]engine.Ref
	// Outputs maps image names to the file each should be saved to after
	// processing. Paths are kept as written.
	Outputs map[string]string
	// Parameters maps parameter block names to graph parameter indices.
	Parameters map[string]int

	holds []engine.Ref
}

// Image returns the declared image called name.
func (d *Description) Image(name string) (*engine.Image, bool) {
	img, ok := d.Objects[refKey(kindImage, name)].(*engine.Image)
	return img, ok
}

// Release drops the graph and every object hold the loader took.
func (d *Description) Release() error {
	var errs []error
	if d.Graph != nil {
		errs = append(errs, d.Graph.Release())
		d.Graph = nil
	}
	for i := len(d.holds) - 1; i >= 0; i-- {
		errs = append(errs, d.holds[i].Release())
	}
	d.holds = nil
	return errors.Join(errs...)
}

type builder struct {
	ctx  context.Context
	e    *engine.Engine
	ectx *hcl.EvalContext
	d    *Description
}

func (l *Loader) build(ctx context.Context, e *engine.Engine, root *fileRoot) (*Description, error) {
	logger := ctxlog.FromContext(ctx)
	g, err := e.CreateGraph()
	if err != nil {
		return nil, err
	}
	b := &builder{
		ctx:  ctx,
		e:    e,
		ectx: evalContext(root),
		d: &Description{
			Graph:      g,
			Nodes:      make(map[string]*engine.Node),
			Objects:    make(map[string]engine.Ref),
			Outputs:    make(map[string]string),
			Parameters: make(map[string]int),
		},
	}
	if err := b.run(root); err != nil {
		_ = b.d.Release()
		return nil, err
	}
	logger.Debug("Graph file loaded.", "nodes", len(b.d.Nodes), "objects", len(b.d.Objects), "outputs", len(b.d.Outputs))
	return b.d, nil
}

func (b *builder) run(root *fileRoot) error {
	if root.Graph != nil && root.Graph.Serialize != nil {
		b.d.Graph.SetSerialize(*root.Graph.Serialize)
	}
	for _, blk := range root.Images {
		if err := b.image(blk); err != nil {
			return fmt.Errorf("image %q: %w", blk.Name, err)
		}
	}
	for _, blk := range root.Pyramids {
		if err := b.pyramid(blk); err != nil {
			return fmt.Errorf("pyramid %q: %w", blk.Name, err)
		}
	}
	for _, blk := range root.Arrays {
		if err := b.array(blk); err != nil {
			return fmt.Errorf("array %q: %w", blk.Name, err)
		}
	}
	for _, blk := range root.Scalars {
		if err := b.scalar(blk); err != nil {
			return fmt.Errorf("scalar %q: %w", blk.Name, err)
		}
	}
	for _, blk := range root.Delays {
		if err := b.delay(blk); err != nil {
			return fmt.Errorf("delay %q: %w", blk.Name, err)
		}
	}
	for _, blk := range root.Nodes {
		if err := b.node(blk); err != nil {
			return fmt.Errorf("node %q: %w", blk.Name, err)
		}
	}
	for _, blk := range root.Parameters {
		if err := b.parameter(blk); err != nil {
			return fmt.Errorf("parameter %q: %w", blk.Name, err)
		}
	}
	return nil
}

// keep records an object under key and takes ownership of its hold.
func (b *builder) keep(key string, ref engine.Ref) error {
	if _, dup := b.d.Objects[key]; dup {
		_ = ref.Release()
		return fmt.Errorf("%s declared more than once", key)
	}
	b.d.Objects[key] = ref
	b.d.holds = append(b.d.holds, ref)
	return nil
}

// lookup resolves a reference key, including slot and level forms.
func (b *builder) lookup(key string) (engine.Ref, error) {
	objKey, op, index, err := splitKey(key)
	if err != nil {
		return nil, err
	}
	ref, ok := b.d.Objects[objKey]
	if !ok {
		return nil, fmt.Errorf("%s is used before it is declared", objKey)
	}
	switch op {
	case "":
		return ref, nil
	case "slot":
		return ref.(*engine.Delay).Slot(index)
	case "level":
		lvl, err := ref.(*engine.Pyramid).Level(index)
		if err != nil {
			return nil, err
		}
		b.d.holds = append(b.d.holds, lvl)
		return lvl, nil
	}
	return nil, fmt.Errorf("unknown reference operation %q", op)
}

func parseFormat(s *string, fallback engine.DFImage) (engine.DFImage, error) {
	if s == nil {
		return fallback, nil
	}
	f, ok := engine.DFImageFromString(*s)
	if !ok {
		return 0, fmt.Errorf("unknown image format %q", *s)
	}
	return f, nil
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

func (b *builder) image(blk *imageBlock) error {
	key := refKey(kindImage, blk.Name)
	virtual := blk.Virtual != nil && *blk.Virtual
	if blk.Output != nil {
		b.d.Outputs[blk.Name] = *blk.Output
	}

	switch {
	case isExprDefined(blk.Parent):
		parentKey, err := evalRef(blk.Parent, b.ectx)
		if err != nil {
			return err
		}
		ref, err := b.lookup(parentKey)
		if err != nil {
			return err
		}
		parent, ok := ref.(*engine.Image)
		if !ok {
			return fmt.Errorf("parent %s is not an image", parentKey)
		}
		if len(blk.Rect) != 4 {
			return fmt.Errorf("rect needs [start_x, start_y, end_x, end_y]")
		}
		r := engine.Rectangle{StartX: blk.Rect[0], StartY: blk.Rect[1], EndX: blk.Rect[2], EndY: blk.Rect[3]}
		img, err := b.e.CreateImageFromROI(parent, r)
		if err != nil {
			return err
		}
		return b.keep(key, img)

	case blk.File != nil:
		path := *blk.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(blk.dir, path)
		}
		img, err := imageio.Load(b.e, path)
		if err != nil {
			return err
		}
		if err := b.keep(key, img); err != nil {
			return err
		}
		if blk.Width != nil && *blk.Width != img.Width() || blk.Height != nil && *blk.Height != img.Height() {
			return fmt.Errorf("file %s is %dx%d", path, img.Width(), img.Height())
		}
		if f, err := parseFormat(blk.Format, img.Format()); err != nil || f != img.Format() {
			return fmt.Errorf("file %s holds a %s image", path, img.Format())
		}
		return nil

	case virtual:
		format, err := parseFormat(blk.Format, engine.DFImageVirt)
		if err != nil {
			return err
		}
		img, err := b.d.Graph.CreateVirtualImage(intOr(blk.Width, 0), intOr(blk.Height, 0), format)
		if err != nil {
			return err
		}
		return b.keep(key, img)
	}

	if blk.Width == nil || blk.Height == nil {
		return fmt.Errorf("width and height are required")
	}
	format, err := parseFormat(blk.Format, engine.DFImageU8)
	if err != nil {
		return err
	}
	if isExprDefined(blk.Value) {
		v, diags := blk.Value.Value(b.ectx)
		if diags.HasErrors() {
			return diags
		}
		pv, err := pixelValue(format, v)
		if err != nil {
			return fmt.Errorf("value: %w", err)
		}
		img, err := b.e.CreateUniformImage(*blk.Width, *blk.Height, format, pv)
		if err != nil {
			return err
		}
		return b.keep(key, img)
	}
	img, err := b.e.CreateImage(*blk.Width, *blk.Height, format)
	if err != nil {
		return err
	}
	return b.keep(key, img)
}

func (b *builder) pyramid(blk *pyramidBlock) error {
	scale := engine.ScaleHalf
	if blk.Scale != nil {
		switch *blk.Scale {
		case "half":
		case "orb":
			scale = engine.ScaleORB
		default:
			return fmt.Errorf("unknown scale %q, want half or orb", *blk.Scale)
		}
	}
	var (
		p   *engine.Pyramid
		err error
	)
	if blk.Virtual != nil && *blk.Virtual {
		format, ferr := parseFormat(blk.Format, engine.DFImageVirt)
		if ferr != nil {
			return ferr
		}
		p, err = b.d.Graph.CreateVirtualPyramid(blk.Levels, scale, intOr(blk.Width, 0), intOr(blk.Height, 0), format)
	} else {
		format, ferr := parseFormat(blk.Format, engine.DFImageU8)
		if ferr != nil {
			return ferr
		}
		p, err = b.e.CreatePyramid(blk.Levels, scale, intOr(blk.Width, 0), intOr(blk.Height, 0), format)
	}
	if err != nil {
		return err
	}
	return b.keep(refKey(kindPyramid, blk.Name), p)
}

func (b *builder) array(blk *arrayBlock) error {
	itemType := engine.TypeInvalid
	if blk.ItemType != nil {
		t, ok := engine.TypeFromString(*blk.ItemType)
		if !ok {
			return fmt.Errorf("unknown item type %q", *blk.ItemType)
		}
		itemType = t
	}
	var (
		a   *engine.Array
		err error
	)
	if blk.Virtual != nil && *blk.Virtual {
		a, err = b.d.Graph.CreateVirtualArray(itemType, intOr(blk.Capacity, 0))
	} else {
		a, err = b.e.CreateArray(itemType, intOr(blk.Capacity, 0))
	}
	if err != nil {
		return err
	}
	if err := b.keep(refKey(kindArray, blk.Name), a); err != nil {
		return err
	}
	if !isExprDefined(blk.Items) {
		return nil
	}
	v, diags := blk.Items.Value(b.ectx)
	if diags.HasErrors() {
		return diags
	}
	count, data, err := packItems(itemType, v)
	if err != nil {
		return fmt.Errorf("items: %w", err)
	}
	return a.AddItems(count, data, 0)
}

func (b *builder) scalar(blk *scalarBlock) error {
	dataType, ok := engine.TypeFromString(blk.Type)
	if !ok || !engine.IsScalarType(dataType) {
		return fmt.Errorf("unknown scalar type %q", blk.Type)
	}
	var value any
	if isExprDefined(blk.Value) {
		v, diags := blk.Value.Value(b.ectx)
		if diags.HasErrors() {
			return diags
		}
		var err error
		if value, err = scalarValue(dataType, v); err != nil {
			return fmt.Errorf("value: %w", err)
		}
	}
	s, err := b.e.CreateScalar(dataType, value)
	if err != nil {
		return err
	}
	return b.keep(refKey(kindScalar, blk.Name), s)
}

func (b *builder) delay(blk *delayBlock) error {
	key, err := evalRef(blk.Exemplar, b.ectx)
	if err != nil {
		return err
	}
	exemplar, err := b.lookup(key)
	if err != nil {
		return err
	}
	d, err := b.e.CreateDelay(exemplar, blk.Count)
	if err != nil {
		return err
	}
	return b.keep(refKey(kindDelay, blk.Name), d)
}

func parseBorder(blk *nodeBlock) (engine.Border, error) {
	var border engine.Border
	switch *blk.Border {
	case "undefined":
		border.Mode = engine.BorderUndefined
	case "constant":
		border.Mode = engine.BorderConstant
	case "replicate":
		border.Mode = engine.BorderReplicate
	case "self":
		border.Mode = engine.BorderSelf
	default:
		return border, fmt.Errorf("unknown border mode %q", *blk.Border)
	}
	if blk.BorderValue != nil {
		border.ConstantValue = uint32(*blk.BorderValue)
	}
	return border, nil
}

func (b *builder) node(blk *nodeBlock) error {
	logger := ctxlog.FromContext(b.ctx)
	if _, dup := b.d.Nodes[blk.Name]; dup {
		return fmt.Errorf("node declared more than once")
	}
	k, err := b.e.KernelByName(blk.Kernel)
	if err != nil {
		return err
	}
	defer k.Release()

	keys, err := evalRefs(b.ctx, blk.Params, b.ectx)
	if err != nil {
		return err
	}
	refs := make([]engine.Ref, len(keys))
	for i, key := range keys {
		if key == "" {
			continue
		}
		if refs[i], err = b.lookup(key); err != nil {
			return fmt.Errorf("parameter %d: %w", i, err)
		}
	}
	n, err := b.d.Graph.CreateNodeWith(k, refs...)
	if err != nil {
		return err
	}
	b.d.Nodes[blk.Name] = n
	if blk.Border != nil {
		border, err := parseBorder(blk)
		if err != nil {
			return err
		}
		if err := n.SetBorder(border); err != nil {
			return err
		}
	}
	logger.Debug("Node created.", "node", blk.Name, "kernel", blk.Kernel, "params", len(refs))
	return nil
}

func (b *builder) parameter(blk *parameterBlock) error {
	n, ok := b.d.Nodes[blk.Node]
	if !ok {
		return fmt.Errorf("unknown node %q", blk.Node)
	}
	if _, dup := b.d.Parameters[blk.Name]; dup {
		return fmt.Errorf("parameter declared more than once")
	}
	p, err := n.Parameter(blk.Index)
	if err != nil {
		return err
	}
	defer p.Release()
	if err := b.d.Graph.AddParameter(p); err != nil {
		return err
	}
	b.d.Parameters[blk.Name] = b.d.Graph.NumParameters() - 1
	return nil
}
