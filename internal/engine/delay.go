package engine

import (
	"sync"

	"github.com/vk/visiongraph/internal/status"
)

// Delay is a ring of objects shaped like an exemplar. Slot 0 is the
// current object, slot -1 the previous one and so on. Aging shifts every
// object one slot into the past and rebinds the node parameters that
// were bound to a slot.
type Delay struct {
	Reference

	mu    sync.Mutex
	typ   Type
	refs  []Ref
	index int
	// assoc lists, per logical slot, the node parameters bound to it.
	assoc [][]delayBinding
}

type delayBinding struct {
	node  *Node
	index int
}

// CreateDelay returns a delay of count objects shaped like exemplar, which
// must be an image, array, scalar or pyramid.
func (e *Engine) CreateDelay(exemplar Ref, count int) (*Delay, error) {
	if !IsValidOf(e, TypeContext) {
		return nil, status.Errorf(status.InvalidReference, "invalid engine")
	}
	if !IsValid(exemplar) {
		return nil, status.Errorf(status.InvalidReference, "invalid delay exemplar")
	}
	if count <= 0 {
		return nil, status.Errorf(status.InvalidParameters, "delay needs at least one slot, got %d", count)
	}
	if exemplar.base().virtual {
		return nil, status.Errorf(status.InvalidParameters, "delay exemplar cannot be virtual")
	}
	d := &Delay{typ: exemplar.Type(), refs: make([]Ref, count), assoc: make([][]delayBinding, count)}
	if err := e.initReference(&d.Reference, d, TypeDelay, external, e); err != nil {
		return nil, err
	}
	for i := range d.refs {
		ref, err := e.cloneShape(exemplar)
		if err != nil {
			_ = d.Release()
			return nil, err
		}
		r := ref.base()
		r.increment(internal)
		r.decrement(external)
		r.scope = d
		r.delay = d
		r.delaySlot = i
		d.refs[i] = ref
	}
	return d, nil
}

// cloneShape creates a new object with the geometry of exemplar.
func (e *Engine) cloneShape(exemplar Ref) (Ref, error) {
	switch ex := exemplar.(type) {
	case *Image:
		return e.CreateImage(ex.Width(), ex.Height(), ex.Format())
	case *Array:
		return e.CreateArray(ex.ItemType(), ex.Capacity())
	case *Scalar:
		return e.CreateScalar(ex.DataType(), nil)
	case *Pyramid:
		return e.CreatePyramid(ex.NumLevels(), ex.Scale(), ex.Width(), ex.Height(), ex.Format())
	}
	return nil, status.Errorf(status.InvalidType, "delay of %s is not supported", exemplar.Type())
}

// Release drops the caller's hold.
func (d *Delay) Release() error {
	return d.engine.releaseReference(d, TypeDelay, external)
}

func (d *Delay) destruct() {
	d.mu.Lock()
	refs := d.refs
	d.refs = nil
	d.assoc = nil
	d.mu.Unlock()
	for _, ref := range refs {
		if ref != nil {
			_ = d.engine.releaseReference(ref, TypeReference, internal)
		}
	}
}

// Count returns the number of slots.
func (d *Delay) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.refs)
}

// ObjectType returns the type of the objects in the ring.
func (d *Delay) ObjectType() Type { return d.typ }

// Slot returns the object in slot index, 0 or negative. No hold is taken.
func (d *Delay) Slot(index int) (Ref, error) {
	if !IsValidOf(d, TypeDelay) {
		return nil, status.Errorf(status.InvalidReference, "invalid delay")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	count := len(d.refs)
	if index > 0 || -index >= count {
		return nil, status.Errorf(status.InvalidParameters, "delay of %d has no slot %d", count, index)
	}
	return d.refs[(d.index-index)%count], nil
}

// logicalSlot returns how far in the past physical slot phys currently
// is. Called with d.mu held.
func (d *Delay) logicalSlot(phys int) int {
	count := len(d.refs)
	return (phys - d.index + count) % count
}

// Age moves every object one slot into the past; the oldest object
// becomes slot 0. Node parameters bound to a slot are rebound to the
// object now in that slot.
func (d *Delay) Age() error {
	if !IsValidOf(d, TypeDelay) {
		return status.Errorf(status.InvalidReference, "invalid delay")
	}
	d.mu.Lock()
	count := len(d.refs)
	d.index = (d.index + count - 1) % count
	type rebind struct {
		node  *Node
		index int
		ref   Ref
	}
	var todo []rebind
	for l, bindings := range d.assoc {
		ref := d.refs[(d.index+l)%count]
		for _, b := range bindings {
			todo = append(todo, rebind{b.node, b.index, ref})
		}
	}
	d.mu.Unlock()

	for _, r := range todo {
		r.node.replace(r.index, r.ref)
	}
	return nil
}

// addAssociation records that slot index of n is bound to ref, an object
// of this delay.
func (d *Delay) addAssociation(ref Ref, n *Node, index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.assoc == nil {
		return
	}
	l := d.logicalSlot(ref.base().delaySlot)
	d.assoc[l] = append(d.assoc[l], delayBinding{node: n, index: index})
}

// removeAssociation forgets that slot index of n is bound to ref. Aging
// keeps every bound object in the logical slot its binding was recorded
// under.
func (d *Delay) removeAssociation(ref Ref, n *Node, index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.assoc == nil {
		return
	}
	l := d.logicalSlot(ref.base().delaySlot)
	bindings := d.assoc[l]
	for i, b := range bindings {
		if b.node == n && b.index == index {
			d.assoc[l] = append(bindings[:i], bindings[i+1:]...)
			return
		}
	}
}
