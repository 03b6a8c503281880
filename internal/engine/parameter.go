package engine

import (
	"github.com/vk/visiongraph/internal/status"
)

// Parameter is a handle on one slot of a node.
type Parameter struct {
	Reference

	node  *Node
	index int
}

// Parameter returns a handle on slot index of n. The handle keeps the node
// alive until it is released.
func (n *Node) Parameter(index int) (*Parameter, error) {
	if !IsValidOf(n, TypeNode) {
		return nil, status.Errorf(status.InvalidReference, "invalid node")
	}
	if index < 0 || index >= len(n.kernel.sig) {
		return nil, status.Errorf(status.InvalidValue, "node %s has no parameter %d", n.kernel.name, index)
	}
	p := &Parameter{node: n, index: index}
	if err := n.engine.initReference(&p.Reference, p, TypeParameter, external, n); err != nil {
		return nil, err
	}
	n.increment(internal)
	return p, nil
}

// Release drops the caller's hold.
func (p *Parameter) Release() error {
	return p.engine.releaseReference(p, TypeParameter, external)
}

func (p *Parameter) destruct() {
	_ = p.engine.releaseReference(p.node, TypeNode, internal)
}

// Node returns the node the parameter belongs to.
func (p *Parameter) Node() *Node { return p.node }

// Index returns the slot index.
func (p *Parameter) Index() int { return p.index }

// Info returns the slot declaration.
func (p *Parameter) Info() ParamInfo {
	s := p.node.kernel.sig[p.index]
	return ParamInfo{Index: p.index, Direction: s.dir, Type: s.typ, State: s.state}
}

// Ref returns the object bound to the slot with an external hold for the
// caller, or nil when the slot is empty. From then on writes to the object
// invalidate graphs that read it.
func (p *Parameter) Ref() (Ref, error) {
	if !IsValidOf(p, TypeParameter) {
		return nil, status.Errorf(status.InvalidReference, "invalid parameter")
	}
	ref := p.node.param(p.index)
	if ref == nil {
		return nil, nil
	}
	ref.base().extracted.Store(true)
	ref.base().increment(external)
	return ref, nil
}

// Set binds value to the slot.
func (p *Parameter) Set(value Ref) error {
	if !IsValidOf(p, TypeParameter) {
		return status.Errorf(status.InvalidReference, "invalid parameter")
	}
	return p.node.SetParameter(p.index, value)
}
