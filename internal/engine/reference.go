package engine

import (
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/vk/visiongraph/internal/status"
)

const (
	magicLive uint32 = 0xF00DD00D
	magicDead uint32 = 0xDEADBEEF
)

// refClass selects which of the two reference counters an operation touches.
type refClass int

const (
	external refClass = iota + 1
	internal
)

func (c refClass) String() string {
	if c == internal {
		return "internal"
	}
	return "external"
}

// Ref is implemented by every engine object.
type Ref interface {
	Type() Type
	ID() uuid.UUID
	Engine() *Engine
	Release() error
	Query() RefInfo

	base() *Reference
}

// RefInfo is a snapshot of a reference's bookkeeping.
type RefInfo struct {
	ID         uuid.UUID
	Type       Type
	External   int
	Internal   int
	Reads      uint64
	Writes     uint64
	Virtual    bool
	Accessible bool
	Extracted  bool
}

// destructor is implemented by objects that own resources to free once
// their last hold is released.
type destructor interface {
	destruct()
}

// Reference is the common header embedded by every engine object. External
// holds belong to the application, internal holds to other objects (a graph
// holding its nodes, a node holding its parameters). The object is destroyed
// when both counts reach zero.
type Reference struct {
	magic  atomic.Uint32
	id     uuid.UUID
	typ    Type
	engine *Engine
	scope  Ref
	self   Ref

	mu       sync.Mutex
	external int
	internal int

	reads  atomic.Uint64
	writes atomic.Uint64

	virtual    bool
	accessible atomic.Bool
	extracted  atomic.Bool

	// delay is set on objects that live inside a delay slot.
	delay     *Delay
	delaySlot int

	slot int
}

func (r *Reference) base() *Reference { return r }

// Type returns the object type.
func (r *Reference) Type() Type { return r.typ }

// ID returns the unique identity of the reference.
func (r *Reference) ID() uuid.UUID { return r.id }

// Engine returns the engine that owns the reference.
func (r *Reference) Engine() *Engine { return r.engine }

// Scope returns the object this reference was created in: the engine, a
// graph for virtual objects, a pyramid for its levels or a delay for its
// slots.
func (r *Reference) Scope() Ref { return r.scope }

// IsVirtual reports whether the object was created as a graph-scoped
// virtual object.
func (r *Reference) IsVirtual() bool { return r.virtual }

// Query returns the current counters and flags.
func (r *Reference) Query() RefInfo {
	r.mu.Lock()
	ext, in := r.external, r.internal
	r.mu.Unlock()
	return RefInfo{
		ID:         r.id,
		Type:       r.typ,
		External:   ext,
		Internal:   in,
		Reads:      r.reads.Load(),
		Writes:     r.writes.Load(),
		Virtual:    r.virtual,
		Accessible: r.accessible.Load(),
		Extracted:  r.extracted.Load(),
	}
}

func (r *Reference) increment(class refClass) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if class == internal {
		r.internal++
	} else {
		r.external++
	}
	return r.external + r.internal
}

// decrement lowers one counter and returns the total. A counter already at
// zero stays there and the misuse is logged.
func (r *Reference) decrement(class refClass) int {
	r.mu.Lock()
	var underflow bool
	if class == internal {
		if r.internal == 0 {
			underflow = true
		} else {
			r.internal--
		}
	} else {
		if r.external == 0 {
			underflow = true
		} else {
			r.external--
		}
	}
	total := r.external + r.internal
	r.mu.Unlock()
	if underflow && r.engine != nil {
		r.engine.logger.Warn("Reference counter already at zero.", "ref", r.id, "type", r.typ, "class", class)
	}
	return total
}

func (r *Reference) totalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.external + r.internal
}

func (r *Reference) externalCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.external
}

func (r *Reference) readFrom() {
	r.reads.Add(1)
}

// wroteTo records a write. Writing to an object whose handle was extracted
// from a parameter invalidates the verification of every graph reading it.
func (r *Reference) wroteTo() {
	r.writes.Add(1)
	if r.extracted.Load() && r.engine != nil {
		r.engine.contaminateGraphs(r.self)
	}
}

func newID() uuid.UUID {
	return uuid.New()
}

func isNilRef(ref Ref) bool {
	if ref == nil {
		return true
	}
	v := reflect.ValueOf(ref)
	return v.Kind() == reflect.Pointer && v.IsNil()
}

// IsValid reports whether ref is a live engine object.
func IsValid(ref Ref) bool {
	if isNilRef(ref) {
		return false
	}
	r := ref.base()
	return r.magic.Load() == magicLive && r.typ != TypeInvalid
}

// IsValidOf reports whether ref is a live engine object of type t.
// TypeReference matches any live object.
func IsValidOf(ref Ref, t Type) bool {
	if !IsValid(ref) {
		return false
	}
	return t == TypeReference || ref.base().typ == t
}

// Retain adds an external hold on ref.
func Retain(ref Ref) error {
	if !IsValid(ref) {
		return status.Errorf(status.InvalidReference, "retain of an invalid reference")
	}
	ref.base().increment(external)
	return nil
}

// initReference stamps r, registers it in the engine table and gives it its
// first hold of the requested class.
func (e *Engine) initReference(r *Reference, self Ref, typ Type, class refClass, scope Ref) error {
	r.id = newID()
	r.typ = typ
	r.engine = e
	r.self = self
	r.scope = scope
	r.delaySlot = -1
	r.slot = -1
	if class == internal {
		r.internal = 1
	} else {
		r.external = 1
	}
	if err := e.addReference(self); err != nil {
		return err
	}
	r.magic.Store(magicLive)
	return nil
}

func (e *Engine) addReference(ref Ref) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, cur := range e.refs {
		if cur == nil {
			e.refs[i] = ref
			ref.base().slot = i
			e.numRefs++
			e.metrics.SetReferences(e.numRefs)
			return nil
		}
	}
	return status.Errorf(status.NoResources, "reference table full (%d slots)", len(e.refs))
}

func (e *Engine) removeReference(r *Reference) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r.slot < 0 || r.slot >= len(e.refs) || e.refs[r.slot] == nil || e.refs[r.slot].base() != r {
		return false
	}
	e.refs[r.slot] = nil
	r.slot = -1
	e.numRefs--
	e.metrics.SetReferences(e.numRefs)
	return true
}

// releaseReference drops one hold of the given class. When no hold remains
// the object leaves the table, its destructor runs and the handle becomes
// invalid.
func (e *Engine) releaseReference(ref Ref, expected Type, class refClass) error {
	if !IsValidOf(ref, expected) {
		return status.Errorf(status.InvalidReference, "release of an invalid %s", expected)
	}
	r := ref.base()
	if r.decrement(class) > 0 {
		return nil
	}
	if !r.magic.CompareAndSwap(magicLive, magicDead) {
		return nil
	}
	e.removeReference(r)
	if d, ok := ref.(destructor); ok {
		d.destruct()
	}
	return nil
}

// ReferenceCount returns the number of live objects in the table.
func (e *Engine) ReferenceCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.numRefs
}

// snapshotRefs copies the non-empty table slots of type t.
func (e *Engine) snapshotRefs(t Type) []Ref {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Ref
	for _, ref := range e.refs {
		if ref != nil && (t == TypeReference || ref.base().typ == t) {
			out = append(out, ref)
		}
	}
	return out
}

// contaminateGraphs marks unverified every graph that has an input or
// bidirectional parameter depending on ref.
func (e *Engine) contaminateGraphs(ref Ref) {
	for _, gr := range e.snapshotRefs(TypeGraph) {
		g := gr.(*Graph)
		if g.readsFrom(ref) {
			if g.verified.Swap(false) {
				e.logger.Debug("Graph contaminated by write to extracted reference.", "graph", g.id, "ref", ref.ID())
			}
		}
	}
}
