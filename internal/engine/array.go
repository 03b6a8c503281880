package engine

import (
	"sync"

	"github.com/vk/visiongraph/internal/status"
)

// Array is a bounded list of fixed size items.
type Array struct {
	Reference

	// memMu guards the geometry and the item count; lock is held by writers
	// between access and commit and is always taken before memMu.
	memMu    sync.Mutex
	itemType Type
	itemSize int
	capacity int
	numItems int
	data     []byte
	lock     sync.Mutex
}

func validItemType(t Type) bool {
	return IsScalarType(t) || IsStructType(t)
}

// CreateArray returns an empty array of capacity items of itemType.
func (e *Engine) CreateArray(itemType Type, capacity int) (*Array, error) {
	if !IsValidOf(e, TypeContext) {
		return nil, status.Errorf(status.InvalidReference, "invalid engine")
	}
	if !validItemType(itemType) || capacity <= 0 {
		return nil, status.Errorf(status.InvalidParameters, "invalid array of %d %s", capacity, itemType)
	}
	return e.newArray(itemType, capacity, false, e)
}

// CreateVirtualArray returns an array private to g. The item type may be
// TypeInvalid and the capacity zero for verification to fill in.
func (g *Graph) CreateVirtualArray(itemType Type, capacity int) (*Array, error) {
	if !IsValidOf(g, TypeGraph) {
		return nil, status.Errorf(status.InvalidReference, "invalid graph")
	}
	if (itemType != TypeInvalid && !validItemType(itemType)) || capacity < 0 {
		return nil, status.Errorf(status.InvalidParameters, "invalid virtual array of %d %s", capacity, itemType)
	}
	return g.engine.newArray(itemType, capacity, true, g)
}

func (e *Engine) newArray(itemType Type, capacity int, virtual bool, scope Ref) (*Array, error) {
	a := &Array{itemType: itemType, itemSize: SizeOfType(itemType), capacity: capacity}
	a.virtual = virtual
	if err := e.initReference(&a.Reference, a, TypeArray, external, scope); err != nil {
		return nil, err
	}
	return a, nil
}

// Release drops the caller's hold.
func (a *Array) Release() error {
	return a.engine.releaseReference(a, TypeArray, external)
}

func (a *Array) destruct() {
	a.memMu.Lock()
	a.data = nil
	a.numItems = 0
	a.memMu.Unlock()
}

// ItemType returns the item type.
func (a *Array) ItemType() Type {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	return a.itemType
}

// ItemSize returns the item size in bytes.
func (a *Array) ItemSize() int {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	return a.itemSize
}

// Capacity returns the maximum number of items.
func (a *Array) Capacity() int {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	return a.capacity
}

// NumItems returns the current number of items.
func (a *Array) NumItems() int {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	return a.numItems
}

// initVirtual gives a virtual array the shape an output validator asked
// for. A preset item type must match; a preset capacity must be large
// enough.
func (a *Array) initVirtual(itemType Type, capacity int) bool {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	if !validItemType(itemType) {
		return false
	}
	if a.capacity == 0 && capacity == 0 {
		return false
	}
	if a.capacity != 0 && capacity > a.capacity {
		return false
	}
	if a.itemType != TypeInvalid && a.itemType != itemType {
		return false
	}
	a.itemType = itemType
	a.itemSize = SizeOfType(itemType)
	if a.capacity == 0 {
		a.capacity = capacity
	}
	return true
}

// validate checks a concrete array against an output validator's request.
// A zero capacity accepts any array of the right item type.
func (a *Array) validate(itemType Type, capacity int) bool {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	if !validItemType(itemType) || a.itemType != itemType {
		return false
	}
	return capacity == 0 || capacity <= a.capacity
}

func (a *Array) allocateLocked() error {
	if a.data != nil {
		return nil
	}
	if a.capacity <= 0 || a.itemSize <= 0 {
		return status.Errorf(status.NoMemory, "cannot allocate array of %d %s", a.capacity, a.itemType)
	}
	a.data = make([]byte, a.capacity*a.itemSize)
	return nil
}

func (a *Array) allocate() error {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	return a.allocateLocked()
}

func (a *Array) isAllocated() bool {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	return a.data != nil
}

func (a *Array) memorySize() uint64 {
	a.memMu.Lock()
	defer a.memMu.Unlock()
	return uint64(a.capacity * a.itemSize)
}

func (a *Array) checkAccessible() error {
	if a.virtual && !a.accessible.Load() {
		return status.Errorf(status.OptimizedAway, "virtual array is not accessible outside graph execution")
	}
	return nil
}

// AddItems appends count items read from data, stride bytes apart. A
// stride of zero means the items are packed.
func (a *Array) AddItems(count int, data []byte, stride int) error {
	if !IsValidOf(a, TypeArray) {
		return status.Errorf(status.InvalidReference, "invalid array")
	}
	if err := a.checkAccessible(); err != nil {
		return err
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	a.memMu.Lock()
	defer a.memMu.Unlock()
	if err := a.allocateLocked(); err != nil {
		return err
	}
	if stride == 0 {
		stride = a.itemSize
	}
	if count < 0 || stride < a.itemSize || a.numItems+count > a.capacity ||
		(count > 0 && len(data) < (count-1)*stride+a.itemSize) {
		return status.Errorf(status.InvalidParameters, "cannot add %d items to array holding %d of %d", count, a.numItems, a.capacity)
	}
	for i := 0; i < count; i++ {
		dst := (a.numItems + i) * a.itemSize
		copy(a.data[dst:dst+a.itemSize], data[i*stride:i*stride+a.itemSize])
	}
	a.numItems += count
	a.wroteTo()
	return nil
}

// Truncate shrinks the array to n items.
func (a *Array) Truncate(n int) error {
	if !IsValidOf(a, TypeArray) {
		return status.Errorf(status.InvalidReference, "invalid array")
	}
	if err := a.checkAccessible(); err != nil {
		return err
	}
	a.lock.Lock()
	defer a.lock.Unlock()
	a.memMu.Lock()
	defer a.memMu.Unlock()
	if n < 0 || n > a.numItems {
		return status.Errorf(status.InvalidParameters, "cannot truncate %d items to %d", a.numItems, n)
	}
	a.numItems = n
	a.wroteTo()
	return nil
}

// AccessRange gives access to items [start, end). It follows the image
// patch rules: a nil buf maps the storage for write usages and copies it
// for read-only usage. The returned stride is the item size.
func (a *Array) AccessRange(start, end int, buf []byte, usage Usage) ([]byte, int, error) {
	if !usage.valid() {
		return nil, 0, status.Errorf(status.InvalidParameters, "invalid usage %d", int(usage))
	}
	if !IsValidOf(a, TypeArray) {
		return nil, 0, status.Errorf(status.InvalidReference, "invalid array")
	}
	if err := a.checkAccessible(); err != nil {
		return nil, 0, err
	}
	e := a.engine
	a.memMu.Lock()
	if start < 0 || start >= end || end > a.numItems {
		a.memMu.Unlock()
		return nil, 0, status.Errorf(status.InvalidParameters, "range [%d,%d) outside %d items", start, end, a.numItems)
	}
	if err := a.allocateLocked(); err != nil {
		a.memMu.Unlock()
		return nil, 0, err
	}
	size := (end - start) * a.itemSize
	offset := start * a.itemSize
	stride := a.itemSize
	storage := a.data
	a.memMu.Unlock()

	acc := accessor{ref: &a.Reference, usage: usage}
	if usage.writes() {
		a.lock.Lock()
		acc.lock = &a.lock
	}
	if buf == nil && usage.writes() {
		acc.buf = storage[offset : offset+size]
		acc.mapped = true
	} else {
		if buf == nil {
			buf = make([]byte, size)
		} else if len(buf) < size {
			if acc.lock != nil {
				acc.lock.Unlock()
			}
			return nil, 0, status.Errorf(status.InvalidParameters, "buffer holds %d bytes, range needs %d", len(buf), size)
		}
		if usage.reads() {
			copy(buf, storage[offset:offset+size])
		}
		acc.buf = buf
	}
	if _, err := e.addAccessor(acc); err != nil {
		if acc.lock != nil {
			acc.lock.Unlock()
		}
		e.Log(a, status.NoResources, "No accessor left for array range")
		return nil, 0, err
	}
	if usage.reads() {
		a.readFrom()
	}
	a.increment(external)
	return acc.buf, stride, nil
}

// CommitRange ends an access started by AccessRange. An end of zero
// releases the access without writing.
func (a *Array) CommitRange(start, end int, buf []byte) error {
	if !IsValidOf(a, TypeArray) {
		return status.Errorf(status.InvalidReference, "invalid array")
	}
	if err := a.checkAccessible(); err != nil {
		return err
	}
	e := a.engine
	idx, found := e.findAccessor(&a.Reference, buf)
	if !found {
		return status.Errorf(status.InvalidParameters, "commit without a matching access")
	}
	if end == 0 {
		e.removeAccessor(idx)
		a.decrement(external)
		return nil
	}
	a.memMu.Lock()
	if start < 0 || start > end || end > a.numItems {
		a.memMu.Unlock()
		return status.Errorf(status.InvalidParameters, "range [%d,%d) outside %d items", start, end, a.numItems)
	}
	acc := e.accessorAt(idx)
	if acc.usage.writes() && !acc.mapped {
		copy(a.data[start*a.itemSize:end*a.itemSize], buf)
	}
	a.memMu.Unlock()
	if acc.usage.writes() {
		a.wroteTo()
	}
	e.removeAccessor(idx)
	a.decrement(external)
	return nil
}
