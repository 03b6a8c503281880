package engine

import (
	"sync"

	"github.com/vk/visiongraph/internal/status"
)

// accessor records one outstanding access to object memory, so the matching
// commit knows where the data came from and whether a lock is held.
type accessor struct {
	used  bool
	ref   *Reference
	buf   []byte
	usage Usage
	// mapped is set when buf aliases the object storage directly.
	mapped bool
	// lock is non-nil while the access holds the storage lock.
	lock *sync.Mutex
}

func sameBuffer(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}

// addAccessor stores acc in the first free slot.
func (e *Engine) addAccessor(acc accessor) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.accessors {
		if !e.accessors[i].used {
			acc.used = true
			e.accessors[i] = acc
			return i, nil
		}
	}
	return -1, status.Errorf(status.NoResources, "all %d accessors are in use", len(e.accessors))
}

// findAccessor returns the slot of the access of ref that produced buf.
func (e *Engine) findAccessor(ref *Reference, buf []byte) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.accessors {
		a := &e.accessors[i]
		if a.used && a.ref == ref && sameBuffer(a.buf, buf) {
			return i, true
		}
	}
	return -1, false
}

func (e *Engine) accessorAt(i int) accessor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.accessors[i]
}

// removeAccessor frees slot i and releases the storage lock it held.
func (e *Engine) removeAccessor(i int) {
	e.mu.Lock()
	acc := e.accessors[i]
	e.accessors[i] = accessor{}
	e.mu.Unlock()
	if acc.lock != nil {
		acc.lock.Unlock()
	}
}

// pendingAccessors counts outstanding accesses of ref.
func (e *Engine) pendingAccessors(ref *Reference) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for i := range e.accessors {
		if e.accessors[i].used && e.accessors[i].ref == ref {
			n++
		}
	}
	return n
}
