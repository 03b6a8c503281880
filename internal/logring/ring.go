// Package logring keeps the engine's diagnostic log: a bounded ring of
// entries, each tied to the reference that produced it, with an optional
// callback that sees every entry as it is added.
//
// Successful statuses are never recorded. When the ring is full the oldest
// entry is overwritten and counted as dropped.
package logring

import (
	"sync"
	"time"

	"github.com/vk/visiongraph/internal/status"
)

// MaxMessageLen bounds the length of a stored message.
const MaxMessageLen = 1024

// Entry is a single diagnostic record.
type Entry struct {
	Seq     uint64
	Time    time.Time
	RefID   string
	RefType string
	Status  status.Status
	Message string
}

// Callback receives entries synchronously from Add.
type Callback func(Entry)

// Ring is a fixed capacity, concurrency safe log buffer.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	count   int
	seq     uint64
	dropped uint64

	cbMu      sync.RWMutex
	callback  Callback
	reentrant bool
	// serial guards callback invocation when the callback is not re-entrant.
	serial sync.Mutex
}

// New creates a ring holding at most capacity entries. A capacity below one
// is raised to one.
func New(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{entries: make([]Entry, capacity)}
}

// SetCallback installs fn, or removes the callback when fn is nil. A
// non-reentrant callback is never invoked concurrently with itself.
func (r *Ring) SetCallback(fn Callback, reentrant bool) {
	r.cbMu.Lock()
	defer r.cbMu.Unlock()
	r.callback = fn
	r.reentrant = reentrant
}

// Add records e and forwards it to the callback. It returns false when the
// entry was ignored because it carries a success status.
func (r *Ring) Add(e Entry) bool {
	if e.Status == status.Success {
		return false
	}
	if len(e.Message) > MaxMessageLen {
		e.Message = e.Message[:MaxMessageLen]
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	r.mu.Lock()
	r.seq++
	e.Seq = r.seq
	if r.count == len(r.entries) {
		r.dropped++
	} else {
		r.count++
	}
	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	r.mu.Unlock()

	r.cbMu.RLock()
	fn, reentrant := r.callback, r.reentrant
	r.cbMu.RUnlock()
	if fn != nil {
		if !reentrant {
			r.serial.Lock()
			defer r.serial.Unlock()
		}
		fn(e)
	}
	return true
}

// Entries returns a snapshot of the stored entries, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, r.count)
	start := (r.next - r.count + len(r.entries)) % len(r.entries)
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}

// EntriesFor returns the stored entries produced by the given reference id.
func (r *Ring) EntriesFor(refID string) []Entry {
	var out []Entry
	for _, e := range r.Entries() {
		if e.RefID == refID {
			out = append(out, e)
		}
	}
	return out
}

// Len reports how many entries are stored.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap reports the ring capacity.
func (r *Ring) Cap() int {
	return len(r.entries)
}

// Dropped reports how many entries were overwritten.
func (r *Ring) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear removes every stored entry. Sequence numbers keep increasing.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next, r.count = 0, 0
	for i := range r.entries {
		r.entries[i] = Entry{}
	}
}
