package engine

import (
	"fmt"

	"github.com/vk/visiongraph/internal/logring"
	"github.com/vk/visiongraph/internal/status"
)

// Log records a diagnostic entry against ref. Success entries are ignored.
// Every stored entry is mirrored to the engine logger.
func (e *Engine) Log(ref Ref, st status.Status, format string, args ...any) {
	if st == status.Success {
		return
	}
	entry := logring.Entry{
		Status:  st,
		Message: fmt.Sprintf(format, args...),
	}
	if !isNilRef(ref) {
		entry.RefID = ref.ID().String()
		entry.RefType = ref.Type().String()
	}
	if !e.ring.Add(entry) {
		return
	}
	e.metrics.CountLogEntry(st.String())
	e.logger.Warn(entry.Message, "ref", entry.RefID, "type", entry.RefType, "status", st)
}

// RegisterLogCallback installs fn as the log callback, or removes it when fn
// is nil. A non-reentrant callback is never called concurrently.
func (e *Engine) RegisterLogCallback(fn logring.Callback, reentrant bool) {
	e.ring.SetCallback(fn, reentrant)
}

// LogEntries returns the stored entries of ref, oldest first. A nil ref
// returns every entry.
func (e *Engine) LogEntries(ref Ref) []logring.Entry {
	if isNilRef(ref) {
		return e.ring.Entries()
	}
	return e.ring.EntriesFor(ref.ID().String())
}
