// Package status defines the flat status enumeration shared by every engine
// API. A Status is also an error, so engine calls return plain `error` values
// that can be matched with errors.Is and converted back with FromError.
package status

import (
	"errors"
	"fmt"
)

// Status is a single flat result code. Zero is success, negative values are
// failures.
type Status int

const (
	ReferenceNonzero  Status = -24
	MultipleWriters   Status = -23
	GraphAbandoned    Status = -22
	GraphScheduled    Status = -21
	InvalidScope      Status = -20
	InvalidNode       Status = -19
	InvalidGraph      Status = -18
	InvalidType       Status = -17
	InvalidValue      Status = -16
	InvalidDimension  Status = -15
	InvalidFormat     Status = -14
	InvalidLink       Status = -13
	InvalidReference  Status = -12
	InvalidModule     Status = -11
	InvalidParameters Status = -10
	OptimizedAway     Status = -9
	NoMemory          Status = -8
	NoResources       Status = -7
	NotCompatible     Status = -6
	NotAllocated      Status = -5
	NotSufficient     Status = -4
	NotSupported      Status = -3
	NotImplemented    Status = -2
	Failure           Status = -1
	Success           Status = 0
)

var names = map[Status]string{
	ReferenceNonzero:  "reference nonzero",
	MultipleWriters:   "multiple writers",
	GraphAbandoned:    "graph abandoned",
	GraphScheduled:    "graph scheduled",
	InvalidScope:      "invalid scope",
	InvalidNode:       "invalid node",
	InvalidGraph:      "invalid graph",
	InvalidType:       "invalid type",
	InvalidValue:      "invalid value",
	InvalidDimension:  "invalid dimension",
	InvalidFormat:     "invalid format",
	InvalidLink:       "invalid link",
	InvalidReference:  "invalid reference",
	InvalidModule:     "invalid module",
	InvalidParameters: "invalid parameters",
	OptimizedAway:     "optimized away",
	NoMemory:          "no memory",
	NoResources:       "no resources",
	NotCompatible:     "not compatible",
	NotAllocated:      "not allocated",
	NotSufficient:     "not sufficient",
	NotSupported:      "not supported",
	NotImplemented:    "not implemented",
	Failure:           "failure",
	Success:           "success",
}

// String returns the human readable name of the status.
func (s Status) String() string {
	if n, ok := names[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Error implements the error interface.
func (s Status) Error() string {
	return s.String()
}

// OK reports whether s is Success.
func (s Status) OK() bool {
	return s == Success
}

// Err converts s into an error, returning nil for Success.
func Err(s Status) error {
	if s == Success {
		return nil
	}
	return s
}

// Errorf wraps s with a formatted message. The result matches s with
// errors.Is and FromError returns s. A %w verb in format wraps its
// argument too.
func Errorf(s Status, format string, args ...any) error {
	if s == Success {
		return nil
	}
	return fmt.Errorf("%w: "+format, append([]any{s}, args...)...)
}

// FromError recovers the status carried by err. A nil error is Success and
// an error without a status is Failure.
func FromError(err error) Status {
	if err == nil {
		return Success
	}
	var s Status
	if errors.As(err, &s) {
		return s
	}
	return Failure
}

// First keeps the first non-success status, used by passes that report every
// problem but return only one code.
func First(current Status, next Status) Status {
	if current != Success {
		return current
	}
	return next
}
