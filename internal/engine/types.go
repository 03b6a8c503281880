package engine

import (
	"fmt"
	"time"
)

// Type tags every value the engine knows about: scalar data types, plain
// structs that can be stored in arrays, and reference object types.
type Type int

const (
	TypeInvalid Type = iota

	// Scalar data types.
	TypeChar
	TypeInt8
	TypeUInt8
	TypeInt16
	TypeUInt16
	TypeInt32
	TypeUInt32
	TypeInt64
	TypeUInt64
	TypeFloat32
	TypeFloat64
	TypeEnum
	TypeSize
	TypeDFImage
	TypeBool

	// Struct types.
	TypeRectangle
	TypeKeypoint
	TypeCoordinates2D
	TypeCoordinates3D

	// Reference object types.
	TypeReference
	TypeContext
	TypeGraph
	TypeNode
	TypeKernel
	TypeParameter
	TypeTarget
	TypeImage
	TypeArray
	TypeScalar
	TypePyramid
	TypeDelay
)

var typeNames = map[Type]string{
	TypeInvalid:       "invalid",
	TypeChar:          "char",
	TypeInt8:          "int8",
	TypeUInt8:         "uint8",
	TypeInt16:         "int16",
	TypeUInt16:        "uint16",
	TypeInt32:         "int32",
	TypeUInt32:        "uint32",
	TypeInt64:         "int64",
	TypeUInt64:        "uint64",
	TypeFloat32:       "float32",
	TypeFloat64:       "float64",
	TypeEnum:          "enum",
	TypeSize:          "size",
	TypeDFImage:       "df_image",
	TypeBool:          "bool",
	TypeRectangle:     "rectangle",
	TypeKeypoint:      "keypoint",
	TypeCoordinates2D: "coordinates2d",
	TypeCoordinates3D: "coordinates3d",
	TypeReference:     "reference",
	TypeContext:       "context",
	TypeGraph:         "graph",
	TypeNode:          "node",
	TypeKernel:        "kernel",
	TypeParameter:     "parameter",
	TypeTarget:        "target",
	TypeImage:         "image",
	TypeArray:         "array",
	TypeScalar:        "scalar",
	TypePyramid:       "pyramid",
	TypeDelay:         "delay",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// TypeFromString is the inverse of String.
func TypeFromString(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}
	return TypeInvalid, false
}

// IsScalarType reports whether t can be held by a Scalar.
func IsScalarType(t Type) bool {
	return t >= TypeChar && t <= TypeBool
}

// IsStructType reports whether t is a plain struct storable in an Array.
func IsStructType(t Type) bool {
	return t >= TypeRectangle && t <= TypeCoordinates3D
}

// IsObjectType reports whether t is a reference object type.
func IsObjectType(t Type) bool {
	return t >= TypeReference && t <= TypeDelay
}

// isValidParamType reports whether a kernel signature may declare t.
func isValidParamType(t Type) bool {
	return IsScalarType(t) || IsObjectType(t)
}

// SizeOfType returns the storage size in bytes of a scalar or struct type,
// or zero for object types.
func SizeOfType(t Type) int {
	switch t {
	case TypeChar, TypeInt8, TypeUInt8, TypeBool:
		return 1
	case TypeInt16, TypeUInt16:
		return 2
	case TypeInt32, TypeUInt32, TypeFloat32, TypeEnum, TypeDFImage:
		return 4
	case TypeInt64, TypeUInt64, TypeFloat64, TypeSize:
		return 8
	case TypeRectangle:
		return 16
	case TypeKeypoint:
		return 28
	case TypeCoordinates2D:
		return 8
	case TypeCoordinates3D:
		return 12
	}
	return 0
}

// Direction of a kernel parameter.
type Direction int

const (
	Input Direction = iota + 1
	Output
	Bidirectional
)

func (d Direction) String() string {
	switch d {
	case Input:
		return "input"
	case Output:
		return "output"
	case Bidirectional:
		return "bidirectional"
	}
	return fmt.Sprintf("direction(%d)", int(d))
}

// writes reports whether a parameter in direction d may modify its object.
func (d Direction) writes() bool {
	return d == Output || d == Bidirectional
}

// ParamState marks a parameter as required or optional.
type ParamState int

const (
	Required ParamState = iota + 1
	Optional
)

func (s ParamState) String() string {
	if s == Optional {
		return "optional"
	}
	return "required"
}

// Usage declares the intent of a data access.
type Usage int

const (
	ReadOnly Usage = iota + 1
	WriteOnly
	ReadAndWrite
)

func (u Usage) String() string {
	switch u {
	case ReadOnly:
		return "read_only"
	case WriteOnly:
		return "write_only"
	case ReadAndWrite:
		return "read_and_write"
	}
	return fmt.Sprintf("usage(%d)", int(u))
}

func (u Usage) valid() bool {
	return u >= ReadOnly && u <= ReadAndWrite
}

func (u Usage) reads() bool  { return u == ReadOnly || u == ReadAndWrite }
func (u Usage) writes() bool { return u == WriteOnly || u == ReadAndWrite }

// BorderMode selects how a kernel treats pixels outside an image.
type BorderMode int

const (
	BorderUndefined BorderMode = iota
	BorderConstant
	BorderReplicate
	// BorderSelf lets a tiling kernel handle the border itself.
	BorderSelf
)

func (b BorderMode) String() string {
	switch b {
	case BorderUndefined:
		return "undefined"
	case BorderConstant:
		return "constant"
	case BorderReplicate:
		return "replicate"
	case BorderSelf:
		return "self"
	}
	return fmt.Sprintf("border(%d)", int(b))
}

func (b BorderMode) valid() bool {
	return b >= BorderUndefined && b <= BorderSelf
}

// Border is a border mode plus the value used by BorderConstant.
type Border struct {
	Mode          BorderMode
	ConstantValue uint32
}

// Action is returned by targets and node callbacks to steer execution.
type Action int

const (
	ActionContinue Action = iota
	ActionAbandon
	ActionRestart
)

func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionAbandon:
		return "abandon"
	case ActionRestart:
		return "restart"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// NodeCallback runs after a node's kernel succeeds.
type NodeCallback func(n *Node) Action

// Rectangle is a half-open pixel region [StartX, EndX) x [StartY, EndY).
type Rectangle struct {
	StartX, StartY, EndX, EndY int
}

// Width of the rectangle.
func (r Rectangle) Width() int { return r.EndX - r.StartX }

// Height of the rectangle.
func (r Rectangle) Height() int { return r.EndY - r.StartY }

// Empty reports whether the rectangle covers no pixel.
func (r Rectangle) Empty() bool {
	return r.EndX <= r.StartX || r.EndY <= r.StartY
}

// Intersects reports whether r and o share at least one pixel.
func (r Rectangle) Intersects(o Rectangle) bool {
	return r.StartX < o.EndX && o.StartX < r.EndX &&
		r.StartY < o.EndY && o.StartY < r.EndY
}

// Union returns the smallest rectangle covering r and o. An empty operand
// is ignored.
func (r Rectangle) Union(o Rectangle) Rectangle {
	if r.Empty() {
		return o
	}
	if o.Empty() {
		return r
	}
	return Rectangle{
		StartX: min(r.StartX, o.StartX),
		StartY: min(r.StartY, o.StartY),
		EndX:   max(r.EndX, o.EndX),
		EndY:   max(r.EndY, o.EndY),
	}
}

// Keypoint as stored in keypoint arrays.
type Keypoint struct {
	X, Y           int32
	Strength       float32
	Scale          float32
	Orientation    float32
	TrackingStatus int32
	Error          float32
}

// Coordinates2D as stored in coordinate arrays.
type Coordinates2D struct {
	X, Y uint32
}

// ScaleUnity is the fixed point unit of PatchAddressing scales.
const ScaleUnity = 1024

// PatchAddressing describes the memory layout of an accessed image patch.
type PatchAddressing struct {
	DimX, DimY       int
	StrideX, StrideY int
	ScaleX, ScaleY   int
	StepX, StepY     int
}

// Offset2D returns the byte offset of pixel (x, y) inside a patch.
func (a PatchAddressing) Offset2D(x, y int) int {
	return a.StrideY*((a.ScaleY*y)/ScaleUnity) + a.StrideX*((a.ScaleX*x)/ScaleUnity)
}

// Offset1D returns the byte offset of the index-th pixel of a patch walked
// in raster order.
func (a PatchAddressing) Offset1D(index int) int {
	if a.DimX == 0 {
		return 0
	}
	x := index % a.DimX
	y := index / a.DimX
	return a.Offset2D(x, y)
}

// Perf accumulates timing of repeated executions.
type Perf struct {
	Count int
	Tmp   time.Duration
	Sum   time.Duration
	Avg   time.Duration
	Min   time.Duration
	Max   time.Duration

	start time.Time
}

func (p *Perf) begin() {
	p.start = time.Now()
}

func (p *Perf) end() {
	p.Tmp = time.Since(p.start)
	p.Count++
	p.Sum += p.Tmp
	p.Avg = p.Sum / time.Duration(p.Count)
	if p.Count == 1 || p.Tmp < p.Min {
		p.Min = p.Tmp
	}
	if p.Tmp > p.Max {
		p.Max = p.Tmp
	}
}

// KernelEnum identifies a kernel independently of its target.
type KernelEnum int

// KernelInvalid is the zero enumeration.
const KernelInvalid KernelEnum = 0
