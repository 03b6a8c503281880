package engine

import (
	"reflect"
	"sync"

	"github.com/vk/visiongraph/internal/status"
)

// scalarGoTypes maps each scalar data type to the Go type holding it.
var scalarGoTypes = map[Type]reflect.Type{
	TypeChar:    reflect.TypeFor[byte](),
	TypeInt8:    reflect.TypeFor[int8](),
	TypeUInt8:   reflect.TypeFor[uint8](),
	TypeInt16:   reflect.TypeFor[int16](),
	TypeUInt16:  reflect.TypeFor[uint16](),
	TypeInt32:   reflect.TypeFor[int32](),
	TypeUInt32:  reflect.TypeFor[uint32](),
	TypeInt64:   reflect.TypeFor[int64](),
	TypeUInt64:  reflect.TypeFor[uint64](),
	TypeFloat32: reflect.TypeFor[float32](),
	TypeFloat64: reflect.TypeFor[float64](),
	TypeEnum:    reflect.TypeFor[int32](),
	TypeSize:    reflect.TypeFor[uint64](),
	TypeDFImage: reflect.TypeFor[DFImage](),
	TypeBool:    reflect.TypeFor[bool](),
}

// Scalar holds a single value of a scalar data type.
type Scalar struct {
	Reference

	dataType Type
	valMu    sync.Mutex
	value    reflect.Value
}

// CreateScalar returns a scalar of dataType holding value. A nil value
// gives the zero value; numeric values are converted to the Go type of
// dataType.
func (e *Engine) CreateScalar(dataType Type, value any) (*Scalar, error) {
	if !IsValidOf(e, TypeContext) {
		return nil, status.Errorf(status.InvalidReference, "invalid engine")
	}
	goType, ok := scalarGoTypes[dataType]
	if !ok {
		return nil, status.Errorf(status.InvalidType, "%s is not a scalar type", dataType)
	}
	v := reflect.New(goType).Elem()
	if value != nil {
		cv, err := convertScalar(goType, value)
		if err != nil {
			return nil, err
		}
		v.Set(cv)
	}
	s := &Scalar{dataType: dataType, value: v}
	if err := e.initReference(&s.Reference, s, TypeScalar, external, e); err != nil {
		return nil, err
	}
	return s, nil
}

func convertScalar(goType reflect.Type, value any) (reflect.Value, error) {
	v := reflect.ValueOf(value)
	if v.Type() == goType {
		return v, nil
	}
	if isNumericKind(v.Kind()) && isNumericKind(goType.Kind()) {
		return v.Convert(goType), nil
	}
	return reflect.Value{}, status.Errorf(status.InvalidType, "cannot store %T in a %s scalar", value, goType)
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// Release drops the caller's hold.
func (s *Scalar) Release() error {
	return s.engine.releaseReference(s, TypeScalar, external)
}

// DataType returns the scalar data type.
func (s *Scalar) DataType() Type { return s.dataType }

// Value returns a copy of the held value.
func (s *Scalar) Value() any {
	s.valMu.Lock()
	defer s.valMu.Unlock()
	return s.value.Interface()
}

// Read stores the value into dst, which must point to the Go type of the
// data type.
func (s *Scalar) Read(dst any) error {
	if !IsValidOf(s, TypeScalar) {
		return status.Errorf(status.InvalidReference, "invalid scalar")
	}
	d := reflect.ValueOf(dst)
	if d.Kind() != reflect.Pointer || d.IsNil() || d.Elem().Type() != s.value.Type() {
		return status.Errorf(status.InvalidParameters, "read of a %s scalar into %T", s.dataType, dst)
	}
	s.valMu.Lock()
	d.Elem().Set(s.value)
	s.valMu.Unlock()
	s.readFrom()
	return nil
}

// Write replaces the value. Numeric values are converted.
func (s *Scalar) Write(src any) error {
	if !IsValidOf(s, TypeScalar) {
		return status.Errorf(status.InvalidReference, "invalid scalar")
	}
	if src == nil {
		return status.Errorf(status.InvalidParameters, "nil scalar value")
	}
	v, err := convertScalar(s.value.Type(), src)
	if err != nil {
		return err
	}
	s.valMu.Lock()
	s.value.Set(v)
	s.valMu.Unlock()
	s.wroteTo()
	return nil
}
