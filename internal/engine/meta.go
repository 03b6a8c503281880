package engine

import (
	"github.com/vk/visiongraph/internal/status"
)

// MetaFormat is what an output validator reports about the object a node
// will produce. Verification compares it with the bound object, or uses it
// to shape a virtual object.
type MetaFormat struct {
	typ Type

	width, height int
	format        DFImage

	itemType Type
	capacity int

	dataType Type

	levels int
	scale  float32
}

// newMetaFormat presets the description from a slot declaration. A slot
// declared with a scalar data type describes a scalar of that data type.
func newMetaFormat(t Type) *MetaFormat {
	if IsScalarType(t) {
		return &MetaFormat{typ: TypeScalar, dataType: t}
	}
	return &MetaFormat{typ: t}
}

// Type returns the object type the slot is declared with.
func (m *MetaFormat) Type() Type { return m.typ }

// expect fixes the described type. A generic reference slot takes the type
// of the first description.
func (m *MetaFormat) expect(t Type) error {
	if m.typ == TypeReference {
		m.typ = t
	}
	if m.typ != t {
		return status.Errorf(status.InvalidType, "meta format of a %s slot cannot describe a %s", m.typ, t)
	}
	return nil
}

// SetImage describes an output image.
func (m *MetaFormat) SetImage(width, height int, format DFImage) error {
	if err := m.expect(TypeImage); err != nil {
		return err
	}
	m.width, m.height, m.format = width, height, format
	return nil
}

// SetArray describes an output array.
func (m *MetaFormat) SetArray(itemType Type, capacity int) error {
	if err := m.expect(TypeArray); err != nil {
		return err
	}
	m.itemType, m.capacity = itemType, capacity
	return nil
}

// SetScalar describes an output scalar.
func (m *MetaFormat) SetScalar(dataType Type) error {
	if err := m.expect(TypeScalar); err != nil {
		return err
	}
	m.dataType = dataType
	return nil
}

// SetPyramid describes an output pyramid by its base level.
func (m *MetaFormat) SetPyramid(levels int, scale float32, width, height int, format DFImage) error {
	if err := m.expect(TypePyramid); err != nil {
		return err
	}
	m.levels, m.scale = levels, scale
	m.width, m.height, m.format = width, height, format
	return nil
}

// Image returns the image description.
func (m *MetaFormat) Image() (width, height int, format DFImage) {
	return m.width, m.height, m.format
}

// Array returns the array description.
func (m *MetaFormat) Array() (itemType Type, capacity int) {
	return m.itemType, m.capacity
}

// Scalar returns the scalar data type.
func (m *MetaFormat) Scalar() Type { return m.dataType }

// Pyramid returns the pyramid description.
func (m *MetaFormat) Pyramid() (levels int, scale float32, width, height int, format DFImage) {
	return m.levels, m.scale, m.width, m.height, m.format
}
