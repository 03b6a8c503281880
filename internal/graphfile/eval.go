package graphfile

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/vk/visiongraph/internal/ctxlog"
	"github.com/vk/visiongraph/internal/engine"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/gocty"
)

// Object kinds as they appear in references such as image.input.
const (
	kindImage   = "image"
	kindPyramid = "pyramid"
	kindArray   = "array"
	kindScalar  = "scalar"
	kindDelay   = "delay"
)

// refKey is the string an object reference evaluates to.
func refKey(kind, name string) string { return kind + "." + name }

// isExprDefined reports whether an optional attribute was written in the
// file. gohcl fills omitted expressions with a zero width placeholder.
func isExprDefined(expr hcl.Expression) bool {
	if expr == nil {
		return false
	}
	r := expr.Range()
	return r.End.Byte > r.Start.Byte
}

// evalContext exposes every declared object as kind.name, evaluating to
// its key, plus the slot and level functions.
func evalContext(root *fileRoot) *hcl.EvalContext {
	names := map[string]map[string]cty.Value{
		kindImage: {}, kindPyramid: {}, kindArray: {}, kindScalar: {}, kindDelay: {},
	}
	for _, b := range root.Images {
		names[kindImage][b.Name] = cty.StringVal(refKey(kindImage, b.Name))
	}
	for _, b := range root.Pyramids {
		names[kindPyramid][b.Name] = cty.StringVal(refKey(kindPyramid, b.Name))
	}
	for _, b := range root.Arrays {
		names[kindArray][b.Name] = cty.StringVal(refKey(kindArray, b.Name))
	}
	for _, b := range root.Scalars {
		names[kindScalar][b.Name] = cty.StringVal(refKey(kindScalar, b.Name))
	}
	for _, b := range root.Delays {
		names[kindDelay][b.Name] = cty.StringVal(refKey(kindDelay, b.Name))
	}

	vars := make(map[string]cty.Value, len(names))
	for kind, m := range names {
		vars[kind] = cty.ObjectVal(m)
	}
	return &hcl.EvalContext{
		Variables: vars,
		Functions: map[string]function.Function{
			"slot":  indexFunc(kindDelay, "slot"),
			"level": indexFunc(kindPyramid, "level"),
		},
	}
}

// indexFunc builds slot(delay.d, -1) and level(pyramid.p, 2), which
// evaluate to keys such as "delay.d/slot/-1".
func indexFunc(kind, op string) function.Function {
	return function.New(&function.Spec{
		Params: []function.Parameter{
			{Name: kind, Type: cty.String},
			{Name: "index", Type: cty.Number},
		},
		Type: function.StaticReturnType(cty.String),
		Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
			key := args[0].AsString()
			if !strings.HasPrefix(key, kind+".") {
				return cty.NilVal, function.NewArgErrorf(0, "%s expects a %s, got %s", op, kind, key)
			}
			var index int
			if err := gocty.FromCtyValue(args[1], &index); err != nil {
				return cty.NilVal, function.NewArgError(1, err)
			}
			return cty.StringVal(key + "/" + op + "/" + strconv.Itoa(index)), nil
		},
	})
}

// splitKey separates "delay.d/slot/-1" into its object key, operation and
// index. Plain keys return an empty operation.
func splitKey(key string) (string, string, int, error) {
	parts := strings.Split(key, "/")
	if len(parts) == 1 {
		return key, "", 0, nil
	}
	if len(parts) != 3 {
		return "", "", 0, fmt.Errorf("malformed reference %q", key)
	}
	index, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", "", 0, fmt.Errorf("malformed reference %q: %w", key, err)
	}
	return parts[0], parts[1], index, nil
}

// evalRefs evaluates a params list into reference keys. A null element
// leaves an optional parameter unbound and yields "".
func evalRefs(ctx context.Context, expr hcl.Expression, ectx *hcl.EvalContext) ([]string, error) {
	logger := ctxlog.FromContext(ctx)
	val, diags := expr.Value(ectx)
	if diags.HasErrors() {
		return nil, diags
	}
	if !val.CanIterateElements() || !(val.Type().IsListType() || val.Type().IsTupleType()) {
		return nil, fmt.Errorf("params must be a list, got %s", val.Type().FriendlyName())
	}
	keys := make([]string, 0, val.LengthInt())
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if elem.IsNull() {
			keys = append(keys, "")
			continue
		}
		s, err := convert.Convert(elem, cty.String)
		if err != nil {
			return nil, fmt.Errorf("parameter %d: %w", len(keys), err)
		}
		keys = append(keys, s.AsString())
	}
	logger.Debug("Evaluated node parameters.", "params", keys)
	return keys, nil
}

// evalRef evaluates a single object reference such as parent = image.a.
func evalRef(expr hcl.Expression, ectx *hcl.EvalContext) (string, error) {
	val, diags := expr.Value(ectx)
	if diags.HasErrors() {
		return "", diags
	}
	s, err := convert.Convert(val, cty.String)
	if err != nil || s.IsNull() {
		return "", fmt.Errorf("expected an object reference, got %s", val.Type().FriendlyName())
	}
	return s.AsString(), nil
}

// scalarValue converts an HCL value into a Go value CreateScalar accepts
// for dataType.
func scalarValue(dataType engine.Type, v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, fmt.Errorf("value must be known and not null")
	}
	switch dataType {
	case engine.TypeBool:
		var b bool
		err := decodeAs(v, cty.Bool, &b)
		return b, err
	case engine.TypeDFImage:
		var s string
		if err := decodeAs(v, cty.String, &s); err != nil {
			return nil, err
		}
		f, ok := engine.DFImageFromString(s)
		if !ok {
			return nil, fmt.Errorf("unknown image format %q", s)
		}
		return f, nil
	case engine.TypeFloat32, engine.TypeFloat64:
		var f float64
		err := decodeAs(v, cty.Number, &f)
		return f, err
	case engine.TypeUInt64, engine.TypeSize:
		var u uint64
		err := decodeAs(v, cty.Number, &u)
		return u, err
	}
	var i int64
	err := decodeAs(v, cty.Number, &i)
	return i, err
}

func decodeAs(v cty.Value, want cty.Type, dst any) error {
	cv, err := convert.Convert(v, want)
	if err != nil {
		return err
	}
	return gocty.FromCtyValue(cv, dst)
}

// pixelValue reads a uniform image value: one number for single channel
// formats, three for RGB and YUV formats, four for RGBX.
func pixelValue(format engine.DFImage, v cty.Value) (engine.PixelValue, error) {
	var pv engine.PixelValue
	var err error
	switch format {
	case engine.DFImageU8:
		err = decodeAs(v, cty.Number, &pv.U8)
	case engine.DFImageU16:
		err = decodeAs(v, cty.Number, &pv.U16)
	case engine.DFImageS16:
		err = decodeAs(v, cty.Number, &pv.S16)
	case engine.DFImageU32:
		err = decodeAs(v, cty.Number, &pv.U32)
	case engine.DFImageS32:
		err = decodeAs(v, cty.Number, &pv.S32)
	case engine.DFImageRGB:
		err = decodeChannels(v, pv.RGB[:])
	case engine.DFImageRGBX:
		err = decodeChannels(v, pv.RGBX[:])
	default:
		err = decodeChannels(v, pv.YUV[:])
	}
	return pv, err
}

func decodeChannels(v cty.Value, dst []uint8) error {
	var channels []uint8
	if err := decodeAs(v, cty.List(cty.Number), &channels); err != nil {
		return err
	}
	if len(channels) != len(dst) {
		return fmt.Errorf("expected %d channels, got %d", len(dst), len(channels))
	}
	copy(dst, channels)
	return nil
}

// packItems encodes a list of HCL values as little endian array items.
func packItems(itemType engine.Type, v cty.Value) (int, []byte, error) {
	if v.IsNull() || !v.CanIterateElements() || !(v.Type().IsListType() || v.Type().IsTupleType()) {
		return 0, nil, fmt.Errorf("items must be a list, got %s", v.Type().FriendlyName())
	}
	var buf []byte
	count := 0
	for it := v.ElementIterator(); it.Next(); count++ {
		_, elem := it.Element()
		var err error
		buf, err = appendItem(buf, itemType, elem)
		if err != nil {
			return 0, nil, fmt.Errorf("item %d: %w", count, err)
		}
	}
	return count, buf, nil
}

func appendItem(buf []byte, itemType engine.Type, v cty.Value) ([]byte, error) {
	le := binary.LittleEndian
	if itemType == engine.TypeCoordinates2D {
		var xy []uint32
		if err := decodeAs(v, cty.List(cty.Number), &xy); err != nil {
			return nil, err
		}
		if len(xy) != 2 {
			return nil, fmt.Errorf("coordinates need x and y, got %d values", len(xy))
		}
		return le.AppendUint32(le.AppendUint32(buf, xy[0]), xy[1]), nil
	}
	if !engine.IsScalarType(itemType) {
		return nil, fmt.Errorf("items of type %s cannot be written in a graph file", itemType)
	}
	goVal, err := scalarValue(itemType, v)
	if err != nil {
		return nil, err
	}
	switch val := goVal.(type) {
	case bool:
		if val {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case float64:
		if itemType == engine.TypeFloat32 {
			return le.AppendUint32(buf, math.Float32bits(float32(val))), nil
		}
		return le.AppendUint64(buf, math.Float64bits(val)), nil
	case uint64:
		return le.AppendUint64(buf, val), nil
	case engine.DFImage:
		return le.AppendUint32(buf, uint32(val)), nil
	case int64:
		switch engine.SizeOfType(itemType) {
		case 1:
			return append(buf, byte(val)), nil
		case 2:
			return le.AppendUint16(buf, uint16(val)), nil
		case 4:
			return le.AppendUint32(buf, uint32(val)), nil
		default:
			return le.AppendUint64(buf, uint64(val)), nil
		}
	}
	return nil, fmt.Errorf("unexpected item value %T", goVal)
}
