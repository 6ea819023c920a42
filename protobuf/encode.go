package protobuf

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Encode serializes msg against s.
//
// Fields are written in schema declaration order. A key of msg that the
// schema does not declare, or a missing required field, fails the encode.
// Repeated scalars are written once as tag, count and the packed values;
// repeated messages are written as one tagged submessage per element.
// An empty repeated field is omitted.
func Encode(s *Schema, msg map[string]any) ([]byte, error) {
	return appendMessage(nil, s, msg)
}

func appendMessage(b []byte, s *Schema, msg map[string]any) ([]byte, error) {
	for key := range msg {
		if _, ok := s.Field(key); !ok {
			return nil, errors.Wrapf(ErrUnknownField, "%q in %q", key, s.Name)
		}
	}

	var err error
	for pair := s.fields.Oldest(); pair != nil; pair = pair.Next() {
		f := pair.Value
		v, ok := msg[f.Name]
		if !ok || v == nil {
			if f.Option == Required {
				return nil, errors.Wrapf(ErrMissingRequired, "%q in %q", f.Name, s.Name)
			}
			continue
		}

		if f.Option == Repeated {
			b, err = appendRepeated(b, s, f, v)
		} else {
			b, err = appendField(b, s, f, v)
		}
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

func appendField(b []byte, s *Schema, f *Field, v any) ([]byte, error) {
	typ, err := wireType(s, f.Type)
	if err != nil {
		return nil, err
	}
	b = appendTag(b, f, typ)
	return appendValue(b, s, f, v)
}

func appendRepeated(b []byte, s *Schema, f *Field, v any) ([]byte, error) {
	items, err := toSlice(v)
	if err != nil {
		return nil, errors.Wrapf(err, "repeated field %q", f.Name)
	}
	if len(items) == 0 {
		return b, nil
	}

	if !IsScalar(f.Type) {
		for _, item := range items {
			if b, err = appendField(b, s, f, item); err != nil {
				return nil, err
			}
		}
		return b, nil
	}

	typ, err := wireType(s, f.Type)
	if err != nil {
		return nil, err
	}
	b = appendTag(b, f, typ)
	b = protowire.AppendVarint(b, uint64(len(items)))
	for _, item := range items {
		if b, err = appendValue(b, s, f, item); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func appendValue(b []byte, s *Schema, f *Field, v any) ([]byte, error) {
	switch f.Type {
	case TypeUInt32:
		u, err := toUint64(v)
		if err != nil || u > math.MaxUint32 {
			return nil, invalidValue(f, v)
		}
		return protowire.AppendVarint(b, u), nil

	case TypeUInt64:
		u, err := toUint64(v)
		if err != nil {
			return nil, invalidValue(f, v)
		}
		return protowire.AppendVarint(b, u), nil

	case TypeInt32, TypeSInt32:
		i, err := toInt64(v)
		if err != nil || i < math.MinInt32 || i > math.MaxInt32 {
			return nil, invalidValue(f, v)
		}
		return AppendSvarint(b, i), nil

	case TypeSInt64:
		i, err := toInt64(v)
		if err != nil {
			return nil, invalidValue(f, v)
		}
		return AppendSvarint(b, i), nil

	case TypeBool:
		x, ok := v.(bool)
		if !ok {
			return nil, invalidValue(f, v)
		}
		return protowire.AppendVarint(b, protowire.EncodeBool(x)), nil

	case TypeFloat:
		x, err := toFloat64(v)
		if err != nil {
			return nil, invalidValue(f, v)
		}
		return protowire.AppendFixed32(b, math.Float32bits(float32(x))), nil

	case TypeDouble:
		x, err := toFloat64(v)
		if err != nil {
			return nil, invalidValue(f, v)
		}
		return protowire.AppendFixed64(b, math.Float64bits(x)), nil

	case TypeString, TypeBytes:
		switch x := v.(type) {
		case string:
			return protowire.AppendString(b, x), nil
		case []byte:
			return protowire.AppendBytes(b, x), nil
		}
		return nil, invalidValue(f, v)
	}

	sub, ok := s.Message(f.Type)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownType, "%q of field %q", f.Type, f.Name)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, invalidValue(f, v)
	}
	body, err := appendMessage(nil, sub, m)
	if err != nil {
		return nil, err
	}
	return protowire.AppendBytes(b, body), nil
}

func wireType(s *Schema, typ string) (protowire.Type, error) {
	switch typ {
	case TypeUInt32, TypeUInt64, TypeInt32, TypeSInt32, TypeSInt64, TypeBool:
		return protowire.VarintType, nil
	case TypeFloat:
		return protowire.Fixed32Type, nil
	case TypeDouble:
		return protowire.Fixed64Type, nil
	case TypeString, TypeBytes:
		return protowire.BytesType, nil
	}
	if _, ok := s.Message(typ); ok {
		return protowire.BytesType, nil
	}
	return 0, errors.Wrapf(ErrUnknownType, "%q", typ)
}

func invalidValue(f *Field, v any) error {
	return errors.Wrapf(ErrInvalidValue, "%T for %s field %q", v, f.Type, f.Name)
}

func toSlice(v any) ([]any, error) {
	if items, ok := v.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, errors.Wrapf(ErrInvalidValue, "%T is not a list", v)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			break
		}
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			break
		}
		return int64(x), nil
	case float32:
		return floatToInt(float64(x))
	case float64:
		return floatToInt(x)
	case json.Number:
		return x.Int64()
	}
	return 0, ErrInvalidValue
}

func toUint64(v any) (uint64, error) {
	switch x := v.(type) {
	case uint:
		return uint64(x), nil
	case uint8:
		return uint64(x), nil
	case uint16:
		return uint64(x), nil
	case uint32:
		return uint64(x), nil
	case uint64:
		return x, nil
	case float64:
		if x >= 0 && x == math.Trunc(x) && x < math.MaxUint64 {
			return uint64(x), nil
		}
		return 0, ErrInvalidValue
	case json.Number:
		u, err := strconv.ParseUint(string(x), 10, 64)
		if err != nil {
			return 0, ErrInvalidValue
		}
		return u, nil
	}
	i, err := toInt64(v)
	if err != nil || i < 0 {
		return 0, ErrInvalidValue
	}
	return uint64(i), nil
}

func floatToInt(x float64) (int64, error) {
	if x != math.Trunc(x) || x < math.MinInt64 || x >= math.MaxInt64 {
		return 0, ErrInvalidValue
	}
	return int64(x), nil
}

func toFloat64(v any) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case json.Number:
		return x.Float64()
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	return float64(i), nil
}
