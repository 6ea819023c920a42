package protobuf

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// maxDepth bounds submessage nesting on decode. Schemas may refer to
// themselves through enclosing scopes.
const maxDepth = 100

// Decode parses data against s.
//
// Scalars decode to uint32, int32, uint64, int64, bool, float32, float64,
// string or []byte according to the field type, submessages to
// map[string]any and repeated fields to []any. Any malformed, unknown or
// truncated field fails the whole decode.
func Decode(s *Schema, data []byte) (map[string]any, error) {
	out := make(map[string]any)
	if err := decodeMessage(data, s, out, 0); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeMessage(b []byte, s *Schema, out map[string]any, depth int) error {
	for len(b) > 0 {
		tag, typ, n, err := consumeTag(b)
		if err != nil {
			return errors.Wrapf(err, "decode tag in %q", s.Name)
		}
		b = b[n:]

		f, ok := s.FieldByTag(tag)
		if !ok {
			return errors.Wrapf(ErrUnknownTag, "tag %d in %q", tag, s.Name)
		}
		want, err := wireType(s, f.Type)
		if err != nil {
			return err
		}
		if typ != want {
			return errors.Wrapf(ErrWireType, "field %q: got %d, want %d", f.Name, typ, want)
		}

		if f.Option == Repeated {
			n, err = decodeRepeated(b, s, f, out, depth)
		} else {
			var v any
			v, n, err = consumeValue(b, s, f, depth)
			out[f.Name] = v
		}
		if err != nil {
			return errors.Wrapf(err, "field %q", f.Name)
		}
		b = b[n:]
	}
	return nil
}

// decodeRepeated appends to the list already collected under f.Name.
func decodeRepeated(b []byte, s *Schema, f *Field, out map[string]any, depth int) (int, error) {
	list, _ := out[f.Name].([]any)

	if !IsScalar(f.Type) {
		v, n, err := consumeValue(b, s, f, depth)
		if err != nil {
			return 0, err
		}
		out[f.Name] = append(list, v)
		return n, nil
	}

	count, read, err := ConsumeVarint(b)
	if err != nil {
		return 0, err
	}
	// every value takes at least one byte
	if count > uint64(len(b)-read) {
		return 0, errors.Wrapf(ErrTruncated, "%d values in %d bytes", count, len(b)-read)
	}
	for i := uint64(0); i < count; i++ {
		v, n, err := consumeValue(b[read:], s, f, depth)
		if err != nil {
			return 0, err
		}
		list = append(list, v)
		read += n
	}
	if list == nil {
		list = []any{}
	}
	out[f.Name] = list
	return read, nil
}

func consumeValue(b []byte, s *Schema, f *Field, depth int) (any, int, error) {
	switch f.Type {
	case TypeUInt32:
		v, n, err := ConsumeVarint(b)
		if err != nil {
			return nil, 0, err
		}
		if v > math.MaxUint32 {
			return nil, 0, errors.Wrapf(ErrInvalidValue, "%d overflows uInt32", v)
		}
		return uint32(v), n, nil

	case TypeUInt64:
		v, n, err := ConsumeVarint(b)
		if err != nil {
			return nil, 0, err
		}
		return v, n, nil

	case TypeInt32, TypeSInt32:
		v, n, err := ConsumeSvarint(b)
		if err != nil {
			return nil, 0, err
		}
		if v < math.MinInt32 || v > math.MaxInt32 {
			return nil, 0, errors.Wrapf(ErrInvalidValue, "%d overflows %s", v, f.Type)
		}
		return int32(v), n, nil

	case TypeSInt64:
		v, n, err := ConsumeSvarint(b)
		if err != nil {
			return nil, 0, err
		}
		return v, n, nil

	case TypeBool:
		v, n, err := ConsumeVarint(b)
		if err != nil {
			return nil, 0, err
		}
		return protowire.DecodeBool(v), n, nil

	case TypeFloat:
		v, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, 0, ErrTruncated
		}
		return math.Float32frombits(v), n, nil

	case TypeDouble:
		v, n := protowire.ConsumeFixed64(b)
		if n < 0 {
			return nil, 0, ErrTruncated
		}
		return math.Float64frombits(v), n, nil
	}

	raw, n, err := consumeBytes(b)
	if err != nil {
		return nil, 0, err
	}

	switch f.Type {
	case TypeString:
		return string(raw), n, nil
	case TypeBytes:
		return append([]byte(nil), raw...), n, nil
	}

	sub, ok := s.Message(f.Type)
	if !ok {
		return nil, 0, errors.Wrapf(ErrUnknownType, "%q", f.Type)
	}
	if depth >= maxDepth {
		return nil, 0, errors.Wrapf(ErrInvalidValue, "messages nested deeper than %d", maxDepth)
	}
	m := make(map[string]any)
	if err := decodeMessage(raw, sub, m, depth+1); err != nil {
		return nil, 0, err
	}
	return m, n, nil
}

// consumeBytes reads a length prefixed run.
func consumeBytes(b []byte) ([]byte, int, error) {
	size, n, err := ConsumeVarint(b)
	if err != nil {
		return nil, 0, err
	}
	if size > uint64(len(b)-n) {
		return nil, 0, errors.Wrapf(ErrTruncated, "%d bytes declared, %d left", size, len(b)-n)
	}
	end := n + int(size)
	return b[n:end], end, nil
}
