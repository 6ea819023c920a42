package protobuf

import (
	"io"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Errors returned by the codec.
var (
	ErrUnknownField    = errors.New("protobuf: field not in schema")
	ErrUnknownTag      = errors.New("protobuf: tag not in schema")
	ErrMalformedTag    = errors.New("protobuf: malformed tag")
	ErrWireType        = errors.New("protobuf: wire type mismatch")
	ErrTruncated       = errors.New("protobuf: truncated data")
	ErrVarintOverflow  = errors.New("protobuf: varint overflows 64 bits")
	ErrInvalidValue    = errors.New("protobuf: invalid value")
	ErrMissingRequired = errors.New("protobuf: missing required field")
	ErrUnknownType     = errors.New("protobuf: unknown type")
)

// AppendVarint appends v as a base-128 varint.
func AppendVarint(b []byte, v uint64) []byte {
	return protowire.AppendVarint(b, v)
}

// ConsumeVarint reads a varint from the front of b and returns it with the
// number of bytes consumed.
func ConsumeVarint(b []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, varintError(n)
	}
	return v, n, nil
}

// AppendSvarint appends v zigzag encoded.
func AppendSvarint(b []byte, v int64) []byte {
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

// ConsumeSvarint reads a zigzag encoded varint from the front of b.
func ConsumeSvarint(b []byte) (int64, int, error) {
	v, n, err := ConsumeVarint(b)
	if err != nil {
		return 0, 0, err
	}
	return protowire.DecodeZigZag(v), n, nil
}

// varintError maps a negative protowire length to one of our sentinels.
// A varint can only be truncated or too long.
func varintError(n int) error {
	if errors.Is(protowire.ParseError(n), io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return ErrVarintOverflow
}

func appendTag(b []byte, f *Field, typ protowire.Type) []byte {
	return protowire.AppendTag(b, protowire.Number(f.Tag), typ)
}

func consumeTag(b []byte) (uint32, protowire.Type, int, error) {
	v, n, err := ConsumeVarint(b)
	if err != nil {
		return 0, 0, 0, err
	}
	num, typ := protowire.DecodeTag(v)
	if num < protowire.MinValidNumber || num > maxFieldNumber {
		return 0, 0, 0, errors.Wrapf(ErrMalformedTag, "field number %d", num)
	}
	return uint32(num), typ, n, nil
}
