package protobuf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const compiledProtos = `{
	"connector.entryHandler.entry": {
		"uid": {"option": "required", "type": "uInt32", "tag": 1},
		"name": {"option": "optional", "type": "string", "tag": 2},
		"scores": {"option": "repeated", "type": "uInt32", "tag": 3},
		"__tags": {"1": "uid", "2": "name", "3": "scores"}
	},
	"area.playerHandler.enter": {
		"player": {"option": "required", "type": "Player", "tag": 1},
		"items": {"option": "repeated", "type": "Item", "tag": 2},
		"__messages": {
			"Player": {
				"id": {"option": "required", "type": "uInt64", "tag": 1},
				"pos": {"option": "optional", "type": "Pos", "tag": 2},
				"__messages": {
					"Pos": {
						"x": {"option": "required", "type": "float", "tag": 1},
						"y": {"option": "required", "type": "double", "tag": 2}
					}
				}
			},
			"Item": {
				"kind": {"option": "required", "type": "sInt32", "tag": 1},
				"tags": {"option": "repeated", "type": "string", "tag": 2}
			}
		}
	}
}`

const sourceProtos = `{
	"message Shared": {
		"required int32 code": 1
	},
	"onStatus": {
		"required Shared status": 1,
		"optional bool online": 2,
		"optional bytes avatar": 3,
		"optional sInt64 delta": 4
	}
}`

func parse(t *testing.T, doc string) Protos {
	t.Helper()
	protos, err := ParseProtos([]byte(doc))
	require.NoError(t, err)
	return protos
}

func schema(t *testing.T, protos Protos, route string) *Schema {
	t.Helper()
	s, ok := protos.Lookup(route)
	require.True(t, ok, route)
	return s
}

func roundTrip(t *testing.T, s *Schema, msg map[string]any) map[string]any {
	t.Helper()
	buf, err := Encode(s, msg)
	require.NoError(t, err)
	got, err := Decode(s, buf)
	require.NoError(t, err)
	return got
}

func TestParseProtos_FieldOrder(t *testing.T) {
	s := schema(t, parse(t, compiledProtos), "connector.entryHandler.entry")

	var names []string
	for _, f := range s.Fields() {
		names = append(names, f.Name)
	}
	assert.Equal(t, []string{"uid", "name", "scores"}, names)

	f, ok := s.FieldByTag(3)
	require.True(t, ok)
	assert.Equal(t, Repeated, f.Option)
	assert.Equal(t, TypeUInt32, f.Type)
}

func TestParseProtos_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"unknown type", `{"r": {"required Foo x": 1}}`},
		{"bad option", `{"r": {"x": {"option": "many", "type": "uInt32", "tag": 1}}}`},
		{"zero tag", `{"r": {"required uInt32 x": 0}}`},
		{"duplicate tag", `{"r": {"required uInt32 x": 1, "optional uInt32 y": 1}}`},
		{"bad global", `{"message A": {"required B b": 1}}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseProtos([]byte(tc.doc))
			assert.Error(t, err)
		})
	}
}

func TestCodec_Scalars(t *testing.T) {
	s := schema(t, parse(t, compiledProtos), "connector.entryHandler.entry")

	got := roundTrip(t, s, map[string]any{"uid": 1, "name": "alice", "scores": []any{1, 2, 300}})
	want := map[string]any{
		"uid":    uint32(1),
		"name":   "alice",
		"scores": []any{uint32(1), uint32(2), uint32(300)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestEncode_Bytes(t *testing.T) {
	s := schema(t, parse(t, compiledProtos), "connector.entryHandler.entry")

	buf, err := Encode(s, map[string]any{"uid": 5})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x05}, buf)

	buf, err = Encode(s, map[string]any{"uid": 1, "scores": []uint32{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x08, 0x01, 0x18, 0x02, 0x01, 0x02}, buf)
}

func TestEncode_EmptyRepeatedIsOmitted(t *testing.T) {
	s := schema(t, parse(t, compiledProtos), "connector.entryHandler.entry")

	with, err := Encode(s, map[string]any{"uid": 1, "scores": []any{}})
	require.NoError(t, err)
	without, err := Encode(s, map[string]any{"uid": 1})
	require.NoError(t, err)
	assert.Equal(t, without, with)

	got, err := Decode(s, with)
	require.NoError(t, err)
	_, ok := got["scores"]
	assert.False(t, ok)
}

func TestEncode_DeterministicOrder(t *testing.T) {
	s := schema(t, parse(t, compiledProtos), "connector.entryHandler.entry")
	msg := map[string]any{"scores": []any{7}, "name": "n", "uid": 2}

	first, err := Encode(s, msg)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := Encode(s, msg)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestCodec_NestedMessages(t *testing.T) {
	s := schema(t, parse(t, compiledProtos), "area.playerHandler.enter")

	msg := map[string]any{
		"player": map[string]any{
			"id":  uint64(1) << 40,
			"pos": map[string]any{"x": 1.5, "y": -2.25},
		},
		"items": []any{
			map[string]any{"kind": -3, "tags": []string{"a", "bc"}},
			map[string]any{"kind": 4},
		},
	}
	want := map[string]any{
		"player": map[string]any{
			"id":  uint64(1) << 40,
			"pos": map[string]any{"x": float32(1.5), "y": -2.25},
		},
		"items": []any{
			map[string]any{"kind": int32(-3), "tags": []any{"a", "bc"}},
			map[string]any{"kind": int32(4)},
		},
	}
	if diff := cmp.Diff(want, roundTrip(t, s, msg)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestCodec_SourceNotation(t *testing.T) {
	s := schema(t, parse(t, sourceProtos), "onStatus")

	msg := map[string]any{
		"status": map[string]any{"code": -500},
		"online": true,
		"avatar": []byte{0, 1, 2},
		"delta":  int64(-1) << 40,
	}
	want := map[string]any{
		"status": map[string]any{"code": int32(-500)},
		"online": true,
		"avatar": []byte{0, 1, 2},
		"delta":  int64(-1) << 40,
	}
	if diff := cmp.Diff(want, roundTrip(t, s, msg)); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}

func TestParseSchema(t *testing.T) {
	s, err := ParseSchema("login", []byte(`{"required string token": 1, "optional uInt32 retry": 2}`))
	require.NoError(t, err)
	assert.Equal(t, "login", s.Name)

	got := roundTrip(t, s, map[string]any{"token": "abc"})
	assert.Equal(t, map[string]any{"token": "abc"}, got)
}

func TestEncode_Errors(t *testing.T) {
	s := schema(t, parse(t, compiledProtos), "connector.entryHandler.entry")

	tests := []struct {
		name string
		msg  map[string]any
		want error
	}{
		{"missing required", map[string]any{"name": "x"}, ErrMissingRequired},
		{"unknown key", map[string]any{"uid": 1, "extra": 1}, ErrUnknownField},
		{"negative unsigned", map[string]any{"uid": -1}, ErrInvalidValue},
		{"overflow", map[string]any{"uid": uint64(1) << 33}, ErrInvalidValue},
		{"fraction", map[string]any{"uid": 1.5}, ErrInvalidValue},
		{"wrong type", map[string]any{"uid": 1, "name": 3}, ErrInvalidValue},
		{"not a list", map[string]any{"uid": 1, "scores": 3}, ErrInvalidValue},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(s, tc.msg)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	s := schema(t, parse(t, compiledProtos), "connector.entryHandler.entry")

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"zero tag", []byte{0x00, 0x01}, ErrMalformedTag},
		{"unknown tag", []byte{0x28, 0x01}, ErrUnknownTag},
		{"wire type", []byte{0x0a, 0x01, 0x01}, ErrWireType},
		{"truncated varint", []byte{0x08, 0x80}, ErrTruncated},
		{"truncated string", []byte{0x12, 0x05, 'a'}, ErrTruncated},
		{"packed count overrun", []byte{0x18, 0x05, 0x01}, ErrTruncated},
		{"uint32 overflow", append([]byte{0x08}, AppendVarint(nil, 1<<33)...), ErrInvalidValue},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(s, tc.data)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestDecode_NestingLimit(t *testing.T) {
	s, err := ParseSchema("tree", []byte(`{
		"optional Node root": 1,
		"message Node": {"optional Node child": 1, "optional uInt32 v": 2}
	}`))
	require.NoError(t, err)

	// wrap nests the leaf {v: 7} in levels submessages, all tagged 1.
	wrap := func(levels int) []byte {
		b := []byte{0x10, 0x07}
		for i := 0; i < levels; i++ {
			inner := b
			b = AppendVarint([]byte{0x0a}, uint64(len(inner)))
			b = append(b, inner...)
		}
		return b
	}

	doc, err := Decode(s, wrap(2))
	require.NoError(t, err)
	want := map[string]any{"root": map[string]any{"child": map[string]any{"v": uint32(7)}}}
	if diff := cmp.Diff(want, doc); diff != "" {
		t.Errorf("document mismatch (-want +got):\n%s", diff)
	}

	_, err = Decode(s, wrap(maxDepth))
	assert.NoError(t, err)

	_, err = Decode(s, wrap(maxDepth+1))
	assert.True(t, errors.Is(err, ErrInvalidValue), "got %v", err)

	_, err = Decode(s, wrap(10000))
	assert.True(t, errors.Is(err, ErrInvalidValue), "got %v", err)
}
