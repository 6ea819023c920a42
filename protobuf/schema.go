// Package protobuf implements the pomelo flavour of protobuf: documents are
// encoded and decoded against schemas received at runtime rather than
// against generated types.
//
// Two schema notations are accepted. The compiled one describes each field
// as {"option": "required", "type": "uInt32", "tag": 1} and nests message
// types under "__messages". The source one, as written in pomelo proto
// files, uses keys such as "required uInt32 id": 1 and "message Item": {...}.
package protobuf

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Option is the repetition rule of a field.
type Option string

// Field options.
const (
	Required Option = "required"
	Optional Option = "optional"
	Repeated Option = "repeated"
)

func (o Option) valid() bool {
	return o == Required || o == Optional || o == Repeated
}

// Scalar type names.
const (
	TypeUInt32 = "uInt32"
	TypeInt32  = "int32"
	TypeSInt32 = "sInt32"
	TypeUInt64 = "uInt64"
	TypeSInt64 = "sInt64"
	TypeBool   = "bool"
	TypeFloat  = "float"
	TypeDouble = "double"
	TypeString = "string"
	TypeBytes  = "bytes"
)

var scalarTypes = map[string]struct{}{
	TypeUInt32: {}, TypeInt32: {}, TypeSInt32: {}, TypeUInt64: {}, TypeSInt64: {},
	TypeBool: {}, TypeFloat: {}, TypeDouble: {}, TypeString: {}, TypeBytes: {},
}

// IsScalar reports whether typ is a built-in type rather than a message name.
func IsScalar(typ string) bool {
	_, ok := scalarTypes[typ]
	return ok
}

const (
	messagesKey    = "__messages"
	tagsKey        = "__tags"
	messagePrefix  = "message "
	maxFieldNumber = 1<<29 - 1
)

// Field describes one field of a schema.
type Field struct {
	Name   string
	Type   string
	Tag    uint32
	Option Option
}

// Schema is the description of one message type.
type Schema struct {
	Name string

	fields   *orderedmap.OrderedMap[string, *Field]
	tags     map[uint32]*Field
	messages map[string]*Schema
	parent   *Schema
}

func newSchema(name string, parent *Schema) *Schema {
	return &Schema{
		Name:     name,
		fields:   orderedmap.New[string, *Field](),
		tags:     make(map[uint32]*Field),
		messages: make(map[string]*Schema),
		parent:   parent,
	}
}

// Field returns the field called name.
func (s *Schema) Field(name string) (*Field, bool) {
	return s.fields.Get(name)
}

// FieldByTag returns the field numbered tag.
func (s *Schema) FieldByTag(tag uint32) (*Field, bool) {
	f, ok := s.tags[tag]
	return f, ok
}

// Fields returns the fields in declaration order.
func (s *Schema) Fields() []*Field {
	fields := make([]*Field, 0, s.fields.Len())
	for pair := s.fields.Oldest(); pair != nil; pair = pair.Next() {
		fields = append(fields, pair.Value)
	}
	return fields
}

// Message resolves a nested message type, searching enclosing schemas
// when s does not declare it.
func (s *Schema) Message(typ string) (*Schema, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if m, ok := cur.messages[typ]; ok {
			return m, true
		}
	}
	return nil, false
}

func (s *Schema) addField(f *Field) error {
	if !f.Option.valid() {
		return errors.Errorf("protobuf: field %q has invalid option %q", f.Name, f.Option)
	}
	if f.Tag == 0 || f.Tag > maxFieldNumber {
		return errors.Errorf("protobuf: field %q has invalid tag %d", f.Name, f.Tag)
	}
	if f.Type == "" {
		return errors.Errorf("protobuf: field %q has no type", f.Name)
	}
	if _, ok := s.fields.Get(f.Name); ok {
		return errors.Errorf("protobuf: duplicate field %q", f.Name)
	}
	if prev, ok := s.tags[f.Tag]; ok {
		return errors.Errorf("protobuf: tag %d used by %q and %q", f.Tag, prev.Name, f.Name)
	}
	s.fields.Set(f.Name, f)
	s.tags[f.Tag] = f
	return nil
}

// validate checks that every message typed field resolves.
func (s *Schema) validate() error {
	for pair := s.fields.Oldest(); pair != nil; pair = pair.Next() {
		f := pair.Value
		if IsScalar(f.Type) {
			continue
		}
		if _, ok := s.Message(f.Type); !ok {
			return errors.Wrapf(ErrUnknownType, "field %q of %q has type %q", f.Name, s.Name, f.Type)
		}
	}
	for _, m := range s.messages {
		if err := m.validate(); err != nil {
			return err
		}
	}
	return nil
}

// ParseSchema parses a single message schema.
func ParseSchema(name string, data []byte) (*Schema, error) {
	s, err := parseSchema(name, data, nil)
	if err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

type compiledField struct {
	Option Option `json:"option"`
	Type   string `json:"type"`
	Tag    uint32 `json:"tag"`
}

func parseSchema(name string, data []byte, parent *Schema) (*Schema, error) {
	entries, err := parseObject(data)
	if err != nil {
		return nil, errors.Wrapf(err, "protobuf: parse schema %q", name)
	}

	s := newSchema(name, parent)
	for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
		key, raw := pair.Key, pair.Value

		switch {
		case key == tagsKey:
			// rebuilt from the fields

		case key == messagesKey:
			nested, err := parseObject(raw)
			if err != nil {
				return nil, errors.Wrapf(err, "protobuf: parse %s of %q", messagesKey, name)
			}
			for m := nested.Oldest(); m != nil; m = m.Next() {
				if err := s.addMessage(m.Key, m.Value); err != nil {
					return nil, err
				}
			}

		case strings.HasPrefix(key, messagePrefix):
			if err := s.addMessage(strings.TrimSpace(strings.TrimPrefix(key, messagePrefix)), raw); err != nil {
				return nil, err
			}

		default:
			f, err := parseField(key, raw)
			if err != nil {
				return nil, errors.Wrapf(err, "protobuf: schema %q", name)
			}
			if err := s.addField(f); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Schema) addMessage(name string, raw json.RawMessage) error {
	if name == "" {
		return errors.Errorf("protobuf: unnamed message in %q", s.Name)
	}
	if _, ok := s.messages[name]; ok {
		return errors.Errorf("protobuf: duplicate message %q in %q", name, s.Name)
	}
	m, err := parseSchema(name, raw, s)
	if err != nil {
		return err
	}
	s.messages[name] = m
	return nil
}

// parseField accepts "option type name": tag as well as name: {option,type,tag}.
func parseField(key string, raw json.RawMessage) (*Field, error) {
	if parts := strings.Fields(key); len(parts) == 3 {
		var tag uint32
		if err := json.Unmarshal(raw, &tag); err == nil {
			return &Field{Name: parts[2], Type: parts[1], Option: Option(parts[0]), Tag: tag}, nil
		}
	}

	var cf compiledField
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, errors.Wrapf(err, "field %q", key)
	}
	return &Field{Name: key, Type: cf.Type, Option: cf.Option, Tag: cf.Tag}, nil
}

func parseObject(data []byte) (*orderedmap.OrderedMap[string, json.RawMessage], error) {
	om := orderedmap.New[string, json.RawMessage]()
	if err := om.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return om, nil
}

// Protos is a registry of schemas keyed by route.
type Protos map[string]*Schema

// ParseProtos parses a route -> schema document as sent in the handshake.
// Top level "message X" entries are shared by every route.
func ParseProtos(data []byte) (Protos, error) {
	entries, err := parseObject(data)
	if err != nil {
		return nil, errors.Wrap(err, "protobuf: parse protos")
	}

	global := newSchema("", nil)
	for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
		if strings.HasPrefix(pair.Key, messagePrefix) {
			if err := global.addMessage(strings.TrimSpace(strings.TrimPrefix(pair.Key, messagePrefix)), pair.Value); err != nil {
				return nil, err
			}
		}
	}
	if err := global.validate(); err != nil {
		return nil, err
	}

	protos := make(Protos, entries.Len())
	for pair := entries.Oldest(); pair != nil; pair = pair.Next() {
		if strings.HasPrefix(pair.Key, messagePrefix) {
			continue
		}
		s, err := parseSchema(pair.Key, pair.Value, global)
		if err != nil {
			return nil, err
		}
		if err := s.validate(); err != nil {
			return nil, err
		}
		protos[pair.Key] = s
	}
	return protos, nil
}

// Lookup returns the schema registered for route. A nil Protos is empty.
func (p Protos) Lookup(route string) (*Schema, bool) {
	if p == nil {
		return nil, false
	}
	s, ok := p[route]
	return s, ok
}
