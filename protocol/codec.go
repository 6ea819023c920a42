package protocol

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/Zereker/pomelo/protobuf"
)

// ErrUnknownRequest is returned when a Response names an id that has no
// outstanding request, so its route (and therefore its body codec) is unknown.
var ErrUnknownRequest = errors.New("protocol: response for unknown request")

// RouteResolver returns the route of the outstanding request with the given id.
type RouteResolver func(id uint32) (string, bool)

// Message is a decoded message with its body interpreted.
type Message struct {
	ID    uint32
	Type  MessageType
	Route string
	Body  any
}

// Codec encodes and decodes Data package bodies.
//
// Routes are compressed with Dict. A body is encoded with the schema that
// EncodeProtos registers for its route and decoded with DecodeProtos; routes
// without a schema use JSON. A client encodes with the client protos and
// decodes with the server protos; a server does the opposite.
//
// The fields must not change while the codec is in use.
type Codec struct {
	Dict         *Dictionary
	EncodeProtos protobuf.Protos
	DecodeProtos protobuf.Protos
}

// Encode builds a complete message body for a Data package. Nothing is
// returned when any stage fails.
func (c *Codec) Encode(id uint32, typ MessageType, route string, payload any) ([]byte, error) {
	body, err := c.encodeBody(route, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s body for %q", typ, route)
	}
	return EncodeMessage(id, typ, route, body, c.Dict)
}

// Decode parses a Data package body. Responses carry no route on the wire,
// so resolve is consulted to find the route of the originating request.
func (c *Codec) Decode(data []byte, resolve RouteResolver) (*Message, error) {
	raw, err := DecodeMessage(data, c.Dict)
	if err != nil {
		return nil, err
	}

	route := raw.Route
	if !raw.Type.HasRoute() {
		var ok bool
		if resolve != nil {
			route, ok = resolve(raw.ID)
		}
		if !ok {
			return nil, errors.Wrapf(ErrUnknownRequest, "id %d", raw.ID)
		}
	}

	body, err := c.decodeBody(route, raw.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s body for %q", raw.Type, route)
	}

	return &Message{
		ID:    raw.ID,
		Type:  raw.Type,
		Route: route,
		Body:  body,
	}, nil
}

func (c *Codec) encodeBody(route string, payload any) ([]byte, error) {
	schema, ok := c.EncodeProtos.Lookup(route)
	if !ok {
		if payload == nil {
			payload = map[string]any{}
		}
		return json.Marshal(payload)
	}

	doc, err := toDocument(payload)
	if err != nil {
		return nil, err
	}
	return protobuf.Encode(schema, doc)
}

func (c *Codec) decodeBody(route string, body []byte) (any, error) {
	if len(body) == 0 {
		return nil, nil
	}

	if schema, ok := c.DecodeProtos.Lookup(route); ok {
		return protobuf.Decode(schema, body)
	}

	// Numbers stay json.Number so 64-bit ids survive.
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON body")
	}
	return v, nil
}

// toDocument turns an arbitrary payload into the generic document form the
// schema codec works on. Structs go through their JSON representation.
func toDocument(payload any) (map[string]any, error) {
	switch v := payload.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		return v, nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrapf(err, "payload %T is not an object", payload)
	}
	return doc, nil
}
