package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/pkg/errors"
)

// Message envelope constants.
const (
	idLength        = 4
	flagLength      = 1
	routeCodeLength = 2
	routeLenLength  = 1

	// MaxRouteLength is the longest uncompressed route the 1-byte length allows.
	MaxRouteLength = 0xff

	flagCompressed = 0x01
	typeShift      = 1
	typeMask       = 0x07
)

// MessageType is the kind of a message carried in a Data package.
type MessageType byte

const (
	// Request expects a Response with the same id.
	Request MessageType = iota
	// Notify is fire-and-forget; id is 0.
	Notify
	// Response answers a Request; it carries no route.
	Response
	// Push is a server initiated message; id is 0.
	Push
)

// String returns the name of the message type.
func (t MessageType) String() string {
	switch t {
	case Request:
		return "request"
	case Notify:
		return "notify"
	case Response:
		return "response"
	case Push:
		return "push"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t <= Push
}

// HasID reports whether messages of type t carry a non-zero id.
func (t MessageType) HasID() bool {
	return t == Request || t == Response
}

// HasRoute reports whether messages of type t carry a route field.
func (t MessageType) HasRoute() bool {
	return t != Response
}

// Errors returned by message encoding and decoding.
var (
	// ErrInvalidMessage is returned for malformed or inconsistent envelopes.
	ErrInvalidMessage = errors.New("protocol: invalid message")
	// ErrRouteTooLong is returned when an uncompressed route exceeds MaxRouteLength.
	ErrRouteTooLong = errors.New("protocol: route too long")
	// ErrUnknownRouteCode is returned when a compressed route is not in the dictionary.
	ErrUnknownRouteCode = errors.New("protocol: unknown route code")
)

// RawMessage is a decoded envelope whose body has not been interpreted yet.
type RawMessage struct {
	ID         uint32
	Type       MessageType
	Route      string
	Compressed bool
	Body       []byte
}

// EncodeMessage builds the envelope for body. The route is compressed when
// dict holds a non-zero code for it. Response messages carry no route.
func EncodeMessage(id uint32, typ MessageType, route string, body []byte, dict *Dictionary) ([]byte, error) {
	if !typ.Valid() {
		return nil, errors.Wrapf(ErrInvalidMessage, "type %d", byte(typ))
	}
	if typ.HasID() != (id != 0) {
		return nil, errors.Wrapf(ErrInvalidMessage, "id %d for %s", id, typ)
	}

	flags := byte(typ) << typeShift
	size := idLength + flagLength + len(body)

	var code uint16
	compressed := false
	if typ.HasRoute() {
		if route == "" {
			return nil, errors.Wrapf(ErrInvalidMessage, "empty route for %s", typ)
		}
		code, compressed = dict.Code(route)
		if compressed {
			flags |= flagCompressed
			size += routeCodeLength
		} else {
			if len(route) > MaxRouteLength {
				return nil, errors.Wrapf(ErrRouteTooLong, "%d bytes", len(route))
			}
			size += routeLenLength + len(route)
		}
	}

	buf := make([]byte, 0, size)
	buf = binary.BigEndian.AppendUint32(buf, id)
	buf = append(buf, flags)
	if typ.HasRoute() {
		if compressed {
			buf = binary.BigEndian.AppendUint16(buf, code)
		} else {
			buf = append(buf, byte(len(route)))
			buf = append(buf, route...)
		}
	}
	buf = append(buf, body...)
	return buf, nil
}

// DecodeMessage parses an envelope. Compressed routes are resolved through
// dict; Response messages come back with an empty Route.
func DecodeMessage(data []byte, dict *Dictionary) (*RawMessage, error) {
	if len(data) < idLength+flagLength {
		return nil, errors.Wrapf(ErrInvalidMessage, "%d bytes is shorter than the header", len(data))
	}

	msg := &RawMessage{ID: binary.BigEndian.Uint32(data)}
	flags := data[idLength]
	msg.Type = MessageType((flags >> typeShift) & typeMask)
	msg.Compressed = flags&flagCompressed != 0
	if !msg.Type.Valid() {
		return nil, errors.Wrapf(ErrInvalidMessage, "type %d", byte(msg.Type))
	}

	offset := idLength + flagLength
	if msg.Type.HasRoute() {
		if msg.Compressed {
			if len(data) < offset+routeCodeLength {
				return nil, errors.Wrap(ErrInvalidMessage, "truncated route code")
			}
			code := binary.BigEndian.Uint16(data[offset:])
			route, ok := dict.Route(code)
			if !ok {
				return nil, errors.Wrapf(ErrUnknownRouteCode, "code %d", code)
			}
			msg.Route = route
			offset += routeCodeLength
		} else {
			if len(data) < offset+routeLenLength {
				return nil, errors.Wrap(ErrInvalidMessage, "truncated route length")
			}
			n := int(data[offset])
			offset += routeLenLength
			if len(data) < offset+n {
				return nil, errors.Wrapf(ErrInvalidMessage, "route of %d bytes overruns message", n)
			}
			msg.Route = string(data[offset : offset+n])
			offset += n
		}
	}

	msg.Body = data[offset:]
	return msg, nil
}
