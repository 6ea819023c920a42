// Package protocol implements the pomelo wire protocol: the outer package
// frame (type + 3-byte length + body), the inner message envelope carried in
// Data packages and the route dictionary negotiated during the handshake.
package protocol

import (
	"fmt"

	"github.com/pkg/errors"
)

// Package framing constants.
const (
	// HeadLength is the size of a package header: 1 type byte and 3 length bytes.
	HeadLength = 4
	// MaxBodyLength is the largest body a 3-byte length field can describe.
	MaxBodyLength = 1<<24 - 1
)

// PackageType identifies the kind of a package on the wire.
type PackageType byte

const (
	// Handshake carries the handshake request and response documents.
	Handshake PackageType = iota + 1
	// HandshakeAck is sent by the client once the handshake response is accepted.
	HandshakeAck
	// Heartbeat is an empty keep-alive package.
	Heartbeat
	// Data carries one encoded message.
	Data
)

// String returns the name of the package type.
func (t PackageType) String() string {
	switch t {
	case Handshake:
		return "handshake"
	case HandshakeAck:
		return "handshake_ack"
	case Heartbeat:
		return "heartbeat"
	case Data:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Valid reports whether t is one of the known package types.
func (t PackageType) Valid() bool {
	return t >= Handshake && t <= Data
}

// Errors returned by package encoding and parsing.
var (
	// ErrInvalidPackageType is returned when a header names an unknown package type.
	ErrInvalidPackageType = errors.New("protocol: invalid package type")
	// ErrPackageTooLarge is returned when a body exceeds the allowed length.
	ErrPackageTooLarge = errors.New("protocol: package too large")
	// ErrParserClosed is returned when feeding a closed parser.
	ErrParserClosed = errors.New("protocol: parser closed")
)

// Encode prepends the package header to body.
func Encode(t PackageType, body []byte) ([]byte, error) {
	if !t.Valid() {
		return nil, errors.Wrapf(ErrInvalidPackageType, "encode type %d", byte(t))
	}
	length := len(body)
	if length > MaxBodyLength {
		return nil, errors.Wrapf(ErrPackageTooLarge, "encode %d bytes", length)
	}

	buf := make([]byte, HeadLength+length)
	buf[0] = byte(t)
	buf[1] = byte(length >> 16)
	buf[2] = byte(length >> 8)
	buf[3] = byte(length)
	copy(buf[HeadLength:], body)
	return buf, nil
}

// Handler receives every complete package emitted by a Parser.
// The body slice is owned by the handler.
// A non-nil error aborts the current Feed call and is returned from it.
type Handler func(t PackageType, body []byte) error

type parserState int

const (
	expectHead parserState = iota + 1
	expectBody
	parserClosed
)

// Parser reassembles packages from an arbitrarily chunked byte stream.
//
// Feed may be called with chunks of any size, including empty ones; header
// and body may be split at any offset. Every package completed by a chunk is
// handed to the Handler, in arrival order, before Feed returns.
//
// A Parser is not safe for concurrent use.
type Parser struct {
	handler Handler
	maxBody int

	state      parserState
	head       [HeadLength]byte
	headOffset int

	typ        PackageType
	body       []byte
	bodyOffset int
}

// NewParser creates a parser emitting packages to h. maxBody bounds the
// accepted body length; values <= 0 or above MaxBodyLength mean MaxBodyLength.
func NewParser(h Handler, maxBody int) *Parser {
	if maxBody <= 0 || maxBody > MaxBodyLength {
		maxBody = MaxBodyLength
	}
	return &Parser{
		handler: h,
		maxBody: maxBody,
		state:   expectHead,
	}
}

// Feed consumes the next chunk of the stream.
// Partial data is never an error; only an invalid header, an oversized body,
// a handler error or a closed parser are.
func (p *Parser) Feed(data []byte) error {
	for len(data) > 0 || p.pendingEmpty() {
		switch p.state {
		case parserClosed:
			return ErrParserClosed

		case expectHead:
			n := copy(p.head[p.headOffset:], data)
			p.headOffset += n
			data = data[n:]
			if p.headOffset < HeadLength {
				return nil
			}
			if err := p.parseHead(); err != nil {
				p.state = parserClosed
				return err
			}

		case expectBody:
			n := copy(p.body[p.bodyOffset:], data)
			p.bodyOffset += n
			data = data[n:]
			if p.bodyOffset < len(p.body) {
				return nil
			}
			if err := p.emit(); err != nil {
				return err
			}
		}
	}

	if p.state == parserClosed {
		return ErrParserClosed
	}
	return nil
}

// pendingEmpty reports whether a zero-length body is waiting to be emitted.
func (p *Parser) pendingEmpty() bool {
	return p.state == expectBody && len(p.body) == 0
}

func (p *Parser) parseHead() error {
	typ := PackageType(p.head[0])
	if !typ.Valid() {
		return errors.Wrapf(ErrInvalidPackageType, "parse type %d", p.head[0])
	}

	length := int(p.head[1])<<16 | int(p.head[2])<<8 | int(p.head[3])
	if length > p.maxBody {
		return errors.Wrapf(ErrPackageTooLarge, "%d bytes exceeds %d", length, p.maxBody)
	}

	p.typ = typ
	p.body = make([]byte, length)
	p.bodyOffset = 0
	p.state = expectBody
	return nil
}

func (p *Parser) emit() error {
	typ, body := p.typ, p.body
	p.Reset()

	if err := p.handler(typ, body); err != nil {
		p.state = parserClosed
		return err
	}
	return nil
}

// Reset drops any partially received package and waits for a new header.
// A closed parser stays closed.
func (p *Parser) Reset() {
	if p.state == parserClosed {
		return
	}
	p.state = expectHead
	p.headOffset = 0
	p.typ = 0
	p.body = nil
	p.bodyOffset = 0
}

// Close moves the parser into its terminal state.
func (p *Parser) Close() {
	p.state = parserClosed
	p.body = nil
}

// Closed reports whether the parser no longer accepts input.
func (p *Parser) Closed() bool {
	return p.state == parserClosed
}
