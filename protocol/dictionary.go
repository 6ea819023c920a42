package protocol

import (
	"math"

	"github.com/pkg/errors"
)

// Dictionary maps routes to the compressed codes negotiated in the handshake
// and back. It is immutable once built; a nil *Dictionary is an empty one.
type Dictionary struct {
	codes  map[string]uint16
	routes map[uint16]string
}

// NewDictionary builds a dictionary and its reverse index from the
// route -> code mapping sent by the server. Codes must fit the 2-byte
// route code field.
func NewDictionary(dict map[string]int) (*Dictionary, error) {
	d := &Dictionary{
		codes:  make(map[string]uint16, len(dict)),
		routes: make(map[uint16]string, len(dict)),
	}
	for route, code := range dict {
		if code < 0 || code > math.MaxUint16 {
			return nil, errors.Errorf("protocol: route code %d for %q out of range", code, route)
		}
		if prev, ok := d.routes[uint16(code)]; ok {
			return nil, errors.Errorf("protocol: route code %d assigned to both %q and %q", code, prev, route)
		}
		d.codes[route] = uint16(code)
		d.routes[uint16(code)] = route
	}
	return d, nil
}

// Code returns the compressed code of route. Code 0 is reported as absent,
// since the wire format reserves it for uncompressed routes.
func (d *Dictionary) Code(route string) (uint16, bool) {
	if d == nil {
		return 0, false
	}
	code, ok := d.codes[route]
	return code, ok && code != 0
}

// Route resolves a compressed code back to its route.
func (d *Dictionary) Route(code uint16) (string, bool) {
	if d == nil {
		return "", false
	}
	route, ok := d.routes[code]
	return route, ok
}

// Len returns the number of entries.
func (d *Dictionary) Len() int {
	if d == nil {
		return 0
	}
	return len(d.codes)
}
