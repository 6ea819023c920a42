package pomelo

import (
	"sort"
	"sync"
)

type pendingRequest struct {
	id    uint32
	route string
	cb    ResponseCallback
}

// requestTable correlates outstanding requests with their responses.
// Ids increase monotonically and wrap; 0 and ids still outstanding are
// skipped.
type requestTable struct {
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]*pendingRequest
	closed  bool
}

func newRequestTable() *requestTable {
	return &requestTable{pending: make(map[uint32]*pendingRequest)}
}

// add registers a request and returns its id.
func (t *requestTable) add(route string, cb ResponseCallback) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrConnectionClosed
	}

	for {
		t.nextID++
		if _, busy := t.pending[t.nextID]; t.nextID != 0 && !busy {
			break
		}
	}
	t.pending[t.nextID] = &pendingRequest{id: t.nextID, route: route, cb: cb}
	return t.nextID, nil
}

// route returns the route of an outstanding request.
func (t *requestTable) route(id uint32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if !ok {
		return "", false
	}
	return p.route, true
}

// remove takes a request out of the table. Only the caller that removed it
// may invoke its callback.
func (t *requestTable) remove(id uint32) (*pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return p, ok
}

// drain closes the table and returns every outstanding request, oldest id
// first. Later adds fail.
func (t *requestTable) drain() []*pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	out := make([]*pendingRequest, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, p)
	}
	t.pending = make(map[uint32]*pendingRequest)

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (t *requestTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
