package pomelo

import "sync"

// Listener is the handle of one AddListener registration.
type Listener struct {
	event string
	cb    EventCallback
}

// Event returns the event the listener is registered on.
func (l *Listener) Event() string {
	return l.event
}

type listenerTable struct {
	mu     sync.Mutex
	events map[string][]*Listener
}

func newListenerTable() *listenerTable {
	return &listenerTable{events: make(map[string][]*Listener)}
}

func (t *listenerTable) add(event string, cb EventCallback) *Listener {
	l := &Listener{event: event, cb: cb}

	t.mu.Lock()
	t.events[event] = append(t.events[event], l)
	t.mu.Unlock()

	return l
}

// remove drops l. The event's list is deleted once it is empty.
func (t *listenerTable) remove(l *Listener) bool {
	if l == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.events[l.event]
	for i, cur := range list {
		if cur != l {
			continue
		}
		if len(list) == 1 {
			delete(t.events, l.event)
			return true
		}
		next := make([]*Listener, 0, len(list)-1)
		next = append(next, list[:i]...)
		t.events[l.event] = append(next, list[i+1:]...)
		return true
	}
	return false
}

// emit calls the listeners registered when it starts, in registration
// order. Callbacks run without the lock held, so they may add or remove
// listeners; such changes apply from the next emit.
func (t *listenerTable) emit(event string, data any) int {
	t.mu.Lock()
	list := t.events[event]
	t.mu.Unlock()

	for _, l := range list {
		l.cb(event, data)
	}
	return len(list)
}

func (t *listenerTable) count(event string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events[event])
}
