package pomelo

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
)

// State is the lifecycle stage of a Client.
type State int32

const (
	// StateInited is a fresh client that has never connected.
	StateInited State = iota
	// StateConnecting is dialing the server.
	StateConnecting
	// StateConnected has a transport and is handshaking.
	StateConnected
	// StateWorking has completed the handshake and accepts requests.
	StateWorking
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInited:
		return "inited"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateWorking:
		return "working"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// ErrInvalidState is returned when an operation is not allowed in the
// current state.
var ErrInvalidState = errors.New("invalid client state")

// transitions lists the forward moves. Closed is reachable from every
// state and is handled by close.
var transitions = map[State]State{
	StateInited:     StateConnecting,
	StateConnecting: StateConnected,
	StateConnected:  StateWorking,
}

type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) load() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// transition moves from -> to, failing when the machine is elsewhere or the
// move is not allowed.
func (m *stateMachine) transition(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != from {
		return errors.Wrapf(ErrInvalidState, "%s -> %s while %s", from, to, m.state)
	}
	if next, ok := transitions[from]; !ok || next != to {
		return errors.Wrapf(ErrInvalidState, "%s -> %s not allowed", from, to)
	}
	m.state = to
	return nil
}

// close moves to StateClosed and returns the previous state. ok is false
// when the machine was already closed.
func (m *stateMachine) close() (prev State, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev = m.state
	m.state = StateClosed
	return prev, prev != StateClosed
}

// require fails unless the machine is in s.
func (m *stateMachine) require(s State) error {
	if cur := m.load(); cur != s {
		return errors.Wrapf(ErrInvalidState, "%s, want %s", cur, s)
	}
	return nil
}
