package pomelo

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_Forward(t *testing.T) {
	var m stateMachine
	assert.Equal(t, StateInited, m.load())

	require.NoError(t, m.transition(StateInited, StateConnecting))
	require.NoError(t, m.transition(StateConnecting, StateConnected))
	require.NoError(t, m.transition(StateConnected, StateWorking))
	assert.NoError(t, m.require(StateWorking))

	prev, ok := m.close()
	assert.True(t, ok)
	assert.Equal(t, StateWorking, prev)

	prev, ok = m.close()
	assert.False(t, ok)
	assert.Equal(t, StateClosed, prev)
}

func TestStateMachine_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		from, to State
	}{
		{"skip connecting", StateInited, StateConnected},
		{"backwards", StateConnecting, StateInited},
		{"wrong source", StateConnected, StateWorking},
		{"closed to working", StateClosed, StateWorking},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var m stateMachine
			err := m.transition(tc.from, tc.to)
			assert.True(t, errors.Is(err, ErrInvalidState))
			assert.Equal(t, StateInited, m.load())
		})
	}
}

func TestStateMachine_ClosedIsTerminal(t *testing.T) {
	var m stateMachine
	m.close()

	err := m.transition(StateInited, StateConnecting)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.True(t, errors.Is(m.require(StateInited), ErrInvalidState))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "inited", StateInited.String())
	assert.Equal(t, "working", StateWorking.String())
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
