package channel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateMachineHappyPath(t *testing.T) {
	m := newStateMachine()
	require.Equal(t, Opening, m.Get())
	require.True(t, m.transition(Open))
	require.True(t, m.transition(Closing))
	require.True(t, m.transition(Closed))
	require.Equal(t, Closed, m.Get())
}

func TestClosedIsTerminal(t *testing.T) {
	m := newStateMachine()
	require.True(t, m.transition(Closed))
	require.False(t, m.transition(Open), "no Closed channel transitions back to Open")
	require.False(t, m.transition(Closing))
	require.Equal(t, Closed, m.Get())
}

func TestDoubleCloseSingleTransition(t *testing.T) {
	m := newStateMachine()
	require.True(t, m.transition(Open))
	require.True(t, m.transition(Closed))
	require.False(t, m.transition(Closed), "second CLOSE observes Closed and does nothing")
}

func TestSignalByName(t *testing.T) {
	for _, name := range []string{"SIGTERM", "SIGINT", "TERM", "sigkill"} {
		_, ok := signalByName(name)
		require.True(t, ok, name)
	}
	_, ok := signalByName("SIGBOGUS")
	require.False(t, ok)
}
