package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManagerCreateAttachDetach(t *testing.T) {
	m := NewManager()
	s := m.Create("sess1", "fp1", "alice", time.Hour, time.Minute)
	require.Equal(t, 0, s.AttachedCount())

	_, err := m.Attach("sess1")
	require.NoError(t, err)
	require.Equal(t, 1, s.AttachedCount())

	m.Detach("sess1")
	require.Equal(t, 0, s.AttachedCount())
}

func TestManagerAttachUnknownSession(t *testing.T) {
	m := NewManager()
	_, err := m.Attach("nope")
	require.Error(t, err)
}

func TestManagerGCEvictsExpiredTTL(t *testing.T) {
	m := NewManager()
	s := m.Create("sess1", "fp1", "alice", time.Nanosecond, time.Hour)
	time.Sleep(time.Millisecond)

	evicted := m.GCOnce()
	require.Contains(t, evicted, s.ID)
	require.Equal(t, 0, m.Len())
}

func TestManagerGCSkipsAttachedIdleSession(t *testing.T) {
	m := NewManager()
	s := m.Create("sess1", "fp1", "alice", time.Hour, time.Nanosecond)
	s.Attach()
	time.Sleep(time.Millisecond)

	evicted := m.GCOnce()
	require.Empty(t, evicted)
	require.Equal(t, 1, m.Len())
}

func TestManagerRemove(t *testing.T) {
	m := NewManager()
	m.Create("sess1", "fp1", "alice", time.Hour, time.Hour)
	require.NoError(t, m.Remove("sess1"))
	_, ok := m.Get("sess1")
	require.False(t, ok)
}
