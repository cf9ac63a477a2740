package session

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingBufferRetainsLastCapacityBytes(t *testing.T) {
	r := NewRingBuffer(8)
	r.Write([]byte("0123456789ABCDEF")) // 16 bytes, cap 8
	require.Equal(t, []byte("89ABCDEF"), r.Snapshot())
	require.Equal(t, uint64(16), r.TotalWritten())
}

func TestRingBufferIncrementalWrites(t *testing.T) {
	r := NewRingBuffer(4)
	r.Write([]byte("ab"))
	r.Write([]byte("cd"))
	r.Write([]byte("ef"))
	require.Equal(t, []byte("cdef"), r.Snapshot())
}

func TestRingBufferUnderCapacity(t *testing.T) {
	r := NewRingBuffer(256)
	r.Write([]byte("hello"))
	require.True(t, bytes.Equal([]byte("hello"), r.Snapshot()))
	require.Equal(t, 5, r.Len())
}
