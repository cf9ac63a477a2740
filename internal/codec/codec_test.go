package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	A int
	B string
}

func TestRoundTripSingle(t *testing.T) {
	frame, err := Encode(sample{A: 1, B: "x"})
	require.NoError(t, err)

	d := NewDecoder()
	frames, err := d.Feed(frame)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	var got sample
	require.NoError(t, Decode(frames[0], &got))
	require.Equal(t, sample{A: 1, B: "x"}, got)
}

func TestRoundTripMultiple(t *testing.T) {
	a, _ := Encode(sample{A: 1})
	b, _ := Encode(sample{A: 2})
	c, _ := Encode(sample{A: 3})

	d := NewDecoder()
	frames, err := d.Feed(append(append(a, b...), c...))
	require.NoError(t, err)
	require.Len(t, frames, 3)

	for i, want := range []int{1, 2, 3} {
		var got sample
		require.NoError(t, Decode(frames[i], &got))
		require.Equal(t, want, got.A)
	}
}

func TestIncrementalFeedOneByteAtATime(t *testing.T) {
	a, _ := Encode(sample{A: 1, B: "hello"})
	b, _ := Encode(sample{A: 2, B: "world"})
	full := append(a, b...)

	d := NewDecoder()
	var all [][]byte
	for i := range full {
		frames, err := d.Feed(full[i : i+1])
		require.NoError(t, err)
		all = append(all, frames...)
	}
	require.Len(t, all, 2)

	var s1, s2 sample
	require.NoError(t, Decode(all[0], &s1))
	require.NoError(t, Decode(all[1], &s2))
	require.Equal(t, "hello", s1.B)
	require.Equal(t, "world", s2.B)
}

func TestFeedEmptySliceAfterDrainYieldsNothing(t *testing.T) {
	frame, _ := Encode(sample{A: 42})
	d := NewDecoder()
	frames, err := d.Feed(frame)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	more, err := d.Feed(nil)
	require.NoError(t, err)
	require.Empty(t, more)
}

func TestPendingBytes(t *testing.T) {
	frame, _ := Encode(sample{A: 1})
	d := NewDecoder()
	_, err := d.Feed(frame[:2])
	require.NoError(t, err)
	require.Equal(t, 2, d.Pending())
}

func TestOversizedFrameRejected(t *testing.T) {
	d := NewDecoder()
	var header [4]byte
	header[0] = 0x7f // declares a huge length, well over MaxFrameSize
	_, err := d.Feed(header[:])
	require.Error(t, err)
}

func TestReset(t *testing.T) {
	frame, _ := Encode(sample{A: 1})
	d := NewDecoder()
	_, _ = d.Feed(frame[:2])
	d.Reset()
	require.Equal(t, 0, d.Pending())
}
