package termsync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVTermSyncThenDiff(t *testing.T) {
	v := NewVTerm(80, 24)
	defer v.Close()

	v.Write([]byte("hello\r\n"))
	sync := v.Sync()
	require.Equal(t, uint16(80), sync.Cols)
	require.Equal(t, uint16(24), sync.Rows)
	require.NotEmpty(t, sync.Cells)

	require.Nil(t, v.Diff())

	v.Write([]byte("world"))
	diff := v.Diff()
	require.NotNil(t, diff)
	require.Equal(t, []byte("world"), diff.Ops)

	require.Nil(t, v.Diff())
}

func TestVTermResize(t *testing.T) {
	v := NewVTerm(80, 24)
	defer v.Close()

	v.Resize(120, 40)
	sync := v.Sync()
	require.Equal(t, uint16(120), sync.Cols)
	require.Equal(t, uint16(40), sync.Rows)
}

func TestVTermScrollback(t *testing.T) {
	v := NewVTerm(10, 3)
	defer v.Close()

	for i := 0; i < 20; i++ {
		v.Write([]byte("line\r\n"))
	}
	require.Greater(t, v.ScrollbackLen(), 0)
}
