package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyAllows(t *testing.T) {
	p := NewPolicy([]string{"example.com:443", "internal.local"}, 10, false)

	assert.True(t, p.Allows("example.com", 443))
	assert.False(t, p.Allows("example.com", 8080))
	assert.True(t, p.Allows("internal.local", 22))
	assert.False(t, p.Allows("evil.com", 443))
}

func TestPolicyAllowsWildcard(t *testing.T) {
	p := NewPolicy([]string{"*"}, 10, false)
	assert.True(t, p.Allows("anything.example", 12345))
}

func TestPolicyDeniesEmptyList(t *testing.T) {
	p := NewPolicy(nil, 10, false)
	assert.False(t, p.Allows("example.com", 443))
}

// TestConnectionGuardBounds: for any
// sequence of acquires/drops, active connections stays between 0 and the
// peak number of simultaneously held guards.
func TestConnectionGuardBounds(t *testing.T) {
	p := NewPolicy([]string{"*"}, 2, false)

	g1, ok := p.Acquire()
	require.True(t, ok)
	g2, ok := p.Acquire()
	require.True(t, ok)

	_, ok = p.Acquire()
	assert.False(t, ok, "third acquire should be refused at MaxConnections=2")
	assert.Equal(t, int64(2), p.ActiveConnections())

	g1.Release()
	assert.Equal(t, int64(1), p.ActiveConnections())

	g1.Release() // idempotent
	assert.Equal(t, int64(1), p.ActiveConnections())

	g3, ok := p.Acquire()
	require.True(t, ok)
	assert.Equal(t, int64(2), p.ActiveConnections())

	g2.Release()
	g3.Release()
	assert.Equal(t, int64(0), p.ActiveConnections())
}
