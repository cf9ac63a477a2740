package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWaitWithinBudgetIsImmediate(t *testing.T) {
	m := NewMeter(1<<20, 1<<20)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, m.Wait(ctx, "gw-1", 1024))
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestWaitChunksOversizedWrites(t *testing.T) {
	m := NewMeter(1<<20, 4096)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// A single write larger than the burst must not error.
	require.NoError(t, m.Wait(ctx, "gw-1", 10_000))
}

func TestSetLimitAppliesToExistingBuckets(t *testing.T) {
	m := NewMeter(100, 100)
	_ = m.limiterFor("gw-1")
	m.SetLimit(1 << 20)
	limit, _ := m.CurrentRate("gw-1")
	require.EqualValues(t, 1<<20, limit)
}

func TestPerKeyIsolation(t *testing.T) {
	m := NewMeter(1<<20, 1<<20)
	ctx := context.Background()
	require.NoError(t, m.Wait(ctx, "a", 1<<20))
	// Key b has its own full bucket.
	start := time.Now()
	require.NoError(t, m.Wait(ctx, "b", 1024))
	require.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestRemove(t *testing.T) {
	m := NewMeter(100, 100)
	_ = m.limiterFor("gone")
	m.Remove("gone")
	m.mu.Lock()
	_, ok := m.limiters["gone"]
	m.mu.Unlock()
	require.False(t, ok)
}
