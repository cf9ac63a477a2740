// Package ratelimit meters per-gateway-connection and per-PTY-channel
// bandwidth for the RATE_CONTROL/RATE_WARNING surface. Distinct from
// internal/handshake's SlidingWindow attempt counter: that one throttles
// discrete auth/attach attempts, this one throttles bytes.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Meter hands out one token-bucket limiter per connection key (a gateway
// id or channel id, stringified by the caller) and reports usage so a
// RATE_WARNING can be raised when a connection is throttled.
type Meter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	bps      rate.Limit
	burst    int
}

// NewMeter returns a meter enforcing limitBps sustained bytes/sec with the
// given burst size in bytes, shared across every key it is asked about.
func NewMeter(limitBps int, burst int) *Meter {
	return &Meter{
		limiters: make(map[string]*rate.Limiter),
		bps:      rate.Limit(limitBps),
		burst:    burst,
	}
}

// Wait blocks until key's bucket admits n bytes, chunking requests larger
// than the burst size so WaitN never rejects a single oversized write.
func (m *Meter) Wait(ctx context.Context, key string, n int) error {
	lim := m.limiterFor(key)
	for n > 0 {
		chunk := n
		if chunk > m.burst {
			chunk = m.burst
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// CurrentRate reports key's configured sustained rate in bytes/sec and its
// current token count, the values a RATE_WARNING envelope surfaces to
// the client when a gateway or channel is hitting its ceiling.
func (m *Meter) CurrentRate(key string) (limitBps uint64, tokensAvailable float64) {
	lim := m.limiterFor(key)
	return uint64(m.bps), lim.Tokens()
}

// SetLimit updates the sustained rate applied to every key's bucket going
// forward, in response to a RATE_CONTROL envelope.
func (m *Meter) SetLimit(limitBps int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bps = rate.Limit(limitBps)
	for _, lim := range m.limiters {
		lim.SetLimit(m.bps)
	}
}

func (m *Meter) limiterFor(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[key]
	if !ok {
		lim = rate.NewLimiter(m.bps, m.burst)
		m.limiters[key] = lim
	}
	return lim
}

// Remove releases the limiter for key, e.g. when its gateway connection or
// channel closes.
func (m *Meter) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limiters, key)
}
