// Package gateway implements the server-side TCP/UDP forwarder and
// reverse-listener broker: policy-filtered outbound connections, a DNS
// resolver helper, and inbound tunnels that forward newly accepted
// connections back to the client.
package gateway

import (
	"strconv"
	"sync/atomic"
)

// Policy is the gateway admission policy: a destination allowlist, a
// connection budget, and a reverse-tunnel toggle, backed by one shared
// atomic counter every outbound connection and reverse listener draws
// from.
type Policy struct {
	AllowedDestinations  []string
	MaxConnections       int
	EnableReverseTunnels bool

	active atomic.Int64
}

// NewPolicy returns a policy with the given destination allowlist,
// connection budget, and reverse-tunnel toggle.
func NewPolicy(allowed []string, maxConnections int, enableReverseTunnels bool) *Policy {
	return &Policy{
		AllowedDestinations:  allowed,
		MaxConnections:       maxConnections,
		EnableReverseTunnels: enableReverseTunnels,
	}
}

// Allows reports whether host:port matches the policy's allowlist.
// "*" permits everything, "host" permits any port on that host, and
// "host:port" requires an exact match. An empty list denies everything.
func (p *Policy) Allows(host string, port uint16) bool {
	dest := host + ":" + strconv.Itoa(int(port))
	for _, d := range p.AllowedDestinations {
		switch d {
		case "*", host, dest:
			return true
		}
	}
	return false
}

// ActiveConnections returns the current value of the shared connection
// counter. Relaxed ordering: callers use this for admission/metrics only,
// never as a basis for a correctness decision.
func (p *Policy) ActiveConnections() int64 {
	return p.active.Load()
}

// ConnectionGuard pins one unit of the connection budget: acquiring it
// increments the shared counter, and Release — the sole mechanism for
// decrementing — does so exactly once regardless of how many times it
// is called.
type ConnectionGuard struct {
	counter  *atomic.Int64
	released atomic.Bool
}

// Acquire admits one more connection if the policy's budget allows it,
// returning a guard the caller must Release when the connection ends.
// MaxConnections <= 0 means unbounded.
func (p *Policy) Acquire() (*ConnectionGuard, bool) {
	if p.MaxConnections > 0 && p.active.Load() >= int64(p.MaxConnections) {
		return nil, false
	}
	p.active.Add(1)
	return &ConnectionGuard{counter: &p.active}, true
}

// Release decrements the policy's connection counter. Idempotent: only
// the first call has any effect, so a guard threaded through multiple
// defer/error paths can never double-decrement.
func (g *ConnectionGuard) Release() {
	if g.released.CompareAndSwap(false, true) {
		g.counter.Add(-1)
	}
}
