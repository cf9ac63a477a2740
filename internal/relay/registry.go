// Package relay implements the peer registry and connect broker behind
// the REVERSE_REGISTER/LIST/PEERS/CONNECT control messages, plus the
// GUEST_INVITE/JOIN/REVOKE view-only session shares: a fingerprint-keyed
// peer directory and the broker that proxies connect requests to a
// registered peer's control stream.
package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wsh-dev/wsh/internal/identity"
	"github.com/wsh-dev/wsh/internal/protocol"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// PeerConn is the minimal surface the broker needs to reach a registered
// peer's control stream, kept narrow so this package never depends on
// internal/transport directly.
type PeerConn interface {
	SendControl(msg any) error
}

// peer is one registered relay participant.
type peer struct {
	id           string
	fingerprint  string
	username     string
	capabilities []string
	lastSeen     time.Time
	conn         PeerConn
}

// Registry tracks every peer currently registered with this relay,
// keyed by full fingerprint.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

// NewRegistry returns an empty peer registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]*peer)}
}

// Register adds or replaces the peer bound to fingerprint, returning the
// uuid assigned to this registration.
func (r *Registry) Register(fingerprint, username string, capabilities []string, conn PeerConn) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.NewString()
	r.peers[fingerprint] = &peer{
		id:           id,
		fingerprint:  fingerprint,
		username:     username,
		capabilities: capabilities,
		lastSeen:     time.Now(),
		conn:         conn,
	}
	return id
}

// Unregister removes a peer, e.g. on control-stream disconnect.
func (r *Registry) Unregister(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, fingerprint)
}

// Touch refreshes a peer's last-seen timestamp, e.g. on PING.
func (r *Registry) Touch(fingerprint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[fingerprint]; ok {
		p.lastSeen = time.Now()
	}
}

// List renders every registered peer as the protocol.PeerInfo slice a
// REVERSE_PEERS envelope carries, with fingerprints shortened to the
// shortest prefix unique across the current membership.
func (r *Registry) List() []protocol.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fps := make([]string, 0, len(r.peers))
	for fp := range r.peers {
		fps = append(fps, fp)
	}

	out := make([]protocol.PeerInfo, 0, len(r.peers))
	for fp, p := range r.peers {
		out = append(out, protocol.PeerInfo{
			FingerprintShort: identity.ShortFingerprint(fp, fps),
			Username:         p.username,
			Capabilities:     p.capabilities,
			LastSeenUnix:     p.lastSeen.Unix(),
		})
	}
	return out
}

// Resolve looks up a peer by full fingerprint or unambiguous short
// prefix.
func (r *Registry) Resolve(fingerprintOrPrefix string) (*peer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.peers[fingerprintOrPrefix]; ok {
		return p, nil
	}

	fps := make([]string, 0, len(r.peers))
	for fp := range r.peers {
		fps = append(fps, fp)
	}
	result := identity.ResolvePrefix(fingerprintOrPrefix, fps)
	if !result.Found {
		if len(result.Ambiguous) > 0 {
			return nil, wsherr.Newf(wsherr.UnknownKey, "fingerprint prefix %q is ambiguous among %d peers", fingerprintOrPrefix, len(result.Ambiguous))
		}
		return nil, wsherr.Newf(wsherr.UnknownKey, "no peer matching %q", fingerprintOrPrefix)
	}
	return r.peers[result.Match], nil
}

// Broker proxies REVERSE_CONNECT requests to their target peer.
type Broker struct {
	registry *Registry
}

// NewBroker returns a broker operating over registry.
func NewBroker(registry *Registry) *Broker {
	return &Broker{registry: registry}
}

// Connect resolves target and forwards a REVERSE_CONNECT envelope
// announcing sourceFingerprint, so the target peer's control loop can
// decide whether to dial back.
func (b *Broker) Connect(sourceFingerprint, target string) error {
	p, err := b.registry.Resolve(target)
	if err != nil {
		return err
	}
	return p.conn.SendControl(&protocol.ReverseConnect{
		Type:        protocol.TypeReverseConnect,
		Fingerprint: sourceFingerprint,
	})
}
