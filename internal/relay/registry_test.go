package relay

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wsh-dev/wsh/internal/protocol"
)

type fakePeer struct {
	sent []any
}

func (p *fakePeer) SendControl(msg any) error {
	p.sent = append(p.sent, msg)
	return nil
}

const (
	fpA = "aaaa1111bbbb2222cccc3333dddd4444aaaa1111bbbb2222cccc3333dddd4444"
	fpB = "aaab5555bbbb2222cccc3333dddd4444aaaa1111bbbb2222cccc3333dddd4444"
)

func TestRegistryListShortensFingerprints(t *testing.T) {
	r := NewRegistry()
	r.Register(fpA, "alice", []string{"pty"}, &fakePeer{})
	r.Register(fpB, "bob", nil, &fakePeer{})

	peers := r.List()
	require.Len(t, peers, 2)
	for _, p := range peers {
		require.GreaterOrEqual(t, len(p.FingerprintShort), 4)
		// The shared "aaa" prefix forces the short form past 3 chars.
		require.NotEqual(t, peers[0].FingerprintShort, peers[1].FingerprintShort)
	}
}

func TestRegistryResolveByPrefix(t *testing.T) {
	r := NewRegistry()
	r.Register(fpA, "alice", nil, &fakePeer{})
	r.Register(fpB, "bob", nil, &fakePeer{})

	p, err := r.Resolve("aaaa")
	require.NoError(t, err)
	require.Equal(t, "alice", p.username)

	_, err = r.Resolve("aaa")
	require.Error(t, err, "shared prefix is ambiguous")

	_, err = r.Resolve("ffff")
	require.Error(t, err)
}

func TestBrokerForwardsReverseConnect(t *testing.T) {
	r := NewRegistry()
	target := &fakePeer{}
	r.Register(fpA, "alice", nil, target)

	b := NewBroker(r)
	require.NoError(t, b.Connect(fpB, "aaaa"))
	require.Len(t, target.sent, 1)

	msg := target.sent[0].(*protocol.ReverseConnect)
	require.Equal(t, protocol.TypeReverseConnect, msg.Type)
	require.Equal(t, fpB, msg.Fingerprint)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()
	r.Register(fpA, "alice", nil, &fakePeer{})
	r.Unregister(fpA)
	require.Empty(t, r.List())
}
