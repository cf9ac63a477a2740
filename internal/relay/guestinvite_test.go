package relay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGuestTokenRoundTrip(t *testing.T) {
	key, err := GenerateGuestKey()
	require.NoError(t, err)

	tok, err := IssueGuestToken(key, "deadbeefdeadbeefdeadbeefdeadbeef", time.Minute)
	require.NoError(t, err)

	claims, err := ValidateGuestToken(&key.PublicKey, tok)
	require.NoError(t, err)
	require.Equal(t, "deadbeefdeadbeefdeadbeefdeadbeef", claims.SessionID)
	require.Equal(t, "view", claims.Mode)
}

func TestGuestTokenExpired(t *testing.T) {
	key, err := GenerateGuestKey()
	require.NoError(t, err)

	tok, err := IssueGuestToken(key, "deadbeefdeadbeefdeadbeefdeadbeef", -time.Second)
	require.NoError(t, err)

	_, err = ValidateGuestToken(&key.PublicKey, tok)
	require.Error(t, err)
}

func TestRegistryResolveShortPrefix(t *testing.T) {
	reg := NewRegistry()
	reg.Register(fpA, "alice", nil, nil)
	reg.Register(fpB, "bob", nil, nil)

	p, err := reg.Resolve("aaaa")
	require.NoError(t, err)
	require.Equal(t, "alice", p.username)
}
