package handshake

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wsh-dev/wsh/internal/identity"
	"github.com/wsh-dev/wsh/internal/protocol"
	"github.com/wsh-dev/wsh/internal/token"
	"github.com/wsh-dev/wsh/internal/transport"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// memTransport is an in-memory control-stream pair for driving the
// handshake without a real carrier. Data streams are unsupported.
type memTransport struct {
	in  chan []byte
	out chan []byte
}

func memPair() (*memTransport, *memTransport) {
	a2b := make(chan []byte, 16)
	b2a := make(chan []byte, 16)
	return &memTransport{in: b2a, out: a2b}, &memTransport{in: a2b, out: b2a}
}

func (t *memTransport) SendControl(ctx context.Context, payload []byte) error {
	t.out <- append([]byte(nil), payload...)
	return nil
}

func (t *memTransport) RecvControl(ctx context.Context) ([]byte, error) {
	select {
	case p := <-t.in:
		return p, nil
	case <-ctx.Done():
		return nil, wsherr.Wrap(wsherr.Transport, "recv", ctx.Err())
	}
}

func (t *memTransport) OpenStream(ctx context.Context) (transport.Stream, error) {
	return nil, wsherr.New(wsherr.Transport, "no data streams")
}

func (t *memTransport) AcceptStream(ctx context.Context) (transport.Stream, error) {
	return nil, wsherr.New(wsherr.Transport, "no data streams")
}

func (t *memTransport) Close() error      { return nil }
func (t *memTransport) IsConnected() bool { return true }

func serverConfig(t *testing.T, pub ed25519.PublicKey) (*Config, []byte) {
	t.Helper()
	secret, err := token.GenerateSecret()
	require.NoError(t, err)

	idx := identity.NewIndex()
	if pub != nil {
		idx.Insert(identity.Fingerprint(pub), "alice")
	}
	return &Config{
		ServerSecret:   secret,
		SessionTTL:     time.Hour,
		AllowPubkey:    true,
		AllowPassword:  true,
		AuthorizedKeys: idx,
		Passwords: func(username string) (string, bool) {
			if username != "bob" {
				return "", false
			}
			sum := sha256.Sum256([]byte("hunter2"))
			return "sha256:" + hex.EncodeToString(sum[:]), true
		},
	}, secret
}

func runServer(cfg *Config, tr transport.Transport) chan error {
	errCh := make(chan error, 1)
	go func() {
		_, err := ServeServer(context.Background(), tr, cfg, "203.0.113.7")
		errCh <- err
	}()
	return errCh
}

func TestPubkeyHandshakeIssuesValidToken(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg, secret := serverConfig(t, pub)

	serverTr, clientTr := memPair()
	errCh := runServer(cfg, serverTr)

	result, err := DriveClient(context.Background(), clientTr, &ClientConfig{
		Username:   "alice",
		Method:     "pubkey",
		PrivateKey: priv,
		PublicKey:  pub,
	})
	require.NoError(t, err)
	require.NoError(t, <-errCh)

	require.Len(t, result.SessionID, 32)
	require.Len(t, result.Token, token.Size)
	require.NoError(t, token.Verify(secret, result.SessionID, result.Token))

	// First 8 bytes are the big-endian expiry, ≈ now + ttl.
	expiry := int64(binary.BigEndian.Uint64(result.Token[:8]))
	want := time.Now().Add(time.Hour).Unix()
	require.InDelta(t, want, expiry, 5)
}

func TestBadSignatureRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg, _ := serverConfig(t, pub)

	serverTr, clientTr := memPair()
	errCh := runServer(cfg, serverTr)

	ctx := context.Background()
	send := func(msg any) {
		b, merr := protocol.Marshal(msg)
		require.NoError(t, merr)
		require.NoError(t, clientTr.SendControl(ctx, b))
	}
	recv := func() any {
		p, rerr := clientTr.RecvControl(ctx)
		require.NoError(t, rerr)
		msg, uerr := protocol.Unmarshal(p)
		require.NoError(t, uerr)
		return msg
	}

	send(&protocol.Hello{Type: protocol.TypeHello, Version: ProtocolVersion, Username: "alice"})
	sh := recv().(*protocol.ServerHello)
	ch := recv().(*protocol.Challenge)

	transcript := Transcript(sh.SessionID, ch.Nonce)
	sig := ed25519.Sign(priv, transcript[:])
	sig[0] ^= 0x01 // one flipped bit invalidates the whole signature
	send(&protocol.Auth{Type: protocol.TypeAuth, Method: "pubkey", PublicKey: pub, Signature: sig})

	fail := recv().(*protocol.AuthFail)
	require.Contains(t, fail.Reason, "signature")
	require.True(t, wsherr.Is(<-errCh, wsherr.AuthFailed))
}

func TestUnknownKeyRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg, _ := serverConfig(t, nil) // empty authorized set

	serverTr, clientTr := memPair()
	errCh := runServer(cfg, serverTr)

	_, err = DriveClient(context.Background(), clientTr, &ClientConfig{
		Username: "alice", Method: "pubkey", PrivateKey: priv, PublicKey: pub,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "key not authorized")
	require.True(t, wsherr.Is(<-errCh, wsherr.AuthFailed))
}

func TestUnsupportedVersionRejected(t *testing.T) {
	cfg, _ := serverConfig(t, nil)
	serverTr, clientTr := memPair()
	errCh := runServer(cfg, serverTr)

	b, err := protocol.Marshal(&protocol.Hello{Type: protocol.TypeHello, Version: "wsh-v9", Username: "x"})
	require.NoError(t, err)
	require.NoError(t, clientTr.SendControl(context.Background(), b))

	serr := <-errCh
	require.True(t, wsherr.Is(serr, wsherr.InvalidMessage))
	require.Contains(t, serr.Error(), "unsupported protocol version")
}

func TestPasswordHandshake(t *testing.T) {
	cfg, _ := serverConfig(t, nil)
	serverTr, clientTr := memPair()
	errCh := runServer(cfg, serverTr)

	result, err := DriveClient(context.Background(), clientTr, &ClientConfig{
		Username: "bob", Method: "password", Password: "hunter2",
	})
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	require.Len(t, result.Token, token.Size)
}

func TestWrongPasswordRejected(t *testing.T) {
	cfg, _ := serverConfig(t, nil)
	serverTr, clientTr := memPair()
	errCh := runServer(cfg, serverTr)

	_, err := DriveClient(context.Background(), clientTr, &ClientConfig{
		Username: "bob", Method: "password", Password: "letmein",
	})
	require.Error(t, err)
	require.True(t, wsherr.Is(<-errCh, wsherr.AuthFailed))
}

func TestDisabledMethodRejected(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg, _ := serverConfig(t, pub)
	cfg.AllowPubkey = false

	serverTr, clientTr := memPair()
	errCh := runServer(cfg, serverTr)

	_, err = DriveClient(context.Background(), clientTr, &ClientConfig{
		Username: "alice", Method: "pubkey", PrivateKey: priv, PublicKey: pub,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "pubkey auth disabled")
	require.True(t, wsherr.Is(<-errCh, wsherr.AuthFailed))
}

func TestRateLimitRefusesBeforeCrypto(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cfg, _ := serverConfig(t, pub)
	cfg.AuthLimiter = NewSlidingWindow(1, time.Minute)

	// First attempt consumes the budget.
	require.True(t, cfg.AuthLimiter.Allow("203.0.113.7"))

	serverTr, clientTr := memPair()
	errCh := runServer(cfg, serverTr)

	_, err = DriveClient(context.Background(), clientTr, &ClientConfig{
		Username: "alice", Method: "pubkey", PrivateKey: priv, PublicKey: pub,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limited")
	require.True(t, wsherr.Is(<-errCh, wsherr.AuthFailed))
}

func TestTranscriptKnownAnswer(t *testing.T) {
	sessionID := "00112233445566778899aabbccddeeff"
	nonce := make([]byte, 32)
	for i := range nonce {
		nonce[i] = byte(i)
	}

	// Independent computation of SHA-256("wsh-v1" || 0x00 || id || nonce).
	h := sha256.New()
	h.Write([]byte("wsh-v1"))
	h.Write([]byte{0})
	h.Write([]byte(sessionID))
	h.Write(nonce)
	var want [32]byte
	copy(want[:], h.Sum(nil))

	require.Equal(t, want, Transcript(sessionID, nonce))
}

func TestSlidingWindow(t *testing.T) {
	w := NewSlidingWindow(3, 50*time.Millisecond)
	for i := 0; i < 3; i++ {
		require.True(t, w.Allow("k"))
	}
	require.False(t, w.Allow("k"))
	require.True(t, w.Allow("other"), "limits are per key")

	time.Sleep(60 * time.Millisecond)
	require.True(t, w.Allow("k"), "window should slide")
}
