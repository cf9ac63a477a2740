// Package handshake drives the HELLO → SERVER_HELLO + CHALLENGE → AUTH →
// AUTH_OK/AUTH_FAIL control-stream exchange that turns a freshly accepted
// transport into an authenticated session.
package handshake

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/wsh-dev/wsh/internal/identity"
	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/protocol"
	"github.com/wsh-dev/wsh/internal/token"
	"github.com/wsh-dev/wsh/internal/transport"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// PasswordLookup resolves a claimed username to its stored
// "sha256:<hex>" password entry. ok is false for unknown usernames.
type PasswordLookup func(username string) (stored string, ok bool)

// Config carries everything the server side of the handshake needs,
// independent of transport and session-manager concrete types.
type Config struct {
	ServerSecret   []byte
	SessionTTL     time.Duration
	AllowPubkey    bool
	AllowPassword  bool
	AuthorizedKeys *identity.Index // fingerprint -> username
	Passwords      PasswordLookup
	AuthLimiter    *SlidingWindow // per-remote-IP auth attempts
	Features       []string
	// HostFingerprint is the server host key's fingerprint, sent first in
	// SERVER_HELLO so clients can run their known_hosts check against it.
	HostFingerprint string
}

// Result is what a successful handshake hands back to the caller so it
// can register the new session with the session manager.
type Result struct {
	SessionID   string
	Username    string
	Fingerprint string // empty for password auth
	Token       []byte
	TTL         time.Duration
}

// ServeServer drives the server side of the handshake over tr. remoteAddr
// is used only for the per-IP auth rate limiter.
func ServeServer(ctx context.Context, tr transport.Transport, cfg *Config, remoteAddr string) (*Result, error) {
	hello, err := recvHello(ctx, tr)
	if err != nil {
		return nil, err
	}

	if hello.Version != ProtocolVersion {
		return nil, wsherr.Newf(wsherr.InvalidMessage, "unsupported protocol version: %s", hello.Version)
	}

	if cfg.AuthLimiter != nil && !cfg.AuthLimiter.Allow(remoteAddr) {
		sendAuthFail(ctx, tr, "rate limited")
		return nil, wsherr.New(wsherr.AuthFailed, "rate limited")
	}

	sessionID, err := newSessionID()
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "generate session id", err)
	}

	shortFPs := cfg.AuthorizedKeys.ShortPrefixes()
	fps := make([]string, 0, len(shortFPs)+1)
	if cfg.HostFingerprint != "" {
		fps = append(fps, cfg.HostFingerprint)
	}
	for _, short := range shortFPs {
		fps = append(fps, short)
	}
	if err := send(ctx, tr, &protocol.ServerHello{
		Type:         protocol.TypeServerHello,
		SessionID:    sessionID,
		Features:     cfg.Features,
		Fingerprints: fps,
	}); err != nil {
		return nil, err
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "generate nonce", err)
	}
	if err := send(ctx, tr, &protocol.Challenge{Type: protocol.TypeChallenge, Nonce: nonce}); err != nil {
		return nil, err
	}

	auth, err := recvAuth(ctx, tr)
	if err != nil {
		return nil, err
	}

	username, fingerprint, authErr := authenticate(cfg, sessionID, nonce, hello.Username, auth)
	if authErr != nil {
		sendAuthFail(ctx, tr, authErr.Error())
		return nil, wsherr.Wrap(wsherr.AuthFailed, authErr.Error(), authErr)
	}

	tok := token.Create(cfg.ServerSecret, sessionID, cfg.SessionTTL)
	if err := send(ctx, tr, &protocol.AuthOk{
		Type:      protocol.TypeAuthOk,
		SessionID: sessionID,
		Token:     tok,
		TTL:       uint64(cfg.SessionTTL.Seconds()),
	}); err != nil {
		return nil, err
	}

	logger.Info("handshake succeeded", "session_id", sessionID, "username", username, "fingerprint", fingerprint)
	return &Result{
		SessionID:   sessionID,
		Username:    username,
		Fingerprint: fingerprint,
		Token:       tok,
		TTL:         cfg.SessionTTL,
	}, nil
}

func authenticate(cfg *Config, sessionID string, nonce []byte, claimedUsername string, auth *protocol.Auth) (username, fingerprint string, err error) {
	switch auth.Method {
	case "pubkey":
		if !cfg.AllowPubkey {
			return "", "", fmt.Errorf("pubkey auth disabled")
		}
		return authenticatePubkey(cfg, sessionID, nonce, auth)
	case "password":
		if !cfg.AllowPassword {
			return "", "", fmt.Errorf("password auth disabled")
		}
		return authenticatePassword(cfg, claimedUsername, auth)
	default:
		return "", "", fmt.Errorf("unknown auth method: %s", auth.Method)
	}
}

func authenticatePubkey(cfg *Config, sessionID string, nonce []byte, auth *protocol.Auth) (username, fingerprint string, err error) {
	if len(auth.PublicKey) != ed25519.PublicKeySize {
		return "", "", fmt.Errorf("key not authorized")
	}
	fp := identity.Fingerprint(auth.PublicKey)
	result := cfg.AuthorizedKeys.Resolve(fp)
	if !result.Found || result.Match != fp {
		return "", "", fmt.Errorf("key not authorized")
	}

	transcript := Transcript(sessionID, nonce)
	if !ed25519.Verify(ed25519.PublicKey(auth.PublicKey), transcript[:], auth.Signature) {
		return "", "", fmt.Errorf("invalid signature")
	}

	entries := cfg.AuthorizedKeys.Entries()
	return entries[fp], fp, nil
}

func authenticatePassword(cfg *Config, claimedUsername string, auth *protocol.Auth) (username, fingerprint string, err error) {
	if cfg.Passwords == nil {
		return "", "", fmt.Errorf("password auth not configured")
	}
	stored, ok := cfg.Passwords(claimedUsername)
	if !ok {
		return "", "", fmt.Errorf("unknown username")
	}
	const prefix = "sha256:"
	if len(stored) <= len(prefix) || stored[:len(prefix)] != prefix {
		return "", "", fmt.Errorf("unrecognized password hash format")
	}
	sum := sha256.Sum256([]byte(auth.Password))
	expected := stored[len(prefix):]
	got := hex.EncodeToString(sum[:])
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return "", "", fmt.Errorf("incorrect password")
	}
	return claimedUsername, "", nil
}

func newSessionID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func send(ctx context.Context, tr transport.Transport, msg any) error {
	b, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return tr.SendControl(ctx, b)
}

func sendAuthFail(ctx context.Context, tr transport.Transport, reason string) {
	_ = send(ctx, tr, &protocol.AuthFail{Type: protocol.TypeAuthFail, Reason: reason})
}

func recvHello(ctx context.Context, tr transport.Transport) (*protocol.Hello, error) {
	payload, err := tr.RecvControl(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	hello, ok := msg.(*protocol.Hello)
	if !ok {
		return nil, wsherr.Newf(wsherr.InvalidMessage, "expected HELLO, got %T", msg)
	}
	return hello, nil
}

func recvAuth(ctx context.Context, tr transport.Transport) (*protocol.Auth, error) {
	payload, err := tr.RecvControl(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	auth, ok := msg.(*protocol.Auth)
	if !ok {
		return nil, wsherr.Newf(wsherr.InvalidMessage, "expected AUTH, got %T", msg)
	}
	return auth, nil
}
