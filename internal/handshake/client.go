package handshake

import (
	"context"
	"crypto/ed25519"

	"github.com/wsh-dev/wsh/internal/protocol"
	"github.com/wsh-dev/wsh/internal/transport"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// ClientConfig carries everything the client side of the handshake needs
// to drive HELLO → SERVER_HELLO/CHALLENGE → AUTH → AUTH_OK. Exactly one
// of (PrivateKey, Password) applies, selected by Method.
type ClientConfig struct {
	Username string
	Features []string
	Method   string // "pubkey" or "password"

	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Password   string
}

// ClientResult is what a successful client handshake yields: the
// negotiated session id, the server's advertised fingerprints (for
// known_hosts style verification upstream), and the reattach token.
type ClientResult struct {
	SessionID    string
	Fingerprints []string
	Token        []byte
	TTL          uint64
}

// DriveClient runs the client side of the handshake over tr and returns
// the negotiated session, or an AuthFailed/InvalidMessage error.
func DriveClient(ctx context.Context, tr transport.Transport, cfg *ClientConfig) (*ClientResult, error) {
	if err := send(ctx, tr, &protocol.Hello{
		Type:       protocol.TypeHello,
		Version:    ProtocolVersion,
		Username:   cfg.Username,
		Features:   cfg.Features,
		AuthMethod: cfg.Method,
	}); err != nil {
		return nil, err
	}

	serverHello, err := recvServerHello(ctx, tr)
	if err != nil {
		return nil, err
	}

	challenge, err := recvChallenge(ctx, tr)
	if err != nil {
		return nil, err
	}

	auth := &protocol.Auth{Type: protocol.TypeAuth, Method: cfg.Method}
	switch cfg.Method {
	case "pubkey":
		transcript := Transcript(serverHello.SessionID, challenge.Nonce)
		auth.PublicKey = cfg.PublicKey
		auth.Signature = ed25519.Sign(cfg.PrivateKey, transcript[:])
	case "password":
		auth.Password = cfg.Password
	default:
		return nil, wsherr.Newf(wsherr.InvalidMessage, "unknown auth method: %s", cfg.Method)
	}
	if err := send(ctx, tr, auth); err != nil {
		return nil, err
	}

	payload, err := tr.RecvControl(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	switch m := msg.(type) {
	case *protocol.AuthOk:
		return &ClientResult{
			SessionID:    m.SessionID,
			Fingerprints: serverHello.Fingerprints,
			Token:        m.Token,
			TTL:          m.TTL,
		}, nil
	case *protocol.AuthFail:
		return nil, wsherr.New(wsherr.AuthFailed, m.Reason)
	default:
		return nil, wsherr.Newf(wsherr.InvalidMessage, "expected AUTH_OK/AUTH_FAIL, got %T", msg)
	}
}

func recvServerHello(ctx context.Context, tr transport.Transport) (*protocol.ServerHello, error) {
	payload, err := tr.RecvControl(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	sh, ok := msg.(*protocol.ServerHello)
	if !ok {
		// The server may refuse before SERVER_HELLO (e.g. rate limited).
		if fail, isFail := msg.(*protocol.AuthFail); isFail {
			return nil, wsherr.New(wsherr.AuthFailed, fail.Reason)
		}
		return nil, wsherr.Newf(wsherr.InvalidMessage, "expected SERVER_HELLO, got %T", msg)
	}
	return sh, nil
}

func recvChallenge(ctx context.Context, tr transport.Transport) (*protocol.Challenge, error) {
	payload, err := tr.RecvControl(ctx)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.Unmarshal(payload)
	if err != nil {
		return nil, err
	}
	ch, ok := msg.(*protocol.Challenge)
	if !ok {
		if fail, isFail := msg.(*protocol.AuthFail); isFail {
			return nil, wsherr.New(wsherr.AuthFailed, fail.Reason)
		}
		return nil, wsherr.Newf(wsherr.InvalidMessage, "expected CHALLENGE, got %T", msg)
	}
	return ch, nil
}
