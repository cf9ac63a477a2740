// Package transport defines the session abstraction every upper-layer
// component (handshake, channel, gateway) programs against: one framed
// control byte-stream plus an open-ended set of data byte-streams. Two
// concrete carriers satisfy it — native.go (QUIC first-class streams)
// and multiplex.go (a single WebSocket virtualised into many streams) —
// and neither leaks its carrier-specific types above this package.
package transport

import (
	"context"
	"crypto/tls"
	"io"

	"github.com/wsh-dev/wsh/internal/wsherr"
)

// ALPN is the application protocol both ends of the native (QUIC)
// carrier negotiate.
const ALPN = "wsh"

// ClientTLSConfig is the native carrier's dial-side TLS setup.
// Certificate verification is deliberately skipped: host authenticity is
// established by the wsh handshake's fingerprint + known_hosts check,
// not X.509 — the TLS stack only supplies the secure byte streams.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{ALPN},
	}
}

// Stream is a single data byte-stream: ordered, reliable, with partial
// reads allowed and a 0-byte read signaling EOF.
type Stream interface {
	io.Reader
	// WriteAll writes the entirety of p, blocking until accepted by the
	// carrier or an error occurs.
	WriteAll(p []byte) error
	Close() error
	// ID is the stream identifier used to correlate it with a channel
	// alongside the OPEN_OK ordering-based association.
	ID() uint32
}

// Transport is the contract every carrier implementation satisfies.
// send_control/recv_control carry exactly one complete envelope per call;
// framing is the carrier's concern, not the caller's.
type Transport interface {
	SendControl(ctx context.Context, payload []byte) error
	RecvControl(ctx context.Context) ([]byte, error)
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)
	Close() error
	// IsConnected must not block.
	IsConnected() bool
}

// MaxCarrierFrame bounds any single carrier-level frame (control frame or
// multiplexed message): the 1 MiB cap applied uniformly across both
// transport kinds.
const MaxCarrierFrame = 1 << 20

func errClosed() error {
	return wsherr.New(wsherr.Transport, "transport closed")
}

func errFrameTooLarge(n int) error {
	return wsherr.Newf(wsherr.InvalidMessage, "carrier frame of %d bytes exceeds %d byte limit", n, MaxCarrierFrame)
}
