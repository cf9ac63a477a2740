package transport

import (
	"context"
	"crypto/tls"
	"sync"
	"sync/atomic"

	"github.com/quic-go/quic-go"

	"github.com/wsh-dev/wsh/internal/codec"
	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// QUICConfig is the shared transport parameters both dial and listen use.
func QUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  0, // liveness is handled by the handshake's PING/PONG, not QUIC keepalive
		EnableDatagrams: false,
	}
}

// Native wraps a single QUIC connection: the first bidirectional stream
// opened becomes the control stream, every later stream is a data stream.
// Control framing uses the codec package's length prefix over the raw
// stream bytes; data streams carry raw bytes.
type Native struct {
	conn    quic.Connection
	control quic.Stream
	dec     *codec.Decoder
	pending [][]byte // frames decoded but not yet delivered to RecvControl
	mu      sync.Mutex // serializes writes to the control stream
	rmu     sync.Mutex // serializes reads of the control stream

	nextStreamID atomic.Uint32
	closed       atomic.Bool
}

// DialNative opens a QUIC connection to addr and establishes the control
// stream (client side: OpenStreamSync).
func DialNative(ctx context.Context, addr string, tlsConf *tls.Config) (*Native, error) {
	conn, err := quic.DialAddr(ctx, addr, tlsConf, QUICConfig())
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Transport, "quic dial", err)
	}
	control, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "control stream open failed")
		return nil, wsherr.Wrap(wsherr.Transport, "open control stream", err)
	}
	return &Native{conn: conn, control: control, dec: codec.NewDecoder()}, nil
}

// AcceptNative wraps an already-accepted QUIC connection on the server
// side and waits for the client's control stream (server side:
// AcceptStream, which is always the first stream by protocol convention).
func AcceptNative(ctx context.Context, conn quic.Connection) (*Native, error) {
	control, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Transport, "accept control stream", err)
	}
	return &Native{conn: conn, control: control, dec: codec.NewDecoder()}, nil
}

func (n *Native) SendControl(ctx context.Context, payload []byte) error {
	frame, err := codec.FrameBytes(payload)
	if err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, err := n.control.Write(frame); err != nil {
		return wsherr.Wrap(wsherr.Transport, "write control stream", err)
	}
	return nil
}

// RecvControl returns the next complete envelope payload, blocking on the
// underlying stream read as needed. Only one caller may read at a time.
func (n *Native) RecvControl(ctx context.Context) ([]byte, error) {
	n.rmu.Lock()
	defer n.rmu.Unlock()

	if len(n.pending) > 0 {
		f := n.pending[0]
		n.pending = n.pending[1:]
		return f, nil
	}

	buf := make([]byte, 32*1024)
	for {
		nRead, err := n.control.Read(buf)
		if nRead > 0 {
			frames, ferr := n.dec.Feed(buf[:nRead])
			if ferr != nil {
				return nil, ferr
			}
			if len(frames) > 0 {
				n.pending = append(n.pending, frames...)
				f := n.pending[0]
				n.pending = n.pending[1:]
				return f, nil
			}
		}
		if err != nil {
			return nil, wsherr.Wrap(wsherr.Transport, "read control stream", err)
		}
	}
}

func (n *Native) OpenStream(ctx context.Context) (Stream, error) {
	s, err := n.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Transport, "open data stream", err)
	}
	id := n.nextStreamID.Add(1)
	return &nativeStream{quic: s, id: id}, nil
}

func (n *Native) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := n.conn.AcceptStream(ctx)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Transport, "accept data stream", err)
	}
	id := n.nextStreamID.Add(1)
	return &nativeStream{quic: s, id: id}, nil
}

func (n *Native) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	logger.Debug("native transport closing")
	return n.conn.CloseWithError(0, "closed")
}

func (n *Native) IsConnected() bool {
	return !n.closed.Load()
}

type nativeStream struct {
	quic quic.Stream
	id   uint32
}

func (s *nativeStream) Read(p []byte) (int, error) { return s.quic.Read(p) }

func (s *nativeStream) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := s.quic.Write(p)
		if err != nil {
			return wsherr.Wrap(wsherr.Transport, "write data stream", err)
		}
		p = p[n:]
	}
	return nil
}

func (s *nativeStream) Close() error { return s.quic.Close() }
func (s *nativeStream) ID() uint32   { return s.id }
