package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/xtaci/smux"

	"github.com/wsh-dev/wsh/internal/codec"
	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// smuxConfig caps each multiplexed frame at 65535 bytes, the largest
// MaxFrameSize smux accepts and well under the 1 MiB carrier limit.
// Carrier-level pings are answered automatically and never
// surfaced to upper layers: smux's own keepalive already round-trips
// without involving the caller.
func smuxConfig() *smux.Config {
	cfg := smux.DefaultConfig()
	cfg.MaxFrameSize = 65535
	cfg.MaxReceiveBuffer = 4 * MaxCarrierFrame
	return cfg
}

// Multiplex virtualises one WebSocket connection into a control stream
// plus an open-ended set of data streams, using xtaci/smux as the
// stream-multiplexing registry: the first smux stream opened by the
// client is the control stream (codec-framed), every subsequent stream
// is a data stream (raw bytes). smux supplies the per-stream registry,
// open/accept semantics, and transparent keepalive-ping handling.
type Multiplex struct {
	sess    *smux.Session
	control *smux.Stream
	dec     *codec.Decoder
	pending [][]byte
	wmu     sync.Mutex
	rmu     sync.Mutex
	closed  atomic.Bool
}

// DialMultiplex opens a WebSocket to url and establishes the control
// stream as an smux client.
func DialMultiplex(ctx context.Context, url string) (*Multiplex, error) {
	wsConn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Transport, "websocket dial", err)
	}
	return newMultiplexClient(websocket.NetConn(ctx, wsConn, websocket.MessageBinary))
}

// AcceptMultiplex wraps an already-accepted WebSocket connection on the
// server side and waits for the client's control stream.
func AcceptMultiplex(ctx context.Context, wsConn *websocket.Conn) (*Multiplex, error) {
	return newMultiplexServer(websocket.NetConn(ctx, wsConn, websocket.MessageBinary))
}

// newMultiplexClient and newMultiplexServer operate on any net.Conn, not
// just a WebSocket-backed one, so tests can exercise the smux framing over
// net.Pipe without a real socket.
func newMultiplexClient(conn net.Conn) (*Multiplex, error) {
	sess, err := smux.Client(conn, smuxConfig())
	if err != nil {
		conn.Close()
		return nil, wsherr.Wrap(wsherr.Transport, "smux client handshake", err)
	}
	control, err := sess.OpenStream()
	if err != nil {
		sess.Close()
		return nil, wsherr.Wrap(wsherr.Transport, "open control stream", err)
	}
	return &Multiplex{sess: sess, control: control, dec: codec.NewDecoder()}, nil
}

func newMultiplexServer(conn net.Conn) (*Multiplex, error) {
	sess, err := smux.Server(conn, smuxConfig())
	if err != nil {
		conn.Close()
		return nil, wsherr.Wrap(wsherr.Transport, "smux server handshake", err)
	}
	control, err := sess.AcceptStream()
	if err != nil {
		sess.Close()
		return nil, wsherr.Wrap(wsherr.Transport, "accept control stream", err)
	}
	return &Multiplex{sess: sess, control: control, dec: codec.NewDecoder()}, nil
}

func (m *Multiplex) SendControl(ctx context.Context, payload []byte) error {
	frame, err := codec.FrameBytes(payload)
	if err != nil {
		return err
	}
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if _, err := m.control.Write(frame); err != nil {
		return wsherr.Wrap(wsherr.Transport, "write control stream", err)
	}
	return nil
}

func (m *Multiplex) RecvControl(ctx context.Context) ([]byte, error) {
	m.rmu.Lock()
	defer m.rmu.Unlock()

	if len(m.pending) > 0 {
		f := m.pending[0]
		m.pending = m.pending[1:]
		return f, nil
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := m.control.Read(buf)
		if n > 0 {
			frames, ferr := m.dec.Feed(buf[:n])
			if ferr != nil {
				return nil, ferr
			}
			if len(frames) > 0 {
				m.pending = append(m.pending, frames...)
				f := m.pending[0]
				m.pending = m.pending[1:]
				return f, nil
			}
		}
		if err != nil {
			return nil, wsherr.Wrap(wsherr.Transport, "read control stream", err)
		}
	}
}

func (m *Multiplex) OpenStream(ctx context.Context) (Stream, error) {
	s, err := m.sess.OpenStream()
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Transport, "open data stream", err)
	}
	return &muxStream{smux: s}, nil
}

func (m *Multiplex) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := m.sess.AcceptStream()
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Transport, "accept data stream", err)
	}
	return &muxStream{smux: s}, nil
}

func (m *Multiplex) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	logger.Debug("multiplex transport closing")
	return m.sess.Close()
}

func (m *Multiplex) IsConnected() bool {
	return !m.closed.Load() && !m.sess.IsClosed()
}

type muxStream struct {
	smux *smux.Stream
}

func (s *muxStream) Read(p []byte) (int, error) { return s.smux.Read(p) }

func (s *muxStream) WriteAll(p []byte) error {
	for len(p) > 0 {
		n, err := s.smux.Write(p)
		if err != nil {
			return wsherr.Wrap(wsherr.Transport, "write data stream", err)
		}
		p = p[n:]
	}
	return nil
}

func (s *muxStream) Close() error { return s.smux.Close() }
func (s *muxStream) ID() uint32   { return uint32(s.smux.ID()) }
