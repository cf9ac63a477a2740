package server

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"

	"github.com/wsh-dev/wsh/internal/protocol"
	"github.com/wsh-dev/wsh/internal/transport"
)

// streamHandle satisfies session.ChannelHandle for channel kinds backed
// by a plain resource (file, socket, meta) rather than a PTY.
type streamHandle struct {
	id     uint32
	closer func() error
}

func (h *streamHandle) ID() uint32 { return h.id }
func (h *streamHandle) Close() error {
	if h.closer == nil {
		return nil
	}
	return h.closer()
}

// openFile serves the `file` channel kind: Command is the host path and
// env["mode"] selects direction — "recv" streams client bytes into the
// file, anything else streams the file to the client. The transfer task
// outlives the dispatcher call and reports completion via EXIT.
func (c *conn) openFile(ctx context.Context, req *protocol.Open) {
	if req.Command == "" {
		_ = c.send(&protocol.OpenFail{Type: protocol.TypeOpenFail, Reason: "file channel requires a path"})
		return
	}
	recv := req.Env["mode"] == "recv"

	var f *os.File
	var err error
	if recv {
		f, err = os.OpenFile(req.Command, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	} else {
		f, err = os.Open(req.Command)
	}
	if err != nil {
		_ = c.send(&protocol.OpenFail{Type: protocol.TypeOpenFail, Reason: "resource unavailable: " + err.Error()})
		return
	}

	sess := c.session()
	chID := sess.NextChannelID()
	_ = c.send(&protocol.OpenOk{Type: protocol.TypeOpenOk, ChannelID: chID})

	stream, err := c.acceptStream(ctx)
	if err != nil {
		c.log.Warn("no data stream after file OPEN_OK", "channel_id", chID, "error", err)
		_ = f.Close()
		return
	}

	h := &streamHandle{id: chID, closer: func() error {
		_ = stream.Close()
		return f.Close()
	}}
	if err := sess.AddChannel(chID, h); err != nil {
		_ = h.Close()
		return
	}

	go func() {
		code := int32(0)
		if recv {
			if _, err := io.Copy(f, stream); err != nil {
				code = -1
			}
		} else {
			if err := copyToStream(stream, f); err != nil {
				code = -1
			}
		}
		sess.RemoveChannel(chID)
		_ = h.Close()
		_ = c.send(&protocol.Exit{Type: protocol.TypeExit, ChannelID: chID, Code: code})
	}()
}

// openSocket serves the `tcp` and `udp` channel kinds: Command is
// "host:port", checked against the gateway policy, with the socket
// bridged directly onto the channel's data stream (unlike OPEN_TCP,
// whose bytes ride the control stream as GATEWAY_DATA).
func (c *conn) openSocket(ctx context.Context, req *protocol.Open) {
	host, portStr, err := net.SplitHostPort(req.Command)
	if err != nil {
		_ = c.send(&protocol.OpenFail{Type: protocol.TypeOpenFail, Reason: "socket channel requires host:port"})
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		_ = c.send(&protocol.OpenFail{Type: protocol.TypeOpenFail, Reason: "invalid port"})
		return
	}
	if !c.gwPolicy.Allows(host, uint16(port)) {
		_ = c.send(&protocol.OpenFail{Type: protocol.TypeOpenFail, Reason: "policy denied: " + req.Command})
		return
	}
	guard, ok := c.gwPolicy.Acquire()
	if !ok {
		_ = c.send(&protocol.OpenFail{Type: protocol.TypeOpenFail, Reason: "quota exceeded"})
		return
	}

	nc, err := net.Dial(req.Kind, req.Command)
	if err != nil {
		guard.Release()
		_ = c.send(&protocol.OpenFail{Type: protocol.TypeOpenFail, Reason: "resource unavailable: " + err.Error()})
		return
	}

	sess := c.session()
	chID := sess.NextChannelID()
	_ = c.send(&protocol.OpenOk{Type: protocol.TypeOpenOk, ChannelID: chID})

	stream, err := c.acceptStream(ctx)
	if err != nil {
		c.log.Warn("no data stream after socket OPEN_OK", "channel_id", chID, "error", err)
		guard.Release()
		_ = nc.Close()
		return
	}

	h := &streamHandle{id: chID, closer: func() error {
		_ = stream.Close()
		return nc.Close()
	}}
	if err := sess.AddChannel(chID, h); err != nil {
		guard.Release()
		_ = h.Close()
		return
	}

	done := make(chan struct{}, 2)
	go func() {
		_ = copyToStream(stream, nc)
		done <- struct{}{}
	}()
	go func() {
		_, _ = io.Copy(nc, stream)
		done <- struct{}{}
	}()
	go func() {
		<-done
		sess.RemoveChannel(chID)
		_ = h.Close()
		guard.Release()
		_ = c.send(&protocol.Exit{Type: protocol.TypeExit, ChannelID: chID, Code: 0})
	}()
}

// openMeta serves the `meta` channel kind: a raw side-channel held open
// until either end closes it; the server echoes nothing and moves no
// process — clients use it for application metadata framing of their
// own.
func (c *conn) openMeta(ctx context.Context) {
	sess := c.session()
	chID := sess.NextChannelID()
	_ = c.send(&protocol.OpenOk{Type: protocol.TypeOpenOk, ChannelID: chID})

	stream, err := c.acceptStream(ctx)
	if err != nil {
		c.log.Warn("no data stream after meta OPEN_OK", "channel_id", chID, "error", err)
		return
	}
	h := &streamHandle{id: chID, closer: stream.Close}
	if err := sess.AddChannel(chID, h); err != nil {
		_ = h.Close()
		return
	}
	go func() {
		buf := make([]byte, 4*1024)
		for {
			if _, err := stream.Read(buf); err != nil {
				break
			}
		}
		sess.RemoveChannel(chID)
		_ = h.Close()
	}()
}

// copyToStream pipes an io.Reader into a stream's WriteAll contract.
func copyToStream(dst transport.Stream, src io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if werr := dst.WriteAll(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
