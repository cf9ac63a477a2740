package channel

import (
	"io"
	"sync"

	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/session"
	"github.com/wsh-dev/wsh/internal/transport"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// ExitFunc is invoked once, from the channel's own goroutine, when its
// backing PTY/process exits. The dispatcher supplies this to push an
// EXIT envelope on the owning session's control stream.
type ExitFunc func(channelID uint32, code int32)

// sink is one data stream attached to the channel. The primary sink is
// bound at open; further sinks join on ATTACH, each having already
// received the session's ring-buffer replay. View-mode sinks receive
// output but their reads are never pumped into the PTY.
type sink struct {
	stream transport.Stream
	view   bool
}

// Channel is one logical conversation within a session: a kind, a state
// machine, and — for kinds that carry one — a PTY process and the data
// streams it is bound to.
type Channel struct {
	id    uint32
	kind  string
	state *stateMachine

	pty PTYProvider

	smu   sync.Mutex
	sinks []*sink

	ring     *session.RingBuffer
	recorder *session.Recorder
	journal  *session.Journal
	tee      func([]byte)

	onExit    ExitFunc
	closeOnce sync.Once
}

// NewPTYChannel constructs a channel bound to a live PTY provider and a
// primary data stream. sess supplies the ring buffer, recorder, and
// command journal the output/input pumps tee into; nil disables all
// three (one-shot exec with no owning replay state).
func NewPTYChannel(id uint32, kind string, p PTYProvider, stream transport.Stream, sess *session.Session, onExit ExitFunc) *Channel {
	c := &Channel{
		id:     id,
		kind:   kind,
		state:  newStateMachine(),
		pty:    p,
		onExit: onExit,
	}
	if sess != nil {
		c.ring = sess.Ring
		c.recorder = sess.Recorder
		c.journal = sess.Journal
	}
	if stream != nil {
		c.sinks = append(c.sinks, &sink{stream: stream})
	}
	return c
}

// ID satisfies session.ChannelHandle.
func (c *Channel) ID() uint32 { return c.id }

// Kind returns the channel kind string ("pty", "exec", …).
func (c *Channel) Kind() string { return c.kind }

// State returns the channel's current lifecycle state.
func (c *Channel) State() State { return c.state.Get() }

// SetTee installs an extra output observer (the termsync VTerm feed).
// Must be called before MarkOpen.
func (c *Channel) SetTee(fn func([]byte)) { c.tee = fn }

// MarkOpen transitions Opening → Open on receipt of OPEN_OK and starts
// the bidirectional pump between the PTY and the data streams.
func (c *Channel) MarkOpen() {
	if !c.state.transition(Open) {
		return
	}
	go c.pumpOutput()
	c.smu.Lock()
	for _, s := range c.sinks {
		if !s.view {
			go c.pumpInput(s)
		}
	}
	c.smu.Unlock()
	go c.waitExit()
}

// AttachSink joins an additional data stream to the channel: replay (the
// session ring-buffer snapshot) is written first, then the sink begins
// receiving live output, in order. view sinks are
// write-denied at this boundary — their input is drained and discarded.
func (c *Channel) AttachSink(stream transport.Stream, view bool, replay []byte) error {
	if c.state.Get() == Closed {
		return wsherr.Newf(wsherr.Channel, "channel %d is closed", c.id)
	}
	if len(replay) > 0 {
		if err := stream.WriteAll(replay); err != nil {
			return wsherr.Wrap(wsherr.Transport, "write replay", err)
		}
	}
	s := &sink{stream: stream, view: view}
	c.smu.Lock()
	c.sinks = append(c.sinks, s)
	c.smu.Unlock()
	if c.state.Get() == Open {
		if s.view {
			go c.drainInput(s)
		} else {
			go c.pumpInput(s)
		}
	}
	return nil
}

// DropSinks closes every attached data stream without terminating the
// child, used by SUSPEND_SESSION: the session stays live for reattach.
func (c *Channel) DropSinks() {
	c.smu.Lock()
	sinks := c.sinks
	c.sinks = nil
	c.smu.Unlock()
	for _, s := range sinks {
		_ = s.stream.Close()
	}
}

// pumpOutput copies PTY output to every attached sink, teeing each chunk
// into the session ring buffer and recorder. It runs independently of
// waitExit: the flip to Closed and the EXIT report are not ordered after
// the last output chunk. A sink whose write fails is dropped; the
// channel itself survives as long as the PTY does.
func (c *Channel) pumpOutput() {
	buf := make([]byte, 32*1024)
	for {
		n, err := c.pty.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			if c.ring != nil {
				c.ring.Write(chunk)
			}
			if c.recorder != nil {
				c.recorder.Output(chunk)
			}
			if c.tee != nil {
				c.tee(chunk)
			}
			c.broadcast(chunk)
		}
		if err != nil {
			if err != io.EOF {
				logger.Debug("channel pty read ended", "channel_id", c.id, "error", err)
			}
			return
		}
	}
}

func (c *Channel) broadcast(chunk []byte) {
	c.smu.Lock()
	sinks := make([]*sink, len(c.sinks))
	copy(sinks, c.sinks)
	c.smu.Unlock()

	for _, s := range sinks {
		if err := s.stream.WriteAll(chunk); err != nil {
			logger.Debug("channel sink write failed, dropping sink", "channel_id", c.id, "error", err)
			c.removeSink(s)
		}
	}
}

func (c *Channel) removeSink(target *sink) {
	c.smu.Lock()
	for i, s := range c.sinks {
		if s == target {
			c.sinks = append(c.sinks[:i], c.sinks[i+1:]...)
			break
		}
	}
	c.smu.Unlock()
	_ = target.stream.Close()
}

// pumpInput copies client input from one sink to the PTY, feeding the
// recorder and command journal if enabled.
func (c *Channel) pumpInput(s *sink) {
	buf := make([]byte, 32*1024)
	for {
		n, err := s.stream.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if c.recorder != nil {
				c.recorder.Input(append([]byte(nil), chunk...))
			}
			if c.journal != nil {
				c.journal.Process(chunk)
			}
			if _, werr := c.pty.Write(chunk); werr != nil {
				logger.Debug("channel pty write failed", "channel_id", c.id, "error", werr)
				return
			}
		}
		if err != nil {
			c.removeSink(s)
			return
		}
	}
}

// drainInput discards reads from a view-mode sink so its flow-control
// window never stalls, without ever touching the PTY.
func (c *Channel) drainInput(s *sink) {
	buf := make([]byte, 4*1024)
	for {
		if _, err := s.stream.Read(buf); err != nil {
			c.removeSink(s)
			return
		}
	}
}

// waitExit blocks until the child exits, then moves Open → Closed and
// fires onExit. The code is -1 only when waiting on the child fails; a
// failed PTY read or write ends that pump without terminating the child.
func (c *Channel) waitExit() {
	code, err := c.pty.Wait()
	if err != nil {
		code = -1
	}
	if c.recorder != nil {
		c.recorder.Exit(code)
	}
	c.state.transition(Closed)
	if c.onExit != nil {
		c.onExit(c.id, code)
	}
}

// Resize forwards to the PTY provider. Idempotent for repeated identical
// dimensions (the PTY layer itself is a no-op in that case); degenerate
// sizes below 1x1 are rejected.
func (c *Channel) Resize(cols, rows uint16) error {
	if cols < 1 || rows < 1 {
		return wsherr.New(wsherr.InvalidMessage, "resize below 1x1 rejected")
	}
	if c.pty == nil {
		return wsherr.New(wsherr.Channel, "channel has no resizable backing")
	}
	if c.recorder != nil {
		c.recorder.Resize(cols, rows)
	}
	return c.pty.Resize(cols, rows)
}

// Signal delivers a named signal to the child. Unknown names are
// reported via ok=false so the caller can log a warning and ignore it.
func (c *Channel) Signal(name string) (ok bool, err error) {
	sig, known := signalByName(name)
	if !known {
		return false, nil
	}
	if c.pty == nil {
		return true, wsherr.New(wsherr.Channel, "channel has no signalable backing")
	}
	return true, c.pty.Signal(sig)
}

// Close moves the channel to Closing then Closed, closing both the PTY
// and every data stream. Calling Close twice is a no-op the second time.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.transition(Closing)
		if c.pty != nil {
			if e := c.pty.Close(); e != nil {
				err = e
			}
		}
		c.smu.Lock()
		sinks := c.sinks
		c.sinks = nil
		c.smu.Unlock()
		for _, s := range sinks {
			if e := s.stream.Close(); e != nil && err == nil {
				err = e
			}
		}
		c.state.transition(Closed)
	})
	return err
}
