// Package client implements the wsh client session: transport dialing,
// the authentication handshake, and the control-envelope dispatcher with
// its request/response waiter registry — each request registers a
// one-shot waiter keyed by expected reply type, the dispatcher pops on
// match, a timeout drops the waiter.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/wsh-dev/wsh/internal/handshake"
	"github.com/wsh-dev/wsh/internal/keystore"
	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/protocol"
	"github.com/wsh-dev/wsh/internal/transport"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// DefaultRequestTimeout bounds every request/response exchange on the
// control stream.
const DefaultRequestTimeout = 30 * time.Second

// DefaultPingInterval is the client-initiated liveness cadence; 0
// disables pings.
const DefaultPingInterval = 30 * time.Second

// Options parameterizes Dial.
type Options struct {
	Host      string
	Port      int
	Transport string // "auto", "ws", or "wt"

	Username string
	Key      *keystore.KeyPair // pubkey auth when non-nil
	Password string            // password auth otherwise

	PingInterval time.Duration // 0 means DefaultPingInterval; negative disables
}

// Client is one authenticated connection to a wshd.
type Client struct {
	tr transport.Transport

	SessionID       string
	Token           []byte
	TTL             uint64
	HostFingerprint string

	wmu     sync.Mutex
	waiters map[protocol.Type][]*waiter

	cmu      sync.Mutex
	channels map[uint32]*RemoteChannel

	// Event callbacks, set before Run. All optional.
	OnGatewayData   func(gatewayID uint32, data []byte)
	OnGatewayClose  func(gatewayID uint32)
	OnInboundOpen   func(*protocol.InboundOpen)
	OnReverseConnect func(sourceFingerprint string)
	OnClipboard     func(data []byte)
	OnShutdown      func(reason string)

	pingInterval time.Duration
	nextPingID   uint64

	closed    chan struct{}
	closeOnce sync.Once
}

type waiter struct {
	ch    chan any
	types []protocol.Type
}

// Dial connects, runs the handshake, and starts the dispatcher. The
// transport preference "auto" tries the native QUIC carrier first and
// falls back to the WebSocket multiplex, mirroring the priority order of
// the server's listeners.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	tr, err := dialTransport(ctx, opts)
	if err != nil {
		return nil, err
	}

	hcfg := &handshake.ClientConfig{
		Username: opts.Username,
		Features: []string{"gateway", "relay", "mcp"},
	}
	if opts.Key != nil {
		hcfg.Method = "pubkey"
		hcfg.PrivateKey = opts.Key.PrivateKey
		hcfg.PublicKey = opts.Key.PublicKey
	} else {
		hcfg.Method = "password"
		hcfg.Password = opts.Password
	}

	result, err := handshake.DriveClient(ctx, tr, hcfg)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	c := &Client{
		tr:        tr,
		SessionID: result.SessionID,
		Token:     result.Token,
		TTL:       result.TTL,
		waiters:   make(map[protocol.Type][]*waiter),
		channels:  make(map[uint32]*RemoteChannel),
		closed:    make(chan struct{}),
	}
	if len(result.Fingerprints) > 0 {
		c.HostFingerprint = result.Fingerprints[0]
	}
	switch {
	case opts.PingInterval < 0:
		c.pingInterval = 0
	case opts.PingInterval == 0:
		c.pingInterval = DefaultPingInterval
	default:
		c.pingInterval = opts.PingInterval
	}
	return c, nil
}

func dialTransport(ctx context.Context, opts Options) (transport.Transport, error) {
	addr := fmt.Sprintf("%s:%d", opts.Host, opts.Port)
	wsURL := fmt.Sprintf("ws://%s/ws", addr)

	switch opts.Transport {
	case "wt":
		return transport.DialNative(ctx, addr, transport.ClientTLSConfig())
	case "ws":
		return transport.DialMultiplex(ctx, wsURL)
	default: // auto
		tr, err := transport.DialNative(ctx, addr, transport.ClientTLSConfig())
		if err == nil {
			return tr, nil
		}
		logger.Debug("native transport unavailable, falling back to websocket", "error", err)
		return transport.DialMultiplex(ctx, wsURL)
	}
}

// Run starts the dispatch and ping loops. It returns immediately; the
// loops end when the transport dies or Close is called.
func (c *Client) Run(ctx context.Context) {
	go c.dispatch(ctx)
	if c.pingInterval > 0 {
		go c.pingLoop(ctx)
	}
}

// Close tears the connection down. Pending waiters observe the closed
// channel and fail with Transport errors.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return c.tr.Close()
}

// Done is closed when the connection has ended.
func (c *Client) Done() <-chan struct{} { return c.closed }

func (c *Client) dispatch(ctx context.Context) {
	defer c.closeOnce.Do(func() { close(c.closed) })
	for {
		payload, err := c.tr.RecvControl(ctx)
		if err != nil {
			logger.Debug("control stream ended", "error", err)
			return
		}
		msg, err := protocol.Unmarshal(payload)
		if err != nil {
			logger.Warn("undecodable control frame", "error", err)
			if wsherr.Is(err, wsherr.InvalidMessage) {
				_ = c.tr.Close()
				return
			}
			continue
		}
		t, err := protocol.PeekType(payload)
		if err != nil {
			continue
		}
		if c.deliverToWaiter(t, msg) {
			continue
		}
		c.handleEvent(msg)
	}
}

// deliverToWaiter pops the oldest waiter registered for the message's
// type, if any, and hands the message over.
func (c *Client) deliverToWaiter(t protocol.Type, msg any) bool {
	c.wmu.Lock()
	queue := c.waiters[t]
	if len(queue) == 0 {
		c.wmu.Unlock()
		return false
	}
	w := queue[0]
	c.waiters[t] = queue[1:]
	for _, other := range w.types {
		if other == t {
			continue
		}
		c.removeWaiterLocked(other, w)
	}
	c.wmu.Unlock()

	w.ch <- msg
	return true
}

func (c *Client) removeWaiterLocked(t protocol.Type, target *waiter) {
	queue := c.waiters[t]
	for i, w := range queue {
		if w == target {
			c.waiters[t] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

func (c *Client) handleEvent(msg any) {
	switch m := msg.(type) {
	case *protocol.Ping:
		_ = c.send(&protocol.Pong{Type: protocol.TypePong, ID: m.ID})
	case *protocol.Exit:
		c.cmu.Lock()
		ch, ok := c.channels[m.ChannelID]
		if ok {
			delete(c.channels, m.ChannelID)
		}
		c.cmu.Unlock()
		if ok {
			ch.deliverExit(m.Code)
		}
	case *protocol.Close:
		c.cmu.Lock()
		ch, ok := c.channels[m.ChannelID]
		if ok {
			delete(c.channels, m.ChannelID)
		}
		c.cmu.Unlock()
		if ok {
			ch.markClosed()
		}
	case *protocol.GatewayData:
		if c.OnGatewayData != nil {
			c.OnGatewayData(m.GatewayID, m.Data)
		}
	case *protocol.GatewayClose:
		if c.OnGatewayClose != nil {
			c.OnGatewayClose(m.GatewayID)
		}
	case *protocol.InboundOpen:
		if c.OnInboundOpen != nil {
			c.OnInboundOpen(m)
		}
	case *protocol.ReverseConnect:
		if c.OnReverseConnect != nil {
			c.OnReverseConnect(m.Fingerprint)
		}
	case *protocol.Clipboard:
		if c.OnClipboard != nil {
			c.OnClipboard(m.Data)
		}
	case *protocol.Shutdown:
		logger.Warn("server shutting down", "reason", m.Reason, "retry_after", m.RetryAfter)
		if c.OnShutdown != nil {
			c.OnShutdown(m.Reason)
		}
		_ = c.Close()
	case *protocol.IdleWarning:
		logger.Warn("session idle warning", "seconds_until_close", m.SecondsUntilClose)
	case *protocol.ErrorMsg:
		// Advisory unless a request is waiting on it.
		logger.Warn("server error", "code", m.Code, "message", m.Message)
	case *protocol.Presence, *protocol.ControlChanged, *protocol.Pong,
		*protocol.RateWarning, *protocol.TermDiff:
		// Informational; nothing registered a waiter.
	default:
		logger.Debug("unhandled envelope", "type", fmt.Sprintf("%T", msg))
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			c.nextPingID++
			if _, err := c.Request(ctx, &protocol.Ping{Type: protocol.TypePing, ID: c.nextPingID}, protocol.TypePong); err != nil {
				logger.Warn("ping failed", "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Client) send(msg any) error {
	b, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return c.tr.SendControl(context.Background(), b)
}

// Send transmits a fire-and-forget envelope.
func (c *Client) Send(msg any) error { return c.send(msg) }

// Request sends msg and blocks until a reply with one of the given types
// arrives, the DefaultRequestTimeout elapses (wsherr.Timeout), or the
// connection dies.
func (c *Client) Request(ctx context.Context, msg any, replyTypes ...protocol.Type) (any, error) {
	w := &waiter{ch: make(chan any, 1), types: replyTypes}
	c.wmu.Lock()
	for _, t := range replyTypes {
		c.waiters[t] = append(c.waiters[t], w)
	}
	c.wmu.Unlock()

	cancelWaiter := func() {
		c.wmu.Lock()
		for _, t := range replyTypes {
			c.removeWaiterLocked(t, w)
		}
		c.wmu.Unlock()
	}

	if err := c.send(msg); err != nil {
		cancelWaiter()
		return nil, err
	}

	timer := time.NewTimer(DefaultRequestTimeout)
	defer timer.Stop()
	select {
	case reply := <-w.ch:
		return reply, nil
	case <-timer.C:
		cancelWaiter()
		return nil, wsherr.New(wsherr.Timeout, "request timed out")
	case <-ctx.Done():
		cancelWaiter()
		return nil, wsherr.Wrap(wsherr.Timeout, "request cancelled", ctx.Err())
	case <-c.closed:
		cancelWaiter()
		return nil, wsherr.New(wsherr.Transport, "connection closed")
	}
}
