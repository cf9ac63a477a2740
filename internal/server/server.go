// Package server wires the wsh protocol stack into a running daemon:
// transport accept loops (QUIC and WebSocket), the per-connection
// handshake, and the control-frame dispatcher routing envelopes to the
// channel, session, relay, and gateway layers.
package server

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/quic-go/quic-go"

	"github.com/wsh-dev/wsh/internal/config"
	"github.com/wsh-dev/wsh/internal/gateway"
	"github.com/wsh-dev/wsh/internal/handshake"
	"github.com/wsh-dev/wsh/internal/identity"
	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/protocol"
	"github.com/wsh-dev/wsh/internal/ratelimit"
	"github.com/wsh-dev/wsh/internal/relay"
	"github.com/wsh-dev/wsh/internal/session"
	"github.com/wsh-dev/wsh/internal/sessionstore"
	"github.com/wsh-dev/wsh/internal/transport"
)

// Options carries everything a Server needs beyond the merged config.
type Options struct {
	Config          *config.Config
	Secret          []byte
	AuthorizedKeys  *identity.Index
	Passwords       handshake.PasswordLookup
	HostFingerprint string
	RecordingsDir   string
	// Store is the optional sqlite session-history index; nil disables
	// history recording.
	Store *sessionstore.Store
}

// Server owns every live connection, the session manager, the relay
// registry, and the listeners feeding them.
type Server struct {
	cfg      *config.Config
	secret   []byte
	hostFP   string
	sessions *session.Manager
	store    *sessionstore.Store

	relayReg *relay.Registry
	broker   *relay.Broker
	guestKey *ecdsa.PrivateKey

	authLimiter   *handshake.SlidingWindow
	attachLimiter *handshake.SlidingWindow

	authorized    *identity.Index
	passwords     handshake.PasswordLookup
	recordingsDir string
	tools         *ToolRegistry
	meter         *ratelimit.Meter
	startedAt     time.Time

	mu            sync.Mutex
	conns         map[*conn]struct{}
	attached      map[string]map[*conn]struct{} // session id -> attached conns
	revokedGuests map[string]struct{}
	chanMeta      map[string]map[uint32]openSpec // session id -> channel id -> spawn spec

	httpSrv  *http.Server
	quicLn   *quic.Listener
	closed   chan struct{}
	closeOne sync.Once
}

// New builds a Server from opts. The guest-invite signing key is
// generated here and, like the HMAC secret, never persisted.
func New(opts Options) (*Server, error) {
	guestKey, err := relay.GenerateGuestKey()
	if err != nil {
		return nil, err
	}

	cfg := opts.Config
	reg := relay.NewRegistry()
	s := &Server{
		cfg:           cfg,
		secret:        opts.Secret,
		hostFP:        opts.HostFingerprint,
		sessions:      session.NewManager(),
		store:         opts.Store,
		relayReg:      reg,
		broker:        relay.NewBroker(reg),
		guestKey:      guestKey,
		authorized:    opts.AuthorizedKeys,
		passwords:     opts.Passwords,
		recordingsDir: opts.RecordingsDir,
		tools:         NewToolRegistry(),
		startedAt:     time.Now(),
		conns:         make(map[*conn]struct{}),
		attached:      make(map[string]map[*conn]struct{}),
		revokedGuests: make(map[string]struct{}),
		chanMeta:      make(map[string]map[uint32]openSpec),
		closed:        make(chan struct{}),
	}
	s.authLimiter = handshake.NewSlidingWindow(cfg.AuthRateLimitPerMinute, time.Minute)
	s.attachLimiter = handshake.NewSlidingWindow(cfg.AttachRateLimitPerMinute, time.Minute)
	if cfg.BandwidthLimitBps > 0 {
		s.meter = ratelimit.NewMeter(cfg.BandwidthLimitBps, cfg.BandwidthLimitBps)
	}
	registerBuiltinTools(s.tools)
	return s, nil
}

// Sessions exposes the live session manager (ctl plane, tests).
func (s *Server) Sessions() *session.Manager { return s.sessions }

// StartedAt reports when the server came up.
func (s *Server) StartedAt() time.Time { return s.startedAt }

// Tools exposes the MCP tool registry so the daemon can register
// deployment-specific tools before serving.
func (s *Server) Tools() *ToolRegistry { return s.tools }

func (s *Server) handshakeConfig() *handshake.Config {
	return &handshake.Config{
		ServerSecret:    s.secret,
		SessionTTL:      time.Duration(s.cfg.SessionTTLSeconds) * time.Second,
		AllowPubkey:     s.cfg.AllowPubkey != nil && *s.cfg.AllowPubkey,
		AllowPassword:   s.cfg.AllowPassword != nil && *s.cfg.AllowPassword,
		AuthorizedKeys:  s.authorized,
		Passwords:       s.passwords,
		AuthLimiter:     s.authLimiter,
		Features:        []string{"gateway", "relay", "mcp", "termsync"},
		HostFingerprint: s.hostFP,
	}
}

func (s *Server) gatewayPolicy() *gateway.Policy {
	enable := s.cfg.EnableReverseTunnels != nil && *s.cfg.EnableReverseTunnels
	return gateway.NewPolicy(s.cfg.AllowedDestinations, s.cfg.MaxConnections, enable)
}

// ServeWS serves WebSocket-carried connections on addr until ctx is
// cancelled.
func (s *Server) ServeWS(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// The daemon terminates its own auth; origin checks belong
			// to deployments that put wshd behind a browser origin.
			OriginPatterns: []string{"*"},
		})
		if err != nil {
			logger.Debug("websocket accept failed", "error", err)
			return
		}
		wsConn.SetReadLimit(transport.MaxCarrierFrame)

		tr, err := transport.AcceptMultiplex(context.Background(), wsConn)
		if err != nil {
			logger.Warn("multiplex setup failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		s.handleConn(tr, remoteHost(r.RemoteAddr))
	})

	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	logger.Info("websocket listener up", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutCtx)
	}()

	err = s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ServeQUIC serves native multi-stream connections on addr until ctx is
// cancelled, using an ephemeral self-signed certificate that carries the
// "wsh" ALPN protocol.
func (s *Server) ServeQUIC(ctx context.Context, addr string) error {
	tlsConf, err := selfSignedTLS()
	if err != nil {
		return err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, transport.QUICConfig())
	if err != nil {
		return err
	}
	s.quicLn = ln
	logger.Info("quic listener up", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		qc, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			acceptCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			tr, err := transport.AcceptNative(acceptCtx, qc)
			cancel()
			if err != nil {
				logger.Warn("quic control stream setup failed", "remote", qc.RemoteAddr().String(), "error", err)
				return
			}
			s.handleConn(tr, remoteHost(qc.RemoteAddr().String()))
		}()
	}
}

// RunGC runs the session GC loop until ctx is cancelled, warning
// attached clients whose session is about to hit its TTL before each
// sweep.
func (s *Server) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.warnExpiring(2 * interval)
			s.sessions.GCOnce()
		}
	}
}

// warnExpiring sends IDLE_WARNING to clients attached to sessions whose
// TTL runs out within horizon.
func (s *Server) warnExpiring(horizon time.Duration) {
	ttl := time.Duration(s.cfg.SessionTTLSeconds) * time.Second
	if ttl <= 0 {
		return
	}
	for _, info := range s.sessions.List() {
		if info.AttachedCount == 0 {
			continue
		}
		remaining := ttl - time.Since(info.CreatedAt)
		if remaining > 0 && remaining < horizon {
			warn := &protocol.IdleWarning{
				Type:              protocol.TypeIdleWarning,
				SessionID:         info.ID,
				SecondsUntilClose: uint64(remaining.Seconds()),
			}
			s.forEachAttached(info.ID, nil, func(c *conn) { _ = c.send(warn) })
		}
	}
}

// Shutdown warns every connected client with a SHUTDOWN envelope, then
// closes their transports.
func (s *Server) Shutdown(reason string, retryAfter time.Duration) {
	s.closeOne.Do(func() { close(s.closed) })

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	msg := &protocol.Shutdown{
		Type:       protocol.TypeShutdown,
		Reason:     reason,
		RetryAfter: uint64(retryAfter.Seconds()),
	}
	for _, c := range conns {
		_ = c.send(msg)
		_ = c.tr.Close()
	}
}

// addAttached registers c as attached to session id for Clipboard /
// Presence broadcasts.
func (s *Server) addAttached(id string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.attached[id]
	if !ok {
		set = make(map[*conn]struct{})
		s.attached[id] = set
	}
	set[c] = struct{}{}
}

func (s *Server) removeAttached(id string, c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.attached[id]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.attached, id)
		}
	}
}

// forEachAttached invokes fn for every conn attached to session id
// except skip (may be nil).
func (s *Server) forEachAttached(id string, skip *conn, fn func(*conn)) {
	s.mu.Lock()
	conns := make([]*conn, 0)
	for c := range s.attached[id] {
		if c != skip {
			conns = append(conns, c)
		}
	}
	s.mu.Unlock()
	for _, c := range conns {
		fn(c)
	}
}

func (s *Server) rememberChanSpec(sessionID string, channelID uint32, spec openSpec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.chanMeta[sessionID]
	if !ok {
		m = make(map[uint32]openSpec)
		s.chanMeta[sessionID] = m
	}
	m[channelID] = spec
}

func (s *Server) chanSpec(sessionID string, channelID uint32) (openSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	spec, ok := s.chanMeta[sessionID][channelID]
	return spec, ok
}

func (s *Server) guestRevoked(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.revokedGuests[token]
	return ok
}

func (s *Server) revokeGuest(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedGuests[token] = struct{}{}
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
