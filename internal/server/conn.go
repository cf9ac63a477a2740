package server

import (
	"context"
	"crypto/cipher"
	"crypto/ecdh"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/wsh-dev/wsh/internal/channel"
	"github.com/wsh-dev/wsh/internal/crypto"
	"github.com/wsh-dev/wsh/internal/gateway"
	"github.com/wsh-dev/wsh/internal/handshake"
	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/protocol"
	"github.com/wsh-dev/wsh/internal/relay"
	"github.com/wsh-dev/wsh/internal/session"
	"github.com/wsh-dev/wsh/internal/termsync"
	"github.com/wsh-dev/wsh/internal/token"
	"github.com/wsh-dev/wsh/internal/transport"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// streamAcceptTimeout bounds how long the dispatcher waits for the data
// stream the client owes after an OPEN_OK / ATTACH, matching the
// request/response default deadline.
const streamAcceptTimeout = 30 * time.Second

// openSpec remembers how a channel was spawned so RESTART_PTY can
// respawn it with identical parameters.
type openSpec struct {
	kind    string
	command string
	cols    uint16
	rows    uint16
	env     map[string]string
}

// conn is one authenticated client connection: its transport, the
// session it currently addresses (the handshake-born one, or the one it
// ATTACHed to), its gateway manager, and the dispatcher state.
type conn struct {
	srv *Server
	tr  transport.Transport
	log *slog.Logger

	remoteAddr  string
	deviceLabel string
	viewOnly    bool

	mu   sync.Mutex // guards sess swap on attach and aead setup
	sess *session.Session

	gw       *gateway.Manager
	gwPolicy *gateway.Policy

	registeredFP string // non-empty once REVERSE_REGISTERed

	ecdhPriv *ecdh.PrivateKey
	aead     cipher.AEAD

	vmu    sync.Mutex
	vterms map[uint32]*termsync.VTerm
}

// handleConn drives one connection from handshake to teardown. Transport
// failure mid-session only detaches; GC finishes the job by TTL/idle so
// the session stays reattachable.
func (s *Server) handleConn(tr transport.Transport, remoteAddr string) {
	ctx := context.Background()
	result, err := handshake.ServeServer(ctx, tr, s.handshakeConfig(), remoteAddr)
	if err != nil {
		logger.Warn("handshake failed", "remote", remoteAddr, "error", err)
		_ = tr.Close()
		return
	}

	sess := s.sessions.Create(
		result.SessionID, result.Fingerprint, result.Username,
		time.Duration(s.cfg.SessionTTLSeconds)*time.Second,
		time.Duration(s.cfg.IdleSeconds)*time.Second,
	)
	if s.cfg.RingBufferBytes > 0 && s.cfg.RingBufferBytes != session.DefaultRingBufferCapacity {
		sess.Ring = session.NewRingBuffer(s.cfg.RingBufferBytes)
	}
	if s.cfg.RecordingEnabled != nil && *s.cfg.RecordingEnabled && s.recordingsDir != "" {
		rec, err := session.NewRecorder(filepath.Join(s.recordingsDir, result.SessionID+".jsonl"))
		if err != nil {
			logger.Warn("recorder setup failed, continuing without", "session_id", result.SessionID, "error", err)
		} else {
			sess.Recorder = rec
		}
	}
	sess.Attach()
	if s.store != nil {
		if err := s.store.RecordStart(result.SessionID, result.Username, result.Fingerprint, time.Now()); err != nil {
			logger.Warn("session history insert failed", "error", err)
		}
	}

	c := &conn{
		srv:        s,
		tr:         tr,
		log:        logger.With("session_id", result.SessionID, "remote", remoteAddr),
		remoteAddr: remoteAddr,
		sess:       sess,
		vterms:     make(map[uint32]*termsync.VTerm),
	}
	c.gwPolicy = s.gatewayPolicy()
	c.gw = gateway.NewManager(c.gwPolicy, func(msg any) error { return c.send(msg) })

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.addAttached(result.SessionID, c)

	c.log.Info("connection established", "username", result.Username)
	c.dispatch(ctx)
	c.teardown()
}

// dispatch is the connection's control loop: one reader, routing every
// inbound envelope to its handler.
func (c *conn) dispatch(ctx context.Context) {
	for {
		payload, err := c.tr.RecvControl(ctx)
		if err != nil {
			c.log.Debug("control stream ended", "error", err)
			return
		}
		msg, err := protocol.Unmarshal(payload)
		if err != nil {
			if wsherr.Is(err, wsherr.InvalidMessage) {
				c.log.Warn("protocol violation, terminating connection", "error", err)
				_ = c.tr.Close()
				return
			}
			c.log.Warn("undecodable control frame dropped", "error", err)
			continue
		}
		c.session().Touch()
		c.handle(ctx, msg)
	}
}

func (c *conn) session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *conn) setSession(s *session.Session) {
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
}

func (c *conn) send(msg any) error {
	b, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	return c.tr.SendControl(context.Background(), b)
}

func (c *conn) sendError(code uint32, message string) {
	_ = c.send(&protocol.ErrorMsg{Type: protocol.TypeError, Code: code, Message: message})
}

func (c *conn) handle(ctx context.Context, msg any) {
	switch m := msg.(type) {
	case *protocol.Ping:
		_ = c.send(&protocol.Pong{Type: protocol.TypePong, ID: m.ID})
	case *protocol.Pong:
		// Answer to a ping we never sent; harmless.
	case *protocol.ErrorMsg:
		c.log.Warn("client error report", "code", m.Code, "message", m.Message)

	case *protocol.Open:
		c.handleOpen(ctx, m)
	case *protocol.Resize:
		c.handleResize(m)
	case *protocol.Signal:
		c.handleSignal(m)
	case *protocol.Close:
		c.handleClose(m)

	case *protocol.Attach:
		c.handleAttach(ctx, m)
	case *protocol.Resume:
		// Byte-cursor resumption is a future extension; reattach replay
		// is ring-buffer-only via ATTACH.
		c.log.Debug("RESUME ignored", "session_id", m.SessionID, "last_seq", m.LastSeq)
	case *protocol.Rename:
		c.handleRename(m)
	case *protocol.Snapshot:
		if rec := c.session().Recorder; rec != nil {
			rec.Snapshot(m.Label)
		}
	case *protocol.Clipboard:
		c.srv.forEachAttached(m.SessionID, c, func(other *conn) { _ = other.send(m) })
	case *protocol.MetricsRequest:
		c.handleMetricsRequest(m)
	case *protocol.RecordingExport:
		c.handleRecordingExport(m)
	case *protocol.CommandJournal:
		c.handleCommandJournal(m)
	case *protocol.SuspendSession:
		c.handleSuspend(m)
	case *protocol.RestartPty:
		c.handleRestartPty(ctx, m)
	case *protocol.SessionLink:
		c.handleSessionLink(m.SessionID, m.Label)
	case *protocol.SessionUnlink:
		c.handleSessionLink(m.SessionID, "")
	case *protocol.RateControl:
		if c.srv.meter != nil {
			c.srv.meter.SetLimit(int(m.LimitBps))
		}

	case *protocol.GuestInvite:
		c.handleGuestInvite(m)
	case *protocol.GuestJoin:
		c.handleGuestJoin(ctx, m)
	case *protocol.GuestRevoke:
		c.srv.revokeGuest(m.Token)

	case *protocol.McpDiscover:
		_ = c.send(&protocol.McpTools{Type: protocol.TypeMcpTools, Tools: c.srv.tools.List()})
	case *protocol.McpCall:
		c.handleMcpCall(ctx, m)

	case *protocol.ReverseRegister:
		c.handleReverseRegister(m)
	case *protocol.ReverseList:
		_ = c.send(&protocol.ReversePeers{Type: protocol.TypeReversePeers, Peers: c.srv.relayReg.List()})
	case *protocol.ReverseConnect:
		if err := c.srv.broker.Connect(c.session().Fingerprint, m.Fingerprint); err != nil {
			c.sendError(1, err.Error())
		}

	case *protocol.OpenTcp:
		c.gw.OpenTCP(m)
	case *protocol.OpenUdp:
		c.gw.OpenUDP(m)
	case *protocol.ResolveDns:
		c.gw.ResolveDNS(m)
	case *protocol.GatewayData:
		c.meterGatewayData(ctx, m)
		c.gw.WriteData(m.GatewayID, m.Data)
	case *protocol.GatewayClose:
		c.gw.Close(m.GatewayID)
		if c.srv.meter != nil {
			c.srv.meter.Remove(gatewayMeterKey(m.GatewayID))
		}
	case *protocol.ListenRequest:
		c.gw.Listen(m)
	case *protocol.ListenClose:
		c.gw.CloseListener(m.ListenerID)
	case *protocol.InboundAccept:
		gatewayID := m.ChannelID
		if m.GatewayID != nil {
			gatewayID = *m.GatewayID
		}
		c.gw.AcceptInbound(m.ChannelID, gatewayID)
	case *protocol.InboundReject:
		c.gw.RejectInbound(m.ChannelID, m.Reason)

	case *protocol.KeyExchange:
		c.handleKeyExchange(m)
	case *protocol.EncryptedFrame:
		c.handleEncryptedFrame(ctx, m)
	case *protocol.TermSync:
		c.handleTermSyncRequest(m)

	default:
		c.log.Warn("unexpected envelope for server", "type", fmt.Sprintf("%T", msg))
		c.sendError(1, "unexpected message")
	}
}

// ── Channel operations ────────────────────────────────────────────────

func (c *conn) handleOpen(ctx context.Context, req *protocol.Open) {
	if c.viewOnly {
		_ = c.send(&protocol.OpenFail{Type: protocol.TypeOpenFail, Reason: "policy denied: view-only attachment"})
		return
	}
	switch req.Kind {
	case "pty", "exec", "job":
		c.openPTY(ctx, req)
	case "file":
		c.openFile(ctx, req)
	case "tcp", "udp":
		c.openSocket(ctx, req)
	case "meta":
		c.openMeta(ctx)
	default:
		_ = c.send(&protocol.OpenFail{Type: protocol.TypeOpenFail, Reason: "unknown channel kind: " + req.Kind})
	}
}

func (c *conn) openPTY(ctx context.Context, req *protocol.Open) {
	cfg := c.srv.cfg
	if req.Kind == "pty" && (cfg.AllowPTY == nil || !*cfg.AllowPTY) {
		_ = c.send(&protocol.OpenFail{Type: protocol.TypeOpenFail, Reason: "policy denied: pty disabled"})
		return
	}

	command := req.Command
	if cfg.ForcedCommand != "" {
		command = cfg.ForcedCommand
	}

	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	name, args := shellCommand(command)
	p, err := channel.StartPTY(name, args, cols, rows, req.Env, "")
	if err != nil {
		_ = c.send(&protocol.OpenFail{Type: protocol.TypeOpenFail, Reason: "resource unavailable: " + err.Error()})
		return
	}

	sess := c.session()
	chID := sess.NextChannelID()
	_ = c.send(&protocol.OpenOk{Type: protocol.TypeOpenOk, ChannelID: chID})

	stream, err := c.acceptStream(ctx)
	if err != nil {
		c.log.Warn("no data stream after OPEN_OK", "channel_id", chID, "error", err)
		_ = p.Close()
		return
	}

	ch := channel.NewPTYChannel(chID, req.Kind, p, stream, sess, c.onChannelExit(sess))
	if cfg.TermSyncEnabled != nil && *cfg.TermSyncEnabled && req.Kind == "pty" {
		vt := termsync.NewVTerm(cols, rows)
		c.vmu.Lock()
		c.vterms[chID] = vt
		c.vmu.Unlock()
		ch.SetTee(vt.Write)
	}
	if err := sess.AddChannel(chID, ch); err != nil {
		_ = ch.Close()
		return
	}
	if sess.Recorder != nil {
		sess.Recorder.Start(command)
	}
	c.srv.rememberChanSpec(sess.ID, chID, openSpec{kind: req.Kind, command: command, cols: cols, rows: rows, env: req.Env})
	ch.MarkOpen()
	c.log.Info("channel opened", "channel_id", chID, "kind", req.Kind)
}

// onChannelExit pushes EXIT on the control stream and unregisters the
// channel once its child terminates.
func (c *conn) onChannelExit(sess *session.Session) channel.ExitFunc {
	return func(channelID uint32, code int32) {
		sess.RemoveChannel(channelID)
		c.vmu.Lock()
		if vt, ok := c.vterms[channelID]; ok {
			_ = vt.Close()
			delete(c.vterms, channelID)
		}
		c.vmu.Unlock()
		_ = c.send(&protocol.Exit{Type: protocol.TypeExit, ChannelID: channelID, Code: code})
	}
}

func (c *conn) acceptStream(ctx context.Context) (transport.Stream, error) {
	acceptCtx, cancel := context.WithTimeout(ctx, streamAcceptTimeout)
	defer cancel()
	return c.tr.AcceptStream(acceptCtx)
}

// shellCommand maps an OPEN command string onto an argv: an empty
// command launches the login shell, anything else goes through sh -c so
// pipelines and quoting behave the way users expect.
func shellCommand(command string) (string, []string) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	if command == "" {
		return shell, nil
	}
	return shell, []string{"-c", command}
}

func (c *conn) handleResize(m *protocol.Resize) {
	ch, ok := c.lookupChannel(m.ChannelID)
	if !ok {
		c.sendError(2, "no such channel")
		return
	}
	if err := ch.Resize(m.Cols, m.Rows); err != nil {
		c.sendError(2, err.Error())
		return
	}
	c.vmu.Lock()
	if vt, ok := c.vterms[m.ChannelID]; ok {
		vt.Resize(m.Cols, m.Rows)
	}
	c.vmu.Unlock()
}

func (c *conn) handleSignal(m *protocol.Signal) {
	ch, ok := c.lookupChannel(m.ChannelID)
	if !ok {
		c.sendError(2, "no such channel")
		return
	}
	known, err := ch.Signal(m.Signal)
	if !known {
		c.log.Warn("unknown signal ignored", "channel_id", m.ChannelID, "signal", m.Signal)
		return
	}
	if err != nil {
		c.sendError(2, err.Error())
	}
}

func (c *conn) handleClose(m *protocol.Close) {
	sess := c.session()
	ch, ok := sess.Channel(m.ChannelID)
	if !ok {
		return // CLOSE is idempotent; an unknown id was already buried
	}
	sess.RemoveChannel(m.ChannelID)
	if err := ch.Close(); err != nil {
		c.log.Debug("channel close error", "channel_id", m.ChannelID, "error", err)
	}
	_ = c.send(&protocol.Close{Type: protocol.TypeClose, ChannelID: m.ChannelID})
}

func (c *conn) lookupChannel(id uint32) (*channel.Channel, bool) {
	h, ok := c.session().Channel(id)
	if !ok {
		return nil, false
	}
	ch, ok := h.(*channel.Channel)
	return ch, ok
}

// ── Attach / session operations ──────────────────────────────────────

func (c *conn) handleAttach(ctx context.Context, m *protocol.Attach) {
	target, ok := c.srv.sessions.Get(m.SessionID)
	if !ok {
		c.sendError(3, "session not found")
		return
	}
	if !c.srv.attachLimiter.Allow(target.Fingerprint) {
		c.sendError(3, "rate limited")
		return
	}
	if err := token.Verify(c.srv.secret, m.SessionID, m.Token); err != nil {
		c.sendError(3, err.Error())
		return
	}
	c.completeAttach(ctx, target, m.Mode, m.DeviceLabel)
}

// completeAttach rebinds this connection to target: the handshake-born
// session is discarded if it never grew any state, the attach counter
// moves over, and the client's next data stream receives the ring-buffer
// replay before live output resumes.
func (c *conn) completeAttach(ctx context.Context, target *session.Session, mode, deviceLabel string) {
	old := c.session()
	if old.ID != target.ID {
		c.srv.removeAttached(old.ID, c)
		old.Detach()
		if old.AttachedCount() == 0 && len(old.Channels()) == 0 {
			_ = c.srv.sessions.Remove(old.ID)
		}
		target.Attach()
		c.setSession(target)
		c.srv.addAttached(target.ID, c)
	}
	c.viewOnly = mode == "view"
	c.deviceLabel = deviceLabel

	// Ack before the stream handoff so the client knows to open one.
	presence := c.presenceFor(target.ID)
	_ = c.send(presence)
	c.srv.forEachAttached(target.ID, c, func(other *conn) { _ = other.send(presence) })
	if mode == "control" {
		change := &protocol.ControlChanged{Type: protocol.TypeControlChanged, SessionID: target.ID, Controller: deviceLabel}
		c.srv.forEachAttached(target.ID, c, func(other *conn) { _ = other.send(change) })
	}

	stream, err := c.acceptStream(ctx)
	if err != nil {
		c.log.Warn("no data stream after ATTACH", "error", err)
		return
	}
	replay := target.Ring.Snapshot()
	if ch := latestPTYChannel(target); ch != nil {
		if err := ch.AttachSink(stream, c.viewOnly, replay); err != nil {
			c.log.Warn("attach sink failed", "error", err)
			_ = stream.Close()
		}
		return
	}
	// No live channel: deliver the replay alone, then EOF.
	if err := stream.WriteAll(replay); err != nil {
		c.log.Debug("replay write failed", "error", err)
	}
	_ = stream.Close()
}

func latestPTYChannel(sess *session.Session) *channel.Channel {
	var best *channel.Channel
	for _, h := range sess.Channels() {
		ch, ok := h.(*channel.Channel)
		if !ok {
			continue
		}
		if ch.Kind() != "pty" && ch.Kind() != "exec" {
			continue
		}
		if best == nil || ch.ID() > best.ID() {
			best = ch
		}
	}
	return best
}

func (c *conn) presenceFor(sessionID string) *protocol.Presence {
	var clients []protocol.PresenceClient
	c.srv.mu.Lock()
	for other := range c.srv.attached[sessionID] {
		mode := "control"
		if other.viewOnly {
			mode = "view"
		}
		clients = append(clients, protocol.PresenceClient{
			DeviceLabel:    other.deviceLabel,
			Mode:           mode,
			AttachedAtUnix: time.Now().Unix(),
		})
	}
	c.srv.mu.Unlock()
	return &protocol.Presence{Type: protocol.TypePresence, SessionID: sessionID, Clients: clients}
}

func (c *conn) handleRename(m *protocol.Rename) {
	if err := c.srv.sessions.Rename(m.SessionID, m.Name); err != nil {
		c.sendError(3, err.Error())
		return
	}
	if c.srv.store != nil {
		if err := c.srv.store.SetLabel(m.SessionID, m.Name); err != nil {
			c.log.Debug("history label update failed", "error", err)
		}
	}
}

func (c *conn) handleSessionLink(sessionID, label string) {
	if err := c.srv.sessions.Rename(sessionID, label); err != nil && label != "" {
		c.sendError(3, err.Error())
		return
	}
	if c.srv.store != nil {
		if err := c.srv.store.SetLabel(sessionID, label); err != nil {
			c.log.Debug("history label update failed", "error", err)
		}
	}
}

func (c *conn) handleMetricsRequest(m *protocol.MetricsRequest) {
	sess := c.session()
	if m.SessionID != "" {
		if target, ok := c.srv.sessions.Get(m.SessionID); ok {
			sess = target
		}
	}
	_ = c.send(&protocol.Metrics{
		Type:          protocol.TypeMetrics,
		SessionID:     sess.ID,
		AttachedCount: uint32(sess.AttachedCount()),
		TotalWritten:  sess.Ring.TotalWritten(),
		UptimeSecs:    uint64(time.Since(c.srv.startedAt).Seconds()),
		LiveSessions:  uint32(c.srv.sessions.Len()),
	})
}

func (c *conn) handleRecordingExport(m *protocol.RecordingExport) {
	if c.srv.recordingsDir == "" {
		c.sendError(3, "recording disabled")
		return
	}
	data, err := os.ReadFile(filepath.Join(c.srv.recordingsDir, m.SessionID+".jsonl"))
	if err != nil {
		c.sendError(3, "no recording for session")
		return
	}
	_ = c.send(&protocol.RecordingExport{Type: protocol.TypeRecordingExport, SessionID: m.SessionID, Data: data})
}

func (c *conn) handleCommandJournal(m *protocol.CommandJournal) {
	sess := c.session()
	if m.SessionID != "" && m.SessionID != sess.ID {
		if target, ok := c.srv.sessions.Get(m.SessionID); ok {
			sess = target
		}
	}
	var entries []protocol.JournalEntry
	if sess.Journal != nil {
		for _, line := range sess.Journal.Lines() {
			entries = append(entries, protocol.JournalEntry{AtMs: line.AtMs, Command: line.Command})
		}
	}
	_ = c.send(&protocol.CommandJournal{Type: protocol.TypeCommandJournal, SessionID: sess.ID, Entries: entries})
}

func (c *conn) handleSuspend(m *protocol.SuspendSession) {
	target, ok := c.srv.sessions.Get(m.SessionID)
	if !ok {
		c.sendError(3, "session not found")
		return
	}
	for _, h := range target.Channels() {
		if ch, ok := h.(*channel.Channel); ok {
			ch.DropSinks()
		}
	}
	c.log.Info("session suspended", "suspended_id", m.SessionID)
}

func (c *conn) handleRestartPty(ctx context.Context, m *protocol.RestartPty) {
	sess := c.session()
	spec, ok := c.srv.chanSpec(sess.ID, m.ChannelID)
	if !ok {
		c.sendError(2, "no spawn record for channel")
		return
	}
	if old, found := sess.Channel(m.ChannelID); found {
		sess.RemoveChannel(m.ChannelID)
		_ = old.Close()
	}
	// Channel ids are never reused: the respawned PTY gets a fresh one,
	// announced through the same OPEN_OK shape the original open used.
	c.openPTY(ctx, &protocol.Open{
		Type:    protocol.TypeOpen,
		Kind:    spec.kind,
		Command: spec.command,
		Cols:    spec.cols,
		Rows:    spec.rows,
		Env:     spec.env,
	})
}

// ── Bandwidth metering ───────────────────────────────────────────────

func gatewayMeterKey(gatewayID uint32) string {
	return fmt.Sprintf("gw-%d", gatewayID)
}

// meterGatewayData throttles the client-to-remote write path and raises
// a RATE_WARNING when the bucket runs dry.
func (c *conn) meterGatewayData(ctx context.Context, m *protocol.GatewayData) {
	if c.srv.meter == nil {
		return
	}
	key := gatewayMeterKey(m.GatewayID)
	limit, tokens := c.srv.meter.CurrentRate(key)
	if tokens <= 0 {
		_ = c.send(&protocol.RateWarning{Type: protocol.TypeRateWarning, GatewayID: m.GatewayID, CurrentBps: limit})
	}
	if err := c.srv.meter.Wait(ctx, key, len(m.Data)); err != nil {
		c.log.Debug("rate meter wait aborted", "gateway_id", m.GatewayID, "error", err)
	}
}

// ── Guest invites ────────────────────────────────────────────────────

func (c *conn) handleGuestInvite(m *protocol.GuestInvite) {
	if c.viewOnly {
		c.sendError(3, "view-only clients cannot invite")
		return
	}
	if _, ok := c.srv.sessions.Get(m.SessionID); !ok {
		c.sendError(3, "session not found")
		return
	}
	tok, err := relay.IssueGuestToken(c.srv.guestKey, m.SessionID, time.Duration(m.TTLSecs)*time.Second)
	if err != nil {
		c.sendError(3, err.Error())
		return
	}
	_ = c.send(&protocol.GuestToken{Type: protocol.TypeGuestToken, Token: tok})
}

func (c *conn) handleGuestJoin(ctx context.Context, m *protocol.GuestJoin) {
	if c.srv.guestRevoked(m.Token) {
		c.sendError(3, "guest token revoked")
		return
	}
	claims, err := relay.ValidateGuestToken(&c.srv.guestKey.PublicKey, m.Token)
	if err != nil {
		c.sendError(3, err.Error())
		return
	}
	target, ok := c.srv.sessions.Get(claims.SessionID)
	if !ok {
		c.sendError(3, "session not found")
		return
	}
	c.completeAttach(ctx, target, claims.Mode, "guest")
}

// ── MCP / relay ──────────────────────────────────────────────────────

func (c *conn) handleMcpCall(ctx context.Context, m *protocol.McpCall) {
	result, err := c.srv.tools.Call(ctx, m.Tool, m.Args)
	reply := &protocol.McpResult{Type: protocol.TypeMcpResult, ID: m.ID}
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Result = result
	}
	_ = c.send(reply)
}

func (c *conn) handleReverseRegister(m *protocol.ReverseRegister) {
	fp := c.session().Fingerprint
	if fp == "" {
		fp = m.Fingerprint
	}
	if fp == "" {
		c.sendError(1, "no fingerprint to register")
		return
	}
	id := c.srv.relayReg.Register(fp, m.Username, m.Capabilities, connSender{c})
	c.registeredFP = fp
	c.log.Info("peer registered with relay", "fingerprint", fp, "peer_id", id)
}

// connSender adapts conn to relay.PeerConn without exposing the rest of
// the dispatcher surface.
type connSender struct{ c *conn }

func (s connSender) SendControl(msg any) error { return s.c.send(msg) }

// ── Optional end-to-end encryption ───────────────────────────────────

func (c *conn) handleKeyExchange(m *protocol.KeyExchange) {
	priv, err := crypto.GenerateKeyPair()
	if err != nil {
		c.sendError(1, err.Error())
		return
	}
	aead, err := crypto.DeriveSharedKey(priv, m.PublicKey)
	if err != nil {
		c.sendError(1, err.Error())
		return
	}
	c.mu.Lock()
	c.ecdhPriv = priv
	c.aead = aead
	c.mu.Unlock()
	_ = c.send(&protocol.KeyExchange{Type: protocol.TypeKeyExchange, PublicKey: priv.PublicKey().Bytes()})
}

// handleEncryptedFrame unwraps an ENCRYPTED_FRAME whose plaintext is a
// complete inner envelope, then routes it as if it had arrived bare.
func (c *conn) handleEncryptedFrame(ctx context.Context, m *protocol.EncryptedFrame) {
	c.mu.Lock()
	aead := c.aead
	c.mu.Unlock()
	if aead == nil {
		c.sendError(1, "no key exchange performed")
		return
	}
	plaintext, err := crypto.Open(aead, m.Nonce, m.Ciphertext)
	if err != nil {
		c.log.Warn("encrypted frame rejected", "error", err)
		_ = c.tr.Close()
		return
	}
	inner, err := protocol.Unmarshal(plaintext)
	if err != nil {
		c.log.Warn("encrypted frame carried invalid envelope", "error", err)
		return
	}
	c.handle(ctx, inner)
}

// ── Terminal sync ────────────────────────────────────────────────────

// handleTermSyncRequest answers a client TERM_SYNC probe (empty cells)
// with the full current screen state of the requested channel — the
// mosh-style alternative to raw ring replay.
func (c *conn) handleTermSyncRequest(m *protocol.TermSync) {
	c.vmu.Lock()
	defer c.vmu.Unlock()
	if len(c.vterms) == 0 {
		c.sendError(2, "terminal sync not enabled")
		return
	}
	var latest *termsync.VTerm
	var latestID uint32
	for id, vt := range c.vterms {
		if latest == nil || id > latestID {
			latest, latestID = vt, id
		}
	}
	_ = c.send(latest.Sync())
}

// ── Teardown ─────────────────────────────────────────────────────────

func (c *conn) teardown() {
	sess := c.session()
	c.gw.CloseAll()
	if c.registeredFP != "" {
		c.srv.relayReg.Unregister(c.registeredFP)
	}
	c.vmu.Lock()
	for _, vt := range c.vterms {
		_ = vt.Close()
	}
	c.vterms = nil
	c.vmu.Unlock()

	c.srv.removeAttached(sess.ID, c)
	c.srv.mu.Lock()
	delete(c.srv.conns, c)
	c.srv.mu.Unlock()

	sess.Detach()
	if c.srv.store != nil && sess.AttachedCount() == 0 {
		recPath := ""
		if sess.Recorder != nil {
			recPath = filepath.Join(c.srv.recordingsDir, sess.ID+".jsonl")
		}
		if err := c.srv.store.RecordEnd(sess.ID, time.Now(), recPath); err != nil {
			logger.Debug("history end update failed", "error", err)
		}
	}
	_ = c.tr.Close()
	c.log.Info("connection closed", "attached_remaining", sess.AttachedCount())
}
