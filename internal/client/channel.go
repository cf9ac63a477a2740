package client

import (
	"context"
	"sync"

	"github.com/wsh-dev/wsh/internal/protocol"
	"github.com/wsh-dev/wsh/internal/transport"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// RemoteChannel is the client-side view of one server channel: the data
// stream bound to it by the post-OPEN_OK ordering rule, plus a future
// for the child's exit code.
type RemoteChannel struct {
	ID     uint32
	Stream transport.Stream

	c *Client

	mu     sync.Mutex
	exitCh chan int32
	closed bool
}

// Exited yields the channel's exit code once EXIT arrives.
func (rc *RemoteChannel) Exited() <-chan int32 { return rc.exitCh }

func (rc *RemoteChannel) deliverExit(code int32) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	rc.exitCh <- code
	close(rc.exitCh)
}

func (rc *RemoteChannel) markClosed() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.closed {
		return
	}
	rc.closed = true
	close(rc.exitCh)
}

// Resize forwards new dimensions; idempotent on identical sizes.
func (rc *RemoteChannel) Resize(cols, rows uint16) error {
	return rc.c.send(&protocol.Resize{Type: protocol.TypeResize, ChannelID: rc.ID, Cols: cols, Rows: rows})
}

// Signal delivers a named signal to the remote child.
func (rc *RemoteChannel) Signal(name string) error {
	return rc.c.send(&protocol.Signal{Type: protocol.TypeSignal, ChannelID: rc.ID, Signal: name})
}

// Close sends CLOSE and shuts the data stream.
func (rc *RemoteChannel) Close() error {
	err := rc.c.send(&protocol.Close{Type: protocol.TypeClose, ChannelID: rc.ID})
	_ = rc.Stream.Close()
	rc.markClosed()
	return err
}

// Open drives OPEN → OPEN_OK/OPEN_FAIL and then binds the next data
// stream to the granted channel id.
func (c *Client) Open(ctx context.Context, req *protocol.Open) (*RemoteChannel, error) {
	req.Type = protocol.TypeOpen
	reply, err := c.Request(ctx, req, protocol.TypeOpenOk, protocol.TypeOpenFail)
	if err != nil {
		return nil, err
	}
	ok, isOk := reply.(*protocol.OpenOk)
	if !isOk {
		fail := reply.(*protocol.OpenFail)
		return nil, wsherr.New(wsherr.PermissionDenied, fail.Reason)
	}

	stream, err := c.tr.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	rc := &RemoteChannel{ID: ok.ChannelID, Stream: stream, c: c, exitCh: make(chan int32, 1)}
	c.cmu.Lock()
	c.channels[ok.ChannelID] = rc
	c.cmu.Unlock()
	return rc, nil
}

// OpenShell opens an interactive PTY channel.
func (c *Client) OpenShell(ctx context.Context, cols, rows uint16, env map[string]string) (*RemoteChannel, error) {
	return c.Open(ctx, &protocol.Open{Kind: "pty", Cols: cols, Rows: rows, Env: env})
}

// OpenExec opens a one-shot command channel.
func (c *Client) OpenExec(ctx context.Context, command string, cols, rows uint16) (*RemoteChannel, error) {
	return c.Open(ctx, &protocol.Open{Kind: "exec", Command: command, Cols: cols, Rows: rows})
}

// OpenFile opens a file-transfer channel. mode "recv" uploads (client →
// server path), anything else downloads.
func (c *Client) OpenFile(ctx context.Context, path, mode string) (*RemoteChannel, error) {
	return c.Open(ctx, &protocol.Open{Kind: "file", Command: path, Env: map[string]string{"mode": mode}})
}

// Attach joins a live session by id + token. The server acks with
// PRESENCE, after which the next opened data stream carries the
// ring-buffer replay followed by live output.
func (c *Client) Attach(ctx context.Context, sessionID string, tok []byte, mode, deviceLabel string) (*RemoteChannel, error) {
	reply, err := c.Request(ctx, &protocol.Attach{
		Type:        protocol.TypeAttach,
		SessionID:   sessionID,
		Token:       tok,
		Mode:        mode,
		DeviceLabel: deviceLabel,
	}, protocol.TypePresence, protocol.TypeError)
	if err != nil {
		return nil, err
	}
	if em, isErr := reply.(*protocol.ErrorMsg); isErr {
		return nil, wsherr.New(wsherr.Token, em.Message)
	}

	stream, err := c.tr.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return &RemoteChannel{ID: 0, Stream: stream, c: c, exitCh: make(chan int32, 1)}, nil
}

// ── Gateway client surface ───────────────────────────────────────────

// OpenTCP requests an outbound TCP forward through the server gateway.
func (c *Client) OpenTCP(ctx context.Context, gatewayID uint32, host string, port uint16) (*protocol.GatewayOk, error) {
	return c.gatewayRequest(ctx, &protocol.OpenTcp{Type: protocol.TypeOpenTcp, GatewayID: gatewayID, Host: host, Port: port})
}

// OpenUDP requests an outbound UDP forward through the server gateway.
func (c *Client) OpenUDP(ctx context.Context, gatewayID uint32, host string, port uint16) (*protocol.GatewayOk, error) {
	return c.gatewayRequest(ctx, &protocol.OpenUdp{Type: protocol.TypeOpenUdp, GatewayID: gatewayID, Host: host, Port: port})
}

func (c *Client) gatewayRequest(ctx context.Context, msg any) (*protocol.GatewayOk, error) {
	reply, err := c.Request(ctx, msg, protocol.TypeGatewayOk, protocol.TypeGatewayFail)
	if err != nil {
		return nil, err
	}
	if fail, isFail := reply.(*protocol.GatewayFail); isFail {
		return nil, gatewayError(fail)
	}
	return reply.(*protocol.GatewayOk), nil
}

// SendGatewayData pushes client-originated bytes to a live gateway.
func (c *Client) SendGatewayData(gatewayID uint32, data []byte) error {
	return c.send(&protocol.GatewayData{Type: protocol.TypeGatewayData, GatewayID: gatewayID, Data: data})
}

// CloseGateway tears down a gateway connection.
func (c *Client) CloseGateway(gatewayID uint32) error {
	return c.send(&protocol.GatewayClose{Type: protocol.TypeGatewayClose, GatewayID: gatewayID})
}

// ResolveDNS runs a remote hostname lookup through the gateway.
func (c *Client) ResolveDNS(ctx context.Context, gatewayID uint32, name, recordType string) ([]string, error) {
	reply, err := c.Request(ctx, &protocol.ResolveDns{
		Type: protocol.TypeResolveDns, GatewayID: gatewayID, Name: name, RecordType: recordType,
	}, protocol.TypeDnsResult, protocol.TypeGatewayFail)
	if err != nil {
		return nil, err
	}
	if fail, isFail := reply.(*protocol.GatewayFail); isFail {
		return nil, gatewayError(fail)
	}
	return reply.(*protocol.DnsResult).Addresses, nil
}

// Listen requests a reverse listener on the server.
func (c *Client) Listen(ctx context.Context, listenerID uint32, port uint16, bindAddr string) (uint16, error) {
	reply, err := c.Request(ctx, &protocol.ListenRequest{
		Type: protocol.TypeListenRequest, ListenerID: listenerID, Port: port, BindAddr: bindAddr,
	}, protocol.TypeListenOk, protocol.TypeListenFail)
	if err != nil {
		return 0, err
	}
	if fail, isFail := reply.(*protocol.ListenFail); isFail {
		return 0, wsherr.New(wsherr.PermissionDenied, fail.Reason)
	}
	return reply.(*protocol.ListenOk).ActualPort, nil
}

// CloseListener tears a reverse listener down.
func (c *Client) CloseListener(listenerID uint32) error {
	return c.send(&protocol.ListenClose{Type: protocol.TypeListenClose, ListenerID: listenerID})
}

// AcceptInbound bridges a pending inbound connection announced by
// INBOUND_OPEN.
func (c *Client) AcceptInbound(channelID uint32, gatewayID *uint32) error {
	return c.send(&protocol.InboundAccept{Type: protocol.TypeInboundAccept, ChannelID: channelID, GatewayID: gatewayID})
}

// RejectInbound drops a pending inbound connection.
func (c *Client) RejectInbound(channelID uint32, reason string) error {
	return c.send(&protocol.InboundReject{Type: protocol.TypeInboundReject, ChannelID: channelID, Reason: reason})
}

func gatewayError(fail *protocol.GatewayFail) error {
	kind := wsherr.Transport
	if fail.Code == protocol.GatewayFailPolicyDenied || fail.Code == protocol.GatewayFailDisabled {
		kind = wsherr.PermissionDenied
	}
	return wsherr.Newf(kind, "gateway %d failed (code %d): %s", fail.GatewayID, fail.Code, fail.Message)
}

// ── Relay / MCP / session surfaces ───────────────────────────────────

// ReverseRegister announces this client as a relay peer.
func (c *Client) ReverseRegister(fingerprint, username string, capabilities []string) error {
	return c.send(&protocol.ReverseRegister{
		Type: protocol.TypeReverseRegister, Fingerprint: fingerprint, Username: username, Capabilities: capabilities,
	})
}

// Peers lists the relay's registered peers.
func (c *Client) Peers(ctx context.Context) ([]protocol.PeerInfo, error) {
	reply, err := c.Request(ctx, &protocol.ReverseList{Type: protocol.TypeReverseList}, protocol.TypeReversePeers)
	if err != nil {
		return nil, err
	}
	return reply.(*protocol.ReversePeers).Peers, nil
}

// ReverseConnectTo asks the relay to broker a connection to the peer
// with the given fingerprint (or unambiguous prefix).
func (c *Client) ReverseConnectTo(fingerprint string) error {
	return c.send(&protocol.ReverseConnect{Type: protocol.TypeReverseConnect, Fingerprint: fingerprint})
}

// Tools discovers the server's MCP tool surface.
func (c *Client) Tools(ctx context.Context) ([]protocol.ToolInfo, error) {
	reply, err := c.Request(ctx, &protocol.McpDiscover{Type: protocol.TypeMcpDiscover}, protocol.TypeMcpTools)
	if err != nil {
		return nil, err
	}
	return reply.(*protocol.McpTools).Tools, nil
}

// CallTool invokes one MCP tool and returns its raw JSON result.
func (c *Client) CallTool(ctx context.Context, id uint64, name string, args []byte) ([]byte, error) {
	reply, err := c.Request(ctx, &protocol.McpCall{Type: protocol.TypeMcpCall, ID: id, Tool: name, Args: args}, protocol.TypeMcpResult)
	if err != nil {
		return nil, err
	}
	result := reply.(*protocol.McpResult)
	if result.Error != "" {
		return nil, wsherr.New(wsherr.Other, result.Error)
	}
	return result.Result, nil
}

// GuestInvite mints a view-only share token for a session.
func (c *Client) GuestInvite(ctx context.Context, sessionID string, ttlSecs uint64) (string, error) {
	reply, err := c.Request(ctx, &protocol.GuestInvite{
		Type: protocol.TypeGuestInvite, SessionID: sessionID, TTLSecs: ttlSecs,
	}, protocol.TypeGuestToken, protocol.TypeError)
	if err != nil {
		return "", err
	}
	if em, isErr := reply.(*protocol.ErrorMsg); isErr {
		return "", wsherr.New(wsherr.PermissionDenied, em.Message)
	}
	return reply.(*protocol.GuestToken).Token, nil
}

// Metrics fetches server/session counters.
func (c *Client) Metrics(ctx context.Context, sessionID string) (*protocol.Metrics, error) {
	reply, err := c.Request(ctx, &protocol.MetricsRequest{Type: protocol.TypeMetricsRequest, SessionID: sessionID}, protocol.TypeMetrics)
	if err != nil {
		return nil, err
	}
	return reply.(*protocol.Metrics), nil
}

// Journal fetches the session's reconstructed command history.
func (c *Client) Journal(ctx context.Context, sessionID string) ([]protocol.JournalEntry, error) {
	reply, err := c.Request(ctx, &protocol.CommandJournal{Type: protocol.TypeCommandJournal, SessionID: sessionID}, protocol.TypeCommandJournal)
	if err != nil {
		return nil, err
	}
	return reply.(*protocol.CommandJournal).Entries, nil
}

// ExportRecording fetches a session's recording transcript.
func (c *Client) ExportRecording(ctx context.Context, sessionID string) ([]byte, error) {
	reply, err := c.Request(ctx, &protocol.RecordingExport{
		Type: protocol.TypeRecordingExport, SessionID: sessionID,
	}, protocol.TypeRecordingExport, protocol.TypeError)
	if err != nil {
		return nil, err
	}
	if em, isErr := reply.(*protocol.ErrorMsg); isErr {
		return nil, wsherr.New(wsherr.SessionNotFound, em.Message)
	}
	return reply.(*protocol.RecordingExport).Data, nil
}

// Rename relabels a session.
func (c *Client) Rename(sessionID, name string) error {
	return c.send(&protocol.Rename{Type: protocol.TypeRename, SessionID: sessionID, Name: name})
}
