package gateway

import (
	"net"
	"strconv"
	"sync/atomic"

	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/protocol"
)

// listener is one reverse-listener accept loop: a bound TCP listener
// whose newly accepted connections are announced to the client as
// INBOUND_OPEN and held pending an INBOUND_ACCEPT/REJECT.
type listener struct {
	id    uint32
	ln    net.Listener
	guard *ConnectionGuard

	nextChannelID atomic.Uint32
}

// Listen handles a LISTEN_REQUEST envelope: policy check (reverse
// tunnels must be enabled and the connection budget must allow one more),
// bind, and a spawned accept loop that outlives this call.
func (m *Manager) Listen(req *protocol.ListenRequest) {
	if !m.policy.EnableReverseTunnels {
		m.listenFail(req.ListenerID, "reverse tunnels disabled by policy")
		return
	}
	guard, ok := m.policy.Acquire()
	if !ok {
		m.listenFail(req.ListenerID, "max connections exceeded")
		return
	}

	addr := net.JoinHostPort(req.BindAddr, strconv.Itoa(int(req.Port)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		guard.Release()
		m.listenFail(req.ListenerID, err.Error())
		return
	}

	lst := &listener{id: req.ListenerID, ln: ln, guard: guard}
	m.mu.Lock()
	m.listeners[req.ListenerID] = lst
	m.mu.Unlock()

	actualPort := uint16(0)
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		actualPort = uint16(tcpAddr.Port)
	}
	m.emitMsg(&protocol.ListenOk{Type: protocol.TypeListenOk, ListenerID: req.ListenerID, ActualPort: actualPort})
	go m.acceptLoop(lst)
}

func (m *Manager) acceptLoop(lst *listener) {
	for {
		nc, err := lst.ln.Accept()
		if err != nil {
			logger.Debug("reverse listener accept loop ended", "listener_id", lst.id, "error", err)
			return
		}

		chID := lst.nextChannelID.Add(1)
		host, portStr, splitErr := net.SplitHostPort(nc.RemoteAddr().String())
		var port uint16
		if splitErr == nil {
			if p, perr := strconv.Atoi(portStr); perr == nil {
				port = uint16(p)
			}
		}

		m.mu.Lock()
		m.pendingInbound[chID] = nc
		m.mu.Unlock()

		m.emitMsg(&protocol.InboundOpen{
			Type:       protocol.TypeInboundOpen,
			ListenerID: lst.id,
			ChannelID:  chID,
			PeerAddr:   host,
			PeerPort:   port,
		})
	}
}

// AcceptInbound bridges a pending inbound connection into a live gateway
// connection in response to INBOUND_ACCEPT. No id is minted here:
// gatewayID, chosen by the caller, is the id the client will address
// GATEWAY_DATA to.
func (m *Manager) AcceptInbound(channelID uint32, gatewayID uint32) bool {
	m.mu.Lock()
	nc, ok := m.pendingInbound[channelID]
	if ok {
		delete(m.pendingInbound, channelID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	guard, acquired := m.policy.Acquire()
	if !acquired {
		_ = nc.Close()
		return false
	}

	gc := &conn{id: gatewayID, kind: "tcp", guard: guard, writeCh: make(chan []byte, 64), cancel: make(chan struct{})}
	m.mu.Lock()
	m.conns[gatewayID] = gc
	m.mu.Unlock()

	go m.relay(gc, nc, nc)
	return true
}

// RejectInbound drops a pending inbound connection in response to
// INBOUND_REJECT.
func (m *Manager) RejectInbound(channelID uint32, reason string) {
	m.mu.Lock()
	nc, ok := m.pendingInbound[channelID]
	if ok {
		delete(m.pendingInbound, channelID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	logger.Debug("inbound connection rejected", "channel_id", channelID, "reason", reason)
	_ = nc.Close()
}

// CloseListener tears a reverse listener down in response to
// LISTEN_CLOSE.
func (m *Manager) CloseListener(listenerID uint32) {
	m.mu.Lock()
	lst, ok := m.listeners[listenerID]
	if ok {
		delete(m.listeners, listenerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	_ = lst.ln.Close()
	lst.guard.Release()
}

func (m *Manager) closeAllListeners() {
	m.mu.Lock()
	ids := make([]uint32, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.CloseListener(id)
	}
}

func (m *Manager) listenFail(listenerID uint32, reason string) {
	m.emitMsg(&protocol.ListenFail{Type: protocol.TypeListenFail, ListenerID: listenerID, Reason: reason})
}
