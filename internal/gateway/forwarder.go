package gateway

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/protocol"
)

// maxUDPDatagram bounds a single UDP relay read; datagrams up to 64 KiB
// are supported.
const maxUDPDatagram = 64 * 1024

// Emit sends one control envelope back to the client that owns this
// gateway. It is supplied by the caller (the per-connection dispatcher)
// so this package never imports the transport it is multiplexed over.
type Emit func(msg any) error

// conn is one live gateway forwarding connection: a TCP or UDP socket,
// its connection-budget guard, and the write channel the client-to-remote
// relay branch reads from.
type conn struct {
	id      uint32
	kind    string
	guard   *ConnectionGuard
	writeCh chan []byte
	cancel  chan struct{}
	closeMu sync.Once
}

// Manager owns every live gateway connection and reverse listener for one
// session, plus the policy they are all checked against.
type Manager struct {
	policy *Policy
	emit   Emit

	mu             sync.Mutex
	conns          map[uint32]*conn
	listeners      map[uint32]*listener
	pendingInbound map[uint32]net.Conn
}

// NewManager returns a gateway manager enforcing policy and delivering
// GATEWAY_*/LISTEN_*/INBOUND_* envelopes through emit.
func NewManager(policy *Policy, emit Emit) *Manager {
	return &Manager{
		policy:         policy,
		emit:           emit,
		conns:          make(map[uint32]*conn),
		listeners:      make(map[uint32]*listener),
		pendingInbound: make(map[uint32]net.Conn),
	}
}

// OpenTCP handles an OPEN_TCP envelope: policy check, dial, and — on
// success — a spawned bidirectional relay task that outlives this call.
func (m *Manager) OpenTCP(req *protocol.OpenTcp) {
	if !m.policy.Allows(req.Host, req.Port) {
		m.fail(req.GatewayID, protocol.GatewayFailPolicyDenied, fmt.Sprintf("destination %s:%d denied by policy", req.Host, req.Port))
		return
	}
	guard, ok := m.policy.Acquire()
	if !ok {
		m.fail(req.GatewayID, protocol.GatewayFailPolicyDenied, "max connections exceeded")
		return
	}

	addr := net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port)))
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		guard.Release()
		m.fail(req.GatewayID, protocol.GatewayFailConnectionRefused, err.Error())
		return
	}

	gc := &conn{id: req.GatewayID, kind: "tcp", guard: guard, writeCh: make(chan []byte, 64), cancel: make(chan struct{})}
	m.mu.Lock()
	m.conns[req.GatewayID] = gc
	m.mu.Unlock()

	m.emitMsg(&protocol.GatewayOk{Type: protocol.TypeGatewayOk, GatewayID: req.GatewayID, ResolvedAddr: nc.RemoteAddr().String()})
	go m.relay(gc, nc, nc)
}

// OpenUDP handles an OPEN_UDP envelope. UDP uses a single socket
// connected to the peer rather than a listening socket.
func (m *Manager) OpenUDP(req *protocol.OpenUdp) {
	if !m.policy.Allows(req.Host, req.Port) {
		m.fail(req.GatewayID, protocol.GatewayFailPolicyDenied, fmt.Sprintf("destination %s:%d denied by policy", req.Host, req.Port))
		return
	}
	guard, ok := m.policy.Acquire()
	if !ok {
		m.fail(req.GatewayID, protocol.GatewayFailPolicyDenied, "max connections exceeded")
		return
	}

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(req.Host, strconv.Itoa(int(req.Port))))
	if err != nil {
		guard.Release()
		m.fail(req.GatewayID, protocol.GatewayFailDNSFailed, err.Error())
		return
	}
	uc, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		guard.Release()
		m.fail(req.GatewayID, protocol.GatewayFailConnectionRefused, err.Error())
		return
	}

	gc := &conn{id: req.GatewayID, kind: "udp", guard: guard, writeCh: make(chan []byte, 64), cancel: make(chan struct{})}
	m.mu.Lock()
	m.conns[req.GatewayID] = gc
	m.mu.Unlock()

	m.emitMsg(&protocol.GatewayOk{Type: protocol.TypeGatewayOk, GatewayID: req.GatewayID, ResolvedAddr: uc.RemoteAddr().String()})
	go m.relay(gc, uc, uc)
}

// relay runs the forwarder's three branches: cancellation,
// remote-to-client (read r, emit GATEWAY_DATA), and client-to-remote
// (drain the write channel into w). It owns gc's ConnectionGuard for its
// entire lifetime and releases it exactly once on the way out.
func (m *Manager) relay(gc *conn, r net.Conn, w net.Conn) {
	readDone := make(chan struct{})
	bufSize := 32 * 1024
	if gc.kind == "udp" {
		bufSize = maxUDPDatagram
	}

	go func() {
		defer close(readDone)
		buf := make([]byte, bufSize)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				m.emitMsg(&protocol.GatewayData{Type: protocol.TypeGatewayData, GatewayID: gc.id, Data: append([]byte(nil), buf[:n]...)})
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gc.cancel:
			_ = w.Close()
			m.teardown(gc, true)
			return
		case data, ok := <-gc.writeCh:
			if !ok {
				_ = w.Close()
				m.teardown(gc, true)
				return
			}
			if _, err := w.Write(data); err != nil {
				logger.Debug("gateway write failed", "gateway_id", gc.id, "error", err)
				m.teardown(gc, true)
				return
			}
		case <-readDone:
			_ = w.Close()
			m.teardown(gc, true)
			return
		}
	}
}

// WriteData delivers a client-originated GATEWAY_DATA payload to the
// gateway's write channel. Data for an unknown or already-closed gateway
// is dropped with a debug log, never an error.
func (m *Manager) WriteData(gatewayID uint32, data []byte) {
	m.mu.Lock()
	gc, ok := m.conns[gatewayID]
	m.mu.Unlock()
	if !ok {
		logger.Debug("gateway data dropped: unknown gateway", "gateway_id", gatewayID)
		return
	}
	select {
	case gc.writeCh <- data:
	default:
		logger.Debug("gateway write channel full, dropping data", "gateway_id", gatewayID)
	}
}

// Close tears down a gateway connection from outside its relay task (an
// explicit client GATEWAY_CLOSE, or session teardown).
func (m *Manager) Close(gatewayID uint32) {
	m.mu.Lock()
	gc, ok := m.conns[gatewayID]
	m.mu.Unlock()
	if !ok {
		return
	}
	gc.closeMu.Do(func() { close(gc.cancel) })
}

// CloseAll tears down every live gateway connection, used on session
// teardown so relay goroutines never outlive their owning session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]uint32, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Close(id)
	}
	m.closeAllListeners()
}

func (m *Manager) teardown(gc *conn, emitClose bool) {
	m.mu.Lock()
	delete(m.conns, gc.id)
	m.mu.Unlock()
	gc.guard.Release()
	if emitClose {
		m.emitMsg(&protocol.GatewayClose{Type: protocol.TypeGatewayClose, GatewayID: gc.id})
	}
}

func (m *Manager) fail(gatewayID uint32, code uint32, message string) {
	m.emitMsg(&protocol.GatewayFail{Type: protocol.TypeGatewayFail, GatewayID: gatewayID, Code: code, Message: message})
}

func (m *Manager) emitMsg(msg any) {
	if m.emit == nil {
		return
	}
	if err := m.emit(msg); err != nil {
		logger.Debug("gateway emit failed", "error", err)
	}
}
