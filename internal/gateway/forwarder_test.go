package gateway

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wsh-dev/wsh/internal/protocol"
)

// captureEmit collects every envelope a Manager emits.
func captureEmit() (Emit, chan any) {
	ch := make(chan any, 64)
	return func(msg any) error {
		ch <- msg
		return nil
	}, ch
}

func awaitMsg[T any](t *testing.T, ch chan any) T {
	t.Helper()
	for {
		select {
		case msg := <-ch:
			if typed, ok := msg.(T); ok {
				return typed
			}
		case <-time.After(2 * time.Second):
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func TestPolicyDenialEmitsGatewayFail(t *testing.T) {
	emit, ch := captureEmit()
	m := NewManager(NewPolicy([]string{"example.com:443"}, 10, false), emit)

	m.OpenTCP(&protocol.OpenTcp{Type: protocol.TypeOpenTcp, GatewayID: 1, Host: "evil.com", Port: 443})

	fail := awaitMsg[*protocol.GatewayFail](t, ch)
	require.EqualValues(t, 1, fail.GatewayID)
	require.EqualValues(t, protocol.GatewayFailPolicyDenied, fail.Code)
	require.Contains(t, fail.Message, "evil.com")
	require.Zero(t, m.policy.ActiveConnections(), "no relay task may be spawned")
}

func TestConnectionBudgetExhaustion(t *testing.T) {
	p := NewPolicy([]string{"*"}, 1, false)
	g1, ok := p.Acquire()
	require.True(t, ok)

	emit, ch := captureEmit()
	m := NewManager(p, emit)
	m.OpenTCP(&protocol.OpenTcp{Type: protocol.TypeOpenTcp, GatewayID: 2, Host: "127.0.0.1", Port: 1})

	fail := awaitMsg[*protocol.GatewayFail](t, ch)
	require.Contains(t, fail.Message, "max connections")
	g1.Release()
}

func TestTCPRelayRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		nc, aerr := ln.Accept()
		if aerr == nil {
			acceptedCh <- nc
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	emit, ch := captureEmit()
	m := NewManager(NewPolicy([]string{"*"}, 4, false), emit)
	m.OpenTCP(&protocol.OpenTcp{Type: protocol.TypeOpenTcp, GatewayID: 7, Host: host, Port: uint16(port)})

	ok := awaitMsg[*protocol.GatewayOk](t, ch)
	require.EqualValues(t, 7, ok.GatewayID)
	require.EqualValues(t, 1, m.policy.ActiveConnections())

	var accepted net.Conn
	select {
	case accepted = <-acceptedCh:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never reached the listener")
	}
	defer accepted.Close()

	// Client-to-remote path.
	m.WriteData(7, []byte("ping"))
	buf := make([]byte, 4)
	require.NoError(t, accepted.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = accepted.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))

	// Remote-to-client path.
	_, err = accepted.Write([]byte("pong"))
	require.NoError(t, err)
	data := awaitMsg[*protocol.GatewayData](t, ch)
	require.EqualValues(t, 7, data.GatewayID)
	require.Equal(t, []byte("pong"), data.Data)

	// Teardown announces GATEWAY_CLOSE and returns the budget.
	m.Close(7)
	awaitMsg[*protocol.GatewayClose](t, ch)
	require.Eventually(t, func() bool { return m.policy.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDataForUnknownGatewayDropped(t *testing.T) {
	emit, _ := captureEmit()
	m := NewManager(NewPolicy([]string{"*"}, 4, false), emit)
	m.WriteData(99, []byte("lost")) // must not panic or emit
}

func TestReverseListenerLifecycle(t *testing.T) {
	emit, ch := captureEmit()
	m := NewManager(NewPolicy([]string{"*"}, 4, true), emit)

	m.Listen(&protocol.ListenRequest{Type: protocol.TypeListenRequest, ListenerID: 5, Port: 0, BindAddr: "127.0.0.1"})
	ok := awaitMsg[*protocol.ListenOk](t, ch)
	require.EqualValues(t, 5, ok.ListenerID)
	require.NotZero(t, ok.ActualPort, "port 0 means OS-assigned; the grant must be echoed")

	nc, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(ok.ActualPort))))
	require.NoError(t, err)
	defer nc.Close()

	inbound := awaitMsg[*protocol.InboundOpen](t, ch)
	require.EqualValues(t, 5, inbound.ListenerID)
	require.EqualValues(t, 1, inbound.ChannelID, "per-listener channel ids start at 1")

	m.RejectInbound(inbound.ChannelID, "not now")
	m.CloseListener(5)
	require.Eventually(t, func() bool { return m.policy.ActiveConnections() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestReverseListenerDisabledByPolicy(t *testing.T) {
	emit, ch := captureEmit()
	m := NewManager(NewPolicy([]string{"*"}, 4, false), emit)
	m.Listen(&protocol.ListenRequest{Type: protocol.TypeListenRequest, ListenerID: 6, Port: 0, BindAddr: "127.0.0.1"})
	fail := awaitMsg[*protocol.ListenFail](t, ch)
	require.Contains(t, fail.Reason, "disabled")
}
