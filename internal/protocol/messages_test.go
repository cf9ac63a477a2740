package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripRepresentativeMessages(t *testing.T) {
	msgs := []any{
		&Hello{Type: TypeHello, Version: "wsh-v1", Username: "alice", Features: []string{"gateway"}},
		&ServerHello{Type: TypeServerHello, SessionID: "0123", Features: []string{}, Fingerprints: []string{"abcd"}},
		&Challenge{Type: TypeChallenge, Nonce: []byte{1, 2, 3}},
		&Auth{Type: TypeAuth, Method: "pubkey", Signature: []byte{9}, PublicKey: []byte{8}},
		&AuthOk{Type: TypeAuthOk, SessionID: "0123", Token: make([]byte, 40), TTL: 3600},
		&Open{Type: TypeOpen, Kind: "pty", Cols: 80, Rows: 24, Env: map[string]string{"TERM": "xterm"}},
		&OpenOk{Type: TypeOpenOk, ChannelID: 7},
		&Resize{Type: TypeResize, ChannelID: 7, Cols: 160, Rows: 48},
		&Exit{Type: TypeExit, ChannelID: 7, Code: -1},
		&Ping{Type: TypePing, ID: 42},
		&Attach{Type: TypeAttach, SessionID: "0123", Token: []byte{1}, Mode: "view"},
		&OpenTcp{Type: TypeOpenTcp, GatewayID: 1, Host: "example.com", Port: 443},
		&GatewayFail{Type: TypeGatewayFail, GatewayID: 1, Code: GatewayFailPolicyDenied, Message: "denied"},
		&GatewayData{Type: TypeGatewayData, GatewayID: 1, Data: []byte("xyz")},
		&InboundOpen{Type: TypeInboundOpen, ListenerID: 3, ChannelID: 9, PeerAddr: "10.0.0.1", PeerPort: 1234},
		&ReversePeers{Type: TypeReversePeers, Peers: []PeerInfo{{FingerprintShort: "abcd", Username: "p", LastSeenUnix: 1}}},
		&McpCall{Type: TypeMcpCall, ID: 5, Tool: "echo", Args: []byte(`{"a":1}`)},
		&CommandJournal{Type: TypeCommandJournal, SessionID: "0123", Entries: []JournalEntry{{AtMs: 10, Command: "ls"}}},
		&KeyExchange{Type: TypeKeyExchange, PublicKey: []byte{4}},
		&TermSync{Type: TypeTermSync, Cols: 80, Rows: 24, Cells: []byte("x")},
	}

	for _, msg := range msgs {
		b, err := Marshal(msg)
		require.NoError(t, err)
		got, err := Unmarshal(b)
		require.NoError(t, err)
		require.Equal(t, msg, got)
	}
}

func TestUnknownTypeFails(t *testing.T) {
	b, err := Marshal(&Ping{Type: Type(0xee), ID: 1})
	require.NoError(t, err)
	_, err = Unmarshal(b)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown message type: 0xee")
}

func TestPeekType(t *testing.T) {
	b, err := Marshal(&Pong{Type: TypePong, ID: 9})
	require.NoError(t, err)
	typ, err := PeekType(b)
	require.NoError(t, err)
	require.Equal(t, TypePong, typ)
}

func TestCanonicalTagValues(t *testing.T) {
	// The integer codes are fixed wire constants.
	require.EqualValues(t, 0x01, TypeHello)
	require.EqualValues(t, 0x07, TypeAuthFail)
	require.EqualValues(t, 0x10, TypeOpen)
	require.EqualValues(t, 0x16, TypeClose)
	require.EqualValues(t, 0x20, TypeError)
	require.EqualValues(t, 0x22, TypePong)
	require.EqualValues(t, 0x30, TypeAttach)
	require.EqualValues(t, 0x3e, TypeRestartPty)
	require.EqualValues(t, 0x40, TypeMcpDiscover)
	require.EqualValues(t, 0x43, TypeMcpResult)
	require.EqualValues(t, 0x50, TypeReverseRegister)
	require.EqualValues(t, 0x53, TypeReverseConnect)
	require.EqualValues(t, 0x70, TypeOpenTcp)
	require.EqualValues(t, 0x7e, TypeGatewayData)
}
