// Package protocol defines the wsh control-channel envelope: the message
// type tag space and one payload struct per tag, decoded in two passes
// (peek the tag, then the concrete struct).
package protocol

// Type is the one-byte envelope tag. The ranges below (Auth through
// Gateway) are fixed wire constants and must not be renumbered; the
// extension range (0x80+) is additive.
type Type uint8

const (
	// Auth 0x01..0x07
	TypeHello Type = 0x01 + iota
	TypeServerHello
	TypeChallenge
	TypeAuthMethods
	TypeAuth
	TypeAuthOk
	TypeAuthFail
)

const (
	// Channel 0x10..0x16
	TypeOpen Type = 0x10 + iota
	TypeOpenOk
	TypeOpenFail
	TypeResize
	TypeSignal
	TypeExit
	TypeClose
)

const (
	// Liveness 0x20..0x22
	TypeError Type = 0x20 + iota
	TypePing
	TypePong
)

const (
	// Session 0x30..0x3e
	TypeAttach Type = 0x30 + iota
	TypeResume
	TypeRename
	TypeIdleWarning
	TypeShutdown
	TypeSnapshot
	TypePresence
	TypeControlChanged
	TypeMetrics
	TypeClipboard
	TypeRecordingExport
	TypeCommandJournal
	TypeMetricsRequest
	TypeSuspendSession
	TypeRestartPty
)

const (
	// MCP 0x40..0x43
	TypeMcpDiscover Type = 0x40 + iota
	TypeMcpTools
	TypeMcpCall
	TypeMcpResult
)

const (
	// Relay 0x50..0x53
	TypeReverseRegister Type = 0x50 + iota
	TypeReverseList
	TypeReversePeers
	TypeReverseConnect
)

const (
	// Gateway 0x70..0x7e
	TypeOpenTcp Type = 0x70 + iota
	TypeOpenUdp
	TypeResolveDns
	TypeGatewayOk
	TypeGatewayFail
	TypeGatewayClose
	TypeInboundOpen
	TypeInboundAccept
	TypeInboundReject
	TypeDnsResult
	TypeListenRequest
	TypeListenOk
	TypeListenFail
	TypeListenClose
	TypeGatewayData
)

const (
	// Extensions 0x80+: guest invites, rate control, session links,
	// end-to-end key exchange, terminal sync. Additive on top of the
	// fixed ranges above.
	TypeGuestInvite Type = 0x80 + iota
	TypeGuestToken
	TypeGuestJoin
	TypeGuestRevoke
	TypeShareSession
	TypeShareRevoke
	TypeRateControl
	TypeRateWarning
	TypeSessionLink
	TypeSessionUnlink
	TypeKeyExchange
	TypeEncryptedFrame
	TypeTermSync
	TypeTermDiff
)

var names = map[Type]string{
	TypeHello: "HELLO", TypeServerHello: "SERVER_HELLO", TypeChallenge: "CHALLENGE",
	TypeAuthMethods: "AUTH_METHODS", TypeAuth: "AUTH", TypeAuthOk: "AUTH_OK", TypeAuthFail: "AUTH_FAIL",
	TypeOpen: "OPEN", TypeOpenOk: "OPEN_OK", TypeOpenFail: "OPEN_FAIL",
	TypeResize: "RESIZE", TypeSignal: "SIGNAL", TypeExit: "EXIT", TypeClose: "CLOSE",
	TypeError: "ERROR", TypePing: "PING", TypePong: "PONG",
	TypeAttach: "ATTACH", TypeResume: "RESUME", TypeRename: "RENAME",
	TypeIdleWarning: "IDLE_WARNING", TypeShutdown: "SHUTDOWN", TypeSnapshot: "SNAPSHOT",
	TypePresence: "PRESENCE", TypeControlChanged: "CONTROL_CHANGED", TypeMetrics: "METRICS",
	TypeClipboard: "CLIPBOARD", TypeRecordingExport: "RECORDING_EXPORT",
	TypeCommandJournal: "COMMAND_JOURNAL", TypeMetricsRequest: "METRICS_REQUEST",
	TypeSuspendSession: "SUSPEND_SESSION", TypeRestartPty: "RESTART_PTY",
	TypeMcpDiscover: "MCP_DISCOVER", TypeMcpTools: "MCP_TOOLS", TypeMcpCall: "MCP_CALL", TypeMcpResult: "MCP_RESULT",
	TypeReverseRegister: "REVERSE_REGISTER", TypeReverseList: "REVERSE_LIST",
	TypeReversePeers: "REVERSE_PEERS", TypeReverseConnect: "REVERSE_CONNECT",
	TypeOpenTcp: "OPEN_TCP", TypeOpenUdp: "OPEN_UDP", TypeResolveDns: "RESOLVE_DNS",
	TypeGatewayOk: "GATEWAY_OK", TypeGatewayFail: "GATEWAY_FAIL", TypeGatewayClose: "GATEWAY_CLOSE",
	TypeInboundOpen: "INBOUND_OPEN", TypeInboundAccept: "INBOUND_ACCEPT", TypeInboundReject: "INBOUND_REJECT",
	TypeDnsResult: "DNS_RESULT", TypeListenRequest: "LISTEN_REQUEST", TypeListenOk: "LISTEN_OK",
	TypeListenFail: "LISTEN_FAIL", TypeListenClose: "LISTEN_CLOSE", TypeGatewayData: "GATEWAY_DATA",
	TypeGuestInvite: "GUEST_INVITE", TypeGuestToken: "GUEST_TOKEN", TypeGuestJoin: "GUEST_JOIN",
	TypeGuestRevoke: "GUEST_REVOKE", TypeShareSession: "SHARE_SESSION", TypeShareRevoke: "SHARE_REVOKE",
	TypeRateControl: "RATE_CONTROL", TypeRateWarning: "RATE_WARNING",
	TypeSessionLink: "SESSION_LINK", TypeSessionUnlink: "SESSION_UNLINK",
	TypeKeyExchange: "KEY_EXCHANGE", TypeEncryptedFrame: "ENCRYPTED_FRAME",
	TypeTermSync: "TERM_SYNC", TypeTermDiff: "TERM_DIFF",
}

// String renders the tag's wire name (e.g. "AUTH_OK"), falling back to
// "UNKNOWN" for unknown tags.
func (t Type) String() string {
	if n, ok := names[t]; ok {
		return n
	}
	return "UNKNOWN"
}

// envelopeHeader is used to peek the discriminant before choosing which
// concrete payload struct to decode into. The "envelope" is simply the
// Type field flattened onto every concrete payload struct.
type envelopeHeader struct {
	Type Type `cbor:"type"`
}

// PeekType decodes just the type discriminant from a frame payload,
// without committing to a concrete struct. Returns wsherr.InvalidMessage
// if the type tag is absent from the known set.
func PeekType(payload []byte) (Type, error) {
	var hdr envelopeHeader
	if err := decodeHeader(payload, &hdr); err != nil {
		return 0, err
	}
	if _, ok := names[hdr.Type]; !ok {
		return hdr.Type, errUnknownType(hdr.Type)
	}
	return hdr.Type, nil
}
