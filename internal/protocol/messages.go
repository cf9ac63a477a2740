package protocol

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/wsh-dev/wsh/internal/wsherr"
)

func decodeHeader(payload []byte, hdr *envelopeHeader) error {
	if err := cbor.Unmarshal(payload, hdr); err != nil {
		return wsherr.Wrap(wsherr.Codec, "decode envelope header", err)
	}
	return nil
}

func errUnknownType(t Type) error {
	return wsherr.Newf(wsherr.InvalidMessage, "unknown message type: 0x%02x", uint8(t))
}

// Marshal encodes msg (one of the concrete payload structs below) as a
// CBOR frame body. Every payload struct embeds its own Type field so the
// output is already the flattened {type, ...fields} envelope shape.
func Marshal(msg any) ([]byte, error) {
	b, err := cbor.Marshal(msg)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Codec, "encode envelope", err)
	}
	return b, nil
}

// Unmarshal decodes payload into the concrete struct matching its type
// tag, returning it as `any` (a pointer to the matching struct above) and
// wsherr.InvalidMessage for unrecognized type tags.
func Unmarshal(payload []byte) (any, error) {
	t, err := PeekType(payload)
	if err != nil {
		return nil, err
	}

	var target any
	switch t {
	case TypeHello:
		target = &Hello{}
	case TypeServerHello:
		target = &ServerHello{}
	case TypeChallenge:
		target = &Challenge{}
	case TypeAuthMethods:
		target = &AuthMethods{}
	case TypeAuth:
		target = &Auth{}
	case TypeAuthOk:
		target = &AuthOk{}
	case TypeAuthFail:
		target = &AuthFail{}
	case TypeOpen:
		target = &Open{}
	case TypeOpenOk:
		target = &OpenOk{}
	case TypeOpenFail:
		target = &OpenFail{}
	case TypeResize:
		target = &Resize{}
	case TypeSignal:
		target = &Signal{}
	case TypeExit:
		target = &Exit{}
	case TypeClose:
		target = &Close{}
	case TypeError:
		target = &ErrorMsg{}
	case TypePing:
		target = &Ping{}
	case TypePong:
		target = &Pong{}
	case TypeAttach:
		target = &Attach{}
	case TypeResume:
		target = &Resume{}
	case TypeRename:
		target = &Rename{}
	case TypeIdleWarning:
		target = &IdleWarning{}
	case TypeShutdown:
		target = &Shutdown{}
	case TypeSnapshot:
		target = &Snapshot{}
	case TypePresence:
		target = &Presence{}
	case TypeControlChanged:
		target = &ControlChanged{}
	case TypeMetrics:
		target = &Metrics{}
	case TypeClipboard:
		target = &Clipboard{}
	case TypeRecordingExport:
		target = &RecordingExport{}
	case TypeCommandJournal:
		target = &CommandJournal{}
	case TypeMetricsRequest:
		target = &MetricsRequest{}
	case TypeSuspendSession:
		target = &SuspendSession{}
	case TypeRestartPty:
		target = &RestartPty{}
	case TypeMcpDiscover:
		target = &McpDiscover{}
	case TypeMcpTools:
		target = &McpTools{}
	case TypeMcpCall:
		target = &McpCall{}
	case TypeMcpResult:
		target = &McpResult{}
	case TypeOpenTcp:
		target = &OpenTcp{}
	case TypeOpenUdp:
		target = &OpenUdp{}
	case TypeResolveDns:
		target = &ResolveDns{}
	case TypeGatewayOk:
		target = &GatewayOk{}
	case TypeGatewayFail:
		target = &GatewayFail{}
	case TypeGatewayClose:
		target = &GatewayClose{}
	case TypeGatewayData:
		target = &GatewayData{}
	case TypeDnsResult:
		target = &DnsResult{}
	case TypeListenRequest:
		target = &ListenRequest{}
	case TypeListenOk:
		target = &ListenOk{}
	case TypeListenFail:
		target = &ListenFail{}
	case TypeListenClose:
		target = &ListenClose{}
	case TypeInboundOpen:
		target = &InboundOpen{}
	case TypeInboundAccept:
		target = &InboundAccept{}
	case TypeInboundReject:
		target = &InboundReject{}
	case TypeReverseRegister:
		target = &ReverseRegister{}
	case TypeReverseList:
		target = &ReverseList{}
	case TypeReversePeers:
		target = &ReversePeers{}
	case TypeReverseConnect:
		target = &ReverseConnect{}
	case TypeGuestInvite:
		target = &GuestInvite{}
	case TypeGuestToken:
		target = &GuestToken{}
	case TypeGuestJoin:
		target = &GuestJoin{}
	case TypeGuestRevoke:
		target = &GuestRevoke{}
	case TypeShareSession:
		target = &ShareSession{}
	case TypeShareRevoke:
		target = &ShareRevoke{}
	case TypeRateControl:
		target = &RateControl{}
	case TypeRateWarning:
		target = &RateWarning{}
	case TypeSessionLink:
		target = &SessionLink{}
	case TypeSessionUnlink:
		target = &SessionUnlink{}
	case TypeKeyExchange:
		target = &KeyExchange{}
	case TypeEncryptedFrame:
		target = &EncryptedFrame{}
	case TypeTermSync:
		target = &TermSync{}
	case TypeTermDiff:
		target = &TermDiff{}
	default:
		return nil, errUnknownType(t)
	}

	if err := cbor.Unmarshal(payload, target); err != nil {
		return nil, wsherr.Wrap(wsherr.Codec, "decode payload", err)
	}
	return target, nil
}

// ── Auth ───────────────────────────────────────────────────────────────

type Hello struct {
	Type       Type    `cbor:"type"`
	Version    string  `cbor:"version"`
	Username   string  `cbor:"username"`
	Features   []string `cbor:"features,omitempty"`
	AuthMethod string  `cbor:"auth_method,omitempty"`
}

type ServerHello struct {
	Type         Type     `cbor:"type"`
	SessionID    string   `cbor:"session_id"`
	Features     []string `cbor:"features"`
	Fingerprints []string `cbor:"fingerprints"`
}

type Challenge struct {
	Type  Type   `cbor:"type"`
	Nonce []byte `cbor:"nonce"`
}

type AuthMethods struct {
	Type    Type     `cbor:"type"`
	Methods []string `cbor:"methods"`
}

type Auth struct {
	Type      Type   `cbor:"type"`
	Method    string `cbor:"method"`
	Signature []byte `cbor:"signature,omitempty"`
	PublicKey []byte `cbor:"public_key,omitempty"`
	Password  string `cbor:"password,omitempty"`
}

type AuthOk struct {
	Type      Type   `cbor:"type"`
	SessionID string `cbor:"session_id"`
	Token     []byte `cbor:"token"`
	TTL       uint64 `cbor:"ttl"`
}

type AuthFail struct {
	Type   Type   `cbor:"type"`
	Reason string `cbor:"reason"`
}

// ── Channel ──────────────────────────────────────────────────────────

type Open struct {
	Type    Type              `cbor:"type"`
	Kind    string            `cbor:"kind"`
	Command string            `cbor:"command,omitempty"`
	Cols    uint16            `cbor:"cols,omitempty"`
	Rows    uint16            `cbor:"rows,omitempty"`
	Env     map[string]string `cbor:"env,omitempty"`
}

type OpenOk struct {
	Type      Type     `cbor:"type"`
	ChannelID uint32   `cbor:"channel_id"`
	StreamIDs []uint32 `cbor:"stream_ids"`
}

type OpenFail struct {
	Type   Type   `cbor:"type"`
	Reason string `cbor:"reason"`
}

type Resize struct {
	Type      Type   `cbor:"type"`
	ChannelID uint32 `cbor:"channel_id"`
	Cols      uint16 `cbor:"cols"`
	Rows      uint16 `cbor:"rows"`
}

type Signal struct {
	Type      Type   `cbor:"type"`
	ChannelID uint32 `cbor:"channel_id"`
	Signal    string `cbor:"signal"`
}

type Exit struct {
	Type      Type   `cbor:"type"`
	ChannelID uint32 `cbor:"channel_id"`
	Code      int32  `cbor:"code"`
}

type Close struct {
	Type      Type   `cbor:"type"`
	ChannelID uint32 `cbor:"channel_id"`
}

// ── Liveness ─────────────────────────────────────────────────────────

type ErrorMsg struct {
	Type    Type   `cbor:"type"`
	Code    uint32 `cbor:"code"`
	Message string `cbor:"message"`
}

type Ping struct {
	Type Type   `cbor:"type"`
	ID   uint64 `cbor:"id"`
}

type Pong struct {
	Type Type   `cbor:"type"`
	ID   uint64 `cbor:"id"`
}

// ── Session ──────────────────────────────────────────────────────────

type Attach struct {
	Type        Type   `cbor:"type"`
	SessionID   string `cbor:"session_id"`
	Token       []byte `cbor:"token"`
	Mode        string `cbor:"mode"`
	DeviceLabel string `cbor:"device_label,omitempty"`
}

type Resume struct {
	Type      Type   `cbor:"type"`
	SessionID string `cbor:"session_id"`
	LastSeq   uint64 `cbor:"last_seq,omitempty"`
}

type Rename struct {
	Type      Type   `cbor:"type"`
	SessionID string `cbor:"session_id"`
	Name      string `cbor:"name"`
}

type IdleWarning struct {
	Type              Type   `cbor:"type"`
	SessionID         string `cbor:"session_id"`
	SecondsUntilClose uint64 `cbor:"seconds_until_close"`
}

type Shutdown struct {
	Type       Type   `cbor:"type"`
	Reason     string `cbor:"reason"`
	RetryAfter uint64 `cbor:"retry_after,omitempty"`
}

type Snapshot struct {
	Type  Type   `cbor:"type"`
	Label string `cbor:"label"`
}

// PresenceClient is one attached client as rendered in a PRESENCE
// broadcast.
type PresenceClient struct {
	DeviceLabel    string `cbor:"device_label,omitempty"`
	Mode           string `cbor:"mode"`
	AttachedAtUnix int64  `cbor:"attached_at"`
}

type Presence struct {
	Type      Type             `cbor:"type"`
	SessionID string           `cbor:"session_id"`
	Clients   []PresenceClient `cbor:"clients"`
}

type ControlChanged struct {
	Type       Type   `cbor:"type"`
	SessionID  string `cbor:"session_id"`
	Controller string `cbor:"controller"`
}

type Metrics struct {
	Type          Type   `cbor:"type"`
	SessionID     string `cbor:"session_id"`
	AttachedCount uint32 `cbor:"attached_count"`
	TotalWritten  uint64 `cbor:"total_written"`
	UptimeSecs    uint64 `cbor:"uptime_secs"`
	LiveSessions  uint32 `cbor:"live_sessions"`
}

type MetricsRequest struct {
	Type      Type   `cbor:"type"`
	SessionID string `cbor:"session_id,omitempty"`
}

// Clipboard carries clipboard content between clients attached to the
// same session; the server relays it to every other attached client.
type Clipboard struct {
	Type      Type   `cbor:"type"`
	SessionID string `cbor:"session_id"`
	Data      []byte `cbor:"data"`
}

// RecordingExport is both the request (Data empty) and the reply (Data
// holding the newline-delimited JSON transcript) for exporting a
// session's recording over the control stream.
type RecordingExport struct {
	Type      Type   `cbor:"type"`
	SessionID string `cbor:"session_id"`
	Data      []byte `cbor:"data,omitempty"`
}

// JournalEntry is one reconstructed command line from a session's input
// journal.
type JournalEntry struct {
	AtMs    int64  `cbor:"at_ms"`
	Command string `cbor:"command"`
}

// CommandJournal is both the request (Entries empty, client to server)
// and the reply (server to client) for a session's command history.
type CommandJournal struct {
	Type      Type           `cbor:"type"`
	SessionID string         `cbor:"session_id"`
	Entries   []JournalEntry `cbor:"entries,omitempty"`
}

type SuspendSession struct {
	Type      Type   `cbor:"type"`
	SessionID string `cbor:"session_id"`
}

type RestartPty struct {
	Type      Type   `cbor:"type"`
	ChannelID uint32 `cbor:"channel_id"`
}

// ── MCP ──────────────────────────────────────────────────────────────

type McpDiscover struct {
	Type Type `cbor:"type"`
}

// ToolInfo describes one tool exposed over the MCP bridge. InputSchema
// is an opaque JSON schema blob; the protocol does not interpret it.
type ToolInfo struct {
	Name        string `cbor:"name"`
	Description string `cbor:"description,omitempty"`
	InputSchema []byte `cbor:"input_schema,omitempty"`
}

type McpTools struct {
	Type  Type       `cbor:"type"`
	Tools []ToolInfo `cbor:"tools"`
}

type McpCall struct {
	Type Type   `cbor:"type"`
	ID   uint64 `cbor:"id"`
	Tool string `cbor:"tool"`
	Args []byte `cbor:"args,omitempty"`
}

type McpResult struct {
	Type   Type   `cbor:"type"`
	ID     uint64 `cbor:"id"`
	Result []byte `cbor:"result,omitempty"`
	Error  string `cbor:"error,omitempty"`
}

// ── Gateway ──────────────────────────────────────────────────────────

type OpenTcp struct {
	Type      Type   `cbor:"type"`
	GatewayID uint32 `cbor:"gateway_id"`
	Host      string `cbor:"host"`
	Port      uint16 `cbor:"port"`
}

type OpenUdp struct {
	Type      Type   `cbor:"type"`
	GatewayID uint32 `cbor:"gateway_id"`
	Host      string `cbor:"host"`
	Port      uint16 `cbor:"port"`
}

type ResolveDns struct {
	Type       Type   `cbor:"type"`
	GatewayID  uint32 `cbor:"gateway_id"`
	Name       string `cbor:"name"`
	RecordType string `cbor:"record_type"`
}

type GatewayOk struct {
	Type         Type   `cbor:"type"`
	GatewayID    uint32 `cbor:"gateway_id"`
	ResolvedAddr string `cbor:"resolved_addr,omitempty"`
}

// Gateway failure codes.
const (
	GatewayFailConnectionRefused = 1
	GatewayFailDNSFailed         = 3
	GatewayFailPolicyDenied      = 4
	GatewayFailDisabled          = 5
)

type GatewayFail struct {
	Type      Type   `cbor:"type"`
	GatewayID uint32 `cbor:"gateway_id"`
	Code      uint32 `cbor:"code"`
	Message   string `cbor:"message"`
}

type GatewayClose struct {
	Type      Type   `cbor:"type"`
	GatewayID uint32 `cbor:"gateway_id"`
}

type GatewayData struct {
	Type      Type   `cbor:"type"`
	GatewayID uint32 `cbor:"gateway_id"`
	Data      []byte `cbor:"data"`
}

type DnsResult struct {
	Type      Type     `cbor:"type"`
	GatewayID uint32   `cbor:"gateway_id"`
	Addresses []string `cbor:"addresses"`
	TTL       *uint32  `cbor:"ttl,omitempty"`
}

type ListenRequest struct {
	Type       Type   `cbor:"type"`
	ListenerID uint32 `cbor:"listener_id"`
	Port       uint16 `cbor:"port"`
	BindAddr   string `cbor:"bind_addr"`
}

type ListenOk struct {
	Type       Type   `cbor:"type"`
	ListenerID uint32 `cbor:"listener_id"`
	ActualPort uint16 `cbor:"actual_port"`
}

type ListenFail struct {
	Type       Type   `cbor:"type"`
	ListenerID uint32 `cbor:"listener_id"`
	Reason     string `cbor:"reason"`
}

type ListenClose struct {
	Type       Type   `cbor:"type"`
	ListenerID uint32 `cbor:"listener_id"`
}

type InboundOpen struct {
	Type       Type   `cbor:"type"`
	ListenerID uint32 `cbor:"listener_id"`
	ChannelID  uint32 `cbor:"channel_id"`
	PeerAddr   string `cbor:"peer_addr"`
	PeerPort   uint16 `cbor:"peer_port"`
}

type InboundAccept struct {
	Type      Type    `cbor:"type"`
	ChannelID uint32  `cbor:"channel_id"`
	GatewayID *uint32 `cbor:"gateway_id,omitempty"`
}

type InboundReject struct {
	Type      Type   `cbor:"type"`
	ChannelID uint32 `cbor:"channel_id"`
	Reason    string `cbor:"reason,omitempty"`
}

// ── Relay (REVERSE_*, canonical 0x50-0x53) ──────────────────────────

type ReverseRegister struct {
	Type         Type     `cbor:"type"`
	Fingerprint  string   `cbor:"fingerprint"`
	Username     string   `cbor:"username"`
	Capabilities []string `cbor:"capabilities,omitempty"`
}

type ReverseList struct {
	Type Type `cbor:"type"`
}

type PeerInfo struct {
	FingerprintShort string   `cbor:"fingerprint_short"`
	Username         string   `cbor:"username"`
	Capabilities     []string `cbor:"capabilities,omitempty"`
	LastSeenUnix     int64    `cbor:"last_seen"`
}

type ReversePeers struct {
	Type  Type       `cbor:"type"`
	Peers []PeerInfo `cbor:"peers"`
}

type ReverseConnect struct {
	Type        Type   `cbor:"type"`
	Fingerprint string `cbor:"fingerprint"`
}

// ── Supplement: GUESTINVITE ──────────────────────────────────────────

type GuestInvite struct {
	Type      Type   `cbor:"type"`
	SessionID string `cbor:"session_id"`
	TTLSecs   uint64 `cbor:"ttl_secs"`
}

type GuestToken struct {
	Type  Type   `cbor:"type"`
	Token string `cbor:"token"`
}

type GuestJoin struct {
	Type  Type   `cbor:"type"`
	Token string `cbor:"token"`
}

type GuestRevoke struct {
	Type  Type   `cbor:"type"`
	Token string `cbor:"token"`
}

type ShareSession struct {
	Type      Type   `cbor:"type"`
	SessionID string `cbor:"session_id"`
	TTLSecs   uint64 `cbor:"ttl_secs"`
}

type ShareRevoke struct {
	Type  Type   `cbor:"type"`
	Token string `cbor:"token"`
}

// ── Supplement: RATECONTROL ──────────────────────────────────────────

type RateControl struct {
	Type     Type   `cbor:"type"`
	LimitBps uint64 `cbor:"limit_bps"`
}

type RateWarning struct {
	Type       Type   `cbor:"type"`
	GatewayID  uint32 `cbor:"gateway_id"`
	CurrentBps uint64 `cbor:"current_bps"`
}

// ── Supplement: SESSIONLINK ──────────────────────────────────────────

type SessionLink struct {
	Type      Type   `cbor:"type"`
	SessionID string `cbor:"session_id"`
	Label     string `cbor:"label"`
}

type SessionUnlink struct {
	Type      Type   `cbor:"type"`
	SessionID string `cbor:"session_id"`
}

// ── Supplement: KEYEXCHANGE ──────────────────────────────────────────

type KeyExchange struct {
	Type      Type   `cbor:"type"`
	PublicKey []byte `cbor:"public_key"`
}

type EncryptedFrame struct {
	Type       Type   `cbor:"type"`
	Nonce      []byte `cbor:"nonce"`
	Ciphertext []byte `cbor:"ciphertext"`
}

// ── Supplement: TERMSYNC ─────────────────────────────────────────────

type TermSync struct {
	Type  Type   `cbor:"type"`
	Cols  uint16 `cbor:"cols"`
	Rows  uint16 `cbor:"rows"`
	Cells []byte `cbor:"cells"`
}

type TermDiff struct {
	Type Type   `cbor:"type"`
	Ops  []byte `cbor:"ops"`
}
