// Package ctl is wshd's local control plane: a gRPC service on a
// token-guarded unix socket (~/.wsh/wshd.sock) the CLI drives for
// daemon-local operations — listing live sessions, killing them,
// reading daemon status — without going through the wire protocol.
// The service uses a CBOR codec and a hand-rolled ServiceDesc instead of
// protoc output, so the daemon carries no generated code; message
// schemas live in this file.
package ctl

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"google.golang.org/grpc/encoding"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "wsh.ctl.Ctl"

// CodecName is the content-subtype both ends negotiate.
const CodecName = "cbor"

// SocketFile and TokenFile are the daemon's control-plane artifacts
// under the user config dir.
const (
	SocketFile = "wshd.sock"
	TokenFile  = "wshd.token"
)

func init() {
	encoding.RegisterCodec(cborCodec{})
}

// cborCodec satisfies grpc's encoding.Codec over fxamacker/cbor, the
// same serializer the wire protocol uses.
type cborCodec struct{}

func (cborCodec) Marshal(v any) ([]byte, error)      { return cbor.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
func (cborCodec) Name() string                       { return CodecName }

// ── Messages ─────────────────────────────────────────────────────────

type Empty struct{}

type StatusReply struct {
	Pid          int    `cbor:"pid"`
	UptimeSecs   uint64 `cbor:"uptime_secs"`
	LiveSessions int    `cbor:"live_sessions"`
}

type SessionInfo struct {
	ID            string    `cbor:"id"`
	Username      string    `cbor:"username"`
	Fingerprint   string    `cbor:"fingerprint"`
	Label         string    `cbor:"label,omitempty"`
	CreatedAt     time.Time `cbor:"created_at"`
	AttachedCount int       `cbor:"attached_count"`
	TotalWritten  uint64    `cbor:"total_written"`
}

type SessionsReply struct {
	Sessions []SessionInfo `cbor:"sessions"`
}

type KillRequest struct {
	SessionID string `cbor:"session_id"`
}

type KillReply struct {
	Removed bool `cbor:"removed"`
}
