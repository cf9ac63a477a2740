package handshake

import "crypto/sha256"

// ProtocolVersion is the only version this implementation speaks.
// Negotiation is exact-match; the priority-ordered list exists so a
// future "wsh-v2" has somewhere to go.
const ProtocolVersion = "wsh-v1"

// SupportedVersions is the priority-ordered version list offered during
// negotiation.
var SupportedVersions = []string{ProtocolVersion}

// Transcript computes SHA-256("wsh-v1" || 0x00 || session_id_ascii ||
// nonce), the exact byte sequence pubkey auth signs and the server
// verifies. Binding the session id into the transcript means a captured
// signature cannot be replayed against a different session.
func Transcript(sessionID string, nonce []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(ProtocolVersion))
	h.Write([]byte{0x00})
	h.Write([]byte(sessionID))
	h.Write(nonce)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
