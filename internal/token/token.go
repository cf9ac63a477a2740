// Package token implements the 40-byte HMAC session token: an 8-byte
// big-endian expiry followed by a 32-byte HMAC-SHA256 tag over
// (expiry || session-id). Signature comparison is constant-time.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/wsh-dev/wsh/internal/wsherr"
)

// Size is the fixed wire length of a session token.
const Size = 40

const (
	expiryLen = 8
	tagLen    = 32
)

// Create produces a Size-byte token binding sessionID to an expiry of
// now+ttl, signed with secret.
func Create(secret []byte, sessionID string, ttl time.Duration) []byte {
	expiry := time.Now().Add(ttl).Unix()
	return sign(secret, sessionID, expiry)
}

// Verify checks that token is well-formed, unexpired, and correctly
// signed for sessionID under secret. Returns wsherr.Token with a
// descriptive message on any failure ("invalid length", "expired",
// "invalid signature"), matching the protocol's token error kind.
func Verify(secret []byte, sessionID string, tok []byte) error {
	if len(tok) != Size {
		return wsherr.New(wsherr.Token, "invalid length")
	}

	expiry := int64(binary.BigEndian.Uint64(tok[:expiryLen]))
	if time.Now().Unix() > expiry {
		return wsherr.New(wsherr.Token, "expired")
	}

	expected := sign(secret, sessionID, expiry)
	if !hmac.Equal(tok, expected) {
		return wsherr.New(wsherr.Token, "invalid signature")
	}
	return nil
}

func sign(secret []byte, sessionID string, expiry int64) []byte {
	var expiryBytes [expiryLen]byte
	binary.BigEndian.PutUint64(expiryBytes[:], uint64(expiry))

	mac := hmac.New(sha256.New, secret)
	mac.Write(expiryBytes[:])
	mac.Write([]byte(sessionID))
	tag := mac.Sum(nil)

	out := make([]byte, 0, Size)
	out = append(out, expiryBytes[:]...)
	out = append(out, tag...)
	return out
}

// GenerateSecret returns a fresh 32-byte random server secret. Generated
// once at server startup and never persisted to disk.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "generate server secret", err)
	}
	return secret, nil
}
