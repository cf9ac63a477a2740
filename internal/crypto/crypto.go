// Package crypto implements the optional application-layer encryption
// behind the KEY_EXCHANGE/ENCRYPTED_FRAME envelopes: X25519 ECDH +
// HKDF-SHA256 + AES-256-GCM, layered on top of the already-TLS-secured
// transport for an extra confidentiality hop on `file`-channel traffic
// in transit. Off by default.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/wsh-dev/wsh/internal/wsherr"
)

// hkdfInfo distinguishes this key-exchange context from any other HKDF
// derivation that might reuse the same shared secret.
const hkdfInfo = "wsh-file-channel"

// GenerateKeyPair creates a fresh X25519 key pair for one KEY_EXCHANGE.
func GenerateKeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "generate x25519 key pair", err)
	}
	return priv, nil
}

// DeriveSharedKey performs X25519 ECDH against peerPublicKey and stretches
// the shared secret through HKDF-SHA256 into an AES-256-GCM AEAD.
func DeriveSharedKey(priv *ecdh.PrivateKey, peerPublicKey []byte) (cipher.AEAD, error) {
	peerPub, err := ecdh.X25519().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.InvalidMessage, "parse peer public key", err)
	}
	shared, err := priv.ECDH(peerPub)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Other, "x25519 ecdh", err)
	}

	salt := make([]byte, sha256.Size)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfo))
	aesKey := make([]byte, 32)
	if _, err := io.ReadFull(kdf, aesKey); err != nil {
		return nil, wsherr.Wrap(wsherr.Other, "hkdf expand", err)
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Other, "aes cipher init", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext, returning the nonce and ciphertext separately
// so the caller can place them directly into an ENCRYPTED_FRAME envelope.
func Seal(aead cipher.AEAD, plaintext []byte) (nonce, ciphertext []byte, err error) {
	nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, wsherr.Wrap(wsherr.Io, "generate nonce", err)
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, nil)
	return nonce, ciphertext, nil
}

// Open decrypts an ENCRYPTED_FRAME's (nonce, ciphertext) pair.
func Open(aead cipher.AEAD, nonce, ciphertext []byte) ([]byte, error) {
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.InvalidMessage, "decrypt frame", err)
	}
	return plaintext, nil
}
