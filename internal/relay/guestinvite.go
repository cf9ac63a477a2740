package relay

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wsh-dev/wsh/internal/wsherr"
)

// GuestClaims are the ES256 JWT claims backing a guest invite: a
// short-lived, view-only credential scoped to exactly one session,
// independent of the long-lived HMAC session token.
type GuestClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"session_id"`
	Mode      string `json:"mode"`
}

// GenerateGuestKey creates a fresh P-256 key pair for signing guest
// invite tokens. Generated once at server startup, like the HMAC server
// secret, and never persisted alongside it.
func GenerateGuestKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "generate guest invite key", err)
	}
	return key, nil
}

// IssueGuestToken signs a GUEST_TOKEN for sessionID, valid for ttl and
// restricted to mode="view".
func IssueGuestToken(key *ecdsa.PrivateKey, sessionID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := GuestClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		SessionID: sessionID,
		Mode:      "view",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", wsherr.Wrap(wsherr.Other, "sign guest token", err)
	}
	return signed, nil
}

// ValidateGuestToken verifies a GUEST_JOIN token's signature and
// expiry, returning the session it grants view access to.
func ValidateGuestToken(pub *ecdsa.PublicKey, tokenString string) (*GuestClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &GuestClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, wsherr.Newf(wsherr.InvalidMessage, "unexpected guest token signing method: %v", t.Header["alg"])
		}
		return pub, nil
	})
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Token, "parse guest token", err)
	}
	claims, ok := token.Claims.(*GuestClaims)
	if !ok || !token.Valid {
		return nil, wsherr.New(wsherr.Token, "invalid guest token claims")
	}
	return claims, nil
}
