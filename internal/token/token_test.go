package token

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateAndVerify(t *testing.T) {
	secret := []byte("super-secret-key-material-32byte")
	tok := Create(secret, "session-abc", time.Minute)
	require.Len(t, tok, Size)
	require.NoError(t, Verify(secret, "session-abc", tok))
}

func TestWrongSessionID(t *testing.T) {
	secret := []byte("secret")
	tok := Create(secret, "session-abc", time.Minute)
	err := Verify(secret, "session-xyz", tok)
	require.Error(t, err)
}

func TestWrongSecret(t *testing.T) {
	tok := Create([]byte("secret-a"), "session-abc", time.Minute)
	err := Verify([]byte("secret-b"), "session-abc", tok)
	require.Error(t, err)
}

func TestExpiredToken(t *testing.T) {
	secret := []byte("secret")
	tok := Create(secret, "session-abc", -time.Second)
	err := Verify(secret, "session-abc", tok)
	require.Error(t, err)
}

func TestInvalidLength(t *testing.T) {
	err := Verify([]byte("secret"), "session-abc", []byte("too-short"))
	require.Error(t, err)
}

func TestGenerateSecretLength(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	require.Len(t, secret, 32)
}
