package keystore

import (
	"crypto/ed25519"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wsh-dev/wsh/internal/authkeys"
)

func TestGenerateLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	kp, err := Generate(dir, "default", "alice@laptop")
	require.NoError(t, err)

	loaded, err := Load(dir, "default")
	require.NoError(t, err)
	require.Equal(t, kp.PrivateKey, loaded.PrivateKey)
	require.Equal(t, kp.Fingerprint(), loaded.Fingerprint())

	// Signing with the reloaded key verifies against the original public.
	msg := []byte("probe")
	sig := ed25519.Sign(loaded.PrivateKey, msg)
	require.True(t, ed25519.Verify(kp.PublicKey, msg, sig))
}

func TestGenerateRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	_, err := Generate(dir, "default", "")
	require.NoError(t, err)
	_, err = Generate(dir, "default", "")
	require.Error(t, err)
}

func TestPrivateKeyFileMode(t *testing.T) {
	dir := t.TempDir()
	_, err := Generate(dir, "k", "")
	require.NoError(t, err)
	fi, err := os.Stat(filepath.Join(dir, "k.pem"))
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestPublicLineParsesAsAuthorizedKey(t *testing.T) {
	dir := t.TempDir()
	kp, err := Generate(dir, "k", "alice@laptop")
	require.NoError(t, err)

	entries, err := authkeys.ParseAuthorizedKeys(strings.NewReader(kp.PublicLine("alice@laptop")))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "alice@laptop", entries[0].Comment)
	require.Equal(t, []byte(kp.PublicKey), entries[0].PublicKey[:])
}

func TestList(t *testing.T) {
	dir := t.TempDir()
	_, err := Generate(dir, "a", "")
	require.NoError(t, err)
	_, err = Generate(dir, "b", "")
	require.NoError(t, err)

	names, err := List(dir)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(t.TempDir(), "nope")
	require.Error(t, err)
}
