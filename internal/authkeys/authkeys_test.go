package authkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wsh-dev/wsh/internal/identity"
)

func wireLine(t *testing.T, comment string) (string, [32]byte) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var raw [32]byte
	copy(raw[:], pub)
	line := "ssh-ed25519 " + EncodeSSHWire(raw)
	if comment != "" {
		line += " " + comment
	}
	return line, raw
}

func TestParseAuthorizedKeys(t *testing.T) {
	lineA, keyA := wireLine(t, "alice@laptop")
	lineB, keyB := wireLine(t, "")
	input := strings.Join([]string{
		"# a comment",
		"",
		lineA,
		"ssh-rsa AAAAnotsupported bob@old",
		"no-pty " + lineB, // options prefix is tolerated
	}, "\n")

	entries, err := ParseAuthorizedKeys(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, keyA, entries[0].PublicKey)
	require.Equal(t, "alice@laptop", entries[0].Comment)
	require.Equal(t, keyB, entries[1].PublicKey)
}

func TestEncodeDecodeWireRoundTrip(t *testing.T) {
	line, key := wireLine(t, "c")
	entries, err := ParseAuthorizedKeys(strings.NewReader(line))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, key, entries[0].PublicKey)
}

func TestToIndex(t *testing.T) {
	lineA, keyA := wireLine(t, "alice")
	entries, err := ParseAuthorizedKeys(strings.NewReader(lineA))
	require.NoError(t, err)

	idx := ToIndex(entries)
	fp := identity.Fingerprint(keyA[:])
	result := idx.Resolve(fp)
	require.True(t, result.Found)
	require.Equal(t, fp, result.Match)
}

func TestLoadAuthorizedKeysFileMissing(t *testing.T) {
	entries, err := LoadAuthorizedKeysFile(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestKnownHostsLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "known_hosts")
	kh, err := LoadKnownHosts(path)
	require.NoError(t, err)

	status, _ := kh.Lookup("example.com", "aabb")
	require.Equal(t, Unknown, status)

	require.NoError(t, kh.Remember("example.com", "aabb"))

	status, _ = kh.Lookup("example.com", "aabb")
	require.Equal(t, Known, status)

	status, expected := kh.Lookup("example.com", "ccdd")
	require.Equal(t, Changed, status)
	require.Equal(t, "aabb", expected)

	// Persisted across reloads.
	kh2, err := LoadKnownHosts(path)
	require.NoError(t, err)
	status, _ = kh2.Lookup("example.com", "aabb")
	require.Equal(t, Known, status)
}
