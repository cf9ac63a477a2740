package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintIsHexSHA256(t *testing.T) {
	fp := Fingerprint(make([]byte, 32))
	require.Len(t, fp, 64)
	sum := sha256.Sum256(make([]byte, 32))
	require.Equal(t, hex.EncodeToString(sum[:]), fp)
}

func TestShortFingerprintUniqueness(t *testing.T) {
	fps := []string{"a3f8c2d1e4", "a3f8d5b2c3", "b1c2d3e4f5"}
	require.Equal(t, "a3f8c", ShortFingerprint(fps[0], fps))
}

func TestShortFingerprintMinLength(t *testing.T) {
	fps := []string{"a3f8c2", "b1c2d3"}
	// 3 chars ("a3f") would already be unique, but MinShortLength enforces 4.
	require.Equal(t, "a3f8", ShortFingerprint(fps[0], fps))
}

func TestResolvePrefixUnique(t *testing.T) {
	fps := []string{"abc123", "def456"}
	res := ResolvePrefix("abc", fps)
	require.True(t, res.Found)
	require.Equal(t, "abc123", res.Match)
}

func TestResolvePrefixAmbiguous(t *testing.T) {
	fps := []string{"abc123", "abc456"}
	res := ResolvePrefix("abc", fps)
	require.False(t, res.Found)
	require.ElementsMatch(t, []string{"abc123", "abc456"}, res.Ambiguous)
}

func TestResolvePrefixNotFound(t *testing.T) {
	res := ResolvePrefix("zzz", []string{"abc123"})
	require.False(t, res.Found)
	require.Empty(t, res.Ambiguous)
}

func TestIndexOperations(t *testing.T) {
	idx := NewIndex()
	require.True(t, idx.IsEmpty())

	idx.Insert("abc123", "alice")
	idx.Insert("def456", "bob")
	require.Equal(t, 2, idx.Len())

	res := idx.Resolve("abc")
	require.True(t, res.Found)
	require.Equal(t, "abc123", res.Match)

	idx.Remove("abc123")
	require.Equal(t, 1, idx.Len())
	require.False(t, idx.Resolve("abc").Found)
}
