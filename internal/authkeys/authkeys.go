// Package authkeys parses the two flat-file credential formats the
// protocol treats as opaque external state: authorized_keys (which public
// keys may authenticate) and known_hosts (which server fingerprints a
// client has already seen). Both formats are line-oriented with '#'
// comments.
package authkeys

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/wsh-dev/wsh/internal/identity"
)

// Entry is one parsed authorized_keys line. Options parsing is a stub:
// any matching key is treated as full-access.
type Entry struct {
	PublicKey [32]byte
	Comment   string
}

// ParseAuthorizedKeys reads one entry per non-blank, non-comment line of
// the form "[options] ssh-ed25519 <base64 SSH wire> [comment]". Lines that
// don't carry the ssh-ed25519 algorithm are skipped.
func ParseAuthorizedKeys(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, ok, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("parse authorized_keys line %q: %w", line, err)
		}
		if ok {
			entries = append(entries, entry)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

// LoadAuthorizedKeysFile opens and parses path, returning (nil, nil) if the
// file does not exist — an absent file means an empty authorized set, not
// an error.
func LoadAuthorizedKeysFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return ParseAuthorizedKeys(f)
}

func parseLine(line string) (Entry, bool, error) {
	fields := strings.Fields(line)
	algIdx := -1
	for i, f := range fields {
		if f == "ssh-ed25519" {
			algIdx = i
			break
		}
	}
	if algIdx == -1 || algIdx+1 >= len(fields) {
		return Entry{}, false, nil
	}

	pub, err := decodeSSHWire(fields[algIdx+1])
	if err != nil {
		return Entry{}, false, err
	}

	comment := ""
	if algIdx+2 < len(fields) {
		comment = strings.Join(fields[algIdx+2:], " ")
	}
	return Entry{PublicKey: pub, Comment: comment}, true, nil
}

// decodeSSHWire decodes the base64 SSH wire encoding of an ed25519 key:
// [4-byte len]"ssh-ed25519"[4-byte len][32-byte raw public key].
func decodeSSHWire(b64 string) ([32]byte, error) {
	var out [32]byte
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return out, fmt.Errorf("base64: %w", err)
	}
	r := raw
	algName, rest, err := readSSHString(r)
	if err != nil {
		return out, err
	}
	if string(algName) != "ssh-ed25519" {
		return out, fmt.Errorf("unsupported algorithm %q", algName)
	}
	keyBytes, _, err := readSSHString(rest)
	if err != nil {
		return out, err
	}
	if len(keyBytes) != 32 {
		return out, fmt.Errorf("expected 32-byte ed25519 key, got %d", len(keyBytes))
	}
	copy(out[:], keyBytes)
	return out, nil
}

func readSSHString(b []byte) (value, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("truncated SSH wire string")
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint64(len(b)-4) < uint64(n) {
		return nil, nil, fmt.Errorf("truncated SSH wire string body")
	}
	return b[4 : 4+n], b[4+n:], nil
}

// EncodeSSHWire produces the base64 SSH wire form of an ed25519 public key,
// the counterpart to decodeSSHWire, used by `wsh keygen`/`copy-id` to print
// a line that ParseAuthorizedKeys can read back.
func EncodeSSHWire(pub [32]byte) string {
	alg := []byte("ssh-ed25519")
	buf := make([]byte, 0, 4+len(alg)+4+32)
	buf = appendSSHString(buf, alg)
	buf = appendSSHString(buf, pub[:])
	return base64.StdEncoding.EncodeToString(buf)
}

func appendSSHString(buf, s []byte) []byte {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(s)))
	buf = append(buf, lenBytes[:]...)
	return append(buf, s...)
}

// ToIndex builds a fingerprint index from parsed authorized_keys entries,
// keyed by fingerprint with the entry comment (or fingerprint, if blank)
// as the bound principal.
func ToIndex(entries []Entry) *identity.Index {
	idx := identity.NewIndex()
	for _, e := range entries {
		fp := identity.Fingerprint(e.PublicKey[:])
		principal := e.Comment
		if principal == "" {
			principal = fp
		}
		idx.Insert(fp, principal)
	}
	return idx
}
