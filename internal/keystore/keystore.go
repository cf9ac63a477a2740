// Package keystore manages the client's Ed25519 identities on disk:
// ~/.wsh/keys/<name>.pem (PKCS#8, mode 0600) plus <name>.pub in the
// authorized_keys line format.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/wsh-dev/wsh/internal/authkeys"
	"github.com/wsh-dev/wsh/internal/identity"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

const pemBlockType = "PRIVATE KEY"

// KeyPair is one loaded identity.
type KeyPair struct {
	Name       string
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
}

// Fingerprint returns the hex SHA-256 fingerprint of the public key.
func (k *KeyPair) Fingerprint() string {
	return identity.Fingerprint(k.PublicKey)
}

// PublicLine renders the key's .pub / authorized_keys line.
func (k *KeyPair) PublicLine(comment string) string {
	var pub [32]byte
	copy(pub[:], k.PublicKey)
	line := "ssh-ed25519 " + authkeys.EncodeSSHWire(pub)
	if comment != "" {
		line += " " + comment
	}
	return line
}

// Generate creates a fresh Ed25519 keypair named name under keysDir,
// failing if one already exists. The directory is created mode 0700 and
// the private key file mode 0600.
func Generate(keysDir, name, comment string) (*KeyPair, error) {
	privPath := filepath.Join(keysDir, name+".pem")
	if _, err := os.Stat(privPath); err == nil {
		return nil, wsherr.Newf(wsherr.Io, "key %q already exists", name)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "generate ed25519 key", err)
	}

	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "create keys dir", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "marshal private key", err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der})
	if err := os.WriteFile(privPath, pemBytes, 0o600); err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "write private key", err)
	}

	kp := &KeyPair{Name: name, PrivateKey: priv, PublicKey: pub}
	pubLine := kp.PublicLine(comment) + "\n"
	if err := os.WriteFile(filepath.Join(keysDir, name+".pub"), []byte(pubLine), 0o644); err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "write public key", err)
	}
	return kp, nil
}

// Load reads the identity named name from keysDir.
func Load(keysDir, name string) (*KeyPair, error) {
	data, err := os.ReadFile(filepath.Join(keysDir, name+".pem"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wsherr.Newf(wsherr.UnknownKey, "no key named %q", name)
		}
		return nil, wsherr.Wrap(wsherr.Io, "read private key", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, wsherr.Newf(wsherr.UnknownKey, "key %q is not a PEM private key", name)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.UnknownKey, "parse private key", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, wsherr.Newf(wsherr.UnknownKey, "key %q is not ed25519", name)
	}
	return &KeyPair{
		Name:       name,
		PrivateKey: priv,
		PublicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// List returns the names of every identity present in keysDir.
func List(keysDir string) ([]string, error) {
	entries, err := os.ReadDir(keysDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, wsherr.Wrap(wsherr.Io, "read keys dir", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".pem") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".pem"))
	}
	return names, nil
}

// AppendAuthorized appends a public-key line to an authorized_keys file,
// creating it if absent (mode 0600).
func AppendAuthorized(path, line string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return wsherr.Wrap(wsherr.Io, "open authorized_keys", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, line); err != nil {
		return wsherr.Wrap(wsherr.Io, "append authorized_keys", err)
	}
	return nil
}
