package config

import (
	"os"
	"path/filepath"
)

// DirName is the wsh state directory under the user's home: ~/.wsh/keys,
// ~/.wsh/known_hosts, ~/.wsh/authorized_keys, ~/.wsh/config.toml,
// ~/.wsh/recordings.
const DirName = ".wsh"

// GetUserConfigDir returns ~/.wsh, creating nothing.
func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, DirName), nil
}

// GetProjectDir walks up from the working directory looking for a local
// ./.wsh override directory or a .git root, so project-scoped settings
// can layer over the user ones. Returns the working directory if neither
// is found.
func GetProjectDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, DirName)); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd, nil
		}
		dir = parent
	}
}

// EnsureConfigDirs creates the user ~/.wsh tree (keys/, recordings/) and
// the project-local ./.wsh override directory.
func EnsureConfigDirs(userConfigDir, projectDir string) error {
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(userConfigDir, "keys"), 0700); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(userConfigDir, "recordings"), 0755); err != nil {
		return err
	}
	return os.MkdirAll(filepath.Join(projectDir, DirName), 0755)
}

// KeysDir returns the directory private/public keypairs are stored in.
func KeysDir(userConfigDir string) string {
	return filepath.Join(userConfigDir, "keys")
}

// RecordingsDir returns the directory session recordings are written to.
func RecordingsDir(userConfigDir string) string {
	return filepath.Join(userConfigDir, "recordings")
}

// KnownHostsPath returns ~/.wsh/known_hosts.
func KnownHostsPath(userConfigDir string) string {
	return filepath.Join(userConfigDir, "known_hosts")
}

// AuthorizedKeysPath returns ~/.wsh/authorized_keys, which takes priority
// over ~/.ssh/authorized_keys.
func AuthorizedKeysPath(userConfigDir string) string {
	return filepath.Join(userConfigDir, "authorized_keys")
}

// ConfigPath returns dir/config.toml.
func ConfigPath(dir string) string {
	return filepath.Join(dir, "config.toml")
}
