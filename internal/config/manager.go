// Package config loads wsh's on-disk configuration: server policy
// defaults (port, transport, session TTL/idle, auth toggles, gateway
// policy, recording, rate limits, ring-buffer capacity) from
// ~/.wsh/config.toml, optionally overridden by a project-local
// ./.wsh/config.toml.
package config

import (
	"os"

	"github.com/fsnotify/fsnotify"
	toml "github.com/pelletier/go-toml"

	"github.com/wsh-dev/wsh/internal/logger"
)

// Config is the full set of tunables that are deployment policy rather
// than wire protocol.
type Config struct {
	Port      int    `toml:"port,omitempty"`
	Identity  string `toml:"identity,omitempty"`
	Transport string `toml:"transport,omitempty"` // auto | ws | wt

	SessionTTLSeconds int `toml:"session_ttl_seconds,omitempty"`
	IdleSeconds       int `toml:"idle_seconds,omitempty"`
	RingBufferBytes   int `toml:"ring_buffer_bytes,omitempty"`

	AllowPubkey   *bool `toml:"allow_pubkey,omitempty"`
	AllowPassword *bool `toml:"allow_password,omitempty"`

	AllowedDestinations  []string `toml:"allowed_destinations,omitempty"`
	MaxConnections       int      `toml:"max_connections,omitempty"`
	EnableReverseTunnels *bool    `toml:"enable_reverse_tunnels,omitempty"`

	RecordingEnabled *bool `toml:"recording_enabled,omitempty"`

	AllowPTY        *bool  `toml:"allow_pty,omitempty"`
	ForcedCommand   string `toml:"forced_command,omitempty"`
	TermSyncEnabled *bool  `toml:"termsync_enabled,omitempty"`

	// BandwidthLimitBps caps per-connection gateway/PTY throughput;
	// 0 disables metering.
	BandwidthLimitBps int `toml:"bandwidth_limit_bps,omitempty"`

	AuthRateLimitPerMinute   int `toml:"auth_rate_limit_per_minute,omitempty"`
	AttachRateLimitPerMinute int `toml:"attach_rate_limit_per_minute,omitempty"`
}

// Defaults returns the built-in configuration applied when neither the
// user nor project file sets a field.
func Defaults() *Config {
	t, f := true, false
	return &Config{
		Port:                     4422,
		Identity:                 "default",
		Transport:                "auto",
		SessionTTLSeconds:        86400,
		IdleSeconds:              1800,
		RingBufferBytes:          256 * 1024,
		AllowPubkey:              &t,
		AllowPassword:            &f,
		AllowedDestinations:      nil,
		MaxConnections:           64,
		EnableReverseTunnels:     &f,
		RecordingEnabled:         &f,
		AllowPTY:                 &t,
		TermSyncEnabled:          &f,
		BandwidthLimitBps:        0,
		AuthRateLimitPerMinute:   5,
		AttachRateLimitPerMinute: 10,
	}
}

// Manager holds the user config, the project-local override, and their
// merge: project wins, then user, then built-in defaults, first
// non-empty value per field.
type Manager struct {
	userConfig    *Config
	projectConfig *Config
	merged        *Config

	watcher *fsnotify.Watcher
}

// NewManager returns a manager seeded with built-in defaults.
func NewManager() *Manager {
	return &Manager{
		userConfig:    &Config{},
		projectConfig: &Config{},
		merged:        Defaults(),
	}
}

// Load reads config.toml from both the user and project directories (a
// missing file is not an error — it simply contributes no overrides) and
// recomputes the merged view.
func (m *Manager) Load(userConfigDir, projectDir string) error {
	if err := m.loadFile(ConfigPath(userConfigDir), m.userConfig); err != nil {
		return err
	}
	if err := m.loadFile(ConfigPath(projectDir), m.projectConfig); err != nil {
		return err
	}
	m.merge()
	return nil
}

func (m *Manager) loadFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return toml.Unmarshal(data, into)
}

func (m *Manager) merge() {
	merged := *Defaults()
	for _, layer := range []*Config{m.userConfig, m.projectConfig} {
		applyOverrides(&merged, layer)
	}
	m.merged = &merged
}

func applyOverrides(dst, src *Config) {
	if src.Port != 0 {
		dst.Port = src.Port
	}
	if src.Identity != "" {
		dst.Identity = src.Identity
	}
	if src.Transport != "" {
		dst.Transport = src.Transport
	}
	if src.SessionTTLSeconds != 0 {
		dst.SessionTTLSeconds = src.SessionTTLSeconds
	}
	if src.IdleSeconds != 0 {
		dst.IdleSeconds = src.IdleSeconds
	}
	if src.RingBufferBytes != 0 {
		dst.RingBufferBytes = src.RingBufferBytes
	}
	if src.AllowPubkey != nil {
		dst.AllowPubkey = src.AllowPubkey
	}
	if src.AllowPassword != nil {
		dst.AllowPassword = src.AllowPassword
	}
	if len(src.AllowedDestinations) > 0 {
		dst.AllowedDestinations = src.AllowedDestinations
	}
	if src.MaxConnections != 0 {
		dst.MaxConnections = src.MaxConnections
	}
	if src.EnableReverseTunnels != nil {
		dst.EnableReverseTunnels = src.EnableReverseTunnels
	}
	if src.RecordingEnabled != nil {
		dst.RecordingEnabled = src.RecordingEnabled
	}
	if src.AllowPTY != nil {
		dst.AllowPTY = src.AllowPTY
	}
	if src.ForcedCommand != "" {
		dst.ForcedCommand = src.ForcedCommand
	}
	if src.TermSyncEnabled != nil {
		dst.TermSyncEnabled = src.TermSyncEnabled
	}
	if src.BandwidthLimitBps != 0 {
		dst.BandwidthLimitBps = src.BandwidthLimitBps
	}
	if src.AuthRateLimitPerMinute != 0 {
		dst.AuthRateLimitPerMinute = src.AuthRateLimitPerMinute
	}
	if src.AttachRateLimitPerMinute != 0 {
		dst.AttachRateLimitPerMinute = src.AttachRateLimitPerMinute
	}
}

// Get returns the current merged configuration.
func (m *Manager) Get() *Config {
	return m.merged
}

// Watch starts watching the user config file, the project config file,
// known_hosts, and authorized_keys for changes, invoking onChange (with
// the changed path) after reloading the merge. The returned stop func
// closes the watcher.
func (m *Manager) Watch(userConfigDir, projectDir string, onChange func(path string)) (stop func() error, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	m.watcher = w

	paths := []string{
		ConfigPath(userConfigDir),
		ConfigPath(projectDir),
		KnownHostsPath(userConfigDir),
		AuthorizedKeysPath(userConfigDir),
	}
	for _, p := range paths {
		if err := w.Add(p); err != nil {
			logger.Debug("config watch: skipping unwatchable path", "path", p, "error", err)
		}
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
					continue
				}
				if ev.Name == ConfigPath(userConfigDir) || ev.Name == ConfigPath(projectDir) {
					if err := m.Load(userConfigDir, projectDir); err != nil {
						logger.Warn("config reload failed", "error", err)
						continue
					}
				}
				if onChange != nil {
					onChange(ev.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("config watcher error", "error", err)
			}
		}
	}()

	return w.Close, nil
}
