// Package session implements the server-side session layer: the ring
// buffer and recorder a live PTY channel tees its output into, and the
// SessionManager tracking every authenticated principal's live state.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/wsh-dev/wsh/internal/wsherr"
)

// DefaultRingBufferCapacity is the 256 KiB cap on the PTY replay buffer.
const DefaultRingBufferCapacity = 256 * 1024

// ChannelHandle is the minimal surface the session layer needs from a
// channel to close it during teardown, without importing internal/channel
// and creating an import cycle (internal/channel ties its PTY tee back
// into this package's RingBuffer/Recorder).
type ChannelHandle interface {
	ID() uint32
	Close() error
}

// Session is one authenticated principal's server-side state: ring
// buffer, optional recorder, and the channels it currently owns.
type Session struct {
	ID          string
	Fingerprint string
	Username    string

	CreatedAt   time.Time
	TTL         time.Duration
	IdleTimeout time.Duration

	Ring     *RingBuffer
	Recorder *Recorder
	Journal  *Journal

	mu           sync.RWMutex
	attached     int
	lastActivity time.Time
	channels     map[uint32]ChannelHandle

	nextChannelID atomic.Uint32
}

// NextChannelID allocates a fresh channel id: unique per session,
// monotonically increasing, never reused within the session.
func (s *Session) NextChannelID() uint32 {
	return s.nextChannelID.Add(1)
}

// NewSession creates a session with a fresh ring buffer. ttl/idleTimeout
// of zero mean "never expires" for that axis.
func NewSession(id, fingerprint, username string, ttl, idleTimeout time.Duration) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		Fingerprint:  fingerprint,
		Username:     username,
		CreatedAt:    now,
		TTL:          ttl,
		IdleTimeout:  idleTimeout,
		Ring:         NewRingBuffer(DefaultRingBufferCapacity),
		Journal:      NewJournal(),
		channels:     make(map[uint32]ChannelHandle),
		lastActivity: now,
	}
}

// Touch records activity now, resetting the idle-expiry clock.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
}

func (s *Session) lastActivityTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// Attach increments the attached-client count and touches the session.
func (s *Session) Attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attached++
	s.lastActivity = time.Now()
}

// Detach decrements the attached-client count, floored at zero.
func (s *Session) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached > 0 {
		s.attached--
	}
	s.lastActivity = time.Now()
}

// AttachedCount returns the current number of attached clients.
func (s *Session) AttachedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.attached
}

// AddChannel registers a channel under id, rejecting a duplicate id.
func (s *Session) AddChannel(id uint32, ch ChannelHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.channels[id]; exists {
		return wsherr.Newf(wsherr.Channel, "channel id %d already in use", id)
	}
	s.channels[id] = ch
	return nil
}

// RemoveChannel drops the channel with the given id, if present.
func (s *Session) RemoveChannel(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.channels, id)
}

// Channel returns the channel with the given id, if present.
func (s *Session) Channel(id uint32) (ChannelHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ch, ok := s.channels[id]
	return ch, ok
}

// Channels returns a snapshot of every currently registered channel.
func (s *Session) Channels() []ChannelHandle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChannelHandle, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// CloseAllChannels closes every channel owned by the session, collecting
// but not stopping on individual errors.
func (s *Session) CloseAllChannels() []error {
	var errs []error
	for _, ch := range s.Channels() {
		if err := ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// EligibleForGC reports whether the session should be reaped at now: its
// age exceeds its TTL, or it has zero attachments and has been idle
// longer than its idle timeout.
func (s *Session) EligibleForGC(now time.Time) bool {
	if s.TTL > 0 && now.Sub(s.CreatedAt) > s.TTL {
		return true
	}
	if s.AttachedCount() == 0 && s.IdleTimeout > 0 && now.Sub(s.lastActivityTime()) > s.IdleTimeout {
		return true
	}
	return false
}
