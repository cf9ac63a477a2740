package session

import (
	"context"
	"sync"
	"time"

	"github.com/wsh-dev/wsh/internal/logger"
	"github.com/wsh-dev/wsh/internal/wsherr"
)

// Info is a read-only snapshot of a session's public attributes, the
// shape the SESSION_LIST / `wsh sessions` surfaces render.
type Info struct {
	ID            string
	Fingerprint   string
	Username      string
	CreatedAt     time.Time
	AttachedCount int
	TotalWritten  uint64
	Label         string
}

// Manager owns every live session on a server. All operations hold the
// manager's read/write lock for the minimum span needed; GC takes the
// write lock for its whole pass so it can never observe a half-updated
// session set.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	labels   map[string]string // session id -> rename label
}

// NewManager returns an empty session manager.
func NewManager() *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		labels:   make(map[string]string),
	}
}

// Create registers a new session and returns it.
func (m *Manager) Create(id, fingerprint, username string, ttl, idleTimeout time.Duration) *Session {
	s := NewSession(id, fingerprint, username, ttl, idleTimeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = s
	return s
}

// Get returns the session with the given id, if live.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns a snapshot of every live session's public info.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, Info{
			ID:            id,
			Fingerprint:   s.Fingerprint,
			Username:      s.Username,
			CreatedAt:     s.CreatedAt,
			AttachedCount: s.AttachedCount(),
			TotalWritten:  s.Ring.TotalWritten(),
			Label:         m.labels[id],
		})
	}
	return out
}

// Attach increments the attached-client count for a live session,
// returning the session so callers can reach its ring buffer for replay.
func (m *Manager) Attach(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, wsherr.Newf(wsherr.SessionNotFound, "session %s not found", id)
	}
	s.Attach()
	return s, nil
}

// Detach decrements the attached-client count for id, if it still exists.
func (m *Manager) Detach(id string) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.Detach()
	}
}

// Touch resets id's idle-expiry clock, if it still exists.
func (m *Manager) Touch(id string) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		s.Touch()
	}
}

// Rename assigns a display label to a live session.
func (m *Manager) Rename(id, label string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return wsherr.Newf(wsherr.SessionNotFound, "session %s not found", id)
	}
	m.labels[id] = label
	return nil
}

// Remove tears down a session explicitly: closes every channel it owns,
// closes its recorder if any, and removes it from the manager atomically
// with respect to other Manager operations.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return wsherr.Newf(wsherr.SessionNotFound, "session %s not found", id)
	}
	delete(m.sessions, id)
	delete(m.labels, id)
	m.mu.Unlock()

	for _, err := range s.CloseAllChannels() {
		logger.Warn("error closing channel during session removal", "session_id", id, "error", err)
	}
	if s.Recorder != nil {
		if err := s.Recorder.Close(); err != nil {
			logger.Warn("error closing recorder during session removal", "session_id", id, "error", err)
		}
	}
	return nil
}

// GCOnce runs a single garbage-collection pass, removing every session
// whose age exceeds its ttl, or that has zero attachments and has idled
// past its idle timeout. It holds the manager write lock for the duration
// of the pass so Create/List/Attach cannot observe a partial sweep, then
// tears down evicted sessions' channels/recorders outside the lock.
func (m *Manager) GCOnce() []string {
	now := time.Now()
	var evicted []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.EligibleForGC(now) {
			evicted = append(evicted, s)
			delete(m.sessions, id)
			delete(m.labels, id)
		}
	}
	m.mu.Unlock()

	ids := make([]string, 0, len(evicted))
	for _, s := range evicted {
		ids = append(ids, s.ID)
		for _, err := range s.CloseAllChannels() {
			logger.Warn("error closing channel during GC", "session_id", s.ID, "error", err)
		}
		if s.Recorder != nil {
			if err := s.Recorder.Close(); err != nil {
				logger.Warn("error closing recorder during GC", "session_id", s.ID, "error", err)
			}
		}
	}
	if len(ids) > 0 {
		logger.Info("session GC pass evicted sessions", "count", len(ids))
	}
	return ids
}

// RunGC runs GCOnce on interval until ctx is cancelled.
func (m *Manager) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.GCOnce()
		}
	}
}

// Len returns the number of currently live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
