// Package sessionstore is a sqlite-backed history index of past and
// present sessions, consulted only by CLI/introspection surfaces (the
// `wsh sessions` list, SESSION_LINK aliasing) — never by the live
// session.Manager, which stays purely in-memory. Migrations are embedded
// and applied in lexical order, tracked in a schema_migrations table.
package sessionstore

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/wsh-dev/wsh/internal/wsherr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Entry is one row of session history.
type Entry struct {
	ID            string
	Username      string
	Fingerprint   string
	Label         string
	StartedAt     time.Time
	EndedAt       *time.Time
	RecordingPath string
}

// Store is a sqlite-backed session history index.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at dsn and applies
// any pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "open session store", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, wsherr.Wrap(wsherr.Io, "set WAL mode", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return wsherr.Wrap(wsherr.Io, "create schema_migrations table", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return wsherr.Wrap(wsherr.Io, "read migrations dir", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return wsherr.Wrap(wsherr.Io, fmt.Sprintf("check migration %s", f), err)
		}
		if applied > 0 {
			continue
		}
		sqlBytes, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return wsherr.Wrap(wsherr.Io, fmt.Sprintf("read migration %s", f), err)
		}
		if _, err := s.db.Exec(string(sqlBytes)); err != nil {
			return wsherr.Wrap(wsherr.Io, fmt.Sprintf("apply migration %s", f), err)
		}
		if _, err := s.db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			return wsherr.Wrap(wsherr.Io, fmt.Sprintf("record migration %s", f), err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordStart inserts a new history row for a freshly authenticated
// session.
func (s *Store) RecordStart(id, username, fingerprint string, startedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, username, fingerprint, started_at) VALUES (?, ?, ?, ?)`,
		id, username, fingerprint, startedAt.UTC(),
	)
	if err != nil {
		return wsherr.Wrap(wsherr.Io, "record session start", err)
	}
	return nil
}

// RecordEnd marks a session as ended and, if recording was enabled,
// stores the path to its transcript.
func (s *Store) RecordEnd(id string, endedAt time.Time, recordingPath string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET ended_at = ?, recording_path = ? WHERE id = ?`,
		endedAt.UTC(), recordingPath, id,
	)
	if err != nil {
		return wsherr.Wrap(wsherr.Io, "record session end", err)
	}
	return nil
}

// SetLabel assigns (or clears, with label="") a SESSION_LINK alias.
func (s *Store) SetLabel(id, label string) error {
	res, err := s.db.Exec(`UPDATE sessions SET label = ? WHERE id = ?`, label, id)
	if err != nil {
		return wsherr.Wrap(wsherr.Io, "set session label", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wsherr.Wrap(wsherr.Io, "set session label", err)
	}
	if n == 0 {
		return wsherr.Newf(wsherr.SessionNotFound, "session %s not found in history", id)
	}
	return nil
}

// List returns session history ordered most-recent-first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT id, username, fingerprint, label, started_at, ended_at, recording_path FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, wsherr.Wrap(wsherr.Io, "list session history", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ended sql.NullTime
		if err := rows.Scan(&e.ID, &e.Username, &e.Fingerprint, &e.Label, &e.StartedAt, &ended, &e.RecordingPath); err != nil {
			return nil, wsherr.Wrap(wsherr.Io, "scan session history row", err)
		}
		if ended.Valid {
			t := ended.Time
			e.EndedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
