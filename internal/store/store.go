// Package store is the durable Task Store (spec §2): a SQLite-backed table
// keyed by repo-id that the manager upserts on every non-terminal state
// transition, deletes from on a terminal one, and scans once at startup to
// rebuild its in-memory task map.
package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/cloneforge/clonemgr/pkg/types"
)

// PathFromURL strips the "sqlite://" scheme clonemgr's config uses for
// Config.DatabaseURL, returning a plain filesystem path suitable for Open.
func PathFromURL(url string) string {
	return strings.TrimPrefix(url, "sqlite://")
}

// Store wraps a SQLite connection opened in WAL mode with a busy timeout,
// following the same pragmas as the teacher's db.Store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("opening task store: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	repo_id         TEXT PRIMARY KEY,
	peer_id         TEXT NOT NULL,
	repo_name       TEXT NOT NULL,
	token           TEXT NOT NULL DEFAULT '',
	password        BLOB,
	worktree        TEXT NOT NULL DEFAULT '',
	peer_addr       TEXT NOT NULL DEFAULT '',
	peer_port       TEXT NOT NULL DEFAULT '',
	email           TEXT NOT NULL DEFAULT '',
	transfer_handle TEXT NOT NULL DEFAULT '',
	local_root_tree TEXT NOT NULL DEFAULT '',
	state           TEXT NOT NULL,
	last_error      TEXT NOT NULL DEFAULT 'OK',
	attempts        INTEGER NOT NULL DEFAULT 0
);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("initializing schema: %w", err)
	}
	return nil
}

// Upsert persists the full state of t, replacing whatever row previously
// existed for t.RepoID. Called after every state transition so a crash
// between transitions never loses more than the in-flight one.
func (s *Store) Upsert(t *types.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (
			repo_id, peer_id, repo_name, token, password, worktree,
			peer_addr, peer_port, email, transfer_handle, local_root_tree,
			state, last_error, attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(repo_id) DO UPDATE SET
			peer_id = excluded.peer_id,
			repo_name = excluded.repo_name,
			token = excluded.token,
			password = excluded.password,
			worktree = excluded.worktree,
			peer_addr = excluded.peer_addr,
			peer_port = excluded.peer_port,
			email = excluded.email,
			transfer_handle = excluded.transfer_handle,
			local_root_tree = excluded.local_root_tree,
			state = excluded.state,
			last_error = excluded.last_error,
			attempts = excluded.attempts
	`,
		t.RepoID, t.PeerID, t.RepoName, t.Token, t.Password, t.Worktree,
		t.PeerAddr, t.PeerPort, t.Email, t.TransferHandle, t.LocalRootTree,
		string(t.State), string(t.LastError), t.Attempts,
	)
	if err != nil {
		return fmt.Errorf("upserting task %s: %w", t.RepoID, err)
	}
	return nil
}

// Delete removes the row for repoID. Called when a task reaches a terminal
// state; the task itself stays in the manager's in-memory map until
// RemoveTask.
func (s *Store) Delete(repoID string) error {
	_, err := s.db.Exec(`DELETE FROM tasks WHERE repo_id = ?`, repoID)
	if err != nil {
		return fmt.Errorf("deleting task %s: %w", repoID, err)
	}
	return nil
}

// ScanAll returns every persisted task, in no particular order. Called
// exactly once, at startup, to rebuild the manager's in-memory map before
// restart classification runs.
func (s *Store) ScanAll() ([]*types.Task, error) {
	rows, err := s.db.Query(`
		SELECT repo_id, peer_id, repo_name, token, password, worktree,
			peer_addr, peer_port, email, transfer_handle, local_root_tree,
			state, last_error, attempts
		FROM tasks
	`)
	if err != nil {
		return nil, fmt.Errorf("scanning tasks: %w", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		t := &types.Task{}
		var state, lastError string
		if err := rows.Scan(
			&t.RepoID, &t.PeerID, &t.RepoName, &t.Token, &t.Password, &t.Worktree,
			&t.PeerAddr, &t.PeerPort, &t.Email, &t.TransferHandle, &t.LocalRootTree,
			&state, &lastError, &t.Attempts,
		); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		t.State = types.State(state)
		t.LastError = types.ErrorKind(lastError)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return out, nil
}
