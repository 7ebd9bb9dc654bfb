// Package eventlog is a durable, at-least-once outbox for Completion
// Dispatcher events (spec §4.6 expansion). Every event is appended here,
// atomically, before being applied to a task's state; on restart any entry
// not yet marked applied is redelivered to the dispatcher, closing the
// crash window between "collaborator finished" and "state advanced" that
// an in-memory-only event queue would leave open across a process
// restart. Grounded on the teacher's internal/mailbox atomic-rename
// directory layout.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind identifies which collaborator produced the completion.
type Kind string

const (
	KindTransfer Kind = "TRANSFER"
	KindIndex    Kind = "INDEX"
	KindCheckout Kind = "CHECKOUT"
	KindMerge    Kind = "MERGE"
)

// Entry is one durable completion record.
type Entry struct {
	ID         string `json:"id"`
	RepoID     string `json:"repo_id"`
	Kind       Kind   `json:"kind"`
	OK         bool   `json:"ok"`
	ErrMsg     string `json:"err_msg,omitempty"`
	RootTreeID string `json:"root_tree_id,omitempty"`
	Conflicts  bool   `json:"conflicts,omitempty"`
	Canceled   bool   `json:"canceled,omitempty"`
}

// Log is a directory-backed outbox: entries live in pending/ until
// MarkApplied moves them to applied/.
type Log struct {
	mu         sync.Mutex
	pendingDir string
	appliedDir string
	tmpDir     string
}

// Open creates (if necessary) the outbox directory layout under dir.
func Open(dir string) (*Log, error) {
	l := &Log{
		pendingDir: filepath.Join(dir, "pending"),
		appliedDir: filepath.Join(dir, "applied"),
		tmpDir:     filepath.Join(dir, ".tmp"),
	}
	for _, d := range []string{l.pendingDir, l.appliedDir, l.tmpDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("creating eventlog directory %s: %w", d, err)
		}
	}
	return l, nil
}

// Append durably records e, assigning it a new ID, and returns the
// entry's file name (not the ID) so the caller can MarkApplied it later.
func (l *Log) Append(e Entry) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = uuid.NewString()
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), e.ID)

	tmpPath := filepath.Join(l.tmpDir, name+".tmp")
	finalPath := filepath.Join(l.pendingDir, name)

	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshaling event log entry: %w", err)
	}
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return "", fmt.Errorf("writing event log entry: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("committing event log entry: %w", err)
	}
	return name, nil
}

// MarkApplied moves name from pending to applied. It is not an error to
// mark an already-applied or already-removed entry.
func (l *Log) MarkApplied(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	src := filepath.Join(l.pendingDir, name)
	dst := filepath.Join(l.appliedDir, name)
	if err := os.Rename(src, dst); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("marking event log entry applied: %w", err)
	}
	return nil
}

// PendingEntry pairs an Entry with the outbox filename it was read from,
// needed to MarkApplied it after redelivery.
type PendingEntry struct {
	Name  string
	Entry Entry
}

// Pending lists every not-yet-applied entry, oldest first (filenames are
// timestamp-prefixed). Cross-repository ordering has no semantic meaning;
// it is only a tidy default for redelivery at startup.
func (l *Log) Pending() ([]PendingEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	dirEntries, err := os.ReadDir(l.pendingDir)
	if err != nil {
		return nil, fmt.Errorf("reading pending event log entries: %w", err)
	}

	var out []PendingEntry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(l.pendingDir, de.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading pending entry %s: %w", de.Name(), err)
		}
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("decoding pending entry %s: %w", de.Name(), err)
		}
		out = append(out, PendingEntry{Name: de.Name(), Entry: e})
	}
	return out, nil
}
