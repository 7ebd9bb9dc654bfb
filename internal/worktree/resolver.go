// Package worktree resolves a caller-supplied candidate directory into a
// usable, conflict-free local path for a clone (spec §4.2). It never holds
// state of its own; callers supply the conflict oracle.
package worktree

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Mode distinguishes a speculative resolution (Probe, may synthesize an
// alternative path) from a binding one (Commit, must reject on conflict).
type Mode int

const (
	Probe Mode = iota
	Commit
)

// ErrAlreadyInSync is returned by Resolve in Commit mode when the candidate
// conflicts with an existing repository or active task's worktree.
var ErrAlreadyInSync = errors.New("already in sync")

// ErrInvalidLocalDirectory is returned by Resolve in Commit mode when the
// candidate path exists and is not a directory (or cannot be stat'd).
var ErrInvalidLocalDirectory = errors.New("invalid local directory")

// ErrDisplayNamePrefix is returned when the resolved path's basename does
// not begin with the repository's display name.
var ErrDisplayNamePrefix = errors.New("worktree basename does not match repository display name")

// ConflictOracle reports whether path is already claimed by a known
// repository's worktree or by a non-terminal task.
type ConflictOracle func(path string) bool

// Resolver resolves candidate paths, bounding probe-mode synthesis at
// MaxSynthesizeAttempts appended suffixes.
type Resolver struct {
	MaxSynthesizeAttempts int
}

// New constructs a Resolver with the given synthesis cap.
func New(maxSynthesizeAttempts int) *Resolver {
	return &Resolver{MaxSynthesizeAttempts: maxSynthesizeAttempts}
}

type pathClass int

const (
	classNonexistent pathClass = iota
	classDirectory
	classOther // existing non-directory, or a stat error
)

func classify(path string) pathClass {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return classNonexistent
		}
		return classOther
	}
	if info.IsDir() {
		return classDirectory
	}
	return classOther
}

// Resolve produces a usable local directory for candidate, consulting
// conflicts only when the path already exists as a directory. In Probe
// mode it never touches the filesystem and may return a synthesized
// alternative (candidate-1, candidate-2, ...) on conflict. In Commit mode
// it creates the directory for a nonexistent candidate and fails outright
// on conflict or on a non-directory existing path.
func (r *Resolver) Resolve(candidate string, mode Mode, conflicts ConflictOracle) (string, error) {
	base := strings.TrimRight(candidate, string(filepath.Separator))
	if base == "" {
		base = candidate
	}

	switch classify(base) {
	case classNonexistent:
		if mode == Commit {
			if err := os.MkdirAll(base, 0o755); err != nil {
				return "", fmt.Errorf("creating worktree directory %s: %w", base, err)
			}
		}
		return base, nil

	case classOther:
		if mode == Commit {
			return "", ErrInvalidLocalDirectory
		}
		// Probe mode: deferred creation at a later commit, accept as-is.
		return base, nil

	case classDirectory:
		if !conflicts(base) {
			return base, nil
		}
		if mode == Commit {
			return "", ErrAlreadyInSync
		}
		return r.synthesize(base, conflicts)
	}

	return "", fmt.Errorf("unreachable path classification for %s", base)
}

// synthesize tries base-1, base-2, ... up to MaxSynthesizeAttempts,
// returning the first that does not classify as a conflicting directory.
func (r *Resolver) synthesize(base string, conflicts ConflictOracle) (string, error) {
	for i := 1; i <= r.MaxSynthesizeAttempts; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		switch classify(candidate) {
		case classNonexistent, classOther:
			return candidate, nil
		case classDirectory:
			if !conflicts(candidate) {
				return candidate, nil
			}
		}
	}
	return "", fmt.Errorf("worktree: exhausted %d synthesis attempts for %s", r.MaxSynthesizeAttempts, base)
}

// ValidateDisplayPrefix enforces the admission-time integrity check: the
// resolved worktree's basename must begin with the repository's display
// name, guarding against accidental wrong-directory clones.
func ValidateDisplayPrefix(resolvedPath, displayName string) error {
	base := filepath.Base(strings.TrimRight(resolvedPath, string(filepath.Separator)))
	if !strings.HasPrefix(base, displayName) {
		return ErrDisplayNamePrefix
	}
	return nil
}
