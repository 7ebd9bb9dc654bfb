package collab

import (
	"context"
	"time"

	"github.com/cloneforge/clonemgr/internal/ports"
)

// SubprocessIndexer implements ports.Indexer by shelling out to a
// configured command once per call. The subprocess is expected to index
// the worktree at request.worktree_path and print a response envelope
// carrying the resulting root-tree identifier.
type SubprocessIndexer struct {
	Command string
	Timeout time.Duration
}

// NewSubprocessIndexer builds a SubprocessIndexer bound to command/timeout
// (typically config.Config.IndexerCommand / IndexerTimeout).
func NewSubprocessIndexer(command string, timeout time.Duration) *SubprocessIndexer {
	return &SubprocessIndexer{Command: command, Timeout: timeout}
}

// IndexWorktree runs the configured subprocess synchronously; callers on
// the manager side already run this from a worker goroutine via runJob.
func (s *SubprocessIndexer) IndexWorktree(ctx context.Context, repoID, worktreePath string, password []byte) (ports.IndexResult, error) {
	resp, err := runSubprocess(ctx, s.Command, s.Timeout, request{
		RepoID:       repoID,
		WorktreePath: worktreePath,
		Password:     encodePassword(password),
	})
	if err != nil {
		return ports.IndexResult{}, err
	}
	return ports.IndexResult{RootTreeID: resp.RootTreeID}, nil
}
