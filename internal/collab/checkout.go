package collab

import (
	"context"
	"time"
)

// SubprocessCheckoutEngine implements ports.CheckoutEngine by shelling out
// to a configured command on its own goroutine per call, matching the
// port's contract that StartCheckout never blocks the caller.
type SubprocessCheckoutEngine struct {
	Command string
	Timeout time.Duration
}

// NewSubprocessCheckoutEngine builds a SubprocessCheckoutEngine bound to
// command/timeout (typically config.Config.CheckoutCommand / CheckoutTimeout).
func NewSubprocessCheckoutEngine(command string, timeout time.Duration) *SubprocessCheckoutEngine {
	return &SubprocessCheckoutEngine{Command: command, Timeout: timeout}
}

// StartCheckout runs the configured subprocess on a new goroutine and
// reports the outcome through done once it exits.
func (s *SubprocessCheckoutEngine) StartCheckout(ctx context.Context, repoID, worktreePath string, done func(ok bool, rootTreeID string, err error)) {
	go func() {
		resp, err := runSubprocess(ctx, s.Command, s.Timeout, request{
			RepoID:       repoID,
			WorktreePath: worktreePath,
		})
		if err != nil {
			done(false, "", err)
			return
		}
		done(true, resp.RootTreeID, nil)
	}()
}
