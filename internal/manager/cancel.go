package manager

import (
	"context"
	"fmt"

	"github.com/cloneforge/clonemgr/pkg/telemetry"
	"github.com/cloneforge/clonemgr/pkg/types"
)

// cancelTask implements cancel_task (spec §4.5): a request, not an
// immediate kill, whose effect depends on the task's current state.
func (m *Manager) cancelTask(ctx context.Context, repoID string) error {
	t, ok := m.tasks[repoID]
	if !ok {
		return fmt.Errorf("task %s not found", repoID)
	}

	telemetry.RecordCancel(repoID)

	switch t.State {
	case types.StateInit, types.StateConnect:
		t.LastError = types.ErrOK
		m.setState(t, types.StateCanceled)
		return nil

	case types.StateFetch:
		m.setState(t, types.StateCancelPending)
		if err := m.coll.Transfer.Cancel(ctx, t.TransferHandle); err != nil {
			return fmt.Errorf("forwarding cancel to transfer engine: %w", err)
		}
		return nil

	case types.StateIndex, types.StateCheckout, types.StateMerge:
		// The in-flight job runs to completion; the Completion Dispatcher
		// collapses it to CANCELED regardless of its natural next state.
		m.setState(t, types.StateCancelPending)
		return nil

	case types.StateCancelPending:
		return nil // idempotent no-op

	default:
		return fmt.Errorf("task %s is in terminal state %s, cannot cancel", repoID, t.State)
	}
}
