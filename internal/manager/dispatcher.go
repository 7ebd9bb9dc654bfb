package manager

import (
	"context"
	"fmt"

	"github.com/cloneforge/clonemgr/internal/eventlog"
	"github.com/cloneforge/clonemgr/internal/ports"
	"github.com/cloneforge/clonemgr/pkg/types"
)

// handleTransferEvent is the Completion Dispatcher's transfer-engine sink
// (spec §4.6). It durably records the event before applying it, then
// forwards into handleCompletion's per-kind logic.
func (m *Manager) handleTransferEvent(ctx context.Context, te ports.TransferEvent) {
	entry := eventlog.Entry{
		RepoID:   te.RepoID,
		Kind:     eventlog.KindTransfer,
		OK:       te.State == ports.TransferSuccess,
		Canceled: te.State == ports.TransferCanceled,
	}
	if te.Err != nil {
		entry.ErrMsg = te.Err.Error()
	}
	name, err := m.log.Append(entry)
	if err != nil {
		fmt.Printf("manager: failed to append eventlog entry for %s: %v\n", te.RepoID, err)
	}

	if te.State != ports.TransferCanceled {
		m.bp.ReportResult(te.State == ports.TransferSuccess, te.Err, 0)
	}

	m.handleCompletion(ctx, completionEvent{
		repoID:   te.RepoID,
		kind:     jobTransfer,
		ok:       te.State == ports.TransferSuccess,
		canceled: te.State == ports.TransferCanceled,
		err:      te.Err,
	})

	if name != "" {
		if err := m.log.MarkApplied(name); err != nil {
			fmt.Printf("manager: failed to mark eventlog entry %s applied: %v\n", name, err)
		}
	}
}

// handleCompletion is the single logical sink for collaborator
// completions, keyed by repository-id (spec §4.6). Durable eventlog
// recording for worker-goroutine-sourced completions (INDEX, CHECKOUT,
// MERGE) happens here, around the dispatch, mirroring
// handleTransferEvent's wrapping of the transfer-engine sink.
func (m *Manager) handleCompletion(ctx context.Context, ce completionEvent) {
	if ce.kind != jobTransfer {
		m.recordAndApply(ctx, ce)
		return
	}
	m.dispatch(ctx, ce)
}

func (m *Manager) recordAndApply(ctx context.Context, ce completionEvent) {
	entry := eventlog.Entry{
		RepoID:     ce.repoID,
		Kind:       eventlog.Kind(ce.kind),
		OK:         ce.ok,
		RootTreeID: ce.rootTreeID,
	}
	if ce.kind == jobMerge {
		entry.RootTreeID = ce.merge.NewIndexRootID
		entry.Conflicts = ce.merge.HasConflicts
	}
	if ce.err != nil {
		entry.ErrMsg = ce.err.Error()
	}
	name, err := m.log.Append(entry)
	if err != nil {
		fmt.Printf("manager: failed to append eventlog entry for %s: %v\n", ce.repoID, err)
	}

	m.dispatch(ctx, ce)

	if name != "" {
		if err := m.log.MarkApplied(name); err != nil {
			fmt.Printf("manager: failed to mark eventlog entry %s applied: %v\n", name, err)
		}
	}
}

// dispatch is the undurablized core of the Completion Dispatcher: it looks
// up the owning task and advances or fails it per §4.4/§4.5, honoring the
// CANCEL_PENDING absorbing-state invariant.
func (m *Manager) dispatch(ctx context.Context, ce completionEvent) {
	m.drainPending(ctx)

	t, ok := m.tasks[ce.repoID]
	if !ok {
		// Invariant violation per spec §4.6: log and drop.
		fmt.Printf("manager: completion for unknown task %s (kind=%s): dropped\n", ce.repoID, ce.kind)
		return
	}

	advance := func() error {
		if t.State == types.StateCancelPending {
			m.finalizeCancel(t, ce)
			return nil
		}
		switch ce.kind {
		case jobTransfer:
			m.onTransferCompletion(ctx, t, ce)
		case jobIndex:
			m.onIndexCompletion(ctx, t, ce)
		case jobCheckout:
			m.onCheckoutCompletion(t, ce)
		case jobMerge:
			m.onMergeCompletion(ctx, t, ce)
		}
		return nil
	}

	if m.durable != nil {
		if err := m.durable(ce.repoID, advance); err != nil {
			fmt.Printf("manager: durable advance for %s failed: %v\n", ce.repoID, err)
		}
		return
	}
	advance()
}

func (m *Manager) onTransferCompletion(ctx context.Context, t *types.Task, ce completionEvent) {
	t.TransferHandle = ""
	if !ce.ok {
		m.enterError(t, types.ErrFetch, ce.err)
		return
	}
	if err := m.coll.RepoStore.SetCredentials(ctx, t.RepoID, t.Token, t.Email); err != nil {
		m.enterError(t, types.ErrInternal, err)
		return
	}
	if err := m.coll.RepoStore.SetRelayInfo(ctx, t.RepoID, t.PeerID, t.PeerAddr, t.PeerPort); err != nil {
		m.enterError(t, types.ErrInternal, err)
		return
	}
	m.materialize(ctx, t)
}

func (m *Manager) onIndexCompletion(ctx context.Context, t *types.Task, ce completionEvent) {
	if !ce.ok {
		m.enterError(t, types.ErrIndex, ce.err)
		return
	}
	t.LocalRootTree = ce.rootTreeID
	m.startFetch(ctx, t)
}

func (m *Manager) onCheckoutCompletion(t *types.Task, ce completionEvent) {
	if !ce.ok {
		m.enterError(t, types.ErrCheckout, ce.err)
		return
	}
	t.LocalRootTree = ce.rootTreeID
	if err := m.coll.RepoStore.SetHead(context.Background(), t.RepoID, t.LocalRootTree); err != nil {
		m.enterError(t, types.ErrInternal, err)
		return
	}
	m.enterDone(t)
}

func (m *Manager) onMergeCompletion(ctx context.Context, t *types.Task, ce completionEvent) {
	if !ce.ok {
		m.enterError(t, types.ErrMerge, ce.err)
		return
	}
	t.LocalRootTree = ce.merge.NewIndexRootID
	if err := m.coll.RepoStore.SetWorktree(ctx, t.RepoID, t.Worktree); err != nil {
		m.enterError(t, types.ErrInternal, err)
		return
	}
	if err := m.coll.RepoStore.SetHead(ctx, t.RepoID, t.LocalRootTree); err != nil {
		m.enterError(t, types.ErrInternal, err)
		return
	}
	m.enterDone(t)
}

// finalizeCancel implements the CANCEL_PENDING collapse from spec §4.5: a
// completion event for a task in CANCEL_PENDING always resolves to
// CANCELED, except a transfer-engine error which still becomes
// ERROR(FETCH) per the spec's exact wording for that one source state.
func (m *Manager) finalizeCancel(t *types.Task, ce completionEvent) {
	t.TransferHandle = ""
	if ce.kind == jobTransfer && !ce.canceled && !ce.ok {
		m.enterError(t, types.ErrFetch, ce.err)
		return
	}
	t.LastError = types.ErrOK
	m.setState(t, types.StateCanceled)
}
