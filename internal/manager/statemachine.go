package manager

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cloneforge/clonemgr/internal/eventlog"
	"github.com/cloneforge/clonemgr/internal/ports"
	"github.com/cloneforge/clonemgr/internal/worktree"
	"github.com/cloneforge/clonemgr/pkg/telemetry"
	"github.com/cloneforge/clonemgr/pkg/types"
)

// jobKind names which collaborator a completion event came from.
type jobKind string

const (
	jobTransfer jobKind = "TRANSFER"
	jobIndex    jobKind = "INDEX"
	jobCheckout jobKind = "CHECKOUT"
	jobMerge    jobKind = "MERGE"
)

// completionEvent is what a worker goroutine reports back to the control
// loop after a collaborator call returns.
type completionEvent struct {
	repoID     string
	kind       jobKind
	ok         bool
	err        error
	canceled   bool
	rootTreeID string // INDEX success
	merge      ports.MergeResult
}

// admit implements add_task (spec §6): validates the request, resolves the
// worktree, persists the new row, and dispatches the initial transition.
func (m *Manager) admit(ctx context.Context, args AddTaskArgs) (string, error) {
	if existing, ok := m.tasks[args.RepoID]; ok && !existing.State.Terminal() {
		return "", fmt.Errorf("task %s already exists", args.RepoID)
	}

	if rec, found, err := m.coll.RepoStore.LookupByID(ctx, args.RepoID); err != nil {
		return "", fmt.Errorf("looking up repository %s: %w", args.RepoID, err)
	} else if found && rec.Head != "" {
		return "", fmt.Errorf("repository %s already exists", args.RepoID)
	}

	resolved, err := m.res.Resolve(args.Worktree, worktree.Commit, m.conflictOracle(ctx))
	if err != nil {
		return "", fmt.Errorf("resolving worktree: %w", err)
	}
	if err := worktree.ValidateDisplayPrefix(resolved, args.RepoName); err != nil {
		return "", err
	}

	t := &types.Task{
		RepoID:    args.RepoID,
		PeerID:    args.PeerID,
		RepoName:  args.RepoName,
		Token:     args.Token,
		Password:  args.Password,
		Worktree:  resolved,
		PeerAddr:  args.PeerAddr,
		PeerPort:  args.PeerPort,
		Email:     args.Email,
		State:     types.StateInit,
		LastError: types.ErrOK,
	}

	if err := m.store.Upsert(t); err != nil {
		return "", fmt.Errorf("persisting task %s: %w", args.RepoID, err)
	}
	m.tasks[t.RepoID] = t
	m.logTransition(t, "admitted")

	m.evaluateInit(ctx, t)
	return t.RepoID, nil
}

// evaluateInit drives the INIT and Watcher-driven CONNECT->{INDEX,FETCH}
// branch of the transition table in spec §4.4.
func (m *Manager) evaluateInit(ctx context.Context, t *types.Task) {
	peer, err := m.coll.Peers.GetPeer(ctx, t.PeerID)
	if err != nil {
		m.enterError(t, types.ErrInternal, err)
		return
	}
	if peer == nil || peer.State != ports.PeerConnected {
		if _, err := m.addPeerIfUnknown(ctx, t, peer); err != nil {
			m.enterError(t, types.ErrInternal, err)
			return
		}
		m.setState(t, types.StateConnect)
		return
	}
	m.afterConnected(ctx, t)
}

func (m *Manager) addPeerIfUnknown(ctx context.Context, t *types.Task, peer *ports.PeerRecord) (bool, error) {
	if peer != nil && peer.State != ports.PeerUnknown {
		return false, nil
	}
	if err := m.coll.Peers.AddPeer(ctx, t.PeerID, t.PeerAddr, t.PeerPort); err != nil {
		return false, err
	}
	return true, nil
}

// afterConnected implements the INIT/CONNECT "peer connected" row: branch
// to INDEX if the worktree is non-empty, else straight to FETCH.
func (m *Manager) afterConnected(ctx context.Context, t *types.Task) {
	empty, err := isWorktreeEmpty(t.Worktree)
	if err != nil {
		m.enterError(t, types.ErrInternal, err)
		return
	}
	if empty {
		m.startFetch(ctx, t)
		return
	}
	m.startIndex(ctx, t)
}

func (m *Manager) startIndex(ctx context.Context, t *types.Task) {
	m.setState(t, types.StateIndex)
	m.runBlockingJob(ctx, t.RepoID, jobIndex, func() completionEvent {
		spanCtx, span := telemetry.StartSpan(ctx, "collab.index_worktree")
		defer span.End()
		res, err := m.coll.Indexer.IndexWorktree(spanCtx, t.RepoID, t.Worktree, t.Password)
		if err != nil {
			return completionEvent{repoID: t.RepoID, kind: jobIndex, ok: false, err: err}
		}
		return completionEvent{repoID: t.RepoID, kind: jobIndex, ok: true, rootTreeID: res.RootTreeID}
	})
}

func (m *Manager) startFetch(ctx context.Context, t *types.Task) {
	handle, err := m.coll.Transfer.StartDownload(ctx, t.RepoID, t.PeerID,
		m.cfg.FetchHeadRefName, m.cfg.DefaultTargetBranch, t.Token)
	if err != nil {
		m.enterError(t, types.ErrFetch, err)
		return
	}
	t.TransferHandle = handle
	m.setState(t, types.StateFetch)
}

// materialize implements the checkout-vs-merge decision (spec §4.4),
// including the encrypted-repository password sub-flow, for a task whose
// object data is ready (either freshly fetched, or at restart case 2).
func (m *Manager) materialize(ctx context.Context, t *types.Task) {
	if ok, err := m.ensurePassword(ctx, t); err != nil {
		m.enterError(t, types.ErrInternal, err)
		return
	} else if !ok {
		return // ensurePassword already put the task into ERROR(PASSWORD)
	}

	empty, err := isWorktreeEmpty(t.Worktree)
	if err != nil {
		m.enterError(t, types.ErrInternal, err)
		return
	}
	if empty {
		m.startCheckout(ctx, t)
		return
	}
	m.startMerge(ctx, t)
}

// ensurePassword implements the encrypted-repository sub-flow described
// under spec §4.4's checkout-vs-merge decision.
func (m *Manager) ensurePassword(ctx context.Context, t *types.Task) (bool, error) {
	rec, found, err := m.coll.RepoStore.LookupByID(ctx, t.RepoID)
	if err != nil {
		return false, err
	}
	if !found || !rec.Encrypted {
		return true, nil
	}

	if len(t.Password) == 0 {
		m.enterError(t, types.ErrPassword, fmt.Errorf("repository %s is encrypted and no password was supplied", t.RepoID))
		return false, nil
	}

	if rec.VerifyMeta != "" {
		ok, err := m.coll.RepoStore.VerifyPassword(ctx, t.RepoID, t.Password)
		if err != nil {
			return false, err
		}
		if !ok {
			m.enterError(t, types.ErrPassword, fmt.Errorf("wrong password for repository %s", t.RepoID))
			return false, nil
		}
	}

	if err := m.coll.RepoStore.InstallPassword(ctx, t.RepoID, t.Password); err != nil {
		return false, err
	}
	return true, nil
}

func (m *Manager) startCheckout(ctx context.Context, t *types.Task) {
	m.setState(t, types.StateCheckout)
	m.runJob(ctx, t.RepoID, jobCheckout, func() {
		m.bp.WorkerStarted()
		start := time.Now()
		m.coll.Checkout.StartCheckout(ctx, t.RepoID, t.Worktree, func(ok bool, rootTreeID string, err error) {
			elapsed := time.Since(start)
			m.bp.WorkerFinished()
			m.bp.ReportResult(ok, err, elapsed)
			telemetry.RecordJobDuration(string(jobCheckout), elapsed)
			telemetry.RecordCompletion(string(jobCheckout), ok)
			ce := completionEvent{repoID: t.RepoID, kind: jobCheckout, ok: ok, err: err, rootTreeID: rootTreeID}
			select {
			case m.completes <- ce:
			case <-ctx.Done():
			}
		})
	})
}

// startMerge implements the fast-forward check and the two sub-paths of
// the merge algorithm (spec §4.4).
func (m *Manager) startMerge(ctx context.Context, t *types.Task) {
	m.setState(t, types.StateMerge)
	m.runBlockingJob(ctx, t.RepoID, jobMerge, func() completionEvent {
		spanCtx, span := telemetry.StartSpan(ctx, "collab.merge")
		defer span.End()

		rec, _, err := m.coll.RepoStore.LookupByID(spanCtx, t.RepoID)
		if err != nil {
			return completionEvent{repoID: t.RepoID, kind: jobMerge, ok: false, err: err}
		}
		remoteHead := ""
		remoteLabel := t.PeerID
		if rec != nil {
			remoteHead = rec.Head
			if rec.Creator != "" {
				remoteLabel = rec.Creator
			}
		}

		if remoteHead == t.LocalRootTree {
			// Short-circuit: remote and local indexed roots already match.
			return completionEvent{repoID: t.RepoID, kind: jobMerge, ok: true,
				merge: ports.MergeResult{NewIndexRootID: t.LocalRootTree}}
		}

		isFF, err := m.coll.Merge.AncestorContainsRoot(spanCtx, remoteHead, t.LocalRootTree)
		if err != nil {
			return completionEvent{repoID: t.RepoID, kind: jobMerge, ok: false, err: err}
		}

		local := ports.TreeDescriptor{Label: "local", RootID: t.LocalRootTree}
		remote := ports.TreeDescriptor{Label: "remote", RootID: remoteHead}

		if isFF {
			res, err := m.coll.Merge.TwoWayUnpack(spanCtx, t.Worktree, local, remote, true, true, nil)
			if err != nil {
				return completionEvent{repoID: t.RepoID, kind: jobMerge, ok: false, err: err}
			}
			return completionEvent{repoID: t.RepoID, kind: jobMerge, ok: true, merge: res}
		}

		res, err := m.coll.Merge.RecursiveThreeWay(spanCtx, t.Worktree,
			ports.TreeDescriptor{Label: "ancestor", RootID: ""}, local, remote,
			t.Email, remoteLabel, nil)
		if err != nil {
			return completionEvent{repoID: t.RepoID, kind: jobMerge, ok: false, err: err}
		}
		return completionEvent{repoID: t.RepoID, kind: jobMerge, ok: true, merge: res}
	})
}

// setState transitions t and persists the new row, unless the new state
// is terminal in which case the row is deleted (spec §4.1 invariant 4).
func (m *Manager) setState(t *types.Task, s types.State) {
	t.State = s
	m.logTransition(t, "transition")
	if m.notify != nil {
		m.notify(t.ToSnapshot())
	}
	if s.Terminal() {
		if err := m.store.Delete(t.RepoID); err != nil {
			fmt.Printf("manager: failed to delete terminal row for %s: %v\n", t.RepoID, err)
		}
		if s == types.StateError {
			telemetry.RecordError(t.RepoID, string(t.LastError))
		}
		return
	}
	if err := m.store.Upsert(t); err != nil {
		fmt.Printf("manager: failed to persist %s: %v\n", t.RepoID, err)
	}
}

func (m *Manager) enterError(t *types.Task, kind types.ErrorKind, err error) {
	t.LastError = kind
	if err != nil {
		fmt.Printf("manager: repo=%s error=%s detail=%v\n", t.RepoID, kind, err)
	}
	m.setState(t, types.StateError)
}

func (m *Manager) enterDone(t *types.Task) {
	t.LastError = types.ErrOK
	m.setState(t, types.StateDone)
}

// classifyRestart implements the restart classification in spec §4.4.
func (m *Manager) classifyRestart(ctx context.Context, t *types.Task) {
	if t.State.Terminal() {
		return
	}

	rec, found, err := m.coll.RepoStore.LookupByID(ctx, t.RepoID)
	if err != nil {
		m.enterError(t, types.ErrInternal, err)
		return
	}

	if found && rec.Head != "" {
		m.enterDone(t)
		return
	}
	if found {
		m.materialize(ctx, t)
		return
	}

	peer, err := m.coll.Peers.GetPeer(ctx, t.PeerID)
	if err != nil {
		m.enterError(t, types.ErrInternal, err)
		return
	}
	if peer == nil || peer.State != ports.PeerConnected {
		m.setState(t, types.StateConnect)
		return
	}
	m.afterConnected(ctx, t)
}

// isWorktreeEmpty reports whether path exists as a directory containing no
// entries (spec §4.4's "empty" definition).
func isWorktreeEmpty(path string) (bool, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}

// applyEntry redelivers an eventlog entry recorded before the last crash.
func (m *Manager) applyEntry(ctx context.Context, p eventlogPendingEntry) {
	ce := completionEvent{
		repoID:     p.Entry.RepoID,
		kind:       jobKind(p.Entry.Kind),
		ok:         p.Entry.OK,
		canceled:   p.Entry.Canceled,
		rootTreeID: p.Entry.RootTreeID,
		merge:      ports.MergeResult{NewIndexRootID: p.Entry.RootTreeID, HasConflicts: p.Entry.Conflicts},
	}
	if p.Entry.ErrMsg != "" {
		ce.err = fmt.Errorf("%s", p.Entry.ErrMsg)
	}
	m.dispatch(ctx, ce)
	if err := m.log.MarkApplied(p.Name); err != nil {
		fmt.Printf("manager: failed to mark eventlog entry %s applied: %v\n", p.Name, err)
	}
}

// eventlogPendingEntry aliases eventlog.PendingEntry to avoid importing it
// by name in every file that needs redelivery.
type eventlogPendingEntry = eventlog.PendingEntry
