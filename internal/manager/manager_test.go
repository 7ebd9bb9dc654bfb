package manager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cloneforge/clonemgr/internal/config"
	"github.com/cloneforge/clonemgr/internal/eventlog"
	"github.com/cloneforge/clonemgr/internal/ports"
	"github.com/cloneforge/clonemgr/internal/store"
	"github.com/cloneforge/clonemgr/pkg/types"
)

const (
	testRepoID = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" // 36 chars, exact length is not load-bearing here
	testPeerID = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

type testHarness struct {
	mgr      *Manager
	repos    *fakeRepoStore
	transfer *fakeTransferEngine
	indexer  *fakeIndexer
	checkout *fakeCheckoutEngine
	merge    *fakeMergeEngines
	peers    *fakePeerLayer
	cancel   context.CancelFunc
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "clonemgr.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	lg, err := eventlog.Open(filepath.Join(dir, "eventlog"))
	if err != nil {
		t.Fatalf("opening eventlog: %v", err)
	}

	cfg := &config.Config{
		MaxSynthesizeAttempts: 10,
		ConnectWatchInterval:  10 * time.Millisecond,
		DefaultTargetBranch:   "master",
		FetchHeadRefName:      "fetch_head",
		InitialConcurrency:    2,
		MinConcurrency:        1,
		MaxConcurrency:        4,
	}

	h := &testHarness{
		repos:    newFakeRepoStore(),
		transfer: newFakeTransferEngine(),
		indexer:  &fakeIndexer{},
		checkout: &fakeCheckoutEngine{},
		merge:    &fakeMergeEngines{},
		peers:    newFakePeerLayer(),
	}

	coll := Collaborators{
		RepoStore: h.repos,
		Transfer:  h.transfer,
		Indexer:   h.indexer,
		Checkout:  h.checkout,
		Merge:     h.merge,
		Peers:     h.peers,
	}

	h.mgr = New(cfg, st, coll, lg)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go h.mgr.Run(ctx)
	t.Cleanup(cancel)

	return h
}

// awaitState polls GetTask until it reports want or the timeout elapses.
func awaitState(t *testing.T, h *testHarness, repoID string, want types.State, timeout time.Duration) types.Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	var last types.Snapshot
	for time.Now().Before(deadline) {
		snap, err := h.mgr.GetTask(context.Background(), repoID)
		if err == nil {
			last = snap
			if snap.State == want {
				return snap
			}
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach state %s within %s, last observed state=%s err=nil", repoID, want, timeout, last.State)
	return last
}

func addArgs(repoID, worktree string) AddTaskArgs {
	return AddTaskArgs{
		RepoID:   repoID,
		PeerID:   testPeerID,
		RepoName: "proj",
		Token:    "tok",
		Worktree: worktree,
		PeerAddr: "127.0.0.1",
		PeerPort: "9000",
		Email:    "dev@example.com",
	}
}

// Scenario 1: empty target directory, peer already connected. The task
// should go straight to FETCH without indexing, then checkout to DONE.
func TestGoldenPathFreshCloneGoesThroughFetchAndCheckout(t *testing.T) {
	h := newHarness(t)
	h.peers.setConnected(testPeerID)
	h.checkout.ok = true
	h.checkout.rootTreeID = "tree-1"

	worktree := filepath.Join(t.TempDir(), "proj-new")
	repoID, err := h.mgr.AddTask(context.Background(), addArgs(testRepoID, worktree))
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	snap := awaitState(t, h, repoID, types.StateFetch, time.Second)
	if snap.State != types.StateFetch {
		t.Fatalf("expected FETCH immediately after admission, got %s", snap.State)
	}

	// Locate the handle the fake transfer engine was given and complete it.
	h.transfer.mu.Lock()
	var handle string
	for hd, rid := range h.transfer.handles {
		if rid == repoID {
			handle = hd
		}
	}
	h.transfer.mu.Unlock()
	if handle == "" {
		t.Fatalf("no transfer handle recorded for %s", repoID)
	}
	h.transfer.Complete(handle, ports.TransferSuccess, nil)

	awaitState(t, h, repoID, types.StateCheckout, time.Second)
	final := awaitState(t, h, repoID, types.StateDone, time.Second)
	if final.LastError != types.ErrOK {
		t.Fatalf("expected ErrOK at DONE, got %s", final.LastError)
	}

	rec, found, err := h.repos.LookupByID(context.Background(), repoID)
	if err != nil || !found {
		t.Fatalf("expected repo record to exist, found=%v err=%v", found, err)
	}
	if rec.Head != "tree-1" {
		t.Fatalf("expected head to be set from checkout's root tree, got %q", rec.Head)
	}
}

// Scenario 2: a non-empty worktree triggers indexing before fetch, and the
// post-fetch decision routes to a fast-forward merge rather than checkout.
func TestPrePopulatedWorktreeIndexesThenFastForwards(t *testing.T) {
	h := newHarness(t)
	h.peers.setConnected(testPeerID)
	h.indexer.rootTreeID = "local-root"
	h.merge.isAncestor = true
	h.merge.result = ports.MergeResult{NewIndexRootID: "merged-root"}

	worktree := filepath.Join(t.TempDir(), "proj-existing")
	if err := os.Mkdir(worktree, 0o755); err != nil {
		t.Fatalf("creating worktree: %v", err)
	}
	if err := os.WriteFile(filepath.Join(worktree, "README"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seeding worktree: %v", err)
	}

	repoID := testRepoID + "x"

	_, err := h.mgr.AddTask(context.Background(), addArgs(repoID, worktree))
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	awaitState(t, h, repoID, types.StateIndex, time.Second)

	snap := awaitState(t, h, repoID, types.StateFetch, time.Second)
	_ = snap

	// The remote head the merge step reads is recorded only once the fetch
	// is under way: a head present at admission makes AddTask reject the
	// repository as already existing.
	h.repos.mu.Lock()
	h.repos.records[repoID] = &ports.RepoRecord{Head: "remote-head"}
	h.repos.mu.Unlock()

	h.transfer.mu.Lock()
	var handle string
	for hd, rid := range h.transfer.handles {
		if rid == repoID {
			handle = hd
		}
	}
	h.transfer.mu.Unlock()
	h.transfer.Complete(handle, ports.TransferSuccess, nil)

	awaitState(t, h, repoID, types.StateMerge, time.Second)
	final := awaitState(t, h, repoID, types.StateDone, time.Second)
	if final.LastError != types.ErrOK {
		t.Fatalf("expected ErrOK at DONE, got %s", final.LastError)
	}

	rec, _, _ := h.repos.LookupByID(context.Background(), repoID)
	if rec.Head != "merged-root" {
		t.Fatalf("expected head to be the merged root, got %q", rec.Head)
	}
}

// Scenario 3: a disconnected peer parks the task in CONNECT until the
// watcher observes connectivity and advances it.
func TestDisconnectedPeerParksInConnectUntilWatcherAdvances(t *testing.T) {
	h := newHarness(t)
	// peer starts unknown; AddTask should register it and enter CONNECT.

	worktree := filepath.Join(t.TempDir(), "proj-new")
	repoID := testRepoID + "y"
	_, err := h.mgr.AddTask(context.Background(), addArgs(repoID, worktree))
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	awaitState(t, h, repoID, types.StateConnect, time.Second)

	// Simulate the peer layer reporting connectivity sometime later; the
	// watcher's next tick should pick it up and move on to FETCH.
	h.peers.setConnected(testPeerID)

	awaitState(t, h, repoID, types.StateFetch, time.Second)
}

// Scenario 4: canceling a task mid-FETCH forwards the cancel to the
// transfer engine and parks in CANCEL_PENDING until the transfer engine
// reports back; a clean cancel resolves to CANCELED.
func TestCancelDuringFetchForwardsAndResolvesOnCleanCancel(t *testing.T) {
	h := newHarness(t)
	h.peers.setConnected(testPeerID)

	worktree := filepath.Join(t.TempDir(), "proj-new")
	repoID := testRepoID + "z"
	_, err := h.mgr.AddTask(context.Background(), addArgs(repoID, worktree))
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}
	awaitState(t, h, repoID, types.StateFetch, time.Second)

	if err := h.mgr.CancelTask(context.Background(), repoID); err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	awaitState(t, h, repoID, types.StateCancelPending, time.Second)

	h.transfer.mu.Lock()
	var handle string
	for hd, rid := range h.transfer.handles {
		if rid == repoID {
			handle = hd
		}
	}
	h.transfer.mu.Unlock()
	if h.transfer.cancelCount(handle) != 1 {
		t.Fatalf("expected cancel forwarded exactly once, got %d", h.transfer.cancelCount(handle))
	}

	h.transfer.Complete(handle, ports.TransferCanceled, nil)
	final := awaitState(t, h, repoID, types.StateCanceled, time.Second)
	if final.LastError != types.ErrOK {
		t.Fatalf("expected ErrOK on clean cancel, got %s", final.LastError)
	}

	// A repeat cancel on a terminal task is rejected, not a silent no-op.
	if err := h.mgr.CancelTask(context.Background(), repoID); err == nil {
		t.Fatalf("expected cancel of a terminal task to be rejected")
	}
}

// Scenario 5: an encrypted repository without a supplied password lands in
// ERROR(PASSWORD) rather than silently proceeding.
func TestEncryptedRepositoryWithoutPasswordErrors(t *testing.T) {
	h := newHarness(t)
	h.peers.setConnected(testPeerID)
	h.checkout.ok = true
	h.checkout.rootTreeID = "tree-1"

	repoID := testRepoID + "enc"
	h.repos.setEncrypted(repoID, "some-verify-blob")

	worktree := filepath.Join(t.TempDir(), "proj-new")
	args := addArgs(repoID, worktree)
	args.Password = nil

	_, err := h.mgr.AddTask(context.Background(), args)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	snap := awaitState(t, h, repoID, types.StateFetch, time.Second)
	_ = snap

	h.transfer.mu.Lock()
	var handle string
	for hd, rid := range h.transfer.handles {
		if rid == repoID {
			handle = hd
		}
	}
	h.transfer.mu.Unlock()
	h.transfer.Complete(handle, ports.TransferSuccess, nil)

	final := awaitState(t, h, repoID, types.StateError, time.Second)
	if final.LastError != types.ErrPassword {
		t.Fatalf("expected ERROR(PASSWORD), got ERROR(%s)", final.LastError)
	}
}

// Scenario 5b: a wrong password against verifiable metadata also errors,
// distinctly from the missing-password case.
func TestEncryptedRepositoryWrongPasswordErrors(t *testing.T) {
	h := newHarness(t)
	h.peers.setConnected(testPeerID)

	repoID := testRepoID + "wrong"
	h.repos.setEncrypted(repoID, "some-verify-blob")
	h.repos.mu.Lock()
	h.repos.passwords[repoID] = []byte("correct-horse")
	h.repos.mu.Unlock()

	worktree := filepath.Join(t.TempDir(), "proj-new")
	args := addArgs(repoID, worktree)
	args.Password = []byte("wrong-password")

	_, err := h.mgr.AddTask(context.Background(), args)
	if err != nil {
		t.Fatalf("AddTask: %v", err)
	}

	h.transfer.mu.Lock()
	var handle string
	for hd, rid := range h.transfer.handles {
		if rid == repoID {
			handle = hd
		}
	}
	h.transfer.mu.Unlock()
	h.transfer.Complete(handle, ports.TransferSuccess, nil)

	final := awaitState(t, h, repoID, types.StateError, time.Second)
	if final.LastError != types.ErrPassword {
		t.Fatalf("expected ERROR(PASSWORD), got ERROR(%s)", final.LastError)
	}
}

// Scenario 6: restart classification. A task whose repo record already has
// a head should be classified straight to DONE without starting any fetch,
// index, checkout or merge.
func TestRestartClassificationRepoAlreadyHeadedGoesToDone(t *testing.T) {
	h := newHarness(t)

	repoID := testRepoID + "restart"
	h.repos.records[repoID] = &ports.RepoRecord{Head: "already-there"}

	task := &types.Task{
		RepoID: repoID,
		PeerID: testPeerID,
		State:  types.StateFetch,
	}
	h.mgr.tasks[repoID] = task

	h.mgr.classifyRestart(context.Background(), task)

	if task.State != types.StateDone {
		t.Fatalf("expected restart classification to land on DONE, got %s", task.State)
	}
}

// A second AddTask for a repo-id that is not yet terminal is rejected, per
// the dedup invariant.
func TestAddTaskRejectsDuplicateNonTerminalRepoID(t *testing.T) {
	h := newHarness(t)
	h.peers.setConnected(testPeerID)

	worktree := filepath.Join(t.TempDir(), "proj-new")
	repoID := testRepoID + "dup"
	if _, err := h.mgr.AddTask(context.Background(), addArgs(repoID, worktree)); err != nil {
		t.Fatalf("first AddTask: %v", err)
	}
	awaitState(t, h, repoID, types.StateFetch, time.Second)

	if _, err := h.mgr.AddTask(context.Background(), addArgs(repoID, worktree)); err == nil {
		t.Fatalf("expected duplicate AddTask to be rejected")
	} else if !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected an already-exists error, got %v", err)
	}
}

// The backpressure ceiling must never pin permanently: running more
// pre-populated-worktree (INDEX+MERGE) clones than InitialConcurrency back
// to back must not leave later tasks stuck waiting for a slot that never
// frees. Regression test for a WorkerFinished call that went missing.
func TestManyJobsInSuccessionDoNotExhaustConcurrencyCeiling(t *testing.T) {
	h := newHarness(t)
	h.peers.setConnected(testPeerID)
	h.indexer.rootTreeID = "local-root"
	h.merge.isAncestor = true
	h.merge.result = ports.MergeResult{NewIndexRootID: "merged-root"}

	const rounds = 5 // > cfg.InitialConcurrency (2)
	for i := 0; i < rounds; i++ {
		worktree := filepath.Join(t.TempDir(), "proj-existing")
		if err := os.Mkdir(worktree, 0o755); err != nil {
			t.Fatalf("creating worktree %d: %v", i, err)
		}
		if err := os.WriteFile(filepath.Join(worktree, "README"), []byte("x"), 0o644); err != nil {
			t.Fatalf("seeding worktree %d: %v", i, err)
		}
		repoID := testRepoID + "seq" + string(rune('a'+i))

		if _, err := h.mgr.AddTask(context.Background(), addArgs(repoID, worktree)); err != nil {
			t.Fatalf("AddTask round %d: %v", i, err)
		}
		awaitState(t, h, repoID, types.StateFetch, 2*time.Second)

		h.repos.mu.Lock()
		h.repos.records[repoID] = &ports.RepoRecord{Head: "remote-head"}
		h.repos.mu.Unlock()

		h.transfer.mu.Lock()
		var handle string
		for hd, rid := range h.transfer.handles {
			if rid == repoID {
				handle = hd
			}
		}
		h.transfer.mu.Unlock()
		h.transfer.Complete(handle, ports.TransferSuccess, nil)

		awaitState(t, h, repoID, types.StateDone, 2*time.Second)
	}

	stats := h.mgr.bp.GetStats()
	if stats.CurrentInFlight != 0 {
		t.Fatalf("expected no in-flight workers after all rounds completed, got %d", stats.CurrentInFlight)
	}
}
