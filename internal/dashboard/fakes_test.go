package dashboard

import (
	"context"
	"sync"

	"github.com/cloneforge/clonemgr/internal/ports"
)

// The fakes below are deliberately minimal re-implementations of
// internal/manager's test doubles: they satisfy the same ports
// interfaces but cannot be imported across package boundaries (they live
// in a _test.go file in a different package), so this package keeps its
// own small copy sized to what exercising the read-only HTTP surface
// needs: admit one task and leave it parked in CONNECT (the fake peer
// layer never reports a peer as connected).

type fakeRepoStore struct {
	mu      sync.Mutex
	records map[string]*ports.RepoRecord
}

func newFakeRepoStore() *fakeRepoStore {
	return &fakeRepoStore{records: make(map[string]*ports.RepoRecord)}
}

func (f *fakeRepoStore) LookupByID(_ context.Context, repoID string) (*ports.RepoRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[repoID]
	return rec, ok, nil
}

func (f *fakeRepoStore) LookupByWorktree(_ context.Context, worktree string) (*ports.RepoRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.records {
		if rec.Worktree != "" && rec.Worktree == worktree {
			return rec, true, nil
		}
	}
	return nil, false, nil
}

func (f *fakeRepoStore) VerifyPassword(context.Context, string, []byte) (bool, error) { return true, nil }
func (f *fakeRepoStore) InstallPassword(context.Context, string, []byte) error        { return nil }

func (f *fakeRepoStore) SetHead(_ context.Context, repoID, head string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure(repoID).Head = head
	return nil
}

func (f *fakeRepoStore) SetWorktree(_ context.Context, repoID, worktree string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensure(repoID).Worktree = worktree
	return nil
}

func (f *fakeRepoStore) SetCredentials(context.Context, string, string, string) error { return nil }
func (f *fakeRepoStore) SetRelayInfo(context.Context, string, string, string, string) error {
	return nil
}

func (f *fakeRepoStore) ensure(repoID string) *ports.RepoRecord {
	rec, ok := f.records[repoID]
	if !ok {
		rec = &ports.RepoRecord{}
		f.records[repoID] = rec
	}
	return rec
}

type fakeTransferEngine struct {
	events chan ports.TransferEvent
}

func newFakeTransferEngine() *fakeTransferEngine {
	return &fakeTransferEngine{events: make(chan ports.TransferEvent, 8)}
}

func (f *fakeTransferEngine) StartDownload(context.Context, string, string, string, string, string) (string, error) {
	return "handle-1", nil
}
func (f *fakeTransferEngine) Cancel(context.Context, string) error { return nil }
func (f *fakeTransferEngine) Remove(context.Context, string) error { return nil }
func (f *fakeTransferEngine) Events() <-chan ports.TransferEvent   { return f.events }

type fakeIndexer struct{}

func (fakeIndexer) IndexWorktree(context.Context, string, string, []byte) (ports.IndexResult, error) {
	return ports.IndexResult{}, nil
}

type fakeCheckoutEngine struct{}

func (fakeCheckoutEngine) StartCheckout(_ context.Context, _, _ string, done func(bool, string, error)) {
	go done(true, "tree-1", nil)
}

type fakeMergeEngines struct{}

func (fakeMergeEngines) TwoWayUnpack(context.Context, string, ports.TreeDescriptor, ports.TreeDescriptor, bool, bool, ports.CryptoContext) (ports.MergeResult, error) {
	return ports.MergeResult{}, nil
}
func (fakeMergeEngines) RecursiveThreeWay(context.Context, string, ports.TreeDescriptor, ports.TreeDescriptor, ports.TreeDescriptor, string, string, ports.CryptoContext) (ports.MergeResult, error) {
	return ports.MergeResult{}, nil
}
func (fakeMergeEngines) AncestorContainsRoot(context.Context, string, string) (bool, error) {
	return false, nil
}

type fakePeerLayer struct {
	mu    sync.Mutex
	peers map[string]*ports.PeerRecord
}

func newFakePeerLayer() *fakePeerLayer {
	return &fakePeerLayer{peers: make(map[string]*ports.PeerRecord)}
}

func (f *fakePeerLayer) GetPeer(_ context.Context, peerID string) (*ports.PeerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.peers[peerID]
	if !ok {
		return &ports.PeerRecord{ID: peerID, State: ports.PeerUnknown}, nil
	}
	return rec, nil
}

func (f *fakePeerLayer) AddPeer(_ context.Context, peerID, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.peers[peerID]; !ok {
		f.peers[peerID] = &ports.PeerRecord{ID: peerID, State: ports.PeerDisconnected}
	}
	return nil
}
