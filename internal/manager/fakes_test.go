package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/cloneforge/clonemgr/internal/ports"
)

// fakeRepoStore is an in-memory ports.RepoStore for tests.
type fakeRepoStore struct {
	mu        sync.Mutex
	records   map[string]*ports.RepoRecord
	passwords map[string][]byte
}

func newFakeRepoStore() *fakeRepoStore {
	return &fakeRepoStore{
		records:   make(map[string]*ports.RepoRecord),
		passwords: make(map[string][]byte),
	}
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

func (f *fakeRepoStore) VerifyPassword(_ context.Context, repoID string, password []byte) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	want, ok := f.passwords[repoID]
	if !ok {
		return false, nil
	}
	return string(want) == string(password), nil
}

func (f *fakeRepoStore) InstallPassword(_ context.Context, repoID string, password []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.passwords[repoID] = password
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

func (f *fakeRepoStore) SetCredentials(_ context.Context, repoID, token, email string) error {
	return nil
}

func (f *fakeRepoStore) SetRelayInfo(_ context.Context, repoID, peerID, addr, port string) error {
	return nil
}

func (f *fakeRepoStore) setEncrypted(repoID string, verifyMeta string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.ensure(repoID)
	rec.Encrypted = true
	rec.VerifyMeta = verifyMeta
}

// fakeTransferEngine is an in-memory ports.TransferEngine for tests. Tests
// drive completion by calling Complete with a handle obtained from
// StartDownload.
type fakeTransferEngine struct {
	mu        sync.Mutex
	events    chan ports.TransferEvent
	handles   map[string]string // handle -> repoID
	canceled  map[string]int
	nextID    int
}

func newFakeTransferEngine() *fakeTransferEngine {
	return &fakeTransferEngine{
		events:   make(chan ports.TransferEvent, 16),
		handles:  make(map[string]string),
		canceled: make(map[string]int),
	}
}

func (f *fakeTransferEngine) StartDownload(_ context.Context, repoID, peerID, fetchHeadRef, targetBranch, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	handle := fmt.Sprintf("handle-%d", f.nextID)
	f.handles[handle] = repoID
	return handle, nil
}

func (f *fakeTransferEngine) Cancel(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled[handle]++
	return nil
}

func (f *fakeTransferEngine) Remove(_ context.Context, handle string) error { return nil }

func (f *fakeTransferEngine) Events() <-chan ports.TransferEvent { return f.events }

func (f *fakeTransferEngine) Complete(handle string, state ports.TransferEventState, err error) {
	f.mu.Lock()
	repoID := f.handles[handle]
	f.mu.Unlock()
	f.events <- ports.TransferEvent{Handle: handle, RepoID: repoID, State: state, IsClone: true, Err: err}
}

func (f *fakeTransferEngine) cancelCount(handle string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled[handle]
}

// fakeIndexer is a scriptable ports.Indexer.
type fakeIndexer struct {
	rootTreeID string
	err        error
}

func (f *fakeIndexer) IndexWorktree(_ context.Context, repoID, worktreePath string, password []byte) (ports.IndexResult, error) {
	if f.err != nil {
		return ports.IndexResult{}, f.err
	}
	return ports.IndexResult{RootTreeID: f.rootTreeID}, nil
}

// fakeCheckoutEngine is a scriptable ports.CheckoutEngine.
type fakeCheckoutEngine struct {
	ok         bool
	rootTreeID string
	err        error
}

func (f *fakeCheckoutEngine) StartCheckout(_ context.Context, repoID, worktreePath string, done func(ok bool, rootTreeID string, err error)) {
	go done(f.ok, f.rootTreeID, f.err)
}

// fakeMergeEngines is a scriptable ports.MergeEngines.
type fakeMergeEngines struct {
	isAncestor bool
	result     ports.MergeResult
	err        error
}

func (f *fakeMergeEngines) TwoWayUnpack(_ context.Context, indexPath string, local, remote ports.TreeDescriptor, update, merge bool, crypto ports.CryptoContext) (ports.MergeResult, error) {
	return f.result, f.err
}

func (f *fakeMergeEngines) RecursiveThreeWay(_ context.Context, indexPath string, ancestor, local, remote ports.TreeDescriptor, localLabel, remoteLabel string, crypto ports.CryptoContext) (ports.MergeResult, error) {
	return f.result, f.err
}

func (f *fakeMergeEngines) AncestorContainsRoot(_ context.Context, remoteHead, localRoot string) (bool, error) {
	return f.isAncestor, nil
}

// fakePeerLayer is an in-memory ports.PeerLayer.
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

func (f *fakePeerLayer) AddPeer(_ context.Context, peerID, host, port string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.peers[peerID]; !ok {
		f.peers[peerID] = &ports.PeerRecord{ID: peerID, State: ports.PeerDisconnected}
	}
	return nil
}

func (f *fakePeerLayer) setConnected(peerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.peers[peerID] = &ports.PeerRecord{ID: peerID, State: ports.PeerConnected}
}
