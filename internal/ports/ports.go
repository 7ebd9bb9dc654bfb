// Package ports defines the collaborator contracts consumed by the clone
// manager (spec §6). Every type here is an external system this package
// treats as out of scope: the object transfer engine, the repository
// store, the indexer, the checkout engine, the merge engines, the peer
// layer, and a periodic timer. Production adapters for these live outside
// this module (or, for the ones with a natural subprocess shape, in
// internal/collab); tests use the fakes in internal/manager/fakes_test.go
// and internal/dashboard/fakes_test.go.
package ports

import (
	"context"
	"time"
)

// RepoRecord is the repository store's view of a repository.
type RepoRecord struct {
	Head     string // empty if the repository has no head yet
	Worktree string // empty if not yet bound to a worktree

	// Creator is the identity that authored Head, used as the remote-side
	// label in a three-way merge (spec §4.4). Empty when the store has no
	// authorship information for the current head.
	Creator string

	// Encryption metadata; Encrypted is false for plaintext repositories.
	Encrypted    bool
	VerifyMeta   string // opaque blob the RepoStore can verify a password against; may be empty even when Encrypted
}

// RepoStore is the collaborator owning repository records, shared with a
// repository manager outside this package's scope. The clone manager
// writes to it only at checkout/merge entry (password) and at
// merge/fetch completion (head, worktree, token, email, relay info).
type RepoStore interface {
	LookupByID(ctx context.Context, repoID string) (*RepoRecord, bool, error)

	// LookupByWorktree returns the repository record already bound to
	// worktree, if one exists, so a new admission can detect a collision
	// with a repository that has no in-flight task (spec §3 invariant 2 /
	// §4.2 step 4: a worktree conflicts with a known repository's worktree
	// or a non-terminal task's, and the task map alone only covers half of
	// that).
	LookupByWorktree(ctx context.Context, worktree string) (*RepoRecord, bool, error)

	// VerifyPassword checks password against the repository's encryption
	// metadata. ok is false on mismatch; err is non-nil only for
	// infrastructure failures (not for "wrong password").
	VerifyPassword(ctx context.Context, repoID string, password []byte) (ok bool, err error)

	// InstallPassword stores the password as the live decryption key for
	// the repository. Returns an error only on internal failure.
	InstallPassword(ctx context.Context, repoID string, password []byte) error

	SetHead(ctx context.Context, repoID, head string) error
	SetWorktree(ctx context.Context, repoID, worktree string) error
	SetCredentials(ctx context.Context, repoID, token, email string) error
	SetRelayInfo(ctx context.Context, repoID, peerID, addr, port string) error
}

// TransferEventState is the terminal state of a transfer.
type TransferEventState string

const (
	TransferSuccess  TransferEventState = "SUCCESS"
	TransferCanceled TransferEventState = "CANCELED"
	TransferError    TransferEventState = "ERROR"
)

// TransferEvent is delivered once per transfer handle by the transfer
// engine, via whatever mechanism it uses internally (signal bus, callback,
// channel) and forwarded into the Completion Dispatcher.
type TransferEvent struct {
	Handle  string
	RepoID  string
	State   TransferEventState
	IsClone bool // true for a full clone transfer, false for a plain fetch
	Err     error
}

// TransferEngine is the bulk object transfer collaborator.
type TransferEngine interface {
	StartDownload(ctx context.Context, repoID, peerID, fetchHeadRef, targetBranch, token string) (handle string, err error)
	Cancel(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error

	// Events returns the channel completion events are published on. The
	// manager owns draining it on its control goroutine.
	Events() <-chan TransferEvent
}

// IndexResult is what a successful worktree index produces.
type IndexResult struct {
	RootTreeID string
}

// Indexer computes the root-tree identifier of a pre-existing worktree so
// the state machine can later decide fast-forward vs. full three-way
// merge. Runs on a worker goroutine.
type Indexer interface {
	IndexWorktree(ctx context.Context, repoID, worktreePath string, password []byte) (IndexResult, error)
}

// CheckoutEngine materializes a fresh worktree from a fetched commit.
type CheckoutEngine interface {
	// StartCheckout begins materializing repo's worktree and invokes done
	// once finished, with the root-tree identifier of the materialized
	// worktree on success. The manager never blocks on this call; done is
	// the only signal of completion.
	StartCheckout(ctx context.Context, repoID, worktreePath string, done func(ok bool, rootTreeID string, err error))
}

// TreeDescriptor names a tree to be diffed/merged by content hash.
type TreeDescriptor struct {
	Label  string // e.g. "local" or "remote", or a branch/email label
	RootID string
}

// MergeResult is produced by either merge engine; index state replaces the
// caller's prior index wholesale on success.
type MergeResult struct {
	NewIndexRootID string
	HasConflicts   bool
}

// MergeEngines groups the two-way unpack (fast-forward path) and the
// recursive three-way merge (full path) algorithms, both external per
// spec §1.
type MergeEngines interface {
	// TwoWayUnpack applies local->remote as a fast-forward update into the
	// worktree, using the given index and crypto context. update/merge are
	// the unpack flags named in spec §4.4's merge algorithm.
	TwoWayUnpack(ctx context.Context, indexPath string, local, remote TreeDescriptor, update, merge bool, crypto CryptoContext) (MergeResult, error)

	// RecursiveThreeWay merges ancestor/local/remote with the recorded
	// branch labels, materializing conflicts into the worktree without
	// touching the index or commit graph (spec §4.4: a later auto-commit
	// cycle reconciles those).
	RecursiveThreeWay(ctx context.Context, indexPath string, ancestor, local, remote TreeDescriptor, localLabel, remoteLabel string, crypto CryptoContext) (MergeResult, error)

	// AncestorContainsRoot walks remoteHead's ancestry looking for
	// localRoot, halting on the first match (the fast-forward check).
	AncestorContainsRoot(ctx context.Context, remoteHead, localRoot string) (isAncestor bool, err error)
}

// CryptoContext is an opaque handle the merge engines need to decrypt
// blobs; its construction is entirely out of this package's scope.
type CryptoContext interface{}

// PeerConnState is whether the peer layer currently has a live connection.
type PeerConnState int

const (
	PeerUnknown PeerConnState = iota
	PeerDisconnected
	PeerConnected
)

// PeerRecord is the peer layer's view of one peer.
type PeerRecord struct {
	ID    string
	State PeerConnState
}

// PeerLayer is the peer-to-peer connectivity collaborator.
type PeerLayer interface {
	GetPeer(ctx context.Context, peerID string) (*PeerRecord, error)
	AddPeer(ctx context.Context, peerID, host, port string) error
}

// Timer schedules a recurring callback; production code backs it with
// time.Ticker, tests can back it with a manually-fired fake.
type Timer interface {
	// Schedule invokes callback every interval until the returned stop
	// function is called.
	Schedule(interval time.Duration, callback func()) (stop func())
}
