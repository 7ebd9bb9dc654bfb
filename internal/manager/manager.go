// Package manager implements the clone task lifecycle engine: the
// persistent state machine, its transitions, the cancellation protocol,
// and the index-vs-fetch, checkout-vs-merge, and fast-forward-vs-three-way
// merge decisions (spec §4). A single control goroutine owns the task map
// and serializes every transition; collaborators run on worker goroutines
// and report back through channels the control goroutine selects on.
package manager

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/cloneforge/clonemgr/internal/backpressure"
	"github.com/cloneforge/clonemgr/internal/config"
	"github.com/cloneforge/clonemgr/internal/eventlog"
	"github.com/cloneforge/clonemgr/internal/ports"
	"github.com/cloneforge/clonemgr/internal/store"
	"github.com/cloneforge/clonemgr/internal/worktree"
	"github.com/cloneforge/clonemgr/pkg/telemetry"
	"github.com/cloneforge/clonemgr/pkg/types"
)

// Collaborators groups every external system the manager depends on,
// per spec §6. Production wiring supplies real adapters (internal/collab
// for Indexer/CheckoutEngine); tests supply fakes.
type Collaborators struct {
	RepoStore ports.RepoStore
	Transfer  ports.TransferEngine
	Indexer   ports.Indexer
	Checkout  ports.CheckoutEngine
	Merge     ports.MergeEngines
	Peers     ports.PeerLayer
	Timer     ports.Timer
}

// Manager owns the in-memory task map and the single control goroutine
// that serializes all state transitions.
type Manager struct {
	cfg   *config.Config
	store *store.Store
	res   *worktree.Resolver
	coll  Collaborators
	bp    *backpressure.Controller
	log   *eventlog.Log

	// tasks is read/written only on the control goroutine.
	tasks map[string]*types.Task

	// pending holds jobs waiting for a free backpressure slot.
	pending []pendingJob

	cmds      chan command
	completes chan completionEvent

	stopWatcher func()

	// durable, when set, wraps each completion dispatch in a DBOS-backed
	// workflow step (internal/durable) for Postgres-backed exactly-once
	// bookkeeping on top of the SQLite Task Store. Nil by default: the
	// dispatch runs directly.
	durable DurableHook

	// notify, when set, is called with a redacted snapshot after every
	// state transition, for a read-only observer (internal/dashboard) to
	// broadcast. It must never block or mutate manager state.
	notify func(types.Snapshot)

	wg   sync.WaitGroup
	done chan struct{}
}

// DurableHook wraps one completion-dispatch step so an external durable
// workflow engine can record it; fn performs the actual dispatch.
type DurableHook func(repoID string, fn func() error) error

// SetDurableHook installs h as the dispatch wrapper; pass nil to disable.
// Must be called before Run starts.
func (m *Manager) SetDurableHook(h DurableHook) { m.durable = h }

// SetNotifier installs fn to be called with a snapshot after every state
// transition; pass nil to disable. Must be called before Run starts.
func (m *Manager) SetNotifier(fn func(types.Snapshot)) { m.notify = fn }

// New constructs a Manager. It does not start the control loop; call Run
// for that once all collaborators are wired.
func New(cfg *config.Config, st *store.Store, coll Collaborators, log_ *eventlog.Log) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     st,
		res:       worktree.New(cfg.MaxSynthesizeAttempts),
		coll:      coll,
		bp: backpressure.NewController(backpressure.ControllerConfig{
			InitialConcurrency: cfg.InitialConcurrency,
			MinConcurrency:     cfg.MinConcurrency,
			MaxConcurrency:     cfg.MaxConcurrency,
			MemoryAwareEnabled: true,
		}),
		log:       log_,
		tasks:     make(map[string]*types.Task),
		cmds:      make(chan command),
		completes: make(chan completionEvent, 64),
		done:      make(chan struct{}),
	}
}

// command is the request/reply envelope for every caller-facing operation;
// the control goroutine is the only one that ever reads or writes the
// task map, so all of these cross into it via this channel.
type command struct {
	kind  commandKind
	repo  string
	add   AddTaskArgs
	reply chan commandReply
}

type commandKind int

const (
	cmdAdd commandKind = iota
	cmdCancel
	cmdRemove
	cmdGet
	cmdList
	cmdTick
)

type commandReply struct {
	repoID   string
	task     types.Snapshot
	tasks    []types.Snapshot
	err      error
}

// AddTaskArgs mirrors spec §6's add_task signature.
type AddTaskArgs struct {
	RepoID   string
	PeerID   string
	RepoName string
	Token    string
	Password []byte
	Worktree string
	PeerAddr string
	PeerPort string
	Email    string
}

// Restore loads every persisted task from the store and classifies it per
// the restart rules in spec §4.4, before Run's loop starts processing new
// commands. Call once at startup, before Run.
func (m *Manager) Restore(ctx context.Context) error {
	rows, err := m.store.ScanAll()
	if err != nil {
		return fmt.Errorf("scanning task store at restart: %w", err)
	}
	for _, t := range rows {
		m.tasks[t.RepoID] = t
	}

	pending, err := m.log.Pending()
	if err != nil {
		return fmt.Errorf("reading event log at restart: %w", err)
	}

	for _, t := range rows {
		m.classifyRestart(ctx, t)
	}
	for _, p := range pending {
		m.applyEntry(ctx, p)
	}
	return nil
}

// Run drives the control loop until ctx is canceled. It must be called
// from its own goroutine; AddTask/CancelTask/RemoveTask/GetTask/ListTasks
// block until Run picks up their request.
func (m *Manager) Run(ctx context.Context) {
	m.stopWatcher = m.startWatcher(ctx)
	defer m.stopWatcher()

	var transferEvents <-chan ports.TransferEvent
	if m.coll.Transfer != nil {
		transferEvents = m.coll.Transfer.Events()
	}

	for {
		select {
		case <-ctx.Done():
			close(m.done)
			return

		case c := <-m.cmds:
			m.handleCommand(ctx, c)

		case ce := <-m.completes:
			m.handleCompletion(ctx, ce)

		case te, ok := <-transferEvents:
			if !ok {
				transferEvents = nil
				continue
			}
			m.handleTransferEvent(ctx, te)
		}
	}
}

// Done reports when Run has exited.
func (m *Manager) Done() <-chan struct{} { return m.done }

func (m *Manager) send(ctx context.Context, c command) commandReply {
	c.reply = make(chan commandReply, 1)
	select {
	case m.cmds <- c:
	case <-ctx.Done():
		return commandReply{err: ctx.Err()}
	}
	select {
	case r := <-c.reply:
		return r
	case <-ctx.Done():
		return commandReply{err: ctx.Err()}
	}
}

// AddTask admits a new clone task. See spec §6 for the error taxonomy.
func (m *Manager) AddTask(ctx context.Context, args AddTaskArgs) (string, error) {
	r := m.send(ctx, command{kind: cmdAdd, add: args})
	return r.repoID, r.err
}

// CancelTask requests cancellation of repoID; see spec §4.5.
func (m *Manager) CancelTask(ctx context.Context, repoID string) error {
	r := m.send(ctx, command{kind: cmdCancel, repo: repoID})
	return r.err
}

// RemoveTask drops a terminal task from the in-memory map.
func (m *Manager) RemoveTask(ctx context.Context, repoID string) error {
	r := m.send(ctx, command{kind: cmdRemove, repo: repoID})
	return r.err
}

// GetTask returns a snapshot of one task.
func (m *Manager) GetTask(ctx context.Context, repoID string) (types.Snapshot, error) {
	r := m.send(ctx, command{kind: cmdGet, repo: repoID})
	return r.task, r.err
}

// ListTasks returns a snapshot of every in-memory task.
func (m *Manager) ListTasks(ctx context.Context) ([]types.Snapshot, error) {
	r := m.send(ctx, command{kind: cmdList})
	return r.tasks, r.err
}

// GenDefaultWorktree produces a non-colliding path under parentDir for
// repoName. It never fails to return a path; on synthesis exhaustion it
// falls back to the naive join (spec §6).
func (m *Manager) GenDefaultWorktree(ctx context.Context, parentDir, repoName string) string {
	candidate := fmt.Sprintf("%s/%s", parentDir, repoName)
	resolved, err := m.res.Resolve(candidate, worktree.Probe, m.conflictOracle(ctx))
	if err != nil {
		return candidate
	}
	return resolved
}

// conflictOracle returns a worktree.ConflictOracle bound to ctx: a path
// conflicts if it is the worktree of any non-terminal task, or of any
// repository the RepoStore already knows about (spec §3 invariant 2 /
// §4.2 step 4) -- the task map alone only ever covered the first half of
// that, since a repository can be fully materialized with no task left
// in flight for it. Must only be called from the control goroutine.
func (m *Manager) conflictOracle(ctx context.Context) worktree.ConflictOracle {
	return func(path string) bool {
		for _, t := range m.tasks {
			if t.State.Terminal() {
				continue
			}
			if t.Worktree == path {
				return true
			}
		}
		if m.coll.RepoStore == nil {
			return false
		}
		_, found, err := m.coll.RepoStore.LookupByWorktree(ctx, path)
		if err != nil {
			fmt.Printf("manager: checking worktree conflict for %s: %v\n", path, err)
			return false
		}
		return found
	}
}

func (m *Manager) handleCommand(ctx context.Context, c command) {
	switch c.kind {
	case cmdAdd:
		repoID, err := m.admit(ctx, c.add)
		c.reply <- commandReply{repoID: repoID, err: err}
	case cmdCancel:
		err := m.cancelTask(ctx, c.repo)
		c.reply <- commandReply{err: err}
	case cmdRemove:
		err := m.removeTask(c.repo)
		c.reply <- commandReply{err: err}
	case cmdGet:
		t, ok := m.tasks[c.repo]
		if !ok {
			c.reply <- commandReply{err: fmt.Errorf("task %s not found", c.repo)}
			return
		}
		c.reply <- commandReply{task: t.ToSnapshot()}
	case cmdList:
		out := make([]types.Snapshot, 0, len(m.tasks))
		for _, t := range m.tasks {
			out = append(out, t.ToSnapshot())
		}
		c.reply <- commandReply{tasks: out}
	case cmdTick:
		m.tick(ctx)
	}
}

func (m *Manager) removeTask(repoID string) error {
	t, ok := m.tasks[repoID]
	if !ok {
		return nil
	}
	if !t.State.Terminal() {
		return fmt.Errorf("task %s is not terminal, state=%s", repoID, t.State)
	}
	t.Free()
	delete(m.tasks, repoID)
	return nil
}

func (m *Manager) newJobID() string { return uuid.NewString() }

func (m *Manager) logTransition(t *types.Task, event string) {
	log.Printf("manager: repo=%s event=%s state=%s", t.RepoID, event, t.State)
	telemetry.RecordTransition(t.RepoID, string(t.State))
}
