package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cloneforge/clonemgr/internal/collab"
	"github.com/cloneforge/clonemgr/internal/collabreg"
	"github.com/cloneforge/clonemgr/internal/config"
	"github.com/cloneforge/clonemgr/internal/eventlog"
	"github.com/cloneforge/clonemgr/internal/manager"
	"github.com/cloneforge/clonemgr/internal/store"
)

// runtime bundles everything opened for the lifetime of one CLI
// invocation, so every command can close it the same way.
type runtime struct {
	store *store.Store
	log   *eventlog.Log
	mgr   *manager.Manager
	stop  context.CancelFunc
}

// openRuntime opens the task store and event log under cfg.DatabaseURL,
// wires collaborators, restores any persisted tasks, and starts the
// manager's control goroutine. Call (*runtime).close when done.
func openRuntime(ctx context.Context) (*runtime, context.Context, error) {
	dbPath := store.PathFromURL(cfg.DatabaseURL)
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening task store: %w", err)
	}

	logDir := filepath.Join(filepath.Dir(dbPath), "eventlog")
	lg, err := eventlog.Open(logDir)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("opening event log: %w", err)
	}

	coll, err := buildCollaborators(cfg)
	if err != nil {
		st.Close()
		return nil, nil, err
	}

	mgr := manager.New(cfg, st, coll, lg)

	if cfg.DBOSSystemDatabaseURL != "" {
		durable, err := newDurableHook(cfg)
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		mgr.SetDurableHook(durable)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := mgr.Restore(runCtx); err != nil {
		cancel()
		st.Close()
		return nil, nil, fmt.Errorf("restoring tasks: %w", err)
	}

	go mgr.Run(runCtx)

	return &runtime{store: st, log: lg, mgr: mgr, stop: cancel}, runCtx, nil
}

// close stops the manager's control goroutine and closes the store. It
// waits briefly for Run to observe cancellation before returning.
func (r *runtime) close() {
	r.stop()
	select {
	case <-r.mgr.Done():
	case <-time.After(2 * time.Second):
	}
	r.store.Close()
}

// buildCollaborators wires the Indexer and CheckoutEngine ports to the
// reference subprocess adapters (internal/collab), and the remaining
// external collaborators (RepoStore, TransferEngine, PeerLayer,
// MergeEngines) to whatever an embedding program registered via
// internal/collabreg — this binary carries no production implementation
// of those four by design.
func buildCollaborators(cfg *config.Config) (manager.Collaborators, error) {
	var missing []string
	var coll manager.Collaborators

	if collabreg.RepoStore == nil {
		missing = append(missing, "RepoStore")
	} else {
		rs, err := collabreg.RepoStore(cfg)
		if err != nil {
			return coll, fmt.Errorf("building RepoStore: %w", err)
		}
		coll.RepoStore = rs
	}

	if collabreg.Transfer == nil {
		missing = append(missing, "TransferEngine")
	} else {
		te, err := collabreg.Transfer(cfg)
		if err != nil {
			return coll, fmt.Errorf("building TransferEngine: %w", err)
		}
		coll.Transfer = te
	}

	if collabreg.Peers == nil {
		missing = append(missing, "PeerLayer")
	} else {
		pl, err := collabreg.Peers(cfg)
		if err != nil {
			return coll, fmt.Errorf("building PeerLayer: %w", err)
		}
		coll.Peers = pl
	}

	if collabreg.Merge == nil {
		missing = append(missing, "MergeEngines")
	} else {
		me, err := collabreg.Merge(cfg)
		if err != nil {
			return coll, fmt.Errorf("building MergeEngines: %w", err)
		}
		coll.Merge = me
	}

	if len(missing) > 0 {
		return coll, fmt.Errorf(
			"no adapter registered for %v: these are external collaborators "+
				"(see internal/collabreg) that a deployment must supply before "+
				"clonemgr can admit or advance tasks", missing)
	}

	coll.Indexer = collab.NewSubprocessIndexer(cfg.IndexerCommand, cfg.IndexerTimeout)
	coll.Checkout = collab.NewSubprocessCheckoutEngine(cfg.CheckoutCommand, cfg.CheckoutTimeout)

	return coll, nil
}
