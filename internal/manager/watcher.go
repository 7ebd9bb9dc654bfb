package manager

import (
	"context"
	"time"

	"github.com/cloneforge/clonemgr/internal/ports"
	"github.com/cloneforge/clonemgr/pkg/telemetry"
	"github.com/cloneforge/clonemgr/pkg/types"
)

// startWatcher begins the Connectivity Watcher (spec §4.3): a coarse
// periodic tick that re-examines every task in CONNECT and advances it
// once its peer reports connected. Ticks are independent; missing one is
// harmless because state is reevaluated idempotently on the next.
func (m *Manager) startWatcher(ctx context.Context) (stop func()) {
	if m.coll.Timer != nil {
		return m.coll.Timer.Schedule(m.cfg.ConnectWatchInterval, func() {
			select {
			case m.cmds <- command{kind: cmdTick}:
			case <-ctx.Done():
			}
		})
	}

	ticker := time.NewTicker(m.cfg.ConnectWatchInterval)
	stopped := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				select {
				case m.cmds <- command{kind: cmdTick}:
				case <-ctx.Done():
					return
				}
			case <-stopped:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(stopped)
	}
}

// tick runs on the control goroutine: for every CONNECT task, ask the peer
// layer whether it's now connected, and if so invoke the state machine's
// connected transition.
func (m *Manager) tick(ctx context.Context) {
	start := time.Now()
	for _, t := range m.tasks {
		if t.State != types.StateConnect {
			continue
		}
		peer, err := m.coll.Peers.GetPeer(ctx, t.PeerID)
		if err != nil {
			continue // transient lookup failure; reevaluated next tick
		}
		if peer != nil && peer.State == ports.PeerConnected {
			m.afterConnected(ctx, t)
		}
	}
	telemetry.RecordTickDuration(time.Since(start))
}
