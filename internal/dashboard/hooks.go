package dashboard

import (
	"sync"

	"github.com/cloneforge/clonemgr/pkg/types"
)

// Global dashboard instance for broadcasting. Kept as a package-level
// singleton because the manager's notify hook (internal/manager's
// SetNotifier) is a plain function value with no reference to whatever
// dashboard server, if any, is running in the same process; New wires
// itself in here so BroadcastTaskEvent has somewhere to send.
var (
	globalDashboard *Server
	globalMu        sync.RWMutex
)

// SetGlobal sets the global dashboard for event broadcasting.
func SetGlobal(s *Server) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalDashboard = s
}

// GetGlobal returns the global dashboard instance, or nil if none is running.
func GetGlobal() *Server {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalDashboard
}

// WebSocket event types.
const (
	EventTaskUpdate  = "task_update"
	EventStatsUpdate = "stats_update"
)

// BroadcastTaskEvent pushes snap to every connected WebSocket client as a
// task_update event. Pass this as the argument to manager.Manager's
// SetNotifier to wire live updates; it is a no-op if no dashboard server
// is running.
func BroadcastTaskEvent(snap types.Snapshot) {
	dash := GetGlobal()
	if dash == nil {
		return
	}
	dash.Broadcast(EventTaskUpdate, snap)
}
