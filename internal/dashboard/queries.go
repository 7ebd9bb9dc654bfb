package dashboard

import (
	"context"

	"github.com/cloneforge/clonemgr/pkg/types"
)

// StatusCounts is the aggregate view behind GET /api/status: how many
// tasks currently sit in each state, plus the total.
type StatusCounts struct {
	Total   int                 `json:"total"`
	ByState map[types.State]int `json:"by_state"`
}

// getStatus tallies every in-memory task by state. Grounded on the
// teacher's getStatus query, generalized from a fixed ready/claimed/
// in_progress/paused/blocked/completed/failed vocabulary to this
// system's open-ended State enum, so a new state never needs a query
// rewrite, and from a SQL GROUP BY to a walk over ListTasks's snapshot
// since the manager, not a database, is the source of truth here.
func (s *Server) getStatus() (StatusCounts, error) {
	snaps, err := s.mgr.ListTasks(context.Background())
	if err != nil {
		return StatusCounts{}, err
	}

	counts := StatusCounts{ByState: make(map[types.State]int)}
	for _, snap := range snaps {
		counts.Total++
		counts.ByState[snap.State]++
	}
	return counts, nil
}
