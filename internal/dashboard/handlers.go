package dashboard

import (
	"encoding/json"
	"net/http"
)

// handleStatus returns the aggregate per-state task counts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.getStatus()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, stats)
}

// handleTasks returns every in-memory task snapshot.
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.mgr.ListTasks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, tasks)
}

// handleTask returns a single task's snapshot by repo-id.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	task, err := s.mgr.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, task)
}

// jsonResponse writes data as the JSON response body.
func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}
