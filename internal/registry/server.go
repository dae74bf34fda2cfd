package registry

import (
	"encoding/json"
	"net/http"
)

// Server handles process-table HTTP requests.
type Server struct {
	store *Store
}

// NewServer creates a new registry server.
func NewServer(store *Store) *Server {
	return &Server{
		store: store,
	}
}

type processList struct {
	Processes []Process `json:"processes"`
	Recording int       `json:"recording"`
}

// HandleListProcesses returns the running processes.
// GET /api/processes
func (s *Server) HandleListProcesses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := processList{Processes: s.store.ListProcesses()}
	for _, p := range resp.Processes {
		if p.Recording {
			resp.Recording++
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// HandleRefresh rescans the process table.
// POST /api/processes/refresh
func (s *Server) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.store.Refresh(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
