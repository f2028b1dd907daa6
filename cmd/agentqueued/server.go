package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/arcflow/agentqueue/manager"
	"github.com/arcflow/agentqueue/run"
	"github.com/arcflow/agentqueue/store"
)

// server holds the HTTP handlers' dependencies: a plain net/http
// handler set with no router framework, one struct field per
// collaborator.
type server struct {
	mgr     *manager.Manager
	hub     *streamHub
	limiter *submitLimiter
}

func newServer(mgr *manager.Manager, hub *streamHub, limiter *submitLimiter) *server {
	return &server{mgr: mgr, hub: hub, limiter: limiter}
}

type submitRequest struct {
	InputContent string `json:"input_content"`
	AgentName    string `json:"agent_name"`
	Priority     string `json:"priority,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	ParentRunID  string `json:"parent_run_id,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`
}

type submitResponse struct {
	RunID     string `json:"run_id"`
	Duplicate bool   `json:"duplicate"`
}

// handleRuns dispatches POST /runs (submit) and GET /runs (list).
func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmit(w, r)
	case http.MethodGet:
		s.handleListRuns(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.InputContent == "" || req.AgentName == "" {
		http.Error(w, "input_content and agent_name are required", http.StatusBadRequest)
		return
	}
	if !s.limiter.Allow(req.AgentName) {
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
		return
	}

	priority := run.ParsePriority(req.Priority)
	runID, duplicate, err := s.mgr.Submit(r.Context(), req.InputContent, req.AgentName, priority, req.SessionID, req.ParentRunID, req.MaxRetries)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(submitResponse{RunID: runID, Duplicate: duplicate})
}

func (s *server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	var filter store.RunFilter
	q := r.URL.Query()
	if st := q.Get("state"); st != "" {
		state := run.State(st)
		filter.State = &state
	}
	if sid := q.Get("session_id"); sid != "" {
		filter.SessionID = &sid
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if n, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = n
		}
	}

	runs, err := s.mgr.ListRuns(r.Context(), filter)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

// handleRunByID dispatches GET /runs/{id}, POST /runs/{id}/cancel, and
// POST /runs/{id}/retry, following the rest of this package's
// path-splitting convention for a router-framework-free mux
// (strings.Split on r.URL.Path).
func (s *server) handleRunByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		http.Error(w, "run_id is required", http.StatusBadRequest)
		return
	}
	runID := parts[0]

	if len(parts) == 2 {
		switch parts[1] {
		case "cancel":
			s.handleCancel(w, r, runID)
			return
		case "retry":
			s.handleRetry(w, r, runID)
			return
		default:
			http.Error(w, "Not found", http.StatusNotFound)
			return
		}
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rec, err := s.mgr.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "Run not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rec)
}

func (s *server) handleCancel(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	cancelled := s.mgr.Cancel(r.Context(), runID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}

func (s *server) handleRetry(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	newRunID, err := s.mgr.Retry(r.Context(), runID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"run_id": newRunID})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats, err := s.mgr.GetStats(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"queued":      stats.Queued,
		"running":     stats.Running,
		"paused":      stats.Paused,
		"succeeded":   stats.Succeeded,
		"failed":      stats.Failed,
		"cancelled":   stats.Cancelled,
		"total_runs":  stats.TotalRuns,
		"by_agent":    stats.ByAgent,
		"dedup":       s.mgr.DedupStats(),
		"queued_fast": s.mgr.QueuedCount(),
		"running_now": s.mgr.RunningCount(),
	})
}

func (s *server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	n, err := s.mgr.ClearQueue(r.Context())
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{"cleared": n})
}

// handleStream upgrades to a WebSocket carrying every run's output
// chunks and lifecycle events, per spec §6.2's streaming surface.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.hub.serveWS(w, r)
}
