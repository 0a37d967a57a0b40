package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/bidopsai/bidops-go/internal/domain"
	"github.com/bidopsai/bidops-go/internal/ratelimit"
	"github.com/bidopsai/bidops-go/internal/temporal/querier"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	opts := querier.ListOptions{
		TaskQueue: s.opts.TaskQueue,
		ProjectID: r.PathValue("project"),
	}
	if status := r.URL.Query().Get("status"); status != "" {
		opts.StatusFilter = status
	}

	workflows, err := s.querier.ListWorkflows(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, workflows)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	desc, err := s.querier.DescribeWorkflow(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, desc)
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.wait(r, ratelimit.OpSnapshot); err != nil {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	snap, err := s.querier.GetPipelineState(r.Context(), r.PathValue("id"))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	if snap.ProjectID == "" {
		snap.ProjectID = r.PathValue("project")
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleRecovery(w http.ResponseWriter, r *http.Request) {
	var req domain.RecoveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := domain.ValidateRecoveryRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if err := s.wait(r, ratelimit.OpRecovery); err != nil {
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	}
	if err := s.querier.RequestRecovery(r.Context(), r.PathValue("id"), req); err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"requestId": req.RequestID})
}

func (s *Server) wait(r *http.Request, op string) error {
	if s.opts.Limiter == nil {
		return nil
	}
	return s.opts.Limiter.Wait(r.Context(), op)
}

func writeQueryError(w http.ResponseWriter, err error) {
	if errors.Is(err, querier.ErrNotFound) {
		writeError(w, http.StatusNotFound, "workflow not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
