package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/benchwork/benchwork"
)

// controlResponse acknowledges a pool-wide control request. The request is
// cooperative, so 202 means recorded, not applied.
type controlResponse struct {
	Status string `json:"status"`
	RunID  string `json:"run_id,omitempty"`
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run")

	if err := s.runner.PauseAll(r.Context(), runID); err != nil {
		s.writeDomainError(w, err, "pause work units")
		return
	}

	s.writeJSON(w, http.StatusAccepted, controlResponse{Status: "pause_requested", RunID: runID})
}

func (s *Server) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run")

	if err := s.runner.ResumeAll(r.Context(), runID); err != nil {
		s.writeDomainError(w, err, "resume work units")
		return
	}

	s.writeJSON(w, http.StatusAccepted, controlResponse{Status: "resume_requested", RunID: runID})
}

func (s *Server) handleCost(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run")
	if runID == "" {
		s.writeError(w, http.StatusBadRequest, "run query parameter is required")
		return
	}

	summary, err := s.runner.CostSummary(r.Context(), runID)
	if err != nil {
		s.writeDomainError(w, err, "summarize cost")
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}

// slotsResponse is the JSON response for GET /v1/slots.
type slotsResponse struct {
	Slots    []benchwork.SlotSnapshot        `json:"slots"`
	Busy     map[benchwork.ResourceClass]int `json:"busy"`
	Total    map[benchwork.ResourceClass]int `json:"total"`
	Draining bool                            `json:"draining"`
}

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	busy, total := s.runner.Occupancy()

	s.writeJSON(w, http.StatusOK, slotsResponse{
		Slots:    s.runner.Slots(),
		Busy:     busy,
		Total:    total,
		Draining: s.runner.Draining(),
	})
}

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Units    map[benchwork.Status]int64      `json:"units"`
	Busy     map[benchwork.ResourceClass]int `json:"busy"`
	Total    map[benchwork.ResourceClass]int `json:"total"`
	Draining bool                            `json:"draining"`
}

// handleStats reports unit counts across all runs. Narrow to one run with
// the run query parameter.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.runner.CountByStatus(r.Context(), r.URL.Query().Get("run"))
	if err != nil {
		s.log.Error("count work units", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	busy, total := s.runner.Occupancy()

	s.writeJSON(w, http.StatusOK, statsResponse{
		Units:    counts,
		Busy:     busy,
		Total:    total,
		Draining: s.runner.Draining(),
	})
}

// createRunRequest is the JSON body for POST /v1/runs. An empty body is
// accepted and creates an unlabelled run.
type createRunRequest struct {
	Label string `json:"label"`
}

// runResponse is the JSON shape of a run record.
type runResponse struct {
	ID          string     `json:"id"`
	Label       string     `json:"label,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func newRunResponse(run *benchwork.Run) runResponse {
	return runResponse{
		ID:          run.ID,
		Label:       run.Label,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, err := s.runner.NewRun(r.Context(), req.Label)
	if err != nil {
		s.writeDomainError(w, err, "create run")
		return
	}

	s.writeJSON(w, http.StatusCreated, newRunResponse(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	summary, err := s.runner.RunSummary(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "get run")
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}

// handleFinishRun stamps the run's completion time. Finishing an already
// finished run is a no-op; the current summary is returned either way.
func (s *Server) handleFinishRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.runner.FinishRun(r.Context(), id); err != nil {
		s.writeDomainError(w, err, "finish run")
		return
	}

	summary, err := s.runner.RunSummary(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "finish run")
		return
	}

	s.writeJSON(w, http.StatusOK, summary)
}
