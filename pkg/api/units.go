package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/benchwork/benchwork"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitUnitRequest is the JSON body for POST /v1/units.
type submitUnitRequest struct {
	RunID         string          `json:"run_id"`
	Kind          string          `json:"kind"`
	ResourceClass string          `json:"resource_class"`
	Priority      int             `json:"priority"`
	Payload       json.RawMessage `json:"payload"`
	MaxRetries    int             `json:"max_retries"`
}

// unitResponse is the JSON shape of a work unit. Slot ownership fields stay
// internal; /v1/slots exposes the unit-to-slot mapping instead.
type unitResponse struct {
	ID              string                  `json:"id"`
	RunID           string                  `json:"run_id"`
	Kind            benchwork.WorkKind      `json:"kind"`
	ResourceClass   benchwork.ResourceClass `json:"resource_class"`
	Priority        int                     `json:"priority"`
	Status          benchwork.Status        `json:"status"`
	PreviousStatus  benchwork.Status        `json:"previous_status,omitempty"`
	RetryCount      int                     `json:"retry_count"`
	MaxRetries      int                     `json:"max_retries"`
	LineageID       string                  `json:"lineage_id"`
	FailureKind     benchwork.FailureKind   `json:"failure_kind,omitempty"`
	LastError       string                  `json:"last_error,omitempty"`
	TokensIn        int64                   `json:"tokens_in"`
	TokensOut       int64                   `json:"tokens_out"`
	CostUSD         float64                 `json:"cost_usd"`
	CancelRequested bool                    `json:"cancel_requested,omitempty"`
	PauseRequested  bool                    `json:"pause_requested,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
	StartedAt       *time.Time              `json:"started_at,omitempty"`
	CompletedAt     *time.Time              `json:"completed_at,omitempty"`
	AvailableAt     *time.Time              `json:"available_at,omitempty"`
	Payload         json.RawMessage         `json:"payload,omitempty"`
	Result          json.RawMessage         `json:"result,omitempty"`
}

func newUnitResponse(u *benchwork.WorkUnit) unitResponse {
	return unitResponse{
		ID:              u.ID,
		RunID:           u.RunID,
		Kind:            u.Kind,
		ResourceClass:   u.ResourceClass,
		Priority:        u.Priority,
		Status:          u.Status,
		PreviousStatus:  u.PreviousStatus,
		RetryCount:      u.RetryCount,
		MaxRetries:      u.MaxRetries,
		LineageID:       u.LineageID,
		FailureKind:     u.FailureKind,
		LastError:       u.LastError,
		TokensIn:        u.TokensIn,
		TokensOut:       u.TokensOut,
		CostUSD:         u.CostUSD,
		CancelRequested: u.CancelRequested,
		PauseRequested:  u.PauseRequested,
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
		StartedAt:       u.StartedAt,
		CompletedAt:     u.CompletedAt,
		AvailableAt:     u.AvailableAt,
		Payload:         json.RawMessage(u.Payload),
		Result:          json.RawMessage(u.Result),
	}
}

// listUnitsResponse wraps the filtered list response.
type listUnitsResponse struct {
	Units []unitResponse `json:"units"`
	Count int            `json:"count"`
	Limit int            `json:"limit"`
}

func (s *Server) handleSubmitUnit(w http.ResponseWriter, r *http.Request) {
	var req submitUnitRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.RunID == "" {
		s.writeError(w, http.StatusBadRequest, "run_id is required")
		return
	}
	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	unit, err := s.runner.Submit(r.Context(), benchwork.SubmitRequest{
		RunID:         req.RunID,
		Kind:          benchwork.WorkKind(req.Kind),
		ResourceClass: benchwork.ResourceClass(req.ResourceClass),
		Priority:      req.Priority,
		Payload:       []byte(req.Payload),
		MaxRetries:    req.MaxRetries,
	})
	if err != nil {
		s.writeDomainError(w, err, "submit work unit")
		return
	}

	s.writeJSON(w, http.StatusCreated, newUnitResponse(unit))
}

func (s *Server) handleGetUnit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	unit, err := s.runner.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, "get work unit")
		return
	}

	s.writeJSON(w, http.StatusOK, newUnitResponse(unit))
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}

	filter := benchwork.UnitFilter{
		RunID: r.URL.Query().Get("run"),
		Kind:  benchwork.WorkKind(r.URL.Query().Get("kind")),
		Class: benchwork.ResourceClass(r.URL.Query().Get("class")),
		Limit: limit,
	}
	for _, raw := range parseListQuery(r, "status") {
		filter.Statuses = append(filter.Statuses, benchwork.Status(raw))
	}

	units, err := s.runner.List(r.Context(), filter)
	if err != nil {
		s.log.Error("list work units", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list work units")
		return
	}

	out := make([]unitResponse, len(units))
	for i, u := range units {
		out[i] = newUnitResponse(u)
	}

	s.writeJSON(w, http.StatusOK, listUnitsResponse{
		Units: out,
		Count: len(out),
		Limit: limit,
	})
}

// Control requests are cooperative. The response carries the unit as of the
// request being recorded, so the status may still show the old state with
// the matching flag set.

func (s *Server) handleCancelUnit(w http.ResponseWriter, r *http.Request) {
	s.controlUnit(w, r, "cancel work unit", s.runner.Cancel)
}

func (s *Server) handlePauseUnit(w http.ResponseWriter, r *http.Request) {
	s.controlUnit(w, r, "pause work unit", s.runner.Pause)
}

func (s *Server) handleResumeUnit(w http.ResponseWriter, r *http.Request) {
	s.controlUnit(w, r, "resume work unit", s.runner.Resume)
}

func (s *Server) controlUnit(w http.ResponseWriter, r *http.Request, action string, op func(context.Context, string) error) {
	id := chi.URLParam(r, "id")

	if err := op(r.Context(), id); err != nil {
		s.writeDomainError(w, err, action)
		return
	}

	unit, err := s.runner.Get(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err, action)
		return
	}

	s.writeJSON(w, http.StatusAccepted, newUnitResponse(unit))
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeDomainError maps the module's sentinel errors onto HTTP status codes.
// Validation failures keep their message so callers see the reason; internal
// failures are logged and masked.
func (s *Server) writeDomainError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, benchwork.ErrUnitNotFound):
		s.writeError(w, http.StatusNotFound, "work unit not found")
	case errors.Is(err, benchwork.ErrRunNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, benchwork.ErrUnknownKind),
		errors.Is(err, benchwork.ErrInvalidClass),
		errors.Is(err, benchwork.ErrInvalidPayload):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, benchwork.ErrBudgetExceeded),
		errors.Is(err, benchwork.ErrInvalidTransition):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, benchwork.ErrShuttingDown):
		s.writeError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		s.log.Error(action, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to "+action)
	}
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}

// parseListQuery collects a repeatable query parameter, splitting each value
// on commas. Empty segments are dropped.
func parseListQuery(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
