package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/planweave/planweave/pkg/engine"
)

// maxRequestBody caps create-plan payloads at 4 MiB.
const maxRequestBody = 4 << 20

// errorBody is the JSON error envelope for every non-2xx response.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail carries the classified error fields.
type errorDetail struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Step    string                 `json:"step,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// createPlanResponse is the body returned by plan creation.
type createPlanResponse struct {
	PlanID string `json:"plan_id"`
	State  string `json:"state"`
	Steps  int    `json:"steps"`
}

// executePlanResponse is the body returned by execute and cancel.
type executePlanResponse struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
}

// listPlansResponse is the body returned by plan listing.
type listPlansResponse struct {
	Plans []planSummary `json:"plans"`
}

// planSummary is one entry in the plan listing.
type planSummary struct {
	PlanID     string `json:"plan_id"`
	State      string `json:"state"`
	TemplateID string `json:"template_id"`
	CreatedAt  string `json:"created_at"`
	Steps      int    `json:"steps"`
}

// traceResponse is the body returned by the trace endpoint.
type traceResponse struct {
	PlanID string              `json:"plan_id"`
	Events []engine.TraceEvent `json:"events"`
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var req engine.CreatePlanRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err := decoder.Decode(&req); err != nil {
		s.writeError(w, engine.NewValidationError("invalid request body", err))
		return
	}

	plan, err := s.engine.CreatePlan(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, createPlanResponse{
		PlanID: plan.ID,
		State:  string(plan.State),
		Steps:  len(plan.Steps),
	})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	plans, err := s.engine.ListPlans(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := listPlansResponse{Plans: make([]planSummary, 0, len(plans))}
	for _, plan := range plans {
		resp.Plans = append(resp.Plans, planSummary{
			PlanID:     plan.ID,
			State:      string(plan.State),
			TemplateID: plan.TemplateID,
			CreatedAt:  plan.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			Steps:      len(plan.Steps),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	status, err := s.engine.GetPlan(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("id")
	if err := s.engine.ExecutePlan(r.Context(), planID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, executePlanResponse{PlanID: planID, Status: "executing"})
}

func (s *Server) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("id")
	if err := s.engine.CancelPlan(r.Context(), planID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, executePlanResponse{PlanID: planID, Status: "cancelling"})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	planID := r.PathValue("id")
	events, err := s.engine.Trace(r.Context(), planID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, traceResponse{PlanID: planID, Events: events})
}

// writeJSON writes a JSON response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.WithError(err).Warn("failed to encode response")
	}
}

// writeError maps a classified engine error to its HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	detail := errorDetail{
		Code:    engine.ErrCodeInternal,
		Message: "internal error",
	}
	status := http.StatusInternalServerError

	var engErr *engine.EngineError
	if errors.As(err, &engErr) {
		detail.Code = engErr.Code
		detail.Message = engErr.Message
		detail.Step = engErr.Step
		detail.Details = engErr.Details

		switch engErr.Code {
		case engine.ErrCodeNotFound:
			status = http.StatusNotFound
		case engine.ErrCodeConflict:
			status = http.StatusConflict
		case engine.ErrCodeValidation, engine.ErrCodeCyclicDependency, engine.ErrCodeUnknownReference:
			status = http.StatusBadRequest
		default:
			status = http.StatusInternalServerError
		}
	} else {
		s.log.WithError(err).Error("unclassified handler error")
	}

	s.metrics.RecordError(detail.Code)
	s.writeJSON(w, status, errorBody{Error: detail})
}

// queryInt parses an integer query parameter with a fallback.
func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
