package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/kinko/internal/admission"
	"github.com/ashita-ai/kinko/internal/model"
	"github.com/ashita-ai/kinko/internal/orchestrator"
	"github.com/ashita-ai/kinko/internal/simulation"
	"github.com/ashita-ai/kinko/internal/storage"
)

// HandleRunScenarios handles POST /scenarios/run.
//
// 202 means the batch was admitted and every run exists in Pending; the
// runs finish in the background. 429 and 503 create no runs.
func (h *Handlers) HandleRunScenarios(w http.ResponseWriter, r *http.Request) {
	var req model.RunScenariosRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.Validate(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	resp, err := h.coord.Submit(r.Context(), orchestrator.Submission{
		Modes:      req.Modes,
		Parameters: req.Parameters,
	})
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusAccepted, resp)
	case errors.Is(err, admission.ErrAtCapacity):
		active := h.admission.Occupancy()
		writeAPIError(w, http.StatusTooManyRequests, model.APIError{
			Error: model.ErrorDetail{
				Code:    model.ErrCodeRateLimited,
				Message: "too many concurrent scenario batches",
			},
			ActiveRuns: &active,
			Meta:       responseMeta(r),
		})
	case errors.Is(err, simulation.ErrUnavailable):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstreamUnavailable, "simulation service unavailable")
	case errors.Is(err, orchestrator.ErrClosed):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstreamUnavailable, "server is shutting down")
	default:
		h.writeInternalError(w, r, "failed to start scenarios", err)
	}
}

// HandleGetScenario handles GET /scenarios/{id}.
func (h *Handlers) HandleGetScenario(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.store.GetScenarioRun(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "scenario not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get scenario", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListScenarios handles GET /scenarios?limit=N.
func (h *Handlers) HandleListScenarios(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 50)
	runs, err := h.store.ListScenarioRuns(r.Context(), limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list scenarios", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"scenarios": runs,
		"total":     len(runs),
		"limit":     limit,
	})
}

// HandleScenarioStats handles GET /scenarios/stats.
func (h *Handlers) HandleScenarioStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetScenarioStats(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to get scenario stats", err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}
