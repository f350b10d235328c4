package server

import (
	"errors"
	"net/http"

	"github.com/ashita-ai/kinko/internal/model"
	"github.com/ashita-ai/kinko/internal/storage"
)

// HandleRecordExecution handles POST /outcomes/{id}/execution.
func (h *Handlers) HandleRecordExecution(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.RecordExecutionRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.Validate(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	outcome, err := h.store.RecordExecution(r.Context(), id, req.ExecutedAmount, req.ExecutedAt)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "outcome not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to record execution", err)
		return
	}
	writeJSON(w, r, http.StatusOK, outcome)
}

// HandleRecordFollowUp handles POST /outcomes/{id}/follow-up.
func (h *Handlers) HandleRecordFollowUp(w http.ResponseWriter, r *http.Request) {
	id, err := parsePathID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.RecordFollowUpRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := model.Validate(req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	outcome, err := h.store.RecordFollowUp(r.Context(), id, req.ActualYieldBps, req.ActualShortfallRisk)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "outcome not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to record follow-up", err)
		return
	}
	writeJSON(w, r, http.StatusOK, outcome)
}

// HandleOutcomeStats handles GET /outcomes/stats?window=N. The window
// defaults to the learning window.
func (h *Handlers) HandleOutcomeStats(w http.ResponseWriter, r *http.Request) {
	window := queryInt(r, "window", h.learningWindow)
	if window < 1 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "window must be positive")
		return
	}
	stats, err := h.store.RecentOutcomeStats(r.Context(), window)
	if err != nil {
		h.writeInternalError(w, r, "failed to get outcome stats", err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"window": window,
		"stats":  stats,
	})
}
