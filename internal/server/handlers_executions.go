package server

import (
	"errors"
	"net/http"

	"github.com/hataraku-ai/hataraku/internal/engine"
	"github.com/hataraku-ai/hataraku/internal/model"
)

// HandleTriggerExecution handles POST /v1/executions. The execution is
// created and started asynchronously; the response carries only the ID
// for subsequent status polling.
func (h *Handlers) HandleTriggerExecution(w http.ResponseWriter, r *http.Request) {
	var req model.TriggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	req.OrgID = OrgIDFromContext(r.Context())
	req.Normalize()
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	ex, err := h.manager.Trigger(r.Context(), req)
	if err != nil {
		if errors.Is(err, engine.ErrShuttingDown) {
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError, "server is shutting down")
			return
		}
		h.writeStoreError(w, r, err)
		return
	}

	h.logger.Info("execution triggered",
		"execution_id", ex.ID.String(),
		"agent_id", ex.AgentID,
		"org_id", ex.OrgID.String())
	writeJSON(w, r, http.StatusAccepted, model.TriggerResponse{
		ExecutionID: ex.ID,
		Status:      ex.Status,
	})
}

// HandleGetExecution handles GET /v1/executions/{execution_id}. Returns
// the full record including the step log.
func (h *Handlers) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	executionID, ok := pathUUID(w, r, "execution_id")
	if !ok {
		return
	}

	ex, err := h.store.GetExecution(r.Context(), OrgIDFromContext(r.Context()), executionID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, ex)
}

// HandleExecutionStatus handles GET /v1/executions/{execution_id}/status.
// Lightweight snapshot for polling; clients poll until a terminal status.
func (h *Handlers) HandleExecutionStatus(w http.ResponseWriter, r *http.Request) {
	executionID, ok := pathUUID(w, r, "execution_id")
	if !ok {
		return
	}

	status, err := h.manager.Status(r.Context(), OrgIDFromContext(r.Context()), executionID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, status)
}

// HandleCancelExecution handles POST /v1/executions/{execution_id}/cancel.
// Sets the cancellation flag and returns 202; the loop honors it at the
// next checkpoint, so the caller observes the transition by polling.
func (h *Handlers) HandleCancelExecution(w http.ResponseWriter, r *http.Request) {
	executionID, ok := pathUUID(w, r, "execution_id")
	if !ok {
		return
	}

	if err := h.manager.Cancel(r.Context(), OrgIDFromContext(r.Context()), executionID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]string{
		"execution_id": executionID.String(),
		"status":       "cancellation_requested",
	})
}

// HandleFeedback handles POST /v1/executions/{execution_id}/feedback.
// Feedback reinforces or corrects the memories the execution relied on.
func (h *Handlers) HandleFeedback(w http.ResponseWriter, r *http.Request) {
	executionID, ok := pathUUID(w, r, "execution_id")
	if !ok {
		return
	}
	orgID := OrgIDFromContext(r.Context())

	// The execution anchors the feedback; it must exist in this org.
	if _, err := h.store.GetExecution(r.Context(), orgID, executionID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	var req model.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.memories.ProcessFeedback(r.Context(), orgID, req); err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.logger.Info("feedback processed",
		"execution_id", executionID.String(),
		"type", string(req.Type))
	writeJSON(w, r, http.StatusOK, map[string]string{
		"execution_id": executionID.String(),
		"status":       "applied",
	})
}
