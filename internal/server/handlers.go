package server

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hataraku-ai/hataraku/internal/engine"
	"github.com/hataraku-ai/hataraku/internal/memory"
	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	manager  *engine.Manager
	store    store.Store
	memories *memory.Service
	logger   *slog.Logger

	version   string
	storeKind string
	startedAt time.Time
}

// HandlersDeps holds dependencies for creating Handlers.
type HandlersDeps struct {
	Manager   *engine.Manager
	Store     store.Store
	Memories  *memory.Service
	Logger    *slog.Logger
	Version   string
	StoreKind string // "postgres" or "inmem", reported by /health
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	return &Handlers{
		manager:   deps.Manager,
		store:     deps.Store,
		memories:  deps.Memories,
		logger:    deps.Logger,
		version:   deps.Version,
		storeKind: deps.StoreKind,
		startedAt: time.Now().UTC(),
	}
}

// writeStoreError maps store sentinel errors to HTTP statuses.
func (h *Handlers) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "not found")
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "already exists")
	case errors.Is(err, store.ErrAlreadyTerminal), errors.Is(err, engine.ErrExecutionNotRunning):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "execution already terminal")
	default:
		h.logger.Error("request failed",
			"error", err.Error(),
			"path", r.URL.Path,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
	}
}

// pathUUID parses a path value as a UUID, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// HandleCreateAgent handles POST /v1/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	def := model.AgentDefinition{
		ID:                    uuid.New(),
		AgentID:               req.AgentID,
		OrgID:                 OrgIDFromContext(r.Context()),
		Name:                  req.Name,
		GoalTemplate:          req.GoalTemplate,
		AllowedTools:          req.AllowedTools,
		MaxIterations:         req.MaxIterations,
		ConfidenceThreshold:   req.ConfidenceThreshold,
		MaxTokensPerExecution: req.MaxTokensPerExecution,
		MaxCostPerExecution:   req.MaxCostPerExecution,
		Metadata:              req.Metadata,
	}
	if err := def.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	created, err := h.store.CreateAgent(r.Context(), def)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}

	h.logger.Info("agent created",
		"agent_id", created.AgentID,
		"org_id", created.OrgID.String())
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleListAgents handles GET /v1/agents.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	agents, total, err := h.store.ListAgents(r.Context(), OrgIDFromContext(r.Context()), limit, offset)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if agents == nil {
		agents = []model.AgentDefinition{}
	}
	writeList(w, r, agents, total, limit, offset)
}

// HandleGetAgent handles GET /v1/agents/{agent_id}.
func (h *Handlers) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if err := model.ValidateAgentID(agentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	def, err := h.store.GetAgentByAgentID(r.Context(), OrgIDFromContext(r.Context()), agentID)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, def)
}

// HandleListAgentExecutions handles GET /v1/agents/{agent_id}/executions.
func (h *Handlers) HandleListAgentExecutions(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("agent_id")
	if err := model.ValidateAgentID(agentID); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	executions, total, err := h.store.ListExecutionsByAgent(r.Context(), OrgIDFromContext(r.Context()), agentID, limit, offset)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if executions == nil {
		executions = []model.AgentExecution{}
	}
	writeList(w, r, executions, total, limit, offset)
}

// HandleListMemories handles GET /v1/memories.
func (h *Handlers) HandleListMemories(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	includeArchived := r.URL.Query().Get("include_archived") == "true"

	memories, total, err := h.store.ListMemories(r.Context(), OrgIDFromContext(r.Context()), includeArchived, limit, offset)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if memories == nil {
		memories = []model.Memory{}
	}
	writeList(w, r, memories, total, limit, offset)
}

// HandleArchiveMemory handles POST /v1/memories/{memory_id}/archive.
func (h *Handlers) HandleArchiveMemory(w http.ResponseWriter, r *http.Request) {
	memoryID, ok := pathUUID(w, r, "memory_id")
	if !ok {
		return
	}

	if err := h.memories.Archive(r.Context(), OrgIDFromContext(r.Context()), memoryID); err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]string{"memory_id": memoryID.String(), "status": "archived"})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	if err := h.store.Ping(r.Context()); err != nil {
		h.logger.Error("health check store ping failed", "error", err.Error())
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:            status,
		Version:           h.version,
		Store:             h.storeKind,
		RunningExecutions: h.manager.RunningCount(),
		Uptime:            int64(time.Since(h.startedAt).Seconds()),
	})
}
