// Package mcp implements the Model Context Protocol control surface for
// the execution engine.
//
// The MCP server mirrors the HTTP API's execution lifecycle: trigger,
// status polling, cancellation, and feedback, so MCP-compatible agents
// can drive executions without speaking the REST surface.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/hataraku-ai/hataraku/internal/engine"
	"github.com/hataraku-ai/hataraku/internal/memory"
	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store"
)

// Server wraps the MCP server with the engine's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	manager   *engine.Manager
	store     store.Store
	memories  *memory.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools and
// resources registered.
func New(manager *engine.Manager, st store.Store, memories *memory.Service, logger *slog.Logger) *Server {
	s := &Server{
		manager:  manager,
		store:    st,
		memories: memories,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"hataraku",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerTools()
	s.registerResources()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	// hataraku_trigger: start an execution for a defined agent.
	s.mcpServer.AddTool(
		mcplib.NewTool("hataraku_trigger",
			mcplib.WithDescription("Trigger an autonomous execution for a defined agent. Returns the execution ID for status polling."),
			mcplib.WithString("org_id", mcplib.Description("Organization UUID"), mcplib.Required()),
			mcplib.WithString("agent_id", mcplib.Description("Agent identifier"), mcplib.Required()),
			mcplib.WithString("goal_overrides", mcplib.Description("JSON object of {{placeholder}} values for the goal template")),
		),
		s.handleTrigger,
	)

	// hataraku_status: point-in-time progress snapshot.
	s.mcpServer.AddTool(
		mcplib.NewTool("hataraku_status",
			mcplib.WithDescription("Get the current status of an execution. Poll until a terminal status (completed, failed, needs_review, cancelled)."),
			mcplib.WithString("org_id", mcplib.Description("Organization UUID"), mcplib.Required()),
			mcplib.WithString("execution_id", mcplib.Description("Execution UUID"), mcplib.Required()),
		),
		s.handleStatus,
	)

	// hataraku_cancel: cooperative cancellation.
	s.mcpServer.AddTool(
		mcplib.NewTool("hataraku_cancel",
			mcplib.WithDescription("Request cancellation of a running execution. The loop stops at its next checkpoint; in-flight tool calls run to completion."),
			mcplib.WithString("org_id", mcplib.Description("Organization UUID"), mcplib.Required()),
			mcplib.WithString("execution_id", mcplib.Description("Execution UUID"), mcplib.Required()),
		),
		s.handleCancel,
	)

	// hataraku_feedback: reinforcement and corrections.
	s.mcpServer.AddTool(
		mcplib.NewTool("hataraku_feedback",
			mcplib.WithDescription("Submit feedback on a finished execution: approval or rejection reinforces the memories it used, correction teaches a lesson."),
			mcplib.WithString("org_id", mcplib.Description("Organization UUID"), mcplib.Required()),
			mcplib.WithString("execution_id", mcplib.Description("Execution UUID"), mcplib.Required()),
			mcplib.WithString("type", mcplib.Description("Feedback type: correction, approval, or rejection"), mcplib.Required()),
			mcplib.WithString("memory_id", mcplib.Description("Memory UUID to reinforce")),
			mcplib.WithString("lesson", mcplib.Description("JSON lesson object for corrections: {scope, entity_key, category, description}")),
		),
		s.handleFeedback,
	)
}

func (s *Server) registerResources() {
	// hataraku://org/{org_id}/memories lists the org's learned memories.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"hataraku://org/{org_id}/memories",
			"Learned Memories",
			mcplib.WithTemplateDescription("Recently updated learned memories for an organization"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleMemoriesRecent,
	)
}

func (s *Server) handleTrigger(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	orgID, err := uuid.Parse(request.GetString("org_id", ""))
	if err != nil {
		return errorResult("org_id must be a valid UUID"), nil
	}
	agentID := request.GetString("agent_id", "")
	if agentID == "" {
		return errorResult("agent_id is required"), nil
	}

	var overrides map[string]string
	if raw := request.GetString("goal_overrides", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &overrides); err != nil {
			return errorResult("goal_overrides must be a JSON object of strings"), nil
		}
	}

	ex, err := s.manager.Trigger(ctx, model.TriggerRequest{
		AgentID:       agentID,
		OrgID:         orgID,
		TriggerType:   model.TriggerEvent,
		GoalOverrides: overrides,
	})
	if err != nil {
		return errorResult(fmt.Sprintf("trigger failed: %v", err)), nil
	}

	return jsonResult(map[string]any{
		"execution_id": ex.ID,
		"status":       ex.Status,
		"goal":         ex.Goal,
	})
}

func (s *Server) handleStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	orgID, executionID, errMsg := parseIDs(request)
	if errMsg != "" {
		return errorResult(errMsg), nil
	}

	status, err := s.manager.Status(ctx, orgID, executionID)
	if err != nil {
		return errorResult(fmt.Sprintf("status failed: %v", err)), nil
	}
	return jsonResult(status)
}

func (s *Server) handleCancel(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	orgID, executionID, errMsg := parseIDs(request)
	if errMsg != "" {
		return errorResult(errMsg), nil
	}

	if err := s.manager.Cancel(ctx, orgID, executionID); err != nil {
		return errorResult(fmt.Sprintf("cancel failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"execution_id": executionID,
		"status":       "cancellation_requested",
	})
}

func (s *Server) handleFeedback(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	orgID, executionID, errMsg := parseIDs(request)
	if errMsg != "" {
		return errorResult(errMsg), nil
	}

	// Feedback anchors to an existing execution in this org.
	if _, err := s.store.GetExecution(ctx, orgID, executionID); err != nil {
		return errorResult(fmt.Sprintf("execution lookup failed: %v", err)), nil
	}

	req := model.FeedbackRequest{Type: model.FeedbackType(request.GetString("type", ""))}
	if raw := request.GetString("memory_id", ""); raw != "" {
		memoryID, err := uuid.Parse(raw)
		if err != nil {
			return errorResult("memory_id must be a valid UUID"), nil
		}
		req.Details.MemoryID = &memoryID
	}
	if raw := request.GetString("lesson", ""); raw != "" {
		var lesson model.Lesson
		if err := json.Unmarshal([]byte(raw), &lesson); err != nil {
			return errorResult("lesson must be a JSON lesson object"), nil
		}
		req.Details.Lesson = &lesson
	}
	if err := req.Validate(); err != nil {
		return errorResult(err.Error()), nil
	}

	if err := s.memories.ProcessFeedback(ctx, orgID, req); err != nil {
		return errorResult(fmt.Sprintf("feedback failed: %v", err)), nil
	}

	s.logger.Info("mcp feedback processed",
		"execution_id", executionID.String(),
		"type", string(req.Type))
	return jsonResult(map[string]any{
		"execution_id": executionID,
		"status":       "applied",
	})
}

func (s *Server) handleMemoriesRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	// Parse org_id out of hataraku://org/{org_id}/memories.
	uri := request.Params.URI
	raw := strings.TrimSuffix(strings.TrimPrefix(uri, "hataraku://org/"), "/memories")
	orgID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid memories URI: %s", uri)
	}

	memories, _, err := s.store.ListMemories(ctx, orgID, false, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: list memories: %w", err)
	}

	data, err := json.MarshalIndent(memories, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal memories: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func parseIDs(request mcplib.CallToolRequest) (orgID, executionID uuid.UUID, errMsg string) {
	orgID, err := uuid.Parse(request.GetString("org_id", ""))
	if err != nil {
		return uuid.Nil, uuid.Nil, "org_id must be a valid UUID"
	}
	executionID, err = uuid.Parse(request.GetString("execution_id", ""))
	if err != nil {
		return uuid.Nil, uuid.Nil, "execution_id must be a valid UUID"
	}
	return orgID, executionID, ""
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
