package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for trigger and feedback payloads. These keep
// caller-controlled text out of the prompt assembly path and Postgres
// TEXT columns at unbounded sizes.
const (
	MaxGoalLen        = 16 * 1024 // 16 KB
	MaxFeedbackLen    = 32 * 1024 // 32 KB
	MaxDescriptionLen = 8 * 1024  // 8 KB
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput   = "INVALID_INPUT"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeBudgetExceeded = "BUDGET_EXCEEDED"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// TriggerRequest is the request body for POST /v1/executions.
type TriggerRequest struct {
	AgentID       string            `json:"agent_id"`
	OrgID         uuid.UUID         `json:"-"` // Set by the server, not from the request body.
	TriggerType   TriggerType       `json:"trigger_type"`
	GoalOverrides map[string]string `json:"goal_overrides,omitempty"`
}

// Normalize fills defaults for optional fields. An empty trigger type
// means a manual trigger. Callers normalize before Validate.
func (r *TriggerRequest) Normalize() {
	if r.TriggerType == "" {
		r.TriggerType = TriggerManual
	}
}

// Validate checks the trigger request fields.
func (r TriggerRequest) Validate() error {
	if err := ValidateAgentID(r.AgentID); err != nil {
		return err
	}
	switch r.TriggerType {
	case TriggerManual, TriggerEvent:
	case "":
		return fmt.Errorf("trigger_type is required")
	default:
		return fmt.Errorf("trigger_type must be 'manual' or 'event' (got %q)", r.TriggerType)
	}
	return nil
}

// TriggerResponse is the response for POST /v1/executions.
type TriggerResponse struct {
	ExecutionID uuid.UUID       `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
}

// StatusResponse is the response for GET /v1/executions/{id}/status.
// Pull-based: clients poll this until a terminal status is observed.
type StatusResponse struct {
	ExecutionID      uuid.UUID       `json:"execution_id"`
	Status           ExecutionStatus `json:"status"`
	CurrentStep      int             `json:"current_step"`
	TotalSteps       int             `json:"total_steps"`
	TokensUsed       int64           `json:"tokens_used"`
	EstimatedCostUsd float64         `json:"estimated_cost_usd"`
	Outcome          *string         `json:"outcome,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// FeedbackRequest is the request body for POST /v1/executions/{id}/feedback.
type FeedbackRequest struct {
	Type    FeedbackType    `json:"type"`
	Details FeedbackDetails `json:"details"`
}

// FeedbackDetails carries the reinforcement targets and, for corrections,
// the lesson the memory store should learn.
type FeedbackDetails struct {
	MemoryID *uuid.UUID `json:"memory_id,omitempty"`
	Note     string     `json:"note,omitempty"`
	Lesson   *Lesson    `json:"lesson,omitempty"`
}

// Validate checks feedback fields.
func (r FeedbackRequest) Validate() error {
	if !r.Type.Valid() {
		return fmt.Errorf("type must be one of correction, approval, rejection (got %q)", r.Type)
	}
	if len(r.Details.Note) > MaxFeedbackLen {
		return fmt.Errorf("details.note exceeds maximum length of %d bytes", MaxFeedbackLen)
	}
	if r.Details.Lesson != nil {
		if len(r.Details.Lesson.Description) > MaxDescriptionLen {
			return fmt.Errorf("lesson.description exceeds maximum length of %d bytes", MaxDescriptionLen)
		}
		return r.Details.Lesson.Validate()
	}
	return nil
}

// CreateAgentRequest is the request body for POST /v1/agents.
type CreateAgentRequest struct {
	AgentID               string         `json:"agent_id"`
	OrgID                 uuid.UUID      `json:"-"`
	Name                  string         `json:"name"`
	GoalTemplate          string         `json:"goal_template"`
	AllowedTools          []string       `json:"allowed_tools,omitempty"`
	MaxIterations         int            `json:"max_iterations,omitempty"`
	ConfidenceThreshold   float64        `json:"confidence_threshold,omitempty"`
	MaxTokensPerExecution int64          `json:"max_tokens_per_execution,omitempty"`
	MaxCostPerExecution   float64        `json:"max_cost_per_execution_usd,omitempty"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status            string `json:"status"`
	Version           string `json:"version"`
	Store             string `json:"store"`
	RunningExecutions int    `json:"running_executions"`
	Uptime            int64  `json:"uptime_seconds"`
}
