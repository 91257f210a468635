// Package model defines the core domain types for Hataraku.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. Execution records and their steps are
// the audit trail of the reasoning loop and are never mutated after a
// terminal status is reached.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus represents the lifecycle state of an agent execution.
// `running` is the only non-terminal state; every other status is final.
type ExecutionStatus string

const (
	StatusRunning     ExecutionStatus = "running"
	StatusCompleted   ExecutionStatus = "completed"
	StatusFailed      ExecutionStatus = "failed"
	StatusNeedsReview ExecutionStatus = "needs_review"
	StatusCancelled   ExecutionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusNeedsReview, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// CanTransition reports whether an execution may move from one status to
// another. The only legal transitions are running → one terminal state.
func CanTransition(from, to ExecutionStatus) bool {
	return from == StatusRunning && to.Terminal()
}

// TriggerType indicates how an execution was started.
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerEvent  TriggerType = "event"
)

// AgentExecution is one run of an agent definition pursuing a goal.
// Owned exclusively by the orchestrator run that drives it; the only
// out-of-band mutation allowed is setting the Cancelled flag.
type AgentExecution struct {
	ID          uuid.UUID       `json:"id"`
	AgentID     string          `json:"agent_id"`
	OrgID       uuid.UUID       `json:"org_id"`
	Status      ExecutionStatus `json:"status"`
	TriggerType TriggerType     `json:"trigger_type"`
	Goal        string          `json:"goal"`
	Outcome     *string         `json:"outcome,omitempty"`
	Cancelled   bool            `json:"cancelled"`
	TokensUsed  int64           `json:"tokens_used"`
	CostUsed    float64         `json:"cost_used_usd"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`

	// Steps is the ordered, append-only decision log. Populated by
	// queries that include steps; not every read hydrates it.
	Steps []ExecutionStep `json:"steps,omitempty"`
}

// StepStatus is the per-step result.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Step actions, recorded verbatim in the audit trail.
const (
	ActionToolCall   = "tool_call"
	ActionDone       = "done"
	ActionNeedsHuman = "needs_human"
)

// ExecutionStep is one loop iteration: a decision plus an optional tool
// invocation. StepNumber starts at 1 and is gap-free within an execution.
// Steps are append-only; retries of a tool call are folded into a single
// step and surfaced via Attempts so replayed side effects stay auditable.
type ExecutionStep struct {
	ID          uuid.UUID       `json:"id"`
	ExecutionID uuid.UUID       `json:"execution_id"`
	StepNumber  int             `json:"step_number"`
	Reasoning   string          `json:"reasoning"`
	Action      string          `json:"action"`
	ToolName    *string         `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput  json.RawMessage `json:"tool_output,omitempty"`
	Status      StepStatus      `json:"status"`
	Error       *string         `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	DurationMs  int64           `json:"duration_ms"`
	TokensUsed  int64           `json:"tokens_used"`
	CreatedAt   time.Time       `json:"created_at"`
}
