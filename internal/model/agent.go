package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AgentDefinition is the immutable configuration an execution runs under:
// goal template, allowed tool set, iteration cap, and budget ceilings.
type AgentDefinition struct {
	ID                    uuid.UUID      `json:"id"`
	AgentID               string         `json:"agent_id"`
	OrgID                 uuid.UUID      `json:"org_id"`
	Name                  string         `json:"name"`
	GoalTemplate          string         `json:"goal_template"`
	AllowedTools          []string       `json:"allowed_tools"`
	MaxIterations         int            `json:"max_iterations"`
	ConfidenceThreshold   float64        `json:"confidence_threshold"`
	MaxTokensPerExecution int64          `json:"max_tokens_per_execution"`
	MaxCostPerExecution   float64        `json:"max_cost_per_execution_usd"`
	Metadata              map[string]any `json:"metadata"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// DefaultMaxIterations caps executions whose definition leaves
// MaxIterations unset.
const DefaultMaxIterations = 10

// Validate checks definition fields that executions depend on.
func (d AgentDefinition) Validate() error {
	if err := ValidateAgentID(d.AgentID); err != nil {
		return err
	}
	if d.GoalTemplate == "" {
		return fmt.Errorf("goal_template is required")
	}
	if d.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must not be negative")
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be within [0, 1]")
	}
	if d.MaxCostPerExecution < 0 {
		return fmt.Errorf("max_cost_per_execution_usd must not be negative")
	}
	if d.MaxTokensPerExecution < 0 {
		return fmt.Errorf("max_tokens_per_execution must not be negative")
	}
	return nil
}

// EffectiveMaxIterations returns the iteration cap, falling back to the
// default when the definition leaves it unset.
func (d AgentDefinition) EffectiveMaxIterations() int {
	if d.MaxIterations <= 0 {
		return DefaultMaxIterations
	}
	return d.MaxIterations
}

// ToolAllowed reports whether the definition permits the named tool.
// An empty AllowedTools list permits every registered tool.
func (d AgentDefinition) ToolAllowed(name string) bool {
	if len(d.AllowedTools) == 0 {
		return true
	}
	for _, t := range d.AllowedTools {
		if t == name {
			return true
		}
	}
	return false
}

// ValidateAgentID checks that an agent ID conforms to the allowed format.
// Agent IDs must be 1-255 ASCII characters: alphanumeric, dots, hyphens,
// underscores, and @ signs.
func ValidateAgentID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("agent_id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("agent_id must be at most 255 characters")
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' && c != '@' {
			return fmt.Errorf("agent_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}
