// Package llm defines the decision boundary between the execution loop
// and the language model. The loop hands the model an assembled context
// and receives back exactly one structured decision per iteration; the
// DecisionClient interface keeps the loop testable without a live model.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hataraku-ai/hataraku/internal/model"
)

// ErrProtocol marks model output that violates the decision contract:
// unparseable JSON, an unknown action, or a tool call without a tool
// name. Protocol violations are not retried blindly; the loop decides.
var ErrProtocol = errors.New("llm: protocol violation")

// Request is one decision prompt: the agent's standing instructions plus
// the assembled execution context.
type Request struct {
	System string
	Prompt string
}

// Decision is the model's structured choice for one iteration.
type Decision struct {
	Reasoning string          `json:"reasoning"`
	Action    string          `json:"action"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	// Outcome is the final summary when action is done.
	Outcome string `json:"outcome,omitempty"`
	// Message explains what the human should look at when action is
	// needs_human.
	Message string `json:"message,omitempty"`
}

// Validate checks the decision against the protocol. Violations wrap
// ErrProtocol.
func (d Decision) Validate() error {
	switch d.Action {
	case model.ActionToolCall:
		if d.ToolName == "" {
			return fmt.Errorf("%w: tool_call decision without tool_name", ErrProtocol)
		}
	case model.ActionDone, model.ActionNeedsHuman:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrProtocol, d.Action)
	}
	if d.Reasoning == "" {
		return fmt.Errorf("%w: decision without reasoning", ErrProtocol)
	}
	return nil
}

// Usage is the token and dollar cost of one model call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostUsd          float64
}

// DecisionClient produces one decision per call.
type DecisionClient interface {
	Decide(ctx context.Context, req Request) (Decision, Usage, error)
}
