package hataraku

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/hataraku-ai/hataraku/internal/embedding"
	"github.com/hataraku-ai/hataraku/internal/llm"
	"github.com/hataraku-ai/hataraku/internal/tool"
)

// This file defines the public extension points. They are standalone
// types with no internal imports in their signatures; the adapter types
// below translate them to the internal interfaces at construction time.

// DecisionRequest is one decision prompt handed to the model: the
// agent's standing instructions plus the assembled execution context.
type DecisionRequest struct {
	System string
	Prompt string
}

// Decision is the model's structured choice for one loop iteration.
// Action is one of "tool_call", "done", or "needs_human".
type Decision struct {
	Reasoning string
	Action    string
	ToolName  string
	ToolInput json.RawMessage
	Outcome   string
	Message   string
}

// Usage is the token and dollar cost of one model call.
type Usage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	CostUsd          float64
}

// DecisionClient replaces the built-in OpenAI-compatible client. One
// call produces one decision; the engine validates the protocol.
type DecisionClient interface {
	Decide(ctx context.Context, req DecisionRequest) (Decision, Usage, error)
}

// EmbeddingProvider replaces the configured embedding backend
// (Ollama or noop). Embed must return vectors of exactly Dimensions()
// length.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// ToolOutput is what a tool handler returns on success. TokensUsed is
// charged against the execution's token budget.
type ToolOutput struct {
	Data       json.RawMessage
	TokensUsed int64
}

// ToolHandler executes one tool call against its external collaborator.
type ToolHandler func(ctx context.Context, input json.RawMessage) (ToolOutput, error)

// Tool registers a named capability with the engine. InputSchema is a
// JSON Schema document; inputs are validated before the handler runs.
// OnError is one of "skip", "fail", or "escalate" (default escalate).
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     ToolHandler
	OnError     string
	Timeout     time.Duration
}

// ── Adapters: public extension points to internal interfaces ─────────

type decisionClientAdapter struct {
	client DecisionClient
}

func (a *decisionClientAdapter) Decide(ctx context.Context, req llm.Request) (llm.Decision, llm.Usage, error) {
	d, u, err := a.client.Decide(ctx, DecisionRequest{System: req.System, Prompt: req.Prompt})
	if err != nil {
		return llm.Decision{}, llm.Usage{}, err
	}
	return llm.Decision{
			Reasoning: d.Reasoning,
			Action:    d.Action,
			ToolName:  d.ToolName,
			ToolInput: d.ToolInput,
			Outcome:   d.Outcome,
			Message:   d.Message,
		}, llm.Usage{
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
			TotalTokens:      u.TotalTokens,
			CostUsd:          u.CostUsd,
		}, nil
}

type embeddingProviderAdapter struct {
	provider EmbeddingProvider
}

func (a *embeddingProviderAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.provider.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *embeddingProviderAdapter) Dimensions() int {
	return a.provider.Dimensions()
}

var _ embedding.Provider = (*embeddingProviderAdapter)(nil)

func toToolDefinition(t Tool) tool.Definition {
	handler := t.Handler
	return tool.Definition{
		Name:        t.Name,
		Description: t.Description,
		InputSchema: t.InputSchema,
		OnError:     tool.ErrorPolicy(t.OnError),
		Timeout:     t.Timeout,
		Handler: func(ctx context.Context, input json.RawMessage) (tool.Output, error) {
			out, err := handler(ctx, input)
			if err != nil {
				return tool.Output{}, err
			}
			return tool.Output{Data: out.Data, TokensUsed: out.TokensUsed}, nil
		},
	}
}
