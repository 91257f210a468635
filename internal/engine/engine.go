// Package engine implements the reasoning loop that drives an agent
// execution to a terminal state, and the manager that owns the set of
// running executions. The loop is strictly sequential inside one
// execution; concurrency exists only across executions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/hataraku-ai/hataraku/internal/budget"
	"github.com/hataraku-ai/hataraku/internal/llm"
	"github.com/hataraku-ai/hataraku/internal/memory"
	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store"
	"github.com/hataraku-ai/hataraku/internal/tool"
)

// defaultRetryBackoff is the base delay before the single retry a
// transient tool failure gets. Jittered up to +50%.
const defaultRetryBackoff = 2 * time.Second

// Engine drives executions through the reasoning loop. Safe for
// concurrent use; each Run call owns its execution exclusively.
type Engine struct {
	store    store.Store
	registry *tool.Registry
	client   llm.DecisionClient
	memories *memory.Service
	budget   *budget.Tracker
	logger   *slog.Logger

	retryBackoff time.Duration

	tracer       trace.Tracer
	tokenCounter metric.Int64Counter
	costCounter  metric.Float64Counter
	stepCounter  metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryBackoff overrides the base backoff before a tool retry.
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Engine) { e.retryBackoff = d }
}

// New assembles an engine from its collaborators.
func New(st store.Store, registry *tool.Registry, client llm.DecisionClient, memories *memory.Service, tracker *budget.Tracker, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	meter := otel.Meter("hataraku/engine")
	tokenCounter, _ := meter.Int64Counter("hataraku.execution.tokens")
	costCounter, _ := meter.Float64Counter("hataraku.execution.cost_usd")
	stepCounter, _ := meter.Int64Counter("hataraku.execution.steps")

	e := &Engine{
		store:        st,
		registry:     registry,
		client:       client,
		memories:     memories,
		budget:       tracker,
		logger:       logger,
		retryBackoff: defaultRetryBackoff,
		tracer:       otel.Tracer("hataraku/engine"),
		tokenCounter: tokenCounter,
		costCounter:  costCounter,
		stepCounter:  stepCounter,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives one execution to a terminal state. cancelled is the
// in-process cancellation flag owned by the manager; the persisted flag
// on the execution row is honored too, so cancels survive restarts.
// Both are checked only at loop checkpoints: in-flight calls always run
// to completion.
func (e *Engine) Run(ctx context.Context, orgID, executionID uuid.UUID, cancelled *atomic.Bool) (model.AgentExecution, error) {
	ex, err := e.store.GetExecution(ctx, orgID, executionID)
	if err != nil {
		return model.AgentExecution{}, fmt.Errorf("engine: load execution: %w", err)
	}
	agent, err := e.store.GetAgentByAgentID(ctx, orgID, ex.AgentID)
	if err != nil {
		return e.finalize(ctx, ex, model.StatusFailed, fmt.Sprintf("agent definition %s unavailable: %v", ex.AgentID, err))
	}

	ctx, span := e.tracer.Start(ctx, "execution.run", trace.WithAttributes(
		attribute.String("execution.id", executionID.String()),
		attribute.String("agent.id", ex.AgentID),
	))
	defer span.End()

	e.logger.Info("execution started",
		slog.String("execution_id", executionID.String()),
		slog.String("agent_id", ex.AgentID),
		slog.String("goal", ex.Goal))

	maxIterations := agent.EffectiveMaxIterations()
	system := buildSystem(e.registry.Catalog())

	for {
		// Refresh so the persisted cancel flag and counters updated by
		// this loop are both visible at the checkpoint.
		ex, err = e.store.GetExecution(ctx, orgID, executionID)
		if err != nil {
			return model.AgentExecution{}, fmt.Errorf("engine: refresh execution: %w", err)
		}
		steps, err := e.store.ListSteps(ctx, executionID)
		if err != nil {
			return e.finalize(ctx, ex, model.StatusFailed, fmt.Sprintf("step log unavailable: %v", err))
		}

		if (cancelled != nil && cancelled.Load()) || ex.Cancelled {
			return e.finalize(ctx, ex, model.StatusCancelled, "cancellation requested")
		}
		if err := e.budget.CheckExecution(ex, agent); err != nil {
			return e.finalize(ctx, ex, model.StatusNeedsReview, "budget exhausted: "+err.Error())
		}
		if err := e.budget.CheckDaily(ctx, orgID); err != nil {
			if errors.Is(err, budget.ErrExceeded) {
				return e.finalize(ctx, ex, model.StatusNeedsReview, "budget exhausted: "+err.Error())
			}
			return e.finalize(ctx, ex, model.StatusFailed, "budget check failed: "+err.Error())
		}
		if len(steps) >= maxIterations {
			return e.finalize(ctx, ex, model.StatusNeedsReview, "max iterations reached")
		}

		memories, err := e.memories.Retrieve(ctx, memory.Query{OrgID: orgID, Context: ex.Goal})
		if err != nil {
			// Memories enrich the prompt; their absence must not kill the
			// execution.
			e.logger.Warn("memory retrieval failed",
				slog.String("execution_id", executionID.String()),
				slog.String("error", err.Error()))
			memories = nil
		}

		decision, usage, err := e.client.Decide(ctx, llm.Request{
			System: system,
			Prompt: buildPrompt(ex, steps, memories),
		})
		e.recordUsage(ctx, executionID, orgID, usage.TotalTokens, usage.CostUsd)
		if err != nil {
			if errors.Is(err, llm.ErrProtocol) {
				return e.finalize(ctx, ex, model.StatusNeedsReview, "decision protocol violation: "+err.Error())
			}
			return e.finalize(ctx, ex, model.StatusFailed, "decision client failure: "+err.Error())
		}

		step := model.ExecutionStep{
			ID:          uuid.New(),
			ExecutionID: executionID,
			StepNumber:  len(steps) + 1,
			Reasoning:   decision.Reasoning,
			Action:      decision.Action,
			Status:      model.StepCompleted,
			Attempts:    1,
			TokensUsed:  usage.TotalTokens,
		}

		switch {
		case decision.Action == model.ActionNeedsHuman:
			if ex, err := e.appendStep(ctx, ex, step); err != nil {
				return ex, err
			}
			message := decision.Message
			if message == "" {
				message = "agent requested human review"
			}
			return e.finalize(ctx, ex, model.StatusNeedsReview, message)

		case decision.Action == model.ActionDone:
			if ex, err := e.appendStep(ctx, ex, step); err != nil {
				return ex, err
			}
			outcome := decision.Outcome
			if outcome == "" {
				outcome = fmt.Sprintf("completed after %d steps", step.StepNumber)
			}
			return e.finalize(ctx, ex, model.StatusCompleted, outcome)

		case decision.ToolName == "":
			// A decision that picks no tool and does not terminate still
			// consumes an iteration; recording it keeps the audit trail
			// honest about where the budget went.
			if ex, err := e.appendStep(ctx, ex, step); err != nil {
				return ex, err
			}
			continue
		}

		toolName := decision.ToolName
		step.ToolName = &toolName
		step.ToolInput = decision.ToolInput

		if !e.registry.Has(toolName) || !agent.ToolAllowed(toolName) {
			// Unknown tool names are protocol violations, never retried.
			msg := "unknown tool: " + toolName
			step.Status = model.StepFailed
			step.Error = &msg
			if ex, err := e.appendStep(ctx, ex, step); err != nil {
				return ex, err
			}
			return e.finalize(ctx, ex, model.StatusNeedsReview, msg)
		}

		// The decision above consumed tokens; re-check against fresh
		// counters before dispatching so overshoot within an iteration
		// stays confined to one in-flight call.
		if current, gerr := e.store.GetExecution(ctx, orgID, executionID); gerr == nil {
			if berr := e.budget.CheckExecution(current, agent); berr != nil {
				msg := "budget exhausted before tool call: " + berr.Error()
				step.Status = model.StepFailed
				step.Error = &msg
				if ex, err := e.appendStep(ctx, ex, step); err != nil {
					return ex, err
				}
				return e.finalize(ctx, ex, model.StatusNeedsReview, msg)
			}
		}

		result, attempts, invokeErr := e.invokeWithRetry(ctx, ex, agent, toolName, decision.ToolInput)
		e.recordUsage(ctx, executionID, orgID, result.TokensUsed, 0)

		step.Attempts = attempts
		step.DurationMs = result.DurationMs
		step.TokensUsed += result.TokensUsed
		step.ToolOutput = result.Data

		if invokeErr != nil {
			msg := invokeErr.Error()
			step.Status = model.StepFailed
			step.Error = &msg
			if ex, err := e.appendStep(ctx, ex, step); err != nil {
				return ex, err
			}

			def, _ := e.registry.Get(toolName)
			switch def.OnError {
			case tool.OnErrorSkip:
				e.logger.Warn("tool failed, skipping per policy",
					slog.String("execution_id", executionID.String()),
					slog.String("tool", toolName),
					slog.String("error", msg))
				continue
			case tool.OnErrorFail:
				return e.finalize(ctx, ex, model.StatusFailed, msg)
			default:
				return e.finalize(ctx, ex, model.StatusNeedsReview, msg)
			}
		}

		if ex, err := e.appendStep(ctx, ex, step); err != nil {
			return ex, err
		}
	}
}

// invokeWithRetry runs one tool call with exactly one retry for
// transient failures. The retry is skipped when the execution budget is
// already exhausted, so retries cannot overspend past the pre-call
// check.
func (e *Engine) invokeWithRetry(ctx context.Context, ex model.AgentExecution, agent model.AgentDefinition, name string, input []byte) (tool.Result, int, error) {
	result, err := e.registry.Invoke(ctx, name, input)
	if err == nil {
		return result, 1, nil
	}
	if !tool.IsTransient(err) {
		return result, 1, &ToolExecutionError{Tool: name, Attempts: 1, Transient: false, Err: err}
	}

	if current, gerr := e.store.GetExecution(ctx, ex.OrgID, ex.ID); gerr == nil {
		if berr := e.budget.CheckExecution(current, agent); berr != nil {
			return result, 1, &ToolExecutionError{Tool: name, Attempts: 1, Transient: true,
				Err: fmt.Errorf("retry abandoned: %w", berr)}
		}
	}

	backoff := e.retryBackoff + rand.N(e.retryBackoff/2+1)
	e.logger.Warn("transient tool failure, retrying once",
		slog.String("execution_id", ex.ID.String()),
		slog.String("tool", name),
		slog.Duration("backoff", backoff),
		slog.String("error", err.Error()))
	select {
	case <-time.After(backoff):
	case <-ctx.Done():
		return result, 1, &ToolExecutionError{Tool: name, Attempts: 1, Transient: true, Err: ctx.Err()}
	}

	retried, err := e.registry.Invoke(ctx, name, input)
	retried.TokensUsed += result.TokensUsed
	retried.DurationMs += result.DurationMs
	if err == nil {
		return retried, 2, nil
	}
	return retried, 2, &ToolExecutionError{Tool: name, Attempts: 2, Transient: tool.IsTransient(err), Err: err}
}

// appendStep persists one step and bumps the step metric. Step writes
// are load-bearing for the audit trail: a failure here fails the
// execution rather than running unrecorded.
func (e *Engine) appendStep(ctx context.Context, ex model.AgentExecution, step model.ExecutionStep) (model.AgentExecution, error) {
	if _, err := e.store.AppendStep(ctx, step); err != nil {
		final, ferr := e.finalize(ctx, ex, model.StatusFailed, fmt.Sprintf("step log write failed: %v", err))
		if ferr != nil {
			return final, ferr
		}
		return final, fmt.Errorf("engine: append step %d: %w", step.StepNumber, err)
	}
	e.stepCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.id", ex.AgentID)))
	return ex, nil
}

// recordUsage adds consumed tokens and cost to the execution counters
// and the org's daily aggregate. Best effort: accounting failures are
// logged, never fatal, so counters reflect at least the recorded spend.
func (e *Engine) recordUsage(ctx context.Context, executionID, orgID uuid.UUID, tokens int64, costUsd float64) {
	if tokens == 0 && costUsd == 0 {
		return
	}
	if err := e.store.AddExecutionUsage(ctx, executionID, tokens, costUsd); err != nil {
		e.logger.Error("failed to record execution usage",
			slog.String("execution_id", executionID.String()),
			slog.String("error", err.Error()))
	}
	if _, err := e.budget.Record(ctx, orgID, budget.Usage{Tokens: tokens, CostUsd: costUsd}); err != nil {
		e.logger.Error("failed to record daily spend",
			slog.String("org_id", orgID.String()),
			slog.String("error", err.Error()))
	}
	e.tokenCounter.Add(ctx, tokens)
	e.costCounter.Add(ctx, costUsd)
}

// finalize moves the execution to a terminal status. A lost race with
// another finalizer (ErrAlreadyTerminal) is not an error: the first
// terminal state wins and is returned as-is.
func (e *Engine) finalize(ctx context.Context, ex model.AgentExecution, status model.ExecutionStatus, outcome string) (model.AgentExecution, error) {
	err := e.store.CompleteExecution(ctx, ex.ID, status, &outcome)
	if err != nil && !errors.Is(err, store.ErrAlreadyTerminal) {
		return ex, fmt.Errorf("engine: finalize execution %s: %w", ex.ID, err)
	}

	final, gerr := e.store.GetExecution(ctx, ex.OrgID, ex.ID)
	if gerr != nil {
		return ex, fmt.Errorf("engine: reload finalized execution: %w", gerr)
	}
	e.logger.Info("execution finished",
		slog.String("execution_id", ex.ID.String()),
		slog.String("status", string(final.Status)),
		slog.String("outcome", outcome),
		slog.Int64("tokens_used", final.TokensUsed),
		slog.Float64("cost_used_usd", final.CostUsed))
	return final, nil
}
