package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store"
)

// AppendStep appends one step to an execution's log. The unique
// (execution_id, step_number) constraint keeps the sequence gap-free
// even if two writers raced; the loser gets an error instead of a
// duplicate number.
func (db *DB) AppendStep(ctx context.Context, step model.ExecutionStep) (model.ExecutionStep, error) {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	step.CreatedAt = time.Now().UTC()

	var toolInput, toolOutput []byte
	if len(step.ToolInput) > 0 {
		toolInput = step.ToolInput
	}
	if len(step.ToolOutput) > 0 {
		toolOutput = step.ToolOutput
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO execution_steps
		 (id, execution_id, step_number, reasoning, action, tool_name, tool_input,
		  tool_output, status, error, attempts, duration_ms, tokens_used, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		step.ID, step.ExecutionID, step.StepNumber, step.Reasoning, step.Action,
		step.ToolName, toolInput, toolOutput, string(step.Status), step.Error,
		step.Attempts, step.DurationMs, step.TokensUsed, step.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.ExecutionStep{}, fmt.Errorf("storage: step %d already exists for execution %s: %w",
				step.StepNumber, step.ExecutionID, store.ErrDuplicate)
		}
		return model.ExecutionStep{}, fmt.Errorf("storage: append step: %w", err)
	}
	return step, nil
}

// ListSteps returns an execution's steps in order.
func (db *DB) ListSteps(ctx context.Context, executionID uuid.UUID) ([]model.ExecutionStep, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, execution_id, step_number, reasoning, action, tool_name, tool_input,
		        tool_output, status, error, attempts, duration_ms, tokens_used, created_at
		 FROM execution_steps WHERE execution_id = $1 ORDER BY step_number ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", err)
	}
	defer rows.Close()

	var steps []model.ExecutionStep
	for rows.Next() {
		var s model.ExecutionStep
		var toolInput, toolOutput []byte
		if err := rows.Scan(
			&s.ID, &s.ExecutionID, &s.StepNumber, &s.Reasoning, &s.Action, &s.ToolName,
			&toolInput, &toolOutput, &s.Status, &s.Error, &s.Attempts, &s.DurationMs,
			&s.TokensUsed, &s.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		s.ToolInput = toolInput
		s.ToolOutput = toolOutput
		steps = append(steps, s)
	}
	return steps, rows.Err()
}
