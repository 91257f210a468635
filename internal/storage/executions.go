package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store"
)

const executionColumns = `id, agent_id, org_id, status, trigger_type, goal, outcome,
	cancelled, tokens_used, cost_used_usd, started_at, completed_at, created_at`

// CreateExecution inserts a new execution record.
func (db *DB) CreateExecution(ctx context.Context, ex model.AgentExecution) (model.AgentExecution, error) {
	if ex.ID == uuid.Nil {
		ex.ID = uuid.New()
	}
	now := time.Now().UTC()
	if ex.StartedAt.IsZero() {
		ex.StartedAt = now
	}
	ex.CreatedAt = now
	ex.Steps = nil

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_executions (`+executionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ex.ID, ex.AgentID, ex.OrgID, string(ex.Status), string(ex.TriggerType), ex.Goal, ex.Outcome,
		ex.Cancelled, ex.TokensUsed, ex.CostUsed, ex.StartedAt, ex.CompletedAt, ex.CreatedAt,
	)
	if err != nil {
		return model.AgentExecution{}, fmt.Errorf("storage: create execution: %w", err)
	}
	return ex, nil
}

// GetExecution retrieves an execution with its step log, scoped to the
// given org.
func (db *DB) GetExecution(ctx context.Context, orgID, id uuid.UUID) (model.AgentExecution, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM agent_executions WHERE id = $1 AND org_id = $2`,
		id, orgID,
	)
	ex, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentExecution{}, fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
		}
		return model.AgentExecution{}, fmt.Errorf("storage: get execution: %w", err)
	}

	ex.Steps, err = db.ListSteps(ctx, id)
	if err != nil {
		return model.AgentExecution{}, err
	}
	return ex, nil
}

// ListExecutionsByAgent returns executions for an agent within an org,
// newest first.
func (db *DB) ListExecutionsByAgent(ctx context.Context, orgID uuid.UUID, agentID string, limit, offset int) ([]model.AgentExecution, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_executions WHERE org_id = $1 AND agent_id = $2`,
		orgID, agentID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count executions: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+executionColumns+` FROM agent_executions
		 WHERE org_id = $1 AND agent_id = $2
		 ORDER BY started_at DESC LIMIT $3 OFFSET $4`,
		orgID, agentID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list executions: %w", err)
	}
	defer rows.Close()

	var exs []model.AgentExecution
	for rows.Next() {
		ex, err := scanExecution(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan execution: %w", err)
		}
		exs = append(exs, ex)
	}
	return exs, total, rows.Err()
}

// AddExecutionUsage atomically adds to the execution's cumulative
// token/cost counters.
func (db *DB) AddExecutionUsage(ctx context.Context, id uuid.UUID, tokens int64, costUsd float64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_executions
		 SET tokens_used = tokens_used + $1, cost_used_usd = cost_used_usd + $2
		 WHERE id = $3`,
		tokens, costUsd, id,
	)
	if err != nil {
		return fmt.Errorf("storage: add execution usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
	}
	return nil
}

// CompleteExecution moves a running execution to a terminal status. The
// status guard in the WHERE clause makes the transition race-free: a
// terminal state can never be overwritten, whichever finalizer got there
// first wins.
func (db *DB) CompleteExecution(ctx context.Context, id uuid.UUID, status model.ExecutionStatus, outcome *string) error {
	if !status.Terminal() {
		return fmt.Errorf("storage: complete execution: %q is not a terminal status", status)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_executions SET status = $1, outcome = $2, completed_at = $3
		 WHERE id = $4 AND status = 'running'`,
		string(status), outcome, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: complete execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := db.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM agent_executions WHERE id = $1)`, id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("storage: complete execution: %w", err)
		}
		if !exists {
			return fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
		}
		return fmt.Errorf("%w: execution %s", store.ErrAlreadyTerminal, id)
	}
	return nil
}

// RequestCancel sets the cancellation flag and nothing else. Idempotent
// while the execution is running.
func (db *DB) RequestCancel(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE agent_executions SET cancelled = TRUE WHERE id = $1 AND org_id = $2`,
		id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
	}
	return nil
}

func scanExecution(row pgx.Row) (model.AgentExecution, error) {
	var ex model.AgentExecution
	err := row.Scan(
		&ex.ID, &ex.AgentID, &ex.OrgID, &ex.Status, &ex.TriggerType, &ex.Goal, &ex.Outcome,
		&ex.Cancelled, &ex.TokensUsed, &ex.CostUsed, &ex.StartedAt, &ex.CompletedAt, &ex.CreatedAt,
	)
	return ex, err
}
