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

const agentColumns = `id, agent_id, org_id, name, goal_template, allowed_tools,
	max_iterations, confidence_threshold, max_tokens_per_execution,
	max_cost_per_execution_usd, metadata, created_at, updated_at`

// CreateAgent inserts a new agent definition.
func (db *DB) CreateAgent(ctx context.Context, def model.AgentDefinition) (model.AgentDefinition, error) {
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	if def.Metadata == nil {
		def.Metadata = map[string]any{}
	}
	if def.AllowedTools == nil {
		def.AllowedTools = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_definitions (`+agentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		def.ID, def.AgentID, def.OrgID, def.Name, def.GoalTemplate, def.AllowedTools,
		def.MaxIterations, def.ConfidenceThreshold, def.MaxTokensPerExecution,
		def.MaxCostPerExecution, def.Metadata, def.CreatedAt, def.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.AgentDefinition{}, fmt.Errorf("%w: agent %s", store.ErrDuplicate, def.AgentID)
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: create agent: %w", err)
	}
	return def, nil
}

// GetAgentByAgentID retrieves an agent definition by its external ID,
// scoped to the given org.
func (db *DB) GetAgentByAgentID(ctx context.Context, orgID uuid.UUID, agentID string) (model.AgentDefinition, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agent_definitions WHERE org_id = $1 AND agent_id = $2`,
		orgID, agentID,
	)
	def, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentDefinition{}, fmt.Errorf("%w: agent %s", store.ErrNotFound, agentID)
		}
		return model.AgentDefinition{}, fmt.Errorf("storage: get agent: %w", err)
	}
	return def, nil
}

// ListAgents returns an org's agent definitions ordered by creation time.
func (db *DB) ListAgents(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]model.AgentDefinition, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM agent_definitions WHERE org_id = $1`, orgID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count agents: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+agentColumns+` FROM agent_definitions WHERE org_id = $1
		 ORDER BY created_at ASC LIMIT $2 OFFSET $3`,
		orgID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list agents: %w", err)
	}
	defer rows.Close()

	var defs []model.AgentDefinition
	for rows.Next() {
		def, err := scanAgent(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan agent: %w", err)
		}
		defs = append(defs, def)
	}
	return defs, total, rows.Err()
}

func scanAgent(row pgx.Row) (model.AgentDefinition, error) {
	var def model.AgentDefinition
	err := row.Scan(
		&def.ID, &def.AgentID, &def.OrgID, &def.Name, &def.GoalTemplate, &def.AllowedTools,
		&def.MaxIterations, &def.ConfidenceThreshold, &def.MaxTokensPerExecution,
		&def.MaxCostPerExecution, &def.Metadata, &def.CreatedAt, &def.UpdatedAt,
	)
	return def, err
}
