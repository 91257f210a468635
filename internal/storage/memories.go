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

const memoryColumns = `id, org_id, scope, entity_key, category, content, confidence,
	correct_count, total_count, usage_count, is_archived, embedding, last_used_at,
	created_at, updated_at`

// CreateMemory inserts a new memory.
func (db *DB) CreateMemory(ctx context.Context, m model.Memory) (model.Memory, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := db.pool.Exec(ctx,
		`INSERT INTO memories (`+memoryColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		m.ID, m.OrgID, string(m.Scope), m.EntityKey, m.Category, m.Content, m.Confidence,
		m.CorrectCount, m.TotalCount, m.UsageCount, m.IsArchived, m.Embedding, m.LastUsedAt,
		m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return model.Memory{}, fmt.Errorf("%w: memory (%s, %s, %s)", store.ErrDuplicate, m.Scope, m.EntityKey, m.Category)
		}
		return model.Memory{}, fmt.Errorf("storage: create memory: %w", err)
	}
	return m, nil
}

// GetMemory retrieves a memory by ID, scoped to the given org. Archived
// memories remain readable for audit.
func (db *DB) GetMemory(ctx context.Context, orgID, id uuid.UUID) (model.Memory, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE id = $1 AND org_id = $2`,
		id, orgID,
	)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
		}
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// FindMemoryByKey looks up the active memory for an upsert key.
func (db *DB) FindMemoryByKey(ctx context.Context, orgID uuid.UUID, scope model.MemoryScope, entityKey, category string) (model.Memory, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE org_id = $1 AND scope = $2 AND entity_key = $3 AND category = $4 AND NOT is_archived`,
		orgID, string(scope), entityKey, category,
	)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, fmt.Errorf("%w: memory (%s, %s, %s)", store.ErrNotFound, scope, entityKey, category)
		}
		return model.Memory{}, fmt.Errorf("storage: find memory: %w", err)
	}
	return m, nil
}

// ListActiveMemories returns an org's non-archived memories for ranking,
// most recently updated first.
func (db *DB) ListActiveMemories(ctx context.Context, orgID uuid.UUID, limit int) ([]model.Memory, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE org_id = $1 AND NOT is_archived
		 ORDER BY updated_at DESC LIMIT $2`,
		orgID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active memories: %w", err)
	}
	defer rows.Close()
	return collectMemories(rows)
}

// ListMemories returns an org's memories for the audit surface.
func (db *DB) ListMemories(ctx context.Context, orgID uuid.UUID, includeArchived bool, limit, offset int) ([]model.Memory, int, error) {
	if limit <= 0 {
		limit = 50
	}

	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM memories WHERE org_id = $1 AND (is_archived = FALSE OR $2)`,
		orgID, includeArchived,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count memories: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories
		 WHERE org_id = $1 AND (is_archived = FALSE OR $2)
		 ORDER BY created_at ASC LIMIT $3 OFFSET $4`,
		orgID, includeArchived, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list memories: %w", err)
	}
	defer rows.Close()

	memories, err := collectMemories(rows)
	return memories, total, err
}

// ReinforceMemory atomically increments the feedback counters and
// returns the updated row. The increment happens in SQL so concurrent
// reinforcements from different executions never lose an observation.
func (db *DB) ReinforceMemory(ctx context.Context, id uuid.UUID, wasCorrect bool) (model.Memory, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE memories
		 SET total_count = total_count + 1,
		     correct_count = correct_count + CASE WHEN $1 THEN 1 ELSE 0 END,
		     updated_at = $2
		 WHERE id = $3
		 RETURNING `+memoryColumns,
		wasCorrect, time.Now().UTC(), id,
	)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Memory{}, fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
		}
		return model.Memory{}, fmt.Errorf("storage: reinforce memory: %w", err)
	}
	return m, nil
}

// SetMemoryConfidence writes a recomputed confidence value.
func (db *DB) SetMemoryConfidence(ctx context.Context, id uuid.UUID, confidence float64) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE memories SET confidence = $1, updated_at = $2 WHERE id = $3`,
		confidence, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: set memory confidence: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
	}
	return nil
}

// UpdateMemoryContent replaces the content payload, last-write-wins.
func (db *DB) UpdateMemoryContent(ctx context.Context, id uuid.UUID, content model.MemoryContent) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE memories SET content = $1, updated_at = $2 WHERE id = $3`,
		content, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: update memory content: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
	}
	return nil
}

// TouchMemoryUsage bumps usage counters for retrieved memories.
func (db *DB) TouchMemoryUsage(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE memories SET usage_count = usage_count + 1, last_used_at = $1 WHERE id = ANY($2)`,
		time.Now().UTC(), ids,
	)
	if err != nil {
		return fmt.Errorf("storage: touch memory usage: %w", err)
	}
	return nil
}

// ArchiveMemory soft-deletes a memory, scoped to the given org.
func (db *DB) ArchiveMemory(ctx context.Context, orgID, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE memories SET is_archived = TRUE, updated_at = $1 WHERE id = $2 AND org_id = $3`,
		time.Now().UTC(), id, orgID,
	)
	if err != nil {
		return fmt.Errorf("storage: archive memory: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
	}
	return nil
}

func scanMemory(row pgx.Row) (model.Memory, error) {
	var m model.Memory
	err := row.Scan(
		&m.ID, &m.OrgID, &m.Scope, &m.EntityKey, &m.Category, &m.Content, &m.Confidence,
		&m.CorrectCount, &m.TotalCount, &m.UsageCount, &m.IsArchived, &m.Embedding,
		&m.LastUsedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

func collectMemories(rows pgx.Rows) ([]model.Memory, error) {
	var memories []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}
