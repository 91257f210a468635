// Package store defines the persistence boundary for the execution
// engine. Execution records, steps, memories, and budget counters are
// read and written through these interfaces; the concrete storage
// technology lives behind them (internal/storage for PostgreSQL,
// store/inmem for tests and standalone mode).
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/hataraku-ai/hataraku/internal/model"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyTerminal is returned when a status transition is attempted
// on an execution that has already reached a terminal state.
var ErrAlreadyTerminal = errors.New("store: execution already terminal")

// ErrDuplicate is returned when a create collides with an existing row.
var ErrDuplicate = errors.New("store: already exists")

// AgentStore persists agent definitions.
type AgentStore interface {
	CreateAgent(ctx context.Context, def model.AgentDefinition) (model.AgentDefinition, error)
	GetAgentByAgentID(ctx context.Context, orgID uuid.UUID, agentID string) (model.AgentDefinition, error)
	ListAgents(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]model.AgentDefinition, int, error)
}

// ExecutionStore persists executions and their append-only step logs.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, ex model.AgentExecution) (model.AgentExecution, error)
	GetExecution(ctx context.Context, orgID, id uuid.UUID) (model.AgentExecution, error)
	ListExecutionsByAgent(ctx context.Context, orgID uuid.UUID, agentID string, limit, offset int) ([]model.AgentExecution, int, error)

	// AppendStep appends one step. Steps are never updated or deleted.
	AppendStep(ctx context.Context, step model.ExecutionStep) (model.ExecutionStep, error)
	ListSteps(ctx context.Context, executionID uuid.UUID) ([]model.ExecutionStep, error)

	// AddExecutionUsage adds to the execution's cumulative token/cost
	// counters. Counters only grow, even when termination is early.
	AddExecutionUsage(ctx context.Context, id uuid.UUID, tokens int64, costUsd float64) error

	// CompleteExecution moves a running execution to a terminal status.
	// Returns ErrAlreadyTerminal when the execution is not running, so a
	// terminal state can never be overwritten.
	CompleteExecution(ctx context.Context, id uuid.UUID, status model.ExecutionStatus, outcome *string) error

	// RequestCancel sets the cancellation flag and nothing else. The
	// orchestrator honors the flag at its next loop checkpoint.
	RequestCancel(ctx context.Context, orgID, id uuid.UUID) error
}

// MemoryStore persists confidence-scored learned facts. Counter columns
// (correct, total, usage) require atomic increments since concurrently
// running executions may reinforce the same memory; content updates are
// last-write-wins.
type MemoryStore interface {
	CreateMemory(ctx context.Context, m model.Memory) (model.Memory, error)
	GetMemory(ctx context.Context, orgID, id uuid.UUID) (model.Memory, error)
	FindMemoryByKey(ctx context.Context, orgID uuid.UUID, scope model.MemoryScope, entityKey, category string) (model.Memory, error)

	// ListActiveMemories returns non-archived memories for ranking.
	ListActiveMemories(ctx context.Context, orgID uuid.UUID, limit int) ([]model.Memory, error)
	ListMemories(ctx context.Context, orgID uuid.UUID, includeArchived bool, limit, offset int) ([]model.Memory, int, error)

	// ReinforceMemory atomically increments total_count (and
	// correct_count iff wasCorrect) and returns the updated row.
	ReinforceMemory(ctx context.Context, id uuid.UUID, wasCorrect bool) (model.Memory, error)
	SetMemoryConfidence(ctx context.Context, id uuid.UUID, confidence float64) error
	UpdateMemoryContent(ctx context.Context, id uuid.UUID, content model.MemoryContent) error
	TouchMemoryUsage(ctx context.Context, ids []uuid.UUID) error
	ArchiveMemory(ctx context.Context, orgID, id uuid.UUID) error
}

// DailySpend is one organization's aggregate spend for one UTC day.
type DailySpend struct {
	OrgID   uuid.UUID `json:"org_id"`
	Day     string    `json:"day"` // YYYY-MM-DD, UTC
	Tokens  int64     `json:"tokens"`
	CostUsd float64   `json:"cost_usd"`
}

// BudgetStore persists organization-scoped daily spend aggregates.
// AddDailySpend must be an atomic increment, not read-modify-write:
// concurrently running executions of the same org update the same row.
type BudgetStore interface {
	AddDailySpend(ctx context.Context, orgID uuid.UUID, day string, tokens int64, costUsd float64) (DailySpend, error)
	GetDailySpend(ctx context.Context, orgID uuid.UUID, day string) (DailySpend, error)
}

// Store is the full persistence boundary the engine is assembled with.
type Store interface {
	AgentStore
	ExecutionStore
	MemoryStore
	BudgetStore

	Ping(ctx context.Context) error
}
