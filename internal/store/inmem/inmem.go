// Package inmem provides an in-memory implementation of the store
// interfaces. It backs unit tests and the standalone (no-Postgres)
// mode; semantics match internal/storage, including the forward-only
// status guard and atomic counter increments.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store"
)

// Store is a mutex-guarded in-memory store.
type Store struct {
	mu         sync.RWMutex
	agents     map[uuid.UUID]model.AgentDefinition
	executions map[uuid.UUID]model.AgentExecution
	steps      map[uuid.UUID][]model.ExecutionStep
	memories   map[uuid.UUID]model.Memory
	spend      map[spendKey]*store.DailySpend
}

type spendKey struct {
	orgID uuid.UUID
	day   string
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		agents:     make(map[uuid.UUID]model.AgentDefinition),
		executions: make(map[uuid.UUID]model.AgentExecution),
		steps:      make(map[uuid.UUID][]model.ExecutionStep),
		memories:   make(map[uuid.UUID]model.Memory),
		spend:      make(map[spendKey]*store.DailySpend),
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// --- Agents ---

func (s *Store) CreateAgent(ctx context.Context, def model.AgentDefinition) (model.AgentDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.agents {
		if a.OrgID == def.OrgID && a.AgentID == def.AgentID {
			return model.AgentDefinition{}, fmt.Errorf("%w: agent %s", store.ErrDuplicate, def.AgentID)
		}
	}
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	now := time.Now().UTC()
	def.CreatedAt = now
	def.UpdatedAt = now
	s.agents[def.ID] = def
	return def, nil
}

func (s *Store) GetAgentByAgentID(ctx context.Context, orgID uuid.UUID, agentID string) (model.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.agents {
		if a.OrgID == orgID && a.AgentID == agentID {
			return a, nil
		}
	}
	return model.AgentDefinition{}, fmt.Errorf("%w: agent %s", store.ErrNotFound, agentID)
}

func (s *Store) ListAgents(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]model.AgentDefinition, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []model.AgentDefinition
	for _, a := range s.agents {
		if a.OrgID == orgID {
			all = append(all, a)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, limit, offset), len(all), nil
}

// --- Executions ---

func (s *Store) CreateExecution(ctx context.Context, ex model.AgentExecution) (model.AgentExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ex.ID == uuid.Nil {
		ex.ID = uuid.New()
	}
	now := time.Now().UTC()
	if ex.StartedAt.IsZero() {
		ex.StartedAt = now
	}
	ex.CreatedAt = now
	ex.Steps = nil
	s.executions[ex.ID] = ex
	return ex, nil
}

func (s *Store) GetExecution(ctx context.Context, orgID, id uuid.UUID) (model.AgentExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ex, ok := s.executions[id]
	if !ok || ex.OrgID != orgID {
		return model.AgentExecution{}, fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
	}
	ex.Steps = cloneSteps(s.steps[id])
	return ex, nil
}

func (s *Store) ListExecutionsByAgent(ctx context.Context, orgID uuid.UUID, agentID string, limit, offset int) ([]model.AgentExecution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []model.AgentExecution
	for _, ex := range s.executions {
		if ex.OrgID == orgID && ex.AgentID == agentID {
			all = append(all, ex)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].StartedAt.After(all[j].StartedAt) })
	return paginate(all, limit, offset), len(all), nil
}

func (s *Store) AppendStep(ctx context.Context, step model.ExecutionStep) (model.ExecutionStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.executions[step.ExecutionID]; !ok {
		return model.ExecutionStep{}, fmt.Errorf("%w: execution %s", store.ErrNotFound, step.ExecutionID)
	}
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	step.CreatedAt = time.Now().UTC()

	existing := s.steps[step.ExecutionID]
	if want := len(existing) + 1; step.StepNumber != want {
		return model.ExecutionStep{}, fmt.Errorf("inmem: step number %d out of sequence (want %d)", step.StepNumber, want)
	}
	s.steps[step.ExecutionID] = append(existing, step)
	return step, nil
}

func (s *Store) ListSteps(ctx context.Context, executionID uuid.UUID) ([]model.ExecutionStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSteps(s.steps[executionID]), nil
}

func (s *Store) AddExecutionUsage(ctx context.Context, id uuid.UUID, tokens int64, costUsd float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
	}
	ex.TokensUsed += tokens
	ex.CostUsed += costUsd
	s.executions[id] = ex
	return nil
}

func (s *Store) CompleteExecution(ctx context.Context, id uuid.UUID, status model.ExecutionStatus, outcome *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[id]
	if !ok {
		return fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
	}
	if !model.CanTransition(ex.Status, status) {
		return fmt.Errorf("%w: %s is %s", store.ErrAlreadyTerminal, id, ex.Status)
	}
	now := time.Now().UTC()
	ex.Status = status
	ex.Outcome = outcome
	ex.CompletedAt = &now
	s.executions[id] = ex
	return nil
}

func (s *Store) RequestCancel(ctx context.Context, orgID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ex, ok := s.executions[id]
	if !ok || ex.OrgID != orgID {
		return fmt.Errorf("%w: execution %s", store.ErrNotFound, id)
	}
	ex.Cancelled = true
	s.executions[id] = ex
	return nil
}

// --- Memories ---

func (s *Store) CreateMemory(ctx context.Context, m model.Memory) (model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// One active memory per (org, scope, entity_key, category), matching
	// the partial unique index in Postgres.
	for _, existing := range s.memories {
		if existing.OrgID == m.OrgID && existing.Scope == m.Scope &&
			existing.EntityKey == m.EntityKey && existing.Category == m.Category &&
			!existing.IsArchived {
			return model.Memory{}, fmt.Errorf("%w: memory (%s, %s, %s)", store.ErrDuplicate, m.Scope, m.EntityKey, m.Category)
		}
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now
	s.memories[m.ID] = m
	return m, nil
}

func (s *Store) GetMemory(ctx context.Context, orgID, id uuid.UUID) (model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.memories[id]
	if !ok || m.OrgID != orgID {
		return model.Memory{}, fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
	}
	return m, nil
}

func (s *Store) FindMemoryByKey(ctx context.Context, orgID uuid.UUID, scope model.MemoryScope, entityKey, category string) (model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.memories {
		if m.OrgID == orgID && m.Scope == scope && m.EntityKey == entityKey && m.Category == category && !m.IsArchived {
			return m, nil
		}
	}
	return model.Memory{}, fmt.Errorf("%w: memory (%s, %s, %s)", store.ErrNotFound, scope, entityKey, category)
}

func (s *Store) ListActiveMemories(ctx context.Context, orgID uuid.UUID, limit int) ([]model.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []model.Memory
	for _, m := range s.memories {
		if m.OrgID == orgID && !m.IsArchived {
			all = append(all, m)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *Store) ListMemories(ctx context.Context, orgID uuid.UUID, includeArchived bool, limit, offset int) ([]model.Memory, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []model.Memory
	for _, m := range s.memories {
		if m.OrgID != orgID {
			continue
		}
		if m.IsArchived && !includeArchived {
			continue
		}
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	return paginate(all, limit, offset), len(all), nil
}

func (s *Store) ReinforceMemory(ctx context.Context, id uuid.UUID, wasCorrect bool) (model.Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return model.Memory{}, fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
	}
	m.TotalCount++
	if wasCorrect {
		m.CorrectCount++
	}
	m.UpdatedAt = time.Now().UTC()
	s.memories[id] = m
	return m, nil
}

func (s *Store) SetMemoryConfidence(ctx context.Context, id uuid.UUID, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
	}
	m.Confidence = confidence
	m.UpdatedAt = time.Now().UTC()
	s.memories[id] = m
	return nil
}

func (s *Store) UpdateMemoryContent(ctx context.Context, id uuid.UUID, content model.MemoryContent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok {
		return fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
	}
	m.Content = content
	m.UpdatedAt = time.Now().UTC()
	s.memories[id] = m
	return nil
}

func (s *Store) TouchMemoryUsage(ctx context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for _, id := range ids {
		m, ok := s.memories[id]
		if !ok {
			continue
		}
		m.UsageCount++
		m.LastUsedAt = &now
		s.memories[id] = m
	}
	return nil
}

func (s *Store) ArchiveMemory(ctx context.Context, orgID, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memories[id]
	if !ok || m.OrgID != orgID {
		return fmt.Errorf("%w: memory %s", store.ErrNotFound, id)
	}
	m.IsArchived = true
	m.UpdatedAt = time.Now().UTC()
	s.memories[id] = m
	return nil
}

// --- Budget ---

func (s *Store) AddDailySpend(ctx context.Context, orgID uuid.UUID, day string, tokens int64, costUsd float64) (store.DailySpend, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := spendKey{orgID: orgID, day: day}
	row, ok := s.spend[key]
	if !ok {
		row = &store.DailySpend{OrgID: orgID, Day: day}
		s.spend[key] = row
	}
	row.Tokens += tokens
	row.CostUsd += costUsd
	return *row, nil
}

func (s *Store) GetDailySpend(ctx context.Context, orgID uuid.UUID, day string) (store.DailySpend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if row, ok := s.spend[spendKey{orgID: orgID, day: day}]; ok {
		return *row, nil
	}
	return store.DailySpend{OrgID: orgID, Day: day}, nil
}

func cloneSteps(in []model.ExecutionStep) []model.ExecutionStep {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.ExecutionStep, len(in))
	copy(out, in)
	return out
}

func paginate[T any](all []T, limit, offset int) []T {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	out := make([]T, end-offset)
	copy(out, all[offset:end])
	return out
}
