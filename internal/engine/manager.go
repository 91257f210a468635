package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store"
)

// drainGrace is how long Close waits after flagging the remaining
// executions for cancellation. Bounded by one outstanding call's
// duration plus checkpoint latency.
const drainGrace = 90 * time.Second

// ErrShuttingDown is returned by Trigger once Close has started.
var ErrShuttingDown = errors.New("engine: manager is shutting down")

type runState struct {
	cancelled atomic.Bool
}

// Manager owns the set of running executions: one goroutine per
// execution, a strictly sequential loop inside each.
type Manager struct {
	engine *Engine
	store  store.Store
	logger *slog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*runState
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates an execution manager.
func NewManager(engine *Engine, st store.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		engine:  engine,
		store:   st,
		logger:  logger,
		running: make(map[uuid.UUID]*runState),
	}
}

// Trigger creates a new running execution and starts its loop in a
// dedicated goroutine. Returns the created record immediately; progress
// is observed by polling Status.
func (m *Manager) Trigger(ctx context.Context, req model.TriggerRequest) (model.AgentExecution, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return model.AgentExecution{}, fmt.Errorf("engine: invalid trigger: %w", err)
	}

	agent, err := m.store.GetAgentByAgentID(ctx, req.OrgID, req.AgentID)
	if err != nil {
		return model.AgentExecution{}, fmt.Errorf("engine: trigger: %w", err)
	}

	ex := model.AgentExecution{
		ID:          uuid.New(),
		AgentID:     agent.AgentID,
		OrgID:       req.OrgID,
		Status:      model.StatusRunning,
		TriggerType: req.TriggerType,
		Goal:        renderGoal(agent.GoalTemplate, req.GoalOverrides),
		StartedAt:   time.Now().UTC(),
	}
	created, err := m.store.CreateExecution(ctx, ex)
	if err != nil {
		return model.AgentExecution{}, fmt.Errorf("engine: create execution: %w", err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		msg := "engine shutting down before start"
		_ = m.store.CompleteExecution(context.WithoutCancel(ctx), created.ID, model.StatusCancelled, &msg)
		return model.AgentExecution{}, ErrShuttingDown
	}
	rs := &runState{}
	m.running[created.ID] = rs
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.running, created.ID)
			m.mu.Unlock()
		}()

		// The run outlives the triggering request; it stops via the
		// cancellation flag, never via the caller's context.
		runCtx := context.WithoutCancel(ctx)
		if _, err := m.engine.Run(runCtx, created.OrgID, created.ID, &rs.cancelled); err != nil {
			m.logger.Error("execution run aborted",
				slog.String("execution_id", created.ID.String()),
				slog.String("error", err.Error()))
		}
	}()

	return created, nil
}

// Cancel sets the cancellation flag, persisted and in-process, and
// returns immediately. The loop honors it at its next checkpoint; an
// in-flight tool call is never aborted.
func (m *Manager) Cancel(ctx context.Context, orgID, executionID uuid.UUID) error {
	ex, err := m.store.GetExecution(ctx, orgID, executionID)
	if err != nil {
		return fmt.Errorf("engine: cancel: %w", err)
	}
	if ex.Status.Terminal() {
		return fmt.Errorf("engine: cancel %s: %w", executionID, ErrExecutionNotRunning)
	}

	if err := m.store.RequestCancel(ctx, orgID, executionID); err != nil {
		return fmt.Errorf("engine: cancel: %w", err)
	}
	m.mu.Lock()
	if rs, ok := m.running[executionID]; ok {
		rs.cancelled.Store(true)
	}
	m.mu.Unlock()

	m.logger.Info("cancellation requested", slog.String("execution_id", executionID.String()))
	return nil
}

// Status returns a point-in-time progress snapshot for polling clients.
func (m *Manager) Status(ctx context.Context, orgID, executionID uuid.UUID) (model.StatusResponse, error) {
	ex, err := m.store.GetExecution(ctx, orgID, executionID)
	if err != nil {
		return model.StatusResponse{}, fmt.Errorf("engine: status: %w", err)
	}
	steps, err := m.store.ListSteps(ctx, executionID)
	if err != nil {
		return model.StatusResponse{}, fmt.Errorf("engine: status: %w", err)
	}

	resp := model.StatusResponse{
		ExecutionID:      ex.ID,
		Status:           ex.Status,
		TotalSteps:       len(steps),
		TokensUsed:       ex.TokensUsed,
		EstimatedCostUsd: ex.CostUsed,
		Outcome:          ex.Outcome,
		CompletedAt:      ex.CompletedAt,
	}
	if len(steps) > 0 {
		resp.CurrentStep = steps[len(steps)-1].StepNumber
	}
	return resp, nil
}

// RunningCount reports how many executions are currently in flight.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}

// Close drains running executions: first waits for natural completion
// until ctx expires, then flags the stragglers for cancellation and
// gives them one more grace period to reach a checkpoint.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	m.mu.Lock()
	for id, rs := range m.running {
		rs.cancelled.Store(true)
		m.logger.Warn("flagging execution for cancellation on shutdown",
			slog.String("execution_id", id.String()))
	}
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-time.After(drainGrace):
		return fmt.Errorf("engine: %d executions still running after drain grace", m.RunningCount())
	}
}

// renderGoal fills {{key}} placeholders in the goal template with the
// trigger's overrides. Unknown placeholders are left as-is so a missing
// override is visible in the recorded goal.
func renderGoal(template string, overrides map[string]string) string {
	if len(overrides) == 0 {
		return template
	}
	pairs := make([]string, 0, len(overrides)*2)
	for k, v := range overrides {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
