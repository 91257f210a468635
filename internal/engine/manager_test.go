package engine_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hataraku-ai/hataraku/internal/budget"
	"github.com/hataraku-ai/hataraku/internal/engine"
	"github.com/hataraku-ai/hataraku/internal/llm"
	"github.com/hataraku-ai/hataraku/internal/memory"
	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store"
	"github.com/hataraku-ai/hataraku/internal/store/inmem"
	"github.com/hataraku-ai/hataraku/internal/tool"
)

// slowClient blocks briefly on every decision so tests can observe a
// running execution before it terminates.
type slowClient struct {
	delay    time.Duration
	decision llm.Decision
}

func (c *slowClient) Decide(ctx context.Context, req llm.Request) (llm.Decision, llm.Usage, error) {
	select {
	case <-time.After(c.delay):
	case <-ctx.Done():
		return llm.Decision{}, llm.Usage{}, ctx.Err()
	}
	return c.decision, llm.Usage{}, nil
}

func newManager(t *testing.T, client llm.DecisionClient, agent model.AgentDefinition) (*engine.Manager, *inmem.Store, uuid.UUID) {
	t.Helper()

	st := inmem.New()
	logger := slog.New(slog.DiscardHandler)
	orgID := uuid.New()

	agent.OrgID = orgID
	if agent.AgentID == "" {
		agent.AgentID = "reconciler"
	}
	if agent.GoalTemplate == "" {
		agent.GoalTemplate = "reconcile {{vendor}} for {{period}}"
	}
	_, err := st.CreateAgent(context.Background(), agent)
	require.NoError(t, err)

	registry, err := tool.New()
	require.NoError(t, err)

	eng := engine.New(st, registry, client,
		memory.NewService(st, nil, logger),
		budget.NewTracker(st, budget.OrgLimits{}, logger),
		logger,
		engine.WithRetryBackoff(time.Millisecond))
	return engine.NewManager(eng, st, logger), st, orgID
}

func waitTerminal(t *testing.T, m *engine.Manager, orgID, id uuid.UUID) model.StatusResponse {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := m.Status(context.Background(), orgID, id)
		require.NoError(t, err)
		if status.Status.Terminal() {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution did not reach a terminal state in time")
	return model.StatusResponse{}
}

func TestTriggerRunsToCompletion(t *testing.T) {
	client := &scriptedClient{decisions: []llm.Decision{
		{Reasoning: "nothing to do", Action: model.ActionDone, Outcome: "already reconciled"},
	}}
	m, _, orgID := newManager(t, client, model.AgentDefinition{})

	ex, err := m.Trigger(context.Background(), model.TriggerRequest{
		AgentID:       "reconciler",
		OrgID:         orgID,
		GoalOverrides: map[string]string{"vendor": "acme", "period": "2026-07"},
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, ex.Status)
	assert.Equal(t, "reconcile acme for 2026-07", ex.Goal, "overrides fill template placeholders")
	assert.Equal(t, model.TriggerManual, ex.TriggerType, "trigger type defaults to manual")

	status := waitTerminal(t, m, orgID, ex.ID)
	assert.Equal(t, model.StatusCompleted, status.Status)
	require.NotNil(t, status.Outcome)
	assert.Equal(t, "already reconciled", *status.Outcome)
	assert.Equal(t, 1, status.TotalSteps)
}

func TestTriggerUnknownAgent(t *testing.T) {
	m, _, orgID := newManager(t, &scriptedClient{decisions: []llm.Decision{{}}}, model.AgentDefinition{})

	_, err := m.Trigger(context.Background(), model.TriggerRequest{AgentID: "nonexistent", OrgID: orgID})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestTriggerScopedToOrg(t *testing.T) {
	m, _, _ := newManager(t, &scriptedClient{decisions: []llm.Decision{{}}}, model.AgentDefinition{})

	_, err := m.Trigger(context.Background(), model.TriggerRequest{AgentID: "reconciler", OrgID: uuid.New()})
	require.ErrorIs(t, err, store.ErrNotFound, "another org must not see the agent")
}

func TestCancelStopsAtCheckpoint(t *testing.T) {
	client := &slowClient{
		delay:    20 * time.Millisecond,
		decision: llm.Decision{Reasoning: "still going", Action: model.ActionToolCall},
	}
	m, st, orgID := newManager(t, client, model.AgentDefinition{MaxIterations: 1000})

	ex, err := m.Trigger(context.Background(), model.TriggerRequest{AgentID: "reconciler", OrgID: orgID})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, m.Cancel(context.Background(), orgID, ex.ID))

	status := waitTerminal(t, m, orgID, ex.ID)
	assert.Equal(t, model.StatusCancelled, status.Status)

	// The flag is honored at a checkpoint: nothing is appended afterwards.
	steps, err := st.ListSteps(context.Background(), ex.ID)
	require.NoError(t, err)
	stepsAtCancel := len(steps)
	time.Sleep(50 * time.Millisecond)
	steps, err = st.ListSteps(context.Background(), ex.ID)
	require.NoError(t, err)
	assert.Equal(t, stepsAtCancel, len(steps))
}

func TestCancelTerminalExecution(t *testing.T) {
	client := &scriptedClient{decisions: []llm.Decision{
		{Reasoning: "done", Action: model.ActionDone, Outcome: "ok"},
	}}
	m, _, orgID := newManager(t, client, model.AgentDefinition{})

	ex, err := m.Trigger(context.Background(), model.TriggerRequest{AgentID: "reconciler", OrgID: orgID})
	require.NoError(t, err)
	waitTerminal(t, m, orgID, ex.ID)

	err = m.Cancel(context.Background(), orgID, ex.ID)
	require.ErrorIs(t, err, engine.ErrExecutionNotRunning)
}

func TestCancelUnknownExecution(t *testing.T) {
	m, _, orgID := newManager(t, &scriptedClient{decisions: []llm.Decision{{}}}, model.AgentDefinition{})

	err := m.Cancel(context.Background(), orgID, uuid.New())
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStatusReportsProgress(t *testing.T) {
	client := &scriptedClient{decisions: []llm.Decision{
		{Reasoning: "one", Action: model.ActionToolCall},
		{Reasoning: "two", Action: model.ActionDone, Outcome: "ok"},
	}}
	m, _, orgID := newManager(t, client, model.AgentDefinition{})

	ex, err := m.Trigger(context.Background(), model.TriggerRequest{AgentID: "reconciler", OrgID: orgID})
	require.NoError(t, err)

	status := waitTerminal(t, m, orgID, ex.ID)
	assert.Equal(t, 2, status.TotalSteps)
	assert.Equal(t, 2, status.CurrentStep)
	require.NotNil(t, status.CompletedAt)
}

func TestCloseDrainsRunningExecutions(t *testing.T) {
	client := &scriptedClient{decisions: []llm.Decision{
		{Reasoning: "done", Action: model.ActionDone, Outcome: "ok"},
	}}
	m, _, orgID := newManager(t, client, model.AgentDefinition{})

	ex, err := m.Trigger(context.Background(), model.TriggerRequest{AgentID: "reconciler", OrgID: orgID})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Close(ctx))

	status, err := m.Status(context.Background(), orgID, ex.ID)
	require.NoError(t, err)
	assert.True(t, status.Status.Terminal())
	assert.Equal(t, 0, m.RunningCount())

	_, err = m.Trigger(context.Background(), model.TriggerRequest{AgentID: "reconciler", OrgID: orgID})
	require.ErrorIs(t, err, engine.ErrShuttingDown)
}
