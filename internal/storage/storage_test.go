package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/storage"
	"github.com/hataraku-ai/hataraku/internal/store"
	"github.com/hataraku-ai/hataraku/internal/testutil"
)

// testDB is shared by all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("HATARAKU_SKIP_DB_TESTS") != "" {
		fmt.Fprintln(os.Stderr, "skipping storage integration tests (HATARAKU_SKIP_DB_TESTS set)")
		os.Exit(0)
	}

	ctx := context.Background()
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func createAgent(t *testing.T, orgID uuid.UUID, agentID string) model.AgentDefinition {
	t.Helper()
	def, err := testDB.CreateAgent(context.Background(), model.AgentDefinition{
		AgentID:      agentID,
		OrgID:        orgID,
		Name:         "Test Agent",
		GoalTemplate: "reconcile {{vendor}}",
	})
	require.NoError(t, err)
	return def
}

func createExecution(t *testing.T, orgID uuid.UUID, agentID string) model.AgentExecution {
	t.Helper()
	ex, err := testDB.CreateExecution(context.Background(), model.AgentExecution{
		AgentID:     agentID,
		OrgID:       orgID,
		Status:      model.StatusRunning,
		TriggerType: model.TriggerManual,
		Goal:        "reconcile acme",
	})
	require.NoError(t, err)
	return ex
}

func TestAgentRoundTrip(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	created := createAgent(t, orgID, "reconciler")

	got, err := testDB.GetAgentByAgentID(ctx, orgID, "reconciler")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "reconcile {{vendor}}", got.GoalTemplate)

	_, err = testDB.CreateAgent(ctx, model.AgentDefinition{
		AgentID: "reconciler", OrgID: orgID, GoalTemplate: "x",
	})
	require.ErrorIs(t, err, store.ErrDuplicate)

	_, err = testDB.GetAgentByAgentID(ctx, uuid.New(), "reconciler")
	require.ErrorIs(t, err, store.ErrNotFound, "agent lookups are org-scoped")
}

func TestExecutionLifecycle(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	createAgent(t, orgID, "lifecycle-agent")
	ex := createExecution(t, orgID, "lifecycle-agent")

	require.NoError(t, testDB.AddExecutionUsage(ctx, ex.ID, 500, 0.01))
	require.NoError(t, testDB.AddExecutionUsage(ctx, ex.ID, 250, 0.005))

	got, err := testDB.GetExecution(ctx, orgID, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(750), got.TokensUsed)
	assert.InDelta(t, 0.015, got.CostUsed, 1e-9)

	outcome := "reconciled"
	require.NoError(t, testDB.CompleteExecution(ctx, ex.ID, model.StatusCompleted, &outcome))

	// A terminal status can never be overwritten.
	other := "changed my mind"
	err = testDB.CompleteExecution(ctx, ex.ID, model.StatusFailed, &other)
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)

	got, err = testDB.GetExecution(ctx, orgID, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, "reconciled", *got.Outcome)
	require.NotNil(t, got.CompletedAt)
}

func TestRequestCancelSetsFlagOnly(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	createAgent(t, orgID, "cancel-agent")
	ex := createExecution(t, orgID, "cancel-agent")

	require.NoError(t, testDB.RequestCancel(ctx, orgID, ex.ID))

	got, err := testDB.GetExecution(ctx, orgID, ex.ID)
	require.NoError(t, err)
	assert.True(t, got.Cancelled)
	assert.Equal(t, model.StatusRunning, got.Status, "the flag does not transition status")

	err = testDB.RequestCancel(ctx, uuid.New(), ex.ID)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStepSequence(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	createAgent(t, orgID, "steps-agent")
	ex := createExecution(t, orgID, "steps-agent")

	toolName := "fetch_statement"
	for i := 1; i <= 3; i++ {
		_, err := testDB.AppendStep(ctx, model.ExecutionStep{
			ExecutionID: ex.ID,
			StepNumber:  i,
			Reasoning:   fmt.Sprintf("step %d", i),
			Action:      model.ActionToolCall,
			ToolName:    &toolName,
			ToolInput:   json.RawMessage(`{"vendor": "acme"}`),
			ToolOutput:  json.RawMessage(`{"rows": 3}`),
			Status:      model.StepCompleted,
			Attempts:    1,
		})
		require.NoError(t, err)
	}

	// Duplicate step numbers violate the sequence constraint.
	_, err := testDB.AppendStep(ctx, model.ExecutionStep{
		ExecutionID: ex.ID, StepNumber: 2, Action: model.ActionToolCall, Status: model.StepCompleted,
	})
	require.ErrorIs(t, err, store.ErrDuplicate)

	steps, err := testDB.ListSteps(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for i, s := range steps {
		assert.Equal(t, i+1, s.StepNumber)
	}
	assert.JSONEq(t, `{"rows": 3}`, string(steps[0].ToolOutput))

	hydrated, err := testDB.GetExecution(ctx, orgID, ex.ID)
	require.NoError(t, err)
	assert.Len(t, hydrated.Steps, 3)
}

func TestMemoryRoundTrip(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	vec := pgvector.NewVector(make([]float32, 1024))
	created, err := testDB.CreateMemory(ctx, model.Memory{
		OrgID:     orgID,
		Scope:     model.ScopeEntity,
		EntityKey: "vendor:acme",
		Category:  "invoice_handling",
		Content: model.MemoryContent{
			Description: "Acme invoices arrive net-45",
			Evidence:    []string{"execution 42"},
		},
		Confidence:   0.6,
		CorrectCount: 1,
		TotalCount:   1,
		Embedding:    &vec,
	})
	require.NoError(t, err)

	found, err := testDB.FindMemoryByKey(ctx, orgID, model.ScopeEntity, "vendor:acme", "invoice_handling")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, "Acme invoices arrive net-45", found.Content.Description)
	require.NotNil(t, found.Embedding)

	// Active-key uniqueness: a second memory with the same key is rejected
	// until the first is archived.
	_, err = testDB.CreateMemory(ctx, model.Memory{
		OrgID: orgID, Scope: model.ScopeEntity, EntityKey: "vendor:acme",
		Category: "invoice_handling", Content: model.MemoryContent{Description: "dup"},
		Confidence: 0.6,
	})
	require.ErrorIs(t, err, store.ErrDuplicate)

	require.NoError(t, testDB.ArchiveMemory(ctx, orgID, created.ID))
	_, err = testDB.FindMemoryByKey(ctx, orgID, model.ScopeEntity, "vendor:acme", "invoice_handling")
	require.ErrorIs(t, err, store.ErrNotFound, "archived memories fall out of key lookup")

	archived, err := testDB.GetMemory(ctx, orgID, created.ID)
	require.NoError(t, err)
	assert.True(t, archived.IsArchived, "archived memories stay readable by ID")
}

func TestReinforceMemoryConcurrent(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	m, err := testDB.CreateMemory(ctx, model.Memory{
		OrgID: orgID, Scope: model.ScopePattern, Category: "approval_policy",
		Content: model.MemoryContent{Description: "concurrent reinforcement target"}, Confidence: 0.6,
	})
	require.NoError(t, err)

	const workers = 20
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		wasCorrect := i%2 == 0
		g.Go(func() error {
			_, err := testDB.ReinforceMemory(ctx, m.ID, wasCorrect)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := testDB.GetMemory(ctx, orgID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.TotalCount, "no lost counter updates")
	assert.Equal(t, int64(workers/2), got.CorrectCount)
}

func TestDailySpendConcurrent(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()
	day := "2026-08-24"

	// Two concurrent executions of the same org adding $0.02 and $0.03
	// must land on exactly $0.05.
	var g errgroup.Group
	g.Go(func() error {
		_, err := testDB.AddDailySpend(ctx, orgID, day, 200, 0.02)
		return err
	})
	g.Go(func() error {
		_, err := testDB.AddDailySpend(ctx, orgID, day, 300, 0.03)
		return err
	})
	require.NoError(t, g.Wait())

	spend, err := testDB.GetDailySpend(ctx, orgID, day)
	require.NoError(t, err)
	assert.Equal(t, int64(500), spend.Tokens)
	assert.InDelta(t, 0.05, spend.CostUsd, 1e-9)

	// A day with no spend reads as zero, not as an error.
	empty, err := testDB.GetDailySpend(ctx, orgID, "2026-08-25")
	require.NoError(t, err)
	assert.Zero(t, empty.Tokens)
}
