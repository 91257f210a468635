package memory_test

import (
	"context"
	"fmt"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hataraku-ai/hataraku/internal/memory"
	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store/inmem"
)

func newService(t *testing.T) (*memory.Service, *inmem.Store) {
	t.Helper()
	st := inmem.New()
	return memory.NewService(st, nil, slog.New(slog.DiscardHandler)), st
}

func seedMemory(t *testing.T, st *inmem.Store, m model.Memory) model.Memory {
	t.Helper()
	created, err := st.CreateMemory(context.Background(), m)
	require.NoError(t, err)
	return created
}

func strptr(s string) *string { return &s }

func TestReinforceRecomputesConfidence(t *testing.T) {
	svc, st := newService(t)
	orgID := uuid.New()

	m := seedMemory(t, st, model.Memory{
		OrgID:        orgID,
		Scope:        model.ScopeEntity,
		EntityKey:    "vendor:acme",
		Category:     "invoice_handling",
		Content:      model.MemoryContent{Description: "Acme invoices arrive net-45"},
		Confidence:   memory.SmoothedConfidence(8, 10),
		CorrectCount: 8,
		TotalCount:   10,
	})

	updated, err := svc.Reinforce(context.Background(), m.ID, false)
	require.NoError(t, err)

	assert.Equal(t, int64(8), updated.CorrectCount)
	assert.Equal(t, int64(11), updated.TotalCount)
	assert.Less(t, updated.Confidence, 0.8)
	assert.Greater(t, updated.Confidence, 8.0/11.0)

	stored, err := st.GetMemory(context.Background(), orgID, m.ID)
	require.NoError(t, err)
	assert.InDelta(t, updated.Confidence, stored.Confidence, 1e-9)
}

func TestRetrieveRanking(t *testing.T) {
	svc, st := newService(t)
	orgID := uuid.New()

	trusted := seedMemory(t, st, model.Memory{
		OrgID:      orgID,
		Scope:      model.ScopeEntity,
		EntityKey:  "vendor:acme",
		Category:   "invoice_handling",
		Content:    model.MemoryContent{Description: "Acme sends duplicate invoices"},
		Confidence: 0.9,
	})
	shaky := seedMemory(t, st, model.Memory{
		OrgID:      orgID,
		Scope:      model.ScopeEntity,
		EntityKey:  "vendor:acme",
		Category:   "payment_behavior",
		Content:    model.MemoryContent{Description: "Acme sometimes pays early"},
		Confidence: 0.3,
	})
	// Wrong entity: must not surface for an acme query.
	seedMemory(t, st, model.Memory{
		OrgID:      orgID,
		Scope:      model.ScopeEntity,
		EntityKey:  "vendor:globex",
		Category:   "invoice_handling",
		Content:    model.MemoryContent{Description: "Globex requires PO numbers"},
		Confidence: 0.99,
	})

	got, err := svc.Retrieve(context.Background(), memory.Query{
		OrgID:     orgID,
		EntityKey: "vendor:acme",
		Category:  "invoice_handling",
	})
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, trusted.ID, got[0].Memory.ID)
	assert.Equal(t, shaky.ID, got[1].Memory.ID)
	assert.Greater(t, got[0].RelevanceScore, got[1].RelevanceScore)
}

func TestRetrieveExcludesContradictedPatterns(t *testing.T) {
	svc, st := newService(t)
	orgID := uuid.New()

	matching := seedMemory(t, st, model.Memory{
		OrgID:    orgID,
		Scope:    model.ScopePattern,
		Category: "approval_policy",
		Content: model.MemoryContent{
			Description: "Acme charges under 500 can be auto-approved",
			Conditions:  &model.MemoryConditions{Vendor: strptr("acme"), AmountMax: float64ptr(500)},
		},
		Confidence: 0.7,
	})
	// Same vendor, wrong amount band.
	seedMemory(t, st, model.Memory{
		OrgID:    orgID,
		Scope:    model.ScopePattern,
		Category: "escalation_policy",
		Content: model.MemoryContent{
			Description: "Acme charges above 10k need CFO sign-off",
			Conditions:  &model.MemoryConditions{Vendor: strptr("acme"), AmountMin: float64ptr(10000)},
		},
		Confidence: 0.95,
	})
	// Different vendor entirely.
	seedMemory(t, st, model.Memory{
		OrgID:    orgID,
		Scope:    model.ScopePattern,
		Category: "dispute_policy",
		Content: model.MemoryContent{
			Description: "Globex invoices are always disputed",
			Conditions:  &model.MemoryConditions{Vendor: strptr("globex")},
		},
		Confidence: 0.95,
	})

	amount := 120.0
	got, err := svc.Retrieve(context.Background(), memory.Query{
		OrgID:  orgID,
		Scope:  model.ScopePattern,
		Vendor: "acme",
		Amount: &amount,
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, matching.ID, got[0].Memory.ID)
}

func TestRetrieveTouchesUsage(t *testing.T) {
	svc, st := newService(t)
	orgID := uuid.New()

	m := seedMemory(t, st, model.Memory{
		OrgID:      orgID,
		Scope:      model.ScopeConfig,
		Category:   "preferences",
		Content:    model.MemoryContent{Description: "Prefer concise outcome summaries"},
		Confidence: 0.8,
	})

	_, err := svc.Retrieve(context.Background(), memory.Query{OrgID: orgID})
	require.NoError(t, err)

	stored, err := st.GetMemory(context.Background(), orgID, m.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.UsageCount)
	require.NotNil(t, stored.LastUsedAt)
}

func TestRetrieveDefaultLimit(t *testing.T) {
	svc, st := newService(t)
	orgID := uuid.New()

	for i := 0; i < 8; i++ {
		seedMemory(t, st, model.Memory{
			OrgID:      orgID,
			Scope:      model.ScopeConfig,
			Category:   fmt.Sprintf("preference_%d", i),
			Content:    model.MemoryContent{Description: "pref"},
			Confidence: 0.5,
		})
	}

	got, err := svc.Retrieve(context.Background(), memory.Query{OrgID: orgID})
	require.NoError(t, err)
	assert.Len(t, got, memory.DefaultRetrievalLimit)
}

func TestApplyLessonCreatesNewMemory(t *testing.T) {
	svc, st := newService(t)
	orgID := uuid.New()

	created, err := svc.ApplyLesson(context.Background(), orgID, model.Lesson{
		Scope:       model.ScopeEntity,
		EntityKey:   "vendor:acme",
		Category:    "invoice_handling",
		Description: "Acme invoices must be matched against the PO ledger",
		Evidence:    []string{"correction on execution 42"},
	})
	require.NoError(t, err)

	assert.InDelta(t, memory.InitialConfidence, created.Confidence, 1e-9)
	assert.Equal(t, int64(1), created.CorrectCount)
	assert.Equal(t, int64(1), created.TotalCount)

	stored, err := st.FindMemoryByKey(context.Background(), orgID, model.ScopeEntity, "vendor:acme", "invoice_handling")
	require.NoError(t, err)
	assert.Equal(t, created.ID, stored.ID)
}

func TestApplyLessonReinforcesExisting(t *testing.T) {
	svc, _ := newService(t)
	orgID := uuid.New()

	lesson := model.Lesson{
		Scope:       model.ScopeEntity,
		EntityKey:   "vendor:acme",
		Category:    "invoice_handling",
		Description: "Original description",
	}
	first, err := svc.ApplyLesson(context.Background(), orgID, lesson)
	require.NoError(t, err)

	lesson.Description = "Corrected description"
	second, err := svc.ApplyLesson(context.Background(), orgID, lesson)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same key upserts, never duplicates")
	assert.Equal(t, int64(2), second.CorrectCount)
	assert.Equal(t, int64(2), second.TotalCount)
	assert.Equal(t, "Corrected description", second.Content.Description)
	assert.Greater(t, second.Confidence, memory.InitialConfidence)
}

func TestApplyLessonRejectsInvalid(t *testing.T) {
	svc, _ := newService(t)

	_, err := svc.ApplyLesson(context.Background(), uuid.New(), model.Lesson{
		Scope:       model.ScopeEntity,
		Category:    "invoice_handling",
		Description: "missing entity key",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entity_key")
}

func TestProcessFeedback(t *testing.T) {
	svc, st := newService(t)
	orgID := uuid.New()

	m := seedMemory(t, st, model.Memory{
		OrgID:        orgID,
		Scope:        model.ScopeEntity,
		EntityKey:    "vendor:acme",
		Category:     "invoice_handling",
		Content:      model.MemoryContent{Description: "Acme invoices arrive net-45"},
		Confidence:   0.8,
		CorrectCount: 4,
		TotalCount:   5,
	})

	t.Run("rejection reinforces negatively", func(t *testing.T) {
		err := svc.ProcessFeedback(context.Background(), orgID, model.FeedbackRequest{
			Type:    model.FeedbackRejection,
			Details: model.FeedbackDetails{MemoryID: &m.ID},
		})
		require.NoError(t, err)

		stored, err := st.GetMemory(context.Background(), orgID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(4), stored.CorrectCount)
		assert.Equal(t, int64(6), stored.TotalCount)
	})

	t.Run("approval reinforces positively", func(t *testing.T) {
		err := svc.ProcessFeedback(context.Background(), orgID, model.FeedbackRequest{
			Type:    model.FeedbackApproval,
			Details: model.FeedbackDetails{MemoryID: &m.ID},
		})
		require.NoError(t, err)

		stored, err := st.GetMemory(context.Background(), orgID, m.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(5), stored.CorrectCount)
		assert.Equal(t, int64(7), stored.TotalCount)
	})

	t.Run("correction with lesson upserts", func(t *testing.T) {
		err := svc.ProcessFeedback(context.Background(), orgID, model.FeedbackRequest{
			Type: model.FeedbackCorrection,
			Details: model.FeedbackDetails{
				Lesson: &model.Lesson{
					Scope:       model.ScopePattern,
					Category:    "approval_policy",
					Description: "Never auto-approve first invoices from a new vendor",
				},
			},
		})
		require.NoError(t, err)

		_, err = st.FindMemoryByKey(context.Background(), orgID, model.ScopePattern, "", "approval_policy")
		require.NoError(t, err)
	})

	t.Run("feedback without targets is a no-op", func(t *testing.T) {
		err := svc.ProcessFeedback(context.Background(), orgID, model.FeedbackRequest{
			Type:    model.FeedbackApproval,
			Details: model.FeedbackDetails{Note: "looks good"},
		})
		require.NoError(t, err)
	})
}

func TestArchiveExcludesFromRetrieval(t *testing.T) {
	svc, st := newService(t)
	orgID := uuid.New()

	m := seedMemory(t, st, model.Memory{
		OrgID:      orgID,
		Scope:      model.ScopeConfig,
		Category:   "preferences",
		Content:    model.MemoryContent{Description: "stale preference"},
		Confidence: 0.9,
	})

	require.NoError(t, svc.Archive(context.Background(), orgID, m.ID))

	got, err := svc.Retrieve(context.Background(), memory.Query{OrgID: orgID})
	require.NoError(t, err)
	assert.Empty(t, got)

	// Archived memories stay readable for audit.
	stored, err := st.GetMemory(context.Background(), orgID, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsArchived)
}

func float64ptr(f float64) *float64 { return &f }
