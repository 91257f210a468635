package budget_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hataraku-ai/hataraku/internal/budget"
	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store/inmem"
)

func newTracker(t *testing.T, limits budget.OrgLimits) (*budget.Tracker, *inmem.Store) {
	t.Helper()
	st := inmem.New()
	return budget.NewTracker(st, limits, slog.New(slog.DiscardHandler)), st
}

func TestDayKey(t *testing.T) {
	// 23:30 in UTC-5 is already the next day in UTC.
	loc := time.FixedZone("UTC-5", -5*3600)
	at := time.Date(2026, 8, 23, 23, 30, 0, 0, loc)
	assert.Equal(t, "2026-08-24", budget.DayKey(at))
}

func TestCheckExecution(t *testing.T) {
	tr, _ := newTracker(t, budget.OrgLimits{})
	agent := model.AgentDefinition{
		MaxTokensPerExecution: 1000,
		MaxCostPerExecution:   0.50,
	}

	tests := []struct {
		name      string
		ex        model.AgentExecution
		wantErr   bool
		dimension string
	}{
		{"under both caps", model.AgentExecution{TokensUsed: 999, CostUsed: 0.49}, false, ""},
		{"token cap hit", model.AgentExecution{TokensUsed: 1000, CostUsed: 0.01}, true, "execution_tokens"},
		{"cost cap hit", model.AgentExecution{TokensUsed: 10, CostUsed: 0.50}, true, "execution_cost"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.CheckExecution(tt.ex, agent)
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, budget.ErrExceeded)
			var ee *budget.ExceededError
			require.ErrorAs(t, err, &ee)
			assert.Equal(t, tt.dimension, ee.Dimension)
		})
	}
}

func TestCheckExecutionUnlimited(t *testing.T) {
	tr, _ := newTracker(t, budget.OrgLimits{})

	err := tr.CheckExecution(
		model.AgentExecution{TokensUsed: 1 << 40, CostUsed: 1e9},
		model.AgentDefinition{},
	)
	require.NoError(t, err, "zero caps disable per-execution checks")
}

func TestCheckDaily(t *testing.T) {
	tr, st := newTracker(t, budget.OrgLimits{DailyTokens: 10_000, DailyCostUsd: 5})
	orgID := uuid.New()
	ctx := context.Background()

	require.NoError(t, tr.CheckDaily(ctx, orgID), "no spend yet")

	_, err := st.AddDailySpend(ctx, orgID, budget.DayKey(time.Now()), 10_000, 1)
	require.NoError(t, err)

	err = tr.CheckDaily(ctx, orgID)
	require.ErrorIs(t, err, budget.ErrExceeded)
	var ee *budget.ExceededError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, "daily_tokens", ee.Dimension)
}

func TestCheckDailyScopedToOrg(t *testing.T) {
	tr, st := newTracker(t, budget.OrgLimits{DailyCostUsd: 1})
	spender := uuid.New()
	other := uuid.New()
	ctx := context.Background()

	_, err := st.AddDailySpend(ctx, spender, budget.DayKey(time.Now()), 0, 2)
	require.NoError(t, err)

	require.ErrorIs(t, tr.CheckDaily(ctx, spender), budget.ErrExceeded)
	require.NoError(t, tr.CheckDaily(ctx, other), "one org's spend must not starve another")
}

func TestRecordConcurrent(t *testing.T) {
	tr, _ := newTracker(t, budget.OrgLimits{})
	orgID := uuid.New()
	ctx := context.Background()

	const workers = 50
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			_, err := tr.Record(ctx, orgID, budget.Usage{Tokens: 100, CostUsd: 0.01})
			return err
		})
	}
	require.NoError(t, g.Wait())

	spend, err := tr.Record(ctx, orgID, budget.Usage{})
	require.NoError(t, err)
	assert.Equal(t, int64(workers*100), spend.Tokens)
	assert.InDelta(t, float64(workers)*0.01, spend.CostUsd, 1e-9)
}
