// Package budget enforces the cost ceilings that bound every execution:
// per-execution token and cost caps from the agent definition, and an
// organization-wide daily spend limit shared by all concurrently running
// executions of the org.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hataraku-ai/hataraku/internal/model"
	"github.com/hataraku-ai/hataraku/internal/store"
)

// ErrExceeded is wrapped by every budget violation so callers can treat
// all budget stops uniformly.
var ErrExceeded = errors.New("budget: exceeded")

// ExceededError reports which ceiling was hit. It wraps ErrExceeded.
type ExceededError struct {
	Dimension string // "execution_tokens", "execution_cost", "daily_tokens", "daily_cost"
	Used      float64
	Limit     float64
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget: %s exceeded: used %.4f of %.4f", e.Dimension, e.Used, e.Limit)
}

func (e *ExceededError) Unwrap() error { return ErrExceeded }

// Usage is the token and dollar cost of one model call or tool call.
type Usage struct {
	Tokens  int64
	CostUsd float64
}

// OrgLimits is the organization-wide daily spend ceiling. Zero values
// disable the corresponding check.
type OrgLimits struct {
	DailyTokens  int64
	DailyCostUsd float64
}

// DayKey formats a time as the UTC day bucket used for daily spend rows.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Tracker checks and records spend. Recording goes through the store's
// atomic increment, so concurrent executions of one org never lose
// updates to the shared daily counter.
type Tracker struct {
	store     store.BudgetStore
	orgLimits OrgLimits
	logger    *slog.Logger
	now       func() time.Time
}

// NewTracker creates a budget tracker with org-wide daily limits applied
// to every organization.
func NewTracker(st store.BudgetStore, orgLimits OrgLimits, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, orgLimits: orgLimits, logger: logger, now: time.Now}
}

// CheckExecution verifies the execution's cumulative usage against the
// agent's per-execution caps. Called before each iteration so the loop
// stops at the first checkpoint past the ceiling.
func (t *Tracker) CheckExecution(ex model.AgentExecution, agent model.AgentDefinition) error {
	if agent.MaxTokensPerExecution > 0 && ex.TokensUsed >= agent.MaxTokensPerExecution {
		return &ExceededError{
			Dimension: "execution_tokens",
			Used:      float64(ex.TokensUsed),
			Limit:     float64(agent.MaxTokensPerExecution),
		}
	}
	if agent.MaxCostPerExecution > 0 && ex.CostUsed >= agent.MaxCostPerExecution {
		return &ExceededError{
			Dimension: "execution_cost",
			Used:      ex.CostUsed,
			Limit:     agent.MaxCostPerExecution,
		}
	}
	return nil
}

// CheckDaily verifies the org's spend for the current UTC day against
// the org-wide limits.
func (t *Tracker) CheckDaily(ctx context.Context, orgID uuid.UUID) error {
	if t.orgLimits.DailyTokens <= 0 && t.orgLimits.DailyCostUsd <= 0 {
		return nil
	}

	spend, err := t.store.GetDailySpend(ctx, orgID, DayKey(t.now()))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("budget: read daily spend: %w", err)
	}

	if t.orgLimits.DailyTokens > 0 && spend.Tokens >= t.orgLimits.DailyTokens {
		return &ExceededError{
			Dimension: "daily_tokens",
			Used:      float64(spend.Tokens),
			Limit:     float64(t.orgLimits.DailyTokens),
		}
	}
	if t.orgLimits.DailyCostUsd > 0 && spend.CostUsd >= t.orgLimits.DailyCostUsd {
		return &ExceededError{
			Dimension: "daily_cost",
			Used:      spend.CostUsd,
			Limit:     t.orgLimits.DailyCostUsd,
		}
	}
	return nil
}

// Record adds usage to the org's daily counter and returns the updated
// aggregate. Counters only grow; early termination never refunds spend.
func (t *Tracker) Record(ctx context.Context, orgID uuid.UUID, u Usage) (store.DailySpend, error) {
	spend, err := t.store.AddDailySpend(ctx, orgID, DayKey(t.now()), u.Tokens, u.CostUsd)
	if err != nil {
		return store.DailySpend{}, fmt.Errorf("budget: record spend: %w", err)
	}
	return spend, nil
}
