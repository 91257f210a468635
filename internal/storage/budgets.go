package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hataraku-ai/hataraku/internal/store"
)

// AddDailySpend atomically adds to an org's spend aggregate for one UTC
// day. The upsert increments in SQL, never read-modify-write, so
// concurrent executions of the same org cannot lose updates. Retried on
// serialization conflicts.
func (db *DB) AddDailySpend(ctx context.Context, orgID uuid.UUID, day string, tokens int64, costUsd float64) (store.DailySpend, error) {
	var spend store.DailySpend
	err := withRetry(ctx, 3, 50*time.Millisecond, func() error {
		return db.pool.QueryRow(ctx,
			`INSERT INTO daily_spend (org_id, day, tokens, cost_usd)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (org_id, day) DO UPDATE
			 SET tokens = daily_spend.tokens + EXCLUDED.tokens,
			     cost_usd = daily_spend.cost_usd + EXCLUDED.cost_usd
			 RETURNING org_id, day, tokens, cost_usd`,
			orgID, day, tokens, costUsd,
		).Scan(&spend.OrgID, &spend.Day, &spend.Tokens, &spend.CostUsd)
	})
	if err != nil {
		return store.DailySpend{}, fmt.Errorf("storage: add daily spend: %w", err)
	}
	return spend, nil
}

// GetDailySpend reads an org's aggregate for one UTC day. A missing row
// means zero spend, not an error.
func (db *DB) GetDailySpend(ctx context.Context, orgID uuid.UUID, day string) (store.DailySpend, error) {
	var spend store.DailySpend
	err := db.pool.QueryRow(ctx,
		`SELECT org_id, day, tokens, cost_usd FROM daily_spend WHERE org_id = $1 AND day = $2`,
		orgID, day,
	).Scan(&spend.OrgID, &spend.Day, &spend.Tokens, &spend.CostUsd)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.DailySpend{OrgID: orgID, Day: day}, nil
		}
		return store.DailySpend{}, fmt.Errorf("storage: get daily spend: %w", err)
	}
	return spend, nil
}
