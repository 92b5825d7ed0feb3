package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema is applied at startup. Statements are idempotent so a
// restart against an existing database is a no-op.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		meta_credentials JSONB,
		google_credentials JSONB,
		health TEXT NOT NULL DEFAULT 'valid',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS period_summaries (
		id BIGSERIAL PRIMARY KEY,
		client_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		summary_type TEXT NOT NULL,
		summary_date DATE NOT NULL,
		total_spend DOUBLE PRECISION NOT NULL DEFAULT 0,
		total_impressions BIGINT NOT NULL DEFAULT 0,
		total_clicks BIGINT NOT NULL DEFAULT 0,
		click_to_call DOUBLE PRECISION NOT NULL DEFAULT 0,
		booking_step_1 DOUBLE PRECISION NOT NULL DEFAULT 0,
		booking_step_2 DOUBLE PRECISION NOT NULL DEFAULT 0,
		booking_step_3 DOUBLE PRECISION NOT NULL DEFAULT 0,
		reservations DOUBLE PRECISION NOT NULL DEFAULT 0,
		reservation_value DOUBLE PRECISION NOT NULL DEFAULT 0,
		campaign_data JSONB,
		data_source TEXT NOT NULL DEFAULT 'api',
		last_updated TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	// The four-part composite key: one row per client, platform, type and
	// period start. Upserts conflict on this index.
	`CREATE UNIQUE INDEX IF NOT EXISTS period_summaries_composite_key
		ON period_summaries (client_id, platform, summary_type, summary_date)`,
	`CREATE INDEX IF NOT EXISTS period_summaries_retention
		ON period_summaries (summary_type, summary_date)`,
}

func migratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}
	return nil
}
