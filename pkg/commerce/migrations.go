package commerce

import "github.com/platinummonkey/tollbooth/pkg/migrate"

// Migrations returns the receipt schema migrations
func Migrations() migrate.Set {
	return migrate.Set{Component: "commerce", Migrations: []migrate.Migration{
		{
			Version:     1,
			Description: "Create receipts table",
			SQL: `
				CREATE TABLE IF NOT EXISTS receipts (
					id UUID PRIMARY KEY,
					subscriber_id TEXT NOT NULL,
					idempotency_key TEXT NOT NULL UNIQUE,
					items JSONB NOT NULL,
					total NUMERIC(20, 6) NOT NULL,
					included_charged NUMERIC(20, 6) NOT NULL,
					on_demand_charged NUMERIC(20, 6) NOT NULL,
					included_balance_after NUMERIC(20, 6) NOT NULL,
					on_demand_accrued_after NUMERIC(20, 6) NOT NULL,
					status VARCHAR(16) NOT NULL CHECK (status IN ('pending', 'completed', 'failed', 'refunded')),
					failure_reason TEXT NOT NULL DEFAULT '',
					refund_reason TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					refunded_at TIMESTAMPTZ
				);
				CREATE INDEX IF NOT EXISTS idx_receipts_subscriber_created ON receipts(subscriber_id, created_at DESC);
			`,
		},
	}}
}
