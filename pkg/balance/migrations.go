package balance

import "github.com/platinummonkey/tollbooth/pkg/migrate"

// Migrations returns the balance schema migrations
func Migrations() migrate.Set {
	return migrate.Set{Component: "balance", Migrations: []migrate.Migration{
		{
			Version:     1,
			Description: "Create balances table",
			SQL: `
				CREATE TABLE IF NOT EXISTS balances (
					subscriber_id TEXT PRIMARY KEY,
					included_balance NUMERIC(20, 6) NOT NULL CHECK (included_balance >= 0),
					included_total NUMERIC(20, 6) NOT NULL,
					on_demand_accrued NUMERIC(20, 6) NOT NULL DEFAULT 0 CHECK (on_demand_accrued >= 0),
					on_demand_limit NUMERIC(20, 6),
					period_start TIMESTAMPTZ NOT NULL,
					period_next_reset TIMESTAMPTZ NOT NULL,
					revision BIGINT NOT NULL,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CHECK (on_demand_limit IS NULL OR on_demand_accrued <= on_demand_limit)
				);
				CREATE INDEX IF NOT EXISTS idx_balances_next_reset ON balances(period_next_reset);
			`,
		},
		{
			Version:     2,
			Description: "Create balance_transactions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS balance_transactions (
					id UUID PRIMARY KEY,
					idempotency_key TEXT NOT NULL UNIQUE,
					subscriber_id TEXT NOT NULL REFERENCES balances(subscriber_id),
					amount NUMERIC(20, 6) NOT NULL,
					included_charged NUMERIC(20, 6) NOT NULL,
					on_demand_charged NUMERIC(20, 6) NOT NULL,
					included_before NUMERIC(20, 6) NOT NULL,
					on_demand_before NUMERIC(20, 6) NOT NULL,
					included_after NUMERIC(20, 6) NOT NULL,
					on_demand_after NUMERIC(20, 6) NOT NULL,
					reversed BOOLEAN NOT NULL DEFAULT FALSE,
					reversed_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_balance_transactions_subscriber ON balance_transactions(subscriber_id, created_at);
			`,
		},
	}}
}
