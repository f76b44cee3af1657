package ledger

import "github.com/platinummonkey/tollbooth/pkg/migrate"

// Migrations returns the ledger schema migrations
func Migrations() migrate.Set {
	return migrate.Set{Component: "ledger", Migrations: []migrate.Migration{
		{
			Version:     1,
			Description: "Create ledger_entries table",
			SQL: `
				CREATE TABLE IF NOT EXISTS ledger_entries (
					id UUID PRIMARY KEY,
					idempotency_key TEXT NOT NULL UNIQUE,
					subscriber_id TEXT NOT NULL,
					kind VARCHAR(16) NOT NULL CHECK (kind IN ('usage', 'purchase')),
					bucket VARCHAR(16) NOT NULL CHECK (bucket IN ('included', 'on_demand')),
					cost NUMERIC(20, 6) NOT NULL CHECK (cost >= 0),
					occurred_at TIMESTAMPTZ NOT NULL,
					job_id TEXT NOT NULL DEFAULT '',
					provider TEXT NOT NULL DEFAULT '',
					model TEXT NOT NULL DEFAULT '',
					input_tokens BIGINT NOT NULL DEFAULT 0,
					output_tokens BIGINT NOT NULL DEFAULT 0,
					package_id TEXT NOT NULL DEFAULT '',
					package_version TEXT NOT NULL DEFAULT '',
					receipt_id TEXT NOT NULL DEFAULT '',
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_ledger_subscriber_occurred ON ledger_entries(subscriber_id, occurred_at, id);
				CREATE INDEX IF NOT EXISTS idx_ledger_job ON ledger_entries(job_id) WHERE job_id <> '';
			`,
		},
	}}
}
