package plans

import "github.com/platinummonkey/tollbooth/pkg/migrate"

// Migrations returns the plan assignment schema migrations
func Migrations() migrate.Set {
	return migrate.Set{Component: "plans", Migrations: []migrate.Migration{
		{
			Version:     1,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					subscriber_id TEXT PRIMARY KEY,
					plan_id TEXT NOT NULL,
					status VARCHAR(32) NOT NULL,
					external_id TEXT,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_plan_id ON subscriptions(plan_id);
			`,
		},
	}}
}
