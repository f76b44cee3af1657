package subscriptions

import "github.com/platinummonkey/tollbooth/pkg/migrate"

// Migrations returns the processed event schema migrations
func Migrations() migrate.Set {
	return migrate.Set{Component: "subscriptions", Migrations: []migrate.Migration{
		{
			Version:     1,
			Description: "Create subscription_events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscription_events (
					event_id TEXT PRIMARY KEY,
					event_type VARCHAR(64) NOT NULL,
					subscriber_id TEXT NOT NULL,
					occurred_at TIMESTAMPTZ,
					claimed_at TIMESTAMPTZ NOT NULL,
					completed_at TIMESTAMPTZ,
					plan_id TEXT,
					balance_reset BOOLEAN NOT NULL DEFAULT FALSE
				);
				CREATE INDEX IF NOT EXISTS idx_subscription_events_subscriber_id ON subscription_events(subscriber_id);
			`,
		},
	}}
}
