package registry

import "github.com/platinummonkey/tollbooth/pkg/migrate"

// Migrations returns the registry schema migrations
func Migrations() migrate.Set {
	return migrate.Set{Component: "registry", Migrations: []migrate.Migration{
		{
			Version:     1,
			Description: "Create packages table",
			SQL: `
				CREATE TABLE IF NOT EXISTS packages (
					id TEXT NOT NULL,
					version TEXT NOT NULL,
					version_major INT NOT NULL,
					version_minor INT NOT NULL,
					version_patch INT NOT NULL,
					name TEXT NOT NULL,
					description TEXT NOT NULL DEFAULT '',
					tags TEXT[] NOT NULL DEFAULT '{}',
					price NUMERIC(20, 6) NOT NULL CHECK (price >= 0),
					content_digest TEXT NOT NULL,
					compatibility JSONB NOT NULL DEFAULT '{}',
					payload_location TEXT NOT NULL,
					size_bytes BIGINT NOT NULL DEFAULT 0,
					active BOOLEAN NOT NULL DEFAULT TRUE,
					download_count BIGINT NOT NULL DEFAULT 0,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					deactivated_at TIMESTAMPTZ,
					PRIMARY KEY (id, version)
				);
				CREATE INDEX IF NOT EXISTS idx_packages_active ON packages(id) WHERE active;
				CREATE INDEX IF NOT EXISTS idx_packages_tags ON packages USING GIN(tags);
				CREATE INDEX IF NOT EXISTS idx_packages_downloads ON packages(download_count DESC);
			`,
		},
	}}
}
