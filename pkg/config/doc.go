// Package config loads Tollbooth configuration from environment variables.
//
// Every setting has a default; LoadConfig validates the combination.
//
// Server settings:
//
//	TOLLBOOTH_HOST="0.0.0.0"
//	TOLLBOOTH_PORT="8080"
//	TOLLBOOTH_HEALTH_PORT="9090"
//	TOLLBOOTH_READ_TIMEOUT="15s"
//
// Storage settings:
//
//	TOLLBOOTH_STORAGE_TYPE="postgres"  # memory, postgres
//	TOLLBOOTH_POSTGRES_URL="postgres://localhost/tollbooth?sslmode=disable"
//	TOLLBOOTH_POSTGRES_MAX_CONNS="20"
//	TOLLBOOTH_REDIS_URL="redis://localhost:6379"
//	TOLLBOOTH_CACHE_ENABLED="true"
//
// Payload storage:
//
//	TOLLBOOTH_OBJECTSTORE_TYPE="s3"  # local, s3
//	TOLLBOOTH_S3_BUCKET="tollbooth-payloads"
//	TOLLBOOTH_LOCAL_ROOT="/var/lib/tollbooth/payloads"
//	TOLLBOOTH_DOWNLOAD_TTL="15m"
//
// Billing:
//
//	TOLLBOOTH_PLAN_CATALOG="/etc/tollbooth/plans.yaml"
//	TOLLBOOTH_PRICING_TABLE="/etc/tollbooth/pricing.yaml"
//	TOLLBOOTH_WEBHOOK_SECRET="..."
//	TOLLBOOTH_ROLLOVER_SCHEDULE="5 * * * *"
//
// Observability:
//
//	TOLLBOOTH_LOG_LEVEL="info"  # debug, info, warn, error
//	TOLLBOOTH_LOG_FORMAT="json" # json, text
//	TOLLBOOTH_OTEL_ENABLED="true"
//	TOLLBOOTH_OTEL_ENDPOINT="otel-collector:4317"
//	TOLLBOOTH_CLICKHOUSE_ADDR="clickhouse:9000"
package config
