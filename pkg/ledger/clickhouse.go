package ledger

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// ClickHouseConfig holds ClickHouse connection configuration
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Debug    bool
}

// ClickHouseSink mirrors ledger entries into a ClickHouse table for
// analytics. It is write-only; reads always go to the primary Store.
type ClickHouseSink struct {
	conn clickhouse.Conn
}

// NewClickHouseSink opens a ClickHouse connection
func NewClickHouseSink(cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	return &ClickHouseSink{conn: conn}, nil
}

// ClickHouseSchema creates the analytics table
const ClickHouseSchema = `
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id UUID,
		idempotency_key String,
		subscriber_id String,
		kind LowCardinality(String),
		bucket LowCardinality(String),
		cost Decimal(20, 6),
		occurred_at DateTime64(3, 'UTC'),
		job_id String,
		provider LowCardinality(String),
		model LowCardinality(String),
		input_tokens Int64,
		output_tokens Int64,
		package_id String,
		package_version String,
		receipt_id String
	) ENGINE = ReplacingMergeTree
	ORDER BY (subscriber_id, occurred_at, id)
`

// EnsureSchema creates the analytics table if it does not exist
func (s *ClickHouseSink) EnsureSchema(ctx context.Context) error {
	if err := s.conn.Exec(ctx, ClickHouseSchema); err != nil {
		return fmt.Errorf("failed to create ClickHouse ledger table: %w", err)
	}
	return nil
}

// Write appends entries in a single batch
func (s *ClickHouseSink) Write(ctx context.Context, entries ...*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `INSERT INTO ledger_entries (
		id, idempotency_key, subscriber_id, kind, bucket, cost, occurred_at,
		job_id, provider, model, input_tokens, output_tokens,
		package_id, package_version, receipt_id
	)`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range entries {
		if err := batch.Append(
			e.ID, e.IdempotencyKey, e.SubscriberID, string(e.Kind), string(e.Bucket), e.Cost, e.OccurredAt,
			e.JobID, e.Provider, e.Model, e.InputTokens, e.OutputTokens,
			e.PackageID, e.PackageVersion, e.ReceiptID,
		); err != nil {
			return fmt.Errorf("failed to append ledger entry %s: %w", e.ID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Ping checks connectivity
func (s *ClickHouseSink) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the connection
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
