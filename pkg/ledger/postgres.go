package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/tollbooth/pkg/billing"
)

// PostgresStore implements Store on PostgreSQL. The unique index on
// idempotency_key backs insert-or-return.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const entryColumns = `id, idempotency_key, subscriber_id, kind, bucket, cost, occurred_at,
		       job_id, provider, model, input_tokens, output_tokens,
		       package_id, package_version, receipt_id, created_at`

func (s *PostgresStore) Insert(ctx context.Context, e *Entry) (*Entry, bool, error) {
	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		e.ID, e.IdempotencyKey, e.SubscriberID, string(e.Kind), string(e.Bucket), e.Cost, e.OccurredAt,
		e.JobID, e.Provider, e.Model, e.InputTokens, e.OutputTokens,
		e.PackageID, e.PackageVersion, e.ReceiptID, e.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		cp := *e
		return &cp, true, nil
	}

	existing, err := s.getByKey(ctx, e.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) getByKey(ctx context.Context, key string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE idempotency_key = $1`

	e, err := scanEntry(s.db.QueryRowContext(ctx, query, key))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("ledger entry %q vanished after conflict", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) QueryBySubscriber(ctx context.Context, subscriberID string, f Filter) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE subscriber_id = $1`
	args := []interface{}{subscriberID}
	argCount := 2

	if f.Kind != nil {
		query += fmt.Sprintf(" AND kind = $%d", argCount)
		args = append(args, string(*f.Kind))
		argCount++
	}
	if f.Range != nil {
		if !f.Range.From.IsZero() {
			query += fmt.Sprintf(" AND occurred_at >= $%d", argCount)
			args = append(args, f.Range.From)
			argCount++
		}
		if !f.Range.To.IsZero() {
			query += fmt.Sprintf(" AND occurred_at < $%d", argCount)
			args = append(args, f.Range.To)
			argCount++
		}
	}
	query += " ORDER BY occurred_at, id"

	return s.queryEntries(ctx, query, args...)
}

func (s *PostgresStore) QueryByJob(ctx context.Context, jobID string) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE job_id = $1 ORDER BY occurred_at, id`
	return s.queryEntries(ctx, query, jobID)
}

func (s *PostgresStore) queryEntries(ctx context.Context, query string, args ...interface{}) ([]*Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var kind, bucket string
	err := row.Scan(
		&e.ID, &e.IdempotencyKey, &e.SubscriberID, &kind, &bucket, &e.Cost, &e.OccurredAt,
		&e.JobID, &e.Provider, &e.Model, &e.InputTokens, &e.OutputTokens,
		&e.PackageID, &e.PackageVersion, &e.ReceiptID, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Bucket = billing.Bucket(bucket)
	return e, nil
}
