package commerce

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresReceiptStore implements ReceiptStore on PostgreSQL
type PostgresReceiptStore struct {
	db *sql.DB
}

// NewPostgresReceiptStore creates a new PostgresReceiptStore
func NewPostgresReceiptStore(db *sql.DB) *PostgresReceiptStore {
	return &PostgresReceiptStore{db: db}
}

const receiptColumns = `id, subscriber_id, idempotency_key, items, total, included_charged, on_demand_charged,
		       included_balance_after, on_demand_accrued_after, status, failure_reason, refund_reason,
		       created_at, updated_at, refunded_at`

func (s *PostgresReceiptStore) Insert(ctx context.Context, r *Receipt) (*Receipt, bool, error) {
	items, err := json.Marshal(r.Items)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal receipt items: %w", err)
	}

	query := `
		INSERT INTO receipts (` + receiptColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		r.ID, r.SubscriberID, r.IdempotencyKey, items, r.Total, r.IncludedCharged, r.OnDemandCharged,
		r.BalanceAfter.IncludedBalance, r.BalanceAfter.OnDemandAccrued, string(r.Status),
		r.FailureReason, r.RefundReason, r.CreatedAt, r.UpdatedAt, r.RefundedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert receipt: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 1 {
		return r.clone(), true, nil
	}

	existing, err := s.GetByKey(ctx, r.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("receipt %q vanished after conflict", r.IdempotencyKey)
	}
	return existing, false, nil
}

func (s *PostgresReceiptStore) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.getOne(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE id = $1`, id)
}

func (s *PostgresReceiptStore) GetByKey(ctx context.Context, idempotencyKey string) (*Receipt, error) {
	return s.getOne(ctx, `SELECT `+receiptColumns+` FROM receipts WHERE idempotency_key = $1`, idempotencyKey)
}

func (s *PostgresReceiptStore) getOne(ctx context.Context, query string, arg string) (*Receipt, error) {
	r, err := scanReceipt(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	return r, nil
}

func (s *PostgresReceiptStore) ListBySubscriber(ctx context.Context, subscriberID string, limit int) ([]*Receipt, error) {
	query := `
		SELECT ` + receiptColumns + `
		FROM receipts
		WHERE subscriber_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, subscriberID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list receipts: %w", err)
	}
	defer rows.Close()

	receipts := []*Receipt{}
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

func (s *PostgresReceiptStore) Transition(ctx context.Context, change StatusChange) (bool, error) {
	var query string
	switch change.To {
	case ReceiptFailed:
		query = `UPDATE receipts SET status = $3, failure_reason = $4, updated_at = $5
			WHERE id = $1 AND status = $2`
	case ReceiptRefunded:
		query = `UPDATE receipts SET status = $3, refund_reason = $4, updated_at = $5, refunded_at = $5
			WHERE id = $1 AND status = $2`
	default:
		query = `UPDATE receipts SET status = $3, refund_reason = $4, updated_at = $5, refunded_at = NULL
			WHERE id = $1 AND status = $2`
	}

	res, err := s.db.ExecContext(ctx, query,
		change.ReceiptID, string(change.From), string(change.To), change.Reason, change.At)
	if err != nil {
		return false, fmt.Errorf("failed to update receipt status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReceipt(row rowScanner) (*Receipt, error) {
	r := &Receipt{}
	var items []byte
	var status string
	err := row.Scan(
		&r.ID, &r.SubscriberID, &r.IdempotencyKey, &items, &r.Total, &r.IncludedCharged, &r.OnDemandCharged,
		&r.BalanceAfter.IncludedBalance, &r.BalanceAfter.OnDemandAccrued, &status,
		&r.FailureReason, &r.RefundReason, &r.CreatedAt, &r.UpdatedAt, &r.RefundedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = ReceiptStatus(status)
	if err := json.Unmarshal(items, &r.Items); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt items: %w", err)
	}
	return r, nil
}
