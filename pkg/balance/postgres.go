package balance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on PostgreSQL. Compare-and-swap is a
// conditional UPDATE on the revision column inside a transaction that also
// writes the charge record.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const balanceColumns = `subscriber_id, included_balance, included_total, on_demand_accrued,
		       on_demand_limit, period_start, period_next_reset, revision, updated_at`

func (s *PostgresStore) Get(ctx context.Context, subscriberID string) (*Balance, error) {
	query := `SELECT ` + balanceColumns + ` FROM balances WHERE subscriber_id = $1`

	b := &Balance{}
	var limit decimal.NullDecimal
	err := s.db.QueryRowContext(ctx, query, subscriberID).Scan(
		&b.SubscriberID, &b.IncludedBalance, &b.IncludedTotal, &b.OnDemandAccrued,
		&limit, &b.PeriodStart, &b.PeriodNextReset, &b.Revision, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSubscriberNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query balance: %w", err)
	}
	if limit.Valid {
		b.OnDemandLimit = &limit.Decimal
	}
	return b, nil
}

func (s *PostgresStore) Create(ctx context.Context, b *Balance) error {
	query := `
		INSERT INTO balances (` + balanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (subscriber_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		b.SubscriberID, b.IncludedBalance, b.IncludedTotal, b.OnDemandAccrued,
		nullDecimal(b.OnDemandLimit), b.PeriodStart, b.PeriodNextReset, b.Revision, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert balance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRevisionConflict
	}
	return nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	update := `
		UPDATE balances
		SET included_balance = $3, included_total = $4, on_demand_accrued = $5,
		    on_demand_limit = $6, period_start = $7, period_next_reset = $8,
		    revision = $9, updated_at = $10
		WHERE subscriber_id = $1 AND revision = $2
	`
	n := u.Next
	res, err := tx.ExecContext(ctx, update,
		n.SubscriberID, u.Expected, n.IncludedBalance, n.IncludedTotal, n.OnDemandAccrued,
		nullDecimal(n.OnDemandLimit), n.PeriodStart, n.PeriodNextReset, n.Revision, n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrRevisionConflict
	}

	if u.Record != nil {
		if err := insertTransaction(ctx, tx, u.Record); err != nil {
			return err
		}
	}

	if u.ReverseKey != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE balance_transactions SET reversed = TRUE, reversed_at = $2
			WHERE idempotency_key = $1 AND reversed = FALSE
		`, u.ReverseKey, n.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to mark transaction reversed: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrRevisionConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit balance update: %w", err)
	}
	return nil
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t *Transaction) error {
	query := `
		INSERT INTO balance_transactions (
			id, idempotency_key, subscriber_id, amount, included_charged, on_demand_charged,
			included_before, on_demand_before, included_after, on_demand_after, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := tx.ExecContext(ctx, query,
		t.ID, t.IdempotencyKey, t.SubscriberID, t.Amount, t.IncludedCharged, t.OnDemandCharged,
		t.Before.IncludedBalance, t.Before.OnDemandAccrued, t.After.IncludedBalance, t.After.OnDemandAccrued,
		t.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrDuplicateTransaction
	}
	if err != nil {
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTransaction(ctx context.Context, idempotencyKey string) (*Transaction, error) {
	query := `
		SELECT id, idempotency_key, subscriber_id, amount, included_charged, on_demand_charged,
		       included_before, on_demand_before, included_after, on_demand_after,
		       reversed, reversed_at, created_at
		FROM balance_transactions
		WHERE idempotency_key = $1
	`
	t := &Transaction{}
	err := s.db.QueryRowContext(ctx, query, idempotencyKey).Scan(
		&t.ID, &t.IdempotencyKey, &t.SubscriberID, &t.Amount, &t.IncludedCharged, &t.OnDemandCharged,
		&t.Before.IncludedBalance, &t.Before.OnDemandAccrued, &t.After.IncludedBalance, &t.After.OnDemandAccrued,
		&t.Reversed, &t.ReversedAt, &t.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListDueForReset(ctx context.Context, now time.Time, after string, limit int) ([]string, error) {
	query := `
		SELECT subscriber_id FROM balances
		WHERE period_next_reset <= $1 AND subscriber_id > $2
		ORDER BY subscriber_id
		LIMIT $3
	`
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, query, now, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due balances: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
