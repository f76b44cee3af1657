package subscriptions

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresEventStore keeps processed event ids in the subscription_events table
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a new PostgresEventStore
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

func (s *PostgresEventStore) Claim(ctx context.Context, rec *EventRecord, staleBefore time.Time) (*EventRecord, bool, error) {
	query := `
		INSERT INTO subscription_events (event_id, event_type, subscriber_id, occurred_at, claimed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (event_id) DO UPDATE
		SET claimed_at = EXCLUDED.claimed_at
		WHERE subscription_events.completed_at IS NULL AND subscription_events.claimed_at < $6
		RETURNING event_id
	`
	var id string
	err := s.db.QueryRowContext(ctx, query,
		rec.EventID, string(rec.EventType), rec.SubscriberID, nullTime(rec.OccurredAt), rec.ClaimedAt, staleBefore,
	).Scan(&id)
	if err == nil {
		return nil, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to claim subscription event: %w", err)
	}

	existing, err := s.get(ctx, rec.EventID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		// released between the insert and the read
		return nil, false, fmt.Errorf("failed to claim subscription event %s: claim released concurrently", rec.EventID)
	}
	return existing, false, nil
}

func (s *PostgresEventStore) get(ctx context.Context, eventID string) (*EventRecord, error) {
	query := `
		SELECT event_id, event_type, subscriber_id, occurred_at, claimed_at, completed_at, plan_id, balance_reset
		FROM subscription_events
		WHERE event_id = $1
	`
	rec := &EventRecord{}
	var (
		eventType   string
		occurredAt  sql.NullTime
		completedAt sql.NullTime
		planID      sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, eventID).Scan(
		&rec.EventID, &eventType, &rec.SubscriberID, &occurredAt, &rec.ClaimedAt, &completedAt, &planID, &rec.BalanceReset,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription event: %w", err)
	}
	rec.EventType = EventType(eventType)
	rec.OccurredAt = occurredAt.Time
	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}
	rec.PlanID = planID.String
	return rec, nil
}

func (s *PostgresEventStore) Complete(ctx context.Context, rec *EventRecord) error {
	query := `
		UPDATE subscription_events
		SET completed_at = $2, plan_id = $3, balance_reset = $4
		WHERE event_id = $1
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.EventID, rec.CompletedAt, sql.NullString{String: rec.PlanID, Valid: rec.PlanID != ""}, rec.BalanceReset,
	)
	if err != nil {
		return fmt.Errorf("failed to complete subscription event: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) Release(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscription_events WHERE event_id = $1 AND completed_at IS NULL`, eventID)
	if err != nil {
		return fmt.Errorf("failed to release subscription event: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
