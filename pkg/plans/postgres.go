package plans

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/platinummonkey/tollbooth/pkg/billing"
)

// PostgresAssignments stores plan assignments in the subscriptions table
type PostgresAssignments struct {
	db *sql.DB
}

// NewPostgresAssignments creates a new PostgresAssignments
func NewPostgresAssignments(db *sql.DB) *PostgresAssignments {
	return &PostgresAssignments{db: db}
}

func (s *PostgresAssignments) Get(ctx context.Context, subscriberID string) (*Assignment, error) {
	query := `
		SELECT subscriber_id, plan_id, status, external_id, updated_at
		FROM subscriptions
		WHERE subscriber_id = $1
	`
	a := &Assignment{}
	var status string
	var externalID sql.NullString
	err := s.db.QueryRowContext(ctx, query, subscriberID).Scan(
		&a.SubscriberID, &a.PlanID, &status, &externalID, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	if a.Status, err = billing.ParseSubscriptionStatus(status); err != nil {
		return nil, err
	}
	a.ExternalID = externalID.String
	return a, nil
}

func (s *PostgresAssignments) Put(ctx context.Context, a *Assignment) error {
	query := `
		INSERT INTO subscriptions (subscriber_id, plan_id, status, external_id, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (subscriber_id) DO UPDATE
		SET plan_id = EXCLUDED.plan_id, status = EXCLUDED.status,
		    external_id = EXCLUDED.external_id, updated_at = EXCLUDED.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		a.SubscriberID, a.PlanID, string(a.Status), sql.NullString{String: a.ExternalID, Valid: a.ExternalID != ""}, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription: %w", err)
	}
	return nil
}
