package subscriptions

import (
	"context"
	"time"
)

// EventRecord tracks one subscription event by its provider id
type EventRecord struct {
	EventID      string
	EventType    EventType
	SubscriberID string
	OccurredAt   time.Time
	ClaimedAt    time.Time
	PlanID       string
	BalanceReset bool

	// CompletedAt is nil while the event is being applied
	CompletedAt *time.Time
}

// Completed reports whether the event finished applying
func (r *EventRecord) Completed() bool {
	return r.CompletedAt != nil
}

func (r *EventRecord) outcome() *Outcome {
	return &Outcome{
		EventID:      r.EventID,
		SubscriberID: r.SubscriberID,
		PlanID:       r.PlanID,
		BalanceReset: r.BalanceReset,
	}
}

// EventStore durably deduplicates subscription events across processes
type EventStore interface {
	// Claim reserves rec.EventID. An existing record that is completed, or
	// whose claim is newer than staleBefore, is returned with claimed=false.
	Claim(ctx context.Context, rec *EventRecord, staleBefore time.Time) (existing *EventRecord, claimed bool, err error)

	// Complete marks a claimed event as applied with its outcome
	Complete(ctx context.Context, rec *EventRecord) error

	// Release drops an uncompleted claim so a redelivery can apply the event
	Release(ctx context.Context, eventID string) error
}
