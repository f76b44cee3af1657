package subscriptions

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/billing"
)

// EventType names a subscription lifecycle event
type EventType string

const (
	EventActivated   EventType = "subscription.activated"
	EventRenewed     EventType = "subscription.renewed"
	EventPlanChanged EventType = "subscription.plan_changed"
	EventCanceled    EventType = "subscription.canceled"
)

var (
	// ErrInvalidSignature is returned when an event signature does not verify
	ErrInvalidSignature = errors.New("invalid webhook signature")

	// ErrInvalidEvent is returned for malformed events
	ErrInvalidEvent = errors.New("invalid subscription event")

	// ErrEventInProgress is returned while another delivery of the same event
	// is being applied
	ErrEventInProgress = errors.New("subscription event is being applied")
)

// Event is a subscription lifecycle notification
type Event struct {
	ID           string                     `json:"id"`
	Type         EventType                  `json:"type"`
	SubscriberID string                     `json:"subscriber_id"`
	PlanID       string                     `json:"plan_id,omitempty"`
	Status       billing.SubscriptionStatus `json:"status,omitempty"`
	ExternalID   string                     `json:"external_id,omitempty"`
	OccurredAt   time.Time                  `json:"occurred_at"`
}

// Validate checks the fields the event type needs
func (e *Event) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEvent)
	}
	if strings.TrimSpace(e.SubscriberID) == "" {
		return fmt.Errorf("%w: subscriber_id is required", ErrInvalidEvent)
	}
	if e.Status != "" && !e.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidEvent, e.Status)
	}
	switch e.Type {
	case EventActivated, EventRenewed, EventPlanChanged:
		if strings.TrimSpace(e.PlanID) == "" {
			return fmt.Errorf("%w: plan_id is required for %s", ErrInvalidEvent, e.Type)
		}
	}
	return nil
}

// Outcome reports what applying an event did
type Outcome struct {
	EventID      string `json:"event_id"`
	SubscriberID string `json:"subscriber_id"`
	PlanID       string `json:"plan_id,omitempty"`
	BalanceReset bool   `json:"balance_reset"`
	Duplicate    bool   `json:"duplicate,omitempty"`
	Ignored      bool   `json:"ignored,omitempty"`

	// Stale is set when the event predates the current balance period and
	// its reset was skipped
	Stale bool `json:"stale,omitempty"`
}
