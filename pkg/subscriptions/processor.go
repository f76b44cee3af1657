package subscriptions

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/platinummonkey/tollbooth/pkg/plans"
	"github.com/sirupsen/logrus"
)

// claimLease is how long a claim blocks redeliveries before another process
// may take the event over
const claimLease = 5 * time.Minute

// Processor applies subscription events
type Processor struct {
	directory *plans.Directory
	balances  *balance.Service
	events    EventStore
	now       func() time.Time
	log       *logrus.Logger
}

// NewProcessor creates a new Processor. A nil events store keeps processed
// event ids in memory only.
func NewProcessor(directory *plans.Directory, balances *balance.Service, events EventStore, log *logrus.Logger) *Processor {
	if log == nil {
		log = logrus.New()
	}
	if events == nil {
		events = NewMemoryEventStore()
	}
	return &Processor{
		directory: directory,
		balances:  balances,
		events:    events,
		now:       time.Now,
		log:       log,
	}
}

// SetClock overrides the time source
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
}

// Apply handles one event at most once per event id. Unknown event types are
// ignored.
func (p *Processor) Apply(ctx context.Context, event Event) (*Outcome, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	log := p.log.WithFields(logrus.Fields{
		"event_id":      event.ID,
		"event_type":    event.Type,
		"subscriber_id": event.SubscriberID,
	})

	switch event.Type {
	case EventActivated, EventRenewed, EventPlanChanged, EventCanceled:
	default:
		log.Debug("Ignoring unknown subscription event")
		return &Outcome{EventID: event.ID, SubscriberID: event.SubscriberID, Ignored: true}, nil
	}

	now := p.now().UTC()
	rec := &EventRecord{
		EventID:      event.ID,
		EventType:    event.Type,
		SubscriberID: event.SubscriberID,
		OccurredAt:   event.OccurredAt,
		ClaimedAt:    now,
	}
	existing, claimed, err := p.events.Claim(ctx, rec, now.Add(-claimLease))
	if err != nil {
		return nil, err
	}
	if !claimed {
		if !existing.Completed() {
			return nil, fmt.Errorf("%w: %s", ErrEventInProgress, event.ID)
		}
		dup := existing.outcome()
		dup.Duplicate = true
		return dup, nil
	}

	var outcome *Outcome
	if event.Type == EventCanceled {
		outcome, err = p.cancel(ctx, event)
	} else {
		outcome, err = p.assignAndReset(ctx, event)
	}
	if err != nil {
		log.WithError(err).Error("Failed to apply subscription event")
		if rerr := p.events.Release(ctx, event.ID); rerr != nil {
			log.WithError(rerr).Warn("Failed to release subscription event claim")
		}
		return nil, err
	}

	completedAt := p.now().UTC()
	rec.CompletedAt = &completedAt
	rec.PlanID = outcome.PlanID
	rec.BalanceReset = outcome.BalanceReset
	if err := p.events.Complete(ctx, rec); err != nil {
		// applied; a redelivery after the lease may apply it again
		log.WithError(err).Error("Failed to mark subscription event applied")
	}

	log.WithFields(logrus.Fields{
		"plan_id":       outcome.PlanID,
		"balance_reset": outcome.BalanceReset,
		"stale":         outcome.Stale,
	}).Info("Subscription event applied")
	return outcome, nil
}

func (p *Processor) assignAndReset(ctx context.Context, event Event) (*Outcome, error) {
	status := event.Status
	if status == "" {
		status = billing.SubscriptionStatusActive
	}
	plan, err := p.directory.Assign(ctx, event.SubscriberID, event.PlanID, status, event.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to assign plan: %w", err)
	}

	outcome := &Outcome{EventID: event.ID, SubscriberID: event.SubscriberID, PlanID: plan.PlanID}
	if !status.Entitled() {
		return outcome, nil
	}

	current, err := p.balances.GetBalance(ctx, event.SubscriberID)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if current.Exists() && !event.OccurredAt.IsZero() && event.OccurredAt.Before(current.PeriodStart) {
		outcome.Stale = true
		return outcome, nil
	}

	if _, err := p.balances.InitializeOrResetBalance(ctx, event.SubscriberID, plan.MonthlyAllowance, plan.BalanceLimit()); err != nil {
		return nil, fmt.Errorf("failed to reset balance: %w", err)
	}
	outcome.BalanceReset = true
	return outcome, nil
}

func (p *Processor) cancel(ctx context.Context, event Event) (*Outcome, error) {
	fallback := p.directory.Catalog().FallbackPlanID()
	plan, err := p.directory.Assign(ctx, event.SubscriberID, fallback, billing.SubscriptionStatusCanceled, event.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to assign fallback plan: %w", err)
	}
	return &Outcome{EventID: event.ID, SubscriberID: event.SubscriberID, PlanID: plan.PlanID}, nil
}
