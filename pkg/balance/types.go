package balance

import (
	"fmt"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/shopspring/decimal"
)

// Bucket identifies which of the two balances a charge was drawn from
type Bucket = billing.Bucket

const (
	BucketIncluded = billing.BucketIncluded
	BucketOnDemand = billing.BucketOnDemand
)

// ParseBucket converts a stored or user-supplied string into a Bucket
func ParseBucket(s string) (Bucket, error) {
	b, err := billing.ParseBucket(s)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return b, nil
}

// Balance is the per-subscriber dual-bucket balance
type Balance struct {
	SubscriberID    string           `json:"subscriber_id"`
	IncludedBalance decimal.Decimal  `json:"included_balance"`
	IncludedTotal   decimal.Decimal  `json:"included_total"`
	OnDemandAccrued decimal.Decimal  `json:"on_demand_accrued"`
	OnDemandLimit   *decimal.Decimal `json:"on_demand_limit,omitempty"`
	PeriodStart     time.Time        `json:"period_start"`
	PeriodNextReset time.Time        `json:"period_next_reset"`
	Revision        int64            `json:"-"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// Exists reports whether the balance has been persisted. GetBalance returns
// a zero-valued balance with Revision 0 for unknown subscribers.
func (b *Balance) Exists() bool {
	return b.Revision > 0
}

// Spent is included_total - included_balance + on_demand_accrued
func (b *Balance) Spent() decimal.Decimal {
	return b.IncludedTotal.Sub(b.IncludedBalance).Add(b.OnDemandAccrued)
}

// Clone returns a deep copy
func (b *Balance) Clone() *Balance {
	c := *b
	if b.OnDemandLimit != nil {
		limit := *b.OnDemandLimit
		c.OnDemandLimit = &limit
	}
	return &c
}

func (b *Balance) snapshot() Snapshot {
	return Snapshot{IncludedBalance: b.IncludedBalance, OnDemandAccrued: b.OnDemandAccrued}
}

// Snapshot captures both buckets at one instant
type Snapshot struct {
	IncludedBalance decimal.Decimal `json:"included_balance"`
	OnDemandAccrued decimal.Decimal `json:"on_demand_accrued"`
}

// ChargeRequest describes a single charge against a subscriber balance.
// AllowOnDemand is the caller's consent to overage; OnDemandForbidden is set
// when the subscriber's plan has no overage at all.
type ChargeRequest struct {
	SubscriberID      string
	Amount            decimal.Decimal
	AllowOnDemand     bool
	OnDemandForbidden bool
	OnDemandCap       *decimal.Decimal
	IdempotencyKey    string
}

// Transaction is the durable record of a successful charge, keyed by its
// idempotency key
type Transaction struct {
	ID              string          `json:"id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	SubscriberID    string          `json:"subscriber_id"`
	Amount          decimal.Decimal `json:"amount"`
	IncludedCharged decimal.Decimal `json:"included_charged"`
	OnDemandCharged decimal.Decimal `json:"on_demand_charged"`
	Before          Snapshot        `json:"before"`
	After           Snapshot        `json:"after"`
	Reversed        bool            `json:"reversed"`
	ReversedAt      *time.Time      `json:"reversed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ChargeResult is returned by Charge. Replays of the same key return an
// identical result.
type ChargeResult struct {
	TransactionID   string          `json:"transaction_id"`
	SubscriberID    string          `json:"subscriber_id"`
	IdempotencyKey  string          `json:"idempotency_key"`
	Amount          decimal.Decimal `json:"amount"`
	Bucket          Bucket          `json:"bucket"`
	IncludedCharged decimal.Decimal `json:"included_charged"`
	OnDemandCharged decimal.Decimal `json:"on_demand_charged"`
	Before          Snapshot        `json:"before"`
	After           Snapshot        `json:"after"`
	ChargedAt       time.Time       `json:"charged_at"`
}

// Result converts the stored transaction into the value Charge returns
func (t *Transaction) Result() *ChargeResult {
	bucket := BucketIncluded
	if t.OnDemandCharged.IsPositive() {
		bucket = BucketOnDemand
	}
	return &ChargeResult{
		TransactionID:   t.ID,
		SubscriberID:    t.SubscriberID,
		IdempotencyKey:  t.IdempotencyKey,
		Amount:          t.Amount,
		Bucket:          bucket,
		IncludedCharged: t.IncludedCharged,
		OnDemandCharged: t.OnDemandCharged,
		Before:          t.Before,
		After:           t.After,
		ChargedAt:       t.CreatedAt,
	}
}

// NextPeriodStart returns the first instant of the month following t, in UTC
func NextPeriodStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
