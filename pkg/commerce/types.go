package commerce

import (
	"time"

	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/platinummonkey/tollbooth/pkg/ledger"
	"github.com/shopspring/decimal"
)

// ItemRef names one package version in a basket
type ItemRef struct {
	ID      string `json:"id" validate:"required"`
	Version string `json:"version" validate:"required"`
}

// CheckoutRequest is a basket purchase. DeclineOnDemand withholds the
// caller's consent to overage even when the plan permits it.
type CheckoutRequest struct {
	SubscriberID    string
	Items           []ItemRef
	IdempotencyKey  string
	DeclineOnDemand bool
}

// ChargedItem is the per-item breakdown frozen into a receipt. Price and
// digest are snapshots taken at checkout.
type ChargedItem struct {
	ID              string          `json:"id"`
	Version         string          `json:"version"`
	Name            string          `json:"name"`
	Bucket          billing.Bucket  `json:"bucket"`
	Price           decimal.Decimal `json:"price"`
	IncludedPortion decimal.Decimal `json:"included_portion"`
	OnDemandPortion decimal.Decimal `json:"on_demand_portion"`
	ContentDigest   string          `json:"content_digest"`
}

// ReceiptStatus is the lifecycle state of a receipt
type ReceiptStatus string

const (
	ReceiptPending   ReceiptStatus = "pending"
	ReceiptCompleted ReceiptStatus = "completed"
	ReceiptFailed    ReceiptStatus = "failed"
	ReceiptRefunded  ReceiptStatus = "refunded"
)

var receiptTransitions = map[ReceiptStatus][]ReceiptStatus{
	ReceiptPending:   {ReceiptCompleted, ReceiptFailed},
	ReceiptCompleted: {ReceiptRefunded},
}

// CanTransition reports whether a receipt may move from s to next. The
// refunded -> completed edge exists only to roll back a failed refund.
func (s ReceiptStatus) CanTransition(next ReceiptStatus) bool {
	if s == ReceiptRefunded && next == ReceiptCompleted {
		return true
	}
	for _, allowed := range receiptTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Receipt is the durable record of a checkout. Receipts are never deleted.
type Receipt struct {
	ID              string           `json:"id"`
	SubscriberID    string           `json:"subscriber_id"`
	IdempotencyKey  string           `json:"idempotency_key"`
	Items           []ChargedItem    `json:"items"`
	Total           decimal.Decimal  `json:"total"`
	IncludedCharged decimal.Decimal  `json:"included_charged"`
	OnDemandCharged decimal.Decimal  `json:"on_demand_charged"`
	BalanceAfter    balance.Snapshot `json:"balance_after"`
	Status          ReceiptStatus    `json:"status"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	RefundReason    string           `json:"refund_reason,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	RefundedAt      *time.Time       `json:"refunded_at,omitempty"`
}

func (r *Receipt) clone() *Receipt {
	cp := *r
	cp.Items = append([]ChargedItem(nil), r.Items...)
	if r.RefundedAt != nil {
		t := *r.RefundedAt
		cp.RefundedAt = &t
	}
	return &cp
}

// sameBasket reports whether items name exactly the receipt's items in order
func (r *Receipt) sameBasket(items []ItemRef) bool {
	if len(items) != len(r.Items) {
		return false
	}
	for i, item := range items {
		if item.ID != r.Items[i].ID || item.Version != r.Items[i].Version {
			return false
		}
	}
	return true
}

// CheckoutResult is returned by Checkout. Replayed is set when the receipt
// came from an earlier call with the same key.
type CheckoutResult struct {
	Receipt  *Receipt `json:"receipt"`
	Replayed bool     `json:"replayed"`
}

// Grant is a signed download for one purchased item
type Grant struct {
	ID            string    `json:"id"`
	Version       string    `json:"version"`
	URL           string    `json:"url"`
	ExpiresAt     time.Time `json:"expires_at"`
	ContentDigest string    `json:"content_digest"`
}

// DeliverResult holds one grant per receipt item, in receipt order
type DeliverResult struct {
	ReceiptID string  `json:"receipt_id"`
	Grants    []Grant `json:"grants"`
}

// UsageRequest meters one AI generation. Cost is taken from the request
// when set, otherwise priced from token counts.
type UsageRequest struct {
	SubscriberID   string
	IdempotencyKey string
	JobID          string
	Provider       string
	Model          string
	InputTokens    int64
	OutputTokens   int64
	Cost           *decimal.Decimal
	OccurredAt     time.Time
}

// UsageResult is the outcome of metering usage
type UsageResult struct {
	Cost            decimal.Decimal  `json:"cost"`
	IncludedCharged decimal.Decimal  `json:"included_charged"`
	OnDemandCharged decimal.Decimal  `json:"on_demand_charged"`
	BalanceAfter    balance.Snapshot `json:"balance_after"`
	Entries         []*ledger.Entry  `json:"entries"`
}
