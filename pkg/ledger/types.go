package ledger

import (
	"fmt"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/shopspring/decimal"
)

// Kind distinguishes usage entries from purchase entries
type Kind string

const (
	KindUsage    Kind = "usage"
	KindPurchase Kind = "purchase"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	return k == KindUsage || k == KindPurchase
}

// ParseKind converts a query parameter or stored value into a Kind
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", NewValidationError("kind", fmt.Sprintf("unknown kind %q", s))
	}
	return k, nil
}

// Entry is one immutable billable event. Usage entries carry job and model
// attribution; purchase entries carry package and receipt attribution.
type Entry struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	SubscriberID   string          `json:"subscriber_id"`
	Kind           Kind            `json:"kind"`
	Bucket         billing.Bucket  `json:"bucket"`
	Cost           decimal.Decimal `json:"cost"`
	OccurredAt     time.Time       `json:"occurred_at"`

	// Usage attribution
	JobID        string `json:"job_id,omitempty"`
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`

	// Purchase attribution
	PackageID      string `json:"package_id,omitempty"`
	PackageVersion string `json:"package_version,omitempty"`
	ReceiptID      string `json:"receipt_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// sameEvent reports whether other describes the event e was recorded for.
// Used to reject reuse of an idempotency key for a different event.
func (e *Entry) sameEvent(other *Entry) bool {
	return e.Kind == other.Kind &&
		e.SubscriberID == other.SubscriberID &&
		e.Bucket == other.Bucket &&
		e.Cost.Equal(other.Cost)
}

// DateRange is the half-open interval [From, To). A zero bound is unbounded.
type DateRange struct {
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls within the range
func (r DateRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && !t.Before(r.To) {
		return false
	}
	return true
}

// Validate rejects ranges whose end precedes their start
func (r DateRange) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return NewValidationError("range", "to must not precede from")
	}
	return nil
}

// Filter narrows QueryBySubscriber results
type Filter struct {
	Kind  *Kind
	Range *DateRange
}

func (f Filter) matches(e *Entry) bool {
	if f.Kind != nil && e.Kind != *f.Kind {
		return false
	}
	if f.Range != nil && !f.Range.Contains(e.OccurredAt) {
		return false
	}
	return true
}
