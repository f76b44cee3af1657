package ledger

import (
	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/shopspring/decimal"
)

// ModelUsage aggregates usage cost and tokens for one provider/model pair
type ModelUsage struct {
	Provider     string          `json:"provider"`
	Model        string          `json:"model"`
	Cost         decimal.Decimal `json:"cost"`
	InputTokens  int64           `json:"input_tokens"`
	OutputTokens int64           `json:"output_tokens"`
	Entries      int             `json:"entries"`
}

// Summary is a fold over ledger entries. Folding entries one by one, merging
// partial summaries, or folding everything at once give equal results.
type Summary struct {
	SubscriberID string                             `json:"subscriber_id"`
	Range        DateRange                          `json:"range"`
	Total        decimal.Decimal                    `json:"total"`
	ByBucket     map[billing.Bucket]decimal.Decimal `json:"by_bucket"`
	ByKind       map[Kind]decimal.Decimal           `json:"by_kind"`
	ByModel      map[string]ModelUsage              `json:"by_model"`
	InputTokens  int64                              `json:"input_tokens"`
	OutputTokens int64                              `json:"output_tokens"`
	EntryCount   int                                `json:"entry_count"`
}

// NewSummary returns an empty summary for subscriberID over r
func NewSummary(subscriberID string, r DateRange) *Summary {
	s := &Summary{
		SubscriberID: subscriberID,
		Range:        r,
		Total:        decimal.Zero,
		ByBucket:     make(map[billing.Bucket]decimal.Decimal, len(billing.Buckets)),
		ByKind:       make(map[Kind]decimal.Decimal, 2),
		ByModel:      make(map[string]ModelUsage),
	}
	for _, b := range billing.Buckets {
		s.ByBucket[b] = decimal.Zero
	}
	s.ByKind[KindUsage] = decimal.Zero
	s.ByKind[KindPurchase] = decimal.Zero
	return s
}

// Fold summarizes entries in a single pass
func Fold(subscriberID string, r DateRange, entries []*Entry) *Summary {
	s := NewSummary(subscriberID, r)
	for _, e := range entries {
		s.Add(e)
	}
	return s
}

func modelKey(provider, model string) string {
	return provider + "/" + model
}

// Add folds one entry into the summary
func (s *Summary) Add(e *Entry) {
	s.Total = s.Total.Add(e.Cost)
	s.ByBucket[e.Bucket] = s.ByBucket[e.Bucket].Add(e.Cost)
	s.ByKind[e.Kind] = s.ByKind[e.Kind].Add(e.Cost)
	s.EntryCount++

	if e.Kind != KindUsage {
		return
	}
	s.InputTokens += e.InputTokens
	s.OutputTokens += e.OutputTokens

	key := modelKey(e.Provider, e.Model)
	mu, ok := s.ByModel[key]
	if !ok {
		mu = ModelUsage{Provider: e.Provider, Model: e.Model, Cost: decimal.Zero}
	}
	mu.Cost = mu.Cost.Add(e.Cost)
	mu.InputTokens += e.InputTokens
	mu.OutputTokens += e.OutputTokens
	mu.Entries++
	s.ByModel[key] = mu
}

// Merge folds another partial summary into s
func (s *Summary) Merge(other *Summary) {
	s.Total = s.Total.Add(other.Total)
	for b, v := range other.ByBucket {
		s.ByBucket[b] = s.ByBucket[b].Add(v)
	}
	for k, v := range other.ByKind {
		s.ByKind[k] = s.ByKind[k].Add(v)
	}
	for key, o := range other.ByModel {
		mu, ok := s.ByModel[key]
		if !ok {
			mu = ModelUsage{Provider: o.Provider, Model: o.Model, Cost: decimal.Zero}
		}
		mu.Cost = mu.Cost.Add(o.Cost)
		mu.InputTokens += o.InputTokens
		mu.OutputTokens += o.OutputTokens
		mu.Entries += o.Entries
		s.ByModel[key] = mu
	}
	s.InputTokens += other.InputTokens
	s.OutputTokens += other.OutputTokens
	s.EntryCount += other.EntryCount
}

// Equal compares two summaries by value. Decimal amounts compare numerically,
// so 1.50 equals 1.5.
func (s *Summary) Equal(o *Summary) bool {
	if s == nil || o == nil {
		return s == o
	}
	if s.SubscriberID != o.SubscriberID || !s.Range.From.Equal(o.Range.From) || !s.Range.To.Equal(o.Range.To) {
		return false
	}
	if !s.Total.Equal(o.Total) || s.InputTokens != o.InputTokens ||
		s.OutputTokens != o.OutputTokens || s.EntryCount != o.EntryCount {
		return false
	}
	if !decimalMapsEqual(s.ByBucket, o.ByBucket) || !decimalMapsEqual(s.ByKind, o.ByKind) {
		return false
	}
	if len(s.ByModel) != len(o.ByModel) {
		return false
	}
	for key, a := range s.ByModel {
		b, ok := o.ByModel[key]
		if !ok || !a.Cost.Equal(b.Cost) || a.InputTokens != b.InputTokens ||
			a.OutputTokens != b.OutputTokens || a.Entries != b.Entries {
			return false
		}
	}
	return true
}

func decimalMapsEqual[K comparable](a, b map[K]decimal.Decimal) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		w, ok := b[k]
		if !ok || !v.Equal(w) {
			return false
		}
	}
	return true
}
