package commerce

import (
	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/shopspring/decimal"
)

// AttributeBuckets spreads an aggregate included charge over items in order:
// each item drains what is left of includedCharged up to its price and the
// rest of its price is on-demand. Items paid entirely from included are
// tagged included, all others on_demand. The attribution is for reporting;
// it never changes what was charged.
func AttributeBuckets(items []ChargedItem, includedCharged decimal.Decimal) []ChargedItem {
	out := make([]ChargedItem, len(items))
	remaining := includedCharged
	for i, item := range items {
		included := decimal.Min(item.Price, remaining)
		if included.IsNegative() {
			included = decimal.Zero
		}
		remaining = remaining.Sub(included)

		item.IncludedPortion = included
		item.OnDemandPortion = item.Price.Sub(included)
		item.Bucket = billing.BucketIncluded
		if item.OnDemandPortion.IsPositive() {
			item.Bucket = billing.BucketOnDemand
		}
		out[i] = item
	}
	return out
}
