package commerce

import (
	"testing"

	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/stretchr/testify/assert"
)

func TestAttributeBuckets(t *testing.T) {
	tests := []struct {
		name     string
		prices   []string
		included string
		buckets  []billing.Bucket
		portions []string
	}{
		{"all included", []string{"3", "4"}, "7", []billing.Bucket{billing.BucketIncluded, billing.BucketIncluded}, []string{"3", "4"}},
		{"split item", []string{"10", "5"}, "12", []billing.Bucket{billing.BucketIncluded, billing.BucketOnDemand}, []string{"10", "2"}},
		{"all on-demand", []string{"1", "2"}, "0", []billing.Bucket{billing.BucketOnDemand, billing.BucketOnDemand}, []string{"0", "0"}},
		{"free item", []string{"0", "2"}, "0", []billing.Bucket{billing.BucketIncluded, billing.BucketOnDemand}, []string{"0", "0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items := make([]ChargedItem, len(tt.prices))
			for i, p := range tt.prices {
				items[i] = ChargedItem{ID: "p", Price: d(p)}
			}
			out := AttributeBuckets(items, d(tt.included))
			for i := range out {
				assert.Equal(t, tt.buckets[i], out[i].Bucket, "item %d", i)
				assert.True(t, out[i].IncludedPortion.Equal(d(tt.portions[i])), "item %d included %s", i, out[i].IncludedPortion)
				assert.True(t, out[i].IncludedPortion.Add(out[i].OnDemandPortion).Equal(out[i].Price))
			}
			assert.True(t, items[0].Bucket == "", "input not mutated")
		})
	}
}
