package commerce

import (
	"context"
	"errors"
	"testing"

	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/platinummonkey/tollbooth/pkg/ledger"
	"github.com/platinummonkey/tollbooth/pkg/pricing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func costOf(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func TestRecordUsage_SplitsAcrossBuckets(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "sub_1", "pro")
	ctx := context.Background()

	_, err := h.engine.RecordUsage(ctx, UsageRequest{
		SubscriberID: "sub_1", IdempotencyKey: "gen_1", JobID: "job_1",
		Provider: "anthropic", Model: "claude-sonnet", Cost: costOf("8"),
		InputTokens: 1000, OutputTokens: 200, OccurredAt: fixedNow,
	})
	require.NoError(t, err)

	res, err := h.engine.RecordUsage(ctx, UsageRequest{
		SubscriberID: "sub_1", IdempotencyKey: "gen_2", JobID: "job_1",
		Provider: "anthropic", Model: "claude-sonnet", Cost: costOf("5"),
		InputTokens: 400, OutputTokens: 100, OccurredAt: fixedNow,
	})
	require.NoError(t, err)
	assert.True(t, res.IncludedCharged.Equal(d("2")))
	assert.True(t, res.OnDemandCharged.Equal(d("3")))
	require.Len(t, res.Entries, 2)
	assert.Equal(t, "gen_2_included", res.Entries[0].IdempotencyKey)
	assert.Equal(t, billing.BucketIncluded, res.Entries[0].Bucket)
	assert.Equal(t, int64(400), res.Entries[0].InputTokens)
	assert.Equal(t, "gen_2_on_demand", res.Entries[1].IdempotencyKey)
	assert.Equal(t, billing.BucketOnDemand, res.Entries[1].Bucket)
	assert.Zero(t, res.Entries[1].InputTokens)

	job, err := h.ledger.QueryByJob(ctx, "job_1")
	require.NoError(t, err)
	summary := ledger.Fold("sub_1", ledger.DateRange{}, job)
	assert.True(t, summary.Total.Equal(d("13")))
	assert.Equal(t, int64(1400), summary.InputTokens)

	b := h.balance(t, "sub_1")
	assert.True(t, b.IncludedBalance.IsZero())
	assert.True(t, b.OnDemandAccrued.Equal(d("3")))
}

func TestRecordUsage_Idempotent(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "sub_1", "pro")
	ctx := context.Background()
	req := UsageRequest{SubscriberID: "sub_1", IdempotencyKey: "gen_1", Model: "m", Cost: costOf("1.5")}

	first, err := h.engine.RecordUsage(ctx, req)
	require.NoError(t, err)
	second, err := h.engine.RecordUsage(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.Entries[0].ID, second.Entries[0].ID)
	assert.True(t, h.balance(t, "sub_1").IncludedBalance.Equal(d("8.5")))
	assert.Equal(t, 1, h.ledgerDB.Len())

	req.Cost = costOf("2")
	_, err = h.engine.RecordUsage(ctx, req)
	assert.True(t, errors.Is(err, ErrIdempotencyKeyReuse))
}

func TestRecordUsage_PricedFromTable(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "sub_1", "pro")
	table, err := pricing.Parse([]byte(`
models:
  - provider: anthropic
    model: claude-sonnet
    input_per_million: "3.00"
    output_per_million: "15.00"
`))
	require.NoError(t, err)
	h.engine.pricing = table

	res, err := h.engine.RecordUsage(context.Background(), UsageRequest{
		SubscriberID: "sub_1", IdempotencyKey: "gen_1",
		Provider: "anthropic", Model: "claude-sonnet",
		InputTokens: 1_000_000, OutputTokens: 100_000,
	})
	require.NoError(t, err)
	assert.True(t, res.Cost.Equal(d("4.5")))
	assert.True(t, h.balance(t, "sub_1").IncludedBalance.Equal(d("5.5")))

	_, err = h.engine.RecordUsage(context.Background(), UsageRequest{
		SubscriberID: "sub_1", IdempotencyKey: "gen_2", Provider: "acme", Model: "unknown",
	})
	assert.True(t, IsValidationError(err))
}

func TestRecordUsage_ZeroCost(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "sub_1", "basic")

	res, err := h.engine.RecordUsage(context.Background(), UsageRequest{
		SubscriberID: "sub_1", IdempotencyKey: "gen_free", Model: "m", Cost: costOf("0"), InputTokens: 10,
	})
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.Equal(t, billing.BucketIncluded, res.Entries[0].Bucket)
	assert.True(t, res.Entries[0].Cost.IsZero())
	assert.True(t, res.BalanceAfter.IncludedBalance.Equal(d("10")))
}

func TestRecordUsage_Rejected(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "sub_1", "basic")

	_, err := h.engine.RecordUsage(context.Background(), UsageRequest{
		SubscriberID: "sub_1", IdempotencyKey: "gen_1", Model: "m", Cost: costOf("11"),
	})
	var checkoutErr *CheckoutError
	require.True(t, errors.As(err, &checkoutErr))
	assert.Equal(t, balance.ReasonOnDemandDisabled, checkoutErr.Reason)
	assert.Equal(t, 0, h.ledgerDB.Len())

	_, err = h.engine.RecordUsage(context.Background(), UsageRequest{
		SubscriberID: "sub_1", IdempotencyKey: "gen_2", Model: "m", Cost: costOf("1"), InputTokens: -1,
	})
	assert.True(t, IsValidationError(err))
}

func TestRecordUsage_LedgerFailureLeavesChargeForRetry(t *testing.T) {
	h := newHarness(t)
	h.subscribe(t, "sub_1", "pro")
	ctx := context.Background()
	req := UsageRequest{SubscriberID: "sub_1", IdempotencyKey: "gen_1", Model: "m", Cost: costOf("3")}

	h.ledgerDB.failInsert = true
	_, err := h.engine.RecordUsage(ctx, req)
	assert.True(t, IsPersistenceError(err))
	assert.True(t, h.balance(t, "sub_1").IncludedBalance.Equal(d("7")))

	h.ledgerDB.failInsert = false
	res, err := h.engine.RecordUsage(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Entries, 1)
	assert.True(t, res.Entries[0].Cost.Equal(d("3")))
	assert.True(t, h.balance(t, "sub_1").IncludedBalance.Equal(d("7")))
}
