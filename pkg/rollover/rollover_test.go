package rollover

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/balance"
	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/platinummonkey/tollbooth/pkg/plans"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
default_plan: free
plans:
  - id: free
    monthly_allowance: "1.00"
  - id: pro
    monthly_allowance: "20.00"
    on_demand_allowed: true
`

func TestRunOnce_ResetsDueBalances(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	catalog, err := plans.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	directory := plans.NewDirectory(catalog, plans.NewMemoryAssignments())
	_, err = directory.Assign(ctx, "sub_pro", "pro", billing.SubscriptionStatusActive, "")
	require.NoError(t, err)

	balances := balance.NewService(balance.NewMemoryStore(), log)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	balances.SetClock(func() time.Time { return now })
	for _, id := range []string{"sub_pro", "sub_free", "sub_later"} {
		_, err := balances.InitializeOrResetBalance(ctx, id, decimal.NewFromInt(5), nil)
		require.NoError(t, err)
	}
	_, err = balances.Charge(ctx, balance.ChargeRequest{SubscriberID: "sub_pro", Amount: decimal.NewFromInt(3), IdempotencyKey: "k"})
	require.NoError(t, err)

	// sub_later already renewed for February
	now = time.Date(2026, 2, 1, 0, 30, 0, 0, time.UTC)
	_, err = balances.InitializeOrResetBalance(ctx, "sub_later", decimal.NewFromInt(5), nil)
	require.NoError(t, err)

	job := NewJob(balances, directory, Config{BatchSize: 1, Workers: 2}, log)
	result, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Reset)
	assert.Zero(t, result.Failed)

	pro, err := balances.GetBalance(ctx, "sub_pro")
	require.NoError(t, err)
	assert.True(t, pro.IncludedBalance.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), pro.PeriodNextReset)

	free, err := balances.GetBalance(ctx, "sub_free")
	require.NoError(t, err)
	assert.True(t, free.IncludedBalance.Equal(decimal.NewFromInt(1)))
	require.NotNil(t, free.OnDemandLimit)
	assert.True(t, free.OnDemandLimit.IsZero())

	again, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Reset)
}

type failingSource struct {
	plans.Source
	failFor string
}

func (s failingSource) GetPlan(ctx context.Context, subscriberID string) (*plans.Plan, error) {
	if subscriberID == s.failFor {
		return nil, errors.New("plan store unavailable")
	}
	return s.Source.GetPlan(ctx, subscriberID)
}

func TestRunOnce_FailuresDoNotBlockLaterSubscribers(t *testing.T) {
	ctx := context.Background()
	log := logrus.New()
	log.SetLevel(logrus.FatalLevel)

	catalog, err := plans.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)
	directory := plans.NewDirectory(catalog, plans.NewMemoryAssignments())

	balances := balance.NewService(balance.NewMemoryStore(), log)
	now := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	balances.SetClock(func() time.Time { return now })
	for _, id := range []string{"sub_a", "sub_b", "sub_c"} {
		_, err := balances.InitializeOrResetBalance(ctx, id, decimal.NewFromInt(5), nil)
		require.NoError(t, err)
	}
	now = time.Date(2026, 2, 1, 0, 30, 0, 0, time.UTC)

	job := NewJob(balances, failingSource{Source: directory, failFor: "sub_a"}, Config{BatchSize: 1, Workers: 1}, log)
	result, err := job.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Reset)
	assert.Equal(t, int64(1), result.Failed)

	for _, id := range []string{"sub_b", "sub_c"} {
		b, err := balances.GetBalance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), b.PeriodNextReset, id)
	}
}

func TestSchedule(t *testing.T) {
	job := NewJob(balance.NewService(balance.NewMemoryStore(), nil), nil, Config{}, nil)
	c := cron.New()

	_, err := job.Schedule(c, "")
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	_, err = job.Schedule(c, "not a schedule")
	assert.Error(t, err)
}

type countingRecorder struct {
	runs, reset, failed int64
}

func (r *countingRecorder) RecordRollover(reset, failed int64) {
	r.runs++
	r.reset += reset
	r.failed += failed
}

func TestTick_RecordsResult(t *testing.T) {
	job := NewJob(balance.NewService(balance.NewMemoryStore(), nil), nil, Config{}, nil)
	rec := &countingRecorder{}
	job.SetRecorder(rec)

	job.tick()
	assert.Equal(t, int64(1), rec.runs)
	assert.Zero(t, rec.reset)
	assert.Zero(t, rec.failed)
}
