package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/platinummonkey/tollbooth/pkg/billing"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	l := NewLedger(store, log)
	l.SetClock(func() time.Time { return baseTime })
	return l, store
}

func usage(key, subscriber string, cost string, at time.Time) Entry {
	return Entry{
		IdempotencyKey: key,
		SubscriberID:   subscriber,
		Bucket:         billing.BucketIncluded,
		Cost:           d(cost),
		OccurredAt:     at,
		JobID:          "job_1",
		Provider:       "anthropic",
		Model:          "claude",
		InputTokens:    1000,
		OutputTokens:   200,
	}
}

func purchase(key, subscriber, pkg string, cost string, at time.Time) Entry {
	return Entry{
		IdempotencyKey: key,
		SubscriberID:   subscriber,
		Bucket:         billing.BucketOnDemand,
		Cost:           d(cost),
		OccurredAt:     at,
		PackageID:      pkg,
		PackageVersion: "1.0.0",
		ReceiptID:      "rcpt_1",
	}
}

type recordingSink struct {
	mu      sync.Mutex
	entries []*Entry
	err     error
}

func (s *recordingSink) Write(ctx context.Context, entries ...*Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entries...)
	return s.err
}

func TestRecordUsage_Idempotent(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	first, err := l.RecordUsage(ctx, usage("job_1_included", "sub_1", "0.42", baseTime))
	require.NoError(t, err)
	assert.Equal(t, KindUsage, first.Kind)
	assert.NotEmpty(t, first.ID)

	second, err := l.RecordUsage(ctx, usage("job_1_included", "sub_1", "0.42", baseTime))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.Len())
}

func TestRecordPurchase_Idempotent(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	first, err := l.RecordPurchase(ctx, purchase("chk_1_motor_1.0.0", "sub_1", "motor", "10", baseTime))
	require.NoError(t, err)
	second, err := l.RecordPurchase(ctx, purchase("chk_1_motor_1.0.0", "sub_1", "motor", "10", baseTime))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, KindPurchase, second.Kind)
	assert.Equal(t, 1, store.Len())
}

func TestRecord_KeyReuseForDifferentEvent(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.RecordUsage(ctx, usage("key", "sub_1", "1", baseTime))
	require.NoError(t, err)

	_, err = l.RecordUsage(ctx, usage("key", "sub_2", "1", baseTime))
	assert.True(t, errors.Is(err, ErrIdempotencyKeyReuse))

	_, err = l.RecordPurchase(ctx, purchase("key", "sub_1", "motor", "1", baseTime))
	assert.True(t, errors.Is(err, ErrIdempotencyKeyReuse))
}

func TestRecord_Validation(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*Entry)
	}{
		{"missing key", func(e *Entry) { e.IdempotencyKey = "" }},
		{"missing subscriber", func(e *Entry) { e.SubscriberID = " " }},
		{"bad bucket", func(e *Entry) { e.Bucket = "overdraft" }},
		{"negative cost", func(e *Entry) { e.Cost = d("-1") }},
		{"negative tokens", func(e *Entry) { e.InputTokens = -5 }},
		{"missing model", func(e *Entry) { e.Model = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := usage("k", "sub_1", "1", baseTime)
			tt.mutate(&e)
			_, err := l.RecordUsage(ctx, e)
			assert.True(t, IsValidationError(err), "got %v", err)
		})
	}

	p := purchase("p", "sub_1", "", "1", baseTime)
	_, err := l.RecordPurchase(ctx, p)
	assert.True(t, IsValidationError(err))
}

func TestRecord_ZeroCostAllowed(t *testing.T) {
	l, _ := newTestLedger()
	e, err := l.RecordPurchase(context.Background(), purchase("free", "sub_1", "freebie", "0", baseTime))
	require.NoError(t, err)
	assert.True(t, e.Cost.IsZero())
}

func TestRecord_DefaultsOccurredAt(t *testing.T) {
	l, _ := newTestLedger()
	e, err := l.RecordUsage(context.Background(), usage("k", "sub_1", "1", time.Time{}))
	require.NoError(t, err)
	assert.Equal(t, baseTime, e.OccurredAt)
}

func TestQueryBySubscriber_FiltersAndOrder(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.RecordUsage(ctx, usage("u2", "sub_1", "2", baseTime.Add(2*time.Hour)))
	require.NoError(t, err)
	_, err = l.RecordUsage(ctx, usage("u1", "sub_1", "1", baseTime))
	require.NoError(t, err)
	_, err = l.RecordPurchase(ctx, purchase("p1", "sub_1", "motor", "10", baseTime.Add(time.Hour)))
	require.NoError(t, err)
	_, err = l.RecordUsage(ctx, usage("other", "sub_2", "5", baseTime))
	require.NoError(t, err)

	all, err := l.QueryBySubscriber(ctx, "sub_1", nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "u1", all[0].IdempotencyKey)
	assert.Equal(t, "p1", all[1].IdempotencyKey)
	assert.Equal(t, "u2", all[2].IdempotencyKey)

	kind := KindUsage
	usageOnly, err := l.QueryBySubscriber(ctx, "sub_1", &kind, nil)
	require.NoError(t, err)
	assert.Len(t, usageOnly, 2)

	window := &DateRange{From: baseTime.Add(time.Hour), To: baseTime.Add(2 * time.Hour)}
	windowed, err := l.QueryBySubscriber(ctx, "sub_1", nil, window)
	require.NoError(t, err)
	require.Len(t, windowed, 1)
	assert.Equal(t, "p1", windowed[0].IdempotencyKey)

	_, err = l.QueryBySubscriber(ctx, "sub_1", nil, &DateRange{From: baseTime, To: baseTime.Add(-time.Hour)})
	assert.True(t, IsValidationError(err))
}

func TestQueryByJob(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	included := usage("job_9_included", "sub_1", "1", baseTime)
	included.JobID = "job_9"
	onDemand := usage("job_9_on_demand", "sub_1", "0.5", baseTime)
	onDemand.JobID = "job_9"
	onDemand.Bucket = billing.BucketOnDemand

	_, err := l.RecordUsage(ctx, included)
	require.NoError(t, err)
	_, err = l.RecordUsage(ctx, onDemand)
	require.NoError(t, err)

	entries, err := l.QueryByJob(ctx, "job_9")
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	none, err := l.QueryByJob(ctx, "job_missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSummarize(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.RecordUsage(ctx, usage("u1", "sub_1", "1.25", baseTime))
	require.NoError(t, err)
	_, err = l.RecordPurchase(ctx, purchase("p1", "sub_1", "motor", "10", baseTime))
	require.NoError(t, err)

	s, err := l.Summarize(ctx, "sub_1", DateRange{})
	require.NoError(t, err)
	assert.True(t, s.Total.Equal(d("11.25")))
	assert.True(t, s.ByKind[KindUsage].Equal(d("1.25")))
	assert.True(t, s.ByKind[KindPurchase].Equal(d("10")))
	assert.True(t, s.ByBucket[billing.BucketIncluded].Equal(d("1.25")))
	assert.True(t, s.ByBucket[billing.BucketOnDemand].Equal(d("10")))
	assert.Equal(t, int64(1000), s.InputTokens)
	assert.Equal(t, 2, s.EntryCount)
	assert.Equal(t, 1, s.ByModel["anthropic/claude"].Entries)
}

func TestSink_ReceivesInsertedEntriesOnly(t *testing.T) {
	l, _ := newTestLedger()
	sink := &recordingSink{err: errors.New("clickhouse down")}
	l.SetSink(sink)
	ctx := context.Background()

	_, err := l.RecordUsage(ctx, usage("u1", "sub_1", "1", baseTime))
	require.NoError(t, err, "sink failures never fail the write")
	_, err = l.RecordUsage(ctx, usage("u1", "sub_1", "1", baseTime))
	require.NoError(t, err)
	l.Wait()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.entries, 1)
}

type countingRecorder struct {
	inserted, replayed int
}

func (r *countingRecorder) RecordLedgerWrite(kind string, inserted bool) {
	if inserted {
		r.inserted++
	} else {
		r.replayed++
	}
}

func TestRecorder(t *testing.T) {
	l, _ := newTestLedger()
	rec := &countingRecorder{}
	l.SetRecorder(rec)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := l.RecordUsage(ctx, usage("u1", "sub_1", "1", baseTime))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, rec.inserted)
	assert.Equal(t, 2, rec.replayed)
}
